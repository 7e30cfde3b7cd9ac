// Package engine implements the Instance Manager (§4 component 8): the
// per-instance session counter, reboot/unicast flags and send-buffer
// budget (Config.SendBufLen; the Packer assembles each datagram afresh), and
// the Init/RxIndication/MainFunction entry points that drive the server,
// client and subscription-table components on every tick.
package engine

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/James-creator-afk/someip-sd/internal/critical"
	"github.com/James-creator-afk/someip-sd/internal/sdflags"
	"github.com/James-creator-afk/someip-sd/pkg/client"
	"github.com/James-creator-afk/someip-sd/pkg/server"
	"github.com/James-creator-afk/someip-sd/pkg/soad"
	"github.com/James-creator-afk/someip-sd/pkg/subscription"
)

// Engine is one SD instance: the services it advertises and consumes,
// the socket adapter it drives them through, and the session-counter
// bookkeeping shared by everything the Packer emits. There is no
// package-level state. Every field an instance needs lives here.
type Engine struct {
	Config  Config
	Adapter soad.Adapter

	ServerServices []*server.Service
	ClientServices []*client.Service

	// eventHandlers and consumedGroups flatten every service's nested
	// collections into handle-id-indexable slices, mirroring the
	// original's separate handle-to-context lookup tables.
	eventHandlers  []*subscription.EventHandler
	consumedGroups []*client.EventGroup

	logger *slog.Logger
	crit   critical.Section

	flags     sdflags.Flags
	sessionID uint16

	// OnSoConModeChange is an optional hook mirroring Sd_SoConModeChg:
	// invoked whenever a socket connection is opened or closed by
	// LinkControl. Purely informational; no engine state depends on it.
	OnSoConModeChange func(soConId soad.SoConId, up bool)
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option { return func(e *Engine) { e.logger = logger } }
func WithCriticalSection(c critical.Section) Option {
	return func(e *Engine) { e.crit = c }
}

// New assembles an Engine from its configured services. Handle ids for
// GetSubscribers/ConsumedEventGroupSetState are assigned by flattening
// each service's EventHandlers/EventGroups in order.
func New(cfg Config, adapter soad.Adapter, serverServices []*server.Service, clientServices []*client.Service, opts ...Option) *Engine {
	e := &Engine{
		Config:         cfg,
		Adapter:        adapter,
		ServerServices: serverServices,
		ClientServices: clientServices,
		logger:         cfg.logger(),
		crit:           cfg.criticalSection(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, s := range serverServices {
		e.eventHandlers = append(e.eventHandlers, s.EventHandlers...)
	}
	for _, c := range clientServices {
		e.consumedGroups = append(e.consumedGroups, c.EventGroups...)
	}
	return e
}

// Init opens the instance's two transmit socket connections and
// subscribes the engine as the adapter's inbound listener, mirroring
// Sd_Init. Service contexts are already live once constructed by
// server.New/client.New, there is no separate context-allocation step.
func (e *Engine) Init() error {
	e.crit.Enter()
	e.flags = sdflags.Reboot | sdflags.Unicast
	e.sessionID = 1
	e.crit.Leave()

	if err := e.Adapter.OpenSoCon(e.Config.MulticastSoConID); err != nil {
		return fmt.Errorf("engine: open multicast soCon: %w", err)
	}
	if err := e.Adapter.OpenSoCon(e.Config.UnicastSoConID); err != nil {
		return fmt.Errorf("engine: open unicast soCon: %w", err)
	}
	if err := e.Adapter.Subscribe(e); err != nil {
		return fmt.Errorf("engine: subscribe listener: %w", err)
	}
	e.logger.Info("sd engine initialized",
		"hostname", e.Config.Hostname,
		"serverServices", len(e.ServerServices),
		"clientServices", len(e.ClientServices))
	return nil
}

// Handle implements soad.Listener, resolving the delivering socket
// connection back to its configured logical PduId before dispatching:
// the adapter delivers by SoConId, RxIndication is keyed by PduId.
func (e *Engine) Handle(soConId soad.SoConId, data []byte, from net.Addr) {
	var pduId soad.PduId
	switch soConId {
	case e.Config.MulticastSoConID:
		pduId = e.Config.MulticastRxPduID
	case e.Config.UnicastSoConID:
		pduId = e.Config.UnicastRxPduID
	default:
		return
	}
	e.RxIndication(pduId, data, from)
}

// SoConModeChg logs a socket-connection mode transition and, if set,
// invokes OnSoConModeChange. Nothing else observes it.
func (e *Engine) SoConModeChg(soConId soad.SoConId, up bool) {
	e.logger.Debug("soCon mode changed", "soConId", soConId, "up", up)
	if e.OnSoConModeChange != nil {
		e.OnSoConModeChange(soConId, up)
	}
}

func (e *Engine) applyLink(soConId soad.SoConId, open, closeCon bool) {
	if open {
		if err := e.Adapter.OpenSoCon(soConId); err != nil {
			e.logger.Warn("open soCon failed", "soConId", soConId, "err", err)
			return
		}
		e.SoConModeChg(soConId, true)
	}
	if closeCon {
		if err := e.Adapter.CloseSoCon(soConId, false); err != nil {
			e.logger.Warn("close soCon failed", "soConId", soConId, "err", err)
			return
		}
		e.SoConModeChg(soConId, false)
	}
}

// MainFunction runs each service's LinkControl and then advances its
// state machine by one tick (every server service, then every client
// service), then runs the Packer, in that order, matching
// Sd_MainFunction's ServerServiceMain / ClientServiceMain /
// ServerClientServiceMain sequence.
func (e *Engine) MainFunction() {
	for _, s := range e.ServerServices {
		ls := s.LinkControl()
		e.applyLink(s.Config.SoConID, ls.Open, ls.Close)
		s.Tick()
	}
	for _, c := range e.ClientServices {
		ls := c.LinkControl()
		e.applyLink(c.Config.SoConID, ls.Open, ls.Close)
		c.Tick()
	}
	e.pack()
}

func (e *Engine) advanceSession() {
	e.crit.Enter()
	defer e.crit.Leave()
	e.sessionID++
	if e.sessionID == 0 {
		e.sessionID = 1
		e.flags.Clear(sdflags.Reboot)
	}
}

func (e *Engine) currentSessionID() uint16 {
	e.crit.Enter()
	defer e.crit.Leave()
	return e.sessionID
}

// ServerServiceSetState toggles REQUEST/RELEASE on the advertised
// service at handleID (an index into the ServerServices slice passed to
// New).
func (e *Engine) ServerServiceSetState(handleID int, state server.State) error {
	if handleID < 0 || handleID >= len(e.ServerServices) {
		return ErrUnknownHandle
	}
	e.ServerServices[handleID].SetState(state)
	return nil
}

// ClientServiceSetState toggles REQUESTED/RELEASED on the consumed
// service at handleID.
func (e *Engine) ClientServiceSetState(handleID int, state client.State) error {
	if handleID < 0 || handleID >= len(e.ClientServices) {
		return ErrUnknownHandle
	}
	e.ClientServices[handleID].SetState(state)
	return nil
}

// ConsumedEventGroupSetState toggles REQUESTED/RELEASED at event-group
// granularity. handleID indexes the flattened event-group table built
// by New, in ClientServices order.
func (e *Engine) ConsumedEventGroupSetState(handleID int, state client.State) error {
	if handleID < 0 || handleID >= len(e.consumedGroups) {
		return ErrUnknownHandle
	}
	e.consumedGroups[handleID].SetState(state)
	return nil
}

// GetSubscribers returns the whole subscriber slot array for the event
// handler at handleID; the caller filters by Subscriber.IsSubscribed.
func (e *Engine) GetSubscribers(handleID int) ([]subscription.Subscriber, error) {
	if handleID < 0 || handleID >= len(e.eventHandlers) {
		return nil, ErrUnknownHandle
	}
	return e.eventHandlers[handleID].Subscribers, nil
}

// GetProviderAddr returns the offered endpoint of the client service at
// handleID, only while it is offered and its socket connection is up.
func (e *Engine) GetProviderAddr(handleID int) (client.Addr, error) {
	if handleID < 0 || handleID >= len(e.ClientServices) {
		return client.Addr{}, ErrUnknownHandle
	}
	addr, ok := e.ClientServices[handleID].GetProviderAddr()
	if !ok {
		return client.Addr{}, ErrNotAvailable
	}
	return addr, nil
}

// epAddr is a bare IPv4 endpoint extracted from a net.Addr, local to
// this package; subscription.Addr and client.Addr carry the identical
// shape but are distinct named types per their owning package.
type epAddr struct {
	IP   [4]byte
	Port uint16
}

func fromNetAddr(addr net.Addr) (epAddr, bool) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return epAddr{}, false
	}
	v4 := udpAddr.IP.To4()
	if v4 == nil {
		return epAddr{}, false
	}
	var a epAddr
	copy(a.IP[:], v4)
	a.Port = uint16(udpAddr.Port)
	return a, true
}

func (a epAddr) udp() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(a.IP[:]), Port: int(a.Port)}
}

// versionMatches implements the ANY_VERSION wildcard rule the original
// applies in Sd_HandleFindService/Sd_HandleOfferService: a field
// matches if either side names the wildcard, or both sides agree.
func versionMatches(entryMajor uint8, entryMinor uint32, cfgMajor uint8, cfgMinor uint32) bool {
	majorOK := entryMajor == AnyMajorVersion || cfgMajor == AnyMajorVersion || entryMajor == cfgMajor
	minorOK := entryMinor == AnyMinorVersion || cfgMinor == AnyMinorVersion || entryMinor == cfgMinor
	return majorOK && minorOK
}
