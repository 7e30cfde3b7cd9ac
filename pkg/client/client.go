// Package client implements the Client Service state machine (§4.4):
// the find/repeat/cyclic-find cycle that locates a remote SOME/IP
// service, plus the nested Consumed Event Group state machines that
// subscribe to its event groups once it has been found.
package client

import (
	"log/slog"
	"math"
	"math/rand"

	"github.com/James-creator-afk/someip-sd/internal/critical"
	"github.com/James-creator-afk/someip-sd/internal/sdflags"
	"github.com/James-creator-afk/someip-sd/pkg/soad"
)

type Phase uint8

const (
	PhaseDown Phase = iota
	PhaseInitialWait
	PhaseRepetition
	PhaseMain
)

func (p Phase) String() string {
	switch p {
	case PhaseDown:
		return "DOWN"
	case PhaseInitialWait:
		return "INITIAL_WAIT"
	case PhaseRepetition:
		return "REPETITION"
	case PhaseMain:
		return "MAIN"
	default:
		return "UNKNOWN"
	}
}

type State uint8

const (
	Requested State = iota
	Released
)

// Timer holds the find-cycle timing configuration, ticks except TTL
// (the requested TTL in seconds, carried on outbound Find entries).
type Timer struct {
	InitialFindDelayMin             int
	InitialFindDelayMax             int
	InitialFindRepetitionsMax       int
	InitialFindRepetitionsBaseDelay int
	TTL                             uint32
}

// Config is the static configuration of one consumed service.
type Config struct {
	ServiceID     uint16
	InstanceID    uint16
	MajorVersion  uint8
	MinorVersion  uint32
	Protocol      uint8
	SoConID       soad.SoConId
	Timer         Timer
	AutoRequire   bool
	DefaultTTL    uint32 // wire sentinel meaning "alive forever"

	// TickMs is the duration in milliseconds of one engine MainFunction
	// tick, used to convert an advertised TTL (whole seconds on the
	// wire) into a tick count: SD_CONVERT_MS_TO_MAIN_CYCLES(TTL*1000) in
	// the original. Defaults to 1000 (one tick per second) when zero.
	TickMs int
}

func (c Config) tickMs() uint64 {
	if c.TickMs <= 0 {
		return 1000
	}
	return uint64(c.TickMs)
}

type RandRange func(min, max int) int

// Addr is a bare IPv4 endpoint.
type Addr struct {
	IP   [4]byte
	Port uint16
}

type LinkState struct {
	Open  bool
	Close bool
}

// EventGroup is one ConsumedEventGroup nested under a client Service:
// its own pending-subscribe flags and ack status.
type EventGroup struct {
	EventGroupID uint16
	AutoRequire  bool

	crit         critical.Section
	isSubscribed bool
	flags        sdflags.Flags
}

func NewEventGroup(eventGroupID uint16, autoRequire bool, opts ...EventGroupOption) *EventGroup {
	eg := &EventGroup{EventGroupID: eventGroupID, AutoRequire: autoRequire, crit: critical.NewNoop()}
	for _, opt := range opts {
		opt(eg)
	}
	if autoRequire {
		eg.flags.Set(sdflags.Request)
	}
	return eg
}

type EventGroupOption func(*EventGroup)

func WithEventGroupCriticalSection(c critical.Section) EventGroupOption {
	return func(eg *EventGroup) { eg.crit = c }
}

func (eg *EventGroup) IsSubscribed() bool     { return eg.isSubscribed }
func (eg *EventGroup) Flags() sdflags.Flags   { return eg.flags }
func (eg *EventGroup) ClearFlags(mask sdflags.Flags) {
	eg.crit.Enter()
	defer eg.crit.Leave()
	eg.flags.Clear(mask)
}

// SetState toggles REQUEST/RELEASE at event-group granularity.
func (eg *EventGroup) SetState(state State) {
	eg.crit.Enter()
	defer eg.crit.Leave()
	if state == Requested {
		eg.flags.SetClear(sdflags.Request, sdflags.Release)
	} else {
		eg.flags.SetClear(sdflags.Release, sdflags.Request)
	}
}

// HandleAck applies a received SubscribeEventgroupAck: TTL>0 confirms
// the subscription, TTL=0 is a Nack and clears it.
func (eg *EventGroup) HandleAck(ttl uint32) {
	eg.crit.Enter()
	defer eg.crit.Leave()
	eg.isSubscribed = ttl > 0
}

func (eg *EventGroup) reset() {
	eg.isSubscribed = false
	eg.flags = 0
	if eg.AutoRequire {
		eg.flags.Set(sdflags.Request)
	}
}

// tick applies the parent service's isOffered transition (Sd_ClientServiceMain_Main's
// event-group loop): REQUEST/RELEASE pending on an offered service become
// PENDING_SUBSCRIBE/PENDING_STOP_SUBSCRIBE.
func (eg *EventGroup) tick() {
	if !eg.flags.Has(sdflags.Request) && !eg.flags.Has(sdflags.Release) {
		return
	}
	if eg.flags.Has(sdflags.Release) {
		eg.isSubscribed = false
		eg.flags.SetClear(sdflags.PendingStopSubscribe, sdflags.Request|sdflags.Release)
	} else {
		eg.flags.SetClear(sdflags.PendingSubscribe, sdflags.Request|sdflags.Release)
	}
}

// invalidate drops a held subscription without sending StopSubscribe,
// used on reboot detection and on TTL expiry of the parent offer.
func (eg *EventGroup) invalidate() {
	eg.isSubscribed = false
}

// onServiceRelease handles the parent Service transitioning Main -> Down: any
// held subscription emits a StopSubscribe.
func (eg *EventGroup) onServiceRelease() {
	if eg.isSubscribed {
		eg.flags.Set(sdflags.PendingStopSubscribe)
		eg.isSubscribed = false
	}
}

// Service is one consumed SOME/IP service and its find-cycle state.
type Service struct {
	Config      Config
	EventGroups []*EventGroup

	logger *slog.Logger
	crit   critical.Section
	rand   RandRange

	phase     Phase
	findTimer int
	counter   int
	flags     sdflags.Flags

	isOffered    bool
	remoteAddr   Addr
	sessionID    uint16
	ttlRemaining uint32
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option { return func(s *Service) { s.logger = logger } }
func WithCriticalSection(c critical.Section) Option {
	return func(s *Service) { s.crit = c }
}
func WithRand(r RandRange) Option { return func(s *Service) { s.rand = r } }

// New constructs a Service at phase DOWN, or immediately INITIAL_WAIT
// (with a randomized findTimer) when cfg.AutoRequire, mirroring
// Sd_InitClientService's direct phase seed (client services do not go
// through a PENDING_REQUEST flag the way servers do).
func New(cfg Config, eventGroups []*EventGroup, opts ...Option) *Service {
	s := &Service{
		Config:      cfg,
		EventGroups: eventGroups,
		logger:      slog.Default(),
		crit:        critical.NewNoop(),
		rand:        defaultRandRange,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.AutoRequire {
		s.phase = PhaseInitialWait
		s.findTimer = s.rand(cfg.Timer.InitialFindDelayMin, cfg.Timer.InitialFindDelayMax)
	}
	return s
}

func (s *Service) Phase() Phase         { return s.phase }
func (s *Service) Flags() sdflags.Flags { return s.flags }
func (s *Service) IsOffered() bool      { return s.isOffered }
func (s *Service) RemoteAddr() Addr     { return s.remoteAddr }

func (s *Service) ClearFlags(mask sdflags.Flags) {
	s.crit.Enter()
	defer s.crit.Leave()
	s.flags.Clear(mask)
}

func (s *Service) SetState(state State) {
	s.crit.Enter()
	defer s.crit.Leave()
	if state == Requested {
		s.flags.SetClear(sdflags.Request, sdflags.Release)
	} else {
		s.flags.SetClear(sdflags.Release, sdflags.Request)
	}
}

// GetProviderAddr returns the currently offered endpoint, only valid
// while isOffered and the socket connection is up.
func (s *Service) GetProviderAddr() (Addr, bool) {
	if s.isOffered && s.flags.Has(sdflags.LinkUp) {
		return s.remoteAddr, true
	}
	return Addr{}, false
}

func (s *Service) resetConsumedEventGroups() {
	for _, eg := range s.EventGroups {
		eg.reset()
	}
}

// HandleOffer applies a matched Offer entry, per §4.6's Offer case:
// reboot detection against the stored session id, then persist the
// session id and arm/clear TTL. ttl==0 is a StopOffer.
func (s *Service) HandleOffer(header Header, remote Addr, ttl uint32) {
	s.crit.Enter()
	defer s.crit.Leave()

	if s.sessionID != 0 && header.Reboot && header.SessionID <= s.sessionID {
		s.logger.Warn("offer reboot detected", "service", s.Config.ServiceID, "instance", s.Config.InstanceID)
		for _, eg := range s.EventGroups {
			eg.invalidate()
		}
	}
	s.sessionID = header.SessionID

	s.remoteAddr = remote
	if ttl == 0 {
		s.isOffered = false
		s.ttlRemaining = 0
		for _, eg := range s.EventGroups {
			eg.invalidate()
		}
		return
	}
	s.isOffered = true
	if ttl != s.Config.DefaultTTL {
		cycles := uint64(ttl) * 1000 / s.Config.tickMs()
		if cycles > math.MaxUint32 {
			cycles = math.MaxUint32
		}
		s.ttlRemaining = uint32(cycles)
	} else {
		s.ttlRemaining = 0 // alive forever, TTL countdown not armed
	}
}

// Header is the subset of a decoded SD header HandleOffer needs.
type Header struct {
	SessionID uint16
	Reboot    bool
}

// LinkControl mirrors Sd_ClientServiceLinkControl: the unicast
// connection is only opened once an offer has actually been accepted.
func (s *Service) LinkControl() LinkState {
	s.crit.Enter()
	defer s.crit.Leave()
	var ls LinkState
	if s.phase != PhaseDown {
		if s.isOffered && !s.flags.Has(sdflags.LinkUp) {
			ls.Open = true
			s.flags.Set(sdflags.LinkUp)
		}
	} else if s.flags.Has(sdflags.LinkUp) {
		ls.Close = true
		s.flags.Clear(sdflags.LinkUp)
	}
	return ls
}

// tickTTL counts down an armed TTL; on expiry the offer is forgotten
// and the service falls back to INITIAL_WAIT with a fresh find delay.
func (s *Service) tickTTL() {
	if !s.isOffered || s.ttlRemaining == 0 {
		return
	}
	s.ttlRemaining--
	if s.ttlRemaining == 0 {
		s.isOffered = false
		s.phase = PhaseInitialWait
		s.findTimer = s.rand(s.Config.Timer.InitialFindDelayMin, s.Config.Timer.InitialFindDelayMax)
	}
}

// Tick advances both the TTL countdown and the find-cycle state
// machine by one tick, per Sd_ClientServiceMain.
func (s *Service) Tick() {
	s.crit.Enter()
	defer s.crit.Leave()
	s.tickTTL()
	switch s.phase {
	case PhaseDown:
		s.tickDown()
	case PhaseInitialWait:
		s.tickInitialWait()
	case PhaseRepetition:
		s.tickRepetition()
	case PhaseMain:
		s.tickMain()
	}
}

func (s *Service) tickDown() {
	if !s.flags.Has(sdflags.Request) {
		return
	}
	s.flags.Clear(sdflags.Request)
	if s.isOffered {
		s.phase = PhaseMain
		s.findTimer = 0
	} else {
		s.phase = PhaseInitialWait
		s.findTimer = s.rand(s.Config.Timer.InitialFindDelayMin, s.Config.Timer.InitialFindDelayMax)
	}
}

func (s *Service) tickInitialWait() {
	if s.flags.Has(sdflags.Release) {
		s.flags.Clear(sdflags.Release)
		s.findTimer = 0
		s.phase = PhaseDown
		return
	}
	if s.isOffered {
		s.phase = PhaseMain
		s.findTimer = 0
		return
	}
	if s.findTimer <= 0 {
		return
	}
	s.findTimer--
	if s.findTimer != 0 {
		return
	}
	s.flags.Set(sdflags.PendingFind)
	if s.Config.Timer.InitialFindRepetitionsMax > 0 {
		s.phase = PhaseRepetition
		s.counter = 0
		s.findTimer = s.Config.Timer.InitialFindRepetitionsBaseDelay
	} else {
		s.phase = PhaseMain
	}
}

func (s *Service) tickRepetition() {
	if s.flags.Has(sdflags.Release) {
		s.flags.Clear(sdflags.Release)
		s.findTimer = 0
		s.phase = PhaseDown
		return
	}
	if s.isOffered {
		s.phase = PhaseMain
		s.findTimer = 0
		return
	}
	if s.findTimer <= 0 {
		return
	}
	s.findTimer--
	if s.findTimer != 0 {
		return
	}
	s.flags.Set(sdflags.PendingFind)
	s.counter++
	if s.counter < s.Config.Timer.InitialFindRepetitionsMax {
		s.findTimer = s.Config.Timer.InitialFindRepetitionsBaseDelay << uint(s.counter)
	} else {
		s.phase = PhaseMain
	}
}

func (s *Service) tickMain() {
	if s.flags.Has(sdflags.Release) {
		s.flags.Clear(sdflags.Release)
		s.phase = PhaseDown
		for _, eg := range s.EventGroups {
			eg.onServiceRelease()
		}
		return
	}
	if s.isOffered {
		for _, eg := range s.EventGroups {
			eg.tick()
		}
	}
}

func defaultRandRange(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.Intn(max-min+1)
}
