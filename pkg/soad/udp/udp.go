// Package udp is the production soad.Adapter: real UDP sockets, with
// golang.org/x/net/ipv4 used to join the SD multicast group the way a
// genuine AUTOSAR SoAd configuration would bind a multicast socket
// connection. It is a thin wrapper translating the engine's abstract
// adapter calls onto a real OS transport.
package udp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/James-creator-afk/someip-sd/pkg/soad"
)

func init() {
	soad.RegisterAdapter("udp", NewBus)
}

type conn struct {
	udpConn *net.UDPConn
	pconn   *ipv4.PacketConn // non-nil only for the multicast connection
	group   *net.UDPAddr
	stop    chan struct{}
}

type route struct {
	soConId soad.SoConId
	remote  *net.UDPAddr
}

// Bus holds the socket connections bound with OpenUnicast and
// OpenMulticast. NewBus, the registry constructor, ignores its channel
// argument and binds nothing itself.
type Bus struct {
	logger *slog.Logger
	iface  *net.Interface

	mu       sync.Mutex
	conns    map[soad.SoConId]*conn
	routes   map[soad.PduId]route
	listener soad.Listener
	wg       sync.WaitGroup
}

// Config is the argument of NewBusWithConfig. Only Interface is read by
// it; UnicastAddr and MulticastTTL are not used there, the sockets and
// the multicast TTL being set by OpenUnicast and OpenMulticast.
type Config struct {
	Interface    string // e.g. "eth0"; empty lets the OS pick
	UnicastAddr  *net.UDPAddr
	MulticastTTL int
}

func NewBus(channel string) (soad.Adapter, error) {
	return &Bus{
		logger: slog.Default(),
		conns:  make(map[soad.SoConId]*conn),
		routes: make(map[soad.PduId]route),
	}, nil
}

// NewBusWithConfig constructs a Bus from a Config directly, bypassing
// the string-channel registry lookup, the entry point cmd/sdsim uses.
func NewBusWithConfig(cfg Config) (*Bus, error) {
	var iface *net.Interface
	if cfg.Interface != "" {
		found, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("udp: resolve interface %q: %w", cfg.Interface, err)
		}
		iface = found
	}
	return &Bus{
		logger: slog.Default(),
		iface:  iface,
		conns:  make(map[soad.SoConId]*conn),
		routes: make(map[soad.PduId]route),
	}, nil
}

func (b *Bus) SetLogger(logger *slog.Logger) { b.logger = logger }

func (b *Bus) GetLocalAddr(soConId soad.SoConId) (net.Addr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[soConId]
	if !ok {
		return nil, fmt.Errorf("udp: soCon %d not open", soConId)
	}
	return c.udpConn.LocalAddr(), nil
}

// OpenUnicast binds soConId to a plain unicast UDP socket.
func (b *Bus) OpenUnicast(soConId soad.SoConId, local *net.UDPAddr) error {
	udpConn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return fmt.Errorf("udp: listen unicast: %w", err)
	}
	b.mu.Lock()
	b.conns[soConId] = &conn{udpConn: udpConn, stop: make(chan struct{})}
	b.mu.Unlock()
	b.startReader(soConId)
	return nil
}

// OpenMulticast binds soConId to a multicast group join on group,
// mirroring Sd's requirement that the SD port itself listens on the
// well-known SD multicast address.
func (b *Bus) OpenMulticast(soConId soad.SoConId, group *net.UDPAddr, ttl int) error {
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: group.Port})
	if err != nil {
		return fmt.Errorf("udp: listen multicast: %w", err)
	}
	pconn := ipv4.NewPacketConn(udpConn)
	if err := pconn.JoinGroup(b.iface, group); err != nil {
		udpConn.Close()
		return fmt.Errorf("udp: join group %v: %w", group, err)
	}
	if ttl > 0 {
		_ = pconn.SetMulticastTTL(ttl)
	}
	b.mu.Lock()
	b.conns[soConId] = &conn{udpConn: udpConn, pconn: pconn, group: group, stop: make(chan struct{})}
	b.mu.Unlock()
	b.startReader(soConId)
	return nil
}

func (b *Bus) OpenSoCon(soConId soad.SoConId) error {
	b.mu.Lock()
	_, ok := b.conns[soConId]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("udp: soCon %d must be configured via OpenUnicast/OpenMulticast first", soConId)
	}
	return nil
}

func (b *Bus) CloseSoCon(soConId soad.SoConId, abort bool) error {
	b.mu.Lock()
	c, ok := b.conns[soConId]
	delete(b.conns, soConId)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(c.stop)
	if c.pconn != nil && c.group != nil {
		_ = c.pconn.LeaveGroup(b.iface, c.group)
	}
	err := c.udpConn.Close()
	if !abort {
		b.wg.Wait()
	}
	return err
}

func (b *Bus) SetRemoteAddr(pduId soad.PduId, remote net.Addr) error {
	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("udp: remote addr must be *net.UDPAddr, got %T", remote)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.routes[pduId]
	r.remote = udpAddr
	b.routes[pduId] = r
	return nil
}

// BindRoute assigns which socket connection a PduId transmits through.
func (b *Bus) BindRoute(pduId soad.PduId, soConId soad.SoConId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[pduId] = route{soConId: soConId}
}

func (b *Bus) GetSoConId(pduId soad.PduId) (soad.SoConId, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.routes[pduId]
	if !ok {
		return 0, fmt.Errorf("udp: no route bound for pdu %d", pduId)
	}
	return r.soConId, nil
}

func (b *Bus) IfTransmit(pduId soad.PduId, info soad.PduInfo) soad.TxStatus {
	b.mu.Lock()
	r, ok := b.routes[pduId]
	var c *conn
	if ok {
		c = b.conns[r.soConId]
	}
	remote := info.Remote
	if remote == nil {
		remote = r.remote
	}
	if remote == nil && c != nil && c.group != nil {
		remote = c.group
	}
	b.mu.Unlock()
	if !ok || c == nil || remote == nil {
		b.logger.Warn("udp: transmit failed, no route/remote", "pdu", pduId)
		return soad.TxNotOK
	}
	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		return soad.TxNotOK
	}
	if _, err := c.udpConn.WriteToUDP(info.Data, udpAddr); err != nil {
		b.logger.Warn("udp: write failed", "pdu", pduId, "err", err)
		return soad.TxNotOK
	}
	return soad.TxOK
}

func (b *Bus) Subscribe(listener soad.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func (b *Bus) startReader(soConId soad.SoConId) {
	b.mu.Lock()
	c := b.conns[soConId]
	b.mu.Unlock()
	if c == nil {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		buf := make([]byte, 65507)
		for {
			select {
			case <-c.stop:
				return
			default:
			}
			n, from, err := c.udpConn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-c.stop:
					return
				default:
					b.logger.Warn("udp: read error", "soCon", soConId, "err", err)
					return
				}
			}
			b.mu.Lock()
			listener := b.listener
			b.mu.Unlock()
			if listener != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				listener.Handle(soConId, data, from)
			}
		}
	}()
}
