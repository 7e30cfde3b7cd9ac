// Package virtual is an in-memory soad.Adapter used by tests, standing
// in for a real UDP stack. It is a pure in-process broker: deterministic,
// no dial/listen, so state-machine tests can drive two or more engines
// against each other without touching the network.
//
// Addresses are real *net.UDPAddr values, not an opaque transport
// handle: the SD wire format embeds IP addresses as protocol content
// (the IPv4 endpoint option), so a test double that hid real addresses
// behind a symbolic one couldn't exercise the address-match checks in
// the dispatcher. Each node is assigned a distinct loopback address
// (127.0.0.N) at construction; a node's several socket connections are
// distinguished by port (basePort + soConId).
package virtual

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/James-creator-afk/someip-sd/pkg/soad"
)

func init() {
	soad.RegisterAdapter("virtual", NewBus)
}

const basePort = 30490

type route struct {
	soConId soad.SoConId
	remote  net.Addr
}

// Bus is one node's handle onto a shared in-memory broker. Channel
// names the broker group and node as "<group>/<node>" (mirroring
// pkg/can/virtual's TCP channel string); node must be unique within
// that group.
type Bus struct {
	logger *slog.Logger

	broker *broker
	node   string
	ip     net.IP

	mu       sync.Mutex
	open     map[soad.SoConId]bool
	routes   map[soad.PduId]route
	listener soad.Listener
}

// NewBus constructs a Bus on channel "<group>/<node>", e.g.
// "multicast0/ecu-a". Nodes sharing the same group can reach each
// other; nodes in different groups cannot.
func NewBus(channel string) (soad.Adapter, error) {
	group, node, err := splitChannel(channel)
	if err != nil {
		return nil, err
	}
	br := brokerFor(group)
	b := &Bus{
		logger: slog.Default(),
		broker: br,
		node:   node,
		ip:     br.assignIP(),
		open:   make(map[soad.SoConId]bool),
		routes: make(map[soad.PduId]route),
	}
	return b, nil
}

func splitChannel(channel string) (group, node string, err error) {
	for i := len(channel) - 1; i >= 0; i-- {
		if channel[i] == '/' {
			return channel[:i], channel[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("virtual: channel must be \"<group>/<node>\", got %q", channel)
}

func (b *Bus) SetLogger(logger *slog.Logger) { b.logger = logger }

func (b *Bus) localPort(soConId soad.SoConId) int { return basePort + int(soConId) }

func (b *Bus) GetLocalAddr(soConId soad.SoConId) (net.Addr, error) {
	return &net.UDPAddr{IP: b.ip, Port: b.localPort(soConId)}, nil
}

func (b *Bus) OpenSoCon(soConId soad.SoConId) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open[soConId] = true
	b.broker.join(b)
	return nil
}

func (b *Bus) CloseSoCon(soConId soad.SoConId, abort bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.open, soConId)
	if len(b.open) == 0 {
		b.broker.leave(b)
	}
	return nil
}

func (b *Bus) SetRemoteAddr(pduId soad.PduId, remote net.Addr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.routes[pduId]
	r.remote = remote
	b.routes[pduId] = r
	return nil
}

// BindRoute binds a logical PduId to the socket connection it sends or
// receives on, a virtual-adapter-specific helper beyond soad.Adapter,
// standing in for static PduR routing table configuration.
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
		return 0, fmt.Errorf("virtual: no route bound for pdu %d", pduId)
	}
	return r.soConId, nil
}

// IfTransmit delivers data to every other member of the broker group
// that has the same soConId open (multicast, when info.Remote and the
// route's remote are both nil), or to the single member whose address
// matches the destination (unicast).
func (b *Bus) IfTransmit(pduId soad.PduId, info soad.PduInfo) soad.TxStatus {
	b.mu.Lock()
	r, ok := b.routes[pduId]
	remote := info.Remote
	if remote == nil {
		remote = r.remote
	}
	b.mu.Unlock()
	if !ok {
		return soad.TxNotOK
	}
	local, _ := b.GetLocalAddr(r.soConId)
	if remote == nil {
		b.broker.multicast(b, r.soConId, local, info.Data)
		return soad.TxOK
	}
	if !b.broker.unicast(remote, local, info.Data) {
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

func (b *Bus) deliverIfOpen(soConId soad.SoConId, data []byte, from net.Addr) {
	b.mu.Lock()
	open := b.open[soConId]
	listener := b.listener
	b.mu.Unlock()
	if open && listener != nil {
		listener.Handle(soConId, data, from)
	}
}

// broker fans datagrams out to every Bus sharing a group name, the way
// a real multicast segment would.
type broker struct {
	mu      sync.Mutex
	members map[string]*Bus
	nextIP  byte
}

var (
	brokersMu sync.Mutex
	brokers   = make(map[string]*broker)
)

func brokerFor(group string) *broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()
	br, ok := brokers[group]
	if !ok {
		br = &broker{members: make(map[string]*Bus)}
		brokers[group] = br
	}
	return br
}

func (br *broker) assignIP() net.IP {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.nextIP++
	return net.IPv4(127, 0, 0, br.nextIP).To4()
}

func (br *broker) join(b *Bus) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.members[b.node] = b
}

func (br *broker) leave(b *Bus) {
	br.mu.Lock()
	defer br.mu.Unlock()
	delete(br.members, b.node)
}

func (br *broker) multicast(sender *Bus, soConId soad.SoConId, from net.Addr, data []byte) {
	br.mu.Lock()
	targets := make([]*Bus, 0, len(br.members))
	for node, member := range br.members {
		if node == sender.node {
			continue
		}
		targets = append(targets, member)
	}
	br.mu.Unlock()
	for _, target := range targets {
		target.deliverIfOpen(soConId, data, from)
	}
}

// unicast resolves remote to a member by IP and derives which of its
// socket connections the destination port names, since each soConId
// corresponds to a distinct, deterministic local port.
func (br *broker) unicast(remote net.Addr, from net.Addr, data []byte) bool {
	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		return false
	}
	br.mu.Lock()
	var target *Bus
	for _, member := range br.members {
		if member.ip.Equal(udpAddr.IP) {
			target = member
			break
		}
	}
	br.mu.Unlock()
	if target == nil {
		return false
	}
	soConId := soad.SoConId(udpAddr.Port - basePort)
	target.deliverIfOpen(soConId, data, from)
	return true
}
