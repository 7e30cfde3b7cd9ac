// Package soad defines the socket-adapter collaborator the SD engine
// drives to move datagrams on and off the wire: a frame-transport-style
// interface generalized to a UDP endpoint transport. The engine never
// calls net.Conn directly, only this interface, so the virtual in-memory
// adapter can stand in for a real socket in tests.
package soad

import (
	"fmt"
	"net"
)

// SoConId identifies one socket connection managed by the adapter: the
// engine's multicast or unicast connection, or a service's connection
// opened and closed by its LinkControl.
type SoConId uint16

// PduId identifies a logical PDU route configured on the adapter. The
// engine sends outbound datagrams by PduId, not by address, mirroring
// Sd.c's PduR-routed IfTransmit calls.
type PduId uint16

// TxStatus mirrors the original's E_OK/E_NOT_OK transmit confirmation.
type TxStatus uint8

const (
	TxOK TxStatus = iota
	TxNotOK
)

// PduInfo is the payload handed to IfTransmit: a datagram built by
// pkg/wire plus the destination it should go out to (only meaningful
// for unicast-capable PduIds; the engine leaves it nil on the fixed
// multicast PduId, which the adapter then sends to its multicast group).
type PduInfo struct {
	Data   []byte
	Remote net.Addr
}

// Listener receives inbound datagrams. The engine itself implements this
// to feed RxIndication.
type Listener interface {
	Handle(soConId SoConId, data []byte, from net.Addr)
}

// Adapter is the socket-adapter abstraction: real UDP sockets in
// production (soad/udp), an in-memory broker in tests (soad/virtual).
type Adapter interface {
	// GetLocalAddr returns the local endpoint bound to soConId.
	GetLocalAddr(soConId SoConId) (net.Addr, error)
	// OpenSoCon opens (or re-opens) the socket connection identified by
	// soConId, e.g. joining the configured multicast group.
	OpenSoCon(soConId SoConId) error
	// CloseSoCon tears down the socket connection. abort=true skips any
	// graceful shutdown and discards buffered data.
	CloseSoCon(soConId SoConId, abort bool) error
	// SetRemoteAddr binds a unicast PduId to a specific remote endpoint,
	// e.g. once a subscriber's endpoint option has been learned.
	SetRemoteAddr(pduId PduId, remote net.Addr) error
	// GetSoConId resolves which socket connection a PduId currently
	// routes through.
	GetSoConId(pduId PduId) (SoConId, error)
	// IfTransmit sends one datagram on pduId's route.
	IfTransmit(pduId PduId, info PduInfo) TxStatus
	// Subscribe registers the listener that receives everything the
	// adapter's sockets read.
	Subscribe(listener Listener) error
}

// NewAdapterFunc constructs an Adapter bound to channel, mirroring
// pkg/can.NewInterfaceFunc.
type NewAdapterFunc func(channel string) (Adapter, error)

var adapterRegistry = make(map[string]NewAdapterFunc)

// RegisterAdapter registers a new adapter implementation under name. It
// is meant to be called from an init() function of the implementing
// package, exactly as pkg/can.RegisterInterface is.
func RegisterAdapter(name string, newAdapter NewAdapterFunc) {
	adapterRegistry[name] = newAdapter
}

// NewAdapter looks up a registered adapter by name ("udp", "virtual")
// and constructs it bound to channel.
func NewAdapter(name string, channel string) (Adapter, error) {
	newAdapter, ok := adapterRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported soad adapter: %v", name)
	}
	return newAdapter(channel)
}
