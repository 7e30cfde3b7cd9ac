// Package subscription implements the per-EventHandler subscriber
// table: a bounded array of slots tracking who has subscribed to an
// event group, their acknowledgement status and a per-slot session id,
// as needed to answer Subscribe traffic with SubscribeEventgroupAcks.
// Slots carry no TTL of their own and do not expire.
package subscription

import (
	"errors"

	"github.com/James-creator-afk/someip-sd/internal/sdflags"
)

var (
	// ErrNoFreeSlot is returned when every subscriber slot is occupied
	// by a distinct, currently-subscribed endpoint.
	ErrNoFreeSlot = errors.New("subscription: no free subscriber slot")
	// ErrDuplicateSubscribe is returned when the matched slot is
	// already SUBSCRIBED for the same endpoint.
	ErrDuplicateSubscribe = errors.New("subscription: endpoint already subscribed")
)

// Addr is a bare IPv4 endpoint, comparable by value so slots can be
// matched with ==.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// Subscriber is one occupied-or-free slot in an EventHandler's table.
type Subscriber struct {
	RemoteAddr   Addr
	ResponsePort uint16
	SessionID    uint16
	Flags        sdflags.Flags
}

func (s *Subscriber) IsSubscribed() bool { return s.Flags.Has(sdflags.Subscribed) }

// EventHandler owns a fixed-capacity Subscribers array, sized at
// construction to the EventGroup's configured subscriber limit. No
// slot is ever allocated or freed at runtime.
type EventHandler struct {
	EventGroupID uint16
	Subscribers  []Subscriber
}

// NewEventHandler allocates an EventHandler with capacity subscriber
// slots, all initially Unsubscribed.
func NewEventHandler(eventGroupID uint16, capacity int) *EventHandler {
	return &EventHandler{
		EventGroupID: eventGroupID,
		Subscribers:  make([]Subscriber, capacity),
	}
}

// Reset clears every slot, used when a server service re-enters DOWN
// or re-initializes its event handlers on REQUEST.
func (eh *EventHandler) Reset() {
	for i := range eh.Subscribers {
		eh.Subscribers[i] = Subscriber{}
	}
}

// NumSubscribers reports the occupancy directly from slot flags,
// rather than tracking a separately-mutated counter. This keeps the
// invariant "numSubscribers == count(SUBSCRIBED slots)" true by
// construction instead of by careful bookkeeping.
func (eh *EventHandler) NumSubscribers() int {
	n := 0
	for i := range eh.Subscribers {
		if eh.Subscribers[i].IsSubscribed() {
			n++
		}
	}
	return n
}

// LookupSubscribe mirrors Sd_LookupSubscribe's two-pass scan: first
// look for an existing (possibly stale) slot already bound to addr,
// then fall back to the first free slot. Returns nil if neither pass
// finds a candidate.
func (eh *EventHandler) LookupSubscribe(addr Addr) *Subscriber {
	for i := range eh.Subscribers {
		sub := &eh.Subscribers[i]
		if sub.Flags != sdflags.Unsubscribed && sub.RemoteAddr == addr {
			return sub
		}
	}
	for i := range eh.Subscribers {
		sub := &eh.Subscribers[i]
		if sub.Flags == sdflags.Unsubscribed {
			return sub
		}
	}
	return nil
}

// Subscribe acquires a slot for addr/port. Returns ErrNoFreeSlot when
// LookupSubscribe finds nothing, ErrDuplicateSubscribe when the
// matched slot is already subscribed.
func (eh *EventHandler) Subscribe(addr Addr, port uint16) (*Subscriber, error) {
	sub := eh.LookupSubscribe(addr)
	if sub == nil {
		return nil, ErrNoFreeSlot
	}
	if sub.IsSubscribed() {
		return nil, ErrDuplicateSubscribe
	}
	sub.Flags = sdflags.Subscribed
	sub.SessionID = 0
	sub.RemoteAddr = addr
	sub.ResponsePort = port
	return sub, nil
}

// Unsubscribe releases addr's slot, if any (TTL=0 Subscribe request).
func (eh *EventHandler) Unsubscribe(addr Addr) {
	sub := eh.LookupSubscribe(addr)
	if sub == nil || !sub.IsSubscribed() {
		return
	}
	*sub = Subscriber{}
}

// PendingAck iterates subscribers carrying PENDING_EVENT_GROUP_ACK, in
// slot order, invoking send for each until it returns true (meaning
// the Ack went out) or the slots are exhausted. This mirrors
// Sd_ServerServiceEventGroupAckCheck's "send at most one, stop at the
// first success" fairness within a single EventHandler.
func (eh *EventHandler) PendingAck(send func(sub *Subscriber) bool) (sent bool) {
	for i := range eh.Subscribers {
		sub := &eh.Subscribers[i]
		if !sub.Flags.Has(sdflags.PendingEventGroupAck) {
			continue
		}
		if send(sub) {
			sub.Flags.Clear(sdflags.PendingEventGroupAck)
			return true
		}
	}
	return false
}
