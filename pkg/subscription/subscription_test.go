package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeAcquiresFreeSlot(t *testing.T) {
	eh := NewEventHandler(9, 2)
	addr := Addr{IP: [4]byte{10, 0, 0, 1}, Port: 30501}
	sub, err := eh.Subscribe(addr, 30501)
	require.NoError(t, err)
	assert.True(t, sub.IsSubscribed())
	assert.Equal(t, 1, eh.NumSubscribers())
}

func TestSubscribeDuplicateRejected(t *testing.T) {
	eh := NewEventHandler(9, 2)
	addr := Addr{IP: [4]byte{10, 0, 0, 1}, Port: 30501}
	_, err := eh.Subscribe(addr, 30501)
	require.NoError(t, err)
	_, err = eh.Subscribe(addr, 30501)
	assert.ErrorIs(t, err, ErrDuplicateSubscribe)
	assert.Equal(t, 1, eh.NumSubscribers())
}

func TestSubscribeNoFreeSlot(t *testing.T) {
	eh := NewEventHandler(9, 1)
	_, err := eh.Subscribe(Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}, 1)
	require.NoError(t, err)
	_, err = eh.Subscribe(Addr{IP: [4]byte{10, 0, 0, 2}, Port: 2}, 2)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestUnsubscribeFreesSlotForReuse(t *testing.T) {
	eh := NewEventHandler(9, 1)
	addr := Addr{IP: [4]byte{10, 0, 0, 1}, Port: 1}
	_, err := eh.Subscribe(addr, 1)
	require.NoError(t, err)
	eh.Unsubscribe(addr)
	assert.Equal(t, 0, eh.NumSubscribers())

	other := Addr{IP: [4]byte{10, 0, 0, 2}, Port: 2}
	_, err = eh.Subscribe(other, 2)
	assert.NoError(t, err)
}

func TestPendingAckSendsAtMostOne(t *testing.T) {
	eh := NewEventHandler(9, 3)
	addrs := []Addr{
		{IP: [4]byte{1, 1, 1, 1}, Port: 1},
		{IP: [4]byte{2, 2, 2, 2}, Port: 2},
	}
	for _, a := range addrs {
		sub, err := eh.Subscribe(a, a.Port)
		require.NoError(t, err)
		sub.Flags.Set(0x04) // PendingEventGroupAck
	}

	var sentTo []Addr
	sent := eh.PendingAck(func(sub *Subscriber) bool {
		sentTo = append(sentTo, sub.RemoteAddr)
		return true
	})
	assert.True(t, sent)
	assert.Len(t, sentTo, 1)
	assert.Equal(t, addrs[0], sentTo[0])

	// second pass picks up the remaining one
	sentTo = nil
	sent = eh.PendingAck(func(sub *Subscriber) bool {
		sentTo = append(sentTo, sub.RemoteAddr)
		return true
	})
	assert.True(t, sent)
	assert.Equal(t, addrs[1], sentTo[0])
}

func TestPendingAckRetriesOnFailure(t *testing.T) {
	eh := NewEventHandler(9, 1)
	addr := Addr{IP: [4]byte{1, 1, 1, 1}, Port: 1}
	sub, err := eh.Subscribe(addr, 1)
	require.NoError(t, err)
	sub.Flags.Set(0x04)

	attempts := 0
	send := func(sub *Subscriber) bool {
		attempts++
		return attempts > 1
	}
	assert.False(t, eh.PendingAck(send))
	assert.True(t, sub.Flags.Has(0x04))
	assert.True(t, eh.PendingAck(send))
	assert.False(t, sub.Flags.Has(0x04))
}
