package virtual

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/James-creator-afk/someip-sd/pkg/soad"
)

type recorder struct {
	mu  chan struct{}
	got []byte
	src net.Addr
}

func newRecorder() *recorder { return &recorder{mu: make(chan struct{}, 8)} }

func (r *recorder) Handle(soConId soad.SoConId, data []byte, from net.Addr) {
	r.got = data
	r.src = from
	r.mu <- struct{}{}
}

func (r *recorder) waitReceived(t *testing.T) {
	t.Helper()
	select {
	case <-r.mu:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestVirtualMulticastFanout(t *testing.T) {
	groupName := "TestVirtualMulticastFanout/group"
	a, err := NewBus(groupName + "/a")
	require.NoError(t, err)
	bBus, err := NewBus(groupName + "/b")
	require.NoError(t, err)

	busA := a.(*Bus)
	busB := bBus.(*Bus)
	require.NoError(t, busA.OpenSoCon(1))
	require.NoError(t, busB.OpenSoCon(1))
	busA.BindRoute(10, 1)
	busB.BindRoute(10, 1)

	recv := newRecorder()
	require.NoError(t, busB.Subscribe(recv))

	status := busA.IfTransmit(10, soad.PduInfo{Data: []byte("offer")})
	assert.Equal(t, soad.TxOK, status)
	recv.waitReceived(t)
	assert.Equal(t, []byte("offer"), recv.got)
}

func TestVirtualUnicast(t *testing.T) {
	groupName := "TestVirtualUnicast/group"
	aAdapter, err := NewBus(groupName + "/a")
	require.NoError(t, err)
	bAdapter, err := NewBus(groupName + "/b")
	require.NoError(t, err)
	busA := aAdapter.(*Bus)
	busB := bAdapter.(*Bus)
	require.NoError(t, busA.OpenSoCon(1))
	require.NoError(t, busB.OpenSoCon(1))
	busA.BindRoute(5, 1)

	bAddr, err := busB.GetLocalAddr(1)
	require.NoError(t, err)
	require.NoError(t, busA.SetRemoteAddr(5, bAddr))

	recv := newRecorder()
	require.NoError(t, busB.Subscribe(recv))

	status := busA.IfTransmit(5, soad.PduInfo{Data: []byte("subscribe")})
	assert.Equal(t, soad.TxOK, status)
	recv.waitReceived(t)
	assert.Equal(t, []byte("subscribe"), recv.got)
}

func TestVirtualUnknownRouteFails(t *testing.T) {
	busAdapter, err := NewBus("TestVirtualUnknownRouteFails/group/solo")
	require.NoError(t, err)
	bus := busAdapter.(*Bus)
	require.NoError(t, bus.OpenSoCon(1))
	status := bus.IfTransmit(99, soad.PduInfo{Data: []byte("x")})
	assert.Equal(t, soad.TxNotOK, status)
}
