package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/James-creator-afk/someip-sd/internal/sdflags"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := Config{
		ServiceID:    0x1234,
		InstanceID:   0x5678,
		MajorVersion: 1,
		Timer: Timer{
			InitialFindDelayMin:             10,
			InitialFindDelayMax:             10,
			InitialFindRepetitionsMax:       0,
			InitialFindRepetitionsBaseDelay: 5,
			TTL:                             3,
		},
		DefaultTTL: 0x00FFFFFF,
	}
	eg := []*EventGroup{NewEventGroup(9, false)}
	return New(cfg, eg, WithRand(func(min, max int) int { return min }))
}

func TestClientServiceFindHandshake(t *testing.T) {
	s := newTestService(t)
	s.SetState(Requested)
	s.Tick() // DOWN -> INITIAL_WAIT, findTimer=10
	assert.Equal(t, PhaseInitialWait, s.Phase())

	for i := 0; i < 9; i++ {
		s.Tick()
	}
	assert.False(t, s.Flags().Has(sdflags.PendingFind))
	s.Tick()
	assert.True(t, s.Flags().Has(sdflags.PendingFind))
	assert.Equal(t, PhaseMain, s.Phase())
}

func TestClientServiceOfferCausesImmediateMain(t *testing.T) {
	s := newTestService(t)
	s.SetState(Requested)
	s.Tick() // -> INITIAL_WAIT

	s.HandleOffer(Header{SessionID: 5}, Addr{IP: [4]byte{192, 168, 1, 1}, Port: 30509}, 3)
	assert.True(t, s.IsOffered())

	s.Tick()
	assert.Equal(t, PhaseMain, s.Phase())
}

func TestRebootDetectionInvalidatesEventGroups(t *testing.T) {
	s := newTestService(t)
	s.HandleOffer(Header{SessionID: 5}, Addr{IP: [4]byte{1, 1, 1, 1}, Port: 1}, 3)
	s.EventGroups[0].HandleAck(3)
	require.True(t, s.EventGroups[0].IsSubscribed())

	s.HandleOffer(Header{SessionID: 3, Reboot: true}, Addr{IP: [4]byte{1, 1, 1, 1}, Port: 1}, 3)
	assert.False(t, s.EventGroups[0].IsSubscribed())
}

func TestTTLExpiryReturnsToInitialWait(t *testing.T) {
	s := newTestService(t)
	s.HandleOffer(Header{SessionID: 1}, Addr{IP: [4]byte{1, 1, 1, 1}, Port: 1}, 3)
	s.phase = PhaseMain

	for i := 0; i < 3; i++ {
		s.Tick()
	}
	assert.False(t, s.IsOffered())
	assert.Equal(t, PhaseInitialWait, s.Phase())
}

func TestTTLConvertsSecondsToTicksViaTickMs(t *testing.T) {
	cfg := Config{
		ServiceID:    0x1234,
		InstanceID:   0x5678,
		MajorVersion: 1,
		Timer: Timer{
			InitialFindDelayMin: 10,
			InitialFindDelayMax: 10,
		},
		DefaultTTL: 0x00FFFFFF,
		TickMs:     100, // 10 ticks per second
	}
	eg := []*EventGroup{NewEventGroup(9, false)}
	s := New(cfg, eg, WithRand(func(min, max int) int { return min }))

	s.HandleOffer(Header{SessionID: 1}, Addr{IP: [4]byte{1, 1, 1, 1}, Port: 1}, 3)
	s.phase = PhaseMain

	for i := 0; i < 29; i++ {
		s.Tick()
	}
	assert.True(t, s.IsOffered(), "ttl of 3s at 100ms/tick should need 30 ticks, not 3")

	s.Tick()
	assert.False(t, s.IsOffered())
	assert.Equal(t, PhaseInitialWait, s.Phase())
}

func TestDefaultTTLNeverArmsCountdown(t *testing.T) {
	s := newTestService(t)
	s.HandleOffer(Header{SessionID: 1}, Addr{IP: [4]byte{1, 1, 1, 1}, Port: 1}, s.Config.DefaultTTL)
	s.phase = PhaseMain
	for i := 0; i < 10_000; i++ {
		s.Tick()
	}
	assert.True(t, s.IsOffered())
}

func TestEventGroupSubscribeOnOfferedService(t *testing.T) {
	s := newTestService(t)
	s.HandleOffer(Header{SessionID: 1}, Addr{IP: [4]byte{1, 1, 1, 1}, Port: 1}, 3)
	s.phase = PhaseMain
	s.EventGroups[0].SetState(Requested)

	s.Tick()
	assert.True(t, s.EventGroups[0].Flags().Has(sdflags.PendingSubscribe))
}
