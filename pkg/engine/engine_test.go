package engine_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/James-creator-afk/someip-sd/internal/sdflags"
	"github.com/James-creator-afk/someip-sd/pkg/client"
	"github.com/James-creator-afk/someip-sd/pkg/engine"
	"github.com/James-creator-afk/someip-sd/pkg/server"
	"github.com/James-creator-afk/someip-sd/pkg/soad"
	"github.com/James-creator-afk/someip-sd/pkg/soad/virtual"
	"github.com/James-creator-afk/someip-sd/pkg/wire"
)

const (
	mcSoConId soad.SoConId = 1
	ucSoConId soad.SoConId = 2
	mcPduId   soad.PduId   = 10
	ucPduId   soad.PduId   = 20
)

type recorder struct {
	ch  chan struct{}
	got []byte
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 8)} }

func (r *recorder) Handle(soConId soad.SoConId, data []byte, from net.Addr) {
	r.got = data
	r.ch <- struct{}{}
}

func (r *recorder) waitReceived(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func engineConfig(hostname string, bufLen int) engine.Config {
	return engine.Config{
		Hostname:         hostname,
		SendBufLen:       bufLen,
		MulticastTxPduID: mcPduId,
		UnicastTxPduID:   ucPduId,
		MulticastRxPduID: mcPduId,
		UnicastRxPduID:   ucPduId,
		MulticastSoConID: mcSoConId,
		UnicastSoConID:   ucSoConId,
	}
}

func bindRoutes(adapter soad.Adapter) {
	bus := adapter.(*virtual.Bus)
	bus.BindRoute(mcPduId, mcSoConId)
	bus.BindRoute(ucPduId, ucSoConId)
}

// TestEngineOfferReachesClientOverMulticast is spec.md §8 scenario 1's
// offer half: a server with AutoAvailable reaches MAIN after its
// initial-wait delay and the resulting multicast Offer marks a
// listening client service offered.
func TestEngineOfferReachesClientOverMulticast(t *testing.T) {
	group := t.Name() + "/group"
	serverAdapter, err := virtual.NewBus(group + "/server")
	require.NoError(t, err)
	clientAdapter, err := virtual.NewBus(group + "/client")
	require.NoError(t, err)
	bindRoutes(serverAdapter)
	bindRoutes(clientAdapter)

	srv := server.New(server.Config{
		ServiceID: 0x1234, InstanceID: 0x5678, MajorVersion: 1,
		Protocol: wire.ProtoUDP, SoConID: mcSoConId,
		Timer: server.Timer{
			InitialOfferDelayMin: 1, InitialOfferDelayMax: 1,
			InitialOfferRepetitionsMax: 0, OfferCyclicDelay: 100, TTL: 3,
		},
		AutoAvailable: true,
	}, nil, server.WithRand(func(min, max int) int { return min }))

	cli := client.New(client.Config{
		ServiceID: 0x1234, InstanceID: 0x5678, MajorVersion: 1,
		Protocol: wire.ProtoUDP, SoConID: ucSoConId,
		DefaultTTL: 0x00FFFFFF,
	}, nil)

	serverEngine := engine.New(engineConfig("server", 400), serverAdapter, []*server.Service{srv}, nil)
	clientEngine := engine.New(engineConfig("client", 400), clientAdapter, nil, []*client.Service{cli})
	require.NoError(t, serverEngine.Init())
	require.NoError(t, clientEngine.Init())

	require.False(t, cli.IsOffered())
	serverEngine.MainFunction() // DOWN -> INITIAL_WAIT
	serverEngine.MainFunction() // offerTimer expires -> multicast Offer sent

	assert.True(t, cli.IsOffered())
	addr, ok := cli.GetProviderAddr()
	assert.False(t, ok, "link not opened on the client side yet")
	_ = addr
}

// TestEngineFindTriggersImmediateUnicastOffer exercises the other half
// of scenario 1: a raw Find datagram delivered to RxIndication gets an
// immediate unicast Offer in reply, without waiting for a tick.
func TestEngineFindTriggersImmediateUnicastOffer(t *testing.T) {
	group := t.Name() + "/group"
	serverAdapter, err := virtual.NewBus(group + "/server")
	require.NoError(t, err)
	finderAdapter, err := virtual.NewBus(group + "/finder")
	require.NoError(t, err)
	bindRoutes(serverAdapter)
	bindRoutes(finderAdapter)

	srv := server.New(server.Config{
		ServiceID: 0x1234, InstanceID: 0x5678, MajorVersion: 1,
		Protocol: wire.ProtoUDP, SoConID: mcSoConId,
		Timer: server.Timer{
			InitialOfferDelayMin: 1, InitialOfferDelayMax: 1,
			OfferCyclicDelay: 100, TTL: 3,
		},
		AutoAvailable: true,
	}, nil, server.WithRand(func(min, max int) int { return min }))

	serverEngine := engine.New(engineConfig("server", 400), serverAdapter, []*server.Service{srv}, nil)
	require.NoError(t, serverEngine.Init())
	serverEngine.MainFunction() // DOWN -> INITIAL_WAIT (phase != DOWN from here on)

	finderBus := finderAdapter.(*virtual.Bus)
	require.NoError(t, finderBus.OpenSoCon(ucSoConId))
	recv := newRecorder()
	require.NoError(t, finderBus.Subscribe(recv))
	finderLocal, err := finderBus.GetLocalAddr(ucSoConId)
	require.NoError(t, err)

	b := wire.NewBuilder()
	b.AddEntryType1(wire.EntryType1{Type: wire.EntryFind, ServiceID: 0x1234, InstanceID: 0x5678, MajorVersion: 1})
	datagram := b.Build(0, 1)

	serverEngine.RxIndication(mcPduId, datagram, finderLocal)

	recv.waitReceived(t)
	assert.NotEmpty(t, recv.got)
}

// TestEnginePackerCapacityCap is spec.md §8 scenario 4: with
// bufLen=100 only (100-28-28)/28 = 1 pending Offer fits per multicast
// datagram; the rest stay pending for later ticks.
func TestEnginePackerCapacityCap(t *testing.T) {
	adapter, err := virtual.NewBus(t.Name() + "/group/solo")
	require.NoError(t, err)
	bindRoutes(adapter)

	var services []*server.Service
	for i := 0; i < 4; i++ {
		s := server.New(server.Config{
			ServiceID: uint16(0x1000 + i), InstanceID: 1, MajorVersion: 1,
			Protocol: wire.ProtoUDP, SoConID: mcSoConId,
			Timer: server.Timer{
				InitialOfferDelayMin: 1, InitialOfferDelayMax: 1,
				OfferCyclicDelay: 100, TTL: 3,
			},
			AutoAvailable: true,
		}, nil, server.WithRand(func(min, max int) int { return min }))
		services = append(services, s)
	}

	eng := engine.New(engineConfig("solo", 100), adapter, services, nil)
	require.NoError(t, eng.Init())

	eng.MainFunction() // all: DOWN -> INITIAL_WAIT
	eng.MainFunction() // all raise PENDING_OFFER in the same tick; only 1 fits

	pending := 0
	for _, s := range services {
		if s.Flags().Has(sdflags.PendingOffer) {
			pending++
		}
	}
	assert.Equal(t, 3, pending)

	eng.MainFunction() // packer flushes one more of the backlog
	pending = 0
	for _, s := range services {
		if s.Flags().Has(sdflags.PendingOffer) {
			pending++
		}
	}
	assert.Equal(t, 2, pending)
}
