// Command sdsim runs one SOME/IP Service Discovery instance, either
// offering or finding a single demo service over real UDP multicast,
// the way cmd/canopen_http wires one network.Network over socketcan.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/James-creator-afk/someip-sd/pkg/client"
	"github.com/James-creator-afk/someip-sd/pkg/engine"
	"github.com/James-creator-afk/someip-sd/pkg/server"
	"github.com/James-creator-afk/someip-sd/pkg/soad"
	"github.com/James-creator-afk/someip-sd/pkg/soad/udp"
	"github.com/James-creator-afk/someip-sd/pkg/subscription"
	"github.com/James-creator-afk/someip-sd/pkg/wire"
)

const (
	demoServiceID   = 0x1234
	demoInstanceID  = 0x0001
	demoMajor       = 1
	demoEventGroup  = 1
	sdPort          = 30490
	multicastSoCon  = soad.SoConId(1)
	unicastSoCon    = soad.SoConId(2)
	multicastPduID  = soad.PduId(1)
	unicastPduID    = soad.PduId(2)
	tickInterval    = 100 * time.Millisecond
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	role := flag.String("role", "server", "server or client")
	iface := flag.String("i", "", "network interface, e.g. eth0 (empty lets the OS pick)")
	mcastAddr := flag.String("mcast", "224.244.224.245:30490", "sd multicast group address")
	bindAddr := flag.String("bind", "0.0.0.0:30491", "unicast bind address")
	flag.Parse()

	mcastUDP, err := net.ResolveUDPAddr("udp4", *mcastAddr)
	if err != nil {
		logger.Error("resolve multicast addr", "err", err)
		os.Exit(1)
	}
	localUDP, err := net.ResolveUDPAddr("udp4", *bindAddr)
	if err != nil {
		logger.Error("resolve bind addr", "err", err)
		os.Exit(1)
	}

	bus, err := udp.NewBusWithConfig(udp.Config{Interface: *iface, UnicastAddr: localUDP, MulticastTTL: 1})
	if err != nil {
		logger.Error("create udp adapter", "err", err)
		os.Exit(1)
	}
	bus.SetLogger(logger)
	if err := bus.OpenMulticast(multicastSoCon, mcastUDP, 1); err != nil {
		logger.Error("open multicast soCon", "err", err)
		os.Exit(1)
	}
	if err := bus.OpenUnicast(unicastSoCon, localUDP); err != nil {
		logger.Error("open unicast soCon", "err", err)
		os.Exit(1)
	}
	bus.BindRoute(multicastPduID, multicastSoCon)
	bus.BindRoute(unicastPduID, unicastSoCon)

	cfg := engine.Config{
		Hostname:         *role,
		SendBufLen:       1400,
		MulticastTxPduID: multicastPduID,
		UnicastTxPduID:   unicastPduID,
		MulticastRxPduID: multicastPduID,
		UnicastRxPduID:   unicastPduID,
		MulticastSoConID: multicastSoCon,
		UnicastSoConID:   unicastSoCon,
		Logger:           logger,
	}

	var eng *engine.Engine
	switch *role {
	case "server":
		eventHandler := subscription.NewEventHandler(demoEventGroup, 4)
		svc := server.New(server.Config{
			ServiceID: demoServiceID, InstanceID: demoInstanceID, MajorVersion: demoMajor,
			Protocol: wire.ProtoUDP, SoConID: unicastSoCon,
			Timer: server.Timer{
				InitialOfferDelayMin: 2, InitialOfferDelayMax: 5,
				InitialOfferRepetitionsMax: 3, InitialOfferRepetitionBaseDelay: 2,
				OfferCyclicDelay: 30, TTL: 3,
			},
			AutoAvailable: true,
		}, []*subscription.EventHandler{eventHandler}, server.WithLogger(logger))
		eng = engine.New(cfg, bus, []*server.Service{svc}, nil, engine.WithLogger(logger))
	case "client":
		eventGroup := client.NewEventGroup(demoEventGroup, true)
		svc := client.New(client.Config{
			ServiceID: demoServiceID, InstanceID: demoInstanceID, MajorVersion: demoMajor,
			Protocol: wire.ProtoUDP, SoConID: unicastSoCon,
			Timer:       client.Timer{InitialFindDelayMin: 2, InitialFindDelayMax: 5},
			AutoRequire: true,
			DefaultTTL:  engine.DefaultDefaultTTL,
			TickMs:      int(tickInterval / time.Millisecond),
		}, []*client.EventGroup{eventGroup}, client.WithLogger(logger))
		eng = engine.New(cfg, bus, nil, []*client.Service{svc}, engine.WithLogger(logger))
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q, want server or client\n", *role)
		os.Exit(1)
	}

	if err := eng.Init(); err != nil {
		logger.Error("engine init", "err", err)
		os.Exit(1)
	}

	logger.Info("sd instance running", "role", *role, "bind", *bindAddr, "mcast", *mcastAddr)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		eng.MainFunction()
	}
}
