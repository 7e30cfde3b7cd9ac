package engine

import (
	"fmt"

	"github.com/James-creator-afk/someip-sd/internal/sdflags"
	"github.com/James-creator-afk/someip-sd/pkg/client"
	"github.com/James-creator-afk/someip-sd/pkg/server"
	"github.com/James-creator-afk/someip-sd/pkg/soad"
	"github.com/James-creator-afk/someip-sd/pkg/subscription"
	"github.com/James-creator-afk/someip-sd/pkg/wire"
)

// headerReserve mirrors the original capacity formula
// 28 + lengthOfEntries + lengthOfOptions <= bufLen - 28: the 28-byte
// header is counted on both sides of the inequality.
const headerReserve = wire.HeaderLen

// pack runs the Outbound Packer for one tick (§4.7): one multicast
// datagram aggregating pending Find/Offer/StopOffer entries, then at
// most one Ack retry, then at most one Subscribe/StopSubscribe retry.
func (e *Engine) pack() {
	budget := e.Config.SendBufLen - headerReserve - headerReserve

	b := wire.NewBuilder()
	var emittedFind []*client.Service
	for _, c := range e.ClientServices {
		if !c.Flags().Has(sdflags.PendingFind) {
			continue
		}
		if b.EntriesLen()+b.OptionsLen()+wire.EntryOnlyCost > budget {
			break
		}
		b.AddEntryType1(wire.EntryType1{
			Type:         wire.EntryFind,
			ServiceID:    c.Config.ServiceID,
			InstanceID:   c.Config.InstanceID,
			MajorVersion: c.Config.MajorVersion,
			MinorVersion: c.Config.MinorVersion,
			TTL:          c.Config.Timer.TTL,
		})
		emittedFind = append(emittedFind, c)
	}

	var emittedOffer []*server.Service
	for _, s := range e.ServerServices {
		if !s.Flags().Has(sdflags.PendingOffer) && !s.Flags().Has(sdflags.PendingStopOffer) {
			continue
		}
		if b.EntriesLen()+b.OptionsLen()+wire.EntryWithOptionCost > budget || b.NumOptions() >= 256 {
			break
		}
		entry, opt, err := e.offerEntryAndOption(s)
		if err != nil {
			e.logger.Warn("cannot build offer entry", "err", err, "service", s.Config.ServiceID)
			continue
		}
		b.AddEntryType1WithOption(entry, opt)
		emittedOffer = append(emittedOffer, s)
	}

	if b.EntriesLen() > 0 {
		e.crit.Enter()
		flags := uint8(wire.FlagUnicast)
		if e.flags.Has(sdflags.Reboot) {
			flags |= wire.FlagReboot
		}
		e.crit.Leave()
		sessionID := e.currentSessionID()

		datagram := b.Build(flags, sessionID)
		status := e.Adapter.IfTransmit(e.Config.MulticastTxPduID, soad.PduInfo{Data: datagram})
		if status == soad.TxOK {
			for _, c := range emittedFind {
				c.ClearFlags(sdflags.PendingFind)
			}
			for _, s := range emittedOffer {
				s.ClearFlags(sdflags.PendingOffer | sdflags.PendingStopOffer)
			}
			e.advanceSession()
		} else {
			e.logger.Debug("multicast sd transmit failed, retrying next tick")
		}
	}

	e.runAckPass()
	e.runSubscribePass()
}

// offerEntryAndOption builds the Offer (or StopOffer, TTL=0) entry and
// its IPv4 endpoint option for s, using the adapter's reported local
// address on s's socket connection.
func (e *Engine) offerEntryAndOption(s *server.Service) (wire.EntryType1, wire.OptionIPv4, error) {
	ttl := s.Config.Timer.TTL
	if s.Flags().Has(sdflags.PendingStopOffer) && !s.Flags().Has(sdflags.PendingOffer) {
		ttl = 0
	}
	local, err := e.Adapter.GetLocalAddr(s.Config.SoConID)
	if err != nil {
		return wire.EntryType1{}, wire.OptionIPv4{}, fmt.Errorf("local addr for soCon %d: %w", s.Config.SoConID, err)
	}
	addr, ok := fromNetAddr(local)
	if !ok {
		return wire.EntryType1{}, wire.OptionIPv4{}, fmt.Errorf("non-udp local addr for soCon %d", s.Config.SoConID)
	}
	entry := wire.EntryType1{
		Type:         wire.EntryOffer,
		ServiceID:    s.Config.ServiceID,
		InstanceID:   s.Config.InstanceID,
		MajorVersion: s.Config.MajorVersion,
		MinorVersion: s.Config.MinorVersion,
		TTL:          ttl,
	}
	opt := wire.OptionIPv4{Type: wire.OptionIPv4Endpoint, Addr: addr.IP, Protocol: s.Config.Protocol, Port: addr.Port}
	return entry, opt, nil
}

// sendUnicastOffer answers a Find immediately, outside the normal
// packer cadence. No pending flag tracks this reply, matching the
// original's direct Sd_SendOfferService call from Sd_HandleFindService.
func (e *Engine) sendUnicastOffer(s *server.Service, remote epAddr) {
	entry, opt, err := e.offerEntryAndOption(s)
	if err != nil {
		e.logger.Warn("cannot build immediate offer reply", "err", err)
		return
	}
	b := wire.NewBuilder()
	b.AddEntryType1WithOption(entry, opt)
	datagram := b.Build(wire.FlagUnicast, e.currentSessionID())

	if err := e.Adapter.SetRemoteAddr(e.Config.UnicastTxPduID, remote.udp()); err != nil {
		e.logger.Warn("set remote addr for unicast offer failed", "err", err)
		return
	}
	e.Adapter.IfTransmit(e.Config.UnicastTxPduID, soad.PduInfo{Data: datagram, Remote: remote.udp()})
}

// runAckPass sends at most one pending SubscribeEventgroupAck across
// every server service's every event handler, stopping at the first
// success, Sd_ServerServiceEventGroupAckCheck's instance-wide, not
// per-handler, fairness.
func (e *Engine) runAckPass() {
	for _, s := range e.ServerServices {
		for _, eh := range s.EventHandlers {
			sent := eh.PendingAck(func(sub *subscription.Subscriber) bool {
				return e.sendSubscribeAck(s, eh, sub)
			})
			if sent {
				return
			}
		}
	}
}

func (e *Engine) sendSubscribeAck(s *server.Service, eh *subscription.EventHandler, sub *subscription.Subscriber) bool {
	ttl := s.Config.Timer.TTL
	if !sub.IsSubscribed() {
		ttl = 0
	}
	b := wire.NewBuilder()
	b.AddEntryType2(wire.EntryType2{
		Type:         wire.EntrySubscribeAck,
		ServiceID:    s.Config.ServiceID,
		InstanceID:   s.Config.InstanceID,
		MajorVersion: s.Config.MajorVersion,
		TTL:          ttl,
		EventGroupID: eh.EventGroupID,
	})
	datagram := b.Build(wire.FlagUnicast, e.currentSessionID())

	dest := epAddr{IP: sub.RemoteAddr.IP, Port: sub.ResponsePort}.udp()
	if err := e.Adapter.SetRemoteAddr(e.Config.UnicastTxPduID, dest); err != nil {
		e.logger.Warn("set remote addr for ack failed", "err", err)
		return false
	}
	status := e.Adapter.IfTransmit(e.Config.UnicastTxPduID, soad.PduInfo{Data: datagram, Remote: dest})
	return status == soad.TxOK
}

// runSubscribePass sends at most one pending Subscribe/StopSubscribe
// across every client service's every consumed event group, stopping
// at the first success, Sd_ClientServiceSubscribeEventGroupCheck's
// instance-wide fairness.
func (e *Engine) runSubscribePass() {
	for _, c := range e.ClientServices {
		for _, eg := range c.EventGroups {
			if !eg.Flags().Has(sdflags.PendingSubscribe) && !eg.Flags().Has(sdflags.PendingStopSubscribe) {
				continue
			}
			if e.sendSubscribe(c, eg) {
				return
			}
		}
	}
}

func (e *Engine) sendSubscribe(c *client.Service, eg *client.EventGroup) bool {
	stop := eg.Flags().Has(sdflags.PendingStopSubscribe)

	remoteAddr, ok := c.GetProviderAddr()
	if !ok {
		eg.ClearFlags(sdflags.PendingSubscribe | sdflags.PendingStopSubscribe)
		return false
	}
	local, err := e.Adapter.GetLocalAddr(c.Config.SoConID)
	if err != nil {
		e.logger.Warn("local addr for subscribe failed", "err", err)
		return false
	}
	localAddr, ok := fromNetAddr(local)
	if !ok {
		e.logger.Warn("non-udp local addr for subscribe", "soConId", c.Config.SoConID)
		return false
	}

	ttl := c.Config.Timer.TTL
	if stop {
		ttl = 0
	}
	b := wire.NewBuilder()
	b.AddEntryType2WithOption(wire.EntryType2{
		Type:         wire.EntrySubscribe,
		ServiceID:    c.Config.ServiceID,
		InstanceID:   c.Config.InstanceID,
		MajorVersion: c.Config.MajorVersion,
		TTL:          ttl,
		EventGroupID: eg.EventGroupID,
	}, wire.OptionIPv4{Type: wire.OptionIPv4Endpoint, Addr: localAddr.IP, Protocol: c.Config.Protocol, Port: localAddr.Port})
	datagram := b.Build(wire.FlagUnicast, e.currentSessionID())

	dest := epAddr{IP: remoteAddr.IP, Port: remoteAddr.Port}.udp()
	if err := e.Adapter.SetRemoteAddr(e.Config.UnicastTxPduID, dest); err != nil {
		e.logger.Warn("set remote addr for subscribe failed", "err", err)
		return false
	}
	status := e.Adapter.IfTransmit(e.Config.UnicastTxPduID, soad.PduInfo{Data: datagram, Remote: dest})
	if status != soad.TxOK {
		return false
	}
	if stop {
		eg.ClearFlags(sdflags.PendingStopSubscribe)
	} else {
		eg.ClearFlags(sdflags.PendingSubscribe)
	}
	return true
}
