package engine

import (
	"net"

	"github.com/James-creator-afk/someip-sd/internal/sdflags"
	"github.com/James-creator-afk/someip-sd/pkg/client"
	"github.com/James-creator-afk/someip-sd/pkg/server"
	"github.com/James-creator-afk/someip-sd/pkg/soad"
	"github.com/James-creator-afk/someip-sd/pkg/subscription"
	"github.com/James-creator-afk/someip-sd/pkg/wire"
)

// RxIndication decodes an inbound SD datagram and dispatches each entry
// to the matching service, per §4.6. pduId must be the instance's
// configured multicast or unicast Rx pdu; anything else is ignored.
// RxIndication routes by pdu id exactly as the public API names it.
func (e *Engine) RxIndication(pduId soad.PduId, data []byte, from net.Addr) {
	if pduId != e.Config.MulticastRxPduID && pduId != e.Config.UnicastRxPduID {
		return
	}
	remote, ok := fromNetAddr(from)
	if !ok {
		e.logger.Debug("discarding sd datagram from non-udp sender", "from", from)
		return
	}
	dg, err := wire.Decode(data)
	if err != nil {
		e.logger.Debug("discarding malformed sd datagram", "err", err, "from", from)
		return
	}

	it := dg.Iterator()
	for {
		entryType, raw, ok := it.Next()
		if !ok {
			return
		}
		switch entryType {
		case wire.EntryFind:
			e.handleFind(raw, remote)
		case wire.EntryOffer:
			e.handleOffer(dg, raw, remote)
		case wire.EntrySubscribe:
			e.handleSubscribe(dg, raw, remote)
		case wire.EntrySubscribeAck:
			e.handleSubscribeAck(raw)
		default:
			e.logger.Warn("unknown sd entry type, aborting remainder of datagram", "type", entryType)
			return
		}
	}
}

// handleFind answers an incoming Find with an immediate unicast Offer
// when the matched service is already offering or about to.
func (e *Engine) handleFind(raw []byte, remote epAddr) {
	entry, err := wire.DecodeEntryType1(raw)
	if err != nil {
		e.logger.Debug("malformed find entry", "err", err)
		return
	}
	for _, s := range e.ServerServices {
		if s.Config.ServiceID != entry.ServiceID || s.Config.InstanceID != entry.InstanceID {
			continue
		}
		if !versionMatches(entry.MajorVersion, entry.MinorVersion, s.Config.MajorVersion, s.Config.MinorVersion) {
			continue
		}
		if s.Phase() != server.PhaseDown || s.Flags().Has(sdflags.Request) {
			e.sendUnicastOffer(s, remote)
		}
	}
}

// handleOffer matches the incoming Offer against every consumed
// service and applies it, including reboot detection and TTL arming
// (both implemented inside client.Service.HandleOffer).
func (e *Engine) handleOffer(dg *wire.Datagram, raw []byte, remote epAddr) {
	entry, err := wire.DecodeEntryType1(raw)
	if err != nil {
		e.logger.Debug("malformed offer entry", "err", err)
		return
	}
	opt, err := wire.OptionRun(dg.Options(), wire.OptionIPv4Endpoint, entry.Index1st, entry.NumOpts1st)
	if err != nil {
		e.logger.Debug("offer missing ipv4 endpoint option", "err", err)
		return
	}
	if opt.Addr != remote.IP {
		e.logger.Debug("offer option ip does not match sender ip", "service", entry.ServiceID, "instance", entry.InstanceID)
		return
	}
	for _, c := range e.ClientServices {
		if c.Config.ServiceID != entry.ServiceID || c.Config.InstanceID != entry.InstanceID {
			continue
		}
		if !versionMatches(entry.MajorVersion, entry.MinorVersion, c.Config.MajorVersion, c.Config.MinorVersion) {
			continue
		}
		if opt.Protocol != c.Config.Protocol {
			continue
		}
		hdr := client.Header{
			SessionID: dg.Header.SessionID,
			Reboot:    dg.Header.Flags&wire.FlagReboot != 0,
		}
		c.HandleOffer(hdr, client.Addr{IP: opt.Addr, Port: opt.Port}, entry.TTL)
	}
}

// handleSubscribe implements §4.5's Subscribe request handling: match
// service and event handler by AND, protocol and option-IP checks,
// acquire-or-reject on TTL>0, release on TTL=0.
func (e *Engine) handleSubscribe(dg *wire.Datagram, raw []byte, remote epAddr) {
	entry, err := wire.DecodeEntryType2(raw)
	if err != nil {
		e.logger.Debug("malformed subscribe entry", "err", err)
		return
	}
	opt, err := wire.OptionRun(dg.Options(), wire.OptionIPv4Endpoint, entry.Index1st, entry.NumOpts1st)
	if err != nil {
		e.logger.Debug("subscribe missing ipv4 endpoint option", "err", err)
		return
	}
	if opt.Addr != remote.IP {
		e.logger.Debug("subscribe option ip does not match sender ip", "service", entry.ServiceID)
		return
	}
	for _, s := range e.ServerServices {
		if s.Config.ServiceID != entry.ServiceID || s.Config.InstanceID != entry.InstanceID {
			continue
		}
		if opt.Protocol != s.Config.Protocol {
			continue
		}
		for _, eh := range s.EventHandlers {
			if eh.EventGroupID != entry.EventGroupID {
				continue
			}
			addr := subscription.Addr{IP: opt.Addr, Port: opt.Port}
			if entry.TTL == 0 {
				eh.Unsubscribe(addr)
				continue
			}
			sub, err := eh.Subscribe(addr, opt.Port)
			if err != nil {
				e.logger.Debug("subscribe rejected", "err", err, "service", s.Config.ServiceID, "eventGroup", eh.EventGroupID)
				continue
			}
			if !e.sendSubscribeAck(s, eh, sub) {
				sub.Flags.Set(sdflags.PendingEventGroupAck)
			}
		}
	}
}

// handleSubscribeAck applies a received Ack/Nack to the matching
// consumed event group.
func (e *Engine) handleSubscribeAck(raw []byte) {
	entry, err := wire.DecodeEntryType2(raw)
	if err != nil {
		e.logger.Debug("malformed subscribe ack entry", "err", err)
		return
	}
	for _, c := range e.ClientServices {
		if c.Config.ServiceID != entry.ServiceID || c.Config.InstanceID != entry.InstanceID {
			continue
		}
		for _, eg := range c.EventGroups {
			if eg.EventGroupID != entry.EventGroupID {
				continue
			}
			eg.HandleAck(entry.TTL)
			if entry.TTL == 0 {
				e.logger.Info("subscribe nacked", "service", c.Config.ServiceID, "eventGroup", eg.EventGroupID)
			}
		}
	}
}
