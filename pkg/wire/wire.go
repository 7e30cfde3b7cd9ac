// Package wire implements the SOME/IP-SD binary codec: the header, the
// two entry kinds (type-1 Find/Offer, type-2 SubscribeEventgroup/Ack) and
// the IPv4 endpoint/multicast option, byte-exact per AUTOSAR_PRS_SOMEIPServiceDiscoveryProtocol.
//
// Byte offsets are hard-coded here and nowhere else, per design: headers,
// entries and options are read/written through explicit big-endian helpers
// rather than unaligned struct overlays.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLen     = 28
	EntryLen      = 16
	OptionIPv4Len = 12

	// EntryType1 kinds.
	EntryFind  uint8 = 0x00
	EntryOffer uint8 = 0x01

	// EntryType2 kinds.
	EntrySubscribe    uint8 = 0x06
	EntrySubscribeAck uint8 = 0x07

	// Option kinds.
	OptionIPv4Endpoint  uint8 = 0x04
	OptionIPv4Multicast uint8 = 0x14

	// L4 protocol numbers carried in the IPv4 option.
	ProtoTCP uint8 = 0x06
	ProtoUDP uint8 = 0x11

	FlagReboot  uint8 = 0x80
	FlagUnicast uint8 = 0x40
	flagMask    uint8 = FlagReboot | FlagUnicast
)

var (
	ErrShortBuffer  = errors.New("wire: buffer too short")
	ErrBadMessageID = errors.New("wire: invalid SD message id")
	ErrBadClientID  = errors.New("wire: invalid SD client id")
	ErrBadVersion   = errors.New("wire: invalid protocol/interface version or message type")
	ErrReserved     = errors.New("wire: reserved bytes must be zero")
	ErrBadSessionID = errors.New("wire: session id must not be zero")
	ErrBadFlags     = errors.New("wire: flag bits outside R|U are set")
	ErrBadLength    = errors.New("wire: length field does not match buffer")
	ErrBadOption    = errors.New("wire: malformed or missing option")
)

// Header is the fixed 28-byte SD datagram header, excluding the entries
// and options that follow it.
type Header struct {
	SessionID       uint16
	Flags           uint8 // only FlagReboot|FlagUnicast are legal bits
	LengthOfEntries uint32
	LengthOfOptions uint32
}

// EncodeHeader writes a 28-byte header into dst (dst must hold at least
// 28+lengthOfEntries bytes: entries are expected right after offset 24,
// and the lengthOfOptions field is written at offset 24+lengthOfEntries,
// matching the wire layout of entries sandwiched inside the header run).
func EncodeHeader(dst []byte, flags uint8, sessionID uint16, lengthOfEntries, lengthOfOptions uint32) {
	length := 20 + lengthOfEntries + lengthOfOptions
	dst[0], dst[1], dst[2], dst[3] = 0xFF, 0xFF, 0x81, 0x00
	binary.BigEndian.PutUint32(dst[4:8], length)
	dst[8], dst[9] = 0x00, 0x00
	binary.BigEndian.PutUint16(dst[10:12], sessionID)
	dst[12], dst[13], dst[14], dst[15] = 0x01, 0x01, 0x02, 0x00
	dst[16] = flags & flagMask
	dst[17], dst[18], dst[19] = 0x00, 0x00, 0x00
	binary.BigEndian.PutUint32(dst[20:24], lengthOfEntries)
	binary.BigEndian.PutUint32(dst[24+lengthOfEntries:28+lengthOfEntries], lengthOfOptions)
}

// DecodeHeader validates and parses the header of a full SD datagram.
// buf is the entire received datagram (header + entries + options).
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, fmt.Errorf("%w: got %d bytes", ErrShortBuffer, len(buf))
	}
	if buf[0] != 0xFF || buf[1] != 0xFF || buf[2] != 0x81 || buf[3] != 0x00 {
		return h, ErrBadMessageID
	}
	if buf[8] != 0x00 || buf[9] != 0x00 {
		return h, ErrBadClientID
	}
	if buf[12] != 0x01 || buf[13] != 0x01 || buf[14] != 0x02 || buf[15] != 0x00 {
		return h, ErrBadVersion
	}
	if buf[17] != 0x00 || buf[18] != 0x00 || buf[19] != 0x00 {
		return h, ErrReserved
	}
	h.SessionID = binary.BigEndian.Uint16(buf[10:12])
	if h.SessionID == 0 {
		return h, ErrBadSessionID
	}
	h.Flags = buf[16]
	if h.Flags&^flagMask != 0 {
		return h, ErrBadFlags
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	if int(length)+8 != len(buf) {
		return h, fmt.Errorf("%w: length=%d buflen=%d", ErrBadLength, length, len(buf))
	}
	h.LengthOfEntries = binary.BigEndian.Uint32(buf[20:24])
	if HeaderLen+int(h.LengthOfEntries) > len(buf) {
		return h, fmt.Errorf("%w: lengthOfEntries=%d", ErrBadLength, h.LengthOfEntries)
	}
	optOff := 24 + h.LengthOfEntries
	if int(optOff)+4 > len(buf) {
		return h, fmt.Errorf("%w: lengthOfEntries=%d", ErrBadLength, h.LengthOfEntries)
	}
	h.LengthOfOptions = binary.BigEndian.Uint32(buf[optOff : optOff+4])
	if HeaderLen+int(h.LengthOfEntries)+int(h.LengthOfOptions) != len(buf) {
		return h, fmt.Errorf("%w: lengthOfOptions=%d", ErrBadLength, h.LengthOfOptions)
	}
	return h, nil
}

// EntriesOffset is the fixed offset of the first entry in a datagram.
const EntriesOffset = 24

// OptionsOffset returns the offset of the first option, given the length
// of the entries run.
func OptionsOffset(lengthOfEntries uint32) uint32 {
	return EntriesOffset + lengthOfEntries + 4
}

// EntryType1 is the 16-byte Find/Offer entry.
type EntryType1 struct {
	Type         uint8 // EntryFind | EntryOffer
	Index1st     uint8
	Index2nd     uint8
	NumOpts1st   uint8
	NumOpts2nd   uint8
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	TTL          uint32 // 24-bit on the wire; 0 encodes StopOffer
	MinorVersion uint32
}

func EncodeEntryType1(dst []byte, e EntryType1) {
	dst[0] = e.Type
	dst[1] = e.Index1st
	dst[2] = e.Index2nd
	dst[3] = (e.NumOpts1st << 4 & 0xF0) | (e.NumOpts2nd & 0x0F)
	binary.BigEndian.PutUint16(dst[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(dst[6:8], e.InstanceID)
	dst[8] = e.MajorVersion
	dst[9] = byte(e.TTL >> 16)
	dst[10] = byte(e.TTL >> 8)
	dst[11] = byte(e.TTL)
	binary.BigEndian.PutUint32(dst[12:16], e.MinorVersion)
}

func DecodeEntryType1(buf []byte) (EntryType1, error) {
	if len(buf) < EntryLen {
		return EntryType1{}, ErrShortBuffer
	}
	return EntryType1{
		Type:         buf[0],
		Index1st:     buf[1],
		Index2nd:     buf[2],
		NumOpts1st:   buf[3] >> 4,
		NumOpts2nd:   buf[3] & 0x0F,
		ServiceID:    binary.BigEndian.Uint16(buf[4:6]),
		InstanceID:   binary.BigEndian.Uint16(buf[6:8]),
		MajorVersion: buf[8],
		TTL:          uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11]),
		MinorVersion: binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// EntryType2 is the 16-byte SubscribeEventgroup/Ack entry.
type EntryType2 struct {
	Type         uint8 // EntrySubscribe | EntrySubscribeAck
	Index1st     uint8
	Index2nd     uint8
	NumOpts1st   uint8
	NumOpts2nd   uint8
	ServiceID    uint16
	InstanceID   uint16
	MajorVersion uint8
	TTL          uint32
	Counter      uint8
	EventGroupID uint16
}

func EncodeEntryType2(dst []byte, e EntryType2) {
	dst[0] = e.Type
	dst[1] = e.Index1st
	dst[2] = e.Index2nd
	dst[3] = (e.NumOpts1st << 4 & 0xF0) | (e.NumOpts2nd & 0x0F)
	binary.BigEndian.PutUint16(dst[4:6], e.ServiceID)
	binary.BigEndian.PutUint16(dst[6:8], e.InstanceID)
	dst[8] = e.MajorVersion
	dst[9] = byte(e.TTL >> 16)
	dst[10] = byte(e.TTL >> 8)
	dst[11] = byte(e.TTL)
	dst[12] = 0
	dst[13] = e.Counter & 0x0F
	binary.BigEndian.PutUint16(dst[14:16], e.EventGroupID)
}

func DecodeEntryType2(buf []byte) (EntryType2, error) {
	if len(buf) < EntryLen {
		return EntryType2{}, ErrShortBuffer
	}
	return EntryType2{
		Type:         buf[0],
		Index1st:     buf[1],
		Index2nd:     buf[2],
		NumOpts1st:   buf[3] >> 4,
		NumOpts2nd:   buf[3] & 0x0F,
		ServiceID:    binary.BigEndian.Uint16(buf[4:6]),
		InstanceID:   binary.BigEndian.Uint16(buf[6:8]),
		MajorVersion: buf[8],
		TTL:          uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11]),
		Counter:      buf[13] & 0x0F,
		EventGroupID: binary.BigEndian.Uint16(buf[14:16]),
	}, nil
}

// OptionIPv4 is the 12-byte-on-wire IPv4 endpoint/multicast option.
type OptionIPv4 struct {
	Type     uint8 // OptionIPv4Endpoint | OptionIPv4Multicast
	Addr     [4]byte
	Protocol uint8 // ProtoTCP | ProtoUDP
	Port     uint16
}

func EncodeOptionIPv4(dst []byte, o OptionIPv4) {
	binary.BigEndian.PutUint16(dst[0:2], 0x0009)
	dst[2] = o.Type
	dst[3] = 0x00
	copy(dst[4:8], o.Addr[:])
	dst[8] = 0x00
	dst[9] = o.Protocol
	binary.BigEndian.PutUint16(dst[10:12], o.Port)
}

func DecodeOptionIPv4(buf []byte) (OptionIPv4, error) {
	if len(buf) < OptionIPv4Len {
		return OptionIPv4{}, ErrShortBuffer
	}
	length := binary.BigEndian.Uint16(buf[0:2])
	if length != 0x0009 {
		return OptionIPv4{}, fmt.Errorf("%w: option length %d != 9", ErrBadOption, length)
	}
	var o OptionIPv4
	o.Type = buf[2]
	copy(o.Addr[:], buf[4:8])
	o.Protocol = buf[9]
	o.Port = binary.BigEndian.Uint16(buf[10:12])
	if o.Protocol != ProtoTCP && o.Protocol != ProtoUDP {
		return OptionIPv4{}, fmt.Errorf("%w: unsupported L4 protocol %#x", ErrBadOption, o.Protocol)
	}
	return o, nil
}

// OptionRun walks the option array (the `n` 12-byte options starting at
// entry-relative option index `first`) looking for a single option of the
// requested type. This mirrors the original decoder's two-stage walk:
// skip over `first` options of any supported type, then scan the next `n`
// for the wanted one. It exists so a second (or later) entry in the same
// datagram, referencing option-table slots past the first block, decodes
// correctly, the option table is shared by every entry in a datagram.
func OptionRun(options []byte, wantType uint8, first, n uint8) (OptionIPv4, error) {
	off := 0
	for i := uint8(0); i < first; i++ {
		if off+2 > len(options) {
			return OptionIPv4{}, ErrBadOption
		}
		length := binary.BigEndian.Uint16(options[off : off+2])
		off += int(length) + 3
	}
	for i := uint8(0); i < n; i++ {
		if off+OptionIPv4Len > len(options) {
			return OptionIPv4{}, ErrBadOption
		}
		opt, err := DecodeOptionIPv4(options[off : off+OptionIPv4Len])
		if err == nil && opt.Type == wantType {
			return opt, nil
		}
		off += OptionIPv4Len
	}
	return OptionIPv4{}, ErrBadOption
}
