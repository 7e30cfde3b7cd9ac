package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.AddEntryType1WithOption(EntryType1{
		Type: EntryOffer, ServiceID: 0x1234, InstanceID: 0x5678,
		MajorVersion: 1, MinorVersion: 0, TTL: 3,
	}, OptionIPv4{Type: OptionIPv4Endpoint, Addr: [4]byte{192, 168, 0, 1}, Protocol: ProtoUDP, Port: 30509})

	datagram := b.Build(FlagReboot|FlagUnicast, 7)
	d, err := Decode(datagram)
	require.NoError(t, err)
	assert.EqualValues(t, 7, d.Header.SessionID)
	assert.EqualValues(t, FlagReboot|FlagUnicast, d.Header.Flags)
	assert.EqualValues(t, EntryLen, d.Header.LengthOfEntries)
	assert.EqualValues(t, OptionIPv4Len, d.Header.LengthOfOptions)

	it := d.Iterator()
	typ, raw, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, EntryOffer, typ)
	entry, err := DecodeEntryType1(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 0x1234, entry.ServiceID)
	assert.EqualValues(t, 0x5678, entry.InstanceID)
	assert.EqualValues(t, 3, entry.TTL)

	opt, err := OptionRun(d.Options(), OptionIPv4Endpoint, entry.Index1st, entry.NumOpts1st)
	require.NoError(t, err)
	assert.Equal(t, [4]byte{192, 168, 0, 1}, opt.Addr)
	assert.EqualValues(t, 30509, opt.Port)

	_, _, ok = it.Next()
	assert.False(t, ok)
}

func TestDecodeHeaderRejectsSessionZero(t *testing.T) {
	b := NewBuilder()
	b.AddEntryType1(EntryType1{Type: EntryFind, ServiceID: 1, InstanceID: 1})
	datagram := b.Build(0, 0)
	// force session id zero on the wire
	datagram[10], datagram[11] = 0, 0
	_, err := Decode(datagram)
	assert.ErrorIs(t, err, ErrBadSessionID)
}

func TestDecodeHeaderRejectsBadFlags(t *testing.T) {
	b := NewBuilder()
	b.AddEntryType1(EntryType1{Type: EntryFind, ServiceID: 1, InstanceID: 1})
	datagram := b.Build(0, 1)
	datagram[16] = 0x20 // illegal bit
	_, err := Decode(datagram)
	assert.ErrorIs(t, err, ErrBadFlags)
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	b := NewBuilder()
	b.AddEntryType1(EntryType1{Type: EntryFind, ServiceID: 1, InstanceID: 1})
	datagram := b.Build(0, 1)
	_, err := Decode(datagram[:len(datagram)-1])
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestDecodeHeaderRejectsReservedBytes(t *testing.T) {
	b := NewBuilder()
	b.AddEntryType1(EntryType1{Type: EntryFind, ServiceID: 1, InstanceID: 1})
	datagram := b.Build(0, 1)
	datagram[17] = 1
	_, err := Decode(datagram)
	assert.ErrorIs(t, err, ErrReserved)
}

func TestEntryType2RoundTrip(t *testing.T) {
	b := NewBuilder()
	b.AddEntryType2WithOption(EntryType2{
		Type: EntrySubscribe, ServiceID: 0x42, InstanceID: 0x1, MajorVersion: 1,
		TTL: 5, Counter: 0x0F, EventGroupID: 0x9,
	}, OptionIPv4{Type: OptionIPv4Endpoint, Addr: [4]byte{10, 0, 0, 5}, Protocol: ProtoUDP, Port: 12345})
	datagram := b.Build(FlagUnicast, 1)
	d, err := Decode(datagram)
	require.NoError(t, err)
	it := d.Iterator()
	typ, raw, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, EntrySubscribe, typ)
	entry, err := DecodeEntryType2(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 0x9, entry.EventGroupID)
	assert.EqualValues(t, 0x0F, entry.Counter)

	opt, err := OptionRun(d.Options(), OptionIPv4Endpoint, entry.Index1st, entry.NumOpts1st)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, opt.Port)
}

func TestOptionRunSkipsPriorOptions(t *testing.T) {
	b := NewBuilder()
	// Two offers, each with their own option; the second entry's option
	// index must resolve past the first entry's option.
	b.AddEntryType1WithOption(EntryType1{Type: EntryOffer, ServiceID: 1, InstanceID: 1, TTL: 1},
		OptionIPv4{Type: OptionIPv4Endpoint, Addr: [4]byte{1, 1, 1, 1}, Protocol: ProtoUDP, Port: 1})
	b.AddEntryType1WithOption(EntryType1{Type: EntryOffer, ServiceID: 2, InstanceID: 2, TTL: 1},
		OptionIPv4{Type: OptionIPv4Endpoint, Addr: [4]byte{2, 2, 2, 2}, Protocol: ProtoUDP, Port: 2})
	datagram := b.Build(0, 1)
	d, err := Decode(datagram)
	require.NoError(t, err)
	it := d.Iterator()
	_, raw1, _ := it.Next()
	_, raw2, _ := it.Next()
	e1, _ := DecodeEntryType1(raw1)
	e2, _ := DecodeEntryType1(raw2)
	opt1, err := OptionRun(d.Options(), OptionIPv4Endpoint, e1.Index1st, e1.NumOpts1st)
	require.NoError(t, err)
	opt2, err := OptionRun(d.Options(), OptionIPv4Endpoint, e2.Index1st, e2.NumOpts1st)
	require.NoError(t, err)
	assert.Equal(t, [4]byte{1, 1, 1, 1}, opt1.Addr)
	assert.Equal(t, [4]byte{2, 2, 2, 2}, opt2.Addr)
}
