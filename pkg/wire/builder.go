package wire

import "bytes"

// Builder incrementally assembles an SD datagram's entries and options
// sections. It is the emit half of the packer's two-pass packing scheme
// (§4.7): callers first measure how many entries/options fit within a
// capacity budget using EntryOnlyCost/EntryWithOptionCost, then call
// the Add* methods to actually emit exactly those that fit.
type Builder struct {
	entries    bytes.Buffer
	options    bytes.Buffer
	numOptions int
}

// Cost, in bytes, of packing a bare entry (Find, or a Subscribe/Ack with
// no option attached).
const EntryOnlyCost = EntryLen

// Cost, in bytes, of packing an entry plus one IPv4 option (Offer, or a
// Subscribe carrying its sender endpoint option).
const EntryWithOptionCost = EntryLen + OptionIPv4Len

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) EntriesLen() int { return b.entries.Len() }
func (b *Builder) OptionsLen() int { return b.options.Len() }
func (b *Builder) NumOptions() int { return b.numOptions }

// AddEntryType1 appends a Find/Offer entry with no option references.
func (b *Builder) AddEntryType1(e EntryType1) {
	var buf [EntryLen]byte
	EncodeEntryType1(buf[:], e)
	b.entries.Write(buf[:])
}

// AddEntryType1WithOption appends an Offer entry plus the IPv4 endpoint
// option it references (first-run index = the option's position in the
// options section, count 1).
func (b *Builder) AddEntryType1WithOption(e EntryType1, opt OptionIPv4) {
	e.Index1st = uint8(b.numOptions)
	e.NumOpts1st = 1
	b.AddEntryType1(e)
	var obuf [OptionIPv4Len]byte
	EncodeOptionIPv4(obuf[:], opt)
	b.options.Write(obuf[:])
	b.numOptions++
}

// AddEntryType2 appends a Subscribe/Ack entry with no option references.
func (b *Builder) AddEntryType2(e EntryType2) {
	var buf [EntryLen]byte
	EncodeEntryType2(buf[:], e)
	b.entries.Write(buf[:])
}

// AddEntryType2WithOption appends a Subscribe entry plus its IPv4 option.
func (b *Builder) AddEntryType2WithOption(e EntryType2, opt OptionIPv4) {
	e.Index1st = uint8(b.numOptions)
	e.NumOpts1st = 1
	b.AddEntryType2(e)
	var obuf [OptionIPv4Len]byte
	EncodeOptionIPv4(obuf[:], opt)
	b.options.Write(obuf[:])
	b.numOptions++
}

// Build assembles the final datagram: header, entries, lengthOfOptions,
// options.
func (b *Builder) Build(flags uint8, sessionID uint16) []byte {
	lengthOfEntries := uint32(b.entries.Len())
	lengthOfOptions := uint32(b.options.Len())
	out := make([]byte, HeaderLen+int(lengthOfEntries)+int(lengthOfOptions))
	EncodeHeader(out, flags, sessionID, lengthOfEntries, lengthOfOptions)
	copy(out[EntriesOffset:], b.entries.Bytes())
	copy(out[EntriesOffset+lengthOfEntries+4:], b.options.Bytes())
	return out
}
