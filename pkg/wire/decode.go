package wire

// Datagram is a decoded SD datagram ready for entry-by-entry dispatch.
type Datagram struct {
	Header  Header
	entries []byte
	options []byte
}

// Decode validates the header and slices out the entries/options runs.
// Entry-level decoding happens lazily via Iterator, so a single malformed
// entry type does not prevent inspecting the ones before it.
func Decode(buf []byte) (*Datagram, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	entries := buf[EntriesOffset : EntriesOffset+h.LengthOfEntries]
	optOff := OptionsOffset(h.LengthOfEntries)
	options := buf[optOff : optOff+h.LengthOfOptions]
	return &Datagram{Header: h, entries: entries, options: options}, nil
}

// Options returns the raw options run, for OptionRun lookups.
func (d *Datagram) Options() []byte { return d.options }

// EntryIterator iterates the raw entries, yielding the 16-byte slice and the
// leading type byte for each. Stops (returning false) once the entries
// run is exhausted.
type EntryIterator struct {
	d   *Datagram
	off int
}

func (d *Datagram) Iterator() *EntryIterator {
	return &EntryIterator{d: d}
}

// Next returns the next entry's type byte and its 16-byte raw slice, or
// ok=false when the entries run is exhausted.
func (it *EntryIterator) Next() (entryType uint8, raw []byte, ok bool) {
	if it.off+EntryLen > len(it.d.entries) {
		return 0, nil, false
	}
	raw = it.d.entries[it.off : it.off+EntryLen]
	it.off += EntryLen
	return raw[0], raw, true
}
