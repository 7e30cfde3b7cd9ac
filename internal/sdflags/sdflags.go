// Package sdflags implements the flag algebra shared by the server,
// client and subscription-table state machines: a single byte whose
// bits are reinterpreted per owning entity, plus the SET/CLEAR/
// SET_CLEAR primitives used to mutate it.
package sdflags

// Flags is a per-entity bit set. The low two bits (Request/Release)
// are common to every entity that takes a SetState call; bits 0x04 and
// 0x08 are reused with different meanings depending on which entity
// owns the value (server service, client service, or consumed event
// group), callers use the named alias for their own entity, never mix
// them.
type Flags uint8

const (
	Request Flags = 0x01
	Release Flags = 0x02

	// Server service.
	PendingOffer     Flags = 0x04
	PendingStopOffer Flags = 0x08

	// Client service.
	PendingFind     Flags = 0x04
	PendingStopFind Flags = 0x08

	// Client consumed event group.
	PendingSubscribe     Flags = 0x04
	PendingStopSubscribe Flags = 0x08

	// Server subscriber slot.
	PendingEventGroupAck Flags = 0x04
	Subscribed           Flags = 0x80
	Unsubscribed         Flags = 0x00

	// Local socket-connection tracking, every entity with a SoConId.
	LinkUp Flags = 0x10

	// Instance-level wire flags (separate byte in practice, but the
	// same SET/CLEAR primitives apply).
	Reboot  Flags = 0x80
	Unicast Flags = 0x40
)

func (f Flags) Has(mask Flags) bool { return f&mask != 0 }

// Set raises every bit in mask.
func (f *Flags) Set(mask Flags) { *f |= mask }

// Clear lowers every bit in mask.
func (f *Flags) Clear(mask Flags) { *f &^= mask }

// SetClear raises every bit in set and lowers every bit in clear, set
// taking priority when the same bit appears in both. This is the Go
// equivalent of the original's SD_SET_CLEAR(flags, maskSet, maskClear).
func (f *Flags) SetClear(set, clear Flags) {
	*f = (*f &^ clear) | set
}
