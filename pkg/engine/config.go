package engine

import (
	"log/slog"

	"github.com/James-creator-afk/someip-sd/internal/critical"
	"github.com/James-creator-afk/someip-sd/pkg/soad"
)

// ANY_MAJOR_VERSION / ANY_MINOR_VERSION are the AUTOSAR wildcard
// values a Server/ClientService's configured version may carry to
// accept any peer version on that field.
const (
	AnyMajorVersion uint8  = 0xFF
	AnyMinorVersion uint32 = 0xFFFFFFFF
)

// DefaultDefaultTTL is the reserved wire TTL meaning "alive forever":
// the maximum representable 24-bit TTL. A Config may override it.
const DefaultDefaultTTL uint32 = 0x00FFFFFF

// Config is the single explicit value an Instance is constructed from.
// No package-level globals anywhere in the engine.
type Config struct {
	Hostname string

	// SendBufLen bounds the multicast datagram the Packer may emit;
	// the pack keeps 28+entries+options within SendBufLen-28, i.e. at
	// most SendBufLen-56 bytes of entries+options (§4.7).
	SendBufLen int

	MulticastTxPduID soad.PduId
	UnicastTxPduID   soad.PduId
	MulticastRxPduID soad.PduId
	UnicastRxPduID   soad.PduId

	MulticastSoConID soad.SoConId
	UnicastSoConID   soad.SoConId

	Logger          *slog.Logger
	CriticalSection critical.Section
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) criticalSection() critical.Section {
	if c.CriticalSection != nil {
		return c.CriticalSection
	}
	return critical.NewNoop()
}
