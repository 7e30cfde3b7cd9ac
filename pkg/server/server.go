// Package server implements the Server Service state machine (§4.3 of
// the SD engine): the four-phase offer/repeat/cyclic-offer cycle that
// advertises one SOME/IP service, plus the event-handler subscriber
// tables that hang off it.
package server

import (
	"log/slog"
	"math/rand"

	"github.com/James-creator-afk/someip-sd/internal/critical"
	"github.com/James-creator-afk/someip-sd/internal/sdflags"
	"github.com/James-creator-afk/someip-sd/pkg/soad"
	"github.com/James-creator-afk/someip-sd/pkg/subscription"
)

// Phase is one of the four offer-cycle phases.
type Phase uint8

const (
	PhaseDown Phase = iota
	PhaseInitialWait
	PhaseRepetition
	PhaseMain
)

func (p Phase) String() string {
	switch p {
	case PhaseDown:
		return "DOWN"
	case PhaseInitialWait:
		return "INITIAL_WAIT"
	case PhaseRepetition:
		return "REPETITION"
	case PhaseMain:
		return "MAIN"
	default:
		return "UNKNOWN"
	}
}

// State is the public SetState vocabulary (§6).
type State uint8

const (
	Available State = iota
	Down
)

// Timer holds the offer-cycle timing configuration, all fields in
// ticks except TTL, which is the seconds value encoded on the wire.
type Timer struct {
	InitialOfferDelayMin            int
	InitialOfferDelayMax            int
	InitialOfferRepetitionsMax      int
	InitialOfferRepetitionBaseDelay int
	OfferCyclicDelay                int
	TTL                             uint32
}

// Config is the static configuration of one advertised service.
type Config struct {
	ServiceID     uint16
	InstanceID    uint16
	MajorVersion  uint8
	MinorVersion  uint32
	Protocol      uint8 // wire.ProtoTCP or wire.ProtoUDP
	SoConID       soad.SoConId
	Timer         Timer
	AutoAvailable bool
}

// RandRange returns a pseudo-random tick count in [min, max], used to
// seed offerTimer the way Sd_RandTime does. Injected so tests can make
// the initial-wait delay deterministic.
type RandRange func(min, max int) int

// LinkState reports what the instance manager must do to the socket
// connection bound to this service this tick.
type LinkState struct {
	Open  bool
	Close bool
}

// Service is one advertised SOME/IP service and its offer-cycle state.
type Service struct {
	Config        Config
	EventHandlers []*subscription.EventHandler

	logger *slog.Logger
	crit   critical.Section
	rand   RandRange

	phase      Phase
	offerTimer int
	counter    int
	flags      sdflags.Flags
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option { return func(s *Service) { s.logger = logger } }
func WithCriticalSection(c critical.Section) Option {
	return func(s *Service) { s.crit = c }
}
func WithRand(r RandRange) Option { return func(s *Service) { s.rand = r } }

// New constructs a Service at phase DOWN. If cfg.AutoAvailable, the
// Request flag is pre-raised so the first Tick immediately begins the
// offer cycle, mirroring Sd_InitServerService.
func New(cfg Config, eventHandlers []*subscription.EventHandler, opts ...Option) *Service {
	s := &Service{
		Config:        cfg,
		EventHandlers: eventHandlers,
		logger:        slog.Default(),
		crit:          critical.NewNoop(),
		rand:          defaultRandRange,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.AutoAvailable {
		s.flags.Set(sdflags.Request)
	}
	return s
}

func (s *Service) Phase() Phase         { return s.phase }
func (s *Service) Flags() sdflags.Flags { return s.flags }

// ClearFlags lowers mask, called by the packer once a pending entry
// has actually been emitted.
func (s *Service) ClearFlags(mask sdflags.Flags) {
	s.crit.Enter()
	defer s.crit.Leave()
	s.flags.Clear(mask)
}

// SetState toggles REQUEST/RELEASE exactly as Sd_ServerServiceSetState
// does: the two are mutually exclusive, so raising one always lowers
// the other (SD_SET_CLEAR), making repeated calls idempotent.
func (s *Service) SetState(state State) {
	s.crit.Enter()
	defer s.crit.Leave()
	if state == Available {
		s.flags.SetClear(sdflags.Request, sdflags.Release)
	} else {
		s.flags.SetClear(sdflags.Release, sdflags.Request)
	}
}

func (s *Service) resetEventHandlers() {
	for _, eh := range s.EventHandlers {
		eh.Reset()
	}
}

// LinkControl opens or closes the service's socket connection to
// track phase, mirroring Sd_ServerServiceLinkControl. The instance
// manager must actually perform the requested Open/Close against
// soad.Adapter; this only updates the LINK_UP bookkeeping bit.
func (s *Service) LinkControl() LinkState {
	s.crit.Enter()
	defer s.crit.Leave()
	var ls LinkState
	if s.phase != PhaseDown {
		if !s.flags.Has(sdflags.LinkUp) {
			ls.Open = true
			s.flags.Set(sdflags.LinkUp)
		}
	} else if s.flags.Has(sdflags.LinkUp) {
		ls.Close = true
		s.flags.Clear(sdflags.LinkUp)
	}
	return ls
}

// Tick advances the offer-cycle state machine by one tick, per the
// transition table of §4.3 / Sd_ServerServiceMain_*.
func (s *Service) Tick() {
	s.crit.Enter()
	defer s.crit.Leave()
	switch s.phase {
	case PhaseDown:
		s.tickDown()
	case PhaseInitialWait:
		s.tickInitialWait()
	case PhaseRepetition:
		s.tickRepetition()
	case PhaseMain:
		s.tickMain()
	}
}

func (s *Service) tickDown() {
	if !s.flags.Has(sdflags.Request) {
		return
	}
	s.flags.Clear(sdflags.Request)
	s.resetEventHandlers()
	s.phase = PhaseInitialWait
	s.offerTimer = s.rand(s.Config.Timer.InitialOfferDelayMin, s.Config.Timer.InitialOfferDelayMax)
	s.logger.Debug("server service going up", "service", s.Config.ServiceID, "instance", s.Config.InstanceID)
}

func (s *Service) tickInitialWait() {
	if s.flags.Has(sdflags.Release) {
		s.flags.Clear(sdflags.Release)
		s.offerTimer = 0
		s.phase = PhaseDown
		return
	}
	if s.offerTimer <= 0 {
		return
	}
	s.offerTimer--
	if s.offerTimer != 0 {
		return
	}
	s.flags.Set(sdflags.PendingOffer)
	s.counter = 0
	if s.Config.Timer.InitialOfferRepetitionsMax > 0 {
		s.phase = PhaseRepetition
		s.offerTimer = s.Config.Timer.InitialOfferRepetitionBaseDelay
	} else {
		s.phase = PhaseMain
		s.offerTimer = s.Config.Timer.OfferCyclicDelay
	}
}

func (s *Service) tickRepetition() {
	if s.flags.Has(sdflags.Release) {
		s.flags.SetClear(sdflags.PendingStopOffer, sdflags.Release)
		s.resetEventHandlers()
		s.offerTimer = 0
		s.phase = PhaseDown
		return
	}
	if s.offerTimer <= 0 {
		return
	}
	s.offerTimer--
	if s.offerTimer != 0 {
		return
	}
	s.flags.Set(sdflags.PendingOffer)
	s.counter++
	if s.counter < s.Config.Timer.InitialOfferRepetitionsMax {
		s.offerTimer = s.Config.Timer.InitialOfferRepetitionBaseDelay << uint(s.counter)
	} else {
		s.phase = PhaseMain
		s.offerTimer = s.Config.Timer.OfferCyclicDelay
	}
}

func (s *Service) tickMain() {
	if s.flags.Has(sdflags.Release) {
		s.flags.SetClear(sdflags.PendingStopOffer, sdflags.Release)
		s.resetEventHandlers()
		s.offerTimer = 0
		s.phase = PhaseDown
		return
	}
	if s.offerTimer <= 0 {
		return
	}
	s.offerTimer--
	if s.offerTimer != 0 {
		return
	}
	s.flags.Set(sdflags.PendingOffer)
	if s.counter < 0xFF {
		s.counter++
	}
	s.offerTimer = s.Config.Timer.OfferCyclicDelay
}

func defaultRandRange(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.Intn(max-min+1)
}
