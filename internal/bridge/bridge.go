// Package bridge wires the frame codec, instrument map, signal queue and
// session lifecycle into the host-facing subscriber and publisher.
//
// Ownership boundary:
// - one Subscriber and one Publisher per Bridge, sharing a session.Shared
// - error slot and instrument map shared by both sides
// - host-driven polling; no goroutine consumes frames on its own
package bridge

import (
	"github.com/google/uuid"

	"github.com/danmuck/sigbridge/internal/errslot"
	"github.com/danmuck/sigbridge/internal/instrument"
	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/protocol/session"
	"github.com/danmuck/sigbridge/internal/signal"
	"github.com/danmuck/sigbridge/internal/transport"
)

// Options configures a Bridge. Driver is required.
type Options struct {
	Driver        transport.Driver
	Client        transport.ClientConfig
	Session       session.Config
	Clock         session.Clock
	QueueCapacity int
	// Instruments is shared when set; otherwise a fresh map with built-in defaults.
	Instruments *instrument.Map
}

type Bridge struct {
	id          string
	shared      *session.Shared
	instruments *instrument.Map
	errs        *errslot.Slot
	sub         *Subscriber
	pub         *Publisher
}

// Status is a point-in-time view for the host API.
type Status struct {
	ID              string   `json:"id"`
	Driver          string   `json:"driver"`
	Subscription    string   `json:"subscription"`
	Publications    []Target `json:"publications"`
	QueueDepth      int      `json:"queue_depth"`
	QueueCapacity   int      `json:"queue_capacity"`
	ClientOpen      bool     `json:"client_open"`
	ClientRefs      int      `json:"client_refs"`
	UnmappedPolicy  string   `json:"unmapped_policy"`
	InstrumentCount int      `json:"instrument_count"`
	LastError       string   `json:"last_error,omitempty"`
}

func New(opts Options) *Bridge {
	if opts.Clock == nil {
		opts.Clock = session.RealClock{}
	}
	if opts.Instruments == nil {
		opts.Instruments = instrument.NewMap()
	}
	cfg := opts.Session.WithDefaults()
	b := &Bridge{
		id:          uuid.NewString(),
		shared:      session.NewShared(opts.Driver, opts.Client),
		instruments: opts.Instruments,
		errs:        errslot.New(),
	}
	b.sub = &Subscriber{
		bridgeID:   b.id,
		handle:     session.NewHandle(session.KindSubscription, b.shared, opts.Clock, cfg),
		shared:     b.shared,
		translator: signal.NewTranslator(b.instruments),
		queue:      signal.NewQueue(opts.QueueCapacity),
		errs:       b.errs,
	}
	b.pub = &Publisher{
		bridgeID: b.id,
		shared:   b.shared,
		clock:    opts.Clock,
		cfg:      cfg,
		errs:     b.errs,
	}
	logging.Infof("bridge.New id=%s driver=%s queue_cap=%d", b.id, b.shared.DriverName(), b.sub.queue.Cap())
	return b
}

func (b *Bridge) ID() string                   { return b.id }
func (b *Bridge) Subscriber() *Subscriber      { return b.sub }
func (b *Bridge) Publisher() *Publisher        { return b.pub }
func (b *Bridge) Instruments() *instrument.Map { return b.instruments }

// RegisterInstrument adds or replaces a prefix mapping. Invalid input is
// recorded in the error slot and leaves the table untouched.
func (b *Bridge) RegisterInstrument(prefix, symbol string, tickSize, pointSize float64) error {
	if err := b.instruments.Register(prefix, symbol, tickSize, pointSize); err != nil {
		return b.errs.Record(err)
	}
	logging.Infof("bridge.RegisterInstrument prefix=%q symbol=%q tick=%v point=%v", prefix, symbol, tickSize, pointSize)
	return nil
}

func (b *Bridge) SetUnmappedPolicy(p instrument.Policy) error {
	if err := b.instruments.SetPolicy(p); err != nil {
		return b.errs.Record(err)
	}
	logging.Infof("bridge.SetUnmappedPolicy allow=%v tick=%v point=%v", p.AllowPassThrough, p.DefaultTickSize, p.DefaultPointSize)
	return nil
}

func (b *Bridge) LastError() string { return b.errs.Get() }
func (b *Bridge) ClearError()       { b.errs.Clear() }

func (b *Bridge) Status() Status {
	policy := "strict"
	if b.instruments.Policy().AllowPassThrough {
		policy = "pass_through"
	}
	return Status{
		ID:              b.id,
		Driver:          b.shared.DriverName(),
		Subscription:    b.sub.State().String(),
		Publications:    b.pub.Targets(),
		QueueDepth:      b.sub.queue.Len(),
		QueueCapacity:   b.sub.queue.Cap(),
		ClientOpen:      b.shared.Open(),
		ClientRefs:      b.shared.Refs(),
		UnmappedPolicy:  policy,
		InstrumentCount: b.instruments.Len(),
		LastError:       b.errs.Get(),
	}
}

// Close stops both sides. The shared client closes with the last handle.
func (b *Bridge) Close() error {
	serr := b.sub.Stop()
	perr := b.pub.Stop()
	if serr != nil {
		return serr
	}
	return perr
}
