package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/sigbridge/internal/errslot"
	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/observability"
	"github.com/danmuck/sigbridge/internal/protocol/frame"
	"github.com/danmuck/sigbridge/internal/protocol/session"
)

var (
	ErrNoPublications = errors.New("bridge: no active publications")
	ErrInvalidFrame   = errors.New("bridge: invalid frame")
)

// Target names one publication channel/stream.
type Target struct {
	Name     string `json:"name"`
	Channel  string `json:"channel"`
	StreamID int32  `json:"stream_id"`
	State    string `json:"state,omitempty"`
}

type output struct {
	target Target
	handle *session.Handle
}

// Publisher offers frames on every active publication.
type Publisher struct {
	bridgeID string
	shared   *session.Shared
	clock    session.Clock
	cfg      session.Config
	errs     *errslot.Slot

	mu      sync.Mutex
	outputs []*output
}

// Start establishes a publication for each target not already active. Targets
// that fail stay absent; the joined error is recorded and returned.
func (p *Publisher) Start(ctx context.Context, timeout time.Duration, targets ...Target) error {
	for _, t := range targets {
		if err := session.ValidateTarget(t.Channel, t.StreamID); err != nil {
			return p.errs.Record(err)
		}
	}
	var errs []error
	for _, t := range targets {
		o := p.outputFor(t)
		if o.handle.State() == session.StateActive {
			continue
		}
		err := o.handle.Connect(ctx, t.Channel, t.StreamID, timeout)
		observability.RecordConnect(session.KindPublication.String(), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s %s/%d: %w", t.Name, t.Channel, t.StreamID, err))
			continue
		}
		logging.Infof("bridge.Publisher.Start id=%s name=%s channel=%q stream=%d", p.bridgeID, t.Name, t.Channel, t.StreamID)
	}
	return p.errs.Record(errors.Join(errs...))
}

func (p *Publisher) outputFor(t Target) *output {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.outputs {
		if o.target.Channel == t.Channel && o.target.StreamID == t.StreamID {
			return o
		}
	}
	o := &output{
		target: t,
		handle: session.NewHandle(session.KindPublication, p.shared, p.clock, p.cfg),
	}
	p.outputs = append(p.outputs, o)
	return o
}

// PublishFrame validates raw as a frame and offers its first frame.Size bytes.
func (p *Publisher) PublishFrame(raw []byte) error {
	if _, err := frame.Decode(raw); err != nil {
		return p.errs.Record(fmt.Errorf("%w: %w", ErrInvalidFrame, err))
	}
	return p.offer(raw[:frame.Size])
}

// PublishSignal encodes s and offers it. A zero timestamp is stamped with the
// current time.
func (p *Publisher) PublishSignal(s frame.Signal) error {
	if s.Timestamp == 0 {
		s.Timestamp = p.clock.Now().UnixNano()
	}
	buf, err := frame.Encode(s)
	if err != nil {
		return p.errs.Record(fmt.Errorf("%w: %w", ErrInvalidFrame, err))
	}
	return p.offer(buf[:])
}

func (p *Publisher) offer(buf []byte) error {
	p.mu.Lock()
	outs := append([]*output(nil), p.outputs...)
	p.mu.Unlock()

	var (
		errs []error
		sent int
	)
	for _, o := range outs {
		if o.handle.State() != session.StateActive {
			continue
		}
		_, err := o.handle.Offer(buf)
		result := observability.RecordOffer(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("offer %s %s/%d (%s): %w", o.target.Name, o.target.Channel, o.target.StreamID, result, err))
			continue
		}
		sent++
	}
	if sent == 0 && len(errs) == 0 {
		return p.errs.Record(ErrNoPublications)
	}
	return p.errs.Record(errors.Join(errs...))
}

// Targets lists configured publications with their lifecycle state.
func (p *Publisher) Targets() []Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Target, 0, len(p.outputs))
	for _, o := range p.outputs {
		t := o.target
		t.State = o.handle.State().String()
		out = append(out, t)
	}
	return out
}

// Stop closes every publication.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	outs := p.outputs
	p.outputs = nil
	p.mu.Unlock()
	var errs []error
	for _, o := range outs {
		if err := o.handle.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return p.errs.Record(errors.Join(errs...))
}

// EntryRisk fills stop and target ticks the way the strategy publisher does:
// entry 2 carries a target of stop+offset, entry 1 none, and every other action
// carries no risk fields.
func EntryRisk(action frame.Action, stopTicks, profitOffsetTicks int32) (longStop, shortStop, target int32) {
	switch action {
	case frame.ActionLongEntry1:
		return stopTicks, 0, 0
	case frame.ActionLongEntry2:
		return stopTicks, 0, stopTicks + profitOffsetTicks
	case frame.ActionShortEntry1:
		return 0, stopTicks, 0
	case frame.ActionShortEntry2:
		return 0, stopTicks, stopTicks + profitOffsetTicks
	default:
		return 0, 0, 0
	}
}
