package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/sigbridge/internal/errslot"
	"github.com/danmuck/sigbridge/internal/instrument"
	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/observability"
	"github.com/danmuck/sigbridge/internal/protocol/session"
	"github.com/danmuck/sigbridge/internal/signal"
	"github.com/danmuck/sigbridge/internal/transport"
)

// StartConfig is the host's subscribe request. A non-positive Timeout selects
// the 3s default.
type StartConfig struct {
	Dir      string
	Channel  string
	StreamID int32
	Timeout  time.Duration
}

// Subscriber receives frames on one subscription and queues translated records.
type Subscriber struct {
	// pollMu serialises fragment delivery so queue order matches stream order.
	pollMu sync.Mutex

	bridgeID   string
	handle     *session.Handle
	shared     *session.Shared
	translator *signal.Translator
	queue      *signal.Queue
	errs       *errslot.Slot
}

// Start subscribes and blocks until the subscription is active, the timeout
// elapses or ctx ends. It is a no-op when already active.
func (s *Subscriber) Start(ctx context.Context, cfg StartConfig) error {
	if err := session.ValidateTarget(cfg.Channel, cfg.StreamID); err != nil {
		return s.errs.Record(err)
	}
	if s.handle.State() == session.StateActive {
		return nil
	}
	if cfg.Dir != "" {
		if !s.shared.Configure(transport.ClientConfig{Dir: cfg.Dir, Timeout: session.NormalizeTimeout(cfg.Timeout)}) {
			logging.Warnf("bridge.Subscriber.Start id=%s dir=%q ignored, client already open", s.bridgeID, cfg.Dir)
		}
	}
	err := s.handle.Connect(ctx, cfg.Channel, cfg.StreamID, cfg.Timeout)
	observability.RecordConnect(session.KindSubscription.String(), err)
	if err != nil {
		return s.errs.Record(fmt.Errorf("subscribe %s/%d: %w", cfg.Channel, cfg.StreamID, err))
	}
	logging.Infof("bridge.Subscriber.Start id=%s channel=%q stream=%d", s.bridgeID, cfg.Channel, cfg.StreamID)
	return nil
}

// Subscribe is Start without a directory override.
func (s *Subscriber) Subscribe(ctx context.Context, channel string, streamID int32, timeout time.Duration) error {
	return s.Start(ctx, StartConfig{Channel: channel, StreamID: streamID, Timeout: timeout})
}

// Poll drains up to the fragment limit through the translate path and returns
// the number of fragments seen. An inactive subscriber polls zero. Concurrent
// callers take turns.
func (s *Subscriber) Poll() int {
	s.pollMu.Lock()
	n, err := s.handle.Poll(s.onFragment)
	s.pollMu.Unlock()
	if err != nil && !errors.Is(err, session.ErrNotActive) {
		s.errs.Record(fmt.Errorf("poll: %w", err))
	}
	return n
}

func (s *Subscriber) onFragment(b []byte) {
	rec, err := s.translator.Translate(b)
	switch {
	case err == nil:
	case signal.IsMalformed(err):
		observability.RecordFrame(observability.FrameMalformed)
		logging.Debugf("bridge.Subscriber.onFragment id=%s malformed err=%v", s.bridgeID, err)
		return
	case errors.Is(err, signal.ErrIgnoredAction):
		observability.RecordFrame(observability.FrameIgnored)
		return
	case errors.Is(err, instrument.ErrUnknownInstrument):
		observability.RecordFrame(observability.FrameUnmapped)
		s.errs.Record(err)
		return
	default:
		s.errs.Record(err)
		return
	}
	if !s.queue.Push(rec) {
		observability.RecordFrame(observability.FrameDropped)
		s.errs.Setf("signal queue full (capacity %d), dropped %s %s", s.queue.Cap(), rec.Action, rec.InstrumentName)
		return
	}
	observability.RecordFrame(observability.FrameAccepted)
	observability.SetQueueDepth(s.queue.Len())
}

func (s *Subscriber) HasMessage() bool {
	return s.queue.HasAny()
}

// NextMessage pops the oldest record as a host line.
func (s *Subscriber) NextMessage() (string, bool) {
	rec, ok := s.NextRecord()
	if !ok {
		return "", false
	}
	return rec.String(), true
}

func (s *Subscriber) NextRecord() (signal.Record, bool) {
	rec, ok := s.queue.Pop()
	if ok {
		observability.SetQueueDepth(s.queue.Len())
	}
	return rec, ok
}

func (s *Subscriber) Pending() int {
	return s.queue.Len()
}

func (s *Subscriber) State() session.State {
	return s.handle.State()
}

func (s *Subscriber) LastError() string {
	return s.errs.Get()
}

// Stop closes the subscription and discards queued records.
func (s *Subscriber) Stop() error {
	err := s.handle.Stop()
	if n := s.queue.Clear(); n > 0 {
		logging.Debugf("bridge.Subscriber.Stop id=%s discarded=%d", s.bridgeID, n)
	}
	observability.SetQueueDepth(0)
	if err != nil {
		return s.errs.Record(fmt.Errorf("stop subscriber: %w", err))
	}
	return nil
}
