package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/transport"
)

var (
	ErrConnectTimeout  = errors.New("session: connect timeout (media driver not running?)")
	ErrInvalidChannel  = errors.New("session: channel must start with " + transport.ChannelScheme)
	ErrInvalidStreamID = errors.New("session: stream id must be positive")
	ErrHandleBusy      = errors.New("session: handle already requesting or active")
	ErrNotActive       = errors.New("session: handle not active")
	ErrStopped         = errors.New("session: stopped while requesting")
)

// Handle drives one subscription or publication through its lifecycle.
// Requesting and Active handles each hold one reference on the Shared client.
type Handle struct {
	kind   Kind
	shared *Shared
	clock  Clock
	cfg    Config

	mu       sync.Mutex
	state    State
	gen      uint64
	channel  string
	streamID int32
	regID    int64
	deadline time.Time
	client   transport.Client
	sub      transport.Subscription
	pub      transport.Publication
}

func NewHandle(kind Kind, shared *Shared, clock Clock, cfg Config) *Handle {
	if clock == nil {
		clock = RealClock{}
	}
	return &Handle{
		kind:   kind,
		shared: shared,
		clock:  clock,
		cfg:    cfg.WithDefaults(),
	}
}

// ValidateTarget checks the channel scheme and stream id.
func ValidateTarget(channel string, streamID int32) error {
	if !transport.ValidChannel(channel) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if streamID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidStreamID, streamID)
	}
	return nil
}

// Begin validates the target, acquires the shared client and issues the async
// add. The handle is Requesting on success and Absent on any error.
func (h *Handle) Begin(channel string, streamID int32, timeout time.Duration) error {
	if err := ValidateTarget(channel, streamID); err != nil {
		return err
	}
	timeout = NormalizeTimeout(timeout)

	h.mu.Lock()
	if h.state != StateAbsent {
		st := h.state
		h.mu.Unlock()
		return fmt.Errorf("%w: state=%s", ErrHandleBusy, st)
	}
	h.state = StateRequesting
	h.gen++
	gen := h.gen
	h.channel = channel
	h.streamID = streamID
	h.mu.Unlock()

	client, err := h.shared.Acquire()
	if err != nil {
		h.abort(gen, nil)
		return err
	}
	var id int64
	switch h.kind {
	case KindPublication:
		id, err = client.AsyncAddPublication(channel, streamID)
	default:
		id, err = client.AsyncAddSubscription(channel, streamID)
	}
	if err != nil {
		h.abort(gen, client)
		return fmt.Errorf("session: add %s %s/%d: %w", h.kind, channel, streamID, err)
	}

	h.mu.Lock()
	if h.gen != gen || h.state != StateRequesting {
		// Stop raced with the add before the client was recorded, so the
		// reference taken above is still ours to drop.
		h.mu.Unlock()
		_ = client.Cancel(id)
		h.release()
		return ErrStopped
	}
	h.client = client
	h.regID = id
	h.deadline = h.clock.Now().Add(timeout)
	h.mu.Unlock()
	logging.Debugf("session.Handle.Begin kind=%s channel=%q stream=%d reg=%d timeout=%s", h.kind, channel, streamID, id, timeout)
	return nil
}

// abort returns a failed Begin to Absent and drops the shared reference if
// one was acquired.
func (h *Handle) abort(gen uint64, client transport.Client) {
	h.mu.Lock()
	if h.gen == gen && h.state == StateRequesting {
		h.reset()
	}
	h.mu.Unlock()
	if client != nil {
		h.release()
	}
}

// Advance performs one readiness poll. It returns the resulting state and, when
// the request resolved to Absent, the reason.
func (h *Handle) Advance() (State, error) {
	h.mu.Lock()
	if h.state != StateRequesting || h.client == nil {
		st := h.state
		h.mu.Unlock()
		return st, nil
	}
	gen, client, id, deadline := h.gen, h.client, h.regID, h.deadline
	h.mu.Unlock()

	var (
		sub transport.Subscription
		pub transport.Publication
		err error
	)
	if h.kind == KindPublication {
		pub, err = client.PollPublication(id)
	} else {
		sub, err = client.PollSubscription(id)
	}
	ready := sub != nil || pub != nil

	h.mu.Lock()
	if h.gen != gen || h.state != StateRequesting {
		st := h.state
		h.mu.Unlock()
		_ = closeResource(sub, pub)
		return st, ErrStopped
	}
	switch {
	case err != nil:
		h.reset()
		h.mu.Unlock()
		h.release()
		return StateAbsent, fmt.Errorf("session: %s readiness: %w", h.kind, err)
	case ready:
		h.sub, h.pub = sub, pub
		h.state = StateActive
		channel, streamID := h.channel, h.streamID
		h.mu.Unlock()
		logging.Infof("session.Handle.Advance active kind=%s channel=%q stream=%d", h.kind, channel, streamID)
		return StateActive, nil
	case !h.clock.Now().Before(deadline):
		h.reset()
		h.mu.Unlock()
		_ = client.Cancel(id)
		h.release()
		logging.Warnf("session.Handle.Advance timeout kind=%s reg=%d", h.kind, id)
		return StateAbsent, ErrConnectTimeout
	default:
		h.mu.Unlock()
		return StateRequesting, nil
	}
}

// Await polls readiness at the configured interval until the handle leaves
// Requesting or ctx is done.
func (h *Handle) Await(ctx context.Context) error {
	for {
		st, err := h.Advance()
		if err != nil {
			return err
		}
		if st != StateRequesting {
			if st == StateActive {
				return nil
			}
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			_ = h.Stop()
			return ctx.Err()
		case <-h.clock.After(h.cfg.PollInterval):
		}
	}
}

// Connect is Begin followed by Await.
func (h *Handle) Connect(ctx context.Context, channel string, streamID int32, timeout time.Duration) error {
	if err := h.Begin(channel, streamID, timeout); err != nil {
		return err
	}
	return h.Await(ctx)
}

// Stop closes an Active resource or abandons a pending request, then drops
// the shared reference. Stopping an Absent handle is a no-op.
func (h *Handle) Stop() error {
	h.mu.Lock()
	switch h.state {
	case StateAbsent, StateClosing:
		h.mu.Unlock()
		return nil
	}
	prev := h.state
	client, id, sub, pub := h.client, h.regID, h.sub, h.pub
	h.state = StateClosing
	h.gen++
	h.mu.Unlock()

	var err error
	if prev == StateRequesting && client != nil {
		err = client.Cancel(id)
	}
	if cerr := closeResource(sub, pub); cerr != nil && err == nil {
		err = cerr
	}

	h.mu.Lock()
	h.reset()
	h.mu.Unlock()
	// A Requesting handle that has not reached Acquire yet holds no reference.
	if client != nil {
		if rerr := h.shared.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}
	logging.Debugf("session.Handle.Stop kind=%s from=%s", h.kind, prev)
	return err
}

// Poll delivers up to the fragment limit to handler. The handle lock is not
// held during delivery.
func (h *Handle) Poll(handler transport.FragmentHandler) (int, error) {
	h.mu.Lock()
	sub := h.sub
	h.mu.Unlock()
	if sub == nil {
		return 0, ErrNotActive
	}
	return sub.Poll(handler, h.cfg.FragmentLimit)
}

// Offer sends one buffer on an Active publication.
func (h *Handle) Offer(buf []byte) (int64, error) {
	h.mu.Lock()
	pub := h.pub
	h.mu.Unlock()
	if pub == nil {
		return 0, ErrNotActive
	}
	return pub.Offer(buf)
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Kind() Kind { return h.kind }

func (h *Handle) Channel() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channel
}

func (h *Handle) StreamID() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamID
}

// reset returns the handle to Absent. Caller holds mu.
func (h *Handle) reset() {
	h.state = StateAbsent
	h.client = nil
	h.regID = 0
	h.deadline = time.Time{}
	h.sub = nil
	h.pub = nil
}

func (h *Handle) release() {
	if err := h.shared.Release(); err != nil {
		logging.Warnf("session.Handle.release kind=%s err=%v", h.kind, err)
	}
}

func closeResource(sub transport.Subscription, pub transport.Publication) error {
	if sub != nil {
		return sub.Close()
	}
	if pub != nil {
		return pub.Close()
	}
	return nil
}
