package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sigbridge/internal/testutil/testlog"
	"github.com/danmuck/sigbridge/internal/transport"
	"github.com/danmuck/sigbridge/internal/transport/memory"
)

// stepClock advances its own time by d on every After and fires immediately.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Unix(1700000000, 0)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	bus    *memory.Bus
	shared *Shared
	clock  *stepClock
	sub    *Handle
	pub    *Handle
}

func newFixture(opts memory.Options) *fixture {
	bus := memory.NewBus(opts)
	shared := NewShared(bus, transport.ClientConfig{})
	clock := newStepClock()
	return &fixture{
		bus:    bus,
		shared: shared,
		clock:  clock,
		sub:    NewHandle(KindSubscription, shared, clock, Config{}),
		pub:    NewHandle(KindPublication, shared, clock, Config{}),
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

type fixedJitter float64

func (f fixedJitter) Float64() float64 { return float64(f) }

func TestNextBackoffDelayJitterStaysCapped(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
		Jitter:       true,
	}
	if got := NextBackoffDelay(cfg, 1, fixedJitter(0)); got != 125*time.Millisecond {
		t.Fatalf("low jitter got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, fixedJitter(0.9)); got != 700*time.Millisecond {
		t.Fatalf("high jitter got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, fixedJitter(0.9)); got != time.Second {
		t.Fatalf("jittered delay must respect max, got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("nil source got=%v", got)
	}
	if got := NextBackoffDelay(BackoffConfig{Jitter: true}, 3, fixedJitter(0.5)); got != 0 {
		t.Fatalf("zero initial got=%v", got)
	}
}

func TestLockedRandSharedAcrossSupervisors(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	src := NewLockedRand(1)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 1; attempt <= 200; attempt++ {
				d := NextBackoffDelay(cfg, attempt%8+1, src)
				if d < cfg.InitialDelay/2 || d > cfg.MaxDelay {
					t.Errorf("delay out of range got=%v", d)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{ConnectTimeout: -1, FragmentLimit: -3}.WithDefaults()
	if cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("timeout got=%v", cfg.ConnectTimeout)
	}
	if cfg.PollInterval != DefaultPollInterval || cfg.FragmentLimit != DefaultFragmentLimit {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Backoff.InitialDelay <= 0 {
		t.Fatalf("backoff not defaulted %+v", cfg.Backoff)
	}
	if got := TimeoutFromMillis(0); got != 3*time.Second {
		t.Fatalf("TimeoutFromMillis(0) got=%v", got)
	}
	if got := TimeoutFromMillis(250); got != 250*time.Millisecond {
		t.Fatalf("TimeoutFromMillis(250) got=%v", got)
	}
}

func TestBeginRejectsInvalidTarget(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{})
	if err := f.sub.Begin("udp://x", 1, 0); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if err := f.sub.Begin("aeron:ipc", 0, 0); !errors.Is(err, ErrInvalidStreamID) {
		t.Fatalf("expected ErrInvalidStreamID, got %v", err)
	}
	if f.sub.State() != StateAbsent || f.shared.Open() {
		t.Fatalf("invalid target must not touch shared state")
	}
}

func TestConnectReachesActive(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{ReadyAfter: 3})
	if err := f.sub.Connect(context.Background(), "aeron:ipc", 1001, time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if f.sub.State() != StateActive {
		t.Fatalf("state got=%s", f.sub.State())
	}
	if f.shared.Refs() != 1 || f.bus.Connects() != 1 {
		t.Fatalf("refs=%d connects=%d", f.shared.Refs(), f.bus.Connects())
	}
	if err := f.sub.Begin("aeron:ipc", 1001, 0); !errors.Is(err, ErrHandleBusy) {
		t.Fatalf("expected ErrHandleBusy, got %v", err)
	}
}

func TestConnectTimeoutReturnsToAbsent(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{ReadyAfter: 1 << 30})
	err := f.sub.Connect(context.Background(), "aeron:ipc", 1001, 50*time.Millisecond)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if f.sub.State() != StateAbsent {
		t.Fatalf("state got=%s", f.sub.State())
	}
	if f.shared.Open() || f.bus.OpenClients() != 0 {
		t.Fatalf("shared client must be torn down after timeout")
	}
}

func TestAdvanceTimeoutUsesDeadline(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{ReadyAfter: 1 << 30})
	if err := f.pub.Begin("aeron:ipc", 5, 100*time.Millisecond); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if st, err := f.pub.Advance(); st != StateRequesting || err != nil {
		t.Fatalf("expected requesting, got st=%s err=%v", st, err)
	}
	f.clock.Advance(100 * time.Millisecond)
	if st, err := f.pub.Advance(); st != StateAbsent || !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected timeout, got st=%s err=%v", st, err)
	}
}

func TestReadinessErrorReturnsToAbsent(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{ReadyAfter: 2})
	boom := errors.New("registration rejected")
	if err := f.sub.Begin("aeron:ipc", 1, 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	f.bus.FailReadiness(boom)
	st, err := f.sub.Advance()
	if st != StateAbsent || !errors.Is(err, boom) {
		t.Fatalf("expected absent with cause, got st=%s err=%v", st, err)
	}
	if f.shared.Refs() != 0 || f.shared.Open() {
		t.Fatalf("refs=%d open=%v", f.shared.Refs(), f.shared.Open())
	}
}

func TestContextInitFailure(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{})
	f.bus.FailConnect(errors.New("no driver dir"))
	if err := f.sub.Begin("aeron:ipc", 1, 0); !errors.Is(err, ErrContextInit) {
		t.Fatalf("expected ErrContextInit, got %v", err)
	}
	if f.sub.State() != StateAbsent || f.shared.Refs() != 0 {
		t.Fatalf("state=%s refs=%d", f.sub.State(), f.shared.Refs())
	}
}

func TestAddFailureReleasesReference(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{})
	f.bus.FailAdd(errors.New("add refused"))
	if err := f.pub.Begin("aeron:ipc", 1, 0); err == nil {
		t.Fatalf("expected add failure")
	}
	if f.pub.State() != StateAbsent || f.shared.Open() {
		t.Fatalf("state=%s open=%v", f.pub.State(), f.shared.Open())
	}
}

func TestStopWhileRequesting(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{ReadyAfter: 1 << 30})
	if err := f.sub.Begin("aeron:ipc", 1, time.Second); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.sub.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.sub.State() != StateAbsent || f.shared.Open() {
		t.Fatalf("state=%s open=%v", f.sub.State(), f.shared.Open())
	}
	if st, err := f.sub.Advance(); st != StateAbsent || err != nil {
		t.Fatalf("advance after stop st=%s err=%v", st, err)
	}
	if err := f.sub.Stop(); err != nil {
		t.Fatalf("second stop must be a no-op: %v", err)
	}
}

func TestStopRacingConnectLeaksNothing(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{})
	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		h := f.sub
		if i%2 == 1 {
			h = f.pub
		}
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_ = h.Connect(ctx, "aeron:ipc", 9, time.Second)
		}()
		go func() {
			defer wg.Done()
			<-start
			_ = h.Stop()
		}()
		close(start)
		wg.Wait()
		if err := h.Stop(); err != nil {
			t.Fatalf("iteration %d final stop: %v", i, err)
		}
		if h.State() != StateAbsent || f.shared.Refs() != 0 || f.bus.OpenClients() != 0 {
			t.Fatalf("iteration %d state=%s refs=%d open=%d", i, h.State(), f.shared.Refs(), f.bus.OpenClients())
		}
		if n := f.bus.Subscribers("aeron:ipc", 9); n != 0 {
			t.Fatalf("iteration %d leaked subscriptions=%d", i, n)
		}
	}
}

func TestAwaitCancelledContextStops(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{ReadyAfter: 1 << 30})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.pub.Connect(ctx, "aeron:ipc", 1, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.pub.State() != StateAbsent || f.shared.Refs() != 0 {
		t.Fatalf("state=%s refs=%d", f.pub.State(), f.shared.Refs())
	}
}

func TestSharedClientOutlivesFirstStop(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{})
	ctx := context.Background()
	if err := f.sub.Connect(ctx, "aeron:ipc", 7, 0); err != nil {
		t.Fatalf("sub connect: %v", err)
	}
	if err := f.pub.Connect(ctx, "aeron:ipc", 7, 0); err != nil {
		t.Fatalf("pub connect: %v", err)
	}
	if f.bus.Connects() != 1 || f.shared.Refs() != 2 {
		t.Fatalf("connects=%d refs=%d", f.bus.Connects(), f.shared.Refs())
	}

	if _, err := f.pub.Offer([]byte("x")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	var got []string
	if n, err := f.sub.Poll(func(b []byte) { got = append(got, string(b)) }); n != 1 || err != nil {
		t.Fatalf("poll n=%d err=%v", n, err)
	}

	if err := f.sub.Stop(); err != nil {
		t.Fatalf("sub stop: %v", err)
	}
	if !f.shared.Open() {
		t.Fatalf("client must stay open while publisher is active")
	}
	if err := f.pub.Stop(); err != nil {
		t.Fatalf("pub stop: %v", err)
	}
	if f.shared.Open() || f.bus.OpenClients() != 0 {
		t.Fatalf("client must close once every handle is absent")
	}

	if err := f.sub.Connect(ctx, "aeron:ipc", 7, 0); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if f.bus.Connects() != 2 {
		t.Fatalf("expected fresh client, connects=%d", f.bus.Connects())
	}
}

func TestPollAndOfferRequireActive(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{})
	if _, err := f.sub.Poll(func([]byte) {}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := f.pub.Offer([]byte("x")); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestPollHonorsFragmentLimit(t *testing.T) {
	testlog.Start(t)
	f := newFixture(memory.Options{})
	if err := f.sub.Connect(context.Background(), "aeron:ipc", 3, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 15; i++ {
		f.bus.Inject("aeron:ipc", 3, []byte{byte(i)})
	}
	n, err := f.sub.Poll(func([]byte) {})
	if err != nil || n != DefaultFragmentLimit {
		t.Fatalf("first poll n=%d err=%v", n, err)
	}
	n, _ = f.sub.Poll(func([]byte) {})
	if n != 5 {
		t.Fatalf("second poll n=%d", n)
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	testlog.Start(t)
	s := NewShared(memory.NewBus(memory.Options{}), transport.ClientConfig{})
	if err := s.Release(); !errors.Is(err, ErrReleaseUnowned) {
		t.Fatalf("expected ErrReleaseUnowned, got %v", err)
	}
	if !s.Configure(transport.ClientConfig{Dir: "/dev/shm/x"}) {
		t.Fatalf("configure before open must apply")
	}
	if _, err := s.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if s.Configure(transport.ClientConfig{}) {
		t.Fatalf("configure while open must not apply")
	}
}
