package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sigbridge/internal/instrument"
	"github.com/danmuck/sigbridge/internal/protocol/frame"
	"github.com/danmuck/sigbridge/internal/protocol/session"
	"github.com/danmuck/sigbridge/internal/testutil/testlog"
	"github.com/danmuck/sigbridge/internal/transport"
	"github.com/danmuck/sigbridge/internal/transport/memory"
)

const (
	ipcChannel = "aeron:ipc"
	udpChannel = "aeron:udp?endpoint=127.0.0.1:40123"
	streamID   = int32(1001)
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
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

func newBridge(t *testing.T, opts memory.Options, queueCap int) (*Bridge, *memory.Bus) {
	t.Helper()
	bus := memory.NewBus(opts)
	b := New(Options{
		Driver:        bus,
		Clock:         &stepClock{now: time.Unix(1700000000, 0)},
		QueueCapacity: queueCap,
	})
	t.Cleanup(func() { _ = b.Close() })
	return b, bus
}

func esLong() frame.Signal {
	return frame.Signal{
		Action:            frame.ActionLongEntry1,
		Timestamp:         1700000000000000000,
		LongStopTicks:     40,
		ProfitTargetTicks: 80,
		Quantity:          2,
		Confidence:        0.75,
		Symbol:            "ES",
		Instrument:        "ES MAR26",
		Source:            "AtomSetupV2Aeron",
	}
}

func encode(t *testing.T, s frame.Signal) []byte {
	t.Helper()
	buf, err := frame.Encode(s)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf[:]
}

func TestPublishToSubscribeRoundTrip(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{ReadyAfter: 2}, 0)
	ctx := context.Background()

	if err := b.Subscriber().Start(ctx, StartConfig{Channel: ipcChannel, StreamID: streamID}); err != nil {
		t.Fatalf("subscriber start: %v", err)
	}
	if err := b.Publisher().Start(ctx, 0, ModeIPC.Targets(ipcChannel, udpChannel, streamID)...); err != nil {
		t.Fatalf("publisher start: %v", err)
	}
	if bus.Connects() != 1 {
		t.Fatalf("subscriber and publisher must share one client, connects=%d", bus.Connects())
	}

	if err := b.Publisher().PublishSignal(esLong()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := b.Subscriber().Poll(); n != 1 {
		t.Fatalf("poll n=%d", n)
	}
	if !b.Subscriber().HasMessage() {
		t.Fatalf("expected queued message")
	}
	got, ok := b.Subscriber().NextMessage()
	want := "1,2,100,200,0.75,ES,SPX500,AtomSetupV2Aeron,ES MAR26"
	if !ok || got != want {
		t.Fatalf("message got=%q want=%q", got, want)
	}
	if _, ok := b.Subscriber().NextMessage(); ok {
		t.Fatalf("queue must be empty")
	}
	if b.LastError() != "" {
		t.Fatalf("unexpected error %q", b.LastError())
	}
}

func TestPollWithoutStartReturnsZero(t *testing.T) {
	testlog.Start(t)
	b, _ := newBridge(t, memory.Options{}, 0)
	if n := b.Subscriber().Poll(); n != 0 {
		t.Fatalf("poll n=%d", n)
	}
	if b.LastError() != "" {
		t.Fatalf("inactive poll must not set error, got %q", b.LastError())
	}
}

func TestMalformedAndIgnoredFramesAreSilent(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{}, 0)
	if err := b.Subscriber().Subscribe(context.Background(), ipcChannel, streamID, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	exit := esLong()
	exit.Action = frame.ActionLongExit
	badMagic := encode(t, esLong())
	badMagic[0] ^= 0xFF

	bus.Inject(ipcChannel, streamID, []byte{1, 2, 3})
	bus.Inject(ipcChannel, streamID, badMagic)
	bus.Inject(ipcChannel, streamID, encode(t, exit))

	if n := b.Subscriber().Poll(); n != 3 {
		t.Fatalf("poll n=%d", n)
	}
	if b.Subscriber().HasMessage() {
		t.Fatalf("no record expected")
	}
	if b.LastError() != "" {
		t.Fatalf("dropped frames must not set error, got %q", b.LastError())
	}
}

func TestUnmappedInstrumentPolicy(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{}, 0)
	if err := b.Subscriber().Subscribe(context.Background(), ipcChannel, streamID, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s := esLong()
	s.Symbol = "ZB"
	s.Instrument = "ZB JUN26"

	bus.Inject(ipcChannel, streamID, encode(t, s))
	b.Subscriber().Poll()
	if b.Subscriber().HasMessage() {
		t.Fatalf("strict policy must drop unmapped")
	}
	if !strings.Contains(b.LastError(), "unknown instrument") {
		t.Fatalf("expected unknown instrument error, got %q", b.LastError())
	}

	if err := b.SetUnmappedPolicy(instrument.Policy{AllowPassThrough: true}); err == nil {
		t.Fatalf("pass-through without sizes must fail")
	}
	if err := b.SetUnmappedPolicy(instrument.Policy{AllowPassThrough: true, DefaultTickSize: 1, DefaultPointSize: 1}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	bus.Inject(ipcChannel, streamID, encode(t, s))
	b.Subscriber().Poll()
	got, ok := b.Subscriber().NextMessage()
	if !ok || got != "1,2,40,80,0.75,ZB,ZB,AtomSetupV2Aeron,ZB JUN26" {
		t.Fatalf("pass-through got=%q ok=%v", got, ok)
	}
}

func TestRegisterInstrumentOverridesDefault(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{}, 0)
	if err := b.RegisterInstrument("", "X", 1, 1); !errors.Is(err, instrument.ErrInvalidMapping) {
		t.Fatalf("expected ErrInvalidMapping, got %v", err)
	}
	if b.LastError() == "" {
		t.Fatalf("invalid registration must set error")
	}
	if err := b.RegisterInstrument("ES", "US500", 0.25, 0.25); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.Subscriber().Subscribe(context.Background(), ipcChannel, streamID, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Inject(ipcChannel, streamID, encode(t, esLong()))
	b.Subscriber().Poll()
	rec, ok := b.Subscriber().NextRecord()
	if !ok || rec.DestinationSymbol != "US500" || rec.StopLossPoints != 40 {
		t.Fatalf("record got=%+v ok=%v", rec, ok)
	}
}

func TestQueueFullDropsNewest(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{}, 2)
	if err := b.Subscriber().Subscribe(context.Background(), ipcChannel, streamID, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for q := int32(1); q <= 3; q++ {
		s := esLong()
		s.Quantity = q
		bus.Inject(ipcChannel, streamID, encode(t, s))
	}
	b.Subscriber().Poll()
	if b.Subscriber().Pending() != 2 {
		t.Fatalf("pending=%d", b.Subscriber().Pending())
	}
	if !strings.Contains(b.LastError(), "queue full") {
		t.Fatalf("expected queue full error, got %q", b.LastError())
	}
	first, _ := b.Subscriber().NextRecord()
	second, _ := b.Subscriber().NextRecord()
	if first.Quantity != 1 || second.Quantity != 2 {
		t.Fatalf("oldest must be kept, got %d,%d", first.Quantity, second.Quantity)
	}
}

func TestConcurrentPollKeepsStreamOrder(t *testing.T) {
	testlog.Start(t)
	const frames = 400
	b, bus := newBridge(t, memory.Options{}, 1000)
	if err := b.Subscriber().Subscribe(context.Background(), ipcChannel, streamID, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for round := 0; round < 20; round++ {
		for q := int32(1); q <= frames; q++ {
			s := esLong()
			s.Quantity = q
			bus.Inject(ipcChannel, streamID, encode(t, s))
		}
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for b.Subscriber().Poll() > 0 {
				}
			}()
		}
		close(start)
		wg.Wait()
		if got := b.Subscriber().Pending(); got != frames {
			t.Fatalf("round %d pending got=%d", round, got)
		}
		for want := int32(1); want <= frames; want++ {
			rec, ok := b.Subscriber().NextRecord()
			if !ok || rec.Quantity != want {
				t.Fatalf("round %d out of order got=%d want=%d ok=%v", round, rec.Quantity, want, ok)
			}
		}
	}
}

func TestStartValidation(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{}, 0)
	ctx := context.Background()
	if err := b.Subscriber().Start(ctx, StartConfig{Channel: "udp://127.0.0.1:1", StreamID: 1}); !errors.Is(err, session.ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if err := b.Subscriber().Start(ctx, StartConfig{Channel: ipcChannel, StreamID: -1}); !errors.Is(err, session.ErrInvalidStreamID) {
		t.Fatalf("expected ErrInvalidStreamID, got %v", err)
	}
	if b.LastError() == "" {
		t.Fatalf("validation errors must be recorded")
	}
	if bus.Connects() != 0 {
		t.Fatalf("validation must not connect, connects=%d", bus.Connects())
	}
}

func TestStartTimeout(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{ReadyAfter: 1 << 30}, 0)
	err := b.Subscriber().Start(context.Background(), StartConfig{Channel: ipcChannel, StreamID: streamID, Timeout: 10 * time.Millisecond})
	if !errors.Is(err, session.ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if !strings.Contains(b.LastError(), "media driver not running") {
		t.Fatalf("unexpected error text %q", b.LastError())
	}
	if b.Subscriber().State() != session.StateAbsent || bus.OpenClients() != 0 {
		t.Fatalf("state=%s open=%d", b.Subscriber().State(), bus.OpenClients())
	}
}

func TestStartIsIdempotentWhenActive(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{}, 0)
	ctx := context.Background()
	cfg := StartConfig{Channel: ipcChannel, StreamID: streamID}
	if err := b.Subscriber().Start(ctx, cfg); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := b.Subscriber().Start(ctx, cfg); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if bus.Subscribers(ipcChannel, streamID) != 1 {
		t.Fatalf("subscribers=%d", bus.Subscribers(ipcChannel, streamID))
	}
}

func TestPublishErrors(t *testing.T) {
	testlog.Start(t)
	b, _ := newBridge(t, memory.Options{}, 0)
	if err := b.Publisher().PublishSignal(esLong()); !errors.Is(err, ErrNoPublications) {
		t.Fatalf("expected ErrNoPublications, got %v", err)
	}
	if err := b.Publisher().PublishFrame(make([]byte, 10)); !errors.Is(err, ErrInvalidFrame) || !errors.Is(err, frame.ErrShortFrame) {
		t.Fatalf("expected invalid short frame, got %v", err)
	}
	bad := esLong()
	bad.Source = strings.Repeat("x", frame.SourceLen+1)
	if err := b.Publisher().PublishSignal(bad); !errors.Is(err, frame.ErrFieldTooLong) {
		t.Fatalf("expected ErrFieldTooLong, got %v", err)
	}
}

func TestPublishBothReportsUnconnectedTarget(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{}, 0)
	ctx := context.Background()
	if err := b.Subscriber().Subscribe(ctx, ipcChannel, streamID, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publisher().Start(ctx, 0, ModeBoth.Targets(ipcChannel, udpChannel, streamID)...); err != nil {
		t.Fatalf("publisher start: %v", err)
	}
	if got := len(b.Publisher().Targets()); got != 2 {
		t.Fatalf("targets=%d", got)
	}

	err := b.Publisher().PublishFrame(encode(t, esLong()))
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected not connected on udp, got %v", err)
	}
	if !strings.Contains(b.LastError(), "not_connected") {
		t.Fatalf("error slot got=%q", b.LastError())
	}
	if n := b.Subscriber().Poll(); n != 1 {
		t.Fatalf("ipc delivery must still happen, n=%d", n)
	}

	if bus.Inject(udpChannel, streamID, encode(t, esLong())) != 0 {
		t.Fatalf("udp has no subscribers")
	}
}

func TestCloseReleasesSharedClient(t *testing.T) {
	testlog.Start(t)
	b, bus := newBridge(t, memory.Options{}, 0)
	ctx := context.Background()
	if err := b.Subscriber().Subscribe(ctx, ipcChannel, streamID, 0); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publisher().Start(ctx, 0, Target{Name: "ipc", Channel: ipcChannel, StreamID: streamID}); err != nil {
		t.Fatalf("publisher start: %v", err)
	}
	bus.Inject(ipcChannel, streamID, encode(t, esLong()))
	b.Subscriber().Poll()

	if err := b.Subscriber().Stop(); err != nil {
		t.Fatalf("stop subscriber: %v", err)
	}
	if b.Subscriber().HasMessage() {
		t.Fatalf("stop must clear the queue")
	}
	if st := b.Status(); !st.ClientOpen || st.ClientRefs != 1 {
		t.Fatalf("publisher still holds the client, status=%+v", st)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if bus.OpenClients() != 0 {
		t.Fatalf("open clients=%d", bus.OpenClients())
	}
}

func TestParsePublishModeAndTargets(t *testing.T) {
	testlog.Start(t)
	for in, want := range map[string]PublishMode{"": ModeNone, "IPC": ModeIPC, " udp ": ModeUDP, "both": ModeBoth} {
		got, err := ParsePublishMode(in)
		if err != nil || got != want {
			t.Fatalf("in=%q got=%q err=%v", in, got, err)
		}
	}
	if _, err := ParsePublishMode("multicast"); !errors.Is(err, ErrInvalidPublishMode) {
		t.Fatalf("expected ErrInvalidPublishMode, got %v", err)
	}
	if n := len(ModeNone.Targets(ipcChannel, udpChannel, 1)); n != 0 {
		t.Fatalf("none targets=%d", n)
	}
	both := ModeBoth.Targets(ipcChannel, udpChannel, 1)
	if len(both) != 2 || both[0].Channel != ipcChannel || both[1].Channel != udpChannel {
		t.Fatalf("both targets=%+v", both)
	}
}

func TestEntryRisk(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		action                 frame.Action
		long, short, objective int32
	}{
		{frame.ActionLongEntry1, 40, 0, 0},
		{frame.ActionLongEntry2, 40, 0, 60},
		{frame.ActionShortEntry1, 0, 40, 0},
		{frame.ActionShortEntry2, 0, 40, 60},
		{frame.ActionLongExit, 0, 0, 0},
		{frame.ActionProfitTarget, 0, 0, 0},
	}
	for _, tc := range cases {
		l, s, p := EntryRisk(tc.action, 40, 20)
		if l != tc.long || s != tc.short || p != tc.objective {
			t.Fatalf("action=%s got=(%d,%d,%d)", tc.action, l, s, p)
		}
	}
}
