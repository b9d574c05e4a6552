// Package memory is an in-process transport. Publications deliver straight
// into the buffers of subscriptions on the same channel/stream.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/sigbridge/internal/transport"
)

const DefaultMaxBuffered = 1024

// Options tune readiness latency and buffering.
type Options struct {
	// ReadyAfter is how many readiness polls report "pending" before an add completes.
	ReadyAfter int
	// MaxBuffered caps undelivered fragments per subscription; offers beyond it are back pressured.
	MaxBuffered int
}

type streamKey struct {
	channel  string
	streamID int32
}

// Bus is both the Driver and the broker shared by every client it creates.
type Bus struct {
	opts Options

	mu      sync.Mutex
	subs    map[streamKey][]*subscription
	failErr struct {
		connect, add, ready error
	}

	connects atomic.Int64
	closes   atomic.Int64
}

var _ transport.Driver = (*Bus)(nil)

func NewBus(opts Options) *Bus {
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = DefaultMaxBuffered
	}
	return &Bus{
		opts: opts,
		subs: make(map[streamKey][]*subscription),
	}
}

func (b *Bus) Name() string {
	return "memory"
}

func (b *Bus) Connect(cfg transport.ClientConfig) (transport.Client, error) {
	b.mu.Lock()
	err := b.failErr.connect
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b.connects.Add(1)
	return &client{
		bus:     b,
		pending: make(map[int64]*pending),
	}, nil
}

// FailConnect makes subsequent Connect calls return err (nil clears).
func (b *Bus) FailConnect(err error) {
	b.mu.Lock()
	b.failErr.connect = err
	b.mu.Unlock()
}

// FailAdd makes subsequent async adds return err (nil clears).
func (b *Bus) FailAdd(err error) {
	b.mu.Lock()
	b.failErr.add = err
	b.mu.Unlock()
}

// FailReadiness makes readiness polls return err (nil clears).
func (b *Bus) FailReadiness(err error) {
	b.mu.Lock()
	b.failErr.ready = err
	b.mu.Unlock()
}

// SetReadyAfter changes the readiness latency for adds issued afterwards.
func (b *Bus) SetReadyAfter(n int) {
	b.mu.Lock()
	b.opts.ReadyAfter = n
	b.mu.Unlock()
}

// Connects and Closes count client lifecycles, for shared-context assertions.
func (b *Bus) Connects() int64 { return b.connects.Load() }
func (b *Bus) Closes() int64   { return b.closes.Load() }

// OpenClients is Connects minus Closes.
func (b *Bus) OpenClients() int64 {
	return b.connects.Load() - b.closes.Load()
}

// Inject delivers buf to every subscription on channel/stream as if a remote
// publisher had sent it, returning the number of receivers.
func (b *Bus) Inject(channel string, streamID int32, buf []byte) int {
	n, _ := b.deliver(streamKey{channel, streamID}, buf)
	return n
}

// Subscribers returns the live subscription count on channel/stream.
func (b *Bus) Subscribers(channel string, streamID int32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[streamKey{channel, streamID}])
}

func (b *Bus) deliver(key streamKey, buf []byte) (int, error) {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.subs[key]...)
	b.mu.Unlock()
	if len(subs) == 0 {
		return 0, transport.ErrNotConnected
	}
	delivered := 0
	for _, s := range subs {
		if s.enqueue(buf, b.opts.MaxBuffered) {
			delivered++
		}
	}
	if delivered == 0 {
		return 0, transport.ErrBackPressured
	}
	return delivered, nil
}

func (b *Bus) attach(s *subscription) {
	b.mu.Lock()
	b.subs[s.key] = append(b.subs[s.key], s)
	b.mu.Unlock()
}

func (b *Bus) detach(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.key]
	for i, cur := range list {
		if cur == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, s.key)
		return
	}
	b.subs[s.key] = list
}

type settings struct {
	readyAfter int
	addErr     error
	readyErr   error
}

func (b *Bus) settings() settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return settings{
		readyAfter: b.opts.ReadyAfter,
		addErr:     b.failErr.add,
		readyErr:   b.failErr.ready,
	}
}
