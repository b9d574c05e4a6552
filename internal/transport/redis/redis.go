// Package redis carries frames over Redis PUBLISH/SUBSCRIBE. Each
// channel/stream pair maps to one Redis channel named by transport.TopicName.
package redis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/transport"
)

const (
	DefaultTopicPrefix = "sigbridge"
	defaultOpTimeout   = time.Second
	offerBuffer        = 256
)

// Driver opens Redis clients. When Client is set it is shared by every
// connection and never closed by the driver.
type Driver struct {
	Addr        string
	Password    string
	DB          int
	TopicPrefix string
	Client      *goredis.Client
}

var _ transport.Driver = (*Driver)(nil)

func (d *Driver) Name() string {
	return "redis"
}

func (d *Driver) Connect(cfg transport.ClientConfig) (transport.Client, error) {
	rdb, owned := d.Client, false
	if rdb == nil {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     d.Addr,
			Password: d.Password,
			DB:       d.DB,
		})
		owned = true
	}
	prefix := d.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	logging.Debugf("transport.redis.Connect addr=%q prefix=%q", d.Addr, prefix)
	return &client{
		rdb:     rdb,
		owned:   owned,
		prefix:  prefix,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int64]*pendingAdd),
	}, nil
}

type addKind int

const (
	addSubscription addKind = iota
	addPublication
)

type pendingAdd struct {
	kind  addKind
	topic string

	// subscribe confirmation or publication PING, filled by the add goroutine
	ps   *goredis.PubSub
	done chan struct{}
	err  error
}

type client struct {
	rdb     *goredis.Client
	owned   bool
	prefix  string
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingAdd
	subs    []*subscription
	closed  bool
}

func (c *client) register(p *pendingAdd) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, transport.ErrClientClosed
	}
	c.nextID++
	c.pending[c.nextID] = p
	return c.nextID, nil
}

func (c *client) take(id int64, kind addKind) (*pendingAdd, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClientClosed
	}
	p, ok := c.pending[id]
	if !ok || p.kind != kind {
		return nil, fmt.Errorf("%w: %d", transport.ErrUnknownRegistration, id)
	}
	return p, nil
}

func (c *client) AsyncAddSubscription(channel string, streamID int32) (int64, error) {
	topic := transport.TopicName(c.prefix, channel, streamID)
	p := &pendingAdd{
		kind:  addSubscription,
		topic: topic,
		ps:    c.rdb.Subscribe(c.ctx, topic),
		done:  make(chan struct{}),
	}
	id, err := c.register(p)
	if err != nil {
		_ = p.ps.Close()
		return 0, err
	}
	go func() {
		defer close(p.done)
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		// The first reply on a fresh PubSub is the subscribe confirmation.
		if _, err := p.ps.Receive(ctx); err != nil {
			p.err = err
		}
	}()
	return id, nil
}

func (c *client) PollSubscription(id int64) (transport.Subscription, error) {
	p, err := c.take(id, addSubscription)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.done:
	default:
		return nil, nil
	}
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	if p.err != nil {
		_ = p.ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", p.topic, p.err)
	}
	s := &subscription{ps: p.ps, ch: p.ps.Channel()}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

func (c *client) AsyncAddPublication(channel string, streamID int32) (int64, error) {
	p := &pendingAdd{
		kind:  addPublication,
		topic: transport.TopicName(c.prefix, channel, streamID),
		done:  make(chan struct{}),
	}
	id, err := c.register(p)
	if err != nil {
		return 0, err
	}
	go func() {
		defer close(p.done)
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		p.err = c.rdb.Ping(ctx).Err()
	}()
	return id, nil
}

// PollPublication completes once the server has answered PING.
func (c *client) PollPublication(id int64) (transport.Publication, error) {
	p, err := c.take(id, addPublication)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.done:
	default:
		return nil, nil
	}
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	if p.err != nil {
		return nil, fmt.Errorf("redis ping: %w", p.err)
	}
	return newPublication(c, p.topic), nil
}

func (c *client) Cancel(id int64) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok && p.ps != nil {
		return p.ps.Close()
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	pend := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.cancel()
	for _, p := range pend {
		if p.ps != nil {
			_ = p.ps.Close()
		}
	}
	for _, s := range subs {
		_ = s.Close()
	}
	if c.owned {
		return c.rdb.Close()
	}
	return nil
}

type subscription struct {
	ps *goredis.PubSub
	ch <-chan *goredis.Message

	mu     sync.Mutex
	closed bool
}

// Poll drains already received messages without blocking.
func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, transport.ErrClientClosed
	}
	n := 0
	for n < fragmentLimit {
		select {
		case m, ok := <-s.ch:
			if !ok {
				return n, transport.ErrClientClosed
			}
			handler([]byte(m.Payload))
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.ps.Close()
}

// publication hands offers to a sender goroutine so Offer never waits on the
// network. Receiver counts from completed PUBLISH replies drive ErrNotConnected;
// while disconnected, offers trigger a PUBSUB NUMSUB recheck instead of sending.
type publication struct {
	c       *client
	topic   string
	out     chan []byte
	recheck chan struct{}
	done    chan struct{}
	once    sync.Once

	connected atomic.Bool
	settled   atomic.Int64

	mu       sync.Mutex
	position int64
	closed   bool
	lastErr  error
}

func newPublication(c *client, topic string) *publication {
	p := &publication{
		c:       c,
		topic:   topic,
		out:     make(chan []byte, offerBuffer),
		recheck: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.connected.Store(true)
	go p.run()
	return p
}

func (p *publication) run() {
	for {
		select {
		case <-p.c.ctx.Done():
			return
		case <-p.done:
			return
		case b := <-p.out:
			ctx, cancel := context.WithTimeout(p.c.ctx, p.c.timeout)
			receivers, err := p.c.rdb.Publish(ctx, p.topic, b).Result()
			cancel()
			p.settle(receivers, err)
		case <-p.recheck:
			ctx, cancel := context.WithTimeout(p.c.ctx, p.c.timeout)
			counts, err := p.c.rdb.PubSubNumSub(ctx, p.topic).Result()
			cancel()
			p.settle(counts[p.topic], err)
		}
	}
}

func (p *publication) settle(receivers int64, err error) {
	if err != nil {
		logging.Warnf("transport.redis.publication topic=%q err=%v", p.topic, err)
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
	} else {
		p.connected.Store(receivers > 0)
	}
	p.settled.Add(1)
}

// Offer queues b for the sender. A failure from an earlier send is reported
// once by the next Offer.
func (p *publication) Offer(b []byte) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, transport.ErrPublicationClosed
	}
	if p.c.ctx.Err() != nil {
		return 0, transport.ErrClientClosed
	}
	if err := p.lastErr; err != nil {
		p.lastErr = nil
		return 0, fmt.Errorf("redis publish %s: %w", p.topic, err)
	}
	if !p.connected.Load() {
		select {
		case p.recheck <- struct{}{}:
		default:
		}
		return 0, transport.ErrNotConnected
	}
	select {
	case p.out <- append([]byte(nil), b...):
	default:
		return 0, transport.ErrBackPressured
	}
	p.position += int64(len(b))
	return p.position, nil
}

func (p *publication) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}
