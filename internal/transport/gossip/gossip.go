// Package gossip carries frames over libp2p gossipsub. Each channel/stream
// pair is one pubsub topic; received messages are buffered until the host
// polls them.
package gossip

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/transport"
)

const (
	DefaultTopicPrefix = "sigbridge"
	DefaultBuffer      = 1024
)

type Driver struct {
	ListenAddr  string
	Bootstrap   []string
	TopicPrefix string
	// Buffer caps undelivered messages per subscription; extra messages are dropped.
	Buffer int
}

var _ transport.Driver = (*Driver)(nil)

func (d *Driver) Name() string {
	return "gossip"
}

func (d *Driver) Connect(cfg transport.ClientConfig) (transport.Client, error) {
	var opts []libp2p.Option
	if d.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(d.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}
	for _, bs := range d.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			logging.Warnf("transport.gossip.Connect bootstrap_failed addr=%q err=%v", bs, err)
		}
	}
	prefix := d.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	buffer := d.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	logging.Infof("transport.gossip.Connect peer=%s listen=%q", h.ID(), d.ListenAddr)
	return &client{
		h:       h,
		ps:      ps,
		ctx:     ctx,
		cancel:  cancel,
		prefix:  prefix,
		buffer:  buffer,
		topics:  make(map[string]*pubsub.Topic),
		local:   make(map[string]int),
		pending: make(map[int64]pendingAdd),
	}, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

type addKind int

const (
	addSubscription addKind = iota
	addPublication
)

type pendingAdd struct {
	kind  addKind
	topic string
}

type client struct {
	h      host.Host
	ps     *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	prefix string
	buffer int

	mu      sync.Mutex
	topics  map[string]*pubsub.Topic
	local   map[string]int // live local subscriptions per topic
	nextID  int64
	pending map[int64]pendingAdd
	subs    []*subscription
	closed  bool
}

// Host exposes the libp2p host, for dialing peers in tests and tooling.
func Host(c transport.Client) (host.Host, bool) {
	gc, ok := c.(*client)
	if !ok {
		return nil, false
	}
	return gc.h, true
}

// join returns the cached topic handle; pubsub allows one Join per topic.
// Caller holds mu.
func (c *client) join(name string) (*pubsub.Topic, error) {
	if t, ok := c.topics[name]; ok {
		return t, nil
	}
	t, err := c.ps.Join(name)
	if err != nil {
		return nil, err
	}
	c.topics[name] = t
	return t, nil
}

func (c *client) asyncAdd(kind addKind, channel string, streamID int32) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, transport.ErrClientClosed
	}
	c.nextID++
	c.pending[c.nextID] = pendingAdd{kind: kind, topic: transport.TopicName(c.prefix, channel, streamID)}
	return c.nextID, nil
}

func (c *client) take(id int64, kind addKind) (pendingAdd, error) {
	if c.closed {
		return pendingAdd{}, transport.ErrClientClosed
	}
	p, ok := c.pending[id]
	if !ok || p.kind != kind {
		return pendingAdd{}, fmt.Errorf("%w: %d", transport.ErrUnknownRegistration, id)
	}
	delete(c.pending, id)
	return p, nil
}

func (c *client) AsyncAddSubscription(channel string, streamID int32) (int64, error) {
	return c.asyncAdd(addSubscription, channel, streamID)
}

func (c *client) PollSubscription(id int64) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.take(id, addSubscription)
	if err != nil {
		return nil, err
	}
	t, err := c.join(p.topic)
	if err != nil {
		return nil, fmt.Errorf("gossip join %s: %w", p.topic, err)
	}
	ps, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("gossip subscribe %s: %w", p.topic, err)
	}
	s := &subscription{
		c:     c,
		topic: p.topic,
		sub:   ps,
		ch:    make(chan []byte, c.buffer),
	}
	c.local[p.topic]++
	c.subs = append(c.subs, s)
	go s.pump(c.ctx)
	return s, nil
}

func (c *client) AsyncAddPublication(channel string, streamID int32) (int64, error) {
	return c.asyncAdd(addPublication, channel, streamID)
}

func (c *client) PollPublication(id int64) (transport.Publication, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.take(id, addPublication)
	if err != nil {
		return nil, err
	}
	t, err := c.join(p.topic)
	if err != nil {
		return nil, fmt.Errorf("gossip join %s: %w", p.topic, err)
	}
	return &publication{c: c, topicName: p.topic, topic: t}, nil
}

func (c *client) Cancel(id int64) error {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	return nil
}

func (c *client) localSubscribers(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local[topic]
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
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	c.cancel()
	c.mu.Lock()
	for name, t := range c.topics {
		_ = t.Close()
		delete(c.topics, name)
	}
	c.mu.Unlock()
	return c.h.Close()
}

type subscription struct {
	c     *client
	topic string
	sub   *pubsub.Subscription
	ch    chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *subscription) pump(ctx context.Context) {
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		select {
		case s.ch <- msg.Data:
		default:
			logging.Warnf("transport.gossip.pump buffer_full topic=%s", s.topic)
		}
	}
}

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
		case b := <-s.ch:
			handler(b)
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
	s.sub.Cancel()
	s.c.mu.Lock()
	if s.c.local[s.topic] > 0 {
		s.c.local[s.topic]--
	}
	s.c.mu.Unlock()
	return nil
}

type publication struct {
	c         *client
	topicName string
	topic     *pubsub.Topic

	mu       sync.Mutex
	position int64
	closed   bool
}

// Offer reports not-connected when the topic has neither remote peers nor a
// local subscriber.
func (p *publication) Offer(b []byte) (int64, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, transport.ErrPublicationClosed
	}
	if len(p.topic.ListPeers()) == 0 && p.c.localSubscribers(p.topicName) == 0 {
		return 0, transport.ErrNotConnected
	}
	if err := p.topic.Publish(p.c.ctx, b); err != nil {
		return 0, fmt.Errorf("gossip publish %s: %w", p.topicName, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position += int64(len(b))
	return p.position, nil
}

func (p *publication) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
