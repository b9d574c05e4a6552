// Package amqp carries frames over RabbitMQ. Every channel/stream pair is a
// fanout exchange; each subscription binds its own exclusive queue and is
// drained with basic.get so delivery stays host driven.
package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/transport"
)

const (
	DefaultExchangePrefix = "sigbridge"
	ExchangeType          = "fanout"
	defaultPublishTimeout = time.Second
)

type Driver struct {
	URL            string
	ExchangePrefix string
}

var _ transport.Driver = (*Driver)(nil)

func (d *Driver) Name() string {
	return "amqp"
}

func (d *Driver) Connect(cfg transport.ClientConfig) (transport.Client, error) {
	conn, err := amqp.Dial(d.URL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not open channel: %w", err)
	}
	prefix := d.ExchangePrefix
	if prefix == "" {
		prefix = DefaultExchangePrefix
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	logging.Debugf("transport.amqp.Connect prefix=%q", prefix)
	return newClient(conn, ch, prefix, timeout), nil
}

// brokerConn and brokerChannel are the parts of *amqp.Connection and
// *amqp.Channel the adapter uses.
type brokerConn interface {
	IsClosed() bool
	Close() error
}

type brokerChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

func newClient(conn brokerConn, ch brokerChannel, prefix string, timeout time.Duration) *client {
	return &client{
		conn:    conn,
		ch:      ch,
		prefix:  prefix,
		timeout: timeout,
		pending: make(map[int64]pendingAdd),
	}
}

// ExchangeName is the exchange used for one channel/stream pair.
func ExchangeName(prefix, channel string, streamID int32) string {
	return transport.TopicName(prefix, channel, streamID)
}

type addKind int

const (
	addSubscription addKind = iota
	addPublication
)

type pendingAdd struct {
	kind     addKind
	exchange string
}

type client struct {
	conn    brokerConn
	prefix  string
	timeout time.Duration

	// chMu serializes use of the single AMQP channel.
	chMu sync.Mutex
	ch   brokerChannel

	mu      sync.Mutex
	nextID  int64
	pending map[int64]pendingAdd
	subs    []*subscription
	closed  bool
}

func (c *client) asyncAdd(kind addKind, channel string, streamID int32) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, transport.ErrClientClosed
	}
	c.nextID++
	c.pending[c.nextID] = pendingAdd{kind: kind, exchange: ExchangeName(c.prefix, channel, streamID)}
	return c.nextID, nil
}

func (c *client) take(id int64, kind addKind) (pendingAdd, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
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

func (c *client) declareExchange(name string) error {
	return c.ch.ExchangeDeclare(
		name,         // name
		ExchangeType, // type
		false,        // durable
		true,         // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
}

func (c *client) AsyncAddSubscription(channel string, streamID int32) (int64, error) {
	return c.asyncAdd(addSubscription, channel, streamID)
}

// PollSubscription declares the exchange and binds a private queue to it.
func (c *client) PollSubscription(id int64) (transport.Subscription, error) {
	p, err := c.take(id, addSubscription)
	if err != nil {
		return nil, err
	}
	c.chMu.Lock()
	defer c.chMu.Unlock()
	if err := c.declareExchange(p.exchange); err != nil {
		return nil, fmt.Errorf("could not declare exchange: %w", err)
	}
	q, err := c.ch.QueueDeclare(
		"",    // random name
		false, // non-durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("could not declare queue: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, "", p.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("could not bind queue: %w", err)
	}
	s := &subscription{c: c, queue: q.Name}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

func (c *client) AsyncAddPublication(channel string, streamID int32) (int64, error) {
	return c.asyncAdd(addPublication, channel, streamID)
}

func (c *client) PollPublication(id int64) (transport.Publication, error) {
	p, err := c.take(id, addPublication)
	if err != nil {
		return nil, err
	}
	c.chMu.Lock()
	defer c.chMu.Unlock()
	if err := c.declareExchange(p.exchange); err != nil {
		return nil, fmt.Errorf("could not declare exchange: %w", err)
	}
	return &publication{c: c, exchange: p.exchange}, nil
}

func (c *client) Cancel(id int64) error {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
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
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	c.chMu.Lock()
	_ = c.ch.Close()
	c.chMu.Unlock()
	return c.conn.Close()
}

type subscription struct {
	c     *client
	queue string

	mu     sync.Mutex
	closed bool
}

// Poll fetches up to fragmentLimit messages with auto-ack basic.get.
func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.c.conn.IsClosed() {
		return 0, transport.ErrClientClosed
	}
	n := 0
	for n < fragmentLimit {
		s.c.chMu.Lock()
		d, ok, err := s.c.ch.Get(s.queue, true)
		s.c.chMu.Unlock()
		if err != nil {
			return n, fmt.Errorf("amqp get %s: %w", s.queue, err)
		}
		if !ok {
			break
		}
		handler(d.Body)
		n++
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
	if s.c.conn.IsClosed() {
		return nil
	}
	s.c.chMu.Lock()
	defer s.c.chMu.Unlock()
	_, err := s.c.ch.QueueDelete(s.queue, false, false, false)
	return err
}

type publication struct {
	c        *client
	exchange string

	mu       sync.Mutex
	position int64
	closed   bool
}

func (p *publication) Offer(b []byte) (int64, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, transport.ErrPublicationClosed
	}
	if p.c.conn.IsClosed() {
		return 0, transport.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.c.timeout)
	defer cancel()
	p.c.chMu.Lock()
	err := p.c.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		"",         // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/octet-stream",
			Body:        b,
		},
	)
	p.c.chMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("amqp publish %s: %w", p.exchange, err)
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
