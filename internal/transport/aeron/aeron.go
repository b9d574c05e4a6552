// Package aeron adapts github.com/lirm/aeron-go to the transport interfaces.
// A media driver must already be running for the configured directory.
package aeron

import (
	"fmt"
	"sync"

	ae "github.com/lirm/aeron-go/aeron"
	"github.com/lirm/aeron-go/aeron/atomic"
	"github.com/lirm/aeron-go/aeron/logbuffer"

	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/transport"
)

// Driver connects aeron-go clients.
type Driver struct{}

var _ transport.Driver = Driver{}

func (Driver) Name() string {
	return "aeron"
}

func (Driver) Connect(cfg transport.ClientConfig) (transport.Client, error) {
	ctx := ae.NewContext()
	if cfg.Dir != "" {
		ctx = ctx.AeronDir(cfg.Dir)
	}
	if cfg.Timeout > 0 {
		ctx = ctx.MediaDriverTimeout(cfg.Timeout)
	}
	a, err := ae.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("aeron connect dir=%q: %w", cfg.Dir, err)
	}
	logging.Debugf("transport.aeron.Connect dir=%q", cfg.Dir)
	return &client{a: a}, nil
}

type client struct {
	mu     sync.Mutex
	a      *ae.Aeron
	closed bool
}

func (c *client) conn() (*ae.Aeron, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClientClosed
	}
	return c.a, nil
}

func (c *client) AsyncAddSubscription(channel string, streamID int32) (int64, error) {
	a, err := c.conn()
	if err != nil {
		return 0, err
	}
	return a.AsyncAddSubscription(channel, streamID)
}

func (c *client) PollSubscription(id int64) (transport.Subscription, error) {
	a, err := c.conn()
	if err != nil {
		return nil, err
	}
	sub, err := a.GetSubscription(id)
	if err != nil || sub == nil {
		return nil, err
	}
	return &subscription{sub: sub}, nil
}

func (c *client) AsyncAddPublication(channel string, streamID int32) (int64, error) {
	a, err := c.conn()
	if err != nil {
		return 0, err
	}
	return a.AsyncAddPublication(channel, streamID)
}

func (c *client) PollPublication(id int64) (transport.Publication, error) {
	a, err := c.conn()
	if err != nil {
		return nil, err
	}
	pub, err := a.GetPublication(id)
	if err != nil || pub == nil {
		return nil, err
	}
	return &publication{pub: pub}, nil
}

// Cancel closes the registration if the driver has already completed it.
// A still pending add is reclaimed when the client closes.
func (c *client) Cancel(id int64) error {
	a, err := c.conn()
	if err != nil {
		return nil
	}
	if sub, _ := a.GetSubscription(id); sub != nil {
		return sub.Close()
	}
	if pub, _ := a.GetPublication(id); pub != nil {
		return pub.Close()
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
	a := c.a
	c.mu.Unlock()
	return a.Close()
}

type subscription struct {
	sub *ae.Subscription
}

func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	if s.sub.IsClosed() {
		return 0, transport.ErrClientClosed
	}
	n := s.sub.Poll(func(buf *atomic.Buffer, offset int32, length int32, _ *logbuffer.Header) {
		handler(buf.GetBytesArray(offset, length))
	}, fragmentLimit)
	return n, nil
}

func (s *subscription) Close() error {
	return s.sub.Close()
}

type publication struct {
	pub *ae.Publication
}

func (p *publication) Offer(b []byte) (int64, error) {
	buf := atomic.MakeBuffer(b)
	pos := p.pub.Offer(buf, 0, int32(len(b)), nil)
	if pos >= 0 {
		return pos, nil
	}
	return pos, OfferError(pos)
}

func (p *publication) Close() error {
	return p.pub.Close()
}

// OfferError maps a negative aeron offer result to a transport error.
func OfferError(code int64) error {
	switch code {
	case ae.NotConnected:
		return transport.ErrNotConnected
	case ae.BackPressured:
		return transport.ErrBackPressured
	case ae.AdminAction:
		return transport.ErrAdminAction
	case ae.PublicationClosed:
		return transport.ErrPublicationClosed
	case ae.MaxPositionExceeded:
		return transport.ErrMaxPositionExceeded
	default:
		return fmt.Errorf("aeron offer failed code=%d", code)
	}
}
