package memory

import (
	"fmt"
	"sync"

	"github.com/danmuck/sigbridge/internal/transport"
)

type addKind int

const (
	addSubscription addKind = iota
	addPublication
)

type pending struct {
	kind       addKind
	key        streamKey
	polls      int
	readyAfter int
}

type client struct {
	bus *Bus

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pending
	closed  bool
	subs    []*subscription
	pubs    []*publication
}

func (c *client) AsyncAddSubscription(channel string, streamID int32) (int64, error) {
	return c.asyncAdd(addSubscription, channel, streamID)
}

func (c *client) AsyncAddPublication(channel string, streamID int32) (int64, error) {
	return c.asyncAdd(addPublication, channel, streamID)
}

func (c *client) asyncAdd(kind addKind, channel string, streamID int32) (int64, error) {
	st := c.bus.settings()
	if st.addErr != nil {
		return 0, st.addErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, transport.ErrClientClosed
	}
	c.nextID++
	c.pending[c.nextID] = &pending{
		kind:       kind,
		key:        streamKey{channel: channel, streamID: streamID},
		readyAfter: st.readyAfter,
	}
	return c.nextID, nil
}

// poll advances one pending add; ok is false while it is still pending.
func (c *client) poll(id int64, kind addKind) (*pending, bool, error) {
	st := c.bus.settings()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, transport.ErrClientClosed
	}
	p, found := c.pending[id]
	if !found || p.kind != kind {
		return nil, false, fmt.Errorf("%w: %d", transport.ErrUnknownRegistration, id)
	}
	if st.readyErr != nil {
		delete(c.pending, id)
		return nil, false, st.readyErr
	}
	p.polls++
	if p.polls <= p.readyAfter {
		return nil, false, nil
	}
	delete(c.pending, id)
	return p, true, nil
}

func (c *client) PollSubscription(id int64) (transport.Subscription, error) {
	p, ok, err := c.poll(id, addSubscription)
	if err != nil || !ok {
		return nil, err
	}
	s := &subscription{bus: c.bus, key: p.key}
	c.bus.attach(s)
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()
	return s, nil
}

func (c *client) PollPublication(id int64) (transport.Publication, error) {
	p, ok, err := c.poll(id, addPublication)
	if err != nil || !ok {
		return nil, err
	}
	pub := &publication{bus: c.bus, key: p.key}
	c.mu.Lock()
	c.pubs = append(c.pubs, pub)
	c.mu.Unlock()
	return pub, nil
}

func (c *client) Cancel(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	return nil
}

// Close releases every resource the client created.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs, pubs := c.subs, c.pubs
	c.subs, c.pubs = nil, nil
	clear(c.pending)
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	for _, p := range pubs {
		_ = p.Close()
	}
	c.bus.closes.Add(1)
	return nil
}

type subscription struct {
	bus *Bus
	key streamKey

	mu     sync.Mutex
	buf    [][]byte
	closed bool
}

func (s *subscription) enqueue(frag []byte, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.buf) >= max {
		return false
	}
	s.buf = append(s.buf, append([]byte(nil), frag...))
	return true
}

func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	if fragmentLimit <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, transport.ErrClientClosed
	}
	n := min(fragmentLimit, len(s.buf))
	batch := make([][]byte, n)
	copy(batch, s.buf[:n])
	s.buf = s.buf[n:]
	s.mu.Unlock()

	// handler runs without the buffer lock so it may re-enter Offer.
	for _, frag := range batch {
		handler(frag)
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
	s.buf = nil
	s.mu.Unlock()
	s.bus.detach(s)
	return nil
}

type publication struct {
	bus *Bus
	key streamKey

	mu       sync.Mutex
	position int64
	closed   bool
}

func (p *publication) Offer(buf []byte) (int64, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, transport.ErrPublicationClosed
	}
	if _, err := p.bus.deliver(p.key, buf); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position += int64(len(buf))
	return p.position, nil
}

func (p *publication) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
