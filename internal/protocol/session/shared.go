package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/sigbridge/internal/logging"
	"github.com/danmuck/sigbridge/internal/transport"
)

var (
	ErrNoDriver       = errors.New("session: no transport driver")
	ErrContextInit    = errors.New("session: transport context init failed")
	ErrReleaseUnowned = errors.New("session: release without acquire")
)

// Shared is the single owner of the process-wide transport client. The client
// is created on the first Acquire and closed when the last dependent releases.
type Shared struct {
	driver transport.Driver

	// mu serializes client creation/teardown and guards refs. It is never
	// taken from a fragment callback.
	mu     sync.Mutex
	cfg    transport.ClientConfig
	client transport.Client
	refs   int
}

func NewShared(driver transport.Driver, cfg transport.ClientConfig) *Shared {
	return &Shared{driver: driver, cfg: cfg}
}

// Configure replaces the client config used by the next lazy connect. It has
// no effect on an already open client and reports whether it was applied.
func (s *Shared) Configure(cfg transport.ClientConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return false
	}
	s.cfg = cfg
	return true
}

// Acquire returns the shared client, connecting it if needed, and counts one dependent.
func (s *Shared) Acquire() (transport.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		if s.driver == nil {
			return nil, ErrNoDriver
		}
		c, err := s.driver.Connect(s.cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrContextInit, s.driver.Name(), err)
		}
		s.client = c
		logging.Infof("session.Shared.Acquire connected driver=%s dir=%q", s.driver.Name(), s.cfg.Dir)
	}
	s.refs++
	return s.client, nil
}

// Release drops one dependent and closes the client when none remain.
func (s *Shared) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs <= 0 {
		return ErrReleaseUnowned
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	c := s.client
	s.client = nil
	if c == nil {
		return nil
	}
	logging.Infof("session.Shared.Release closing driver=%s", s.driver.Name())
	return c.Close()
}

// Refs is the number of requesting or active handles.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

func (s *Shared) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

func (s *Shared) DriverName() string {
	if s.driver == nil {
		return ""
	}
	return s.driver.Name()
}
