// Package errslot holds the bridge's single "last error" string.
//
// Every failing operation overwrites the slot; nothing is appended and no
// history is kept. Hosts read it right after a failing call.
package errslot

import (
	"fmt"
	"sync"
)

// Slot is a lock-protected last-error string. The zero value is ready to use.
type Slot struct {
	mu  sync.Mutex
	msg string
}

func New() *Slot {
	return &Slot{}
}

// Set overwrites the slot. An empty message is stored as "unknown".
func (s *Slot) Set(msg string) {
	if msg == "" {
		msg = "unknown"
	}
	s.mu.Lock()
	s.msg = msg
	s.mu.Unlock()
}

func (s *Slot) Setf(format string, args ...any) {
	s.Set(fmt.Sprintf(format, args...))
}

// Record stores err's text and returns err unchanged, so call sites can
// `return slot.Record(err)`. A nil err leaves the slot untouched.
func (s *Slot) Record(err error) error {
	if err == nil {
		return nil
	}
	s.Set(err.Error())
	return err
}

// Get returns a copy of the current message.
func (s *Slot) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg
}

func (s *Slot) Clear() {
	s.mu.Lock()
	s.msg = ""
	s.mu.Unlock()
}
