package errslot

import (
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/sigbridge/internal/testutil/testlog"
)

func TestSlotOverwritesWithoutHistory(t *testing.T) {
	testlog.Start(t)
	s := New()
	if got := s.Get(); got != "" {
		t.Fatalf("new slot got=%q", got)
	}
	s.Set("first")
	s.Setf("second code=%d", 7)
	if got := s.Get(); got != "second code=7" {
		t.Fatalf("unexpected slot got=%q", got)
	}
	s.Set("")
	if got := s.Get(); got != "unknown" {
		t.Fatalf("empty message got=%q", got)
	}
	s.Clear()
	if got := s.Get(); got != "" {
		t.Fatalf("cleared slot got=%q", got)
	}
}

func TestSlotRecord(t *testing.T) {
	testlog.Start(t)
	var s Slot
	if err := s.Record(nil); err != nil {
		t.Fatalf("nil record returned %v", err)
	}
	if s.Get() != "" {
		t.Fatalf("nil record should not touch slot")
	}
	want := errors.New("session: connect timeout")
	if err := s.Record(want); !errors.Is(err, want) {
		t.Fatalf("record returned %v", err)
	}
	if s.Get() != want.Error() {
		t.Fatalf("unexpected slot got=%q", s.Get())
	}
}

func TestSlotConcurrentWriters(t *testing.T) {
	testlog.Start(t)
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Setf("writer=%d", i)
			_ = s.Get()
		}(i)
	}
	wg.Wait()
	if s.Get() == "" {
		t.Fatalf("expected a message after concurrent writes")
	}
}
