package instrument

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/danmuck/sigbridge/internal/testutil/testlog"
)

func TestPrefix(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"ES MAR26":  "ES",
		"NQ":        "NQ",
		"RTY JUN26": "RTY",
		" ES MAR26": "",
		"":          "",
	}
	for in, want := range cases {
		if got := Prefix(in); got != want {
			t.Fatalf("Prefix(%q) got=%q want=%q", in, got, want)
		}
	}
}

func TestDefaultsSeedOnFirstLookup(t *testing.T) {
	testlog.Start(t)
	m := NewMap()
	if m.Len() != 0 {
		t.Fatalf("defaults should be lazy, len=%d", m.Len())
	}
	e, ok := m.Lookup("ES")
	if !ok || e.Symbol != "SPX500" {
		t.Fatalf("expected default ES mapping, got=%+v ok=%v", e, ok)
	}
	if m.Len() != len(DefaultMappings()) {
		t.Fatalf("unexpected seeded len=%d", m.Len())
	}
}

func TestRegisterBeforeFirstUseSuppressesDefaults(t *testing.T) {
	testlog.Start(t)
	m := NewMap()
	if err := m.Register("ES", "US500", 0.25, 0.01); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := m.Lookup("NQ"); ok {
		t.Fatalf("defaults must not seed a non-empty table")
	}
	e, _ := m.Lookup("ES")
	if e.Symbol != "US500" {
		t.Fatalf("unexpected ES entry %+v", e)
	}
}

func TestRegisterOverridesSeededDefault(t *testing.T) {
	testlog.Start(t)
	m := NewMap()
	if _, ok := m.Lookup("ES"); !ok {
		t.Fatalf("expected seeded ES")
	}
	if err := m.Register("ES", "US500.cash", 0.25, 0.01); err != nil {
		t.Fatalf("register: %v", err)
	}
	e, _ := m.Lookup("ES")
	if e.Symbol != "US500.cash" || e.PointSize != 0.01 {
		t.Fatalf("explicit registration lost: %+v", e)
	}
	if _, ok := m.Lookup("NQ"); !ok {
		t.Fatalf("other defaults should remain")
	}
}

func TestRegisterRejectsInvalidWithoutMutation(t *testing.T) {
	testlog.Start(t)
	m := NewMapWithDefaults(nil)
	_ = m.Register("ES", "SPX500", 0.25, 0.1)
	bad := []struct {
		prefix, symbol string
		tick, point    float64
	}{
		{"", "SPX500", 0.25, 0.1},
		{"  ", "SPX500", 0.25, 0.1},
		{"ES", "", 0.25, 0.1},
		{"ES", "SPX500", 0, 0.1},
		{"ES", "SPX500", -0.25, 0.1},
		{"ES", "SPX500", 0.25, 0},
		{"ES", "SPX500", math.NaN(), 0.1},
	}
	for _, c := range bad {
		err := m.Register(c.prefix, c.symbol, c.tick, c.point)
		if !errors.Is(err, ErrInvalidMapping) {
			t.Fatalf("Register(%+v) expected ErrInvalidMapping, got %v", c, err)
		}
	}
	e, _ := m.Lookup("ES")
	if e != (Entry{Symbol: "SPX500", TickSize: 0.25, PointSize: 0.1}) {
		t.Fatalf("mapping mutated by invalid registration: %+v", e)
	}
}

func TestLookupIsCaseSensitive(t *testing.T) {
	testlog.Start(t)
	m := NewMap()
	if _, ok := m.Lookup("es"); ok {
		t.Fatalf("lowercase prefix should not match")
	}
}

func TestResolveStrictAndPassThrough(t *testing.T) {
	testlog.Start(t)
	m := NewMap()
	if _, err := m.Resolve("ZB"); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("strict mode expected ErrUnknownInstrument, got %v", err)
	}
	if err := m.SetPolicy(Policy{AllowPassThrough: true, DefaultTickSize: 0.5, DefaultPointSize: 0.01}); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	e, err := m.Resolve("ZB")
	if err != nil {
		t.Fatalf("pass-through resolve: %v", err)
	}
	if e.Symbol != "ZB" || e.TickSize != 0.5 || e.PointSize != 0.01 {
		t.Fatalf("unexpected pass-through entry %+v", e)
	}
	if _, err := m.Resolve(""); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("empty prefix must not pass through, got %v", err)
	}
	if _, ok := m.Lookup("ZB"); ok {
		t.Fatalf("pass-through must not register the prefix")
	}
}

func TestSetPolicyValidation(t *testing.T) {
	testlog.Start(t)
	m := NewMap()
	if err := m.SetPolicy(Policy{AllowPassThrough: true, DefaultTickSize: 0, DefaultPointSize: 1}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if m.Policy().AllowPassThrough {
		t.Fatalf("invalid policy must not be applied")
	}
	if err := m.SetPolicy(Policy{AllowPassThrough: false}); err != nil {
		t.Fatalf("strict policy without sizes should be valid: %v", err)
	}
}

func TestListOrdered(t *testing.T) {
	testlog.Start(t)
	m := NewMapWithDefaults(nil)
	_ = m.Register("NQ", "NAS100", 0.25, 0.1)
	_ = m.Register("ES", "SPX500", 0.25, 0.1)
	list := m.List()
	if len(list) != 2 || list[0].Prefix != "ES" || list[1].Prefix != "NQ" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	testlog.Start(t)
	m := NewMap()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = m.Register("ES", "SPX500", 0.25, 0.1)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = m.Resolve("ES")
			}
		}()
	}
	wg.Wait()
	if _, ok := m.Lookup("ES"); !ok {
		t.Fatalf("ES missing after concurrent access")
	}
}

func TestConvertTicksToPoints(t *testing.T) {
	testlog.Start(t)
	es := Entry{Symbol: "SPX500", TickSize: 0.25, PointSize: 0.1}
	cases := []struct {
		ticks int32
		e     Entry
		want  int64
	}{
		{50, es, 125},
		{40, es, 100},
		{80, es, 200},
		{1, es, 3}, // 2.5 rounds half up
		{3, es, 8}, // 7.5 rounds half up
		{0, es, 0},
		{-10, es, 0},
		{7, Entry{TickSize: 0.1, PointSize: 0.01}, 70},
		{3, Entry{TickSize: 1, PointSize: 3}, 1},
		{10, Entry{TickSize: 0, PointSize: 0.1}, 0},
		{10, Entry{TickSize: 0.25, PointSize: -1}, 0},
	}
	for _, c := range cases {
		if got := ConvertTicksToPoints(c.ticks, c.e); got != c.want {
			t.Fatalf("ConvertTicksToPoints(%d, %+v) got=%d want=%d", c.ticks, c.e, got, c.want)
		}
	}
}
