package instrument

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidMapping    = errors.New("instrument: invalid mapping")
	ErrInvalidPolicy     = errors.New("instrument: invalid unmapped policy")
	ErrUnknownInstrument = errors.New("instrument: unknown instrument")
)

// Entry maps one exchange/product prefix onto the destination platform.
type Entry struct {
	Symbol    string  `json:"symbol"`
	TickSize  float64 `json:"tick_size"`
	PointSize float64 `json:"point_size"`
}

func (e Entry) Validate() error {
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("%w: empty destination symbol", ErrInvalidMapping)
	}
	if !(e.TickSize > 0) {
		return fmt.Errorf("%w: tick size must be > 0, got %v", ErrInvalidMapping, e.TickSize)
	}
	if !(e.PointSize > 0) {
		return fmt.Errorf("%w: point size must be > 0, got %v", ErrInvalidMapping, e.PointSize)
	}
	return nil
}

// Policy controls what happens to instruments missing from the map.
type Policy struct {
	AllowPassThrough bool    `json:"allow"`
	DefaultTickSize  float64 `json:"tick_size"`
	DefaultPointSize float64 `json:"point_size"`
}

func (p Policy) Validate() error {
	if !p.AllowPassThrough {
		return nil
	}
	if !(p.DefaultTickSize > 0) || !(p.DefaultPointSize > 0) {
		return fmt.Errorf("%w: pass-through requires positive default sizes, got tick=%v point=%v",
			ErrInvalidPolicy, p.DefaultTickSize, p.DefaultPointSize)
	}
	return nil
}

// Mapping is one prefix/entry pair, used for listing and bulk registration.
type Mapping struct {
	Prefix string `json:"prefix"`
	Entry
}

// Map is the shared prefix table plus the unmapped-instrument policy.
// Both are guarded by the same lock.
type Map struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	policy   Policy
	defaults []Mapping
	seeded   bool
}

// NewMap returns an empty map seeded lazily with DefaultMappings.
func NewMap() *Map {
	return NewMapWithDefaults(DefaultMappings())
}

// NewMapWithDefaults uses defaults as the first-use seed set. Nil disables seeding.
func NewMapWithDefaults(defaults []Mapping) *Map {
	return &Map{
		entries:  make(map[string]Entry),
		defaults: defaults,
	}
}

// Register inserts or overwrites prefix. Invalid input leaves the map untouched.
func (m *Map) Register(prefix, symbol string, tickSize, pointSize float64) error {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return fmt.Errorf("%w: empty prefix", ErrInvalidMapping)
	}
	e := Entry{Symbol: strings.TrimSpace(symbol), TickSize: tickSize, PointSize: pointSize}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w (prefix %q)", err, prefix)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[prefix] = e
	return nil
}

// Lookup is an exact, case-sensitive match on prefix. The first call against an
// empty table seeds the defaults.
func (m *Map) Lookup(prefix string) (Entry, bool) {
	m.seedIfEmpty()
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[prefix]
	return e, ok
}

// Resolve applies the unmapped policy on a lookup miss.
func (m *Map) Resolve(prefix string) (Entry, error) {
	if e, ok := m.Lookup(prefix); ok {
		return e, nil
	}
	m.mu.RLock()
	p := m.policy
	m.mu.RUnlock()
	if !p.AllowPassThrough || prefix == "" {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownInstrument, prefix)
	}
	return Entry{Symbol: prefix, TickSize: p.DefaultTickSize, PointSize: p.DefaultPointSize}, nil
}

// SetPolicy replaces the unmapped policy. Invalid input leaves it untouched.
func (m *Map) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	return nil
}

func (m *Map) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// List returns all mappings ordered by prefix.
func (m *Map) List() []Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Mapping, 0, len(m.entries))
	for prefix, e := range m.entries {
		out = append(out, Mapping{Prefix: prefix, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Prefix < out[j].Prefix
	})
	return out
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Map) seedIfEmpty() {
	m.mu.RLock()
	done := m.seeded
	m.mu.RUnlock()
	if done {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeded {
		return
	}
	m.seeded = true
	if len(m.entries) > 0 {
		return
	}
	for _, d := range m.defaults {
		m.entries[d.Prefix] = d.Entry
	}
}

// DefaultMappings is the built-in CME futures to CFD seed set.
func DefaultMappings() []Mapping {
	return []Mapping{
		{Prefix: "ES", Entry: Entry{Symbol: "SPX500", TickSize: 0.25, PointSize: 0.1}},
		{Prefix: "NQ", Entry: Entry{Symbol: "NAS100", TickSize: 0.25, PointSize: 0.1}},
		{Prefix: "YM", Entry: Entry{Symbol: "US30", TickSize: 1, PointSize: 1}},
		{Prefix: "RTY", Entry: Entry{Symbol: "US2000", TickSize: 0.1, PointSize: 0.1}},
		{Prefix: "CL", Entry: Entry{Symbol: "USOIL", TickSize: 0.01, PointSize: 0.01}},
		{Prefix: "GC", Entry: Entry{Symbol: "XAUUSD", TickSize: 0.1, PointSize: 0.01}},
	}
}

// Prefix returns the substring before the first space, or the whole name.
func Prefix(instrument string) string {
	if i := strings.IndexByte(instrument, ' '); i >= 0 {
		return instrument[:i]
	}
	return instrument
}
