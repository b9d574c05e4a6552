package session

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Jitter yields factors in [0,1). Connect supervisors for the subscription and
// the publications share one source, so implementations must be safe for
// concurrent use.
type Jitter interface {
	Float64() float64
}

// LockedRand is a Jitter over a mutex-guarded rand.Rand.
type LockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewLockedRand(seed int64) *LockedRand {
	return &LockedRand{rng: rand.New(rand.NewSource(seed))}
}

func (r *LockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// NextBackoffDelay returns the wait after failed connect attempt N (1-based).
// With jitter the delay is scaled by a factor in [0.5,1.5) and still capped at
// MaxDelay. A nil source disables jitter.
func NextBackoffDelay(cfg BackoffConfig, attempt int, jitter Jitter) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		mult := math.Max(cfg.Multiplier, 1.0)
		delay *= math.Pow(mult, float64(attempt-1))
	}
	if cfg.Jitter && jitter != nil {
		delay *= 0.5 + jitter.Float64()
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
