package session

import "time"

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultPollInterval   = time.Millisecond
	DefaultFragmentLimit  = 10
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines lifecycle timing defaults.
type Config struct {
	// ConnectTimeout bounds one async add; non-positive selects DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// PollInterval is the readiness polling granularity.
	PollInterval  time.Duration
	FragmentLimit int
	// MaxConnectAttempts bounds supervised reconnects; 0 means a single attempt.
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		PollInterval:   DefaultPollInterval,
		FragmentLimit:  DefaultFragmentLimit,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero or invalid fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	c.ConnectTimeout = NormalizeTimeout(c.ConnectTimeout)
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.FragmentLimit <= 0 {
		c.FragmentLimit = def.FragmentLimit
	}
	if c.MaxConnectAttempts < 0 {
		c.MaxConnectAttempts = 0
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.Multiplier == 0 && c.Backoff.MaxDelay == 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// NormalizeTimeout maps non-positive timeouts to DefaultConnectTimeout.
func NormalizeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultConnectTimeout
	}
	return d
}

// TimeoutFromMillis converts a host-supplied millisecond timeout.
func TimeoutFromMillis(ms int) time.Duration {
	return NormalizeTimeout(time.Duration(ms) * time.Millisecond)
}
