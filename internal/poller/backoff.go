package poller

import (
	"math"
	"time"
)

// Mode is the poller's coarse state.
type Mode int

const (
	Normal Mode = iota
	Backoff
)

func (m Mode) String() string {
	if m == Backoff {
		return "BACKOFF"
	}
	return "NORMAL"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Config controls poll cadence and throttle handling.
type Config struct {
	Interval          time.Duration
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	// QuietPeriod is how long the poller must go without throttling before a
	// success clears the throttle counter.
	QuietPeriod    time.Duration
	FetchTimeout   time.Duration
	RequestHistory int
}

func DefaultConfig() Config {
	return Config{
		Interval:          60 * time.Second,
		BackoffInitial:    120 * time.Second,
		BackoffMultiplier: 2.5,
		BackoffMax:        600 * time.Second,
		QuietPeriod:       1800 * time.Second,
		FetchTimeout:      30 * time.Second,
		RequestHistory:    10,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = d.QuietPeriod
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.RequestHistory <= 0 {
		c.RequestHistory = d.RequestHistory
	}
	return c
}

// BackoffInterval returns min(initial * multiplier^(count-1), max) for
// count >= 1, and the normal interval otherwise.
func (c Config) BackoffInterval(count int) time.Duration {
	if count < 1 {
		return c.Interval
	}
	d := float64(c.BackoffInitial) * math.Pow(c.BackoffMultiplier, float64(count-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(c.BackoffMax) {
		return c.BackoffMax
	}
	return time.Duration(d)
}

// BackoffState is the mutable throttle bookkeeping of one poller.
type BackoffState struct {
	Mode          Mode          `json:"mode"`
	ThrottleCount int           `json:"throttleCount"`
	Interval      time.Duration `json:"interval"`
	LastSuccess   time.Time     `json:"lastSuccess"`
	LastThrottle  time.Time     `json:"lastThrottle"`
}

func NewBackoffState(cfg Config) BackoffState {
	return BackoffState{Mode: Normal, Interval: cfg.Interval}
}

// OnSuccess returns the poller to the baseline interval. The throttle count
// survives until a full quiet period has passed since the last throttle, so
// intermittent limits keep escalating. It reports whether the poller was
// backing off.
func (s *BackoffState) OnSuccess(now time.Time, cfg Config) (recovered bool) {
	recovered = s.Mode == Backoff
	s.Mode = Normal
	s.Interval = cfg.Interval
	if s.ThrottleCount > 0 && now.Sub(s.LastThrottle) > cfg.QuietPeriod {
		s.ThrottleCount = 0
	}
	s.LastSuccess = now
	return recovered
}

// OnRateLimited escalates the backoff and returns the new interval.
func (s *BackoffState) OnRateLimited(now time.Time, cfg Config) time.Duration {
	s.ThrottleCount++
	s.Mode = Backoff
	s.LastThrottle = now
	s.Interval = cfg.BackoffInterval(s.ThrottleCount)
	return s.Interval
}
