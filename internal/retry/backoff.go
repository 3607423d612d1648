// ABOUTME: Backoff strategies for retrying agent requests and reconnects
// ABOUTME: Exponential (with jitter), linear, fixed and immediate schedules

package retry

import (
	"math/rand/v2"
	"time"
)

// Config holds the parameters shared by every backoff strategy.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	Jitter       bool
}

// DefaultConfig returns the schedule used for one-off request retries.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxRetries:   10,
		Jitter:       true,
	}
}

// ReconnectConfig returns the schedule used for reconnecting a dropped link.
func ReconnectConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxRetries:   100,
		Jitter:       true,
	}
}

// Strategy selects how delays grow between attempts.
type Strategy int

const (
	Exponential Strategy = iota
	Fixed
)

func (s Strategy) String() string {
	switch s {
	case Exponential:
		return "exponential"
	case Fixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// Backoff hands out successive delays until it is exhausted.
// Implementations are not safe for concurrent use.
type Backoff interface {
	// Next returns the delay before the next attempt, or false when no
	// attempts remain.
	Next() (time.Duration, bool)
	Reset()
	Attempts() int
	Exhausted() bool
}

// New creates a backoff for the given strategy.
func New(strategy Strategy, cfg Config) Backoff {
	if strategy == Fixed {
		return &fixedBackoff{cfg: cfg}
	}
	return NewExponential(cfg)
}

// ExponentialBackoff multiplies the delay after every attempt.
type ExponentialBackoff struct {
	cfg      Config
	current  time.Duration
	attempts int
}

// NewExponential creates an exponential backoff starting at cfg.InitialDelay.
func NewExponential(cfg Config) *ExponentialBackoff {
	return &ExponentialBackoff{cfg: cfg, current: cfg.InitialDelay}
}

func (b *ExponentialBackoff) Next() (time.Duration, bool) {
	if b.attempts >= b.cfg.MaxRetries {
		return 0, false
	}
	delay := b.current
	b.attempts++

	next := float64(b.current) * b.cfg.Multiplier
	if limit := float64(b.cfg.MaxDelay); b.cfg.MaxDelay > 0 && next > limit {
		next = limit
	}
	if b.cfg.Jitter {
		next = addJitter(next)
	}
	b.current = time.Duration(next)
	return delay, true
}

func (b *ExponentialBackoff) Reset() {
	b.current = b.cfg.InitialDelay
	b.attempts = 0
}

func (b *ExponentialBackoff) Attempts() int   { return b.attempts }
func (b *ExponentialBackoff) Exhausted() bool { return b.attempts >= b.cfg.MaxRetries }

// addJitter spreads a delay by up to ±10%.
func addJitter(d float64) float64 {
	j := d * 0.1 * (rand.Float64()*2 - 1)
	if d+j < 0 {
		return 0
	}
	return d + j
}

type fixedBackoff struct {
	cfg      Config
	attempts int
}

func (b *fixedBackoff) Next() (time.Duration, bool) {
	if b.attempts >= b.cfg.MaxRetries {
		return 0, false
	}
	b.attempts++
	return b.cfg.InitialDelay, true
}

func (b *fixedBackoff) Reset()          { b.attempts = 0 }
func (b *fixedBackoff) Attempts() int   { return b.attempts }
func (b *fixedBackoff) Exhausted() bool { return b.attempts >= b.cfg.MaxRetries }
