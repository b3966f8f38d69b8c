// Package ratelimit throttles callers with a per-identity attempt window.
//
// Each identity gets a window that opens on its first attempt and lasts
// Config.Window. Up to Config.MaxAttempts attempts inside the window are
// admitted; later ones are rejected until the window elapses. Rejections do
// not extend the window.
//
// The limiter knows nothing about HTTP. The gin adapter lives in
// infrastructure/http/v1/middleware.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxAttempts = 5
	DefaultSweepEvery  = time.Minute
)

// Config holds limiter parameters.
type Config struct {
	Window      time.Duration
	MaxAttempts int
	// SweepEvery is the janitor period. Zero disables the janitor.
	SweepEvery time.Duration
}

// DefaultConfig returns a 5 attempts per 60 seconds policy.
func DefaultConfig() Config {
	return Config{
		Window:      DefaultWindow,
		MaxAttempts: DefaultMaxAttempts,
		SweepEvery:  DefaultSweepEvery,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Count is the attempt number inside the current window, capped at MaxAttempts+1.
	Count int
	// Remaining is how many more attempts the window admits.
	Remaining int
	// RetryAfter is the time left in the window. Set only on rejection.
	RetryAfter time.Duration
}

// attemptRecord tracks one identity. count covers attempts in
// [windowStart, windowStart+Window).
type attemptRecord struct {
	count       int
	windowStart time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter is safe for concurrent use. A single mutex guards the record map;
// the critical section is a map lookup and two integer updates.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*attemptRecord
	cfg     Config
	now     func() time.Time
}

// New creates a Limiter. Non-positive values fall back to the defaults.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SweepEvery < 0 {
		cfg.SweepEvery = 0
	}

	l := &Limiter{
		records: make(map[string]*attemptRecord),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Admit registers an attempt by identity and decides whether it may proceed.
func (l *Limiter) Admit(identity string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[identity]
	if !ok {
		l.records[identity] = &attemptRecord{count: 1, windowStart: now}
		return l.allow(1)
	}

	if now.Sub(rec.windowStart) >= l.cfg.Window {
		rec.count = 1
		rec.windowStart = now
		return l.allow(1)
	}

	// Stop counting one past the limit: the window still expires on schedule
	// and the counter cannot grow without bound under a flood.
	if rec.count <= l.cfg.MaxAttempts {
		rec.count++
	}

	if rec.count > l.cfg.MaxAttempts {
		return Decision{
			Allowed:    false,
			Count:      rec.count,
			Remaining:  0,
			RetryAfter: rec.windowStart.Add(l.cfg.Window).Sub(now),
		}
	}
	return l.allow(rec.count)
}

func (l *Limiter) allow(count int) Decision {
	return Decision{
		Allowed:   true,
		Count:     count,
		Remaining: l.cfg.MaxAttempts - count,
	}
}

// Sweep removes identities whose window has elapsed. It returns the number removed.
// A swept identity starts a fresh window on its next attempt, which is the same
// outcome Admit would produce for an elapsed record.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, rec := range l.records {
		if now.Sub(rec.windowStart) >= l.cfg.Window {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// StartJanitor sweeps periodically until ctx is done.
// onSweep, when non-nil, receives the count removed by each sweep.
func (l *Limiter) StartJanitor(ctx context.Context, onSweep func(removed int)) {
	if l.cfg.SweepEvery <= 0 {
		return
	}

	t := time.NewTicker(l.cfg.SweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				removed := l.Sweep()
				if onSweep != nil {
					onSweep(removed)
				}
			}
		}
	}()
}
