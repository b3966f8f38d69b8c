package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock) *Limiter {
	return New(Config{Window: time.Minute, MaxAttempts: 5}, WithClock(clock.Now))
}

func TestLimiter_AllowsUpToMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 1; i <= 5; i++ {
		d := l.Admit("10.0.0.1")
		require.True(t, d.Allowed, "attempt %d should be allowed", i)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 5-i, d.Remaining)
		clock.Advance(2 * time.Second)
	}
}

func TestLimiter_RejectsSixthAttemptInWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 5; i++ {
		require.True(t, l.Admit("10.0.0.1").Allowed)
	}
	clock.Advance(15 * time.Second)

	d := l.Admit("10.0.0.1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 45*time.Second, d.RetryAfter)
	assert.Equal(t, 0, d.Remaining)
}

func TestLimiter_Scenario_ResetAfterWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	const ip = "10.0.0.1"

	// 5 creates within 10 seconds
	for i := 0; i < 5; i++ {
		require.True(t, l.Admit(ip).Allowed)
		clock.Advance(2 * time.Second)
	}
	// 6th, 5 seconds later (15s after the first)
	clock.Advance(5 * time.Second)
	require.False(t, l.Admit(ip).Allowed)

	// 7th, 61 seconds after the first
	clock.Advance(46 * time.Second)
	d := l.Admit(ip)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestLimiter_RejectionDoesNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 5; i++ {
		l.Admit("k")
	}
	for i := 0; i < 20; i++ {
		clock.Advance(2 * time.Second)
		assert.False(t, l.Admit("k").Allowed)
	}
	// 40s elapsed so far; window still ends at 60s.
	clock.Advance(19 * time.Second)
	assert.False(t, l.Admit("k").Allowed)
	clock.Advance(time.Second)
	assert.True(t, l.Admit("k").Allowed)
}

func TestLimiter_CounterIsCapped(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	var last Decision
	for i := 0; i < 100; i++ {
		last = l.Admit("k")
	}
	assert.Equal(t, 6, last.Count)
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	for i := 0; i < 5; i++ {
		l.Admit("a")
	}
	assert.False(t, l.Admit("a").Allowed)
	assert.True(t, l.Admit("b").Allowed)
}

func TestLimiter_ConcurrentAdmitsDoNotLoseUpdates(t *testing.T) {
	l := New(Config{Window: time.Hour, MaxAttempts: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestLimiter_SweepRemovesElapsedRecords(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.Admit("old")
	clock.Advance(30 * time.Second)
	l.Admit("fresh")
	clock.Advance(31 * time.Second)

	removed := l.Sweep()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_JanitorStopsWithContext(t *testing.T) {
	l := New(Config{Window: time.Millisecond, MaxAttempts: 1, SweepEvery: 5 * time.Millisecond})
	for i := 0; i < 10; i++ {
		l.Admit(fmt.Sprintf("k%d", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	swept := make(chan int, 16)
	l.StartJanitor(ctx, func(removed int) {
		select {
		case swept <- removed:
		default:
		}
	})

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("janitor did not run")
	}
	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNew_FallsBackToDefaults(t *testing.T) {
	l := New(Config{})
	cfg := l.Config()
	assert.Equal(t, DefaultWindow, cfg.Window)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
}
