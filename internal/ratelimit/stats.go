package ratelimit

import (
	"context"
	"sync"
	"time"
)

// StatsEvent is one admission decision, recorded for observability.
type StatsEvent struct {
	Identity string
	Allowed  bool
	Method   string
	Route    string
	At       time.Time
}

// StatsStore persists decision counters. Callers treat errors as best-effort.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// StatsReader exposes recorded counters.
type StatsReader interface {
	Snapshot(ctx context.Context) (StatsSnapshot, error)
}

// StatsSnapshot is a point-in-time copy of the counters. Identities is nil
// when the store does not track them.
type StatsSnapshot struct {
	Total      Counters            `json:"total"`
	Routes     map[string]Counters `json:"routes"`
	Identities map[string]Counters `json:"identities,omitempty"`
}

// Counters holds allowed/rejected totals.
type Counters struct {
	Allowed  int64 `json:"allowed"`
	Rejected int64 `json:"rejected"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
	} else {
		c.Rejected++
	}
}

var (
	_ StatsStore  = (*MemoryStatsStore)(nil)
	_ StatsReader = (*MemoryStatsStore)(nil)
	_ StatsStore  = (*RedisStatsStore)(nil)
	_ StatsReader = (*RedisStatsStore)(nil)
)

// MemoryStatsStore keeps counters in process. It has no expiry, so per-identity
// tracking is off unless enabled.
type MemoryStatsStore struct {
	mu         sync.Mutex
	total      Counters
	byRoute    map[string]Counters
	byIdentity map[string]Counters

	trackIdentities bool
}

// MemoryStatsOption configures a MemoryStatsStore.
type MemoryStatsOption func(*MemoryStatsStore)

// WithTrackIdentities enables per-identity counters.
func WithTrackIdentities(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackIdentities = track }
}

// NewMemoryStatsStore creates an in-process stats store.
func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute:    make(map[string]Counters),
		byIdentity: make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implements StatsStore.
func (s *MemoryStatsStore) Record(_ context.Context, ev StatsEvent) error {
	route := ev.Method + " " + ev.Route

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	c := s.byRoute[route]
	c.add(ev.Allowed)
	s.byRoute[route] = c

	if s.trackIdentities {
		k := s.byIdentity[ev.Identity]
		k.add(ev.Allowed)
		s.byIdentity[ev.Identity] = k
	}
	return nil
}

// Snapshot implements StatsReader.
func (s *MemoryStatsStore) Snapshot(_ context.Context) (StatsSnapshot, error) {
	snap := StatsSnapshot{Total: s.Total(), Routes: s.ByRoute()}
	if s.trackIdentities {
		snap.Identities = s.ByIdentity()
	}
	return snap, nil
}

// Total returns the overall counters.
func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByRoute returns a copy of the per-route counters.
func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

// ByIdentity returns a copy of the per-identity counters.
func (s *MemoryStatsStore) ByIdentity() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byIdentity))
	for k, v := range s.byIdentity {
		out[k] = v
	}
	return out
}
