package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore aggregates decision counters in Redis hashes:
//
//	<prefix>:total                 allowed|rejected
//	<prefix>:minute:<YYYYMMDDhhmm> allowed|rejected (expires after ttl)
//	<prefix>:route                 "<METHOD> <route>:allowed|rejected"
//	<prefix>:identity:<identity>   allowed|rejected (optional, expires after ttl)
//
// Only counters live in Redis; admission state stays in the process.
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix          string
	ttl             time.Duration
	trackIdentities bool
}

// RedisStatsOption configures a RedisStatsStore.
type RedisStatsOption func(*RedisStatsStore)

// WithStatsPrefix sets the key prefix.
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL sets the expiry of minute buckets and identity hashes.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsTrackIdentities enables per-identity hashes.
func WithStatsTrackIdentities(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackIdentities = track }
}

// NewRedisStatsStore creates a Redis-backed stats store.
func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "stockpile:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// hashIncrement is one HINCRBY with an optional EXPIRE.
type hashIncrement struct {
	key    string
	field  string
	expire time.Duration
}

// increments lists the counter updates for ev.
func (s *RedisStatsStore) increments(ev StatsEvent) []hashIncrement {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "rejected"
	if ev.Allowed {
		field = "allowed"
	}

	out := []hashIncrement{
		{key: s.prefix + ":total", field: field},
		{
			key:    fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504")),
			field:  field,
			expire: s.ttl,
		},
	}

	if route := strings.TrimSpace(ev.Method + " " + ev.Route); route != "" {
		out = append(out, hashIncrement{key: s.prefix + ":route", field: route + ":" + field})
	}

	if s.trackIdentities {
		if identity := strings.TrimSpace(ev.Identity); identity != "" {
			out = append(out, hashIncrement{
				key:    s.prefix + ":identity:" + identity,
				field:  field,
				expire: s.ttl,
			})
		}
	}
	return out
}

// Record implements StatsStore with a single pipelined round trip.
func (s *RedisStatsStore) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for _, inc := range s.increments(ev) {
		pipe.HIncrBy(ctx, inc.key, inc.field, 1)
		if inc.expire > 0 {
			pipe.Expire(ctx, inc.key, inc.expire)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record rate-limit stats: %w", err)
	}
	return nil
}

// Snapshot implements StatsReader. Per-identity hashes are not enumerated;
// they expire on their own and are read with redis-cli when needed.
func (s *RedisStatsStore) Snapshot(ctx context.Context) (StatsSnapshot, error) {
	snap := StatsSnapshot{Routes: map[string]Counters{}}
	if s == nil || s.rdb == nil {
		return snap, nil
	}

	pipe := s.rdb.Pipeline()
	total := pipe.HGetAll(ctx, s.prefix+":total")
	routes := pipe.HGetAll(ctx, s.prefix+":route")
	if _, err := pipe.Exec(ctx); err != nil {
		return snap, fmt.Errorf("read rate-limit stats: %w", err)
	}

	snap.Total = countersFrom(total.Val())
	snap.Routes = routeCountersFrom(routes.Val())
	return snap, nil
}

// countersFrom reads an allowed/rejected hash. Missing or malformed fields count as zero.
func countersFrom(vals map[string]string) Counters {
	allowed, _ := strconv.ParseInt(vals["allowed"], 10, 64)
	rejected, _ := strconv.ParseInt(vals["rejected"], 10, 64)
	return Counters{Allowed: allowed, Rejected: rejected}
}

// routeCountersFrom folds "<METHOD> <route>:allowed|rejected" fields into per-route counters.
func routeCountersFrom(vals map[string]string) map[string]Counters {
	out := make(map[string]Counters)
	for field, raw := range vals {
		i := strings.LastIndexByte(field, ':')
		if i <= 0 {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		route := field[:i]
		c := out[route]
		switch field[i+1:] {
		case "allowed":
			c.Allowed += n
		case "rejected":
			c.Rejected += n
		default:
			continue
		}
		out[route] = c
	}
	return out
}
