package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"stockpile/internal/core/apperror"
	"stockpile/internal/ratelimit"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatus reports whether a broker session is currently open.
type BrokerStatus interface {
	Connected() bool
}

// HealthInfo supplies extra fields for /health/info.
type HealthInfo func() map[string]any

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	db     Pinger
	broker BrokerStatus
	info   HealthInfo

	stats   ratelimit.StatsReader
	tracked func() int
}

// NewHealthHandler creates a health handler. broker and info may be nil.
func NewHealthHandler(db Pinger, broker BrokerStatus, info HealthInfo) *HealthHandler {
	return &HealthHandler{db: db, broker: broker, info: info}
}

// WithRateLimitStats enables GET /health/ratelimit. tracked may be nil.
func (h *HealthHandler) WithRateLimitStats(stats ratelimit.StatsReader, tracked func() int) *HealthHandler {
	h.stats = stats
	h.tracked = tracked
	return h
}

// HasRateLimitStats reports whether a stats reader is configured.
func (h *HealthHandler) HasRateLimitStats() bool {
	return h.stats != nil
}

// Live handles GET /health/live.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles GET /health/ready. Only the database gates readiness; the broker
// session is opened lazily and reported for information.
func (h *HealthHandler) Ready(c *gin.Context) {
	checks := map[string]string{"database": "healthy"}
	if h.broker != nil {
		if h.broker.Connected() {
			checks["broker"] = "connected"
		} else {
			checks["broker"] = "idle"
		}
	}

	if err := h.db.Ping(c.Request.Context()); err != nil {
		checks["database"] = "unhealthy: " + err.Error()
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "checks": checks})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// Info handles GET /health/info.
func (h *HealthHandler) Info(c *gin.Context) {
	body := gin.H{
		"app":     "stockpile",
		"version": "0.1.0",
	}
	if h.info != nil {
		for k, v := range h.info() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

// RateLimit handles GET /health/ratelimit.
func (h *HealthHandler) RateLimit(c *gin.Context) {
	snap, err := h.stats.Snapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(apperror.NewInternal(err))
		c.Abort()
		return
	}

	body := gin.H{
		"total":  snap.Total,
		"routes": snap.Routes,
	}
	if snap.Identities != nil {
		body["identities"] = snap.Identities
	}
	if h.tracked != nil {
		body["tracked"] = h.tracked()
	}
	c.JSON(http.StatusOK, body)
}
