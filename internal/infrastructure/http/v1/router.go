// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"stockpile/internal/infrastructure/http/v1/handlers"
	"stockpile/internal/infrastructure/http/v1/middleware"
	"stockpile/internal/ratelimit"
	"stockpile/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	Logger *logger.Logger

	Products handlers.ProductService

	// Limiter throttles mutating routes. Nil disables throttling.
	Limiter *ratelimit.Limiter

	// Stats records limiter decisions. Optional. When it also implements
	// ratelimit.StatsReader the counters are served on /health/ratelimit.
	Stats ratelimit.StatsStore

	// KeyFunc derives the caller identity. Defaults to the remote address.
	KeyFunc ratelimit.KeyFunc

	// ThrottleReads also applies the limiter to GET routes.
	ThrottleReads bool

	DB     handlers.Pinger
	Broker handlers.BrokerStatus
	Info   handlers.HealthInfo
}

// NewRouter creates the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	router := gin.New()

	// Order matters: Recovery wraps everything, ErrorHandler renders before Logger reads the status.
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Client(cfg.KeyFunc))
	router.Use(middleware.Logger(log))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Broker, cfg.Info)
	if reader, ok := cfg.Stats.(ratelimit.StatsReader); ok && reader != nil {
		var tracked func() int
		if cfg.Limiter != nil {
			tracked = cfg.Limiter.Len
		}
		healthHandler.WithRateLimitStats(reader, tracked)
	}

	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
		if healthHandler.HasRateLimitStats() {
			health.GET("/ratelimit", healthHandler.RateLimit)
		}
	}

	var throttle RouteThrottle
	if cfg.Limiter != nil {
		throttle.Mutate = middleware.RateLimit(cfg.Limiter, cfg.Stats, log)
		if cfg.ThrottleReads {
			throttle.Read = throttle.Mutate
		}
	}

	productHandler := handlers.NewProductHandler(handlers.NewBaseHandler(), cfg.Products)

	v1 := router.Group("/api/v1")
	RegisterProductRoutes(v1.Group("/products"), productHandler, throttle)
	RegisterLegacyRoutes(router, productHandler, throttle)

	return router
}
