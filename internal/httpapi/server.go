// Package httpapi exposes checkout, payments, webhooks and the admin
// surface over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/zyndor1548/storefront-payments/internal/auth"
	"github.com/zyndor1548/storefront-payments/internal/checkout"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/payment"
	"github.com/zyndor1548/storefront-payments/internal/provider"
	"github.com/zyndor1548/storefront-payments/internal/ratelimit"
	"github.com/zyndor1548/storefront-payments/internal/reconcile"
	"github.com/zyndor1548/storefront-payments/internal/webhook"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the router serves. Limiter, Hub, Ledger and
// Redis are optional.
type Deps struct {
	Payments   *payment.Orchestrator
	Checkout   *checkout.Coordinator
	Webhooks   *webhook.Processor
	Reconciler *reconcile.Service
	Providers  *provider.Registry
	Hub        http.Handler
	Limiter    ratelimit.Limiter
	Tokens     *auth.TokenIssuer
	AdminKeys  *auth.AdminKeyVerifier
	Ledger     Pinger
	Redis      *redis.Client
	Logger     *logging.StructuredLogger

	// RequireAuth makes a bearer token mandatory on customer routes.
	RequireAuth    bool
	RequestTimeout time.Duration
	StatsCacheTTL  time.Duration
}

type server struct {
	Deps
	stats statsCache
}

// statsCache holds the last provider status snapshot.
type statsCache struct {
	mu    sync.Mutex
	at    time.Time
	value []map[string]interface{}
}

func (s *statsCache) get(ttl time.Duration, load func() []map[string]interface{}) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != nil && time.Since(s.at) < ttl {
		return s.value
	}
	s.value = load()
	s.at = time.Now()
	return s.value
}

func (s *statsCache) invalidate() {
	s.mu.Lock()
	s.value = nil
	s.mu.Unlock()
}

// identityKey limits authenticated callers per user or store and everyone
// else per client address.
func identityKey(c *gin.Context) string {
	if id, ok := auth.IdentityFrom(c.Request.Context()); ok {
		return id.LimiterKey()
	}
	return ratelimit.ClientIPKey(c)
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 60 * time.Second
	}
	s := &server{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery(), auth.CorrelationID(), requestLogger(d.Logger))

	r.GET("/health", s.health)
	if d.Hub != nil {
		r.GET("/ws", gin.WrapH(d.Hub))
	}
	r.POST("/webhooks/:provider", auth.Timeout(d.RequestTimeout), s.webhook)

	api := r.Group("/")
	api.Use(auth.Bearer(d.Tokens, d.RequireAuth))
	if d.Limiter != nil {
		api.Use(ratelimit.Middleware(d.Limiter, identityKey, d.Logger))
	}
	api.Use(auth.Timeout(d.RequestTimeout))
	{
		api.POST("/checkout", s.checkout)
		api.POST("/payments", s.initiatePayment)
		api.GET("/payments/:id", s.getPayment)
		api.POST("/payments/:id/verify", s.verifyPayment)
		api.POST("/payments/:id/cancel", s.cancelPayment)
		api.POST("/payments/:id/refund", s.refundPayment)
	}

	admin := r.Group("/admin")
	admin.Use(auth.AdminKey(d.AdminKeys))
	{
		admin.POST("/reconcile", s.reconcileRange)
		admin.POST("/reconcile/:id", s.reconcileOne)
		admin.GET("/providers", s.listProviders)
		admin.POST("/providers/:name/enable", s.enableProvider)
		admin.POST("/providers/:name/disable", s.disableProvider)
		admin.POST("/providers/:name/reset", s.resetBreaker)
	}
	return r
}

func requestLogger(logger *logging.StructuredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP request", map[string]interface{}{
			"correlation_id": logging.CorrelationID(c.Request.Context()),
			"method":         c.Request.Method,
			"path":           c.FullPath(),
			"status":         c.Writer.Status(),
			"latency_ms":     time.Since(start).Milliseconds(),
		})
	}
}
