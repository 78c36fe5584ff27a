package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zyndor1548/storefront-payments/internal/config"
	"github.com/zyndor1548/storefront-payments/internal/ledger"
	"github.com/zyndor1548/storefront-payments/internal/logging"
	"github.com/zyndor1548/storefront-payments/internal/notify"
	"github.com/zyndor1548/storefront-payments/internal/provider"
	"github.com/zyndor1548/storefront-payments/internal/ratelimit"
	"github.com/zyndor1548/storefront-payments/internal/retry"
)

// app holds the components every command shares.
type app struct {
	cfg      *config.Config
	logger   *logging.StructuredLogger
	store    *ledger.SQLStore
	redis    *redis.Client
	limiter  ratelimit.Limiter
	ingress  ratelimit.Limiter
	pools    *provider.Pools
	registry *provider.Registry

	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: logging.NewStructuredLogger(cfg.LogLevel, cfg.LogMaskPII, os.Stdout),
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Username: "default",
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.logger.Warn("Redis unreachable, continuing", map[string]interface{}{"error": err.Error()})
		}
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
	}
	// Admission and provider calls each get their own windows so one
	// payment does not spend the same budget twice.
	a.limiter = a.buildLimiter("ratelimit")
	a.ingress = a.buildLimiter("ratelimit:http")

	a.pools = provider.NewPools(provider.DefaultPoolConfig())
	a.closers = append(a.closers, a.pools.CloseAll)
	if err := a.registerProviders(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() error {
	var (
		store *ledger.SQLStore
		err   error
	)
	if a.cfg.MySQLDSN != "" {
		store, err = ledger.OpenMySQL(a.cfg.MySQLDSN)
	} else {
		store, err = ledger.OpenSQLite(a.cfg.SQLitePath)
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	return nil
}

// buildLimiter shares windows through redis when it is configured. The
// prefix namespaces the redis keys.
func (a *app) buildLimiter(prefix string) ratelimit.Limiter {
	rl := a.cfg.RateLimit
	if a.redis != nil {
		return &ratelimit.Set{
			Global:   ratelimit.NewRedisWindow(a.redis, prefix+":global", rl.Window, rl.MaxGlobal),
			PerUser:  ratelimit.NewRedisWindow(a.redis, prefix+":user", rl.Window, rl.MaxUser),
			PerStore: ratelimit.NewRedisWindow(a.redis, prefix+":store", rl.Window, rl.MaxStore),
		}
	}
	windows := []*ratelimit.Window{
		ratelimit.NewWindow(rl.Window, rl.MaxGlobal),
		ratelimit.NewWindow(rl.Window, rl.MaxUser),
		ratelimit.NewWindow(rl.Window, rl.MaxStore),
	}
	for _, w := range windows {
		w.StartCompaction(rl.Window)
		a.closers = append(a.closers, w.Stop)
	}
	return &ratelimit.Set{Global: windows[0], PerUser: windows[1], PerStore: windows[2]}
}

func (a *app) callerConfig(name, baseURL string) (provider.CallerConfig, *provider.Registration) {
	reg := &provider.Registration{
		Enabled:  true,
		Priority: a.priority(name),
		Breaker:  provider.NewCircuitBreaker(name, provider.DefaultCircuitBreakerConfig(), a.logger),
		Pool:     a.pools.Get(name),
		Latency:  provider.NewLatencyTracker(1000),
	}
	return provider.CallerConfig{
		BaseURL: baseURL,
		Timeout: a.cfg.Provider.Timeout,
		Retry: retry.Policy{
			MaxRetries:   a.cfg.Provider.MaxRetries,
			BaseBackoff:  a.cfg.Provider.RetryBackoff,
			JitterFactor: 0.2,
			Logger:       a.logger,
		},
		Limiter:         a.limiter,
		Breaker:         reg.Breaker,
		Latency:         reg.Latency,
		HTTP:            reg.Pool.Client(),
		Logger:          a.logger,
		RequireIdentity: a.cfg.RequireIdentity,
	}, reg
}

func (a *app) priority(name string) provider.Priority {
	if name == a.cfg.DefaultProvider {
		return provider.PriorityPrimary
	}
	return provider.PrioritySecondary
}

func (a *app) registerProviders() error {
	a.registry = provider.NewRegistry(a.logger)

	if a.cfg.MonerooEnabled() {
		cfg, reg := a.callerConfig(provider.Moneroo, a.cfg.Moneroo.BaseURL)
		reg.Client = provider.NewMoneroo(cfg, a.cfg.Moneroo.SecretKey)
		if err := a.registry.Register(reg); err != nil {
			return err
		}
	}
	if a.cfg.PayDunyaEnabled() {
		cfg, reg := a.callerConfig(provider.PayDunya, a.cfg.PayDunya.BaseURL)
		reg.Client = provider.NewPayDunya(cfg, provider.PayDunyaKeys{
			MasterKey:  a.cfg.PayDunya.MasterKey,
			PrivateKey: a.cfg.PayDunya.PrivateKey,
			Token:      a.cfg.PayDunya.Token,
			StoreName:  a.cfg.PayDunya.StoreName,
		})
		if err := a.registry.Register(reg); err != nil {
			return err
		}
	}
	if len(a.registry.Names()) == 0 {
		return errors.New("no payment provider configured: set MONEROO_SECRET_KEY or the PAYDUNYA_* keys")
	}
	return nil
}

// notifier fans events out to the websocket hub (when given) and SQS
// (when configured), detached from the caller.
func (a *app) notifier(ctx context.Context, hub *notify.Hub) (*notify.Detached, error) {
	var targets notify.Fanout
	if hub != nil {
		targets = append(targets, hub)
	}
	if a.cfg.NotifySQSQueue != "" {
		client, err := notify.NewSQSClient(ctx, a.cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("sqs client: %w", err)
		}
		targets = append(targets, notify.NewSQSPublisher(client, a.cfg.NotifySQSQueue))
	}
	d := notify.NewDetached(targets, a.logger, 10*time.Second)
	a.closers = append(a.closers, d.Close)
	return d, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
