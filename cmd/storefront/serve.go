package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/zyndor1548/storefront-payments/internal/auth"
	"github.com/zyndor1548/storefront-payments/internal/checkout"
	"github.com/zyndor1548/storefront-payments/internal/httpapi"
	"github.com/zyndor1548/storefront-payments/internal/notify"
	"github.com/zyndor1548/storefront-payments/internal/payment"
	"github.com/zyndor1548/storefront-payments/internal/provider"
	"github.com/zyndor1548/storefront-payments/internal/reconcile"
	"github.com/zyndor1548/storefront-payments/internal/webhook"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "create ledger tables before serving")
	return cmd
}

func runServe(ctx context.Context, migrate bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	if migrate {
		if err := a.store.Migrate(ctx); err != nil {
			return err
		}
	}

	hub := notify.NewHub(a.redis, a.logger)
	a.closers = append(a.closers, hub.Close)
	notifier, err := a.notifier(ctx, hub)
	if err != nil {
		return err
	}

	orch := payment.New(a.store, a.registry, notifier, a.logger, payment.Options{
		DefaultProvider: cfg.DefaultProvider,
		ReturnURL:       cfg.ReturnURL,
		CancelURL:       cfg.CancelURL,
	})

	var catalog checkout.Catalog = checkout.StaticCatalog{}
	var replay webhook.ReplayGuard = webhook.NewMemoryReplayGuard(cfg.WebhookReplayTTL)
	if a.redis != nil {
		catalog = checkout.NewRedisCatalog(a.redis)
		replay = webhook.NewRedisReplayGuard(a.redis, cfg.WebhookReplayTTL)
	} else {
		a.logger.Warn("REDIS_ADDR not set: catalog is empty and webhook replay protection is per process", nil)
	}
	coord := checkout.New(catalog, a.store, orch, a.logger)

	hooks := webhook.NewProcessor(map[string]string{
		provider.Moneroo:  cfg.Moneroo.WebhookSecret,
		provider.PayDunya: cfg.PayDunya.WebhookSecret,
	}, replay, orch, a.logger)

	rec := reconcile.New(a.store, a.registry, notifier, a.logger, reconcile.Options{
		Pause:      cfg.Reconcile.Pause,
		BatchLimit: cfg.Reconcile.BatchLimit,
	})

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Deps{
		Payments:       orch,
		Checkout:       coord,
		Webhooks:       hooks,
		Reconciler:     rec,
		Providers:      a.registry,
		Hub:            hub,
		Limiter:        a.ingress,
		Tokens:         auth.NewTokenIssuer(cfg.JWTSecret, 24*time.Hour),
		AdminKeys:      auth.NewAdminKeyVerifier(cfg.AdminAPIKeyHash),
		Ledger:         a.store,
		Redis:          a.redis,
		Logger:         a.logger,
		RequireAuth:    cfg.RequireIdentity,
		RequestTimeout: cfg.RequestTimeout,
		StatsCacheTTL:  cfg.StatsCacheTTL,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", map[string]interface{}{
			"addr":      cfg.HTTPAddr,
			"providers": a.registry.Names(),
			"version":   Version,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
