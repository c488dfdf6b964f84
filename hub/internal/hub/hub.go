// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amurg-ai/m10n/hub/internal/api"
	"github.com/amurg-ai/m10n/hub/internal/auth"
	"github.com/amurg-ai/m10n/hub/internal/catalog"
	"github.com/amurg-ai/m10n/hub/internal/config"
	"github.com/amurg-ai/m10n/hub/internal/feed"
	"github.com/amurg-ai/m10n/hub/internal/metrics"
	"github.com/amurg-ai/m10n/hub/internal/store"
	"github.com/amurg-ai/m10n/pkg/revision"
)

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	catalog      *catalog.Catalog
	feed         *feed.Broadcaster
	metrics      *metrics.Metrics
	api          *api.Server
	logger       *slog.Logger
}

// NewResolver builds the revision resolver described by the catalog config.
func NewResolver(cfg config.CatalogConfig) *revision.Resolver {
	opts := []revision.Option{revision.WithBounds(revision.Bounds{
		StartInclusive: !cfg.StartExclusive,
		EndInclusive:   !cfg.EndExclusive,
	})}
	if cfg.DayGranularity {
		opts = append(opts, revision.WithDayGranularity())
	}
	return revision.NewResolver(opts...)
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	var m *metrics.Metrics
	if !cfg.Metrics.Disabled {
		m = metrics.New()
	}

	fd := feed.New(authProvider, logger, feed.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Buffer:         cfg.Catalog.FeedBuffer,
		Metrics:        m,
	})

	cat, err := catalog.New(db, catalog.Options{
		Resolver:      NewResolver(cfg.Catalog),
		Clock:         revision.SystemClock,
		ChainTTL:      cfg.Catalog.ChainCacheTTL.Duration,
		ProductAccess: cfg.Catalog.DefaultProductAccess,
		PurchaseRules: cfg.Catalog.PurchaseRules,
		Publisher:     fd,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init catalog: %w", err)
	}

	apiSrv := api.NewServer(db, authProvider, loginProvider, cat, fd, m, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		catalog:      cat,
		feed:         fd,
		metrics:      m,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	if authProvider.Name() == "builtin" && cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("default admin credentials detected (admin/admin), change them before going to production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Catalog returns the hub's plan catalog.
func (h *Hub) Catalog() *catalog.Catalog { return h.catalog }

// Store returns the hub's store.
func (h *Hub) Store() store.Store { return h.store }

// Close releases the feed and the store without serving.
func (h *Hub) Close() error {
	h.feed.Close()
	return h.store.Close()
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	if h.cfg.Storage.AuditRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, time.Hour, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Feed connections are hijacked and not tracked by Shutdown.
		h.feed.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.feed.Close()
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, interval, auditRetention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purgeAudit(ctx, time.Now().Add(-auditRetention))
		}
	}
}

func (h *Hub) purgeAudit(ctx context.Context, cutoff time.Time) {
	n, err := h.store.PurgeOldAuditEvents(ctx, cutoff)
	if err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
		return
	}
	h.metrics.AuditPurged(n)
	if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
