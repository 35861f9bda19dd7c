// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore     — record store (Postgres or embedded SQLite)
//  2. initInfra     — optional external connections (Redis, ClickHouse)
//  3. initServices  — metrics, catalog, authentication, ledger, recorder
//  4. initUpstreams — endpoint pool, request signer, failover router
//  5. initGateway   — proxy pipeline + background jobs + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/tokengate/gateway/internal/apikey"
	"github.com/tokengate/gateway/internal/config"
	"github.com/tokengate/gateway/internal/ledger"
	"github.com/tokengate/gateway/internal/metrics"
	"github.com/tokengate/gateway/internal/pricing"
	"github.com/tokengate/gateway/internal/proxy"
	"github.com/tokengate/gateway/internal/store"
	"github.com/tokengate/gateway/internal/upstream"
	"github.com/tokengate/gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st store.Store

	// Optional external connections — nil when not configured.
	rdb       *redis.Client
	analytics *usage.Analytics

	prom     *metrics.Registry
	catalog  *pricing.Catalog
	auth     *apikey.Authenticator
	led      *ledger.Ledger
	recorder *usage.Recorder

	pool   *upstream.Pool
	router *upstream.Router

	jobs *cron.Cron
	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
	srv  *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"upstreams", a.initUpstreams},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("upstreams", len(a.cfg.Upstreams)),
		slog.Int("models", len(a.catalog.Active())),
	)

	a.srv = a.gw.Server(a.mgmt)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.jobs != nil {
		<-a.jobs.Stop().Done()
		a.jobs = nil
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.Error("pool close error", slog.String("error", err.Error()))
		}
		a.pool = nil
	}
	if a.auth != nil {
		if err := a.auth.Close(); err != nil {
			a.log.Error("authenticator close error", slog.String("error", err.Error()))
		}
		a.auth = nil
	}
	if a.analytics != nil {
		if err := a.analytics.Close(); err != nil {
			a.log.Error("analytics close error", slog.String("error", err.Error()))
		}
		a.analytics = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		a.st.Close()
		a.st = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
