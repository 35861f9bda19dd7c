package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tokengate/gateway/internal/apikey"
	"github.com/tokengate/gateway/internal/ledger"
	"github.com/tokengate/gateway/internal/metrics"
	"github.com/tokengate/gateway/internal/pricing"
	"github.com/tokengate/gateway/internal/proxy"
	"github.com/tokengate/gateway/internal/ratelimit"
	"github.com/tokengate/gateway/internal/store"
	"github.com/tokengate/gateway/internal/upstream"
	"github.com/tokengate/gateway/internal/usage"
)

// initStore opens the record store. Postgres when DATABASE_URL is set,
// otherwise the embedded SQLite file.
func (a *App) initStore(ctx context.Context) error {
	if a.cfg.Store.DatabaseURL != "" {
		a.log.Info("connecting to postgres", slog.String("url", redactURL(a.cfg.Store.DatabaseURL)))
		st, err := store.NewPostgres(ctx, a.cfg.Store.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.st = st
		return nil
	}

	a.log.Info("using embedded sqlite store", slog.String("path", a.cfg.Store.SQLitePath))
	st, err := store.NewSQLite(ctx, a.cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	a.st = st
	return nil
}

// initInfra establishes optional external connections. Redis is only
// required when rate limiting is enabled; ClickHouse only when the usage
// mirror is configured.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Analytics.ClickHouseAddr != "" {
		a.log.Info("connecting to clickhouse", slog.String("addr", a.cfg.Analytics.ClickHouseAddr))

		an, err := usage.NewAnalytics(ctx, a.cfg.Analytics.ClickHouseAddr, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.analytics = an
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initServices creates the metrics registry and the billing subsystems.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	catalog, err := pricing.NewCatalog(ctx, a.st)
	if err != nil {
		return fmt.Errorf("model catalog: %w", err)
	}
	a.catalog = catalog
	a.log.Info("model catalog loaded", slog.Int("models", len(catalog.Active())))

	auth, err := apikey.New(a.baseCtx, a.st, a.log, apikey.Options{})
	if err != nil {
		return fmt.Errorf("authenticator: %w", err)
	}
	a.auth = auth

	a.led = ledger.New(a.st, a.log, a.cfg.Billing.ReservationTTL)
	a.recorder = usage.NewRecorder(a.st, a.analytics, a.log)

	return nil
}

// initUpstreams builds the signed HTTP client and the endpoint pool.
func (a *App) initUpstreams(_ context.Context) error {
	signer, err := upstream.NewSigner(a.cfg.Upstream.HMACKey)
	if err != nil {
		return fmt.Errorf("signer: %w", err)
	}

	endpoints := make([]*upstream.Endpoint, len(a.cfg.Upstreams))
	for i, ep := range a.cfg.Upstreams {
		endpoints[i] = &upstream.Endpoint{Name: ep.Name, BaseURL: ep.BaseURL}
		a.prom.SetEndpointHealth(ep.Name, int64(upstream.StateHealthy))
	}

	pool, err := upstream.NewPool(a.baseCtx, endpoints, a.log, upstream.PoolOptions{
		DeadThreshold: a.cfg.Upstream.DeadThreshold,
		FailWindow:    a.cfg.Upstream.FailWindow,
		ProbeInterval: a.cfg.Upstream.ProbeInterval,
		OnStateChange: func(name string, s upstream.State) {
			a.prom.SetEndpointHealth(name, int64(s))
		},
	})
	if err != nil {
		return fmt.Errorf("endpoint pool: %w", err)
	}
	a.pool = pool

	client := upstream.NewClient(signer, a.cfg.Upstream.Timeout)
	a.router = upstream.NewRouter(pool, client, a.cfg.Upstream.MaxAttempts, a.log, a.prom.ObserveUpstreamAttempt)

	return nil
}

// initGateway wires together the proxy pipeline, the background jobs, and
// the management routes.
func (a *App) initGateway(_ context.Context) error {
	var limiter *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	a.gw = proxy.New(a.baseCtx, a.auth, a.catalog, a.led, a.recorder, a.router, a.pool, a.st, proxy.Options{
		Logger:           a.log,
		Metrics:          a.prom,
		Limiter:          limiter,
		DefaultMaxTokens: a.cfg.Billing.DefaultMaxTokens,
		CORSOrigins:      a.cfg.CORSOrigins,
		Version:          a.version,
	})

	if err := a.startJobs(); err != nil {
		return fmt.Errorf("background jobs: %w", err)
	}

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// startJobs schedules the reservation sweeper and the catalog refresher.
func (a *App) startJobs() error {
	a.jobs = cron.New()

	a.jobs.Schedule(cron.Every(a.cfg.Billing.SweepInterval), cron.FuncJob(func() {
		if n := a.led.Sweep(time.Now()); n > 0 {
			a.prom.AddReservationsSwept(n)
			a.log.Warn("stale reservations swept", slog.Int("count", n))
		}
		a.prom.SetOpenReservations(a.led.OpenReservations())
	}))

	a.jobs.Schedule(cron.Every(a.cfg.Billing.CatalogRefresh), cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(a.baseCtx, 10*time.Second)
		defer cancel()
		if err := a.catalog.Refresh(ctx); err != nil {
			// The catalog keeps serving its last good snapshot.
			a.log.Warn("catalog refresh failed", slog.String("error", err.Error()))
		}
	}))

	a.jobs.Start()
	return nil
}
