package app

import (
	"context"
	"fmt"
	"log/slog"

	relayCache "github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/history"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/proxy"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/routing"
)

// initInfra establishes optional external connections.
// Redis is required when CACHE_MODE=redis or RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the adapter map. Every provider the routing table
// references has credentials — enforced by config validation before we reach
// here.
func (a *App) initProviders(ctx context.Context) error {
	provs, err := buildProviders(ctx, a.cfg)
	if err != nil {
		return err
	}
	if len(provs) == 0 {
		return fmt.Errorf("no provider credentials configured")
	}
	a.provs = provs

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the metrics registry and the history recorder.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink history.Sink
	switch a.cfg.History.Backend {
	case "clickhouse":
		s, err := history.NewClickHouseSink(ctx, history.ClickHouseConfig{
			Addr:     a.cfg.History.ClickHouseAddr,
			Database: a.cfg.History.ClickHouseDatabase,
			Username: a.cfg.History.ClickHouseUsername,
			Password: a.cfg.History.ClickHousePassword,
		}, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = s
		a.log.Info("history backend: clickhouse")

	case "stdout":
		sink = history.NewSlogSink(a.log)
		a.log.Info("history backend: stdout")

	case "none":
		a.log.Info("history backend: disabled")
	}

	if sink != nil {
		rec, err := history.New(a.baseCtx, sink, a.prom.RecordHistoryDropped)
		if err != nil {
			return fmt.Errorf("history recorder: %w", err)
		}
		a.recorder = rec
	}

	return nil
}

// initRouter builds the validated routing table and the fallback router.
func (a *App) initRouter(_ context.Context) error {
	table, err := a.cfg.Table()
	if err != nil {
		return fmt.Errorf("routing table: %w", err)
	}

	a.router = routing.New(routing.Config{
		Table:     table,
		Providers: a.provs,
		RetryWait: a.cfg.Routing.RetryTimeout,
		BlockFor:  a.cfg.Routing.RateLimitWindow,
		Logger:    a.log,
		Metrics:   a.prom,
	})

	a.log.Info("routing table loaded",
		slog.Any("aliases", table.Aliases()),
		slog.Duration("retry_timeout", a.cfg.Routing.RetryTimeout),
		slog.Duration("rate_limit_window", a.cfg.Routing.RateLimitWindow),
	)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl relayCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = relayCache.NewRedisCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		cacheImpl = relayCache.NewMemoryCache(a.cfg.Cache.MemoryEntries)
		cacheReady = func() bool { return true }
		a.log.Info("cache backend: memory (in-process)",
			slog.Int("entries", a.cfg.Cache.MemoryEntries))
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
		a.log.Info("cache backend: disabled")
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		CacheTTL:       a.cfg.Cache.TTL,
		RetryAfter:     a.cfg.Routing.RateLimitWindow,
		RequestTimeout: a.cfg.Routing.RequestTimeout,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.router, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	if a.recorder != nil {
		gw.SetHistory(a.recorder)
	}

	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := relayCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
