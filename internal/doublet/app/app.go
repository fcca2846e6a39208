// Package app assembles the doublet lookup from process configuration. Both
// the HTTP server and the command line tool build their checker here.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"doublet/internal/crm/paginator"
	"doublet/internal/crm/transport"
	"doublet/internal/doublet/cache"
	"doublet/internal/doublet/filter"
	"doublet/internal/doublet/metrics"
	"doublet/internal/doublet/qualifier"
	"doublet/internal/doublet/service"
	"doublet/internal/doublet/tracer"
	"doublet/internal/platform/config"
	"doublet/internal/platform/logger"
	redisclient "doublet/internal/platform/redis"
	"doublet/pkg/platform/circuit"
)

// App holds the wired lookup and the collaborators main needs for health
// checks and shutdown.
type App struct {
	Service *service.Service
	Checker cache.Finder
	Metrics *metrics.Metrics
	Breaker *circuit.Breaker
	Redis   *redisclient.Client
}

// Options tune what New wires beyond the configuration.
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// IncludeZombies disables the conflict flag qualifier.
	IncludeZombies bool
	// HTTPClient replaces the transport's default client.
	HTTPClient transport.Doer
}

// New wires the transport, paginator, service, breaker and cache.
func New(ctx context.Context, cfg config.Server, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	fallbackOrder, err := service.ParseFallbackOrder(cfg.Policy.FallbackOrder)
	if err != nil {
		return nil, fmt.Errorf("fallback order: %w", err)
	}

	m := metrics.New(opts.Registerer)

	var limiter *rate.Limiter
	if cfg.CRM.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.CRM.RateLimit), max(cfg.CRM.RateBurst, 1))
	}
	client := transport.New(transport.Config{
		BaseURL:    cfg.CRM.BaseURL,
		APIToken:   cfg.CRM.APIToken,
		Headers:    cfg.CRM.Headers,
		Timeout:    cfg.CRM.Timeout,
		HTTPClient: opts.HTTPClient,
		Limiter:    limiter,
		Observer:   m,
	})

	a := &App{Metrics: m}

	serviceOpts := []service.Option{
		service.WithLogger(log),
		service.WithTracer(tracer.NewOTel()),
		service.WithMetrics(m),
		service.WithPolicy(service.Policy{
			RetryableStatuses: cfg.Policy.RetryableStatuses,
			FallbackOrder:     fallbackOrder,
		}),
		service.WithSchemas(
			filter.PrivateSchema.WithNamespace(cfg.Policy.Namespaces.Private),
			filter.BusinessSchema.WithNamespace(cfg.Policy.Namespaces.Business),
		),
	}
	if cfg.BreakerThreshold > 0 {
		a.Breaker = circuit.New("crm-search",
			circuit.WithFailureThreshold(cfg.BreakerThreshold),
			circuit.WithStateChangeHook(func(name string, to circuit.State) {
				log.Warn("circuit breaker state changed", "breaker", name, "state", to.String())
			}),
		)
		serviceOpts = append(serviceOpts, service.WithBreaker(a.Breaker))
	}
	a.Service = service.New(paginator.New(client), serviceOpts...)

	disqualify := qualifier.CustomFlag(cfg.Policy.ZombieField)
	if opts.IncludeZombies || cfg.Policy.ZombieField == "" {
		disqualify = qualifier.None
	}
	var checker cache.Finder = a.Service.Bind(disqualify)

	if cfg.CacheTTL > 0 {
		var store cache.Store
		rdb, err := redisclient.New(ctx, cfg.Redis, opts.Registerer)
		if err != nil {
			return nil, err
		}
		if rdb != nil {
			a.Redis = rdb
			store = cache.NewRedisStore(rdb)
			log.Info("doublet cache backed by redis", "ttl", cfg.CacheTTL)
		} else {
			store = cache.NewMemoryStore()
			log.Info("doublet cache in memory", "ttl", cfg.CacheTTL)
		}
		checker = cache.New(checker, store, cfg.CacheTTL, cache.WithMetrics(m), cache.WithLogger(log))
	}
	a.Checker = checker

	return a, nil
}

// RunBackground starts periodic work such as pool statistics until ctx ends.
func (a *App) RunBackground(ctx context.Context) {
	if a.Redis != nil {
		go a.Redis.RunPoolStats(ctx, 15*time.Second)
	}
}

// BreakerCheck reports an open breaker as a failed dependency check.
func (a *App) BreakerCheck(context.Context) error {
	if a.Breaker != nil && a.Breaker.IsOpen() {
		return fmt.Errorf("circuit %s open, using failsafe search", a.Breaker.Name())
	}
	return nil
}

// Close releases external connections.
func (a *App) Close() error {
	if a.Redis != nil {
		return a.Redis.Close()
	}
	return nil
}
