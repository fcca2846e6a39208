package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"doublet/internal/doublet/app"
	"doublet/internal/doublet/handler"
	"doublet/internal/platform/config"
	"doublet/internal/platform/health"
	"doublet/internal/platform/logger"
	"doublet/pkg/platform/middleware/request"
)

const maxBodyBytes = 64 << 10

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Lookup logic lives in internal/doublet.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	log.Info("initializing doublet service",
		"addr", cfg.Addr,
		"crm", cfg.CRM.BaseURL,
		"cache_ttl", cfg.CacheTTL,
		"breaker_threshold", cfg.BreakerThreshold,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Logger: log, Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		log.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close() //nolint:errcheck // process is exiting
	a.RunBackground(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router(a, log),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.CRM.Timeout*4 + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("starting http server", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

func router(a *app.App, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(log))
	r.Use(request.Logger(log))
	r.Use(request.Latency(request.NewMetrics(prometheus.DefaultRegisterer)))
	r.Use(request.BodyLimit(maxBodyBytes))

	h := health.New()
	if a.Redis != nil {
		h.RegisterCheck("redis", a.Redis.Health)
	}
	if a.Breaker != nil {
		h.RegisterAdvisoryCheck("crm_search", a.BreakerCheck)
	}
	h.Register(r)

	handler.New(a.Checker, log).Register(r)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
