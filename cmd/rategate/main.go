package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rategate/rategate/internal/auth"
	"github.com/rategate/rategate/internal/config"
	"github.com/rategate/rategate/internal/gateway"
	"github.com/rategate/rategate/internal/obs"
	"github.com/rategate/rategate/internal/ops"
	"github.com/rategate/rategate/internal/proxy"
	"github.com/rategate/rategate/internal/ratelimit"
	"github.com/rategate/rategate/internal/ratelimit/bucket"
	"github.com/rategate/rategate/internal/ratelimit/memory"
	redislimiter "github.com/rategate/rategate/internal/ratelimit/redis"
	"github.com/rategate/rategate/internal/routing"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	// static API keys
	keys := make([]auth.Key, 0, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		keys = append(keys, auth.Key{ID: k.ID, Secret: k.Secret, Metadata: k.Metadata})
	}
	authStore := auth.NewStatic(cfg.Auth.Header, keys)

	// route table
	router := routing.New()
	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.Upstream.URL)
		if err != nil {
			logger.Fatal().Err(err).Str("route", rc.ID).Msg("bad upstream url")
		}
		methods := map[string]struct{}{}
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
		overrides := map[string]routing.Limit{}
		for kid, o := range rc.LimitOverrides {
			overrides[kid] = routing.Limit{Requests: o.Requests, Window: o.Window(), Burst: o.Burst}
		}
		router.Add(&routing.Route{
			ID:             rc.ID,
			Prefix:         rc.Match.PathPrefix,
			Methods:        methods,
			UpUrl:          u,
			Timeout:        time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
			LimitRequests:  rc.Limit.Requests,
			LimitWindow:    rc.Limit.Window(),
			LimitBurst:     rc.Limit.Burst,
			LimitOverrides: overrides,
		})
	}

	// metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := obs.NewMetrics(reg)

	// limiter + default policy
	defaultPolicy := ratelimit.Policy{
		Requests: cfg.Limits.Default.Requests,
		Window:   cfg.Limits.Default.Window(),
		Burst:    cfg.Limits.Default.Burst,
	}

	var lim ratelimit.Limiter
	var ready func(context.Context) error

	switch cfg.Limits.Backend {
	case "redis":
		if cfg.Limits.Strategy == "bucket" {
			logger.Warn().Msg("bucket strategy is in-process only, redis backend serves the sliding window")
		}
		rl := redislimiter.New(redislimiter.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lim = rl
		ready = rl.Ping
	default:
		if cfg.Limits.Strategy == "bucket" {
			lim = bucket.New()
			break
		}
		mem := memory.New(
			memory.WithSweepInterval(cfg.Limits.SweepInterval()),
			memory.WithMaxClients(cfg.Limits.MaxClients),
			memory.WithOnEvict(func(n int) { m.Evictions.Add(float64(n)) }),
			memory.WithOnCapacity(func() { m.CapacityHits.Inc() }),
		)
		obs.RegisterTrackedClients(reg, func() float64 { return float64(mem.Len()) })
		lim = mem
	}

	logger.Info().
		Str("strategy", cfg.Limits.Strategy).
		Str("backend", cfg.Limits.Backend).
		Int("requests", defaultPolicy.Requests).
		Dur("window", defaultPolicy.Window).
		Msg("limiter ready")

	// data plane
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})

	mux.Handle("/", proxy.Handler(proxy.NewHTTPTransport()))

	skip := map[string]struct{}{
		"/health":  {},
		"/version": {},
	}

	onLimited := func(routeID string) { m.RateLimited.WithLabelValues(routeID).Inc() }
	onError := func(routeID string) { m.LimiterErrors.WithLabelValues(routeID).Inc() }

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		gateway.ClientIP(cfg.Server.TrustProxy),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
		gateway.RouteMatcher(router, skip),
		m.Middleware(skip),
		gateway.RateLimit(lim, defaultPolicy, skip, onLimited, onError),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// ops plane
	opsStop, err := ops.Start(context.Background(), logger, ops.Options{
		Addr:        cfg.Ops.Addr,
		MetricsPath: cfg.Observability.PrometheusPath,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		KeyList:     authStore.ListHandler(),
		Ready:       ready,
		Version:     version,
		EnablePprof: cfg.Ops.EnablePprof,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("start ops server")
	}

	// start
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdown(ctx, logger, srv, opsStop, lim)
	logger.Info().Msg("bye")
}

// shutdown drains the data listener, then the ops listener, then the
// limiter, logging every step that fails.
func shutdown(ctx context.Context, logger zerolog.Logger, srv *http.Server, opsStop func(context.Context) error, lim ratelimit.Limiter) {
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := opsStop(ctx); err != nil {
		logger.Warn().Err(err).Msg("ops shutdown failed")
	}
	if err := lim.Close(); err != nil {
		logger.Error().Err(err).Msg("limiter close failed")
	}
}
