// Package ops runs the internal listener: metrics, health, readiness,
// version, and optional pprof. It binds its own port so none of these
// surfaces are reachable through the data plane.
package ops

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type Options struct {
	Addr        string
	MetricsPath string
	Metrics     http.Handler

	// KeyList serves the configured API key listing on /keys when set.
	KeyList http.Handler

	// Ready reports whether the gateway can serve traffic. Nil means always
	// ready.
	Ready func(context.Context) error

	Version     string
	EnablePprof bool
}

// Start listens on the ops address and returns a stop function for graceful
// shutdown. Stop is safe to call more than once.
func Start(ctx context.Context, logger zerolog.Logger, opts Options) (func(context.Context) error, error) {
	addr := opts.Addr
	if addr == "" {
		addr = ":9090"
	}
	metricsPath := opts.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.Ready != nil {
			if err := opts.Ready(req.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"ready":true}`))
	})

	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})

	if opts.Metrics != nil {
		r.Handle(metricsPath, opts.Metrics)
	}

	if opts.KeyList != nil {
		r.Handle("/keys", opts.KeyList)
	}

	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	} else {
		r.HandleFunc("/debug/pprof/*", func(w http.ResponseWriter, req *http.Request) {
			http.NotFound(w, req)
		})
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ops listen %s: %w", addr, err)
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("ops server listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			logger.Info().Msg("ops server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
