package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/fusion/api"
	"github.com/use-agent/fusion/config"
)

func newServeCmd(load func() *config.Config) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides FUSION_PORT)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	slog.Info("fusion starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"headless", cfg.Browser.Headless,
		"transport", transportName(cfg.Transport),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.close()

	router := api.NewRouter(ctx, api.Deps{
		Searcher:  rt.agg,
		Opener:    rt.manager,
		Stats:     rt.manager,
		Catalog:   rt.catalog,
		Metrics:   rt.metrics,
		StartTime: time.Now(),
		Version:   version,
	}, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
		// Request contexts end with ctx so open streams return on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	// Give in-flight requests 5 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// rt.close runs via defer: closes every context and kills Chrome.
	slog.Info("fusion stopped")
	return nil
}

func transportName(cfg config.TransportConfig) string {
	if cfg.RedisURL != "" {
		return "redis"
	}
	return "memory"
}
