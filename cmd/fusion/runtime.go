package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/use-agent/fusion/aggregator"
	"github.com/use-agent/fusion/browser"
	"github.com/use-agent/fusion/config"
	"github.com/use-agent/fusion/extractor"
	"github.com/use-agent/fusion/gate"
	"github.com/use-agent/fusion/lifecycle"
	"github.com/use-agent/fusion/metrics"
	"github.com/use-agent/fusion/scheduler"
	"github.com/use-agent/fusion/sources"
	"github.com/use-agent/fusion/transport"
	"github.com/use-agent/fusion/webhook"
)

// runtime is the wired aggregation stack shared by serve and search.
type runtime struct {
	cfg      *config.Config
	catalog  *sources.Catalog
	store    transport.Store
	host     *browser.Host
	manager  *lifecycle.Manager
	agg      *aggregator.Aggregator
	metrics  *metrics.Collector
	notifier *webhook.Notifier
}

func openStore(ctx context.Context, cfg config.TransportConfig) (transport.Store, error) {
	if cfg.RedisURL == "" {
		return transport.NewMemoryStore(cfg.TTL), nil
	}
	return transport.OpenRedis(ctx, cfg.RedisURL, cfg.Channel, cfg.TTL)
}

// newRuntime launches the browser and wires every component. The catalog
// watcher, if enabled, runs until ctx is done.
func newRuntime(ctx context.Context, cfg *config.Config, withMetrics bool) (*runtime, error) {
	catalog, err := sources.Load(cfg.Sources.Path)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	slog.Info("source catalog loaded", "sources", catalog.Len())

	if cfg.Sources.Watch && cfg.Sources.Path != "" {
		go func() {
			if err := catalog.Watch(ctx, cfg.Sources.Path); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("source catalog watcher stopped", "error", err)
			}
		}()
	}

	store, err := openStore(ctx, cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}

	var mc *metrics.Collector
	if withMetrics {
		mc = metrics.New(prometheus.NewRegistry(), version)
	}

	host, err := browser.Launch(cfg.Browser)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	g := gate.New(gate.Thresholds{
		MarkerTextMax: cfg.Gate.MarkerTextMax,
		ShortTextMax:  cfg.Gate.ShortTextMax,
		MinLinks:      cfg.Gate.MinLinks,
	})
	manager := lifecycle.NewManager(host, extractor.Default(), g, store, mc, lifecycle.Config{
		Blocked:    browser.ParseClasses(cfg.Browser.BlockedResources),
		GraceDelay: cfg.Lifecycle.GraceDelay,
		Scheduler: scheduler.Config{
			PollInterval:    cfg.Scheduler.PollInterval,
			PollWindow:      cfg.Scheduler.PollWindow,
			FallbackTimeout: cfg.Scheduler.FallbackTimeout,
		},
	})
	manager.Start()

	agg := aggregator.New(manager, store, catalog, mc, aggregator.Config{
		DefaultCategory: cfg.Aggregator.DefaultCategory,
		DefaultCount:    cfg.Aggregator.DefaultCount,
		Stagger:         cfg.Aggregator.Stagger,
	})
	notifier := webhook.New(cfg.Webhook)
	agg.OnSettled = notifier.Settled

	rt := &runtime{
		cfg:      cfg,
		catalog:  catalog,
		store:    store,
		host:     host,
		manager:  manager,
		agg:      agg,
		metrics:  mc,
		notifier: notifier,
	}
	if err := agg.Start(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("start aggregator: %w", err)
	}
	return rt, nil
}

// close tears down in dependency order: no new results, then contexts, then
// the browser and transport.
func (rt *runtime) close() {
	rt.agg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Lifecycle.ShutdownTimeout)
	defer cancel()
	if err := rt.manager.Shutdown(ctx); err != nil {
		slog.Warn("lifecycle shutdown incomplete", "error", err)
	}
	if err := rt.host.Close(); err != nil {
		slog.Warn("browser close failed", "error", err)
	}
	if err := rt.store.Close(); err != nil {
		slog.Warn("transport close failed", "error", err)
	}
	rt.notifier.Close()
}
