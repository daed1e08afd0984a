// Package browser implements lifecycle.Host on a Chromium instance driven
// through Rod. Every context is an incognito browser context holding one tab.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/use-agent/fusion/config"
	"github.com/use-agent/fusion/lifecycle"
	"github.com/use-agent/fusion/models"
)

// Host owns the browser process. It is safe for concurrent use.
type Host struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	cfg      config.BrowserConfig

	destroyed chan string
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	contexts map[string]*Context
}

// Launch starts Chromium and connects to it.
func Launch(cfg config.BrowserConfig) (*Host, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	if cfg.DefaultProxy != "" {
		l = l.Proxy(cfg.DefaultProxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewFusionError(models.ErrCodeBrowserCrash, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL, "headless", cfg.Headless)

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, models.NewFusionError(models.ErrCodeBrowserCrash, "failed to connect to browser", err)
	}

	h := &Host{
		browser:   b,
		launcher:  l,
		cfg:       cfg,
		destroyed: make(chan string, 64),
		done:      make(chan struct{}),
		contexts:  make(map[string]*Context),
	}
	if err := h.watchTargets(); err != nil {
		_ = b.Close()
		l.Kill()
		return nil, models.NewFusionError(models.ErrCodeBrowserCrash, "failed to watch targets", err)
	}
	return h, nil
}

// watchTargets reports tracked tabs that are destroyed without Close, such as
// a user closing the tab or a renderer crash.
func (h *Host) watchTargets() error {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(h.browser); err != nil {
		return err
	}
	wait := h.browser.EachEvent(
		func(e *proto.TargetTargetDestroyed) {
			h.lost(string(e.TargetID))
		},
		func(e *proto.TargetTargetCrashed) {
			h.lost(string(e.TargetID))
		},
	)
	go wait()
	return nil
}

func (h *Host) lost(id string) {
	h.mu.Lock()
	c, ok := h.contexts[id]
	if ok {
		delete(h.contexts, id)
	}
	h.mu.Unlock()
	if !ok || c.closing() {
		return
	}
	c.release()
	select {
	case h.destroyed <- id:
	case <-h.done:
	}
}

// Create opens a new incognito context with a blank tab.
func (h *Host) Create(ctx context.Context) (lifecycle.Context, error) {
	incog, err := h.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, err
	}
	page, err := incog.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incog.Close()
		return nil, err
	}

	c, err := newContext(h, incog, page)
	if err != nil {
		_ = page.Close()
		_ = incog.Close()
		return nil, err
	}

	h.mu.Lock()
	h.contexts[c.id] = c
	h.mu.Unlock()
	return c, nil
}

// Destroyed delivers ids of contexts lost outside Close.
func (h *Host) Destroyed() <-chan string { return h.destroyed }

// Close disposes every context and kills the browser process.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		open := make([]*Context, 0, len(h.contexts))
		for _, c := range h.contexts {
			open = append(open, c)
		}
		h.mu.Unlock()
		for _, c := range open {
			_ = c.Close(context.Background())
		}

		slog.Info("browser shutting down")
		err = h.browser.Close()
		h.launcher.Kill()
	})
	return err
}

func (h *Host) forget(id string) {
	h.mu.Lock()
	delete(h.contexts, id)
	h.mu.Unlock()
}

func (h *Host) stealthEnabled() bool { return h.cfg.Stealth }

// injectStealth masks navigator.webdriver and friends before any document
// script runs.
func injectStealth(page *rod.Page) {
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}
}

// categorizeError wraps raw errors into typed FusionErrors.
func categorizeError(err error, msg string) *models.FusionError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewFusionError(models.ErrCodeTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewFusionError(models.ErrCodeTimeout, "request canceled", err)
	default:
		return models.NewFusionError(models.ErrCodeNavigation, msg, err)
	}
}
