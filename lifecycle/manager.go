// Package lifecycle owns page contexts: it creates an isolated context per
// (task, source), applies and retracts its loading policy, starts its
// scheduler and reclaims it once the scheduler reports an outcome.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/use-agent/fusion/extractor"
	"github.com/use-agent/fusion/gate"
	"github.com/use-agent/fusion/metrics"
	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/scheduler"
	"github.com/use-agent/fusion/sources"
	"github.com/use-agent/fusion/transport"
)

// ErrClosed is returned by Dispatch and Open after Shutdown.
var ErrClosed = errors.New("lifecycle: manager is shut down")

// reserved marks a pair whose dispatch is still in flight.
const reserved = ""

// Config tunes the manager.
type Config struct {
	// Blocked is the loading policy for aggregation contexts.
	Blocked []ResourceClass
	// GraceDelay is how long a completed context stays open before it is closed.
	GraceDelay time.Duration
	// Scheduler carries trigger timings; ContextID and Escalate are set per context.
	Scheduler scheduler.Config
}

type pair struct {
	taskID   string
	sourceID string
}

type tracked struct {
	c      Context
	pair   pair
	src    sources.Source
	direct bool

	// Guarded by Manager.mu.
	url      string
	cancel   context.CancelFunc
	sched    *scheduler.Scheduler
	reported bool
}

// Stats is a point-in-time count of tracked state.
type Stats struct {
	Contexts int `json:"contexts"`
	Policies int `json:"policies"`
}

// Manager is safe for concurrent use.
type Manager struct {
	host    Host
	reg     *extractor.Registry
	gate    *gate.Gate
	store   transport.Store
	cfg     Config
	metrics *metrics.Collector

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	contexts  map[string]*tracked
	byPair    map[pair]string
	policies  map[string]Policy
	listeners []func(models.Signal)
	closed    bool
}

// NewManager creates a manager. Call Start to begin consuming the host's
// destroyed-context stream.
func NewManager(host Host, reg *extractor.Registry, g *gate.Gate, store transport.Store, mc *metrics.Collector, cfg Config) *Manager {
	if cfg.Blocked == nil {
		cfg.Blocked = DefaultBlocked
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 100 * time.Millisecond
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		host:     host,
		reg:      reg,
		gate:     g,
		store:    store,
		cfg:      cfg,
		metrics:  mc,
		base:     base,
		cancel:   cancel,
		contexts: make(map[string]*tracked),
		byPair:   make(map[pair]string),
		policies: make(map[string]Policy),
	}
}

// Start consumes externally destroyed contexts until Shutdown.
func (m *Manager) Start() {
	destroyed := m.host.Destroyed()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.base.Done():
				return
			case id, ok := <-destroyed:
				if !ok {
					return
				}
				m.OnContextDestroyedExternally(id)
			}
		}
	}()
}

// Subscribe registers fn to receive every outcome signal after the manager
// has acted on it. Register listeners before dispatching.
func (m *Manager) Subscribe(fn func(models.Signal)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Dispatch opens a context for (task, source) and starts extraction. An
// existing context for the pair is reused. On failure nothing is left open
// and the caller should treat the source as dropped.
func (m *Manager) Dispatch(ctx context.Context, task models.Task, src sources.Source) (string, error) {
	p := pair{taskID: task.ID, sourceID: src.ID}
	log := slog.With("task", task.ID, "source", src.ID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if id, ok := m.byPair[p]; ok {
		m.mu.Unlock()
		if id == reserved {
			return "", fmt.Errorf("lifecycle: dispatch for %s/%s already in progress", task.ID, src.ID)
		}
		return id, nil
	}
	m.byPair[p] = reserved
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.byPair[p] == reserved {
			delete(m.byPair, p)
		}
		m.mu.Unlock()
	}

	c, err := m.host.Create(ctx)
	if err != nil {
		release()
		log.Warn("context creation failed, dropping source", "error", err)
		return "", models.NewFusionError(models.ErrCodeContext, "failed to create page context", err)
	}
	id := c.ID()
	log = log.With("context", id)

	pol, err := c.Block(m.cfg.Blocked)
	if err != nil {
		release()
		m.closeQuietly(c)
		log.Warn("applying loading policy failed, dropping source", "error", err)
		return "", models.NewFusionError(models.ErrCodeContext, "failed to apply loading policy", err)
	}

	url := sources.BuildURL(src, task.Query, task.ID)
	t := &tracked{
		c:    c,
		pair: p,
		src:  src,
		url:  url,
	}
	m.mu.Lock()
	m.contexts[id] = t
	m.byPair[p] = id
	if pol != nil {
		m.policies[id] = pol
	}
	n := len(m.contexts)
	m.mu.Unlock()
	m.metrics.SetOpenContexts(n)

	if err := c.Navigate(ctx, url); err != nil {
		log.Warn("navigation failed, dropping source", "url", url, "error", err)
		m.destroy(id, true)
		return "", models.NewFusionError(models.ErrCodeNavigation, "failed to navigate page context", err)
	}

	m.startScheduler(t)
	log.Debug("context dispatched", "url", url)
	return id, nil
}

// Open creates a context without a loading policy, navigates it to the
// untagged query URL and brings it to the foreground. No scheduler runs on
// it; the context stays open until it is closed externally or on Shutdown.
func (m *Manager) Open(ctx context.Context, task models.Task, src sources.Source) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.mu.Unlock()

	c, err := m.host.Create(ctx)
	if err != nil {
		return "", models.NewFusionError(models.ErrCodeContext, "failed to create page context", err)
	}
	id := c.ID()
	url := sources.QueryURL(src, task.Query)
	t := &tracked{
		c:      c,
		pair:   pair{taskID: task.ID, sourceID: src.ID},
		src:    src,
		url:    url,
		direct: true,
	}
	m.mu.Lock()
	m.contexts[id] = t
	n := len(m.contexts)
	m.mu.Unlock()
	m.metrics.SetOpenContexts(n)

	if err := c.Navigate(ctx, url); err != nil {
		m.destroy(id, true)
		return "", models.NewFusionError(models.ErrCodeNavigation, "failed to navigate page context", err)
	}
	if err := c.Activate(ctx); err != nil {
		slog.Debug("activate failed", "context", id, "error", err)
	}
	slog.Info("opened source directly", "source", src.ID, "context", id)
	return id, nil
}

// OnOutcome reacts to a context's outcome signal, then forwards it to the
// listeners. COMPLETED closes the context after the grace delay and retracts
// its policy; INTERCEPTED brings it to the foreground for the user and keeps
// the policy; NOT_APPLICABLE leaves it alone.
func (m *Manager) OnOutcome(id string, sig models.Signal) {
	m.metrics.Signal(string(sig.Type))

	m.mu.Lock()
	t := m.contexts[id]
	if t != nil {
		t.reported = true
	}
	closed := m.closed
	m.mu.Unlock()

	switch sig.Type {
	case models.SignalCompleted:
		if t != nil && !closed {
			m.closeAfter(id, m.cfg.GraceDelay)
		}
	case models.SignalIntercepted:
		if t != nil {
			ctx, cancel := context.WithTimeout(m.base, 5*time.Second)
			if err := t.c.Activate(ctx); err != nil {
				slog.Debug("activate failed", "context", id, "error", err)
			}
			cancel()
		}
	case models.SignalNotApplicable:
	}

	m.notify(sig)
}

func (m *Manager) notify(sig models.Signal) {
	m.mu.Lock()
	listeners := append([]func(models.Signal){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(sig)
	}
}

// OnEscalationRequest retries a context without its loading policy. The
// retry reloads the dispatched URL plus the retry marker, whatever address
// the site moved the page to since. A context whose dispatched URL already
// carries the marker is completed with zero results instead, so a source is
// retried at most once.
func (m *Manager) OnEscalationRequest(ctx context.Context, id string) {
	m.mu.Lock()
	t := m.contexts[id]
	var (
		dispatched string
		stop       context.CancelFunc
	)
	if t != nil {
		dispatched, stop = t.url, t.cancel
	}
	m.mu.Unlock()
	if t == nil {
		return
	}
	log := slog.With("task", t.pair.taskID, "source", t.pair.sourceID, "context", id)

	next, ok := sources.WithRetry(dispatched)
	if !ok {
		log.Info("escalation already attempted, completing with no results")
		m.OnOutcome(id, m.emptySignal(t, id))
		return
	}

	m.metrics.Escalated()
	m.retract(id)
	if stop != nil {
		stop()
	}

	m.mu.Lock()
	t.url = next
	m.mu.Unlock()
	if err := t.c.Navigate(ctx, next); err != nil {
		log.Warn("escalation navigation failed", "error", err)
		m.OnOutcome(id, m.emptySignal(t, id))
		return
	}
	log.Info("escalated without loading policy", "url", next)
	m.startScheduler(t)
}

// OnContextDestroyedExternally forgets a context that went away on its own.
// A dispatched context that had not reported an outcome yet is settled with
// zero results, so its task does not wait for it.
func (m *Manager) OnContextDestroyedExternally(id string) {
	m.mu.Lock()
	t, ok := m.contexts[id]
	lost := ok && !t.direct && !t.reported && !m.closed
	if lost {
		t.reported = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	slog.Debug("context destroyed externally", "context", id)
	m.destroy(id, false)
	if lost {
		slog.Warn("context lost before reporting, settling source with no results",
			"task", t.pair.taskID, "source", t.pair.sourceID, "context", id)
		m.notify(m.emptySignal(t, id))
	}
}

// Shutdown closes every tracked context concurrently and waits for
// schedulers and pending closes to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			return m.destroyCtx(gctx, id, true)
		})
	}
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Stats reports tracked contexts and applied policies.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Contexts: len(m.contexts), Policies: len(m.policies)}
}

func (m *Manager) startScheduler(t *tracked) {
	cfg := m.cfg.Scheduler
	cfg.ContextID = t.c.ID()
	cfg.Escalate = t.src.Escalate

	runCtx, cancel := context.WithCancel(m.base)
	s := scheduler.New(cfg, t.c.Page(), m.reg, m.gate, m.store, reporter{m: m, id: cfg.ContextID})

	m.mu.Lock()
	if m.closed || m.contexts[cfg.ContextID] != t {
		// Destroyed while navigating.
		m.mu.Unlock()
		cancel()
		return
	}
	t.cancel = cancel
	t.sched = s
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if s.Run(runCtx) == scheduler.StateInert && runCtx.Err() == nil {
			m.settleInert(cfg.ContextID)
		}
	}()
}

// settleInert completes a dispatched context whose scheduler could not
// confirm the page's task tag, e.g. because the site redirected and dropped
// it. The page is not extracted.
func (m *Manager) settleInert(id string) {
	m.mu.Lock()
	t := m.contexts[id]
	ok := t != nil && !t.direct && !t.reported && !m.closed
	m.mu.Unlock()
	if !ok {
		return
	}
	slog.Warn("page lost its task tag, completing with no results",
		"task", t.pair.taskID, "source", t.pair.sourceID, "context", id)
	m.OnOutcome(id, m.emptySignal(t, id))
}

func (m *Manager) closeAfter(id string, d time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.destroy(id, true)
		case <-m.base.Done():
		}
	}()
}

// closeQuietly closes a context that was never tracked.
func (m *Manager) closeQuietly(c Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.base), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		slog.Debug("context close failed", "context", c.ID(), "error", err)
	}
}

func (m *Manager) destroy(id string, closePage bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.base), 5*time.Second)
	defer cancel()
	if err := m.destroyCtx(ctx, id, closePage); err != nil {
		slog.Debug("context close failed", "context", id, "error", err)
	}
}

// destroyCtx stops the scheduler, retracts the policy, forgets the context
// and, when closePage is set, closes it.
func (m *Manager) destroyCtx(ctx context.Context, id string, closePage bool) error {
	m.mu.Lock()
	t, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.contexts, id)
	if m.byPair[t.pair] == id {
		delete(m.byPair, t.pair)
	}
	n := len(m.contexts)
	cancel := t.cancel
	m.mu.Unlock()
	m.metrics.SetOpenContexts(n)

	if cancel != nil {
		cancel()
	}
	m.retract(id)
	if !closePage {
		return nil
	}
	if err := t.c.Close(ctx); err != nil {
		return fmt.Errorf("lifecycle: close %s: %w", id, err)
	}
	return nil
}

// retract removes and retracts the context's policy, if any.
func (m *Manager) retract(id string) {
	m.mu.Lock()
	pol, ok := m.policies[id]
	delete(m.policies, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := pol.Retract(); err != nil {
		slog.Debug("policy retract failed", "context", id, "error", err)
	}
}

func (m *Manager) emptySignal(t *tracked, id string) models.Signal {
	return models.Signal{
		Type:      models.SignalCompleted,
		TaskID:    t.pair.taskID,
		SourceID:  t.pair.sourceID,
		ContextID: id,
	}
}

// reporter routes one context's scheduler output back to the manager.
type reporter struct {
	m  *Manager
	id string
}

func (r reporter) Report(sig models.Signal) {
	r.m.OnOutcome(r.id, sig)
}

func (r reporter) Escalate(id string) {
	// Called from the scheduler goroutine, which exits right after.
	r.m.OnEscalationRequest(r.m.base, id)
}
