// Package aggregator runs aggregation tasks: it resolves sources, dispatches
// one page context per source, merges the records those contexts write to the
// transport into a single deduplicated feed, and tracks when every context
// has settled.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/use-agent/fusion/metrics"
	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/sources"
	"github.com/use-agent/fusion/transport"
)

// Dispatcher opens page contexts and reports their outcome signals.
type Dispatcher interface {
	Dispatch(ctx context.Context, task models.Task, src sources.Source) (string, error)
	Subscribe(fn func(models.Signal))
}

// Config tunes task start-up.
type Config struct {
	// DefaultCategory and DefaultCount pick sources when a task names none.
	DefaultCategory string
	DefaultCount    int
	// Stagger spaces out consecutive dispatches.
	Stagger time.Duration
}

func (c *Config) defaults() {
	if c.DefaultCategory == "" {
		c.DefaultCategory = "search"
	}
	if c.DefaultCount <= 0 {
		c.DefaultCount = 3
	}
	if c.Stagger <= 0 {
		c.Stagger = 200 * time.Millisecond
	}
}

// session is the state of the current task. It is replaced wholesale by
// StartTask.
type session struct {
	task    models.Task
	started time.Time

	records []models.Record
	seen    map[string]struct{}

	sources     map[string]struct{} // targeted source ids
	targeted    int
	pending     int // dispatches not yet returned
	dispatched  int
	dropped     int
	settled     map[string]struct{}
	intercepted []string
	inflight    int // transport reads between Take and merge

	state        string
	firstRecord  bool
	settledFired bool
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	disp    Dispatcher
	store   transport.Store
	catalog *sources.Catalog
	metrics *metrics.Collector
	cfg     Config
	limiter *rate.Limiter

	// OnSettled, if set, is called once per task when it settles.
	OnSettled func(models.Feed)

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	cur  *session
	subs map[chan models.Feed]struct{}
}

// New creates an aggregator and subscribes it to the dispatcher's signals.
func New(disp Dispatcher, store transport.Store, catalog *sources.Catalog, mc *metrics.Collector, cfg Config) *Aggregator {
	cfg.defaults()
	base, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		disp:    disp,
		store:   store,
		catalog: catalog,
		metrics: mc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.Stagger), 1),
		base:    base,
		cancel:  cancel,
		subs:    make(map[chan models.Feed]struct{}),
	}
	disp.Subscribe(a.OnSignal)
	return a
}

// Start purges leftover transport keys from earlier runs and begins
// consuming write notifications until Close.
func (a *Aggregator) Start(ctx context.Context) error {
	n, err := a.store.Purge(ctx, transport.KeyPrefix)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("purged stale transport keys", "count", n)
	}

	writes, err := a.store.Watch(a.base)
	if err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for key := range writes {
			a.OnTransportWrite(a.base, key)
		}
	}()
	return nil
}

// Close stops the watch loop and any dispatch in progress.
func (a *Aggregator) Close() {
	a.cancel()
	a.wg.Wait()
}

// StartTask begins a new task, replacing the current one. Contexts of the
// previous task are left to finish on their own; their writes are ignored.
func (a *Aggregator) StartTask(ctx context.Context, query string, sourceIDs []string) (models.Task, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.Task{}, models.NewFusionError(models.ErrCodeInvalidInput, "query must not be empty", nil)
	}
	srcs := a.catalog.ForAggregation(sourceIDs, a.cfg.DefaultCategory, a.cfg.DefaultCount)
	if len(srcs) == 0 {
		return models.Task{}, models.ErrNoSources
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Task{}, models.NewFusionError(models.ErrCodeInternal, "failed to generate task id", err)
	}
	task := models.Task{ID: id.String(), Query: query, CreatedAt: time.Now()}
	s := &session{
		task:     task,
		started:  task.CreatedAt,
		seen:     make(map[string]struct{}),
		sources:  make(map[string]struct{}, len(srcs)),
		settled:  make(map[string]struct{}),
		targeted: len(srcs),
		pending:  len(srcs),
		state:    models.FeedAggregating,
	}
	for _, src := range srcs {
		task.Sources = append(task.Sources, src.ID)
		s.sources[src.ID] = struct{}{}
	}
	s.task = task

	a.mu.Lock()
	a.cur = s
	a.broadcastLocked(a.snapshotLocked())
	a.mu.Unlock()

	a.metrics.TaskStarted()
	slog.Info("task started", "task", task.ID, "query", query, "sources", task.Sources)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatchAll(task, srcs)
	}()
	return task, nil
}

func (a *Aggregator) dispatchAll(task models.Task, srcs []sources.Source) {
	ctx := a.base
	for i, src := range srcs {
		if i > 0 {
			if err := a.limiter.Wait(ctx); err != nil {
				return
			}
		} else {
			a.limiter.Allow()
		}
		if !a.isCurrent(task.ID) {
			slog.Debug("task superseded, stopping dispatch", "task", task.ID, "remaining", len(srcs)-i)
			return
		}

		_, err := a.disp.Dispatch(ctx, task, src)
		a.metrics.Dispatched(err == nil)

		a.mu.Lock()
		s := a.cur
		if s == nil || s.task.ID != task.ID {
			a.mu.Unlock()
			continue
		}
		s.pending--
		if err != nil {
			s.dropped++
			slog.Warn("source dropped", "task", task.ID, "source", src.ID, "error", err)
		} else {
			s.dispatched++
		}
		fire := a.checkSettledLocked(s)
		feed := a.snapshotLocked()
		a.broadcastLocked(feed)
		a.mu.Unlock()

		a.fireSettled(fire, feed)
	}
}

// OnTransportWrite consumes a transport write. Keys of any task other than
// the current one are ignored.
func (a *Aggregator) OnTransportWrite(ctx context.Context, key string) {
	taskID, sourceID, ok := transport.ParseKey(key)
	if !ok {
		return
	}

	a.mu.Lock()
	s := a.cur
	if s == nil || s.task.ID != taskID {
		a.mu.Unlock()
		a.metrics.StaleWrite()
		slog.Debug("ignoring write for inactive task", "task", taskID, "source", sourceID)
		return
	}
	s.inflight++
	a.mu.Unlock()

	recs, err := a.store.Take(ctx, key)

	a.mu.Lock()
	s.inflight--
	if a.cur != s {
		a.mu.Unlock()
		return
	}
	switch {
	case err == nil:
		a.mergeLocked(s, recs)
	case errors.Is(err, transport.ErrNotFound):
		// Already consumed through the other path.
	default:
		slog.Warn("transport read failed", "task", taskID, "source", sourceID, "error", err)
	}
	fire := a.checkSettledLocked(s)
	feed := a.snapshotLocked()
	if err == nil || fire {
		a.broadcastLocked(feed)
	}
	a.mu.Unlock()

	a.fireSettled(fire, feed)
}

// mergeLocked appends records whose URL is not yet in the pool, preserving
// arrival order and the extractor's order within the batch.
func (a *Aggregator) mergeLocked(s *session, recs []models.Record) {
	merged, dup := 0, 0
	for _, r := range recs {
		if _, ok := s.seen[r.Key()]; ok {
			dup++
			continue
		}
		s.seen[r.Key()] = struct{}{}
		s.records = append(s.records, r)
		merged++
	}
	a.metrics.Records(merged, dup)
	if merged > 0 && !s.firstRecord {
		s.firstRecord = true
		a.metrics.FirstRecord(time.Since(s.started))
	}
}

// OnSignal records a context outcome. Each source of the current task counts
// once towards settlement, whatever the signal type.
func (a *Aggregator) OnSignal(sig models.Signal) {
	a.mu.Lock()
	s := a.cur
	if s == nil || s.task.ID != sig.TaskID {
		a.mu.Unlock()
		return
	}
	if _, ok := s.sources[sig.SourceID]; !ok {
		a.mu.Unlock()
		return
	}
	if _, done := s.settled[sig.SourceID]; done {
		a.mu.Unlock()
		return
	}
	s.settled[sig.SourceID] = struct{}{}
	if sig.Type == models.SignalIntercepted {
		s.intercepted = append(s.intercepted, sig.SourceID)
	}
	pull := sig.Type == models.SignalCompleted && sig.Count > 0
	var (
		fire bool
		feed models.Feed
	)
	if !pull {
		fire = a.checkSettledLocked(s)
		feed = a.snapshotLocked()
		a.broadcastLocked(feed)
	}
	a.mu.Unlock()

	if pull {
		// The write precedes the signal, so the value is already there even if
		// the notification has not been delivered yet.
		a.OnTransportWrite(a.base, transport.Key(sig.TaskID, sig.SourceID))
		return
	}
	a.fireSettled(fire, feed)
}

// checkSettledLocked moves the session to its final state once every
// dispatch has returned, every dispatched context has signalled and no read
// is in flight. It reports whether the settled hook should fire.
func (a *Aggregator) checkSettledLocked(s *session) bool {
	if s.state != models.FeedAggregating {
		return false
	}
	if s.pending > 0 || s.inflight > 0 || len(s.settled) < s.dispatched {
		return false
	}
	if len(s.records) > 0 {
		s.state = models.FeedSettled
	} else {
		s.state = models.FeedEmpty
	}
	a.metrics.Settled(time.Since(s.started))
	slog.Info("task settled", "task", s.task.ID, "state", s.state, "records", len(s.records),
		"dispatched", s.dispatched, "dropped", s.dropped, "intercepted", len(s.intercepted))
	if s.settledFired {
		return false
	}
	s.settledFired = true
	return true
}

func (a *Aggregator) fireSettled(fire bool, feed models.Feed) {
	if fire && a.OnSettled != nil {
		a.OnSettled(feed)
	}
}

// Feed returns a snapshot of the current task's feed.
func (a *Aggregator) Feed() models.Feed {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() models.Feed {
	s := a.cur
	if s == nil {
		return models.Feed{State: models.FeedIdle, Records: []models.Record{}}
	}
	return models.Feed{
		TaskID:      s.task.ID,
		Query:       s.task.Query,
		State:       s.state,
		Records:     slices.Clone(s.records),
		Count:       len(s.records),
		Targeted:    s.targeted,
		Dispatched:  s.dispatched,
		Dropped:     s.dropped,
		Settled:     len(s.settled),
		Intercepted: slices.Clone(s.intercepted),
	}
}

func (a *Aggregator) isCurrent(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur != nil && a.cur.task.ID == taskID
}
