// Package scheduler decides, for one page context, when enough of the page
// has rendered to extract results. It races several triggers (immediate,
// polling, DOM mutations, the load event and a fallback timer) and lets
// exactly one of them produce the context's outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/use-agent/fusion/extractor"
	"github.com/use-agent/fusion/gate"
	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/sources"
	"github.com/use-agent/fusion/transport"
)

// Page is the scheduler's view of a rendered tab.
type Page interface {
	// Location returns the current page address.
	Location(ctx context.Context) (string, error)
	// Snapshot captures the rendered document as it is now.
	Snapshot(ctx context.Context) (*extractor.Document, error)
	// Mutations delivers coalesced DOM change notifications.
	Mutations() <-chan struct{}
	// Loaded fires when the page load event occurs.
	Loaded() <-chan struct{}
}

// Reporter receives the outcome of a run.
type Reporter interface {
	// Report is called at most once per run with the terminal signal.
	Report(sig models.Signal)
	// Escalate asks for the page to be retried without the loading policy.
	Escalate(contextID string)
}

// Trigger names what caused an extraction attempt.
type Trigger string

const (
	TriggerImmediate Trigger = "immediate"
	TriggerPoll      Trigger = "poll"
	TriggerMutation  Trigger = "mutation"
	TriggerLoad      Trigger = "load"
	TriggerTimeout   Trigger = "timeout"
)

// Config controls trigger timing.
type Config struct {
	ContextID string

	PollInterval    time.Duration // default 200ms
	PollWindow      time.Duration // default 2s
	FallbackTimeout time.Duration // default 2.5s

	// Escalate marks the source as eligible for an unblocked retry when the
	// fallback timer fires with nothing extracted.
	Escalate bool
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.PollWindow <= 0 {
		c.PollWindow = 2 * time.Second
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = 2500 * time.Millisecond
	}
}

// putTimeout bounds the transport write once a run has won the lock.
const putTimeout = 5 * time.Second

// Scheduler runs the extraction state machine for one navigation of one page
// context. Create a new Scheduler per navigation.
type Scheduler struct {
	cfg   Config
	page  Page
	reg   *extractor.Registry
	gate  *gate.Gate
	store transport.Store
	rep   Reporter

	state atomic.Int32
	tag   sources.Tag
	log   *slog.Logger

	ext      extractor.Extractor
	resolved bool
}

// New creates a scheduler in the idle state.
func New(cfg Config, page Page, reg *extractor.Registry, g *gate.Gate, store transport.Store, rep Reporter) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:   cfg,
		page:  page,
		reg:   reg,
		gate:  g,
		store: store,
		rep:   rep,
		log:   slog.With("context", cfg.ContextID),
	}
}

// State returns the current state. Safe to call from any goroutine.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run drives the state machine until a terminal state is reached or ctx is
// cancelled (navigation away, tab closed). Cancellation produces no signal.
// Every timer is stopped on return.
func (s *Scheduler) Run(ctx context.Context) State {
	loc, err := s.location(ctx)
	if err != nil {
		s.log.Debug("scheduler: location unavailable", "error", err)
		s.state.Store(int32(StateInert))
		return StateInert
	}
	tag, ok := sources.ParseTag(loc)
	if !ok {
		s.state.Store(int32(StateInert))
		return StateInert
	}
	s.tag = tag
	s.log = s.log.With("task", tag.TaskID, "source", tag.SourceID)
	s.state.Store(int32(StateArmed))

	s.attempt(ctx, TriggerImmediate)
	if s.State().Terminal() {
		return s.State()
	}

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	pollEnd := time.NewTimer(s.cfg.PollWindow)
	defer pollEnd.Stop()
	fallback := time.NewTimer(s.cfg.FallbackTimeout)
	defer fallback.Stop()

	pollC := poll.C
	mutations := s.page.Mutations()
	loaded := s.page.Loaded()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("scheduler: run cancelled", "state", s.State())
			return s.State()
		case <-pollC:
			s.attempt(ctx, TriggerPoll)
		case <-pollEnd.C:
			poll.Stop()
			pollC = nil
		case <-mutations:
			s.attempt(ctx, TriggerMutation)
		case <-loaded:
			loaded = nil
			s.attempt(ctx, TriggerLoad)
		case <-fallback.C:
			s.attempt(ctx, TriggerTimeout)
		}
		if s.State().Terminal() {
			return s.State()
		}
	}
}

// location reads the page address, retrying at the poll interval for up to
// the poll window while the page is mid-navigation.
func (s *Scheduler) location(ctx context.Context) (string, error) {
	deadline := time.Now().Add(s.cfg.PollWindow)
	for {
		loc, err := s.page.Location(ctx)
		if err == nil || ctx.Err() != nil || time.Now().After(deadline) {
			return loc, err
		}
		s.log.Debug("scheduler: location failed, retrying", "error", err)
		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// attempt runs gate and extractor once. Only a non-empty result or the
// timeout trigger can move the run out of the armed state.
func (s *Scheduler) attempt(ctx context.Context, trigger Trigger) {
	if s.State() != StateArmed {
		return
	}
	log := s.log.With("trigger", string(trigger))

	doc, err := s.page.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Debug("scheduler: snapshot failed", "error", err)
		if trigger == TriggerTimeout {
			s.finishEmpty(log)
		}
		return
	}

	if reason := s.gate.Classify(doc); reason != gate.ReasonNone {
		if s.transition(StateIntercepted) {
			log.Warn("interception page detected", "rule", string(reason), "title", doc.Title)
			s.rep.Report(s.signal(models.SignalIntercepted, 0))
		}
		return
	}

	if !s.resolved {
		s.ext = s.reg.Resolve(doc)
		s.resolved = true
	}
	ext := s.ext
	if ext == nil && trigger == TriggerTimeout {
		ext = s.reg.Generic()
	}

	recs, err := safeParse(ext, doc)
	if errors.Is(err, extractor.ErrNotApplicable) {
		if s.transition(StateNotApplicable) {
			log.Info("page not applicable for extraction", "content_type", doc.ContentType)
			s.rep.Report(s.signal(models.SignalNotApplicable, 0))
		}
		return
	}
	if err != nil {
		log.Debug("extractor error, treating as empty", "error", err)
		recs = nil
	}

	recs = Normalize(recs, s.tag, time.Now())
	if len(recs) == 0 {
		if trigger == TriggerTimeout {
			s.finishEmpty(log)
		}
		return
	}

	if !s.transition(StateCompleted) {
		return
	}
	count := len(recs)
	if err := s.put(ctx, recs); err != nil {
		if errors.Is(err, transport.ErrNotNotified) {
			// The value is stored; the aggregator pulls it on the signal.
			log.Warn("transport write notification failed", "error", err)
		} else {
			log.Warn("transport write failed", "error", err)
			count = 0
		}
	}
	log.Info("extraction complete", "count", count)
	s.rep.Report(s.signal(models.SignalCompleted, count))
}

// finishEmpty ends a run that timed out with nothing extracted: an escalation
// request for eligible first attempts, otherwise a zero-count completion.
func (s *Scheduler) finishEmpty(log *slog.Logger) {
	if s.cfg.Escalate && !s.tag.Retry {
		if s.transition(StateEscalated) {
			log.Info("no results before timeout, requesting escalation")
			s.rep.Escalate(s.cfg.ContextID)
		}
		return
	}
	if s.transition(StateSkipped) {
		log.Info("no results before timeout")
		s.rep.Report(s.signal(models.SignalCompleted, 0))
	}
}

func (s *Scheduler) put(ctx context.Context, recs []models.Record) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), putTimeout)
	defer cancel()
	return s.store.Put(ctx, transport.Key(s.tag.TaskID, s.tag.SourceID), recs)
}

func (s *Scheduler) transition(to State) bool {
	return s.state.CompareAndSwap(int32(StateArmed), int32(to))
}

func (s *Scheduler) signal(t models.SignalType, count int) models.Signal {
	return models.Signal{
		Type:      t,
		TaskID:    s.tag.TaskID,
		SourceID:  s.tag.SourceID,
		Count:     count,
		ContextID: s.cfg.ContextID,
	}
}

// safeParse runs ext, converting a panic into an error.
func safeParse(ext extractor.Extractor, doc *extractor.Document) (recs []models.Record, err error) {
	if ext == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			recs = nil
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return ext.Parse(doc)
}

// Normalize tags records with the task identity and drops items with an
// empty title, a non-http(s) URL or a URL already seen in the batch.
// Extractor order is preserved.
func Normalize(recs []models.Record, tag sources.Tag, now time.Time) []models.Record {
	out := make([]models.Record, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		r.Title = extractor.CleanText(r.Title)
		if r.Title == "" || !validURL(r.URL) {
			continue
		}
		if _, dup := seen[r.Key()]; dup {
			continue
		}
		seen[r.Key()] = struct{}{}
		r.TaskID = tag.TaskID
		r.Source = tag.SourceID
		r.ExtractedAt = now
		out = append(out, r)
	}
	return out
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
