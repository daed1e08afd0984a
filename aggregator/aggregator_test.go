package aggregator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/use-agent/fusion/aggregator"
	"github.com/use-agent/fusion/extractor"
	"github.com/use-agent/fusion/gate"
	"github.com/use-agent/fusion/lifecycle"
	"github.com/use-agent/fusion/lifecycle/lifecycletest"
	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/scheduler"
	"github.com/use-agent/fusion/sources"
	"github.com/use-agent/fusion/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	emptyHTML   = "<html><body><p>Loading</p></body></html>"
	captchaHTML = "<html><head><title>Just a moment...</title></head><body></body></html>"
)

func bingHTML(urls ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ol>")
	for i, u := range urls {
		fmt.Fprintf(&b, `<li class="b_algo"><h2><a href="%s">Result %d</a></h2><p>snippet %d</p></li>`, u, i, i)
	}
	b.WriteString("</ol></body></html>")
	return b.String()
}

var catalog = sources.NewCatalog(&sources.File{
	Categories: []sources.Category{{Value: "search", Label: "Search"}, {Value: "video", Label: "Video"}},
	Sources: []sources.Source{
		{ID: "alpha", Name: "Alpha", URL: "https://www.bing.com/search?q=%s", Category: "search"},
		{ID: "beta", Name: "Beta", URL: "https://beta.example/search?q=%s", Category: "search"},
		{ID: "gamma", Name: "Gamma", URL: "https://gamma.example/search?q=%s", Category: "search"},
		{ID: "delta", Name: "Delta", URL: "https://cn.bing.com/search?q=%s", Category: "search"},
		{ID: "tube", Name: "Tube", URL: "https://tube.example/?q=%s", Category: "video"},
	},
})

// route serves bing results on bing hosts, a verification page on beta and
// an empty page everywhere else.
func route(results string) func(string) lifecycletest.Script {
	return func(url string) lifecycletest.Script {
		switch {
		case strings.Contains(url, "bing.com"):
			return lifecycletest.Script{HTML: []string{results}}
		case strings.Contains(url, "beta.example"):
			return lifecycletest.Script{HTML: []string{captchaHTML}}
		default:
			return lifecycletest.Script{HTML: []string{emptyHTML}}
		}
	}
}

type fixture struct {
	host  *lifecycletest.FakeHost
	mgr   *lifecycle.Manager
	store *transport.MemoryStore
	agg   *aggregator.Aggregator

	mu      sync.Mutex
	settled []models.Feed
}

func newFixture(t *testing.T, script func(string) lifecycletest.Script, fallback time.Duration) *fixture {
	t.Helper()
	host := lifecycletest.NewHost(script)
	store := transport.NewMemoryStore(time.Hour)
	mgr := lifecycle.NewManager(host, extractor.Default(), gate.New(gate.Thresholds{}), store, nil, lifecycle.Config{
		GraceDelay: 10 * time.Millisecond,
		Scheduler: scheduler.Config{
			PollInterval:    10 * time.Millisecond,
			PollWindow:      50 * time.Millisecond,
			FallbackTimeout: fallback,
		},
	})
	agg := aggregator.New(mgr, store, catalog, nil, aggregator.Config{Stagger: 20 * time.Millisecond})
	f := &fixture{host: host, mgr: mgr, store: store, agg: agg}
	agg.OnSettled = func(feed models.Feed) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.settled = append(f.settled, feed)
	}
	mgr.Start()
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		agg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		_ = store.Close()
	})
	return f
}

func (f *fixture) settledFeeds() []models.Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Feed(nil), f.settled...)
}

// contextFor returns the fake context navigated to a URL containing host.
func (f *fixture) contextFor(host string) *lifecycletest.FakeContext {
	for _, c := range f.host.Contexts() {
		for _, u := range c.Navigations() {
			if strings.Contains(u, host) {
				return c
			}
		}
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recordURLs(recs []models.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.URL
	}
	return out
}

func TestStartTask_MixedOutcomes(t *testing.T) {
	want := []string{
		"https://one.example/", "https://two.example/", "https://three.example/",
		"https://four.example/", "https://five.example/",
	}
	f := newFixture(t, route(bingHTML(want...)), 150*time.Millisecond)

	task, err := f.agg.StartTask(context.Background(), "golang", []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if diff := cmp.Diff([]string{"alpha", "beta", "gamma"}, task.Sources); diff != "" {
		t.Errorf("task sources (-want +got):\n%s", diff)
	}

	waitFor(t, "task to settle", func() bool { return f.agg.Feed().State != models.FeedAggregating })

	feed := f.agg.Feed()
	if feed.State != models.FeedSettled {
		t.Errorf("state = %q, want %q", feed.State, models.FeedSettled)
	}
	if diff := cmp.Diff(want, recordURLs(feed.Records)); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
	for _, r := range feed.Records {
		if r.Source != "alpha" || r.TaskID != task.ID {
			t.Errorf("record %q tagged %s/%s, want alpha/%s", r.URL, r.Source, r.TaskID, task.ID)
		}
	}
	if feed.Targeted != 3 || feed.Dispatched != 3 || feed.Settled != 3 || feed.Dropped != 0 {
		t.Errorf("counts targeted=%d dispatched=%d settled=%d dropped=%d, want 3/3/3/0",
			feed.Targeted, feed.Dispatched, feed.Settled, feed.Dropped)
	}
	if diff := cmp.Diff([]string{"beta"}, feed.Intercepted); diff != "" {
		t.Errorf("intercepted (-want +got):\n%s", diff)
	}

	beta := f.contextFor("beta.example")
	if beta == nil {
		t.Fatal("no context for beta")
	}
	if beta.Closed() {
		t.Error("intercepted context was closed")
	}
	if beta.Activations() == 0 {
		t.Error("intercepted context was not brought to the foreground")
	}

	gamma := f.contextFor("gamma.example")
	if gamma == nil {
		t.Fatal("no context for gamma")
	}
	waitFor(t, "empty context to be reclaimed", gamma.Closed)

	if got := f.settledFeeds(); len(got) != 1 {
		t.Errorf("settled hook fired %d times, want 1", len(got))
	}
}

func TestStartTask_DuplicateURLsKeptOnce(t *testing.T) {
	f := newFixture(t, route(bingHTML("https://same.example/", "https://other.example/")), 150*time.Millisecond)

	if _, err := f.agg.StartTask(context.Background(), "golang", []string{"alpha", "delta"}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	waitFor(t, "task to settle", func() bool { return f.agg.Feed().State == models.FeedSettled })

	feed := f.agg.Feed()
	if diff := cmp.Diff([]string{"https://same.example/", "https://other.example/"}, recordURLs(feed.Records)); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
	src := feed.Records[0].Source
	for _, r := range feed.Records {
		if r.Source != src {
			t.Errorf("record %q from %q, want every record from the first write (%q)", r.URL, r.Source, src)
		}
	}
}

func TestOnTransportWrite_StaleTaskIgnored(t *testing.T) {
	f := newFixture(t, route(emptyHTML), time.Hour)
	ctx := context.Background()

	t1, err := f.agg.StartTask(ctx, "first", []string{"gamma"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	t2, err := f.agg.StartTask(ctx, "second", []string{"gamma"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if t1.ID == t2.ID {
		t.Fatal("task ids must differ")
	}

	stale := transport.Key(t1.ID, "gamma")
	rec := models.Record{Title: "old", URL: "https://stale.example/", Source: "gamma", TaskID: t1.ID}
	if err := f.store.Put(ctx, stale, []models.Record{rec}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	f.agg.OnTransportWrite(ctx, stale)

	feed := f.agg.Feed()
	if feed.TaskID != t2.ID {
		t.Errorf("feed task = %q, want %q", feed.TaskID, t2.ID)
	}
	if feed.Count != 0 || len(feed.Records) != 0 {
		t.Errorf("stale write leaked into pool: %+v", feed.Records)
	}
}

func TestOnSignal_StaleAndUnknownIgnored(t *testing.T) {
	f := newFixture(t, route(emptyHTML), time.Hour)

	task, err := f.agg.StartTask(context.Background(), "q", []string{"gamma"})
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	f.agg.OnSignal(models.Signal{Type: models.SignalCompleted, TaskID: "old-task", SourceID: "gamma"})
	f.agg.OnSignal(models.Signal{Type: models.SignalCompleted, TaskID: task.ID, SourceID: "unknown"})

	if got := f.agg.Feed().Settled; got != 0 {
		t.Errorf("settled = %d, want 0", got)
	}
}

func TestStartTask_Errors(t *testing.T) {
	f := newFixture(t, route(emptyHTML), time.Hour)
	ctx := context.Background()

	_, err := f.agg.StartTask(ctx, "   ", nil)
	if fe := models.AsFusionError(err); fe == nil || fe.Code != models.ErrCodeInvalidInput {
		t.Errorf("empty query error = %v, want %s", err, models.ErrCodeInvalidInput)
	}

	_, err = f.agg.StartTask(ctx, "q", []string{"missing", "tube"})
	if !errors.Is(err, models.ErrNoSources) {
		t.Errorf("unparsable sources error = %v, want ErrNoSources", err)
	}
	if got := f.agg.Feed().State; got != models.FeedIdle {
		t.Errorf("state after failed start = %q, want %q", got, models.FeedIdle)
	}
}

func TestStartTask_DefaultSources(t *testing.T) {
	f := newFixture(t, route(emptyHTML), time.Hour)

	task, err := f.agg.StartTask(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if diff := cmp.Diff([]string{"alpha", "beta", "gamma"}, task.Sources); diff != "" {
		t.Errorf("default sources (-want +got):\n%s", diff)
	}
}

func TestStartTask_DroppedSourcesSettle(t *testing.T) {
	f := newFixture(t, route(emptyHTML), time.Hour)
	f.host.CreateErr = errors.New("browser gone")

	if _, err := f.agg.StartTask(context.Background(), "q", []string{"alpha", "gamma"}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	waitFor(t, "task to settle", func() bool { return f.agg.Feed().State != models.FeedAggregating })

	feed := f.agg.Feed()
	if feed.State != models.FeedEmpty {
		t.Errorf("state = %q, want %q", feed.State, models.FeedEmpty)
	}
	if feed.Dropped != 2 || feed.Dispatched != 0 {
		t.Errorf("dropped=%d dispatched=%d, want 2/0", feed.Dropped, feed.Dispatched)
	}
}

func TestSubscribe_ReceivesLatestFeed(t *testing.T) {
	f := newFixture(t, route(bingHTML("https://a.example/")), 150*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	ch := f.agg.Subscribe(ctx)
	first := <-ch
	if first.State != models.FeedIdle {
		t.Errorf("initial state = %q, want %q", first.State, models.FeedIdle)
	}

	if _, err := f.agg.StartTask(context.Background(), "q", []string{"alpha"}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case feed := <-ch:
			done = feed.State == models.FeedSettled
		case <-deadline:
			t.Fatal("never observed settled feed")
		}
	}

	cancel()
	for range ch {
	}
}

func TestStartTask_LostContextStillSettles(t *testing.T) {
	f := newFixture(t, route(bingHTML("https://a.example/")), time.Hour)

	if _, err := f.agg.StartTask(context.Background(), "q", []string{"alpha", "gamma"}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	var gamma *lifecycletest.FakeContext
	waitFor(t, "gamma context", func() bool {
		gamma = f.contextFor("gamma.example")
		return gamma != nil
	})
	f.host.Destroy(gamma.ID())

	waitFor(t, "task to settle", func() bool { return f.agg.Feed().State != models.FeedAggregating })
	feed := f.agg.Feed()
	if feed.State != models.FeedSettled || feed.Count != 1 {
		t.Errorf("state = %q count = %d, want settled with 1 record", feed.State, feed.Count)
	}
	if feed.Dispatched != 2 || feed.Settled != 2 {
		t.Errorf("dispatched=%d settled=%d, want 2/2", feed.Dispatched, feed.Settled)
	}
	waitFor(t, "settled hook", func() bool { return len(f.settledFeeds()) == 1 })
}

func TestStartTask_UntaggedPageStillSettles(t *testing.T) {
	tests := []struct {
		name   string
		locate func(url string) (string, error)
	}{
		{"redirect dropped tag", func(url string) (string, error) { return sources.StripTag(url), nil }},
		{"location unavailable", func(string) (string, error) { return "", errors.New("execution context was destroyed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, route(bingHTML("https://a.example/")), time.Hour)
			f.host.Locate = func(url string, _ int) (string, error) {
				if strings.Contains(url, "gamma.example") {
					return tt.locate(url)
				}
				return url, nil
			}

			if _, err := f.agg.StartTask(context.Background(), "q", []string{"alpha", "gamma"}); err != nil {
				t.Fatalf("StartTask: %v", err)
			}
			waitFor(t, "task to settle", func() bool { return f.agg.Feed().State != models.FeedAggregating })

			feed := f.agg.Feed()
			if feed.State != models.FeedSettled || feed.Settled != 2 || feed.Count != 1 {
				t.Errorf("feed state=%q settled=%d count=%d, want settled/2/1", feed.State, feed.Settled, feed.Count)
			}
			gamma := f.contextFor("gamma.example")
			if gamma == nil {
				t.Fatal("no context for gamma")
			}
			waitFor(t, "gamma context to close", gamma.Closed)
		})
	}
}
