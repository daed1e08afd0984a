package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

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

const emptyHTML = "<html><body><p>Loading</p></body></html>"

func bingHTML(urls ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><ol>")
	for i, u := range urls {
		fmt.Fprintf(&b, `<li class="b_algo"><h2><a href="%s">Result %d</a></h2></li>`, u, i)
	}
	b.WriteString("</ol></body></html>")
	return b.String()
}

var (
	bing   = sources.Source{ID: "bing", URL: "https://www.bing.com/search?q=%s"}
	yandex = sources.Source{ID: "yandex", URL: "https://yandex.com/search/?text=%s", Escalate: true}
	task   = models.Task{ID: "task-1", Query: "go"}
)

type signals struct {
	mu  sync.Mutex
	got []models.Signal
}

func (s *signals) add(sig models.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sig)
}

func (s *signals) all() []models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Signal(nil), s.got...)
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

type fixture struct {
	host  *lifecycletest.FakeHost
	mgr   *lifecycle.Manager
	store *transport.MemoryStore
	sigs  *signals
}

func fastConfig() lifecycle.Config {
	return lifecycle.Config{
		GraceDelay: 10 * time.Millisecond,
		Scheduler: scheduler.Config{
			PollInterval:    10 * time.Millisecond,
			PollWindow:      50 * time.Millisecond,
			FallbackTimeout: 150 * time.Millisecond,
		},
	}
}

// slowConfig never reaches the fallback timer within a test.
func slowConfig() lifecycle.Config {
	return lifecycle.Config{Scheduler: scheduler.Config{FallbackTimeout: time.Hour}}
}

func newFixture(t *testing.T, script func(url string) lifecycletest.Script) *fixture {
	return newFixtureConfig(t, script, fastConfig())
}

func newFixtureConfig(t *testing.T, script func(url string) lifecycletest.Script, cfg lifecycle.Config) *fixture {
	t.Helper()
	host := lifecycletest.NewHost(script)
	store := transport.NewMemoryStore(time.Hour)
	mgr := lifecycle.NewManager(host, extractor.Default(), gate.New(gate.Thresholds{}), store, nil, cfg)
	f := &fixture{host: host, mgr: mgr, store: store, sigs: &signals{}}
	mgr.Subscribe(f.sigs.add)
	mgr.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		_ = store.Close()
	})
	return f
}

func serve(html string) func(string) lifecycletest.Script {
	return func(string) lifecycletest.Script { return lifecycletest.Script{HTML: []string{html}} }
}

func TestDispatch_CompletesAndReclaims(t *testing.T) {
	f := newFixture(t, serve(bingHTML("https://a.example/", "https://b.example/")))

	id, err := f.mgr.Dispatch(context.Background(), task, bing)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	c := f.host.Context(id)

	nav := c.Navigations()
	if len(nav) != 1 || nav[0] != sources.BuildURL(bing, "go", "task-1") {
		t.Errorf("navigations = %v", nav)
	}
	if got := c.Blocked(); len(got) != len(lifecycle.DefaultBlocked) {
		t.Errorf("blocked classes = %v, want defaults", got)
	}

	waitFor(t, "context close", c.Closed)
	sigs := f.sigs.all()
	if len(sigs) != 1 || sigs[0].Type != models.SignalCompleted || sigs[0].Count != 2 || sigs[0].ContextID != id {
		t.Fatalf("signals = %+v", sigs)
	}
	if n := c.Policy().Retracts(); n != 1 {
		t.Errorf("policy retracted %d times, want 1", n)
	}
	if st := f.mgr.Stats(); st.Contexts != 0 || st.Policies != 0 {
		t.Errorf("stats after reclaim = %+v", st)
	}
}

func TestDispatch_ReusesContextForPair(t *testing.T) {
	f := newFixtureConfig(t, serve(emptyHTML), slowConfig())

	a, err := f.mgr.Dispatch(context.Background(), task, bing)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.mgr.Dispatch(context.Background(), task, bing)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("second dispatch created %q, want reuse of %q", b, a)
	}
	if n := len(f.host.Contexts()); n != 1 {
		t.Errorf("host created %d contexts, want 1", n)
	}
}

func TestDispatch_CreateFailureDrops(t *testing.T) {
	f := newFixture(t, serve(emptyHTML))
	f.host.CreateErr = errors.New("browser gone")

	_, err := f.mgr.Dispatch(context.Background(), task, bing)
	var fe *models.FusionError
	if !errors.As(err, &fe) || fe.Code != models.ErrCodeContext {
		t.Fatalf("error = %v, want CONTEXT_CREATE_FAILED", err)
	}
	if st := f.mgr.Stats(); st.Contexts != 0 {
		t.Errorf("stats = %+v", st)
	}

	// The pair is not left reserved.
	f.host.CreateErr = nil
	if _, err := f.mgr.Dispatch(context.Background(), task, bing); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestDispatch_NavigationFailureTearsDown(t *testing.T) {
	f := newFixture(t, serve(emptyHTML))
	f.host.NavigateErr = func(string) error { return errors.New("net::ERR_NAME_NOT_RESOLVED") }

	_, err := f.mgr.Dispatch(context.Background(), task, bing)
	var fe *models.FusionError
	if !errors.As(err, &fe) || fe.Code != models.ErrCodeNavigation {
		t.Fatalf("error = %v, want NAVIGATION_FAILED", err)
	}
	c := f.host.Contexts()[0]
	if !c.Closed() || c.Policy().Retracts() != 1 {
		t.Errorf("partial context not torn down: closed=%v retracts=%d", c.Closed(), c.Policy().Retracts())
	}
	if st := f.mgr.Stats(); st.Contexts != 0 || st.Policies != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatch_BlockFailureTearsDown(t *testing.T) {
	f := newFixture(t, serve(emptyHTML))
	f.host.BlockErr = errors.New("Fetch.enable failed")

	_, err := f.mgr.Dispatch(context.Background(), task, bing)
	var fe *models.FusionError
	if !errors.As(err, &fe) || fe.Code != models.ErrCodeContext {
		t.Fatalf("error = %v, want CONTEXT_CREATE_FAILED", err)
	}
	c := f.host.Contexts()[0]
	if !c.Closed() {
		t.Error("context left open after policy failure")
	}
	if len(c.Navigations()) != 0 {
		t.Errorf("navigated despite policy failure: %v", c.Navigations())
	}
	if st := f.mgr.Stats(); st.Contexts != 0 || st.Policies != 0 {
		t.Errorf("stats = %+v", st)
	}

	f.host.BlockErr = nil
	if _, err := f.mgr.Dispatch(context.Background(), task, bing); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestDispatch_TagLostSettlesWithNoResults(t *testing.T) {
	f := newFixtureConfig(t, serve(bingHTML("https://a.example/")), slowConfig())
	f.host.Locate = func(url string, _ int) (string, error) {
		return sources.StripTag(url), nil
	}

	id, err := f.mgr.Dispatch(context.Background(), task, bing)
	if err != nil {
		t.Fatal(err)
	}
	c := f.host.Context(id)
	waitFor(t, "context close", c.Closed)

	sigs := f.sigs.all()
	if len(sigs) != 1 || sigs[0].Type != models.SignalCompleted || sigs[0].Count != 0 || sigs[0].SourceID != "bing" {
		t.Fatalf("signals = %+v, want one zero-count COMPLETED for bing", sigs)
	}
	waitFor(t, "context forgotten", func() bool { return f.mgr.Stats().Contexts == 0 })
}

func TestOnOutcome_InterceptedForegroundsAndKeepsPolicy(t *testing.T) {
	f := newFixture(t, serve(`<html><head><title>Security Check</title></head><body></body></html>`))

	id, err := f.mgr.Dispatch(context.Background(), task, bing)
	if err != nil {
		t.Fatal(err)
	}
	c := f.host.Context(id)
	waitFor(t, "interception signal", func() bool { return len(f.sigs.all()) == 1 })

	if f.sigs.all()[0].Type != models.SignalIntercepted {
		t.Fatalf("signal = %+v", f.sigs.all()[0])
	}
	if c.Activations() != 1 {
		t.Errorf("activations = %d, want 1", c.Activations())
	}
	if c.Closed() || c.Policy().Retracts() != 0 {
		t.Error("intercepted context must stay open with its policy")
	}
	if st := f.mgr.Stats(); st.Contexts != 1 || st.Policies != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestEscalation_RetriesWithoutPolicy(t *testing.T) {
	f := newFixture(t, func(url string) lifecycletest.Script {
		if strings.Contains(url, sources.ParamRetry+"=1") {
			return lifecycletest.Script{HTML: []string{`<ul><li class="serp-item"><div class="Organic"><a class="OrganicTitle-Link" href="https://y.example/">Y</a></div></li></ul>`}}
		}
		return lifecycletest.Script{HTML: []string{emptyHTML}}
	})

	id, err := f.mgr.Dispatch(context.Background(), task, yandex)
	if err != nil {
		t.Fatal(err)
	}
	c := f.host.Context(id)
	waitFor(t, "completion after escalation", func() bool { return len(f.sigs.all()) == 1 })

	nav := c.Navigations()
	if len(nav) != 2 || !strings.HasSuffix(nav[1], sources.ParamRetry+"=1") {
		t.Fatalf("navigations = %v", nav)
	}
	sig := f.sigs.all()[0]
	if sig.Type != models.SignalCompleted || sig.Count != 1 {
		t.Errorf("signal = %+v", sig)
	}
	if n := c.Policy().Retracts(); n != 1 {
		t.Errorf("policy retracted %d times, want exactly 1", n)
	}
	waitFor(t, "context close", c.Closed)
}

func TestEscalation_RetriesDispatchedURLAfterTagLoss(t *testing.T) {
	f := newFixture(t, serve(emptyHTML))
	// The site rewrites its address without our parameters once loaded.
	f.host.Locate = func(url string, calls int) (string, error) {
		if calls == 1 {
			return url, nil
		}
		return sources.StripTag(url), nil
	}

	id, err := f.mgr.Dispatch(context.Background(), task, yandex)
	if err != nil {
		t.Fatal(err)
	}
	c := f.host.Context(id)
	waitFor(t, "context close", c.Closed)

	nav := c.Navigations()
	retry, _ := sources.WithRetry(sources.BuildURL(yandex, "go", "task-1"))
	if len(nav) != 2 || nav[1] != retry {
		t.Fatalf("navigations = %v, want retry of %q", nav, retry)
	}
	tag, ok := sources.ParseTag(nav[1])
	if !ok || !tag.Retry || tag.TaskID != "task-1" || tag.SourceID != "yandex" {
		t.Errorf("retry URL tag = %+v, %v", tag, ok)
	}
	sigs := f.sigs.all()
	if len(sigs) != 1 || sigs[0].Type != models.SignalCompleted || sigs[0].Count != 0 {
		t.Errorf("signals = %+v, want one zero-count COMPLETED", sigs)
	}
	waitFor(t, "context forgotten", func() bool { return f.mgr.Stats() == lifecycle.Stats{} })
}

func TestEscalation_AtMostOnce(t *testing.T) {
	f := newFixture(t, serve(emptyHTML))

	id, err := f.mgr.Dispatch(context.Background(), task, yandex)
	if err != nil {
		t.Fatal(err)
	}
	c := f.host.Context(id)
	waitFor(t, "zero-count completion", func() bool { return len(f.sigs.all()) == 1 })

	if sig := f.sigs.all()[0]; sig.Type != models.SignalCompleted || sig.Count != 0 {
		t.Errorf("signal = %+v", sig)
	}
	if n := len(c.Navigations()); n != 2 {
		t.Errorf("navigations = %d, want 2 (original + one retry)", n)
	}
}

func TestOnEscalationRequest_MarkerPresentCompletes(t *testing.T) {
	f := newFixtureConfig(t, serve(emptyHTML), slowConfig())
	sigs := f.sigs

	id, err := f.mgr.Dispatch(context.Background(), task, yandex)
	if err != nil {
		t.Fatal(err)
	}
	c := f.host.Context(id)
	f.mgr.OnEscalationRequest(context.Background(), id)
	if n := len(c.Navigations()); n != 2 {
		t.Fatalf("navigations after first escalation = %d, want 2", n)
	}

	f.mgr.OnEscalationRequest(context.Background(), id)
	if n := len(c.Navigations()); n != 2 {
		t.Errorf("second escalation navigated again")
	}
	got := sigs.all()
	if len(got) != 1 || got[0].Type != models.SignalCompleted || got[0].Count != 0 || got[0].SourceID != "yandex" {
		t.Errorf("signals = %+v", got)
	}
}

func TestOnContextDestroyedExternally(t *testing.T) {
	f := newFixtureConfig(t, serve(emptyHTML), slowConfig())

	id, err := f.mgr.Dispatch(context.Background(), task, bing)
	if err != nil {
		t.Fatal(err)
	}
	c := f.host.Context(id)
	f.host.Destroy(id)

	waitFor(t, "context forgotten", func() bool { return f.mgr.Stats().Contexts == 0 })
	if c.Policy().Retracts() != 1 {
		t.Errorf("policy retracts = %d, want 1", c.Policy().Retracts())
	}
	if c.Closed() {
		t.Error("externally destroyed context should not be closed again")
	}
	waitFor(t, "settling signal", func() bool { return len(f.sigs.all()) == 1 })
	if sig := f.sigs.all()[0]; sig.Type != models.SignalCompleted || sig.Count != 0 || sig.SourceID != "bing" || sig.ContextID != id {
		t.Errorf("signal = %+v, want zero-count COMPLETED for the lost context", sig)
	}

	// Idempotent.
	f.mgr.OnContextDestroyedExternally(id)
	if c.Policy().Retracts() != 1 {
		t.Error("policy retracted twice")
	}
	if n := len(f.sigs.all()); n != 1 {
		t.Errorf("got %d signals after repeat, want 1", n)
	}
}

func TestOnContextDestroyedExternally_AfterOutcomeAddsNoSignal(t *testing.T) {
	f := newFixture(t, serve(`<html><head><title>Security Check</title></head><body></body></html>`))

	id, err := f.mgr.Dispatch(context.Background(), task, bing)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "interception signal", func() bool { return len(f.sigs.all()) == 1 })

	f.host.Destroy(id)
	waitFor(t, "context forgotten", func() bool { return f.mgr.Stats().Contexts == 0 })
	if n := len(f.sigs.all()); n != 1 {
		t.Errorf("got %d signals, want only the interception", n)
	}
}

func TestOpen_DirectModeIsUntaggedAndUnblocked(t *testing.T) {
	f := newFixture(t, serve(bingHTML("https://a.example/")))

	id, err := f.mgr.Open(context.Background(), task, bing)
	if err != nil {
		t.Fatal(err)
	}
	c := f.host.Context(id)
	if nav := c.Navigations(); len(nav) != 1 || nav[0] != "https://www.bing.com/search?q=go" {
		t.Errorf("navigations = %v", nav)
	}
	if c.Policy() != nil {
		t.Error("direct open must not apply a loading policy")
	}
	if c.Activations() != 1 {
		t.Errorf("activations = %d, want 1", c.Activations())
	}
	time.Sleep(50 * time.Millisecond)
	if len(f.sigs.all()) != 0 {
		t.Error("direct-open page emitted a signal")
	}
}

func TestShutdown_ClosesEverything(t *testing.T) {
	host := lifecycletest.NewHost(serve(emptyHTML))
	store := transport.NewMemoryStore(time.Hour)
	defer store.Close()
	mgr := lifecycle.NewManager(host, extractor.Default(), gate.New(gate.Thresholds{}), store, nil, slowConfig())
	mgr.Start()

	for _, src := range []sources.Source{bing, yandex} {
		if _, err := mgr.Dispatch(context.Background(), task, src); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := mgr.Open(context.Background(), task, bing); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, c := range host.Contexts() {
		if !c.Closed() {
			t.Errorf("context %s left open", c.ID())
		}
	}
	if _, err := mgr.Dispatch(context.Background(), task, bing); !errors.Is(err, lifecycle.ErrClosed) {
		t.Errorf("Dispatch after shutdown error = %v, want ErrClosed", err)
	}
}
