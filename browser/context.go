package browser

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/use-agent/fusion/extractor"
	"github.com/use-agent/fusion/lifecycle"
	"github.com/use-agent/fusion/scheduler"
)

// mutationBinding is the page function the injected observer calls.
const mutationBinding = "__fusionMutated"

// observerJS reports DOM changes to the binding, at most once per frame.
const observerJS = `() => {
	if (window.__fusionObserver) return;
	let queued = false;
	const notify = () => {
		if (queued) return;
		queued = true;
		requestAnimationFrame(() => {
			queued = false;
			try { window.` + mutationBinding + `(); } catch (e) {}
		});
	};
	const start = () => {
		window.__fusionObserver = new MutationObserver(notify);
		window.__fusionObserver.observe(document.documentElement, {childList: true, subtree: true});
	};
	if (document.documentElement) start();
	else document.addEventListener('DOMContentLoaded', start);
}`

const snapshotJS = `() => ({
	url: location.href,
	title: document.title,
	contentType: document.contentType,
	html: document.documentElement ? document.documentElement.outerHTML : ""
})`

// Context is one incognito browser context with a single tab. It implements
// lifecycle.Context and, through Page, scheduler.Page.
type Context struct {
	id    string
	host  *Host
	incog *rod.Browser
	page  *rod.Page

	// life scopes the page's event listeners.
	life   context.Context
	cancel context.CancelFunc

	mutations chan struct{}
	loaded    chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func newContext(h *Host, incog *rod.Browser, page *rod.Page) (*Context, error) {
	// Detach the tab from the creating request; listeners live until Close.
	life, cancel := context.WithCancel(context.Background())
	page = page.Context(life)
	c := &Context{
		id:        string(page.TargetID),
		host:      h,
		incog:     incog,
		page:      page,
		life:      life,
		cancel:    cancel,
		mutations: make(chan struct{}, 1),
		loaded:    make(chan struct{}, 1),
	}

	if h.stealthEnabled() {
		injectStealth(page)
	}

	if _, err := page.Expose(mutationBinding, func(gson.JSON) (interface{}, error) {
		notify(c.mutations)
		return nil, nil
	}); err != nil {
		cancel()
		return nil, err
	}
	if _, err := page.EvalOnNewDocument(observerJS); err != nil {
		cancel()
		return nil, err
	}

	wait := page.EachEvent(func(*proto.PageLoadEventFired) {
		notify(c.loaded)
	})
	go wait()

	return c, nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Context) ID() string { return c.id }

// Block pauses every request of this context's tab through the Fetch domain
// and fails the ones the classes name. The paused event carries the frame
// that issued the request, which is how sub-frame documents are told apart
// from the tab's own navigations.
func (c *Context) Block(classes []lifecycle.ResourceClass) (lifecycle.Policy, error) {
	b := newBlocker(classes)
	if b.empty() {
		return noPolicy{}, nil
	}

	events, stop := context.WithCancel(c.life)
	enable := proto.FetchEnable{Patterns: []*proto.FetchRequestPattern{{URLPattern: "*"}}}
	if err := enable.Call(c.page); err != nil {
		stop()
		return nil, err
	}

	mainFrame := c.page.FrameID
	wait := c.page.Context(events).EachEvent(func(e *proto.FetchRequestPaused) {
		go c.resolvePaused(b, mainFrame, e)
	})
	go wait()
	return &policy{page: c.page, stop: stop}, nil
}

// resolvePaused fails or continues one paused request.
func (c *Context) resolvePaused(b blocker, mainFrame proto.PageFrameID, e *proto.FetchRequestPaused) {
	var err error
	if b.blocks(e.ResourceType, isSubFrame(e.FrameID, mainFrame)) {
		err = proto.FetchFailRequest{
			RequestID:   e.RequestID,
			ErrorReason: proto.NetworkErrorReasonBlockedByClient,
		}.Call(c.page)
	} else {
		err = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(c.page)
	}
	if err != nil && !c.closing() {
		slog.Debug("paused request not resolved", "context", c.id, "type", e.ResourceType, "error", err)
	}
}

// Navigate loads url and returns once the navigation is committed.
func (c *Context) Navigate(ctx context.Context, url string) error {
	p := c.page.Context(ctx)
	if d := c.host.cfg.NavigationTimeout; d > 0 {
		p = p.Timeout(d)
	}
	if err := p.Navigate(url); err != nil {
		return categorizeError(err, "navigation to source URL failed")
	}
	return nil
}

// Activate brings the tab to the front so a person can act on it.
func (c *Context) Activate(ctx context.Context) error {
	_, err := c.page.Context(ctx).Activate()
	return err
}

// Close disposes the incognito context together with its tab.
func (c *Context) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.host.forget(c.id)
		err = c.incog.Context(ctx).Close()
	})
	return err
}

func (c *Context) closing() bool { return c.closed.Load() }

// release stops listeners after the tab is already gone.
func (c *Context) release() { c.cancel() }

func (c *Context) Page() scheduler.Page { return (*page)(c) }

// page is the scheduler's view of a Context.
type page Context

func (p *page) Location(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *page) Snapshot(ctx context.Context) (*extractor.Document, error) {
	res, err := p.page.Context(ctx).Timeout(5 * time.Second).Eval(snapshotJS)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(res.Value)
}

func (p *page) Mutations() <-chan struct{} { return p.mutations }
func (p *page) Loaded() <-chan struct{}    { return p.loaded }

func decodeSnapshot(v gson.JSON) (*extractor.Document, error) {
	return extractor.NewDocument(
		v.Get("url").Str(),
		v.Get("title").Str(),
		v.Get("contentType").Str(),
		v.Get("html").Str(),
	)
}

// policy is an applied request interceptor. Retracting it stops the event
// listener and disables the Fetch domain, which releases paused requests.
type policy struct {
	page *rod.Page
	stop context.CancelFunc
	once sync.Once
}

func (p *policy) Retract() error {
	var err error
	p.once.Do(func() {
		p.stop()
		err = proto.FetchDisable{}.Call(p.page)
	})
	return err
}

type noPolicy struct{}

func (noPolicy) Retract() error { return nil }
