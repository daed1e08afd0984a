// Package lifecycletest provides an in-memory lifecycle.Host whose pages
// serve scripted HTML, for testing the scheduler, lifecycle manager and
// aggregator without a browser.
package lifecycletest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/use-agent/fusion/extractor"
	"github.com/use-agent/fusion/lifecycle"
	"github.com/use-agent/fusion/scheduler"
)

// Script describes what a page shows after navigating to a URL. Each
// snapshot returns the next HTML in the list; the last one repeats.
type Script struct {
	HTML        []string
	ContentType string
	// Load fires the page load event right after navigation.
	Load bool
}

// FakeHost implements lifecycle.Host.
type FakeHost struct {
	// Script chooses the page content for a navigation. Nil serves an empty page.
	Script func(url string) Script

	CreateErr   error
	BlockErr    error
	NavigateErr func(url string) error
	// Locate, if set, rewrites what a page reports as its address. calls
	// counts Location calls on that page, starting at 1.
	Locate func(url string, calls int) (string, error)

	mu        sync.Mutex
	next      int
	contexts  map[string]*FakeContext
	order     []string
	destroyed chan string
}

// NewHost creates a FakeHost serving pages from script.
func NewHost(script func(url string) Script) *FakeHost {
	return &FakeHost{
		Script:    script,
		contexts:  make(map[string]*FakeContext),
		destroyed: make(chan string, 16),
	}
}

func (h *FakeHost) Create(context.Context) (lifecycle.Context, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CreateErr != nil {
		return nil, h.CreateErr
	}
	h.next++
	id := fmt.Sprintf("ctx-%d", h.next)
	c := &FakeContext{id: id, host: h, page: NewPage("about:blank")}
	c.page.locate = h.Locate
	h.contexts[id] = c
	h.order = append(h.order, id)
	return c, nil
}

func (h *FakeHost) Destroyed() <-chan string { return h.destroyed }

// Destroy simulates a context going away outside the manager's control.
func (h *FakeHost) Destroy(id string) {
	h.destroyed <- id
}

// Context returns the context with the given id.
func (h *FakeHost) Context(id string) *FakeContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contexts[id]
}

// Contexts returns every context created so far, in creation order.
func (h *FakeHost) Contexts() []*FakeContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*FakeContext, len(h.order))
	for i, id := range h.order {
		out[i] = h.contexts[id]
	}
	return out
}

// FakeContext implements lifecycle.Context.
type FakeContext struct {
	id   string
	host *FakeHost
	page *FakePage

	mu          sync.Mutex
	navigations []string
	blocked     []lifecycle.ResourceClass
	policy      *FakePolicy
	activations int
	closed      bool
}

func (c *FakeContext) ID() string { return c.id }

func (c *FakeContext) Block(classes []lifecycle.ResourceClass) (lifecycle.Policy, error) {
	if c.host.BlockErr != nil {
		return nil, c.host.BlockErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = append([]lifecycle.ResourceClass(nil), classes...)
	c.policy = &FakePolicy{}
	return c.policy, nil
}

func (c *FakeContext) Navigate(_ context.Context, url string) error {
	if c.host.NavigateErr != nil {
		if err := c.host.NavigateErr(url); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("lifecycletest: context closed")
	}
	c.navigations = append(c.navigations, url)
	c.mu.Unlock()

	var s Script
	if c.host.Script != nil {
		s = c.host.Script(url)
	}
	c.page.load(url, s)
	return nil
}

func (c *FakeContext) Activate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activations++
	return nil
}

func (c *FakeContext) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeContext) Page() scheduler.Page { return c.page }

// FakePage returns the concrete page, for driving mutations in tests.
func (c *FakeContext) FakePage() *FakePage { return c.page }

// Navigations lists every URL navigated to.
func (c *FakeContext) Navigations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.navigations...)
}

// Blocked returns the resource classes of the last Block call.
func (c *FakeContext) Blocked() []lifecycle.ResourceClass {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// Policy returns the last applied policy, or nil.
func (c *FakeContext) Policy() *FakePolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

func (c *FakeContext) Activations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activations
}

func (c *FakeContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakePolicy counts retractions.
type FakePolicy struct {
	retracts atomic.Int32
}

func (p *FakePolicy) Retract() error {
	p.retracts.Add(1)
	return nil
}

// Retracts returns how many times Retract was called.
func (p *FakePolicy) Retracts() int { return int(p.retracts.Load()) }

// FakePage implements scheduler.Page over scripted HTML.
type FakePage struct {
	mu          sync.Mutex
	url         string
	html        []string
	contentType string
	snapshots   int
	locates     int
	locate      func(url string, calls int) (string, error)

	mutations chan struct{}
	loaded    chan struct{}
}

// NewPage creates a page at url showing the given HTML sequence.
func NewPage(url string, html ...string) *FakePage {
	p := &FakePage{
		mutations: make(chan struct{}, 1),
		loaded:    make(chan struct{}, 1),
	}
	p.load(url, Script{HTML: html})
	return p
}

// NewPageWithType is NewPage with an explicit content type.
func NewPageWithType(url, contentType string, html ...string) *FakePage {
	p := NewPage(url, html...)
	p.contentType = contentType
	return p
}

func (p *FakePage) load(url string, s Script) {
	p.mu.Lock()
	p.url = url
	p.html = append([]string(nil), s.HTML...)
	p.contentType = s.ContentType
	p.snapshots = 0
	p.mu.Unlock()
	if s.Load {
		p.Load()
	}
}

func (p *FakePage) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locates++
	if p.locate != nil {
		return p.locate(p.url, p.locates)
	}
	return p.url, nil
}

func (p *FakePage) Snapshot(context.Context) (*extractor.Document, error) {
	p.mu.Lock()
	html := ""
	if n := len(p.html); n > 0 {
		html = p.html[min(p.snapshots, n-1)]
	}
	p.snapshots++
	url, ct := p.url, p.contentType
	p.mu.Unlock()
	return extractor.NewDocument(url, "", ct, html)
}

func (p *FakePage) Mutations() <-chan struct{} { return p.mutations }
func (p *FakePage) Loaded() <-chan struct{}    { return p.loaded }

// Mutate queues a coalesced mutation notification.
func (p *FakePage) Mutate() {
	select {
	case p.mutations <- struct{}{}:
	default:
	}
}

// Load fires the load event.
func (p *FakePage) Load() {
	select {
	case p.loaded <- struct{}{}:
	default:
	}
}

// Snapshots returns how many snapshots were taken since the last navigation.
func (p *FakePage) Snapshots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshots
}
