// Package probe checks whether a source's result page can be fetched and
// looks like a result listing, to help decide its parsable flag.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/use-agent/fusion/sources"
)

// Keywords are tried in order until one yields a parsable page.
var Keywords = []string{
	"boy", "a", "flower", "sky", "cat",
	"test", "hello", "123", "news", "movie",
}

const (
	minBytes = 500
	// A page needs more than minLinks anchors.
	minLinks = 5
	maxBody  = 10 << 20
)

// Result is the outcome for one source.
type Result struct {
	Source     string `json:"source"`
	Category   string `json:"category"`
	Parsable   bool   `json:"parsable"`
	Keyword    string `json:"keyword,omitempty"`
	URL        string `json:"url,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Title      string `json:"title,omitempty"`
	Bytes      int    `json:"bytes"`
	Links      int    `json:"links"`
	Error      string `json:"error,omitempty"`
}

// Prober fetches source pages over HTTP.
type Prober struct {
	client      *http.Client
	keywords    []string
	concurrency int
}

// New creates a prober. A nil client uses NewClient with no proxy.
func New(client *http.Client, concurrency int) *Prober {
	if client == nil {
		client = NewClient("", 15*time.Second)
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Prober{client: client, keywords: Keywords, concurrency: concurrency}
}

// WithKeywords replaces the keyword pool.
func (p *Prober) WithKeywords(kw []string) *Prober {
	p.keywords = kw
	return p
}

// Probe tries each keyword until the page looks parsable. The result
// describes the last attempt.
func (p *Prober) Probe(ctx context.Context, src sources.Source) Result {
	res := Result{Source: src.ID, Category: src.Category}
	for _, kw := range p.keywords {
		if ctx.Err() != nil {
			res.Error = ctx.Err().Error()
			return res
		}
		res = p.try(ctx, src, kw)
		if res.Parsable {
			return res
		}
	}
	return res
}

// ProbeAll probes every source with bounded concurrency. Results keep the
// order of srcs.
func (p *Prober) ProbeAll(ctx context.Context, srcs []sources.Source) []Result {
	out := make([]Result, len(srcs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, src := range srcs {
		g.Go(func() error {
			out[i] = p.Probe(ctx, src)
			slog.Debug("probed source", "source", src.ID, "parsable", out[i].Parsable, "links", out[i].Links)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Prober) try(ctx context.Context, src sources.Source, keyword string) Result {
	target := sources.QueryURL(src, keyword)
	res := Result{Source: src.ID, Category: src.Category, Keyword: keyword, URL: target}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		res.Error = fmt.Sprintf("build request: %v", err)
		return res
	}
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		res.Error = fmt.Sprintf("read body: %v", err)
		return res
	}

	res.StatusCode = resp.StatusCode
	res.Bytes = len(body)
	if resp.StatusCode != http.StatusOK {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return res
	}

	res.Title, res.Links = inspect(body)
	res.Parsable = res.Bytes >= minBytes && res.Links > minLinks
	return res
}

// inspect returns the document title and the number of anchor elements.
func inspect(body []byte) (title string, links int) {
	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return title, links
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "a":
				links++
			case "title":
				inTitle = title == ""
			}
		case html.TextToken:
			if inTitle {
				title = strings.TrimSpace(string(z.Text()))
				inTitle = false
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}
