package extractor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is a rendered page snapshot handed to extractors and the gate.
type Document struct {
	URL         *url.URL
	Title       string
	ContentType string
	HTML        string
	Doc         *goquery.Document
}

// NewDocument parses a rendered page. title may be empty, in which case the
// <title> element of rawHTML is used.
func NewDocument(rawURL, title, contentType, rawHTML string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("extractor: parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extractor: parse html: %w", err)
	}
	if title == "" {
		title = CleanText(doc.Find("title").First().Text())
	}
	return &Document{
		URL:         u,
		Title:       title,
		ContentType: contentType,
		HTML:        rawHTML,
		Doc:         doc,
	}, nil
}

// Host returns the page hostname.
func (d *Document) Host() string {
	if d.URL == nil {
		return ""
	}
	return d.URL.Hostname()
}

// IsHTML reports whether the page is a markup document. An unknown content
// type is treated as HTML.
func (d *Document) IsHTML() bool {
	ct := strings.ToLower(d.ContentType)
	return ct == "" || strings.Contains(ct, "html")
}

// Resolve turns href into an absolute http(s) URL relative to the page.
// It returns "" for anything else (javascript:, mailto:, unparsable).
func (d *Document) Resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if d.URL != nil {
		ref = d.URL.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}
