// Package extractor turns a rendered result-listing page into records. Each
// source has its own extractor; a registry routes a page to the right one
// by hostname, with a generic fallback for hosts nobody claims.
package extractor

import (
	"errors"
	"strings"

	"github.com/use-agent/fusion/models"
)

// ErrNotApplicable is returned when the page cannot be extracted at all, e.g.
// a PDF or JSON response. The scheduler reports it and leaves the page alone.
var ErrNotApplicable = errors.New("extractor: page content type is not applicable")

// Extractor parses a rendered document into records. Implementations must
// not mutate the document and should skip individual malformed items rather
// than fail the whole page. Absent elements yield an empty result.
type Extractor interface {
	Parse(doc *Document) ([]models.Record, error)
}

// Func adapts a plain function to the Extractor interface.
type Func func(doc *Document) ([]models.Record, error)

// Parse calls f(doc).
func (f Func) Parse(doc *Document) ([]models.Record, error) { return f(doc) }

// Match decides whether an extractor handles the given hostname.
type Match func(host string) bool

// HostContains matches hostnames containing substr, e.g. "google." covers
// every Google country domain.
func HostContains(substr string) Match {
	return func(host string) bool { return strings.Contains(host, substr) }
}

type entry struct {
	name  string
	match Match
	ext   Extractor
}

// Registry routes pages to extractors. Register everything before use; the
// registry is read-only once handed to schedulers.
type Registry struct {
	entries []entry
	generic Extractor
}

// NewRegistry creates an empty registry with the given generic fallback.
func NewRegistry(generic Extractor) *Registry {
	return &Registry{generic: generic}
}

// Register adds an extractor. The first registered match wins.
func (r *Registry) Register(name string, match Match, ext Extractor) {
	r.entries = append(r.entries, entry{name: name, match: match, ext: ext})
}

// Lookup returns the site-specific extractor for host.
func (r *Registry) Lookup(host string) (string, Extractor, bool) {
	host = strings.ToLower(host)
	for _, e := range r.entries {
		if e.match(host) {
			return e.name, e.ext, true
		}
	}
	return "", nil, false
}

// Resolve picks the extractor for doc: the not-applicable extractor for
// non-markup content, otherwise the site-specific one. It returns nil when no
// site-specific extractor claims the host; callers decide when the generic
// fallback is allowed.
func (r *Registry) Resolve(doc *Document) Extractor {
	if !doc.IsHTML() {
		return notApplicable
	}
	_, ext, ok := r.Lookup(doc.Host())
	if !ok {
		return nil
	}
	return ext
}

// Generic returns the fallback extractor.
func (r *Registry) Generic() Extractor {
	return r.generic
}

// Names lists registered extractor names in routing order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.name
	}
	return out
}

var notApplicable = Func(func(*Document) ([]models.Record, error) {
	return nil, ErrNotApplicable
})

// Default returns a registry populated with the built-in extractors.
func Default() *Registry {
	r := NewRegistry(Func(ParseGeneric))
	r.Register("google", HostContains("google."), Func(ParseGoogle))
	r.Register("bing", HostContains("bing.com"), Func(ParseBing))
	r.Register("baidu", HostContains("baidu.com"), Func(ParseBaidu))
	r.Register("yandex", HostContains("yandex."), Func(ParseYandex))
	r.Register("toutiao", HostContains("so.toutiao.com"), Func(ParseToutiao))
	r.Register("bilibili", HostContains("bilibili.com"), Func(ParseBilibili))
	r.Register("imdb", HostContains("imdb.com"), Func(ParseIMDb))
	r.Register("rottentomatoes", HostContains("rottentomatoes.com"), Func(ParseRottenTomatoes))
	r.Register("metacritic", HostContains("metacritic.com"), Func(ParseMetacritic))
	r.Register("filmaffinity", HostContains("filmaffinity.com"), Func(ParseFilmAffinity))
	r.Register("cinematerial", HostContains("cinematerial.com"), Func(ParseCineMaterial))
	r.Register("acfun", HostContains("acfun.cn"), Func(ParseAcFun))
	r.Register("anime1", HostContains("anime1.cc"), Func(ParseAnime1))
	r.Register("gimy", HostContains("gimytv.ai"), Func(ParseGimy))
	r.Register("nivod", HostContains("nivod.vip"), Func(ParseModuleCards))
	r.Register("yueyu2", HostContains("yueyu2.com"), Func(ParseModuleCards))
	r.Register("dmla8", HostContains("dmla8.com"), Func(ParseStui))
	r.Register("piratebay", HostContains("thepiratebay"), Func(ParsePirateBay))
	r.Register("rarbg", HostContains("rargb.to"), Func(ParseRARBG))
	r.Register("xcili", HostContains("xcili.net"), Func(ParseXcili))
	r.Register("pansearch", HostContains("pansearch.me"), Func(ParsePanSearch))
	r.Register("upyunso", HostContains("upyunso.com"), Func(ParseUpyunso))
	r.Register("quarkstation", HostContains("pioz.cn"), Func(ParseQuarkStation))
	r.Register("xiaoyu", HostContains("xykmovie.com"), Func(ParseXiaoyu))
	r.Register("gatherfind", HostContains("gatherfind.com"), Func(ParseGatherFind))
	r.Register("liumingye", HostContains("tool.liumingye.cn"), Func(ParseLiumingye))
	r.Register("sbkko", HostContains("nav.sbkko.com"), Func(ParseSbkko))
	r.Register("xusou", HostContains("xusou.cn"), Func(ParseXusou))
	return r
}

// record builds a record if title and href are usable.
func record(doc *Document, title, href, snippet string) (models.Record, bool) {
	title = CleanText(title)
	u := doc.Resolve(href)
	if title == "" || u == "" {
		return models.Record{}, false
	}
	return models.Record{Title: title, URL: u, Snippet: CleanText(snippet)}, true
}
