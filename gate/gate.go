// Package gate classifies a rendered page as an anti-automation interstitial
// (captcha, browser check) before any extraction is attempted.
package gate

import (
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/use-agent/fusion/extractor"
)

// Reason names the rule that blocked a page.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTitle     Reason = "title"
	ReasonMarker    Reason = "marker"
	ReasonHeuristic Reason = "heuristic"
)

// Thresholds tune the gate's size-based rules.
type Thresholds struct {
	// MarkerTextMax: a challenge widget blocks only when visible text is shorter.
	MarkerTextMax int
	// ShortTextMax, MinLinks: the keyword heuristic applies to pages with
	// less text and fewer links than these.
	ShortTextMax int
	MinLinks     int
	// SampleSize bounds how much visible text is read, in runes.
	SampleSize int
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MarkerTextMax: 500,
		ShortTextMax:  800,
		MinLinks:      5,
		SampleSize:    4096,
	}
}

var titlePhrases = []string{
	"just a moment", "checking your browser", "security check",
	"人机验证", "安全检查", "ddos-guard",
}

var textKeywords = []string{
	"captcha", "验证码", "人机身份验证", "安全验证", "robot", "are you human",
}

var markerSelectors = []string{
	"#recaptcha",
	`iframe[src*="recaptcha"]`,
	`iframe[src*="hcaptcha"]`,
	".w-safety-verification",
	"#challenge-form",
}

// Gate is safe for concurrent use; it holds only compiled selectors.
type Gate struct {
	th      Thresholds
	markers []cascadia.Matcher
}

// New builds a gate. Zero-valued thresholds take their defaults.
func New(th Thresholds) *Gate {
	def := DefaultThresholds()
	if th.MarkerTextMax <= 0 {
		th.MarkerTextMax = def.MarkerTextMax
	}
	if th.ShortTextMax <= 0 {
		th.ShortTextMax = def.ShortTextMax
	}
	if th.MinLinks <= 0 {
		th.MinLinks = def.MinLinks
	}
	if th.SampleSize <= max(th.MarkerTextMax, th.ShortTextMax) {
		th.SampleSize = max(def.SampleSize, th.ShortTextMax+1, th.MarkerTextMax+1)
	}

	g := &Gate{th: th}
	for _, s := range markerSelectors {
		g.markers = append(g.markers, cascadia.MustCompile(s))
	}
	return g
}

// Blocked reports whether doc looks like an interception page.
func (g *Gate) Blocked(doc *extractor.Document) bool {
	return g.Classify(doc) != ReasonNone
}

// Classify runs the rules in order and returns the first that matches.
func (g *Gate) Classify(doc *extractor.Document) Reason {
	title := strings.ToLower(doc.Title)
	for _, p := range titlePhrases {
		if strings.Contains(title, p) {
			return ReasonTitle
		}
	}

	var root *html.Node
	if doc.Doc != nil && len(doc.Doc.Nodes) > 0 {
		root = doc.Doc.Nodes[0]
	}
	if root == nil {
		return ReasonNone
	}

	s := g.sample(root)
	textLen := utf8.RuneCountInString(s.text)

	if textLen < g.th.MarkerTextMax && g.hasMarker(root) {
		return ReasonMarker
	}

	if textLen < g.th.ShortTextMax && s.links < g.th.MinLinks {
		text := strings.ToLower(s.text)
		for _, kw := range textKeywords {
			if strings.Contains(text, kw) {
				return ReasonHeuristic
			}
		}
	}
	return ReasonNone
}

func (g *Gate) hasMarker(root *html.Node) bool {
	for _, m := range g.markers {
		if cascadia.Query(root, m) != nil {
			return true
		}
	}
	return false
}

type sample struct {
	text  string
	links int
}

// sample walks the tree once, collecting visible text up to SampleSize runes
// and counting links up to MinLinks. Both stop early once their bound is hit.
func (g *Gate) sample(root *html.Node) sample {
	var (
		b     strings.Builder
		runes int
		links int
	)
	textFull := false
	linksFull := false

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if textFull && linksFull {
			return
		}
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template", "head":
				return
			case "a", "area":
				if !linksFull && hasAttr(n, "href") {
					links++
					linksFull = links >= g.th.MinLinks
				}
			}
		case html.TextNode:
			if textFull {
				return
			}
			t := extractor.CleanText(n.Data)
			if t == "" {
				return
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
				runes++
			}
			b.WriteString(t)
			runes += utf8.RuneCountInString(t)
			textFull = runes >= g.th.SampleSize
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return sample{text: b.String(), links: links}
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
