package extractor

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/sources"
)

const (
	genericLinkSelector = "h2 a, h3 a, h4 a, .title a"

	// snippetLimit caps generic snippets, in runes.
	snippetLimit = 200

	// minArticleText is how much readable text a page needs before it is
	// treated as a single article rather than an empty listing.
	minArticleText = 500
)

// ParseGeneric handles hosts without a dedicated extractor. It takes every
// heading link in the main content area as a result and uses the rest of its
// enclosing block as the snippet. When the page has no heading links at all
// but reads as a single article (some sites redirect an exact match straight
// to it), the article itself becomes the one result.
func ParseGeneric(doc *Document) ([]models.Record, error) {
	root := doc.Doc.Find("main").First()
	for _, sel := range []string{"#content", "#container", "body"} {
		if root.Length() > 0 {
			break
		}
		root = doc.Doc.Find(sel).First()
	}
	if root.Length() == 0 {
		return nil, nil
	}

	var out []models.Record
	root.Find(genericLinkSelector).Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "javascript:") {
			return
		}
		title := CleanText(link.Text())
		if utf8.RuneCountInString(title) < 2 {
			return
		}

		block := link.Closest("li")
		if block.Length() == 0 {
			block = link.Closest("div")
		}
		if block.Length() == 0 {
			block = link.Parent()
		}
		var snippet string
		if block.Length() > 0 {
			clone := block.Clone()
			clone.Find(genericLinkSelector).First().Remove()
			snippet = Truncate(CleanText(clone.Text()), snippetLimit)
		}

		if r, ok := record(doc, title, href, snippet); ok {
			out = append(out, r)
		}
	})
	if len(out) > 0 {
		return out, nil
	}

	if r, ok := articleRecord(doc); ok {
		return []models.Record{r}, nil
	}
	return nil, nil
}

func articleRecord(doc *Document) (models.Record, bool) {
	if doc.URL == nil || doc.HTML == "" {
		return models.Record{}, false
	}
	article, err := readability.FromReader(strings.NewReader(doc.HTML), doc.URL)
	if err != nil {
		slog.Debug("generic: readability failed", "url", doc.URL.String(), "error", err)
		return models.Record{}, false
	}
	text := CleanText(article.TextContent)
	if utf8.RuneCountInString(text) < minArticleText {
		return models.Record{}, false
	}

	title := CleanText(article.Title)
	if title == "" {
		title = doc.Title
	}
	snippet := CleanText(article.Excerpt)
	if snippet == "" {
		snippet = text
	}
	return record(doc, title, sources.StripTag(doc.URL.String()), Truncate(snippet, snippetLimit))
}
