package extractor

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/fusion/models"
)

// ParseGoogle covers both the classic and the newer result card layouts.
func ParseGoogle(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("div.g, div.tF2Cxc, div.mnr-c").Each(func(_ int, node *goquery.Selection) {
		if node.Closest(".g-blk").Length() > 0 {
			return
		}
		title := node.Find("h3").First()
		link := node.Find("a").First()
		if title.Length() == 0 || link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")
		snippet := node.Find("div.VwiC3b, span.aCOpRe, div.IsZvec").First().Text()
		if r, ok := record(doc, title.Text(), href, snippet); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseBing extracts organic results.
func ParseBing(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("li.b_algo").Each(func(_ int, node *goquery.Selection) {
		link := node.Find("h2 a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")
		snippet := node.Find(".b_caption p, .b_snippet").First().Text()
		if r, ok := record(doc, link.Text(), href, snippet); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseBaidu extracts results. Baidu links are redirect URLs; they are kept
// as-is since the redirect target is not in the page.
func ParseBaidu(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("div.c-container").Each(func(_ int, node *goquery.Selection) {
		link := node.Find("h3 a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")
		snippet := node.Find(".c-abstract, .c-font-normal, span.content-right_8Zs40").First().Text()
		if r, ok := record(doc, link.Text(), href, snippet); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseYandex extracts organic results from .com and .ru result pages.
func ParseYandex(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("li.serp-item").Each(func(_ int, node *goquery.Selection) {
		if node.Find(".Organic, .organic").Length() == 0 {
			return
		}
		link := node.Find("a.OrganicTitle-Link").First()
		if link.Length() == 0 {
			return
		}
		title := link.Text()
		if span := link.Find(".OrganicTitleContentSpan, .organic__title").First(); span.Length() > 0 {
			title = span.Text()
		}
		href, _ := link.Attr("href")
		snippet := firstText(node, ".OrganicTextContentSpan", ".OrganicText", ".organic__text")
		if r, ok := record(doc, title, href, snippet); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// firstText returns the text of the first selector that matches, in order of
// preference.
func firstText(node *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		if s := node.Find(sel).First(); s.Length() > 0 {
			return s.Text()
		}
	}
	return ""
}
