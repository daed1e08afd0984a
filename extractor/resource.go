package extractor

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/fusion/models"
	"github.com/use-agent/fusion/sources"
)

var (
	panName      = regexp.MustCompile(`名称[：:]\s*(\S+)`)
	panLabels    = regexp.MustCompile(`名称[：:]|展开|链接[：:]`)
	upyunsoID    = regexp.MustCompile(`handleUrlAction\(['"]([^'"]+)['"]`)
	stampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}\s\d{2}:\d{2}`)
	bareURL      = regexp.MustCompile(`https?://\S+`)
)

// ParsePanSearch extracts cloud-drive share cards. The card body is free
// text of the form "名称：<name> 描述：... 链接：<url>"; the name becomes the
// title, or the first 30 runes of the text when no name label is present.
func ParsePanSearch(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("main .grid > div").Each(func(_ int, node *goquery.Selection) {
		body := node.Find(".whitespace-pre-wrap").First()
		if body.Length() == 0 {
			return
		}
		link := body.Find("a.resource-link").First()
		if link.Length() == 0 {
			link = body.Find("a").First()
		}
		href, _ := link.Attr("href")

		text := CleanText(body.Text())
		var title string
		if m := panName.FindStringSubmatch(text); m != nil {
			title = m[1]
		} else {
			r := []rune(text)
			title = string(r[:min(30, len(r))])
		}
		snippet := strings.Replace(text, title, "", 1)
		snippet = CleanText(panLabels.ReplaceAllString(snippet, ""))
		if stamp := CleanText(node.Find(`[class~="text-base-content/70"]`).First().Text()); stamp != "" {
			snippet = "[" + stamp + "] " + snippet
		}

		if r, ok := record(doc, title, href, snippet); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseUpyunso extracts drive search results. Links are script handlers
// keyed by a file id, so each record points back at the result page with
// the id as fragment. Items without an id are skipped.
func ParseUpyunso(doc *Document) ([]models.Record, error) {
	if doc.URL == nil {
		return nil, nil
	}
	page, err := url.Parse(sources.StripTag(doc.URL.String()))
	if err != nil {
		return nil, nil
	}

	var out []models.Record
	doc.Doc.Find(".search-results-list .result-item").Each(func(_ int, node *goquery.Selection) {
		link := node.Find(".item-title a").First()
		if link.Length() == 0 {
			return
		}
		m := upyunsoID.FindStringSubmatch(link.AttrOr("onclick", ""))
		if m == nil {
			return
		}
		target := *page
		target.Fragment = "file-" + m[1]
		target.RawFragment = ""

		if r, ok := record(doc, link.Text(), target.String(), node.Find(".item-info").First().Text()); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseQuarkStation extracts the file list of a Quark share index.
func ParseQuarkStation(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".file-item").Each(func(_ int, node *goquery.Selection) {
		link := node.Find(".min-w-0 > a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")
		title, ok := link.Find("span[title]").First().Attr("title")
		if !ok {
			title = link.Text()
		}

		var parts []string
		node.Find(".bg-gray-700").Each(func(_ int, tag *goquery.Selection) {
			if t := CleanText(tag.Text()); t != "" {
				parts = append(parts, "["+t+"]")
			}
		})
		node.Find(".text-gray-400").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if t := CleanText(s.Text()); stampPattern.MatchString(t) {
				parts = append(parts, t)
				return false
			}
			return true
		})

		if r, ok := record(doc, title, href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseXiaoyu extracts drive links. The target is base64 encoded in
// data-url, sometimes without a scheme; an extraction code, when present,
// leads the snippet.
func ParseXiaoyu(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("#Search-item .item").Each(func(_ int, node *goquery.Selection) {
		link := node.Find("a.open").First()
		if link.Length() == 0 {
			return
		}

		var href string
		if enc := link.AttrOr("data-url", ""); enc != "" {
			if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
				href = string(raw)
				if !strings.HasPrefix(href, "http") {
					href = "https://" + href
				}
			}
		}
		if href == "" {
			href = link.AttrOr("href", "")
		}

		var parts []string
		if code := strings.TrimSpace(link.AttrOr("data-code", "")); code != "" {
			parts = append(parts, "[Code: "+code+"]")
		}
		node.Find(".atips a").Each(func(_ int, tip *goquery.Selection) {
			t := CleanText(tip.Text())
			if t == "" || strings.Contains(t, "温馨提示") || strings.Contains(t, "点击上方剧名") {
				return
			}
			parts = append(parts, t)
		})

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " | ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseGatherFind extracts the paragraph list of a link aggregator. Text
// around the link, minus any bare URLs, is the snippet.
func ParseGatherFind(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".searchbox p").Each(func(_ int, node *goquery.Selection) {
		link := node.Find("a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		rest := node.Clone()
		rest.Find("a").First().Remove()
		snippet := bareURL.ReplaceAllString(rest.Text(), "")

		if r, ok := record(doc, link.Text(), href, snippet); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseLiumingye extracts the tool grid of a resource navigation site.
func ParseLiumingye(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".list-grid a.list-item").Each(func(_ int, node *goquery.Selection) {
		href, _ := node.Attr("href")
		if r, ok := record(doc, node.Find(".list-title").First().Text(), href, node.Find(".list-desc").First().Text()); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseSbkko extracts site cards of a navigation directory.
func ParseSbkko(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("article.sites-item a.sites-body").Each(func(_ int, link *goquery.Selection) {
		href, _ := link.Attr("href")
		title := link.Find(".item-title b").First()
		if title.Length() == 0 {
			return
		}
		if r, ok := record(doc, title.Text(), href, link.Find(".line1.text-muted").First().Text()); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseXusou extracts drive search results with their share time and
// origin drive.
func ParseXusou(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".list .item").Each(func(_ int, node *goquery.Selection) {
		link := node.Find("a.title").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		var parts []string
		if t := CleanText(node.Find(".type.time").First().Text()); t != "" {
			parts = append(parts, "["+t+"]")
		}
		if origin := CleanText(node.Find(".type span").First().Text()); strings.Contains(origin, "来源") {
			parts = append(parts, "["+origin+"]")
		}

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}
