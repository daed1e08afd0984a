package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/fusion/models"
)

// castLimit caps cast lists in snippets, in runes.
const castLimit = 100

// ParseAcFun extracts video and bangumi links from the search list. Any
// other link in the list (uploaders, tags) is skipped.
func ParseAcFun(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".search__main__list a").Each(func(_ int, node *goquery.Selection) {
		href, _ := node.Attr("href")
		if !strings.Contains(href, "/v/ac") && !strings.Contains(href, "/bangumi/") {
			return
		}

		title := CleanText(node.Find(".video-title, .bangumi-title, h1, h2, h3").First().Text())
		if title == "" {
			title = CleanText(node.AttrOr("title", ""))
		}
		if title == "" {
			title = CleanText(node.Text())
		}

		var snippet string
		if card := node.Closest(".main__list__item, .video-item, .bangumi-item"); card.Length() > 0 {
			desc := CleanText(card.Find(".video-desc, .bangumi-desc, p").First().Text())
			if desc != title {
				snippet = desc
			}
		}

		if r, ok := record(doc, title, href, snippet); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseAnime1 extracts anime entries. Each card's secondary lines (year,
// alternative names) become the snippet; the "source" line is dropped.
func ParseAnime1(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".table-pane .table-item").Each(func(_ int, node *goquery.Selection) {
		link := node.Find("a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		var parts []string
		link.Find("div:not(.title)").Each(func(_ int, div *goquery.Selection) {
			text := CleanText(div.Text())
			if text == "" || strings.Contains(strings.ToLower(text), "来源") {
				return
			}
			parts = append(parts, strings.Replace(text, ":", ": ", 1))
		})

		if r, ok := record(doc, link.Find(".title").First().Text(), href, strings.Join(parts, " | ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseGimy extracts the detail cards of a Gimy TV search page.
func ParseGimy(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".details-info-min").Each(func(_ int, node *goquery.Selection) {
		link := node.Find(".details-info ul li:first-child a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		var parts []string
		if status := CleanText(node.Find(".details-info ul li:first-child span.hidden-sm").First().Text()); status != "" {
			parts = append(parts, "["+status+"]")
		}
		node.Find(".details-info ul li.text").Each(func(_ int, item *goquery.Selection) {
			text := CleanText(item.Text())
			if v, ok := strings.CutPrefix(text, "類型："); ok {
				parts = append(parts, "Genre: "+v)
			} else if v, ok := strings.CutPrefix(text, "主演："); ok {
				parts = append(parts, "Cast: "+Truncate(strings.TrimSpace(v), castLimit))
			} else if v, ok := strings.CutPrefix(text, "年代："); ok {
				parts = append(parts, "Year: "+v)
			}
		})

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " | ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseModuleCards extracts the card grid shared by several video sites
// (Nivod, Yueyu2). The first info line holds year, region and genre; the
// second holds the cast.
func ParseModuleCards(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".module-card-item.module-item").Each(func(_ int, node *goquery.Selection) {
		link := node.Find(".module-card-item-title a").First()
		title := link.Find("strong").First()
		if title.Length() == 0 {
			return
		}
		href, ok := link.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			href, _ = node.Find(".module-card-item-poster").First().Attr("href")
		}

		var parts []string
		if class := CleanText(node.Find(".module-card-item-class").First().Text()); class != "" {
			parts = append(parts, "["+class+"]")
		}
		if note := CleanText(node.Find(".module-item-note").First().Text()); note != "" {
			parts = append(parts, "["+note+"]")
		}
		info := node.Find(".module-info-item-content")
		if meta := CleanText(info.Eq(0).Text()); meta != "" {
			parts = append(parts, strings.ReplaceAll(meta, " / ", " | "))
		}
		if cast := CleanText(info.Eq(1).Text()); cast != "" {
			parts = append(parts, "Cast: "+Truncate(cast, castLimit))
		}

		if r, ok := record(doc, title.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// metaLabels rewrites the run-together genre/region/year line of stui
// templates into a delimited one.
var metaLabels = strings.NewReplacer("类型：", "Genre: ", "地区：", " | Region: ", "年份：", " | Year: ")

// ParseStui extracts the media list of stui-template video sites (Dmla8).
func ParseStui(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(".stui-vodlist__media > li").Each(func(_ int, node *goquery.Selection) {
		link := node.Find(".detail .title a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		var parts []string
		if status := CleanText(node.Find(".pic-text").First().Text()); status != "" {
			parts = append(parts, "["+status+"]")
		}
		if alias := CleanText(node.Find("p:nth-of-type(1)").First().Text()); strings.Contains(alias, "别名") {
			parts = append(parts, alias)
		}
		if cast := CleanText(node.Find("p:nth-of-type(2)").First().Text()); strings.Contains(cast, "主演") {
			parts = append(parts, cast)
		}
		if meta := CleanText(node.Find("p.hidden-mi").First().Text()); meta != "" {
			parts = append(parts, CleanText(metaLabels.Replace(meta)))
		}

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}
