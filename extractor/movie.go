package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/fusion/models"
)

// ParseRottenTomatoes extracts movie and series rows. The rows are custom
// elements whose metadata lives in attributes, so it survives without the
// component scripts having run.
func ParseRottenTomatoes(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("search-page-media-row").Each(func(_ int, node *goquery.Selection) {
		link := node.Find(`a[slot="title"]`).First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		var parts []string
		year := node.AttrOr("release-year", "")
		if year == "" {
			year = node.AttrOr("start-year", "")
		}
		if year != "" {
			if end := node.AttrOr("end-year", ""); end != "" {
				year += " - " + end
			}
			parts = append(parts, "[Year: "+year+"]")
		}
		if score := node.AttrOr("tomatometerscore", ""); score != "" {
			s := "[Tomatometer: " + score + "%"
			switch node.AttrOr("tomatometersentiment", "") {
			case "POSITIVE":
				s += " fresh"
			case "NEGATIVE":
				s += " rotten"
			}
			parts = append(parts, s+"]")
		}
		if cast := node.AttrOr("cast", ""); cast != "" {
			names := strings.Split(cast, ",")
			if len(names) > 3 {
				names = names[:3]
			}
			for i := range names {
				names[i] = strings.TrimSpace(names[i])
			}
			parts = append(parts, "[Cast: "+strings.Join(names, ", ")+"]")
		}

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseMetacritic extracts search result cards. A "tbd" score is omitted.
func ParseMetacritic(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(`a[data-testid="search-result-item"]`).Each(func(_ int, node *goquery.Selection) {
		title := node.Find(`p[data-testid="product-title"]`).First()
		if title.Length() == 0 {
			return
		}
		href, _ := node.Attr("href")

		var parts []string
		score := CleanText(node.Find(`[data-testid="product-metascore"] > div`).First().Text())
		if score != "" && !strings.EqualFold(score, "tbd") {
			parts = append(parts, "[Metascore: "+score+"]")
		}
		if meta := CleanText(node.Find(`[data-testid="product-metadata"]`).First().Text()); meta != "" {
			parts = append(parts, strings.ReplaceAll(meta, "•", "|"))
		}

		if r, ok := record(doc, title.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseFilmAffinity extracts the title section of a search page.
func ParseFilmAffinity(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("#title-result .movie-card").Each(func(_ int, node *goquery.Selection) {
		link := node.Find(".mc-title a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		var parts []string
		if year := CleanText(node.Find(".mc-year").First().Text()); year != "" {
			parts = append(parts, "[Year: "+year+"]")
		}
		if rating := CleanText(node.Find(".avg-rat-box .avg, .fa-avg-rat-box .avg").First().Text()); rating != "" {
			parts = append(parts, "[Rating: "+rating+"]")
		}
		if director := CleanText(node.Find(".mc-director .credits").First().Text()); director != "" {
			parts = append(parts, "[Director: "+director+"]")
		}
		if cast := CleanText(node.Find(".mc-cast .credits").First().Text()); cast != "" {
			parts = append(parts, "[Cast: "+strings.TrimSpace(strings.TrimSuffix(cast, "..."))+"]")
		}

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " | ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseCineMaterial extracts the poster archive's result table.
func ParseCineMaterial(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("main div.table-responsive table tr").Each(func(_ int, row *goquery.Selection) {
		cell := row.Find("td:nth-child(2)").First()
		link := cell.Find("a.font-bold").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		var parts []string
		if year := CleanText(cell.Find("strong.text-gray-400").First().Text()); year != "" {
			parts = append(parts, "[Year: "+year+"]")
		}
		if desc := CleanText(cell.Find("span.block.text-gray-400").First().Text()); desc != "" && !strings.EqualFold(desc, "poster artist") {
			parts = append(parts, desc)
		}

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}
