package extractor

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/fusion/models"
)

// ParseIMDb extracts the "Titles" section of a find page. The snippet joins
// year/runtime/rating metadata with the plot summary when present.
func ParseIMDb(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find(`section[data-testid="find-results-section-title"] ul > li`).Each(func(_ int, node *goquery.Selection) {
		link := node.Find("a.ipc-title-link-wrapper").First()
		title := link.Find("h3.ipc-title__text").First()
		if link.Length() == 0 || title.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		var parts []string
		node.Find(".cli-title-metadata-item").Each(func(_ int, m *goquery.Selection) {
			if t := CleanText(m.Text()); t != "" {
				parts = append(parts, t)
			}
		})
		if rating := node.Find(".ipc-rating-star--rating").First(); rating.Length() > 0 {
			votes := CleanText(node.Find(".ipc-rating-star--voteCount").First().Text())
			parts = append(parts, strings.TrimSpace(fmt.Sprintf("[Rating: %s %s", CleanText(rating.Text()), votes))+"]")
		}
		if meta := node.Find(".metacritic-score-box").First(); meta.Length() > 0 {
			parts = append(parts, "[Metascore: "+CleanText(meta.Text())+"]")
		}
		if plot := node.Find(".ipc-html-content-inner-div").First(); plot.Length() > 0 {
			parts = append(parts, CleanText(plot.Text()))
		}

		if r, ok := record(doc, title.Text(), href, strings.Join(parts, " | ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}

// ParseBilibili extracts video cards. The title falls back to the cover
// image alt text; the snippet carries uploader, date and play statistics.
func ParseBilibili(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("div.video.search-all-list .bili-video-card, div.video-list .bili-video-card").Each(func(_ int, node *goquery.Selection) {
		link := node.Find(`.bili-video-card__wrap a[href*="/video/"]`).First()
		if link.Length() == 0 {
			link = node.Find(`a[href*="/video/"]`).First()
		}
		href, _ := link.Attr("href")

		var title string
		if t := node.Find(".bili-video-card__info--tit").First(); t.Length() > 0 {
			title = t.AttrOr("title", "")
			if strings.TrimSpace(title) == "" {
				title = t.Text()
			}
		}
		if CleanText(title) == "" {
			img := node.Find(".bili-video-card__cover img").First()
			if img.Length() == 0 {
				img = node.Find("img[alt]").First()
			}
			title = img.AttrOr("alt", "")
		}

		var parts []string
		if author := CleanText(node.Find(".bili-video-card__info--author").First().Text()); author != "" {
			parts = append(parts, "[UP: "+author+"]")
		}
		if date := CleanText(node.Find(".bili-video-card__info--date").First().Text()); date != "" {
			parts = append(parts, strings.TrimSpace(strings.TrimPrefix(date, "·")))
		}
		stats := node.Find(".bili-video-card__stats--left .bili-video-card__stats--item span")
		if v := CleanText(stats.Eq(0).Text()); v != "" {
			parts = append(parts, "[Plays: "+v+"]")
		}
		if d := CleanText(stats.Eq(1).Text()); d != "" {
			parts = append(parts, "[Danmaku: "+d+"]")
		}
		if dur := CleanText(node.Find(".bili-video-card__stats__duration").First().Text()); dur != "" {
			parts = append(parts, "[Duration: "+dur+"]")
		}

		if r, ok := record(doc, title, href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return out, nil
}
