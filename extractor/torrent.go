package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/fusion/models"
)

// cells returns the cleaned text of every td in row.
func cells(row *goquery.Selection) []string {
	tds := row.Find("td")
	out := make([]string, tds.Length())
	tds.Each(func(i int, td *goquery.Selection) { out[i] = CleanText(td.Text()) })
	return out
}

func cell(tds []string, i int) string {
	if i < len(tds) {
		return tds[i]
	}
	return ""
}

// labelled appends "[label: value]" for every non-empty value. pairs
// alternates label and value.
func labelled(parts []string, pairs ...string) []string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			parts = append(parts, "["+pairs[i]+": "+pairs[i+1]+"]")
		}
	}
	return parts
}

// dedupe drops records whose URL was already seen, keeping the first.
func dedupe(recs []models.Record) []models.Record {
	seen := make(map[string]struct{}, len(recs))
	out := recs[:0]
	for _, r := range recs {
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	return out
}

// ParsePirateBay extracts the search result table. Mirrors differ in column
// layout: the wide one has a separate icon column before the size. The
// magnet link, which Resolve would reject, is carried in the snippet.
func ParsePirateBay(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("#searchResult tr").Each(func(_ int, row *goquery.Selection) {
		link := row.Find(`a[href*="/torrent/"]`).First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		tds := cells(row)
		size, seeders, leechers := 3, 4, 5
		if len(tds) >= 7 {
			size, seeders, leechers = 4, 5, 6
		}
		parts := labelled(nil,
			"Size", cell(tds, size),
			"Uploaded", cell(tds, 2),
			"SE", cell(tds, seeders),
			"LE", cell(tds, leechers),
		)
		if magnet, ok := row.Find(`a[href^="magnet:"]`).First().Attr("href"); ok && magnet != "" {
			parts = append(parts, "[Magnet: "+magnet+"]")
		}

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return dedupe(out), nil
}

// ParseRARBG extracts the lista2 table rows of a RARBG mirror.
func ParseRARBG(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("table.lista2t tr.lista2").Each(func(_ int, row *goquery.Selection) {
		link := row.Find(`a[href^="/torrent/"]`).First()
		if link.Length() == 0 {
			return
		}
		tds := cells(row)
		if len(tds) < 5 {
			return
		}
		href, _ := link.Attr("href")

		parts := labelled(nil,
			"Category", cell(tds, 2),
			"Added", cell(tds, 3),
			"Size", cell(tds, 4),
			"S", cell(tds, 5),
			"L", cell(tds, 6),
			"UP", cell(tds, 7),
		)

		if r, ok := record(doc, link.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return dedupe(out), nil
}

// ParseXcili extracts the magnet search file list. Link text carries a
// sample file listing that is stripped from the title.
func ParseXcili(doc *Document) ([]models.Record, error) {
	var out []models.Record
	doc.Doc.Find("table.file-list tr").Each(func(_ int, row *goquery.Selection) {
		if row.Closest("thead").Length() > 0 {
			return
		}
		link := row.Find("td a").First()
		if link.Length() == 0 {
			return
		}
		href, _ := link.Attr("href")

		title := link.Clone()
		title.Find("p.sample").Remove()

		parts := labelled(nil, "Size", CleanText(row.Find("td.td-size").First().Text()))

		if r, ok := record(doc, title.Text(), href, strings.Join(parts, " ")); ok {
			out = append(out, r)
		}
	})
	return dedupe(out), nil
}
