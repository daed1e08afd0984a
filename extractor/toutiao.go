package extractor

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/use-agent/fusion/models"
)

// toutiaoWebResult is the cell type of a standard web result card; other
// cells are related searches, videos and trending boxes.
const toutiaoWebResult = 67

type toutiaoPayload struct {
	RawData struct {
		Data []toutiaoCell `json:"data"`
	} `json:"rawData"`
}

type toutiaoCell struct {
	CellType int    `json:"cell_type"`
	URL      string `json:"url"`
	Display  struct {
		Title struct {
			Text string `json:"text"`
		} `json:"title"`
		Summary struct {
			Text string `json:"text"`
		} `json:"summary"`
	} `json:"display"`
}

// ParseToutiao reads results from the JSON blob the search page embeds for
// its own client-side rendering, which is more complete than the DOM.
func ParseToutiao(doc *Document) ([]models.Record, error) {
	raw := strings.TrimSpace(doc.Doc.Find("script#only_use_in_search_container").First().Text())
	if raw == "" {
		return nil, nil
	}

	var payload toutiaoPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		slog.Debug("toutiao: embedded json is not decodable", "error", err)
		return nil, nil
	}

	var out []models.Record
	for _, cell := range payload.RawData.Data {
		if cell.CellType != toutiaoWebResult {
			continue
		}
		if r, ok := record(doc, cell.Display.Title.Text, cell.URL, cell.Display.Summary.Text); ok {
			out = append(out, r)
		}
	}
	return out, nil
}
