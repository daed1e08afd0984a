package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/use-agent/fusion/models"
)

// CLI flags
var (
	apiURL  = flag.String("api-url", "http://localhost:8080", "Fusion API base URL")
	apiKey  = flag.String("api-key", "", "API key for authenticated requests")
	runs    = flag.Int("runs", 3, "Number of runs per query for averaging")
	sources = flag.String("sources", "", "Comma-separated source ids (default: server default)")
	timeout = flag.Duration("timeout", 30*time.Second, "Give up on a run that has not settled after this long")
	poll    = flag.Duration("poll", 100*time.Millisecond, "Feed polling interval")
	output  = flag.String("output", "benchmark-results.json", "JSON output file path")
)

// Queries covering short, long, CJK and rare-term searches.
var testQueries = []struct {
	Label string
	Query string
}{
	{"Short", "golang"},
	{"Phrase", "how to profile a go program"},
	{"CJK", "天气预报"},
	{"News", "election results"},
	{"Rare", "zygohistomorphic prepromorphism"},
}

// --- Benchmark result types ---

type runResult struct {
	Run         int      `json:"run"`
	FirstMs     int64    `json:"first_record_ms"`
	SettleMs    int64    `json:"settle_ms"`
	Records     int      `json:"records"`
	Targeted    int      `json:"targeted"`
	Settled     int      `json:"settled"`
	Dropped     int      `json:"dropped"`
	Intercepted []string `json:"intercepted,omitempty"`
	State       string   `json:"state"`
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
}

type queryAverages struct {
	FirstMs  float64 `json:"first_record_ms"`
	SettleMs float64 `json:"settle_ms"`
	Records  float64 `json:"records"`
	Dropped  float64 `json:"dropped"`
}

type queryResult struct {
	Query    string         `json:"query"`
	Label    string         `json:"label"`
	Runs     []runResult    `json:"runs"`
	Averages *queryAverages `json:"averages,omitempty"`
}

type benchmarkReport struct {
	Timestamp    string        `json:"timestamp"`
	APIURL       string        `json:"api_url"`
	RunsPerQuery int           `json:"runs_per_query"`
	Results      []queryResult `json:"results"`
}

func main() {
	flag.Parse()

	fmt.Println("=== Fusion Benchmark Suite ===")
	fmt.Printf("API URL:     %s\n", *apiURL)
	fmt.Printf("Runs/query:  %d\n", *runs)
	fmt.Printf("Output:      %s\n", *output)
	fmt.Println()

	// Quick connectivity check.
	if err := checkAPI(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach API at %s: %v\n", *apiURL, err)
		fmt.Fprintf(os.Stderr, "Make sure Fusion is running (e.g. fusion serve)\n")
		os.Exit(1)
	}

	var ids []string
	if *sources != "" {
		ids = strings.Split(*sources, ",")
	}

	report := benchmarkReport{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		APIURL:       *apiURL,
		RunsPerQuery: *runs,
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, q := range testQueries {
		fmt.Printf("Benchmarking [%s] %q ...\n", q.Label, q.Query)
		qr := queryResult{Query: q.Query, Label: q.Label}

		for i := 1; i <= *runs; i++ {
			fmt.Printf("  Run %d/%d ... ", i, *runs)
			rr := benchmarkQuery(client, q.Query, ids, i)
			if rr.Success {
				fmt.Printf("OK  first %dms  settled %dms  %d records\n", rr.FirstMs, rr.SettleMs, rr.Records)
			} else {
				fmt.Printf("FAILED: %s\n", rr.Error)
			}
			qr.Runs = append(qr.Runs, rr)
		}

		qr.Averages = computeAverages(qr.Runs)
		report.Results = append(report.Results, qr)
		fmt.Println()
	}

	printTable(report.Results)

	if err := writeJSON(*output, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDetailed results written to %s\n", *output)
}

func checkAPI(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/health")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func newRequest(method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequest(method, *apiURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}
	return req, nil
}

// benchmarkQuery starts a task and polls its feed. First-record latency is
// bounded below by the polling interval.
func benchmarkQuery(client *http.Client, query string, ids []string, run int) runResult {
	rr := runResult{Run: run}

	body, err := json.Marshal(models.SearchRequest{Query: query, Sources: ids})
	if err != nil {
		rr.Error = fmt.Sprintf("marshal error: %v", err)
		return rr
	}
	req, err := newRequest(http.MethodPost, "/api/v1/search", body)
	if err != nil {
		rr.Error = fmt.Sprintf("request error: %v", err)
		return rr
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		rr.Error = fmt.Sprintf("request failed: %v", err)
		return rr
	}
	var sr models.SearchResponse
	err = json.NewDecoder(resp.Body).Decode(&sr)
	resp.Body.Close()
	if err != nil {
		rr.Error = fmt.Sprintf("decode error: %v", err)
		return rr
	}
	if !sr.Success || sr.Task == nil {
		rr.Error = "search rejected"
		if sr.Error != nil {
			rr.Error = sr.Error.Message
		}
		return rr
	}

	path := "/api/v1/search?task=" + url.QueryEscape(sr.Task.ID)
	deadline := start.Add(*timeout)
	for time.Now().Before(deadline) {
		time.Sleep(*poll)

		feed, err := fetchFeed(client, path)
		if err != nil {
			rr.Error = err.Error()
			return rr
		}
		elapsed := time.Since(start).Milliseconds()
		if rr.FirstMs == 0 && feed.Count > 0 {
			rr.FirstMs = elapsed
		}
		rr.State = feed.State
		rr.Records = feed.Count
		rr.Targeted = feed.Targeted
		rr.Settled = feed.Settled
		rr.Dropped = feed.Dropped
		rr.Intercepted = feed.Intercepted

		if feed.State == models.FeedSettled || feed.State == models.FeedEmpty {
			rr.SettleMs = elapsed
			rr.Success = true
			return rr
		}
	}

	rr.Error = fmt.Sprintf("not settled after %s (%d/%d sources)", *timeout, rr.Settled, rr.Targeted)
	return rr
}

func fetchFeed(client *http.Client, path string) (*models.Feed, error) {
	req, err := newRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("request error: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll failed: %v", err)
	}
	defer resp.Body.Close()

	var fr models.FeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("decode error: %v", err)
	}
	if !fr.Success || fr.Feed == nil {
		if fr.Error != nil {
			return nil, fmt.Errorf("poll rejected: %s", fr.Error.Message)
		}
		return nil, fmt.Errorf("poll rejected")
	}
	return fr.Feed, nil
}

func computeAverages(runs []runResult) *queryAverages {
	var successCount, withRecords int
	var avg queryAverages

	for _, r := range runs {
		if !r.Success {
			continue
		}
		successCount++
		avg.SettleMs += float64(r.SettleMs)
		avg.Records += float64(r.Records)
		avg.Dropped += float64(r.Dropped)
		if r.FirstMs > 0 {
			withRecords++
			avg.FirstMs += float64(r.FirstMs)
		}
	}

	if successCount == 0 {
		return nil
	}

	n := float64(successCount)
	avg.SettleMs /= n
	avg.Records /= n
	avg.Dropped /= n
	if withRecords > 0 {
		avg.FirstMs /= float64(withRecords)
	}
	return &avg
}

func printTable(results []queryResult) {
	fmt.Println(strings.Repeat("─", 85))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Query\tFirst Record\tSettled\tRecords\tDropped\n")
	fmt.Fprintf(w, "─────\t────────────\t───────\t───────\t───────\n")

	for _, r := range results {
		if r.Averages == nil {
			fmt.Fprintf(w, "%s\tFAILED\t-\t-\t-\n", truncate(r.Query, 40))
			continue
		}
		first := "-"
		if r.Averages.FirstMs > 0 {
			first = fmt.Sprintf("%dms", int64(r.Averages.FirstMs))
		}
		fmt.Fprintf(w, "%s\t%s\t%dms\t%.1f\t%.1f\n",
			truncate(r.Query, 40),
			first,
			int64(r.Averages.SettleMs),
			r.Averages.Records,
			r.Averages.Dropped,
		)
	}

	w.Flush()
	fmt.Println(strings.Repeat("─", 85))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func writeJSON(path string, report benchmarkReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
