package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/use-agent/fusion/models"
)

func main() {
	apiURL := os.Getenv("FUSION_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("FUSION_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "FUSION_API_KEY is required")
		os.Exit(1)
	}

	s := server.NewMCPServer(
		"fusion",
		"0.1.0",
		server.WithToolCapabilities(false),
	)

	searchTool := mcp.NewTool("aggregate_search",
		mcp.WithDescription("Search several third-party sites at once in a real browser and return their results merged and deduplicated by URL. Waits until every source has settled."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The search text"),
		),
		mcp.WithArray("sources",
			mcp.Description("Source ids to query (see list_sources). Defaults to the first sources of the default category."),
			mcp.WithStringItems(),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("How long to wait for the sources to settle (default: 30, max: 120)"),
		),
	)
	s.AddTool(searchTool, handleAggregateSearch(apiURL, apiKey))

	sourcesTool := mcp.NewTool("list_sources",
		mcp.WithDescription("List the configured sources with their ids, categories and whether they take part in aggregation."),
		mcp.WithString("category",
			mcp.Description("Only list sources in this category"),
		),
	)
	s.AddTool(sourcesTool, handleListSources(apiURL, apiKey))

	openTool := mcp.NewTool("open_sources",
		mcp.WithDescription("Open a query on the named sources in visible browser tabs for a person to read. Nothing is extracted."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The search text"),
		),
		mcp.WithArray("sources",
			mcp.Required(),
			mcp.Description("Source ids to open"),
			mcp.WithStringItems(),
		),
	)
	s.AddTool(openTool, handleOpenSources(apiURL, apiKey))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// apiDo sends a request to the Fusion API and returns the status and body.
func apiDo(ctx context.Context, client *http.Client, method, apiURL, apiKey, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// pollFeed polls the task's feed until it settles or ctx ends. On timeout the
// last snapshot is returned with no error so partial results still reach the
// caller.
func pollFeed(ctx context.Context, client *http.Client, apiURL, apiKey, taskID string) (*models.Feed, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	path := "/api/v1/search?task=" + url.QueryEscape(taskID)
	var last *models.Feed
	for {
		select {
		case <-ctx.Done():
			if last != nil {
				return last, nil
			}
			return nil, ctx.Err()
		case <-ticker.C:
			_, body, err := apiDo(ctx, client, http.MethodGet, apiURL, apiKey, path, nil)
			if err != nil {
				if ctx.Err() != nil && last != nil {
					return last, nil
				}
				return nil, fmt.Errorf("poll request failed: %w", err)
			}

			var fr models.FeedResponse
			if err := json.Unmarshal(body, &fr); err != nil {
				return nil, fmt.Errorf("parse poll response: %w", err)
			}
			if !fr.Success || fr.Feed == nil {
				return nil, fmt.Errorf("poll failed: %s", errorText(fr.Error, "no feed"))
			}

			last = fr.Feed
			if last.State == models.FeedSettled || last.State == models.FeedEmpty {
				return last, nil
			}
		}
	}
}

func errorText(e *models.ErrorDetail, fallback string) string {
	if e == nil {
		return fallback
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func handleAggregateSearch(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}

		timeout := time.Duration(request.GetFloat("timeout_seconds", 30)) * time.Second
		if timeout <= 0 || timeout > 2*time.Minute {
			timeout = 2 * time.Minute
		}

		payload := models.SearchRequest{
			Query:   query,
			Sources: request.GetStringSlice("sources", nil),
		}
		_, respBody, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/search", payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search request failed: %v", err)), nil
		}

		var sr models.SearchResponse
		if err := json.Unmarshal(respBody, &sr); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse search response: %v", err)), nil
		}
		if !sr.Success || sr.Task == nil {
			return mcp.NewToolResultError(errorText(sr.Error, "search failed")), nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		feed, err := pollFeed(pollCtx, client, apiURL, apiKey, sr.Task.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("waiting for results failed: %v", err)), nil
		}

		return mcp.NewToolResultText(formatFeed(feed)), nil
	}
}

func formatFeed(feed *models.Feed) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query %q: %d results (%s, %d/%d sources settled",
		feed.Query, feed.Count, feed.State, feed.Settled, feed.Targeted)
	if feed.Dropped > 0 {
		fmt.Fprintf(&sb, ", %d dropped", feed.Dropped)
	}
	sb.WriteString(")\n\n")

	for i, r := range feed.Records {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			sb.WriteString(r.Snippet + "\n")
		}
		fmt.Fprintf(&sb, "(via %s)\n\n", r.Source)
	}

	if len(feed.Intercepted) > 0 {
		fmt.Fprintf(&sb, "Sources waiting on human verification: %s\n", strings.Join(feed.Intercepted, ", "))
	}
	return sb.String()
}

func handleListSources(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 30 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := "/api/v1/sources"
		if category := request.GetString("category", ""); category != "" {
			path += "?category=" + url.QueryEscape(category)
		}

		status, respBody, err := apiDo(ctx, client, http.MethodGet, apiURL, apiKey, path, nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("sources request failed: %v", err)), nil
		}
		if status != http.StatusOK {
			var er models.ErrorResponse
			_ = json.Unmarshal(respBody, &er)
			return mcp.NewToolResultError(errorText(er.Error, fmt.Sprintf("sources request returned %d", status))), nil
		}

		var resp models.SourcesResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse sources response: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Categories: %s\n\n", strings.Join(resp.Categories, ", "))
		for _, s := range resp.Sources {
			mark := ""
			if !s.Parsable {
				mark = " (open only)"
			}
			fmt.Fprintf(&sb, "%s\t%s\t[%s]%s\n", s.ID, s.Name, s.Category, mark)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleOpenSources(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 60 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}
		ids, err := request.RequireStringSlice("sources")
		if err != nil || len(ids) == 0 {
			return mcp.NewToolResultError("sources is required and must be an array of strings"), nil
		}

		_, respBody, err := apiDo(ctx, client, http.MethodPost, apiURL, apiKey, "/api/v1/open",
			models.SearchRequest{Query: query, Sources: ids})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("open request failed: %v", err)), nil
		}

		var resp models.OpenResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse open response: %v", err)), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(errorText(resp.Error, "open failed")), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Opened %d tab(s): %s", len(resp.Opened), strings.Join(resp.Opened, ", "))), nil
	}
}
