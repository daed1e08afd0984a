package models

// SearchRequest is the payload for POST /api/v1/search and POST /api/v1/open.
type SearchRequest struct {
	// Query is the user's search text. Required.
	Query string `json:"query" binding:"required"`

	// Sources lists source ids to target. When empty, the first sources of
	// the default category are used.
	Sources []string `json:"sources,omitempty" binding:"omitempty,max=64"`
}

// SearchResponse is the immediate response for POST /api/v1/search.
type SearchResponse struct {
	Success bool         `json:"success"`
	Task    *Task        `json:"task,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// FeedResponse is the response for GET /api/v1/search.
type FeedResponse struct {
	Success bool         `json:"success"`
	Feed    *Feed        `json:"feed,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// OpenResponse is the response for POST /api/v1/open.
type OpenResponse struct {
	Success bool         `json:"success"`
	Opened  []string     `json:"opened"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// SourceInfo describes one configured source.
type SourceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Parsable bool   `json:"parsable"`
}

// SourcesResponse is the response for GET /api/v1/sources.
type SourcesResponse struct {
	Categories []string     `json:"categories"`
	Sources    []SourceInfo `json:"sources"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status       string `json:"status"` // "healthy" or "degraded"
	Uptime       string `json:"uptime"`
	OpenContexts int    `json:"open_contexts"`
	Policies     int    `json:"policies"`
	Sources      int    `json:"sources"`
	Version      string `json:"version"`
}

// ErrorResponse is the body of every failed request that has no richer
// response type.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}
