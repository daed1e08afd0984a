package models

import "time"

// Task identifies one user-initiated aggregation run.
type Task struct {
	// ID is a UUIDv7 string: opaque, unique per run, ordered by creation time.
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Sources   []string  `json:"sources"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one extracted result item. Records are immutable once they leave
// the extractor; the scheduler only fills in TaskID, Source and ExtractedAt.
type Record struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Snippet     string    `json:"snippet"`
	Source      string    `json:"source"`
	TaskID      string    `json:"task_id"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// Key is the identity used for deduplication within a task.
func (r Record) Key() string {
	return r.URL
}

// SignalType enumerates the terminal states a page context can announce.
type SignalType string

const (
	SignalCompleted     SignalType = "COMPLETED"
	SignalIntercepted   SignalType = "INTERCEPTED"
	SignalNotApplicable SignalType = "NOT_APPLICABLE"
)

// Signal is the Outcome Signal a page context emits exactly once (or never,
// when the page is lost before any trigger resolves).
type Signal struct {
	Type      SignalType `json:"type"`
	TaskID    string     `json:"task_id"`
	SourceID  string     `json:"source_id"`
	Count     int        `json:"count,omitempty"`
	ContextID string     `json:"context_id,omitempty"`
}

// Feed states reported to the presentation layer.
const (
	FeedIdle        = "idle"
	FeedAggregating = "aggregating"
	FeedSettled     = "settled"
	FeedEmpty       = "empty"
)

// Feed is a point-in-time view of the merged result pool for the current task.
type Feed struct {
	TaskID  string   `json:"task_id"`
	Query   string   `json:"query"`
	State   string   `json:"state"`
	Records []Record `json:"records"`
	Count   int      `json:"count"`

	// Targeted is the number of sources the task was issued to.
	Targeted int `json:"targeted"`
	// Dispatched counts contexts that were created and navigated.
	Dispatched int `json:"dispatched"`
	// Dropped counts sources whose context could not be created or navigated.
	Dropped int `json:"dropped"`
	// Settled counts dispatched contexts that reached a terminal or no-op signal.
	Settled int `json:"settled"`

	// Intercepted lists sources paused on a verification page.
	Intercepted []string `json:"intercepted,omitempty"`
}
