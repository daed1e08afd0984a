package sources

import (
	"net/url"
	"strings"
)

// Query parameters that mark a page as belonging to an aggregation task.
const (
	ParamTaskID = "sf_id"
	ParamSource = "sf_engine"
	ParamRetry  = "sf_retry"
)

// Tag is the task identity recovered from a page address.
type Tag struct {
	TaskID   string
	SourceID string
	Retry    bool
}

// QueryURL substitutes the escaped query into the source's URL template.
func QueryURL(src Source, query string) string {
	return strings.Replace(src.URL, QueryPlaceholder, url.QueryEscape(query), 1)
}

// BuildURL returns the tagged query URL a page context navigates to.
func BuildURL(src Source, query, taskID string) string {
	return appendParams(QueryURL(src, query),
		ParamTaskID+"="+url.QueryEscape(taskID),
		ParamSource+"="+url.QueryEscape(src.ID),
	)
}

// ParseTag extracts the task identity from rawURL. It reports false when
// either the task id or the source id is missing.
func ParseTag(rawURL string) (Tag, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Tag{}, false
	}
	q := u.Query()
	t := Tag{
		TaskID:   q.Get(ParamTaskID),
		SourceID: q.Get(ParamSource),
		Retry:    q.Get(ParamRetry) == "1",
	}
	if t.TaskID == "" || t.SourceID == "" {
		return Tag{}, false
	}
	return t, true
}

// WithRetry appends the retry marker to rawURL. It reports false, leaving the
// address unchanged, when the marker is already present.
func WithRetry(rawURL string) (string, bool) {
	if u, err := url.Parse(rawURL); err == nil && u.Query().Has(ParamRetry) {
		return rawURL, false
	}
	return appendParams(rawURL, ParamRetry+"=1"), true
}

// appendParams adds already-encoded key=value pairs to the query string,
// keeping any fragment at the end. Source templates are kept byte-for-byte so
// sites that are picky about parameter order still see their own layout.
func appendParams(rawURL string, pairs ...string) string {
	base, fragment, hasFragment := strings.Cut(rawURL, "#")

	var b strings.Builder
	b.WriteString(base)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
		if strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&") {
			sep = ""
		}
	}
	for _, p := range pairs {
		b.WriteString(sep)
		b.WriteString(p)
		sep = "&"
	}
	if hasFragment {
		b.WriteByte('#')
		b.WriteString(fragment)
	}
	return b.String()
}

// StripTag removes the task-tagging parameters from rawURL, returning the
// address the site itself would show.
func StripTag(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if !q.Has(ParamTaskID) && !q.Has(ParamSource) && !q.Has(ParamRetry) {
		return rawURL
	}
	q.Del(ParamTaskID)
	q.Del(ParamSource)
	q.Del(ParamRetry)
	u.RawQuery = q.Encode()
	return u.String()
}
