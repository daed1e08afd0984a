package sources

import (
	"net/url"
	"testing"
)

func TestBuildURL_TagsAndEscapes(t *testing.T) {
	src := Source{ID: "g", URL: "https://g.example/search?q=%s"}
	got := BuildURL(src, "go & rust", "task-1")
	want := "https://g.example/search?q=go+%26+rust&sf_id=task-1&sf_engine=g"
	if got != want {
		t.Errorf("BuildURL = %q, want %q", got, want)
	}
}

func TestBuildURL_PathTemplateAndFragment(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"path placeholder", "https://x.example/s/%s", "https://x.example/s/hi?sf_id=t&sf_engine=x"},
		{"trailing question mark", "https://x.example/?%s", "https://x.example/?hi&sf_id=t&sf_engine=x"},
		{"fragment kept last", "https://x.example/?q=%s#top", "https://x.example/?q=hi&sf_id=t&sf_engine=x#top"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildURL(Source{ID: "x", URL: tt.tmpl}, "hi", "t")
			if got != tt.want {
				t.Errorf("BuildURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTag_RoundTrip(t *testing.T) {
	src := Source{ID: "bing cn", URL: "https://b.example/?q=%s"}
	tag, ok := ParseTag(BuildURL(src, "q", "0190-abc"))
	if !ok {
		t.Fatal("ParseTag reported no tag")
	}
	if tag.TaskID != "0190-abc" || tag.SourceID != "bing cn" || tag.Retry {
		t.Errorf("ParseTag = %+v", tag)
	}
}

func TestParseTag_Missing(t *testing.T) {
	for _, raw := range []string{
		"https://b.example/?q=x",
		"https://b.example/?q=x&sf_id=t",
		"https://b.example/?q=x&sf_engine=s",
		"about:blank",
		"://bad",
	} {
		if _, ok := ParseTag(raw); ok {
			t.Errorf("ParseTag(%q) reported a tag", raw)
		}
	}
}

func TestWithRetry(t *testing.T) {
	raw := "https://b.example/?q=x&sf_id=t&sf_engine=s"
	once, ok := WithRetry(raw)
	if !ok {
		t.Fatal("first WithRetry reported marker present")
	}
	u, err := url.Parse(once)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get(ParamRetry) != "1" {
		t.Errorf("retry marker missing from %q", once)
	}
	tag, _ := ParseTag(once)
	if !tag.Retry {
		t.Error("ParseTag did not see retry marker")
	}

	twice, ok := WithRetry(once)
	if ok || twice != once {
		t.Errorf("second WithRetry = (%q, %v), want unchanged and false", twice, ok)
	}
}

func TestStripTag(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://w.example/wiki/Go?sf_id=t&sf_engine=w", "https://w.example/wiki/Go"},
		{"https://w.example/?q=go&sf_id=t&sf_engine=w&sf_retry=1", "https://w.example/?q=go"},
		{"https://w.example/?b=2&a=1", "https://w.example/?b=2&a=1"},
	}
	for _, tt := range tests {
		if got := StripTag(tt.in); got != tt.want {
			t.Errorf("StripTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
