package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testCatalog = `
categories:
  - value: search
    label: Search
  - value: video
    label: Video
sources:
  - id: a
    url: https://a.example/search?q=%s
    category: search
  - id: b
    url: https://b.example/?q=%s
    category: search
  - id: v
    url: https://v.example/?q=%s
    category: video
  - id: c
    url: https://c.example/s/%s
    category: search
  - id: d
    url: https://d.example/?q=%s
    category: search
`

func mustCatalog(t *testing.T, data string) *Catalog {
	t.Helper()
	f, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return NewCatalog(f)
}

func TestParse_DefaultsNameToID(t *testing.T) {
	c := mustCatalog(t, testCatalog)
	s, ok := c.Get("a")
	if !ok {
		t.Fatal("source a not found")
	}
	if s.Name != "a" {
		t.Errorf("Name = %q, want %q", s.Name, "a")
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing id", "sources:\n  - url: https://x/?q=%s\n"},
		{"duplicate id", "sources:\n  - id: x\n    url: https://x/?q=%s\n  - id: x\n    url: https://y/?q=%s\n"},
		{"no placeholder", "sources:\n  - id: x\n    url: https://x/\n"},
		{"two placeholders", "sources:\n  - id: x\n    url: https://x/%s?q=%s\n"},
		{"bad yaml", "sources: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_Embedded(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Len() == 0 {
		t.Fatal("embedded catalog has no sources")
	}
	got := c.ForAggregation(nil, "search", 3)
	if len(got) != 3 {
		t.Fatalf("default selection = %d sources, want 3", len(got))
	}
	for _, s := range got {
		if s.Category != "search" {
			t.Errorf("default source %q has category %q", s.ID, s.Category)
		}
	}
}

func TestIsParsable(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		src  Source
		want bool
	}{
		{"search category", Source{Category: "search"}, true},
		{"academic category", Source{Category: "academic"}, true},
		{"video category", Source{Category: "video"}, false},
		{"explicit true", Source{Category: "video", Parsable: &yes}, true},
		{"explicit false", Source{Category: "search", Parsable: &no}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.src.IsParsable(); got != tt.want {
				t.Errorf("IsParsable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestForAggregation_ExplicitIDs(t *testing.T) {
	c := mustCatalog(t, testCatalog)
	got := c.ForAggregation([]string{"b", "missing", "v", "a", "b"}, "search", 3)
	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.ID
	}
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "a" {
		t.Errorf("ForAggregation = %v, want [b a]", ids)
	}
}

func TestForAggregation_Default(t *testing.T) {
	c := mustCatalog(t, testCatalog)
	got := c.ForAggregation(nil, "search", 3)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %d sources, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("source %d = %q, want %q", i, got[i].ID, want[i])
		}
	}
}

func TestForAggregation_NoneResolve(t *testing.T) {
	c := mustCatalog(t, testCatalog)
	if got := c.ForAggregation([]string{"v", "zzz"}, "search", 3); len(got) != 0 {
		t.Errorf("expected no sources, got %d", len(got))
	}
}

func TestForOpen_IncludesNonParsable(t *testing.T) {
	c := mustCatalog(t, testCatalog)
	got := c.ForOpen([]string{"v", "zzz"})
	if len(got) != 1 || got[0].ID != "v" {
		t.Errorf("ForOpen = %+v, want [v]", got)
	}
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("sources: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Reload(path); err == nil {
		t.Fatal("expected reload error")
	}
	if c.Len() != 5 {
		t.Errorf("Len = %d after failed reload, want 5", c.Len())
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, path) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	one := "sources:\n  - id: only\n    url: https://only.example/?q=%s\n    category: search\n"
	if err := os.WriteFile(path, []byte(one), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get("only"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("catalog was not reloaded after write")
}
