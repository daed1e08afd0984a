package extractor

import (
	"testing"

	"github.com/use-agent/fusion/models"
)

func TestParsePanSearch(t *testing.T) {
	html := `<main><div class="grid">
<div><div class="whitespace-pre-wrap">名称：Film.2010 描述：good 链接：<a class="resource-link" href="https://pan.quark.cn/s/abc">https://pan.quark.cn/s/abc</a> 展开</div><span class="text-base-content/70">2024-01-01</span></div>
<div><div class="whitespace-pre-wrap">no link here</div></div>
</div></main>`
	recs, _ := ParsePanSearch(mustDoc(t, "https://www.pansearch.me/search?keyword=x", html))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Title != "Film.2010" || r.URL != "https://pan.quark.cn/s/abc" {
		t.Errorf("record = %+v", r)
	}
	if r.Snippet != "[2024-01-01] 描述：good https://pan.quark.cn/s/abc" {
		t.Errorf("Snippet = %q", r.Snippet)
	}
}

func TestParseUpyunso(t *testing.T) {
	html := `<div class="search-results-list">
<div class="result-item"><div class="item-title"><a href="javascript:void(0);" onclick="Upso.handleUrlAction('abc123', 'open')">Film</a></div><div class="item-info">2024-01-01 quark</div></div>
<div class="result-item"><div class="item-title"><a href="javascript:void(0);">No id</a></div></div>
</div>`
	page := "https://www.upyunso.com/search.html?keyword=x&sf_id=task-1&sf_engine=upyunso#top"
	recs, _ := ParseUpyunso(mustDoc(t, page, html))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.URL != "https://www.upyunso.com/search.html?keyword=x#file-abc123" {
		t.Errorf("URL = %q", r.URL)
	}
	if r.Title != "Film" || r.Snippet != "2024-01-01 quark" {
		t.Errorf("record = %+v", r)
	}
}

func TestParseQuarkStation(t *testing.T) {
	html := `<div class="file-item"><div class="min-w-0"><a href="/s/1"><span title="Full Name.mkv">Full Na…</span></a></div>
<span class="bg-gray-700">4K</span><span class="text-gray-400">12 files</span><span class="text-gray-400">2024-01-02 10:30</span></div>`
	recs, _ := ParseQuarkStation(mustDoc(t, "https://www.pioz.cn/search?q=x", html))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.Title != "Full Name.mkv" || r.URL != "https://www.pioz.cn/s/1" || r.Snippet != "[4K] 2024-01-02 10:30" {
		t.Errorf("record = %+v", r)
	}
}

func TestParseXiaoyu(t *testing.T) {
	html := `<div id="Search-item">
<div class="item"><a class="open" href="javascript:;" data-url="cGFuLmJhaWR1LmNvbS9zLzFhYmM=" data-code="xy12">Film</a>
<div class="atips"><a>温馨提示: 仅供学习</a><a>2024 更新</a></div></div>
<div class="item"><a class="open" href="https://www.aliyundrive.com/s/z">Other</a></div>
</div>`
	recs, _ := ParseXiaoyu(mustDoc(t, "https://www.xykmovie.com/s/x", html))
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].URL != "https://pan.baidu.com/s/1abc" {
		t.Errorf("decoded URL = %q", recs[0].URL)
	}
	if recs[0].Snippet != "[Code: xy12] | 2024 更新" {
		t.Errorf("Snippet = %q", recs[0].Snippet)
	}
	if recs[1].URL != "https://www.aliyundrive.com/s/z" {
		t.Errorf("href fallback URL = %q", recs[1].URL)
	}
}

func TestParseGatherFind(t *testing.T) {
	html := `<div class="searchbox"><p><a href="https://pan.example.com/s/1">Film</a> 夸克网盘 https://pan.example.com/s/1 2024</p><p>no link</p></div>`
	recs, _ := ParseGatherFind(mustDoc(t, "https://www.gatherfind.com/search?q=x", html))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Title != "Film" || recs[0].Snippet != "夸克网盘 2024" {
		t.Errorf("record = %+v", recs[0])
	}
}

func TestParseNavigationSites(t *testing.T) {
	tests := []struct {
		name      string
		parse     func(*Document) ([]models.Record, error)
		page      string
		html      string
		url, snip string
	}{
		{
			name:  "liumingye",
			parse: ParseLiumingye,
			page:  "https://tool.liumingye.cn/search?keyword=x",
			html:  `<div class="list-grid"><a class="list-item" href="/music/"><div class="list-title">Music</div><div class="list-desc">Free music</div></a></div>`,
			url:   "https://tool.liumingye.cn/music/",
			snip:  "Free music",
		},
		{
			name:  "sbkko",
			parse: ParseSbkko,
			page:  "https://nav.sbkko.com/?post_type=sites&s=x",
			html:  `<article class="sites-item"><a class="sites-body" href="/sites/1.html"><div class="item-title"><b>Site</b></div><div class="line1 text-muted">Desc</div></a></article>`,
			url:   "https://nav.sbkko.com/sites/1.html",
			snip:  "Desc",
		},
		{
			name:  "xusou",
			parse: ParseXusou,
			page:  "https://www.xusou.cn/search?keyword=x",
			html:  `<div class="list"><div class="item"><a class="title" href="https://www.xusou.cn/d/1">Film</a><div class="type time">2024-01-01</div><div class="type"><span>来源：夸克</span></div></div></div>`,
			url:   "https://www.xusou.cn/d/1",
			snip:  "[2024-01-01] [来源：夸克]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := tt.parse(mustDoc(t, tt.page, tt.html))
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 1 {
				t.Fatalf("got %d records, want 1", len(recs))
			}
			if recs[0].URL != tt.url || recs[0].Snippet != tt.snip {
				t.Errorf("record = %+v", recs[0])
			}
		})
	}
}
