package classify_test

import (
	"net/http"
	"testing"

	"github.com/eternlty/offline-cache/internal/classify"
	"github.com/eternlty/offline-cache/internal/network"
	"github.com/eternlty/offline-cache/internal/preset"
	"github.com/eternlty/offline-cache/internal/preset/blog"
	"github.com/eternlty/offline-cache/internal/preset/simple"
)

func newClassifier(t *testing.T, key string) *classify.Classifier {
	t.Helper()
	meta, ok := preset.Resolve(key)
	if !ok {
		t.Fatalf("preset %s not registered", key)
	}
	c, err := classify.New("https://blog.example.com", preset.ResolveProfile(meta, preset.Overrides{}))
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return c
}

func TestClassifyBlogPreset(t *testing.T) {
	c := newClassifier(t, blog.Key)
	html := http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}

	cases := []struct {
		name   string
		method string
		url    string
		header http.Header
		want   classify.Classification
	}{
		{"post is ignored", http.MethodPost, "https://blog.example.com/comments", nil, classify.Ignore},
		{"api is ignored", http.MethodGet, "https://blog.example.com/api/posts.json", nil, classify.Ignore},
		{"api html still ignored", http.MethodGet, "https://blog.example.com/api/page.html", html, classify.Ignore},
		{"nocache query is ignored", http.MethodGet, "https://blog.example.com/css/index.css?x=nocache", nil, classify.Ignore},
		{"admin is ignored", http.MethodGet, "https://blog.example.com/admin/login", html, classify.Ignore},
		{"stylesheet is cache-first", http.MethodGet, "https://blog.example.com/css/index.css", nil, classify.CacheFirst},
		{"cdn is cache-first", http.MethodGet, "https://cdn.jsdelivr.net/npm/lib", nil, classify.CacheFirst},
		{"fonts is cache-first", http.MethodGet, "https://fonts.googleapis.com/css2?family=Inter", nil, classify.CacheFirst},
		{"html page by extension is cache-first", http.MethodGet, "https://blog.example.com/about.html", html, classify.CacheFirst},
		{"navigation is network-first", http.MethodGet, "https://blog.example.com/posts/hello/", html, classify.NetworkFirst},
		{"navigate mode is network-first", http.MethodGet, "https://blog.example.com/", http.Header{"Sec-Fetch-Mode": []string{"navigate"}}, classify.NetworkFirst},
		{"json is pass-through", http.MethodGet, "https://blog.example.com/search.json", nil, classify.PassThrough},
		{"cross-origin html is pass-through", http.MethodGet, "https://other.example.com/", html, classify.PassThrough},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(network.NewRequest(tc.method, tc.url, tc.header))
			if got != tc.want {
				t.Fatalf("Classify(%s %s) = %s, want %s", tc.method, tc.url, got, tc.want)
			}
		})
	}
}

func TestClassifySimplePreset(t *testing.T) {
	c := newClassifier(t, simple.Key)
	if got := c.Classify(network.NewRequest(http.MethodGet, "https://blog.example.com/img/logo.png", nil)); got != classify.CacheFirst {
		t.Fatalf("png should be cache-first, got %s", got)
	}
	if got := c.Classify(network.NewRequest(http.MethodGet, "https://blog.example.com/fonts/a.woff2", nil)); got != classify.PassThrough {
		t.Fatalf("woff2 is not cacheable in the simple preset, got %s", got)
	}
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	_, err := classify.New("https://blog.example.com", preset.Profile{IgnorePatterns: []string{"("}})
	if err == nil {
		t.Fatalf("invalid pattern should be rejected")
	}
}

func TestInterceptedClassifications(t *testing.T) {
	if !classify.CacheFirst.Intercepted() || !classify.NetworkFirst.Intercepted() {
		t.Fatalf("cache-first and network-first are intercepted")
	}
	if classify.Ignore.Intercepted() || classify.PassThrough.Intercepted() {
		t.Fatalf("ignore and pass-through are not intercepted")
	}
}
