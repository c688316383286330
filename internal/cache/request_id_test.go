package cache

import "testing"

func TestNewRequestIDNormalizes(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"HTTPS://Blog.Example.com:443/a/../css/index.css", "https://blog.example.com/css/index.css"},
		{"http://blog.example.com:80", "http://blog.example.com/"},
		{"http://blog.example.com:8080/posts/", "http://blog.example.com:8080/posts/"},
		{"https://blog.example.com/search?q=go#top", "https://blog.example.com/search?q=go"},
	}
	for _, tc := range cases {
		id, err := NewRequestID("get", tc.raw)
		if err != nil {
			t.Fatalf("normalize %s: %v", tc.raw, err)
		}
		if id.URL != tc.want {
			t.Fatalf("normalize %s: want %s got %s", tc.raw, tc.want, id.URL)
		}
		if id.Method != "GET" {
			t.Fatalf("method should be upper-cased, got %s", id.Method)
		}
	}
}

func TestNewRequestIDRejectsRelative(t *testing.T) {
	if _, err := NewRequestID("GET", "/css/index.css"); err == nil {
		t.Fatalf("relative url should be rejected")
	}
}

func TestRequestIDKeyDistinguishesMethod(t *testing.T) {
	get := MustRequestID("GET", "https://blog.example.com/")
	head := MustRequestID("HEAD", "https://blog.example.com/")
	if get.Key() == head.Key() {
		t.Fatalf("keys should differ per method")
	}
	if len(get.Key()) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(get.Key()))
	}
	if get.Key() != MustRequestID("GET", "https://BLOG.example.com:443/").Key() {
		t.Fatalf("equivalent urls should share a key")
	}
}
