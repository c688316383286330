package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPFetcherMapsPublicOriginToUpstream(t *testing.T) {
	var gotPath, gotQuery, gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHost = r.Host
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer upstream.Close()

	fetcher, err := NewHTTPFetcher(upstream.Client(), "https://blog.example.com", upstream.URL+"/site/", "")
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	resp, err := fetcher.Fetch(context.Background(), NewRequest(http.MethodGet, "https://blog.example.com/css/index.css?v=2", nil))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	defer resp.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "body{}" {
		t.Fatalf("unexpected body %q", body)
	}
	if gotPath != "/site/css/index.css" || gotQuery != "v=2" {
		t.Fatalf("unexpected upstream path %s?%s", gotPath, gotQuery)
	}
	if gotHost == "blog.example.com" {
		t.Fatalf("host header should point at upstream, got %s", gotHost)
	}
}

func TestHTTPFetcherLeavesCrossOriginUntouched(t *testing.T) {
	var hits int
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/lib.js" {
			t.Errorf("unexpected cdn path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("lib"))
	}))
	defer cdn.Close()

	fetcher, err := NewHTTPFetcher(cdn.Client(), "https://blog.example.com", "https://origin.invalid", "")
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	resp, err := fetcher.Fetch(context.Background(), NewRequest(http.MethodGet, cdn.URL+"/lib.js", nil))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	resp.Close()
	if hits != 1 {
		t.Fatalf("cross-origin request should reach the cdn directly")
	}
}

func TestHTTPFetcherReturnsStatusWithoutError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	fetcher, _ := NewHTTPFetcher(upstream.Client(), "https://blog.example.com", upstream.URL, "")
	resp, err := fetcher.Fetch(context.Background(), NewRequest(http.MethodGet, "https://blog.example.com/missing", nil))
	if err != nil {
		t.Fatalf("status codes must not be network errors: %v", err)
	}
	defer resp.Close()
	if resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Status)
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop headers should be stripped")
	}
}

func TestHTTPFetcherWrapsTransportErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := upstream.URL
	upstream.Close()

	client := &http.Client{Timeout: 2 * time.Second}
	fetcher, _ := NewHTTPFetcher(client, "https://blog.example.com", addr, "")
	_, err := fetcher.Fetch(context.Background(), NewRequest(http.MethodGet, "https://blog.example.com/", nil))
	if err == nil {
		t.Fatalf("expected transport error")
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected *NetworkError, got %T", err)
	}
	if netErr.URL != "https://blog.example.com/" {
		t.Fatalf("network error should carry the public url, got %s", netErr.URL)
	}
	if !IsNetworkError(err) {
		t.Fatalf("IsNetworkError should report true")
	}
}

func TestNewHTTPFetcherRejectsBadInput(t *testing.T) {
	if _, err := NewHTTPFetcher(nil, "https://blog.example.com", "https://origin", ""); err == nil {
		t.Fatalf("nil client should be rejected")
	}
	if _, err := NewHTTPFetcher(http.DefaultClient, "blog", "https://origin", ""); err == nil {
		t.Fatalf("base url without host should be rejected")
	}
}

func TestHTTPFetcherReturnsRedirectsWithPublicLocation(t *testing.T) {
	var followed bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/site/old.css":
			http.Redirect(w, r, "/site/new.css?v=3", http.StatusMovedPermanently)
		case "/site/away":
			http.Redirect(w, r, "https://elsewhere.example.net/landing", http.StatusFound)
		default:
			followed = true
			_, _ = w.Write([]byte("new-body"))
		}
	}))
	defer upstream.Close()

	fetcher, err := NewHTTPFetcher(upstream.Client(), "https://blog.example.com", upstream.URL+"/site", "")
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	resp, err := fetcher.Fetch(context.Background(), NewRequest(http.MethodGet, "https://blog.example.com/old.css", nil))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	resp.Close()
	if resp.Status != http.StatusMovedPermanently {
		t.Fatalf("redirect should be returned as-is, got %d", resp.Status)
	}
	if followed {
		t.Fatalf("redirect target must not be fetched")
	}
	if got := resp.Header.Get("Location"); got != "https://blog.example.com/new.css?v=3" {
		t.Fatalf("location should point at the public origin, got %s", got)
	}

	resp, err = fetcher.Fetch(context.Background(), NewRequest(http.MethodGet, "https://blog.example.com/away", nil))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	resp.Close()
	if got := resp.Header.Get("Location"); got != "https://elsewhere.example.net/landing" {
		t.Fatalf("foreign location should be untouched, got %s", got)
	}
}
