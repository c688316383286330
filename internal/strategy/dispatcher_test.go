package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/eternlty/offline-cache/internal/cache"
	"github.com/eternlty/offline-cache/internal/classify"
	"github.com/eternlty/offline-cache/internal/network"
)

// stubOrigin 模拟源站：按 URL 返回固定内容，offline 为 true 时返回传输错误。
type stubOrigin struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	offline bool
	calls   int
}

func newStubOrigin() *stubOrigin {
	return &stubOrigin{bodies: map[string]string{}, status: map[string]int{}}
}

func (o *stubOrigin) set(url, body string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[url] = body
	o.status[url] = status
}

func (o *stubOrigin) setOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

func (o *stubOrigin) Fetch(ctx context.Context, req *network.Request) (*network.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.offline {
		return nil, &network.NetworkError{URL: req.URL, Err: errors.New("connection refused")}
	}
	status, ok := o.status[req.URL]
	if !ok {
		status = http.StatusNotFound
	}
	return &network.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   io.NopCloser(strings.NewReader(o.bodies[req.URL])),
	}, nil
}

func newTestDispatcher(t *testing.T, origin network.Fetcher) (*Dispatcher, cache.Generation) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	gen, err := store.Open(context.Background(), "blog", "v1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d, err := NewDispatcher(Options{
		Scope:       "blog",
		Fetcher:     origin,
		Logger:      logger,
		OfflinePage: "https://blog.example.com/offline.html",
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	t.Cleanup(d.Wait)
	return d, gen
}

func readBody(t *testing.T, result *Result) string {
	t.Helper()
	defer result.Response.Close()
	body, err := io.ReadAll(result.Response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func htmlRequest(url string) *network.Request {
	return network.NewRequest(http.MethodGet, url, http.Header{"Accept": []string{"text/html"}})
}

func TestCacheFirstStaleThenFresh(t *testing.T) {
	const url = "https://blog.example.com/css/index.css"
	origin := newStubOrigin()
	origin.set(url, "v1-css", http.StatusOK)
	d, gen := newTestDispatcher(t, origin)
	ctx := context.Background()

	first, err := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, url, nil))
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if first.Outcome != OutcomeMiss || readBody(t, first) != "v1-css" {
		t.Fatalf("first request should miss and return origin body")
	}

	origin.set(url, "v2-css", http.StatusOK)
	second, err := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, url, nil))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Outcome != OutcomeHit || readBody(t, second) != "v1-css" {
		t.Fatalf("second request should serve the stored copy")
	}

	d.Wait()
	third, err := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, url, nil))
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	if third.Outcome != OutcomeHit || readBody(t, third) != "v2-css" {
		t.Fatalf("background revalidation should have refreshed the entry")
	}
}

func TestCacheFirstDoesNotStoreNon200(t *testing.T) {
	const url = "https://blog.example.com/img/missing.png"
	origin := newStubOrigin()
	origin.set(url, "nope", http.StatusNotFound)
	d, gen := newTestDispatcher(t, origin)

	result, err := d.CacheFirst(context.Background(), gen, network.NewRequest(http.MethodGet, url, nil))
	if err != nil {
		t.Fatalf("cache-first: %v", err)
	}
	if result.Response.Status != http.StatusNotFound || readBody(t, result) != "nope" {
		t.Fatalf("non-200 response should be returned unchanged")
	}
	keys, _ := gen.Keys(context.Background())
	if len(keys) != 0 {
		t.Fatalf("non-200 response must not be stored: %v", keys)
	}
}

func TestCacheFirstPropagatesNetworkErrorOnMiss(t *testing.T) {
	origin := newStubOrigin()
	origin.setOffline(true)
	d, gen := newTestDispatcher(t, origin)

	_, err := d.CacheFirst(context.Background(), gen, network.NewRequest(http.MethodGet, "https://blog.example.com/js/main.js", nil))
	if !network.IsNetworkError(err) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestCacheFirstRevalidationFailureKeepsEntry(t *testing.T) {
	const url = "https://blog.example.com/js/main.js"
	origin := newStubOrigin()
	origin.set(url, "main", http.StatusOK)
	d, gen := newTestDispatcher(t, origin)
	ctx := context.Background()

	first, _ := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, url, nil))
	readBody(t, first)
	origin.setOffline(true)

	hit, err := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, url, nil))
	if err != nil || hit.Outcome != OutcomeHit {
		t.Fatalf("offline hit should be served from cache: %v", err)
	}
	if readBody(t, hit) != "main" {
		t.Fatalf("offline response must be byte-identical to the stored copy")
	}
	d.Wait()

	snapshot, err := gen.Match(ctx, cache.MustRequestID(http.MethodGet, url))
	if err != nil || string(snapshot.Body) != "main" {
		t.Fatalf("failed revalidation must leave the entry intact: %v", err)
	}
}

func TestNetworkFirstStoresAndFallsBack(t *testing.T) {
	const page = "https://blog.example.com/posts/hello/"
	origin := newStubOrigin()
	origin.set(page, "<h1>hello</h1>", http.StatusOK)
	d, gen := newTestDispatcher(t, origin)
	ctx := context.Background()

	online, err := d.NetworkFirst(ctx, gen, htmlRequest(page))
	if err != nil || online.Outcome != OutcomeNetwork {
		t.Fatalf("online request should come from network: %v", err)
	}
	readBody(t, online)

	origin.setOffline(true)
	stale, err := d.NetworkFirst(ctx, gen, htmlRequest(page))
	if err != nil {
		t.Fatalf("offline request with stored copy should succeed: %v", err)
	}
	if stale.Outcome != OutcomeStale || readBody(t, stale) != "<h1>hello</h1>" {
		t.Fatalf("offline request should return the stored copy")
	}
}

func TestNetworkFirstOfflinePage(t *testing.T) {
	const offline = "https://blog.example.com/offline.html"
	origin := newStubOrigin()
	d, gen := newTestDispatcher(t, origin)
	ctx := context.Background()

	if err := gen.Put(ctx, cache.MustRequestID(http.MethodGet, offline), &cache.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte("<p>offline</p>"),
	}); err != nil {
		t.Fatalf("seed offline page: %v", err)
	}
	origin.setOffline(true)

	result, err := d.NetworkFirst(ctx, gen, htmlRequest("https://blog.example.com/never-visited/"))
	if err != nil {
		t.Fatalf("expected offline fallback, got %v", err)
	}
	if result.Outcome != OutcomeFallback || readBody(t, result) != "<p>offline</p>" {
		t.Fatalf("expected offline page fallback")
	}

	_, err = d.NetworkFirst(ctx, gen, network.NewRequest(http.MethodGet, "https://blog.example.com/data", nil))
	if !network.IsNetworkError(err) {
		t.Fatalf("non-navigation requests get no offline page, got %v", err)
	}
}

func TestNetworkFirstWithoutAnyCopyFails(t *testing.T) {
	origin := newStubOrigin()
	origin.setOffline(true)
	d, gen := newTestDispatcher(t, origin)

	_, err := d.NetworkFirst(context.Background(), gen, htmlRequest("https://blog.example.com/"))
	var netErr *network.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestDispatchBypassesIgnoredAndInactive(t *testing.T) {
	const api = "https://blog.example.com/api/posts"
	origin := newStubOrigin()
	origin.set(api, "[]", http.StatusOK)
	d, gen := newTestDispatcher(t, origin)
	ctx := context.Background()

	for _, class := range []classify.Classification{classify.Ignore, classify.PassThrough} {
		result, err := d.Dispatch(ctx, class, gen, network.NewRequest(http.MethodGet, api, nil))
		if err != nil || result.Outcome != OutcomeBypass {
			t.Fatalf("%s should bypass: %v", class, err)
		}
		readBody(t, result)
	}
	result, err := d.Dispatch(ctx, classify.CacheFirst, nil, network.NewRequest(http.MethodGet, api, nil))
	if err != nil || result.Outcome != OutcomeBypass {
		t.Fatalf("no active generation should bypass: %v", err)
	}
	readBody(t, result)

	keys, _ := gen.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("bypassed requests must not be stored: %v", keys)
	}
}

func TestRevalidationSkipsDeletedGeneration(t *testing.T) {
	const url = "https://blog.example.com/css/var.css"
	origin := newStubOrigin()
	origin.set(url, "old", http.StatusOK)

	// 第一次回源直接放行，之后的后台刷新等待 gate，保证在删除代际之后才写入
	gate := make(chan struct{})
	var calls int
	var mu sync.Mutex
	gated := network.FetcherFunc(func(ctx context.Context, req *network.Request) (*network.Response, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if !first {
			<-gate
		}
		return origin.Fetch(ctx, req)
	})

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	gen, _ := store.Open(ctx, "blog", "v1")
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d, _ := NewDispatcher(Options{Scope: "blog", Fetcher: gated, Logger: logger})

	miss, _ := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, url, nil))
	readBody(t, miss)
	hit, _ := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, url, nil))
	readBody(t, hit)

	if err := store.DeleteVersion(ctx, "blog", "v1"); err != nil {
		t.Fatalf("delete version: %v", err)
	}
	close(gate)
	d.Wait()

	versions, _ := store.Versions(ctx, "blog")
	if len(versions) != 0 {
		t.Fatalf("revalidation must not resurrect a deleted generation: %v", versions)
	}
}

func TestNewDispatcherValidatesOptions(t *testing.T) {
	if _, err := NewDispatcher(Options{Logger: logrus.New()}); err == nil {
		t.Fatalf("missing fetcher should be rejected")
	}
	if _, err := NewDispatcher(Options{Fetcher: newStubOrigin()}); err == nil {
		t.Fatalf("missing logger should be rejected")
	}
}

// redirectOrigin 返回真实的 HTTPFetcher，/old.css 与 /moved/ 被 301 到新地址。
func redirectOrigin(t *testing.T) network.Fetcher {
	t.Helper()
	var mu sync.Mutex
	redirecting := map[string]bool{"/old.css": true, "/moved/": true}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		redirect := redirecting[r.URL.Path]
		mu.Unlock()
		if redirect {
			http.Redirect(w, r, "/new"+r.URL.Path, http.StatusMovedPermanently)
			return
		}
		_, _ = w.Write([]byte("body of " + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)
	fetcher, err := network.NewHTTPFetcher(upstream.Client(), "https://blog.example.com", upstream.URL, "")
	if err != nil {
		t.Fatalf("fetcher: %v", err)
	}
	return fetcher
}

func TestCacheFirstDoesNotStoreRedirects(t *testing.T) {
	d, gen := newTestDispatcher(t, redirectOrigin(t))
	ctx := context.Background()

	result, err := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, "https://blog.example.com/old.css", nil))
	if err != nil {
		t.Fatalf("cache-first: %v", err)
	}
	readBody(t, result)
	if result.Response.Status != http.StatusMovedPermanently {
		t.Fatalf("redirect should reach the client, got %d", result.Response.Status)
	}
	if got := result.Response.Header.Get("Location"); got != "https://blog.example.com/new/old.css" {
		t.Fatalf("unexpected location %s", got)
	}
	if _, err := gen.Match(ctx, cache.MustRequestID(http.MethodGet, "https://blog.example.com/old.css")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("redirect must not be stored, got %v", err)
	}
}

func TestNetworkFirstDoesNotStoreRedirects(t *testing.T) {
	d, gen := newTestDispatcher(t, redirectOrigin(t))
	ctx := context.Background()

	result, err := d.NetworkFirst(ctx, gen, htmlRequest("https://blog.example.com/moved/"))
	if err != nil {
		t.Fatalf("network-first: %v", err)
	}
	readBody(t, result)
	if result.Outcome != OutcomeNetwork || result.Response.Status != http.StatusMovedPermanently {
		t.Fatalf("expected redirect from network, got %s/%d", result.Outcome, result.Response.Status)
	}
	keys, _ := gen.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("redirect must not be stored: %v", keys)
	}
}

func TestRevalidationIgnoresRedirects(t *testing.T) {
	const url = "https://blog.example.com/old.css"
	d, gen := newTestDispatcher(t, redirectOrigin(t))
	ctx := context.Background()
	id := cache.MustRequestID(http.MethodGet, url)
	if err := gen.Put(ctx, id, &cache.Snapshot{Status: http.StatusOK, Body: []byte("old-body")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	hit, err := d.CacheFirst(ctx, gen, network.NewRequest(http.MethodGet, url, nil))
	if err != nil || hit.Outcome != OutcomeHit {
		t.Fatalf("expected hit: %v", err)
	}
	readBody(t, hit)
	d.Wait()

	snapshot, err := gen.Match(ctx, id)
	if err != nil || snapshot.Status != http.StatusOK || string(snapshot.Body) != "old-body" {
		t.Fatalf("redirect during revalidation must leave the entry intact: %v", err)
	}
}
