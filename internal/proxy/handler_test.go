package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/uni-sync/uni-sync-cache/internal/cache"
	"github.com/uni-sync/uni-sync-cache/internal/lifecycle"
	"github.com/uni-sync/uni-sync-cache/internal/logging"
	"github.com/uni-sync/uni-sync-cache/internal/server"
)

func TestHandlerServesInstalledAssetsFromCache(t *testing.T) {
	origin := newCountingOrigin(t)
	manager := newInstalledManager(t, origin, []string{"/", "/index.html"})
	app := newProxyApp(t, manager, origin.URL)

	before := origin.total()
	resp := doRequest(t, app, http.MethodGet, "/index.html")
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "origin:/index.html" {
		t.Fatalf("unexpected body %q", string(body))
	}
	if resp.Header.Get(HeaderCacheHit) != "true" {
		t.Fatalf("expected cache hit header, got %q", resp.Header.Get(HeaderCacheHit))
	}
	if resp.Header.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatalf("cached content type should be replayed, got %q", resp.Header.Get("Content-Type"))
	}
	if origin.total() != before {
		t.Fatalf("cached request must not reach the origin")
	}
}

func TestHandlerFallsThroughToNetworkOnMiss(t *testing.T) {
	origin := newCountingOrigin(t)
	manager := newInstalledManager(t, origin, []string{"/"})
	app := newProxyApp(t, manager, origin.URL)

	resp := doRequest(t, app, http.MethodGet, "/api/lessons?id=7")
	body, _ := io.ReadAll(resp.Body)

	if resp.Header.Get(HeaderCacheHit) != "false" {
		t.Fatalf("expected cache miss header")
	}
	if string(body) != "origin:/api/lessons?id=7" {
		t.Fatalf("query should be forwarded, got %q", string(body))
	}
	if origin.hits("/api/lessons") != 1 {
		t.Fatalf("expected exactly one origin call, got %d", origin.hits("/api/lessons"))
	}
	if resp.Header.Get("X-Origin") != "stub" {
		t.Fatalf("upstream headers should be copied")
	}
}

func TestHandlerPassesUpstreamErrorStatus(t *testing.T) {
	origin := newCountingOrigin(t)
	manager := newInstalledManager(t, origin, nil)
	app := newProxyApp(t, manager, origin.URL)

	resp := doRequest(t, app, http.MethodGet, "/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected upstream 404 to pass through, got %d", resp.StatusCode)
	}
}

func TestHandlerForwardsNonGetWithBody(t *testing.T) {
	origin := newCountingOrigin(t)
	manager := newInstalledManager(t, origin, []string{"/submit"})
	app := newProxyApp(t, manager, origin.URL)

	req := httptest.NewRequest(http.MethodPost, "http://uni.local/submit", strings.NewReader("payload"))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.Header.Get(HeaderCacheHit) != "false" {
		t.Fatalf("POST must bypass the cache")
	}
	if string(body) != "echo:payload" {
		t.Fatalf("request body should reach origin, got %q", string(body))
	}
}

func TestHandlerReturns502WhenFetchFails(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context, *http.Request) (*lifecycle.FetchResult, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	app := newProxyApp(t, fetcher, "http://origin.invalid")

	resp := doRequest(t, app, http.MethodGet, "/index.html")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "upstream_failed") {
		t.Fatalf("expected upstream_failed error body, got %s", string(body))
	}
}

func TestHandlerHeadOmitsBody(t *testing.T) {
	var seen *http.Request
	fetcher := fetcherFunc(func(_ context.Context, req *http.Request) (*lifecycle.FetchResult, error) {
		seen = req
		return &lifecycle.FetchResult{Response: &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/css"}},
			Body:       io.NopCloser(strings.NewReader("body {}")),
		}}, nil
	})
	app := newProxyApp(t, fetcher, "http://origin.local")

	resp := doRequest(t, app, http.MethodHead, "/static/css/styles.css")
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("HEAD must not carry a body, got %q", string(body))
	}
	if seen == nil || seen.Method != http.MethodHead {
		t.Fatalf("fetcher should receive the HEAD request")
	}
}

func TestHandlerBuildsUpstreamRequest(t *testing.T) {
	var seen *http.Request
	fetcher := fetcherFunc(func(_ context.Context, req *http.Request) (*lifecycle.FetchResult, error) {
		seen = req
		return &lifecycle.FetchResult{Response: &http.Response{
			StatusCode: http.StatusNoContent,
			Header:     http.Header{},
			Body:       http.NoBody,
		}}, nil
	})
	app := newProxyApp(t, fetcher, "http://origin.local:8080")

	req := httptest.NewRequest(http.MethodGet, "http://uni.local/static//js/../js/main.js?v=3", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Custom", "1")
	if _, err := app.Test(req); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}

	if seen == nil {
		t.Fatalf("fetcher was not called")
	}
	if got := seen.URL.String(); got != "http://origin.local:8080/static/js/main.js?v=3" {
		t.Fatalf("unexpected upstream url %s", got)
	}
	if seen.Host != "origin.local:8080" {
		t.Fatalf("unexpected host %s", seen.Host)
	}
	if seen.Header.Get("Accept-Encoding") != "" || seen.Header.Get("Connection") != "" {
		t.Fatalf("Accept-Encoding and hop-by-hop headers must be dropped: %v", seen.Header)
	}
	if seen.Header.Get("X-Custom") != "1" {
		t.Fatalf("end-to-end headers should be forwarded")
	}
	if seen.Header.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("expected forwarded port, got %q", seen.Header.Get("X-Forwarded-Port"))
	}
}

func TestNormalizeRequestPathKeepsTrailingSlash(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"/":              "/",
		"/docs/":         "/docs/",
		"/a/../b":        "/b",
		"//static//x.js": "/static/x.js",
	}
	for input, want := range cases {
		if got := normalizeRequestPath(input); got != want {
			t.Fatalf("normalizeRequestPath(%q) = %q, want %q", input, got, want)
		}
	}
}

type fetcherFunc func(context.Context, *http.Request) (*lifecycle.FetchResult, error)

func (f fetcherFunc) Fetch(ctx context.Context, req *http.Request) (*lifecycle.FetchResult, error) {
	return f(ctx, req)
}

func newProxyApp(t *testing.T, fetcher Fetcher, upstream string) *fiber.App {
	t.Helper()
	base, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}
	handler, err := NewHandler(fetcher, base, logging.Discard(), 5000)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logging.Discard(),
		Proxy:      handler,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, "http://uni.local"+target, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func newInstalledManager(t *testing.T, origin *countingOrigin, assets []string) *lifecycle.Manager {
	t.Helper()
	storage, err := cache.NewStorage(t.TempDir(), cache.Options{MaxMemoryEntries: 8})
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	base, _ := url.Parse(origin.URL)
	manager, err := lifecycle.NewManager(lifecycle.Options{
		CacheName: "uni-sync-cache-v1",
		Assets:    assets,
		Upstream:  base,
		Storage:   storage,
		Client:    origin.Client(),
	})
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	if err := manager.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	return manager
}

type countingOrigin struct {
	*httptest.Server
	mu     sync.Mutex
	counts map[string]int
}

func newCountingOrigin(t *testing.T) *countingOrigin {
	t.Helper()
	origin := &countingOrigin{counts: make(map[string]int)}
	origin.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin.mu.Lock()
		origin.counts[r.URL.Path]++
		origin.mu.Unlock()

		switch {
		case r.URL.Path == "/missing":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost:
			payload, _ := io.ReadAll(r.Body)
			_, _ = w.Write([]byte("echo:" + string(payload)))
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("X-Origin", "stub")
			_, _ = w.Write([]byte("origin:" + r.URL.RequestURI()))
		}
	}))
	t.Cleanup(origin.Close)
	return origin
}

func (o *countingOrigin) hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[path]
}

func (o *countingOrigin) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.counts {
		total += n
	}
	return total
}
