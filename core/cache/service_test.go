package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/tathmini/tathmini/core"
	inmemstore "github.com/tathmini/tathmini/storage/store/inmem"
)

type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	urls      []string
	fail      bool
	block     bool // wait for the context deadline instead of answering
	responses map[string]core.Response
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: make(map[string]core.Response)}
}

func (f *fakeFetcher) serve(url, contentType string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header := http.Header{}
	header.Set("Content-Type", contentType)
	f.responses[url] = core.Response{Status: http.StatusOK, Header: header, Body: body}
}

func (f *fakeFetcher) Do(ctx context.Context, req core.Request) (core.Response, error) {
	f.mu.Lock()
	f.calls++
	f.urls = append(f.urls, req.URL)
	block, fail := f.block, f.fail
	resp, ok := f.responses[req.URL]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return core.Response{}, ctx.Err()
	}
	if fail {
		return core.Response{}, errors.New("connection refused")
	}
	if !ok {
		return core.Response{Status: http.StatusNotFound}, nil
	}
	return resp, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeFetcher) setBlock(block bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = block
}

func testConfig() *core.Config {
	conf := &core.Config{}
	conf.Upstream.NetworkTimeout = 50 * time.Millisecond
	conf.Cache = map[string]core.BucketLimits{
		"static":  {MaxAge: time.Hour, MaxEntries: 50},
		"api":     {MaxAge: time.Hour, MaxEntries: 50},
		"image":   {MaxAge: time.Hour, MaxEntries: 50},
		"font":    {MaxAge: time.Hour, MaxEntries: 50},
		"runtime": {MaxAge: time.Hour, MaxEntries: 50},
	}
	return conf
}

func newTestService(t *testing.T, fetcher core.Fetcher, conf *core.Config) (*Service, core.KVStore) {
	t.Helper()
	store, err := inmemstore.Open()
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return NewService(store, fetcher, NewMetrics(), conf, nil), store
}

func TestCacheFirstSecondHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.serve("/assets/app.js", "application/javascript", []byte("console.log(1)"))
	svc, _ := newTestService(t, fetcher, testConfig())

	req := core.Request{Method: http.MethodGet, URL: "/assets/app.js"}

	first := svc.Handle(ctx, req)
	assert.Equal(t, SourceNetwork, first.Source)
	assert.Equal(t, []byte("console.log(1)"), first.Response.Body)

	second := svc.Handle(ctx, req)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, []byte("console.log(1)"), second.Response.Body)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestNetworkFirstTimeoutServesCachedEntry(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.serve("/api/results", "application/json", []byte(`{"scores":[80]}`))
	svc, _ := newTestService(t, fetcher, testConfig())

	req := core.Request{Method: http.MethodGet, URL: "/api/results"}

	first := svc.Handle(ctx, req)
	assert.Equal(t, SourceNetwork, first.Source)

	// network now hangs past the deadline; the cached body must come back
	fetcher.setBlock(true)
	second := svc.Handle(ctx, req)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, []byte(`{"scores":[80]}`), second.Response.Body)
}

func TestNetworkFirstNoCacheReturns503(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.setFail(true)
	svc, _ := newTestService(t, fetcher, testConfig())

	out := svc.Handle(ctx, core.Request{Method: http.MethodGet, URL: "/api/results"})
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, http.StatusServiceUnavailable, out.Response.Status)
	assert.Equal(t, "application/json", out.Response.Header.Get("Content-Type"))

	var body map[string]interface{}
	if err := json.Unmarshal(out.Response.Body, &body); err != nil {
		t.Fatalf("unmarshalling fallback body: %v", err)
	}
	assert.Equal(t, "Offline", body["error"])
	assert.NotEmpty(t, body["message"])
	assert.NotNil(t, body["timestamp"])
}

func TestStaleWhileRevalidateRefreshesInBackground(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.serve("/dashboard", "text/html", []byte("<p>v1</p>"))
	svc, _ := newTestService(t, fetcher, testConfig())

	req := core.Request{Method: http.MethodGet, URL: "/dashboard", Mode: "navigate"}

	first := svc.Handle(ctx, req)
	assert.Equal(t, SourceNetwork, first.Source)

	fetcher.serve("/dashboard", "text/html", []byte("<p>v2</p>"))

	// stale copy comes back immediately
	second := svc.Handle(ctx, req)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, []byte("<p>v1</p>"), second.Response.Body)

	// wait for the background refresh to land
	deadline := time.Now().Add(2 * time.Second)
	for fetcher.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if out := svc.Handle(ctx, req); string(out.Response.Body) == "<p>v2</p>" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("revalidated entry never replaced the stale copy")
}

func TestImageNegotiatesWebP(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.serve("/img/logo.png", "image/png", []byte("png-bytes"))
	fetcher.serve("/img/logo.webp", "image/webp", []byte("webp-bytes"))
	svc, _ := newTestService(t, fetcher, testConfig())

	out := svc.Handle(ctx, core.Request{
		Method: http.MethodGet,
		URL:    "/img/logo.png",
		Accept: "image/avif,image/webp,image/apng,*/*",
	})
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, []byte("webp-bytes"), out.Response.Body)

	// a client without webp support still gets the original
	out = svc.Handle(ctx, core.Request{Method: http.MethodGet, URL: "/img/logo.png", Accept: "image/png"})
	assert.Equal(t, []byte("png-bytes"), out.Response.Body)
}

func TestImageWebPFallsBackToOriginal(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.serve("/img/photo.jpg", "image/jpeg", []byte("jpeg-bytes"))
	svc, _ := newTestService(t, fetcher, testConfig())

	out := svc.Handle(ctx, core.Request{
		Method: http.MethodGet,
		URL:    "/img/photo.jpg",
		Accept: "image/webp,*/*",
	})
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, []byte("jpeg-bytes"), out.Response.Body)
}

func TestEvictionRemovesOldestBeyondMaxEntries(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	conf := testConfig()
	conf.Cache["static"] = core.BucketLimits{MaxAge: time.Hour, MaxEntries: 2}
	svc, store := newTestService(t, fetcher, conf)

	for _, u := range []string{"/a.js", "/b.js", "/c.js"} {
		fetcher.serve(u, "application/javascript", []byte(u))
		svc.Handle(ctx, core.Request{Method: http.MethodGet, URL: u})
		time.Sleep(2 * time.Millisecond) // distinct StoredAt ordering
	}

	keys, err := store.Keys(ctx, core.CacheCollection)
	if err != nil {
		t.Fatalf("listing keys: %v", err)
	}
	assert.Len(t, keys, 2)
	assert.NotContains(t, keys, "static|/a.js")
	assert.Contains(t, keys, "static|/b.js")
	assert.Contains(t, keys, "static|/c.js")
}

func TestExpiredEntryRefetched(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	conf := testConfig()
	conf.Cache["static"] = core.BucketLimits{MaxAge: 10 * time.Millisecond, MaxEntries: 50}
	svc, _ := newTestService(t, fetcher, conf)

	req := core.Request{Method: http.MethodGet, URL: "/assets/app.js"}
	fetcher.serve("/assets/app.js", "application/javascript", []byte("v1"))

	svc.Handle(ctx, req)
	time.Sleep(25 * time.Millisecond)

	out := svc.Handle(ctx, req)
	assert.Equal(t, SourceNetwork, out.Source)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestNavigationFallsBackToOfflineDocument(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	svc, _ := newTestService(t, fetcher, testConfig())

	doc := []byte("<html><body>You are offline</body></html>")
	if err := svc.PreloadOffline(ctx, doc); err != nil {
		t.Fatalf("preloading offline doc: %v", err)
	}
	fetcher.setFail(true)

	out := svc.Handle(ctx, core.Request{Method: http.MethodGet, URL: "/tests/42", Mode: "navigate"})
	assert.Equal(t, SourceFallback, out.Source)
	assert.Equal(t, http.StatusOK, out.Response.Status)
	assert.Equal(t, doc, out.Response.Body)
	assert.True(t, strings.HasPrefix(out.Response.Header.Get("Content-Type"), "text/html"))
}

func TestStatsCountsHitsMissesAndEntries(t *testing.T) {
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.serve("/assets/app.js", "application/javascript", []byte("js"))
	svc, _ := newTestService(t, fetcher, testConfig())

	req := core.Request{Method: http.MethodGet, URL: "/assets/app.js"}
	svc.Handle(ctx, req) // miss + store
	svc.Handle(ctx, req) // hit

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("collecting stats: %v", err)
	}
	assert.Equal(t, int64(1), stats.Hits["static"])
	assert.Equal(t, int64(1), stats.Misses["static"])
	assert.Equal(t, 1, stats.Entries["static"])
	assert.Equal(t, 1, stats.TotalEntries)
}
