package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// HTTPCacheMiddleware tests
// ---------------------------------------------------------------------------

func revalidatingConfig() CacheConfig {
	return CacheConfig{
		MaxAge:             300,
		Private:            true,
		ETagEnabled:        true,
		ConditionalEnabled: true,
		VaryHeaders:        []string{"Accept"},
	}
}

func runCached(t *testing.T, cfg CacheConfig, h echo.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := HTTPCacheMiddleware(cfg)(h)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func stringHandler(status int, body string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(status, body)
	}
}

func TestHTTPCache_SetsETagHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	rec := runCached(t, revalidatingConfig(), stringHandler(http.StatusOK, "hello world"), req)

	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected ETag header to be set")
	}
	// Weak validator over a truncated SHA-256: W/" + 32 hex chars + ".
	if !strings.HasPrefix(etag, `W/"`) || !strings.HasSuffix(etag, `"`) {
		t.Errorf("expected weak ETag format W/\"...\", got %q", etag)
	}
	if len(etag) != 36 {
		t.Errorf("expected 32 hex digest chars, got %q", etag)
	}
}

func TestHTTPCache_304OnMatch(t *testing.T) {
	handler := stringHandler(http.StatusOK, "hello world")

	// First request to get the ETag.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	rec := runCached(t, revalidatingConfig(), handler, req)
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected ETag from first request")
	}

	// Second request with If-None-Match.
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := runCached(t, revalidatingConfig(), handler, req2)
	if rec2.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec2.Code)
	}
	if rec2.Body.Len() != 0 {
		t.Errorf("expected empty body for 304, got %d bytes", rec2.Body.Len())
	}
}

func TestHTTPCache_304CarriesValidator(t *testing.T) {
	handler := stringHandler(http.StatusOK, "hello world")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	etag := runCached(t, revalidatingConfig(), handler, req).Header().Get("ETag")

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := runCached(t, revalidatingConfig(), handler, req2)

	if rec2.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec2.Code)
	}
	if got := rec2.Header().Get("ETag"); got != etag {
		t.Errorf("304 must keep the current validator: want %q, got %q", etag, got)
	}
	if rec2.Header().Get("Cache-Control") == "" {
		t.Error("304 must keep Cache-Control")
	}
}

func TestHTTPCache_200OnMismatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	req.Header.Set("If-None-Match", `W/"does-not-match"`)
	rec := runCached(t, revalidatingConfig(), stringHandler(http.StatusOK, "hello world"), req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHTTPCache_SkipsPOST(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", nil)
	rec := runCached(t, revalidatingConfig(), stringHandler(http.StatusOK, "created"), req)
	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag on POST request")
	}
}

func TestHTTPCache_SkipsErrorResponses(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/123", nil)
	rec := runCached(t, revalidatingConfig(), stringHandler(http.StatusNotFound, "not found"), req)
	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag for 404 response")
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("expected no Cache-Control for 404 response")
	}
}

func TestHTTPCache_CacheControl(t *testing.T) {
	cases := []struct {
		name string
		cfg  CacheConfig
		want []string
	}{
		{
			name: "public",
			cfg:  CacheConfig{MaxAge: 600, Private: false, ETagEnabled: true},
			want: []string{"public", "max-age=600"},
		},
		{
			name: "private for PHI",
			cfg:  CacheConfig{MaxAge: 300, Private: true, ETagEnabled: true},
			want: []string{"private", "max-age=300"},
		},
		{
			name: "no-store",
			cfg:  CacheConfig{MaxAge: 300, NoStore: true, ETagEnabled: true},
			want: []string{"no-store"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
			rec := runCached(t, tc.cfg, stringHandler(http.StatusOK, "body"), req)
			cc := rec.Header().Get("Cache-Control")
			if cc == "" {
				t.Fatal("expected Cache-Control header")
			}
			for _, w := range tc.want {
				if !strings.Contains(cc, w) {
					t.Errorf("expected %q in Cache-Control, got %q", w, cc)
				}
			}
		})
	}
}

func TestHTTPCache_SetsVaryHeader(t *testing.T) {
	cfg := revalidatingConfig()
	cfg.VaryHeaders = []string{"Accept", "Authorization", "Accept-Encoding"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	rec := runCached(t, cfg, stringHandler(http.StatusOK, "ok"), req)

	vary := rec.Header().Get("Vary")
	if vary == "" {
		t.Fatal("expected Vary header")
	}
	for _, h := range []string{"Accept", "Authorization", "Accept-Encoding"} {
		if !strings.Contains(vary, h) {
			t.Errorf("expected %q in Vary header, got %q", h, vary)
		}
	}
}

func TestHTTPCache_SkipsExcludedPaths(t *testing.T) {
	cfg := revalidatingConfig()
	cfg.ExcludePaths = []string{"/api/v1/review/export", "/health"}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/review/export", nil)
	rec := runCached(t, cfg, stringHandler(http.StatusOK, "exporting"), req)
	if rec.Header().Get("ETag") != "" {
		t.Error("expected no ETag for excluded path")
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("expected no Cache-Control for excluded path")
	}
}

func TestHTTPCache_IfModifiedSince304(t *testing.T) {
	lastMod := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	handler := func(c echo.Context) error {
		c.Response().Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
		return c.String(http.StatusOK, `{"status":"received"}`)
	}

	// The poller's copy is from after the last change.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	req.Header.Set("If-Modified-Since", lastMod.Add(time.Minute).Format(http.TimeFormat))
	rec := runCached(t, revalidatingConfig(), handler, req)

	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body for 304, got %d bytes", rec.Body.Len())
	}
}

func TestHTTPCache_IfModifiedSince200WhenChanged(t *testing.T) {
	lastMod := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	handler := func(c echo.Context) error {
		c.Response().Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
		return c.String(http.StatusOK, `{"status":"auto_publish"}`)
	}

	// The status row changed after the poller's copy.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	req.Header.Set("If-Modified-Since", lastMod.Add(-time.Hour).Format(http.TimeFormat))
	rec := runCached(t, revalidatingConfig(), handler, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected full body when the resource changed")
	}
}

func TestHTTPCache_IfModifiedSinceNeedsLastModified(t *testing.T) {
	// The handler sets no Last-Modified, so If-Modified-Since cannot apply.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	req.Header.Set("If-Modified-Since", time.Now().UTC().Format(http.TimeFormat))
	rec := runCached(t, revalidatingConfig(), stringHandler(http.StatusOK, "body"), req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 without a Last-Modified validator, got %d", rec.Code)
	}
}

func TestHTTPCache_HandlerETagPreserved(t *testing.T) {
	handler := func(c echo.Context) error {
		c.Response().Header().Set("ETag", `W/"v42"`)
		return c.String(http.StatusOK, "versioned")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/review/item-1", nil)
	rec := runCached(t, revalidatingConfig(), handler, req)
	if got := rec.Header().Get("ETag"); got != `W/"v42"` {
		t.Fatalf("handler-set ETag must win, got %q", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/review/item-1", nil)
	req2.Header.Set("If-None-Match", `W/"v42"`)
	rec2 := runCached(t, revalidatingConfig(), handler, req2)
	if rec2.Code != http.StatusNotModified {
		t.Errorf("expected 304 against the handler's ETag, got %d", rec2.Code)
	}
}

func TestHTTPCache_IfNoneMatchWinsOverIfModifiedSince(t *testing.T) {
	lastMod := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	handler := func(c echo.Context) error {
		c.Response().Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
		return c.String(http.StatusOK, "body")
	}

	// A stale ETag forces a full response even when the date check alone
	// would have said 304.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	req.Header.Set("If-None-Match", `W/"stale"`)
	req.Header.Set("If-Modified-Since", lastMod.Add(time.Minute).Format(http.TimeFormat))
	rec := runCached(t, revalidatingConfig(), handler, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when If-None-Match mismatches, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// CacheStore tests
// ---------------------------------------------------------------------------

func TestInMemoryCacheStore_SetAndGet(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("key1", []byte("value1"), 5*time.Minute)

	data, ok := store.Get("key1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(data) != "value1" {
		t.Errorf("expected 'value1', got %q", string(data))
	}
}

func TestInMemoryCacheStore_Expiration(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("key1", []byte("value1"), 1*time.Millisecond)

	// Wait for expiration.
	time.Sleep(10 * time.Millisecond)

	_, ok := store.Get("key1")
	if ok {
		t.Error("expected cache miss for expired entry")
	}
}

func TestInMemoryCacheStore_Delete(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("key1", []byte("value1"), 5*time.Minute)
	store.Delete("key1")

	_, ok := store.Get("key1")
	if ok {
		t.Error("expected cache miss after delete")
	}
}

func TestInMemoryCacheStore_Clear(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("key1", []byte("value1"), 5*time.Minute)
	store.Set("key2", []byte("value2"), 5*time.Minute)
	store.Clear()

	_, ok1 := store.Get("key1")
	_, ok2 := store.Get("key2")
	if ok1 || ok2 {
		t.Error("expected cache to be empty after clear")
	}
}

func TestInMemoryCacheStore_ConcurrentAccess(t *testing.T) {
	store := NewInMemoryCacheStore()
	var wg sync.WaitGroup
	iterations := 100

	// Concurrent writes.
	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "key"
			store.Set(key, []byte("value"), 1*time.Minute)
		}(i)
	}

	// Concurrent reads.
	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Get("key")
		}()
	}

	// Concurrent deletes.
	for i := 0; i < iterations/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Delete("key")
		}()
	}

	wg.Wait()
}

// ---------------------------------------------------------------------------
// Response cache tests
// ---------------------------------------------------------------------------

func TestResponseCache_CacheMiss(t *testing.T) {
	e := echo.New()
	store := NewInMemoryCacheStore()
	handler := ResponseCacheMiddleware(store, 5*time.Minute, "/api/v1/reports")(func(c echo.Context) error {
		return c.String(http.StatusOK, "fresh data")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := handler(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected X-Cache: MISS, got %q", rec.Header().Get("X-Cache"))
	}
}

func TestResponseCache_CacheHit(t *testing.T) {
	e := echo.New()
	store := NewInMemoryCacheStore()
	callCount := 0
	handler := ResponseCacheMiddleware(store, 5*time.Minute, "/api/v1/reports")(func(c echo.Context) error {
		callCount++
		return c.String(http.StatusOK, "fresh data")
	})

	// First request: MISS
	req1 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	rec1 := httptest.NewRecorder()
	c1 := e.NewContext(req1, rec1)
	_ = handler(c1)

	// Second request: HIT
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	rec2 := httptest.NewRecorder()
	c2 := e.NewContext(req2, rec2)
	err := handler(c2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Errorf("expected X-Cache: HIT, got %q", rec2.Header().Get("X-Cache"))
	}
	if callCount != 1 {
		t.Errorf("expected handler called once, called %d times", callCount)
	}
}

func TestResponseCache_SkipsNonAllowlistedPath(t *testing.T) {
	e := echo.New()
	store := NewInMemoryCacheStore()
	handler := ResponseCacheMiddleware(store, 5*time.Minute, "/api/v1/reports")(func(c echo.Context) error {
		return c.String(http.StatusOK, "document data")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := handler(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get("X-Cache") != "SKIP" {
		t.Errorf("expected X-Cache: SKIP for non-allowlisted path, got %q", rec.Header().Get("X-Cache"))
	}
}

func TestResponseCache_TenantIsolation(t *testing.T) {
	e := echo.New()
	store := NewInMemoryCacheStore()
	callCount := 0
	handler := ResponseCacheMiddleware(store, 5*time.Minute, "/api/v1/reports")(func(c echo.Context) error {
		callCount++
		return c.String(http.StatusOK, "aggregates")
	})

	// tenant-a populates its entry.
	req1 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	rec1 := httptest.NewRecorder()
	c1 := e.NewContext(req1, rec1)
	c1.Set("jwt_tenant_id", "tenant-a")
	_ = handler(c1)

	// tenant-b must not be served tenant-a's entry.
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	rec2 := httptest.NewRecorder()
	c2 := e.NewContext(req2, rec2)
	c2.Set("jwt_tenant_id", "tenant-b")
	_ = handler(c2)

	if rec2.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected MISS for a different tenant, got %q", rec2.Header().Get("X-Cache"))
	}
	if callCount != 2 {
		t.Errorf("expected handler called twice, called %d times", callCount)
	}

	// tenant-a again: HIT from its own entry.
	req3 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	rec3 := httptest.NewRecorder()
	c3 := e.NewContext(req3, rec3)
	c3.Set("jwt_tenant_id", "tenant-a")
	_ = handler(c3)

	if rec3.Header().Get("X-Cache") != "HIT" {
		t.Errorf("expected HIT for tenant-a repeat, got %q", rec3.Header().Get("X-Cache"))
	}
	if callCount != 2 {
		t.Errorf("expected handler still called twice, called %d times", callCount)
	}
}

func TestResponseCache_XCacheHeader(t *testing.T) {
	e := echo.New()
	store := NewInMemoryCacheStore()
	handler := ResponseCacheMiddleware(store, 5*time.Minute, "/api/v1/reports")(func(c echo.Context) error {
		return c.String(http.StatusOK, "data")
	})

	// MISS
	req1 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/volumes", nil)
	rec1 := httptest.NewRecorder()
	c1 := e.NewContext(req1, rec1)
	_ = handler(c1)
	if rec1.Header().Get("X-Cache") != "MISS" {
		t.Errorf("first request: expected MISS, got %q", rec1.Header().Get("X-Cache"))
	}

	// HIT
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/volumes", nil)
	rec2 := httptest.NewRecorder()
	c2 := e.NewContext(req2, rec2)
	_ = handler(c2)
	if rec2.Header().Get("X-Cache") != "HIT" {
		t.Errorf("second request: expected HIT, got %q", rec2.Header().Get("X-Cache"))
	}
}

func TestResponseCache_Expiration(t *testing.T) {
	e := echo.New()
	store := NewInMemoryCacheStore()
	callCount := 0
	handler := ResponseCacheMiddleware(store, 1*time.Millisecond, "/api/v1/reports")(func(c echo.Context) error {
		callCount++
		return c.String(http.StatusOK, "data")
	})

	// First request
	req1 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	rec1 := httptest.NewRecorder()
	c1 := e.NewContext(req1, rec1)
	_ = handler(c1)

	// Wait for expiration
	time.Sleep(10 * time.Millisecond)

	// Second request should be a miss
	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/reports/summary", nil)
	rec2 := httptest.NewRecorder()
	c2 := e.NewContext(req2, rec2)
	_ = handler(c2)

	if rec2.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected MISS after expiry, got %q", rec2.Header().Get("X-Cache"))
	}
	if callCount != 2 {
		t.Errorf("expected handler called twice, called %d times", callCount)
	}
}

// ---------------------------------------------------------------------------
// Cleanup goroutine test
// ---------------------------------------------------------------------------

func TestInMemoryCacheStore_StartCleanup(t *testing.T) {
	store := NewInMemoryCacheStore()
	store.Set("key1", []byte("value1"), 1*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	store.StartCleanup(ctx, 5*time.Millisecond)

	// Wait for cleanup to run at least once.
	time.Sleep(50 * time.Millisecond)
	cancel()

	_, ok := store.Get("key1")
	if ok {
		t.Error("expected expired entry to be cleaned up")
	}
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func TestComputeETag(t *testing.T) {
	etag := computeETag([]byte("hello world"))
	if etag == "" {
		t.Fatal("expected non-empty ETag")
	}
	if !strings.HasPrefix(etag, `W/"`) {
		t.Errorf("expected weak validator prefix, got %q", etag)
	}
	// Same input should produce same ETag.
	etag2 := computeETag([]byte("hello world"))
	if etag != etag2 {
		t.Errorf("expected deterministic ETag: %q != %q", etag, etag2)
	}
	// Different input should produce different ETag.
	etag3 := computeETag([]byte("different"))
	if etag == etag3 {
		t.Error("expected different ETag for different input")
	}
}

func TestCacheKey(t *testing.T) {
	key := cacheKey("GET", "/api/v1/reports/summary?from=2024-01-01", "tenant-a")
	if key == "" {
		t.Fatal("expected non-empty cache key")
	}
	// Same inputs same key.
	key2 := cacheKey("GET", "/api/v1/reports/summary?from=2024-01-01", "tenant-a")
	if key != key2 {
		t.Error("expected same cache key for same inputs")
	}
	// Different tenant different key.
	key3 := cacheKey("GET", "/api/v1/reports/summary?from=2024-01-01", "tenant-b")
	if key == key3 {
		t.Error("expected different cache key for different tenant")
	}
}

func TestShouldSkip(t *testing.T) {
	excludes := []string{"/api/v1/review/export", "/health"}
	if !shouldSkip("/api/v1/review/export", excludes) {
		t.Error("expected /api/v1/review/export to be skipped")
	}
	if !shouldSkip("/health", excludes) {
		t.Error("expected /health to be skipped")
	}
	if shouldSkip("/api/v1/documents", excludes) {
		t.Error("expected /api/v1/documents to not be skipped")
	}
}

func TestMatchesPrefix(t *testing.T) {
	prefixes := []string{"/api/v1/reports"}
	if !matchesPrefix("/api/v1/reports/summary", prefixes) {
		t.Error("expected /api/v1/reports/summary to match")
	}
	if matchesPrefix("/api/v1/documents", prefixes) {
		t.Error("expected /api/v1/documents to not match")
	}
	if matchesPrefix("/api/v1/reports", nil) {
		t.Error("expected empty prefix list to match nothing")
	}
}
