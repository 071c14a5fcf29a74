package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// CacheConfig
// ---------------------------------------------------------------------------

// CacheConfig holds HTTP cache and ETag configuration.
type CacheConfig struct {
	MaxAge             int        // Cache max-age in seconds (default 300 = 5 min)
	Private            bool       // Set Cache-Control: private (default true for PHI)
	NoStore            bool       // Set Cache-Control: no-store for sensitive endpoints
	VaryHeaders        []string   // Headers to include in Vary (default: ["Accept", "Authorization"])
	ETagEnabled        bool       // Compute an ETag when the handler did not set one (default true)
	ConditionalEnabled bool       // Answer If-None-Match / If-Modified-Since with 304 (default true)
	ExcludePaths       []string   // Paths to skip caching (e.g., "/api/v1/review/export")
	CacheStore         CacheStore // Optional response cache store
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults for an API
// serving PHI. Responses stay private and revalidatable so status pollers can
// ride on 304s without any shared cache ever holding document data.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxAge:             300,
		Private:            true,
		NoStore:            false,
		VaryHeaders:        []string{"Accept", "Authorization"},
		ETagEnabled:        true,
		ConditionalEnabled: true,
	}
}

// ---------------------------------------------------------------------------
// CacheStore interface
// ---------------------------------------------------------------------------

// CacheStore defines the interface for a response cache backend.
type CacheStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
	Clear()
}

// ---------------------------------------------------------------------------
// InMemoryCacheStore
// ---------------------------------------------------------------------------

// cacheEntry holds a cached value and its expiration time.
type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// InMemoryCacheStore is a thread-safe in-memory CacheStore with lazy expiration.
type InMemoryCacheStore struct {
	entries map[string]*cacheEntry
	mu      sync.RWMutex
}

// NewInMemoryCacheStore creates a new InMemoryCacheStore.
func NewInMemoryCacheStore() *InMemoryCacheStore {
	return &InMemoryCacheStore{
		entries: make(map[string]*cacheEntry),
	}
}

// Get retrieves a value from the cache. Performs lazy expiration: deletes the
// entry and returns a miss if it has expired.
func (s *InMemoryCacheStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return entry.data, true
}

// Set stores a value in the cache with the given TTL.
func (s *InMemoryCacheStore) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cacheEntry{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Delete removes a single entry from the cache.
func (s *InMemoryCacheStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Clear removes all entries from the cache.
func (s *InMemoryCacheStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*cacheEntry)
}

// StartCleanup runs a background goroutine that periodically removes expired
// entries. It stops when the context is cancelled.
func (s *InMemoryCacheStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				now := time.Now()
				for k, v := range s.entries {
					if now.After(v.expiresAt) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// Buffered response writer
// ---------------------------------------------------------------------------

// bufferedResponseWriter captures the response body in a buffer so we can
// inspect it (for ETag computation) before flushing to the real writer.
type bufferedResponseWriter struct {
	writer     http.ResponseWriter
	buf        *bytes.Buffer
	statusCode int
}

func newBufferedResponseWriter(w http.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{
		writer:     w,
		buf:        &bytes.Buffer{},
		statusCode: http.StatusOK,
	}
}

// Header returns the underlying writer's header map so that headers set by
// handlers are visible to both the middleware and the final flush.
func (w *bufferedResponseWriter) Header() http.Header {
	return w.writer.Header()
}

// Write captures bytes into the buffer instead of sending them immediately.
func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

// WriteHeader captures the status code without writing it to the underlying writer.
func (w *bufferedResponseWriter) WriteHeader(code int) {
	w.statusCode = code
}

// Flush implements http.Flusher (no-op for buffer).
func (w *bufferedResponseWriter) Flush() {}

// flushTo writes the buffered status and body to the underlying writer.
func (w *bufferedResponseWriter) flushTo() error {
	w.writer.WriteHeader(w.statusCode)
	if w.buf.Len() > 0 {
		_, err := w.writer.Write(w.buf.Bytes())
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTPCacheMiddleware
// ---------------------------------------------------------------------------

// HTTPCacheMiddleware returns Echo middleware that owns the read-side cache
// headers for GET/HEAD responses: Cache-Control, Vary, and a validator. The
// validator is whatever ETag the handler set, or a digest of the response
// body when the handler set none. With ConditionalEnabled it answers
// If-None-Match, and If-Modified-Since when the handler set Last-Modified,
// with 304 Not Modified.
//
// Status pollers are the main consumers: a fax bridge re-requesting
// GET /documents/:id gets a 304 until the pipeline moves the document, so
// polling loops cost a header exchange instead of a PHI payload.
func HTTPCacheMiddleware(config CacheConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if req.Method != http.MethodGet && req.Method != http.MethodHead {
				return next(c)
			}
			if shouldSkip(req.URL.Path, config.ExcludePaths) {
				return next(c)
			}

			// Buffer the response so the validator covers the final body.
			res := c.Response()
			origWriter := res.Writer
			buf := newBufferedResponseWriter(origWriter)
			res.Writer = buf

			if err := next(c); err != nil {
				res.Writer = origWriter
				return err
			}
			res.Writer = origWriter

			// Error responses pass through without cache headers.
			if buf.statusCode >= 400 {
				return buf.flushTo()
			}

			res.Header().Set("Cache-Control", buildCacheControl(config))
			if len(config.VaryHeaders) > 0 {
				res.Header().Set("Vary", strings.Join(config.VaryHeaders, ", "))
			}

			// The handler's own ETag wins; otherwise derive one from the body.
			etag := res.Header().Get("ETag")
			if etag == "" && config.ETagEnabled {
				etag = computeETag(buf.buf.Bytes())
				res.Header().Set("ETag", etag)
			}

			if config.ConditionalEnabled && notModified(req, etag, res.Header().Get("Last-Modified")) {
				// The 304 keeps the validator headers and drops the body.
				origWriter.WriteHeader(http.StatusNotModified)
				return nil
			}

			return buf.flushTo()
		}
	}
}

// notModified reports whether the request's conditional headers show the
// client already holds the current representation. If-None-Match is
// authoritative when present; If-Modified-Since only applies when the
// response carries Last-Modified.
func notModified(req *http.Request, etag, lastMod string) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		return etag != "" && etagMatch(inm, etag)
	}
	ims := req.Header.Get("If-Modified-Since")
	if ims == "" || lastMod == "" {
		return false
	}
	imsTime, errIMS := http.ParseTime(ims)
	lmTime, errLM := http.ParseTime(lastMod)
	return errIMS == nil && errLM == nil && !lmTime.After(imsTime)
}

// ---------------------------------------------------------------------------
// ResponseCacheMiddleware
// ---------------------------------------------------------------------------

// ResponseCacheMiddleware returns Echo middleware that caches GET responses
// for paths under one of the given prefixes. Cache entries are keyed by
// URL + query + tenant, so each tenant only ever sees responses computed
// from its own data. Intended for the report aggregates, which are expensive
// to compute and change slowly; never mount it over endpoints that return
// per-user or document-level data.
func ResponseCacheMiddleware(store CacheStore, ttl time.Duration, prefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			// Only cache GET requests.
			if req.Method != http.MethodGet {
				return next(c)
			}

			// Only cache allowlisted paths.
			if !matchesPrefix(req.URL.Path, prefixes) {
				c.Response().Header().Set("X-Cache", "SKIP")
				return next(c)
			}

			tenant := ""
			if v, ok := c.Get("jwt_tenant_id").(string); ok {
				tenant = v
			}
			key := cacheKey(req.Method, req.URL.Path+"?"+req.URL.RawQuery, tenant)

			// Check cache.
			if data, ok := store.Get(key); ok {
				c.Response().Header().Set("X-Cache", "HIT")
				c.Response().Writer.WriteHeader(http.StatusOK)
				_, err := c.Response().Writer.Write(data)
				return err
			}

			// Cache miss: buffer the response.
			res := c.Response()
			origWriter := res.Writer
			buf := newBufferedResponseWriter(origWriter)
			res.Writer = buf

			if err := next(c); err != nil {
				res.Writer = origWriter
				return err
			}

			res.Writer = origWriter

			// Only cache successful responses.
			if buf.statusCode < 400 {
				store.Set(key, buf.buf.Bytes(), ttl)
			}

			res.Header().Set("X-Cache", "MISS")
			return buf.flushTo()
		}
	}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// computeETag returns a weak ETag from a truncated SHA-256 of the body,
// matching the digest family used for stored document content.
func computeETag(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf(`W/"%x"`, sum[:16])
}

// cacheKey builds a cache key from the HTTP method, URL, and tenant.
func cacheKey(method, url, tenant string) string {
	return method + ":" + url + ":" + tenant
}

// shouldSkip returns true if the path matches any of the excluded paths.
func shouldSkip(path string, excludes []string) bool {
	for _, ex := range excludes {
		if path == ex {
			return true
		}
	}
	return false
}

// matchesPrefix returns true if the path starts with any of the prefixes.
// An empty prefix list matches nothing.
func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// buildCacheControl constructs a Cache-Control header value from the config.
func buildCacheControl(config CacheConfig) string {
	var parts []string
	if config.NoStore {
		parts = append(parts, "no-store")
	}
	if config.Private {
		parts = append(parts, "private")
	} else {
		parts = append(parts, "public")
	}
	parts = append(parts, fmt.Sprintf("max-age=%d", config.MaxAge))
	return strings.Join(parts, ", ")
}

// etagMatch checks if the provided If-None-Match header value matches the
// given ETag. Supports comma-separated lists and the wildcard "*".
func etagMatch(headerVal, etag string) bool {
	headerVal = strings.TrimSpace(headerVal)
	if headerVal == "*" {
		return true
	}
	for _, candidate := range strings.Split(headerVal, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == etag {
			return true
		}
	}
	return false
}
