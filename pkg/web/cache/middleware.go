package cache

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// MiddlewareConfig holds configuration for the response cache middleware.
type MiddlewareConfig struct {
	// Cache is the cache backend to use.
	Cache Cache
	// TTL is the time-to-live for cached responses.
	TTL time.Duration
	// SkipPaths is a list of paths that are never cached.
	SkipPaths []string
	// CacheControl is the Cache-Control header set on cached responses.
	CacheControl string
}

// DefaultMiddlewareConfig returns a default middleware configuration.
func DefaultMiddlewareConfig(c Cache) MiddlewareConfig {
	return MiddlewareConfig{
		Cache:        c,
		TTL:          5 * time.Minute,
		CacheControl: "public, max-age=300",
	}
}

// Middleware caches successful GET responses keyed by resource type. A
// successful write against a type drops every cached response routed under
// that type. Invalidation is per type, not per relationship: a write can
// leave related documents cached under another type's routes stale until
// their TTL expires.
func Middleware(config MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resourceType := resourceTypeFromPath(r.URL.Path)
			if resourceType == "" || skipped(config.SkipPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method != http.MethodGet {
				handleWrite(config, resourceType, next, w, r)
				return
			}

			key := ResponseKey(resourceType, r)
			ctx := r.Context()

			if data, err := config.Cache.Get(ctx, key); err == nil {
				var cached cachedResponse
				if err := json.Unmarshal(data, &cached); err == nil {
					for header, values := range cached.Headers {
						for _, value := range values {
							w.Header().Add(header, value)
						}
					}
					if config.CacheControl != "" {
						w.Header().Set("Cache-Control", config.CacheControl)
					}
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(cached.StatusCode)
					w.Write(cached.Body)
					return
				}
			}

			recorder := newResponseRecorder(w)
			recorder.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= 200 && recorder.statusCode < 300 {
				cached := cachedResponse{
					StatusCode: recorder.statusCode,
					Headers:    recorder.Header().Clone(),
					Body:       recorder.body.Bytes(),
				}
				cached.Headers.Del("X-Cache")

				if data, err := json.Marshal(cached); err == nil {
					config.Cache.Set(ctx, key, data, config.TTL)
				}
			}
		})
	}
}

// handleWrite passes the request through and invalidates the type's cached
// responses when the write succeeds.
func handleWrite(config MiddlewareConfig, resourceType string, next http.Handler, w http.ResponseWriter, r *http.Request) {
	recorder := newResponseRecorder(w)
	next.ServeHTTP(recorder, r)

	if recorder.statusCode >= 200 && recorder.statusCode < 300 {
		config.Cache.DeletePrefix(r.Context(), TypePrefix(resourceType))
	}
}

// resourceTypeFromPath extracts the leading path segment, which the router
// binds to the resource type.
func resourceTypeFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

func skipped(skipPaths []string, path string) bool {
	for _, skip := range skipPaths {
		if path == skip {
			return true
		}
	}
	return false
}

// cachedResponse is the serialized form of a cached HTTP response.
type cachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
}

// responseRecorder tees a response into a buffer while writing it through.
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	body        *bytes.Buffer
	wroteHeader bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           new(bytes.Buffer),
	}
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.statusCode = statusCode
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(statusCode)
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(r.statusCode)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
