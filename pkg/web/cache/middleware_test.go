package cache

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingHandler serves a body that changes on every request so cache hits
// are observable.
func countingHandler(status int) (http.Handler, *int) {
	hits := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/vnd.api+json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"meta":{"serial":%d}}`, hits)
	}), &hits
}

func newCachedServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	mc := NewMemoryCache()
	t.Cleanup(func() { mc.Close() })

	wrapped := Middleware(DefaultMiddlewareConfig(mc))(handler)
	srv := httptest.NewServer(wrapped)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestMiddlewareCachesGET(t *testing.T) {
	handler, hits := countingHandler(http.StatusOK)
	srv := newCachedServer(t, handler)

	first := get(t, srv.URL+"/parents")
	assert.Equal(t, "MISS", first.Header.Get("X-Cache"))

	second := get(t, srv.URL+"/parents")
	assert.Equal(t, "HIT", second.Header.Get("X-Cache"))
	assert.Equal(t, "application/vnd.api+json", second.Header.Get("Content-Type"))

	assert.Equal(t, 1, *hits)
}

func TestMiddlewareDifferentQueriesCacheSeparately(t *testing.T) {
	handler, hits := countingHandler(http.StatusOK)
	srv := newCachedServer(t, handler)

	get(t, srv.URL+"/parents?sort=name")
	get(t, srv.URL+"/parents?sort=-name")

	assert.Equal(t, 2, *hits)
}

func TestMiddlewareDoesNotCacheErrors(t *testing.T) {
	handler, hits := countingHandler(http.StatusNotFound)
	srv := newCachedServer(t, handler)

	get(t, srv.URL+"/parents/ghost")
	get(t, srv.URL+"/parents/ghost")

	assert.Equal(t, 2, *hits)
}

func TestMiddlewareWriteInvalidatesType(t *testing.T) {
	handler, hits := countingHandler(http.StatusOK)
	srv := newCachedServer(t, handler)

	get(t, srv.URL+"/parents")
	require.Equal(t, 1, *hits)

	resp, err := http.Post(srv.URL+"/parents", "application/vnd.api+json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	after := get(t, srv.URL+"/parents")
	assert.Equal(t, "MISS", after.Header.Get("X-Cache"))
	assert.Equal(t, 3, *hits)
}

func TestMiddlewareWriteToOtherTypeKeepsCache(t *testing.T) {
	handler, hits := countingHandler(http.StatusOK)
	srv := newCachedServer(t, handler)

	get(t, srv.URL+"/parents")

	resp, err := http.Post(srv.URL+"/children", "application/vnd.api+json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	after := get(t, srv.URL+"/parents")
	assert.Equal(t, "HIT", after.Header.Get("X-Cache"))
	assert.Equal(t, 2, *hits)
}

func TestMiddlewareFailedWriteKeepsCache(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()

	okOnGet := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusConflict)
	})

	srv := httptest.NewServer(Middleware(DefaultMiddlewareConfig(mc))(okOnGet))
	defer srv.Close()

	get(t, srv.URL+"/parents")

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/parents/alice", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	after := get(t, srv.URL+"/parents")
	assert.Equal(t, "HIT", after.Header.Get("X-Cache"))
}

func TestMiddlewareSkipPaths(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()

	handler, hits := countingHandler(http.StatusOK)
	config := DefaultMiddlewareConfig(mc)
	config.SkipPaths = []string{"/parents"}

	srv := httptest.NewServer(Middleware(config)(handler))
	defer srv.Close()

	get(t, srv.URL+"/parents")
	get(t, srv.URL+"/parents")

	assert.Equal(t, 2, *hits)
}

func TestMiddlewareHonorsTTL(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()

	handler, hits := countingHandler(http.StatusOK)
	config := DefaultMiddlewareConfig(mc)
	config.TTL = time.Nanosecond

	srv := httptest.NewServer(Middleware(config)(handler))
	defer srv.Close()

	get(t, srv.URL+"/parents")
	time.Sleep(5 * time.Millisecond)
	get(t, srv.URL+"/parents")

	assert.Equal(t, 2, *hits)
}
