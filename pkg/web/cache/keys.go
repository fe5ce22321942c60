package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ResponseKey builds the cache key for a GET response. The resource type
// stays a plain key segment so a whole type can be invalidated by prefix;
// the rest of the request is hashed.
func ResponseKey(resourceType string, r *http.Request) string {
	return TypePrefix(resourceType) + requestHash(r)
}

// TypePrefix returns the key prefix shared by every cached response for the
// given resource type.
func TypePrefix(resourceType string) string {
	return "resp:" + resourceType + ":"
}

// requestHash condenses the request identity into a short hex digest. Query
// parameters are sorted so equivalent URLs produce the same key, and the
// Accept header participates so differently negotiated responses never
// collide.
func requestHash(r *http.Request) string {
	parts := []string{r.Method, r.URL.Path}

	if r.URL.RawQuery != "" {
		query := r.URL.Query()
		var queryParts []string
		for key, values := range query {
			sort.Strings(values)
			for _, value := range values {
				queryParts = append(queryParts, fmt.Sprintf("%s=%s", key, value))
			}
		}
		sort.Strings(queryParts)
		parts = append(parts, strings.Join(queryParts, "&"))
	}

	if accept := r.Header.Get("Accept"); accept != "" {
		parts = append(parts, accept)
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(hash[:16])
}
