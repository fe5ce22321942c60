package engine

import "strings"

// Sort is one field of a sort order. Field order in a sort string is the
// applied sort precedence.
type Sort struct {
	Field string
	Desc  bool
}

// Page is an offset/limit window. A zero Limit means unbounded, which is the
// default when no pagination parameters are given.
type Page struct {
	Offset int
	Limit  int
}

// ListParams is the normalized query a list-style action builds from the
// request context before handing it to the adapter.
type ListParams struct {
	Label   string
	Filters map[string]interface{}
	Search  string
	Sorts   []Sort
	Page    Page
}

// ParseSorts parses a comma-separated sort string. A leading '-' marks a
// field descending. Later occurrences of a field never override earlier
// ones.
func ParseSorts(raw string) []Sort {
	if raw == "" {
		return nil
	}

	seen := make(map[string]bool)
	var sorts []Sort
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		desc := strings.HasPrefix(part, "-")
		field := strings.TrimPrefix(part, "-")
		if field == "" || seen[field] {
			continue
		}
		seen[field] = true
		sorts = append(sorts, Sort{Field: field, Desc: desc})
	}
	return sorts
}
