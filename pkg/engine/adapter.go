package engine

import "context"

// Query is an adapter-owned query value. The engine threads it through the
// Apply* methods without inspecting it; each adapter defines its own
// concrete representation.
type Query interface{}

// FindOptions tune how an adapter materializes documents.
type FindOptions struct {
	// Detail selects the full field set; summary responses omit detail-only
	// fields.
	Detail bool
}

// Adapter is the storage-facing collaborator. It executes queries and
// mutations against a backing store and returns results in the engine's data
// model. Adapters own consistency guarantees at the storage layer; the
// engine makes no promise about partial side effects when a context is
// cancelled mid-call.
type Adapter interface {
	// Query returns a fresh, unscoped query.
	Query() Query
	// ApplyScope narrows a query to the given resource's entity.
	ApplyScope(q Query, res *Resource) Query
	// ApplyFilters narrows a query by attribute equality.
	ApplyFilters(q Query, filters map[string]interface{}) Query
	// ApplySearch narrows a query by a free-text search term.
	ApplySearch(q Query, term string) Query
	// ApplySorts orders a query; earlier sorts take precedence.
	ApplySorts(q Query, sorts []Sort) Query
	// ApplyBulkSelector narrows a query to a bulk-delete selector.
	ApplyBulkSelector(q Query, sel BulkSelector) (Query, error)

	// Count returns the number of entities matching the query.
	Count(ctx context.Context, q Query) (int64, error)
	// Find returns a page of matching documents as a collection pack.
	Find(ctx context.Context, q Query, page Page, opts FindOptions) (*Pack, error)
	// Get returns the single document addressed by the locator.
	Get(ctx context.Context, q Query, loc Locator, opts FindOptions) (*Pack, error)
	// Create persists a new document and returns it with its assigned id.
	Create(ctx context.Context, q Query, doc *Document, opts FindOptions) (*Pack, error)
	// Update merges the document's attributes/relationships into the stored
	// entity and returns the merged result.
	Update(ctx context.Context, q Query, doc *Document, opts FindOptions) (*Pack, error)
	// Delete removes everything matching the query and reports the count.
	Delete(ctx context.Context, q Query) (int64, error)

	// RelatedQuery builds a query over the related resource's entities that
	// are linked from the owner document through the named relationship.
	RelatedQuery(ctx context.Context, q Query, owner *Resource, ownerLoc Locator, relName string, related *Resource) (Query, error)
	// GetRelated resolves a singular relationship to its document pack, with
	// null data when the linkage is empty.
	GetRelated(ctx context.Context, q Query, owner *Resource, ownerLoc Locator, relName string, related *Resource, opts FindOptions) (*Pack, error)
}
