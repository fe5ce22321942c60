// Package memory provides an in-process storage adapter backed by plain
// maps. It is the reference adapter: every contract the pipeline relies on
// (scoping, filtering, search, sorting, bulk selection, relationship
// traversal) is implemented here in its simplest correct form.
package memory

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/manifold-api/manifold/pkg/engine"
)

// Store holds one table per entity. A single store is shared by every
// adapter over it so related resources can traverse each other's tables.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*table
}

// table keeps documents addressable by id while preserving insertion order.
type table struct {
	docs  map[string]*engine.Document
	order []string
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[string]*table)}
}

// tableLocked returns the entity's table, creating it on first use. The
// caller must hold the store lock.
func (s *Store) tableLocked(entity string) *table {
	t, ok := s.tables[entity]
	if !ok {
		t = &table{docs: make(map[string]*engine.Document)}
		s.tables[entity] = t
	}
	return t
}

func (t *table) insert(doc *engine.Document) {
	t.docs[doc.ID] = doc
	t.order = append(t.order, doc.ID)
}

func (t *table) remove(id string) {
	delete(t.docs, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Adapter implements engine.Adapter over a shared Store.
type Adapter struct {
	store *Store

	// IDFunc generates ids for created documents. Defaults to random UUIDs.
	IDFunc func() string
}

// New builds an adapter over the store.
func New(store *Store) *Adapter {
	return &Adapter{store: store, IDFunc: uuid.NewString}
}

// query is the adapter's immutable query value. Every Apply method returns
// a modified copy, so partially-built queries can be reused safely.
type query struct {
	res     *engine.Resource
	filters map[string]interface{}
	search  string
	sorts   []engine.Sort
	ids     []string
	byIDs   bool
}

func (q query) withFilters(filters map[string]interface{}) query {
	if len(filters) == 0 {
		return q
	}
	merged := make(map[string]interface{}, len(q.filters)+len(filters))
	for k, v := range q.filters {
		merged[k] = v
	}
	for k, v := range filters {
		merged[k] = v
	}
	q.filters = merged
	return q
}

// Query returns an empty unscoped query.
func (a *Adapter) Query() engine.Query { return query{} }

// ApplyScope binds the query to a resource.
func (a *Adapter) ApplyScope(q engine.Query, res *engine.Resource) engine.Query {
	mq := q.(query)
	mq.res = res
	return mq
}

// ApplyFilters adds attribute equality conditions.
func (a *Adapter) ApplyFilters(q engine.Query, filters map[string]interface{}) engine.Query {
	return q.(query).withFilters(filters)
}

// ApplySearch adds a case-insensitive substring condition over the
// resource's searchable string attributes.
func (a *Adapter) ApplySearch(q engine.Query, term string) engine.Query {
	mq := q.(query)
	mq.search = term
	return mq
}

// ApplySorts sets the result ordering.
func (a *Adapter) ApplySorts(q engine.Query, sorts []engine.Sort) engine.Query {
	mq := q.(query)
	mq.sorts = sorts
	return mq
}

// ApplyBulkSelector restricts the query to explicit ids or to the
// selector's filter expression.
func (a *Adapter) ApplyBulkSelector(q engine.Query, sel engine.BulkSelector) (engine.Query, error) {
	mq := q.(query)
	if sel.IDs != nil {
		mq.ids = append([]string(nil), sel.IDs...)
		mq.byIDs = true
		return mq, nil
	}
	return mq.withFilters(sel.Filters), nil
}

// Count returns the number of documents matching the query.
func (a *Adapter) Count(ctx context.Context, q engine.Query) (int64, error) {
	mq := q.(query)
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	return int64(len(a.collectLocked(mq))), nil
}

// Find returns the matching page of documents in query order.
func (a *Adapter) Find(ctx context.Context, q engine.Query, page engine.Page, opts engine.FindOptions) (*engine.Pack, error) {
	mq := q.(query)

	a.store.mu.RLock()
	docs := a.collectLocked(mq)
	a.store.mu.RUnlock()

	sortDocs(docs, mq.sorts)

	start := page.Offset
	if start > len(docs) {
		start = len(docs)
	}
	end := len(docs)
	if page.Limit > 0 && start+page.Limit < end {
		end = start + page.Limit
	}

	coll := engine.NewCollection()
	for _, doc := range docs[start:end] {
		coll.Add(render(doc, mq.res, opts.Detail))
	}
	return engine.NewPack(coll), nil
}

// Get returns the single document the locator addresses.
func (a *Adapter) Get(ctx context.Context, q engine.Query, loc engine.Locator, opts engine.FindOptions) (*engine.Pack, error) {
	mq := q.(query)

	a.store.mu.RLock()
	defer a.store.mu.RUnlock()

	doc, err := a.getLocked(mq.res, loc)
	if err != nil {
		return nil, err
	}
	return engine.NewPack(render(clone(doc), mq.res, opts.Detail)), nil
}

// Create stores a new document. Missing ids are generated; relationships
// the resource defines but the document omits are initialized empty, so a
// freshly created document always carries its full relationship shape.
func (a *Adapter) Create(ctx context.Context, q engine.Query, doc *engine.Document, opts engine.FindOptions) (*engine.Pack, error) {
	mq := q.(query)
	res := mq.res

	stored := clone(doc)
	stored.Type = res.Type()
	if stored.ID == "" {
		stored.ID = a.nextID()
	}
	for name, def := range res.Config().Relationships {
		if _, ok := stored.Relationships[name]; ok {
			continue
		}
		if def.ToMany {
			stored.Relationships[name] = engine.ToManyOf()
		} else {
			stored.Relationships[name] = engine.ToOne(nil)
		}
	}

	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	tbl := a.store.tableLocked(res.Entity())
	if _, exists := tbl.docs[stored.ID]; exists {
		return nil, engine.Conflict("document %q already exists in %q", stored.ID, res.Entity())
	}
	tbl.insert(stored)

	return engine.NewPack(render(clone(stored), res, opts.Detail)), nil
}

// Update merges the document's attributes and relationships into the stored
// document. Fields absent from the update are left untouched.
func (a *Adapter) Update(ctx context.Context, q engine.Query, doc *engine.Document, opts engine.FindOptions) (*engine.Pack, error) {
	mq := q.(query)
	res := mq.res

	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	tbl := a.store.tableLocked(res.Entity())
	existing, ok := tbl.docs[doc.ID]
	if !ok {
		return nil, engine.NotFound("document %q not found in %q", doc.ID, res.Entity())
	}

	merged := clone(existing)
	incoming := clone(doc)
	for name, value := range incoming.Attributes {
		merged.Attributes[name] = value
	}
	for name, rel := range incoming.Relationships {
		merged.Relationships[name] = rel
	}
	tbl.docs[doc.ID] = merged

	return engine.NewPack(render(clone(merged), res, opts.Detail)), nil
}

// Delete removes every document the query's selector addresses and returns
// how many existed. Ids that match nothing are skipped, not an error.
func (a *Adapter) Delete(ctx context.Context, q engine.Query) (int64, error) {
	mq := q.(query)
	if !mq.byIDs && len(mq.filters) == 0 {
		return 0, engine.BadRequest("delete requires a selector")
	}

	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	var count int64
	tbl := a.store.tableLocked(mq.res.Entity())
	for _, doc := range a.collectIDsLocked(mq) {
		tbl.remove(doc)
		count++
	}
	return count, nil
}

// RelatedQuery restricts the related resource's query to the ids linked by
// the owner document's relationship, preserving linkage order.
func (a *Adapter) RelatedQuery(ctx context.Context, q engine.Query, owner *engine.Resource, ownerLoc engine.Locator, relName string, related *engine.Resource) (engine.Query, error) {
	mq := q.(query)

	a.store.mu.RLock()
	defer a.store.mu.RUnlock()

	ownerDoc, err := a.getLocked(owner, ownerLoc)
	if err != nil {
		return nil, err
	}
	rel := ownerDoc.Relationships[relName]
	ids := make([]string, 0, len(rel.Linkages()))
	for _, l := range rel.Linkages() {
		ids = append(ids, l.ID)
	}
	mq.ids = ids
	mq.byIDs = true
	return mq, nil
}

// GetRelated resolves a singular relationship to its target document, or to
// a null pack when the linkage is empty.
func (a *Adapter) GetRelated(ctx context.Context, q engine.Query, owner *engine.Resource, ownerLoc engine.Locator, relName string, related *engine.Resource, opts engine.FindOptions) (*engine.Pack, error) {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()

	ownerDoc, err := a.getLocked(owner, ownerLoc)
	if err != nil {
		return nil, err
	}
	rel := ownerDoc.Relationships[relName]
	if rel.One == nil {
		return engine.NewPack(nil), nil
	}

	target, err := a.getLocked(related, engine.Locator{ID: rel.One.ID})
	if err != nil {
		return nil, err
	}
	return engine.NewPack(render(clone(target), related, opts.Detail)), nil
}

func (a *Adapter) nextID() string {
	if a.IDFunc != nil {
		return a.IDFunc()
	}
	return uuid.NewString()
}

// getLocked resolves a locator against the resource's table. Singletons are
// stored under their singleton name when they carry no explicit id.
func (a *Adapter) getLocked(res *engine.Resource, loc engine.Locator) (*engine.Document, error) {
	key := loc.ID
	if key == "" {
		key = loc.Singleton
	}
	tbl, ok := a.store.tables[res.Entity()]
	if !ok {
		return nil, engine.NotFound("document %q not found in %q", key, res.Entity())
	}
	doc, ok := tbl.docs[key]
	if !ok {
		return nil, engine.NotFound("document %q not found in %q", key, res.Entity())
	}
	return doc, nil
}

// collectLocked returns clones of every matching document: in id order when
// the query is id-restricted, in insertion order otherwise.
func (a *Adapter) collectLocked(mq query) []*engine.Document {
	tbl, ok := a.store.tables[mq.res.Entity()]
	if !ok {
		return nil
	}
	var out []*engine.Document
	for _, id := range a.collectIDsLocked(mq) {
		out = append(out, clone(tbl.docs[id]))
	}
	return out
}

func (a *Adapter) collectIDsLocked(mq query) []string {
	tbl, ok := a.store.tables[mq.res.Entity()]
	if !ok {
		return nil
	}
	candidates := tbl.order
	if mq.byIDs {
		candidates = mq.ids
	}
	var out []string
	for _, id := range candidates {
		doc, ok := tbl.docs[id]
		if !ok {
			continue
		}
		if !matches(doc, mq) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func matches(doc *engine.Document, mq query) bool {
	for name, want := range mq.filters {
		if !equalValues(doc.Attributes[name], want) {
			return false
		}
	}
	if mq.search != "" && !matchesSearch(doc, mq.res, mq.search) {
		return false
	}
	return true
}

func matchesSearch(doc *engine.Document, res *engine.Resource, term string) bool {
	term = strings.ToLower(term)
	for name, attr := range res.Config().Attributes {
		if !attr.Searchable {
			continue
		}
		if s, ok := doc.Attributes[name].(string); ok && strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

// equalValues compares with numeric normalization: JSON decoding produces
// float64 while callers may store ints.
func equalValues(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// sortDocs orders documents by the sort fields, comparing later fields only
// on ties. The sort is stable so unsorted input order is preserved.
func sortDocs(docs []*engine.Document, sorts []engine.Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range sorts {
			c := compareValues(docs[i].Attributes[s.Field], docs[j].Attributes[s.Field])
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareValues orders nil before everything, then numbers, strings and
// bools by their natural order. Incomparable values tie.
func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			default:
				return 1
			}
		}
	}
	return 0
}

// render prepares a document for a response, dropping detail-only fields
// from summary views. The input must already be a private clone.
func render(doc *engine.Document, res *engine.Resource, detail bool) *engine.Document {
	if detail {
		return doc
	}
	for name := range doc.Attributes {
		if attr, ok := res.Attribute(name); ok && attr.DetailOnly {
			delete(doc.Attributes, name)
		}
	}
	for name := range doc.Relationships {
		if def, ok := res.RelationshipDef(name); ok && def.DetailOnly {
			delete(doc.Relationships, name)
		}
	}
	return doc
}

// clone deep-copies a document so stored state never aliases caller state.
func clone(doc *engine.Document) *engine.Document {
	out := engine.NewDocument(doc.Type, doc.ID, doc.Attributes)
	for name, rel := range doc.Relationships {
		out.Relationships[name] = cloneRelationship(rel)
	}
	if len(doc.Links) > 0 {
		out.Links = make(map[string]string, len(doc.Links))
		for k, v := range doc.Links {
			out.Links[k] = v
		}
	}
	if len(doc.Meta) > 0 {
		out.Meta = engine.CopyMap(doc.Meta)
	}
	return out
}

func cloneRelationship(rel engine.Relationship) engine.Relationship {
	out := rel
	if rel.One != nil {
		l := *rel.One
		out.One = &l
	}
	if rel.Many != nil {
		out.Many = append([]engine.Linkage(nil), rel.Many...)
	}
	if rel.Links != nil {
		out.Links = make(map[string]string, len(rel.Links))
		for k, v := range rel.Links {
			out.Links[k] = v
		}
	}
	if rel.Meta != nil {
		out.Meta = engine.CopyMap(rel.Meta)
	}
	return out
}
