package engine

import "context"

// Attribute configures one attribute of a resource type.
type Attribute struct {
	// DetailOnly attributes are omitted from summary (list) responses.
	DetailOnly bool
	// Searchable attributes participate in adapter-side search.
	Searchable bool
}

// RelationshipDef configures one relationship of a resource type. Plurality
// is strictly static configuration, never inferred from payload shape.
type RelationshipDef struct {
	// RelatedType names the target resource type. Empty for polymorphic
	// relationships, whose target cannot be determined statically.
	RelatedType string
	ToMany      bool
	Polymorphic bool
	DetailOnly  bool
	// ForeignKey names the column/field that carries the linkage in SQL-style
	// adapters. Adapters that do not need it ignore it.
	ForeignKey string
}

// BeforeHook runs before the action executes and may abort the pipeline.
type BeforeHook func(ctx context.Context, res *Resource, rc *RequestContext) error

// AfterHook runs after the action produced a pack and may fail the request.
type AfterHook func(ctx context.Context, res *Resource, rc *RequestContext, pack *Pack) error

// ActionHandler implements a custom collection or document action. The
// payload is the deserialized request pack, or a pack wrapping the opaque
// request JSON when the body is not a plausible pack, or nil when the action
// opted out of deserialization.
type ActionHandler func(ctx context.Context, res *Resource, rc *RequestContext, payload *Pack) (*Pack, error)

// CustomAction describes a named non-CRUD action.
type CustomAction struct {
	Handler ActionHandler
	// NoDeserialize skips request-pack deserialization; the handler receives
	// a pack wrapping the raw decoded JSON body instead.
	NoDeserialize bool
	// Write marks the action as a mutation, subjecting it to the read-only
	// check.
	Write bool
}

// Config is the per-type resource configuration.
type Config struct {
	// Type is the resource's wire type name.
	Type string
	// Entity names the backing storage entity. Defaults to Type.
	Entity string
	// Auxiliary resources do not claim their entity for ResourceForEntity.
	Auxiliary bool

	Attributes    map[string]Attribute
	Relationships map[string]RelationshipDef

	// Strict resources reject attribute/relationship names outside their
	// configured capability set during deserialization.
	Strict bool
	// ReadOnly resources reject all write actions.
	ReadOnly bool
	// TrackTotals makes list actions re-count matches when a search term is
	// present; otherwise meta.searchTotal mirrors meta.total.
	TrackTotals bool

	// Labels are named route-level filter sets applied to list queries.
	Labels map[string]map[string]interface{}
	// Singletons map well-known names to fixed locators, letting a route like
	// /settings/current address one document without an id.
	Singletons map[string]Locator

	// DefaultLimit caps list pages when the request gives no limit. Zero
	// leaves pages unbounded.
	DefaultLimit int

	BeforeHooks []BeforeHook
	AfterHooks  []AfterHook

	CollectionActions map[string]CustomAction
	DocumentActions   map[string]CustomAction
}

// Resource is a registered resource definition: configuration plus the
// adapter that executes its storage operations. Resources are shared by
// every document of their type and must be treated as read-only after boot.
type Resource struct {
	config   Config
	adapter  Adapter
	registry *Registry
}

// Type returns the resource's wire type name.
func (r *Resource) Type() string { return r.config.Type }

// Entity returns the backing entity name.
func (r *Resource) Entity() string { return r.config.Entity }

// Config returns a copy of the resource configuration.
func (r *Resource) Config() Config { return r.config }

// Adapter returns the storage adapter, or nil when none is wired.
func (r *Resource) Adapter() Adapter { return r.adapter }

// Registry returns the registry the resource was registered with.
func (r *Resource) Registry() *Registry { return r.registry }

// ReadOnly reports whether write actions are rejected for this resource.
func (r *Resource) ReadOnly() bool { return r.config.ReadOnly }

// Strict reports whether field names are checked against the capability set.
func (r *Resource) Strict() bool { return r.config.Strict }

// Attribute looks up an attribute definition by name.
func (r *Resource) Attribute(name string) (Attribute, bool) {
	a, ok := r.config.Attributes[name]
	return a, ok
}

// RelationshipDef looks up a relationship definition by name.
func (r *Resource) RelationshipDef(name string) (RelationshipDef, bool) {
	d, ok := r.config.Relationships[name]
	return d, ok
}

// Query builds a fresh scoped query on the resource's adapter.
func (r *Resource) Query() Query {
	return r.adapter.ApplyScope(r.adapter.Query(), r)
}

// Locator is the identifying information used to address one document:
// either an id or a configured singleton name.
type Locator struct {
	ID        string
	Singleton string
}

// IsZero reports whether the locator addresses nothing.
func (l Locator) IsZero() bool { return l.ID == "" && l.Singleton == "" }

// ExtractResourceLocator derives a locator from the request context's "id"
// parameter. An id matching a configured singleton name resolves to that
// singleton's locator.
func (r *Resource) ExtractResourceLocator(rc *RequestContext) (Locator, error) {
	id, err := rc.OptionalString("id")
	if err != nil {
		return Locator{}, err
	}
	if id == "" {
		return Locator{}, BadRequest("resource %q requires an id", r.Type())
	}
	if loc, ok := r.config.Singletons[id]; ok {
		return loc, nil
	}
	return Locator{ID: id}, nil
}

// HasLocator reports whether the context carries an id parameter, without
// failing when it is absent.
func (r *Resource) HasLocator(rc *RequestContext) bool {
	id, err := rc.OptionalString("id")
	return err == nil && id != ""
}

// ExtractListParams normalizes label, filters, search, sorts and pagination
// from the request context. Pagination defaults to offset 0 and an unbounded
// limit; an unknown label fails with 404.
func (r *Resource) ExtractListParams(rc *RequestContext) (ListParams, error) {
	lp := ListParams{}

	label, err := rc.OptionalString("label")
	if err != nil {
		return lp, err
	}
	if label != "" {
		if _, ok := r.config.Labels[label]; !ok {
			return lp, NotFound("label %q not found on resource %q", label, r.Type())
		}
		lp.Label = label
	}

	filters, err := rc.MapParam("filter")
	if err != nil {
		return lp, err
	}
	lp.Filters = filters

	lp.Search, err = rc.OptionalString("search")
	if err != nil {
		return lp, err
	}

	sortRaw, err := rc.OptionalString("sort")
	if err != nil {
		return lp, err
	}
	lp.Sorts = ParseSorts(sortRaw)

	page, err := rc.MapParam("page")
	if err != nil {
		return lp, err
	}
	if raw, ok := page["offset"]; ok {
		lp.Page.Offset, err = coerceInt("page[offset]", raw)
		if err != nil {
			return lp, err
		}
	}
	if raw, ok := page["limit"]; ok {
		lp.Page.Limit, err = coerceInt("page[limit]", raw)
		if err != nil {
			return lp, err
		}
	}
	if lp.Page.Offset < 0 || lp.Page.Limit < 0 {
		return lp, BadRequest("pagination parameters must not be negative")
	}
	if lp.Page.Limit == 0 {
		lp.Page.Limit = r.config.DefaultLimit
	}
	return lp, nil
}

// BulkSelector describes a set of target documents for a multi-entity
// delete: by explicit IDs or by a filter expression. Exactly one of the two
// is populated.
type BulkSelector struct {
	IDs     []string
	Filters map[string]interface{}
}

// ExtractBulkSelector derives a selector from a request pack. A collection
// of linkages selects by ID (linkage types must match the resource, 409
// otherwise); a null-data pack with a "filter" object in meta selects by
// filter expression. Anything else is a 400.
func (r *Resource) ExtractBulkSelector(pack *Pack) (BulkSelector, error) {
	if pack == nil {
		return BulkSelector{}, BadRequest("bulk delete requires a selector")
	}

	if c := pack.Collection(); c != nil {
		if c.Len() == 0 {
			return BulkSelector{}, BadRequest("bulk delete selector is empty")
		}
		sel := BulkSelector{IDs: make([]string, 0, c.Len())}
		for _, doc := range c.Documents() {
			linkage, err := doc.ToLinkage()
			if err != nil {
				return BulkSelector{}, err
			}
			if linkage.Type != r.Type() {
				return BulkSelector{}, Conflict("selector linkage type %q does not match resource %q", linkage.Type, r.Type())
			}
			sel.IDs = append(sel.IDs, linkage.ID)
		}
		return sel, nil
	}

	if doc := pack.Document(); doc != nil {
		linkage, err := doc.ToLinkage()
		if err != nil {
			return BulkSelector{}, err
		}
		if linkage.Type != r.Type() {
			return BulkSelector{}, Conflict("selector linkage type %q does not match resource %q", linkage.Type, r.Type())
		}
		return BulkSelector{IDs: []string{linkage.ID}}, nil
	}

	if rawFilter, ok := pack.Meta["filter"]; ok {
		filters, ok := rawFilter.(map[string]interface{})
		if !ok {
			return BulkSelector{}, BadRequest("bulk delete filter must be an object")
		}
		if len(filters) == 0 {
			return BulkSelector{}, BadRequest("bulk delete selector is empty")
		}
		return BulkSelector{Filters: filters}, nil
	}

	return BulkSelector{}, BadRequest("bulk delete requires linkages or a filter selector")
}

func (r *Resource) runBeforeHooks(ctx context.Context, rc *RequestContext) error {
	for _, hook := range r.config.BeforeHooks {
		if err := hook(ctx, r, rc); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resource) runAfterHooks(ctx context.Context, rc *RequestContext, pack *Pack) error {
	for _, hook := range r.config.AfterHooks {
		if err := hook(ctx, r, rc, pack); err != nil {
			return err
		}
	}
	return nil
}
