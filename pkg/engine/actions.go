package engine

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// JSONAPIMediaType is the official JSON:API media type.
const JSONAPIMediaType = "application/vnd.api+json"

// Action names a pipeline operation. The built-in set is closed; anything
// else is looked up in the resource's custom action registry.
type Action string

const (
	ActionList        Action = "list"
	ActionShow        Action = "show"
	ActionCreate      Action = "create"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionListRelated Action = "listRelated"
	ActionShowRelated Action = "showRelated"
)

// builtin reports whether the action is part of the closed built-in set.
func (a Action) builtin() bool {
	switch a {
	case ActionList, ActionShow, ActionCreate, ActionUpdate, ActionDelete,
		ActionListRelated, ActionShowRelated:
		return true
	}
	return false
}

// write reports whether a built-in action mutates storage.
func (a Action) write() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// RequestInfo is the transport-level view of one request that the pre-action
// gate validates: method, negotiated media types, and the raw body.
type RequestInfo struct {
	Method      string
	ContentType string
	Accept      string
	Body        []byte
}

// HasBody reports whether the request carries a non-empty body.
func (r RequestInfo) HasBody() bool { return len(r.Body) > 0 }

// Options configure a pipeline.
type Options struct {
	// Negotiate enables Accept/Content-Type enforcement (406/415).
	Negotiate bool
	// Development attaches diagnostic detail to internal errors.
	Development bool
}

// Pipeline executes actions against resources. It is safe for concurrent use
// across requests; all per-request state lives in the RequestContext.
type Pipeline struct {
	registry *Registry
	logger   *zap.Logger
	opts     Options
}

// NewPipeline builds a pipeline over a registry. A nil logger disables
// logging.
func NewPipeline(registry *Registry, logger *zap.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{registry: registry, logger: logger, opts: opts}
}

// Registry returns the pipeline's resource registry.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Dispatch runs the pre-action gate and then the action named by the
// request context. Failures are always a structured *Error; a failed
// adapter call never produces a pack.
func (p *Pipeline) Dispatch(ctx context.Context, res *Resource, rc *RequestContext, req RequestInfo) (*Pack, error) {
	action := Action(rc.Action)

	custom, isCustom := p.lookupCustomAction(res, rc)
	if !action.builtin() && !isCustom {
		return nil, NotFound("action %q not found on resource %q", rc.Action, res.Type())
	}

	if err := p.gate(ctx, res, rc, req, action, custom, isCustom); err != nil {
		return nil, err
	}

	var pack *Pack
	var err error
	switch action {
	case ActionList:
		pack, err = p.list(ctx, res, rc)
	case ActionShow:
		pack, err = p.show(ctx, res, rc)
	case ActionCreate:
		pack, err = p.create(ctx, res, rc, req)
	case ActionUpdate:
		pack, err = p.update(ctx, res, rc, req)
	case ActionDelete:
		pack, err = p.delete(ctx, res, rc, req)
	case ActionListRelated:
		pack, err = p.listRelated(ctx, res, rc)
	case ActionShowRelated:
		pack, err = p.showRelated(ctx, res, rc)
	default:
		pack, err = p.customAction(ctx, res, rc, req, custom)
	}
	if err != nil {
		apiErr := AsError(err)
		if apiErr.Status >= http.StatusInternalServerError {
			p.logger.Error("action failed",
				zap.String("action", rc.Action),
				zap.String("resource", res.Type()),
				zap.Error(err))
		}
		return nil, apiErr
	}

	if err := res.runAfterHooks(ctx, rc, pack); err != nil {
		return nil, AsError(err)
	}
	return pack, nil
}

// gate runs the fixed pre-action checks, in order: method, body presence,
// read-only, content negotiation, before hooks.
func (p *Pipeline) gate(ctx context.Context, res *Resource, rc *RequestContext, req RequestInfo, action Action, custom CustomAction, isCustom bool) error {
	switch req.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return MethodNotAllowed("method %q is not supported", req.Method)
	}

	needsBody := false
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		needsBody = true
	case http.MethodDelete:
		// A DELETE without a single resource id implies a bulk selector.
		needsBody = !res.HasLocator(rc)
	}
	if needsBody && !req.HasBody() {
		return BadRequest("action %q requires a request body", rc.Action)
	}
	if !needsBody && req.HasBody() {
		return BadRequest("action %q does not accept a request body", rc.Action)
	}

	isWrite := action.write() || (isCustom && custom.Write)
	if isWrite && res.ReadOnly() {
		return Forbidden("resource %q is read-only", res.Type())
	}

	if p.opts.Negotiate {
		if err := validateAccept(req.Accept); err != nil {
			return err
		}
		if req.HasBody() {
			if err := validateContentType(req.ContentType); err != nil {
				return err
			}
		}
	}

	return res.runBeforeHooks(ctx, rc)
}

// lookupCustomAction resolves a non-built-in action name. Document actions
// take precedence when the request addresses a single document.
func (p *Pipeline) lookupCustomAction(res *Resource, rc *RequestContext) (CustomAction, bool) {
	if Action(rc.Action).builtin() {
		return CustomAction{}, false
	}
	if res.HasLocator(rc) {
		if ca, ok := res.config.DocumentActions[rc.Action]; ok {
			return ca, true
		}
	}
	ca, ok := res.config.CollectionActions[rc.Action]
	return ca, ok
}

func (p *Pipeline) list(ctx context.Context, res *Resource, rc *RequestContext) (*Pack, error) {
	ad := res.Adapter()
	if ad == nil {
		return nil, MethodNotAllowed("resource %q does not support list", res.Type())
	}
	return p.listWithBase(ctx, res, rc, ad, res.Query())
}

// listWithBase runs list semantics over a pre-scoped base query. It is
// shared by list and by plural relationship traversal. meta.total always
// reflects the count before client filters; meta.searchTotal is re-counted
// under filters+search only when a search term is present and the resource
// tracks totals, and mirrors total otherwise.
func (p *Pipeline) listWithBase(ctx context.Context, res *Resource, rc *RequestContext, ad Adapter, base Query) (*Pack, error) {
	lp, err := res.ExtractListParams(rc)
	if err != nil {
		return nil, err
	}
	if lp.Label != "" {
		base = ad.ApplyFilters(base, res.config.Labels[lp.Label])
	}

	total, err := ad.Count(ctx, base)
	if err != nil {
		return nil, AsError(err)
	}

	q := ad.ApplyFilters(base, lp.Filters)
	searchTotal := total
	if lp.Search != "" {
		q = ad.ApplySearch(q, lp.Search)
		if res.config.TrackTotals {
			searchTotal, err = ad.Count(ctx, q)
			if err != nil {
				return nil, AsError(err)
			}
		}
	}
	q = ad.ApplySorts(q, lp.Sorts)

	pack, err := ad.Find(ctx, q, lp.Page, FindOptions{Detail: false})
	if err != nil {
		return nil, AsError(err)
	}
	if pack.Meta == nil {
		pack.Meta = make(map[string]interface{})
	}
	pack.Meta["total"] = total
	pack.Meta["searchTotal"] = searchTotal
	return pack, nil
}

func (p *Pipeline) show(ctx context.Context, res *Resource, rc *RequestContext) (*Pack, error) {
	ad := res.Adapter()
	if ad == nil {
		return nil, MethodNotAllowed("resource %q does not support show", res.Type())
	}
	loc, err := res.ExtractResourceLocator(rc)
	if err != nil {
		return nil, err
	}
	pack, err := ad.Get(ctx, res.Query(), loc, FindOptions{Detail: true})
	if err != nil {
		return nil, AsError(err)
	}
	return pack, nil
}

func (p *Pipeline) create(ctx context.Context, res *Resource, rc *RequestContext, req RequestInfo) (*Pack, error) {
	ad := res.Adapter()
	if ad == nil {
		return nil, MethodNotAllowed("resource %q does not support create", res.Type())
	}
	doc, err := p.singleDocumentBody(req, res)
	if err != nil {
		return nil, err
	}
	if doc.ID != "" {
		return nil, Forbidden("create does not accept a client-generated id")
	}
	if doc.Type != res.Type() {
		return nil, Conflict("document type %q does not match resource %q", doc.Type, res.Type())
	}
	pack, err := ad.Create(ctx, res.Query(), doc, FindOptions{Detail: true})
	if err != nil {
		return nil, AsError(err)
	}
	return pack, nil
}

func (p *Pipeline) update(ctx context.Context, res *Resource, rc *RequestContext, req RequestInfo) (*Pack, error) {
	ad := res.Adapter()
	if ad == nil {
		return nil, MethodNotAllowed("resource %q does not support update", res.Type())
	}
	loc, err := res.ExtractResourceLocator(rc)
	if err != nil {
		return nil, err
	}
	doc, err := p.singleDocumentBody(req, res)
	if err != nil {
		return nil, err
	}
	if doc.ID == "" {
		return nil, BadRequest("update requires an id in the document")
	}
	if loc.ID != "" && doc.ID != loc.ID {
		return nil, Conflict("document id %q does not match requested id %q", doc.ID, loc.ID)
	}
	if doc.Type != res.Type() {
		return nil, Conflict("document type %q does not match resource %q", doc.Type, res.Type())
	}
	pack, err := ad.Update(ctx, res.Query(), doc, FindOptions{Detail: true})
	if err != nil {
		return nil, AsError(err)
	}
	return pack, nil
}

func (p *Pipeline) delete(ctx context.Context, res *Resource, rc *RequestContext, req RequestInfo) (*Pack, error) {
	ad := res.Adapter()
	if ad == nil {
		return nil, MethodNotAllowed("resource %q does not support delete", res.Type())
	}

	q := res.Query()
	if req.HasBody() {
		bodyPack, err := p.packBody(req)
		if err != nil {
			return nil, err
		}
		sel, err := res.ExtractBulkSelector(bodyPack)
		if err != nil {
			return nil, err
		}
		q, err = ad.ApplyBulkSelector(q, sel)
		if err != nil {
			return nil, AsError(err)
		}
	} else {
		loc, err := res.ExtractResourceLocator(rc)
		if err != nil {
			return nil, err
		}
		if loc.ID == "" {
			return nil, BadRequest("delete requires an id or a bulk selector")
		}
		q, err = ad.ApplyBulkSelector(q, BulkSelector{IDs: []string{loc.ID}})
		if err != nil {
			return nil, AsError(err)
		}
	}

	count, err := ad.Delete(ctx, q)
	if err != nil {
		return nil, AsError(err)
	}
	pack := NewPack(nil)
	pack.Meta["deletedCount"] = count
	return pack, nil
}

// resolveRelated validates a relationship traversal: the relationship must
// exist (404), must not be polymorphic (409, since the target type cannot be
// determined statically), and the related resource must be registered (404)
// and have an adapter (405).
func (p *Pipeline) resolveRelated(res *Resource, rc *RequestContext) (RelationshipDef, *Resource, Locator, error) {
	relName, err := rc.StringParam("relationship")
	if err != nil {
		return RelationshipDef{}, nil, Locator{}, err
	}
	def, ok := res.RelationshipDef(relName)
	if !ok {
		return RelationshipDef{}, nil, Locator{}, NotFound("relationship %q not found on resource %q", relName, res.Type())
	}
	if def.Polymorphic {
		return RelationshipDef{}, nil, Locator{}, Conflict("traversal is unavailable for polymorphic relationship %q", relName)
	}
	related, err := p.registry.Get(def.RelatedType)
	if err != nil {
		return RelationshipDef{}, nil, Locator{}, err
	}
	if related.Adapter() == nil {
		return RelationshipDef{}, nil, Locator{}, MethodNotAllowed("resource %q does not support traversal", related.Type())
	}
	loc, err := res.ExtractResourceLocator(rc)
	if err != nil {
		return RelationshipDef{}, nil, Locator{}, err
	}
	return def, related, loc, nil
}

func (p *Pipeline) listRelated(ctx context.Context, res *Resource, rc *RequestContext) (*Pack, error) {
	def, related, loc, err := p.resolveRelated(res, rc)
	if err != nil {
		return nil, err
	}
	if !def.ToMany {
		return nil, BadRequest("relationship is singular; use showRelated")
	}
	relName, _ := rc.StringParam("relationship")
	ad := related.Adapter()
	base, err := ad.RelatedQuery(ctx, related.Query(), res, loc, relName, related)
	if err != nil {
		return nil, AsError(err)
	}
	return p.listWithBase(ctx, related, rc, ad, base)
}

func (p *Pipeline) showRelated(ctx context.Context, res *Resource, rc *RequestContext) (*Pack, error) {
	def, related, loc, err := p.resolveRelated(res, rc)
	if err != nil {
		return nil, err
	}
	if def.ToMany {
		return nil, BadRequest("relationship is plural; use listRelated")
	}
	relName, _ := rc.StringParam("relationship")
	ad := related.Adapter()
	pack, err := ad.GetRelated(ctx, related.Query(), res, loc, relName, related, FindOptions{Detail: true})
	if err != nil {
		return nil, AsError(err)
	}
	return pack, nil
}

func (p *Pipeline) customAction(ctx context.Context, res *Resource, rc *RequestContext, req RequestInfo, ca CustomAction) (*Pack, error) {
	if res.HasLocator(rc) {
		if _, err := res.ExtractResourceLocator(rc); err != nil {
			return nil, err
		}
	}

	var payload *Pack
	if req.HasBody() {
		raw, err := decodeJSON(req.Body)
		if err != nil {
			return nil, err
		}
		if ca.NoDeserialize {
			payload = NewPack(raw)
		} else {
			pack, err := TryDeserializePack(p.registry, raw)
			if err != nil {
				return nil, err
			}
			if pack == nil {
				payload = NewPack(raw)
			} else {
				payload = pack
			}
		}
	}

	pack, err := ca.Handler(ctx, res, rc, payload)
	if err != nil {
		return nil, AsError(err)
	}
	return pack, nil
}

// packBody strictly deserializes the request body as a pack.
func (p *Pipeline) packBody(req RequestInfo) (*Pack, error) {
	raw, err := decodeJSON(req.Body)
	if err != nil {
		return nil, err
	}
	return DeserializePack(p.registry, raw)
}

// singleDocumentBody deserializes the request body and requires its data to
// be exactly one document.
func (p *Pipeline) singleDocumentBody(req RequestInfo, res *Resource) (*Document, error) {
	pack, err := p.packBody(req)
	if err != nil {
		return nil, err
	}
	if pack.Collection() != nil {
		return nil, BadRequest("a single document is required, not an array")
	}
	doc := pack.Document()
	if doc == nil {
		return nil, BadRequest("request data must contain a document")
	}
	return doc, nil
}

func decodeJSON(body []byte) (interface{}, error) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, BadRequest("request body is not valid JSON")
	}
	return raw, nil
}

// validateAccept enforces the response side of content negotiation: the
// Accept header must be absent, */*, or one of the supported media types.
func validateAccept(accept string) error {
	if accept == "" {
		return nil
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "*/*", JSONAPIMediaType, "application/json":
			return nil
		}
	}
	return NotAcceptable("no supported media type in Accept header %q", accept)
}

// validateContentType enforces the request side: bodies must carry exactly
// the JSON:API media type, with no parameters.
func validateContentType(contentType string) error {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != JSONAPIMediaType {
		return UnsupportedMediaType("Content-Type must be %s", JSONAPIMediaType)
	}
	if len(params) > 0 {
		return UnsupportedMediaType("Content-Type must be %s without media type parameters", JSONAPIMediaType)
	}
	return nil
}
