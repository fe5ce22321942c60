// Package web binds the action pipeline to HTTP. The controller owns route
// registration, parameter extraction and response rendering; everything
// behavioral (validation, negotiation, hooks, storage) lives in the engine.
package web

import (
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manifold-api/manifold/pkg/engine"
)

// Controller serves every registered resource over a JSON:API HTTP surface.
type Controller struct {
	registry    *engine.Registry
	pipeline    *engine.Pipeline
	logger      *zap.Logger
	development bool
}

// NewController builds a controller over the registry. A nil logger disables
// logging.
func NewController(registry *engine.Registry, logger *zap.Logger, opts engine.Options) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		registry:    registry,
		pipeline:    engine.NewPipeline(registry, logger, opts),
		logger:      logger,
		development: opts.Development,
	}
}

// Routes returns the resource routing table. Collection routes come before
// document routes so static segments win over the id parameter.
func (c *Controller) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{type}", c.action("list"))
	r.Post("/{type}", c.action("create"))
	r.Delete("/{type}", c.action("delete"))
	r.Get("/{type}/labeled/{label}", c.action("list"))
	r.Post("/{type}/actions/{action}", c.customAction)

	r.Get("/{type}/{id}", c.action("show"))
	r.Patch("/{type}/{id}", c.action("update"))
	r.Put("/{type}/{id}", c.action("update"))
	r.Delete("/{type}/{id}", c.action("delete"))
	r.Post("/{type}/{id}/actions/{action}", c.customAction)
	r.Get("/{type}/{id}/{relationship}", c.related)

	return r
}

func (c *Controller) action(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.dispatch(w, r, name)
	}
}

func (c *Controller) customAction(w http.ResponseWriter, r *http.Request) {
	c.dispatch(w, r, chi.URLParam(r, "action"))
}

// related picks listRelated or showRelated from the relationship's static
// plurality. Unknown relationships dispatch anyway so the pipeline can
// produce its usual 404.
func (c *Controller) related(w http.ResponseWriter, r *http.Request) {
	res, err := c.registry.Get(chi.URLParam(r, "type"))
	if err != nil {
		c.renderError(w, err)
		return
	}
	name := "showRelated"
	if def, ok := res.RelationshipDef(chi.URLParam(r, "relationship")); ok && def.ToMany {
		name = "listRelated"
	}
	c.dispatch(w, r, name)
}

func (c *Controller) dispatch(w http.ResponseWriter, r *http.Request, action string) {
	res, err := c.registry.Get(chi.URLParam(r, "type"))
	if err != nil {
		c.renderError(w, err)
		return
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			c.renderError(w, engine.BadRequest("request body could not be read"))
			return
		}
	}

	rc := engine.NewRequestContext(action, requestParams(r))
	rc.RequestURI = r.URL

	pack, err := c.pipeline.Dispatch(r.Context(), res, rc, engine.RequestInfo{
		Method:      r.Method,
		ContentType: r.Header.Get("Content-Type"),
		Accept:      r.Header.Get("Accept"),
		Body:        body,
	})
	if err != nil {
		c.renderError(w, err)
		return
	}

	status := http.StatusOK
	if action == string(engine.ActionCreate) {
		status = http.StatusCreated
	}
	c.renderPack(w, status, pack)
}

var bracketedParam = regexp.MustCompile(`^(filter|page)\[([^\]]+)\]$`)

// requestParams builds the parameter bag from path and query parameters.
// Bracketed query keys (filter[x], page[offset]) become nested maps.
func requestParams(r *http.Request) engine.Params {
	params := engine.Params{}
	for _, key := range []string{"id", "relationship", "label"} {
		if v := chi.URLParam(r, key); v != "" {
			params[key] = v
		}
	}

	filters := map[string]interface{}{}
	page := map[string]interface{}{}
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		if m := bracketedParam.FindStringSubmatch(key); m != nil {
			switch m[1] {
			case "filter":
				filters[m[2]] = value
			case "page":
				page[m[2]] = value
			}
			continue
		}
		switch key {
		case "sort", "search":
			params[key] = value
		}
	}
	if len(filters) > 0 {
		params["filter"] = filters
	}
	if len(page) > 0 {
		params["page"] = page
	}
	return params
}

// renderPack writes a pack response. Marshaling happens before any byte is
// written so a serialization fault can still produce a clean error response.
func (c *Controller) renderPack(w http.ResponseWriter, status int, pack *engine.Pack) {
	payload, err := json.Marshal(pack.Serialize())
	if err != nil {
		c.renderError(w, engine.Internal("response serialization failed: %s", err.Error()))
		return
	}
	w.Header().Set("Content-Type", engine.JSONAPIMediaType)
	w.WriteHeader(status)
	w.Write(payload)
}

// renderError writes the structured error as a JSON:API errors document.
// Internal fault detail is replaced by the generic status text outside
// development mode.
func (c *Controller) renderError(w http.ResponseWriter, err error) {
	apiErr := engine.AsError(err)

	payload, marshalErr := json.Marshal(errorBody(apiErr, c.development))
	if marshalErr != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(http.StatusText(http.StatusInternalServerError)))
		return
	}
	w.Header().Set("Content-Type", engine.JSONAPIMediaType)
	w.WriteHeader(apiErr.Status)
	w.Write(payload)
}

func errorBody(apiErr *engine.Error, development bool) map[string]interface{} {
	objects := apiErr.Objects
	if len(objects) == 0 {
		detail := apiErr.Message
		if apiErr.Status >= http.StatusInternalServerError && !development {
			detail = http.StatusText(apiErr.Status)
		}
		objects = []engine.ErrorObject{{
			Status: strconv.Itoa(apiErr.Status),
			Title:  http.StatusText(apiErr.Status),
			Detail: detail,
		}}
	}

	body := map[string]interface{}{"errors": objects}
	if development && len(apiErr.Extra) > 0 {
		body["meta"] = apiErr.Extra
	}
	return body
}
