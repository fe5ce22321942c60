package engine

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
)

// Params is the validated, read-only parameter bag carried by a request
// context. Values are JSON-shaped: strings, numbers, bools, maps and slices.
type Params map[string]interface{}

// Factory lazily constructs a dependency the first time it is resolved.
type Factory func() (interface{}, error)

// RequestContext carries the action name, the request's parameter bag, the
// originating request URI, and a dependency map keyed by string tokens that
// adapters and handlers resolve at runtime. Factories are invoked once and
// memoized.
type RequestContext struct {
	Action     string
	Params     Params
	RequestURI *url.URL

	mu   sync.Mutex
	deps map[string]interface{}
}

// NewRequestContext builds a context for one pipeline invocation.
func NewRequestContext(action string, params Params) *RequestContext {
	if params == nil {
		params = Params{}
	}
	return &RequestContext{
		Action: action,
		Params: params,
		deps:   make(map[string]interface{}),
	}
}

// Param returns a raw parameter and whether it was present.
func (c *RequestContext) Param(name string) (interface{}, bool) {
	v, ok := c.Params[name]
	return v, ok
}

// StringParam extracts a required string parameter. Missing parameters and
// values that cannot be coerced fail with 400.
func (c *RequestContext) StringParam(name string) (string, error) {
	v, ok := c.Params[name]
	if !ok {
		return "", BadRequest("missing required parameter %q", name)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", BadRequest("parameter %q must be a string", name)
	}
}

// OptionalString extracts a string parameter, returning "" when absent.
func (c *RequestContext) OptionalString(name string) (string, error) {
	if _, ok := c.Params[name]; !ok {
		return "", nil
	}
	return c.StringParam(name)
}

// IntParam extracts a required integer parameter, coercing strings and JSON
// numbers. Failure to coerce is a 400.
func (c *RequestContext) IntParam(name string) (int, error) {
	v, ok := c.Params[name]
	if !ok {
		return 0, BadRequest("missing required parameter %q", name)
	}
	return coerceInt(name, v)
}

// BoolParam extracts a required boolean parameter, coercing "true"/"false".
func (c *RequestContext) BoolParam(name string) (bool, error) {
	v, ok := c.Params[name]
	if !ok {
		return false, BadRequest("missing required parameter %q", name)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, BadRequest("parameter %q must be a boolean", name)
		}
		return parsed, nil
	default:
		return false, BadRequest("parameter %q must be a boolean", name)
	}
}

// MapParam extracts an object-valued parameter, returning an empty map when
// absent.
func (c *RequestContext) MapParam(name string) (map[string]interface{}, error) {
	v, ok := c.Params[name]
	if !ok || v == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, BadRequest("parameter %q must be an object", name)
	}
	return m, nil
}

// Provide registers a dependency under a string token. The value may be a
// Factory, in which case construction is deferred until first resolution.
func (c *RequestContext) Provide(token string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps[token] = value
}

// Resolve looks up a dependency by token, invoking and memoizing factories.
// Unknown tokens are an internal fault: wiring, not request shape.
func (c *RequestContext) Resolve(token string) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.deps[token]
	if !ok {
		return nil, Internal("no dependency provided for token %q", token)
	}
	if factory, ok := value.(Factory); ok {
		built, err := factory()
		if err != nil {
			return nil, err
		}
		c.deps[token] = built
		return built, nil
	}
	return value, nil
}

func coerceInt(name string, v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, BadRequest("parameter %q must be an integer", name)
		}
		return parsed, nil
	default:
		return 0, BadRequest("parameter %q must be an integer", name)
	}
}
