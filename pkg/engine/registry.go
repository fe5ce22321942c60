// Package engine implements a JSON:API resource layer: the document/pack data
// model, the per-type resource configuration and registry, and the action
// pipeline that turns validated requests into storage queries and back into
// wire envelopes. Storage is pluggable through the Adapter contract.
package engine

import (
	"sort"
	"sync"
)

// Registry is the process-wide mapping from resource type name to resource
// definition. Registration happens once at boot and the registry is treated
// as read-only while requests are in flight; the lock exists for the
// boot/teardown path and for tests that build registries concurrently.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Register binds a resource configuration and its adapter under the config's
// type name. Registration is idempotent per type name: registering the same
// name again replaces the previous definition. At most one non-auxiliary
// resource may claim a given backing entity name.
func (r *Registry) Register(cfg Config, adapter Adapter) (*Resource, error) {
	if cfg.Type == "" {
		return nil, BadRequest("resource config is missing a type name")
	}
	if cfg.Entity == "" {
		cfg.Entity = cfg.Type
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !cfg.Auxiliary {
		for name, existing := range r.resources {
			if name == cfg.Type {
				continue
			}
			if !existing.config.Auxiliary && existing.config.Entity == cfg.Entity {
				return nil, Conflict("entity %q is already claimed by resource %q", cfg.Entity, name)
			}
		}
	}

	res := &Resource{config: cfg, adapter: adapter, registry: r}
	r.resources[cfg.Type] = res
	return res, nil
}

// Deregister removes a resource registration. Like Register, this is only
// legal at boot or teardown, never concurrently with in-flight requests.
func (r *Registry) Deregister(typeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, typeName)
}

// Get resolves a resource by type name. Unknown types fail with 404.
func (r *Registry) Get(typeName string) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[typeName]
	if !ok {
		return nil, NotFound("resource type %q not found", typeName)
	}
	return res, nil
}

// Has reports whether a type name is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resources[typeName]
	return ok
}

// All returns every registered resource, sorted by type name.
func (r *Registry) All() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}

// ResourceForEntity resolves the non-auxiliary resource claiming a backing
// entity name. Unknown entities fail with 404.
func (r *Registry) ResourceForEntity(entity string) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, res := range r.resources {
		if !res.config.Auxiliary && res.config.Entity == entity {
			return res, nil
		}
	}
	return nil, NotFound("no resource registered for entity %q", entity)
}
