package engine

// Linkage is a {type, id} pointer identifying a resource without embedding
// its attributes.
type Linkage struct {
	Type string
	ID   string
}

// Serialize returns the wire form of the linkage.
func (l Linkage) Serialize() map[string]interface{} {
	return map[string]interface{}{"type": l.Type, "id": l.ID}
}

// Relationship is a tagged linkage value: either a single linkage or null
// (singular), or a list of linkages (plural), optionally carrying its own
// links and meta. Plurality is fixed at construction and never inferred from
// payload shape.
type Relationship struct {
	One    *Linkage
	Many   []Linkage
	ToMany bool
	Links  map[string]string
	Meta   map[string]interface{}
}

// ToOne builds a singular relationship. A nil linkage serializes as null data.
func ToOne(l *Linkage) Relationship {
	return Relationship{One: l}
}

// ToManyOf builds a plural relationship. A nil slice serializes as an empty
// array, never as null.
func ToManyOf(linkages ...Linkage) Relationship {
	return Relationship{Many: linkages, ToMany: true}
}

// Serialize returns the wire form: {"data": null | linkage | [linkage...]}
// with links/meta only when present.
func (r Relationship) Serialize() map[string]interface{} {
	out := make(map[string]interface{}, 3)
	if r.ToMany {
		data := make([]interface{}, 0, len(r.Many))
		for _, l := range r.Many {
			data = append(data, l.Serialize())
		}
		out["data"] = data
	} else if r.One != nil {
		out["data"] = r.One.Serialize()
	} else {
		out["data"] = nil
	}
	if len(r.Links) > 0 {
		out["links"] = stringMapToInterface(r.Links)
	}
	if len(r.Meta) > 0 {
		out["meta"] = copyValueMap(r.Meta)
	}
	return out
}

// Linkages returns the relationship's linkages regardless of plurality.
func (r Relationship) Linkages() []Linkage {
	if r.ToMany {
		return r.Many
	}
	if r.One != nil {
		return []Linkage{*r.One}
	}
	return nil
}

// parseLinkage validates and decodes a raw {type, id} object.
func parseLinkage(raw interface{}) (Linkage, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return Linkage{}, BadRequest("linkage must be an object with type and id")
	}
	typ, ok := obj["type"].(string)
	if !ok || typ == "" {
		return Linkage{}, BadRequest("linkage is missing a type")
	}
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		return Linkage{}, BadRequest("linkage is missing an id")
	}
	return Linkage{Type: typ, ID: id}, nil
}

// parseRelationship validates and decodes a raw relationship value. The value
// must be an object whose "data" is null, a linkage, or an array of linkages;
// only links and meta may accompany it.
func parseRelationship(name string, raw interface{}) (Relationship, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return Relationship{}, BadRequest("relationship %q must be an object", name)
	}
	for key := range obj {
		switch key {
		case "data", "links", "meta":
		default:
			return Relationship{}, BadRequest("relationship %q has unknown key %q", name, key)
		}
	}
	data, present := obj["data"]
	if !present {
		return Relationship{}, BadRequest("relationship %q is missing data", name)
	}

	var rel Relationship
	switch d := data.(type) {
	case nil:
		// singular null linkage
	case []interface{}:
		rel.ToMany = true
		rel.Many = make([]Linkage, 0, len(d))
		for _, item := range d {
			l, err := parseLinkage(item)
			if err != nil {
				return Relationship{}, BadRequest("relationship %q: %s", name, AsError(err).Message)
			}
			rel.Many = append(rel.Many, l)
		}
	case map[string]interface{}:
		l, err := parseLinkage(d)
		if err != nil {
			return Relationship{}, BadRequest("relationship %q: %s", name, AsError(err).Message)
		}
		rel.One = &l
	default:
		return Relationship{}, BadRequest("relationship %q data must be null, a linkage, or a list of linkages", name)
	}

	if rawLinks, ok := obj["links"]; ok {
		links, err := parseLinks(rawLinks)
		if err != nil {
			return Relationship{}, BadRequest("relationship %q: %s", name, AsError(err).Message)
		}
		rel.Links = links
	}
	if rawMeta, ok := obj["meta"]; ok {
		meta, ok := rawMeta.(map[string]interface{})
		if !ok {
			return Relationship{}, BadRequest("relationship %q meta must be an object", name)
		}
		rel.Meta = copyValueMap(meta)
	}
	return rel, nil
}

// Document is the in-memory representation of one JSON:API resource object.
// It references its owning resource by type name, resolved through the
// registry at access time, and exclusively owns its maps: inputs are copied
// on construction and the document is not mutated after validation.
type Document struct {
	Type          string
	ID            string
	Attributes    map[string]interface{}
	Relationships map[string]Relationship
	Links         map[string]string
	Meta          map[string]interface{}
}

// NewDocument builds a document that owns copies of the given attributes.
func NewDocument(typ, id string, attributes map[string]interface{}) *Document {
	return &Document{
		Type:          typ,
		ID:            id,
		Attributes:    copyValueMap(attributes),
		Relationships: make(map[string]Relationship),
	}
}

// ToLinkage returns the document's linkage. A document without an identity
// cannot be referenced.
func (d *Document) ToLinkage() (Linkage, error) {
	if d.ID == "" {
		return Linkage{}, BadRequest("document of type %q has no id and cannot be referenced", d.Type)
	}
	return Linkage{Type: d.Type, ID: d.ID}, nil
}

// Serialize returns the wire form of the document. The links and meta keys
// are omitted entirely when empty, never emitted as empty objects.
func (d *Document) Serialize() map[string]interface{} {
	attrs := d.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	rels := make(map[string]interface{}, len(d.Relationships))
	for name, rel := range d.Relationships {
		rels[name] = rel.Serialize()
	}

	var id interface{}
	if d.ID != "" {
		id = d.ID
	}
	out := map[string]interface{}{
		"id":            id,
		"type":          d.Type,
		"attributes":    copyValueMap(attrs),
		"relationships": rels,
	}
	if len(d.Links) > 0 {
		out["links"] = stringMapToInterface(d.Links)
	}
	if len(d.Meta) > 0 {
		out["meta"] = copyValueMap(d.Meta)
	}
	return out
}

// DeserializeDocument validates a raw resource object against the registry
// and builds a Document. Unknown resource types fail with 404; structural
// problems fail with 400. For resources configured strict, attribute and
// relationship names must be part of the resource's capability set (403
// otherwise), and detail-only fields are dropped when detail is false.
func DeserializeDocument(registry *Registry, raw interface{}, detail bool) (*Document, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, BadRequest("document must be an object")
	}
	typ, ok := obj["type"].(string)
	if !ok || typ == "" {
		return nil, BadRequest("document is missing a type")
	}
	res, err := registry.Get(typ)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Type:          typ,
		Attributes:    make(map[string]interface{}),
		Relationships: make(map[string]Relationship),
	}
	if rawID, present := obj["id"]; present && rawID != nil {
		id, ok := rawID.(string)
		if !ok {
			return nil, BadRequest("document id must be a string")
		}
		doc.ID = id
	}

	if rawAttrs, present := obj["attributes"]; present && rawAttrs != nil {
		attrs, ok := rawAttrs.(map[string]interface{})
		if !ok {
			return nil, BadRequest("attributes must be an object")
		}
		for name, value := range attrs {
			attr, configured := res.Attribute(name)
			if res.Strict() && !configured {
				return nil, Forbidden("attribute %q not found on resource %q", name, typ)
			}
			if configured && attr.DetailOnly && !detail {
				continue
			}
			doc.Attributes[name] = copyValue(value)
		}
	}

	if rawRels, present := obj["relationships"]; present && rawRels != nil {
		rels, ok := rawRels.(map[string]interface{})
		if !ok {
			return nil, BadRequest("relationships must be an object")
		}
		for name, value := range rels {
			def, configured := res.RelationshipDef(name)
			if res.Strict() && !configured {
				return nil, Forbidden("relationship %q not found on resource %q", name, typ)
			}
			if configured && def.DetailOnly && !detail {
				continue
			}
			rel, err := parseRelationship(name, value)
			if err != nil {
				return nil, err
			}
			doc.Relationships[name] = rel
		}
	}

	if rawLinks, present := obj["links"]; present && rawLinks != nil {
		links, err := parseLinks(rawLinks)
		if err != nil {
			return nil, err
		}
		doc.Links = links
	}
	if rawMeta, present := obj["meta"]; present && rawMeta != nil {
		meta, ok := rawMeta.(map[string]interface{})
		if !ok {
			return nil, BadRequest("meta must be an object")
		}
		doc.Meta = copyValueMap(meta)
	}
	return doc, nil
}

// parseLinks validates that every link value is a string.
func parseLinks(raw interface{}) (map[string]string, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, BadRequest("links must be an object")
	}
	links := make(map[string]string, len(obj))
	for name, value := range obj {
		s, ok := value.(string)
		if !ok {
			return nil, BadRequest("link %q must be a string", name)
		}
		links[name] = s
	}
	return links, nil
}

// CopyMap deep-copies a JSON-shaped map. Adapters use it to keep stored
// state from aliasing caller state.
func CopyMap(m map[string]interface{}) map[string]interface{} {
	return copyValueMap(m)
}

// copyValue deep-copies JSON-shaped values so documents own their data.
func copyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return copyValueMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

func copyValueMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func stringMapToInterface(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
