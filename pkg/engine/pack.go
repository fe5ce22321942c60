package engine

// Pack is the top-level request/response envelope. Data holds null, a single
// document, a collection, or an opaque payload for custom actions. Included
// and Meta always round-trip, even when empty; Links is omitted from the wire
// form entirely when empty.
type Pack struct {
	Data     interface{}
	Included *Collection
	Meta     map[string]interface{}
	Links    map[string]string
}

// NewPack builds a pack around the given data with empty included/meta.
func NewPack(data interface{}) *Pack {
	return &Pack{
		Data:     data,
		Included: NewCollection(),
		Meta:     make(map[string]interface{}),
	}
}

// Document returns the pack's data as a single document, or nil when the
// data is absent or not a document.
func (p *Pack) Document() *Document {
	doc, _ := p.Data.(*Document)
	return doc
}

// Collection returns the pack's data as a collection, or nil.
func (p *Pack) Collection() *Collection {
	c, _ := p.Data.(*Collection)
	return c
}

// Serialize returns the wire envelope {data, included, meta} with links only
// when present.
func (p *Pack) Serialize() map[string]interface{} {
	var data interface{}
	switch d := p.Data.(type) {
	case nil:
		data = nil
	case *Document:
		data = d.Serialize()
	case *Collection:
		data = d.Serialize()
	default:
		data = d
	}

	included := p.Included
	if included == nil {
		included = NewCollection()
	}
	meta := p.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}

	out := map[string]interface{}{
		"data":     data,
		"included": included.Serialize(),
		"meta":     copyValueMap(meta),
	}
	if len(p.Links) > 0 {
		out["links"] = stringMapToInterface(p.Links)
	}
	return out
}

// DeserializePack strictly decodes a raw envelope. The raw object may contain
// only data, included, meta and links; any other top-level key is a hard
// error. Array data routes through collection deserialization, object data
// through document deserialization, and null or absent data yields a pack
// with a null payload.
func DeserializePack(registry *Registry, raw interface{}) (*Pack, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, BadRequest("request body must be a JSON object")
	}
	for key := range obj {
		switch key {
		case "data", "included", "meta", "links":
		default:
			return nil, BadRequest("unknown top-level key %q", key)
		}
	}

	pack := NewPack(nil)
	switch data := obj["data"].(type) {
	case nil:
	case []interface{}:
		c, err := DeserializeCollection(registry, data, true)
		if err != nil {
			return nil, err
		}
		pack.Data = c
	case map[string]interface{}:
		doc, err := DeserializeDocument(registry, data, true)
		if err != nil {
			return nil, err
		}
		pack.Data = doc
	default:
		return nil, BadRequest("data must be null, an object, or an array")
	}

	if rawIncluded, present := obj["included"]; present && rawIncluded != nil {
		arr, ok := rawIncluded.([]interface{})
		if !ok {
			return nil, BadRequest("included must be an array")
		}
		c, err := DeserializeCollection(registry, arr, true)
		if err != nil {
			return nil, err
		}
		pack.Included = c
	}
	if rawMeta, present := obj["meta"]; present && rawMeta != nil {
		meta, ok := rawMeta.(map[string]interface{})
		if !ok {
			return nil, BadRequest("meta must be an object")
		}
		pack.Meta = copyValueMap(meta)
	}
	if rawLinks, present := obj["links"]; present && rawLinks != nil {
		links, err := parseLinks(rawLinks)
		if err != nil {
			return nil, err
		}
		pack.Links = links
	}
	return pack, nil
}

// TryDeserializePack returns (nil, nil) when the input is not a plausible
// pack: not a plain object, no data key, or a data type naming an
// unregistered resource. This lets custom actions accept either JSON:API
// bodies or opaque JSON without failing. Plausible packs are decoded
// strictly, so a malformed plausible pack is still an error.
func TryDeserializePack(registry *Registry, raw interface{}) (*Pack, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	data, present := obj["data"]
	if !present {
		return nil, nil
	}

	var first interface{} = data
	if arr, ok := data.([]interface{}); ok {
		if len(arr) == 0 {
			return DeserializePack(registry, raw)
		}
		first = arr[0]
	}
	if item, ok := first.(map[string]interface{}); ok {
		if typ, ok := item["type"].(string); ok && !registry.Has(typ) {
			return nil, nil
		}
	}
	return DeserializePack(registry, raw)
}
