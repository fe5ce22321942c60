package engine

// Collection is an ordered sequence of documents. Order is insertion order
// and is the order returned to the client.
type Collection struct {
	docs []*Document
}

// NewCollection builds a collection from the given documents.
func NewCollection(docs ...*Document) *Collection {
	c := &Collection{}
	c.Add(docs...)
	return c
}

// Add appends documents to the collection.
func (c *Collection) Add(docs ...*Document) {
	c.docs = append(c.docs, docs...)
}

// AddCollection flattens another collection into this one.
func (c *Collection) AddCollection(other *Collection) {
	if other == nil {
		return
	}
	c.docs = append(c.docs, other.docs...)
}

// Documents returns the documents in insertion order.
func (c *Collection) Documents() []*Document {
	if c == nil {
		return nil
	}
	return c.docs
}

// Len returns the number of documents.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.docs)
}

// Serialize maps each document to its wire form, preserving order. An empty
// collection serializes to an empty array, never null.
func (c *Collection) Serialize() []interface{} {
	out := make([]interface{}, 0, c.Len())
	for _, doc := range c.Documents() {
		out = append(out, doc.Serialize())
	}
	return out
}

// DeserializeCollection maps each element of a raw array through document
// deserialization.
func DeserializeCollection(registry *Registry, raw []interface{}, detail bool) (*Collection, error) {
	c := NewCollection()
	for _, item := range raw {
		doc, err := DeserializeDocument(registry, item, detail)
		if err != nil {
			return nil, err
		}
		c.Add(doc)
	}
	return c, nil
}
