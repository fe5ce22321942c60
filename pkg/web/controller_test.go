package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/manifold-api/manifold/pkg/adapter/memory"
	"github.com/manifold-api/manifold/pkg/engine"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Adapter) {
	t.Helper()

	store := memory.NewStore()
	ad := memory.New(store)

	reg := engine.NewRegistry()
	_, err := reg.Register(engine.Config{
		Type: "parents",
		Attributes: map[string]engine.Attribute{
			"name":  {Searchable: true},
			"age":   {},
			"adult": {},
		},
		Relationships: map[string]engine.RelationshipDef{
			"spouse":   {RelatedType: "parents"},
			"children": {RelatedType: "children", ToMany: true},
		},
		Labels: map[string]map[string]interface{}{
			"adults": {"adult": true},
		},
		CollectionActions: map[string]engine.CustomAction{
			"census": {
				Handler: func(ctx context.Context, res *engine.Resource, rc *engine.RequestContext, payload *engine.Pack) (*engine.Pack, error) {
					out := engine.NewPack(nil)
					out.Meta["counted"] = true
					return out, nil
				},
			},
		},
	}, ad)
	if err != nil {
		t.Fatalf("register parents: %v", err)
	}
	_, err = reg.Register(engine.Config{
		Type:       "children",
		Attributes: map[string]engine.Attribute{"name": {}},
	}, ad)
	if err != nil {
		t.Fatalf("register children: %v", err)
	}

	controller := NewController(reg, nil, engine.Options{Negotiate: true})
	server := httptest.NewServer(controller.Routes())
	t.Cleanup(server.Close)
	return server, ad
}

func doRequest(t *testing.T, method, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Accept", engine.JSONAPIMediaType)
	if body != nil {
		req.Header.Set("Content-Type", engine.JSONAPIMediaType)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, decoded
}

func seedParent(t *testing.T, server *httptest.Server, ad *memory.Adapter, id string, attrs map[string]interface{}) {
	t.Helper()
	ad.IDFunc = func() string { return id }
	status, body := doRequest(t, http.MethodPost, server.URL+"/parents", map[string]interface{}{
		"data": map[string]interface{}{"type": "parents", "attributes": attrs},
	})
	if status != http.StatusCreated {
		t.Fatalf("seed %s: status = %d, body = %v", id, status, body)
	}
}

func dataObject(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	doc, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("data = %v, want object", body["data"])
	}
	return doc
}

func dataIDs(t *testing.T, body map[string]interface{}) []string {
	t.Helper()
	arr, ok := body["data"].([]interface{})
	if !ok {
		t.Fatalf("data = %v, want array", body["data"])
	}
	ids := make([]string, 0, len(arr))
	for _, item := range arr {
		ids = append(ids, item.(map[string]interface{})["id"].(string))
	}
	return ids
}

func TestCreateReturns201WithFullRelationshipShape(t *testing.T) {
	server, ad := newTestServer(t)
	ad.IDFunc = func() string { return "alice" }

	status, body := doRequest(t, http.MethodPost, server.URL+"/parents", map[string]interface{}{
		"data": map[string]interface{}{
			"type":       "parents",
			"attributes": map[string]interface{}{"name": "Alice", "age": float64(30)},
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", status)
	}

	doc := dataObject(t, body)
	if doc["id"] != "alice" {
		t.Errorf("id = %v, want alice", doc["id"])
	}
	rels := doc["relationships"].(map[string]interface{})
	spouse := rels["spouse"].(map[string]interface{})
	if spouse["data"] != nil {
		t.Errorf("spouse data = %v, want null", spouse["data"])
	}
	children := rels["children"].(map[string]interface{})["data"].([]interface{})
	if len(children) != 0 {
		t.Errorf("children data = %v, want empty array", children)
	}
}

func TestShowUpdateDelete(t *testing.T) {
	server, ad := newTestServer(t)
	seedParent(t, server, ad, "alice", map[string]interface{}{"name": "Alice", "age": float64(30)})

	status, body := doRequest(t, http.MethodGet, server.URL+"/parents/alice", nil)
	if status != http.StatusOK {
		t.Fatalf("show status = %d, body = %v", status, body)
	}
	if got := dataObject(t, body)["attributes"].(map[string]interface{})["name"]; got != "Alice" {
		t.Errorf("name = %v, want Alice", got)
	}

	status, body = doRequest(t, http.MethodPatch, server.URL+"/parents/alice", map[string]interface{}{
		"data": map[string]interface{}{
			"type":       "parents",
			"id":         "alice",
			"attributes": map[string]interface{}{"age": float64(31)},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("update status = %d, body = %v", status, body)
	}
	attrs := dataObject(t, body)["attributes"].(map[string]interface{})
	if attrs["age"] != float64(31) || attrs["name"] != "Alice" {
		t.Errorf("attributes after update = %v", attrs)
	}

	status, body = doRequest(t, http.MethodDelete, server.URL+"/parents/alice", nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d, body = %v", status, body)
	}
	meta := body["meta"].(map[string]interface{})
	if meta["deletedCount"] != float64(1) {
		t.Errorf("deletedCount = %v, want 1", meta["deletedCount"])
	}

	status, _ = doRequest(t, http.MethodGet, server.URL+"/parents/alice", nil)
	if status != http.StatusNotFound {
		t.Errorf("show after delete = %d, want 404", status)
	}
}

func TestListFilterSortPageAndMeta(t *testing.T) {
	server, ad := newTestServer(t)
	seedParent(t, server, ad, "alice", map[string]interface{}{"name": "Alice", "age": float64(30), "adult": true})
	seedParent(t, server, ad, "bob", map[string]interface{}{"name": "Bob", "age": float64(40), "adult": true})
	seedParent(t, server, ad, "cleo", map[string]interface{}{"name": "Cleo", "age": float64(10), "adult": false})

	status, body := doRequest(t, http.MethodGet, server.URL+"/parents?sort=-age", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if got := dataIDs(t, body); !reflect.DeepEqual(got, []string{"bob", "alice", "cleo"}) {
		t.Errorf("sorted ids = %v", got)
	}
	meta := body["meta"].(map[string]interface{})
	if meta["total"] != float64(3) || meta["searchTotal"] != float64(3) {
		t.Errorf("meta = %v", meta)
	}

	status, body = doRequest(t, http.MethodGet, server.URL+"/parents?filter[name]=Alice", nil)
	if status != http.StatusOK {
		t.Fatalf("filtered list status = %d", status)
	}
	if got := dataIDs(t, body); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("filtered ids = %v", got)
	}
	// total counts the unfiltered scope.
	if got := body["meta"].(map[string]interface{})["total"]; got != float64(3) {
		t.Errorf("filtered total = %v, want 3", got)
	}

	status, body = doRequest(t, http.MethodGet, server.URL+"/parents?sort=-age&page[offset]=1&page[limit]=1", nil)
	if status != http.StatusOK {
		t.Fatalf("paged list status = %d", status)
	}
	if got := dataIDs(t, body); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("paged ids = %v", got)
	}
}

func TestLabeledList(t *testing.T) {
	server, ad := newTestServer(t)
	seedParent(t, server, ad, "alice", map[string]interface{}{"name": "Alice", "adult": true})
	seedParent(t, server, ad, "cleo", map[string]interface{}{"name": "Cleo", "adult": false})

	status, body := doRequest(t, http.MethodGet, server.URL+"/parents/labeled/adults", nil)
	if status != http.StatusOK {
		t.Fatalf("labeled list status = %d, body = %v", status, body)
	}
	if got := dataIDs(t, body); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Errorf("labeled ids = %v", got)
	}

	status, _ = doRequest(t, http.MethodGet, server.URL+"/parents/labeled/minors", nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown label status = %d, want 404", status)
	}
}

func TestBulkDelete(t *testing.T) {
	server, ad := newTestServer(t)
	seedParent(t, server, ad, "alice", map[string]interface{}{"name": "Alice"})
	seedParent(t, server, ad, "bob", map[string]interface{}{"name": "Bob"})

	status, body := doRequest(t, http.MethodDelete, server.URL+"/parents", map[string]interface{}{
		"data": []interface{}{
			map[string]interface{}{"type": "parents", "id": "alice"},
			map[string]interface{}{"type": "parents", "id": "bob"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("bulk delete status = %d, body = %v", status, body)
	}
	if got := body["meta"].(map[string]interface{})["deletedCount"]; got != float64(2) {
		t.Errorf("deletedCount = %v, want 2", got)
	}
}

func TestRelatedRoutes(t *testing.T) {
	server, ad := newTestServer(t)

	seedParent(t, server, ad, "bob", map[string]interface{}{"name": "Bob"})

	ad.IDFunc = func() string { return "eve" }
	status, _ := doRequest(t, http.MethodPost, server.URL+"/children", map[string]interface{}{
		"data": map[string]interface{}{"type": "children", "attributes": map[string]interface{}{"name": "Eve"}},
	})
	if status != http.StatusCreated {
		t.Fatalf("seed child status = %d", status)
	}

	alice := map[string]interface{}{
		"data": map[string]interface{}{
			"type":       "parents",
			"attributes": map[string]interface{}{"name": "Alice"},
			"relationships": map[string]interface{}{
				"spouse": map[string]interface{}{
					"data": map[string]interface{}{"type": "parents", "id": "bob"},
				},
				"children": map[string]interface{}{
					"data": []interface{}{map[string]interface{}{"type": "children", "id": "eve"}},
				},
			},
		},
	}
	ad.IDFunc = func() string { return "alice" }
	status, body := doRequest(t, http.MethodPost, server.URL+"/parents", alice)
	if status != http.StatusCreated {
		t.Fatalf("seed alice status = %d, body = %v", status, body)
	}

	status, body = doRequest(t, http.MethodGet, server.URL+"/parents/alice/children", nil)
	if status != http.StatusOK {
		t.Fatalf("listRelated status = %d, body = %v", status, body)
	}
	if got := dataIDs(t, body); !reflect.DeepEqual(got, []string{"eve"}) {
		t.Errorf("related children = %v", got)
	}

	status, body = doRequest(t, http.MethodGet, server.URL+"/parents/alice/spouse", nil)
	if status != http.StatusOK {
		t.Fatalf("showRelated status = %d, body = %v", status, body)
	}
	if got := dataObject(t, body)["id"]; got != "bob" {
		t.Errorf("spouse id = %v, want bob", got)
	}

	status, _ = doRequest(t, http.MethodGet, server.URL+"/parents/alice/pets", nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown relationship status = %d, want 404", status)
	}
}

func TestCustomActionRoute(t *testing.T) {
	server, _ := newTestServer(t)

	status, body := doRequest(t, http.MethodPost, server.URL+"/parents/actions/census", map[string]interface{}{
		"scope": "all",
	})
	if status != http.StatusOK {
		t.Fatalf("custom action status = %d, body = %v", status, body)
	}
	if got := body["meta"].(map[string]interface{})["counted"]; got != true {
		t.Errorf("meta.counted = %v, want true", got)
	}

	status, _ = doRequest(t, http.MethodPost, server.URL+"/parents/actions/vanish", map[string]interface{}{})
	if status != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", status)
	}
}

func TestErrorRendering(t *testing.T) {
	server, _ := newTestServer(t)

	status, body := doRequest(t, http.MethodGet, server.URL+"/ghosts", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	errs, ok := body["errors"].([]interface{})
	if !ok || len(errs) != 1 {
		t.Fatalf("errors = %v, want one error object", body["errors"])
	}
	obj := errs[0].(map[string]interface{})
	if obj["status"] != "404" {
		t.Errorf("error status = %v, want \"404\"", obj["status"])
	}
	if obj["detail"] == "" {
		t.Error("error detail should not be empty")
	}
}

func TestContentNegotiationOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)

	payload, _ := json.Marshal(map[string]interface{}{
		"data": map[string]interface{}{"type": "parents"},
	})
	req, err := http.NewRequest(http.MethodPost, server.URL+"/parents", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", engine.JSONAPIMediaType)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}

	req, err = http.NewRequest(http.MethodGet, server.URL+"/parents", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/html")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Errorf("status = %d, want 406", resp.StatusCode)
	}
}

func TestInternalFaultDetailHiddenInProduction(t *testing.T) {
	reg := engine.NewRegistry()
	_, err := reg.Register(engine.Config{Type: "parents"}, failingAdapter{})
	if err != nil {
		t.Fatal(err)
	}

	controller := NewController(reg, nil, engine.Options{})
	server := httptest.NewServer(controller.Routes())
	defer server.Close()

	status, body := doRequest(t, http.MethodGet, server.URL+"/parents", nil)
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	detail := body["errors"].([]interface{})[0].(map[string]interface{})["detail"]
	if detail != http.StatusText(http.StatusInternalServerError) {
		t.Errorf("detail = %v, want generic status text", detail)
	}
}

// failingAdapter fails every storage call.
type failingAdapter struct{}

func (failingAdapter) Query() engine.Query                                   { return nil }
func (failingAdapter) ApplyScope(q engine.Query, res *engine.Resource) engine.Query { return q }
func (failingAdapter) ApplyFilters(q engine.Query, f map[string]interface{}) engine.Query {
	return q
}
func (failingAdapter) ApplySearch(q engine.Query, term string) engine.Query  { return q }
func (failingAdapter) ApplySorts(q engine.Query, s []engine.Sort) engine.Query { return q }
func (failingAdapter) ApplyBulkSelector(q engine.Query, sel engine.BulkSelector) (engine.Query, error) {
	return q, nil
}
func (failingAdapter) Count(ctx context.Context, q engine.Query) (int64, error) {
	return 0, fmt.Errorf("disk on fire")
}
func (failingAdapter) Find(ctx context.Context, q engine.Query, page engine.Page, opts engine.FindOptions) (*engine.Pack, error) {
	return nil, fmt.Errorf("disk on fire")
}
func (failingAdapter) Get(ctx context.Context, q engine.Query, loc engine.Locator, opts engine.FindOptions) (*engine.Pack, error) {
	return nil, fmt.Errorf("disk on fire")
}
func (failingAdapter) Create(ctx context.Context, q engine.Query, doc *engine.Document, opts engine.FindOptions) (*engine.Pack, error) {
	return nil, fmt.Errorf("disk on fire")
}
func (failingAdapter) Update(ctx context.Context, q engine.Query, doc *engine.Document, opts engine.FindOptions) (*engine.Pack, error) {
	return nil, fmt.Errorf("disk on fire")
}
func (failingAdapter) Delete(ctx context.Context, q engine.Query) (int64, error) {
	return 0, fmt.Errorf("disk on fire")
}
func (failingAdapter) RelatedQuery(ctx context.Context, q engine.Query, owner *engine.Resource, ownerLoc engine.Locator, relName string, related *engine.Resource) (engine.Query, error) {
	return nil, fmt.Errorf("disk on fire")
}
func (failingAdapter) GetRelated(ctx context.Context, q engine.Query, owner *engine.Resource, ownerLoc engine.Locator, relName string, related *engine.Resource, opts engine.FindOptions) (*engine.Pack, error) {
	return nil, fmt.Errorf("disk on fire")
}
