package sqlstore

import (
	"context"
	"database/sql"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-api/manifold/pkg/engine"
)

type fixture struct {
	db       *sql.DB
	mock     sqlmock.Sqlmock
	adapter  *Adapter
	parents  *engine.Resource
	children *engine.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ad := New(db, Postgres)

	reg := engine.NewRegistry()
	parents, err := reg.Register(engine.Config{
		Type: "parents",
		Attributes: map[string]engine.Attribute{
			"name": {Searchable: true},
			"age":  {},
		},
		Relationships: map[string]engine.RelationshipDef{
			"spouse":   {RelatedType: "parents"},
			"children": {RelatedType: "children", ToMany: true, ForeignKey: "parent_id"},
		},
	}, ad)
	require.NoError(t, err)

	children, err := reg.Register(engine.Config{
		Type:       "children",
		Attributes: map[string]engine.Attribute{"name": {}},
	}, ad)
	require.NoError(t, err)

	return &fixture{db: db, mock: mock, adapter: ad, parents: parents, children: children}
}

func parentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "age", "name", "spouse_id"})
}

func TestFindBuildsSelect(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT id, age, name, spouse_id FROM parents WHERE age = \$1 AND \(LOWER\(name\) LIKE \$2\) ORDER BY age DESC, name ASC LIMIT 2 OFFSET 1`).
		WithArgs(float64(30), "%ali%").
		WillReturnRows(parentRows().
			AddRow("alice", float64(30), "Alice", "bob").
			AddRow("alina", float64(30), "Alina", nil))

	q := f.adapter.ApplyFilters(f.parents.Query(), map[string]interface{}{"age": float64(30)})
	q = f.adapter.ApplySearch(q, "Ali")
	q = f.adapter.ApplySorts(q, []engine.Sort{{Field: "age", Desc: true}, {Field: "name"}})

	pack, err := f.adapter.Find(context.Background(), q, engine.Page{Offset: 1, Limit: 2}, engine.FindOptions{})
	require.NoError(t, err)

	docs := pack.Collection().Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, "alice", docs[0].ID)
	assert.Equal(t, "Alice", docs[0].Attributes["name"])
	require.NotNil(t, docs[0].Relationships["spouse"].One)
	assert.Equal(t, "bob", docs[0].Relationships["spouse"].One.ID)
	assert.Nil(t, docs[1].Relationships["spouse"].One, "NULL foreign key becomes a null linkage")

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFindRejectsUnknownFilterField(t *testing.T) {
	f := newFixture(t)

	q := f.adapter.ApplyFilters(f.parents.Query(), map[string]interface{}{"shoe_size": 9})
	_, err := f.adapter.Find(context.Background(), q, engine.Page{}, engine.FindOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, engine.AsError(err).Status)

	q = f.adapter.ApplySorts(f.parents.Query(), []engine.Sort{{Field: "shoe_size"}})
	_, err = f.adapter.Find(context.Background(), q, engine.Page{}, engine.FindOptions{})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, engine.AsError(err).Status)

	assert.NoError(t, f.mock.ExpectationsWereMet(), "bad fields never reach the database")
}

func TestCount(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM parents WHERE age = \$1`).
		WithArgs(float64(40)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	q := f.adapter.ApplyFilters(f.parents.Query(), map[string]interface{}{"age": float64(40)})
	n, err := f.adapter.Count(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetLoadsPluralLinkages(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT id, age, name, spouse_id FROM parents WHERE id = \$1`).
		WithArgs("alice").
		WillReturnRows(parentRows().AddRow("alice", float64(30), "Alice", nil))
	f.mock.ExpectQuery(`SELECT id FROM children WHERE parent_id = \$1 ORDER BY id`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("eve").AddRow("finn"))

	pack, err := f.adapter.Get(context.Background(), f.parents.Query(), engine.Locator{ID: "alice"}, engine.FindOptions{Detail: true})
	require.NoError(t, err)

	doc := pack.Document()
	children := doc.Relationships["children"]
	assert.True(t, children.ToMany)
	require.Len(t, children.Many, 2)
	assert.Equal(t, engine.Linkage{Type: "children", ID: "eve"}, children.Many[0])

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT id, age, name, spouse_id FROM parents WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(parentRows())

	_, err := f.adapter.Get(context.Background(), f.parents.Query(), engine.Locator{ID: "ghost"}, engine.FindOptions{Detail: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, engine.AsError(err).Status)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateInsertsAndReadsBack(t *testing.T) {
	f := newFixture(t)
	f.adapter.IDFunc = func() string { return "alice" }

	f.mock.ExpectExec(`INSERT INTO parents \(id, age, name, spouse_id\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs("alice", float64(30), "Alice", "bob").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT id, age, name, spouse_id FROM parents WHERE id = \$1`).
		WithArgs("alice").
		WillReturnRows(parentRows().AddRow("alice", float64(30), "Alice", "bob"))
	f.mock.ExpectQuery(`SELECT id FROM children WHERE parent_id = \$1 ORDER BY id`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	doc := engine.NewDocument("parents", "", map[string]interface{}{"name": "Alice", "age": float64(30)})
	doc.Relationships["spouse"] = engine.ToOne(&engine.Linkage{Type: "parents", ID: "bob"})

	pack, err := f.adapter.Create(context.Background(), f.parents.Query(), doc, engine.FindOptions{Detail: true})
	require.NoError(t, err)

	created := pack.Document()
	assert.Equal(t, "alice", created.ID)
	assert.True(t, created.Relationships["children"].ToMany)
	assert.Empty(t, created.Relationships["children"].Many)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpdateMergesInPlace(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectExec(`UPDATE parents SET age = \$1 WHERE id = \$2`).
		WithArgs(float64(31), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT id, age, name, spouse_id FROM parents WHERE id = \$1`).
		WithArgs("alice").
		WillReturnRows(parentRows().AddRow("alice", float64(31), "Alice", nil))
	f.mock.ExpectQuery(`SELECT id FROM children WHERE parent_id = \$1 ORDER BY id`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	patch := engine.NewDocument("parents", "alice", map[string]interface{}{"age": float64(31)})
	pack, err := f.adapter.Update(context.Background(), f.parents.Query(), patch, engine.FindOptions{Detail: true})
	require.NoError(t, err)
	assert.Equal(t, float64(31), pack.Document().Attributes["age"])
	assert.Equal(t, "Alice", pack.Document().Attributes["name"])

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpdateUnknownRow(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectExec(`UPDATE parents SET age = \$1 WHERE id = \$2`).
		WithArgs(float64(31), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	patch := engine.NewDocument("parents", "ghost", map[string]interface{}{"age": float64(31)})
	_, err := f.adapter.Update(context.Background(), f.parents.Query(), patch, engine.FindOptions{Detail: true})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, engine.AsError(err).Status)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteByIDsAndByFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectExec(`DELETE FROM parents WHERE id IN \(\$1, \$2\)`).
		WithArgs("alice", "bob").
		WillReturnResult(sqlmock.NewResult(0, 2))

	q, err := f.adapter.ApplyBulkSelector(f.parents.Query(), engine.BulkSelector{IDs: []string{"alice", "bob"}})
	require.NoError(t, err)
	count, err := f.adapter.Delete(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	f.mock.ExpectExec(`DELETE FROM parents WHERE age = \$1`).
		WithArgs(float64(40)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	q, err = f.adapter.ApplyBulkSelector(f.parents.Query(), engine.BulkSelector{Filters: map[string]interface{}{"age": float64(40)}})
	require.NoError(t, err)
	count, err = f.adapter.Delete(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDeleteWithoutSelector(t *testing.T) {
	f := newFixture(t)

	_, err := f.adapter.Delete(context.Background(), f.parents.Query())
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, engine.AsError(err).Status)

	assert.NoError(t, f.mock.ExpectationsWereMet(), "an unselected delete never reaches the database")
}

func TestRelatedQueryRestrictsByForeignKey(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM parents WHERE id = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	f.mock.ExpectQuery(`SELECT id, name FROM children WHERE parent_id = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("eve", "Eve"))

	q, err := f.adapter.RelatedQuery(context.Background(), f.children.Query(), f.parents, engine.Locator{ID: "alice"}, "children", f.children)
	require.NoError(t, err)

	pack, err := f.adapter.Find(context.Background(), q, engine.Page{}, engine.FindOptions{})
	require.NoError(t, err)
	docs := pack.Collection().Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, "eve", docs[0].ID)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRelatedQueryUnknownOwner(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM parents WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, err := f.adapter.RelatedQuery(context.Background(), f.children.Query(), f.parents, engine.Locator{ID: "ghost"}, "children", f.children)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, engine.AsError(err).Status)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetRelatedSingular(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery(`SELECT spouse_id FROM parents WHERE id = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"spouse_id"}).AddRow("bob"))
	f.mock.ExpectQuery(`SELECT id, age, name, spouse_id FROM parents WHERE id = \$1`).
		WithArgs("bob").
		WillReturnRows(parentRows().AddRow("bob", float64(35), "Bob", "alice"))
	f.mock.ExpectQuery(`SELECT id FROM children WHERE parent_id = \$1 ORDER BY id`).
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	pack, err := f.adapter.GetRelated(ctx, f.parents.Query(), f.parents, engine.Locator{ID: "alice"}, "spouse", f.parents, engine.FindOptions{Detail: true})
	require.NoError(t, err)
	assert.Equal(t, "bob", pack.Document().ID)

	// A NULL foreign key resolves to a null pack.
	f.mock.ExpectQuery(`SELECT spouse_id FROM parents WHERE id = \$1`).
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"spouse_id"}).AddRow(nil))

	pack, err = f.adapter.GetRelated(ctx, f.parents.Query(), f.parents, engine.Locator{ID: "bob"}, "spouse", f.parents, engine.FindOptions{Detail: true})
	require.NoError(t, err)
	assert.Nil(t, pack.Data)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFindOffsetWithoutLimit(t *testing.T) {
	t.Run("postgres keeps a bare OFFSET", func(t *testing.T) {
		f := newFixture(t)

		f.mock.ExpectQuery(`SELECT id, age, name, spouse_id FROM parents OFFSET 1$`).
			WillReturnRows(parentRows().AddRow("bob", float64(41), "Bob", nil))

		pack, err := f.adapter.Find(context.Background(), f.parents.Query(), engine.Page{Offset: 1}, engine.FindOptions{})
		require.NoError(t, err)
		require.Equal(t, 1, pack.Collection().Len())

		assert.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("sqlite gets LIMIT -1", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		ad := New(db, SQLite)
		reg := engine.NewRegistry()
		res, err := reg.Register(engine.Config{
			Type:       "parents",
			Attributes: map[string]engine.Attribute{"name": {}},
		}, ad)
		require.NoError(t, err)

		mock.ExpectQuery(`SELECT id, name FROM parents LIMIT -1 OFFSET 1$`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow("bob", "Bob"))

		pack, err := ad.Find(context.Background(), res.Query(), engine.Page{Offset: 1}, engine.FindOptions{})
		require.NoError(t, err)
		require.Equal(t, 1, pack.Collection().Len())

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLiteDialectPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ad := New(db, SQLite)
	reg := engine.NewRegistry()
	res, err := reg.Register(engine.Config{
		Type:       "parents",
		Attributes: map[string]engine.Attribute{"name": {}},
	}, ad)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM parents WHERE name = \?`).
		WithArgs("Alice").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	q := ad.ApplyFilters(res.Query(), map[string]interface{}{"name": "Alice"})
	n, err := ad.Count(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
