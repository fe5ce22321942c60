// Package sqlstore implements the storage adapter over database/sql. Each
// resource maps to one table named after its entity: attributes are columns,
// singular relationships are foreign key columns on the owning table, and
// plural relationships are resolved through a foreign key on the related
// table. It works against PostgreSQL (lib/pq or the pgx stdlib driver) and
// SQLite, differing only in placeholder syntax.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/manifold-api/manifold/pkg/engine"
)

// Dialect selects the placeholder syntax.
type Dialect int

const (
	// Postgres uses $1, $2, ... placeholders.
	Postgres Dialect = iota
	// SQLite uses ? placeholders.
	SQLite
)

// Adapter implements engine.Adapter over a SQL database.
type Adapter struct {
	db      *sql.DB
	dialect Dialect

	// IDFunc generates ids for created rows. Defaults to random UUIDs.
	IDFunc func() string
}

// New builds an adapter over the database handle.
func New(db *sql.DB, dialect Dialect) *Adapter {
	return &Adapter{db: db, dialect: dialect, IDFunc: uuid.NewString}
}

// query accumulates conditions; every Apply method returns a modified copy.
type query struct {
	res     *engine.Resource
	filters map[string]interface{}
	search  string
	sorts   []engine.Sort
	ids     []string
	byIDs   bool
	fkCol   string
	fkVal   string
}

func (q query) withFilters(filters map[string]interface{}) query {
	if len(filters) == 0 {
		return q
	}
	merged := make(map[string]interface{}, len(q.filters)+len(filters))
	for k, v := range q.filters {
		merged[k] = v
	}
	for k, v := range filters {
		merged[k] = v
	}
	q.filters = merged
	return q
}

// Query returns an empty unscoped query.
func (a *Adapter) Query() engine.Query { return query{} }

// ApplyScope binds the query to a resource.
func (a *Adapter) ApplyScope(q engine.Query, res *engine.Resource) engine.Query {
	sq := q.(query)
	sq.res = res
	return sq
}

// ApplyFilters adds column equality conditions.
func (a *Adapter) ApplyFilters(q engine.Query, filters map[string]interface{}) engine.Query {
	return q.(query).withFilters(filters)
}

// ApplySearch adds a case-insensitive LIKE condition over the resource's
// searchable attributes.
func (a *Adapter) ApplySearch(q engine.Query, term string) engine.Query {
	sq := q.(query)
	sq.search = term
	return sq
}

// ApplySorts sets the ORDER BY fields.
func (a *Adapter) ApplySorts(q engine.Query, sorts []engine.Sort) engine.Query {
	sq := q.(query)
	sq.sorts = sorts
	return sq
}

// ApplyBulkSelector restricts the query to explicit ids or to the selector's
// filter expression.
func (a *Adapter) ApplyBulkSelector(q engine.Query, sel engine.BulkSelector) (engine.Query, error) {
	sq := q.(query)
	if sel.IDs != nil {
		sq.ids = append([]string(nil), sel.IDs...)
		sq.byIDs = true
		return sq, nil
	}
	return sq.withFilters(sel.Filters), nil
}

// builder assembles one statement's placeholders and arguments.
type builder struct {
	dialect Dialect
	args    []interface{}
}

func (b *builder) ph(arg interface{}) string {
	b.args = append(b.args, arg)
	if b.dialect == SQLite {
		return "?"
	}
	return "$" + strconv.Itoa(len(b.args))
}

// whereClause renders the query's conditions. Filter and sort fields must be
// configured attributes so arbitrary column names never reach the statement.
func (sq query) whereClause(b *builder) (string, error) {
	var conds []string

	for _, field := range sortedKeys(sq.filters) {
		if _, ok := sq.res.Attribute(field); !ok {
			return "", engine.BadRequest("cannot filter on unknown attribute %q", field)
		}
		conds = append(conds, fmt.Sprintf("%s = %s", field, b.ph(sq.filters[field])))
	}

	if sq.search != "" {
		var searchable []string
		for name, attr := range sq.res.Config().Attributes {
			if attr.Searchable {
				searchable = append(searchable, name)
			}
		}
		sort.Strings(searchable)
		if len(searchable) == 0 {
			conds = append(conds, "1 = 0")
		} else {
			pattern := "%" + strings.ToLower(sq.search) + "%"
			var likes []string
			for _, col := range searchable {
				likes = append(likes, fmt.Sprintf("LOWER(%s) LIKE %s", col, b.ph(pattern)))
			}
			conds = append(conds, "("+strings.Join(likes, " OR ")+")")
		}
	}

	if sq.byIDs {
		if len(sq.ids) == 0 {
			conds = append(conds, "1 = 0")
		} else {
			phs := make([]string, 0, len(sq.ids))
			for _, id := range sq.ids {
				phs = append(phs, b.ph(id))
			}
			conds = append(conds, fmt.Sprintf("id IN (%s)", strings.Join(phs, ", ")))
		}
	}

	if sq.fkCol != "" {
		conds = append(conds, fmt.Sprintf("%s = %s", sq.fkCol, b.ph(sq.fkVal)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func (sq query) orderClause() (string, error) {
	if len(sq.sorts) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(sq.sorts))
	for _, s := range sq.sorts {
		if _, ok := sq.res.Attribute(s.Field); !ok {
			return "", engine.BadRequest("cannot sort on unknown attribute %q", s.Field)
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, s.Field+" "+dir)
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// columns returns the table's column list in deterministic order: id first,
// then attributes, then singular relationship foreign keys.
func columns(res *engine.Resource) []string {
	cfg := res.Config()
	cols := []string{"id"}

	var attrs []string
	for name := range cfg.Attributes {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)
	cols = append(cols, attrs...)

	var fks []string
	for name, def := range cfg.Relationships {
		if def.ToMany || def.Polymorphic {
			continue
		}
		fks = append(fks, fkColumn(name, def))
	}
	sort.Strings(fks)
	return append(cols, fks...)
}

// fkColumn names the owning-side column for a singular relationship.
func fkColumn(name string, def engine.RelationshipDef) string {
	if def.ForeignKey != "" {
		return def.ForeignKey
	}
	return name + "_id"
}

// childFKColumn names the related-table column that points back at the
// owner for a plural relationship.
func childFKColumn(owner *engine.Resource, def engine.RelationshipDef) string {
	if def.ForeignKey != "" {
		return def.ForeignKey
	}
	return strings.TrimSuffix(owner.Entity(), "s") + "_id"
}

// Count returns the number of rows matching the query.
func (a *Adapter) Count(ctx context.Context, q engine.Query) (int64, error) {
	sq := q.(query)
	b := &builder{dialect: a.dialect}
	where, err := sq.whereClause(b)
	if err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", sq.res.Entity(), where)
	var count int64
	if err := a.db.QueryRowContext(ctx, stmt, b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w", sq.res.Entity(), err)
	}
	return count, nil
}

// Find returns the matching page of rows in query order.
func (a *Adapter) Find(ctx context.Context, q engine.Query, page engine.Page, opts engine.FindOptions) (*engine.Pack, error) {
	sq := q.(query)
	b := &builder{dialect: a.dialect}
	where, err := sq.whereClause(b)
	if err != nil {
		return nil, err
	}
	order, err := sq.orderClause()
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s%s%s",
		strings.Join(columns(sq.res), ", "), sq.res.Entity(), where, order)
	if page.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", page.Limit)
	} else if page.Offset > 0 && a.dialect == SQLite {
		// SQLite has no bare OFFSET; -1 means no limit.
		stmt += " LIMIT -1"
	}
	if page.Offset > 0 {
		stmt += fmt.Sprintf(" OFFSET %d", page.Offset)
	}

	rows, err := a.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", sq.res.Entity(), err)
	}
	defer rows.Close()

	coll := engine.NewCollection()
	for rows.Next() {
		record, err := scanRow(rows, sq.res)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", sq.res.Entity(), err)
		}
		coll.Add(docFromRecord(sq.res, record, opts.Detail))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", sq.res.Entity(), err)
	}
	return engine.NewPack(coll), nil
}

// Get returns the single row the locator addresses, with plural
// relationship linkages loaded.
func (a *Adapter) Get(ctx context.Context, q engine.Query, loc engine.Locator, opts engine.FindOptions) (*engine.Pack, error) {
	sq := q.(query)
	doc, err := a.fetchByID(ctx, sq.res, locatorKey(loc), opts.Detail)
	if err != nil {
		return nil, err
	}
	return engine.NewPack(doc), nil
}

// Create inserts a row and reads it back. Only configured attributes and
// singular relationships are persisted; anything else the document carries
// is dropped.
func (a *Adapter) Create(ctx context.Context, q engine.Query, doc *engine.Document, opts engine.FindOptions) (*engine.Pack, error) {
	sq := q.(query)
	res := sq.res

	id := doc.ID
	if id == "" {
		id = a.nextID()
	}

	cols := []string{"id"}
	vals := []interface{}{id}
	for _, name := range sortedKeys(doc.Attributes) {
		if _, ok := res.Attribute(name); !ok {
			continue
		}
		cols = append(cols, name)
		vals = append(vals, doc.Attributes[name])
	}
	for _, name := range sortedRelNames(doc) {
		def, ok := res.RelationshipDef(name)
		if !ok || def.ToMany || def.Polymorphic {
			continue
		}
		cols = append(cols, fkColumn(name, def))
		vals = append(vals, fkValue(doc.Relationships[name]))
	}

	b := &builder{dialect: a.dialect}
	phs := make([]string, 0, len(vals))
	for _, v := range vals {
		phs = append(phs, b.ph(v))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		res.Entity(), strings.Join(cols, ", "), strings.Join(phs, ", "))
	if _, err := a.db.ExecContext(ctx, stmt, b.args...); err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", res.Entity(), err)
	}

	created, err := a.fetchByID(ctx, res, id, opts.Detail)
	if err != nil {
		return nil, err
	}
	return engine.NewPack(created), nil
}

// Update writes the document's attributes and singular relationships over
// the stored row and reads the merged row back. Columns absent from the
// document are left untouched.
func (a *Adapter) Update(ctx context.Context, q engine.Query, doc *engine.Document, opts engine.FindOptions) (*engine.Pack, error) {
	sq := q.(query)
	res := sq.res

	b := &builder{dialect: a.dialect}
	var sets []string
	for _, name := range sortedKeys(doc.Attributes) {
		if _, ok := res.Attribute(name); !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", name, b.ph(doc.Attributes[name])))
	}
	for _, name := range sortedRelNames(doc) {
		def, ok := res.RelationshipDef(name)
		if !ok || def.ToMany || def.Polymorphic {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", fkColumn(name, def), b.ph(fkValue(doc.Relationships[name]))))
	}

	if len(sets) > 0 {
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s",
			res.Entity(), strings.Join(sets, ", "), b.ph(doc.ID))
		result, err := a.db.ExecContext(ctx, stmt, b.args...)
		if err != nil {
			return nil, fmt.Errorf("updating %s: %w", res.Entity(), err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("updating %s: %w", res.Entity(), err)
		}
		if affected == 0 {
			return nil, engine.NotFound("document %q not found in %q", doc.ID, res.Entity())
		}
	}

	updated, err := a.fetchByID(ctx, res, doc.ID, opts.Detail)
	if err != nil {
		return nil, err
	}
	return engine.NewPack(updated), nil
}

// Delete removes every row the query's selector addresses.
func (a *Adapter) Delete(ctx context.Context, q engine.Query) (int64, error) {
	sq := q.(query)
	if !sq.byIDs && len(sq.filters) == 0 {
		return 0, engine.BadRequest("delete requires a selector")
	}

	b := &builder{dialect: a.dialect}
	where, err := sq.whereClause(b)
	if err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf("DELETE FROM %s%s", sq.res.Entity(), where)
	result, err := a.db.ExecContext(ctx, stmt, b.args...)
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", sq.res.Entity(), err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", sq.res.Entity(), err)
	}
	return count, nil
}

// RelatedQuery restricts the related resource's query to rows whose foreign
// key points back at the owner.
func (a *Adapter) RelatedQuery(ctx context.Context, q engine.Query, owner *engine.Resource, ownerLoc engine.Locator, relName string, related *engine.Resource) (engine.Query, error) {
	sq := q.(query)
	def, _ := owner.RelationshipDef(relName)

	// The owner must exist for traversal to be meaningful.
	if err := a.exists(ctx, owner, locatorKey(ownerLoc)); err != nil {
		return nil, err
	}

	sq.fkCol = childFKColumn(owner, def)
	sq.fkVal = locatorKey(ownerLoc)
	return sq, nil
}

// GetRelated resolves a singular relationship by reading the owner's foreign
// key column and fetching the target row.
func (a *Adapter) GetRelated(ctx context.Context, q engine.Query, owner *engine.Resource, ownerLoc engine.Locator, relName string, related *engine.Resource, opts engine.FindOptions) (*engine.Pack, error) {
	def, _ := owner.RelationshipDef(relName)
	col := fkColumn(relName, def)

	b := &builder{dialect: a.dialect}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s", col, owner.Entity(), b.ph(locatorKey(ownerLoc)))

	var target sql.NullString
	if err := a.db.QueryRowContext(ctx, stmt, b.args...).Scan(&target); err != nil {
		if err == sql.ErrNoRows {
			return nil, engine.NotFound("document %q not found in %q", locatorKey(ownerLoc), owner.Entity())
		}
		return nil, fmt.Errorf("reading %s.%s: %w", owner.Entity(), col, err)
	}
	if !target.Valid {
		return engine.NewPack(nil), nil
	}

	doc, err := a.fetchByID(ctx, related, target.String, opts.Detail)
	if err != nil {
		return nil, err
	}
	return engine.NewPack(doc), nil
}

func (a *Adapter) nextID() string {
	if a.IDFunc != nil {
		return a.IDFunc()
	}
	return uuid.NewString()
}

func (a *Adapter) exists(ctx context.Context, res *engine.Resource, id string) error {
	b := &builder{dialect: a.dialect}
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = %s", res.Entity(), b.ph(id))
	var count int64
	if err := a.db.QueryRowContext(ctx, stmt, b.args...).Scan(&count); err != nil {
		return fmt.Errorf("checking %s: %w", res.Entity(), err)
	}
	if count == 0 {
		return engine.NotFound("document %q not found in %q", id, res.Entity())
	}
	return nil
}

// fetchByID reads one row and, on detail views, loads its plural
// relationship linkages with one query per relationship.
func (a *Adapter) fetchByID(ctx context.Context, res *engine.Resource, id string, detail bool) (*engine.Document, error) {
	b := &builder{dialect: a.dialect}
	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s",
		strings.Join(columns(res), ", "), res.Entity(), b.ph(id))

	rows, err := a.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", res.Entity(), err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", res.Entity(), err)
		}
		return nil, engine.NotFound("document %q not found in %q", id, res.Entity())
	}
	record, err := scanRow(rows, res)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", res.Entity(), err)
	}
	doc := docFromRecord(res, record, detail)

	if detail {
		if err := a.loadToMany(ctx, res, doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// loadToMany fills the document's plural relationships from the related
// tables' foreign keys.
func (a *Adapter) loadToMany(ctx context.Context, res *engine.Resource, doc *engine.Document) error {
	registry := res.Registry()
	for name, def := range res.Config().Relationships {
		if !def.ToMany || def.Polymorphic {
			continue
		}
		related, err := registry.Get(def.RelatedType)
		if err != nil {
			continue
		}

		b := &builder{dialect: a.dialect}
		stmt := fmt.Sprintf("SELECT id FROM %s WHERE %s = %s ORDER BY id",
			related.Entity(), childFKColumn(res, def), b.ph(doc.ID))
		rows, err := a.db.QueryContext(ctx, stmt, b.args...)
		if err != nil {
			return fmt.Errorf("loading %s.%s: %w", res.Entity(), name, err)
		}

		linkages := []engine.Linkage{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("loading %s.%s: %w", res.Entity(), name, err)
			}
			linkages = append(linkages, engine.Linkage{Type: def.RelatedType, ID: id})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("loading %s.%s: %w", res.Entity(), name, err)
		}
		rows.Close()
		doc.Relationships[name] = engine.ToManyOf(linkages...)
	}
	return nil
}

// scanRow scans the current row into a column-keyed map.
func scanRow(rows *sql.Rows, res *engine.Resource) (map[string]interface{}, error) {
	cols := columns(res)
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	record := make(map[string]interface{}, len(cols))
	for i, col := range cols {
		record[col] = normalizeValue(values[i])
	}
	return record, nil
}

// docFromRecord maps a row onto a document: attributes from their columns,
// singular relationships from foreign key columns. Detail-only fields are
// dropped from summary views.
func docFromRecord(res *engine.Resource, record map[string]interface{}, detail bool) *engine.Document {
	cfg := res.Config()

	attrs := make(map[string]interface{}, len(cfg.Attributes))
	for name, attr := range cfg.Attributes {
		if attr.DetailOnly && !detail {
			continue
		}
		attrs[name] = record[name]
	}

	id, _ := record["id"].(string)
	doc := engine.NewDocument(res.Type(), id, attrs)
	for name, def := range cfg.Relationships {
		if def.ToMany || def.Polymorphic {
			continue
		}
		if def.DetailOnly && !detail {
			continue
		}
		target, _ := record[fkColumn(name, def)].(string)
		if target == "" {
			doc.Relationships[name] = engine.ToOne(nil)
		} else {
			doc.Relationships[name] = engine.ToOne(&engine.Linkage{Type: def.RelatedType, ID: target})
		}
	}
	return doc
}

// fkValue extracts the foreign key value from a singular relationship; a
// null linkage persists as NULL.
func fkValue(rel engine.Relationship) interface{} {
	if rel.One == nil {
		return nil
	}
	return rel.One.ID
}

// normalizeValue converts driver-specific scan results into JSON-shaped
// values.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func locatorKey(loc engine.Locator) string {
	if loc.ID != "" {
		return loc.ID
	}
	return loc.Singleton
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedRelNames(doc *engine.Document) []string {
	names := make([]string, 0, len(doc.Relationships))
	for name := range doc.Relationships {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
