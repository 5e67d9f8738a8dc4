// Package sqlbackend compiles relational plans to SQL and runs them through
// database/sql. DuckDB and SQLite dialects are provided.
package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
	"duck-semantic/internal/table"
)

var _ backend.Backend = (*Backend)(nil)

// relation is a SELECT statement with its output columns. order holds the
// ordering of the outermost statement so that wrappers can keep it.
type relation struct {
	sql     string
	columns []string
	order   []plan.Order
}

func (r *relation) Columns() []string { return r.columns }

// Backend is a SQL backend over one database handle.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// New creates a Backend for db speaking dialect.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Backend {
	return &Backend{db: db, dialect: dialect, logger: logger}
}

// Open opens a database for dialect. In-memory SQLite databases are bound to
// a single connection so every query sees the same data.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name(), err)
	}
	if _, ok := dialect.(SQLite); ok && (dsn == "" || strings.Contains(dsn, ":memory:")) {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Name returns the dialect name.
func (b *Backend) Name() string { return b.dialect.Name() }

// DB returns the underlying database handle.
func (b *Backend) DB() *sql.DB { return b.db }

// Dialect returns the SQL dialect.
func (b *Backend) Dialect() Dialect { return b.dialect }

func (b *Backend) cast(r backend.Relation) (*relation, error) {
	rel, ok := r.(*relation)
	if !ok {
		return nil, fmt.Errorf("%s: foreign relation %T", b.Name(), r)
	}
	return rel, nil
}

func (b *Backend) compiler() *compiler { return &compiler{dialect: b.dialect} }

// source renders a table source. Sources with parentheses or spaces are
// treated as SQL (table functions, subqueries), anything else as a dotted
// identifier.
func source(s string) string {
	if strings.ContainsAny(s, "( ") {
		return s
	}
	parts := strings.Split(s, ".")
	for i, p := range parts {
		parts[i] = Quote(p)
	}
	return strings.Join(parts, ".")
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = Quote(n)
	}
	return out
}

func subquery(rel *relation, alias string) string {
	return "(" + rel.sql + ") AS " + Quote(alias)
}

// === Queries ===

// CompileQuery compiles an aggregate query and its join tree.
func (b *Backend) CompileQuery(q *plan.Query) (backend.Relation, error) {
	text, err := b.compileQuery(q)
	if err != nil {
		return nil, err
	}
	return &relation{sql: text, columns: q.Columns(), order: q.OrderBy}, nil
}

func (b *Backend) compileQuery(q *plan.Query) (string, error) {
	src := q.Source
	if src == "" {
		src = q.Table
	}
	sb := squirrel.Select().From(source(src) + " AS " + Quote(q.Table))

	sb, err := b.addJoins(sb, []string{q.Table}, q.Joins)
	if err != nil {
		return "", err
	}

	c := b.compiler()
	var groupBy []string
	for _, col := range q.GroupBy {
		s, err := c.compile(col.Expr)
		if err != nil {
			return "", fmt.Errorf("group by %s: %w", col.Name, err)
		}
		sb = sb.Column(s + " AS " + Quote(col.Name))
		groupBy = append(groupBy, s)
	}
	for _, col := range q.Aggregates {
		agg := b.compiler()
		if col.Filter != nil {
			f, err := c.compile(col.Filter)
			if err != nil {
				return "", fmt.Errorf("filter of %s: %w", col.Name, err)
			}
			agg.aggFilter = f
		}
		s, err := agg.compile(col.Expr)
		if err != nil {
			return "", fmt.Errorf("aggregate %s: %w", col.Name, err)
		}
		sb = sb.Column(s + " AS " + Quote(col.Name))
	}
	for _, f := range q.Filters {
		s, err := c.compile(f)
		if err != nil {
			return "", fmt.Errorf("filter: %w", err)
		}
		sb = sb.Where(s)
	}
	if len(groupBy) > 0 {
		sb = sb.GroupBy(groupBy...)
	}
	for _, o := range q.OrderBy {
		sb = sb.OrderBy(orderTerm(Quote(o.Column), o.Desc))
	}
	if q.Limit > 0 {
		sb = sb.Limit(uint64(q.Limit))
	}
	text, _, err := sb.ToSql()
	if err != nil {
		return "", fmt.Errorf("build query on %s: %w", q.Table, err)
	}
	return text, nil
}

func (b *Backend) addJoins(sb squirrel.SelectBuilder, parent []string, joins []*plan.Join) (squirrel.SelectBuilder, error) {
	for _, j := range joins {
		path := append(append([]string(nil), parent...), j.Alias)
		alias := Quote(plan.RelationAlias(path))

		var target string
		if j.Query != nil {
			sub, err := b.compileQuery(j.Query)
			if err != nil {
				return sb, fmt.Errorf("join %s: %w", j.Alias, err)
			}
			target = "(" + sub + ")"
		} else {
			src := j.Source
			if src == "" {
				src = j.Table
			}
			target = source(src)
		}
		on := Quote(plan.RelationAlias(parent)) + "." + Quote(j.ForeignKey) + " = " + alias + "." + Quote(j.RelatedKey)
		clause := target + " AS " + alias + " ON " + on
		if j.Outer {
			sb = sb.LeftJoin(clause)
		} else {
			sb = sb.Join(clause)
		}
		var err error
		sb, err = b.addJoins(sb, path, j.Joins)
		if err != nil {
			return sb, err
		}
	}
	return sb, nil
}

// MergeQueries full-outer-joins the relations on the merge keys. Dialects
// without FULL OUTER JOIN report ErrUnsupported.
func (b *Backend) MergeQueries(rels []backend.Relation, on []string) (backend.Relation, error) {
	if len(rels) == 0 {
		return nil, fmt.Errorf("merge of no relations")
	}
	if len(rels) == 1 {
		return rels[0], nil
	}
	if !b.dialect.FullOuterJoin() {
		return nil, fmt.Errorf("%s: full outer join: %w", b.Name(), backend.ErrUnsupported)
	}
	inputs := make([]*relation, len(rels))
	for i, r := range rels {
		rel, err := b.cast(r)
		if err != nil {
			return nil, err
		}
		inputs[i] = rel
	}
	aliases := make([]string, len(inputs))
	for i := range inputs {
		aliases[i] = fmt.Sprintf("q%d", i)
	}

	keys := make(map[string]bool, len(on))
	columns := append([]string(nil), on...)
	var items []string
	for _, k := range on {
		keys[k] = true
		refs := make([]string, len(aliases))
		for i, a := range aliases {
			refs[i] = Quote(a) + "." + Quote(k)
		}
		items = append(items, "COALESCE("+strings.Join(refs, ", ")+") AS "+Quote(k))
	}
	seen := make(map[string]bool)
	for i, rel := range inputs {
		for _, col := range rel.columns {
			if keys[col] {
				continue
			}
			if seen[col] {
				return nil, fmt.Errorf("merge: column %q appears in more than one input", col)
			}
			seen[col] = true
			columns = append(columns, col)
			items = append(items, Quote(aliases[i])+"."+Quote(col))
		}
	}

	sb := squirrel.Select(items...).From(subquery(inputs[0], aliases[0]))
	for i := 1; i < len(inputs); i++ {
		if len(on) == 0 {
			sb = sb.JoinClause("CROSS JOIN " + subquery(inputs[i], aliases[i]))
			continue
		}
		conds := make([]string, len(on))
		for n, k := range on {
			prev := make([]string, i)
			for p := 0; p < i; p++ {
				prev[p] = Quote(aliases[p]) + "." + Quote(k)
			}
			left := prev[0]
			if i > 1 {
				left = "COALESCE(" + strings.Join(prev, ", ") + ")"
			}
			conds[n] = b.dialect.NullSafeEqual(left, Quote(aliases[i])+"."+Quote(k))
		}
		sb = sb.JoinClause("FULL OUTER JOIN " + subquery(inputs[i], aliases[i]) + " ON " + strings.Join(conds, " AND "))
	}
	text, _, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build merge: %w", err)
	}
	return &relation{sql: text, columns: columns}, nil
}

// === Relational operations ===

// Calculate adds or replaces columns. A column that refers to one computed
// in the same call is evaluated in a further SELECT layer.
func (b *Backend) Calculate(r backend.Relation, cols []plan.Column) (backend.Relation, error) {
	cur, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	c := b.compiler()
	pending := make(map[string]string)
	var added []string

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		columns := append([]string(nil), cur.columns...)
		items := make([]string, 0, len(columns)+len(added))
		for _, name := range columns {
			if s, ok := pending[name]; ok {
				items = append(items, s+" AS "+Quote(name))
				continue
			}
			items = append(items, Quote(name))
		}
		present := make(map[string]bool, len(columns))
		for _, name := range columns {
			present[name] = true
		}
		for _, name := range added {
			if !present[name] {
				items = append(items, pending[name]+" AS "+Quote(name))
				columns = append(columns, name)
			}
		}
		text, _, err := squirrel.Select(items...).From(subquery(cur, "t")).ToSql()
		if err != nil {
			return fmt.Errorf("build calculate: %w", err)
		}
		cur = &relation{sql: text, columns: columns}
		pending = make(map[string]string)
		added = nil
		return nil
	}

	for _, col := range cols {
		_, redefined := pending[col.Name]
		dependent := redefined
		for _, ref := range expr.ColumnRefs(col.Expr) {
			if _, ok := pending[ref.Name]; ok {
				dependent = true
				break
			}
		}
		if dependent {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		s, err := c.compile(col.Expr)
		if err != nil {
			return nil, fmt.Errorf("calculate %s: %w", col.Name, err)
		}
		pending[col.Name] = s
		added = append(added, col.Name)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return cur, nil
}

// InnerJoin joins two relations with null-safe equality on the shared key
// columns, or cross joins them without keys.
func (b *Backend) InnerJoin(l, r backend.Relation, on []string) (backend.Relation, error) {
	left, err := b.cast(l)
	if err != nil {
		return nil, err
	}
	right, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(on))
	for _, k := range on {
		keys[k] = true
	}
	present := make(map[string]bool, len(left.columns))
	columns := append([]string(nil), left.columns...)
	items := make([]string, 0, len(left.columns)+len(right.columns))
	for _, col := range left.columns {
		present[col] = true
		items = append(items, Quote("l")+"."+Quote(col))
	}
	for _, col := range right.columns {
		if keys[col] {
			continue
		}
		if present[col] {
			return nil, fmt.Errorf("join: column %q appears on both sides", col)
		}
		columns = append(columns, col)
		items = append(items, Quote("r")+"."+Quote(col))
	}

	sb := squirrel.Select(items...).From(subquery(left, "l"))
	if len(on) == 0 {
		sb = sb.JoinClause("CROSS JOIN " + subquery(right, "r"))
	} else {
		conds := make([]string, len(on))
		for i, k := range on {
			conds[i] = b.dialect.NullSafeEqual(Quote("l")+"."+Quote(k), Quote("r")+"."+Quote(k))
		}
		sb = sb.JoinClause("JOIN " + subquery(right, "r") + " ON " + strings.Join(conds, " AND "))
	}
	text, _, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build join: %w", err)
	}
	return &relation{sql: text, columns: columns}, nil
}

// Filter keeps the rows satisfying every predicate.
func (b *Backend) Filter(r backend.Relation, preds []expr.Node) (backend.Relation, error) {
	rel, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	c := b.compiler()
	sb := squirrel.Select(quoteAll(rel.columns)...).From(subquery(rel, "t"))
	for _, p := range preds {
		s, err := c.compile(p)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		sb = sb.Where(s)
	}
	text, _, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	return &relation{sql: text, columns: rel.columns}, nil
}

// FilterWithTuples keeps the rows whose key columns match a row of tuples.
// The tuples are inlined as a VALUES list.
func (b *Backend) FilterWithTuples(r backend.Relation, tuples *table.Table, on []string) (backend.Relation, error) {
	rel, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	sb := squirrel.Select(quoteAll(rel.columns)...).From(subquery(rel, "t"))
	switch {
	case tuples.Len() == 0:
		sb = sb.Where("1 = 0")
	case len(on) == 0:
	default:
		idx := make([]int, len(on))
		for i, k := range on {
			if idx[i] = tuples.Index(k); idx[i] < 0 {
				return nil, fmt.Errorf("tuples have no column %q", k)
			}
		}
		values := make([]string, tuples.Len())
		for n, row := range tuples.Rows {
			lits := make([]string, len(idx))
			for i, j := range idx {
				lits[i] = b.dialect.Literal(row[j])
			}
			values[n] = "(" + strings.Join(lits, ", ") + ")"
		}
		conds := make([]string, len(on))
		for i, k := range on {
			conds[i] = b.dialect.NullSafeEqual(Quote("t")+"."+Quote(k), Quote("v")+"."+Quote(k))
		}
		sb = sb.Where("EXISTS (WITH " + Quote("v") + "(" + strings.Join(quoteAll(on), ", ") + ") AS (VALUES " +
			strings.Join(values, ", ") + ") SELECT 1 FROM " + Quote("v") + " WHERE " + strings.Join(conds, " AND ") + ")")
	}
	text, _, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build tuple filter: %w", err)
	}
	return &relation{sql: text, columns: rel.columns}, nil
}

// Project keeps the named columns in the given order.
func (b *Backend) Project(r backend.Relation, columns []string) (backend.Relation, error) {
	rel, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(rel.columns))
	for _, c := range rel.columns {
		have[c] = true
	}
	for _, c := range columns {
		if !have[c] {
			return nil, fmt.Errorf("project: unknown column %q", c)
		}
	}
	// the ordering is applied here even when its columns are dropped, but
	// only carried forward while they survive
	order := rel.order
	for _, o := range rel.order {
		if !contains(columns, o.Column) {
			order = nil
		}
	}
	sb := withOrder(squirrel.Select(quoteAll(columns)...).From(subquery(rel, "t")), rel.order)
	text, _, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build project: %w", err)
	}
	return &relation{sql: text, columns: append([]string(nil), columns...), order: order}, nil
}

// Order sorts the relation, nulls last.
func (b *Backend) Order(r backend.Relation, orders []plan.Order) (backend.Relation, error) {
	rel, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if !contains(rel.columns, o.Column) {
			return nil, fmt.Errorf("order: unknown column %q", o.Column)
		}
	}
	sb := withOrder(squirrel.Select(quoteAll(rel.columns)...).From(subquery(rel, "t")), orders)
	text, _, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build order: %w", err)
	}
	return &relation{sql: text, columns: rel.columns, order: orders}, nil
}

// Limit keeps the first n rows, preserving the current ordering.
func (b *Backend) Limit(r backend.Relation, n int) (backend.Relation, error) {
	rel, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	sb := withOrder(squirrel.Select(quoteAll(rel.columns)...).From(subquery(rel, "t")), rel.order)
	text, _, err := sb.Limit(uint64(n)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build limit: %w", err)
	}
	return &relation{sql: text, columns: rel.columns, order: rel.order}, nil
}

func withOrder(sb squirrel.SelectBuilder, orders []plan.Order) squirrel.SelectBuilder {
	for _, o := range orders {
		sb = sb.OrderBy(orderTerm(Quote(o.Column), o.Desc))
	}
	return sb
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// === Execution ===

// Execute runs the relation and collects its rows.
func (b *Backend) Execute(ctx context.Context, r backend.Relation) (*table.Table, error) {
	rel, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := b.db.QueryContext(ctx, rel.sql)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", b.Name(), err)
	}
	defer rows.Close() //nolint:errcheck

	t, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%s scan: %w", b.Name(), err)
	}
	// output names come from the plan, not the driver
	if len(t.Columns) == len(rel.columns) {
		t.Columns = append([]string(nil), rel.columns...)
	}
	b.logger.Debug("sql executed", "backend", b.Name(), "rows", t.Len(), "duration", time.Since(start))
	return t, nil
}

func scanRows(rows *sql.Rows) (*table.Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		result = append(result, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return table.New(cols, result), nil
}

// Display returns the SQL text of a relation.
func (b *Backend) Display(r backend.Relation) string {
	if rel, ok := r.(*relation); ok {
		return rel.sql
	}
	return fmt.Sprintf("%v", r)
}
