// Package memory implements the backend protocol over in-memory tables.
// Relations are lazy: each one is a closure run by Execute.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
	"duck-semantic/internal/table"
)

var _ backend.Backend = (*Backend)(nil)

type relation struct {
	columns []string
	text    string
	run     func(ctx context.Context) (*table.Table, error)
}

func (r *relation) Columns() []string { return r.columns }

// Backend evaluates relations over registered source tables.
type Backend struct {
	mu     sync.RWMutex
	tables map[string]*table.Table
	logger *slog.Logger
}

// New creates a backend over tables keyed by source name.
func New(tables map[string]*table.Table, logger *slog.Logger) *Backend {
	b := &Backend{tables: make(map[string]*table.Table, len(tables)), logger: logger}
	for name, t := range tables {
		b.tables[name] = t
	}
	return b
}

// LoadDir reads every CSV file in dir, keyed by file name without extension.
func LoadDir(dir string) (map[string]*table.Table, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]*table.Table, len(paths))
	for _, p := range paths {
		t, err := table.LoadCSV(p)
		if err != nil {
			return nil, err
		}
		out[strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))] = t
	}
	return out, nil
}

// Register adds or replaces a source table.
func (b *Backend) Register(name string, t *table.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[name] = t
}

// Name returns "memory".
func (b *Backend) Name() string { return "memory" }

func (b *Backend) cast(r backend.Relation) (*relation, error) {
	rel, ok := r.(*relation)
	if !ok {
		return nil, fmt.Errorf("memory: foreign relation %T", r)
	}
	return rel, nil
}

func (b *Backend) source(name, fallback string) (*table.Table, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.tables[name]; ok {
		return t, nil
	}
	if t, ok := b.tables[fallback]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("memory: no table %q", name)
}

// qualified resolves a column path to the prefixed column names of a
// joined table. Unqualified references resolve by plain name.
func qualified(t *table.Table) table.Resolver {
	return func(r *expr.ColumnRef) (int, error) {
		name := r.Name
		if len(r.Path) > 0 {
			name = prefix(r.Path) + r.Name
		}
		if i := t.Index(name); i >= 0 {
			return i, nil
		}
		return 0, fmt.Errorf("unknown column %q", name)
	}
}

func prefix(path []string) string {
	return plan.RelationAlias(path) + "."
}

func named(cols []plan.Column) []table.NamedExpr {
	out := make([]table.NamedExpr, len(cols))
	for i, c := range cols {
		out[i] = table.NamedExpr{Name: c.Name, Expr: c.Expr, Filter: c.Filter}
	}
	return out
}

func toOrders(orders []plan.Order) []table.Order {
	out := make([]table.Order, len(orders))
	for i, o := range orders {
		out[i] = table.Order{Column: o.Column, Desc: o.Desc}
	}
	return out
}

// === Queries ===

// CompileQuery returns a relation that scans, joins, filters and groups.
func (b *Backend) CompileQuery(q *plan.Query) (backend.Relation, error) {
	return &relation{
		columns: q.Columns(),
		text:    describe(q),
		run: func(ctx context.Context) (*table.Table, error) {
			return b.runQuery(ctx, q)
		},
	}, nil
}

func (b *Backend) runQuery(ctx context.Context, q *plan.Query) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := q.Source
	if src == "" {
		src = q.Table
	}
	base, err := b.source(src, q.Table)
	if err != nil {
		return nil, err
	}
	anchor := []string{q.Table}
	wide := base.Rename(func(c string) string { return prefix(anchor) + c })
	if wide, err = b.join(ctx, wide, anchor, q.Joins); err != nil {
		return nil, err
	}
	if len(q.Filters) > 0 {
		if wide, err = wide.Where(q.Filters, qualified(wide)); err != nil {
			return nil, fmt.Errorf("filter %s: %w", q.Table, err)
		}
	}
	out, err := wide.GroupBy(named(q.GroupBy), named(q.Aggregates), qualified(wide))
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", q.Table, err)
	}
	if len(q.OrderBy) > 0 {
		if out, err = out.OrderBy(toOrders(q.OrderBy)); err != nil {
			return nil, err
		}
	}
	if q.Limit > 0 {
		out = out.Limit(q.Limit)
	}
	return out, nil
}

func (b *Backend) join(ctx context.Context, wide *table.Table, parent []string, joins []*plan.Join) (*table.Table, error) {
	for _, j := range joins {
		path := append(append([]string(nil), parent...), j.Alias)
		var target *table.Table
		var err error
		if j.Query != nil {
			target, err = b.runQuery(ctx, j.Query)
		} else {
			src := j.Source
			if src == "" {
				src = j.Table
			}
			target, err = b.source(src, j.Table)
		}
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", j.Alias, err)
		}
		target = target.Rename(func(c string) string { return prefix(path) + c })
		wide, err = wide.JoinKeys(target,
			[]string{prefix(parent) + j.ForeignKey}, []string{prefix(path) + j.RelatedKey}, j.Outer)
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", j.Alias, err)
		}
		if wide, err = b.join(ctx, wide, path, j.Joins); err != nil {
			return nil, err
		}
	}
	return wide, nil
}

func describe(q *plan.Query) string {
	var b strings.Builder
	src := q.Source
	if src == "" {
		src = q.Table
	}
	b.WriteString("scan " + src + " as " + q.Table)
	var joins func(parent []string, js []*plan.Join)
	joins = func(parent []string, js []*plan.Join) {
		for _, j := range js {
			path := append(append([]string(nil), parent...), j.Alias)
			kind := "join"
			if j.Outer {
				kind = "left join"
			}
			target := j.Table
			if j.Query != nil {
				target = "(" + describe(j.Query) + ")"
			}
			fmt.Fprintf(&b, " | %s %s as %s on %s = %s", kind, target, plan.RelationAlias(path), j.ForeignKey, j.RelatedKey)
			joins(path, j.Joins)
		}
	}
	joins([]string{q.Table}, q.Joins)
	for _, f := range q.Filters {
		b.WriteString(" | where " + expr.String(f))
	}
	cols := make([]string, 0, len(q.GroupBy)+len(q.Aggregates))
	for _, c := range q.GroupBy {
		cols = append(cols, c.Name+"="+expr.String(c.Expr))
	}
	b.WriteString(" | group by [" + strings.Join(cols, ", ") + "]")
	cols = cols[:0]
	for _, c := range q.Aggregates {
		s := c.Name + "=" + expr.String(c.Expr)
		if c.Filter != nil {
			s += " filter " + expr.String(c.Filter)
		}
		cols = append(cols, s)
	}
	b.WriteString(" aggregate [" + strings.Join(cols, ", ") + "]")
	if q.Limit > 0 {
		fmt.Fprintf(&b, " | limit %d", q.Limit)
	}
	return b.String()
}

// MergeQueries is not native to this backend; the engine merges the
// materialized inputs instead.
func (b *Backend) MergeQueries([]backend.Relation, []string) (backend.Relation, error) {
	return nil, fmt.Errorf("memory: merge: %w", backend.ErrUnsupported)
}

// === Relational operations ===

func (b *Backend) derive(r backend.Relation, columns []string, text string, fn func(*table.Table) (*table.Table, error)) (backend.Relation, error) {
	in, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	if columns == nil {
		columns = in.columns
	}
	return &relation{
		columns: columns,
		text:    in.text + " | " + text,
		run: func(ctx context.Context) (*table.Table, error) {
			t, err := in.run(ctx)
			if err != nil {
				return nil, err
			}
			return fn(t)
		},
	}, nil
}

func (b *Backend) Calculate(r backend.Relation, cols []plan.Column) (backend.Relation, error) {
	in, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	columns := append([]string(nil), in.columns...)
	var parts []string
	for _, c := range cols {
		if !contains(columns, c.Name) {
			columns = append(columns, c.Name)
		}
		parts = append(parts, c.Name+"="+expr.String(c.Expr))
	}
	return b.derive(r, columns, "calculate ["+strings.Join(parts, ", ")+"]", func(t *table.Table) (*table.Table, error) {
		return t.Calculate(named(cols))
	})
}

func (b *Backend) InnerJoin(l, r backend.Relation, on []string) (backend.Relation, error) {
	left, err := b.cast(l)
	if err != nil {
		return nil, err
	}
	right, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	columns := append([]string(nil), left.columns...)
	for _, c := range right.columns {
		if contains(on, c) {
			continue
		}
		if contains(columns, c) {
			return nil, fmt.Errorf("join: column %q appears on both sides", c)
		}
		columns = append(columns, c)
	}
	return &relation{
		columns: columns,
		text:    "(" + left.text + ") join (" + right.text + ") on [" + strings.Join(on, ", ") + "]",
		run: func(ctx context.Context) (*table.Table, error) {
			lt, err := left.run(ctx)
			if err != nil {
				return nil, err
			}
			rt, err := right.run(ctx)
			if err != nil {
				return nil, err
			}
			return lt.Join(rt, on)
		},
	}, nil
}

func (b *Backend) Filter(r backend.Relation, preds []expr.Node) (backend.Relation, error) {
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = expr.String(p)
	}
	return b.derive(r, nil, "where "+strings.Join(parts, " and "), func(t *table.Table) (*table.Table, error) {
		return t.Where(preds, nil)
	})
}

func (b *Backend) FilterWithTuples(r backend.Relation, tuples *table.Table, on []string) (backend.Relation, error) {
	text := fmt.Sprintf("semijoin %d tuples on [%s]", tuples.Len(), strings.Join(on, ", "))
	return b.derive(r, nil, text, func(t *table.Table) (*table.Table, error) {
		if len(on) == 0 {
			if tuples.Len() == 0 {
				return &table.Table{Columns: t.Columns}, nil
			}
			return t, nil
		}
		return t.Semijoin(tuples, on)
	})
}

func (b *Backend) Project(r backend.Relation, columns []string) (backend.Relation, error) {
	return b.derive(r, append([]string(nil), columns...), "project ["+strings.Join(columns, ", ")+"]", func(t *table.Table) (*table.Table, error) {
		return t.Project(columns)
	})
}

func (b *Backend) Order(r backend.Relation, orders []plan.Order) (backend.Relation, error) {
	parts := make([]string, len(orders))
	for i, o := range orders {
		parts[i] = o.Column
		if o.Desc {
			parts[i] += " desc"
		}
	}
	return b.derive(r, nil, "order by "+strings.Join(parts, ", "), func(t *table.Table) (*table.Table, error) {
		return t.OrderBy(toOrders(orders))
	})
}

func (b *Backend) Limit(r backend.Relation, n int) (backend.Relation, error) {
	return b.derive(r, nil, fmt.Sprintf("limit %d", n), func(t *table.Table) (*table.Table, error) {
		return t.Limit(n), nil
	})
}

// === Execution ===

func (b *Backend) Execute(ctx context.Context, r backend.Relation) (*table.Table, error) {
	rel, err := b.cast(r)
	if err != nil {
		return nil, err
	}
	t, err := rel.run(ctx)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("memory relation evaluated", "rows", t.Len())
	return t, nil
}

func (b *Backend) Display(r backend.Relation) string {
	if rel, ok := r.(*relation); ok {
		return rel.text
	}
	return fmt.Sprintf("%v", r)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
