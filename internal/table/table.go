// Package table implements an in-memory relation and the relational
// operations the engine falls back to when a backend cannot perform them
// natively: grouping, windows, joins, outer merges, semi-joins and ordering.
package table

import (
	"fmt"
	"sort"

	"duck-semantic/internal/expr"
)

// Table is a materialized relation. Rows are positional against Columns.
type Table struct {
	Columns []string
	Rows    [][]any
}

// New creates a table, normalizing every value.
func New(columns []string, rows [][]any) *Table {
	for _, row := range rows {
		for i, v := range row {
			row[i] = Normalize(v)
		}
	}
	return &Table{Columns: columns, Rows: rows}
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of a column, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns the values of one column.
func (t *Table) Column(name string) ([]any, error) {
	i := t.Index(name)
	if i < 0 {
		return nil, fmt.Errorf("table has no column %q", name)
	}
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// Records returns the rows as column-keyed maps.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for r, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for i, c := range t.Columns {
			rec[c] = row[i]
		}
		out[r] = rec
	}
	return out
}

// ByName resolves column references by their final name.
func (t *Table) ByName() Resolver {
	index := make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		index[c] = i
	}
	return func(ref *expr.ColumnRef) (int, error) {
		if i, ok := index[ref.Name]; ok {
			return i, nil
		}
		return 0, fmt.Errorf("unknown column %q", ref.Name)
	}
}

func (t *Table) resolver(r Resolver) Resolver {
	if r == nil {
		return t.ByName()
	}
	return r
}

func (t *Table) indexes(names []string) ([]int, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		idx[i] = t.Index(n)
		if idx[i] < 0 {
			return nil, fmt.Errorf("table has no column %q", n)
		}
	}
	return idx, nil
}

func pick(row []any, idx []int) []any {
	out := make([]any, len(idx))
	for i, j := range idx {
		out[i] = row[j]
	}
	return out
}

// Project keeps the named columns in the given order.
func (t *Table) Project(names []string) (*Table, error) {
	idx, err := t.indexes(names)
	if err != nil {
		return nil, err
	}
	out := &Table{Columns: append([]string(nil), names...), Rows: make([][]any, len(t.Rows))}
	for r, row := range t.Rows {
		out.Rows[r] = pick(row, idx)
	}
	return out, nil
}

// NamedExpr is an expression producing one output column. Filter, when set
// on an aggregate column, restricts the rows the aggregate sees.
type NamedExpr struct {
	Name   string
	Expr   expr.Node
	Filter expr.Node
}

// Where keeps the rows for which every predicate is true.
func (t *Table) Where(preds []expr.Node, r Resolver) (*Table, error) {
	r = t.resolver(r)
	out := &Table{Columns: t.Columns}
	for _, row := range t.Rows {
		ok, err := matches(preds, r, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

func matches(preds []expr.Node, r Resolver, row []any) (bool, error) {
	for _, p := range preds {
		v, err := Eval(p, r, row)
		if err != nil {
			return false, err
		}
		if b, ok := toBool(v); !ok || !b {
			return false, nil
		}
	}
	return true, nil
}

// GroupBy groups rows by the key expressions and evaluates the aggregate
// expressions per group. Without keys the result always has one row.
func (t *Table) GroupBy(keys, aggs []NamedExpr, r Resolver) (*Table, error) {
	r = t.resolver(r)
	type group struct {
		key  []any
		rows [][]any
	}
	var order []string
	groups := make(map[string]*group)
	for _, row := range t.Rows {
		key := make([]any, len(keys))
		for i, k := range keys {
			v, err := Eval(k.Expr, r, row)
			if err != nil {
				return nil, fmt.Errorf("group by %s: %w", k.Name, err)
			}
			key[i] = v
		}
		id := keyOf(key)
		g, ok := groups[id]
		if !ok {
			g = &group{key: key}
			groups[id] = g
			order = append(order, id)
		}
		g.rows = append(g.rows, row)
	}
	if len(keys) == 0 && len(order) == 0 {
		groups[""] = &group{}
		order = append(order, "")
	}

	out := &Table{}
	for _, k := range keys {
		out.Columns = append(out.Columns, k.Name)
	}
	for _, a := range aggs {
		out.Columns = append(out.Columns, a.Name)
	}
	for _, id := range order {
		g := groups[id]
		row := append([]any(nil), g.key...)
		for _, a := range aggs {
			rows := g.rows
			if a.Filter != nil {
				var err error
				if rows, err = filterRows(rows, a.Filter, r); err != nil {
					return nil, err
				}
			}
			v, err := EvalGroup(a.Expr, r, rows)
			if err != nil {
				return nil, fmt.Errorf("aggregate %s: %w", a.Name, err)
			}
			row = append(row, v)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func filterRows(rows [][]any, pred expr.Node, r Resolver) ([][]any, error) {
	var out [][]any
	for _, row := range rows {
		ok, err := matches([]expr.Node{pred}, r, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// Order is one sort key.
type Order struct {
	Column string
	Desc   bool
}

// OrderBy sorts rows stably. Nulls sort last in both directions.
func (t *Table) OrderBy(orders []Order) (*Table, error) {
	names := make([]string, len(orders))
	for i, o := range orders {
		names[i] = o.Column
	}
	idx, err := t.indexes(names)
	if err != nil {
		return nil, err
	}
	rows := append([][]any(nil), t.Rows...)
	sort.SliceStable(rows, func(a, b int) bool {
		for i, o := range orders {
			c := compareNullsLast(rows[a][idx[i]], rows[b][idx[i]], o.Desc)
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	return &Table{Columns: t.Columns, Rows: rows}, nil
}

func compareNullsLast(a, b any, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c := Compare(a, b)
	if desc {
		return -c
	}
	return c
}

// Limit keeps the first n rows.
func (t *Table) Limit(n int) *Table {
	if n < 0 || n >= len(t.Rows) {
		return t
	}
	return &Table{Columns: t.Columns, Rows: t.Rows[:n]}
}
