package table

import (
	"fmt"
	"sort"

	"duck-semantic/internal/expr"
)

// Calculate evaluates columns row by row, replacing a column of the same
// name or appending a new one. Window expressions are computed over the
// whole table before the row pass. Columns are evaluated in order, so later
// columns see earlier ones.
func (t *Table) Calculate(cols []NamedExpr) (*Table, error) {
	cur := &Table{Columns: append([]string(nil), t.Columns...), Rows: make([][]any, len(t.Rows))}
	for r, row := range t.Rows {
		cur.Rows[r] = append([]any(nil), row...)
	}
	for _, c := range cols {
		values, err := cur.evaluate(c.Expr)
		if err != nil {
			return nil, fmt.Errorf("calculate %s: %w", c.Name, err)
		}
		pos := cur.Index(c.Name)
		if pos < 0 {
			cur.Columns = append(cur.Columns, c.Name)
			for r := range cur.Rows {
				cur.Rows[r] = append(cur.Rows[r], values[r])
			}
			continue
		}
		for r := range cur.Rows {
			cur.Rows[r][pos] = values[r]
		}
	}
	return cur, nil
}

// evaluate computes n for every row. Window sub-expressions are computed
// first and read back through hidden columns.
func (t *Table) evaluate(n expr.Node) ([]any, error) {
	var windows [][]any
	rewritten, err := expr.Rewrite(n, func(x expr.Node) (expr.Node, error) {
		w, ok := x.(*expr.Window)
		if !ok {
			return x, nil
		}
		values, err := t.window(w)
		if err != nil {
			return nil, err
		}
		windows = append(windows, values)
		return expr.Col(fmt.Sprintf("__window_%d", len(windows)-1)), nil
	})
	if err != nil {
		return nil, err
	}

	ext := &Table{Columns: t.Columns}
	if len(windows) > 0 {
		ext.Columns = append([]string(nil), t.Columns...)
		for i := range windows {
			ext.Columns = append(ext.Columns, fmt.Sprintf("__window_%d", i))
		}
	}
	resolve := ext.ByName()
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		if len(windows) > 0 {
			row = append(append([]any(nil), row...), make([]any, len(windows))...)
			for i, values := range windows {
				row[len(t.Columns)+i] = values[r]
			}
		}
		if out[r], err = Eval(rewritten, resolve, row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// window computes an analytic function per row. Aggregate windows span the
// whole partition.
func (t *Table) window(w *expr.Window) ([]any, error) {
	resolve := t.ByName()
	partitions := make(map[string][]int)
	var order []string
	for r, row := range t.Rows {
		key := make([]any, len(w.PartitionBy))
		for i, p := range w.PartitionBy {
			v, err := Eval(p, resolve, row)
			if err != nil {
				return nil, err
			}
			key[i] = v
		}
		id := keyOf(key)
		if _, ok := partitions[id]; !ok {
			order = append(order, id)
		}
		partitions[id] = append(partitions[id], r)
	}

	sortKeys := make([][]any, len(t.Rows))
	for r, row := range t.Rows {
		sortKeys[r] = make([]any, len(w.OrderBy))
		for i, o := range w.OrderBy {
			v, err := Eval(o.X, resolve, row)
			if err != nil {
				return nil, err
			}
			sortKeys[r][i] = v
		}
	}
	less := func(a, b int) int {
		for i, o := range w.OrderBy {
			if c := compareNullsLast(sortKeys[a][i], sortKeys[b][i], o.Desc); c != 0 {
				return c
			}
		}
		return 0
	}

	out := make([]any, len(t.Rows))
	for _, id := range order {
		rows := partitions[id]
		sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) < 0 })
		switch name := w.Func.Name; name {
		case "row_number":
			for i, r := range rows {
				out[r] = int64(i + 1)
			}
		case "rank":
			rank := int64(1)
			for i, r := range rows {
				if i > 0 && less(rows[i-1], r) != 0 {
					rank = int64(i + 1)
				}
				out[r] = rank
			}
		default:
			if !expr.IsAggregate(name) {
				return nil, fmt.Errorf("unsupported window function %q", name)
			}
			group := make([][]any, len(rows))
			for i, r := range rows {
				group[i] = t.Rows[r]
			}
			v, err := EvalGroup(w.Func, resolve, group)
			if err != nil {
				return nil, err
			}
			for _, r := range rows {
				out[r] = v
			}
		}
	}
	return out, nil
}

// Join inner-joins t and o on the shared columns named by on, matching
// nulls as equal. Without keys it is a cross join. Non-key columns of o are
// appended; a name clash is an error.
func (t *Table) Join(o *Table, on []string) (*Table, error) {
	lidx, err := t.indexes(on)
	if err != nil {
		return nil, err
	}
	ridx, err := o.indexes(on)
	if err != nil {
		return nil, err
	}
	keep, cols, err := t.appendColumns(o, on)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string][][]any)
	for _, row := range o.Rows {
		k := keyOf(pick(row, ridx))
		buckets[k] = append(buckets[k], row)
	}
	out := &Table{Columns: cols}
	for _, row := range t.Rows {
		for _, match := range buckets[keyOf(pick(row, lidx))] {
			out.Rows = append(out.Rows, append(append([]any(nil), row...), pick(match, keep)...))
		}
	}
	return out, nil
}

// appendColumns returns the positions of o's non-key columns and the joined
// column list.
func (t *Table) appendColumns(o *Table, on []string) ([]int, []string, error) {
	keys := make(map[string]bool, len(on))
	for _, k := range on {
		keys[k] = true
	}
	cols := append([]string(nil), t.Columns...)
	var keep []int
	for i, c := range o.Columns {
		if keys[c] {
			continue
		}
		if t.Index(c) >= 0 {
			return nil, nil, fmt.Errorf("join: column %q exists on both sides", c)
		}
		keep = append(keep, i)
		cols = append(cols, c)
	}
	return keep, cols, nil
}

// Merge full-outer-joins tables on the merge keys, coalescing the keys so
// that each distinct key tuple appears once. Every table must hold the key
// columns; their other columns must be distinct. Without keys the tables
// are cross joined.
func Merge(tables []*Table, on []string) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("merge: no inputs")
	}
	if len(on) == 0 {
		out := tables[0]
		for _, t := range tables[1:] {
			var err error
			if out, err = out.Join(t, nil); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	out := &Table{Columns: append([]string(nil), on...)}
	type slot struct{ offset, width int }
	slots := make([]slot, len(tables))
	idx := make([][]int, len(tables))
	keep := make([][]int, len(tables))
	for i, t := range tables {
		var err error
		if idx[i], err = t.indexes(on); err != nil {
			return nil, err
		}
		var cols []string
		if keep[i], cols, err = (&Table{Columns: out.Columns}).appendColumns(t, on); err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		slots[i] = slot{offset: len(out.Columns), width: len(cols) - len(out.Columns)}
		out.Columns = cols
	}

	positions := make(map[string]int)
	for i, t := range tables {
		for _, row := range t.Rows {
			key := pick(row, idx[i])
			k := keyOf(key)
			pos, ok := positions[k]
			if !ok {
				pos = len(out.Rows)
				positions[k] = pos
				merged := make([]any, len(out.Columns))
				copy(merged, key)
				out.Rows = append(out.Rows, merged)
			}
			copy(out.Rows[pos][slots[i].offset:slots[i].offset+slots[i].width], pick(row, keep[i]))
		}
	}
	return out, nil
}

// Semijoin keeps the rows of t whose key tuple appears in filter.
func (t *Table) Semijoin(filter *Table, on []string) (*Table, error) {
	lidx, err := t.indexes(on)
	if err != nil {
		return nil, err
	}
	ridx, err := filter.indexes(on)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(filter.Rows))
	for _, row := range filter.Rows {
		allowed[keyOf(pick(row, ridx))] = true
	}
	out := &Table{Columns: t.Columns}
	for _, row := range t.Rows {
		if allowed[keyOf(pick(row, lidx))] {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

// JoinKeys joins o to t where the left columns equal the right columns.
// Null keys never match. With outer set, rows of t without a match are kept
// and padded with nulls. All columns of o are appended; a name clash is an
// error.
func (t *Table) JoinKeys(o *Table, left, right []string, outer bool) (*Table, error) {
	lidx, err := t.indexes(left)
	if err != nil {
		return nil, err
	}
	ridx, err := o.indexes(right)
	if err != nil {
		return nil, err
	}
	keep, cols, err := t.appendColumns(o, nil)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string][][]any)
	for _, row := range o.Rows {
		key := pick(row, ridx)
		if hasNull(key) {
			continue
		}
		k := keyOf(key)
		buckets[k] = append(buckets[k], row)
	}
	out := &Table{Columns: cols}
	for _, row := range t.Rows {
		var matches [][]any
		if key := pick(row, lidx); !hasNull(key) {
			matches = buckets[keyOf(key)]
		}
		for _, match := range matches {
			out.Rows = append(out.Rows, append(append([]any(nil), row...), pick(match, keep)...))
		}
		if len(matches) == 0 && outer {
			out.Rows = append(out.Rows, append(append([]any(nil), row...), make([]any, len(keep))...))
		}
	}
	return out, nil
}

func hasNull(values []any) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}

// Rename returns a table with the same rows under new column names.
func (t *Table) Rename(fn func(string) string) *Table {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = fn(c)
	}
	return &Table{Columns: cols, Rows: t.Rows}
}
