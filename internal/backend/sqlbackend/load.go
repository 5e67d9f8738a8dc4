package sqlbackend

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"

	"duck-semantic/internal/table"
)

const loadBatch = 500

// Load creates (or replaces) a table named name and inserts the rows of t.
// Column types are inferred from the values.
func Load(ctx context.Context, db *sql.DB, d Dialect, name string, t *table.Table) error {
	defs := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		defs[i] = Quote(col) + " " + d.ColumnType(sample(t, i))
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+Quote(name)); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE "+Quote(name)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}

	for start := 0; start < t.Len(); start += loadBatch {
		end := min(start+loadBatch, t.Len())
		ins := squirrel.Insert(Quote(name)).Columns(quoteAll(t.Columns)...)
		for _, row := range t.Rows[start:end] {
			vals := make([]any, len(row))
			for i, v := range row {
				vals[i] = d.Bind(v)
			}
			ins = ins.Values(vals...)
		}
		if _, err := ins.RunWith(db).ExecContext(ctx); err != nil {
			return fmt.Errorf("insert into %s: %w", name, err)
		}
	}
	return nil
}

// sample returns a value representative of column i: a float when the
// column mixes integers and floats, otherwise the first non-null value.
func sample(t *table.Table, i int) any {
	var first any
	for _, row := range t.Rows {
		v := row[i]
		if v == nil {
			continue
		}
		if first == nil {
			first = v
		}
		if _, ok := v.(float64); ok {
			if _, isInt := first.(int64); isInt {
				return v
			}
		}
	}
	if first == nil {
		return ""
	}
	return first
}
