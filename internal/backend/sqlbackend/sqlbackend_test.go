package sqlbackend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
	"duck-semantic/internal/table"
	"duck-semantic/internal/testutil"
)

func setupBackend(t *testing.T, d Dialect) *Backend {
	t.Helper()
	dsn := ""
	if _, ok := d.(SQLite); ok {
		dsn = ":memory:"
	}
	db, err := Open(d, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for name, tbl := range testutil.ShopTables() {
		require.NoError(t, Load(ctx, db, d, name, tbl))
	}
	return New(db, d, testutil.DiscardLogger())
}

func dialects() []Dialect { return []Dialect{DuckDB{}, SQLite{}} }

func compute(t *testing.T, metric string, dims ...string) *plan.Computation {
	t.Helper()
	c, err := testutil.ShopCatalog()
	require.NoError(t, err)
	p := plan.NewPlanner(c, testutil.DiscardLogger())

	m, err := plan.ParseMetric(metric)
	require.NoError(t, err)
	var ds []plan.DimensionRequest
	for _, text := range dims {
		d, err := plan.ParseDimension(text)
		require.NoError(t, err)
		ds = append(ds, d)
	}
	comp, err := p.Compute([]plan.MetricRequest{m}, ds, nil)
	require.NoError(t, err)
	return comp
}

// keyed maps the first column, rendered as text, to the named column.
func keyed(t *testing.T, tbl *table.Table, column string) map[string]any {
	t.Helper()
	vals, err := tbl.Column(column)
	require.NoError(t, err)
	out := make(map[string]any, tbl.Len())
	for i, row := range tbl.Rows {
		out[fmt.Sprint(row[0])] = vals[i]
	}
	return out
}

func runQuery(t *testing.T, b *Backend, q *plan.Query) *table.Table {
	t.Helper()
	rel, err := b.CompileQuery(q)
	require.NoError(t, err)
	out, err := b.Execute(context.Background(), rel)
	require.NoError(t, err, b.Display(rel))
	return out
}

func TestCompileQuery_Text(t *testing.T) {
	b := New(nil, DuckDB{}, testutil.DiscardLogger())
	comp := compute(t, "paid_revenue", "country")
	rel, err := b.CompileQuery(comp.Queries[0])
	require.NoError(t, err)

	text := b.Display(rel)
	assert.Contains(t, text, `FROM "orders" AS "orders"`)
	assert.Contains(t, text, `JOIN "customers" AS "orders__customer" ON "orders"."customer_id" = "orders__customer"."id"`)
	assert.Contains(t, text, `JOIN "countries" AS "orders__customer__country" ON "orders__customer"."country_code" = "orders__customer__country"."code"`)
	assert.Contains(t, text, `sum("orders"."amount") FILTER (WHERE ("orders"."status" = 'paid')) AS "m__paid_revenue"`)
	assert.Contains(t, text, `WHERE ("orders"."amount" >= 0)`)
	assert.Contains(t, text, "GROUP BY")
	assert.Equal(t, []string{"country", "m__paid_revenue"}, rel.Columns())
}

func TestAggregateQueries(t *testing.T) {
	tests := []struct {
		name   string
		metric string
		dims   []string
		column string
		want   map[string]any
	}{
		{
			name:   "revenue by country",
			metric: "revenue",
			dims:   []string{"country"},
			column: "m__revenue",
			want:   map[string]any{"United States": int64(350), "Germany": int64(360), "France": int64(100), "Canada": int64(40)},
		},
		{
			name:   "filtered measure",
			metric: "paid_revenue",
			dims:   []string{"country"},
			column: "m__paid_revenue",
			want:   map[string]any{"United States": int64(300), "Germany": int64(300), "France": int64(75), "Canada": int64(40)},
		},
		{
			name:   "revenue by year",
			metric: "revenue",
			dims:   []string{"created_at.year()"},
			column: "m__revenue",
			want:   map[string]any{"2023": int64(410), "2024": int64(440)},
		},
		{
			name:   "no dimensions",
			metric: "order_count",
			column: "m__order_count",
			want:   map[string]any{"8": int64(8)},
		},
	}
	for _, d := range dialects() {
		b := setupBackend(t, d)
		for _, tc := range tests {
			t.Run(d.Name()+"/"+tc.name, func(t *testing.T) {
				comp := compute(t, tc.metric, tc.dims...)
				require.Len(t, comp.Queries, 1)
				out := runQuery(t, b, comp.Queries[0])
				assert.Equal(t, tc.want, keyed(t, out, tc.column))
			})
		}
	}
}

func TestAggregateDimension(t *testing.T) {
	for _, d := range dialects() {
		t.Run(d.Name(), func(t *testing.T) {
			b := setupBackend(t, d)
			comp := compute(t, "customer_count", "lifetime_revenue")
			out := runQuery(t, b, comp.Queries[0])

			// every customer has a distinct lifetime revenue; Fay has none
			assert.Equal(t, map[string]any{
				"150": int64(1), "200": int64(1), "100": int64(1),
				"360": int64(1), "40": int64(1), "<nil>": int64(1),
			}, keyed(t, out, "m__customer_count"))
		})
	}
}

func TestMergeQueries(t *testing.T) {
	comp := compute(t, "revenue_per_customer", "country")
	require.Len(t, comp.Queries, 2)

	t.Run("duckdb", func(t *testing.T) {
		b := setupBackend(t, DuckDB{})
		rels := make([]backend.Relation, len(comp.Queries))
		for i, q := range comp.Queries {
			rel, err := b.CompileQuery(q)
			require.NoError(t, err)
			rels[i] = rel
		}
		merged, err := b.MergeQueries(rels, comp.MergeOn)
		require.NoError(t, err)
		calc, err := b.Calculate(merged, comp.Metrics)
		require.NoError(t, err)
		out, err := b.Execute(context.Background(), calc)
		require.NoError(t, err)

		got := keyed(t, out, "revenue_per_customer")
		assert.InDelta(t, 175.0, got["United States"], 1e-9)
		assert.InDelta(t, 50.0, got["France"], 1e-9)
		assert.InDelta(t, 360.0, got["Germany"], 1e-9)
		assert.InDelta(t, 40.0, got["Canada"], 1e-9)
	})

	t.Run("sqlite", func(t *testing.T) {
		b := setupBackend(t, SQLite{})
		rels := make([]backend.Relation, len(comp.Queries))
		for i, q := range comp.Queries {
			rel, err := b.CompileQuery(q)
			require.NoError(t, err)
			rels[i] = rel
		}
		_, err := b.MergeQueries(rels, comp.MergeOn)
		assert.True(t, errors.Is(err, backend.ErrUnsupported))
	})
}

func TestRelationalOperations(t *testing.T) {
	ctx := context.Background()
	for _, d := range dialects() {
		t.Run(d.Name(), func(t *testing.T) {
			b := setupBackend(t, d)
			base, err := b.CompileQuery(compute(t, "revenue", "country").Queries[0])
			require.NoError(t, err)

			calc, err := b.Calculate(base, []plan.Column{
				{Name: "rn", Expr: &expr.Window{
					Func:    expr.Fn("row_number"),
					OrderBy: []expr.OrderItem{{X: expr.Col("m__revenue"), Desc: true}},
				}},
				{Name: "share", Expr: expr.Bin(expr.OpDiv, expr.Col("m__revenue"), &expr.Window{
					Func: expr.Fn("sum", expr.Col("m__revenue")),
				})},
				{Name: "pct", Expr: expr.MustParse("share * 100")},
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"country", "m__revenue", "rn", "share", "pct"}, calc.Columns())

			filtered, err := b.Filter(calc, []expr.Node{expr.MustParse("rn <= 2")})
			require.NoError(t, err)
			ordered, err := b.Order(filtered, []plan.Order{{Column: "rn"}})
			require.NoError(t, err)
			projected, err := b.Project(ordered, []string{"country", "pct"})
			require.NoError(t, err)

			out, err := b.Execute(ctx, projected)
			require.NoError(t, err)
			require.Equal(t, 2, out.Len())
			assert.Equal(t, "Germany", out.Rows[0][0])
			assert.Equal(t, "United States", out.Rows[1][0])
			assert.InDelta(t, 360.0/850*100, out.Rows[0][1], 1e-9)

			limited, err := b.Limit(ordered, 1)
			require.NoError(t, err)
			out, err = b.Execute(ctx, limited)
			require.NoError(t, err)
			require.Equal(t, 1, out.Len())
			assert.Equal(t, "Germany", out.Rows[0][0])
		})
	}
}

func TestFilterWithTuplesAndJoin(t *testing.T) {
	ctx := context.Background()
	for _, d := range dialects() {
		t.Run(d.Name(), func(t *testing.T) {
			b := setupBackend(t, d)
			revenue, err := b.CompileQuery(compute(t, "revenue", "country").Queries[0])
			require.NoError(t, err)

			tuples := table.New([]string{"country"}, [][]any{{"France"}, {"Canada"}, {nil}})
			kept, err := b.FilterWithTuples(revenue, tuples, []string{"country"})
			require.NoError(t, err)
			out, err := b.Execute(ctx, kept)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"France": int64(100), "Canada": int64(40)}, keyed(t, out, "m__revenue"))

			none, err := b.FilterWithTuples(revenue, table.New([]string{"country"}, nil), []string{"country"})
			require.NoError(t, err)
			out, err = b.Execute(ctx, none)
			require.NoError(t, err)
			assert.Equal(t, 0, out.Len())

			customers, err := b.CompileQuery(compute(t, "customer_count", "country").Queries[0])
			require.NoError(t, err)
			joined, err := b.InnerJoin(revenue, customers, []string{"country"})
			require.NoError(t, err)
			assert.Equal(t, []string{"country", "m__revenue", "m__customer_count"}, joined.Columns())
			out, err = b.Execute(ctx, joined)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{
				"United States": int64(2), "Germany": int64(1), "France": int64(2), "Canada": int64(1),
			}, keyed(t, out, "m__customer_count"))

			_, err = b.InnerJoin(revenue, revenue, []string{"country"})
			assert.Error(t, err)
		})
	}
}

func TestDialectFunctions(t *testing.T) {
	_, err := SQLite{}.Function("sqrt", []string{"x"})
	assert.True(t, errors.Is(err, backend.ErrUnsupported))

	s, err := SQLite{}.Function("date_trunc", []string{"'month'", `"d"`})
	require.NoError(t, err)
	assert.Equal(t, `date("d", 'start of month')`, s)

	s, err = DuckDB{}.Function("isin", []string{`"x"`, "1", "2"})
	require.NoError(t, err)
	assert.Equal(t, `("x" IN (1, 2))`, s)

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}
