package graph

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/backend/memory"
	"duck-semantic/internal/backend/sqlbackend"
	"duck-semantic/internal/catalog"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/plan"
	"duck-semantic/internal/table"
	"duck-semantic/internal/testutil"
)

// countingBackend counts compiled queries and executed relations.
type countingBackend struct {
	*memory.Backend
	compiled atomic.Int32
	executed atomic.Int32
}

func (c *countingBackend) CompileQuery(q *plan.Query) (backend.Relation, error) {
	c.compiled.Add(1)
	return c.Backend.CompileQuery(q)
}

func (c *countingBackend) Execute(ctx context.Context, rel backend.Relation) (*table.Table, error) {
	c.executed.Add(1)
	return c.Backend.Execute(ctx, rel)
}

func newPlanner(t *testing.T) *plan.Planner {
	t.Helper()
	c, err := testutil.ShopCatalog()
	require.NoError(t, err)
	return plan.NewPlanner(c, testutil.DiscardLogger())
}

func sqlBackend(t *testing.T, d sqlbackend.Dialect, tables map[string]*table.Table) backend.Backend {
	t.Helper()
	dsn := ""
	if _, ok := d.(sqlbackend.SQLite); ok {
		dsn = ":memory:"
	}
	db, err := sqlbackend.Open(d, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for name, tbl := range tables {
		require.NoError(t, sqlbackend.Load(context.Background(), db, d, name, tbl))
	}
	return sqlbackend.New(db, d, testutil.DiscardLogger())
}

// backends returns every backend loaded with the shop data set.
func backends(t *testing.T) map[string]backend.Backend {
	t.Helper()
	return backendsWith(t, testutil.ShopTables)
}

// backendsWith loads every backend from its own copy of the tables.
func backendsWith(t *testing.T, tables func() map[string]*table.Table) map[string]backend.Backend {
	t.Helper()
	return map[string]backend.Backend{
		"memory": memory.New(tables(), testutil.DiscardLogger()),
		"duckdb": sqlBackend(t, sqlbackend.DuckDB{}, tables()),
		"sqlite": sqlBackend(t, sqlbackend.SQLite{}, tables()),
	}
}

func request(t *testing.T, metrics []string, dims ...string) plan.Request {
	t.Helper()
	var req plan.Request
	for _, text := range metrics {
		m, err := plan.ParseMetric(text)
		require.NoError(t, err)
		req.Metrics = append(req.Metrics, m)
	}
	for _, text := range dims {
		d, err := plan.ParseDimension(text)
		require.NoError(t, err)
		req.Dimensions = append(req.Dimensions, d)
	}
	return req
}

func execute(t *testing.T, e *Engine, p *plan.Planner, req plan.Request) *Result {
	t.Helper()
	pl, err := p.Plan(req)
	require.NoError(t, err)
	res, err := e.Execute(context.Background(), pl)
	require.NoError(t, err)
	return res
}

func number(t *testing.T, v any) float64 {
	t.Helper()
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	require.Failf(t, "not a number", "%v (%T)", v, v)
	return 0
}

// byKey maps the text of the first column to the named column.
func byKey(t *testing.T, res *Result, column string) map[string]float64 {
	t.Helper()
	out := make(map[string]float64)
	for _, rec := range res.Records() {
		out[fmt.Sprint(rec[res.Columns[0].Name])] = number(t, rec[column])
	}
	return out
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name    string
		metrics []string
		dims    []string
		column  string
		want    map[string]float64
	}{
		{
			name:    "revenue by country",
			metrics: []string{"revenue"},
			dims:    []string{"country"},
			column:  "revenue",
			want:    map[string]float64{"United States": 350, "Germany": 360, "France": 100, "Canada": 40},
		},
		{
			name:    "two anchors merged",
			metrics: []string{"revenue_per_customer"},
			dims:    []string{"country"},
			column:  "revenue_per_customer",
			want:    map[string]float64{"United States": 175, "Germany": 360, "France": 50, "Canada": 40},
		},
		{
			name:    "top by country",
			metrics: []string{"revenue.top(2)"},
			dims:    []string{"country"},
			column:  "revenue",
			want:    map[string]float64{"Germany": 360, "United States": 350},
		},
		{
			name:    "bottom by country",
			metrics: []string{"revenue.bottom(1)"},
			dims:    []string{"country"},
			column:  "revenue",
			want:    map[string]float64{"Canada": 40},
		},
		{
			name:    "top within region",
			metrics: []string{"revenue.top(1, within=region)"},
			dims:    []string{"country", "region"},
			column:  "revenue",
			want:    map[string]float64{"United States": 350, "Germany": 360},
		},
		{
			name:    "top of a coarser dimension",
			metrics: []string{"revenue.top(1, of=region)"},
			dims:    []string{"country", "region"},
			column:  "revenue",
			want:    map[string]float64{"France": 100, "Germany": 360},
		},
		{
			name:    "total by window",
			metrics: []string{"revenue.total()"},
			dims:    []string{"country"},
			column:  "revenue__total",
			want:    map[string]float64{"United States": 850, "Germany": 850, "France": 850, "Canada": 850},
		},
		{
			name:    "total without a total function",
			metrics: []string{"avg_amount.total()"},
			dims:    []string{"country"},
			column:  "avg_amount__total",
			want:    map[string]float64{"United States": 106.25, "Germany": 106.25, "France": 106.25, "Canada": 106.25},
		},
		{
			name:    "total within region",
			metrics: []string{"revenue.total(within=region)"},
			dims:    []string{"country", "region"},
			column:  "revenue__total",
			want:    map[string]float64{"United States": 390, "Canada": 390, "Germany": 460, "France": 460},
		},
		{
			name:    "percent within region",
			metrics: []string{"revenue.percent(within=region)"},
			dims:    []string{"country", "region"},
			column:  "revenue__percent",
			want:    map[string]float64{"United States": 350.0 / 390, "Canada": 40.0 / 390, "Germany": 360.0 / 460, "France": 100.0 / 460},
		},
		{
			name:    "percent without a total function",
			metrics: []string{"avg_amount.percent()"},
			dims:    []string{"country"},
			column:  "avg_amount__percent",
			want:    map[string]float64{"United States": 350.0 / 3 / 106.25, "Germany": 180 / 106.25, "France": 50 / 106.25, "Canada": 40 / 106.25},
		},
		{
			name:    "total after a coarser top",
			metrics: []string{"revenue.top(1, of=region).total()"},
			dims:    []string{"country", "region"},
			column:  "revenue__total",
			want:    map[string]float64{"France": 460, "Germany": 460},
		},
	}

	p := newPlanner(t)
	for name, b := range backends(t) {
		e := NewEngine(p, b, WithLogger(testutil.DiscardLogger()), WithConcurrency(4))
		for _, tc := range tests {
			t.Run(name+"/"+tc.name, func(t *testing.T) {
				res := execute(t, e, p, request(t, tc.metrics, tc.dims...))
				got := byKey(t, res, tc.column)
				require.Len(t, got, len(tc.want), "%v", res.Rows)
				for k, v := range tc.want {
					assert.InDelta(t, v, got[k], 1e-9, k)
				}
			})
		}
	}
}

func TestExecute_PercentSumsToOne(t *testing.T) {
	p := newPlanner(t)
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			res := execute(t, NewEngine(p, b), p, request(t, []string{"revenue.percent()"}, "country"))
			var sum float64
			for _, row := range res.Rows {
				sum += number(t, row[1])
			}
			assert.InDelta(t, 1.0, sum, 1e-9)
			assert.Equal(t, "revenue__percent", res.Columns[1].Name)
		})
	}
}

func TestExecute_NoDimensions(t *testing.T) {
	p := newPlanner(t)
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			e := NewEngine(p, b)

			res := execute(t, e, p, request(t, []string{"revenue", "customer_count"}))
			require.Len(t, res.Rows, 1)
			assert.InDelta(t, 850, number(t, res.Rows[0][0]), 1e-9)
			assert.InDelta(t, 6, number(t, res.Rows[0][1]), 1e-9)

			res = execute(t, e, p, request(t, []string{"revenue.top(2)"}))
			require.Len(t, res.Rows, 1)
			assert.InDelta(t, 850, number(t, res.Rows[0][0]), 1e-9)
			assert.Len(t, res.Queries, 1)
		})
	}
}

func TestExecute_OrderAndLimit(t *testing.T) {
	p := newPlanner(t)
	req := request(t, []string{"revenue"}, "country")
	req.OrderBy = []plan.Order{{Column: "revenue", Desc: true}}
	req.Limit = 2
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			res := execute(t, NewEngine(p, b), p, req)
			require.Len(t, res.Rows, 2)
			assert.Equal(t, "Germany", res.Rows[0][0])
			assert.Equal(t, "United States", res.Rows[1][0])
		})
	}
}

func TestExecute_DefaultOrderIsByDimensions(t *testing.T) {
	p := newPlanner(t)
	res := execute(t, NewEngine(p, memory.New(testutil.ShopTables(), testutil.DiscardLogger())), p,
		request(t, []string{"revenue.total()"}, "country"))
	var names []any
	for _, row := range res.Rows {
		names = append(names, row[0])
	}
	assert.Equal(t, []any{"Canada", "France", "Germany", "United States"}, names)
}

func TestExecute_SharesRankings(t *testing.T) {
	p := newPlanner(t)
	cb := &countingBackend{Backend: memory.New(testutil.ShopTables(), testutil.DiscardLogger())}
	e := NewEngine(p, cb)

	pl, err := p.Plan(request(t,
		[]string{"revenue.top(1, of=region)", "revenue.top(1, of=region).alias('r2')"},
		"country", "region"))
	require.NoError(t, err)
	f, err := e.Build(pl)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := f.Output(ctx)
	require.NoError(t, err)
	second, err := f.Output(ctx)
	require.NoError(t, err)

	// one ranking query and one final query
	assert.Equal(t, int32(2), cb.executed.Load())
	assert.Equal(t, first.Rows, second.Rows)
	assert.Len(t, first.Rows, 2)

	ex, err := e.Explain(pl)
	require.NoError(t, err)
	assert.Contains(t, ex.Graph, "(shared)")
}

func TestQueryOp_ResultIsMemoized(t *testing.T) {
	p := newPlanner(t)
	cb := &countingBackend{Backend: memory.New(testutil.ShopTables(), testutil.DiscardLogger())}
	comp, err := p.Compute([]plan.MetricRequest{{ID: "revenue"}}, request(t, nil, "country").Dimensions, nil)
	require.NoError(t, err)
	require.Len(t, comp.Queries, 1)

	env := &Env{Backend: cb, Manifest: &backend.Manifest{}}
	op := NewQueryOp(env, comp.Queries[0], nil, 0)
	ctx := context.Background()

	first, err := op.Result(ctx)
	require.NoError(t, err)
	second, err := op.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), cb.compiled.Load())
	assert.Equal(t, first, second)

	t.Run("concurrent callers share one compile", func(t *testing.T) {
		cb.compiled.Store(0)
		op := NewQueryOp(env, comp.Queries[0], nil, 0)
		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				_, err := op.Result(ctx)
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), cb.compiled.Load())
	})
}

func TestExecute_IncompatibleTransformChain(t *testing.T) {
	p := newPlanner(t)
	e := NewEngine(p, memory.New(testutil.ShopTables(), testutil.DiscardLogger()))
	pl, err := p.Plan(request(t, []string{"avg_amount.top(1, within=country).total(of=country)"}, "region", "country"))
	require.NoError(t, err)

	_, err = e.Build(pl)
	var reqErr *domain.RequestValidationError
	require.True(t, errors.As(err, &reqErr), "got %v", err)
}

func TestExplain(t *testing.T) {
	p := newPlanner(t)
	pl, err := p.Plan(request(t, []string{"revenue_per_customer"}, "country"))
	require.NoError(t, err)

	t.Run("duckdb", func(t *testing.T) {
		e := NewEngine(p, sqlbackend.New(nil, sqlbackend.DuckDB{}, testutil.DiscardLogger()))
		ex, err := e.Explain(pl)
		require.NoError(t, err)
		assert.Contains(t, ex.Graph, "finalize")
		assert.Contains(t, ex.Graph, "query orders by [country]")
		assert.Contains(t, ex.Graph, "query customers by [country]")
		require.Len(t, ex.Queries, 2)
		assert.Contains(t, ex.Queries[0], `FROM "orders" AS "orders"`)
	})

	t.Run("memory", func(t *testing.T) {
		e := NewEngine(p, memory.New(testutil.ShopTables(), testutil.DiscardLogger()))
		ex, err := e.Explain(pl)
		require.NoError(t, err)
		require.Len(t, ex.Queries, 2)
		assert.Contains(t, ex.Queries[1], "scan customers as customers")
	})
}

func TestExecute_ContextCanceled(t *testing.T) {
	p := newPlanner(t)
	e := NewEngine(p, sqlBackend(t, sqlbackend.DuckDB{}, testutil.ShopTables()))
	pl, err := p.Plan(request(t, []string{"revenue"}, "country"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Execute(ctx, pl)
	require.Error(t, err)
}

// ratioTables has one group, y, whose divisor sums to zero.
func ratioTables() map[string]*table.Table {
	return map[string]*table.Table{
		"points": table.New([]string{"id", "g", "a", "b"}, [][]any{
			{1, "x", 6, 1},
			{2, "x", 4, 1},
			{3, "y", 3, 0},
			{4, "z", 2, 1},
		}),
	}
}

func ratioPlanner(t *testing.T) *plan.Planner {
	t.Helper()
	c, err := catalog.New(catalog.Config{
		Tables: []catalog.TableConfig{{
			ID:         "points",
			PrimaryKey: "id",
			Dimensions: []catalog.DimensionConfig{
				{CalculationConfig: catalog.CalculationConfig{ID: "g", Expr: "g", Type: "str"}},
			},
			Measures: []catalog.MeasureConfig{
				{CalculationConfig: catalog.CalculationConfig{ID: "sa", Expr: "sum(a)"}},
				{CalculationConfig: catalog.CalculationConfig{ID: "sb", Expr: "sum(b)"}},
			},
		}},
		Metrics: []catalog.MetricConfig{
			{CalculationConfig: catalog.CalculationConfig{ID: "ratio", Expr: "$sa / $sb", Type: "float"}},
		},
	}, testutil.DiscardLogger())
	require.NoError(t, err)
	return plan.NewPlanner(c, testutil.DiscardLogger())
}

func TestExecute_DivisionByZeroIsNull(t *testing.T) {
	p := ratioPlanner(t)
	tests := []struct {
		name   string
		metric string
		column string
		want   map[string]any // nil marks a null value
	}{
		{
			name:   "top skips the zero divisor",
			metric: "ratio.top(1)",
			column: "ratio",
			want:   map[string]any{"x": 5.0},
		},
		{
			name:   "bottom skips the zero divisor",
			metric: "ratio.bottom(1)",
			column: "ratio",
			want:   map[string]any{"z": 2.0},
		},
		{
			name:   "plain ratio",
			metric: "ratio",
			column: "ratio",
			want:   map[string]any{"x": 5.0, "y": nil, "z": 2.0},
		},
		{
			name:   "percent of the overall ratio",
			metric: "ratio.percent()",
			column: "ratio__percent",
			want:   map[string]any{"x": 1.0, "y": nil, "z": 0.4},
		},
	}
	for name, b := range backendsWith(t, ratioTables) {
		e := NewEngine(p, b)
		for _, tc := range tests {
			t.Run(name+"/"+tc.name, func(t *testing.T) {
				res := execute(t, e, p, request(t, []string{tc.metric}, "g"))
				got := make(map[string]any)
				for _, rec := range res.Records() {
					v := rec[tc.column]
					if v != nil {
						v = number(t, v)
					}
					got[fmt.Sprint(rec["g"])] = v
				}
				require.Len(t, got, len(tc.want))
				for key, want := range tc.want {
					if want == nil {
						assert.Nil(t, got[key], key)
						continue
					}
					assert.InDelta(t, want, got[key], 1e-9, key)
				}
			})
		}
	}
}
