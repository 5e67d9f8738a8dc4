package catalog

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dim(id, text string) DimensionConfig {
	return DimensionConfig{CalculationConfig: CalculationConfig{ID: id, Expr: text}}
}

func measure(id, text string) MeasureConfig {
	return MeasureConfig{CalculationConfig: CalculationConfig{ID: id, Expr: text}, Metric: true}
}

func metric(id, text string) MetricConfig {
	return MetricConfig{CalculationConfig: CalculationConfig{ID: id, Expr: text}}
}

// shopConfig is orders -> customers -> countries with a products side table.
func shopConfig() Config {
	return Config{
		Tables: []TableConfig{
			{
				ID:         "orders",
				PrimaryKey: "id",
				Related: []RelatedConfig{
					{Alias: "customer", Table: "customers", ForeignKey: "customer_id"},
				},
				Dimensions: []DimensionConfig{dim("status", "status"), dim("created_at", "")},
				Measures: []MeasureConfig{
					measure("revenue", "sum(amount)"),
					measure("order_count", "count(*)"),
					{
						CalculationConfig: CalculationConfig{ID: "paid_revenue", Expr: "sum(amount)"},
						Filter:            "status = 'paid'",
						Time:              "created_at",
						Metric:            true,
					},
				},
				Filters: []string{"amount >= 0"},
			},
			{
				ID:         "customers",
				PrimaryKey: "id",
				Related: []RelatedConfig{
					{Table: "countries", ForeignKey: "country_code"},
				},
				Dimensions: []DimensionConfig{
					dim("customer_name", "name"),
					dim("lifetime_revenue", "$revenue"),
				},
				Measures: []MeasureConfig{measure("customer_count", "count(*)")},
			},
			{
				ID:         "countries",
				PrimaryKey: "code",
				Dimensions: []DimensionConfig{dim("country", "name"), dim("region", "upper(region)")},
			},
		},
		Metrics: []MetricConfig{
			metric("aov", "$revenue / $order_count"),
			metric("revenue_per_customer", "$revenue / $customer_count"),
		},
	}
}

func TestNew_Shop(t *testing.T) {
	c, err := New(shopConfig(), discardLogger())
	require.NoError(t, err)

	paths := c.AllowedJoinPaths("orders")
	assert.Equal(t, []string{"customer"}, paths["customers"])
	assert.Equal(t, []string{"customer", "countries"}, paths["countries"])

	n, err := c.ResolvedMeasure("revenue")
	require.NoError(t, err)
	assert.Equal(t, "sum(orders.amount)", expr.String(n))

	n, _, err = c.DimensionExpr("country", "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders.customer.countries.name", expr.String(n))

	n, err = c.ResolvedMetric("aov")
	require.NoError(t, err)
	assert.Equal(t, "($revenue / $order_count)", expr.String(n))

	filters, err := c.TableFilters("orders")
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, "(orders.amount >= 0)", expr.String(filters[0]))

	f, err := c.MeasureFilter("paid_revenue")
	require.NoError(t, err)
	assert.Equal(t, "(orders.status = 'paid')", expr.String(f))
}

func TestNew_InfersTypes(t *testing.T) {
	c, err := New(shopConfig(), discardLogger())
	require.NoError(t, err)

	m, err := c.Metric("order_count")
	require.NoError(t, err)
	assert.Equal(t, expr.TypeInt, m.Type)

	aov, err := c.Metric("aov")
	require.NoError(t, err)
	assert.Equal(t, expr.TypeFloat, aov.Type)
}

func TestAllowedDimensions(t *testing.T) {
	c, err := New(shopConfig(), discardLogger())
	require.NoError(t, err)

	dims, err := c.SortedAllowedDimensions("revenue")
	require.NoError(t, err)
	assert.Equal(t, []string{"country", "created_at", "customer_name", "lifetime_revenue", "region", "status"}, dims)

	// customers cannot reach orders, so the intersection drops order dimensions
	dims, err = c.SortedAllowedDimensions("revenue_per_customer")
	require.NoError(t, err)
	assert.Equal(t, []string{"country", "customer_name", "lifetime_revenue", "region"}, dims)

	dims, err = c.SortedAllowedDimensions("paid_revenue")
	require.NoError(t, err)
	assert.Contains(t, dims, TimeDimension)
}

func TestAggregateDimension(t *testing.T) {
	c, err := New(shopConfig(), discardLogger())
	require.NoError(t, err)

	customers, err := c.Table("customers")
	require.NoError(t, err)
	rel, ok := customers.Related["__agg__revenue"]
	require.True(t, ok)
	assert.True(t, rel.Private)
	assert.NotContains(t, customers.RelatedAliases(), "__agg__revenue")

	pseudo, err := c.Table(rel.Table)
	require.NoError(t, err)
	require.NotNil(t, pseudo.Aggregate)
	assert.Equal(t, "orders", pseudo.Aggregate.Anchor)
	assert.Equal(t, []string{"customer"}, pseudo.Aggregate.KeyPath)
	assert.Equal(t, "id", pseudo.Aggregate.Key)

	n, _, err := c.DimensionExpr("lifetime_revenue", "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders.customer.__agg__revenue.revenue", expr.String(n))

	for _, tbl := range c.Tables() {
		assert.Nil(t, tbl.Aggregate, "synthesized tables are not listed")
	}
}

func TestJoinPaths_SecondPathRemovesTarget(t *testing.T) {
	cfg := Config{Tables: []TableConfig{
		{ID: "a", PrimaryKey: "id", Related: []RelatedConfig{{Table: "b", ForeignKey: "b_id"}}},
		{ID: "b", PrimaryKey: "id", Related: []RelatedConfig{{Table: "c", ForeignKey: "c_id"}}},
		{ID: "c", PrimaryKey: "id"},
	}}
	c, err := New(cfg, discardLogger())
	require.NoError(t, err)
	assert.Contains(t, c.AllowedJoinPaths("a"), "c")

	cfg.Tables[0].Related = append(cfg.Tables[0].Related, RelatedConfig{Alias: "direct_c", Table: "c", ForeignKey: "c_id"})
	c, err = New(cfg, discardLogger())
	require.NoError(t, err)
	paths := c.AllowedJoinPaths("a")
	assert.NotContains(t, paths, "c")
	assert.Contains(t, paths, "b")
	for target := range paths {
		assert.Equal(t, 1, c.pathCount("a", target), target)
	}
}

func TestJoinPaths_CyclesTerminate(t *testing.T) {
	cfg := Config{Tables: []TableConfig{
		{ID: "employees", PrimaryKey: "id", Related: []RelatedConfig{
			{Alias: "manager", Table: "employees", ForeignKey: "manager_id"},
			{Alias: "team", Table: "teams", ForeignKey: "team_id"},
		}},
		{ID: "teams", PrimaryKey: "id", Related: []RelatedConfig{
			{Alias: "lead", Table: "employees", ForeignKey: "lead_id"},
		}},
	}}
	c, err := New(cfg, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"teams": {"team"}}, c.AllowedJoinPaths("employees"))
	assert.Equal(t, map[string][]string{"employees": {"lead"}}, c.AllowedJoinPaths("teams"))
}

func TestAmbiguousDimension(t *testing.T) {
	cfg := Config{Tables: []TableConfig{
		{
			ID: "flights", PrimaryKey: "id",
			Related: []RelatedConfig{
				{Alias: "origin", Table: "airports", ForeignKey: "origin_code"},
				{Alias: "destination", Table: "airports", ForeignKey: "destination_code"},
			},
			Dimensions: []DimensionConfig{dim("origin_city", "origin.city")},
			Measures:   []MeasureConfig{measure("flight_count", "count(*)")},
		},
		{ID: "airports", PrimaryKey: "code", Dimensions: []DimensionConfig{dim("city", "city")}},
	}}
	c, err := New(cfg, discardLogger())
	require.NoError(t, err)

	dims, err := c.SortedAllowedDimensions("flight_count")
	require.NoError(t, err)
	assert.Equal(t, []string{"origin_city"}, dims)

	_, _, err = c.DimensionExpr("city", "flights")
	require.Error(t, err)
	var cfgErr *domain.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestUnionDimension(t *testing.T) {
	cfg := Config{Tables: []TableConfig{
		{
			ID: "web_sales", PrimaryKey: "id",
			Dimensions: []DimensionConfig{{CalculationConfig: CalculationConfig{ID: "channel", Expr: "'web'"}, Union: true}},
			Measures:   []MeasureConfig{measure("web_revenue", "sum(amount)")},
		},
		{
			ID: "store_sales", PrimaryKey: "id",
			Dimensions: []DimensionConfig{{CalculationConfig: CalculationConfig{ID: "channel", Expr: "store_type"}, Union: true}},
			Measures:   []MeasureConfig{measure("store_revenue", "sum(amount)")},
		},
	}}
	c, err := New(cfg, discardLogger())
	require.NoError(t, err)

	n, d, err := c.DimensionExpr("channel", "store_sales")
	require.NoError(t, err)
	assert.Equal(t, "store_sales", d.Table)
	assert.Equal(t, "store_sales.store_type", expr.String(n))

	n, _, err = c.DimensionExpr("channel", "web_sales")
	require.NoError(t, err)
	assert.Equal(t, "'web'", expr.String(n))
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown related table",
			mutate:  func(c *Config) { c.Tables[0].Related[0].Table = "clients" },
			wantErr: `unknown related table "clients"`,
		},
		{
			name:    "target without primary key",
			mutate:  func(c *Config) { c.Tables[1].PrimaryKey = "" },
			wantErr: "has no primary key",
		},
		{
			name: "duplicate dimension",
			mutate: func(c *Config) {
				c.Tables[2].Dimensions = append(c.Tables[2].Dimensions, dim("status", "status"))
			},
			wantErr: `duplicate dimension id "status"`,
		},
		{
			name:    "duplicate metric",
			mutate:  func(c *Config) { c.Metrics = append(c.Metrics, metric("revenue", "$order_count")) },
			wantErr: `duplicate metric id "revenue"`,
		},
		{
			name:    "duplicate table",
			mutate:  func(c *Config) { c.Tables = append(c.Tables, TableConfig{ID: "orders"}) },
			wantErr: `duplicate table id "orders"`,
		},
		{
			name:    "table id with surrounding space",
			mutate:  func(c *Config) { c.Tables[0].ID = "orders " },
			wantErr: `table id "orders " must not contain whitespace`,
		},
		{
			name:    "measure id with surrounding space",
			mutate:  func(c *Config) { c.Tables[0].Measures[0].ID = " revenue" },
			wantErr: "must not contain dots or spaces",
		},
		{
			name:    "reserved transform",
			mutate:  func(c *Config) { c.Transforms = []TransformConfig{{ID: "top", Expr: "@"}} },
			wantErr: "reserved",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := shopConfig()
			tc.mutate(&cfg)
			_, err := New(cfg, discardLogger())
			require.Error(t, err)
			var cfgErr *domain.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %T: %v", err, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNew_ResolutionErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "self reference",
			mutate: func(c *Config) {
				c.Metrics = append(c.Metrics, metric("loop", "$loop + $revenue"))
			},
			wantErr: "circular reference: metric:loop -> metric:loop",
		},
		{
			name: "transitive cycle",
			mutate: func(c *Config) {
				c.Metrics = append(c.Metrics, metric("a", "$b + 1"), metric("b", "$a * 2"))
			},
			wantErr: "circular reference",
		},
		{
			name: "cycle through aggregate dimension",
			mutate: func(c *Config) {
				c.Tables[0].Measures[0].Expr = "sum(amount) + max(:lifetime_revenue)"
			},
			wantErr: "circular reference",
		},
		{
			name: "mixing aggregates",
			mutate: func(c *Config) {
				c.Tables[0].Measures[0].Expr = "sum(amount) + amount"
			},
			wantErr: "mixing aggregates and non-aggregates",
		},
		{
			name: "cross table measure",
			mutate: func(c *Config) {
				c.Tables[1].Measures[0].Expr = "count(*) + $revenue"
			},
			wantErr: "of another table",
		},
		{
			name: "measure not aggregate",
			mutate: func(c *Config) {
				c.Tables[0].Measures[0].Expr = "amount"
			},
			wantErr: "must be an aggregate",
		},
		{
			name: "dangling metric reference",
			mutate: func(c *Config) {
				c.Metrics = append(c.Metrics, metric("ghost", "$missing"))
			},
			wantErr: `unknown measure "missing"`,
		},
		{
			name: "unknown alias",
			mutate: func(c *Config) {
				c.Tables[0].Dimensions = append(c.Tables[0].Dimensions, dim("seller", "seller.name"))
			},
			wantErr: `has no related table "seller"`,
		},
		{
			name: "dimension in metric",
			mutate: func(c *Config) {
				c.Metrics = append(c.Metrics, metric("odd", "$revenue + :status"))
			},
			wantErr: "dimension references are not allowed",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := shopConfig()
			tc.mutate(&cfg)
			_, err := New(cfg, discardLogger())
			require.Error(t, err)
			var resErr *domain.ResolutionError
			require.True(t, errors.As(err, &resErr), "got %T: %v", err, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestNew_ExpressionError(t *testing.T) {
	cfg := shopConfig()
	cfg.Tables[0].Measures[0].Expr = "sum(amount"
	_, err := New(cfg, discardLogger())
	require.Error(t, err)
	var exprErr *domain.ExpressionError
	assert.True(t, errors.As(err, &exprErr))
	assert.Contains(t, err.Error(), `measure "revenue"`)
}

func TestScalarTransforms(t *testing.T) {
	cfg := shopConfig()
	cfg.Transforms = []TransformConfig{{ID: "bucket", Expr: "floor(@ / @1) * @1", Type: "int"}}
	c, err := New(cfg, discardLogger())
	require.NoError(t, err)

	between, ok := c.Transform("between")
	require.True(t, ok)
	assert.Equal(t, 2, between.Args)
	assert.Equal(t, expr.TypeBool, between.Type)

	bucket, ok := c.Transform("bucket")
	require.True(t, ok)
	out, err := bucket.Apply(expr.Col("amount", "orders"), []expr.Node{expr.Num("10")})
	require.NoError(t, err)
	assert.Equal(t, "(floor((orders.amount / 10)) * 10)", expr.String(out))

	in, ok := c.Transform("in")
	require.True(t, ok)
	out, err = in.Apply(expr.Col("status"), []expr.Node{expr.Str("a"), expr.Str("b"), expr.Str("c")})
	require.NoError(t, err)
	assert.Equal(t, "isin(status, 'a', 'b', 'c')", expr.String(out))
}
