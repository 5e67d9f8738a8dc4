// Package testutil provides the shared shop model and data set used by the
// planner, backend and engine tests.
package testutil

import (
	"io"
	"log/slog"
	"time"

	"duck-semantic/internal/catalog"
	"duck-semantic/internal/table"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func calc(id, text, typ string) catalog.CalculationConfig {
	return catalog.CalculationConfig{ID: id, Expr: text, Type: typ}
}

func dim(id, text, typ string) catalog.DimensionConfig {
	return catalog.DimensionConfig{CalculationConfig: calc(id, text, typ)}
}

func measure(id, text string) catalog.MeasureConfig {
	return catalog.MeasureConfig{CalculationConfig: calc(id, text, ""), Metric: true}
}

// ShopConfig models orders -> customers -> countries.
//
// Measures: revenue and order_count on orders (plus paid_revenue filtered
// to paid orders, and avg_amount which has no total function),
// customer_count on customers. Metrics aov and revenue_per_customer combine
// measures of one and of two anchors.
func ShopConfig() catalog.Config {
	return catalog.Config{
		Tables: []catalog.TableConfig{
			{
				ID:         "orders",
				Source:     "orders",
				PrimaryKey: "id",
				Related: []catalog.RelatedConfig{
					{Alias: "customer", Table: "customers", ForeignKey: "customer_id"},
				},
				Dimensions: []catalog.DimensionConfig{
					dim("status", "status", "str"),
					dim("created_at", "", "date"),
				},
				Measures: []catalog.MeasureConfig{
					measure("revenue", "sum(amount)"),
					measure("order_count", "count(*)"),
					measure("avg_amount", "avg(amount)"),
					{
						CalculationConfig: calc("paid_revenue", "sum(amount)", ""),
						Filter:            "status = 'paid'",
						Time:              "created_at",
						Metric:            true,
					},
				},
				Filters: []string{"amount >= 0"},
			},
			{
				ID:         "customers",
				Source:     "customers",
				PrimaryKey: "id",
				Related: []catalog.RelatedConfig{
					{Alias: "country", Table: "countries", ForeignKey: "country_code"},
				},
				Dimensions: []catalog.DimensionConfig{
					dim("customer_name", "name", "str"),
					dim("lifetime_revenue", "$revenue", "int"),
				},
				Measures: []catalog.MeasureConfig{measure("customer_count", "count(*)")},
			},
			{
				ID:         "countries",
				Source:     "countries",
				PrimaryKey: "code",
				Dimensions: []catalog.DimensionConfig{
					dim("country", "name", "str"),
					dim("region", "region", "str"),
				},
			},
		},
		Metrics: []catalog.MetricConfig{
			{CalculationConfig: calc("aov", "$revenue / $order_count", "float")},
			{CalculationConfig: calc("revenue_per_customer", "$revenue / $customer_count", "float")},
		},
	}
}

// ShopCatalog builds the catalog of ShopConfig.
func ShopCatalog() (*catalog.Catalog, error) {
	return catalog.New(ShopConfig(), DiscardLogger())
}

// ShopTables returns the data set keyed by source name.
//
// Revenue by country: United States 350, Germany 360, France 100, Canada
// 40; 850 in total over 8 orders. Fay (France) has no orders and Chloe has
// one negative adjustment that the orders table filter removes.
func ShopTables() map[string]*table.Table {
	return map[string]*table.Table{
		"countries": table.New([]string{"code", "name", "region"}, [][]any{
			{"US", "United States", "Americas"},
			{"CA", "Canada", "Americas"},
			{"FR", "France", "Europe"},
			{"DE", "Germany", "Europe"},
		}),
		"customers": table.New([]string{"id", "name", "country_code"}, [][]any{
			{1, "Ann", "US"},
			{2, "Bob", "US"},
			{3, "Chloe", "FR"},
			{4, "Dieter", "DE"},
			{5, "Eve", "CA"},
			{6, "Fay", "FR"},
		}),
		"orders": table.New([]string{"id", "amount", "customer_id", "status", "created_at"}, [][]any{
			{1, 100, 1, "paid", day("2023-01-05")},
			{2, 50, 1, "open", day("2023-02-10")},
			{3, 200, 2, "paid", day("2023-03-15")},
			{4, 75, 3, "paid", day("2024-01-20")},
			{5, 25, 3, "open", day("2024-02-11")},
			{6, 300, 4, "paid", day("2024-03-03")},
			{7, 40, 5, "paid", day("2024-04-04")},
			{8, 60, 4, "open", day("2023-05-05")},
			{9, -10, 3, "paid", day("2024-05-01")},
		}),
	}
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}
