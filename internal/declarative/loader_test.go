package declarative

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/catalog"
	"duck-semantic/internal/testutil"
)

// testdataDir returns the absolute path to testdata relative to this test file.
func testdataDir(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "runtime.Caller failed")
	return filepath.Join(filepath.Dir(filename), "testdata")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoader_Shop(t *testing.T) {
	model, err := LoadDirectory(filepath.Join(testdataDir(t), "shop"))
	require.NoError(t, err)

	t.Run("tables sorted by file", func(t *testing.T) {
		require.Len(t, model.Tables, 3)
		assert.Equal(t, "countries", model.Tables[0].Name)
		assert.Equal(t, "customers", model.Tables[1].Name)
		assert.Equal(t, "orders", model.Tables[2].Name)
		assert.Equal(t, filepath.Join("tables", "orders.yaml"), model.Tables[2].FilePath)
	})

	t.Run("metrics and transforms", func(t *testing.T) {
		assert.Len(t, model.Metrics, 2)
		require.Len(t, model.Transforms, 1)
		assert.Equal(t, "bucket", model.Transforms[0].ID)
	})

	t.Run("config conversion", func(t *testing.T) {
		cfg := model.Config()
		orders := cfg.Tables[2]
		assert.Equal(t, "orders", orders.ID)
		assert.Equal(t, []string{"amount >= 0"}, orders.Filters)
		require.Len(t, orders.Related, 1)
		assert.Equal(t, catalog.RelatedConfig{Alias: "customer", Table: "customers", ForeignKey: "customer_id"}, orders.Related[0])
		require.Len(t, orders.Measures, 4)
		assert.True(t, orders.Measures[0].Metric, "measures spawn metrics by default")
		assert.Equal(t, "status = 'paid'", orders.Measures[3].Filter)
		assert.Equal(t, "created_at", orders.Measures[3].Time)
		assert.Equal(t, "$,.2f", orders.Measures[0].Format)
	})

	t.Run("builds a catalog", func(t *testing.T) {
		c, err := catalog.New(model.Config(), testutil.DiscardLogger())
		require.NoError(t, err)
		_, err = c.Metric("revenue_per_customer")
		require.NoError(t, err)
		_, ok := c.Transform("bucket")
		assert.True(t, ok)
	})
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		wantErr string
	}{
		{
			name:    "unknown field",
			files:   map[string]string{"tables/orders.yaml": "apiVersion: semantic.duck/v1\nkind: Table\nmetadata:\n  name: orders\nspec:\n  bogus: 1\n"},
			wantErr: "field bogus not found",
		},
		{
			name:    "wrong api version",
			files:   map[string]string{"metrics.yaml": "apiVersion: v0\nkind: MetricList\nmetrics: []\n"},
			wantErr: "unsupported apiVersion",
		},
		{
			name:    "wrong kind",
			files:   map[string]string{"transforms.yaml": "apiVersion: semantic.duck/v1\nkind: MetricList\n"},
			wantErr: "unexpected kind",
		},
		{
			name:    "name mismatch",
			files:   map[string]string{"tables/orders.yaml": "apiVersion: semantic.duck/v1\nkind: Table\nmetadata:\n  name: sales\n"},
			wantErr: "does not match file name",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tc.files {
				writeFile(t, filepath.Join(dir, name), content)
			}
			_, err := LoadDirectory(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	t.Run("unknown fields allowed", func(t *testing.T) {
		model, err := LoadDirectoryWithOptions(filepath.Join(testdataDir(t), "invalid"), LoadOptions{AllowUnknownFields: true})
		require.NoError(t, err)
		assert.Len(t, model.Tables, 1)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := LoadDirectory(filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
	})
}

func TestLoad_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "tables", "orders.yaml"), `apiVersion: semantic.duck/v1
kind: Table
metadata:
  name: orders
spec:
  related:
    - table: customers
      foreign_key: customer_id
`)
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `related table "customers" is not declared`)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		model Model
		want  []string
	}{
		{
			name: "duplicate measure and metric",
			model: Model{
				Tables: []TableResource{{Name: "orders", FilePath: "tables/orders.yaml", Spec: TableSpec{
					Measures: []MeasureSpec{{CalculationSpec: CalculationSpec{ID: "revenue", Expr: "sum(amount)"}}},
				}}},
				Metrics: []CalculationSpec{{ID: "revenue", Expr: "$revenue"}},
			},
			want: []string{`metrics.yaml: duplicate measure or metric "revenue"`},
		},
		{
			name: "bad identifiers and types",
			model: Model{
				Tables: []TableResource{{Name: "orders", FilePath: "o.yaml", Spec: TableSpec{
					Dimensions: []DimensionSpec{{CalculationSpec: CalculationSpec{ID: "bad id", Type: "money"}}},
				}}},
			},
			want: []string{
				"o.yaml: dimension[bad id]: id is not a valid identifier",
				`o.yaml: dimension[bad id]: unknown type "money"`,
			},
		},
		{
			name: "measure without expression",
			model: Model{
				Tables: []TableResource{{Name: "orders", FilePath: "o.yaml", Spec: TableSpec{
					Measures: []MeasureSpec{{CalculationSpec: CalculationSpec{ID: "revenue"}}},
				}}},
			},
			want: []string{"o.yaml: measure[revenue]: expr is required"},
		},
		{
			name:  "bad transform template",
			model: Model{Transforms: []TransformSpec{{ID: "half", Expr: "@ /"}}},
			want:  nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			errs := Validate(&tc.model)
			if tc.want == nil {
				require.Len(t, errs, 1)
				assert.Equal(t, "transform[half]", errs[0].Path)
				return
			}
			got := make([]string, len(errs))
			for i, e := range errs {
				got[i] = e.Error()
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDiff(t *testing.T) {
	old, err := LoadDirectory(filepath.Join(testdataDir(t), "shop"))
	require.NoError(t, err)
	cur, err := LoadDirectory(filepath.Join(testdataDir(t), "shop"))
	require.NoError(t, err)
	assert.Empty(t, Diff(old, cur))

	cur.Tables = cur.Tables[1:]
	cur.Metrics[0].Expr = "$revenue / nullif($order_count, 0)"
	cur.Transforms = append(cur.Transforms, TransformSpec{ID: "half", Expr: "@ / 2"})

	var got []string
	for _, c := range Diff(old, cur) {
		got = append(got, c.String())
	}
	assert.Equal(t, []string{
		`delete table "countries"`,
		`update metric "aov"`,
		`create transform "half"`,
	}, got)

	assert.Len(t, Diff(nil, cur), 6)
}
