package table

import (
	"math"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/expr"
)

func sales() *Table {
	return New([]string{"region", "product", "amount", "paid"}, [][]any{
		{"eu", "a", 10, true},
		{"eu", "b", 30, false},
		{"us", "a", 5, true},
		{"us", "c", 50, true},
		{"us", "a", 15, true},
		{nil, "d", 1, false},
	})
}

func TestEval(t *testing.T) {
	tbl := New([]string{"x", "s", "d", "n"}, [][]any{{int64(7), "Hello", "2024-05-17", nil}})
	row := tbl.Rows[0]

	tests := []struct {
		text string
		want any
	}{
		{"x + 1", int64(8)},
		{"x / 2", 3.5},
		{"x // 2", int64(3)},
		{"x % 4", int64(3)},
		{"x / 0", nil},
		{"-x", int64(-7)},
		{"x > 3 and s = 'Hello'", true},
		{"n = 1", nil},
		{"n = 1 or x = 7", true},
		{"n = 1 and x = 8", false},
		{"not (x = 7)", false},
		{"x in (1, 7)", true},
		{"x not in (1, 7)", false},
		{"n is null", true},
		{"coalesce(n, 42)", int64(42)},
		{"lower(s) || '!'", "hello!"},
		{"substr(s, 2, 3)", "ell"},
		{"length(s)", int64(5)},
		{"year(d)", int64(2024)},
		{"quarter(d)", int64(2)},
		{"month(d)", int64(5)},
		{"case when x > 10 then 'big' when x > 5 then 'mid' else 'small' end", "mid"},
		{"if(x = 7, 'seven', 'other')", "seven"},
		{"round(x / 3, 2)", 2.33},
		{"greatest(1, x, 3)", int64(7)},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			n, err := expr.Parse(tc.text)
			require.NoError(t, err)
			got, err := Eval(n, tbl.ByName(), row)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEval_DateTrunc(t *testing.T) {
	tbl := New([]string{"d"}, [][]any{{time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC)}})
	got, err := Eval(expr.MustParse("date_trunc('quarter', d)"), tbl.ByName(), tbl.Rows[0])
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestEval_Errors(t *testing.T) {
	tbl := New([]string{"x"}, [][]any{{1}})
	for _, text := range []string{"missing + 1", "$m", ":d"} {
		t.Run(text, func(t *testing.T) {
			_, err := Eval(expr.MustParse(text), tbl.ByName(), tbl.Rows[0])
			assert.Error(t, err)
		})
	}
}

func TestGroupBy(t *testing.T) {
	tbl := sales()
	out, err := tbl.GroupBy(
		[]NamedExpr{{Name: "region", Expr: expr.Col("region")}},
		[]NamedExpr{
			{Name: "total", Expr: expr.MustParse("sum(amount)")},
			{Name: "n", Expr: expr.MustParse("count(*)")},
			{Name: "paid_total", Expr: expr.MustParse("sum(amount)"), Filter: expr.Col("paid")},
			{Name: "products", Expr: expr.MustParse("countd(product)")},
		},
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "total", "n", "paid_total", "products"}, out.Columns)
	assert.Equal(t, [][]any{
		{"eu", int64(40), int64(2), int64(10), int64(2)},
		{"us", int64(70), int64(3), int64(70), int64(2)},
		{nil, int64(1), int64(1), nil, int64(1)},
	}, out.Rows)
}

func TestGroupBy_NoKeys(t *testing.T) {
	empty := New([]string{"amount"}, nil)
	out, err := empty.GroupBy(nil, []NamedExpr{
		{Name: "total", Expr: expr.MustParse("sum(amount)")},
		{Name: "n", Expr: expr.MustParse("count(*)")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{nil, int64(0)}}, out.Rows)
}

func TestCalculate_Windows(t *testing.T) {
	tbl := New([]string{"region", "product", "amount"}, [][]any{
		{"eu", "a", 10},
		{"eu", "b", 30},
		{"us", "a", 5},
		{"us", "c", 50},
		{"us", "d", 50},
	})
	rank := &expr.Window{
		Func:        expr.Fn("row_number"),
		PartitionBy: []expr.Node{expr.Col("region")},
		OrderBy:     []expr.OrderItem{{X: expr.Col("amount"), Desc: true}},
	}
	share := expr.Bin(expr.OpDiv, expr.Col("amount"), &expr.Window{
		Func:        expr.Fn("sum", expr.Col("amount")),
		PartitionBy: []expr.Node{expr.Col("region")},
	})
	out, err := tbl.Calculate([]NamedExpr{
		{Name: "rn", Expr: rank},
		{Name: "share", Expr: share},
		{Name: "amount", Expr: expr.MustParse("amount * 2")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "product", "amount", "rn", "share"}, out.Columns)

	rn, err := out.Column("rn")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(1), int64(3), int64(1), int64(2)}, rn)

	shares, err := out.Column("share")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, shares[0], 1e-9)
	assert.InDelta(t, 0.75, shares[1], 1e-9)
	assert.InDelta(t, 5.0/105, shares[2], 1e-9)

	amounts, err := out.Column("amount")
	require.NoError(t, err)
	assert.Equal(t, int64(20), amounts[0])

	// input untouched
	assert.Equal(t, int64(10), tbl.Rows[0][2])
}

func TestJoin(t *testing.T) {
	left := New([]string{"k", "a"}, [][]any{{1, "x"}, {2, "y"}, {nil, "z"}})
	right := New([]string{"k", "b"}, [][]any{{1, 10}, {1, 11}, {nil, 12}})

	out, err := left.Join(right, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, []string{"k", "a", "b"}, out.Columns)
	assert.Equal(t, [][]any{{int64(1), "x", int64(10)}, {int64(1), "x", int64(11)}, {nil, "z", int64(12)}}, out.Rows)

	cross, err := New([]string{"a"}, [][]any{{1}, {2}}).Join(New([]string{"b"}, [][]any{{3}}), nil)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), int64(3)}, {int64(2), int64(3)}}, cross.Rows)

	_, err = left.Join(New([]string{"k", "a"}, nil), []string{"k"})
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	revenue := New([]string{"country", "revenue"}, [][]any{{"US", 350}, {"FR", 100}})
	customers := New([]string{"country", "customers"}, [][]any{{"FR", 2}, {"CA", 1}})

	out, err := Merge([]*Table{revenue, customers}, []string{"country"})
	require.NoError(t, err)
	assert.Equal(t, []string{"country", "revenue", "customers"}, out.Columns)
	assert.Equal(t, [][]any{
		{"US", int64(350), nil},
		{"FR", int64(100), int64(2)},
		{"CA", nil, int64(1)},
	}, out.Rows)

	single, err := Merge([]*Table{
		New([]string{"revenue"}, [][]any{{850}}),
		New([]string{"customers"}, [][]any{{6}}),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(850), int64(6)}}, single.Rows)
}

func TestSemijoinOrderLimit(t *testing.T) {
	tbl := sales()
	keep := New([]string{"region", "product"}, [][]any{{"us", "a"}, {nil, "d"}})
	out, err := tbl.Semijoin(keep, []string{"region", "product"})
	require.NoError(t, err)
	assert.Len(t, out.Rows, 3)

	ordered, err := tbl.OrderBy([]Order{{Column: "region", Desc: true}, {Column: "amount"}})
	require.NoError(t, err)
	regions, _ := ordered.Column("region")
	assert.Equal(t, []any{"us", "us", "us", "eu", "eu", nil}, regions)
	amounts, _ := ordered.Column("amount")
	assert.Equal(t, int64(5), amounts[0])

	assert.Equal(t, 2, ordered.Limit(2).Len())
	assert.Equal(t, 6, ordered.Limit(100).Len())
}

func TestWhere(t *testing.T) {
	out, err := sales().Where([]expr.Node{expr.MustParse("amount > 10"), expr.Col("paid")}, nil)
	require.NoError(t, err)
	assert.Len(t, out.Rows, 2)
}

func TestReadCSV(t *testing.T) {
	in := "id,name,amount,created,active\n1,Ann,10.5,2024-01-02,true\n2,Bob,,2024-02-03,false\n"
	tbl, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name", "amount", "created", "active"}, tbl.Columns)
	assert.Equal(t, []any{int64(1), "Ann", 10.5, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), true}, tbl.Rows[0])
	assert.Nil(t, tbl.Rows[1][2])
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		in   any
		typ  expr.Type
		want any
	}{
		{int32(3), expr.TypeFloat, 3.0},
		{2.9, expr.TypeInt, int64(2)},
		{"1", expr.TypeBool, true},
		{int64(5), expr.TypeString, "5"},
		{"2024-01-02", expr.TypeDate, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{nil, expr.TypeInt, nil},
		{[]byte("x"), expr.TypeUnknown, "x"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Coerce(tc.in, tc.typ))
	}
}

func TestJoinKeys(t *testing.T) {
	orders := New([]string{"o.id", "o.cust"}, [][]any{{1, 10}, {2, 20}, {3, nil}})
	customers := New([]string{"c.id", "c.name"}, [][]any{{10, "Ann"}, {nil, "ghost"}})

	inner, err := orders.JoinKeys(customers, []string{"o.cust"}, []string{"c.id"}, false)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1), int64(10), int64(10), "Ann"}}, inner.Rows)

	outer, err := orders.JoinKeys(customers, []string{"o.cust"}, []string{"c.id"}, true)
	require.NoError(t, err)
	assert.Len(t, outer.Rows, 3)
	assert.Equal(t, []any{int64(3), nil, nil, nil}, outer.Rows[2])

	renamed := customers.Rename(func(s string) string { return "x." + s })
	assert.Equal(t, []string{"x.c.id", "x.c.name"}, renamed.Columns)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"int", 7, int64(7)},
		{"uint8", uint8(200), int64(200)},
		{"uint", uint(3), int64(3)},
		{"uint64 in range", uint64(math.MaxInt64), int64(math.MaxInt64)},
		{"uint64 past int64", uint64(math.MaxUint64), float64(math.MaxUint64)},
		{"float32", float32(1.5), 1.5},
		{"bytes", []byte("eu"), "eu"},
		{"big int", big.NewInt(42), int64(42)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.in))
		})
	}
}
