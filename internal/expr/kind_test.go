package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    Kind
		wantErr string
	}{
		{"aggregate plus literal", "sum(col) + 1", KindAggregate, ""},
		{"column plus literal", "col + 1", KindColumn, ""},
		{"literals", "1 + 1", KindScalar, ""},
		{"aggregate plus column", "sum(col) + col", 0, "mixing aggregates and non-aggregates"},
		{"column plus aggregate", "col * sum(col)", 0, "mixing aggregates and non-aggregates"},
		{"aggregates", "sum(col) + sum(col2)", KindAggregate, ""},
		{"measure ref", "$revenue / 2", KindAggregate, ""},
		{"dimension ref", "lower(:country)", KindColumn, ""},
		{"nested aggregate", "sum(sum(col))", 0, "aggregate function expects a scalar or column argument"},
		{"measure inside aggregate", "max($revenue)", 0, "aggregate function expects a scalar or column argument"},
		{"count star", "count(*)", KindAggregate, ""},
		{"case mixing", "case when col > 1 then sum(x) end", 0, "mixing"},
		{"case aggregate", "case when sum(x) > 1 then 1 else 0 end", KindAggregate, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, err := Parse(tc.text)
			require.NoError(t, err)
			k, err := Classify(n)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, k)
		})
	}
}

func TestTotalFunction(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"sum(x)", "sum"},
		{"count(x)", "sum"},
		{"count(*)", "sum"},
		{"min(x)", "min"},
		{"max(x)", "max"},
		{"countd(x)", ""},
		{"avg(x)", ""},
		{"sum(x) / count(x)", ""},
	}

	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			got, err := TotalFunction(MustParse(tc.text))
			if tc.want == "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "no known total function")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInferType(t *testing.T) {
	lookup := func(n Node) Type {
		if c, ok := n.(*ColumnRef); ok && c.Name == "created_at" {
			return TypeDate
		}
		return TypeInt
	}
	tests := []struct {
		text string
		want Type
	}{
		{"1", TypeInt},
		{"1.5", TypeFloat},
		{"'a'", TypeString},
		{"a > 1", TypeBool},
		{"a + 1", TypeInt},
		{"a + 1.0", TypeFloat},
		{"a / 2", TypeFloat},
		{"avg(a)", TypeFloat},
		{"sum(a)", TypeInt},
		{"year(created_at)", TypeInt},
		{"date_trunc('month', created_at)", TypeDate},
		{"coalesce(null, 'x')", TypeString},
		{"case when a > 1 then 'x' end", TypeString},
		{"a is null", TypeBool},
	}

	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			assert.Equal(t, tc.want, InferType(MustParse(tc.text), lookup))
		})
	}
}

func TestParseType(t *testing.T) {
	got, err := ParseType("Timestamp")
	require.NoError(t, err)
	assert.Equal(t, TypeDatetime, got)

	got, err = ParseType("")
	require.NoError(t, err)
	assert.Equal(t, TypeUnknown, got)

	_, err = ParseType("blob")
	require.Error(t, err)
}
