package catalog

import (
	"fmt"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

// tableTransforms are implemented by the computation graph and cannot be
// redefined as scalar templates.
var tableTransforms = map[string]bool{
	"top":     true,
	"bottom":  true,
	"total":   true,
	"percent": true,
}

// IsTableTransform reports whether id names a table transform.
func IsTableTransform(id string) bool { return tableTransforms[id] }

// AliasTransform renames its input to the string given as first argument.
const AliasTransform = "alias"

var builtinTransforms = []TransformConfig{
	{ID: "eq", Expr: "@ = @1", Type: "bool"},
	{ID: "ne", Expr: "@ != @1", Type: "bool"},
	{ID: "gt", Expr: "@ > @1", Type: "bool"},
	{ID: "gte", Expr: "@ >= @1", Type: "bool"},
	{ID: "lt", Expr: "@ < @1", Type: "bool"},
	{ID: "lte", Expr: "@ <= @1", Type: "bool"},
	{ID: "between", Expr: "@ >= @1 and @ <= @2", Type: "bool"},
	{ID: "in", Expr: "isin(@, @*)", Type: "bool"},
	{ID: "notin", Expr: "not isin(@, @*)", Type: "bool"},
	{ID: "isnull", Expr: "isnull(@)", Type: "bool"},
	{ID: "notnull", Expr: "notnull(@)", Type: "bool"},
	{ID: "lower", Expr: "lower(@)", Type: "str"},
	{ID: "upper", Expr: "upper(@)", Type: "str"},
	{ID: "round", Expr: "round(@, @*)", Type: "float"},
	{ID: "year", Expr: "year(@)", Type: "int"},
	{ID: "quarter", Expr: "quarter(@)", Type: "int"},
	{ID: "month", Expr: "month(@)", Type: "int"},
	{ID: "week", Expr: "week(@)", Type: "int"},
	{ID: "day", Expr: "day(@)", Type: "int"},
	{ID: "date", Expr: "date(@)", Type: "date"},
	{ID: AliasTransform, Expr: "@", Suffix: ""},
}

func newTransform(tc TransformConfig) (*ScalarTransform, error) {
	if tc.ID == "" {
		return nil, domain.ErrConfiguration("transform id is required")
	}
	tmpl, err := expr.ParseTemplate(tc.Expr)
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", tc.ID, err)
	}
	typ, err := expr.ParseType(tc.Type)
	if err != nil {
		return nil, fmt.Errorf("transform %q: %w", tc.ID, err)
	}
	suffix := tc.Suffix
	if suffix == "" && tc.ID != AliasTransform {
		suffix = tc.ID
	}
	return &ScalarTransform{
		ID:       tc.ID,
		Template: tmpl,
		Suffix:   suffix,
		Type:     typ,
		Format:   tc.Format,
		Args:     expr.MaxArgIndex(tmpl),
	}, nil
}

// Apply substitutes input and args into the template.
func (t *ScalarTransform) Apply(input expr.Node, args []expr.Node) (expr.Node, error) {
	return expr.Substitute(t.Template, input, args)
}
