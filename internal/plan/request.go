package plan

import (
	"strings"

	"duck-semantic/internal/expr"
)

// Table transform names.
const (
	TransformTop     = "top"
	TransformBottom  = "bottom"
	TransformTotal   = "total"
	TransformPercent = "percent"
)

// Request is a semantic query: metrics by dimensions, filtered, ordered and
// limited.
type Request struct {
	Metrics    []MetricRequest    `json:"metrics"`
	Dimensions []DimensionRequest `json:"dimensions,omitempty"`
	Filters    []DimensionRequest `json:"filters,omitempty"`
	OrderBy    []Order            `json:"order_by,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// MetricRequest asks for a metric, optionally rewritten by a chain of table
// transforms.
type MetricRequest struct {
	ID         string           `json:"id"`
	Transforms []TableTransform `json:"transforms,omitempty"`
	Alias      string           `json:"alias,omitempty"`
}

// TableTransform is one top/bottom/total/percent application. Of names the
// dimensions the transform ranges over (default: every requested dimension
// not in Within); Within names the partitioning dimensions.
type TableTransform struct {
	Name   string      `json:"name"`
	Args   []expr.Node `json:"-"`
	Of     []string    `json:"of,omitempty"`
	Within []string    `json:"within,omitempty"`
}

// ScalarCall is one scalar transform application.
type ScalarCall struct {
	Name string      `json:"name"`
	Args []expr.Node `json:"-"`
}

// DimensionRequest asks for a dimension through a chain of scalar
// transforms. Used for filters as well, where the chain must end boolean.
type DimensionRequest struct {
	ID         string       `json:"id"`
	Transforms []ScalarCall `json:"transforms,omitempty"`
	Alias      string       `json:"alias,omitempty"`
}

// ChangesValues reports whether the transform rewrites metric values rather
// than only restricting rows.
func (t TableTransform) ChangesValues() bool {
	return t.Name == TransformTotal || t.Name == TransformPercent
}

// Name returns the output column name of the metric request.
func (r MetricRequest) Name() string {
	if r.Alias != "" {
		return r.Alias
	}
	parts := []string{r.ID}
	for _, t := range r.Transforms {
		if t.ChangesValues() {
			parts = append(parts, t.Name)
		}
	}
	return strings.Join(parts, "__")
}

// String renders the request in the text syntax accepted by ParseMetric.
func (r MetricRequest) String() string {
	var b strings.Builder
	b.WriteString(r.ID)
	for _, t := range r.Transforms {
		b.WriteString("." + t.Name + "(")
		var args []string
		for _, a := range t.Args {
			args = append(args, expr.String(a))
		}
		if len(t.Of) > 0 {
			args = append(args, "of="+groupText(t.Of))
		}
		if len(t.Within) > 0 {
			args = append(args, "within="+groupText(t.Within))
		}
		b.WriteString(strings.Join(args, ", "))
		b.WriteString(")")
	}
	if r.Alias != "" {
		b.WriteString(".alias('" + r.Alias + "')")
	}
	return b.String()
}

// String renders the request in the text syntax accepted by ParseDimension.
func (r DimensionRequest) String() string {
	var b strings.Builder
	b.WriteString(r.ID)
	for _, t := range r.Transforms {
		b.WriteString("." + t.Name + "(")
		for i, a := range t.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(expr.String(a))
		}
		b.WriteString(")")
	}
	if r.Alias != "" {
		b.WriteString(".alias('" + r.Alias + "')")
	}
	return b.String()
}

func groupText(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return "(" + strings.Join(names, ", ") + ")"
}
