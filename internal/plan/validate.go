package plan

import (
	"strconv"

	"github.com/hashicorp/go-set/v2"

	"duck-semantic/internal/catalog"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

// Validate checks a request against the catalog before anything is planned
// or executed. Every failure is a RequestValidationError, except unknown
// ids which are NotFoundErrors.
func (p *Planner) Validate(req Request) error {
	if len(req.Metrics) == 0 {
		return domain.ErrRequest("at least one metric is required")
	}
	if req.Limit < 0 {
		return domain.ErrRequest("limit must not be negative, got %d", req.Limit)
	}

	names := set.New[string](len(req.Metrics) + len(req.Dimensions))
	dimNames := set.New[string](len(req.Dimensions))
	claim := func(name string) error {
		if !names.Insert(name) {
			return domain.ErrRequest("duplicate output column %q", name)
		}
		return nil
	}

	for _, d := range req.Dimensions {
		if err := p.validateDimension(d); err != nil {
			return err
		}
		name := p.DimensionName(d)
		if err := claim(name); err != nil {
			return err
		}
		dimNames.Insert(name)
	}

	for _, m := range req.Metrics {
		if _, err := p.catalog.Metric(m.ID); err != nil {
			return err
		}
		if err := claim(m.Name()); err != nil {
			return err
		}
		allowed, err := p.catalog.AllowedDimensions(m.ID)
		if err != nil {
			return err
		}
		for _, d := range req.Dimensions {
			if !allowed.Contains(d.ID) {
				return domain.ErrRequest("dimension %q is not available for metric %q", d.ID, m.ID)
			}
		}
		for _, f := range req.Filters {
			if !allowed.Contains(f.ID) {
				return domain.ErrRequest("filter on %q is not available for metric %q", f.ID, m.ID)
			}
		}
		for _, t := range m.Transforms {
			if err := validateTableTransform(m, t, dimNames); err != nil {
				return err
			}
		}
	}

	for _, f := range req.Filters {
		if err := p.validateFilter(f); err != nil {
			return err
		}
	}
	for _, o := range req.OrderBy {
		if !names.Contains(o.Column) {
			return domain.ErrRequest("cannot order by %q: not an output column", o.Column)
		}
	}
	return nil
}

func (p *Planner) validateDimension(d DimensionRequest) error {
	if !p.catalog.HasDimension(d.ID) {
		return domain.ErrNotFound("dimension %q not found", d.ID)
	}
	for _, call := range d.Transforms {
		if catalog.IsTableTransform(call.Name) {
			return domain.ErrRequest("%q is a table transform and cannot be applied to dimension %q", call.Name, d.ID)
		}
		t, ok := p.catalog.Transform(call.Name)
		if !ok {
			return domain.ErrRequest("unknown transform %q on %q", call.Name, d.ID)
		}
		if len(call.Args) < t.Args {
			return domain.ErrRequest("transform %q expects at least %d argument(s), got %d", call.Name, t.Args, len(call.Args))
		}
	}
	return nil
}

// validateFilter checks that a filter's transform chain ends boolean.
func (p *Planner) validateFilter(f DimensionRequest) error {
	if err := p.validateDimension(f); err != nil {
		return err
	}
	typ, _, err := p.dimensionType(f)
	if err != nil {
		return err
	}
	if typ == expr.TypeUnknown && len(f.Transforms) > 0 {
		last := f.Transforms[len(f.Transforms)-1]
		if t, ok := p.catalog.Transform(last.Name); ok {
			typ = expr.InferType(t.Template, nil)
		}
	}
	if typ != expr.TypeBool {
		return domain.ErrRequest("filter %q must be boolean, got %s", f.String(), typeName(typ))
	}
	return nil
}

func validateTableTransform(m MetricRequest, t TableTransform, dims *set.Set[string]) error {
	switch t.Name {
	case TransformTop, TransformBottom:
		if len(t.Args) != 1 {
			return domain.ErrRequest("%s on %q expects exactly one argument", t.Name, m.ID)
		}
		n, err := positiveInt(t.Args[0])
		if err != nil || n <= 0 {
			return domain.ErrRequest("%s on %q expects a positive integer, got %s", t.Name, m.ID, expr.String(t.Args[0]))
		}
	case TransformTotal, TransformPercent:
		if len(t.Args) != 0 {
			return domain.ErrRequest("%s on %q takes no positional arguments", t.Name, m.ID)
		}
	default:
		return domain.ErrRequest("unknown table transform %q on %q", t.Name, m.ID)
	}
	for _, d := range append(append([]string(nil), t.Of...), t.Within...) {
		if !dims.Contains(d) {
			return domain.ErrRequest("%s on %q uses dimension %q which is not requested", t.Name, m.ID, d)
		}
	}
	of := set.From(t.Of)
	if overlap := of.Intersect(set.From(t.Within)).(*set.Set[string]); !overlap.Empty() {
		return domain.ErrRequest("%s on %q: dimensions %v appear in both of and within", t.Name, m.ID, overlap.Slice())
	}
	return nil
}

// TopN returns the row count argument of a top or bottom transform.
func (t TableTransform) TopN() int {
	if len(t.Args) == 0 {
		return 0
	}
	n, _ := positiveInt(t.Args[0])
	return n
}

func positiveInt(n expr.Node) (int, error) {
	lit, ok := n.(*expr.Literal)
	if !ok || lit.Kind != expr.LiteralNumber {
		return 0, domain.ErrRequest("expected an integer")
	}
	return strconv.Atoi(lit.Value)
}

func typeName(t expr.Type) string {
	if t == expr.TypeUnknown {
		return "unknown"
	}
	return string(t)
}
