package declarative

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-set/v2"

	"duck-semantic/internal/expr"
)

// ValidationError represents a single validation problem.
type ValidationError struct {
	Path    string // e.g. "tables/orders.yaml" or "metric[aov]"
	Message string
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validType(s string) bool {
	_, err := expr.ParseType(s)
	return err == nil
}

// Validate checks the structure of a model: identifiers, duplicates within
// their namespace, join targets and declared types. Expression semantics
// are checked when the catalog is built.
func Validate(m *Model) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	tables := set.New[string](len(m.Tables))
	for _, t := range m.Tables {
		if !identifierPattern.MatchString(t.Name) {
			add(t.FilePath, "table name %q is not a valid identifier", t.Name)
		}
		if !tables.Insert(t.Name) {
			add(t.FilePath, "duplicate table %q", t.Name)
		}
	}

	// measures and metrics share one namespace
	calcs := set.New[string](16)
	for _, t := range m.Tables {
		path := t.FilePath
		aliases := set.New[string](len(t.Spec.Related))
		for _, r := range t.Spec.Related {
			if !tables.Contains(r.Table) {
				add(path, "related table %q is not declared", r.Table)
			}
			if r.ForeignKey == "" {
				add(path, "related table %q needs a foreign_key", r.Table)
			}
			alias := r.Alias
			if alias == "" {
				alias = r.Table
			}
			if !aliases.Insert(alias) {
				add(path, "duplicate related alias %q", alias)
			}
		}

		dims := set.New[string](len(t.Spec.Dimensions))
		for _, d := range t.Spec.Dimensions {
			errs = append(errs, checkCalculation(path, "dimension", d.CalculationSpec, false)...)
			if !dims.Insert(d.ID) {
				add(path, "duplicate dimension %q", d.ID)
			}
		}
		for _, ms := range t.Spec.Measures {
			errs = append(errs, checkCalculation(path, "measure", ms.CalculationSpec, true)...)
			if !calcs.Insert(ms.ID) {
				add(path, "duplicate measure or metric %q", ms.ID)
			}
		}
	}

	for _, c := range m.Metrics {
		errs = append(errs, checkCalculation("metrics.yaml", "metric", c, true)...)
		if !calcs.Insert(c.ID) {
			add("metrics.yaml", "duplicate measure or metric %q", c.ID)
		}
	}

	transforms := set.New[string](len(m.Transforms))
	for _, tr := range m.Transforms {
		path := fmt.Sprintf("transform[%s]", tr.ID)
		if !identifierPattern.MatchString(tr.ID) {
			add(path, "id is not a valid identifier")
		}
		if !transforms.Insert(tr.ID) {
			add(path, "duplicate transform")
		}
		if tr.Expr == "" {
			add(path, "expr is required")
		} else if _, err := expr.ParseTemplate(tr.Expr); err != nil {
			add(path, "%v", err)
		}
		if !validType(tr.Type) {
			add(path, "unknown type %q", tr.Type)
		}
	}
	return errs
}

func checkCalculation(file, kind string, c CalculationSpec, needsExpr bool) []ValidationError {
	var errs []ValidationError
	path := fmt.Sprintf("%s: %s[%s]", file, kind, c.ID)
	if !identifierPattern.MatchString(c.ID) {
		errs = append(errs, ValidationError{Path: path, Message: "id is not a valid identifier"})
	}
	if needsExpr && c.Expr == "" {
		errs = append(errs, ValidationError{Path: path, Message: "expr is required"})
	}
	if !validType(c.Type) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("unknown type %q", c.Type)})
	}
	return errs
}
