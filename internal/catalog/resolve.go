package catalog

import (
	"errors"
	"fmt"
	"strings"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

// resolution is a memoized outcome; failures are cached as well.
type resolution struct {
	node expr.Node
	err  error
}

// resolveState tracks the ids currently being resolved by one top-level call.
type resolveState struct {
	stack []string
}

func (s *resolveState) contains(key string) int {
	for i, k := range s.stack {
		if k == key {
			return i
		}
	}
	return -1
}

// memo returns the cached resolution for key or computes it. The lock is
// not held while computing; a concurrent duplicate computation yields the
// same immutable result and the first stored one wins.
func (c *Catalog) memo(key string, st *resolveState, compute func(*resolveState) (expr.Node, error)) (expr.Node, error) {
	c.mu.RLock()
	r, ok := c.resolved[key]
	c.mu.RUnlock()
	if ok {
		return r.node, r.err
	}

	if st == nil {
		st = &resolveState{}
	}
	if i := st.contains(key); i >= 0 {
		cycle := append(append([]string(nil), st.stack[i:]...), key)
		return nil, domain.ErrResolution("circular reference: %s", strings.Join(cycle, " -> "))
	}

	st.stack = append(st.stack, key)
	node, err := compute(st)
	st.stack = st.stack[:len(st.stack)-1]

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.resolved[key]; ok {
		return existing.node, existing.err
	}
	c.resolved[key] = resolution{node: node, err: err}
	return node, err
}

// === Public accessors ===

// ResolvedDimension returns the dimension's expression with every column
// qualified by the dimension's table id followed by related-table aliases.
func (c *Catalog) ResolvedDimension(d *Dimension) (expr.Node, error) {
	return c.resolveDimension(d, nil)
}

// ResolvedMeasure returns the measure's aggregate expression qualified by
// its table id.
func (c *Catalog) ResolvedMeasure(id string) (expr.Node, error) {
	return c.resolveMeasure(id, nil)
}

// MeasureFilter returns the measure's resolved filter, or nil.
func (c *Catalog) MeasureFilter(id string) (expr.Node, error) {
	m, ok := c.measures[id]
	if !ok {
		return nil, domain.ErrNotFound("measure %q not found", id)
	}
	if m.filter == nil {
		return nil, nil
	}
	return c.memo("measure-filter:"+id, nil, func(st *resolveState) (expr.Node, error) {
		n, err := c.resolveRowExpr(m.filter, m.Table, st, "measure filter", id)
		if err != nil {
			return nil, err
		}
		return n, checkBoolean(n, "measure filter", id)
	})
}

// ResolvedMetric returns the metric's expression over measure references.
// Referenced metrics are inlined transitively.
func (c *Catalog) ResolvedMetric(id string) (expr.Node, error) {
	return c.resolveMetric(id, nil)
}

// TableFilters returns the table's resolved boolean filters.
func (c *Catalog) TableFilters(table string) ([]expr.Node, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, domain.ErrNotFound("table %q not found", table)
	}
	filters := make([]expr.Node, 0, len(t.filterText))
	for i, text := range t.filterText {
		key := fmt.Sprintf("table-filter:%s:%d", table, i)
		n, err := c.memo(key, nil, func(st *resolveState) (expr.Node, error) {
			raw, err := expr.Parse(text)
			if err != nil {
				return nil, fmt.Errorf("table %q filter: %w", table, err)
			}
			n, err := c.resolveRowExpr(raw, table, st, "table filter", table)
			if err != nil {
				return nil, err
			}
			return n, checkBoolean(n, "table filter", table)
		})
		if err != nil {
			return nil, err
		}
		filters = append(filters, n)
	}
	return filters, nil
}

// === Dimensions ===

func (c *Catalog) resolveDimension(d *Dimension, st *resolveState) (expr.Node, error) {
	key := "dimension:" + d.Table + ":" + d.ID
	return c.memo(key, st, func(st *resolveState) (expr.Node, error) {
		n, err := c.resolveRowExpr(d.ast, d.Table, st, "dimension", d.ID)
		if err != nil {
			return nil, err
		}
		return n, nil
	})
}

// resolveRowExpr resolves an expression evaluated per row of owner:
// columns are qualified, dimensions inlined along their join path and
// measures routed through the synthesized aggregate relation. The result
// must not be an aggregate.
func (c *Catalog) resolveRowExpr(n expr.Node, owner string, st *resolveState, what, id string) (expr.Node, error) {
	out, err := expr.Rewrite(n, func(n expr.Node) (expr.Node, error) {
		switch x := n.(type) {
		case *expr.ColumnRef:
			return c.qualifyColumn(x, owner)
		case *expr.DimensionRef:
			return c.inlineDimension(x.ID, owner, st)
		case *expr.MeasureRef:
			if what != "dimension" {
				return nil, domain.ErrResolution("%s %q: measure references are not allowed", what, id)
			}
			if _, err := c.resolveMeasure(x.ID, st); err != nil {
				return nil, err
			}
			alias := aggregatePrefix + x.ID
			if _, ok := c.tables[owner].Related[alias]; !ok {
				return nil, domain.ErrResolution("%s %q: measure %q is not reachable from table %q", what, id, x.ID, owner)
			}
			return &expr.ColumnRef{Path: []string{owner, alias}, Name: x.ID}, nil
		}
		return n, nil
	})
	if err != nil {
		return nil, wrapResolution(err, what, id)
	}
	k, err := expr.Classify(out)
	if err != nil {
		return nil, wrapResolution(err, what, id)
	}
	if k == expr.KindAggregate {
		return nil, domain.ErrResolution("%s %q: aggregate functions are not allowed", what, id)
	}
	return out, nil
}

// qualifyColumn prefixes a column with its owning table after checking
// that every alias on its path exists.
func (c *Catalog) qualifyColumn(ref *expr.ColumnRef, owner string) (expr.Node, error) {
	if _, err := c.FollowPath(owner, ref.Path); err != nil {
		return nil, err
	}
	path := make([]string, 0, len(ref.Path)+1)
	path = append(path, owner)
	path = append(path, ref.Path...)
	return &expr.ColumnRef{Path: path, Name: ref.Name}, nil
}

// inlineDimension replaces a dimension reference by the dimension's
// resolved expression re-anchored at owner.
func (c *Catalog) inlineDimension(id, owner string, st *resolveState) (expr.Node, error) {
	d, path, err := c.DimensionFor(id, owner)
	if err != nil {
		return nil, err
	}
	n, err := c.resolveDimension(d, st)
	if err != nil {
		return nil, err
	}
	return Rebase(n, owner, path), nil
}

// DimensionFor picks the dimension member usable from anchor and returns the
// join path to its table. Union dimensions prefer the anchor's own member,
// then the single reachable member.
func (c *Catalog) DimensionFor(id, anchor string) (*Dimension, []string, error) {
	members, ok := c.dimensions[id]
	if !ok {
		return nil, nil, domain.ErrResolution("unknown dimension %q", id)
	}
	if !members[0].Union {
		d := members[0]
		path, ok := c.JoinPath(anchor, d.Table)
		if !ok {
			return nil, nil, c.unreachable("dimension", id, anchor, d.Table)
		}
		return d, path, nil
	}

	var found *Dimension
	var foundPath []string
	for _, d := range members {
		if d.Table == anchor {
			return d, nil, nil
		}
		path, ok := c.JoinPath(anchor, d.Table)
		if !ok {
			continue
		}
		if found != nil {
			return nil, nil, domain.ErrResolution("union dimension %q is reachable from %q through tables %q and %q", id, anchor, found.Table, d.Table)
		}
		found, foundPath = d, path
	}
	if found == nil {
		return nil, nil, domain.ErrResolution("union dimension %q has no member reachable from %q", id, anchor)
	}
	return found, foundPath, nil
}

// === Measures ===

func (c *Catalog) resolveMeasure(id string, st *resolveState) (expr.Node, error) {
	m, ok := c.measures[id]
	if !ok {
		return nil, domain.ErrResolution("unknown measure %q", id)
	}
	return c.memo("measure:"+id, st, func(st *resolveState) (expr.Node, error) {
		out, err := expr.Rewrite(m.ast, func(n expr.Node) (expr.Node, error) {
			switch x := n.(type) {
			case *expr.ColumnRef:
				return c.qualifyColumn(x, m.Table)
			case *expr.DimensionRef:
				return c.inlineDimension(x.ID, m.Table, st)
			case *expr.MeasureRef:
				other, ok := c.measures[x.ID]
				if !ok {
					return nil, domain.ErrResolution("unknown measure %q", x.ID)
				}
				if other.Table != m.Table {
					return nil, domain.ErrResolution("measure %q references measure %q of another table", id, x.ID)
				}
				return c.resolveMeasure(x.ID, st)
			}
			return n, nil
		})
		if err != nil {
			return nil, wrapResolution(err, "measure", id)
		}
		k, err := expr.Classify(out)
		if err != nil {
			return nil, wrapResolution(err, "measure", id)
		}
		if k != expr.KindAggregate {
			return nil, domain.ErrResolution("measure %q must be an aggregate expression", id)
		}
		return out, nil
	})
}

// === Metrics ===

func (c *Catalog) resolveMetric(id string, st *resolveState) (expr.Node, error) {
	m, ok := c.metrics[id]
	if !ok {
		return nil, domain.ErrResolution("unknown metric %q", id)
	}
	return c.memo("metric:"+id, st, func(st *resolveState) (expr.Node, error) {
		if m.Implicit {
			if _, err := c.resolveMeasure(id, st); err != nil {
				return nil, err
			}
			return &expr.MeasureRef{ID: id}, nil
		}
		out, err := expr.Rewrite(m.ast, func(n expr.Node) (expr.Node, error) {
			switch x := n.(type) {
			case *expr.MeasureRef:
				if _, ok := c.metrics[x.ID]; ok {
					return c.resolveMetric(x.ID, st)
				}
				if _, err := c.resolveMeasure(x.ID, st); err != nil {
					return nil, err
				}
				return x, nil
			case *expr.ColumnRef:
				return nil, domain.ErrResolution("metric %q: column %q must be wrapped in a measure", id, expr.String(x))
			case *expr.DimensionRef:
				return nil, domain.ErrResolution("metric %q: dimension references are not allowed", id)
			}
			return n, nil
		})
		if err != nil {
			return nil, wrapResolution(err, "metric", id)
		}
		k, err := expr.Classify(out)
		if err != nil {
			return nil, wrapResolution(err, "metric", id)
		}
		if k != expr.KindAggregate {
			return nil, domain.ErrResolution("metric %q must reference at least one measure", id)
		}
		return out, nil
	})
}

// MetricMeasures returns the measures a metric depends on, in order of
// first reference.
func (c *Catalog) MetricMeasures(id string) ([]string, error) {
	n, err := c.ResolvedMetric(id)
	if err != nil {
		return nil, err
	}
	return expr.MeasureRefs(n), nil
}

// Rebase re-anchors a resolved expression: the owning table id that heads
// every column path is replaced by anchor followed by path.
func Rebase(n expr.Node, anchor string, path []string) expr.Node {
	out, _ := expr.Rewrite(n, func(n expr.Node) (expr.Node, error) {
		ref, ok := n.(*expr.ColumnRef)
		if !ok || len(ref.Path) == 0 {
			return n, nil
		}
		p := make([]string, 0, 1+len(path)+len(ref.Path)-1)
		p = append(p, anchor)
		p = append(p, path...)
		p = append(p, ref.Path[1:]...)
		return &expr.ColumnRef{Path: p, Name: ref.Name}, nil
	})
	return out
}

func checkBoolean(n expr.Node, what, id string) error {
	if t := expr.InferType(n, nil); t != expr.TypeUnknown && t != expr.TypeBool {
		return domain.ErrResolution("%s %q must be boolean, got %s", what, id, t)
	}
	return nil
}

// wrapResolution adds context to resolution errors while keeping their
// type; circular references already carry the full path.
func wrapResolution(err error, what, id string) error {
	var re *domain.ResolutionError
	if errors.As(err, &re) {
		if strings.HasPrefix(re.Message, "circular reference") || strings.Contains(re.Message, fmt.Sprintf("%q", id)) {
			return err
		}
		return domain.ErrResolution("%s %q: %s", what, id, re.Message)
	}
	return err
}
