package catalog

import (
	"sort"

	"github.com/hashicorp/go-set/v2"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

// MeasureDimensions returns the ids of every dimension usable with the
// measure: dimensions of its table or of an allowed join target, union
// dimensions with a reachable member, and the generic time dimension when
// the measure declares one.
func (c *Catalog) MeasureDimensions(id string) (*set.Set[string], error) {
	m, ok := c.measures[id]
	if !ok {
		return nil, domain.ErrNotFound("measure %q not found", id)
	}
	dims := set.New[string](len(c.dimensionOrder))
	for _, did := range c.dimensionOrder {
		if _, _, err := c.DimensionFor(did, m.Table); err == nil {
			dims.Insert(did)
		}
	}
	if m.Time != "" {
		dims.Insert(TimeDimension)
	}
	return dims, nil
}

// AllowedDimensions returns the dimensions usable with a metric: the
// intersection of the allowed dimensions of its measures.
func (c *Catalog) AllowedDimensions(metricID string) (*set.Set[string], error) {
	measures, err := c.MetricMeasures(metricID)
	if err != nil {
		return nil, err
	}
	var allowed *set.Set[string]
	for _, mid := range measures {
		dims, err := c.MeasureDimensions(mid)
		if err != nil {
			return nil, err
		}
		if allowed == nil {
			allowed = dims
			continue
		}
		allowed = allowed.Intersect(dims).(*set.Set[string])
	}
	if allowed == nil {
		allowed = set.New[string](0)
	}
	return allowed, nil
}

// SortedAllowedDimensions is AllowedDimensions as a sorted slice.
func (c *Catalog) SortedAllowedDimensions(metricID string) ([]string, error) {
	dims, err := c.AllowedDimensions(metricID)
	if err != nil {
		return nil, err
	}
	out := dims.Slice()
	sort.Strings(out)
	return out, nil
}

// DimensionExpr returns the expression of dimension id as seen from the
// anchor table: every column path starts at anchor.
func (c *Catalog) DimensionExpr(id, anchor string) (expr.Node, *Dimension, error) {
	d, path, err := c.DimensionFor(id, anchor)
	if err != nil {
		return nil, nil, err
	}
	n, err := c.ResolvedDimension(d)
	if err != nil {
		return nil, nil, err
	}
	return Rebase(n, anchor, path), d, nil
}

// TimeDimensionFor returns the time dimension shared by the given measures.
// Every measure must declare the same one.
func (c *Catalog) TimeDimensionFor(measures []string) (string, error) {
	var dim string
	for _, id := range measures {
		m, ok := c.measures[id]
		if !ok {
			return "", domain.ErrNotFound("measure %q not found", id)
		}
		switch {
		case m.Time == "":
			return "", domain.ErrRequest("measure %q has no time dimension", id)
		case dim == "":
			dim = m.Time
		case dim != m.Time:
			return "", domain.ErrRequest("measures disagree on the time dimension: %q and %q", dim, m.Time)
		}
	}
	if dim == "" {
		return "", domain.ErrRequest("no measure declares a time dimension")
	}
	return dim, nil
}
