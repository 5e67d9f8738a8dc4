package semantic

import (
	"sort"

	"duck-semantic/internal/catalog"
)

// ListMetrics returns every metric with the dimensions it can be grouped
// by.
func (s *Service) ListMetrics() ([]MetricInfo, error) {
	c := s.Catalog()
	metrics := c.Metrics()
	out := make([]MetricInfo, 0, len(metrics))
	for _, m := range metrics {
		dims, err := c.SortedAllowedDimensions(m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, MetricInfo{
			ID:          m.ID,
			Name:        m.DisplayName(),
			Description: m.Description,
			Type:        string(m.Type),
			Format:      m.Format,
			Dimensions:  dims,
		})
	}
	return out, nil
}

// ListDimensions returns every dimension id once, with its owning tables.
func (s *Service) ListDimensions() []DimensionInfo {
	c := s.Catalog()
	var out []DimensionInfo
	index := make(map[string]int)
	for _, d := range c.Dimensions() {
		if i, ok := index[d.ID]; ok {
			out[i].Tables = append(out[i].Tables, d.Table)
			continue
		}
		index[d.ID] = len(out)
		out = append(out, DimensionInfo{
			ID:          d.ID,
			Name:        d.DisplayName(),
			Description: d.Description,
			Type:        string(d.Type),
			Tables:      []string{d.Table},
		})
	}
	if _, declared := index[catalog.TimeDimension]; !declared && c.HasDimension(catalog.TimeDimension) {
		var tables []string
		for _, t := range c.Tables() {
			for _, id := range t.Measures {
				if m, err := c.Measure(id); err == nil && m.Time != "" {
					tables = append(tables, t.ID)
					break
				}
			}
		}
		sort.Strings(tables)
		out = append(out, DimensionInfo{ID: catalog.TimeDimension, Name: catalog.TimeDimension, Tables: tables})
	}
	return out
}
