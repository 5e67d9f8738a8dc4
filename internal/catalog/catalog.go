// Package catalog holds the semantic model: tables, their join graph, and
// the dimensions, measures and metrics defined over them. A Catalog is built
// once from a Config through explicit phases and is immutable afterwards;
// reference resolutions are computed once and cached for its lifetime.
package catalog

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

// TimeDimension is the generic dimension id that resolves, per anchor
// table, to the time dimension declared by the anchor's measures.
const TimeDimension = "time"

// Catalog is the immutable, resolved semantic model.
type Catalog struct {
	logger *slog.Logger

	tables     map[string]*Table
	dimensions map[string][]*Dimension // union dimensions have several members
	measures   map[string]*Measure
	metrics    map[string]*Metric
	transforms map[string]*ScalarTransform

	tableOrder     []string
	dimensionOrder []string
	measureOrder   []string
	metricOrder    []string

	mu       sync.RWMutex
	resolved map[string]resolution
}

// New builds a catalog from cfg and verifies every calculation. On error no
// catalog is returned.
func New(cfg Config, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Catalog{
		logger:     logger,
		tables:     make(map[string]*Table),
		dimensions: make(map[string][]*Dimension),
		measures:   make(map[string]*Measure),
		metrics:    make(map[string]*Metric),
		transforms: make(map[string]*ScalarTransform),
		resolved:   make(map[string]resolution),
	}
	b := &builder{cfg: cfg, c: c}
	if err := b.run(); err != nil {
		return nil, err
	}
	logger.Info("semantic catalog built",
		"tables", len(c.tableOrder),
		"dimensions", len(c.dimensionOrder),
		"measures", len(c.measureOrder),
		"metrics", len(c.metricOrder),
	)
	return c, nil
}

// Table returns the table with the given id.
func (c *Catalog) Table(id string) (*Table, error) {
	t, ok := c.tables[id]
	if !ok {
		return nil, domain.ErrNotFound("table %q not found", id)
	}
	return t, nil
}

// Tables returns every declared table in declaration order. Synthesized
// tables are omitted.
func (c *Catalog) Tables() []*Table {
	out := make([]*Table, 0, len(c.tableOrder))
	for _, id := range c.tableOrder {
		if t := c.tables[id]; t.Aggregate == nil {
			out = append(out, t)
		}
	}
	return out
}

// Measure returns the measure with the given id.
func (c *Catalog) Measure(id string) (*Measure, error) {
	m, ok := c.measures[id]
	if !ok {
		return nil, domain.ErrNotFound("measure %q not found", id)
	}
	return m, nil
}

// Metric returns the metric with the given id.
func (c *Catalog) Metric(id string) (*Metric, error) {
	m, ok := c.metrics[id]
	if !ok {
		return nil, domain.ErrNotFound("metric %q not found", id)
	}
	return m, nil
}

// Metrics returns every metric in declaration order.
func (c *Catalog) Metrics() []*Metric {
	out := make([]*Metric, 0, len(c.metricOrder))
	for _, id := range c.metricOrder {
		out = append(out, c.metrics[id])
	}
	return out
}

// HasDimension reports whether id names a dimension or the generic time
// dimension.
func (c *Catalog) HasDimension(id string) bool {
	if _, ok := c.dimensions[id]; ok {
		return true
	}
	return id == TimeDimension && c.hasTimeMeasures()
}

// Dimensions returns every dimension member in declaration order. A union
// dimension appears once per member table.
func (c *Catalog) Dimensions() []*Dimension {
	var out []*Dimension
	for _, id := range c.dimensionOrder {
		out = append(out, c.dimensions[id]...)
	}
	return out
}

// Transform returns the scalar transform with the given id.
func (c *Catalog) Transform(id string) (*ScalarTransform, bool) {
	t, ok := c.transforms[id]
	return t, ok
}

// TransformIDs returns the ids of every scalar transform, sorted.
func (c *Catalog) TransformIDs() []string {
	ids := make([]string, 0, len(c.transforms))
	for id := range c.transforms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TypeOf is an expr.TypeLookup over resolved expressions: measure
// references yield the measure type, anything else is unknown.
func (c *Catalog) TypeOf(n expr.Node) expr.Type {
	if m, ok := n.(*expr.MeasureRef); ok {
		if measure, ok := c.measures[m.ID]; ok {
			return measure.Type
		}
	}
	return expr.TypeUnknown
}

func (c *Catalog) hasTimeMeasures() bool {
	for _, m := range c.measures {
		if m.Time != "" {
			return true
		}
	}
	return false
}

func (c *Catalog) String() string {
	return fmt.Sprintf("Catalog(%d tables, %d metrics)", len(c.tableOrder), len(c.metricOrder))
}
