package plan

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"duck-semantic/internal/catalog"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

// Planner builds relational plans against an immutable catalog. It holds no
// per-request state and is safe for concurrent use.
type Planner struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewPlanner creates a planner over c.
func NewPlanner(c *catalog.Catalog, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Planner{catalog: c, logger: logger}
}

// Catalog returns the catalog the planner resolves against.
func (p *Planner) Catalog() *catalog.Catalog { return p.catalog }

// Output describes one result column.
type Output struct {
	Name   string
	Type   expr.Type
	Format string
}

// MetricOutput describes a requested metric column.
type MetricOutput struct {
	Output
	Request  MetricRequest
	Measures []string
	// TotalFunction re-aggregates the metric column into totals (sum, min
	// or max). Empty when the metric has no known total function.
	TotalFunction string
}

// Plan is the planner output for one request.
type Plan struct {
	Request     Request
	Computation *Computation
	Dimensions  []Output
	Metrics     []MetricOutput
	OrderBy     []Order
	Limit       int
}

// Columns returns the output column names in result order.
func (p *Plan) Columns() []string {
	names := make([]string, 0, len(p.Dimensions)+len(p.Metrics))
	for _, d := range p.Dimensions {
		names = append(names, d.Name)
	}
	for _, m := range p.Metrics {
		names = append(names, m.Name)
	}
	return names
}

// Plan validates req and builds its computation.
func (p *Planner) Plan(req Request) (*Plan, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}
	comp, err := p.Compute(req.Metrics, req.Dimensions, req.Filters)
	if err != nil {
		return nil, err
	}

	out := &Plan{Request: req, Computation: comp, Limit: req.Limit, OrderBy: req.OrderBy}
	for _, d := range req.Dimensions {
		typ, format, err := p.dimensionType(d)
		if err != nil {
			return nil, err
		}
		out.Dimensions = append(out.Dimensions, Output{Name: p.DimensionName(d), Type: typ, Format: format})
	}
	for i, m := range req.Metrics {
		metric, err := p.catalog.Metric(m.ID)
		if err != nil {
			return nil, err
		}
		measures, err := p.catalog.MetricMeasures(m.ID)
		if err != nil {
			return nil, err
		}
		mo := MetricOutput{
			Output:        Output{Name: m.Name(), Type: comp.Metrics[i].Type, Format: metric.Format},
			Request:       m,
			Measures:      measures,
			TotalFunction: p.TotalFunction(m.ID),
		}
		for _, t := range m.Transforms {
			if t.Name == TransformPercent {
				mo.Type = expr.TypeFloat
			}
		}
		out.Metrics = append(out.Metrics, mo)
	}
	if len(out.OrderBy) == 0 {
		for _, d := range out.Dimensions {
			out.OrderBy = append(out.OrderBy, Order{Column: d.Name})
		}
	}

	p.logger.Debug("planned semantic query",
		"metrics", len(req.Metrics),
		"dimensions", len(req.Dimensions),
		"anchors", len(comp.Queries))
	return out, nil
}

// TotalFunction returns the known total function of a metric that is a
// single measure, or "".
func (p *Planner) TotalFunction(metricID string) string {
	n, err := p.catalog.ResolvedMetric(metricID)
	if err != nil {
		return ""
	}
	ref, ok := n.(*expr.MeasureRef)
	if !ok {
		return ""
	}
	m, err := p.catalog.ResolvedMeasure(ref.ID)
	if err != nil {
		return ""
	}
	fn, err := expr.TotalFunction(m)
	if err != nil {
		return ""
	}
	return fn
}

// Compute builds the computation of metrics at the grain of dims: one
// aggregate query per anchor table, merged on the dimension names.
func (p *Planner) Compute(metrics []MetricRequest, dims []DimensionRequest, filters []DimensionRequest) (*Computation, error) {
	var anchors []string
	byAnchor := make(map[string][]string)
	seen := make(map[string]bool)
	for _, m := range metrics {
		measures, err := p.catalog.MetricMeasures(m.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range measures {
			if seen[id] {
				continue
			}
			seen[id] = true
			measure, err := p.catalog.Measure(id)
			if err != nil {
				return nil, err
			}
			if _, ok := byAnchor[measure.Table]; !ok {
				anchors = append(anchors, measure.Table)
			}
			byAnchor[measure.Table] = append(byAnchor[measure.Table], id)
		}
	}

	comp := &Computation{}
	for _, d := range dims {
		comp.MergeOn = append(comp.MergeOn, p.DimensionName(d))
	}
	for _, anchor := range anchors {
		q, err := p.anchorQuery(anchor, byAnchor[anchor], dims, filters)
		if err != nil {
			return nil, err
		}
		comp.Queries = append(comp.Queries, q)
	}
	for _, m := range metrics {
		col, err := p.metricColumn(m)
		if err != nil {
			return nil, err
		}
		comp.Metrics = append(comp.Metrics, col)
	}
	return comp, nil
}

func (p *Planner) anchorQuery(anchorID string, measures []string, dims, filters []DimensionRequest) (*Query, error) {
	anchor, err := p.catalog.Table(anchorID)
	if err != nil {
		return nil, err
	}
	b := &queryBuilder{p: p, anchor: anchor, q: &Query{Table: anchor.ID, Source: anchor.Source}}

	for _, d := range dims {
		n, typ, format, err := p.dimensionColumn(d, anchorID, measures)
		if err != nil {
			return nil, err
		}
		if err := b.joinFor(n); err != nil {
			return nil, err
		}
		b.q.GroupBy = append(b.q.GroupBy, Column{Name: p.DimensionName(d), Expr: n, Type: typ, Format: format})
	}

	for _, id := range measures {
		m, err := p.catalog.Measure(id)
		if err != nil {
			return nil, err
		}
		n, err := p.catalog.ResolvedMeasure(id)
		if err != nil {
			return nil, err
		}
		f, err := p.catalog.MeasureFilter(id)
		if err != nil {
			return nil, err
		}
		if err := b.joinFor(n); err != nil {
			return nil, err
		}
		if err := b.joinFor(f); err != nil {
			return nil, err
		}
		b.q.Aggregates = append(b.q.Aggregates, Column{Name: MeasureColumn(id), Expr: n, Type: m.Type, Filter: f})
	}

	if err := b.tableFilters(); err != nil {
		return nil, err
	}
	for _, f := range filters {
		n, _, _, err := p.dimensionColumn(f, anchorID, measures)
		if err != nil {
			return nil, err
		}
		if err := b.joinFor(n); err != nil {
			return nil, err
		}
		b.q.Filters = append(b.q.Filters, n)
	}
	return b.q, nil
}

// metricColumn builds the post-merge expression of a metric over the
// measure columns of the anchor queries.
func (p *Planner) metricColumn(req MetricRequest) (Column, error) {
	metric, err := p.catalog.Metric(req.ID)
	if err != nil {
		return Column{}, err
	}
	n, err := p.catalog.ResolvedMetric(req.ID)
	if err != nil {
		return Column{}, err
	}
	n, err = expr.Rewrite(n, func(n expr.Node) (expr.Node, error) {
		ref, ok := n.(*expr.MeasureRef)
		if !ok {
			return n, nil
		}
		m, err := p.catalog.Measure(ref.ID)
		if err != nil {
			return nil, err
		}
		var col expr.Node = expr.Col(MeasureColumn(ref.ID))
		if m.Missing != nil {
			col = expr.Fn("coalesce", col, m.Missing)
		}
		return col, nil
	})
	if err != nil {
		return Column{}, err
	}
	if metric.Missing != nil {
		n = expr.Fn("coalesce", n, metric.Missing)
	}
	return Column{Name: req.Name(), Expr: n, Type: metric.Type, Format: metric.Format}, nil
}

// DimensionName returns the output column name of a dimension request: the
// alias, else the id suffixed by its transforms.
func (p *Planner) DimensionName(d DimensionRequest) string {
	if d.Alias != "" {
		return d.Alias
	}
	for _, call := range d.Transforms {
		if call.Name != catalog.AliasTransform || len(call.Args) != 1 {
			continue
		}
		if lit, ok := call.Args[0].(*expr.Literal); ok && lit.Kind == expr.LiteralString && lit.Value != "" {
			return lit.Value
		}
	}
	parts := []string{d.ID}
	for _, call := range d.Transforms {
		t, ok := p.catalog.Transform(call.Name)
		if !ok || t.Suffix == "" {
			continue
		}
		parts = append(parts, t.Suffix)
	}
	return strings.Join(parts, "__")
}

// dimensionColumn resolves a dimension request on an anchor and applies its
// scalar transforms.
func (p *Planner) dimensionColumn(d DimensionRequest, anchor string, measures []string) (expr.Node, expr.Type, string, error) {
	id := d.ID
	if id == catalog.TimeDimension && !p.declaredDimension(id) {
		real, err := p.catalog.TimeDimensionFor(measures)
		if err != nil {
			return nil, "", "", err
		}
		id = real
	}
	n, dim, err := p.catalog.DimensionExpr(id, anchor)
	if err != nil {
		return nil, "", "", err
	}
	if dim.Missing != nil {
		n = expr.Fn("coalesce", n, dim.Missing)
	}
	typ, format := dim.Type, dim.Format
	for _, call := range d.Transforms {
		t, ok := p.catalog.Transform(call.Name)
		if !ok {
			return nil, "", "", domain.ErrRequest("unknown transform %q", call.Name)
		}
		if n, err = t.Apply(n, call.Args); err != nil {
			return nil, "", "", domain.ErrRequest("transform %q on %q: %v", call.Name, d.ID, err)
		}
		if t.Type != expr.TypeUnknown {
			typ = t.Type
		} else if inferred := expr.InferType(n, nil); inferred != expr.TypeUnknown {
			typ = inferred
		}
		if t.Format != "" {
			format = t.Format
		}
	}
	return n, typ, format, nil
}

// dimensionType computes the output type without an anchor.
func (p *Planner) dimensionType(d DimensionRequest) (expr.Type, string, error) {
	id := d.ID
	typ, format := expr.TypeUnknown, ""
	if id != catalog.TimeDimension || p.declaredDimension(id) {
		for _, dim := range p.catalog.Dimensions() {
			if dim.ID == id {
				typ, format = dim.Type, dim.Format
				break
			}
		}
	}
	for _, call := range d.Transforms {
		t, ok := p.catalog.Transform(call.Name)
		if !ok {
			return "", "", domain.ErrRequest("unknown transform %q", call.Name)
		}
		if t.Type != expr.TypeUnknown {
			typ = t.Type
		}
		if t.Format != "" {
			format = t.Format
		}
	}
	return typ, format, nil
}

func (p *Planner) declaredDimension(id string) bool {
	for _, d := range p.catalog.Dimensions() {
		if d.ID == id {
			return true
		}
	}
	return false
}

// queryBuilder accumulates one anchor query and its join tree.
type queryBuilder struct {
	p      *Planner
	anchor *catalog.Table
	q      *Query
}

// joinFor adds the joins needed by every qualified column of n.
func (b *queryBuilder) joinFor(n expr.Node) error {
	if n == nil {
		return nil
	}
	for _, ref := range expr.ColumnRefs(n) {
		if len(ref.Path) == 0 || ref.Path[0] != b.anchor.ID {
			return fmt.Errorf("column %s is not anchored at %q", expr.String(ref), b.anchor.ID)
		}
		if err := b.addPath(ref.Path[1:]); err != nil {
			return err
		}
	}
	return nil
}

// addPath merges the joins along an alias path into the tree, descending
// into an existing join rather than adding an equal one twice.
func (b *queryBuilder) addPath(aliases []string) error {
	if len(aliases) == 0 {
		return nil
	}
	edges, err := b.p.catalog.FollowPath(b.anchor.ID, aliases)
	if err != nil {
		return err
	}
	joins := &b.q.Joins
	for _, rel := range edges {
		target, err := b.p.catalog.Table(rel.Table)
		if err != nil {
			return err
		}
		j := &Join{
			ForeignKey: rel.ForeignKey,
			RelatedKey: rel.RelatedKey,
			Alias:      rel.Alias,
			Table:      target.ID,
			Source:     target.Source,
		}
		got := addJoin(joins, j)
		if got == j && target.Aggregate != nil {
			if j.Query, err = b.p.aggregateQuery(target.Aggregate); err != nil {
				return err
			}
			j.Outer = true
		}
		joins = &got.Joins
	}
	return nil
}

func (b *queryBuilder) tableFilters() error {
	filters, err := b.p.catalog.TableFilters(b.anchor.ID)
	if err != nil {
		return err
	}
	for _, f := range filters {
		if err := b.joinFor(f); err != nil {
			return err
		}
		b.q.Filters = append(b.q.Filters, f)
	}
	return nil
}

// aggregateQuery builds the nested query behind a synthesized aggregate
// relation: one row per key, aggregating the measure.
func (p *Planner) aggregateQuery(src *catalog.AggregateSource) (*Query, error) {
	anchor, err := p.catalog.Table(src.Anchor)
	if err != nil {
		return nil, err
	}
	b := &queryBuilder{p: p, anchor: anchor, q: &Query{Table: anchor.ID, Source: anchor.Source, IsSubquery: true}}

	keyPath := append([]string{anchor.ID}, src.KeyPath...)
	key := &expr.ColumnRef{Path: keyPath, Name: src.Key}
	if err := b.joinFor(key); err != nil {
		return nil, err
	}
	b.q.GroupBy = []Column{{Name: src.Key, Expr: key}}

	m, err := p.catalog.Measure(src.Measure)
	if err != nil {
		return nil, err
	}
	n, err := p.catalog.ResolvedMeasure(src.Measure)
	if err != nil {
		return nil, err
	}
	f, err := p.catalog.MeasureFilter(src.Measure)
	if err != nil {
		return nil, err
	}
	if err := b.joinFor(n); err != nil {
		return nil, err
	}
	if err := b.joinFor(f); err != nil {
		return nil, err
	}
	b.q.Aggregates = []Column{{Name: src.Measure, Expr: n, Type: m.Type, Filter: f}}
	if err := b.tableFilters(); err != nil {
		return nil, err
	}
	return b.q, nil
}
