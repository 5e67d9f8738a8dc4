package catalog

import (
	"fmt"
	"strings"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
)

// Build phases. Each phase only reads state produced by earlier phases.
const (
	phaseTables = iota + 1
	phaseRelated
	phaseDimensions
	phaseMeasures
	phaseBacklinks
	phaseAggregateDimensions
	phaseMetrics
	phaseTransforms
	phaseVerify
)

// aggregatePrefix names synthesized relations and their private edges.
const aggregatePrefix = "__agg__"

type builder struct {
	cfg  Config
	c    *Catalog
	done int
}

type phase struct {
	id   int
	name string
	run  func() error
}

func (b *builder) run() error {
	phases := []phase{
		{phaseTables, "register tables", b.registerTables},
		{phaseRelated, "register related tables", b.registerRelated},
		{phaseDimensions, "register dimensions", b.registerDimensions},
		{phaseMeasures, "register measures", b.registerMeasures},
		{phaseBacklinks, "compute measure backlinks", b.computeBacklinks},
		{phaseAggregateDimensions, "synthesize aggregate dimensions", b.synthesizeAggregates},
		{phaseMetrics, "register metrics", b.registerMetrics},
		{phaseTransforms, "register transforms", b.registerTransforms},
		{phaseVerify, "verify calculations", b.verify},
	}
	for _, p := range phases {
		if b.done != p.id-1 {
			return fmt.Errorf("catalog phase %d (%s) run out of order", p.id, p.name)
		}
		if err := p.run(); err != nil {
			return err
		}
		b.done = p.id
	}
	return nil
}

// === Phase 1: tables ===

func (b *builder) registerTables() error {
	for _, tc := range b.cfg.Tables {
		id := tc.ID
		if strings.TrimSpace(id) == "" {
			return domain.ErrConfiguration("table id is required")
		}
		if strings.ContainsAny(id, " \t\r\n") {
			return domain.ErrConfiguration("table id %q must not contain whitespace", id)
		}
		if strings.HasPrefix(id, aggregatePrefix) {
			return domain.ErrConfiguration("table id %q uses the reserved prefix %q", id, aggregatePrefix)
		}
		if _, dup := b.c.tables[id]; dup {
			return domain.ErrConfiguration("duplicate table id %q", id)
		}
		source := tc.Source
		if source == "" {
			source = id
		}
		b.c.tables[id] = &Table{
			ID:         id,
			Source:     source,
			PrimaryKey: tc.PrimaryKey,
			Related:    make(map[string]*RelatedTable),
			filterText: tc.Filters,
			backlinks:  make(map[string]string),
		}
		b.c.tableOrder = append(b.c.tableOrder, id)
	}
	return nil
}

// === Phase 2: related tables and join graph ===

func (b *builder) registerRelated() error {
	for _, tc := range b.cfg.Tables {
		t := b.c.tables[tc.ID]
		for _, rc := range tc.Related {
			target, ok := b.c.tables[rc.Table]
			if !ok {
				return domain.ErrConfiguration("table %q: unknown related table %q", t.ID, rc.Table)
			}
			alias := rc.Alias
			if alias == "" {
				alias = rc.Table
			}
			if _, dup := t.Related[alias]; dup {
				return domain.ErrConfiguration("table %q: duplicate related alias %q", t.ID, alias)
			}
			if rc.ForeignKey == "" {
				return domain.ErrConfiguration("table %q: related table %q requires a foreign key", t.ID, alias)
			}
			relatedKey := rc.RelatedKey
			if relatedKey == "" {
				relatedKey = target.PrimaryKey
			}
			if relatedKey == "" {
				return domain.ErrConfiguration("table %q: related table %q has no primary key and no related key was given", t.ID, target.ID)
			}
			t.Related[alias] = &RelatedTable{
				Alias:      alias,
				Table:      target.ID,
				ForeignKey: rc.ForeignKey,
				RelatedKey: relatedKey,
			}
		}
	}
	for _, id := range b.c.tableOrder {
		b.c.tables[id].joinPaths = b.c.enumerateJoinPaths(id)
	}
	return nil
}

// === Phase 3: dimensions ===

func (b *builder) registerDimensions() error {
	for _, tc := range b.cfg.Tables {
		t := b.c.tables[tc.ID]
		for _, dc := range tc.Dimensions {
			calc, err := newCalculation("dimension", dc.CalculationConfig)
			if err != nil {
				return err
			}
			d := &Dimension{Calculation: calc, Table: t.ID, Union: dc.Union}
			if existing, ok := b.c.dimensions[d.ID]; ok {
				if !d.Union || !existing[0].Union {
					return domain.ErrConfiguration("duplicate dimension id %q", d.ID)
				}
				for _, e := range existing {
					if e.Table == t.ID {
						return domain.ErrConfiguration("union dimension %q declared twice on table %q", d.ID, t.ID)
					}
				}
			} else {
				b.c.dimensionOrder = append(b.c.dimensionOrder, d.ID)
			}
			b.c.dimensions[d.ID] = append(b.c.dimensions[d.ID], d)
			t.Dimensions = append(t.Dimensions, d.ID)
		}
	}
	return nil
}

// === Phase 4: measures ===

func (b *builder) registerMeasures() error {
	for _, tc := range b.cfg.Tables {
		t := b.c.tables[tc.ID]
		for _, mc := range tc.Measures {
			calc, err := newCalculation("measure", mc.CalculationConfig)
			if err != nil {
				return err
			}
			if _, dup := b.c.measures[calc.ID]; dup {
				return domain.ErrConfiguration("duplicate measure id %q", calc.ID)
			}
			m := &Measure{Calculation: calc, Table: t.ID, FilterText: mc.Filter, Time: mc.Time}
			if mc.Filter != "" {
				if m.filter, err = expr.Parse(mc.Filter); err != nil {
					return fmt.Errorf("measure %q filter: %w", m.ID, err)
				}
			}
			if m.Time != "" {
				if _, ok := b.c.dimensions[m.Time]; !ok {
					return domain.ErrConfiguration("measure %q: unknown time dimension %q", m.ID, m.Time)
				}
			}
			b.c.measures[m.ID] = m
			b.c.measureOrder = append(b.c.measureOrder, m.ID)
			t.Measures = append(t.Measures, m.ID)

			if mc.Metric {
				metric := &Metric{Calculation: calc, Implicit: true}
				metric.ast = &expr.MeasureRef{ID: m.ID}
				metric.Text = "$" + m.ID
				b.c.metrics[m.ID] = metric
				b.c.metricOrder = append(b.c.metricOrder, m.ID)
			}
		}
	}
	return nil
}

// === Phase 5: backlinks ===

func (b *builder) computeBacklinks() error {
	if b.done < phaseRelated {
		return fmt.Errorf("backlinks require the join graph")
	}
	for _, id := range b.c.measureOrder {
		m := b.c.measures[id]
		owner := b.c.tables[m.Table]
		owner.backlinks[m.ID] = owner.ID
		for target := range owner.joinPaths {
			b.c.tables[target].backlinks[m.ID] = owner.ID
		}
	}
	return nil
}

// === Phase 6: aggregate dimensions ===

// synthesizeAggregates injects, for every measure referenced by a
// dimension, a relation holding one row per primary key of the dimension's
// table and a private edge to it.
func (b *builder) synthesizeAggregates() error {
	for _, id := range b.c.dimensionOrder {
		for _, d := range b.c.dimensions[id] {
			for _, mid := range expr.MeasureRefs(d.ast) {
				if err := b.synthesizeAggregate(d, mid); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (b *builder) synthesizeAggregate(d *Dimension, measureID string) error {
	if _, ok := b.c.measures[measureID]; !ok {
		return domain.ErrResolution("dimension %q: unknown measure %q", d.ID, measureID)
	}
	t := b.c.tables[d.Table]
	owner, ok := t.backlinks[measureID]
	if !ok {
		return domain.ErrResolution("dimension %q: measure %q is not reachable from table %q", d.ID, measureID, t.ID)
	}
	if t.PrimaryKey == "" {
		return domain.ErrConfiguration("dimension %q: table %q needs a primary key to aggregate measure %q", d.ID, t.ID, measureID)
	}
	alias := aggregatePrefix + measureID
	if _, exists := t.Related[alias]; exists {
		return nil
	}
	keyPath, _ := b.c.JoinPath(owner, t.ID)
	pseudo := &Table{
		ID:         aggregatePrefix + t.ID + "__" + measureID,
		PrimaryKey: t.PrimaryKey,
		Related:    make(map[string]*RelatedTable),
		backlinks:  make(map[string]string),
		joinPaths:  make(map[string][]string),
		Aggregate: &AggregateSource{
			Anchor:  owner,
			KeyPath: keyPath,
			Key:     t.PrimaryKey,
			Measure: measureID,
		},
	}
	b.c.tables[pseudo.ID] = pseudo
	b.c.tableOrder = append(b.c.tableOrder, pseudo.ID)
	t.Related[alias] = &RelatedTable{
		Alias:      alias,
		Table:      pseudo.ID,
		ForeignKey: t.PrimaryKey,
		RelatedKey: t.PrimaryKey,
		Private:    true,
	}
	b.c.logger.Debug("synthesized aggregate dimension relation",
		"table", pseudo.ID, "anchor", owner, "measure", measureID)
	return nil
}

// === Phase 7: metrics ===

func (b *builder) registerMetrics() error {
	for _, mc := range b.cfg.Metrics {
		calc, err := newCalculation("metric", mc.CalculationConfig)
		if err != nil {
			return err
		}
		if _, dup := b.c.metrics[calc.ID]; dup {
			return domain.ErrConfiguration("duplicate metric id %q", calc.ID)
		}
		b.c.metrics[calc.ID] = &Metric{Calculation: calc}
		b.c.metricOrder = append(b.c.metricOrder, calc.ID)
	}
	return nil
}

// === Phase 8: scalar transforms ===

func (b *builder) registerTransforms() error {
	for _, tc := range builtinTransforms {
		st, err := newTransform(tc)
		if err != nil {
			return fmt.Errorf("builtin transform %q: %w", tc.ID, err)
		}
		b.c.transforms[st.ID] = st
	}
	for _, tc := range b.cfg.Transforms {
		if tableTransforms[tc.ID] {
			return domain.ErrConfiguration("transform id %q is reserved", tc.ID)
		}
		st, err := newTransform(tc)
		if err != nil {
			return err
		}
		b.c.transforms[st.ID] = st
	}
	return nil
}

// === Phase 9: verification ===

// verify resolves every calculation so that a successfully built catalog
// never fails resolution later.
func (b *builder) verify() error {
	for _, id := range b.c.tableOrder {
		if _, err := b.c.TableFilters(id); err != nil {
			return err
		}
	}
	for _, id := range b.c.dimensionOrder {
		for _, d := range b.c.dimensions[id] {
			n, err := b.c.ResolvedDimension(d)
			if err != nil {
				return err
			}
			if d.Type == expr.TypeUnknown {
				d.Type = expr.InferType(n, b.c.TypeOf)
			}
		}
	}
	for _, id := range b.c.measureOrder {
		m := b.c.measures[id]
		n, err := b.c.ResolvedMeasure(id)
		if err != nil {
			return err
		}
		if _, err := b.c.MeasureFilter(id); err != nil {
			return err
		}
		if m.Type == expr.TypeUnknown {
			m.Type = expr.InferType(n, b.c.TypeOf)
		}
		if metric, ok := b.c.metrics[id]; ok && metric.Implicit {
			metric.Type = m.Type
		}
	}
	for _, id := range b.c.metricOrder {
		m := b.c.metrics[id]
		n, err := b.c.ResolvedMetric(id)
		if err != nil {
			return err
		}
		if m.Type == expr.TypeUnknown {
			m.Type = expr.InferType(n, b.c.TypeOf)
		}
	}
	return nil
}

// newCalculation validates the shared fields and parses the expression.
func newCalculation(kind string, cc CalculationConfig) (Calculation, error) {
	id := strings.TrimSpace(cc.ID)
	if id == "" {
		return Calculation{}, domain.ErrConfiguration("%s id is required", kind)
	}
	if strings.ContainsAny(cc.ID, ". \t\r\n") {
		return Calculation{}, domain.ErrConfiguration("%s id %q must not contain dots or spaces", kind, cc.ID)
	}
	typ, err := expr.ParseType(cc.Type)
	if err != nil {
		return Calculation{}, fmt.Errorf("%s %q: %w", kind, id, err)
	}
	text := cc.Expr
	if strings.TrimSpace(text) == "" {
		// a bare column of the same name
		text = id
	}
	ast, err := expr.Parse(text)
	if err != nil {
		return Calculation{}, fmt.Errorf("%s %q: %w", kind, id, err)
	}
	calc := Calculation{
		ID:          id,
		Name:        cc.Name,
		Description: cc.Description,
		Type:        typ,
		Format:      cc.Format,
		Text:        text,
		ast:         ast,
	}
	if cc.Missing != "" {
		if calc.Missing, err = expr.Parse(cc.Missing); err != nil {
			return Calculation{}, fmt.Errorf("%s %q missing value: %w", kind, id, err)
		}
		if k, _ := expr.Classify(calc.Missing); k != expr.KindScalar {
			return Calculation{}, domain.ErrConfiguration("%s %q: missing value must be a constant", kind, id)
		}
	}
	return calc, nil
}
