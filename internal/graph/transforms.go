package graph

import (
	"fmt"
	"strconv"
	"strings"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
)

// builder holds the state shared by every computation of one request graph.
type builder struct {
	planner *plan.Planner
	env     *Env
	dims    []plan.DimensionRequest
	filters []plan.DimensionRequest
	// memo shares materialized rankings between transforms and metrics.
	memo map[string]*MaterializeOp
	subs int
}

// finish is the final projection, order and limit of the top-level
// computation.
type finish struct {
	columns []string
	order   []plan.Order
	limit   int
}

// stage rewrites the merged relation.
type stage func(in Operator) (Operator, error)

// terminal is a computation under construction: anchor queries merged on
// the dimension names, followed by post-merge stages.
type terminal struct {
	b       *builder
	on      []string
	queries []Operator
	metrics []plan.Column
	stages  []stage
}

// terminal builds the operator computing metrics, with their table
// transforms applied, at the grain of dims.
func (b *builder) terminal(metrics []plan.MetricRequest, dims []plan.DimensionRequest, fin *finish) (Operator, error) {
	// the base column of a metric carries its final output name; transforms
	// rewrite it in place
	base := make([]plan.MetricRequest, len(metrics))
	for i, m := range metrics {
		base[i] = plan.MetricRequest{ID: m.ID, Alias: m.Name()}
	}
	comp, err := b.planner.Compute(base, dims, b.filters)
	if err != nil {
		return nil, err
	}
	t := &terminal{b: b, on: comp.MergeOn, metrics: comp.Metrics}
	for _, q := range comp.Queries {
		t.queries = append(t.queries, NewQueryOp(b.env, q, nil, 0))
	}

	for _, m := range metrics {
		for k, tr := range m.Transforms {
			switch tr.Name {
			case plan.TransformTop, plan.TransformBottom:
				err = t.rank(m, k, tr)
			case plan.TransformTotal:
				err = t.total(m, k, tr)
			case plan.TransformPercent:
				err = t.percent(m, k, tr)
			default:
				err = domain.ErrRequest("unknown table transform %q on %q", tr.Name, m.ID)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return t.build(fin)
}

func (t *terminal) build(fin *finish) (Operator, error) {
	env := t.b.env
	keep := append([]string(nil), t.on...)
	for _, m := range t.metrics {
		keep = append(keep, m.Name)
	}
	ms := MergeSpec{On: t.on, Metrics: t.metrics, Keep: keep}
	if fin != nil && len(t.stages) == 0 {
		ms.Keep = fin.columns
		ms.Order = fin.order
		ms.Limit = fin.limit
		return NewMergeOp(env, t.queries, ms), nil
	}

	var cur Operator = NewMergeOp(env, t.queries, ms)
	for _, s := range t.stages {
		var err error
		if cur, err = s(cur); err != nil {
			return nil, err
		}
	}
	if fin == nil {
		return cur, nil
	}
	if !equalOrdered(cur.Columns(), fin.columns) {
		cur = NewProjectOp(env, cur, fin.columns)
	}
	if len(fin.order) > 0 || fin.limit > 0 {
		cur = NewOrderOp(env, cur, fin.order, fin.limit)
	}
	return cur, nil
}

func equalOrdered(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// grouping returns the of and within dimensions of a transform, of
// defaulting to every dimension not in within.
func (t *terminal) grouping(tr plan.TableTransform) (of, within []string) {
	within = intersect(t.on, tr.Within)
	if len(tr.Of) > 0 {
		return intersect(t.on, tr.Of), within
	}
	return minus(t.on, within), within
}

func columns(names []string) []expr.Node {
	out := make([]expr.Node, len(names))
	for i, n := range names {
		out[i] = expr.Col(n)
	}
	return out
}

// dimsFor returns the requested dimensions whose output names are in grain.
func (b *builder) dimsFor(grain []string) []plan.DimensionRequest {
	var out []plan.DimensionRequest
	for _, d := range b.dims {
		if contains(grain, b.planner.DimensionName(d)) {
			out = append(out, d)
		}
	}
	return out
}

// sub builds metric m, with the transforms before index k, at a coarser
// grain. It returns the operator and the name of its metric column.
func (t *terminal) sub(m plan.MetricRequest, k int, grain []string) (Operator, string, error) {
	prefix := m.Transforms[:k]
	for _, tr := range prefix {
		for _, d := range append(append([]string(nil), tr.Of...), tr.Within...) {
			if !contains(grain, d) {
				return nil, "", domain.ErrRequest("%s on %q groups by %q, which a later %s on the same metric aggregates away",
					tr.Name, m.ID, d, m.Transforms[k].Name)
			}
		}
	}
	t.b.subs++
	name := fmt.Sprintf("__sub_%d", t.b.subs)
	req := plan.MetricRequest{ID: m.ID, Transforms: prefix, Alias: name}
	op, err := t.b.terminal([]plan.MetricRequest{req}, t.b.dimsFor(grain), nil)
	if err != nil {
		return nil, "", err
	}
	return op, name, nil
}

// attach joins sub onto the merged relation and returns a stage that sets
// column to value, computed from the joined columns, then drops them.
func (t *terminal) attach(subs []Operator, column string, value expr.Node) stage {
	env := t.b.env
	return func(in Operator) (Operator, error) {
		cur := in
		for _, s := range subs {
			joined, err := NewInnerJoinOp(env, cur, s)
			if err != nil {
				return nil, err
			}
			cur = joined
		}
		calc := NewCalculateOp(env, cur, []plan.Column{{Name: column, Expr: value}})
		return NewProjectOp(env, calc, in.Columns()), nil
	}
}

// === Top / Bottom ===

const rankColumn = "__rank"

// ranked numbers the rows of in within each partition by column and keeps
// the first n.
func ranked(env *Env, in Operator, column string, within []string, desc bool, n int) Operator {
	rank := &expr.Window{
		Func:        expr.Fn("row_number"),
		PartitionBy: columns(within),
		OrderBy:     []expr.OrderItem{{X: expr.Col(column), Desc: desc}},
	}
	calc := NewCalculateOp(env, in, []plan.Column{{Name: rankColumn, Expr: rank, Type: expr.TypeInt}})
	filter := NewFilterOp(env, calc, []expr.Node{
		expr.Bin(expr.OpLe, expr.Col(rankColumn), expr.Num(strconv.Itoa(n))),
	})
	return NewProjectOp(env, filter, in.Columns())
}

func (t *terminal) rank(m plan.MetricRequest, k int, tr plan.TableTransform) error {
	env := t.b.env
	column := m.Name()
	desc := tr.Name == plan.TransformTop
	n := tr.TopN()

	if len(t.on) == 0 {
		// a single row per anchor: rank by the measure inside the query
		if len(t.stages) == 0 && len(t.queries) == 1 {
			if q, ok := t.queries[0].(*QueryOp); ok && len(q.Query.Aggregates) > 0 {
				order := []plan.Order{{Column: q.Query.Aggregates[0].Name, Desc: desc}}
				t.queries = []Operator{NewQueryOp(env, q.Query, order, n)}
				return nil
			}
		}
		t.stages = append(t.stages, func(in Operator) (Operator, error) {
			return NewOrderOp(env, in, []plan.Order{{Column: column, Desc: desc}}, n), nil
		})
		return nil
	}

	of, within := t.grouping(tr)
	grain := intersect(t.on, union(of, within))
	if sameSet(grain, t.on) {
		t.stages = append(t.stages, func(in Operator) (Operator, error) {
			return ranked(env, in, column, within, desc, n), nil
		})
		return nil
	}

	// rank at the coarser grain once and restrict every input to the
	// surviving key tuples
	key := plan.MetricRequest{ID: m.ID, Transforms: m.Transforms[:k+1]}.String() + "|" + strings.Join(grain, ",")
	tuples, ok := t.b.memo[key]
	if !ok {
		sub, name, err := t.sub(m, k, grain)
		if err != nil {
			return err
		}
		tuples = NewMaterializeOp(env, NewProjectOp(env, ranked(env, sub, name, within, desc, n), grain))
		t.b.memo[key] = tuples
	}
	if len(t.stages) == 0 {
		wrapped := make([]Operator, len(t.queries))
		for i, q := range t.queries {
			wrapped[i] = NewTuplesFilterOp(env, q, tuples, grain)
		}
		t.queries = wrapped
		return nil
	}
	t.stages = append(t.stages, func(in Operator) (Operator, error) {
		return NewTuplesFilterOp(env, in, tuples, grain), nil
	})
	return nil
}

// === Total / Percent ===

func (t *terminal) total(m plan.MetricRequest, k int, tr plan.TableTransform) error {
	env := t.b.env
	column := m.Name()
	of, _ := t.grouping(tr)
	grain := minus(t.on, of)

	if fn := t.b.planner.TotalFunction(m.ID); fn != "" {
		window := &expr.Window{Func: expr.Fn(fn, expr.Col(column)), PartitionBy: columns(grain)}
		t.stages = append(t.stages, func(in Operator) (Operator, error) {
			return NewCalculateOp(env, in, []plan.Column{{Name: column, Expr: window}}), nil
		})
		return nil
	}
	sub, name, err := t.sub(m, k, grain)
	if err != nil {
		return err
	}
	t.stages = append(t.stages, t.attach([]Operator{sub}, column, expr.Col(name)))
	return nil
}

func (t *terminal) percent(m plan.MetricRequest, k int, tr plan.TableTransform) error {
	env := t.b.env
	column := m.Name()
	of, within := t.grouping(tr)
	grain := intersect(t.on, union(of, within))
	fn := t.b.planner.TotalFunction(m.ID)

	if sameSet(grain, t.on) && fn != "" {
		total := &expr.Window{Func: expr.Fn(fn, expr.Col(column)), PartitionBy: columns(within)}
		value := expr.Bin(expr.OpDiv, expr.Col(column), total)
		t.stages = append(t.stages, func(in Operator) (Operator, error) {
			return NewCalculateOp(env, in, []plan.Column{{Name: column, Expr: value, Type: expr.TypeFloat}}), nil
		})
		return nil
	}

	var subs []Operator
	var numerator expr.Node = expr.Col(column)
	if !sameSet(grain, t.on) {
		sub, name, err := t.sub(m, k, grain)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		numerator = expr.Col(name)
	}
	sub, name, err := t.sub(m, k, within)
	if err != nil {
		return err
	}
	subs = append(subs, sub)
	t.stages = append(t.stages, t.attach(subs, column, expr.Bin(expr.OpDiv, numerator, expr.Col(name))))
	return nil
}
