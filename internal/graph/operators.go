package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
	"duck-semantic/internal/table"
)

// === Query ===

// QueryOp compiles one aggregate query on the backend.
type QueryOp struct {
	node
	Query *plan.Query
}

// NewQueryOp creates a query operator. A non-empty order or a positive
// limit is compiled into the query itself.
func NewQueryOp(env *Env, q *plan.Query, order []plan.Order, limit int) *QueryOp {
	if len(order) > 0 || limit > 0 {
		cp := *q
		cp.OrderBy = order
		cp.Limit = limit
		q = &cp
	}
	op := &QueryOp{Query: q}
	op.lod = q.LevelOfDetail()
	op.columns = q.Columns()
	op.desc = describeQuery(q)
	op.compute = func(context.Context) (Relation, error) {
		rel, err := env.Backend.CompileQuery(q)
		if err != nil {
			return Relation{}, fmt.Errorf("compile query on %s: %w", q.Table, err)
		}
		return Relation{Native: rel}, nil
	}
	return op
}

func describeQuery(q *plan.Query) string {
	aggs := make([]string, len(q.Aggregates))
	for i, a := range q.Aggregates {
		aggs[i] = a.Name
	}
	s := fmt.Sprintf("query %s by [%s] -> [%s]", q.Table, strings.Join(q.LevelOfDetail(), ", "), strings.Join(aggs, ", "))
	if len(q.OrderBy) > 0 {
		s += " order by " + orderText(q.OrderBy)
	}
	if q.Limit > 0 {
		s += fmt.Sprintf(" limit %d", q.Limit)
	}
	return s
}

// === InnerJoin ===

// InnerJoinOp joins two operators on their shared level of detail.
type InnerJoinOp struct {
	node
	On []string
}

// NewInnerJoinOp creates a join of left and right. Without shared columns
// the join is a cross join.
func NewInnerJoinOp(env *Env, left, right Operator) (*InnerJoinOp, error) {
	on := intersect(left.LevelOfDetail(), right.LevelOfDetail())
	columns := append([]string(nil), left.Columns()...)
	for _, c := range right.Columns() {
		if contains(on, c) {
			continue
		}
		if contains(columns, c) {
			return nil, fmt.Errorf("join: column %q appears on both sides", c)
		}
		columns = append(columns, c)
	}
	op := &InnerJoinOp{On: on}
	op.lod = union(left.LevelOfDetail(), right.LevelOfDetail())
	op.columns = columns
	op.inputs = []Operator{left, right}
	op.desc = fmt.Sprintf("inner join on [%s]", strings.Join(on, ", "))
	op.compute = func(ctx context.Context) (Relation, error) {
		l, err := left.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		r, err := right.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		if !l.Materialized() && !r.Materialized() {
			rel, err := env.Backend.InnerJoin(l.Native, r.Native, on)
			if err == nil {
				return Relation{Native: rel}, nil
			}
			if !errors.Is(err, backend.ErrUnsupported) {
				return Relation{}, err
			}
		}
		tables, err := env.materializeAll(ctx, []Operator{left, right})
		if err != nil {
			return Relation{}, err
		}
		t, err := tables[0].Join(tables[1], on)
		if err != nil {
			return Relation{}, err
		}
		return Relation{Table: t}, nil
	}
	return op, nil
}

// === Merge ===

// MergeOp combines sibling operators on the merge keys, evaluates the
// post-merge metric columns and keeps the requested columns.
type MergeOp struct {
	node
	On      []string
	Metrics []plan.Column
}

// MergeSpec configures a merge.
type MergeSpec struct {
	On      []string
	Metrics []plan.Column
	// Keep lists the output columns; empty keeps everything.
	Keep  []string
	Order []plan.Order
	Limit int
}

// NewMergeOp creates a merge of inputs.
func NewMergeOp(env *Env, inputs []Operator, ms MergeSpec) *MergeOp {
	op := &MergeOp{On: ms.On, Metrics: ms.Metrics}
	op.lod = append([]string(nil), ms.On...)
	op.inputs = inputs
	if len(ms.Keep) > 0 {
		op.columns = append([]string(nil), ms.Keep...)
	} else {
		cols := append([]string(nil), ms.On...)
		for _, in := range inputs {
			cols = union(cols, in.Columns())
		}
		for _, m := range ms.Metrics {
			cols = union(cols, []string{m.Name})
		}
		op.columns = cols
	}
	names := make([]string, len(ms.Metrics))
	for i, m := range ms.Metrics {
		names[i] = m.Name + "=" + expr.String(m.Expr)
	}
	op.desc = fmt.Sprintf("merge %d on [%s] calculate [%s]", len(inputs), strings.Join(ms.On, ", "), strings.Join(names, ", "))
	if len(ms.Order) > 0 {
		op.desc += " order by " + orderText(ms.Order)
	}
	if ms.Limit > 0 {
		op.desc += fmt.Sprintf(" limit %d", ms.Limit)
	}

	op.compute = func(ctx context.Context) (Relation, error) {
		rel, err := mergeInputs(ctx, env, inputs, ms.On)
		if err != nil {
			return Relation{}, err
		}
		if rel, err = env.calculate(ctx, rel, ms.Metrics); err != nil {
			return Relation{}, err
		}
		if len(ms.Keep) > 0 {
			if rel, err = env.project(ctx, rel, ms.Keep); err != nil {
				return Relation{}, err
			}
		}
		return env.orderLimit(ctx, rel, ms.Order, ms.Limit)
	}
	return op
}

func mergeInputs(ctx context.Context, env *Env, inputs []Operator, on []string) (Relation, error) {
	if len(inputs) == 1 {
		return inputs[0].Result(ctx)
	}
	natives := make([]backend.Relation, 0, len(inputs))
	for _, in := range inputs {
		rel, err := in.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		if rel.Materialized() {
			natives = nil
			break
		}
		natives = append(natives, rel.Native)
	}
	if natives != nil {
		rel, err := env.Backend.MergeQueries(natives, on)
		if err == nil {
			return Relation{Native: rel}, nil
		}
		if !errors.Is(err, backend.ErrUnsupported) {
			return Relation{}, err
		}
		env.logger().Debug("merging in memory", "backend", env.Backend.Name(), "inputs", len(inputs))
	}
	tables, err := env.materializeAll(ctx, inputs)
	if err != nil {
		return Relation{}, err
	}
	t, err := table.Merge(tables, on)
	if err != nil {
		return Relation{}, err
	}
	return Relation{Table: t}, nil
}

// === Row-level operators ===

// CalculateOp adds or replaces columns of its input.
type CalculateOp struct {
	node
	Calculations []plan.Column
}

// NewCalculateOp creates a calculation over input.
func NewCalculateOp(env *Env, input Operator, cols []plan.Column) *CalculateOp {
	op := &CalculateOp{Calculations: cols}
	op.lod = input.LevelOfDetail()
	columns := input.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		columns = union(columns, []string{c.Name})
		names[i] = c.Name + "=" + expr.String(c.Expr)
	}
	op.columns = columns
	op.inputs = []Operator{input}
	op.desc = "calculate [" + strings.Join(names, ", ") + "]"
	op.compute = func(ctx context.Context) (Relation, error) {
		rel, err := input.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		return env.calculate(ctx, rel, cols)
	}
	return op
}

// FilterOp keeps the rows of its input that satisfy every predicate.
type FilterOp struct {
	node
	Predicates []expr.Node
}

// NewFilterOp creates a filter over input.
func NewFilterOp(env *Env, input Operator, preds []expr.Node) *FilterOp {
	op := &FilterOp{Predicates: preds}
	op.lod = input.LevelOfDetail()
	op.columns = input.Columns()
	op.inputs = []Operator{input}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = expr.String(p)
	}
	op.desc = "filter " + strings.Join(parts, " and ")
	op.compute = func(ctx context.Context) (Relation, error) {
		rel, err := input.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		return env.filter(ctx, rel, preds)
	}
	return op
}

// TuplesFilterOp restricts its input to the key tuples of a materialized
// filter relation.
type TuplesFilterOp struct {
	node
	On []string
}

// NewTuplesFilterOp creates a tuple filter of input by tuples on the given
// key columns.
func NewTuplesFilterOp(env *Env, input Operator, tuples *MaterializeOp, on []string) *TuplesFilterOp {
	op := &TuplesFilterOp{On: on}
	op.lod = input.LevelOfDetail()
	op.columns = input.Columns()
	op.inputs = []Operator{input, tuples}
	op.desc = fmt.Sprintf("tuples filter on [%s]", strings.Join(on, ", "))
	op.compute = func(ctx context.Context) (Relation, error) {
		keys, err := tuples.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		rel, err := input.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		semijoin := func(t *table.Table) (*table.Table, error) {
			if len(on) == 0 {
				if keys.Table.Len() == 0 {
					return &table.Table{Columns: t.Columns}, nil
				}
				return t, nil
			}
			return t.Semijoin(keys.Table, on)
		}
		return env.apply(ctx, rel,
			func(r backend.Relation) (backend.Relation, error) {
				return env.Backend.FilterWithTuples(r, keys.Table, on)
			},
			semijoin)
	}
	return op
}

// ProjectOp keeps the named columns.
type ProjectOp struct {
	node
}

// NewProjectOp creates a projection of input.
func NewProjectOp(env *Env, input Operator, columns []string) *ProjectOp {
	op := &ProjectOp{}
	op.lod = intersect(input.LevelOfDetail(), columns)
	op.columns = append([]string(nil), columns...)
	op.inputs = []Operator{input}
	op.desc = "project [" + strings.Join(columns, ", ") + "]"
	op.compute = func(ctx context.Context) (Relation, error) {
		rel, err := input.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		return env.project(ctx, rel, columns)
	}
	return op
}

// OrderOp sorts its input, nulls last, and optionally limits it.
type OrderOp struct {
	node
	Order []plan.Order
	Limit int
}

// NewOrderOp creates an order and limit over input.
func NewOrderOp(env *Env, input Operator, order []plan.Order, limit int) *OrderOp {
	op := &OrderOp{Order: order, Limit: limit}
	op.lod = input.LevelOfDetail()
	op.columns = input.Columns()
	op.inputs = []Operator{input}
	op.desc = "order by " + orderText(order)
	if limit > 0 {
		op.desc += fmt.Sprintf(" limit %d", limit)
	}
	op.compute = func(ctx context.Context) (Relation, error) {
		rel, err := input.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		return env.orderLimit(ctx, rel, order, limit)
	}
	return op
}

// === Materialize ===

// MaterializeOp fetches its input into memory.
type MaterializeOp struct {
	node
}

// NewMaterializeOp creates a materialization of input.
func NewMaterializeOp(env *Env, input Operator) *MaterializeOp {
	op := &MaterializeOp{}
	op.lod = input.LevelOfDetail()
	op.columns = input.Columns()
	op.inputs = []Operator{input}
	op.desc = "materialize"
	op.compute = func(ctx context.Context) (Relation, error) {
		tables, err := env.materializeAll(ctx, []Operator{input})
		if err != nil {
			return Relation{}, err
		}
		return Relation{Table: tables[0]}, nil
	}
	return op
}
