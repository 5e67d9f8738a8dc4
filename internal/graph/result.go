package graph

import (
	"context"
	"fmt"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
	"duck-semantic/internal/table"
)

// Column describes one result column.
type Column struct {
	Name   string    `json:"name"`
	Type   expr.Type `json:"type"`
	Format string    `json:"format,omitempty"`
}

// Result is the typed output of a request.
type Result struct {
	Columns []Column              `json:"columns"`
	Rows    [][]any               `json:"rows"`
	Queries []backend.QueryRecord `json:"queries"`
}

// Records returns the rows as column-keyed maps.
func (r *Result) Records() []map[string]any {
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		rec := make(map[string]any, len(r.Columns))
		for j, c := range r.Columns {
			rec[c.Name] = row[j]
		}
		out[i] = rec
	}
	return out
}

// FinalizeOp is the terminal operator. It coerces every output column to
// its declared type and gathers the executed backend queries.
type FinalizeOp struct {
	node
	input   *MaterializeOp
	outputs []plan.Output
	env     *Env
}

// NewFinalizeOp creates the terminal over a materialized input.
func NewFinalizeOp(env *Env, input *MaterializeOp, outputs []plan.Output) *FinalizeOp {
	op := &FinalizeOp{input: input, outputs: outputs, env: env}
	names := make([]string, len(outputs))
	for i, o := range outputs {
		names[i] = o.Name
	}
	op.lod = input.LevelOfDetail()
	op.columns = names
	op.inputs = []Operator{input}
	op.desc = "finalize"
	op.compute = func(ctx context.Context) (Relation, error) {
		rel, err := input.Result(ctx)
		if err != nil {
			return Relation{}, err
		}
		t, err := rel.Table.Project(names)
		if err != nil {
			return Relation{}, fmt.Errorf("finalize: %w", err)
		}
		rows := make([][]any, len(t.Rows))
		for r, row := range t.Rows {
			out := make([]any, len(row))
			for i, v := range row {
				out[i] = table.Coerce(v, outputs[i].Type)
			}
			rows[r] = out
		}
		return Relation{Table: &table.Table{Columns: names, Rows: rows}}, nil
	}
	return op
}

// Output runs the graph and returns the typed result.
func (f *FinalizeOp) Output(ctx context.Context) (*Result, error) {
	rel, err := f.Result(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Rows: rel.Table.Rows}
	for _, o := range f.outputs {
		res.Columns = append(res.Columns, Column{Name: o.Name, Type: o.Type, Format: o.Format})
	}
	if f.env.Manifest != nil {
		res.Queries = f.env.Manifest.Records()
	}
	return res, nil
}
