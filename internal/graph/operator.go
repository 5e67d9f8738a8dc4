// Package graph executes planned computations as a DAG of memoized
// operators and implements the top, bottom, total and percent table
// transforms by rewriting that DAG.
package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-set/v2"
	"golang.org/x/sync/errgroup"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
	"duck-semantic/internal/table"
)

// Relation is an operator output: either a lazy backend relation or a table
// already fetched into memory.
type Relation struct {
	Native backend.Relation
	Table  *table.Table
}

// Materialized reports whether the relation is held in memory.
func (r Relation) Materialized() bool { return r.Table != nil }

// Operator is a node of the computation graph. Result runs the operator at
// most once and returns the cached outcome on every later call.
type Operator interface {
	Result(ctx context.Context) (Relation, error)
	// LevelOfDetail returns the group-by column names of the output.
	LevelOfDetail() []string
	Columns() []string
	Inputs() []Operator
	Describe() string
}

// Env is the per-request execution environment shared by the operators of
// one graph.
type Env struct {
	Backend  backend.Backend
	Manifest *backend.Manifest
	// Concurrency bounds parallel materialization; values below 2 run
	// inputs one after another.
	Concurrency int
	Logger      *slog.Logger
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.Logger
}

type state int

const (
	stateUnready state = iota
	stateExecuting
	stateReady
)

// node holds the result slot of an operator. Concurrent callers wait for
// the first one to finish.
type node struct {
	mu      sync.Mutex
	state   state
	done    chan struct{}
	result  Relation
	err     error
	compute func(ctx context.Context) (Relation, error)

	lod     []string
	columns []string
	inputs  []Operator
	desc    string
}

func (n *node) Result(ctx context.Context) (Relation, error) {
	n.mu.Lock()
	switch n.state {
	case stateReady:
		defer n.mu.Unlock()
		return n.result, n.err
	case stateExecuting:
		done := n.done
		n.mu.Unlock()
		select {
		case <-done:
			n.mu.Lock()
			defer n.mu.Unlock()
			return n.result, n.err
		case <-ctx.Done():
			return Relation{}, ctx.Err()
		}
	}
	n.state = stateExecuting
	n.done = make(chan struct{})
	n.mu.Unlock()

	result, err := n.compute(ctx)

	n.mu.Lock()
	n.result, n.err = result, err
	n.state = stateReady
	close(n.done)
	n.mu.Unlock()
	return result, err
}

func (n *node) LevelOfDetail() []string { return n.lod }
func (n *node) Columns() []string       { return n.columns }
func (n *node) Inputs() []Operator      { return n.inputs }
func (n *node) Describe() string        { return n.desc }

// === Relation helpers ===

// materialize fetches rel into memory, recording the backend query.
func (e *Env) materialize(ctx context.Context, rel Relation) (*table.Table, error) {
	if rel.Table != nil {
		return rel.Table, nil
	}
	return backend.Run(ctx, e.Backend, rel.Native, e.Manifest)
}

// materializeAll resolves and fetches ops, running up to Concurrency of
// them at once.
func (e *Env) materializeAll(ctx context.Context, ops []Operator) ([]*table.Table, error) {
	out := make([]*table.Table, len(ops))
	g, ctx := errgroup.WithContext(ctx)
	if e.Concurrency > 0 {
		g.SetLimit(e.Concurrency)
	}
	for i, op := range ops {
		g.Go(func() error {
			rel, err := op.Result(ctx)
			if err != nil {
				return err
			}
			t, err := e.materialize(ctx, rel)
			if err != nil {
				return err
			}
			out[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// apply runs a native operation, or the table one when the relation is
// materialized or the backend reports ErrUnsupported.
func (e *Env) apply(
	ctx context.Context,
	rel Relation,
	native func(backend.Relation) (backend.Relation, error),
	local func(*table.Table) (*table.Table, error),
) (Relation, error) {
	if rel.Table == nil {
		out, err := native(rel.Native)
		if err == nil {
			return Relation{Native: out}, nil
		}
		if !errors.Is(err, backend.ErrUnsupported) {
			return Relation{}, err
		}
		e.logger().Debug("falling back to in-memory operation", "backend", e.Backend.Name(), "reason", err)
	}
	t, err := e.materialize(ctx, rel)
	if err != nil {
		return Relation{}, err
	}
	out, err := local(t)
	if err != nil {
		return Relation{}, err
	}
	return Relation{Table: out}, nil
}

func (e *Env) calculate(ctx context.Context, rel Relation, cols []plan.Column) (Relation, error) {
	if len(cols) == 0 {
		return rel, nil
	}
	return e.apply(ctx, rel,
		func(r backend.Relation) (backend.Relation, error) { return e.Backend.Calculate(r, cols) },
		func(t *table.Table) (*table.Table, error) { return t.Calculate(namedExprs(cols)) })
}

func (e *Env) filter(ctx context.Context, rel Relation, preds []expr.Node) (Relation, error) {
	return e.apply(ctx, rel,
		func(r backend.Relation) (backend.Relation, error) { return e.Backend.Filter(r, preds) },
		func(t *table.Table) (*table.Table, error) { return t.Where(preds, nil) })
}

func (e *Env) project(ctx context.Context, rel Relation, columns []string) (Relation, error) {
	return e.apply(ctx, rel,
		func(r backend.Relation) (backend.Relation, error) { return e.Backend.Project(r, columns) },
		func(t *table.Table) (*table.Table, error) { return t.Project(columns) })
}

func (e *Env) orderLimit(ctx context.Context, rel Relation, orders []plan.Order, limit int) (Relation, error) {
	var err error
	if len(orders) > 0 {
		rel, err = e.apply(ctx, rel,
			func(r backend.Relation) (backend.Relation, error) { return e.Backend.Order(r, orders) },
			func(t *table.Table) (*table.Table, error) { return t.OrderBy(tableOrders(orders)) })
		if err != nil {
			return Relation{}, err
		}
	}
	if limit > 0 {
		rel, err = e.apply(ctx, rel,
			func(r backend.Relation) (backend.Relation, error) { return e.Backend.Limit(r, limit) },
			func(t *table.Table) (*table.Table, error) { return t.Limit(limit), nil })
	}
	return rel, err
}

func namedExprs(cols []plan.Column) []table.NamedExpr {
	out := make([]table.NamedExpr, len(cols))
	for i, c := range cols {
		out[i] = table.NamedExpr{Name: c.Name, Expr: c.Expr, Filter: c.Filter}
	}
	return out
}

func tableOrders(orders []plan.Order) []table.Order {
	out := make([]table.Order, len(orders))
	for i, o := range orders {
		out[i] = table.Order{Column: o.Column, Desc: o.Desc}
	}
	return out
}

func orderText(orders []plan.Order) string {
	parts := make([]string, len(orders))
	for i, o := range orders {
		parts[i] = o.Column
		if o.Desc {
			parts[i] += " desc"
		}
	}
	return strings.Join(parts, ", ")
}

// === Level-of-detail helpers ===
//
// Levels of detail are ordered column lists; the helpers keep the order of
// their first argument.

func contains(list []string, s string) bool {
	return slices.Contains(list, s)
}

// intersect keeps the elements of a that are in b.
func intersect(a, b []string) []string {
	in := set.From(b)
	var out []string
	for _, x := range a {
		if in.Contains(x) {
			out = append(out, x)
		}
	}
	return out
}

// union appends the elements of b missing from a.
func union(a, b []string) []string {
	seen := set.From(a)
	out := append([]string(nil), a...)
	for _, x := range b {
		if seen.Insert(x) {
			out = append(out, x)
		}
	}
	return out
}

func minus(a, b []string) []string {
	out := set.From(b)
	var keep []string
	for _, x := range a {
		if !out.Contains(x) {
			keep = append(keep, x)
		}
	}
	return keep
}

func sameSet(a, b []string) bool {
	return set.From(a).Equal(set.From(b))
}
