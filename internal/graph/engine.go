package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/plan"
)

// Engine turns plans into operator graphs and runs them on one backend.
type Engine struct {
	planner     *plan.Planner
	backend     backend.Backend
	concurrency int
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds how many sibling inputs are materialized at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. The planner is used to build the extra
// computations that table transforms need.
func NewEngine(p *plan.Planner, b backend.Backend, opts ...Option) *Engine {
	e := &Engine{planner: p, backend: b, concurrency: 1}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

// Backend returns the engine backend.
func (e *Engine) Backend() backend.Backend { return e.backend }

// Build constructs the operator graph of pl. Nothing is executed.
func (e *Engine) Build(pl *plan.Plan) (*FinalizeOp, error) {
	env := &Env{
		Backend:     e.backend,
		Manifest:    &backend.Manifest{},
		Concurrency: e.concurrency,
		Logger:      e.logger,
	}
	b := &builder{
		planner: e.planner,
		env:     env,
		dims:    pl.Request.Dimensions,
		filters: pl.Request.Filters,
		memo:    make(map[string]*MaterializeOp),
	}
	term, err := b.terminal(pl.Request.Metrics, pl.Request.Dimensions, &finish{
		columns: pl.Columns(),
		order:   pl.OrderBy,
		limit:   pl.Limit,
	})
	if err != nil {
		return nil, err
	}

	outputs := make([]plan.Output, 0, len(pl.Dimensions)+len(pl.Metrics))
	outputs = append(outputs, pl.Dimensions...)
	for _, m := range pl.Metrics {
		outputs = append(outputs, m.Output)
	}
	return NewFinalizeOp(env, NewMaterializeOp(env, term), outputs), nil
}

// Execute builds and runs the graph of pl.
func (e *Engine) Execute(ctx context.Context, pl *plan.Plan) (*Result, error) {
	f, err := e.Build(pl)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := f.Output(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("semantic query executed",
		"backend", e.backend.Name(),
		"queries", len(res.Queries),
		"rows", len(res.Rows),
		"duration", time.Since(start))
	return res, nil
}

// Explanation describes a graph without running it.
type Explanation struct {
	Graph   string   `json:"graph"`
	Queries []string `json:"queries"`
}

// Explain builds the graph of pl and renders it together with the native
// text of every query it would issue.
func (e *Engine) Explain(pl *plan.Plan) (*Explanation, error) {
	f, err := e.Build(pl)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	seen := make(map[Operator]bool)
	var queries []*QueryOp
	var walk func(op Operator, depth int)
	walk = func(op Operator, depth int) {
		sb.WriteString(strings.Repeat("  ", depth) + op.Describe())
		if seen[op] {
			sb.WriteString(" (shared)\n")
			return
		}
		sb.WriteString("\n")
		seen[op] = true
		if q, ok := op.(*QueryOp); ok {
			queries = append(queries, q)
		}
		for _, in := range op.Inputs() {
			walk(in, depth+1)
		}
	}
	walk(f, 0)

	out := &Explanation{Graph: sb.String()}
	for _, q := range queries {
		rel, err := e.backend.CompileQuery(q.Query)
		if err != nil {
			return nil, fmt.Errorf("compile query on %s: %w", q.Query.Table, err)
		}
		out.Queries = append(out.Queries, e.backend.Display(rel))
	}
	return out, nil
}
