// Package semantic serves semantic queries: it owns the current catalog,
// plans and executes requests on one backend, caches explain output and
// rebuilds the catalog from its model source on demand or on a schedule.
package semantic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/robfig/cron/v3"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/catalog"
	"duck-semantic/internal/declarative"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/graph"
	"duck-semantic/internal/plan"
)

// Loader reads the semantic model.
type Loader func() (*declarative.Model, error)

// DirLoader loads the model from a directory of YAML documents.
func DirLoader(dir string) Loader {
	return func() (*declarative.Model, error) {
		return declarative.LoadDirectory(dir)
	}
}

// Build validates model and builds its catalog. Every calculation is
// resolved, so a returned catalog never fails on a reference later.
func Build(model *declarative.Model, logger *slog.Logger) (*catalog.Catalog, error) {
	if errs := declarative.Validate(model); len(errs) > 0 {
		return nil, fmt.Errorf("invalid model: %w", errs[0])
	}
	return catalog.New(model.Config(), logger)
}

// state is one immutable catalog generation.
type state struct {
	generation uint64
	model      *declarative.Model
	catalog    *catalog.Catalog
	planner    *plan.Planner
	engine     *graph.Engine
}

// Service answers semantic queries against the current catalog.
type Service struct {
	load        Loader
	backend     backend.Backend
	logger      *slog.Logger
	concurrency int
	cacheSize   int

	mu    sync.RWMutex
	state *state

	// reloadMu serializes reloads.
	reloadMu sync.Mutex
	explains *lru.Cache[uint64, *ExplainResult]
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithConcurrency bounds parallel materialization per request.
func WithConcurrency(n int) Option {
	return func(s *Service) { s.concurrency = n }
}

// WithExplainCacheSize sets how many explain results are kept.
func WithExplainCacheSize(n int) Option {
	return func(s *Service) { s.cacheSize = n }
}

// NewService loads the model and builds the first catalog. A model that
// fails to load or build is an error.
func NewService(load Loader, b backend.Backend, opts ...Option) (*Service, error) {
	s := &Service{load: load, backend: b, concurrency: 1, cacheSize: 256}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cache, err := lru.New[uint64, *ExplainResult](max(s.cacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("explain cache: %w", err)
	}
	s.explains = cache

	st, err := s.build(1)
	if err != nil {
		return nil, err
	}
	s.state = st
	return s, nil
}

func (s *Service) build(generation uint64) (*state, error) {
	model, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	c, err := Build(model, s.logger)
	if err != nil {
		return nil, err
	}
	p := plan.NewPlanner(c, s.logger)
	return &state{
		generation: generation,
		model:      model,
		catalog:    c,
		planner:    p,
		engine: graph.NewEngine(p, s.backend,
			graph.WithConcurrency(s.concurrency),
			graph.WithLogger(s.logger)),
	}, nil
}

func (s *Service) current() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Catalog returns the current catalog.
func (s *Service) Catalog() *catalog.Catalog { return s.current().catalog }

// Generation counts successful catalog builds, starting at 1.
func (s *Service) Generation() uint64 { return s.current().generation }

// Backend returns the backend queries run on.
func (s *Service) Backend() backend.Backend { return s.backend }

// === Reload ===

// Reload rebuilds the catalog from the model source. On failure the
// previous catalog stays in service and the error is returned.
func (s *Service) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	old := s.current()
	st, err := s.build(old.generation + 1)
	if err != nil {
		s.logger.Warn("semantic catalog reload failed; keeping previous catalog",
			"generation", old.generation, "error", err)
		return err
	}
	changes := declarative.Diff(old.model, st.model)
	if len(changes) == 0 {
		s.logger.Debug("semantic catalog unchanged", "generation", old.generation)
		return nil
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.explains.Purge()

	names := make([]string, len(changes))
	for i, c := range changes {
		names[i] = c.String()
	}
	s.logger.Info("semantic catalog reloaded", "generation", st.generation, "changes", names)
	return nil
}

// StartReloader reloads the catalog on a cron schedule until the returned
// stop function is called. Stop waits for a running reload to finish.
func (s *Service) StartReloader(spec string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = s.Reload(ctx) // logged by Reload
	})
	if err != nil {
		return nil, fmt.Errorf("reload schedule %q: %w", spec, err)
	}
	c.Start()
	s.logger.Info("semantic catalog reload scheduled", "schedule", spec)
	return func() { <-c.Stop().Done() }, nil
}

// === Query ===

func requestID(ctx context.Context) string {
	if id := domain.RequestIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func outputColumns(pl *plan.Plan) []graph.Column {
	cols := make([]graph.Column, 0, len(pl.Dimensions)+len(pl.Metrics))
	for _, d := range pl.Dimensions {
		cols = append(cols, graph.Column{Name: d.Name, Type: d.Type, Format: d.Format})
	}
	for _, m := range pl.Metrics {
		cols = append(cols, graph.Column{Name: m.Name, Type: m.Type, Format: m.Format})
	}
	return cols
}

func (s *Service) plan(st *state, req QueryRequest) (*plan.Plan, error) {
	pr, err := req.Parse()
	if err != nil {
		return nil, err
	}
	return st.planner.Plan(pr)
}

// Query plans and executes req.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	id := requestID(ctx)
	st := s.current()
	start := time.Now()

	pl, err := s.plan(st, req)
	if err != nil {
		s.logger.Debug("semantic request rejected", "request_id", id, "error", err)
		return nil, err
	}
	res, err := st.engine.Execute(ctx, pl)
	if err != nil {
		s.logger.Error("semantic query failed", "request_id", id, "backend", s.backend.Name(), "error", err)
		return nil, err
	}
	s.logger.Info("semantic query",
		"request_id", id,
		"metrics", req.Metrics,
		"dimensions", req.Dimensions,
		"anchors", len(pl.Computation.Queries),
		"backend_queries", len(res.Queries),
		"rows", len(res.Rows),
		"duration", time.Since(start))
	return &QueryResult{RequestID: id, Columns: res.Columns, Rows: res.Rows, Queries: res.Queries}, nil
}

// Explain returns the operator graph and backend query text of req
// without executing anything. Results are cached per catalog generation.
func (s *Service) Explain(ctx context.Context, req QueryRequest) (*ExplainResult, error) {
	st := s.current()
	key, err := hashstructure.Hash(struct {
		Generation uint64
		Request    QueryRequest
	}{st.generation, req}, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("explain cache key: %w", err)
	}
	if cached, ok := s.explains.Get(key); ok {
		return cached, nil
	}

	pl, err := s.plan(st, req)
	if err != nil {
		return nil, err
	}
	ex, err := st.engine.Explain(pl)
	if err != nil {
		return nil, err
	}
	out := &ExplainResult{
		Backend: s.backend.Name(),
		Columns: outputColumns(pl),
		Graph:   ex.Graph,
		Queries: ex.Queries,
	}
	s.explains.Add(key, out)
	s.logger.Debug("semantic explain", "request_id", requestID(ctx), "queries", len(out.Queries))
	return out, nil
}
