package cli

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"duck-semantic/internal/backend"
	"duck-semantic/internal/backend/memory"
	"duck-semantic/internal/backend/sqlbackend"
	"duck-semantic/internal/config"
	"duck-semantic/internal/service/semantic"
	"duck-semantic/internal/table"
)

func (rt *runtime) modelDir() (string, error) {
	if rt.cfg.ModelDir == "" {
		return "", errors.New("no model directory: pass --models or set MODEL_DIR")
	}
	return rt.cfg.ModelDir, nil
}

// openBackend opens the configured backend and loads the CSV files of
// DataDir into it. The returned close function releases the database.
func (rt *runtime) openBackend(ctx context.Context) (backend.Backend, func() error, error) {
	var tables map[string]*table.Table
	if rt.cfg.DataDir != "" {
		var err error
		if tables, err = memory.LoadDir(rt.cfg.DataDir); err != nil {
			return nil, nil, fmt.Errorf("load data: %w", err)
		}
	}
	if rt.cfg.Backend == config.BackendMemory {
		return memory.New(tables, rt.logger), func() error { return nil }, nil
	}

	var dialect sqlbackend.Dialect = sqlbackend.DuckDB{}
	if rt.cfg.Backend == config.BackendSQLite {
		dialect = sqlbackend.SQLite{}
	}
	db, err := sqlbackend.Open(dialect, rt.cfg.DSN())
	if err != nil {
		return nil, nil, err
	}
	for _, name := range slices.Sorted(maps.Keys(tables)) {
		if err := sqlbackend.Load(ctx, db, dialect, name, tables[name]); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("load data: %w", err)
		}
	}
	rt.logger.Debug("backend ready", "backend", dialect.Name(), "tables", len(tables))
	return sqlbackend.New(db, dialect, rt.logger), db.Close, nil
}

// openService builds the semantic service over the configured backend.
func (rt *runtime) openService(ctx context.Context) (*semantic.Service, func() error, error) {
	dir, err := rt.modelDir()
	if err != nil {
		return nil, nil, err
	}
	b, closeFn, err := rt.openBackend(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc, err := semantic.NewService(semantic.DirLoader(dir), b,
		semantic.WithLogger(rt.logger),
		semantic.WithConcurrency(rt.cfg.MaterializeConcurrency),
		semantic.WithExplainCacheSize(rt.cfg.ExplainCacheSize))
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}
