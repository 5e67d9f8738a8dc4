// Package backend defines the compiler protocol the operator graph drives.
// A backend turns planned queries into native lazy relations, combines them,
// and executes them into in-memory tables. Concrete backends live in
// sub-packages.
package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
	"duck-semantic/internal/table"
)

// ErrUnsupported is returned by a backend operation that has no native
// implementation. The engine falls back to the in-memory equivalent.
var ErrUnsupported = errors.New("operation not supported by backend")

// Relation is a lazy, backend-native relation. Nothing is executed until
// it is passed to Execute.
type Relation interface {
	Columns() []string
}

// Backend compiles and executes relational plans.
type Backend interface {
	Name() string

	// CompileQuery compiles one aggregate query.
	CompileQuery(q *plan.Query) (Relation, error)
	// MergeQueries full-outer-joins relations on the merge keys, coalescing
	// the keys; without keys it cross joins them. May return ErrUnsupported.
	MergeQueries(rels []Relation, on []string) (Relation, error)
	// Calculate adds or replaces columns, evaluated in order.
	Calculate(rel Relation, cols []plan.Column) (Relation, error)
	// InnerJoin joins two relations on the named shared columns.
	InnerJoin(left, right Relation, on []string) (Relation, error)
	Filter(rel Relation, preds []expr.Node) (Relation, error)
	// FilterWithTuples keeps the rows whose key tuple appears in tuples.
	FilterWithTuples(rel Relation, tuples *table.Table, on []string) (Relation, error)
	Project(rel Relation, columns []string) (Relation, error)
	Order(rel Relation, orders []plan.Order) (Relation, error)
	Limit(rel Relation, n int) (Relation, error)

	Execute(ctx context.Context, rel Relation) (*table.Table, error)
	// Display renders the native query for diagnostics.
	Display(rel Relation) string
}

// QueryRecord is one executed native query.
type QueryRecord struct {
	Backend  string        `json:"backend"`
	Text     string        `json:"text"`
	Duration time.Duration `json:"duration"`
	Rows     int           `json:"rows"`
}

// Manifest collects the native queries issued while answering one request.
// It is safe for concurrent use.
type Manifest struct {
	mu      sync.Mutex
	records []QueryRecord
}

// Record appends a query record.
func (m *Manifest) Record(r QueryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

// Records returns a copy of the collected records.
func (m *Manifest) Records() []QueryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QueryRecord(nil), m.records...)
}

// Run executes rel on b and records it in the manifest.
func Run(ctx context.Context, b Backend, rel Relation, m *Manifest) (*table.Table, error) {
	start := time.Now()
	t, err := b.Execute(ctx, rel)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.Record(QueryRecord{
			Backend:  b.Name(),
			Text:     b.Display(rel),
			Duration: time.Since(start),
			Rows:     t.Len(),
		})
	}
	return t, nil
}
