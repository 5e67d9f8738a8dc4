package catalog

import (
	"sort"

	"duck-semantic/internal/expr"
)

// Calculation is the part shared by dimensions, measures and metrics: a
// named, typed expression. The parsed AST is immutable once built.
type Calculation struct {
	ID          string
	Name        string
	Description string
	Type        expr.Type
	Format      string
	Missing     expr.Node // nil when no default is declared
	Text        string

	ast expr.Node
}

// AST returns the parsed, unresolved expression.
func (c *Calculation) AST() expr.Node { return c.ast }

// DisplayName returns Name, falling back to ID.
func (c *Calculation) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// RelatedTable is a directed join edge from its owning table.
type RelatedTable struct {
	Alias      string
	Table      string
	ForeignKey string
	RelatedKey string
	// Private edges are synthesized by the catalog and never counted as
	// join paths.
	Private bool
}

// AggregateSource describes a synthesized relation: Anchor grouped by Key
// reached through KeyPath, aggregating Measure. It backs dimensions that
// reference a measure.
type AggregateSource struct {
	Anchor  string
	KeyPath []string
	Key     string
	Measure string
}

// Table is a relation known to the catalog.
type Table struct {
	ID         string
	Source     string
	PrimaryKey string
	Related    map[string]*RelatedTable
	Measures   []string
	Dimensions []string
	Aggregate  *AggregateSource // non-nil for synthesized tables

	filterText []string
	joinPaths  map[string][]string
	backlinks  map[string]string // measure id -> owning table
}

// RelatedAliases returns the aliases of public related tables in sorted order.
func (t *Table) RelatedAliases() []string {
	aliases := make([]string, 0, len(t.Related))
	for alias, rel := range t.Related {
		if !rel.Private {
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)
	return aliases
}

// Dimension is a column-level calculation owned by one table.
type Dimension struct {
	Calculation
	Table string
	Union bool
}

// Measure is an aggregate calculation owned by one table.
type Measure struct {
	Calculation
	Table      string
	FilterText string
	Time       string

	filter expr.Node
}

// Metric is a calculation over measures and metrics. Implicit metrics are
// spawned by measures flagged as metrics.
type Metric struct {
	Calculation
	Implicit bool
}

// ScalarTransform rewrites a single column expression through a template.
type ScalarTransform struct {
	ID       string
	Template expr.Node
	Suffix   string    // output name suffix; empty uses the id
	Type     expr.Type // result type; unknown keeps the input type
	Format   string
	Args     int // highest @n used by the template
}
