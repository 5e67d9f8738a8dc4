// Package plan turns validated query requests into relational queries: one
// aggregate query per anchor table with a deduplicated join tree, plus the
// post-merge expressions that combine them.
package plan

import (
	"strings"

	"duck-semantic/internal/expr"
)

// Column is a named expression attached to a group-by, aggregate or
// post-merge slot.
type Column struct {
	Name   string
	Expr   expr.Node
	Type   expr.Type
	Format string
	// Filter restricts the rows an aggregate column sees.
	Filter expr.Node
}

// Order is one ORDER BY term over an output column.
type Order struct {
	Column string
	Desc   bool
}

// Join attaches a related table, or a nested aggregate query, to its parent
// relation. Columns of the joined relation are addressed by the alias path
// from the anchor.
type Join struct {
	ForeignKey string // column of the parent relation
	RelatedKey string // column of the joined relation
	Alias      string
	Table      string // table id, or the synthesized relation id for Query
	Source     string
	Query      *Query // nested relation; nil for plain tables
	Outer      bool
	Joins      []*Join
}

// Equal reports whether two joins attach the same relation through the same
// keys under the same alias. Child joins are not compared.
func (j *Join) Equal(o *Join) bool {
	return j.ForeignKey == o.ForeignKey &&
		j.RelatedKey == o.RelatedKey &&
		j.Alias == o.Alias &&
		j.Table == o.Table
}

// Query is an aggregate query anchored at one table.
type Query struct {
	Table      string
	Source     string
	Joins      []*Join
	GroupBy    []Column
	Aggregates []Column
	Filters    []expr.Node
	OrderBy    []Order
	Limit      int
	IsSubquery bool
}

// LevelOfDetail returns the names of the group-by columns.
func (q *Query) LevelOfDetail() []string {
	names := make([]string, len(q.GroupBy))
	for i, c := range q.GroupBy {
		names[i] = c.Name
	}
	return names
}

// Columns returns the output column names: group-by columns then aggregates.
func (q *Query) Columns() []string {
	names := q.LevelOfDetail()
	for _, c := range q.Aggregates {
		names = append(names, c.Name)
	}
	return names
}

// addJoin inserts j under joins unless an equal join exists, and returns the
// join now present at that position.
func addJoin(joins *[]*Join, j *Join) *Join {
	for _, existing := range *joins {
		if existing.Equal(j) {
			return existing
		}
	}
	*joins = append(*joins, j)
	return j
}

// CountJoins returns the number of join nodes in the tree.
func (q *Query) CountJoins() int {
	var count func([]*Join) int
	count = func(joins []*Join) int {
		n := len(joins)
		for _, j := range joins {
			n += count(j.Joins)
		}
		return n
	}
	return count(q.Joins)
}

// Computation is one or more aggregate queries merged on their shared
// dimensions, followed by post-merge metric expressions.
type Computation struct {
	Queries []*Query
	// MergeOn is the level of detail of the merged result.
	MergeOn []string
	Metrics []Column
}

// Columns returns the merged output: merge keys then metric columns.
func (c *Computation) Columns() []string {
	names := append([]string(nil), c.MergeOn...)
	for _, m := range c.Metrics {
		names = append(names, m.Name)
	}
	return names
}

// RelationAlias returns the relation alias used for a column path.
func RelationAlias(path []string) string {
	return strings.Join(path, "__")
}

// MeasureColumn names the aggregate column computing a measure inside an
// anchor query.
func MeasureColumn(id string) string {
	return "m__" + id
}
