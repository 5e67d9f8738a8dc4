package catalog

import (
	"sort"

	"duck-semantic/internal/domain"
)

// enumerateJoinPaths walks every related-table path from start without
// revisiting a table already on the current path. A target reached by
// exactly one path is an allowed join target; the returned map holds the
// alias path to each of them.
func (c *Catalog) enumerateJoinPaths(start string) map[string][]string {
	counts := make(map[string]int)
	first := make(map[string][]string)
	onPath := map[string]bool{start: true}

	var walk func(table string, path []string)
	walk = func(table string, path []string) {
		t := c.tables[table]
		for _, alias := range t.RelatedAliases() {
			rel := t.Related[alias]
			if onPath[rel.Table] {
				continue
			}
			next := make([]string, len(path)+1)
			copy(next, path)
			next[len(path)] = alias

			counts[rel.Table]++
			if counts[rel.Table] == 1 {
				first[rel.Table] = next
			}
			onPath[rel.Table] = true
			walk(rel.Table, next)
			delete(onPath, rel.Table)
		}
	}
	walk(start, nil)

	allowed := make(map[string][]string, len(counts))
	for target, n := range counts {
		if n == 1 {
			allowed[target] = first[target]
		} else {
			c.logger.Debug("ambiguous join target excluded",
				"from", start, "target", target, "paths", n)
		}
	}
	return allowed
}

// AllowedJoinPaths returns the alias path to every table reachable from
// table through exactly one path.
func (c *Catalog) AllowedJoinPaths(table string) map[string][]string {
	t, ok := c.tables[table]
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(t.joinPaths))
	for target, path := range t.joinPaths {
		out[target] = append([]string(nil), path...)
	}
	return out
}

// JoinPath returns the alias path from one table to another. A table
// reaches itself through the empty path.
func (c *Catalog) JoinPath(from, to string) ([]string, bool) {
	if from == to {
		return nil, true
	}
	t, ok := c.tables[from]
	if !ok {
		return nil, false
	}
	path, ok := t.joinPaths[to]
	if !ok {
		return nil, false
	}
	return append([]string(nil), path...), true
}

// Reachable returns the tables reachable from table (itself included),
// sorted.
func (c *Catalog) Reachable(table string) []string {
	t, ok := c.tables[table]
	if !ok {
		return nil
	}
	out := []string{table}
	for target := range t.joinPaths {
		out = append(out, target)
	}
	sort.Strings(out[1:])
	return out
}

// FollowPath returns the related-table edges traversed by an alias path
// starting at table.
func (c *Catalog) FollowPath(table string, path []string) ([]*RelatedTable, error) {
	edges := make([]*RelatedTable, 0, len(path))
	current := table
	for _, alias := range path {
		t, ok := c.tables[current]
		if !ok {
			return nil, domain.ErrResolution("unknown table %q", current)
		}
		rel, ok := t.Related[alias]
		if !ok {
			return nil, domain.ErrResolution("table %q has no related table %q", current, alias)
		}
		edges = append(edges, rel)
		current = rel.Table
	}
	return edges, nil
}

// unreachable builds the error for a table that has no allowed path from
// anchor, distinguishing ambiguous from disconnected targets.
func (c *Catalog) unreachable(what, id, anchor, target string) error {
	if c.pathCount(anchor, target) > 1 {
		return domain.ErrConfiguration("%s %q: table %q is reachable from %q by more than one join path; declare it on an unambiguous table", what, id, target, anchor)
	}
	return domain.ErrResolution("%s %q on table %q is not reachable from %q", what, id, target, anchor)
}

// pathCount counts the distinct paths between two tables.
func (c *Catalog) pathCount(from, to string) int {
	n := 0
	onPath := map[string]bool{from: true}
	var walk func(table string)
	walk = func(table string) {
		t := c.tables[table]
		for _, alias := range t.RelatedAliases() {
			rel := t.Related[alias]
			if onPath[rel.Table] {
				continue
			}
			if rel.Table == to {
				n++
			}
			onPath[rel.Table] = true
			walk(rel.Table)
			delete(onPath, rel.Table)
		}
	}
	if _, ok := c.tables[from]; ok {
		walk(from)
	}
	return n
}
