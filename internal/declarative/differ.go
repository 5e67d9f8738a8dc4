package declarative

import (
	"fmt"
	"reflect"
	"sort"
)

// Operation is the kind of change between two models.
type Operation int

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("Operation(%d)", int(o))
	}
}

// Change is one resource that differs between two models.
type Change struct {
	Operation Operation
	Kind      string // "table", "metric" or "transform"
	Name      string
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s %q", c.Operation, c.Kind, c.Name)
}

// Diff compares two models resource by resource. Changes are sorted by
// kind then name.
func Diff(old, cur *Model) []Change {
	if old == nil {
		old = &Model{}
	}
	var changes []Change
	changes = append(changes, diffKind("table", index(old.Tables, tableName), index(cur.Tables, tableName))...)
	changes = append(changes, diffKind("metric", index(old.Metrics, calcID), index(cur.Metrics, calcID))...)
	changes = append(changes, diffKind("transform", index(old.Transforms, transformID), index(cur.Transforms, transformID))...)
	return changes
}

func tableName(t TableResource) string { return t.Name }
func calcID(c CalculationSpec) string   { return c.ID }
func transformID(t TransformSpec) string {
	return t.ID
}

func index[T any](items []T, key func(T) string) map[string]any {
	out := make(map[string]any, len(items))
	for _, it := range items {
		out[key(it)] = it
	}
	return out
}

func diffKind(kind string, old, cur map[string]any) []Change {
	var changes []Change
	for name, c := range cur {
		o, ok := old[name]
		switch {
		case !ok:
			changes = append(changes, Change{Operation: OpCreate, Kind: kind, Name: name})
		case !sameResource(o, c):
			changes = append(changes, Change{Operation: OpUpdate, Kind: kind, Name: name})
		}
	}
	for name := range old {
		if _, ok := cur[name]; !ok {
			changes = append(changes, Change{Operation: OpDelete, Kind: kind, Name: name})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Name < changes[j].Name })
	return changes
}

// sameResource ignores where a table was loaded from.
func sameResource(a, b any) bool {
	if ta, ok := a.(TableResource); ok {
		tb := b.(TableResource)
		return reflect.DeepEqual(ta.Spec, tb.Spec)
	}
	return reflect.DeepEqual(a, b)
}
