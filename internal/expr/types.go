package expr

import (
	"strings"

	"duck-semantic/internal/domain"
)

// Type is the semantic type of a calculation or column.
type Type string

const (
	TypeUnknown  Type = ""
	TypeBool     Type = "bool"
	TypeInt      Type = "int"
	TypeFloat    Type = "float"
	TypeString   Type = "str"
	TypeDate     Type = "date"
	TypeDatetime Type = "datetime"
)

var typeSynonyms = map[string]Type{
	"bool":      TypeBool,
	"boolean":   TypeBool,
	"int":       TypeInt,
	"integer":   TypeInt,
	"bigint":    TypeInt,
	"float":     TypeFloat,
	"double":    TypeFloat,
	"number":    TypeFloat,
	"decimal":   TypeFloat,
	"str":       TypeString,
	"string":    TypeString,
	"text":      TypeString,
	"varchar":   TypeString,
	"date":      TypeDate,
	"datetime":  TypeDatetime,
	"timestamp": TypeDatetime,
}

// ParseType parses a declared type name. The empty string yields TypeUnknown.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeUnknown, nil
	}
	t, ok := typeSynonyms[s]
	if !ok {
		return TypeUnknown, domain.ErrConfiguration("unknown type %q", s)
	}
	return t, nil
}

// IsNumeric reports whether t is int or float.
func (t Type) IsNumeric() bool {
	return t == TypeInt || t == TypeFloat
}

// TypeLookup supplies types for reference nodes (columns, measures, dimensions).
type TypeLookup func(Node) Type

// InferType infers the result type of n. Unknown references yield TypeUnknown.
func InferType(n Node, lookup TypeLookup) Type {
	switch n := n.(type) {
	case *Literal:
		switch n.Kind {
		case LiteralNumber:
			if strings.ContainsAny(n.Value, ".eE") {
				return TypeFloat
			}
			return TypeInt
		case LiteralString:
			return TypeString
		case LiteralBool:
			return TypeBool
		}
		return TypeUnknown
	case *ColumnRef, *MeasureRef, *DimensionRef:
		if lookup == nil {
			return TypeUnknown
		}
		return lookup(n)
	case *UnaryOp:
		if n.Op == OpNot {
			return TypeBool
		}
		return InferType(n.X, lookup)
	case *BinaryOp:
		switch {
		case n.Op.IsComparison(), n.Op.IsLogical():
			return TypeBool
		case n.Op == OpConcat:
			return TypeString
		case n.Op == OpDiv:
			return TypeFloat
		}
		return numericResult(InferType(n.Left, lookup), InferType(n.Right, lookup))
	case *Call:
		if fn, ok := functions[n.Name]; ok && fn.Result != TypeUnknown {
			return fn.Result
		}
		return firstKnown(n.Args, lookup)
	case *Case:
		results := make([]Node, 0, len(n.Whens)+1)
		for _, w := range n.Whens {
			results = append(results, w.Result)
		}
		if n.Else != nil {
			results = append(results, n.Else)
		}
		return firstKnown(results, lookup)
	case *Window:
		return InferType(n.Func, lookup)
	}
	return TypeUnknown
}

func numericResult(a, b Type) Type {
	switch {
	case a == TypeFloat || b == TypeFloat:
		return TypeFloat
	case a == TypeInt && b == TypeInt:
		return TypeInt
	case a == TypeUnknown:
		return b
	case (a == TypeDate || a == TypeDatetime) && b == TypeInt:
		return a
	}
	return a
}

func firstKnown(nodes []Node, lookup TypeLookup) Type {
	for _, n := range nodes {
		if t := InferType(n, lookup); t != TypeUnknown {
			return t
		}
	}
	return TypeUnknown
}
