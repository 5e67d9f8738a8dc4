package expr

import "duck-semantic/internal/domain"

// Kind classifies an expression by the grain it is evaluated at.
type Kind int

const (
	KindScalar Kind = iota
	KindColumn
	KindAggregate
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindColumn:
		return "column"
	case KindAggregate:
		return "aggregate"
	}
	return "unknown"
}

// Classify infers the kind of n bottom-up. Combining an aggregate with a
// column anywhere in the tree is an error, as is nesting aggregates.
func Classify(n Node) (Kind, error) {
	switch n := n.(type) {
	case *Literal, *ArgPlaceholder:
		return KindScalar, nil
	case *ColumnRef, *DimensionRef, *Window:
		return KindColumn, nil
	case *MeasureRef:
		return KindAggregate, nil
	case *UnaryOp:
		return Classify(n.X)
	case *BinaryOp:
		return combineKinds(n.Left, n.Right)
	case *Call:
		if !IsAggregate(n.Name) {
			return combineKinds(n.Args...)
		}
		for _, a := range n.Args {
			k, err := Classify(a)
			if err != nil {
				return 0, err
			}
			if k == KindAggregate {
				return 0, domain.ErrResolution("aggregate function expects a scalar or column argument")
			}
		}
		return KindAggregate, nil
	case *Case:
		nodes := make([]Node, 0, 2*len(n.Whens)+1)
		for _, w := range n.Whens {
			nodes = append(nodes, w.Cond, w.Result)
		}
		if n.Else != nil {
			nodes = append(nodes, n.Else)
		}
		return combineKinds(nodes...)
	}
	return KindScalar, nil
}

func combineKinds(nodes ...Node) (Kind, error) {
	result := KindScalar
	for _, n := range nodes {
		k, err := Classify(n)
		if err != nil {
			return 0, err
		}
		if (result == KindAggregate && k == KindColumn) || (result == KindColumn && k == KindAggregate) {
			return 0, domain.ErrResolution("mixing aggregates and non-aggregates")
		}
		if k > result {
			result = k
		}
	}
	return result, nil
}

// TotalFunction reports the function that re-aggregates the output of n into
// a grand total: sum, min or max (count totals with sum). Anything other than
// a single call to one of sum, count, min or max fails.
func TotalFunction(n Node) (string, error) {
	if c, ok := n.(*Call); ok {
		switch c.Name {
		case "sum", "count":
			return "sum", nil
		case "min", "max":
			return c.Name, nil
		}
	}
	return "", domain.ErrResolution("no known total function")
}
