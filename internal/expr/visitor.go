package expr

import "fmt"

// Visitor compiles or evaluates an AST with one method per node variant.
// Backends and evaluators implement it; Visit dispatches exhaustively.
type Visitor[T any] interface {
	VisitLiteral(*Literal) (T, error)
	VisitColumnRef(*ColumnRef) (T, error)
	VisitMeasureRef(*MeasureRef) (T, error)
	VisitDimensionRef(*DimensionRef) (T, error)
	VisitUnaryOp(*UnaryOp) (T, error)
	VisitBinaryOp(*BinaryOp) (T, error)
	VisitCall(*Call) (T, error)
	VisitCase(*Case) (T, error)
	VisitArgPlaceholder(*ArgPlaceholder) (T, error)
	VisitWindow(*Window) (T, error)
}

// Visit dispatches n to the matching method of v.
func Visit[T any](n Node, v Visitor[T]) (T, error) {
	switch x := n.(type) {
	case *Literal:
		return v.VisitLiteral(x)
	case *ColumnRef:
		return v.VisitColumnRef(x)
	case *MeasureRef:
		return v.VisitMeasureRef(x)
	case *DimensionRef:
		return v.VisitDimensionRef(x)
	case *UnaryOp:
		return v.VisitUnaryOp(x)
	case *BinaryOp:
		return v.VisitBinaryOp(x)
	case *Call:
		return v.VisitCall(x)
	case *Case:
		return v.VisitCase(x)
	case *ArgPlaceholder:
		return v.VisitArgPlaceholder(x)
	case *Window:
		return v.VisitWindow(x)
	}
	var zero T
	return zero, fmt.Errorf("unsupported expression node %T", n)
}
