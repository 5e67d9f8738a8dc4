package expr

// Node is the sealed interface implemented by every AST variant.
type Node interface {
	node()
}

// LiteralKind represents the type of a literal.
type LiteralKind int

const (
	LiteralNumber LiteralKind = iota
	LiteralString
	LiteralBool
	LiteralNull
)

// Literal represents a literal value. Value holds the unquoted text
// ("true"/"false" for booleans, empty for NULL).
type Literal struct {
	Kind  LiteralKind
	Value string
}

// ColumnRef represents a possibly dotted column reference. Path holds the
// qualifiers in front of the column name: after resolution the first element
// is the anchor table id and the rest are related-table aliases.
type ColumnRef struct {
	Path []string
	Name string
}

// MeasureRef represents a $id reference to a measure or metric.
type MeasureRef struct {
	ID string
}

// DimensionRef represents a :id reference to a dimension.
type DimensionRef struct {
	ID string
}

// Op is an operator of a UnaryOp or BinaryOp.
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpConcat
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpNot
	OpNeg
)

var opSymbols = map[Op]string{
	OpAdd:    "+",
	OpSub:    "-",
	OpMul:    "*",
	OpDiv:    "/",
	OpMod:    "%",
	OpConcat: "||",
	OpEq:     "=",
	OpNe:     "!=",
	OpLt:     "<",
	OpLe:     "<=",
	OpGt:     ">",
	OpGe:     ">=",
	OpAnd:    "and",
	OpOr:     "or",
	OpNot:    "not",
	OpNeg:    "-",
}

func (o Op) String() string { return opSymbols[o] }

// IsComparison reports whether the operator yields a boolean from two values.
func (o Op) IsComparison() bool {
	return o >= OpEq && o <= OpGe
}

// IsLogical reports whether the operator is AND, OR or NOT.
func (o Op) IsLogical() bool {
	return o == OpAnd || o == OpOr || o == OpNot
}

// UnaryOp represents NOT x or -x.
type UnaryOp struct {
	Op Op
	X  Node
}

// BinaryOp represents left op right.
type BinaryOp struct {
	Op    Op
	Left  Node
	Right Node
}

// Call represents a function call. Name is always lowercase.
type Call struct {
	Name string
	Args []Node
}

// When is one WHEN cond THEN result branch.
type When struct {
	Cond   Node
	Result Node
}

// Case represents a searched CASE expression. Simple CASE and IF are
// desugared into this form by the parser.
type Case struct {
	Whens []When
	Else  Node // nil when absent
}

// Argument placeholder indices with special meaning.
const (
	ArgInput = 0  // @
	ArgAll   = -1 // @*
)

// ArgPlaceholder represents @ (the transformed input), @n (the n-th
// transform argument) or @* (all arguments, only inside call arguments).
type ArgPlaceholder struct {
	Index int
}

// OrderItem is one ORDER BY term of a window.
type OrderItem struct {
	X    Node
	Desc bool
}

// Window represents an analytic function evaluated over partitions of a
// relation. It is never produced by the parser, only by table transforms.
type Window struct {
	Func        *Call
	PartitionBy []Node
	OrderBy     []OrderItem
}

func (*Literal) node()        {}
func (*ColumnRef) node()      {}
func (*MeasureRef) node()     {}
func (*DimensionRef) node()   {}
func (*UnaryOp) node()        {}
func (*BinaryOp) node()       {}
func (*Call) node()           {}
func (*Case) node()           {}
func (*ArgPlaceholder) node() {}
func (*Window) node()         {}

// Col builds an unqualified or qualified column reference.
func Col(name string, path ...string) *ColumnRef {
	return &ColumnRef{Path: append([]string(nil), path...), Name: name}
}

// Str builds a string literal.
func Str(v string) *Literal { return &Literal{Kind: LiteralString, Value: v} }

// Num builds a number literal from its textual form.
func Num(v string) *Literal { return &Literal{Kind: LiteralNumber, Value: v} }

// Bool builds a boolean literal.
func Bool(v bool) *Literal {
	if v {
		return &Literal{Kind: LiteralBool, Value: "true"}
	}
	return &Literal{Kind: LiteralBool, Value: "false"}
}

// Null builds a NULL literal.
func Null() *Literal { return &Literal{Kind: LiteralNull} }

// Fn builds a call node.
func Fn(name string, args ...Node) *Call { return &Call{Name: name, Args: args} }

// Bin builds a binary operator node.
func Bin(op Op, left, right Node) *BinaryOp { return &BinaryOp{Op: op, Left: left, Right: right} }
