package expr

import (
	"strconv"
	"strings"
)

// String renders n in canonical form. Binary operators are fully
// parenthesized so that String(Parse(String(n))) == String(n).
func String(n Node) string {
	var b strings.Builder
	format(&b, n)
	return b.String()
}

// Equal reports whether two trees are structurally identical.
func Equal(a, b Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return String(a) == String(b)
}

func format(b *strings.Builder, n Node) {
	switch n := n.(type) {
	case nil:
		b.WriteString("null")
	case *Literal:
		formatLiteral(b, n)
	case *ColumnRef:
		for _, p := range n.Path {
			b.WriteString(p)
			b.WriteByte('.')
		}
		b.WriteString(n.Name)
	case *MeasureRef:
		b.WriteByte('$')
		b.WriteString(n.ID)
	case *DimensionRef:
		b.WriteByte(':')
		b.WriteString(n.ID)
	case *UnaryOp:
		b.WriteByte('(')
		if n.Op == OpNot {
			b.WriteString("not ")
		} else {
			b.WriteString(n.Op.String())
		}
		format(b, n.X)
		b.WriteByte(')')
	case *BinaryOp:
		b.WriteByte('(')
		format(b, n.Left)
		b.WriteByte(' ')
		b.WriteString(n.Op.String())
		b.WriteByte(' ')
		format(b, n.Right)
		b.WriteByte(')')
	case *Call:
		b.WriteString(n.Name)
		b.WriteByte('(')
		if n.Name == "count" && len(n.Args) == 0 {
			b.WriteByte('*')
		}
		formatList(b, n.Args)
		b.WriteByte(')')
	case *Case:
		b.WriteString("case")
		for _, w := range n.Whens {
			b.WriteString(" when ")
			format(b, w.Cond)
			b.WriteString(" then ")
			format(b, w.Result)
		}
		if n.Else != nil {
			b.WriteString(" else ")
			format(b, n.Else)
		}
		b.WriteString(" end")
	case *ArgPlaceholder:
		b.WriteByte('@')
		switch {
		case n.Index == ArgAll:
			b.WriteByte('*')
		case n.Index > 0:
			b.WriteString(strconv.Itoa(n.Index))
		}
	case *Window:
		format(b, n.Func)
		b.WriteString(" over (")
		if len(n.PartitionBy) > 0 {
			b.WriteString("partition by ")
			formatList(b, n.PartitionBy)
		}
		if len(n.OrderBy) > 0 {
			if len(n.PartitionBy) > 0 {
				b.WriteByte(' ')
			}
			b.WriteString("order by ")
			for i, o := range n.OrderBy {
				if i > 0 {
					b.WriteString(", ")
				}
				format(b, o.X)
				if o.Desc {
					b.WriteString(" desc")
				}
			}
		}
		b.WriteByte(')')
	}
}

func formatLiteral(b *strings.Builder, l *Literal) {
	switch l.Kind {
	case LiteralString:
		b.WriteByte('\'')
		b.WriteString(strings.ReplaceAll(l.Value, "'", "''"))
		b.WriteByte('\'')
	case LiteralNull:
		b.WriteString("null")
	default:
		b.WriteString(l.Value)
	}
}

func formatList(b *strings.Builder, nodes []Node) {
	for i, a := range nodes {
		if i > 0 {
			b.WriteString(", ")
		}
		format(b, a)
	}
}
