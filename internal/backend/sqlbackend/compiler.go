package sqlbackend

import (
	"fmt"
	"strings"

	"duck-semantic/internal/expr"
	"duck-semantic/internal/plan"
)

// compiler renders expressions as SQL for one dialect. When aggFilter is
// set, every aggregate call receives it as a FILTER clause.
type compiler struct {
	dialect   Dialect
	aggFilter string
}

var _ expr.Visitor[string] = (*compiler)(nil)

func (c *compiler) compile(n expr.Node) (string, error) {
	return expr.Visit[string](n, c)
}

func (c *compiler) compileAll(nodes []expr.Node) ([]string, error) {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		s, err := c.compile(n)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (c *compiler) VisitLiteral(l *expr.Literal) (string, error) {
	switch l.Kind {
	case expr.LiteralNumber:
		return l.Value, nil
	case expr.LiteralString:
		return quoteString(l.Value), nil
	case expr.LiteralBool:
		return c.dialect.Literal(l.Value == "true"), nil
	}
	return "NULL", nil
}

func (c *compiler) VisitColumnRef(r *expr.ColumnRef) (string, error) {
	if len(r.Path) == 0 {
		return Quote(r.Name), nil
	}
	return Quote(plan.RelationAlias(r.Path)) + "." + Quote(r.Name), nil
}

func (c *compiler) VisitMeasureRef(r *expr.MeasureRef) (string, error) {
	return "", fmt.Errorf("unresolved measure reference $%s", r.ID)
}

func (c *compiler) VisitDimensionRef(r *expr.DimensionRef) (string, error) {
	return "", fmt.Errorf("unresolved dimension reference :%s", r.ID)
}

func (c *compiler) VisitArgPlaceholder(*expr.ArgPlaceholder) (string, error) {
	return "", fmt.Errorf("unsubstituted argument placeholder")
}

func (c *compiler) VisitUnaryOp(u *expr.UnaryOp) (string, error) {
	x, err := c.compile(u.X)
	if err != nil {
		return "", err
	}
	if u.Op == expr.OpNot {
		return "(NOT " + x + ")", nil
	}
	return "(-" + x + ")", nil
}

func (c *compiler) VisitBinaryOp(b *expr.BinaryOp) (string, error) {
	left, err := c.compile(b.Left)
	if err != nil {
		return "", err
	}
	right, err := c.compile(b.Right)
	if err != nil {
		return "", err
	}
	switch b.Op {
	case expr.OpDiv:
		return c.dialect.Divide(left, right), nil
	case expr.OpNe:
		return "(" + left + " <> " + right + ")", nil
	case expr.OpAnd:
		return "(" + left + " AND " + right + ")", nil
	case expr.OpOr:
		return "(" + left + " OR " + right + ")", nil
	}
	return "(" + left + " " + b.Op.String() + " " + right + ")", nil
}

func (c *compiler) VisitCall(call *expr.Call) (string, error) {
	if expr.IsAggregate(call.Name) {
		return c.aggregate(call)
	}
	args, err := c.compileAll(call.Args)
	if err != nil {
		return "", err
	}
	return c.dialect.Function(call.Name, args)
}

func (c *compiler) aggregate(call *expr.Call) (string, error) {
	// aggregate arguments never carry the filter themselves
	inner := &compiler{dialect: c.dialect}
	args, err := inner.compileAll(call.Args)
	if err != nil {
		return "", err
	}
	var sql string
	switch {
	case call.Name == "count" && len(args) == 0:
		sql = "count(*)"
	case call.Name == "countd":
		sql = "count(DISTINCT " + args[0] + ")"
	default:
		sql = call.Name + "(" + strings.Join(args, ", ") + ")"
	}
	if c.aggFilter != "" {
		sql += " FILTER (WHERE " + c.aggFilter + ")"
	}
	return sql, nil
}

func (c *compiler) VisitCase(k *expr.Case) (string, error) {
	var b strings.Builder
	b.WriteString("CASE")
	for _, w := range k.Whens {
		cond, err := c.compile(w.Cond)
		if err != nil {
			return "", err
		}
		res, err := c.compile(w.Result)
		if err != nil {
			return "", err
		}
		b.WriteString(" WHEN " + cond + " THEN " + res)
	}
	if k.Else != nil {
		e, err := c.compile(k.Else)
		if err != nil {
			return "", err
		}
		b.WriteString(" ELSE " + e)
	}
	b.WriteString(" END")
	return b.String(), nil
}

func (c *compiler) VisitWindow(w *expr.Window) (string, error) {
	plain := &compiler{dialect: c.dialect}
	var fn string
	switch w.Func.Name {
	case "row_number", "rank":
		fn = w.Func.Name + "()"
	default:
		s, err := plain.aggregate(w.Func)
		if err != nil {
			return "", err
		}
		fn = s
	}
	var clauses []string
	if len(w.PartitionBy) > 0 {
		parts, err := plain.compileAll(w.PartitionBy)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, "PARTITION BY "+strings.Join(parts, ", "))
	}
	if len(w.OrderBy) > 0 {
		terms := make([]string, len(w.OrderBy))
		for i, o := range w.OrderBy {
			x, err := plain.compile(o.X)
			if err != nil {
				return "", err
			}
			terms[i] = orderTerm(x, o.Desc)
		}
		clauses = append(clauses, "ORDER BY "+strings.Join(terms, ", "))
	}
	return fn + " OVER (" + strings.Join(clauses, " ") + ")", nil
}

func orderTerm(x string, desc bool) string {
	if desc {
		return x + " DESC NULLS LAST"
	}
	return x + " ASC NULLS LAST"
}
