package table

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"duck-semantic/internal/expr"
)

// Resolver maps a column reference to its position in a row.
type Resolver func(ref *expr.ColumnRef) (int, error)

// evaluator computes an expression over one row, or over a group of rows
// when aggregate calls are involved. It implements expr.Visitor.
type evaluator struct {
	resolve Resolver
	row     []any
	group   [][]any
}

var _ expr.Visitor[any] = (*evaluator)(nil)

// Eval evaluates a row-level expression.
func Eval(n expr.Node, resolve Resolver, row []any) (any, error) {
	return expr.Visit[any](n, &evaluator{resolve: resolve, row: row})
}

// EvalGroup evaluates an expression over a group of rows. Columns outside
// aggregate calls read the first row of the group.
func EvalGroup(n expr.Node, resolve Resolver, group [][]any) (any, error) {
	e := &evaluator{resolve: resolve, group: group}
	if len(group) > 0 {
		e.row = group[0]
	}
	return expr.Visit[any](n, e)
}

func (e *evaluator) eval(n expr.Node) (any, error) {
	return expr.Visit[any](n, e)
}

func (e *evaluator) VisitLiteral(l *expr.Literal) (any, error) {
	switch l.Kind {
	case expr.LiteralNumber:
		if i, err := strconv.ParseInt(l.Value, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(l.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number literal %q", l.Value)
		}
		return f, nil
	case expr.LiteralString:
		return l.Value, nil
	case expr.LiteralBool:
		return l.Value == "true", nil
	}
	return nil, nil
}

func (e *evaluator) VisitColumnRef(c *expr.ColumnRef) (any, error) {
	if e.row == nil {
		return nil, nil
	}
	i, err := e.resolve(c)
	if err != nil {
		return nil, err
	}
	return e.row[i], nil
}

func (e *evaluator) VisitMeasureRef(m *expr.MeasureRef) (any, error) {
	return nil, fmt.Errorf("unresolved measure reference $%s", m.ID)
}

func (e *evaluator) VisitDimensionRef(d *expr.DimensionRef) (any, error) {
	return nil, fmt.Errorf("unresolved dimension reference :%s", d.ID)
}

func (e *evaluator) VisitArgPlaceholder(*expr.ArgPlaceholder) (any, error) {
	return nil, fmt.Errorf("argument placeholder outside a transform template")
}

func (e *evaluator) VisitWindow(*expr.Window) (any, error) {
	return nil, fmt.Errorf("window functions are only evaluated by Calculate")
}

func (e *evaluator) VisitUnaryOp(u *expr.UnaryOp) (any, error) {
	x, err := e.eval(u.X)
	if err != nil || x == nil {
		return nil, err
	}
	switch u.Op {
	case expr.OpNot:
		b, ok := toBool(x)
		if !ok {
			return nil, fmt.Errorf("not: %v is not boolean", x)
		}
		return !b, nil
	case expr.OpNeg:
		switch v := x.(type) {
		case int64:
			return -v, nil
		case float64:
			return -v, nil
		}
		return nil, fmt.Errorf("cannot negate %v", x)
	}
	return nil, fmt.Errorf("unsupported unary operator %s", u.Op)
}

func (e *evaluator) VisitBinaryOp(b *expr.BinaryOp) (any, error) {
	if b.Op == expr.OpAnd || b.Op == expr.OpOr {
		return e.logical(b)
	}
	l, err := e.eval(b.Left)
	if err != nil {
		return nil, err
	}
	r, err := e.eval(b.Right)
	if err != nil {
		return nil, err
	}
	if l == nil || r == nil {
		return nil, nil
	}
	if b.Op.IsComparison() {
		c := Compare(l, r)
		switch b.Op {
		case expr.OpEq:
			return c == 0, nil
		case expr.OpNe:
			return c != 0, nil
		case expr.OpLt:
			return c < 0, nil
		case expr.OpLe:
			return c <= 0, nil
		case expr.OpGt:
			return c > 0, nil
		}
		return c >= 0, nil
	}
	if b.Op == expr.OpConcat {
		return toString(l) + toString(r), nil
	}
	return arithmetic(b.Op, l, r)
}

// logical implements three-valued AND/OR.
func (e *evaluator) logical(b *expr.BinaryOp) (any, error) {
	l, err := e.eval(b.Left)
	if err != nil {
		return nil, err
	}
	lb, lok := toBool(l)
	if lok && b.Op == expr.OpAnd && !lb {
		return false, nil
	}
	if lok && b.Op == expr.OpOr && lb {
		return true, nil
	}
	r, err := e.eval(b.Right)
	if err != nil {
		return nil, err
	}
	rb, rok := toBool(r)
	if rok && b.Op == expr.OpAnd && !rb {
		return false, nil
	}
	if rok && b.Op == expr.OpOr && rb {
		return true, nil
	}
	if !lok || !rok {
		return nil, nil
	}
	return rb, nil
}

func arithmetic(op expr.Op, l, r any) (any, error) {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt && op != expr.OpDiv {
		switch op {
		case expr.OpAdd:
			return li + ri, nil
		case expr.OpSub:
			return li - ri, nil
		case expr.OpMul:
			return li * ri, nil
		case expr.OpMod:
			if ri == 0 {
				return nil, nil
			}
			return li % ri, nil
		}
	}
	lf, ok := toFloat(l)
	if !ok {
		return nil, fmt.Errorf("operator %s: %v is not numeric", op, l)
	}
	rf, ok := toFloat(r)
	if !ok {
		return nil, fmt.Errorf("operator %s: %v is not numeric", op, r)
	}
	switch op {
	case expr.OpAdd:
		return lf + rf, nil
	case expr.OpSub:
		return lf - rf, nil
	case expr.OpMul:
		return lf * rf, nil
	case expr.OpDiv:
		if rf == 0 {
			return nil, nil
		}
		return lf / rf, nil
	case expr.OpMod:
		if rf == 0 {
			return nil, nil
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", op)
}

func (e *evaluator) VisitCase(c *expr.Case) (any, error) {
	for _, w := range c.Whens {
		cond, err := e.eval(w.Cond)
		if err != nil {
			return nil, err
		}
		if b, ok := toBool(cond); ok && b {
			return e.eval(w.Result)
		}
	}
	if c.Else == nil {
		return nil, nil
	}
	return e.eval(c.Else)
}

func (e *evaluator) VisitCall(c *expr.Call) (any, error) {
	if expr.IsAggregate(c.Name) {
		return e.aggregate(c)
	}
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := e.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return callScalar(c.Name, args)
}

// aggregate evaluates an aggregate call over the current group.
func (e *evaluator) aggregate(c *expr.Call) (any, error) {
	if c.Name == "count" && len(c.Args) == 0 {
		return int64(len(e.group)), nil
	}
	if len(c.Args) != 1 {
		return nil, fmt.Errorf("%s expects one argument", c.Name)
	}
	values := make([]any, 0, len(e.group))
	for _, row := range e.group {
		v, err := Eval(c.Args[0], e.resolve, row)
		if err != nil {
			return nil, err
		}
		if v != nil {
			values = append(values, v)
		}
	}
	return aggregateValues(c.Name, values)
}

// aggregateValues folds non-null values with an aggregate function.
func aggregateValues(name string, values []any) (any, error) {
	switch name {
	case "count":
		return int64(len(values)), nil
	case "countd":
		seen := make(map[string]bool, len(values))
		for _, v := range values {
			seen[keyOf([]any{v})] = true
		}
		return int64(len(seen)), nil
	}
	if len(values) == 0 {
		return nil, nil
	}
	switch name {
	case "sum", "avg":
		var isum int64
		var fsum float64
		allInt := true
		for _, v := range values {
			if i, ok := v.(int64); ok {
				isum += i
				fsum += float64(i)
				continue
			}
			f, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("%s: %v is not numeric", name, v)
			}
			allInt = false
			fsum += f
		}
		if name == "avg" {
			return fsum / float64(len(values)), nil
		}
		if allInt {
			return isum, nil
		}
		return fsum, nil
	case "min", "max":
		best := values[0]
		for _, v := range values[1:] {
			c := Compare(v, best)
			if (name == "min" && c < 0) || (name == "max" && c > 0) {
				best = v
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("unknown aggregate function %q", name)
}

func callScalar(name string, args []any) (any, error) {
	switch name {
	case "coalesce":
		for _, a := range args {
			if a != nil {
				return a, nil
			}
		}
		return nil, nil
	case "isnull":
		return args[0] == nil, nil
	case "notnull":
		return args[0] != nil, nil
	case "concat":
		var b strings.Builder
		for _, a := range args {
			b.WriteString(toString(a))
		}
		return b.String(), nil
	case "nullif":
		if args[0] != nil && args[1] != nil && Compare(args[0], args[1]) == 0 {
			return nil, nil
		}
		return args[0], nil
	case "isin":
		if args[0] == nil {
			return nil, nil
		}
		for _, a := range args[1:] {
			if a != nil && Compare(args[0], a) == 0 {
				return true, nil
			}
		}
		return false, nil
	case "greatest", "least":
		var best any
		for _, a := range args {
			if a == nil {
				continue
			}
			if best == nil {
				best = a
				continue
			}
			c := Compare(a, best)
			if (name == "greatest" && c > 0) || (name == "least" && c < 0) {
				best = a
			}
		}
		return best, nil
	}

	for _, a := range args {
		if a == nil {
			return nil, nil
		}
	}
	switch name {
	case "abs":
		if i, ok := args[0].(int64); ok {
			if i < 0 {
				return -i, nil
			}
			return i, nil
		}
		return floatFunc(name, args[0], math.Abs)
	case "ceil":
		f, err := floatFunc(name, args[0], math.Ceil)
		return asInt(f), err
	case "floor":
		f, err := floatFunc(name, args[0], math.Floor)
		return asInt(f), err
	case "sqrt":
		return floatFunc(name, args[0], math.Sqrt)
	case "round":
		digits := int64(0)
		if len(args) > 1 {
			d, ok := toInt(args[1])
			if !ok {
				return nil, fmt.Errorf("round: invalid digits %v", args[1])
			}
			digits = d
		}
		scale := math.Pow(10, float64(digits))
		return floatFunc(name, args[0], func(f float64) float64 { return math.Round(f*scale) / scale })
	case "lower":
		return strings.ToLower(toString(args[0])), nil
	case "upper":
		return strings.ToUpper(toString(args[0])), nil
	case "length":
		return int64(len([]rune(toString(args[0])))), nil
	case "substr":
		return substr(args)
	case "contains":
		return strings.Contains(toString(args[0]), toString(args[1])), nil
	case "startswith":
		return strings.HasPrefix(toString(args[0]), toString(args[1])), nil
	case "endswith":
		return strings.HasSuffix(toString(args[0]), toString(args[1])), nil
	case "date", "year", "quarter", "month", "week", "day":
		t, ok := toTime(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: %v is not a date", name, args[0])
		}
		return datePart(name, t), nil
	case "date_trunc":
		t, ok := toTime(args[1])
		if !ok {
			return nil, fmt.Errorf("date_trunc: %v is not a date", args[1])
		}
		return truncate(toString(args[0]), t)
	}
	return nil, fmt.Errorf("unknown function %q", name)
}

func floatFunc(name string, v any, fn func(float64) float64) (any, error) {
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("%s: %v is not numeric", name, v)
	}
	return fn(f), nil
}

func asInt(v any) any {
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return v
}

func substr(args []any) (any, error) {
	s := []rune(toString(args[0]))
	start, ok := toInt(args[1])
	if !ok {
		return nil, fmt.Errorf("substr: invalid start %v", args[1])
	}
	// 1-based like SQL
	from := int(start) - 1
	if from < 0 {
		from = 0
	}
	if from > len(s) {
		return "", nil
	}
	to := len(s)
	if len(args) > 2 {
		n, ok := toInt(args[2])
		if !ok {
			return nil, fmt.Errorf("substr: invalid length %v", args[2])
		}
		if from+int(n) < to {
			to = from + int(n)
		}
	}
	if to < from {
		return "", nil
	}
	return string(s[from:to]), nil
}

func datePart(name string, t time.Time) any {
	switch name {
	case "date":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case "year":
		return int64(t.Year())
	case "quarter":
		return int64((int(t.Month())-1)/3 + 1)
	case "month":
		return int64(t.Month())
	case "week":
		_, w := t.ISOWeek()
		return int64(w)
	}
	return int64(t.Day())
}

func truncate(unit string, t time.Time) (any, error) {
	switch strings.ToLower(unit) {
	case "year":
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC), nil
	case "quarter":
		m := time.Month((int(t.Month())-1)/3*3 + 1)
		return time.Date(t.Year(), m, 1, 0, 0, 0, 0, time.UTC), nil
	case "month":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case "week":
		offset := (int(t.Weekday()) + 6) % 7
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return d.AddDate(0, 0, -offset), nil
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return nil, fmt.Errorf("date_trunc: unknown unit %q", unit)
}
