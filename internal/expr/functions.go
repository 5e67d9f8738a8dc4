package expr

import "duck-semantic/internal/domain"

// FuncClass distinguishes row-level, aggregate and window-only functions.
type FuncClass int

const (
	FuncScalar FuncClass = iota
	FuncAggregate
	FuncWindow
)

// Variadic marks a function without an upper arity bound.
const Variadic = -1

// Function describes a builtin function known to the language and every backend.
type Function struct {
	Name    string
	MinArgs int
	MaxArgs int
	Class   FuncClass
	// Result is the fixed result type; TypeUnknown means "same as first argument".
	Result Type
}

var functions = map[string]Function{
	// numeric
	"abs":   {Name: "abs", MinArgs: 1, MaxArgs: 1},
	"ceil":  {Name: "ceil", MinArgs: 1, MaxArgs: 1, Result: TypeInt},
	"floor": {Name: "floor", MinArgs: 1, MaxArgs: 1, Result: TypeInt},
	"round": {Name: "round", MinArgs: 1, MaxArgs: 2, Result: TypeFloat},
	"sqrt":  {Name: "sqrt", MinArgs: 1, MaxArgs: 1, Result: TypeFloat},

	// null handling and comparison
	"coalesce": {Name: "coalesce", MinArgs: 1, MaxArgs: Variadic},
	"nullif":   {Name: "nullif", MinArgs: 2, MaxArgs: 2},
	"greatest": {Name: "greatest", MinArgs: 1, MaxArgs: Variadic},
	"least":    {Name: "least", MinArgs: 1, MaxArgs: Variadic},
	"isnull":   {Name: "isnull", MinArgs: 1, MaxArgs: 1, Result: TypeBool},
	"notnull":  {Name: "notnull", MinArgs: 1, MaxArgs: 1, Result: TypeBool},
	"isin":     {Name: "isin", MinArgs: 2, MaxArgs: Variadic, Result: TypeBool},

	// strings
	"lower":      {Name: "lower", MinArgs: 1, MaxArgs: 1, Result: TypeString},
	"upper":      {Name: "upper", MinArgs: 1, MaxArgs: 1, Result: TypeString},
	"length":     {Name: "length", MinArgs: 1, MaxArgs: 1, Result: TypeInt},
	"concat":     {Name: "concat", MinArgs: 1, MaxArgs: Variadic, Result: TypeString},
	"substr":     {Name: "substr", MinArgs: 2, MaxArgs: 3, Result: TypeString},
	"contains":   {Name: "contains", MinArgs: 2, MaxArgs: 2, Result: TypeBool},
	"startswith": {Name: "startswith", MinArgs: 2, MaxArgs: 2, Result: TypeBool},
	"endswith":   {Name: "endswith", MinArgs: 2, MaxArgs: 2, Result: TypeBool},

	// dates
	"date":       {Name: "date", MinArgs: 1, MaxArgs: 1, Result: TypeDate},
	"date_trunc": {Name: "date_trunc", MinArgs: 2, MaxArgs: 2, Result: TypeDate},
	"year":       {Name: "year", MinArgs: 1, MaxArgs: 1, Result: TypeInt},
	"quarter":    {Name: "quarter", MinArgs: 1, MaxArgs: 1, Result: TypeInt},
	"month":      {Name: "month", MinArgs: 1, MaxArgs: 1, Result: TypeInt},
	"week":       {Name: "week", MinArgs: 1, MaxArgs: 1, Result: TypeInt},
	"day":        {Name: "day", MinArgs: 1, MaxArgs: 1, Result: TypeInt},

	// aggregates
	"sum":    {Name: "sum", MinArgs: 1, MaxArgs: 1, Class: FuncAggregate},
	"count":  {Name: "count", MinArgs: 0, MaxArgs: 1, Class: FuncAggregate, Result: TypeInt},
	"countd": {Name: "countd", MinArgs: 1, MaxArgs: 1, Class: FuncAggregate, Result: TypeInt},
	"avg":    {Name: "avg", MinArgs: 1, MaxArgs: 1, Class: FuncAggregate, Result: TypeFloat},
	"min":    {Name: "min", MinArgs: 1, MaxArgs: 1, Class: FuncAggregate},
	"max":    {Name: "max", MinArgs: 1, MaxArgs: 1, Class: FuncAggregate},

	// window only
	"row_number": {Name: "row_number", MinArgs: 0, MaxArgs: 0, Class: FuncWindow, Result: TypeInt},
	"rank":       {Name: "rank", MinArgs: 0, MaxArgs: 0, Class: FuncWindow, Result: TypeInt},
}

// LookupFunction returns the registry entry for a lowercase function name.
func LookupFunction(name string) (Function, bool) {
	fn, ok := functions[name]
	return fn, ok
}

// IsAggregate reports whether name is an aggregate function.
func IsAggregate(name string) bool {
	fn, ok := functions[name]
	return ok && fn.Class == FuncAggregate
}

// checkCall validates that a call names a known function with a legal arity.
// A negative nargs skips the arity check.
func checkCall(name string, nargs int) error {
	fn, ok := functions[name]
	if !ok {
		return domain.ErrExpression("unknown function %q", name)
	}
	if fn.Class == FuncWindow {
		return domain.ErrExpression("function %q is only available to table transforms", name)
	}
	if nargs < 0 {
		return nil
	}
	if nargs < fn.MinArgs || (fn.MaxArgs != Variadic && nargs > fn.MaxArgs) {
		if fn.MinArgs == fn.MaxArgs {
			return domain.ErrExpression("function %q expects %d argument(s), got %d", name, fn.MinArgs, nargs)
		}
		return domain.ErrExpression("function %q called with %d argument(s)", name, nargs)
	}
	return nil
}
