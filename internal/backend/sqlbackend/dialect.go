package sqlbackend

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"duck-semantic/internal/backend"
)

// Dialect covers the SQL differences between engines.
type Dialect interface {
	Name() string
	// DriverName is the database/sql driver the dialect runs on.
	DriverName() string
	// Function compiles a scalar function call over compiled arguments.
	Function(name string, args []string) (string, error)
	Divide(left, right string) string
	// NullSafeEqual compares two values treating nulls as equal.
	NullSafeEqual(left, right string) string
	// FullOuterJoin reports whether native merges are available.
	FullOuterJoin() bool
	// Literal renders a table value inline.
	Literal(v any) string
	// ColumnType returns the column type used to load values like v.
	ColumnType(v any) string
	// Bind converts a value before it is passed to the driver.
	Bind(v any) any
}

// Quote quotes an identifier.
func Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// commonFunction compiles the functions both dialects spell the same way.
func commonFunction(name string, args []string) (string, bool) {
	list := strings.Join(args, ", ")
	switch name {
	case "abs", "round", "coalesce", "nullif", "lower", "upper", "length", "substr":
		return name + "(" + list + ")", true
	case "isnull":
		return "(" + args[0] + " IS NULL)", true
	case "notnull":
		return "(" + args[0] + " IS NOT NULL)", true
	case "isin":
		return "(" + args[0] + " IN (" + strings.Join(args[1:], ", ") + "))", true
	}
	return "", false
}

func unsupportedFunction(dialect, name string) error {
	return fmt.Errorf("%s: function %q: %w", dialect, name, backend.ErrUnsupported)
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

// === DuckDB ===

// DuckDB is the DuckDB dialect.
type DuckDB struct{}

func (DuckDB) Name() string       { return "duckdb" }
func (DuckDB) DriverName() string { return "duckdb" }

func (DuckDB) Function(name string, args []string) (string, error) {
	if sql, ok := commonFunction(name, args); ok {
		return sql, nil
	}
	list := strings.Join(args, ", ")
	switch name {
	case "ceil", "floor", "sqrt", "greatest", "least", "concat", "contains",
		"year", "quarter", "month", "week", "day":
		return name + "(" + list + ")", nil
	case "startswith":
		return "starts_with(" + list + ")", nil
	case "endswith":
		return "ends_with(" + list + ")", nil
	case "date":
		return "CAST(" + args[0] + " AS DATE)", nil
	case "date_trunc":
		return "CAST(date_trunc(" + list + ") AS DATE)", nil
	}
	return "", unsupportedFunction("duckdb", name)
}

// Divide yields NULL on a zero divisor; plain "/" gives Inf or NaN in DuckDB.
func (DuckDB) Divide(left, right string) string {
	return "(" + left + " / NULLIF(" + right + ", 0))"
}

func (DuckDB) NullSafeEqual(left, right string) string {
	return "(" + left + " IS NOT DISTINCT FROM " + right + ")"
}

func (DuckDB) FullOuterJoin() bool { return true }

func (DuckDB) Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		if isMidnight(x) {
			return "DATE " + quoteString(x.Format("2006-01-02"))
		}
		return "TIMESTAMP " + quoteString(x.Format("2006-01-02 15:04:05.999999"))
	}
	return quoteString(fmt.Sprint(v))
}

func (DuckDB) ColumnType(v any) string {
	switch x := v.(type) {
	case bool:
		return "BOOLEAN"
	case int64:
		return "BIGINT"
	case float64:
		return "DOUBLE"
	case time.Time:
		if isMidnight(x) {
			return "DATE"
		}
		return "TIMESTAMP"
	}
	return "VARCHAR"
}

func (DuckDB) Bind(v any) any { return v }

// === SQLite ===

// SQLite is the SQLite dialect. Dates are stored as ISO text.
type SQLite struct{}

func (SQLite) Name() string       { return "sqlite" }
func (SQLite) DriverName() string { return "sqlite3" }

func (SQLite) Function(name string, args []string) (string, error) {
	if sql, ok := commonFunction(name, args); ok {
		return sql, nil
	}
	switch name {
	case "ceil":
		return "(CAST(" + args[0] + " AS INTEGER) + (" + args[0] + " > CAST(" + args[0] + " AS INTEGER)))", nil
	case "floor":
		return "(CAST(" + args[0] + " AS INTEGER) - (" + args[0] + " < CAST(" + args[0] + " AS INTEGER)))", nil
	case "greatest", "least":
		if len(args) == 1 {
			return args[0], nil
		}
		fn := "max"
		if name == "least" {
			fn = "min"
		}
		return fn + "(" + strings.Join(args, ", ") + ")", nil
	case "concat":
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = "coalesce(" + a + ", '')"
		}
		return "(" + strings.Join(parts, " || ") + ")", nil
	case "contains":
		return "(instr(" + args[0] + ", " + args[1] + ") > 0)", nil
	case "startswith":
		return "(substr(" + args[0] + ", 1, length(" + args[1] + ")) = " + args[1] + ")", nil
	case "endswith":
		return "(substr(" + args[0] + ", -length(" + args[1] + ")) = " + args[1] + ")", nil
	case "year":
		return "CAST(strftime('%Y', " + args[0] + ") AS INTEGER)", nil
	case "month":
		return "CAST(strftime('%m', " + args[0] + ") AS INTEGER)", nil
	case "day":
		return "CAST(strftime('%d', " + args[0] + ") AS INTEGER)", nil
	case "week":
		return "CAST(strftime('%V', " + args[0] + ") AS INTEGER)", nil
	case "quarter":
		return "((CAST(strftime('%m', " + args[0] + ") AS INTEGER) + 2) / 3)", nil
	case "date":
		return "date(" + args[0] + ")", nil
	case "date_trunc":
		return sqliteTrunc(args[0], args[1])
	}
	return "", unsupportedFunction("sqlite", name)
}

func sqliteTrunc(unit, x string) (string, error) {
	switch strings.ToLower(strings.Trim(unit, "'")) {
	case "year":
		return "date(" + x + ", 'start of year')", nil
	case "quarter":
		return "date(" + x + ", 'start of month', '-' || ((CAST(strftime('%m', " + x + ") AS INTEGER) - 1) % 3) || ' months')", nil
	case "month":
		return "date(" + x + ", 'start of month')", nil
	case "week":
		return "date(" + x + ", '-6 days', 'weekday 1')", nil
	case "day":
		return "date(" + x + ")", nil
	}
	return "", fmt.Errorf("sqlite: date_trunc needs a literal unit, got %s", unit)
}

func (SQLite) Divide(left, right string) string {
	return "(CAST(" + left + " AS REAL) / " + right + ")"
}

func (SQLite) NullSafeEqual(left, right string) string {
	return "(" + left + " IS " + right + ")"
}

func (SQLite) FullOuterJoin() bool { return false }

func (s SQLite) Literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return quoteString(s.Bind(x).(string))
	}
	return quoteString(fmt.Sprint(v))
}

func (SQLite) ColumnType(v any) string {
	switch v.(type) {
	case bool, int64:
		return "INTEGER"
	case float64:
		return "REAL"
	}
	return "TEXT"
}

func (SQLite) Bind(v any) any {
	if t, ok := v.(time.Time); ok {
		if isMidnight(t) {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02 15:04:05")
	}
	return v
}

// DialectFor returns the dialect with the given name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "duckdb", "":
		return DuckDB{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("unknown SQL dialect %q", name)
}
