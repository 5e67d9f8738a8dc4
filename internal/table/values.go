package table

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"duck-semantic/internal/expr"
)

// Values held in a Table are nil, bool, int64, float64, string or
// time.Time. Normalize maps driver values onto that set.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, time.Time:
		return v
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint64:
		return normalizeUint(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case *big.Int:
		if x.IsInt64() {
			return x.Int64()
		}
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	case interface{ Float64() float64 }:
		return x.Float64()
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// normalizeUint keeps values past MaxInt64 as float64, like big integers.
func normalizeUint(x uint64) any {
	if x > math.MaxInt64 {
		return float64(x)
	}
	return int64(x)
}

var timeLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			f, ferr := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		return x != 0, true
	case float64:
		return x != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

// Compare orders two non-nil values: numbers numerically, times
// chronologically, anything else by its string form.
func Compare(a, b any) int {
	if isNumber(a) && isNumber(b) {
		if ai, ok := a.(int64); ok {
			if bi, ok := b.(int64); ok {
				switch {
				case ai < bi:
					return -1
				case ai > bi:
					return 1
				}
				return 0
			}
		}
		af, _ := toFloat(a)
		bf, _ := toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt)
		}
	}
	if bt, ok := b.(time.Time); ok {
		if at, ok := toTime(a); ok {
			return at.Compare(bt)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(toString(a), toString(b))
}

// keyOf encodes a tuple of values so that equal tuples, nulls included,
// produce equal keys.
func keyOf(values []any) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0)
		}
		switch x := v.(type) {
		case nil:
			b.WriteString("\x01")
		case int64, float64:
			f, _ := toFloat(x)
			b.WriteString("n" + strconv.FormatFloat(f, 'g', -1, 64))
		case time.Time:
			b.WriteString("t" + x.UTC().Format(time.RFC3339Nano))
		case bool:
			b.WriteString("b" + strconv.FormatBool(x))
		default:
			b.WriteString("s" + toString(x))
		}
	}
	return b.String()
}

// Coerce converts v to the Go representation of typ. Nulls and NaN become
// nil; values that cannot be converted are returned unchanged.
func Coerce(v any, typ expr.Type) any {
	v = Normalize(v)
	if v == nil {
		return nil
	}
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	switch typ {
	case expr.TypeBool:
		if b, ok := toBool(v); ok {
			return b
		}
	case expr.TypeInt:
		if i, ok := toInt(v); ok {
			return i
		}
	case expr.TypeFloat:
		if f, ok := toFloat(v); ok {
			return f
		}
	case expr.TypeString:
		return toString(v)
	case expr.TypeDate:
		if t, ok := toTime(v); ok {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
	case expr.TypeDatetime:
		if t, ok := toTime(v); ok {
			return t
		}
	}
	return v
}

// ParseValue infers a value from CSV text: empty is null, then integer,
// float, boolean and date are tried before falling back to the string.
func ParseValue(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if len(s) >= 10 && s[4] == '-' && s[7] == '-' {
		if t, ok := toTime(s); ok {
			return t
		}
	}
	return s
}
