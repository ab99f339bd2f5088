package projector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/nlquery/catalog"
)

const timestampLayout = "2006-01-02 15:04"

// Layouts accepted when a timestamp arrives as text (SQLite, spreadsheets).
var timestampInputs = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []byte:
		return len(x) == 0
	}
	return false
}

// plainValue renders a value without type-specific formatting. Used for keys
// and metadata.
func plainValue(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case []byte:
		return strings.TrimSpace(string(x))
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.UTC().Format(timestampLayout)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// formatValue renders v for document text using the column's type hints.
// The output is a pure function of (column, value).
func formatValue(col catalog.Column, v any) string {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	typ := strings.ToUpper(col.Type)

	switch {
	case col.Currency:
		if f, ok := toFloat(v); ok {
			return fmt.Sprintf("$%.2f", f)
		}
	case strings.HasPrefix(typ, "TIMESTAMP"), strings.HasPrefix(typ, "DATE"):
		if t, ok := toTime(v); ok {
			return t.UTC().Format(timestampLayout)
		}
	case strings.HasPrefix(typ, "BOOL"):
		if b, ok := toBool(v); ok {
			if b {
				return "yes"
			}
			return "no"
		}
	}

	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(timestampLayout)
	case bool:
		if x {
			return "yes"
		}
		return "no"
	}
	return plainValue(v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(x), "$"), 64)
		return f, err == nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(x.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampInputs {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		return x != 0, true
	case int:
		return x != 0, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	}
	return false, false
}
