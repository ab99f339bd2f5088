package sqlagent

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/nlquery/sqlexec"
)

const (
	noRowsText = "No matching records were found."
	failedText = "I'm sorry, I couldn't build a working database query for that question. Try rephrasing it or naming the records you are interested in."

	// maxTableRows caps the rows rendered in a tabular summary.
	maxTableRows = 20
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// formatResult renders rows as natural language: a sentence for a single
// value, a row count and markdown table otherwise.
func formatResult(rs *sqlexec.ResultSet, currency []int) string {
	if rs == nil || len(rs.Rows) == 0 {
		return noRowsText
	}
	money := make(map[int]bool, len(currency))
	for _, i := range currency {
		money[i] = true
	}

	if len(rs.Rows) == 1 && len(rs.Columns) == 1 {
		return fmt.Sprintf("The %s is %s.", columnLabel(rs.Columns[0]), formatCell(rs.Rows[0][0], money[0]))
	}

	var sb strings.Builder
	n := len(rs.Rows)
	if n == 1 {
		sb.WriteString("Found 1 row")
	} else {
		fmt.Fprintf(&sb, "Found %d rows", n)
	}
	if rs.Truncated {
		sb.WriteString(" (more rows matched than the result limit)")
	}
	sb.WriteString(".")
	if n > maxTableRows {
		fmt.Fprintf(&sb, " Showing the first %d.", maxTableRows)
	}
	sb.WriteString("\n\n")

	sb.WriteString("|")
	for _, c := range rs.Columns {
		fmt.Fprintf(&sb, " %s |", escapeCell(c))
	}
	sb.WriteString("\n|")
	for range rs.Columns {
		sb.WriteString(" --- |")
	}
	for _, row := range rs.Rows[:min(n, maxTableRows)] {
		sb.WriteString("\n|")
		for i, v := range row {
			fmt.Fprintf(&sb, " %s |", escapeCell(formatCell(v, money[i])))
		}
	}
	return sb.String()
}

func columnLabel(name string) string {
	if !identRe.MatchString(name) {
		return "result"
	}
	return strings.ReplaceAll(strings.ToLower(name), "_", " ")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

func formatCell(v any, currency bool) string {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if currency {
		if f, ok := toFloat(v); ok {
			return "$" + strconv.FormatFloat(roundCents(f), 'f', 2, 64)
		}
	}
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case float64:
		return formatFloat(x)
	case float32:
		return formatFloat(float64(x))
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04")
	case bool:
		if x {
			return "yes"
		}
		return "no"
	}
	return fmt.Sprint(v)
}

func roundCents(f float64) float64 {
	return math.Round(f*100) / 100
}

// formatFloat keeps at most four decimals.
func formatFloat(f float64) string {
	return strconv.FormatFloat(math.Round(f*1e4)/1e4, 'f', -1, 64)
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
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
