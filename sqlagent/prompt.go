package sqlagent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/brunobiangulo/nlquery/catalog"
)

const systemPrompt = `You are a SQL expert. Translate questions about the database into a single read-only SQL query. Respond with the SQL only.`

// feedback describes why the previous draft was rejected.
type feedback struct {
	SQL    string
	Reason string
}

func buildDraftPrompt(cat *catalog.Catalog, allow func(string) bool, dialect, question string, rowLimit int, prev *feedback) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Generate a %s query that answers the question below.\n\n", dialect)
	sb.WriteString(cat.Prompt(allow))
	sb.WriteString(`
Rules:
- Use only the tables and columns listed above.
- Qualify column names with their table name or alias when joining.
- Write a single SELECT statement. Never modify data.
- Avoid dialect-specific casts such as :: and operators such as ILIKE.
- Return only the SQL query, without explanation.
`)
	if rowLimit > 0 {
		fmt.Fprintf(&sb, "- Limit results to %d items.\n", rowLimit)
	}
	fmt.Fprintf(&sb, "\nQuestion: %s\n", question)
	if prev != nil {
		fmt.Fprintf(&sb, "\nYour previous query was rejected.\nPrevious query:\n%s\nProblem: %s\nWrite a corrected query.\n", prev.SQL, prev.Reason)
	}
	sb.WriteString("\nSQL:")
	return sb.String()
}

var (
	codeBlockRe = regexp.MustCompile("(?s)```(?:sql|SQL)?\\s*(.*?)```")
	sqlLabelRe  = regexp.MustCompile(`(?i)^\s*sql\s*:\s*`)
)

// cleanSQL extracts the statement from a model reply: it unwraps a fenced
// block, drops a leading "SQL:" label and trailing semicolons.
func cleanSQL(reply string) string {
	s := strings.TrimSpace(reply)
	if m := codeBlockRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = sqlLabelRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	for strings.HasSuffix(s, ";") {
		s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	}
	return s
}
