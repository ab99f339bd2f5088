package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/brunobiangulo/nlquery"
	"github.com/brunobiangulo/nlquery/catalog"
)

var (
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("78"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

const wrapWidth = 100

// renderMarkdown falls back to the raw text when the terminal renderer is
// unavailable.
func renderMarkdown(text string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrapWidth),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}

func renderAnswer(a *nlquery.Answer) string {
	return renderMarkdown(a.Text) + renderProvenance(a)
}

func renderProvenance(a *nlquery.Answer) string {
	p := a.Provenance
	confidence := okStyle
	if a.Confidence < 0.5 {
		confidence = warnStyle
	}

	var lines []string
	route := fmt.Sprintf("%s %s", labelStyle.Render("strategy"), a.Strategy)
	if p.Fallback {
		route += dimStyle.Render(fmt.Sprintf(" (fallback from %s)", p.Route))
	}
	if p.Cached {
		route += dimStyle.Render(" (cached)")
	}
	lines = append(lines,
		route,
		fmt.Sprintf("%s %s", labelStyle.Render("confidence"), confidence.Render(fmt.Sprintf("%.2f", a.Confidence))),
		fmt.Sprintf("%s %s (stage %d)", labelStyle.Render("category"), p.Category, p.Stage),
	)
	if p.SQL != "" {
		rows := fmt.Sprintf("%d rows", p.RowCount)
		if p.Truncated {
			rows += ", truncated"
		}
		lines = append(lines,
			fmt.Sprintf("%s %s", labelStyle.Render("sql"), p.SQL),
			fmt.Sprintf("%s %s after %d attempt(s)", labelStyle.Render("result"), rows, p.Attempts),
		)
	}
	if len(p.DocumentIDs) > 0 {
		lines = append(lines, fmt.Sprintf("%s %s", labelStyle.Render("documents"), strings.Join(p.DocumentIDs, ", ")))
	}
	lines = append(lines, dimStyle.Render(fmt.Sprintf("%s in %s", a.QuestionID, a.Elapsed)))
	return boxStyle.Render(strings.Join(lines, "\n")) + "\n"
}

// schemaMarkdown lists every table as a markdown table of its columns.
func schemaMarkdown(tables []catalog.Table) string {
	var sb strings.Builder
	for _, t := range tables {
		fmt.Fprintf(&sb, "## %s\n\n", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&sb, "%s\n\n", t.Description)
		}
		sb.WriteString("| column | type | notes |\n|---|---|---|\n")
		for _, c := range t.Columns {
			var notes []string
			if c.PrimaryKey {
				notes = append(notes, "primary key")
			}
			if c.References != "" {
				notes = append(notes, "references "+c.References)
			}
			if len(c.Values) > 0 {
				notes = append(notes, "one of "+strings.Join(c.Values, ", "))
			}
			if c.Description != "" {
				notes = append(notes, c.Description)
			}
			fmt.Fprintf(&sb, "| %s | %s | %s |\n", c.Name, c.Type, strings.Join(notes, "; "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
