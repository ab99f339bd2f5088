package catalog

import (
	"fmt"
	"strings"
)

// Prompt renders the schema as plain text for grounding SQL generation.
// Only tables accepted by allow are included; a nil allow includes all.
func (c *Catalog) Prompt(allow func(table string) bool) string {
	var sb strings.Builder
	sb.WriteString("Database schema:\n")
	for _, t := range c.tables {
		if allow != nil && !allow(t.Name) {
			continue
		}
		fmt.Fprintf(&sb, "\n%s table", t.Name)
		if t.Description != "" {
			fmt.Fprintf(&sb, " (%s)", t.Description)
		}
		sb.WriteString(":\n")
		for _, col := range t.Columns {
			fmt.Fprintf(&sb, "- %s (%s", col.Name, col.Type)
			if col.PrimaryKey {
				sb.WriteString(", PRIMARY KEY")
			}
			if col.References != "" {
				fmt.Fprintf(&sb, ", FOREIGN KEY to %s", col.References)
			}
			sb.WriteString(")")
			if len(col.Values) > 0 {
				fmt.Fprintf(&sb, " values: %s", strings.Join(col.Values, ", "))
			}
			if col.Currency {
				sb.WriteString(" currency")
			}
			if col.Description != "" {
				fmt.Fprintf(&sb, " %s", col.Description)
			}
			sb.WriteString("\n")
		}
	}

	rels := c.Relationships()
	if len(rels) > 0 {
		sb.WriteString("\nRelationships:\n")
		for _, r := range rels {
			if allow != nil && (!allow(r.FromTable) || !allow(r.ToTable)) {
				continue
			}
			fmt.Fprintf(&sb, "- %s.%s -> %s.%s\n", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
		}
	}
	return sb.String()
}
