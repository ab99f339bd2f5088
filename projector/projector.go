// Package projector turns relational rows into self-contained text units for
// the semantic index.
package projector

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/brunobiangulo/nlquery/catalog"
)

// ErrMissingKey is returned when a row lacks a primary key value.
var ErrMissingKey = errors.New("projector: row is missing its primary key")

// Row is one relational row keyed by column name. Extra keys that are not
// catalog columns (for example joined customer names) are rendered after
// the table's own columns.
type Row map[string]any

// RowBatch is a set of rows from a single table.
type RowBatch struct {
	Table string `json:"table"`
	Rows  []Row  `json:"rows"`
}

// SourceRef identifies the row a unit was projected from.
type SourceRef struct {
	Table string
	Key   []string // primary key values in key-column order
}

// String renders the reference as "table:key[,key...]". It is the stable
// identity used by the index.
func (r SourceRef) String() string {
	return r.Table + ":" + strings.Join(r.Key, ",")
}

// ParseSourceRef is the inverse of SourceRef.String.
func ParseSourceRef(s string) (SourceRef, error) {
	table, key, ok := strings.Cut(s, ":")
	if !ok || table == "" || key == "" {
		return SourceRef{}, fmt.Errorf("projector: malformed source reference %q", s)
	}
	return SourceRef{Table: table, Key: strings.Split(key, ",")}, nil
}

// Unit is a retrievable text derived from one row. Embeddings are attached
// by the retrieval pipeline, not here.
type Unit struct {
	Ref        SourceRef         `json:"-"`
	EntityType string            `json:"entity_type"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Projector renders rows using the catalog's column order and type hints.
type Projector struct {
	cat *catalog.Catalog
}

// New creates a projector over the given catalog.
func New(cat *catalog.Catalog) *Projector {
	return &Projector{cat: cat}
}

// headlineColumns pick the human-readable name of each entity. Tables not
// listed get a headline with just the key.
var headlineColumns = map[string][]string{
	"customers":       {"first_name", "last_name"},
	"products":        {"name"},
	"orders":          {"order_number"},
	"reviews":         {"title"},
	"support_tickets": {"subject"},
}

// Project converts a batch into units, one per row, in row order.
func (p *Projector) Project(batch RowBatch) ([]Unit, error) {
	table, err := p.cat.Resolve(batch.Table)
	if err != nil {
		return nil, err
	}
	pk := table.PrimaryKey()
	if len(pk) == 0 {
		pk = []string{table.Columns[0].Name}
	}

	units := make([]Unit, 0, len(batch.Rows))
	for i, row := range batch.Rows {
		u, err := p.projectRow(table, pk, row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", table.Name, i, err)
		}
		units = append(units, u)
	}
	return units, nil
}

func (p *Projector) projectRow(table catalog.Table, pk []string, row Row) (Unit, error) {
	row = normalizeKeys(row)

	key := make([]string, len(pk))
	for i, k := range pk {
		v, ok := row[strings.ToLower(k)]
		if !ok || isEmpty(v) {
			return Unit{}, fmt.Errorf("%w: %s", ErrMissingKey, k)
		}
		key[i] = plainValue(v)
	}
	ref := SourceRef{Table: table.Name, Key: key}
	entity := table.EntityName()

	var sb strings.Builder
	sb.WriteString(titleCase(entity))
	sb.WriteString(" ")
	sb.WriteString(strings.Join(key, "/"))
	if head := headline(table.Name, row); head != "" {
		sb.WriteString(": ")
		sb.WriteString(head)
	}
	sb.WriteString("\n")

	metadata := map[string]string{
		"type":  entity,
		"table": table.Name,
	}
	for i, k := range pk {
		metadata[k] = key[i]
	}

	for _, col := range table.Columns {
		if col.PrimaryKey {
			continue
		}
		v, ok := row[strings.ToLower(col.Name)]
		if !ok || isEmpty(v) {
			continue
		}
		text := formatValue(col, v)
		fmt.Fprintf(&sb, "%s: %s\n", label(col.Name), text)
		if col.References != "" || len(col.Values) > 0 {
			metadata[col.Name] = plainValue(v)
		}
	}

	// Non-catalog fields come from enrichment joins; sort them so the text
	// does not depend on map iteration order.
	var extras []string
	for k := range row {
		if _, ok := table.Column(k); !ok {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		v := row[k]
		if isEmpty(v) {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", label(k), formatValue(catalog.Column{Name: k}, v))
	}

	return Unit{
		Ref:        ref,
		EntityType: entity,
		Text:       strings.TrimRight(sb.String(), "\n"),
		Metadata:   metadata,
	}, nil
}

func headline(table string, row Row) string {
	var parts []string
	for _, col := range headlineColumns[table] {
		if v, ok := row[col]; ok && !isEmpty(v) {
			parts = append(parts, plainValue(v))
		}
	}
	return strings.Join(parts, " ")
}

func normalizeKeys(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[strings.ToLower(k)] = v
	}
	return out
}

// label turns a column name into a field label: "first_name" -> "First name".
func label(name string) string {
	return titleCase(strings.ReplaceAll(name, "_", " "))
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
