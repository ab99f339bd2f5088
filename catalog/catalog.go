// Package catalog holds the immutable description of the relational dataset
// that both query strategies are grounded on.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownTable is returned when a name does not resolve to a catalog table.
var ErrUnknownTable = errors.New("catalog: unknown table")

// ErrInvalidCatalog is returned when a catalog definition fails validation.
var ErrInvalidCatalog = errors.New("catalog: invalid definition")

// Column describes one column of a table.
type Column struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	PrimaryKey  bool     `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	References  string   `yaml:"references,omitempty" json:"references,omitempty"` // "table.column"
	Values      []string `yaml:"values,omitempty" json:"values,omitempty"`         // enumerated value domain
	Currency    bool     `yaml:"currency,omitempty" json:"currency,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// Table describes one table and its columns in declaration order.
type Table struct {
	Name        string   `yaml:"name" json:"name"`
	Entity      string   `yaml:"entity,omitempty" json:"entity,omitempty"` // singular label used in documents
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Columns     []Column `yaml:"columns" json:"columns"`
}

// Column returns the named column, matched case-insensitively.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryKey returns the names of the primary key columns.
func (t Table) PrimaryKey() []string {
	var keys []string
	for _, c := range t.Columns {
		if c.PrimaryKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

// EntityName returns the singular entity label for the table.
func (t Table) EntityName() string {
	if t.Entity != "" {
		return t.Entity
	}
	return strings.TrimSuffix(t.Name, "s")
}

// Relationship is a foreign key edge between two columns.
type Relationship struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

// Catalog is an immutable snapshot of the schema. Safe for concurrent use.
type Catalog struct {
	name    string
	version string
	tables  []Table
	byName  map[string]int
}

// Definition is the serialisable form of a catalog.
type Definition struct {
	Name   string  `yaml:"name"`
	Tables []Table `yaml:"tables"`
}

// New validates tables and builds a catalog snapshot.
func New(name string, tables []Table) (*Catalog, error) {
	c := &Catalog{
		name:   name,
		tables: make([]Table, len(tables)),
		byName: make(map[string]int, len(tables)),
	}
	for i, t := range tables {
		key := strings.ToLower(t.Name)
		if key == "" {
			return nil, fmt.Errorf("%w: table %d has no name", ErrInvalidCatalog, i)
		}
		if _, dup := c.byName[key]; dup {
			return nil, fmt.Errorf("%w: duplicate table %q", ErrInvalidCatalog, t.Name)
		}
		if len(t.Columns) == 0 {
			return nil, fmt.Errorf("%w: table %q has no columns", ErrInvalidCatalog, t.Name)
		}
		seen := make(map[string]bool, len(t.Columns))
		cols := make([]Column, len(t.Columns))
		for j, col := range t.Columns {
			ck := strings.ToLower(col.Name)
			if ck == "" || seen[ck] {
				return nil, fmt.Errorf("%w: table %q has an empty or duplicate column %q", ErrInvalidCatalog, t.Name, col.Name)
			}
			seen[ck] = true
			col.Values = append([]string(nil), col.Values...)
			cols[j] = col
		}
		t.Columns = cols
		c.tables[i] = t
		c.byName[key] = i
	}

	for _, rel := range c.Relationships() {
		to, ok := c.byName[strings.ToLower(rel.ToTable)]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s references unknown table %q",
				ErrInvalidCatalog, rel.FromTable, rel.FromColumn, rel.ToTable)
		}
		if _, ok := c.tables[to].Column(rel.ToColumn); !ok {
			return nil, fmt.Errorf("%w: %s.%s references unknown column %s.%s",
				ErrInvalidCatalog, rel.FromTable, rel.FromColumn, rel.ToTable, rel.ToColumn)
		}
	}

	data, err := yaml.Marshal(Definition{Name: name, Tables: c.tables})
	if err != nil {
		return nil, fmt.Errorf("encoding catalog: %w", err)
	}
	sum := sha256.Sum256(data)
	c.version = hex.EncodeToString(sum[:8])
	return c, nil
}

// Name returns the catalog's dataset name.
func (c *Catalog) Name() string { return c.name }

// Version identifies the snapshot. It changes whenever any table or column
// definition changes.
func (c *Catalog) Version() string { return c.version }

// Describe returns the table descriptors in declaration order. The returned
// slice is a copy.
func (c *Catalog) Describe() []Table {
	out := make([]Table, len(c.tables))
	for i, t := range c.tables {
		t.Columns = append([]Column(nil), t.Columns...)
		out[i] = t
	}
	return out
}

// Resolve returns the named table or ErrUnknownTable.
func (c *Catalog) Resolve(name string) (Table, error) {
	i, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return c.tables[i], nil
}

// Column looks up a column of a table.
func (c *Catalog) Column(table, column string) (Column, bool) {
	t, err := c.Resolve(table)
	if err != nil {
		return Column{}, false
	}
	return t.Column(column)
}

// TablesWithColumn returns the names of every table that has the column.
func (c *Catalog) TablesWithColumn(column string) []string {
	var names []string
	for _, t := range c.tables {
		if _, ok := t.Column(column); ok {
			names = append(names, t.Name)
		}
	}
	return names
}

// TableNames returns all table names in declaration order.
func (c *Catalog) TableNames() []string {
	names := make([]string, len(c.tables))
	for i, t := range c.tables {
		names[i] = t.Name
	}
	return names
}

// ColumnNames returns the distinct column names across all tables, sorted.
func (c *Catalog) ColumnNames() []string {
	set := make(map[string]bool)
	for _, t := range c.tables {
		for _, col := range t.Columns {
			set[col.Name] = true
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Relationships lists every foreign key in declaration order.
func (c *Catalog) Relationships() []Relationship {
	var rels []Relationship
	for _, t := range c.tables {
		for _, col := range t.Columns {
			if col.References == "" {
				continue
			}
			toTable, toCol, _ := strings.Cut(col.References, ".")
			if toCol == "" {
				toCol = "id"
			}
			rels = append(rels, Relationship{
				FromTable:  t.Name,
				FromColumn: col.Name,
				ToTable:    toTable,
				ToColumn:   toCol,
			})
		}
	}
	return rels
}
