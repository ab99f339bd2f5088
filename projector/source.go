package projector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/nlquery/catalog"
)

// DefaultBatchSize is the number of rows handed to the callback at a time.
const DefaultBatchSize = 200

// Source produces row batches for projection.
type Source interface {
	Batches(ctx context.Context, fn func(RowBatch) error) error
}

// Streamer runs a maintenance query and yields every row. The relational
// executors in sqlexec satisfy it.
type Streamer interface {
	Stream(ctx context.Context, query string, fn func(columns []string, values []any) error) error
}

// SQLSource reads every catalog table from a relational store. Rows of
// tables with foreign keys are enriched with the referenced entity's name
// so each unit reads on its own ("Customer name: Jane Doe").
type SQLSource struct {
	DB        Streamer
	Catalog   *catalog.Catalog
	Tables    []string // optional subset; defaults to every catalog table
	BatchSize int
}

// Batches implements Source.
func (s *SQLSource) Batches(ctx context.Context, fn func(RowBatch) error) error {
	size := s.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	tables := s.Tables
	if len(tables) == 0 {
		tables = s.Catalog.TableNames()
	}

	for _, name := range tables {
		table, err := s.Catalog.Resolve(name)
		if err != nil {
			return err
		}
		query := EnrichedQuery(s.Catalog, table)

		batch := RowBatch{Table: table.Name}
		err = s.DB.Stream(ctx, query, func(columns []string, values []any) error {
			row := make(Row, len(columns))
			for i, c := range columns {
				row[c] = values[i]
			}
			batch.Rows = append(batch.Rows, row)
			if len(batch.Rows) >= size {
				if err := fn(batch); err != nil {
					return err
				}
				batch = RowBatch{Table: table.Name}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("reading %s: %w", table.Name, err)
		}
		if len(batch.Rows) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnrichedQuery builds the SELECT used to read a table for projection. Each
// foreign key to a table with a name column adds a "<entity>_name" field.
func EnrichedQuery(cat *catalog.Catalog, table catalog.Table) string {
	selects := []string{"t.*"}
	var joins []string

	for i, col := range table.Columns {
		if col.References == "" {
			continue
		}
		toTable, toCol, _ := strings.Cut(col.References, ".")
		if toCol == "" {
			toCol = "id"
		}
		target, err := cat.Resolve(toTable)
		if err != nil {
			continue
		}
		alias := fmt.Sprintf("j%d", i)
		entity := strings.TrimSuffix(col.Name, "_id")

		_, hasFirst := target.Column("first_name")
		_, hasLast := target.Column("last_name")
		_, hasName := target.Column("name")
		switch {
		case hasFirst && hasLast:
			selects = append(selects, fmt.Sprintf("%s.first_name || ' ' || %s.last_name AS %s_name", alias, alias, entity))
		case hasName:
			selects = append(selects, fmt.Sprintf("%s.name AS %s_name", alias, entity))
		default:
			continue
		}
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s %s ON %s.%s = t.%s", target.Name, alias, alias, toCol, col.Name))
	}

	q := fmt.Sprintf("SELECT %s FROM %s t", strings.Join(selects, ", "), table.Name)
	if len(joins) > 0 {
		q += " " + strings.Join(joins, " ")
	}
	pk := table.PrimaryKey()
	if len(pk) > 0 {
		q += " ORDER BY t." + strings.Join(pk, ", t.")
	}
	return q
}

// WorkbookSource reads rows from an XLSX workbook. Each sheet named after a
// catalog table is one table; its first row holds column names. Sheets that
// do not match a table are skipped.
type WorkbookSource struct {
	Path      string
	Catalog   *catalog.Catalog
	BatchSize int
}

// Batches implements Source.
func (w *WorkbookSource) Batches(ctx context.Context, fn func(RowBatch) error) error {
	size := w.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	f, err := excelize.OpenFile(w.Path)
	if err != nil {
		return fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	for _, sheet := range f.GetSheetList() {
		table, err := w.Catalog.Resolve(sheet)
		if err != nil {
			slog.Warn("projector: skipping sheet without a matching table", "sheet", sheet)
			continue
		}

		rows, err := f.GetRows(sheet)
		if err != nil {
			return fmt.Errorf("reading sheet %s: %w", sheet, err)
		}
		if len(rows) < 2 {
			continue
		}

		header := rows[0]
		batch := RowBatch{Table: table.Name}
		for _, cells := range rows[1:] {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := make(Row, len(header))
			for i, h := range header {
				h = strings.TrimSpace(h)
				if h == "" || i >= len(cells) {
					continue
				}
				row[h] = cells[i]
			}
			if len(row) == 0 {
				continue
			}
			batch.Rows = append(batch.Rows, row)
			if len(batch.Rows) >= size {
				if err := fn(batch); err != nil {
					return err
				}
				batch = RowBatch{Table: table.Name}
			}
		}
		if len(batch.Rows) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
	}
	return nil
}
