package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/nlquery/projector"
	"github.com/brunobiangulo/nlquery/retrieval"
)

var (
	flagXLSX      string
	flagBatchSize int
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the semantic index from the database or a workbook",
	Long: `Projects every catalog row into a document and embeds it.

Without --xlsx the rows are read from the configured database. With --xlsx
each sheet named after a catalog table is read instead. Re-indexing replaces
the previous document of each row.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		start := time.Now()
		var stats retrieval.IndexStats
		if flagXLSX != "" {
			if _, err := os.Stat(flagXLSX); err != nil {
				return fmt.Errorf("workbook: %w", err)
			}
			fmt.Printf("Indexing %s...\n", flagXLSX)
			stats, err = engine.IndexSource(cmd.Context(), &projector.WorkbookSource{
				Path:      flagXLSX,
				Catalog:   engine.Catalog(),
				BatchSize: flagBatchSize,
			})
		} else {
			fmt.Println("Indexing database rows...")
			stats, err = engine.IndexRows(cmd.Context())
		}

		fmt.Printf("\nDone in %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Units:   %d total, %d indexed, %d failed\n", stats.Units, stats.Indexed, stats.Failed)
		return err
	},
}

func init() {
	indexCmd.Flags().StringVar(&flagXLSX, "xlsx", "", "read rows from an XLSX workbook instead of the database")
	indexCmd.Flags().IntVar(&flagBatchSize, "batch-size", projector.DefaultBatchSize, "rows per projection batch")
	rootCmd.AddCommand(indexCmd)
}
