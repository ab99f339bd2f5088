// Command nlq asks natural-language questions about a relational dataset
// from the terminal, builds the semantic index, runs evaluations and serves
// the engine over MCP.
//
//	nlq ask "How many customers do we have?"
//	nlq index --xlsx ./data/ecommerce.xlsx
//	nlq eval --compare --output report.json
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/brunobiangulo/nlquery"
	"github.com/brunobiangulo/nlquery/catalog"
)

var (
	flagConfig  string
	flagEnvFile string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "nlq",
	Short:         "Ask questions about your data in plain language",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnv(flagEnvFile); err != nil {
			return err
		}
		setupLogging(flagVerbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env", "", "path to a .env file (default ./.env when present)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// loadEnv reads a .env file. A missing default file is not an error.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}

// setupLogging sends logs to stderr so stdout stays free for answers and
// the MCP transport.
func setupLogging(verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadConfig() (nlquery.Config, error) {
	return nlquery.LoadConfig(flagConfig)
}

func openEngine() (nlquery.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return nlquery.New(cfg)
}

// loadCatalog resolves the catalog without opening the database.
func loadCatalog() (*catalog.Catalog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.CatalogPath == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.CatalogPath)
}
