package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/nlquery"
	"github.com/brunobiangulo/nlquery/eval"
	"github.com/brunobiangulo/nlquery/router"
)

var (
	flagDataset     string
	flagEvalOutput  string
	flagEvalCompare bool
	flagCategories  []string
	flagSample      int
	flagTestTimeout time.Duration
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate routing and answer quality on a labelled question set",
	Long: `Runs every question of a dataset through the engine and scores routing,
accuracy, response quality, fact recall and latency.

With --strategy every question is forced down one strategy. With --compare
the dataset is run once per strategy and the winners are reported.`,
	Args: cobra.NoArgs,
	RunE: runEval,
}

func init() {
	f := evalCmd.Flags()
	f.StringVar(&flagDataset, "dataset", "", "dataset JSON file (default: built-in e-commerce questions)")
	f.StringVar(&flagStrategy, "strategy", "", "force a strategy: sql, retrieval or both")
	f.BoolVar(&flagEvalCompare, "compare", false, "compare sql against retrieval")
	f.StringSliceVar(&flagCategories, "category", nil, "only run these categories (repeatable)")
	f.IntVar(&flagSample, "sample", 0, "run the first N questions of each category (0 = all)")
	f.DurationVar(&flagTestTimeout, "timeout", 2*time.Minute, "deadline per question")
	f.StringVar(&flagEvalOutput, "output", "", "JSON report path (default eval-report-<timestamp>.json)")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	dataset := eval.DefaultDataset()
	if flagDataset != "" {
		d, err := eval.LoadDataset(flagDataset)
		if err != nil {
			return err
		}
		dataset = d
	}
	dataset = dataset.Filter(flagCategories...)
	if flagSample > 0 {
		dataset = dataset.Sample(flagSample)
	}
	if len(dataset.Tests) == 0 {
		return fmt.Errorf("no questions selected from %s", dataset.Name)
	}

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	ev := eval.NewEvaluator(engine)
	ev.SetTimeout(flagTestTimeout)

	output := flagEvalOutput
	if output == "" {
		output = fmt.Sprintf("eval-report-%s.json", time.Now().Format("20060102-150405"))
	}

	slog.Info("eval: starting", "dataset", dataset.Name, "tests", len(dataset.Tests), "compare", flagEvalCompare)

	if flagEvalCompare {
		cmp, err := ev.Compare(cmd.Context(), dataset)
		if err != nil {
			return err
		}
		fmt.Print(eval.FormatComparison(cmp))
		return writeReport(output, cmp)
	}

	var opts []nlquery.RouteOption
	if flagStrategy != "" {
		s, err := router.ParseStrategy(flagStrategy)
		if err != nil {
			return err
		}
		opts = append(opts, nlquery.WithStrategy(s))
	}

	report, runErr := ev.Run(cmd.Context(), dataset, opts...)
	if flagStrategy != "" {
		report.Strategy = flagStrategy
	}
	fmt.Print(eval.FormatReport(report))
	// An interrupted run still writes what it has.
	if err := writeReport(output, report); err != nil {
		return err
	}
	if eval.IsInterrupted(runErr) {
		return fmt.Errorf("evaluation interrupted after %d of %d questions: %w",
			len(report.Results), report.TotalTests, runErr)
	}
	return runErr
}

func writeReport(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	fmt.Fprintf(os.Stderr, "\nJSON report written to: %s\n", path)
	return nil
}
