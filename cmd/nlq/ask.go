package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/nlquery"
	"github.com/brunobiangulo/nlquery/router"
)

var (
	flagStrategy string
	flagDeadline time.Duration
	flagJSON     bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question about the dataset",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	askCmd.Flags().StringVar(&flagStrategy, "strategy", "", "force a strategy: sql, retrieval or both")
	askCmd.Flags().DurationVar(&flagDeadline, "deadline", 0, "overall deadline for the question")
	askCmd.Flags().BoolVar(&flagJSON, "json", false, "print the answer as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	opts, err := routeOptions(flagStrategy, flagDeadline)
	if err != nil {
		return err
	}

	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	answer, err := engine.Route(cmd.Context(), strings.Join(args, " "), opts...)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(answer)
	}
	fmt.Print(renderAnswer(answer))
	return nil
}

func routeOptions(strategy string, deadline time.Duration) ([]nlquery.RouteOption, error) {
	var opts []nlquery.RouteOption
	if strategy != "" {
		s, err := router.ParseStrategy(strategy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, nlquery.WithStrategy(s))
	}
	if deadline > 0 {
		opts = append(opts, nlquery.WithDeadline(deadline))
	}
	return opts, nil
}
