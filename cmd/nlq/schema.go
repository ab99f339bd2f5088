package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagYAML bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the schema catalog questions are answered against",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		if flagYAML {
			data, err := cat.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		}
		fmt.Print(renderMarkdown(fmt.Sprintf("# %s (%s)\n\n", cat.Name(), cat.Version()) + schemaMarkdown(cat.Describe())))
		return nil
	},
}

func init() {
	schemaCmd.Flags().BoolVar(&flagYAML, "yaml", false, "print the catalog in the YAML format --config catalog_path accepts")
	rootCmd.AddCommand(schemaCmd)
}
