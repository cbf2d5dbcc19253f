package main

import (
	"fmt"

	"github.com/hikarukin/kagami/internal/importer"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <legacy-file>",
	Short: "Import a legacy monolithic state file",
	Long: `Imports the old single-file JSON state format into the store: core
config, projects, and full conversations. System prompts are pinned,
and colliding timestamps are nudged so re-imports never lose history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := importer.New(env.store).ImportFile(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Imported %d core keys, %d projects, %d messages (%d skipped)\n",
			stats.CoreKeys, stats.Projects, stats.Messages, stats.Skipped)

		// Publish the imported state right away so external tools see it
		// without waiting for the daemon.
		exporter, err := env.exporter(0)
		if err != nil {
			return err
		}
		doc, err := exporter.Export(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Published view version %d at %s\n", doc.Version, exporter.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
}
