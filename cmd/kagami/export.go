package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Publish the view file once",
	Long: `Composes the view from the store and publishes it atomically, without
running the daemon. Useful after manual database surgery or to seed a
fresh workspace.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		budget, _ := cmd.Flags().GetInt("token-budget")
		exporter, err := env.exporter(budget)
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
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
	exportCmd.Flags().Int("token-budget", 0, "Override the conversation token budget for this export")
}
