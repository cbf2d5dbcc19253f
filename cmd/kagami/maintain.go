package main

import (
	"fmt"
	"log/slog"

	"github.com/hikarukin/kagami/internal/importer"

	"github.com/spf13/cobra"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run a session lifecycle hook",
	Long: `Runs one maintenance hook against the workspace. Intended to be called
by the external tool's lifecycle:

  session-start  touch the active project and republish the view
  pre-compact    snapshot, compact the active project, republish
  session-end    fold in final edits, snapshot, republish

With --transcript, a legacy-format transcript file is imported before
the hook runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		event, _ := cmd.Flags().GetString("event")
		transcript, _ := cmd.Flags().GetString("transcript")
		sessionID, _ := cmd.Flags().GetString("session")

		env, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx := cmd.Context()
		if sessionID != "" {
			slog.Info("Maintenance requested", "event", event, "session", sessionID)
		}

		if transcript != "" {
			stats, err := importer.New(env.store).ImportFile(ctx, transcript)
			if err != nil {
				return fmt.Errorf("import transcript: %w", err)
			}
			fmt.Printf("Imported transcript: %d messages (%d skipped)\n", stats.Messages, stats.Skipped)
		}

		coord, err := env.coordinator()
		if err != nil {
			return err
		}
		if err := coord.Maintain(ctx, event); err != nil {
			return err
		}
		fmt.Printf("Maintenance hook %s completed\n", event)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(maintainCmd)
	maintainCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
	maintainCmd.Flags().String("event", "session-start", "Lifecycle event (session-start, pre-compact, session-end)")
	maintainCmd.Flags().String("transcript", "", "Legacy transcript file to import before the hook")
	maintainCmd.Flags().String("session", "", "Session identifier for log correlation")
}
