package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hikarukin/kagami/internal/daemon"
	"github.com/hikarukin/kagami/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the synchronization daemon",
	Long: `Runs Kagami as a long-running service: publishes the view file,
watches it for external edits, reconciles them into the store, and
runs the retention schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workspaceID := resolveWorkspaceID(cmd)
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(workspaceID, cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		storeComp := components.NewStoreComponent(workspaceID, cfg.Daemon.WorkspacePath, &cfg.Store)
		compactorComp := components.NewCompactorComponent(cfg, storeComp)
		watcherComp := components.NewWatcherComponent(cfg, workspaceID, storeComp, compactorComp)

		daemonMgr.AddComponent(storeComp)
		daemonMgr.AddComponent(compactorComp)
		daemonMgr.AddComponent(watcherComp)

		err = daemonMgr.Start(context.Background())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Kagami daemon stopped gracefully", "workspace", workspaceID)
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Kagami daemon stopped gracefully", "workspace", workspaceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().StringP("workspace", "w", "", "Target workspace ID")
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
