package main

import (
	"fmt"
	"time"

	"github.com/hikarukin/kagami/internal/store"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Inspect and switch projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		includeArchived, _ := cmd.Flags().GetBool("all")
		projects, err := env.store.ListProjects(cmd.Context(), includeArchived)
		if err != nil {
			return err
		}

		activeID, _, err := env.store.GetKV(cmd.Context(), store.NSState, store.KVActiveProject)
		if err != nil {
			return err
		}

		if len(projects) == 0 {
			fmt.Println("No projects.")
			return nil
		}
		for _, p := range projects {
			marker := " "
			if p.ID == activeID {
				marker = "*"
			}
			status := ""
			if p.Archived {
				status = " (archived)"
			}
			opened := "never"
			if p.LastOpenedAt > 0 {
				opened = time.UnixMilli(p.LastOpenedAt).Format(time.RFC3339)
			}
			count, err := env.store.CountMessages(cmd.Context(), p.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s %-20s %-30s %6d messages  last opened %s%s\n",
				marker, p.ID, p.Name, count, opened, status)
		}
		return nil
	},
}

var projectActivateCmd = &cobra.Command{
	Use:   "activate <project-id>",
	Short: "Make a project the active one",
	Long: `Switches the active project and republishes the view, so the exported
conversation window follows the switch immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		projectID := args[0]
		ctx := cmd.Context()

		if err := env.store.TouchProject(ctx, projectID, time.Now().UnixMilli()); err != nil {
			return err
		}
		if err := env.store.SetKV(ctx, store.NSState, store.KVActiveProject, projectID); err != nil {
			return err
		}

		exporter, err := env.exporter(0)
		if err != nil {
			return err
		}
		doc, err := exporter.Export(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Activated %s, published view version %d\n", projectID, doc.Version)
		return nil
	},
}

var projectArchiveCmd = &cobra.Command{
	Use:   "archive <project-id>",
	Short: "Archive a project, preserving its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.store.ArchiveProject(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Archived %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectActivateCmd)
	projectCmd.AddCommand(projectArchiveCmd)

	projectCmd.PersistentFlags().StringP("workspace", "w", "", "Target workspace ID")
	projectListCmd.Flags().Bool("all", false, "Include archived projects")
}
