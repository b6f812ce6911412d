package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/pkg/models"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show projects, tasks and pending gates",
	Long: `Display what the control plane has persisted.

Shows:
  - Projects and their status
  - Task counts per status
  - Gates awaiting a decision`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProject, "project", "", "Only this project")
}

var taskStatusOrder = []models.TaskStatus{
	models.TaskStatusPending,
	models.TaskStatusAssigned,
	models.TaskStatusInProgress,
	models.TaskStatusBlocked,
	models.TaskStatusCompleted,
	models.TaskStatusFailed,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openState(cfg)
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No projects yet. Run 'steward serve' and create one over the API.")
		return nil
	}
	defer db.Close()

	ctx := cmd.Context()
	projects, err := db.ListProjects(ctx, nil)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects yet.")
		return nil
	}

	for _, p := range projects {
		if statusProject != "" && p.ID != statusProject {
			continue
		}
		tasks, err := db.ListTasks(ctx, p.ID, nil)
		if err != nil {
			return fmt.Errorf("list tasks of %s: %w", p.ID, err)
		}
		counts := make(map[models.TaskStatus]int)
		for _, t := range tasks {
			counts[t.Status]++
		}

		fmt.Printf("%s  %s  %s\n", color.CyanString(p.ID), projectStatusString(p.Status), p.Goal)
		if p.Phase != "" {
			fmt.Printf("    phase: %s\n", p.Phase)
		}
		var parts []string
		for _, s := range taskStatusOrder {
			if n := counts[s]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", s, n))
			}
		}
		if len(parts) == 0 {
			parts = append(parts, "no tasks")
		}
		fmt.Printf("    tasks: %s\n", strings.Join(parts, " "))
	}

	pending := models.GatePending
	gates, err := db.ListGates(ctx, statusProject, &pending)
	if err != nil {
		return fmt.Errorf("list gates: %w", err)
	}
	fmt.Println()
	if len(gates) == 0 {
		printStatus("✓", "No gates awaiting a decision", color.FgGreen)
		return nil
	}
	printStatus("⚠", fmt.Sprintf("%d gates awaiting a decision (steward gates list)", len(gates)), color.FgYellow)
	return nil
}

func projectStatusString(s models.ProjectStatus) string {
	switch s {
	case models.ProjectActive:
		return color.GreenString(string(s))
	case models.ProjectEscalated:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
