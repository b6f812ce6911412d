package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/config"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

var (
	gatesProject  string
	gatesAll      bool
	gatesFeedback string
	gatesBy       string
	gatesOlder    time.Duration
)

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "List and resolve human approval gates",
	Long: `List and resolve the gates that hold agents, tasks and decisions until
a human approves or denies them.

Resolutions are written to the gate inbox of a running 'steward serve',
which applies them within moments.`,
}

var gatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending gates",
	Args:  cobra.NoArgs,
	RunE:  runGatesList,
}

var gatesShowCmd = &cobra.Command{
	Use:   "show <gate-id>",
	Short: "Show a gate and its context",
	Args:  cobra.ExactArgs(1),
	RunE:  runGatesShow,
}

var gatesApproveCmd = &cobra.Command{
	Use:   "approve <gate-id>",
	Short: "Approve a gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveGate(args[0], true)
	},
}

var gatesDenyCmd = &cobra.Command{
	Use:   "deny <gate-id>",
	Short: "Deny a gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveGate(args[0], false)
	},
}

var gatesPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete resolved gates from the state database",
	Args:  cobra.NoArgs,
	RunE:  runGatesPurge,
}

func init() {
	gatesPurgeCmd.Flags().DurationVar(&gatesOlder, "older-than", 30*24*time.Hour, "Only gates resolved longer ago than this")
	gatesListCmd.Flags().StringVar(&gatesProject, "project", "", "Only gates of this project")
	gatesListCmd.Flags().BoolVar(&gatesAll, "all", false, "Include resolved gates")
	for _, c := range []*cobra.Command{gatesApproveCmd, gatesDenyCmd} {
		c.Flags().StringVarP(&gatesFeedback, "feedback", "m", "", "Feedback passed back to the agent")
		c.Flags().StringVar(&gatesBy, "by", "", "Resolver name (default: $USER)")
	}
	gatesCmd.AddCommand(gatesListCmd, gatesShowCmd, gatesApproveCmd, gatesDenyCmd, gatesPurgeCmd)
}

// openState opens the state database read side. It returns nil when the
// control plane has never run.
func openState(cfg *config.Config) (*state.DB, error) {
	if _, err := os.Stat(cfg.StatePath()); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	return db, nil
}

func runGatesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openState(cfg)
	if err != nil {
		return err
	}
	if db == nil {
		fmt.Println("No state yet. Run 'steward serve' first.")
		return nil
	}
	defer db.Close()

	var status *models.GateStatus
	if !gatesAll {
		pending := models.GatePending
		status = &pending
	}
	gates, err := db.ListGates(cmd.Context(), gatesProject, status)
	if err != nil {
		return fmt.Errorf("list gates: %w", err)
	}
	if len(gates) == 0 {
		fmt.Println("No gates awaiting a decision.")
		return nil
	}

	sort.Slice(gates, func(i, j int) bool { return gates[i].CreatedAt.Before(gates[j].CreatedAt) })
	for _, g := range gates {
		fmt.Printf("%s  %-22s %-9s %s\n",
			color.CyanString(g.ID),
			string(g.Type),
			gateStatusString(g.Status),
			formatAge(time.Since(g.CreatedAt)),
		)
		fmt.Printf("    %s\n", g.Reason)
		if g.AgentID != "" || g.TaskID != "" {
			fmt.Printf("    agent=%s task=%s\n", orDash(g.AgentID), orDash(g.TaskID))
		}
	}
	return nil
}

func runGatesShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	g, err := lookupGate(cmd.Context(), cfg, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Gate:     %s\n", g.ID)
	fmt.Printf("Type:     %s\n", g.Type)
	fmt.Printf("Status:   %s\n", gateStatusString(g.Status))
	fmt.Printf("Project:  %s\n", g.ProjectID)
	fmt.Printf("Agent:    %s\n", orDash(g.AgentID))
	fmt.Printf("Task:     %s\n", orDash(g.TaskID))
	fmt.Printf("Created:  %s\n", g.CreatedAt.Local().Format(time.DateTime))
	fmt.Printf("Reason:   %s\n", g.Reason)
	if g.ResolvedAt != nil {
		fmt.Printf("Resolved: %s by %s\n", g.ResolvedAt.Local().Format(time.DateTime), g.ResolvedBy)
		if g.Feedback != "" {
			fmt.Printf("Feedback: %s\n", g.Feedback)
		}
	}
	if len(g.Context) > 0 {
		fmt.Println("\nContext:")
		keys := make([]string, 0, len(g.Context))
		for k := range g.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, g.Context[k])
		}
	}
	return nil
}

func lookupGate(ctx context.Context, cfg *config.Config, id string) (*models.Gate, error) {
	db, err := openState(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("gate %s not found: no state yet", id)
	}
	defer db.Close()
	g, err := db.GetGate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get gate: %w", err)
	}
	if g == nil {
		return nil, fmt.Errorf("gate %s not found", id)
	}
	return g, nil
}

func resolveGate(id string, approved bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	g, err := lookupGate(context.Background(), cfg, id)
	if err != nil {
		return err
	}
	if !g.IsPending() {
		return fmt.Errorf("gate %s is already %s", id, g.Status)
	}

	by := gatesBy
	if by == "" {
		by = os.Getenv("USER")
	}
	if by == "" {
		by = "cli"
	}
	path, err := gate.WriteResolution(cfg.InboxDir(), gate.Resolution{
		GateID:     id,
		Approved:   approved,
		ResolvedBy: by,
		Feedback:   gatesFeedback,
	})
	if err != nil {
		return err
	}

	verb := "Denied"
	attr := color.FgRed
	if approved {
		verb = "Approved"
		attr = color.FgGreen
	}
	printStatus("✓", fmt.Sprintf("%s %s gate %s", verb, g.Type, id), attr)
	fmt.Printf("  Written to %s\n", path)
	return nil
}

func runGatesPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openState(cfg)
	if err != nil || db == nil {
		return err
	}
	defer db.Close()

	n, err := db.PurgeResolvedGates(cmd.Context(), gatesOlder)
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Purged %d resolved gates", n), color.FgGreen)
	return nil
}

func gateStatusString(s models.GateStatus) string {
	switch s {
	case models.GatePending:
		return color.YellowString(string(s))
	case models.GateApproved:
		return color.GreenString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
