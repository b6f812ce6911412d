package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/steward/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Control plane for teams of role-specialized agents",
	Long: `Steward coordinates a team of role-specialized agents working on a
shared project.

It queues and dispatches tasks, decides what happens after each result,
notices agents that are stuck in a loop or over their time budget, routes
questions between agents, and parks anything risky behind a human approval
gate.

Agents talk to Steward over its HTTP API. Operators resolve gates with
'steward gates' or through the same API.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Existing environment variables win over .env.
		_ = godotenv.Load(filepath.Join(".", ".env"))
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: XDG and .steward.yaml lookup)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(gatesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
