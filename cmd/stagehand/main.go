// Package main is the entry point for the stagehand server and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	serverURL  string
	verbose    bool
	jsonOutput bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stagehand",
		Short: "Sandbox session orchestrator and render job controller",
		Long: `Stagehand runs per-user sandboxes with an AI coding agent on a local
docker host or a Kubernetes cluster, bridges client websockets to the
agent inside each sandbox, and drives batch render jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("STAGEHAND_CONFIG"), "Path to config file")
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("STAGEHAND_SERVER", "http://localhost:8080"), "Server URL for client commands")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newRenderCmd())
	root.AddCommand(newManifestCmd())

	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
