// Tuma — one-shot agent deployment to remote sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tuma",
	Short: "Tuma — deploy AI agents to ephemeral cloud sandboxes.",
	Long: `Tuma takes a set of agent source files, allocates a fresh cloud sandbox,
provisions a Python runtime with the agent framework, launches the API server,
verifies it is actually serving, and hands back a public HTTPS endpoint.
Every failing run releases its sandbox before reporting the error.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, deployCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
