package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "codebox",
	Short: "Codebox - MCP server for isolated code execution sandboxes",
	Long: `Codebox exposes sandboxed Python interpreters to MCP clients.

Sandboxes run in Docker or Podman containers, E2B cloud sandboxes,
Firecracker microVMs, or (when explicitly enabled) a local host directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to config file (default: ./config.yaml or ./config/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
