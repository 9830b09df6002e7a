package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/isdmx/mcpsandbox/config"
)

var (
	transportFlag string
	backendFlag   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Start the MCP server on the configured transport.

Examples:
  codebox serve
  codebox serve --transport http --backend podman
  codebox serve --config /etc/codebox/config.yaml`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&transportFlag, "transport", "", "Transport to serve on: stdio or http (overrides config)")
	serveCmd.Flags().StringVar(&backendFlag, "backend", "", "Default sandbox backend (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Override(transportFlag, backendFlag); err != nil {
		return err
	}

	app := fx.New(appOptions(cfg))
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
