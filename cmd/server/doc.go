// Command codebox runs the MCP sandbox server.
//
// The serve subcommand loads configuration (config.yaml, CODEBOX_*
// environment variables and flags), then builds the application with fx:
// the zap logger, the backend factory, the SQLite lifecycle journal, the
// sandbox registry and the MCP server. Stopping the app closes every open
// sandbox before the journal is closed. The config subcommand prints the
// effective configuration with credentials redacted.
package main
