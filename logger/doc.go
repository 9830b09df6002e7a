// Package logger provides structured logging capabilities.
//
// The logger package sets up the application's zap logger. All output is
// written to stderr so that the stdio MCP transport keeps exclusive use of
// stdout.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("Application started")
//	logger.ForSandbox(log, id, "docker").Warn("close failed", zap.Error(err))
package logger
