// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and CODEBOX_* environment variables. It
// covers server transport settings, the shared sandbox limits (timeouts,
// file-size ceiling, idle reaping), per-backend settings for docker, podman,
// e2b, firecracker and the local development backend, logging, and the
// lifecycle journal.
//
// Usage:
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config
