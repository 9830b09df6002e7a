package sandbox

import (
	"github.com/isdmx/mcpsandbox/config"
)

// BackendConfigFor maps the application configuration onto the BackendConfig
// for backendType. Unknown types get only the shared limits.
func BackendConfigFor(cfg *config.Config, backendType string) BackendConfig {
	bc := BackendConfig{
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		MemoryMB:       cfg.Sandbox.MemoryMB,
		Timeout:        cfg.GetTimeout(),
		MaxFileSize:    cfg.MaxFileSize(),
	}

	switch backendType {
	case BackendDocker:
		bc.Engine = BackendDocker
		bc.Image = cfg.Backends.Docker.Image
		bc.WorkspaceMount = cfg.Backends.Docker.WorkspaceMount
	case BackendPodman:
		bc.Engine = BackendPodman
		bc.Image = cfg.Backends.Podman.Image
		bc.WorkspaceMount = cfg.Backends.Podman.WorkspaceMount
	case BackendE2B:
		bc.APIKey = cfg.Backends.E2B.APIKey
		bc.APIURL = cfg.Backends.E2B.APIURL
		bc.Domain = cfg.Backends.E2B.Domain
		bc.Template = cfg.Backends.E2B.Template
	case BackendFirecracker:
		bc.BackendURL = cfg.Backends.Firecracker.BackendURL
		bc.APIKey = cfg.Backends.Firecracker.APIKey
	case BackendLocal:
		bc.WorkspaceRoot = cfg.Backends.Local.WorkspaceRoot
	}
	return bc
}
