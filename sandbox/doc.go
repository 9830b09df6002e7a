// Package sandbox manages isolated code-interpreter sandboxes.
//
// A Registry owns every live sandbox. Callers create a sandbox for a named
// backend, run code, shell commands and file operations against it through
// Registry.WithSandbox, and close it when done. The Registry serializes
// operations per sandbox, tracks the lifecycle
// (Pending, Ready, Closing, Closed, Failed) and retires sandboxes whose
// backend became unusable.
//
// Backends are built by a Factory. The built-in ones are:
//
//   - docker and podman: a long-lived container with a persistent Python
//     driver attached through "exec -i"
//   - e2b: a hosted E2B code-interpreter sandbox
//   - firecracker: a microVM behind a Firecracker REST server
//   - local: the driver run directly on the host (development only)
//
// All failures crossing the Registry boundary are *Error values carrying a
// Kind, so callers can branch with errors.Is against the Err* sentinels.
//
// Usage:
//
//	reg := sandbox.NewRegistry(logger, sandbox.NewDefaultFactory(logger, cfg))
//	id, err := reg.Create(ctx, "docker", sandbox.BackendConfigFor(cfg, "docker"))
//	err = reg.WithSandbox(ctx, id, func(ctx context.Context, b sandbox.Backend) error {
//	    res, err := b.RunCode(ctx, "print(1 + 1)", "python")
//	    ...
//	})
//	err = reg.Close(ctx, id)
package sandbox
