package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
)

// Files is the file capability every backend provides. Paths are relative to
// the sandbox working root and may never escape it.
type Files interface {
	List(ctx context.Context, path string) ([]FileEntry, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, content []byte) error
	Upload(ctx context.Context, src io.Reader, remotePath string) error
}

// Interpreter is the execution capability. It composes Files.
type Interpreter interface {
	Files

	// Initialize allocates the backend resource. Calling it again is a no-op.
	Initialize(ctx context.Context) error
	// RunCode executes source in the sandbox's persistent interpreter.
	RunCode(ctx context.Context, source, language string) (ExecutionResult, error)
	// RunCommand executes a shell command.
	RunCommand(ctx context.Context, command string) (ExecutionResult, error)
	// InstallPackage installs name with the backend's package manager.
	InstallPackage(ctx context.Context, name string) (ExecutionResult, error)
	// Close releases the backend resource. It is idempotent.
	Close(ctx context.Context) error
}

// Backend is an Interpreter bound to one isolation technology.
type Backend interface {
	Interpreter

	// Type is the registered backend name.
	Type() string
	// Resource is the opaque handle of the allocated resource, empty before Initialize.
	Resource() string
}

// Command describes one host process invocation
type Command struct {
	Args  []string
	Dir   string
	Stdin []byte
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command. A non-zero exit is reported through
// exitCode, not err.
func (RealCommandRunner) RunCommand(ctx context.Context, c Command) (stdout, stderr string, exitCode int, err error) {
	if len(c.Args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // arguments are built by the adapters
	cmd.Dir = c.Dir
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdoutBuf.String(), stderrBuf.String(), -1, ctxErr
	}

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// resourceRef holds a backend's resource handle. Reads never block, so
// Registry.Status stays responsive while the backend is busy.
type resourceRef struct {
	v atomic.Value
}

func (r *resourceRef) set(id string) { r.v.Store(id) }

func (r *resourceRef) get() string {
	id, _ := r.v.Load().(string)
	return id
}
