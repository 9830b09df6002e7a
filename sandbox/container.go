package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Container layout shared by docker and podman sandboxes
const (
	containerWorkspace = "/home/sandbox/workspace"
	containerHostname  = "mcp-sandbox"
)

// ContainerBackend runs a long-lived container through a docker-compatible
// engine CLI and keeps a Python driver attached to it with "exec -i".
type ContainerBackend struct {
	logger    *zap.Logger
	engine    string
	config    BackendConfig
	cmdRunner CommandRunner
	launcher  DriverLauncher

	mu          sync.Mutex
	initialized bool
	name        string
	session     *interpreterSession
	files       *shellFiles
	resource    resourceRef
}

// ContainerOption defines a functional option for ContainerBackend
type ContainerOption func(*ContainerBackend)

// WithContainerCommandRunner sets the CommandRunner for ContainerBackend
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerOption {
	return func(c *ContainerBackend) {
		c.cmdRunner = cmdRunner
	}
}

// WithContainerLauncher sets the DriverLauncher for ContainerBackend
func WithContainerLauncher(launcher DriverLauncher) ContainerOption {
	return func(c *ContainerBackend) {
		c.launcher = launcher
	}
}

// NewContainerBackend validates cfg and returns an uninitialized container
// backend for engine ("docker" or "podman").
func NewContainerBackend(logger *zap.Logger, engine string, cfg BackendConfig, opts ...ContainerOption) (*ContainerBackend, error) {
	if err := requireField(engine, "an image", cfg.Image); err != nil {
		return nil, err
	}
	c := &ContainerBackend{
		logger:    logger,
		engine:    engine,
		config:    cfg,
		cmdRunner: &RealCommandRunner{},
		launcher:  ExecLauncher{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newDockerBackend(logger *zap.Logger, cfg BackendConfig) (Backend, error) {
	return NewContainerBackend(logger, BackendDocker, cfg)
}

func newPodmanBackend(logger *zap.Logger, cfg BackendConfig) (Backend, error) {
	return NewContainerBackend(logger, BackendPodman, cfg)
}

func (c *ContainerBackend) Type() string { return c.engine }
func (c *ContainerBackend) Resource() string { return c.resource.get() }

func (c *ContainerBackend) run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	return c.cmdRunner.RunCommand(ctx, Command{Args: append([]string{c.engine}, args...)})
}

// Initialize pulls the image if needed, starts the container detached and
// attaches the interpreter driver. A failure after the container exists
// removes it again.
func (c *ContainerBackend) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	if err := c.ensureImage(ctx); err != nil {
		return err
	}

	name := "codebox-" + uuid.NewString()[:12]
	network := "none"
	if c.config.NetworkEnabled {
		network = "bridge"
	}
	args := []string{
		"run", "-d",
		"--name", name,
		"--hostname", containerHostname,
		"--workdir", containerWorkspace,
		"--memory", fmt.Sprintf("%dm", c.config.memoryMB()),
		"--network", network,
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}
	if c.config.WorkspaceMount != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s", c.config.WorkspaceMount, containerWorkspace))
	}
	args = append(args, c.config.Image, "tail", "-f", "/dev/null")

	// The engine may leave a created container behind even when "run" fails.
	_, stderr, code, err := c.run(ctx, args...)
	if err != nil {
		c.discard(ctx, name)
		return wrapError(KindBackendUnavailable, "initialize", fmt.Errorf("failed to start container: %w", err))
	}
	if code != 0 {
		c.discard(ctx, name)
		return newError(KindBackendUnavailable, "initialize", "failed to start container: %s", strings.TrimSpace(stderr))
	}

	if err := c.attach(ctx, name); err != nil {
		c.discard(ctx, name)
		return err
	}

	c.name = name
	c.resource.set(name)
	c.initialized = true
	c.logger.Info("container sandbox started",
		zap.String("engine", c.engine), zap.String("container", name), zap.String("image", c.config.Image))
	return nil
}

// discard removes a container left over from a failed initialization
func (c *ContainerBackend) discard(ctx context.Context, name string) {
	if err := c.remove(context.WithoutCancel(ctx), name); err != nil {
		c.logger.Warn("failed to remove container after setup error", zap.String("container", name), zap.Error(err))
	}
}

func (c *ContainerBackend) ensureImage(ctx context.Context) error {
	_, _, code, err := c.run(ctx, "image", "inspect", c.config.Image)
	if err != nil {
		return wrapError(KindBackendUnavailable, "initialize", fmt.Errorf("%s is not usable: %w", c.engine, err))
	}
	if code == 0 {
		return nil
	}

	c.logger.Info("pulling sandbox image", zap.String("image", c.config.Image))
	_, stderr, code, err := c.run(ctx, "pull", c.config.Image)
	if err != nil {
		return wrapError(KindBackendUnavailable, "initialize", fmt.Errorf("failed to pull image: %w", err))
	}
	if code != 0 {
		return newError(KindBackendUnavailable, "initialize", "failed to pull image %s: %s", c.config.Image, strings.TrimSpace(stderr))
	}
	return nil
}

func (c *ContainerBackend) attach(ctx context.Context, name string) error {
	_, stderr, code, err := c.run(ctx, "exec", name, "mkdir", "-p", containerWorkspace)
	if err != nil || code != 0 {
		return newError(KindBackendUnavailable, "initialize", "failed to prepare workspace: %v %s", err, strings.TrimSpace(stderr))
	}

	args := append([]string{c.engine, "exec", "-i", "-w", containerWorkspace, name}, driverArgs(containerWorkspace)...)
	session, err := startSession(ctx, c.logger.With(zap.String("container", name)), c.launcher, args, "")
	if err != nil {
		return wrapError(KindBackendUnavailable, "initialize", err)
	}

	c.session = session
	c.files = &shellFiles{
		root:    containerWorkspace,
		maxSize: c.config.maxFileSize(),
		stdin:   true,
		exec: func(ctx context.Context, script string, stdin []byte) (string, string, int, error) {
			return c.cmdRunner.RunCommand(ctx, Command{
				Args:  []string{c.engine, "exec", "-i", name, "sh", "-c", script},
				Stdin: stdin,
			})
		},
	}
	return nil
}

type containerView struct {
	name    string
	session *interpreterSession
	files   *shellFiles
}

func (c *ContainerBackend) ready(op string) (containerView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return containerView{}, newError(KindInvalidState, op, "sandbox is not initialized")
	}
	return containerView{name: c.name, session: c.session, files: c.files}, nil
}

func (c *ContainerBackend) RunCode(ctx context.Context, source, language string) (ExecutionResult, error) {
	shell, err := routeLanguage(language)
	if err != nil {
		return ExecutionResult{}, err
	}
	if shell {
		return c.RunCommand(ctx, source)
	}

	view, err := c.ready("run_code")
	if err != nil {
		return ExecutionResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.timeout())
	defer cancel()
	return view.session.run(ctx, source)
}

func (c *ContainerBackend) RunCommand(ctx context.Context, command string) (ExecutionResult, error) {
	view, err := c.ready("run_command")
	if err != nil {
		return ExecutionResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.timeout())
	defer cancel()

	stdout, stderr, code, err := c.run(ctx, "exec", "-w", containerWorkspace, view.name, "sh", "-c", command)
	if err != nil {
		return ExecutionResult{}, Normalize("run_command", err)
	}
	return commandResult(stdout, stderr, code), nil
}

// InstallPackage prefers uv inside a uv project and falls back to pip
func (c *ContainerBackend) InstallPackage(ctx context.Context, name string) (ExecutionResult, error) {
	cmd, err := installCommand(name)
	if err != nil {
		return ExecutionResult{}, err
	}
	return c.RunCommand(ctx, cmd)
}

func installCommand(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasPrefix(name, "-") {
		return "", newError(KindInvalidConfig, "install_package", "invalid package name %q", name)
	}
	q := shellQuote(name)
	return fmt.Sprintf(
		"if command -v uv >/dev/null 2>&1 && [ -f pyproject.toml ]; then uv add %s; else python3 -m pip install --quiet --disable-pip-version-check %s; fi",
		q, q), nil
}

func (c *ContainerBackend) List(ctx context.Context, path string) ([]FileEntry, error) {
	view, err := c.ready("list")
	if err != nil {
		return nil, err
	}
	return view.files.List(ctx, path)
}

func (c *ContainerBackend) Read(ctx context.Context, path string) ([]byte, error) {
	view, err := c.ready("read")
	if err != nil {
		return nil, err
	}
	return view.files.Read(ctx, path)
}

func (c *ContainerBackend) Write(ctx context.Context, path string, content []byte) error {
	view, err := c.ready("write")
	if err != nil {
		return err
	}
	return view.files.Write(ctx, path, content)
}

func (c *ContainerBackend) Upload(ctx context.Context, src io.Reader, remotePath string) error {
	view, err := c.ready("upload")
	if err != nil {
		return err
	}
	return view.files.Upload(ctx, src, remotePath)
}

// Close stops the driver and force-removes the container. A container that
// is already gone counts as released.
func (c *ContainerBackend) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.close()
		c.session = nil
	}
	if c.name == "" {
		return nil
	}
	err := c.remove(ctx, c.name)
	c.name = ""
	c.initialized = false
	return err
}

func (c *ContainerBackend) remove(ctx context.Context, name string) error {
	_, stderr, code, err := c.run(ctx, "rm", "-f", name)
	if err != nil {
		return wrapError(KindBackendUnavailable, "close", fmt.Errorf("failed to remove container %s: %w", name, err))
	}
	if code != 0 && !strings.Contains(strings.ToLower(stderr), "no such container") {
		return newError(KindBackendUnavailable, "close", "failed to remove container %s: %s", name, strings.TrimSpace(stderr))
	}
	c.logger.Info("container sandbox removed", zap.String("container", name))
	return nil
}
