package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const firecrackerWorkspace = "/home/sandbox/workspace"

// FirecrackerBackend drives a microVM through a remote Firecracker REST
// server. Interpreter state is kept by the server's per-VM runtime; file
// operations run as shell commands inside the VM.
type FirecrackerBackend struct {
	logger *zap.Logger
	config BackendConfig
	client *http.Client

	mu          sync.Mutex
	initialized bool
	vmID        string
	files       *shellFiles
	resource    resourceRef
}

// FirecrackerOption defines a functional option for FirecrackerBackend
type FirecrackerOption func(*FirecrackerBackend)

// WithFirecrackerHTTPClient sets the HTTP client
func WithFirecrackerHTTPClient(client *http.Client) FirecrackerOption {
	return func(f *FirecrackerBackend) {
		f.client = client
	}
}

// NewFirecrackerBackend validates cfg and returns an uninitialized backend
func NewFirecrackerBackend(logger *zap.Logger, cfg BackendConfig, opts ...FirecrackerOption) (*FirecrackerBackend, error) {
	if err := requireField(BackendFirecracker, "a backend URL", cfg.BackendURL); err != nil {
		return nil, err
	}
	if u, err := url.Parse(cfg.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, newError(KindInvalidConfig, "create", "invalid firecracker backend URL %q", cfg.BackendURL)
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")

	f := &FirecrackerBackend{
		logger: logger,
		config: cfg,
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func newFirecrackerBackend(logger *zap.Logger, cfg BackendConfig) (Backend, error) {
	return NewFirecrackerBackend(logger, cfg)
}

func (*FirecrackerBackend) Type() string { return BackendFirecracker }

func (f *FirecrackerBackend) Resource() string { return f.resource.get() }

func (f *FirecrackerBackend) headers() map[string]string {
	h := map[string]string{}
	if f.config.APIKey != "" {
		h["Authorization"] = "Bearer " + f.config.APIKey
	}
	return h
}

func (f *FirecrackerBackend) post(ctx context.Context, path string, body, out any) error {
	return jsonRequest(ctx, f.client, http.MethodPost, f.config.BackendURL+path, f.headers(), body, out)
}

// firecrackerResult is the server's run_code / run_command envelope
type firecrackerResult struct {
	Result struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode *int   `json:"exit_code"`
	} `json:"result"`
}

func (r firecrackerResult) toExecution() ExecutionResult {
	res := ExecutionResult{
		Output: splitLines(r.Result.Stdout),
		Errors: splitLines(r.Result.Stderr),
	}
	if r.Result.ExitCode != nil {
		res.ExitCode = *r.Result.ExitCode
		res.Success = res.ExitCode == 0
	} else {
		// Older servers only report streams; stderr output means failure
		res.Success = r.Result.Stderr == ""
		if !res.Success {
			res.ExitCode = 1
		}
	}
	return res
}

func (f *FirecrackerBackend) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized {
		return nil
	}

	var spawned struct {
		MicroVMID string `json:"microvm_id"`
	}
	req := map[string]any{"memory_mb": f.config.memoryMB(), "network_enabled": f.config.NetworkEnabled}
	if err := f.post(ctx, "/microvm/spawn", req, &spawned); err != nil {
		return wrapError(KindBackendUnavailable, "initialize", fmt.Errorf("failed to spawn microVM: %w", err))
	}
	if spawned.MicroVMID == "" {
		return newError(KindBackendUnavailable, "initialize", "failed to spawn microVM: no microvm_id returned")
	}
	vmID := spawned.MicroVMID

	if err := f.checkStatus(ctx, vmID); err != nil {
		_ = f.shutdown(context.WithoutCancel(ctx), vmID)
		return err
	}

	files := &shellFiles{
		root:    firecrackerWorkspace,
		maxSize: f.config.maxFileSize(),
		exec: func(ctx context.Context, script string, _ []byte) (string, string, int, error) {
			res, err := f.command(ctx, vmID, script)
			if err != nil {
				return "", "", 0, err
			}
			return strings.Join(res.Output, "\n"), strings.Join(res.Errors, "\n"), res.ExitCode, nil
		},
	}
	if _, err := files.run(ctx, "initialize", "mkdir -p "+shellQuote(firecrackerWorkspace)+" || fail PermissionDenied\n", nil); err != nil {
		_ = f.shutdown(context.WithoutCancel(ctx), vmID)
		return wrapError(KindBackendUnavailable, "initialize", err)
	}

	f.vmID = vmID
	f.files = files
	f.initialized = true
	f.resource.set(vmID)
	f.logger.Info("firecracker microVM spawned", zap.String("microvm_id", vmID))
	return nil
}

// checkStatus rejects a VM the server reports in a terminal state
func (f *FirecrackerBackend) checkStatus(ctx context.Context, vmID string) error {
	var status struct {
		Status string `json:"status"`
	}
	endpoint := f.config.BackendURL + "/microvm/status?" + url.Values{"microvm_id": {vmID}}.Encode()
	if err := jsonRequest(ctx, f.client, http.MethodGet, endpoint, f.headers(), nil, &status); err != nil {
		var se *httpStatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			// servers without a status endpoint
			return nil
		}
		return wrapError(KindBackendUnavailable, "initialize", fmt.Errorf("failed to query microVM status: %w", err))
	}
	switch strings.ToLower(status.Status) {
	case "failed", "stopped", "error", "shutdown":
		return newError(KindBackendUnavailable, "initialize", "microVM %s is %s", vmID, status.Status)
	}
	return nil
}

func (f *FirecrackerBackend) ready(op string) (string, *shellFiles, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized {
		return "", nil, newError(KindInvalidState, op, "sandbox is not initialized")
	}
	return f.vmID, f.files, nil
}

func (f *FirecrackerBackend) command(ctx context.Context, vmID, command string) (ExecutionResult, error) {
	var out firecrackerResult
	if err := f.post(ctx, "/microvm/run_command", map[string]string{"microvm_id": vmID, "command": command}, &out); err != nil {
		return ExecutionResult{}, httpError("run_command", err)
	}
	return out.toExecution(), nil
}

func (f *FirecrackerBackend) RunCode(ctx context.Context, source, language string) (ExecutionResult, error) {
	shell, err := routeLanguage(language)
	if err != nil {
		return ExecutionResult{}, err
	}
	if shell {
		return f.RunCommand(ctx, source)
	}

	vmID, _, err := f.ready("run_code")
	if err != nil {
		return ExecutionResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.config.timeout())
	defer cancel()

	var out firecrackerResult
	if err := f.post(ctx, "/microvm/run_code", map[string]string{"microvm_id": vmID, "code": source}, &out); err != nil {
		return ExecutionResult{}, httpError("run_code", err)
	}
	return out.toExecution(), nil
}

func (f *FirecrackerBackend) RunCommand(ctx context.Context, command string) (ExecutionResult, error) {
	vmID, _, err := f.ready("run_command")
	if err != nil {
		return ExecutionResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.config.timeout())
	defer cancel()
	return f.command(ctx, vmID, "cd "+shellQuote(firecrackerWorkspace)+" && "+command)
}

func (f *FirecrackerBackend) InstallPackage(ctx context.Context, name string) (ExecutionResult, error) {
	cmd, err := installCommand(name)
	if err != nil {
		return ExecutionResult{}, err
	}
	return f.RunCommand(ctx, cmd)
}

func (f *FirecrackerBackend) List(ctx context.Context, path string) ([]FileEntry, error) {
	_, files, err := f.ready("list")
	if err != nil {
		return nil, err
	}
	return files.List(ctx, path)
}

func (f *FirecrackerBackend) Read(ctx context.Context, path string) ([]byte, error) {
	_, files, err := f.ready("read")
	if err != nil {
		return nil, err
	}
	return files.Read(ctx, path)
}

func (f *FirecrackerBackend) Write(ctx context.Context, path string, content []byte) error {
	_, files, err := f.ready("write")
	if err != nil {
		return err
	}
	return files.Write(ctx, path, content)
}

func (f *FirecrackerBackend) Upload(ctx context.Context, src io.Reader, remotePath string) error {
	_, files, err := f.ready("upload")
	if err != nil {
		return err
	}
	return files.Upload(ctx, src, remotePath)
}

// Close shuts the microVM down. An unknown VM counts as released.
func (f *FirecrackerBackend) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vmID == "" {
		return nil
	}
	if err := f.shutdown(ctx, f.vmID); err != nil {
		return err
	}
	f.vmID = ""
	f.files = nil
	f.initialized = false
	return nil
}

func (f *FirecrackerBackend) shutdown(ctx context.Context, vmID string) error {
	err := f.post(ctx, "/microvm/shutdown", map[string]string{"microvm_id": vmID}, nil)
	var se *httpStatusError
	if err != nil && !(errors.As(err, &se) && se.Status == http.StatusNotFound) {
		f.logger.Warn("failed to shut down microVM", zap.String("microvm_id", vmID), zap.Error(err))
		return httpError("close", err)
	}
	f.logger.Info("firecracker microVM shut down", zap.String("microvm_id", vmID))
	return nil
}
