package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// E2B service ports inside a sandbox
const (
	e2bJupyterPort = 49999
	e2bEnvdPort    = 49983
	e2bWorkspace   = "/home/user"
	e2bUser        = "user"
)

// E2BBackend drives a hosted E2B code-interpreter sandbox. Code runs in the
// sandbox's Jupyter kernel, which keeps interpreter state between calls;
// files go through the envd filesystem API.
type E2BBackend struct {
	logger  *zap.Logger
	config  BackendConfig
	client  *http.Client
	hostFor func(port int, sandboxID string) string

	mu          sync.Mutex
	initialized bool
	sandboxID   string
	accessToken string
	resource    resourceRef
}

// E2BOption defines a functional option for E2BBackend
type E2BOption func(*E2BBackend)

// WithE2BHTTPClient sets the HTTP client
func WithE2BHTTPClient(client *http.Client) E2BOption {
	return func(e *E2BBackend) {
		e.client = client
	}
}

// WithE2BHostResolver overrides how in-sandbox service URLs are built
func WithE2BHostResolver(fn func(port int, sandboxID string) string) E2BOption {
	return func(e *E2BBackend) {
		e.hostFor = fn
	}
}

// NewE2BBackend validates cfg and returns an uninitialized E2B backend
func NewE2BBackend(logger *zap.Logger, cfg BackendConfig, opts ...E2BOption) (*E2BBackend, error) {
	if err := requireField(BackendE2B, "an API key", cfg.APIKey); err != nil {
		return nil, err
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.e2b.dev"
	}
	if cfg.Domain == "" {
		cfg.Domain = "e2b.app"
	}
	if cfg.Template == "" {
		cfg.Template = "code-interpreter-v1"
	}

	e := &E2BBackend{
		logger: logger,
		config: cfg,
		client: &http.Client{},
	}
	e.hostFor = func(port int, sandboxID string) string {
		return fmt.Sprintf("https://%d-%s.%s", port, sandboxID, e.config.Domain)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func newE2BBackend(logger *zap.Logger, cfg BackendConfig) (Backend, error) {
	return NewE2BBackend(logger, cfg)
}

func (*E2BBackend) Type() string { return BackendE2B }

func (e *E2BBackend) Resource() string { return e.resource.get() }

func (e *E2BBackend) apiHeaders() map[string]string {
	return map[string]string{"X-API-Key": e.config.APIKey}
}

func (e *E2BBackend) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	req := map[string]any{
		"templateID": e.config.Template,
		"metadata":   map[string]string{"created_by": "codebox"},
	}
	if !e.config.NetworkEnabled {
		req["allow_internet_access"] = false
	}
	var resp struct {
		SandboxID       string `json:"sandboxID"`
		EnvdAccessToken string `json:"envdAccessToken"`
	}
	if err := jsonRequest(ctx, e.client, http.MethodPost, e.config.APIURL+"/sandboxes", e.apiHeaders(), req, &resp); err != nil {
		return wrapError(KindBackendUnavailable, "initialize", fmt.Errorf("failed to create e2b sandbox: %w", err))
	}
	if resp.SandboxID == "" {
		return newError(KindBackendUnavailable, "initialize", "e2b returned no sandbox id")
	}

	e.sandboxID = resp.SandboxID
	e.accessToken = resp.EnvdAccessToken
	e.initialized = true
	e.resource.set(resp.SandboxID)
	e.logger.Info("e2b sandbox created", zap.String("sandbox_id", resp.SandboxID), zap.String("template", e.config.Template))
	return nil
}

func (e *E2BBackend) ready(op string) (sandboxID string, headers map[string]string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return "", nil, newError(KindInvalidState, op, "sandbox is not initialized")
	}
	headers = map[string]string{}
	if e.accessToken != "" {
		headers["X-Access-Token"] = e.accessToken
	}
	return e.sandboxID, headers, nil
}

// jupyterEvent is one NDJSON line of the /execute stream
type jupyterEvent struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	IsMainResult bool   `json:"is_main_result"`
	Name         string `json:"name"`
	Value        string `json:"value"`
	Traceback    string `json:"traceback"`
}

func (e *E2BBackend) execute(ctx context.Context, op, code, language string) (ExecutionResult, error) {
	sandboxID, headers, err := e.ready(op)
	if err != nil {
		return ExecutionResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.timeout())
	defer cancel()

	body := map[string]string{"code": code}
	if language != "" {
		body["language"] = language
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.hostFor(e2bJupyterPort, sandboxID)+"/execute", bytes.NewReader(payload))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return ExecutionResult{}, httpError(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ExecutionResult{}, httpError(op, readStatusError(resp))
	}

	result := ExecutionResult{Output: []string{}, Errors: []string{}, Success: true}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxDriverLine)
	for scanner.Scan() {
		var ev jupyterEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			e.logger.Debug("skipping undecodable execution event", zap.Error(err))
			continue
		}
		switch ev.Type {
		case "stdout":
			result.Output = append(result.Output, splitLines(ev.Text)...)
		case "stderr":
			result.Errors = append(result.Errors, splitLines(ev.Text)...)
		case "result":
			if ev.IsMainResult && ev.Text != "" {
				result.Output = append(result.Output, splitLines(ev.Text)...)
			}
		case "error":
			result.Success = false
			result.ExitCode = 1
			result.Error = &ErrorDetail{Name: ev.Name, Message: ev.Value, Traceback: ev.Traceback}
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", ev.Name, ev.Value))
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ExecutionResult{}, wrapError(KindExecutionTimeout, op, ctx.Err())
		}
		return ExecutionResult{}, httpError(op, err)
	}
	return result, nil
}

func (e *E2BBackend) RunCode(ctx context.Context, source, language string) (ExecutionResult, error) {
	shell, err := routeLanguage(language)
	if err != nil {
		return ExecutionResult{}, err
	}
	if shell {
		return e.RunCommand(ctx, source)
	}
	return e.execute(ctx, "run_code", source, "")
}

func (e *E2BBackend) RunCommand(ctx context.Context, command string) (ExecutionResult, error) {
	return e.execute(ctx, "run_command", command, "bash")
}

func (e *E2BBackend) InstallPackage(ctx context.Context, name string) (ExecutionResult, error) {
	cmd, err := installCommand(name)
	if err != nil {
		return ExecutionResult{}, err
	}
	return e.RunCommand(ctx, cmd)
}

// envd filesystem entry as returned by the Connect JSON API
type envdEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size,string"`
}

// envdError is the Connect error body
type envdError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *E2BBackend) rpc(ctx context.Context, op, method string, req, out any) error {
	sandboxID, headers, err := e.ready(op)
	if err != nil {
		return err
	}
	headers["Connect-Protocol-Version"] = "1"
	endpoint := e.hostFor(e2bEnvdPort, sandboxID) + "/filesystem.Filesystem/" + method
	if err := jsonRequest(ctx, e.client, http.MethodPost, endpoint, headers, req, out); err != nil {
		return envdFailure(op, err)
	}
	return nil
}

func envdFailure(op string, err error) error {
	var se *httpStatusError
	if !errors.As(err, &se) {
		return httpError(op, err)
	}
	var ce envdError
	if json.Unmarshal([]byte(se.Body), &ce) == nil && ce.Code != "" {
		switch ce.Code {
		case "not_found":
			return newError(KindNotFound, op, "%s", ce.Message)
		case "permission_denied", "unauthenticated":
			return newError(KindPermissionDenied, op, "%s", ce.Message)
		case "resource_exhausted":
			return newError(KindQuotaExceeded, op, "%s", ce.Message)
		case "invalid_argument", "failed_precondition":
			if strings.Contains(strings.ToLower(ce.Message), "directory") {
				return newError(KindIsADirectory, op, "%s", ce.Message)
			}
		}
	}
	return httpError(op, err)
}

func (e *E2BBackend) stat(ctx context.Context, op, target string) (envdEntry, error) {
	var resp struct {
		Entry envdEntry `json:"entry"`
	}
	if err := e.rpc(ctx, op, "Stat", map[string]string{"path": target}, &resp); err != nil {
		return envdEntry{}, err
	}
	return resp.Entry, nil
}

func isEnvdDir(entry envdEntry) bool {
	return entry.Type == "FILE_TYPE_DIRECTORY"
}

func (e *E2BBackend) List(ctx context.Context, p string) ([]FileEntry, error) {
	target, err := resolvePath(e2bWorkspace, p)
	if err != nil {
		return nil, err
	}
	info, err := e.stat(ctx, "list", target)
	if err != nil {
		return nil, err
	}
	if !isEnvdDir(info) {
		return []FileEntry{{Path: relativeTo(e2bWorkspace, target), Kind: EntryFile, Size: info.Size}}, nil
	}

	var resp struct {
		Entries []envdEntry `json:"entries"`
	}
	if err := e.rpc(ctx, "list", "ListDir", map[string]any{"path": target, "depth": 1}, &resp); err != nil {
		return nil, err
	}
	entries := make([]FileEntry, 0, len(resp.Entries))
	for _, ent := range resp.Entries {
		p := ent.Path
		if p == "" {
			p = target + "/" + ent.Name
		}
		entry := FileEntry{Path: relativeTo(e2bWorkspace, p), Kind: EntryFile, Size: ent.Size}
		if isEnvdDir(ent) {
			entry.Kind = EntryDirectory
			entry.Size = 0
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (e *E2BBackend) filesURL(sandboxID, target string) string {
	q := url.Values{}
	q.Set("path", target)
	q.Set("username", e2bUser)
	return e.hostFor(e2bEnvdPort, sandboxID) + "/files?" + q.Encode()
}

func (e *E2BBackend) Read(ctx context.Context, p string) ([]byte, error) {
	target, err := resolvePath(e2bWorkspace, p)
	if err != nil {
		return nil, err
	}
	info, err := e.stat(ctx, "read", target)
	if err != nil {
		return nil, err
	}
	if isEnvdDir(info) {
		return nil, newError(KindIsADirectory, "read", "%s is a directory", p)
	}
	limit := e.config.maxFileSize()
	if info.Size > limit {
		return nil, newError(KindTooLarge, "read", "%s is %d bytes, limit is %d", p, info.Size, limit)
	}

	sandboxID, headers, err := e.ready("read")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.filesURL(sandboxID, target), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, httpError("read", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("read", readStatusError(resp))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, httpError("read", err)
	}
	if int64(len(content)) > limit {
		return nil, newError(KindTooLarge, "read", "%s exceeds %d bytes", p, limit)
	}
	return content, nil
}

// Write uploads to a temporary sibling and moves it over the target
func (e *E2BBackend) Write(ctx context.Context, p string, content []byte) error {
	limit := e.config.maxFileSize()
	if int64(len(content)) > limit {
		return newError(KindTooLarge, "write", "content is %d bytes, limit is %d", len(content), limit)
	}
	target, err := resolvePath(e2bWorkspace, p)
	if err != nil {
		return err
	}
	if info, err := e.stat(ctx, "write", target); err == nil && isEnvdDir(info) {
		return newError(KindIsADirectory, "write", "%s is a directory", p)
	} else if err != nil && KindOf(err) != KindNotFound {
		return err
	}

	sandboxID, headers, err := e.ready("write")
	if err != nil {
		return err
	}
	tmp := target + ".codebox-tmp-" + uuid.NewString()[:8]

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", tmp)
	if err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.filesURL(sandboxID, tmp), &buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return httpError("write", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpError("write", &httpStatusError{Status: resp.StatusCode})
	}

	if err := e.rpc(ctx, "write", "Move", map[string]string{"source": tmp, "destination": target}, nil); err != nil {
		if rmErr := e.rpc(context.WithoutCancel(ctx), "write", "Remove", map[string]string{"path": tmp}, nil); rmErr != nil {
			e.logger.Warn("failed to remove temporary upload", zap.String("path", tmp), zap.Error(rmErr))
		}
		return err
	}
	return nil
}

func (e *E2BBackend) Upload(ctx context.Context, src io.Reader, remotePath string) error {
	content, err := readLimited(src, e.config.maxFileSize())
	if err != nil {
		return err
	}
	return e.Write(ctx, remotePath, content)
}

// Close kills the remote sandbox. A sandbox the API no longer knows counts
// as released.
func (e *E2BBackend) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sandboxID == "" {
		return nil
	}

	err := jsonRequest(ctx, e.client, http.MethodDelete, e.config.APIURL+"/sandboxes/"+e.sandboxID, e.apiHeaders(), nil, nil)
	var se *httpStatusError
	if err != nil && !(errors.As(err, &se) && se.Status == http.StatusNotFound) {
		return httpError("close", err)
	}

	e.logger.Info("e2b sandbox killed", zap.String("sandbox_id", e.sandboxID))
	e.sandboxID = ""
	e.accessToken = ""
	e.initialized = false
	return nil
}
