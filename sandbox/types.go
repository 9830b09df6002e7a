package sandbox

import (
	"strings"
	"time"
)

// ExecutionResult is the outcome of one code or command execution
type ExecutionResult struct {
	Output   []string     `json:"output"`
	Errors   []string     `json:"errors"`
	Success  bool         `json:"success"`
	Error    *ErrorDetail `json:"error,omitempty"`
	ExitCode int          `json:"exit_code"`
}

// ErrorDetail carries a backend-reported exception
type ErrorDetail struct {
	Name      string `json:"name"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// FileKind is the type of a listed entry
type FileKind string

const (
	EntryFile      FileKind = "file"
	EntryDirectory FileKind = "directory"
)

// FileEntry describes one file or directory inside a sandbox
type FileEntry struct {
	Path string   `json:"path"`
	Kind FileKind `json:"kind"`
	Size int64    `json:"size,omitempty"`
}

// State is a sandbox lifecycle state
type State string

const (
	StatePending State = "Pending"
	StateReady   State = "Ready"
	StateClosing State = "Closing"
	StateClosed  State = "Closed"
	StateFailed  State = "Failed"
)

// Status is a point-in-time snapshot of a sandbox handle
type Status struct {
	ID           string    `json:"session_id"`
	Backend      string    `json:"backend_type"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Resource     string    `json:"resource,omitempty"`
}

// BackendConfig is the validated set of options a backend needs. It is passed
// by value so adapters hold their own copy.
type BackendConfig struct {
	APIKey         string
	APIURL         string
	Domain         string
	Template       string
	BackendURL     string
	Image          string
	Engine         string
	NetworkEnabled bool
	WorkspaceMount string
	WorkspaceRoot  string
	MemoryMB       int
	Timeout        time.Duration
	MaxFileSize    int64

	// Seed is an optional tar.gz extracted into the workspace after Initialize.
	Seed []byte
}

// Default limits used when a BackendConfig leaves them unset.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxFileSize = 10 * 1024 * 1024
	DefaultMemoryMB    = 512
	DefaultLanguage    = "python"
)

func (c BackendConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c BackendConfig) maxFileSize() int64 {
	if c.MaxFileSize <= 0 {
		return DefaultMaxFileSize
	}
	return c.MaxFileSize
}

func (c BackendConfig) memoryMB() int {
	if c.MemoryMB <= 0 {
		return DefaultMemoryMB
	}
	return c.MemoryMB
}

// splitLines turns captured stream text into ordered lines, dropping the
// trailing newline terminator.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	s = strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	return strings.Split(s, "\n")
}

func commandResult(stdout, stderr string, exitCode int) ExecutionResult {
	return ExecutionResult{
		Output:   splitLines(stdout),
		Errors:   splitLines(stderr),
		Success:  exitCode == 0,
		ExitCode: exitCode,
	}
}
