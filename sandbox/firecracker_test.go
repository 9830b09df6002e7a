package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeFirecracker emulates the Firecracker REST server
type fakeFirecracker struct {
	t *testing.T

	mu         sync.Mutex
	spawned    int
	shutdowns  []string
	commands   []string
	status     string
	spawnErr   int
	commandOut func(command string) map[string]any
}

func (f *fakeFirecracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "Bearer fc-key", r.Header.Get("Authorization"))

	f.mu.Lock()
	defer f.mu.Unlock()

	var req map[string]any
	if r.Method == http.MethodPost {
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	}

	switch r.URL.Path {
	case "/microvm/spawn":
		if f.spawnErr != 0 {
			http.Error(w, "no capacity", f.spawnErr)
			return
		}
		f.spawned++
		assert.EqualValues(f.t, 512, req["memory_mb"])
		_ = json.NewEncoder(w).Encode(map[string]string{"microvm_id": "vm-1"})
	case "/microvm/status":
		assert.Equal(f.t, "vm-1", r.URL.Query().Get("microvm_id"))
		if f.status == "" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": f.status})
	case "/microvm/run_code":
		code := req["code"].(string)
		switch code {
		case "print(1+1)":
			_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"stdout": "2\n", "stderr": "", "exit_code": 0}})
		case "hang":
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"stdout": "", "stderr": "Traceback...\nNameError: x\n"}})
		}
	case "/microvm/run_command":
		command := req["command"].(string)
		f.commands = append(f.commands, command)
		out := map[string]any{"result": map[string]any{"stdout": "", "stderr": "", "exit_code": 0}}
		if f.commandOut != nil {
			out = f.commandOut(command)
		}
		_ = json.NewEncoder(w).Encode(out)
	case "/microvm/shutdown":
		id := req["microvm_id"].(string)
		if id != "vm-1" {
			http.NotFound(w, r)
			return
		}
		f.shutdowns = append(f.shutdowns, id)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeFirecracker) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func newTestFirecracker(t *testing.T, cfg BackendConfig) (*FirecrackerBackend, *fakeFirecracker) {
	t.Helper()
	fake := &fakeFirecracker{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg.BackendURL = srv.URL + "/"
	cfg.APIKey = "fc-key"
	f, err := NewFirecrackerBackend(zaptest.NewLogger(t), cfg, WithFirecrackerHTTPClient(srv.Client()))
	require.NoError(t, err)
	return f, fake
}

func TestFirecrackerLifecycle(t *testing.T) {
	f, fake := newTestFirecracker(t, BackendConfig{})
	ctx := context.Background()

	require.NoError(t, f.Initialize(ctx))
	require.NoError(t, f.Initialize(ctx))
	assert.Equal(t, "vm-1", f.Resource())
	fake.locked(func() {
		assert.Equal(t, 1, fake.spawned)
		require.Len(t, fake.commands, 1)
		assert.Contains(t, fake.commands[0], "mkdir -p '/home/sandbox/workspace'")
	})

	require.NoError(t, f.Close(ctx))
	require.NoError(t, f.Close(ctx))
	fake.locked(func() { assert.Equal(t, []string{"vm-1"}, fake.shutdowns) })

	_, err := f.RunCode(ctx, "print(1+1)", "python")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFirecrackerInitializeFailures(t *testing.T) {
	t.Run("spawn refused", func(t *testing.T) {
		f, fake := newTestFirecracker(t, BackendConfig{})
		fake.locked(func() { fake.spawnErr = http.StatusServiceUnavailable })

		err := f.Initialize(context.Background())
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Contains(t, err.Error(), "no capacity")
	})

	t.Run("vm failed to boot", func(t *testing.T) {
		f, fake := newTestFirecracker(t, BackendConfig{})
		fake.locked(func() { fake.status = "failed" })

		err := f.Initialize(context.Background())
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Empty(t, f.Resource())
		fake.locked(func() { assert.Equal(t, []string{"vm-1"}, fake.shutdowns, "spawned VM must be released") })
	})

	t.Run("workspace setup fails", func(t *testing.T) {
		f, fake := newTestFirecracker(t, BackendConfig{})
		fake.locked(func() {
			fake.status = "running"
			fake.commandOut = func(string) map[string]any {
				return map[string]any{"result": map[string]any{"stdout": "", "stderr": "codebox-err:PermissionDenied\n", "exit_code": 2}}
			}
		})

		err := f.Initialize(context.Background())
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		fake.locked(func() { assert.Equal(t, []string{"vm-1"}, fake.shutdowns) })
	})
}

func TestFirecrackerRunCode(t *testing.T) {
	f, _ := newTestFirecracker(t, BackendConfig{Timeout: 100 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, f.Initialize(ctx))

	res, err := f.RunCode(ctx, "print(1+1)", "python")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, res.Output)
	assert.True(t, res.Success)

	res, err = f.RunCode(ctx, "print(x)", "python")
	require.NoError(t, err)
	assert.False(t, res.Success, "stderr without an exit code means failure")
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, []string{"Traceback...", "NameError: x"}, res.Errors)

	_, err = f.RunCode(ctx, "hang", "python")
	assert.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestFirecrackerRunCommand(t *testing.T) {
	f, fake := newTestFirecracker(t, BackendConfig{})
	ctx := context.Background()
	require.NoError(t, f.Initialize(ctx))

	fake.locked(func() {
		fake.commandOut = func(string) map[string]any {
			return map[string]any{"result": map[string]any{"stdout": "Python 3.11.9\n", "stderr": "", "exit_code": 0}}
		}
	})
	res, err := f.RunCommand(ctx, "python3 --version")
	require.NoError(t, err)
	assert.Equal(t, []string{"Python 3.11.9"}, res.Output)

	res, err = f.InstallPackage(ctx, "numpy")
	require.NoError(t, err)
	assert.True(t, res.Success)

	fake.locked(func() {
		n := len(fake.commands)
		assert.Equal(t, "cd '/home/sandbox/workspace' && python3 --version", fake.commands[n-2])
		assert.Contains(t, fake.commands[n-1], "pip install --quiet --disable-pip-version-check 'numpy'")
	})
}

func TestFirecrackerFilesUseStagedWrites(t *testing.T) {
	f, fake := newTestFirecracker(t, BackendConfig{})
	ctx := context.Background()
	require.NoError(t, f.Initialize(ctx))

	require.NoError(t, f.Write(ctx, "notes.txt", []byte("hello")))
	fake.locked(func() {
		n := len(fake.commands)
		assert.Contains(t, fake.commands[n-2], "printf %s 'aGVsbG8=' >> '/tmp/codebox-stage-")
		assert.Contains(t, fake.commands[n-1], "p='/home/sandbox/workspace/notes.txt'")
		assert.Contains(t, fake.commands[n-1], "base64 -d < '/tmp/codebox-stage-")
	})

	fake.locked(func() {
		fake.commandOut = func(command string) map[string]any {
			if strings.Contains(command, "base64 \"$p\"") {
				return map[string]any{"result": map[string]any{"stdout": "aGVsbG8=\n", "stderr": "", "exit_code": 0}}
			}
			return map[string]any{"result": map[string]any{"stdout": "", "stderr": "codebox-err:NotFound\n", "exit_code": 2}}
		}
	})
	got, err := f.Read(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	_, err = f.List(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFirecrackerConfigValidation(t *testing.T) {
	_, err := NewFirecrackerBackend(zaptest.NewLogger(t), BackendConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewFirecrackerBackend(zaptest.NewLogger(t), BackendConfig{BackendURL: "localhost"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	f, err := NewFirecrackerBackend(zaptest.NewLogger(t), BackendConfig{BackendURL: "http://fc.internal:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "http://fc.internal:8080", f.config.BackendURL)
}
