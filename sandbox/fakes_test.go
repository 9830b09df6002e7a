package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend is an in-memory Backend with injectable failures
type fakeBackend struct {
	mu         sync.Mutex
	typ        string
	initErr    error
	closeErr   error
	initBlock  chan struct{}
	initCalls  int
	closeCalls int
	closed     bool
	files      map[string][]byte
	runHook    func(ctx context.Context, code string) (ExecutionResult, error)
	resource   resourceRef
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{typ: "fake", files: map[string][]byte{}}
}

func (f *fakeBackend) Type() string { return f.typ }

func (f *fakeBackend) Resource() string { return f.resource.get() }

func (f *fakeBackend) Initialize(ctx context.Context) error {
	if f.initBlock != nil {
		select {
		case <-f.initBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return f.initErr
	}
	f.resource.set("fake-resource")
	return nil
}

func (f *fakeBackend) RunCode(ctx context.Context, source, _ string) (ExecutionResult, error) {
	if f.runHook != nil {
		return f.runHook(ctx, source)
	}
	return ExecutionResult{Output: []string{source}, Errors: []string{}, Success: true}, nil
}

func (f *fakeBackend) RunCommand(ctx context.Context, command string) (ExecutionResult, error) {
	return f.RunCode(ctx, command, "bash")
}

func (f *fakeBackend) InstallPackage(_ context.Context, name string) (ExecutionResult, error) {
	return ExecutionResult{Output: []string{"installed " + name}, Errors: []string{}, Success: true}, nil
}

func (f *fakeBackend) List(_ context.Context, _ string) ([]FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]FileEntry, 0, len(f.files))
	for name, content := range f.files {
		entries = append(entries, FileEntry{Path: name, Kind: EntryFile, Size: int64(len(content))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (f *fakeBackend) Read(_ context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[p]
	if !ok {
		return nil, newError(KindNotFound, "read", "%s does not exist", p)
	}
	return content, nil
}

func (f *fakeBackend) Write(_ context.Context, p string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = content
	return nil
}

func (f *fakeBackend) Upload(ctx context.Context, src io.Reader, remotePath string) error {
	content, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	return f.Write(ctx, remotePath, content)
}

func (f *fakeBackend) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closed = true
	return f.closeErr
}

func (f *fakeBackend) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// transitionRecorder collects lifecycle transitions
type transitionRecorder struct {
	mu  sync.Mutex
	all []Transition
}

func (r *transitionRecorder) OnTransition(t Transition) {
	r.mu.Lock()
	r.all = append(r.all, t)
	r.mu.Unlock()
}

func (r *transitionRecorder) states(id string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, t := range r.all {
		if t.ID == id {
			out = append(out, t.To)
		}
	}
	return out
}

func (r *transitionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProcess is an in-process stand-in for the Python driver
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		close(p.done)
		_ = p.stdoutW.Close()
		_ = p.stdinR.Close()
	})
}

func (p *fakeProcess) send(v any) {
	line, _ := json.Marshal(v)
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, _ = p.stdoutW.Write(append(line, '\n'))
}

// fakeLauncher starts fakeProcess drivers that understand a tiny scripted
// language:
//
//	x = 5         stores a variable
//	print(x)      prints a stored variable
//	print(1+1)    prints 2
//	sleep <dur>   answers "slept" after dur
//	raise         answers with a ZeroDivisionError
//	spin          answers as if the driver interrupted itself
//	hang          never answers
//	exit          kills the driver without answering
type fakeLauncher struct {
	mu       sync.Mutex
	noReady  bool
	err      error
	launched [][]string
	procs    []*fakeProcess
}

func (l *fakeLauncher) Launch(args []string, _ string) (DriverProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.launched = append(l.launched, args)

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	p := &fakeProcess{stdinR: stdinR, stdinW: stdinW, stdoutR: stdoutR, stdoutW: stdoutW, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	go l.serve(p)
	return p, nil
}

func (l *fakeLauncher) lastProcess() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) serve(p *fakeProcess) {
	defer p.exit()
	if !l.noReady {
		p.send(map[string]bool{"ready": true})
	}

	vars := map[string]string{}
	var varsMu sync.Mutex
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		var req driverRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		code := strings.TrimSpace(req.Code)
		switch {
		case code == "exit":
			return
		case strings.HasPrefix(code, "sleep "):
			d, _ := time.ParseDuration(strings.TrimPrefix(code, "sleep "))
			go func(id int64) {
				select {
				case <-time.After(d):
					p.send(driverResponse{ID: id, Stdout: "slept\n"})
				case <-p.done:
				}
			}(req.ID)
		case code == "hang":
		case code == "spin":
			p.send(driverResponse{ID: req.ID, Error: &ErrorDetail{Name: "ExecutionTimeout", Message: "execution exceeded the time limit"}})
		case code == "raise":
			p.send(driverResponse{ID: req.ID, Error: &ErrorDetail{Name: "ZeroDivisionError", Message: "division by zero", Line: 1}})
		case code == "print(1+1)":
			p.send(driverResponse{ID: req.ID, Stdout: "2\n"})
		case strings.HasPrefix(code, "print(") && strings.HasSuffix(code, ")"):
			name := strings.TrimSuffix(strings.TrimPrefix(code, "print("), ")")
			varsMu.Lock()
			v, ok := vars[name]
			varsMu.Unlock()
			if !ok {
				p.send(driverResponse{ID: req.ID, Error: &ErrorDetail{Name: "NameError", Message: "name '" + name + "' is not defined"}})
				continue
			}
			p.send(driverResponse{ID: req.ID, Stdout: v + "\n"})
		case strings.Contains(code, "="):
			parts := strings.SplitN(code, "=", 2)
			varsMu.Lock()
			vars[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
			varsMu.Unlock()
			p.send(driverResponse{ID: req.ID})
		default:
			p.send(driverResponse{ID: req.ID, Stdout: code + "\n"})
		}
	}
}

// buildTarGz packs files (path -> content) into a tar.gz archive. Paths
// ending in "/" become directory entries.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, name := range names {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}))
			continue
		}
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

// cleanKeys returns the sorted keys of m with path.Clean applied
func cleanKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, path.Clean(k))
	}
	sort.Strings(keys)
	return keys
}
