package sandbox

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// driverSource is the persistent Python interpreter run inside docker,
// podman and local sandboxes. It reads one JSON request per line on stdin
// and answers with one JSON line on stdout.
//
//go:embed driver.py
var driverSource string

const maxDriverLine = 64 * 1024 * 1024

// driverGrace is how long a timed-out driver may take to interrupt itself
// before it is killed.
const driverGrace = 2 * time.Second

var errDriverExited = errors.New("interpreter process exited")

// driverArgs builds the command line that starts the driver with python3.
func driverArgs(workdir string) []string {
	return []string{"python3", "-u", "-c", driverSource, workdir}
}

// DriverProcess is a started interpreter driver
type DriverProcess interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// DriverLauncher starts driver processes
type DriverLauncher interface {
	Launch(args []string, dir string) (DriverProcess, error)
}

// ExecLauncher starts drivers as host processes
type ExecLauncher struct{}

// Launch starts args in dir. The process is not bound to any request
// context; it lives until Kill.
func (ExecLauncher) Launch(args []string, dir string) (DriverProcess, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("no command provided")
	}
	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // arguments are built by the adapters
	cmd.Dir = dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open driver stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open driver stdout: %w", err)
	}
	stderr := &tailBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start driver: %w", err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *tailBuffer
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil {
		if tail := p.stderr.String(); tail != "" {
			return fmt.Errorf("%w: %s", err, tail)
		}
	}
	return err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

type driverRequest struct {
	ID      int64   `json:"id"`
	Code    string  `json:"code"`
	Timeout float64 `json:"timeout,omitempty"`
}

type driverResponse struct {
	ID     int64        `json:"id"`
	Ready  bool         `json:"ready,omitempty"`
	Stdout string       `json:"stdout"`
	Stderr string       `json:"stderr"`
	Error  *ErrorDetail `json:"error"`
}

func (r driverResponse) result() ExecutionResult {
	res := ExecutionResult{
		Output:  splitLines(r.Stdout),
		Errors:  splitLines(r.Stderr),
		Success: r.Error == nil,
		Error:   r.Error,
	}
	if r.Error != nil {
		res.ExitCode = 1
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", r.Error.Name, r.Error.Message))
	}
	return res
}

// interpreterSession multiplexes requests onto one driver process. A request
// abandoned on cancellation keeps its id reserved until the driver answers,
// and that late answer is dropped. A driver that misses its deadline by more
// than grace is killed and the session becomes unusable.
type interpreterSession struct {
	logger *zap.Logger
	proc   DriverProcess
	grace  time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan driverResponse

	ready     chan struct{}
	done      chan struct{}
	exitErr   error
	closeOnce sync.Once
}

func startSession(ctx context.Context, logger *zap.Logger, launcher DriverLauncher, args []string, dir string) (*interpreterSession, error) {
	proc, err := launcher.Launch(args, dir)
	if err != nil {
		return nil, err
	}

	s := &interpreterSession{
		logger:  logger,
		proc:    proc,
		grace:   driverGrace,
		pending: make(map[int64]chan driverResponse),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()

	select {
	case <-s.ready:
		return s, nil
	case <-s.done:
		return nil, fmt.Errorf("interpreter exited during startup: %w", s.exitErr)
	case <-ctx.Done():
		s.close()
		return nil, fmt.Errorf("interpreter did not start: %w", ctx.Err())
	}
}

func (s *interpreterSession) readLoop() {
	scanner := bufio.NewScanner(s.proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxDriverLine)

	signalled := false
	for scanner.Scan() {
		var resp driverResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			s.logger.Warn("ignoring malformed interpreter output", zap.Error(err))
			continue
		}
		if resp.Ready {
			if !signalled {
				close(s.ready)
				signalled = true
			}
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		delete(s.pending, resp.ID)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("discarding late interpreter response", zap.Int64("request_id", resp.ID))
			continue
		}
		ch <- resp
	}

	err := multierr.Combine(scanner.Err(), s.proc.Wait())
	if err == nil {
		err = errDriverExited
	} else {
		err = fmt.Errorf("%w: %w", errDriverExited, err)
	}
	s.exitErr = err
	close(s.done)
}

// run sends code to the driver and waits for its answer, the context, or
// driver exit. The driver gets the same time budget so it can interrupt
// itself and stay responsive for the next request.
func (s *interpreterSession) run(ctx context.Context, code string) (ExecutionResult, error) {
	select {
	case <-s.done:
		return ExecutionResult{}, unrecoverable("run_code", s.exitErr)
	default:
	}

	var budget time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
		if budget <= 0 {
			return ExecutionResult{}, newError(KindExecutionTimeout, "run_code", "no time left to execute")
		}
	}

	ch := make(chan driverResponse, 1)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = ch
	s.mu.Unlock()

	line, err := json.Marshal(driverRequest{ID: id, Code: code, Timeout: budget.Seconds()})
	if err != nil {
		s.forget(id)
		return ExecutionResult{}, fmt.Errorf("failed to encode request: %w", err)
	}

	s.writeMu.Lock()
	_, err = s.proc.Stdin().Write(append(line, '\n'))
	s.writeMu.Unlock()
	if err != nil {
		s.forget(id)
		return ExecutionResult{}, unrecoverable("run_code", fmt.Errorf("failed to send code to interpreter: %w", err))
	}

	select {
	case resp := <-ch:
		if resp.Error != nil && resp.Error.Name == "ExecutionTimeout" {
			return ExecutionResult{}, newError(KindExecutionTimeout, "run_code", "execution exceeded %s", budget.Round(time.Millisecond))
		}
		return resp.result(), nil
	case <-s.done:
		return ExecutionResult{}, unrecoverable("run_code", s.exitErr)
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// The id stays unknown from here on; readLoop drops the late answer
			s.forget(id)
			return ExecutionResult{}, Normalize("run_code", ctx.Err())
		}
		return ExecutionResult{}, s.awaitInterrupt(id, ch, budget)
	}
}

// awaitInterrupt gives the driver grace to answer a request whose deadline
// passed. A driver that stays busy would stall every later call, so it is
// killed and the error is marked unrecoverable.
func (s *interpreterSession) awaitInterrupt(id int64, ch chan driverResponse, budget time.Duration) error {
	timeout := newError(KindExecutionTimeout, "run_code", "execution exceeded %s", budget.Round(time.Millisecond))

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-ch:
		return timeout
	case <-s.done:
		return timeout
	case <-timer.C:
	}

	s.forget(id)
	s.logger.Warn("interpreter ignored the time limit, stopping it",
		zap.Int64("request_id", id), zap.Duration("grace", s.grace))
	s.close()
	timeout.Message += "; the interpreter did not stop and was terminated"
	timeout.Unrecoverable = true
	return timeout
}

func (s *interpreterSession) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *interpreterSession) close() {
	s.closeOnce.Do(func() {
		if err := s.proc.Stdin().Close(); err != nil {
			s.logger.Debug("closing interpreter stdin", zap.Error(err))
		}
		if err := s.proc.Kill(); err != nil {
			s.logger.Warn("failed to kill interpreter", zap.Error(err))
		}
	})
}

// routeLanguage reports whether language runs through the shell instead of
// the Python interpreter.
func routeLanguage(language string) (shell bool, err error) {
	switch language {
	case "", "python", "python3", "py":
		return false, nil
	case "bash", "sh", "shell":
		return true, nil
	default:
		return false, newError(KindInvalidConfig, "run_code", "unsupported language %q", language)
	}
}
