package sandbox

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"sync"
	"syscall"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// LocalBackend runs the interpreter driver directly on the host and confines
// file operations to a workspace directory through afero.BasePathFs.
// It has no isolation and is meant for development only.
type LocalBackend struct {
	logger    *zap.Logger
	config    BackendConfig
	cmdRunner CommandRunner
	launcher  DriverLauncher
	baseFs    afero.Fs

	mu          sync.Mutex
	initialized bool
	ownsRoot    bool
	root        string
	fs          afero.Fs
	session     *interpreterSession
	resource    resourceRef
}

// LocalOption defines a functional option for LocalBackend
type LocalOption func(*LocalBackend)

// WithLocalCommandRunner sets the CommandRunner for LocalBackend
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalOption {
	return func(l *LocalBackend) {
		l.cmdRunner = cmdRunner
	}
}

// WithLocalLauncher sets the DriverLauncher for LocalBackend
func WithLocalLauncher(launcher DriverLauncher) LocalOption {
	return func(l *LocalBackend) {
		l.launcher = launcher
	}
}

// WithLocalFs sets the filesystem the workspace lives on
func WithLocalFs(fs afero.Fs) LocalOption {
	return func(l *LocalBackend) {
		l.baseFs = fs
	}
}

// NewLocalBackend returns an uninitialized local backend. An empty
// WorkspaceRoot means a fresh temporary directory per sandbox.
func NewLocalBackend(logger *zap.Logger, cfg BackendConfig, opts ...LocalOption) *LocalBackend {
	l := &LocalBackend{
		logger:    logger,
		config:    cfg,
		cmdRunner: &RealCommandRunner{},
		launcher:  ExecLauncher{},
		baseFs:    afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newLocalBackend(logger *zap.Logger, cfg BackendConfig) (Backend, error) {
	logger.Warn("local backend runs untrusted code on the host without isolation")
	return NewLocalBackend(logger, cfg), nil
}

func (*LocalBackend) Type() string { return BackendLocal }
func (l *LocalBackend) Resource() string { return l.resource.get() }

func (l *LocalBackend) Initialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return nil
	}

	root := l.config.WorkspaceRoot
	owns := false
	if root == "" {
		dir, err := afero.TempDir(l.baseFs, "", "codebox-local-")
		if err != nil {
			return wrapError(KindBackendUnavailable, "initialize", err)
		}
		root, owns = dir, true
	} else if err := l.baseFs.MkdirAll(root, 0o755); err != nil {
		return wrapError(KindBackendUnavailable, "initialize", err)
	}

	session, err := startSession(ctx, l.logger.With(zap.String("workspace", root)), l.launcher, driverArgs(root), root)
	if err != nil {
		if owns {
			_ = l.baseFs.RemoveAll(root)
		}
		return wrapError(KindBackendUnavailable, "initialize", err)
	}

	l.root = root
	l.ownsRoot = owns
	l.fs = afero.NewBasePathFs(l.baseFs, root)
	l.session = session
	l.initialized = true
	l.resource.set(root)
	l.logger.Info("local sandbox started", zap.String("workspace", root))
	return nil
}

func (l *LocalBackend) ready(op string) (afero.Fs, *interpreterSession, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return nil, nil, "", newError(KindInvalidState, op, "sandbox is not initialized")
	}
	return l.fs, l.session, l.root, nil
}

func (l *LocalBackend) RunCode(ctx context.Context, source, language string) (ExecutionResult, error) {
	shell, err := routeLanguage(language)
	if err != nil {
		return ExecutionResult{}, err
	}
	if shell {
		return l.RunCommand(ctx, source)
	}

	_, session, _, err := l.ready("run_code")
	if err != nil {
		return ExecutionResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.config.timeout())
	defer cancel()
	return session.run(ctx, source)
}

func (l *LocalBackend) RunCommand(ctx context.Context, command string) (ExecutionResult, error) {
	_, _, root, err := l.ready("run_command")
	if err != nil {
		return ExecutionResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.config.timeout())
	defer cancel()

	stdout, stderr, code, err := l.cmdRunner.RunCommand(ctx, Command{Args: []string{"sh", "-c", command}, Dir: root})
	if err != nil {
		return ExecutionResult{}, Normalize("run_command", err)
	}
	return commandResult(stdout, stderr, code), nil
}

func (l *LocalBackend) InstallPackage(ctx context.Context, name string) (ExecutionResult, error) {
	cmd, err := installCommand(name)
	if err != nil {
		return ExecutionResult{}, err
	}
	return l.RunCommand(ctx, cmd)
}

func (l *LocalBackend) List(_ context.Context, p string) ([]FileEntry, error) {
	fsys, _, _, err := l.ready("list")
	if err != nil {
		return nil, err
	}
	target, err := resolvePath("/", p)
	if err != nil {
		return nil, err
	}

	info, err := fsys.Stat(target)
	if err != nil {
		return nil, fsError("list", p, err)
	}
	if !info.IsDir() {
		return []FileEntry{{Path: relativeTo("/", target), Kind: EntryFile, Size: info.Size()}}, nil
	}

	infos, err := afero.ReadDir(fsys, target)
	if err != nil {
		return nil, fsError("list", p, err)
	}
	entries := make([]FileEntry, 0, len(infos))
	for _, fi := range infos {
		entry := FileEntry{Path: relativeTo("/", path.Join(target, fi.Name())), Kind: EntryFile, Size: fi.Size()}
		if fi.IsDir() {
			entry.Kind = EntryDirectory
			entry.Size = 0
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (l *LocalBackend) Read(_ context.Context, p string) ([]byte, error) {
	fsys, _, _, err := l.ready("read")
	if err != nil {
		return nil, err
	}
	target, err := resolvePath("/", p)
	if err != nil {
		return nil, err
	}

	info, err := fsys.Stat(target)
	if err != nil {
		return nil, fsError("read", p, err)
	}
	if info.IsDir() {
		return nil, newError(KindIsADirectory, "read", "%s is a directory", p)
	}
	if limit := l.config.maxFileSize(); info.Size() > limit {
		return nil, newError(KindTooLarge, "read", "%s is %d bytes, limit is %d", p, info.Size(), limit)
	}
	content, err := afero.ReadFile(fsys, target)
	if err != nil {
		return nil, fsError("read", p, err)
	}
	return content, nil
}

// Write stages content in a temp file next to the target and renames it
// into place, so a failed write leaves the old content untouched.
func (l *LocalBackend) Write(_ context.Context, p string, content []byte) error {
	fsys, _, _, err := l.ready("write")
	if err != nil {
		return err
	}
	if limit := l.config.maxFileSize(); int64(len(content)) > limit {
		return newError(KindTooLarge, "write", "content is %d bytes, limit is %d", len(content), limit)
	}
	target, err := resolvePath("/", p)
	if err != nil {
		return err
	}
	if target == "/" {
		return newError(KindIsADirectory, "write", "cannot write to the workspace root")
	}
	if info, err := fsys.Stat(target); err == nil && info.IsDir() {
		return newError(KindIsADirectory, "write", "%s is a directory", p)
	}

	dir := path.Dir(target)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fsError("write", p, err)
	}

	tmp, err := afero.TempFile(fsys, dir, ".codebox-tmp-*")
	if err != nil {
		return fsError("write", p, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(content)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = fsys.Remove(tmpName)
		return fsError("write", p, errors.Join(werr, cerr))
	}
	if err := fsys.Rename(tmpName, target); err != nil {
		_ = fsys.Remove(tmpName)
		return fsError("write", p, err)
	}
	return nil
}

func (l *LocalBackend) Upload(ctx context.Context, src io.Reader, remotePath string) error {
	content, err := readLimited(src, l.config.maxFileSize())
	if err != nil {
		return err
	}
	return l.Write(ctx, remotePath, content)
}

// Close stops the driver and removes a workspace this backend created
func (l *LocalBackend) Close(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		l.session.close()
		l.session = nil
	}
	if !l.initialized {
		return nil
	}
	l.initialized = false
	if l.ownsRoot {
		if err := l.baseFs.RemoveAll(l.root); err != nil {
			return wrapError(KindBackendUnavailable, "close", err)
		}
	}
	l.logger.Info("local sandbox closed", zap.String("workspace", l.root))
	return nil
}

func fsError(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(KindNotFound, op, "%s does not exist", p)
	case errors.Is(err, fs.ErrPermission):
		return newError(KindPermissionDenied, op, "%s: permission denied", p)
	case isNoSpace(err):
		return newError(KindQuotaExceeded, op, "%s: %v", p, err)
	default:
		return wrapError(KindBackendUnavailable, op, err)
	}
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
