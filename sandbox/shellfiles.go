package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// shellExecFunc runs a POSIX sh script inside the sandbox
type shellExecFunc func(ctx context.Context, script string, stdin []byte) (stdout, stderr string, exitCode int, err error)

// shellFiles implements Files on top of a shell inside the sandbox. Scripts
// report classified failures as "codebox-err:<Kind>" on stderr.
type shellFiles struct {
	root    string
	maxSize int64
	exec    shellExecFunc

	// stdin reports whether exec can pass stdin through. Without it, content
	// is staged in base64 chunks embedded in the scripts.
	stdin     bool
	chunkSize int
}

var errTokenRE = regexp.MustCompile(`codebox-err:([A-Za-z]+)`)

const shellPreamble = `fail() { echo "codebox-err:$1" >&2; exit 2; }
`

func (f *shellFiles) run(ctx context.Context, op, script string, stdin []byte) (string, error) {
	stdout, stderr, code, err := f.exec(ctx, shellPreamble+script, stdin)
	if err != nil {
		return "", Normalize(op, err)
	}
	if m := errTokenRE.FindStringSubmatch(stderr); m != nil {
		msg := strings.TrimSpace(errTokenRE.ReplaceAllString(stderr, ""))
		if msg == "" {
			msg = m[1]
		}
		return "", &Error{Kind: Kind(m[1]), Op: op, Message: msg}
	}
	if code != 0 {
		return "", newError(KindBackendUnavailable, op, "exit status %d: %s", code, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func (f *shellFiles) List(ctx context.Context, p string) ([]FileEntry, error) {
	target, err := resolvePath(f.root, p)
	if err != nil {
		return nil, err
	}

	script := fmt.Sprintf(`p=%s
[ -e "$p" ] || fail NotFound
[ -r "$p" ] || fail PermissionDenied
if [ -d "$p" ]; then
  find "$p" -mindepth 1 -maxdepth 1 -printf '%%y\t%%s\t%%p\n'
else
  find "$p" -maxdepth 0 -printf '%%y\t%%s\t%%p\n'
fi
`, shellQuote(target))

	out, err := f.run(ctx, "list", script, nil)
	if err != nil {
		return nil, err
	}

	entries := make([]FileEntry, 0)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		entry := FileEntry{Path: relativeTo(f.root, fields[2]), Kind: EntryFile}
		if fields[0] == "d" {
			entry.Kind = EntryDirectory
		} else if size, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			entry.Size = size
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (f *shellFiles) Read(ctx context.Context, p string) ([]byte, error) {
	target, err := resolvePath(f.root, p)
	if err != nil {
		return nil, err
	}

	script := fmt.Sprintf(`p=%s
[ -e "$p" ] || fail NotFound
[ -d "$p" ] && fail IsADirectory
[ -r "$p" ] || fail PermissionDenied
size=$(wc -c < "$p")
[ "$size" -gt %d ] && fail TooLarge
base64 "$p"
`, shellQuote(target), f.maxSize)

	out, err := f.run(ctx, "read", script, nil)
	if err != nil {
		return nil, err
	}
	content, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(out), ""))
	if err != nil {
		return nil, newError(KindBackendUnavailable, "read", "undecodable file content: %v", err)
	}
	return content, nil
}

// Write replaces the file atomically: content lands in a sibling temp file
// that is renamed over the target only after it is complete.
func (f *shellFiles) Write(ctx context.Context, p string, content []byte) error {
	if int64(len(content)) > f.maxSize {
		return newError(KindTooLarge, "write", "content is %d bytes, limit is %d", len(content), f.maxSize)
	}
	target, err := resolvePath(f.root, p)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(content)

	source := "base64 -d"
	var stdin []byte
	cleanup, stage := "", ""
	if f.stdin {
		stdin = []byte(encoded)
	} else {
		stage = "/tmp/codebox-stage-" + uuid.NewString()
		if err := f.stage(ctx, stage, encoded); err != nil {
			f.discard(ctx, stage)
			return err
		}
		source = "base64 -d < " + shellQuote(stage)
		cleanup = "rm -f " + shellQuote(stage)
	}

	script := fmt.Sprintf(`p=%s
errf=/tmp/codebox-err.$$
[ -d "$p" ] && fail IsADirectory
mkdir -p "$(dirname "$p")" 2>/dev/null || fail PermissionDenied
tmp="$p.codebox-tmp.$$"
if ! { %s > "$tmp"; } 2>"$errf"; then
  rm -f "$tmp"; %s
  if grep -qiE 'space|quota' "$errf"; then rm -f "$errf"; fail QuotaExceeded; fi
  rm -f "$errf"; fail PermissionDenied
fi
rm -f "$errf"; %s
mv -f "$tmp" "$p" || { rm -f "$tmp"; fail PermissionDenied; }
`, shellQuote(target), source, cleanup, cleanup)

	// early exits in the script skip its own cleanup
	if _, err = f.run(ctx, "write", script, stdin); err != nil && stage != "" {
		f.discard(ctx, stage)
	}
	return err
}

// discard removes a staging file. Errors are ignored; the file lives in
// the sandbox's /tmp and goes away with it.
func (f *shellFiles) discard(ctx context.Context, stage string) {
	_, _, _, _ = f.exec(context.WithoutCancel(ctx), "rm -f "+shellQuote(stage)+"\n", nil)
}

func (f *shellFiles) stage(ctx context.Context, stage, encoded string) error {
	size := f.chunkSize
	if size <= 0 {
		size = 48 * 1024
	}
	if encoded == "" {
		_, err := f.run(ctx, "write", ": > "+shellQuote(stage)+"\n", nil)
		return err
	}
	for start := 0; start < len(encoded); start += size {
		end := min(start+size, len(encoded))
		script := fmt.Sprintf("printf %%s %s >> %s || fail QuotaExceeded\n", shellQuote(encoded[start:end]), shellQuote(stage))
		if _, err := f.run(ctx, "write", script, nil); err != nil {
			return err
		}
	}
	return nil
}

func (f *shellFiles) Upload(ctx context.Context, src io.Reader, remotePath string) error {
	content, err := readLimited(src, f.maxSize)
	if err != nil {
		return err
	}
	return f.Write(ctx, remotePath, content)
}

// readLimited reads src fully, failing with TooLarge past limit bytes.
func readLimited(src io.Reader, limit int64) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, wrapError(KindBackendUnavailable, "upload", err)
	}
	if int64(len(content)) > limit {
		return nil, newError(KindTooLarge, "upload", "source exceeds %d bytes", limit)
	}
	return content, nil
}
