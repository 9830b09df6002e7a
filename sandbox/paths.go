package sandbox

import (
	"path"
	"strings"
)

// resolvePath maps a caller-supplied path onto an absolute path under root.
// Empty and "/" mean root. Absolute paths already under root are kept, other
// absolute paths are re-rooted, and anything that climbs above root is
// rejected rather than clamped.
func resolvePath(root, p string) (string, error) {
	root = path.Clean("/" + root)

	rel := p
	if p == root || strings.HasPrefix(p, root+"/") {
		rel = strings.TrimPrefix(p, root)
	}

	depth := 0
	for _, part := range strings.Split(rel, "/") {
		switch part {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", newError(KindPermissionDenied, "resolve", "path %q escapes the sandbox root", p)
			}
		default:
			depth++
		}
	}

	return path.Join(root, rel), nil
}

// relativeTo returns p relative to root for FileEntry paths.
func relativeTo(root, p string) string {
	root = path.Clean("/" + root)
	if p == root {
		return "."
	}
	if root == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(p, root+"/")
}

// shellQuote quotes s for POSIX sh.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
