package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name     string
		root     string
		path     string
		expected string
		denied   bool
	}{
		{"empty is root", "/home/sandbox/workspace", "", "/home/sandbox/workspace", false},
		{"dot is root", "/home/sandbox/workspace", ".", "/home/sandbox/workspace", false},
		{"slash is root", "/home/sandbox/workspace", "/", "/home/sandbox/workspace", false},
		{"relative", "/home/sandbox/workspace", "src/main.py", "/home/sandbox/workspace/src/main.py", false},
		{"absolute inside root", "/home/user", "/home/user/data.csv", "/home/user/data.csv", false},
		{"absolute outside root is re-rooted", "/home/user", "/etc/passwd", "/home/user/etc/passwd", false},
		{"inner dotdot", "/w", "a/b/../c.txt", "/w/a/c.txt", false},
		{"dotdot back to root", "/w", "a/..", "/w", false},
		{"escape", "/w", "../secret", "", true},
		{"deep escape", "/w", "a/../../secret", "", true},
		{"absolute escape", "/w", "/w/../etc", "", true},
		{"root prefix is not root", "/w", "/work/file", "/w/work/file", false},
		{"unclean root", "w/", "x", "/w/x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePath(tt.root, tt.path)
			if tt.denied {
				assert.ErrorIs(t, err, ErrPermissionDenied)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRelativeTo(t *testing.T) {
	assert.Equal(t, ".", relativeTo("/w", "/w"))
	assert.Equal(t, "a/b.txt", relativeTo("/w", "/w/a/b.txt"))
	assert.Equal(t, "b.txt", relativeTo("/", "/b.txt"))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "''", shellQuote(""))
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
	assert.Equal(t, "'$(rm -rf /)'", shellQuote("$(rm -rf /)"))
}
