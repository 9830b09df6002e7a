package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedWorkspace(t *testing.T) {
	b := newFakeBackend()
	data := buildTarGz(t, map[string]string{
		"./app/main.py":        "print('hello')\n",
		"app/":                 "",
		"app/node_modules/x":   "skip",
		"README.md":            "# demo\n",
		"build/output.pyc":     "skip",
		"deep/a/b/c/d.txt":     "deep",
		".venv/bin/python":     "skip",
		"app/__pycache__/m.py": "skip",
	})

	require.NoError(t, seedWorkspace(context.Background(), b, data, nil, 0))
	assert.Equal(t, []string{"README.md", "app/main.py", "deep/a/b/c/d.txt"}, cleanKeys(b.files))
	assert.Equal(t, "print('hello')\n", string(b.files["app/main.py"]))
}

func TestSeedWorkspaceCustomExcludes(t *testing.T) {
	b := newFakeBackend()
	data := buildTarGz(t, map[string]string{
		"keep.py":        "1",
		"secret.env":     "2",
		".git/config":    "3",
		"logs/today.log": "4",
	})

	require.NoError(t, seedWorkspace(context.Background(), b, data, []string{"*.env", "logs/"}, 0))
	assert.Equal(t, []string{".git/config", "keep.py"}, cleanKeys(b.files))
}

func TestSeedWorkspaceRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{"absolute", "/etc/cron.d/job"},
		{"parent", "../outside.txt"},
		{"nested parent", "a/../../outside.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			data := buildTarGz(t, map[string]string{"ok.txt": "fine", tt.entry: "evil"})
			err := seedWorkspace(context.Background(), b, data, nil, 0)
			assert.ErrorIs(t, err, ErrPermissionDenied)
		})
	}
}

func TestSeedWorkspaceSkipsLinks(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "passwd", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}))
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	b := newFakeBackend()
	require.NoError(t, seedWorkspace(context.Background(), b, buf.Bytes(), nil, 0))
	assert.Empty(t, b.files)
}

func TestSeedWorkspaceRejectsOversizedEntry(t *testing.T) {
	data := buildTarGz(t, map[string]string{
		"small.txt":  "ok",
		"zz/big.bin": strings.Repeat("x", 2048),
	})

	b := newFakeBackend()
	err := seedWorkspace(context.Background(), b, data, nil, 1024)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Contains(t, err.Error(), "zz/big.bin")
	assert.NotContains(t, b.files, "zz/big.bin")

	require.NoError(t, seedWorkspace(context.Background(), newFakeBackend(), data, nil, 4096))
}

func TestSeedWorkspaceInvalidArchive(t *testing.T) {
	err := seedWorkspace(context.Background(), newFakeBackend(), []byte("plain text"), nil, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestShouldExcludeFile(t *testing.T) {
	tests := []struct {
		name     string
		relPath  string
		patterns []string
		expected bool
	}{
		{"no patterns", "main.py", nil, false},
		{"empty pattern", "main.py", []string{""}, false},
		{"exact name", "main.py", []string{"main.py"}, true},
		{"glob on base name", "src/cache.pyc", []string{"*.pyc"}, true},
		{"glob no match", "src/cache.py", []string{"*.pyc"}, false},
		{"full path glob", "src/gen/out.go", []string{"src/gen/*"}, true},
		{"directory pattern at top", ".git/HEAD", []string{".git/"}, true},
		{"directory pattern nested", "a/b/node_modules/pkg/index.js", []string{"node_modules/"}, true},
		{"directory pattern does not match file", "node_modules", []string{"node_modules/"}, false},
		{"directory glob", "tmp-123/file", []string{"tmp-*/"}, true},
		{"similar directory name", "node_modules_backup/x", []string{"node_modules/"}, false},
		{"bad pattern ignored", "file[", []string{"file["}, false},
		{"second pattern matches", "notes.txt", []string{"*.md", "*.txt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shouldExcludeFile(tt.relPath, tt.patterns))
		})
	}
}

func TestArchiveEntryName(t *testing.T) {
	got, err := archiveEntryName("./a//b/../c.txt")
	require.NoError(t, err)
	assert.Equal(t, "a/c.txt", got)

	_, err = archiveEntryName("/abs")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = archiveEntryName("..")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
