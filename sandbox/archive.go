package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
)

// DefaultSeedExcludes are skipped when a workspace archive is unpacked
var DefaultSeedExcludes = []string{".git/", "__pycache__/", "*.pyc", ".venv/", "node_modules/"}

// maxSeedBytes bounds the total unpacked size of a workspace archive
const maxSeedBytes = 256 * 1024 * 1024

// seedWorkspace unpacks a tar.gz archive into the sandbox through its Files
// capability. Entries that are not regular files are ignored; entries that
// try to leave the workspace or exceed maxEntry bytes fail the whole seed.
func seedWorkspace(ctx context.Context, files Files, tarData []byte, excludes []string, maxEntry int64) error {
	if excludes == nil {
		excludes = DefaultSeedExcludes
	}
	if maxEntry <= 0 {
		maxEntry = DefaultMaxFileSize
	}

	gzipReader, err := gzip.NewReader(bytes.NewReader(tarData))
	if err != nil {
		return newError(KindInvalidConfig, "seed", "workspace archive is not gzip data: %v", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	var total int64
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return newError(KindInvalidConfig, "seed", "error reading workspace archive: %v", err)
		}

		name, err := archiveEntryName(header.Name)
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg || shouldExcludeFile(name, excludes) {
			continue
		}

		if header.Size > maxEntry {
			return newError(KindTooLarge, "seed", "%s is %d bytes, limit is %d", name, header.Size, maxEntry)
		}
		total += header.Size
		if total > maxSeedBytes {
			return newError(KindQuotaExceeded, "seed", "workspace archive unpacks to more than %d bytes", maxSeedBytes)
		}

		content := make([]byte, header.Size)
		if _, err := io.ReadFull(tarReader, content); err != nil {
			return newError(KindInvalidConfig, "seed", "failed to read %s from archive: %v", name, err)
		}
		if err := files.Write(ctx, name, content); err != nil {
			return fmt.Errorf("failed to seed %s: %w", name, err)
		}
	}
}

// archiveEntryName validates a tar entry name and returns it cleaned and
// relative. Absolute names and names climbing out of the archive root are
// rejected.
func archiveEntryName(name string) (string, error) {
	name = filepath.ToSlash(name)
	if path.IsAbs(name) {
		return "", newError(KindPermissionDenied, "seed", "absolute path not allowed in archive: %s", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", newError(KindPermissionDenied, "seed", "unsafe relative path in archive: %s", name)
	}
	return clean, nil
}

// shouldExcludeFile reports whether relPath matches one of the patterns.
// A pattern ending in "/" matches any directory segment of relPath; any
// other pattern is matched against the base name and the full path.
func shouldExcludeFile(relPath string, patterns []string) bool {
	relPath = filepath.ToSlash(relPath)
	segments := strings.Split(relPath, "/")
	base := segments[len(segments)-1]
	dirs := segments[:len(segments)-1]

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if dirPattern, ok := strings.CutSuffix(pattern, "/"); ok {
			for _, dir := range dirs {
				if matched, err := path.Match(dirPattern, dir); err == nil && matched {
					return true
				}
			}
			continue
		}
		if matched, err := path.Match(pattern, base); err == nil && matched {
			return true
		}
		if matched, err := path.Match(pattern, relPath); err == nil && matched {
			return true
		}
	}
	return false
}
