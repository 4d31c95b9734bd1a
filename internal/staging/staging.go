// Package staging manages the per-project cache directory where form XML
// and media are written before they are moved to their final location.
// Nothing in the cache directory is ever a final resting place.
package staging

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const hashCacheSize = 4096

// hashKey identifies one version of a file on disk
type hashKey struct {
	path    string
	size    int64
	modTime int64
}

// Area is a staging directory with temp-write and delete-then-move helpers
type Area struct {
	root   string
	logger *slog.Logger
	hashes *lru.Cache[hashKey, string]
}

// New creates the staging area rooted at dir
func New(dir string, logger *slog.Logger) (*Area, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	hashes, err := lru.New[hashKey, string](hashCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create hash cache: %w", err)
	}
	return &Area{root: dir, logger: logger, hashes: hashes}, nil
}

// Root returns the staging directory
func (a *Area) Root() string {
	return a.root
}

// TempDir creates a fresh working directory named after the current time
// in nanoseconds, bumping the name until it does not collide.
func (a *Area) TempDir() (string, error) {
	base := time.Now().UnixNano()
	for i := int64(0); i < 1000; i++ {
		dir := filepath.Join(a.root, "tmp", strconv.FormatInt(base+i, 10))
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to create temp directory: %w", err)
		}
	}
	return "", fmt.Errorf("failed to create temp directory under %s", a.root)
}

// TempFile reserves an empty file in the staging directory and returns its path
func (a *Area) TempFile(pattern string) (string, error) {
	f, err := os.CreateTemp(a.root, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return name, nil
}

// WriteFile writes data to path, creating parent directories
func (a *Area) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Move replaces dst with src. dst is deleted first so the destination never
// holds a partially written file; a rename that crosses filesystems falls
// back to copy and remove.
func (a *Area) Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := a.Copy(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		a.logger.Warn("failed to remove moved file", "path", src, "error", err)
	}
	return nil
}

// Copy copies src to dst through a temporary sibling of dst
func (a *Area) Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", tmpName, err)
	}
	return nil
}

// Purge removes path and everything under it, logging failures
func (a *Area) Purge(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		a.logger.Warn("failed to purge staged files", "path", path, "error", err)
	}
}

// PurgeStale removes working directories left behind by runs that did not
// clean up, such as a process killed mid-download.
func (a *Area) PurgeStale(olderThan time.Duration) int {
	entries, err := os.ReadDir(filepath.Join(a.root, "tmp"))
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		a.Purge(filepath.Join(a.root, "tmp", e.Name()))
		removed++
	}
	if removed > 0 {
		a.logger.Info("purged stale staging directories", "count", removed)
	}
	return removed
}

// MD5 returns the hex md5 of a file. Results are cached by path, size and
// modification time, so a rewritten file is always hashed again.
func (a *Area) MD5(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := hashKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if sum, ok := a.hashes.Get(key); ok {
		return sum, nil
	}

	sum, err := FileMD5(path)
	if err != nil {
		return "", err
	}
	a.hashes.Add(key, sum)
	return sum, nil
}

// FileMD5 computes the hex md5 digest of an entire file
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
