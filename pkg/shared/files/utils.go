package files

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExpandPath resolves paths that include a tilde (~) to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/")), nil
	}
	return path, nil
}

// NormalizePath expands a tilde, makes the path absolute and cleans it.
func NormalizePath(path string) (string, error) {
	expanded, err := ExpandPath(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("failed to expand path %q: %w", path, err)
	}
	if expanded == "" {
		return "", fmt.Errorf("path is empty")
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", expanded, err)
	}
	return filepath.Clean(abs), nil
}

// ValidateReadableDir checks that path is an existing directory whose entries can be listed.
func ValidateReadableDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path stat error: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %q is not a directory", path)
	}
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("path %q is not readable: %w", path, err)
	}
	defer dir.Close()
	if _, err := dir.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("path %q is not readable: %w", path, err)
	}
	return nil
}

// CreateFolderIfNotExists checks if a folder exists, and if not, creates it.
func CreateFolderIfNotExists(folder string) error {
	if _, err := os.Stat(folder); os.IsNotExist(err) {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return fmt.Errorf("unable to create folder %q: %w", folder, err)
		}
	} else if err != nil {
		return fmt.Errorf("unable to check folder %q: %w", folder, err)
	}
	return nil
}

// Exists reports whether something is present at path without following a final symlink.
// A stat error other than "not exist" is returned so callers never mistake
// an unreadable path for an absent one.
func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// IsWithin reports whether target equals root or lies below it.
func IsWithin(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return true
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// DirStats holds the aggregate size and newest modification time of a tree.
type DirStats struct {
	SizeBytes    int64
	LastModified time.Time
	Entries      int
	// Unreadable lists paths below the root that could not be read.
	Unreadable []string
}

// CollectDirStats walks root without following symlinks and sums regular file sizes.
// Unreadable subdirectories are recorded and skipped, the walk continues.
func CollectDirStats(root string) (DirStats, error) {
	var stats DirStats
	info, err := os.Lstat(root)
	if err != nil {
		return stats, err
	}
	stats.LastModified = info.ModTime()
	if !info.IsDir() {
		stats.SizeBytes = info.Size()
		stats.Entries = 1
		return stats, nil
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			stats.Unreadable = append(stats.Unreadable, path)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			stats.Unreadable = append(stats.Unreadable, path)
			return nil
		}
		stats.Entries++
		if fi.ModTime().After(stats.LastModified) {
			stats.LastModified = fi.ModTime()
		}
		if fi.Mode().IsRegular() {
			stats.SizeBytes += fi.Size()
		}
		return nil
	})
	return stats, walkErr
}

// WriteFileAtomic writes data to a temporary file next to path and renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := CreateFolderIfNotExists(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("error writing data to file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("error syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("error closing file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("error setting file mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("error replacing %q: %w", path, err)
	}
	return nil
}

// WriteJsonFile writes already encoded JSON data to outputFile.
func WriteJsonFile(outputFile string, data []byte) error {
	if err := CreateFolderIfNotExists(filepath.Dir(outputFile)); err != nil {
		return err
	}
	file, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed creating file: %w", err)
	}
	defer file.Close()

	datawriter := bufio.NewWriter(file)
	if _, err := datawriter.Write(data); err != nil {
		return fmt.Errorf("error writing data to file: %w", err)
	}
	return datawriter.Flush()
}
