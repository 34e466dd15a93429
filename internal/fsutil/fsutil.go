// Package fsutil holds the small filesystem primitives shared by the store,
// the manifest and the reconciler.
package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// WriteFile atomically replaces path with data: temp file, fsync, rename.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := SyncClose(tmp); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SyncClose flushes f to stable storage and closes it.
func SyncClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// CopyFile copies src to dst through a temp file in dst's directory, so dst
// is either absent or complete.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := SyncClose(tmp); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// PruneEmptyDirs removes the given directories below root when empty,
// deepest first, then walks up removing parents that became empty. root
// itself is never removed.
func PruneEmptyDirs(root string, dirs []string) (removed int) {
	root = filepath.Clean(root)
	candidates := make(map[string]struct{})
	for _, d := range dirs {
		for d = filepath.Clean(d); isBelow(root, d); d = filepath.Dir(d) {
			candidates[d] = struct{}{}
		}
	}

	ordered := make([]string, 0, len(candidates))
	for d := range candidates {
		ordered = append(ordered, d)
	}
	slices.SortFunc(ordered, func(a, b string) int {
		if c := strings.Count(b, string(filepath.Separator)) - strings.Count(a, string(filepath.Separator)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})

	for _, d := range ordered {
		if err := os.Remove(d); err == nil {
			removed++
		}
	}
	return removed
}

// IsEmptyDir reports whether dir exists and has no entries.
func IsEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func isBelow(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
