// Package cachefile reads and writes shareable sync records.
//
// A record holds the target file list computed for one (stream, revision,
// view). Machines syncing the same key through a shared location replay the
// record instead of asking the depot for a tree snapshot. Records are zstd
// compressed JSON.
package cachefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/aweris/wsync/internal/compression"
	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/fsutil"
	"github.com/aweris/wsync/internal/tree"
)

const version = 1

// Key identifies what a record was computed for. Revision is always a
// resolved revision, never head.
type Key struct {
	Stream   string   `json:"stream"`
	Revision int64    `json:"revision"`
	View     []string `json:"view,omitempty"`
}

// Equal reports whether k and other describe the same sync target.
func (k Key) Equal(other Key) bool {
	return k.Stream == other.Stream && k.Revision == other.Revision && slices.Equal(k.View, other.View)
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d [%s]", k.Stream, k.Revision, strings.Join(k.View, " "))
}

// Record is a decoded cache file.
type Record struct {
	Version int         `json:"version"`
	Key     Key         `json:"key"`
	Files   []tree.File `json:"files"`
}

// Write stores files under key at path, replacing any previous record.
func Write(path string, key Key, files []tree.File) error {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b tree.File) int { return strings.Compare(a.Path, b.Path) })

	data, err := json.Marshal(Record{Version: version, Key: key, Files: sorted})
	if err != nil {
		return fmt.Errorf("encode cache file: %w", err)
	}

	c, err := compression.NewCompressor(compression.LevelDefault)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := fsutil.WriteFile(path, c.Compress(data)); err != nil {
		return errdefs.IO(fmt.Errorf("write cache file: %w", err))
	}
	return nil
}

// Read decodes the record at path.
func Read(path string) (*Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read cache file %s: %w", path, errdefs.ErrNotFound)
		}
		return nil, errdefs.IO(fmt.Errorf("read cache file: %w", err))
	}

	c, err := compression.NewCompressor(compression.LevelDefault)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	data, err := c.Decompress(raw)
	if err != nil {
		return nil, fmt.Errorf("read cache file %s: %w", path, errors.Join(errdefs.ErrCorrupt, err))
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode cache file %s: %w", path, errors.Join(errdefs.ErrCorrupt, err))
	}
	if r.Version != version {
		return nil, fmt.Errorf("cache file %s: unsupported version %d: %w", path, r.Version, errdefs.ErrCorrupt)
	}
	for _, f := range r.Files {
		if err := tree.ValidatePath(f.Path); err != nil {
			return nil, fmt.Errorf("cache file %s: %w", path, errors.Join(errdefs.ErrCorrupt, err))
		}
		if err := f.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("cache file %s: %s: %w", path, f.Path, errors.Join(errdefs.ErrCorrupt, err))
		}
	}
	return &r, nil
}

// Lookup returns the files recorded at path for key. ok is false when the
// file is missing or was recorded for a different key.
func Lookup(path string, key Key) (files []tree.File, ok bool, err error) {
	r, err := Read(path)
	if errors.Is(err, errdefs.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !r.Key.Equal(key) {
		return nil, false, nil
	}
	return r.Files, true, nil
}
