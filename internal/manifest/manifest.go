// Package manifest records what the sync directory currently contains.
//
// The manifest is the source of truth the reconciler diffs against. Callers
// mutate the filesystem first, then record the outcome with Set or Remove,
// then Save. A row therefore never claims content that is not on disk.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/fsutil"
)

const version = 1

// Entry is one materialized file.
type Entry struct {
	Digest   digest.Digest `json:"digest"`
	Revision int64         `json:"revision"`

	// Size and ModTime fingerprint the file as written. A file whose stat
	// still matches may be trusted to hold Digest without re-hashing.
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`

	// Pending marks content placed from a pending change. Such a row is
	// not part of the committed baseline: it does not pin its digest and
	// the next sync moves the file into the store.
	Pending bool `json:"pending,omitempty"`
}

// Matches reports whether info still carries the entry's fingerprint.
func (e Entry) Matches(info fs.FileInfo) bool {
	return info.Mode().IsRegular() && info.Size() == e.Size && info.ModTime().Equal(e.ModTime)
}

// Header is the committed baseline of the workspace.
type Header struct {
	ClientID string `json:"clientId"`
	Stream   string `json:"stream"`
	Revision int64  `json:"revision"`
}

type file struct {
	Version int `json:"version"`
	Header
	Files map[string]Entry `json:"files"`
}

// Manifest maps sync-directory relative paths to their content. It is safe
// for concurrent use.
type Manifest struct {
	path string

	mu      sync.RWMutex
	header  Header
	entries map[string]Entry
	refs    map[digest.Digest]int
	size    int64
	dirty   bool
}

// New returns an empty manifest that saves to path.
func New(path string) *Manifest {
	return &Manifest{
		path:    path,
		entries: make(map[string]Entry),
		refs:    make(map[digest.Digest]int),
	}
}

// Load reads the manifest at path. A missing file yields an empty manifest.
func Load(path string) (*Manifest, error) {
	m := New(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, errdefs.IO(fmt.Errorf("read manifest: %w", err))
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, errors.Join(errdefs.ErrCorrupt, err))
	}
	if f.Version != version {
		return nil, fmt.Errorf("unsupported manifest version %d", f.Version)
	}

	m.header = f.Header
	for p, e := range f.Files {
		m.setLocked(p, e)
	}
	m.dirty = false
	return m, nil
}

// Save writes the manifest atomically if it changed since the last save.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}

	data, err := json.MarshalIndent(file{Version: version, Header: m.header, Files: m.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := fsutil.WriteFile(m.path, data); err != nil {
		return errdefs.IO(fmt.Errorf("write manifest: %w", err))
	}
	m.dirty = false
	return nil
}

// Path returns where the manifest is saved.
func (m *Manifest) Path() string { return m.path }

// Get returns the entry for path.
func (m *Manifest) Get(path string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[path]
	return e, ok
}

// Set records that path holds e.
func (m *Manifest) Set(path string, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(path, e)
}

func (m *Manifest) setLocked(path string, e Entry) {
	m.removeLocked(path)
	m.entries[path] = e
	if !e.Pending {
		m.refs[e.Digest]++
	}
	m.size += e.Size
	m.dirty = true
}

// Remove forgets path. It reports whether an entry existed.
func (m *Manifest) Remove(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(path)
}

func (m *Manifest) removeLocked(path string) bool {
	old, ok := m.entries[path]
	if !ok {
		return false
	}
	delete(m.entries, path)
	if !old.Pending {
		if m.refs[old.Digest]--; m.refs[old.Digest] <= 0 {
			delete(m.refs, old.Digest)
		}
	}
	m.size -= old.Size
	m.dirty = true
	return true
}

// Entries yields a point-in-time copy of all rows in path order.
func (m *Manifest) Entries() iter.Seq2[string, Entry] {
	m.mu.RLock()
	paths := make([]string, 0, len(m.entries))
	for p := range m.entries {
		paths = append(paths, p)
	}
	rows := make(map[string]Entry, len(m.entries))
	for p, e := range m.entries {
		rows[p] = e
	}
	m.mu.RUnlock()
	slices.Sort(paths)

	return func(yield func(string, Entry) bool) {
		for _, p := range paths {
			if !yield(p, rows[p]) {
				return
			}
		}
	}
}

// Len returns the number of rows.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Size returns the total bytes recorded.
func (m *Manifest) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Referenced reports whether any baseline row holds d.
func (m *Manifest) Referenced(d digest.Digest) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[d] > 0
}

// Header returns the committed baseline.
func (m *Manifest) Header() Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.header
}

// SetClient records the client registration.
func (m *Manifest) SetClient(clientID, stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header.ClientID = clientID
	m.header.Stream = stream
	m.dirty = true
}

// SetBaseline records the last fully applied stream revision.
func (m *Manifest) SetBaseline(stream string, revision int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.header.Stream = stream
	m.header.Revision = revision
	m.dirty = true
}

// Dirty reports whether there are unsaved changes.
func (m *Manifest) Dirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}
