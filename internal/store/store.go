// Package store implements the local content store: file blobs keyed by
// digest, with size-bounded eviction and integrity checking.
//
// Storage layout:
//
//	<dir>/
//	  blobs/sha256/ab/cd123...  (content-addressed blobs)
//	  tmp/                      (in-flight writes)
//	  quarantine/               (blobs that failed verification)
//	  index.json                (digest -> size, last access)
//
// Blobs move in and out of the store: materializing a blob renames it into
// the working directory and drops it from the accounting, reclaiming a file
// renames it back. The index is rebuilt from a disk walk when missing.
package store

import (
	"context"
	_ "crypto/sha256" // registers digest.SHA256
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/fsutil"
)

const (
	blobsDir      = "blobs"
	tmpDir        = "tmp"
	quarantineDir = "quarantine"
	indexFile     = "index.json"
	indexVersion  = 1
)

// Entry describes one resident blob.
type Entry struct {
	Digest     digest.Digest `json:"digest"`
	Size       int64         `json:"size"`
	LastAccess time.Time     `json:"lastAccess"`
}

// Store is a digest-keyed blob store rooted at a directory. It is safe for
// concurrent use; writes of the same digest are collapsed.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[digest.Digest]*Entry
	size    int64
	dirty   bool

	puts singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the clock used for access times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the store at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:     dir,
		logger:  zap.NewNop(),
		now:     time.Now,
		entries: make(map[digest.Digest]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, d := range []string{s.algorithmDir(), filepath.Join(dir, tmpDir), filepath.Join(dir, quarantineDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errdefs.IO(fmt.Errorf("create directory %s: %w", d, err))
		}
	}

	if err := s.loadIndex(); err != nil {
		s.logger.Warn("rebuilding store index", zap.Error(err))
		if err := s.rebuildIndex(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// Path returns where the blob for d lives. Sharded by the first two hex
// characters of the encoded digest.
func (s *Store) Path(d digest.Digest) string {
	hex := d.Encoded()
	if len(hex) < 3 {
		return filepath.Join(s.dir, blobsDir, d.Algorithm().String(), hex)
	}
	return filepath.Join(s.dir, blobsDir, d.Algorithm().String(), hex[:2], hex[2:])
}

func (s *Store) algorithmDir() string {
	return filepath.Join(s.dir, blobsDir, digest.Canonical.String())
}

// Has reports whether d is resident.
func (s *Store) Has(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[d]
	return ok
}

// Get returns the entry for d.
func (s *Store) Get(d digest.Digest) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Size returns the total bytes resident.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Len returns the number of resident blobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries returns all entries ordered by digest.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(string(a.Digest), string(b.Digest)) })
	return out
}

// Put streams r into the store under d, verifying the content while
// writing. An already resident digest makes Put a no-op. Concurrent Puts of
// the same digest share one write; later callers observe its result. A
// failure reading r is tagged errdefs.ErrNetwork, a failure writing the blob
// errdefs.ErrIO.
func (s *Store) Put(ctx context.Context, d digest.Digest, r io.Reader) (Entry, error) {
	if err := d.Validate(); err != nil {
		return Entry{}, fmt.Errorf("put %s: %w", d, err)
	}
	if e, ok := s.touch(d); ok {
		return e, nil
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	v, err, _ := s.puts.Do(d.String(), func() (any, error) {
		if e, ok := s.touch(d); ok {
			return e, nil
		}

		tmp, err := s.createTemp()
		if err != nil {
			return Entry{}, err
		}
		defer os.Remove(tmp.Name())

		verifier := d.Verifier()
		src := &sourceReader{r: r}
		n, err := io.Copy(io.MultiWriter(tmp, verifier), src)
		if err != nil {
			tmp.Close()
			if src.err == nil {
				return Entry{}, errdefs.IO(fmt.Errorf("write blob %s: %w", d, err))
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Entry{}, ctxErr
			}
			return Entry{}, errdefs.Network(fmt.Errorf("read blob %s: %w", d, err))
		}
		if err := fsutil.SyncClose(tmp); err != nil {
			return Entry{}, errdefs.IO(fmt.Errorf("write blob %s: %w", d, err))
		}
		if !verifier.Verified() {
			return Entry{}, fmt.Errorf("put %s: content does not match: %w", d, errdefs.ErrCorrupt)
		}

		if err := s.install(tmp.Name(), d); err != nil {
			return Entry{}, err
		}
		return s.add(d, n), nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// sourceReader remembers the error of the reader it wraps.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// Materialize moves the blob for d to dst and drops it from the store.
// When the rename crosses devices the blob is copied instead and stays
// resident; moved reports which happened.
func (s *Store) Materialize(d digest.Digest, dst string) (moved bool, err error) {
	if !s.Has(d) {
		return false, fmt.Errorf("materialize %s: %w", d, errdefs.ErrNotFound)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, errdefs.IO(fmt.Errorf("materialize %s: %w", d, err))
	}

	err = os.Rename(s.Path(d), dst)
	switch {
	case err == nil:
		s.drop(d)
		return true, nil
	case isCrossDevice(err):
		if err := fsutil.CopyFile(s.Path(d), dst); err != nil {
			return false, errdefs.IO(fmt.Errorf("materialize %s: %w", d, err))
		}
		s.touch(d)
		return false, nil
	case errors.Is(err, fs.ErrNotExist):
		s.drop(d)
		return false, fmt.Errorf("materialize %s: blob missing: %w", d, errdefs.ErrNotFound)
	default:
		return false, errdefs.IO(fmt.Errorf("materialize %s: %w", d, err))
	}
}

// CopyOut copies the blob for d to dst, leaving it resident.
func (s *Store) CopyOut(d digest.Digest, dst string) error {
	if !s.Has(d) {
		return fmt.Errorf("copy %s: %w", d, errdefs.ErrNotFound)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errdefs.IO(fmt.Errorf("copy %s: %w", d, err))
	}
	if err := fsutil.CopyFile(s.Path(d), dst); err != nil {
		return errdefs.IO(fmt.Errorf("copy %s: %w", d, err))
	}
	s.touch(d)
	return nil
}

// Reclaim moves src into the store under d. Unless trusted, src is re-hashed
// first and left in place on mismatch. If d is already resident, src is
// removed instead.
func (s *Store) Reclaim(src string, d digest.Digest, trusted bool) (Entry, error) {
	info, err := os.Stat(src)
	if err != nil {
		return Entry{}, errdefs.IO(fmt.Errorf("reclaim %s: %w", src, err))
	}
	if !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("reclaim %s: not a regular file", src)
	}

	if !trusted {
		got, _, err := HashFile(src)
		if err != nil {
			return Entry{}, err
		}
		if got != d {
			return Entry{}, fmt.Errorf("reclaim %s: want %s, got %s: %w", src, d, got, errdefs.ErrCorrupt)
		}
	}

	if e, ok := s.touch(d); ok {
		if err := os.Remove(src); err != nil {
			return Entry{}, errdefs.IO(fmt.Errorf("reclaim %s: %w", src, err))
		}
		return e, nil
	}

	if err := s.install(src, d); err != nil {
		if !isCrossDevice(err) {
			return Entry{}, err
		}
		tmp, err := s.createTemp()
		if err != nil {
			return Entry{}, err
		}
		tmp.Close()
		if err := fsutil.CopyFile(src, tmp.Name()); err != nil {
			os.Remove(tmp.Name())
			return Entry{}, errdefs.IO(fmt.Errorf("reclaim %s: %w", src, err))
		}
		if err := s.install(tmp.Name(), d); err != nil {
			os.Remove(tmp.Name())
			return Entry{}, err
		}
		if err := os.Remove(src); err != nil {
			s.logger.Warn("reclaimed file not removed", zap.String("path", src), zap.Error(err))
		}
	}
	return s.add(d, info.Size()), nil
}

// Ingest hashes src and moves it into the store.
func (s *Store) Ingest(src string) (Entry, error) {
	d, _, err := HashFile(src)
	if err != nil {
		return Entry{}, err
	}
	return s.Reclaim(src, d, true)
}

// Purge evicts blobs in ascending last access order, ties broken by digest,
// until the store holds at most target bytes. Digests for which referenced
// returns true are never evicted. If the target cannot be met it returns
// ErrInsufficientSpace after evicting everything it could.
func (s *Store) Purge(target int64, referenced func(digest.Digest) bool) (evicted []Entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if referenced != nil && referenced(e.Digest) {
			continue
		}
		candidates = append(candidates, *e)
	}
	slices.SortFunc(candidates, func(a, b Entry) int {
		if c := a.LastAccess.Compare(b.LastAccess); c != 0 {
			return c
		}
		return strings.Compare(string(a.Digest), string(b.Digest))
	})

	for _, e := range candidates {
		if s.size <= target {
			break
		}
		if err := os.Remove(s.Path(e.Digest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return evicted, errdefs.IO(fmt.Errorf("evict %s: %w", e.Digest, err))
		}
		s.dropLocked(e.Digest)
		evicted = append(evicted, e)
		s.logger.Debug("evicted blob", zap.String("digest", e.Digest.String()), zap.Int64("size", e.Size))
	}

	if s.size > target {
		return evicted, fmt.Errorf("purge to %d bytes: %d bytes referenced: %w", target, s.size, errdefs.ErrInsufficientSpace)
	}
	return evicted, nil
}

// Flush persists the index if it changed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	idx := index{Version: indexVersion, Entries: make([]Entry, 0, len(s.entries))}
	for _, e := range s.entries {
		idx.Entries = append(idx.Entries, *e)
	}
	slices.SortFunc(idx.Entries, func(a, b Entry) int { return strings.Compare(string(a.Digest), string(b.Digest)) })

	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode store index: %w", err)
	}
	if err := fsutil.WriteFile(filepath.Join(s.dir, indexFile), data); err != nil {
		return errdefs.IO(fmt.Errorf("write store index: %w", err))
	}
	s.dirty = false
	return nil
}

// Close flushes the index.
func (s *Store) Close() error {
	return s.Flush()
}

func (s *Store) touch(d digest.Digest) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok {
		return Entry{}, false
	}
	e.LastAccess = s.now()
	s.dirty = true
	return *e, true
}

func (s *Store) add(d digest.Digest, size int64) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[d]; ok {
		s.size -= e.Size
	}
	e := &Entry{Digest: d, Size: size, LastAccess: s.now()}
	s.entries[d] = e
	s.size += size
	s.dirty = true
	return *e
}

func (s *Store) drop(d digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(d)
}

func (s *Store) dropLocked(d digest.Digest) {
	if e, ok := s.entries[d]; ok {
		s.size -= e.Size
		delete(s.entries, d)
		s.dirty = true
	}
}

// install renames src to the blob path of d.
func (s *Store) install(src string, d digest.Digest) error {
	dst := s.Path(d)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errdefs.IO(fmt.Errorf("install %s: %w", d, err))
	}
	if err := os.Rename(src, dst); err != nil {
		return errdefs.IO(fmt.Errorf("install %s: %w", d, err))
	}
	return nil
}

func (s *Store) createTemp() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(s.dir, tmpDir), "put-*")
	if err != nil {
		return nil, errdefs.IO(fmt.Errorf("create temp blob: %w", err))
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errdefs.IO(fmt.Errorf("create temp blob: %w", err))
	}
	return f, nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
