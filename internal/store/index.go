package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/aweris/wsync/internal/errdefs"
)

type index struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// RepairReport summarizes a Repair pass.
type RepairReport struct {
	Verified    int
	Quarantined []digest.Digest
	Adopted     int
	Dropped     int
	TempRemoved int
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		return err
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("decode store index: %w", err)
	}
	if idx.Version != indexVersion {
		return fmt.Errorf("unsupported store index version %d", idx.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range idx.Entries {
		if e.Digest.Validate() != nil {
			continue
		}
		entry := e
		s.entries[e.Digest] = &entry
		s.size += e.Size
	}
	return nil
}

// rebuildIndex recreates the accounting from the blobs on disk, trusting
// file names. Repair is the operation that re-hashes.
func (s *Store) rebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[digest.Digest]*Entry)
	s.size = 0
	err := s.walkBlobs(func(d digest.Digest, path string, info fs.FileInfo) error {
		if d == "" {
			return nil
		}
		s.entries[d] = &Entry{Digest: d, Size: info.Size(), LastAccess: info.ModTime()}
		s.size += info.Size()
		return nil
	})
	if err != nil {
		return errdefs.IO(fmt.Errorf("rebuild store index: %w", err))
	}
	s.dirty = true
	return nil
}

// walkBlobs calls fn for every file under the blob directory. d is empty for
// files whose name is not a valid digest.
func (s *Store) walkBlobs(fn func(d digest.Digest, path string, info fs.FileInfo) error) error {
	root := filepath.Join(s.dir, blobsDir)
	return filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		return fn(s.digestOf(root, path), path, info)
	})
}

func (s *Store) digestOf(root, path string) digest.Digest {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return ""
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(parts[0]), parts[1]+parts[2])
	if d.Validate() != nil || s.Path(d) != path {
		return ""
	}
	return d
}

// Repair re-hashes every blob. Blobs whose content does not match their name
// are moved to the quarantine directory and dropped, index rows without a
// blob are dropped, blobs without a row are adopted, and leftover temp files
// are removed.
func (s *Store) Repair(ctx context.Context) (*RepairReport, error) {
	report := &RepairReport{}
	seen := make(map[digest.Digest]bool)

	err := s.walkBlobs(func(d digest.Digest, path string, info fs.FileInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if d != "" {
			got, _, err := HashFile(path)
			if err != nil {
				return err
			}
			if got == d {
				report.Verified++
				seen[d] = true
				s.mu.Lock()
				if _, ok := s.entries[d]; !ok {
					s.entries[d] = &Entry{Digest: d, Size: info.Size(), LastAccess: info.ModTime()}
					s.size += info.Size()
					s.dirty = true
					report.Adopted++
				} else if e := s.entries[d]; e.Size != info.Size() {
					s.size += info.Size() - e.Size
					e.Size = info.Size()
					s.dirty = true
				}
				s.mu.Unlock()
				return nil
			}
		}

		if err := s.quarantine(path); err != nil {
			return err
		}
		if d != "" {
			s.drop(d)
			report.Quarantined = append(report.Quarantined, d)
		}
		s.logger.Warn("quarantined blob", zap.String("path", path), zap.String("digest", d.String()))
		return nil
	})
	if err != nil {
		return report, errdefs.IO(fmt.Errorf("repair store: %w", err))
	}

	s.mu.Lock()
	for d := range s.entries {
		if !seen[d] {
			s.dropLocked(d)
			report.Dropped++
		}
	}
	s.mu.Unlock()

	tmps, err := os.ReadDir(filepath.Join(s.dir, tmpDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return report, errdefs.IO(fmt.Errorf("repair store: %w", err))
	}
	for _, de := range tmps {
		if err := os.RemoveAll(filepath.Join(s.dir, tmpDir, de.Name())); err == nil {
			report.TempRemoved++
		}
	}

	return report, s.Flush()
}

func (s *Store) quarantine(path string) error {
	dst := filepath.Join(s.dir, quarantineDir, fmt.Sprintf("%s-%d", filepath.Base(path), s.now().UnixNano()))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("quarantine %s: %w", path, err)
	}
	return nil
}

// HashFile returns the canonical digest and size of the file at path.
func HashFile(path string) (digest.Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errdefs.IO(fmt.Errorf("hash %s: %w", path, err))
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return "", 0, errdefs.IO(fmt.Errorf("hash %s: %w", path, err))
	}
	return digester.Digest(), n, nil
}
