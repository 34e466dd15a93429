package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/wsync/internal/manifest"
	"github.com/aweris/wsync/internal/store"
	"github.com/aweris/wsync/internal/tree"
)

// Input is what Diff compares.
type Input struct {
	// Root is the sync directory.
	Root string

	Stream   string
	Revision int64

	// Files is the target file set.
	Files []tree.File

	Manifest *manifest.Manifest
	Store    *store.Store

	// RemoveUntracked moves untracked files outside the target into the
	// store. Otherwise they are left in place.
	RemoveUntracked bool
}

type differ struct {
	in       Input
	plan     *Plan
	produced map[digest.Digest]bool
	wanted   map[digest.Digest]bool
	places   []tree.File

	// dirs holds every directory the target needs.
	dirs    map[string]bool
	removed map[string]bool
}

// Diff plans the operations that turn the sync directory into in.Files.
//
// For a tracked path:
//   - content intact and in the target with the same digest: nothing, or
//     adopt when the revision or the stat fingerprint changed;
//   - not wanted: reclaim into the store when RemoveUntracked, otherwise
//     untrack and leave the file in place. Rows placed by a pending change
//     are always reclaimed;
//   - edited on disk: ingest the edit, then place the target;
//   - missing on disk: forget the row, then place the target.
//
// For an untracked path:
//   - at a target path: adopt when the content already matches, otherwise
//     ingest it and place the target;
//   - elsewhere: ingest when RemoveUntracked, else leave it.
//
// A file standing where the target needs a directory is always moved into
// the store.
//
// Target content is materialized when resident or produced by a removal of
// the same plan and fetched otherwise, once per digest.
func Diff(ctx context.Context, in Input) (*Plan, error) {
	return diff(ctx, in, false)
}

func diff(ctx context.Context, in Input, pending bool) (*Plan, error) {
	d := &differ{
		in:       in,
		plan:     &Plan{Stream: in.Stream, Revision: in.Revision, Pending: pending},
		produced: make(map[digest.Digest]bool),
		wanted:   make(map[digest.Digest]bool),
		dirs:     make(map[string]bool),
		removed:  make(map[string]bool),
	}

	target := make(map[string]tree.File, len(in.Files))
	for _, f := range in.Files {
		if err := tree.ValidatePath(f.Path); err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		if _, dup := target[f.Path]; dup {
			return nil, fmt.Errorf("target: duplicate path %s", f.Path)
		}
		target[f.Path] = f
		for dir := path.Dir(f.Path); dir != "."; dir = path.Dir(dir) {
			d.dirs[dir] = true
		}
	}
	for dir := range d.dirs {
		if _, ok := target[dir]; ok {
			return nil, fmt.Errorf("target: %s is both a file and a directory", dir)
		}
	}
	d.plan.Target = slices.SortedFunc(maps.Values(target), byPath)

	for p, row := range in.Manifest.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, wanted := target[p]
		if pending && !wanted && !d.dirs[p] {
			continue
		}
		if err := d.tracked(p, row, f, wanted); err != nil {
			return nil, err
		}
	}

	for _, f := range d.plan.Target {
		if _, tracked := in.Manifest.Get(f.Path); tracked {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.untracked(f); err != nil {
			return nil, err
		}
	}

	if err := d.blockers(); err != nil {
		return nil, err
	}

	if in.RemoveUntracked && !pending {
		if err := d.scanUntracked(ctx, target); err != nil {
			return nil, err
		}
	}

	d.place()
	return d.plan, nil
}

func (d *differ) tracked(p string, row manifest.Entry, f tree.File, wanted bool) error {
	info, err := os.Lstat(d.abs(p))
	if isMissing(err) || (err == nil && !info.Mode().IsRegular()) {
		d.remove(Op{Action: ActionForget, Path: p, Tracked: true})
		if wanted {
			d.places = append(d.places, f)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect %s: %w", p, err)
	}
	if !wanted && !d.in.RemoveUntracked && !d.dirs[p] && !row.Pending {
		d.remove(Op{Action: ActionUntrack, Path: p, Tracked: true})
		return nil
	}

	got, rehashed := row.Digest, false
	if !row.Matches(info) {
		if got, _, err = store.HashFile(d.abs(p)); err != nil {
			return err
		}
		rehashed = true
	}

	switch {
	case got != row.Digest && wanted && got == f.Digest:
		d.adopt(f)
	case got != row.Digest:
		d.remove(Op{Action: ActionIngest, Path: p, Digest: got, Tracked: true})
		if wanted {
			d.places = append(d.places, f)
		}
	case !wanted:
		d.remove(Op{Action: ActionReclaim, Path: p, Digest: row.Digest, Tracked: true})
	case row.Digest != f.Digest:
		d.remove(Op{Action: ActionReclaim, Path: p, Digest: row.Digest, Tracked: true})
		d.places = append(d.places, f)
	case d.plan.Pending:
		d.plan.Unchanged++
	case rehashed || row.Revision != f.Revision || row.Pending:
		d.adopt(f)
	default:
		d.plan.Unchanged++
	}
	return nil
}

func (d *differ) untracked(f tree.File) error {
	info, err := os.Lstat(d.abs(f.Path))
	switch {
	case isMissing(err):
		d.places = append(d.places, f)
		return nil
	case err != nil:
		return fmt.Errorf("inspect %s: %w", f.Path, err)
	case !info.Mode().IsRegular():
		// Placement reports the conflict.
		d.places = append(d.places, f)
		return nil
	}

	got, _, err := store.HashFile(d.abs(f.Path))
	if err != nil {
		return err
	}
	if got == f.Digest {
		d.adopt(f)
		return nil
	}
	d.remove(Op{Action: ActionIngest, Path: f.Path, Digest: got})
	d.places = append(d.places, f)
	return nil
}

// blockers moves aside untracked files where the target needs a directory.
func (d *differ) blockers() error {
	for _, dir := range slices.Sorted(maps.Keys(d.dirs)) {
		if d.removed[dir] {
			continue
		}
		if _, tracked := d.in.Manifest.Get(dir); tracked {
			continue
		}
		info, err := os.Lstat(d.abs(dir))
		if isMissing(err) || (err == nil && !info.Mode().IsRegular()) {
			continue
		}
		if err != nil {
			return fmt.Errorf("inspect %s: %w", dir, err)
		}
		got, _, err := store.HashFile(d.abs(dir))
		if err != nil {
			return err
		}
		d.remove(Op{Action: ActionIngest, Path: dir, Digest: got})
	}
	return nil
}

func (d *differ) scanUntracked(ctx context.Context, target map[string]tree.File) error {
	return filepath.WalkDir(d.in.Root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.in.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := target[rel]; ok {
			return nil
		}
		if _, ok := d.in.Manifest.Get(rel); ok || d.removed[rel] {
			return nil
		}

		got, _, err := store.HashFile(path)
		if err != nil {
			return err
		}
		d.remove(Op{Action: ActionIngest, Path: rel, Digest: got})
		return nil
	})
}

func (d *differ) remove(op Op) {
	d.plan.Removals = append(d.plan.Removals, op)
	d.removed[op.Path] = true
	if op.Digest != "" {
		d.produced[op.Digest] = true
	}
}

func (d *differ) adopt(f tree.File) {
	d.plan.Adopts = append(d.plan.Adopts, Op{Action: ActionAdopt, Path: f.Path, File: f})
}

func (d *differ) place() {
	slices.SortFunc(d.places, byPath)
	for _, f := range d.places {
		action := ActionMaterialize
		if !d.in.Store.Has(f.Digest) && !d.produced[f.Digest] {
			action = ActionFetch
			if !d.wanted[f.Digest] {
				d.wanted[f.Digest] = true
				d.plan.Fetches = append(d.plan.Fetches, f)
			}
		}
		d.plan.Places = append(d.plan.Places, Op{Action: action, Path: f.Path, File: f})
	}
}

func (d *differ) abs(p string) string {
	return filepath.Join(d.in.Root, filepath.FromSlash(p))
}

func byPath(a, b tree.File) int { return strings.Compare(a.Path, b.Path) }

// isMissing also covers a path below a regular file.
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
