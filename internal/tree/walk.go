package tree

import (
	"context"
	"errors"
	"slices"

	"github.com/aweris/wsync/internal/filter"
)

// SkipAll stops a Walk early without error when returned by the callback.
var SkipAll = errors.New("skip everything")

// Walk calls fn for every file of snap selected by view, depth first with
// names in byte order inside each directory. Subtrees the view cannot select
// are never looked up. A nil view selects everything.
func Walk(ctx context.Context, snap Snapshot, view *filter.View, fn func(File) error) error {
	if view == nil {
		view = filter.All()
	}
	if !view.MayMatchUnder("") {
		return nil
	}
	err := walk(ctx, snap, snap.Root(), "", view, fn)
	if errors.Is(err, SkipAll) {
		return nil
	}
	return err
}

func walk(ctx context.Context, snap Snapshot, ref Ref, dir string, view *filter.View, fn func(File) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, err := snap.Lookup(ctx, ref)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(t.Files)+len(t.Subtrees))
	for name := range t.Files {
		names = append(names, name)
	}
	for name := range t.Subtrees {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		p := name
		if dir != "" {
			p = dir + "/" + name
		}

		if f, ok := t.Files[name]; ok {
			if !view.Match(p) {
				continue
			}
			f.Path = p
			if err := fn(f); err != nil {
				return err
			}
			continue
		}

		if !view.MayMatchUnder(p) {
			continue
		}
		if err := walk(ctx, snap, t.Subtrees[name], p, view, fn); err != nil {
			return err
		}
	}
	return nil
}

// Files collects the files of snap selected by view, keyed by path.
func Files(ctx context.Context, snap Snapshot, view *filter.View) (map[string]File, error) {
	files := make(map[string]File)
	err := Walk(ctx, snap, view, func(f File) error {
		files[f.Path] = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
