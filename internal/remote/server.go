// Package remote defines the depot the workspace synchronizes from and
// ships two implementations: an in-process depot and an OCI registry depot.
package remote

import (
	"context"
	"io"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/wsync/internal/filter"
	"github.com/aweris/wsync/internal/tree"
)

// Server is the version-control depot. Implementations tag failures with the
// errdefs classes so callers can decide what to retry.
type Server interface {
	// CreateClient registers clientID for stream. Registering an existing
	// client updates its stream.
	CreateClient(ctx context.Context, clientID, stream string) error

	// Snapshot returns the tree of stream at revision and the resolved
	// revision. Revision 0 selects head. The view is advisory: the returned
	// snapshot may contain more than the view selects.
	Snapshot(ctx context.Context, stream string, revision int64, view *filter.View) (tree.Snapshot, int64, error)

	// Fetch returns the content of f.
	Fetch(ctx context.Context, stream string, f tree.File) (io.ReadCloser, error)

	// HaveLedger returns the per-path revisions the depot believes the
	// client has.
	HaveLedger(ctx context.Context, clientID string) (map[string]int64, error)

	// SetHaveLedger replaces the client's ledger.
	SetHaveLedger(ctx context.Context, clientID string, ledger map[string]int64) error

	// PendingChange describes a shelved, uncommitted change.
	PendingChange(ctx context.Context, changeID int64) (*Change, error)

	// FetchPending returns the content of a file of a pending change.
	FetchPending(ctx context.Context, changeID int64, f tree.File) (io.ReadCloser, error)

	// RevertOpenFiles discards the client's pending edits.
	RevertOpenFiles(ctx context.Context, clientID string) error
}

// Publisher creates depot content. Both depots implement it.
type Publisher interface {
	// Publish records files, keyed by path, as the next revision of stream
	// and returns that revision. Paths absent from files are deleted.
	Publish(ctx context.Context, stream string, files map[string][]byte) (int64, error)

	// Shelve stores files as a pending change opened by clientID.
	Shelve(ctx context.Context, clientID, stream, description string, files map[string][]byte) (int64, error)
}

// Change is a pending change. File revisions are zero.
type Change struct {
	ID          int64       `json:"id"`
	ClientID    string      `json:"clientId"`
	Stream      string      `json:"stream"`
	Description string      `json:"description,omitempty"`
	Files       []tree.File `json:"files"`
}

// buildRevision assigns revisions to files: a path whose content is
// unchanged since prev keeps its revision, everything else gets rev.
func buildRevision(prev map[string]tree.File, files map[string][]byte, rev int64) (*tree.MemorySnapshot, map[digest.Digest][]byte, error) {
	b := tree.NewBuilder()
	blobs := make(map[digest.Digest][]byte, len(files))
	for _, p := range slices.Sorted(maps.Keys(files)) {
		content := files[p]
		d := digest.FromBytes(content)
		f := tree.File{Path: p, Length: int64(len(content)), Digest: d, Revision: rev}
		if old, ok := prev[p]; ok && old.Digest == d {
			f.Revision = old.Revision
		}
		if err := b.AddFile(f); err != nil {
			return nil, nil, err
		}
		blobs[d] = content
	}
	snap, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	return snap, blobs, nil
}

// pendingFiles describes files as a pending change.
func pendingFiles(files map[string][]byte) ([]tree.File, map[digest.Digest][]byte, error) {
	out := make([]tree.File, 0, len(files))
	blobs := make(map[digest.Digest][]byte, len(files))
	for _, p := range slices.Sorted(maps.Keys(files)) {
		if err := tree.ValidatePath(p); err != nil {
			return nil, nil, err
		}
		d := digest.FromBytes(files[p])
		out = append(out, tree.File{Path: p, Length: int64(len(files[p])), Digest: d})
		blobs[d] = files[p]
	}
	return out, blobs, nil
}
