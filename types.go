package wsync

import (
	"fmt"
	"time"

	"github.com/aweris/wsync/internal/reconcile"
	"github.com/aweris/wsync/internal/remote"
	"github.com/aweris/wsync/internal/tree"
)

// Server is the depot a workspace syncs from.
type Server = remote.Server

// File is one file of a stream revision.
type File = tree.File

// SyncOptions describes a sync.
type SyncOptions struct {
	// Stream defaults to the stream recorded by Setup.
	Stream string
	// Revision 0 selects head.
	Revision int64
	// View holds the filter patterns; empty selects everything.
	View []string

	// RemoveUntracked moves files the engine did not place into the store.
	RemoveUntracked bool
	// FakeSync plans the sync without touching the sync directory or
	// fetching content.
	FakeSync bool
	// CacheFile names a shareable record of the target file list. A record
	// matching the stream, revision and view is replayed instead of asking
	// the depot; otherwise the computed list is written there.
	CacheFile string
}

// SyncStatus classifies the outcome of a sync.
type SyncStatus int

const (
	StatusSynced SyncStatus = iota + 1
	StatusPartial
	StatusFailed
	StatusPlanned
)

func (s SyncStatus) String() string {
	switch s {
	case StatusSynced:
		return "synced"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	case StatusPlanned:
		return "planned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// FileFailure is a path a sync could not reconcile.
type FileFailure struct {
	Path string
	Err  error
}

// Counts tallies the file operations of a sync, planned or performed.
type Counts struct {
	Materialized int
	Fetched      int // distinct digests
	FetchedBytes int64
	Reclaimed    int
	Ingested     int
	Adopted      int
	Forgotten    int
	Untracked    int
	Unchanged    int
}

func (c Counts) changed() int {
	return c.Materialized + c.Reclaimed + c.Ingested + c.Adopted + c.Forgotten + c.Untracked
}

// SyncResult reports a sync.
type SyncResult struct {
	Status   SyncStatus
	Stream   string
	Revision int64 // resolved
	Files    int   // size of the target file set

	// Replayed reports that the target came from the cache file.
	Replayed bool

	Counts
	Evicted  int
	Failures []FileFailure
	Duration time.Duration
}

// PopulateRequest names content to warm the store with.
type PopulateRequest struct {
	Stream   string
	Revision int64
	View     []string
}

// PopulateStream reports one populate request.
type PopulateStream struct {
	Stream       string
	Revision     int64
	Files        int
	Fetched      int
	FetchedBytes int64
	Failures     []FileFailure
}

// PopulateResult reports a populate.
type PopulateResult struct {
	Planned bool
	Streams []PopulateStream
}

// PurgeResult reports a purge.
type PurgeResult struct {
	Evicted      int
	EvictedBytes int64
	CacheBytes   int64
}

// RepairResult reports a repair.
type RepairResult struct {
	Verified    int
	Quarantined int
	Adopted     int // blobs found without an index row
	Dropped     int // index rows without a blob
	TempRemoved int

	// Manifest rows dropped because the file is gone or changed.
	Forgotten int
	// Manifest rows whose fingerprint was refreshed after re-hashing.
	Refreshed int
}

// ClearResult reports a clear.
type ClearResult struct {
	Reclaimed int
	Ingested  int
	Failures  []FileFailure
}

// StatusReport describes the workspace footprint.
type StatusReport struct {
	ClientID string
	Stream   string
	Revision int64

	CacheBytes      int64
	CacheEntries    int
	WorkspaceBytes  int64
	ManifestEntries int
}

// StreamRequest selects a stream revision and view for Stats.
type StreamRequest struct {
	Stream   string
	Revision int64
	View     []string
}

// StreamStats is the footprint of one stream revision.
type StreamStats struct {
	Stream   string
	Revision int64
	Files    int
	Bytes    int64

	// Local counts what the workspace already holds, in the store or the
	// sync directory.
	LocalFiles int
	LocalBytes int64
}

// UnshelveResult reports an unshelve.
type UnshelveResult struct {
	ChangeID int64
	Files    int
	Counts
	Failures []FileFailure
}

func countsOf(res *reconcile.Result) Counts {
	return Counts{
		Materialized: res.Materialized,
		Fetched:      res.Fetched,
		FetchedBytes: res.FetchedBytes,
		Reclaimed:    res.Reclaimed,
		Ingested:     res.Ingested,
		Adopted:      res.Adopted,
		Forgotten:    res.Forgotten,
		Untracked:    res.Untracked,
		Unchanged:    res.Unchanged,
	}
}

func plannedCounts(p *reconcile.Plan) Counts {
	return Counts{
		Materialized: p.Count(reconcile.ActionMaterialize) + p.Count(reconcile.ActionFetch),
		Fetched:      len(p.Fetches),
		FetchedBytes: p.FetchBytes(),
		Reclaimed:    p.Count(reconcile.ActionReclaim),
		Ingested:     p.Count(reconcile.ActionIngest),
		Adopted:      p.Count(reconcile.ActionAdopt),
		Forgotten:    p.Count(reconcile.ActionForget),
		Untracked:    p.Count(reconcile.ActionUntrack),
		Unchanged:    p.Unchanged,
	}
}

func failuresOf(res *reconcile.Result) []FileFailure {
	if len(res.Failures) == 0 {
		return nil
	}
	out := make([]FileFailure, len(res.Failures))
	for i, f := range res.Failures {
		out[i] = FileFailure{Path: f.Path, Err: f.Err}
	}
	return out
}
