// Package reconcile turns the workspace manifest into a target file set.
//
// Diff compares the target against the manifest and the sync directory and
// produces a Plan; Apply executes it in phases: reclaim, fetch, materialize,
// prune. Every completed file operation is recorded in the manifest right
// away, so an interrupted Apply leaves a manifest that matches the disk.
package reconcile

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/wsync/internal/manifest"
	"github.com/aweris/wsync/internal/tree"
)

// Action is a single file operation.
type Action int

const (
	// ActionMaterialize places target content from the store.
	ActionMaterialize Action = iota + 1
	// ActionFetch places target content that has to be fetched first.
	ActionFetch
	// ActionReclaim moves a tracked file into the store.
	ActionReclaim
	// ActionIngest hashes and moves an edited or untracked file into the
	// store.
	ActionIngest
	// ActionForget drops the row of a tracked file that is gone from disk.
	ActionForget
	// ActionAdopt records a file already on disk with the right content.
	ActionAdopt
	// ActionUntrack drops the row of a tracked file and leaves the file on
	// disk.
	ActionUntrack
)

var actionNames = map[Action]string{
	ActionMaterialize: "materialize",
	ActionFetch:       "fetch",
	ActionReclaim:     "reclaim",
	ActionIngest:      "ingest",
	ActionForget:      "forget",
	ActionAdopt:       "adopt",
	ActionUntrack:     "untrack",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Op is one planned operation on a sync-directory relative path.
type Op struct {
	Action Action
	Path   string

	// File is the target content for materialize, fetch and adopt.
	File tree.File

	// Digest is the content being moved into the store by reclaim and
	// ingest.
	Digest digest.Digest

	// Tracked reports that the path has a manifest row to drop.
	Tracked bool
}

// Plan is the outcome of Diff.
type Plan struct {
	Stream   string
	Revision int64

	// Target is the complete target file set, ordered by path.
	Target []tree.File

	// Removals run first: reclaim, ingest, forget and untrack.
	Removals []Op
	// Fetches holds one file per digest that is neither resident nor
	// produced by a removal.
	Fetches []tree.File
	// Places materializes or fetches target content, ordered by path.
	Places []Op
	// Adopts records files that are already correct on disk.
	Adopts []Op

	// Unchanged counts target files that need no work.
	Unchanged int

	// Pending marks a plan for pending change files: placed files are
	// recorded with Pending rows.
	Pending bool
}

// Len returns the number of file operations the plan performs.
func (p *Plan) Len() int {
	return len(p.Removals) + len(p.Places) + len(p.Adopts)
}

// FetchBytes returns the bytes the plan downloads.
func (p *Plan) FetchBytes() int64 {
	var n int64
	for _, f := range p.Fetches {
		n += f.Length
	}
	return n
}

// Count returns how many ops of the given action the plan holds.
func (p *Plan) Count(action Action) int {
	n := 0
	for _, ops := range [][]Op{p.Removals, p.Places, p.Adopts} {
		for _, op := range ops {
			if op.Action == action {
				n++
			}
		}
	}
	return n
}

// Ledger returns the have ledger that matches the target.
func (p *Plan) Ledger() map[string]int64 {
	ledger := make(map[string]int64, len(p.Target))
	for _, f := range p.Target {
		ledger[f.Path] = f.Revision
	}
	return ledger
}

func entryFor(f tree.File) manifest.Entry {
	return manifest.Entry{Digest: f.Digest, Revision: f.Revision, Size: f.Length}
}
