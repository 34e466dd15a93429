// Package tree models remote directory snapshots as content-addressed trees.
//
// Every directory node is identified by the digest of its canonical
// encoding, so identical subtrees share a Ref across streams and revisions.
// Snapshots resolve refs to nodes; they never expose live object graphs.
package tree

import (
	"context"
	_ "crypto/sha256" // registers digest.SHA256

	"github.com/opencontainers/go-digest"
)

// Ref identifies a directory node by the digest of its encoding.
type Ref = digest.Digest

// File is one file of a remote tree at one point in time.
type File struct {
	// Path is slash separated and relative to the stream root. Inside a
	// Tree node it holds the entry name only; Walk sets the full path.
	Path string `json:"path"`

	Length int64         `json:"length"`
	Digest digest.Digest `json:"digest"`

	// Revision is the revision in which the content last changed.
	Revision int64 `json:"revision"`
}

// Tree is a single directory node. Trees returned by a Snapshot are shared
// and must not be modified.
type Tree struct {
	Files    map[string]File
	Subtrees map[string]Ref
}

// Snapshot is an immutable view over one root node. Lookup of the same ref
// always yields the same node.
type Snapshot interface {
	Root() Ref
	Lookup(ctx context.Context, ref Ref) (*Tree, error)
}

func newTree() *Tree {
	return &Tree{
		Files:    make(map[string]File),
		Subtrees: make(map[string]Ref),
	}
}
