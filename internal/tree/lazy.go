package tree

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/wsync/internal/errdefs"
)

// DefaultNodeCacheSize bounds the nodes a LazySnapshot keeps decoded.
const DefaultNodeCacheSize = 4096

// NodeFetcher returns the encoded form of a node.
type NodeFetcher interface {
	FetchNode(ctx context.Context, ref Ref) ([]byte, error)
}

// NodeFetcherFunc adapts a function to NodeFetcher.
type NodeFetcherFunc func(ctx context.Context, ref Ref) ([]byte, error)

// FetchNode calls f.
func (f NodeFetcherFunc) FetchNode(ctx context.Context, ref Ref) ([]byte, error) {
	return f(ctx, ref)
}

// LazySnapshot resolves nodes on demand from a NodeFetcher. Fetched nodes are
// verified against their ref and kept in a bounded LRU for the lifetime of
// the snapshot. Concurrent lookups of one ref share a single fetch.
type LazySnapshot struct {
	root    Ref
	fetcher NodeFetcher
	nodes   *lru.Cache[Ref, *Tree]
	group   singleflight.Group
}

// NewLazySnapshot returns a snapshot rooted at root. A cacheSize below one
// selects DefaultNodeCacheSize.
func NewLazySnapshot(root Ref, fetcher NodeFetcher, cacheSize int) (*LazySnapshot, error) {
	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("invalid root ref: %w", err)
	}
	if cacheSize < 1 {
		cacheSize = DefaultNodeCacheSize
	}
	nodes, err := lru.New[Ref, *Tree](cacheSize)
	if err != nil {
		return nil, err
	}
	return &LazySnapshot{root: root, fetcher: fetcher, nodes: nodes}, nil
}

// Root returns the root ref.
func (s *LazySnapshot) Root() Ref { return s.root }

// Lookup returns the node for ref, fetching it when not cached.
func (s *LazySnapshot) Lookup(ctx context.Context, ref Ref) (*Tree, error) {
	if t, ok := s.nodes.Get(ref); ok {
		return t, nil
	}

	v, err, _ := s.group.Do(ref.String(), func() (any, error) {
		if t, ok := s.nodes.Get(ref); ok {
			return t, nil
		}

		data, err := s.fetcher.FetchNode(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch node %s: %w", ref, err)
		}
		if err := Verify(ref, data); err != nil {
			return nil, err
		}
		t, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", ref, err)
		}

		s.nodes.Add(ref, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tree), nil
}

// Verify checks that data hashes to ref.
func Verify(ref Ref, data []byte) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("verify %s: %w", ref, errdefs.Wrap(errdefs.ErrCorrupt, err))
	}
	if got := ref.Algorithm().FromBytes(data); got != ref {
		return fmt.Errorf("verify %s: got %s: %w", ref, got, errdefs.ErrCorrupt)
	}
	return nil
}
