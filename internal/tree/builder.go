package tree

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/aweris/wsync/internal/errdefs"
)

// Builder assembles a tree from a flat file listing.
type Builder struct {
	root *buildNode
}

type buildNode struct {
	files map[string]File
	dirs  map[string]*buildNode
}

func newBuildNode() *buildNode {
	return &buildNode{
		files: make(map[string]File),
		dirs:  make(map[string]*buildNode),
	}
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{root: newBuildNode()}
}

// AddFile inserts f at f.Path, creating intermediate directories on demand.
func (b *Builder) AddFile(f File) error {
	if err := ValidatePath(f.Path); err != nil {
		return err
	}
	if err := f.Digest.Validate(); err != nil {
		return fmt.Errorf("add %s: %w", f.Path, err)
	}

	parts := strings.Split(f.Path, "/")
	node := b.root
	for _, part := range parts[:len(parts)-1] {
		if _, ok := node.files[part]; ok {
			return fmt.Errorf("add %s: %q is a file", f.Path, part)
		}
		child, ok := node.dirs[part]
		if !ok {
			child = newBuildNode()
			node.dirs[part] = child
		}
		node = child
	}

	name := parts[len(parts)-1]
	if _, ok := node.dirs[name]; ok {
		return fmt.Errorf("add %s: is a directory", f.Path)
	}
	if _, ok := node.files[name]; ok {
		return fmt.Errorf("add %s: duplicate path", f.Path)
	}
	f.Path = name
	node.files[name] = f
	return nil
}

// Build computes every node's ref bottom-up and returns the snapshot. The
// builder may keep being used; later additions do not affect the snapshot.
func (b *Builder) Build() (*MemorySnapshot, error) {
	s := &MemorySnapshot{
		nodes: make(map[Ref][]byte),
		trees: make(map[Ref]*Tree),
	}
	root, err := s.add(b.root)
	if err != nil {
		return nil, err
	}
	s.root = root
	return s, nil
}

// ValidatePath reports whether p is a clean, relative, slash separated path.
func ValidatePath(p string) error {
	if p == "." || !fs.ValidPath(p) || strings.Contains(p, "\\") {
		return fmt.Errorf("invalid path %q", p)
	}
	return nil
}

// MemorySnapshot holds every node of a tree in memory.
type MemorySnapshot struct {
	root  Ref
	nodes map[Ref][]byte
	trees map[Ref]*Tree
}

func (s *MemorySnapshot) add(n *buildNode) (Ref, error) {
	t := newTree()
	for name, f := range n.files {
		t.Files[name] = f
	}
	for name, child := range n.dirs {
		ref, err := s.add(child)
		if err != nil {
			return "", err
		}
		t.Subtrees[name] = ref
	}

	encoded, ref, err := Encode(t)
	if err != nil {
		return "", err
	}
	if _, ok := s.trees[ref]; !ok {
		s.nodes[ref] = encoded
		s.trees[ref] = t
	}
	return ref, nil
}

// Root returns the root ref.
func (s *MemorySnapshot) Root() Ref { return s.root }

// Lookup returns the node for ref.
func (s *MemorySnapshot) Lookup(_ context.Context, ref Ref) (*Tree, error) {
	t, ok := s.trees[ref]
	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", ref, errdefs.ErrNotFound)
	}
	return t, nil
}

// FetchNode returns the encoded node for ref, so a MemorySnapshot can back a
// LazySnapshot.
func (s *MemorySnapshot) FetchNode(_ context.Context, ref Ref) ([]byte, error) {
	data, ok := s.nodes[ref]
	if !ok {
		return nil, fmt.Errorf("fetch node %s: %w", ref, errdefs.ErrNotFound)
	}
	return data, nil
}

// Nodes returns the encoded form of every node, keyed by ref.
func (s *MemorySnapshot) Nodes() map[Ref][]byte {
	out := make(map[Ref][]byte, len(s.nodes))
	for ref, data := range s.nodes {
		out[ref] = data
	}
	return out
}
