package tree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/wsync/internal/errdefs"
)

const (
	kindFile byte = 1
	kindTree byte = 2

	treeHeader = "tree "
)

type treeEntry struct {
	name     string
	kind     byte
	digest   digest.Digest
	length   int64
	revision int64
}

// Encode returns the canonical encoding of t and its Ref.
//
// Format: "tree {entries}\0" followed by entries sorted by name, each
// {kind:1}{nameLen:2}{name}{digestLen:1}{digest}{length:8}{revision:8}.
// Directories carry their subtree ref and zero length and revision.
func Encode(t *Tree) ([]byte, Ref, error) {
	entries := make([]treeEntry, 0, len(t.Files)+len(t.Subtrees))
	for name, f := range t.Files {
		entries = append(entries, treeEntry{
			name:     name,
			kind:     kindFile,
			digest:   f.Digest,
			length:   f.Length,
			revision: f.Revision,
		})
	}
	for name, ref := range t.Subtrees {
		if _, ok := t.Files[name]; ok {
			return nil, "", fmt.Errorf("encode tree: %q is both file and directory", name)
		}
		entries = append(entries, treeEntry{name: name, kind: kindTree, digest: ref})
	}
	slices.SortFunc(entries, func(a, b treeEntry) int {
		return bytes.Compare([]byte(a.name), []byte(b.name))
	})

	buf := make([]byte, 0, 64+len(entries)*96)
	buf = append(buf, treeHeader...)
	buf = strconv.AppendInt(buf, int64(len(entries)), 10)
	buf = append(buf, 0)

	for _, e := range entries {
		if len(e.name) == 0 || len(e.name) > math.MaxUint16 {
			return nil, "", fmt.Errorf("encode tree: invalid entry name %q", e.name)
		}
		d := e.digest.String()
		if len(d) > math.MaxUint8 {
			return nil, "", fmt.Errorf("encode tree: digest too long for %q", e.name)
		}
		buf = append(buf, e.kind)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.name)))
		buf = append(buf, e.name...)
		buf = append(buf, byte(len(d)))
		buf = append(buf, d...)
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.length))
		buf = binary.BigEndian.AppendUint64(buf, uint64(e.revision))
	}

	return buf, digest.FromBytes(buf), nil
}

// Decode parses a node produced by Encode.
func Decode(data []byte) (*Tree, error) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 || !bytes.HasPrefix(data, []byte(treeHeader)) {
		return nil, corrupt("invalid tree header")
	}
	count, err := strconv.Atoi(string(data[len(treeHeader):idx]))
	if err != nil || count < 0 {
		return nil, corrupt("invalid entry count")
	}

	r := &reader{data: data[idx+1:]}
	t := newTree()
	prev := ""
	for i := range count {
		kind := r.byte()
		name := string(r.next(int(r.uint16())))
		d := digest.Digest(r.next(int(r.byte())))
		length := int64(r.uint64())
		revision := int64(r.uint64())
		if r.err != nil {
			return nil, corrupt("truncated entry %d", i)
		}
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
			return nil, corrupt("invalid entry name %q", name)
		}
		if i > 0 && name <= prev {
			return nil, corrupt("entries out of order at %q", name)
		}
		prev = name
		if err := d.Validate(); err != nil {
			return nil, corrupt("entry %q: %v", name, err)
		}

		switch kind {
		case kindFile:
			t.Files[name] = File{Path: name, Length: length, Digest: d, Revision: revision}
		case kindTree:
			t.Subtrees[name] = d
		default:
			return nil, corrupt("entry %q: unknown kind %d", name, kind)
		}
	}
	if len(r.data) != 0 {
		return nil, corrupt("trailing data")
	}
	return t, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("decode tree: %s: %w", fmt.Sprintf(format, args...), errdefs.ErrCorrupt)
}

type reader struct {
	data []byte
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil || len(r.data) < n {
		r.err = errShort
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) byte() byte {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) uint16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

var errShort = fmt.Errorf("short buffer")
