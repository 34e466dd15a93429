package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/filter"
	"github.com/aweris/wsync/internal/tree"
)

// Calls counts requests served by a Memory depot.
type Calls struct {
	Snapshot     int64
	Fetch        int64
	Node         int64
	FetchPending int64
	SetLedger    int64
}

// Memory is an in-process depot. Nodes are served lazily through
// tree.LazySnapshot so callers see the same access pattern as with a remote
// depot.
type Memory struct {
	mu      sync.RWMutex
	streams map[string][]*tree.MemorySnapshot // index = revision - 1
	nodes   map[tree.Ref][]byte
	blobs   map[digest.Digest][]byte
	clients map[string]*memoryClient
	changes map[int64]*Change
	lastID  int64

	fetchHook func(tree.File) error

	snapshotCalls atomic.Int64
	fetchCalls    atomic.Int64
	nodeCalls     atomic.Int64
	pendingCalls  atomic.Int64
	ledgerCalls   atomic.Int64
}

type memoryClient struct {
	stream string
	ledger map[string]int64
	open   []int64
}

var (
	_ Server    = (*Memory)(nil)
	_ Publisher = (*Memory)(nil)
)

// NewMemory returns an empty depot.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string][]*tree.MemorySnapshot),
		nodes:   make(map[tree.Ref][]byte),
		blobs:   make(map[digest.Digest][]byte),
		clients: make(map[string]*memoryClient),
		changes: make(map[int64]*Change),
	}
}

// Publish records files as the next revision of stream.
func (m *Memory) Publish(_ context.Context, stream string, files map[string][]byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	revs := m.streams[stream]
	rev := int64(len(revs) + 1)

	prev := map[string]tree.File{}
	if len(revs) > 0 {
		var err error
		if prev, err = tree.Files(context.Background(), revs[len(revs)-1], nil); err != nil {
			return 0, err
		}
	}

	snap, blobs, err := buildRevision(prev, files, rev)
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", stream, err)
	}
	maps.Copy(m.nodes, snap.Nodes())
	maps.Copy(m.blobs, blobs)
	m.streams[stream] = append(revs, snap)
	return rev, nil
}

// Shelve stores files as a pending change opened by clientID.
func (m *Memory) Shelve(_ context.Context, clientID, stream, description string, files map[string][]byte) (int64, error) {
	list, blobs, err := pendingFiles(files)
	if err != nil {
		return 0, fmt.Errorf("shelve: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return 0, fmt.Errorf("shelve: client %s: %w", clientID, errdefs.ErrNotFound)
	}

	m.lastID++
	id := m.lastID
	m.changes[id] = &Change{ID: id, ClientID: clientID, Stream: stream, Description: description, Files: list}
	maps.Copy(m.blobs, blobs)
	c.open = append(c.open, id)
	return id, nil
}

// SetFetchHook installs fn to run before every Fetch; a non-nil error is
// returned in place of the content.
func (m *Memory) SetFetchHook(fn func(tree.File) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchHook = fn
}

// Calls returns the request counters.
func (m *Memory) Calls() Calls {
	return Calls{
		Snapshot:     m.snapshotCalls.Load(),
		Fetch:        m.fetchCalls.Load(),
		Node:         m.nodeCalls.Load(),
		FetchPending: m.pendingCalls.Load(),
		SetLedger:    m.ledgerCalls.Load(),
	}
}

// Head returns the latest revision of stream, zero if none.
func (m *Memory) Head(stream string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.streams[stream]))
}

// CreateClient registers clientID for stream.
func (m *Memory) CreateClient(_ context.Context, clientID, stream string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[clientID]; ok {
		c.stream = stream
		return nil
	}
	m.clients[clientID] = &memoryClient{stream: stream, ledger: map[string]int64{}}
	return nil
}

// Snapshot returns a lazily resolved snapshot of stream at revision.
func (m *Memory) Snapshot(_ context.Context, stream string, revision int64, _ *filter.View) (tree.Snapshot, int64, error) {
	m.snapshotCalls.Add(1)

	m.mu.RLock()
	revs := m.streams[stream]
	m.mu.RUnlock()

	if len(revs) == 0 {
		return nil, 0, fmt.Errorf("stream %s: %w", stream, errdefs.ErrNotFound)
	}
	if revision == 0 {
		revision = int64(len(revs))
	}
	if revision < 1 || revision > int64(len(revs)) {
		return nil, 0, fmt.Errorf("stream %s revision %d: %w", stream, revision, errdefs.ErrNotFound)
	}

	snap, err := tree.NewLazySnapshot(revs[revision-1].Root(), tree.NodeFetcherFunc(m.fetchNode), 0)
	if err != nil {
		return nil, 0, err
	}
	return snap, revision, nil
}

func (m *Memory) fetchNode(_ context.Context, ref tree.Ref) ([]byte, error) {
	m.nodeCalls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.nodes[ref]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", ref, errdefs.ErrNotFound)
	}
	return data, nil
}

// Fetch returns the content of f.
func (m *Memory) Fetch(ctx context.Context, _ string, f tree.File) (io.ReadCloser, error) {
	m.fetchCalls.Add(1)
	return m.blob(ctx, f)
}

func (m *Memory) blob(ctx context.Context, f tree.File) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	hook := m.fetchHook
	data, ok := m.blobs[f.Digest]
	m.mu.RUnlock()

	if hook != nil {
		if err := hook(f); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", f.Path, errdefs.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// HaveLedger returns a copy of the client's ledger.
func (m *Memory) HaveLedger(_ context.Context, clientID string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("client %s: %w", clientID, errdefs.ErrNotFound)
	}
	return maps.Clone(c.ledger), nil
}

// SetHaveLedger replaces the client's ledger.
func (m *Memory) SetHaveLedger(_ context.Context, clientID string, ledger map[string]int64) error {
	m.ledgerCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, errdefs.ErrNotFound)
	}
	c.ledger = maps.Clone(ledger)
	if c.ledger == nil {
		c.ledger = map[string]int64{}
	}
	return nil
}

// PendingChange returns the shelved change.
func (m *Memory) PendingChange(_ context.Context, changeID int64) (*Change, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.changes[changeID]
	if !ok {
		return nil, fmt.Errorf("change %d: %w", changeID, errdefs.ErrNotFound)
	}
	out := *c
	out.Files = append([]tree.File(nil), c.Files...)
	return &out, nil
}

// FetchPending returns the content of a file of a pending change.
func (m *Memory) FetchPending(ctx context.Context, changeID int64, f tree.File) (io.ReadCloser, error) {
	m.pendingCalls.Add(1)
	m.mu.RLock()
	_, ok := m.changes[changeID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("change %d: %w", changeID, errdefs.ErrNotFound)
	}
	return m.blob(ctx, f)
}

// RevertOpenFiles discards every pending change opened by the client.
func (m *Memory) RevertOpenFiles(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return fmt.Errorf("client %s: %w", clientID, errdefs.ErrNotFound)
	}
	for _, id := range c.open {
		delete(m.changes, id)
	}
	c.open = nil
	return nil
}
