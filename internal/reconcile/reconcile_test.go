package reconcile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/manifest"
	"github.com/aweris/wsync/internal/retry"
	"github.com/aweris/wsync/internal/store"
	"github.com/aweris/wsync/internal/tree"
)

type env struct {
	root  string
	store *store.Store
	man   *manifest.Manifest

	mu      sync.Mutex
	blobs   map[digest.Digest][]byte
	broken  map[digest.Digest]bool
	flaky   map[digest.Digest]int // streams that break mid-body, per digest
	fetches int
}

// cutReader returns the first byte of data and then fails.
type cutReader struct {
	data []byte
	sent bool
}

func (c *cutReader) Read(p []byte) (int, error) {
	if c.sent {
		return 0, errors.New("unexpected EOF from depot")
	}
	c.sent = true
	return copy(p, c.data[:1]), nil
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	root := filepath.Join(dir, "sync")
	require.NoError(t, os.MkdirAll(root, 0o755))
	return &env{
		root:   root,
		store:  s,
		man:    manifest.New(filepath.Join(dir, "manifest.json")),
		blobs:  make(map[digest.Digest][]byte),
		broken: make(map[digest.Digest]bool),
		flaky:  make(map[digest.Digest]int),
	}
}

func (e *env) file(p, content string, rev int64) tree.File {
	d := digest.FromString(content)
	e.mu.Lock()
	e.blobs[d] = []byte(content)
	e.mu.Unlock()
	return tree.File{Path: p, Length: int64(len(content)), Digest: d, Revision: rev}
}

func (e *env) fetch(_ context.Context, f tree.File) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetches++
	if e.broken[f.Digest] {
		return nil, errdefs.Network(errors.New("connection reset"))
	}
	data, ok := e.blobs[f.Digest]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	if e.flaky[f.Digest] > 0 {
		e.flaky[f.Digest]--
		return io.NopCloser(&cutReader{data: data}), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (e *env) applier() *Applier {
	return &Applier{Root: e.root, Store: e.store, Manifest: e.man, Fetch: e.fetch, Concurrency: 2}
}

func (e *env) plan(t *testing.T, files []tree.File, removeUntracked bool) *Plan {
	t.Helper()
	p, err := Diff(context.Background(), Input{
		Root:            e.root,
		Stream:          "main",
		Revision:        1,
		Files:           files,
		Manifest:        e.man,
		Store:           e.store,
		RemoveUntracked: removeUntracked,
	})
	require.NoError(t, err)
	return p
}

func (e *env) sync(t *testing.T, files []tree.File, removeUntracked bool) (*Plan, *Result) {
	t.Helper()
	p := e.plan(t, files, removeUntracked)
	res, err := e.applier().Apply(context.Background(), p)
	require.NoError(t, err)
	return p, res
}

func (e *env) write(t *testing.T, p, content string) {
	t.Helper()
	full := filepath.Join(e.root, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (e *env) read(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(p)))
	require.NoError(t, err)
	return string(data)
}

func (e *env) exists(p string) bool {
	_, err := os.Lstat(filepath.Join(e.root, filepath.FromSlash(p)))
	return err == nil
}

func TestSyncFromEmpty(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	files := []tree.File{
		e.file("README", "hello", 1),
		e.file("src/main.c", "int main;", 1),
		e.file("src/util/util.c", "void util;", 1),
	}

	p, res := e.sync(t, files, false)
	assert.Len(t, p.Fetches, 3)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 3, res.Materialized)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, int64(24), res.FetchedBytes)

	assert.Equal(t, "int main;", e.read(t, "src/main.c"))
	assert.Equal(t, 3, e.man.Len())
	assert.Equal(t, 0, e.store.Len(), "moved blobs leave the store")

	row, ok := e.man.Get("README")
	require.True(t, ok)
	assert.Equal(t, files[0].Digest, row.Digest)
	assert.Equal(t, int64(1), row.Revision)
}

func TestResyncIsNoop(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	files := []tree.File{e.file("a", "1", 1), e.file("b/c", "2", 1)}
	e.sync(t, files, false)

	p := e.plan(t, files, true)
	assert.Zero(t, p.Len())
	assert.Equal(t, 2, p.Unchanged)
	assert.Empty(t, p.Fetches)
}

func TestSwitchBackUsesStore(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	one := []tree.File{e.file("a", "one", 1), e.file("only-one/x", "x", 1)}
	two := []tree.File{e.file("a", "two!", 2), e.file("only-two", "y", 2)}

	e.sync(t, one, true)
	_, res := e.sync(t, two, true)
	assert.Equal(t, 2, res.Reclaimed)
	assert.Equal(t, 2, res.Fetched)
	assert.False(t, e.exists("only-one"), "emptied directory is pruned")
	assert.Equal(t, int64(4), e.store.Size())

	e.fetches = 0
	p, res := e.sync(t, one, true)
	assert.Empty(t, p.Fetches)
	assert.Zero(t, e.fetches)
	assert.Equal(t, 2, res.Materialized)
	assert.Equal(t, "one", e.read(t, "a"))
	assert.Equal(t, "x", e.read(t, "only-one/x"))
	assert.Equal(t, int64(5), e.store.Size(), "only revision two content remains cached")
}

func TestUnwantedTrackedFileIsUntracked(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	one := []tree.File{e.file("a", "1", 1), e.file("b", "2", 1)}
	e.sync(t, one, false)

	p, res := e.sync(t, one[:1], false)
	assert.Equal(t, 1, p.Count(ActionUntrack))
	assert.Equal(t, 1, res.Untracked)
	assert.Equal(t, "2", e.read(t, "b"), "passenger stays on disk")
	_, ok := e.man.Get("b")
	assert.False(t, ok)

	e.fetches = 0
	p, _ = e.sync(t, one, false)
	assert.Zero(t, e.fetches)
	assert.Equal(t, 1, p.Count(ActionAdopt), "matching passenger is adopted back")
	_, ok = e.man.Get("b")
	assert.True(t, ok)
}

func TestRevisionBumpAdopts(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sync(t, []tree.File{e.file("a", "same", 1)}, false)

	p, res := e.sync(t, []tree.File{e.file("a", "same", 7)}, false)
	assert.Equal(t, 1, p.Count(ActionAdopt))
	assert.Equal(t, 1, res.Adopted)
	row, _ := e.man.Get("a")
	assert.Equal(t, int64(7), row.Revision)
}

func TestEditedTrackedFileIsKept(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	files := []tree.File{e.file("a", "original", 1)}
	e.sync(t, files, false)

	e.write(t, "a", "local edit!")
	p, res := e.sync(t, files, false)
	assert.Equal(t, 1, p.Count(ActionIngest))
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, "original", e.read(t, "a"))
	assert.True(t, e.store.Has(digest.FromString("local edit!")))
}

func TestEditMatchingTargetIsAdopted(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sync(t, []tree.File{e.file("a", "v1", 1)}, false)

	e.write(t, "a", "v2 content")
	p, _ := e.sync(t, []tree.File{e.file("a", "v2 content", 2)}, false)
	assert.Empty(t, p.Fetches)
	assert.Equal(t, 1, p.Count(ActionAdopt))
	row, _ := e.man.Get("a")
	assert.Equal(t, digest.FromString("v2 content"), row.Digest)
}

func TestMissingTrackedFileIsForgotten(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	files := []tree.File{e.file("a", "1", 1), e.file("b", "2", 1)}
	e.sync(t, files, false)

	require.NoError(t, os.Remove(filepath.Join(e.root, "b")))
	p, res := e.sync(t, files[:1], false)
	assert.Equal(t, 1, p.Count(ActionForget))
	assert.Equal(t, 1, res.Forgotten)
	_, ok := e.man.Get("b")
	assert.False(t, ok)

	_, res = e.sync(t, files, false)
	assert.Equal(t, 1, res.Fetched, "forgotten content is fetched again")
	assert.Equal(t, "2", e.read(t, "b"))
}

func TestUntrackedAtTargetPath(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.write(t, "same", "content")
	e.write(t, "other", "stale")

	files := []tree.File{e.file("same", "content", 1), e.file("other", "fresh", 1)}
	p, res := e.sync(t, files, false)
	assert.Equal(t, 1, p.Count(ActionAdopt))
	assert.Equal(t, 1, p.Count(ActionIngest))
	assert.Len(t, p.Fetches, 1)
	assert.Empty(t, res.Failures)
	assert.Equal(t, "fresh", e.read(t, "other"))
	assert.True(t, e.store.Has(digest.FromString("stale")))
	assert.Equal(t, 2, e.man.Len())
}

func TestUntrackedElsewhere(t *testing.T) {
	t.Parallel()
	files := func(e *env) []tree.File { return []tree.File{e.file("a", "1", 1)} }

	t.Run("kept", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.write(t, "notes/todo.txt", "mine")
		_, res := e.sync(t, files(e), false)
		assert.Zero(t, res.Ingested)
		assert.Equal(t, "mine", e.read(t, "notes/todo.txt"))
		_, ok := e.man.Get("notes/todo.txt")
		assert.False(t, ok)
	})

	t.Run("removed", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.write(t, "notes/todo.txt", "mine")
		_, res := e.sync(t, files(e), true)
		assert.Equal(t, 1, res.Ingested)
		assert.False(t, e.exists("notes"))
		assert.True(t, e.store.Has(digest.FromString("mine")))
	})
}

func TestSharedContentFetchedOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	files := []tree.File{
		e.file("a/LICENSE", "MIT", 1),
		e.file("b/LICENSE", "MIT", 1),
		e.file("c/LICENSE", "MIT", 1),
	}
	p, res := e.sync(t, files, false)
	assert.Len(t, p.Fetches, 1)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 3, res.Materialized)
	for _, f := range files {
		assert.Equal(t, "MIT", e.read(t, f.Path))
	}
	assert.False(t, e.store.Has(files[0].Digest), "last placement moves the blob")
}

func TestFetchFailureIsPartial(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	good := e.file("good", "ok", 1)
	bad := e.file("bad", "nope", 1)
	e.broken[bad.Digest] = true

	_, res := e.sync(t, []tree.File{good, bad}, false)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "bad", res.Failures[0].Path)
	assert.ErrorIs(t, res.Err(), errdefs.ErrNetwork)
	assert.Equal(t, 1, res.Materialized)
	assert.Equal(t, 1, e.man.Len())
	assert.False(t, e.exists("bad"))

	delete(e.broken, bad.Digest)
	_, res = e.sync(t, []tree.File{good, bad}, false)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Fetched)
}

func TestInterruptedDownloadIsRetried(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	f := e.file("big.bin", "a body that breaks mid-stream", 1)
	e.flaky[f.Digest] = 2

	a := e.applier()
	a.FetchRetry = retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond}
	res, err := a.Apply(context.Background(), e.plan(t, []tree.File{f}, false))
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 3, e.fetches)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, "a body that breaks mid-stream", e.read(t, "big.bin"))

	// Without retries the broken stream fails the path as a network error.
	g := e.file("other.bin", "another body", 1)
	e.flaky[g.Digest] = 1
	_, res = e.sync(t, []tree.File{f, g}, false)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, errdefs.ErrNetwork)
}

func TestResidentContentIsNotCountedAsFetched(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	f := e.file("a", "arrived meanwhile", 1)
	p := e.plan(t, []tree.File{f}, false)
	require.Len(t, p.Fetches, 1)

	_, err := e.store.Put(context.Background(), f.Digest, strings.NewReader("arrived meanwhile"))
	require.NoError(t, err)

	res, err := e.applier().Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Zero(t, res.FetchedBytes)
	assert.Zero(t, e.fetches)
	assert.Equal(t, 1, res.Materialized)
}

func TestFileReplacedByDirectory(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sync(t, []tree.File{e.file("lib", "a file", 1)}, false)

	_, res := e.sync(t, []tree.File{e.file("lib/inner", "now a dir", 2)}, false)
	assert.Empty(t, res.Failures)
	assert.Equal(t, "now a dir", e.read(t, "lib/inner"))

	// Without RemoveUntracked lib/inner would stay as a passenger and block
	// the file.
	_, res = e.sync(t, []tree.File{e.file("lib", "a file", 1)}, true)
	assert.Empty(t, res.Failures)
	assert.Equal(t, "a file", e.read(t, "lib"))
}

func TestUntrackedFileBlockingDirectory(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.write(t, "docs", "a stray file")

	p, res := e.sync(t, []tree.File{e.file("docs/index.md", "# docs", 1)}, false)
	assert.Equal(t, 1, p.Count(ActionIngest))
	assert.Empty(t, res.Failures)
	assert.Equal(t, "# docs", e.read(t, "docs/index.md"))
	assert.True(t, e.store.Has(digest.FromString("a stray file")))
}

func TestApplyCancelled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	p := e.plan(t, []tree.File{e.file("a", "1", 1)}, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.applier().Apply(ctx, p)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, e.man.Len())

	_, res := e.sync(t, p.Target, false)
	assert.Equal(t, 1, res.Materialized)
}

func TestDiffRejectsBadTarget(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	for _, files := range [][]tree.File{
		{e.file("../escape", "x", 1)},
		{e.file("/abs", "x", 1)},
		{e.file("dup", "x", 1), e.file("dup", "y", 1)},
		{e.file("both", "x", 1), e.file("both/inner", "y", 1)},
	} {
		_, err := Diff(context.Background(), Input{Root: e.root, Files: files, Manifest: e.man, Store: e.store})
		assert.Error(t, err, files[0].Path)
	}
}

func TestPendingPlacementsReturnToStore(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	base := []tree.File{e.file("a", "base a", 1), e.file("b", "base b", 1)}
	e.sync(t, base, false)

	pending := []tree.File{e.file("a", "shelved a", 0), e.file("b", "base b", 0), e.file("new", "shelved new", 0)}
	p, err := PlanPending(context.Background(), Input{
		Root: e.root, Stream: "main", Revision: 1, Files: pending, Manifest: e.man, Store: e.store,
	})
	require.NoError(t, err)
	assert.True(t, p.Pending)
	assert.Equal(t, 1, p.Count(ActionReclaim))
	assert.Equal(t, 1, p.Unchanged, "b already holds the shelved content")

	res, err := e.applier().Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, "shelved a", e.read(t, "a"))
	assert.Equal(t, "shelved new", e.read(t, "new"))

	for _, path := range []string{"a", "new"} {
		row, ok := e.man.Get(path)
		require.True(t, ok, path)
		assert.True(t, row.Pending, path)
	}
	row, ok := e.man.Get("b")
	require.True(t, ok)
	assert.False(t, row.Pending)
	assert.Equal(t, int64(1), row.Revision)

	// Returning to the baseline moves every pending file into the store,
	// also without RemoveUntracked, and needs no download.
	fetches := e.fetches
	p, res = e.sync(t, base, false)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 2, p.Count(ActionReclaim))
	assert.Equal(t, fetches, e.fetches)
	assert.Equal(t, "base a", e.read(t, "a"))
	assert.Equal(t, "base b", e.read(t, "b"))
	assert.False(t, e.exists("new"))
	assert.True(t, e.store.Has(digest.FromString("shelved a")))
	assert.True(t, e.store.Has(digest.FromString("shelved new")))
	assert.Equal(t, 2, e.man.Len())
	for name, row := range e.man.Entries() {
		assert.False(t, row.Pending, name)
	}
}

func TestPendingRowMatchingTargetIsAdopted(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.sync(t, []tree.File{e.file("a", "base", 1)}, false)

	p, err := PlanPending(context.Background(), Input{
		Root: e.root, Files: []tree.File{e.file("a", "next", 0)}, Manifest: e.man, Store: e.store,
	})
	require.NoError(t, err)
	_, err = e.applier().Apply(context.Background(), p)
	require.NoError(t, err)

	// The change was submitted as revision 2; syncing to it keeps the file.
	fetches := e.fetches
	p, res := e.sync(t, []tree.File{e.file("a", "next", 2)}, false)
	assert.Equal(t, 1, p.Count(ActionAdopt))
	assert.Equal(t, 1, res.Adopted)
	assert.Equal(t, fetches, e.fetches)
	row, ok := e.man.Get("a")
	require.True(t, ok)
	assert.False(t, row.Pending)
	assert.Equal(t, int64(2), row.Revision)
}

func TestActionString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "reclaim", ActionReclaim.String())
	assert.Equal(t, "action(42)", Action(42).String())
}
