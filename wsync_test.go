package wsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/wsync/internal/remote"
	"github.com/aweris/wsync/internal/tree"
)

const stream = "main"

func newDepot(t *testing.T, revisions ...map[string]string) *remote.Memory {
	t.Helper()
	m := remote.NewMemory()
	for _, rev := range revisions {
		files := make(map[string][]byte, len(rev))
		for p, c := range rev {
			files[p] = []byte(c)
		}
		_, err := m.Publish(context.Background(), stream, files)
		require.NoError(t, err)
	}
	return m
}

func openWorkspace(t *testing.T, depot *remote.Memory, opts ...Option) *Workspace {
	t.Helper()
	opts = append([]Option{WithRetry(RetryPolicy{MaxAttempts: 1}), WithClientID("test-client")}, opts...)
	ws, err := Open(t.TempDir(), depot, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.Setup(context.Background(), stream))
	return ws
}

func syncTo(t *testing.T, ws *Workspace, rev int64, opts ...func(*SyncOptions)) *SyncResult {
	t.Helper()
	o := SyncOptions{Stream: stream, Revision: rev, RemoveUntracked: true}
	for _, fn := range opts {
		fn(&o)
	}
	res, err := ws.Sync(context.Background(), o)
	require.NoError(t, err)
	require.Equal(t, StatusSynced, res.Status)
	return res
}

// contents reads the sync directory as path -> content.
func contents(t *testing.T, ws *Workspace) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(ws.SyncDir(), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(ws.SyncDir(), p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func digests(files map[string]string) map[string]digest.Digest {
	out := make(map[string]digest.Digest, len(files))
	for p, c := range files {
		out[p] = digest.FromString(c)
	}
	return out
}

var (
	rev1 = map[string]string{
		"README.md":     "# project",
		"src/main.c":    "int main() { return 0; }",
		"src/util.c":    "void util() {}",
		"Data/big.bin":  strings.Repeat("x", 4096),
		"shared.h":      "#pragma once",
		"docs/guide.md": "guide",
	}
	rev2 = map[string]string{
		"README.md":     "# project v2",
		"src/main.c":    "int main() { return 1; }",
		"src/extra.c":   "void extra() {}",
		"Data/big.bin":  strings.Repeat("x", 4096),
		"shared.h":      "#pragma once",
		"docs/guide.md": "guide",
	}
)

func TestSyncMaterializesRevision(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)

	res := syncTo(t, ws, 0)
	assert.Equal(t, int64(1), res.Revision)
	assert.Equal(t, len(rev1), res.Files)
	assert.Equal(t, len(rev1), res.Materialized)
	assert.Equal(t, len(rev1), res.Fetched)
	assert.Equal(t, rev1, contents(t, ws))

	st := ws.Status()
	assert.Equal(t, "test-client", st.ClientID)
	assert.Equal(t, stream, st.Stream)
	assert.Equal(t, int64(1), st.Revision)
	assert.Equal(t, len(rev1), st.ManifestEntries)
	assert.Zero(t, st.CacheBytes)
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)
	syncTo(t, ws, 1)

	fetches := depot.Calls().Fetch
	res := syncTo(t, ws, 1)
	assert.Zero(t, res.changed())
	assert.Equal(t, len(rev1), res.Unchanged)
	assert.Equal(t, fetches, depot.Calls().Fetch)
}

func TestRoundTripUsesCache(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1, rev2)
	ws := openWorkspace(t, depot)

	syncTo(t, ws, 1)
	first := contents(t, ws)
	syncTo(t, ws, 2)
	assert.Equal(t, rev2, contents(t, ws))

	fetches := depot.Calls().Fetch
	res := syncTo(t, ws, 1)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, fetches, depot.Calls().Fetch)
	assert.Equal(t, first, contents(t, ws))
}

func TestRevisionSixToOneAndBack(t *testing.T) {
	t.Parallel()
	revs := []map[string]string{{"base/a.txt": "alpha", "base/b.txt": "beta"}}
	for i := 2; i <= 6; i++ {
		next := make(map[string]string)
		for p, c := range revs[len(revs)-1] {
			next[p] = c
		}
		next[fmt.Sprintf("added/r%d.txt", i)] = strings.Repeat(fmt.Sprint(i), i*10)
		revs = append(revs, next)
	}
	depot := newDepot(t, revs...)
	ws := openWorkspace(t, depot)

	syncTo(t, ws, 6)
	assert.Equal(t, digests(revs[5]), digests(contents(t, ws)))
	assert.Zero(t, ws.Status().CacheBytes)

	var onlySix int64
	for p, c := range revs[5] {
		if _, ok := revs[0][p]; !ok {
			onlySix += int64(len(c))
		}
	}
	syncTo(t, ws, 1)
	assert.Equal(t, digests(revs[0]), digests(contents(t, ws)))
	assert.Equal(t, onlySix, ws.Status().CacheBytes)

	fetches := depot.Calls().Fetch
	res := syncTo(t, ws, 6)
	assert.Zero(t, res.Fetched)
	assert.Equal(t, fetches, depot.Calls().Fetch)
	assert.Equal(t, digests(revs[5]), digests(contents(t, ws)))
	assert.Zero(t, ws.Status().CacheBytes)
}

func TestViewFiltersAgree(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)

	excludeOnly := openWorkspace(t, depot)
	syncTo(t, excludeOnly, 1, func(o *SyncOptions) { o.View = []string{"-/Data/...", "-/shared.h"} })

	includeThenExclude := openWorkspace(t, depot)
	syncTo(t, includeThenExclude, 1, func(o *SyncOptions) { o.View = []string{"/...", "-/Data/...", "-/shared.h"} })

	got := contents(t, excludeOnly)
	assert.Equal(t, got, contents(t, includeThenExclude))

	want := map[string]string{}
	for p, c := range rev1 {
		if !strings.HasPrefix(p, "Data/") && p != "shared.h" {
			want[p] = c
		}
	}
	assert.Equal(t, want, got)
}

func TestCacheFileReplay(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1, rev2)
	cacheFile := filepath.Join(t.TempDir(), "main-2.wsc")
	view := func(o *SyncOptions) {
		o.View = []string{"-/Data/..."}
		o.CacheFile = cacheFile
	}

	live := openWorkspace(t, depot)
	res := syncTo(t, live, 2, view)
	assert.False(t, res.Replayed)
	require.FileExists(t, cacheFile)

	snapshots := depot.Calls().Snapshot
	replay := openWorkspace(t, depot)
	res = syncTo(t, replay, 2, view)
	assert.True(t, res.Replayed)
	assert.Equal(t, snapshots, depot.Calls().Snapshot)
	assert.Equal(t, contents(t, live), contents(t, replay))

	// A different view does not match the record.
	res = syncTo(t, replay, 2, func(o *SyncOptions) { o.CacheFile = cacheFile })
	assert.False(t, res.Replayed)
}

func TestFakeSyncPlansOnly(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)

	res, err := ws.Sync(context.Background(), SyncOptions{Stream: stream, FakeSync: true})
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, res.Status)
	assert.Equal(t, len(rev1), res.Materialized)
	assert.Equal(t, len(rev1), res.Fetched)
	assert.Empty(t, contents(t, ws))
	assert.Zero(t, depot.Calls().Fetch)
	assert.Zero(t, ws.Status().Revision)
}

func TestConcurrentOperationIsBusy(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	depot.SetFetchHook(func(tree.File) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := ws.Sync(context.Background(), SyncOptions{Stream: stream})
		done <- err
	}()

	<-started
	_, err := ws.Sync(context.Background(), SyncOptions{Stream: stream})
	assert.ErrorIs(t, err, ErrWorkspaceBusy)
	_, err = ws.Purge(context.Background(), 0)
	assert.ErrorIs(t, err, ErrWorkspaceBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestCancelledSyncResumes(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)

	ctx, cancel := context.WithCancel(context.Background())
	depot.SetFetchHook(func(tree.File) error {
		cancel()
		return nil
	})
	res, err := ws.Sync(ctx, SyncOptions{Stream: stream})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, StatusSynced, res.Status)
	assert.Zero(t, ws.Status().Revision, "baseline only moves after a full sync")

	// Rows on disk match the sync directory.
	for p := range contents(t, ws) {
		_, ok := ws.manifest.Get(p)
		assert.True(t, ok, p)
	}

	depot.SetFetchHook(nil)
	syncTo(t, ws, 0)
	assert.Equal(t, rev1, contents(t, ws))
}

func TestPartialSyncKeepsLedger(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot, WithHaveLedger(true))

	depot.SetFetchHook(func(f tree.File) error {
		if f.Path == "src/util.c" {
			return fmt.Errorf("fetch %s: %w", f.Path, ErrPermission)
		}
		return nil
	})
	res, err := ws.Sync(context.Background(), SyncOptions{Stream: stream})
	require.ErrorIs(t, err, ErrPartialSync)
	require.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "src/util.c", res.Failures[0].Path)
	assert.Equal(t, len(rev1)-1, ws.Status().ManifestEntries)
	assert.Zero(t, depot.Calls().SetLedger)

	depot.SetFetchHook(nil)
	syncTo(t, ws, 0)
	ledger, err := depot.HaveLedger(context.Background(), "test-client")
	require.NoError(t, err)
	assert.Len(t, ledger, len(rev1))
	assert.Equal(t, int64(1), ledger["src/util.c"])
}

func TestHaveLedgerDisabled(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)
	syncTo(t, ws, 0)
	_, err := ws.Clear(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depot.Calls().SetLedger)
}

func TestUnshelveKeepsBaseline(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)
	syncTo(t, ws, 1)

	id, err := depot.Shelve(context.Background(), "test-client", stream, "wip", map[string][]byte{
		"src/main.c": []byte("int main() { return 42; }"),
		"src/new.c":  []byte("void fresh() {}"),
	})
	require.NoError(t, err)

	res, err := ws.Unshelve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	got := contents(t, ws)
	assert.Equal(t, "int main() { return 42; }", got["src/main.c"])
	assert.Equal(t, "void fresh() {}", got["src/new.c"])
	assert.Equal(t, int64(1), ws.Status().Revision)
	row, ok := ws.manifest.Get("src/new.c")
	require.True(t, ok)
	assert.True(t, row.Pending)

	fetches := depot.Calls().Fetch
	back := syncTo(t, ws, 1, func(o *SyncOptions) { o.RemoveUntracked = false })
	assert.Equal(t, 2, back.Reclaimed)
	assert.Zero(t, back.Fetched)
	assert.Equal(t, rev1, contents(t, ws))
	assert.Equal(t, fetches, depot.Calls().Fetch, "baseline content comes from the store")
	assert.Equal(t, len(rev1), ws.Status().ManifestEntries)
	assert.True(t, ws.store.Has(digest.FromString("void fresh() {}")), "shelved content stays recoverable")
}

func TestRevertDiscardsPendingChanges(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)

	id, err := depot.Shelve(context.Background(), "test-client", stream, "wip", map[string][]byte{"a": []byte("a")})
	require.NoError(t, err)
	require.NoError(t, ws.Revert(context.Background()))

	_, err = ws.Unshelve(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeBudget(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1, rev2)
	ws := openWorkspace(t, depot)
	syncTo(t, ws, 1)
	syncTo(t, ws, 2)
	require.Positive(t, ws.Status().CacheBytes)

	// An untracked copy of tracked content lands in the store but stays
	// referenced by the manifest.
	require.NoError(t, os.WriteFile(filepath.Join(ws.SyncDir(), "copy.md"), []byte("guide"), 0o644))
	syncTo(t, ws, 2)
	guide := digest.FromString("guide")
	require.True(t, ws.store.Has(guide))

	res, err := ws.Purge(context.Background(), 0)
	require.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Positive(t, res.Evicted)
	assert.True(t, ws.store.Has(guide))
	assert.Equal(t, int64(len("guide")), res.CacheBytes)

	res, err = ws.Purge(context.Background(), 1<<20)
	require.NoError(t, err)
	assert.Zero(t, res.Evicted)
}

func TestPurgeEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1, rev2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ws := openWorkspace(t, depot, withClock(func() time.Time { return now }))

	_, err := ws.Populate(context.Background(), []PopulateRequest{{Stream: stream, Revision: 1}}, false)
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = ws.Populate(context.Background(), []PopulateRequest{{Stream: stream, Revision: 2}}, false)
	require.NoError(t, err)

	newer := []string{"README.md", "src/main.c", "src/extra.c"}
	var keep int64
	for _, p := range newer {
		keep += int64(len(rev2[p]))
	}
	res, err := ws.Purge(context.Background(), keep)
	require.NoError(t, err)
	assert.Equal(t, len(rev1), res.Evicted)
	for _, p := range newer {
		assert.True(t, ws.store.Has(digest.FromString(rev2[p])), p)
	}
}

func TestCacheBudgetAfterSync(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1, rev2)
	ws := openWorkspace(t, depot, WithCacheBudget(1))
	syncTo(t, ws, 1)
	res := syncTo(t, ws, 2)
	assert.Positive(t, res.Evicted)
	assert.LessOrEqual(t, ws.Status().CacheBytes, int64(1))
}

func TestRepair(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1, rev2)
	ws := openWorkspace(t, depot)
	syncTo(t, ws, 1)
	syncTo(t, ws, 2)

	old := digest.FromString(rev1["README.md"])
	require.True(t, ws.store.Has(old))
	require.NoError(t, os.WriteFile(ws.store.Path(old), []byte("bit rot"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws.SyncDir(), "docs/guide.md"), []byte("edited locally"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(ws.SyncDir(), "shared.h")))

	res, err := ws.Repair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Quarantined)
	assert.Equal(t, 2, res.Forgotten)
	assert.False(t, ws.store.Has(old))
	_, ok := ws.manifest.Get("docs/guide.md")
	assert.False(t, ok)

	// The corrupt blob is a cache miss again.
	fetches := depot.Calls().Fetch
	syncTo(t, ws, 1)
	assert.Equal(t, rev1, contents(t, ws))
	assert.Greater(t, depot.Calls().Fetch, fetches)
}

func TestClearKeepsContentRecoverable(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws := openWorkspace(t, depot)
	syncTo(t, ws, 1)
	require.NoError(t, os.WriteFile(filepath.Join(ws.SyncDir(), "notes.txt"), []byte("mine"), 0o644))

	res, err := ws.Clear(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(rev1), res.Reclaimed)
	assert.Equal(t, 1, res.Ingested)
	assert.Empty(t, contents(t, ws))
	entries, err := os.ReadDir(ws.SyncDir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	st := ws.Status()
	assert.Zero(t, st.ManifestEntries)
	assert.Zero(t, st.Revision)

	fetches := depot.Calls().Fetch
	syncTo(t, ws, 1)
	assert.Equal(t, fetches, depot.Calls().Fetch)
}

func TestPopulateWarmsStore(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1, rev2)
	ws := openWorkspace(t, depot)

	plan, err := ws.Populate(context.Background(), []PopulateRequest{{Stream: stream, Revision: 2}}, true)
	require.NoError(t, err)
	require.Len(t, plan.Streams, 1)
	assert.Equal(t, len(rev2), plan.Streams[0].Fetched)
	assert.Zero(t, depot.Calls().Fetch)

	// Content shared by two requests is planned once.
	plan, err = ws.Populate(context.Background(), []PopulateRequest{
		{Stream: stream, Revision: 1},
		{Stream: stream, Revision: 2},
	}, true)
	require.NoError(t, err)
	require.Len(t, plan.Streams, 2)
	assert.Equal(t, len(rev1), plan.Streams[0].Fetched)
	assert.Equal(t, 3, plan.Streams[1].Fetched)
	assert.Zero(t, depot.Calls().Fetch)

	res, err := ws.Populate(context.Background(), []PopulateRequest{
		{Stream: stream, Revision: 1},
		{Stream: stream, Revision: 2},
	}, false)
	require.NoError(t, err)
	require.Len(t, res.Streams, 2)
	assert.Equal(t, len(rev1), res.Streams[0].Fetched)
	assert.Equal(t, 3, res.Streams[1].Fetched, "shared content is fetched once")
	assert.Empty(t, contents(t, ws))

	fetches := depot.Calls().Fetch
	syncTo(t, ws, 2)
	assert.Equal(t, fetches, depot.Calls().Fetch)
}

func TestStats(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1, rev2)
	ws := openWorkspace(t, depot)
	syncTo(t, ws, 1)

	stats, err := ws.Stats(context.Background(), []StreamRequest{
		{Stream: stream, Revision: 2},
		{Stream: stream, Revision: 2, View: []string{"/src/..."}},
	})
	require.NoError(t, err)
	require.Len(t, stats, 2)

	var total int64
	for _, c := range rev2 {
		total += int64(len(c))
	}
	assert.Equal(t, len(rev2), stats[0].Files)
	assert.Equal(t, total, stats[0].Bytes)
	assert.Equal(t, 3, stats[0].LocalFiles, "Data/big.bin, shared.h and docs/guide.md are unchanged")

	assert.Equal(t, 2, stats[1].Files)
	assert.Zero(t, stats[1].LocalFiles)
}

func TestSyncErrors(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	ws, err := Open(t.TempDir(), depot, WithRetry(RetryPolicy{MaxAttempts: 1}))
	require.NoError(t, err)

	_, err = ws.Sync(context.Background(), SyncOptions{})
	assert.ErrorIs(t, err, ErrNoStream)

	res, err := ws.Sync(context.Background(), SyncOptions{Stream: stream, Revision: 9})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusFailed, res.Status)

	_, err = ws.Sync(context.Background(), SyncOptions{Stream: stream, View: []string{"/a//b"}})
	assert.Error(t, err)

	require.NoError(t, ws.Close())
	_, err = ws.Sync(context.Background(), SyncOptions{Stream: stream})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReopenKeepsState(t *testing.T) {
	t.Parallel()
	depot := newDepot(t, rev1)
	root := t.TempDir()

	ws, err := Open(root, depot, WithRetry(RetryPolicy{MaxAttempts: 1}))
	require.NoError(t, err)
	require.NoError(t, ws.Setup(context.Background(), stream))
	syncTo(t, ws, 1)
	id := ws.ClientID()
	require.NoError(t, ws.Close())

	ws, err = Open(root, depot)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, id, ws.ClientID())
	st := ws.Status()
	assert.Equal(t, int64(1), st.Revision)
	assert.Equal(t, len(rev1), st.ManifestEntries)

	res, err := ws.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.changed())
}

func TestSyncStatusString(t *testing.T) {
	t.Parallel()
	names := []string{StatusSynced.String(), StatusPartial.String(), StatusFailed.String(), StatusPlanned.String()}
	sort.Strings(names)
	assert.Equal(t, []string{"failed", "partial", "planned", "synced"}, names)
	assert.Equal(t, "status(0)", SyncStatus(0).String())
}
