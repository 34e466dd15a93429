package wsync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/filter"
	"github.com/aweris/wsync/internal/reconcile"
	"github.com/aweris/wsync/internal/store"
	"github.com/aweris/wsync/internal/tree"
)

// Purge evicts cached content, least recently used first, until the store
// holds at most target bytes. Content of files in the sync directory is never
// evicted. When the target cannot be met everything evictable is gone and
// the error wraps ErrInsufficientSpace.
func (w *Workspace) Purge(ctx context.Context, target int64) (res *PurgeResult, err error) {
	unlock, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer w.observe("purge", &err)()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	evicted, err := w.purge(target)
	res = &PurgeResult{Evicted: len(evicted), CacheBytes: w.store.Size()}
	for _, e := range evicted {
		res.EvictedBytes += e.Size
	}
	return res, err
}

func (w *Workspace) purge(target int64) ([]store.Entry, error) {
	evicted, err := w.store.Purge(target, w.manifest.Referenced)
	for _, e := range evicted {
		w.metrics.RecordEviction(e.Size)
	}
	w.publishState()
	if len(evicted) > 0 {
		w.logger.Info("purged", zap.Int("evicted", len(evicted)), zap.Int64("cacheBytes", w.store.Size()))
	}
	if err != nil {
		return evicted, fmt.Errorf("purge to %d bytes: %w", target, err)
	}
	return evicted, nil
}

// Repair verifies the store and cross-checks the manifest against the sync
// directory. Corrupt blobs are quarantined. A row whose file is gone, or
// whose file no longer hashes to the recorded digest, is dropped; the file
// then counts as untracked.
func (w *Workspace) Repair(ctx context.Context) (res *RepairResult, err error) {
	unlock, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer w.observe("repair", &err)()
	defer w.publishState()

	report, err := w.store.Repair(ctx)
	if err != nil {
		return nil, fmt.Errorf("repair store: %w", err)
	}
	res = &RepairResult{
		Verified:    report.Verified,
		Quarantined: len(report.Quarantined),
		Adopted:     report.Adopted,
		Dropped:     report.Dropped,
		TempRemoved: report.TempRemoved,
	}
	w.metrics.RecordQuarantine(len(report.Quarantined))

	for p, row := range w.manifest.Entries() {
		if err := ctx.Err(); err != nil {
			return res, errors.Join(err, w.manifest.Save())
		}
		full := filepath.Join(w.syncDir, filepath.FromSlash(p))
		info, err := os.Lstat(full)
		if errors.Is(err, fs.ErrNotExist) {
			w.manifest.Remove(p)
			res.Forgotten++
			continue
		}
		if err != nil {
			return res, errdefs.IO(fmt.Errorf("inspect %s: %w", p, err))
		}
		if row.Matches(info) {
			continue
		}

		got, _, err := store.HashFile(full)
		if err != nil || got != row.Digest {
			w.logger.Warn("manifest row dropped", zap.String("path", p), zap.Error(err))
			w.manifest.Remove(p)
			res.Forgotten++
			continue
		}
		row.Size, row.ModTime = info.Size(), info.ModTime()
		w.manifest.Set(p, row)
		res.Refreshed++
	}

	if err := w.manifest.Save(); err != nil {
		return res, fmt.Errorf("save manifest: %w", err)
	}
	w.logger.Info("repaired",
		zap.Int("verified", res.Verified),
		zap.Int("quarantined", res.Quarantined),
		zap.Int("forgotten", res.Forgotten))
	return res, nil
}

// Clear moves every file of the sync directory into the store, leaving it
// empty with all content recoverable.
func (w *Workspace) Clear(ctx context.Context) (res *ClearResult, err error) {
	unlock, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer w.observe("clear", &err)()
	defer w.publishState()

	header := w.manifest.Header()
	plan, err := reconcile.Diff(ctx, reconcile.Input{
		Root:            w.syncDir,
		Stream:          header.Stream,
		Manifest:        w.manifest,
		Store:           w.store,
		RemoveUntracked: true,
	})
	if err != nil {
		return nil, fmt.Errorf("plan clear: %w", err)
	}

	applied, err := w.applier(nil).Apply(ctx, plan)
	res = &ClearResult{Reclaimed: applied.Reclaimed, Ingested: applied.Ingested, Failures: failuresOf(applied)}
	if err != nil {
		return res, fmt.Errorf("clear: %w", err)
	}
	if len(res.Failures) > 0 {
		return res, fmt.Errorf("clear: %d files left: %w", len(res.Failures), errors.Join(errdefs.ErrPartialSync, applied.Err()))
	}

	w.manifest.SetBaseline(header.Stream, 0)
	if err := w.manifest.Save(); err != nil {
		return res, fmt.Errorf("save manifest: %w", err)
	}
	if err := w.publishLedger(ctx); err != nil {
		return res, err
	}
	w.logger.Info("cleared", zap.Int("reclaimed", res.Reclaimed), zap.Int("ingested", res.Ingested))
	return res, nil
}

// Status reports the workspace footprint. It does not wait for a running
// operation.
func (w *Workspace) Status() StatusReport {
	h := w.manifest.Header()
	return StatusReport{
		ClientID:        w.ClientID(),
		Stream:          h.Stream,
		Revision:        h.Revision,
		CacheBytes:      w.store.Size(),
		CacheEntries:    w.store.Len(),
		WorkspaceBytes:  w.manifest.Size(),
		ManifestEntries: w.manifest.Len(),
	}
}

// Stats reports the footprint of stream revisions and how much of it the
// workspace already holds.
func (w *Workspace) Stats(ctx context.Context, reqs []StreamRequest) (out []StreamStats, err error) {
	defer w.observe("stats", &err)()
	if err := w.requireServer(); err != nil {
		return nil, err
	}

	for _, req := range reqs {
		view, err := filter.Parse(req.View)
		if err != nil {
			return out, err
		}
		start := time.Now()
		snap, rev, err := w.server.Snapshot(ctx, req.Stream, req.Revision, view)
		if err != nil {
			return out, fmt.Errorf("snapshot %s@%d: %w", req.Stream, req.Revision, err)
		}

		st := StreamStats{Stream: req.Stream, Revision: rev}
		err = tree.Walk(ctx, snap, view, func(f tree.File) error {
			st.Files++
			st.Bytes += f.Length
			if w.store.Has(f.Digest) || w.manifest.Referenced(f.Digest) {
				st.LocalFiles++
				st.LocalBytes += f.Length
			}
			return nil
		})
		if err != nil {
			return out, fmt.Errorf("walk %s@%d: %w", req.Stream, rev, err)
		}
		w.logger.Debug("stats", zap.String("stream", req.Stream), zap.Int64("revision", rev),
			zap.Int("files", st.Files), zap.Duration("took", time.Since(start)))
		out = append(out, st)
	}
	return out, nil
}
