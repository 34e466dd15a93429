package wsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/zap"

	"github.com/aweris/wsync/internal/cachefile"
	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/filter"
	"github.com/aweris/wsync/internal/reconcile"
	"github.com/aweris/wsync/internal/tree"
)

// Setup registers the workspace's client for stream with the depot and
// records both in the manifest.
func (w *Workspace) Setup(ctx context.Context, stream string) (err error) {
	unlock, err := w.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	defer w.observe("setup", &err)()

	if stream == "" {
		return ErrNoStream
	}
	if err := w.requireServer(); err != nil {
		return err
	}

	clientID := w.ClientID()
	if err := w.server.CreateClient(ctx, clientID, stream); err != nil {
		return fmt.Errorf("create client %s: %w", clientID, err)
	}
	w.manifest.SetClient(clientID, stream)
	if err := w.manifest.Save(); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	w.logger.Info("workspace set up", zap.String("client", clientID), zap.String("stream", stream))
	return nil
}

// Sync makes the sync directory hold the files of a stream revision as
// selected by a view. Files that cannot be reconciled are reported in the
// result and the error wraps ErrPartialSync; everything else stays applied,
// so running the same sync again resumes.
func (w *Workspace) Sync(ctx context.Context, opts SyncOptions) (res *SyncResult, err error) {
	unlock, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	defer w.observe("sync", &err)()
	defer func() { res.Duration = time.Since(start) }()

	res = &SyncResult{Status: StatusFailed}
	stream, err := w.stream(opts.Stream)
	if err != nil {
		return res, err
	}
	res.Stream = stream

	view, err := filter.Parse(opts.View)
	if err != nil {
		return res, err
	}

	files, rev, replayed, err := w.target(ctx, stream, opts, view)
	if err != nil {
		return res, err
	}
	res.Revision, res.Files, res.Replayed = rev, len(files), replayed

	logger := w.logger.With(zap.String("stream", stream), zap.Int64("revision", rev))

	plan, err := reconcile.Diff(ctx, reconcile.Input{
		Root:            w.syncDir,
		Stream:          stream,
		Revision:        rev,
		Files:           files,
		Manifest:        w.manifest,
		Store:           w.store,
		RemoveUntracked: opts.RemoveUntracked,
	})
	if err != nil {
		return res, fmt.Errorf("plan sync: %w", err)
	}

	if opts.FakeSync {
		res.Status = StatusPlanned
		res.Counts = plannedCounts(plan)
		logger.Info("sync planned", zap.Int("operations", plan.Len()), zap.Int("fetches", len(plan.Fetches)))
		return res, nil
	}

	applied, err := w.applier(w.streamFetcher(stream)).Apply(ctx, plan)
	res.Counts = countsOf(applied)
	res.Failures = failuresOf(applied)
	defer w.publishState()

	if err != nil {
		if res.Counts.changed() > 0 {
			res.Status = StatusPartial
		}
		return res, fmt.Errorf("sync %s@%d: %w", stream, rev, err)
	}
	if len(res.Failures) > 0 {
		res.Status = StatusPartial
		logger.Warn("sync incomplete", zap.Int("failures", len(res.Failures)))
		return res, fmt.Errorf("sync %s@%d: %d of %d files failed: %w",
			stream, rev, len(res.Failures), len(files), errors.Join(errdefs.ErrPartialSync, applied.Err()))
	}

	w.manifest.SetBaseline(stream, rev)
	if err := w.manifest.Save(); err != nil {
		return res, fmt.Errorf("save manifest: %w", err)
	}
	res.Status = StatusSynced

	if err := w.publishLedger(ctx); err != nil {
		return res, err
	}

	if w.opts.CacheBudget > 0 {
		evicted, perr := w.purge(w.opts.CacheBudget)
		res.Evicted = len(evicted)
		if perr != nil {
			logger.Warn("cache budget not met", zap.Int64("budget", w.opts.CacheBudget), zap.Error(perr))
		}
	}

	logger.Info("synced",
		zap.Int("files", len(files)),
		zap.Int("materialized", res.Materialized),
		zap.Int("fetched", res.Fetched),
		zap.Int("reclaimed", res.Reclaimed),
		zap.Bool("replayed", replayed))
	return res, nil
}

// target resolves the target file set, replaying the cache file when it
// matches and recording it otherwise.
func (w *Workspace) target(ctx context.Context, stream string, opts SyncOptions, view *filter.View) (files []tree.File, rev int64, replayed bool, err error) {
	if opts.CacheFile != "" && opts.Revision > 0 {
		key := cachefile.Key{Stream: stream, Revision: opts.Revision, View: view.Patterns()}
		files, ok, err := cachefile.Lookup(opts.CacheFile, key)
		switch {
		case err != nil:
			w.logger.Warn("cache file ignored", zap.String("path", opts.CacheFile), zap.Error(err))
		case ok:
			w.logger.Debug("cache file replayed", zap.String("path", opts.CacheFile), zap.Stringer("key", key))
			return files, opts.Revision, true, nil
		}
	}

	if err := w.requireServer(); err != nil {
		return nil, 0, false, err
	}
	snap, rev, err := w.server.Snapshot(ctx, stream, opts.Revision, view)
	if err != nil {
		return nil, 0, false, fmt.Errorf("snapshot %s@%d: %w", stream, opts.Revision, err)
	}
	err = tree.Walk(ctx, snap, view, func(f tree.File) error {
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, 0, false, fmt.Errorf("walk %s@%d: %w", stream, rev, err)
	}

	if opts.CacheFile != "" && !opts.FakeSync {
		key := cachefile.Key{Stream: stream, Revision: rev, View: view.Patterns()}
		if err := cachefile.Write(opts.CacheFile, key, files); err != nil {
			w.logger.Warn("cache file not written", zap.String("path", opts.CacheFile), zap.Error(err))
		}
	}
	return files, rev, false, nil
}

// Populate fetches the content of the requested stream revisions into the
// store without touching the sync directory. With fakeSync it only reports
// what would be fetched.
func (w *Workspace) Populate(ctx context.Context, reqs []PopulateRequest, fakeSync bool) (res *PopulateResult, err error) {
	unlock, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer w.observe("populate", &err)()
	defer w.publishState()

	if err := w.requireServer(); err != nil {
		return nil, err
	}

	res = &PopulateResult{Planned: fakeSync}
	seen := make(map[digest.Digest]bool)
	var failed int
	for _, req := range reqs {
		view, err := filter.Parse(req.View)
		if err != nil {
			return res, err
		}
		snap, rev, err := w.server.Snapshot(ctx, req.Stream, req.Revision, view)
		if err != nil {
			return res, fmt.Errorf("snapshot %s@%d: %w", req.Stream, req.Revision, err)
		}

		out := PopulateStream{Stream: req.Stream, Revision: rev}
		plan := &reconcile.Plan{Stream: req.Stream, Revision: rev}
		err = tree.Walk(ctx, snap, view, func(f tree.File) error {
			out.Files++
			if seen[f.Digest] || w.store.Has(f.Digest) || w.manifest.Referenced(f.Digest) {
				return nil
			}
			seen[f.Digest] = true
			plan.Fetches = append(plan.Fetches, f)
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("walk %s@%d: %w", req.Stream, rev, err)
		}

		if fakeSync {
			out.Fetched, out.FetchedBytes = len(plan.Fetches), plan.FetchBytes()
			res.Streams = append(res.Streams, out)
			continue
		}

		applied, err := w.applier(w.streamFetcher(req.Stream)).Apply(ctx, plan)
		if err != nil {
			return res, fmt.Errorf("populate %s@%d: %w", req.Stream, rev, err)
		}
		out.Fetched, out.FetchedBytes = applied.Fetched, applied.FetchedBytes
		for _, f := range plan.Fetches {
			if !w.store.Has(f.Digest) {
				out.Failures = append(out.Failures, FileFailure{Path: f.Path, Err: fmt.Errorf("content %s not fetched", f.Digest)})
			}
		}
		failed += len(out.Failures)
		res.Streams = append(res.Streams, out)
		w.logger.Info("populated", zap.String("stream", req.Stream), zap.Int64("revision", rev),
			zap.Int("files", out.Files), zap.Int("fetched", out.Fetched))
	}

	if failed > 0 {
		return res, fmt.Errorf("populate: %d files not fetched: %w", failed, errdefs.ErrPartialSync)
	}
	return res, nil
}

// Unshelve places the files of a pending change in the sync directory. The
// content they replace is kept in the store and the committed baseline is
// left alone. The placed files are recorded as pending, so the next sync
// moves them into the store and syncing the baseline again restores it.
func (w *Workspace) Unshelve(ctx context.Context, changeID int64) (res *UnshelveResult, err error) {
	unlock, err := w.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer w.observe("unshelve", &err)()

	if err := w.requireServer(); err != nil {
		return nil, err
	}
	change, err := w.server.PendingChange(ctx, changeID)
	if err != nil {
		return nil, fmt.Errorf("pending change %d: %w", changeID, err)
	}

	res = &UnshelveResult{ChangeID: changeID, Files: len(change.Files)}
	plan, err := reconcile.PlanPending(ctx, reconcile.Input{
		Root:     w.syncDir,
		Stream:   change.Stream,
		Files:    change.Files,
		Manifest: w.manifest,
		Store:    w.store,
	})
	if err != nil {
		return res, fmt.Errorf("plan unshelve: %w", err)
	}

	fetch := func(ctx context.Context, f tree.File) (io.ReadCloser, error) {
		return w.depot.FetchPending(ctx, changeID, f)
	}
	applied, err := w.applier(fetch).Apply(ctx, plan)
	res.Counts = countsOf(applied)
	res.Failures = failuresOf(applied)
	defer w.publishState()
	if err != nil {
		return res, fmt.Errorf("unshelve %d: %w", changeID, err)
	}
	if len(res.Failures) > 0 {
		return res, fmt.Errorf("unshelve %d: %d files failed: %w",
			changeID, len(res.Failures), errors.Join(errdefs.ErrPartialSync, applied.Err()))
	}
	w.logger.Info("unshelved", zap.Int64("change", changeID), zap.Int("files", res.Files))
	return res, nil
}

// Revert discards the client's pending edits on the depot. Local state is
// not touched.
func (w *Workspace) Revert(ctx context.Context) (err error) {
	unlock, err := w.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	defer w.observe("revert", &err)()

	if err := w.requireServer(); err != nil {
		return err
	}
	if err := w.server.RevertOpenFiles(ctx, w.ClientID()); err != nil {
		return fmt.Errorf("revert open files: %w", err)
	}
	return nil
}
