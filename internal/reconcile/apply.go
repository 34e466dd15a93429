package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/fsutil"
	"github.com/aweris/wsync/internal/manifest"
	"github.com/aweris/wsync/internal/metrics"
	"github.com/aweris/wsync/internal/retry"
	"github.com/aweris/wsync/internal/store"
	"github.com/aweris/wsync/internal/tree"
)

// DefaultConcurrency bounds parallel fetches.
const DefaultConcurrency = 8

// Fetcher opens the content of a target file.
type Fetcher func(ctx context.Context, f tree.File) (io.ReadCloser, error)

// Applier executes plans against one workspace.
type Applier struct {
	// Root is the sync directory.
	Root     string
	Store    *store.Store
	Manifest *manifest.Manifest
	Fetch    Fetcher

	// Concurrency bounds parallel fetches. Zero means DefaultConcurrency.
	Concurrency int
	// Retry is the policy for local filesystem operations. The zero value
	// means a single attempt.
	Retry retry.Config
	// FetchRetry is the policy for a download, opening the content and
	// writing it to the store as one attempt.
	FetchRetry retry.Config

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Failure is a path the plan could not reconcile.
type Failure struct {
	Path   string
	Action Action
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Action, f.Path, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Result summarizes an applied plan.
type Result struct {
	Materialized int
	Fetched      int // digests downloaded
	Reclaimed    int
	Ingested     int
	Adopted      int
	Forgotten    int
	Untracked    int
	Unchanged    int
	FetchedBytes int64
	PrunedDirs   int

	Failures []Failure
}

// Err joins the failures, or returns nil if there are none.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

type run struct {
	*Applier
	plan   *Plan
	res    *Result
	logger *zap.Logger

	// blocked holds paths whose previous content could not be moved aside.
	blocked map[string]bool
	// missing holds digests that could not be fetched, with the cause.
	missing map[digest.Digest]error
}

// Apply executes plan in phases: removals, directory pruning, fetches,
// placement, adoption. Per-file failures are collected in the result and do
// not stop the remaining work. The returned error is set only when ctx is
// done or the manifest cannot be saved; completed work is recorded in both
// cases.
func (a *Applier) Apply(ctx context.Context, plan *Plan) (*Result, error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &run{
		Applier: a,
		plan:    plan,
		res:     &Result{Unchanged: plan.Unchanged},
		logger:  logger.With(zap.String("stream", plan.Stream), zap.Int64("revision", plan.Revision)),
		blocked: make(map[string]bool),
		missing: make(map[digest.Digest]error),
	}

	err := r.execute(ctx)

	if ferr := a.Store.Flush(); ferr != nil {
		r.logger.Warn("flush store index", zap.Error(ferr))
	}
	if serr := a.Manifest.Save(); serr != nil {
		return r.res, errors.Join(err, fmt.Errorf("save manifest: %w", serr))
	}
	return r.res, err
}

func (r *run) execute(ctx context.Context) error {
	var touched []string
	for _, op := range r.plan.Removals {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.remove(ctx, op)
		touched = append(touched, path.Dir(op.Path))
	}
	if len(touched) > 0 {
		dirs := make([]string, len(touched))
		for i, d := range touched {
			dirs[i] = r.abs(d)
		}
		r.res.PrunedDirs += fsutil.PruneEmptyDirs(r.Root, dirs)
	}

	if err := r.fetch(ctx); err != nil {
		return err
	}

	last := r.lastUse()
	for i, op := range r.plan.Places {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.place(ctx, op, last[op.File.Digest] == i)
	}

	for _, op := range r.plan.Adopts {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.adopt(op)
	}
	return nil
}

func (r *run) remove(ctx context.Context, op Op) {
	src := r.abs(op.Path)
	var err error
	switch op.Action {
	case ActionReclaim:
		err = retry.Do(ctx, r.Retry, func() error {
			_, err := r.Store.Reclaim(src, op.Digest, true)
			return err
		})
	case ActionIngest:
		err = retry.Do(ctx, r.Retry, func() error {
			_, err := r.Store.Ingest(src)
			return err
		})
	case ActionForget, ActionUntrack:
	default:
		err = fmt.Errorf("unexpected removal action %s", op.Action)
	}

	r.Metrics.RecordFile(op.Action.String(), err)
	if err != nil {
		r.fail(op, err)
		r.blocked[op.Path] = true
		return
	}
	if op.Tracked {
		r.Manifest.Remove(op.Path)
	}
	switch op.Action {
	case ActionReclaim:
		r.res.Reclaimed++
	case ActionIngest:
		r.res.Ingested++
	case ActionForget:
		r.res.Forgotten++
	case ActionUntrack:
		r.res.Untracked++
	}
	r.logger.Debug("removed", zap.String("action", op.Action.String()), zap.String("path", op.Path))
}

// fetch downloads every planned digest into the store. A failed digest fails
// the paths that need it, not the whole plan.
func (r *run) fetch(ctx context.Context) error {
	if len(r.plan.Fetches) == 0 {
		return nil
	}
	if r.Fetch == nil {
		for _, f := range r.plan.Fetches {
			r.missing[f.Digest] = errors.New("no fetcher configured")
		}
		return nil
	}

	n := r.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}

	var mu sync.Mutex
	p := pool.New().WithContext(ctx).WithMaxGoroutines(n)
	for _, f := range r.plan.Fetches {
		p.Go(func(ctx context.Context) error {
			fetched, err := r.fetchOne(ctx, f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.missing[f.Digest] = err
				return nil
			}
			if fetched {
				r.res.Fetched++
				r.res.FetchedBytes += f.Length
			}
			return nil
		})
	}
	_ = p.Wait()
	return ctx.Err()
}

// fetchOne downloads f into the store unless its digest is already
// resident, and reports whether it downloaded.
func (r *run) fetchOne(ctx context.Context, f tree.File) (bool, error) {
	if r.Store.Has(f.Digest) {
		return false, nil
	}
	e, err := retry.DoWithResult(ctx, r.FetchRetry, func() (store.Entry, error) {
		rc, err := r.Fetch(ctx, f)
		if err != nil {
			return store.Entry{}, err
		}
		defer rc.Close()
		return r.Store.Put(ctx, f.Digest, rc)
	})
	if err != nil {
		return false, err
	}
	r.Metrics.RecordFetch(e.Size)
	r.logger.Debug("fetched", zap.String("path", f.Path), zap.String("digest", f.Digest.String()), zap.Int64("size", e.Size))
	return true, nil
}

// lastUse maps each placed digest to its final Places index; that placement
// may move the blob out of the store, the earlier ones copy it.
func (r *run) lastUse() map[digest.Digest]int {
	last := make(map[digest.Digest]int, len(r.plan.Places))
	for i, op := range r.plan.Places {
		last[op.File.Digest] = i
	}
	return last
}

func (r *run) place(ctx context.Context, op Op, move bool) {
	f := op.File
	if r.blocked[op.Path] {
		// The removal failure is already reported.
		return
	}
	if err, ok := r.missing[f.Digest]; ok {
		r.Metrics.RecordFile(op.Action.String(), err)
		r.fail(op, err)
		return
	}

	dst := r.abs(op.Path)
	err := r.clearDestination(dst)
	if err == nil {
		err = r.materialize(ctx, f, dst, move)
		if errors.Is(err, errdefs.ErrNotFound) && r.Fetch != nil {
			// Lost from the store since planning.
			var fetched bool
			if fetched, err = r.fetchOne(ctx, f); err == nil {
				if fetched {
					r.res.Fetched++
					r.res.FetchedBytes += f.Length
				}
				err = r.materialize(ctx, f, dst, move)
			}
		}
	}

	var info os.FileInfo
	if err == nil {
		info, err = os.Stat(dst)
	}
	r.Metrics.RecordFile(op.Action.String(), err)
	if err != nil {
		r.fail(op, err)
		return
	}
	if op.Action == ActionMaterialize {
		r.Metrics.RecordCacheHit()
	}
	r.Manifest.Set(op.Path, r.recorded(f, info))
	r.res.Materialized++
	r.logger.Debug("placed", zap.String("path", op.Path), zap.String("digest", f.Digest.String()))
}

func (r *run) materialize(ctx context.Context, f tree.File, dst string, move bool) error {
	return retry.Do(ctx, r.Retry, func() error {
		if move {
			_, err := r.Store.Materialize(f.Digest, dst)
			return err
		}
		return r.Store.CopyOut(f.Digest, dst)
	})
}

// clearDestination removes an empty directory left where a file goes.
func (r *run) clearDestination(dst string) error {
	info, err := os.Lstat(dst)
	if err != nil || !info.IsDir() {
		return nil
	}
	if err := os.Remove(dst); err != nil {
		return errdefs.IO(fmt.Errorf("destination is a directory: %w", err))
	}
	return nil
}

func (r *run) adopt(op Op) {
	info, err := os.Stat(r.abs(op.Path))
	r.Metrics.RecordFile(op.Action.String(), err)
	if err != nil {
		r.fail(op, errdefs.IO(err))
		return
	}
	r.Manifest.Set(op.Path, r.recorded(op.File, info))
	r.res.Adopted++
}

func (r *run) fail(op Op, err error) {
	r.logger.Warn("file not reconciled",
		zap.String("action", op.Action.String()),
		zap.String("path", op.Path),
		zap.Error(err))
	r.res.Failures = append(r.res.Failures, Failure{Path: op.Path, Action: op.Action, Err: err})
}

func (r *run) abs(p string) string {
	return filepath.Join(r.Root, filepath.FromSlash(p))
}

func (r *run) recorded(f tree.File, info os.FileInfo) manifest.Entry {
	e := entryFor(f)
	e.Size = info.Size()
	e.ModTime = info.ModTime()
	e.Pending = r.plan.Pending
	return e
}
