package remote

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/filter"
	"github.com/aweris/wsync/internal/retry"
	"github.com/aweris/wsync/internal/tree"
)

type retrying struct {
	next   Server
	cfg    retry.Config
	logger *zap.Logger
}

// WithRetry wraps s so that transient failures are retried with backoff.
// Permission, not-found and corruption failures are returned immediately.
func WithRetry(s Server, cfg retry.Config, logger *zap.Logger) Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrying{next: s, cfg: cfg, logger: logger}
}

func (r *retrying) config(op string) retry.Config {
	cfg := r.cfg
	classify := cfg.Retryable
	if classify == nil {
		classify = errdefs.IsRetryable
	}
	cfg.Retryable = func(err error) bool {
		if !classify(err) {
			return false
		}
		r.logger.Debug("retrying depot call", zap.String("op", op), zap.Error(err))
		return true
	}
	return cfg
}

func (r *retrying) CreateClient(ctx context.Context, clientID, stream string) error {
	return retry.Do(ctx, r.config("create-client"), func() error {
		return r.next.CreateClient(ctx, clientID, stream)
	})
}

func (r *retrying) Snapshot(ctx context.Context, stream string, revision int64, view *filter.View) (tree.Snapshot, int64, error) {
	type result struct {
		snap tree.Snapshot
		rev  int64
	}
	res, err := retry.DoWithResult(ctx, r.config("snapshot"), func() (result, error) {
		snap, rev, err := r.next.Snapshot(ctx, stream, revision, view)
		return result{snap, rev}, err
	})
	return res.snap, res.rev, err
}

func (r *retrying) Fetch(ctx context.Context, stream string, f tree.File) (io.ReadCloser, error) {
	return retry.DoWithResult(ctx, r.config("fetch"), func() (io.ReadCloser, error) {
		return r.next.Fetch(ctx, stream, f)
	})
}

func (r *retrying) HaveLedger(ctx context.Context, clientID string) (map[string]int64, error) {
	return retry.DoWithResult(ctx, r.config("have-ledger"), func() (map[string]int64, error) {
		return r.next.HaveLedger(ctx, clientID)
	})
}

func (r *retrying) SetHaveLedger(ctx context.Context, clientID string, ledger map[string]int64) error {
	return retry.Do(ctx, r.config("set-have-ledger"), func() error {
		return r.next.SetHaveLedger(ctx, clientID, ledger)
	})
}

func (r *retrying) PendingChange(ctx context.Context, changeID int64) (*Change, error) {
	return retry.DoWithResult(ctx, r.config("pending-change"), func() (*Change, error) {
		return r.next.PendingChange(ctx, changeID)
	})
}

func (r *retrying) FetchPending(ctx context.Context, changeID int64, f tree.File) (io.ReadCloser, error) {
	return retry.DoWithResult(ctx, r.config("fetch-pending"), func() (io.ReadCloser, error) {
		return r.next.FetchPending(ctx, changeID, f)
	})
}

func (r *retrying) RevertOpenFiles(ctx context.Context, clientID string) error {
	return retry.Do(ctx, r.config("revert"), func() error {
		return r.next.RevertOpenFiles(ctx, clientID)
	})
}
