package wsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/logging"
	"github.com/aweris/wsync/internal/manifest"
	"github.com/aweris/wsync/internal/metrics"
	"github.com/aweris/wsync/internal/reconcile"
	"github.com/aweris/wsync/internal/remote"
	"github.com/aweris/wsync/internal/store"
	"github.com/aweris/wsync/internal/tree"
)

const (
	syncDirName  = "sync"
	cacheDirName = "cache"
	manifestName = "manifest.json"
)

// Workspace is a sync directory, its content store and its manifest, bound
// to a depot.
type Workspace struct {
	root    string
	syncDir string

	// server retries transient failures. depot is the undecorated server
	// used for content downloads, which the applier retries as a whole.
	server   remote.Server
	depot    remote.Server
	store    *store.Store
	manifest *manifest.Manifest

	opts    *Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	busy   sync.Mutex
	closed atomic.Bool
}

// Open creates or opens the workspace rooted at root:
//
//	<root>/sync           materialized files
//	<root>/cache          content store
//	<root>/manifest.json  what the engine placed in sync/
func Open(root string, server Server, opts ...Option) (*Workspace, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	syncDir := filepath.Join(root, syncDirName)
	if err := os.MkdirAll(syncDir, 0o755); err != nil {
		return nil, errdefs.IO(fmt.Errorf("create sync dir: %w", err))
	}

	logger := logging.Component(options.Logger, "wsync").With(zap.String("root", root))

	st, err := store.Open(filepath.Join(root, cacheDirName),
		store.WithLogger(logging.Component(logger, "store")),
		store.WithClock(options.now))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	man, err := manifest.Load(filepath.Join(root, manifestName))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	var srv remote.Server
	if server != nil {
		srv = remote.WithRetry(server, options.Retry, logging.Component(logger, "remote"))
	}

	w := &Workspace{
		root:     root,
		syncDir:  syncDir,
		server:   srv,
		depot:    server,
		store:    st,
		manifest: man,
		opts:     options,
		logger:   logger,
		metrics:  metrics.New(options.Registerer),
	}
	w.publishState()
	return w, nil
}

// Root returns the workspace root.
func (w *Workspace) Root() string { return w.root }

// SyncDir returns the directory holding the materialized files.
func (w *Workspace) SyncDir() string { return w.syncDir }

// CacheDir returns the content store directory.
func (w *Workspace) CacheDir() string { return w.store.Dir() }

// ClientID returns the identity used with the depot.
func (w *Workspace) ClientID() string {
	if w.opts.ClientID != "" {
		return w.opts.ClientID
	}
	if id := w.manifest.Header().ClientID; id != "" {
		return id
	}
	return defaultClientID(w.root)
}

// Close flushes the store index and the manifest. It waits for a running
// operation to finish.
func (w *Workspace) Close() error {
	w.busy.Lock()
	defer w.busy.Unlock()
	if w.closed.Swap(true) {
		return nil
	}
	if err := w.manifest.Save(); err != nil {
		w.store.Close()
		return fmt.Errorf("save manifest: %w", err)
	}
	return w.store.Close()
}

// acquire takes the workspace for one operation.
func (w *Workspace) acquire() (func(), error) {
	if !w.busy.TryLock() {
		return nil, ErrWorkspaceBusy
	}
	if w.closed.Load() {
		w.busy.Unlock()
		return nil, ErrClosed
	}
	return w.busy.Unlock, nil
}

func (w *Workspace) requireServer() error {
	if w.server == nil {
		return fmt.Errorf("no depot configured: %w", errdefs.ErrNotFound)
	}
	return nil
}

func (w *Workspace) stream(s string) (string, error) {
	if s != "" {
		return s, nil
	}
	if s = w.manifest.Header().Stream; s != "" {
		return s, nil
	}
	return "", ErrNoStream
}

func (w *Workspace) applier(fetch reconcile.Fetcher) *reconcile.Applier {
	return &reconcile.Applier{
		Root:        w.syncDir,
		Store:       w.store,
		Manifest:    w.manifest,
		Fetch:       fetch,
		Concurrency: w.opts.Concurrency,
		Retry:       w.opts.LocalRetry,
		FetchRetry:  w.opts.Retry,
		Logger:      logging.Component(w.logger, "reconcile"),
		Metrics:     w.metrics,
	}
}

func (w *Workspace) streamFetcher(stream string) reconcile.Fetcher {
	return func(ctx context.Context, f tree.File) (io.ReadCloser, error) {
		return w.depot.Fetch(ctx, stream, f)
	}
}

func (w *Workspace) ledger() map[string]int64 {
	ledger := make(map[string]int64, w.manifest.Len())
	for p, e := range w.manifest.Entries() {
		if !e.Pending {
			ledger[p] = e.Revision
		}
	}
	return ledger
}

// publishLedger mirrors the manifest into the depot's ledger when enabled.
func (w *Workspace) publishLedger(ctx context.Context) error {
	if !w.opts.HaveLedger || w.server == nil {
		return nil
	}
	if err := w.server.SetHaveLedger(ctx, w.ClientID(), w.ledger()); err != nil {
		return fmt.Errorf("update have ledger: %w", err)
	}
	return nil
}

// observe records the duration and outcome of an operation; defer the
// returned func.
func (w *Workspace) observe(op string, errp *error) func() {
	start := time.Now()
	return func() { w.metrics.ObserveOperation(op, start, *errp) }
}

func (w *Workspace) publishState() {
	w.metrics.SetState(w.store.Size(), w.manifest.Size(), w.manifest.Len())
}
