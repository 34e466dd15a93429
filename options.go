package wsync

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aweris/wsync/internal/reconcile"
	"github.com/aweris/wsync/internal/retry"
)

// DefaultConcurrency is the number of parallel fetches used by default.
const DefaultConcurrency = reconcile.DefaultConcurrency

// RetryPolicy configures retries of depot calls and local file operations.
type RetryPolicy = retry.Config

// Options configures a Workspace.
type Options struct {
	ClientID    string
	Concurrency int
	HaveLedger  bool

	// CacheBudget, when positive, is applied with Purge after every
	// successful sync.
	CacheBudget int64

	Logger     *zap.Logger
	Registerer prometheus.Registerer

	Retry      RetryPolicy
	LocalRetry RetryPolicy

	now func() time.Time
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Concurrency: DefaultConcurrency,
		Logger:      zap.NewNop(),
		Retry:       retry.DefaultConfig(),
		LocalRetry:  retry.LocalConfig(),
		now:         time.Now,
	}
}

// WithClientID sets the client identity used with the depot. Without it the
// identity recorded by Setup is used, or one derived from the host name and
// workspace root.
func WithClientID(id string) Option {
	return func(o *Options) { o.ClientID = id }
}

// WithConcurrency sets the number of parallel fetches.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithHaveLedger keeps the depot's per-client ledger in step with the
// manifest after fully applied syncs.
func WithHaveLedger(enabled bool) Option {
	return func(o *Options) { o.HaveLedger = enabled }
}

// WithCacheBudget bounds the content store after every sync.
func WithCacheBudget(bytes int64) Option {
	return func(o *Options) { o.CacheBudget = bytes }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithMetrics registers the workspace metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}

// WithRetry sets the retry policy for depot calls.
func WithRetry(p RetryPolicy) Option {
	return func(o *Options) { o.Retry = p }
}

// WithLocalRetry sets the retry policy for local file operations.
func WithLocalRetry(p RetryPolicy) Option {
	return func(o *Options) { o.LocalRetry = p }
}

func withClock(now func() time.Time) Option {
	return func(o *Options) { o.now = now }
}

// DefaultRoot returns the workspace root used when none is configured.
func DefaultRoot() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "wsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "wsync")
	}
	return ".wsync"
}

func defaultClientID(root string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	sum := sha256.Sum256([]byte(root))
	return host + "-" + hex.EncodeToString(sum[:4])
}
