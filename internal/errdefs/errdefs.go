// Package errdefs defines the error taxonomy shared by the sync engine.
//
// Sentinel errors identify a failure class. Causes are attached with the
// helpers below so both the class and the underlying error satisfy errors.Is.
package errdefs

import "errors"

var (
	// ErrNotFound reports a ref or path missing from a snapshot or store.
	ErrNotFound = errors.New("wsync: not found")

	// ErrIO reports a local filesystem failure.
	ErrIO = errors.New("wsync: io failure")

	// ErrNetwork reports a failure of the remote collaborator.
	ErrNetwork = errors.New("wsync: network failure")

	// ErrPermission reports an authorization or permission failure of the
	// remote collaborator. It is never retried.
	ErrPermission = errors.New("wsync: permission denied")

	// ErrCorrupt reports content whose digest does not match its key.
	ErrCorrupt = errors.New("wsync: corrupt entry")

	// ErrWorkspaceBusy reports a concurrent operation on the same workspace.
	ErrWorkspaceBusy = errors.New("wsync: workspace busy")

	// ErrInsufficientSpace reports that a cache budget cannot be met even
	// after evicting every evictable entry.
	ErrInsufficientSpace = errors.New("wsync: insufficient space")

	// ErrPartialSync reports a sync that reconciled some files but not all.
	ErrPartialSync = errors.New("wsync: partially synced")
)

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string   { return e.err.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Wrap tags err with kind. It returns nil for a nil err and leaves err alone
// if it already carries kind.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

// IO tags err as a local filesystem failure.
func IO(err error) error { return Wrap(ErrIO, err) }

// Network tags err as a remote collaborator failure.
func Network(err error) error { return Wrap(ErrNetwork, err) }

// IsRetryable reports whether err belongs to a class that may succeed when
// attempted again.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPermission),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrCorrupt),
		errors.Is(err, ErrWorkspaceBusy):
		return false
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrIO)
}
