package wsync

import (
	"errors"

	"github.com/aweris/wsync/internal/errdefs"
)

var (
	ErrNotFound          = errdefs.ErrNotFound
	ErrIO                = errdefs.ErrIO
	ErrNetwork           = errdefs.ErrNetwork
	ErrPermission        = errdefs.ErrPermission
	ErrCorrupt           = errdefs.ErrCorrupt
	ErrWorkspaceBusy     = errdefs.ErrWorkspaceBusy
	ErrInsufficientSpace = errdefs.ErrInsufficientSpace
	ErrPartialSync       = errdefs.ErrPartialSync

	ErrNoStream = errors.New("wsync: no stream given and none recorded by setup")
	ErrClosed   = errors.New("wsync: workspace closed")
)
