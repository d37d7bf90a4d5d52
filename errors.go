package emberkv

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Error kinds, named by what they mean rather than by Go type, per
// spec.md §7. Callers compare with errors.Is; internal plumbing wraps
// the underlying cause with pkgerrors.Wrap so a failed commit's root
// cause survives alongside its kind.
var (
	ErrDatabaseNotOpen            = errors.New("emberkv: database not open")
	ErrDatabaseReadOnly           = errors.New("emberkv: database is read-only")
	ErrTransactionClosed          = errors.New("emberkv: transaction is closed")
	ErrTransactionNotWritable     = errors.New("emberkv: transaction is not writable")
	ErrManagedTxOperationDisallowed = errors.New("emberkv: managed tx commit/rollback not allowed")

	ErrBucketNotFound     = errors.New("emberkv: bucket not found")
	ErrBucketExists       = errors.New("emberkv: bucket already exists")
	ErrBucketNameRequired = errors.New("emberkv: bucket name required")
	ErrKeyRequired        = errors.New("emberkv: key required")
	ErrKeyTooLarge        = errors.New("emberkv: key too large")
	ErrValueTooLarge      = errors.New("emberkv: value too large")
	ErrIncompatibleValue  = errors.New("emberkv: incompatible value")

	ErrCursorNotPositioned = errors.New("emberkv: cursor not positioned")

	ErrInvalidMagic    = errors.New("emberkv: invalid database magic")
	ErrInvalidVersion  = errors.New("emberkv: invalid database version")
	ErrInvalidChecksum = errors.New("emberkv: invalid meta checksum")

	ErrPageIDAboveHighWaterMark = errors.New("emberkv: page id above high water mark")
	ErrDoubleFree               = errors.New("emberkv: page freed more than once")
	ErrCircularBranchReference  = errors.New("emberkv: circular branch reference")
	ErrInvalidPageFlags         = errors.New("emberkv: invalid page flags")

	ErrCommitFailed = errors.New("emberkv: commit failed")
)

// wrapf wraps cause with a message and keeps it comparable against kind
// via errors.Is, by joining kind and the pkgerrors-wrapped cause.
func wrapf(kind error, cause error, msg string) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%s: %w: %w", msg, kind, pkgerrors.Wrap(cause, msg))
}
