package emberkv

import (
	"time"

	"go.uber.org/zap"
)

// Options configures Open. The zero value is usable and equals
// DefaultOptions; a nil *Options passed to Open means DefaultOptions.
type Options struct {
	// Timeout is how long Open waits to acquire the exclusive file lock
	// before giving up. Zero means wait forever.
	Timeout time.Duration

	// NoGrowSync skips truncating and syncing the file when growing it,
	// trading crash safety for throughput on filesystems that zero-fill
	// extended regions anyway.
	NoGrowSync bool

	// NoSync skips the fsync that normally follows every meta page
	// write. Only safe when something else (e.g. a battery-backed
	// write cache) guarantees durability.
	NoSync bool

	// ReadOnly opens the file without acquiring the writer lock, so
	// multiple processes can hold it open concurrently. Begin(true)
	// and DB.Update return ErrDatabaseReadOnly.
	ReadOnly bool

	// PageSize overrides the page size used when creating a new data
	// file. Ignored when opening an existing file, which always uses
	// the page size recorded in its meta pages.
	PageSize int

	// InitialMmapSize is the mmap size requested on Open, before any
	// page is allocated. Setting this close to the database's eventual
	// size avoids remaps (and their lock-upgrade pause) as it grows.
	InitialMmapSize int

	// Logger receives structured diagnostic events. A no-op logger is
	// used if nil.
	Logger *zap.Logger
}

// DefaultOptions is a reasonable starting point for Open's opts
// parameter.
var DefaultOptions = Options{
	Timeout: 0,
}

func (o Options) logger() *zap.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return zap.NewNop()
}
