// Package emberkv implements a low-level, embedded key/value store.
//
// EmberKV is a single-file, copy-on-write B+tree database. Values are
// organized into ordered Buckets, which may nest. The database supports
// fully serializable transactions with a single writer and many
// concurrent readers, and survives process or OS crashes via a
// two-meta-page commit protocol: every commit writes a new meta page to
// whichever of page 0 / page 1 was not used by the previous commit, so
// a crash between page writes leaves the previously-committed meta page
// intact.
//
// There are four types applications interact with: DB, Tx, Bucket, and
// Cursor. A DB is a single open data file. A Tx is a consistent
// snapshot of the whole database used to read or, if writable, mutate
// buckets. A Bucket is an ordered map of byte keys to byte values. A
// Cursor walks a bucket's keys in sorted order.
//
// Keys and values returned from a transaction are only valid for the
// life of that transaction; the underlying memory may be part of a
// read-only memory map that becomes invalid once the transaction ends.
package emberkv

import (
	"encoding/binary"
	"fmt"

	"emberkv/internal/page"
)

// pgid identifies a page within the data file. It is an alias of
// page.ID so the root package's node/bucket/cursor/tx/db code can pass
// ids directly into internal/page accessors without conversions.
type pgid = page.ID

func assert(cond bool, format string, args ...any) {
	if !cond {
		panicf(format, args...)
	}
}

func panicf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}

// leUint64 and lePutUint64 encode/decode the little-endian uint64 values
// used in bucket headers, matching the byte order internal/page uses for
// every other on-disk field.
func leUint64(b []byte) uint64       { return binary.LittleEndian.Uint64(b) }
func lePutUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
