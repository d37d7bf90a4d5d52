//go:build !windows

package emberkv

import (
	"time"

	"golang.org/x/sys/unix"

	"go.uber.org/zap"
)

// mmap maps at least sz bytes of the data file into db.data, growing
// geometrically (doubling past 1GB in fixed steps) past whatever size
// is requested so repeated small writes don't force a remap on every
// commit. See spec.md §4.7.
func (db *DB) mmap(minsz int) error {
	info, err := db.file.Stat()
	if err != nil {
		return wrapf(ErrDatabaseNotOpen, err, "stat data file before mmap")
	}
	if int(info.Size()) > minsz {
		minsz = int(info.Size())
	}

	size, err := db.mmapSize(minsz)
	if err != nil {
		return err
	}

	db.mmapLock.Lock()
	defer db.mmapLock.Unlock()

	if err := db.munmapLocked(); err != nil {
		return err
	}

	b, err := unix.Mmap(int(db.file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return wrapf(ErrDatabaseNotOpen, err, "mmap data file")
	}
	if err := unix.Madvise(b, unix.MADV_RANDOM); err != nil {
		db.log.Warn("madvise failed, continuing without the hint", zap.Error(err))
	}

	db.dataref = b
	db.data = b

	db.meta0 = db.pageAtLocked(0)
	db.meta1 = db.pageAtLocked(1)
	return nil
}

// mmapSize rounds minsz up to the next doubling step, capping the step
// size at 1GB once the mapping is larger than that, so very large
// databases don't over-reserve address space on every growth.
func (db *DB) mmapSize(minsz int) (int, error) {
	const maxMmapStep = 1 << 30
	const maxMapSize = 0xFFFFFFFFFFFF // 256TB

	for i := uint(15); i <= 30; i++ {
		if sz := 1 << i; minsz <= sz {
			return sz, nil
		}
	}
	if int64(minsz) > maxMapSize {
		return 0, wrapf(ErrDatabaseNotOpen, nil, "mmap size too large")
	}

	sz := int64(minsz)
	if remainder := sz % maxMmapStep; remainder > 0 {
		sz += maxMmapStep - remainder
	}

	pageSize := int64(db.pageSize)
	if sz%pageSize != 0 {
		sz = (sz/pageSize + 1) * pageSize
	}
	return int(sz), nil
}

func (db *DB) munmap() error {
	db.mmapLock.Lock()
	defer db.mmapLock.Unlock()
	return db.munmapLocked()
}

func (db *DB) munmapLocked() error {
	if db.dataref == nil {
		return nil
	}
	if err := unix.Munmap(db.dataref); err != nil {
		return wrapf(ErrDatabaseNotOpen, err, "munmap data file")
	}
	db.dataref = nil
	db.data = nil
	return nil
}

// lockFile acquires an advisory exclusive (or shared, for read-only
// databases) lock on the whole data file, polling until timeout elapses.
func (db *DB) lockFile(timeout time.Duration) error {
	how := unix.LOCK_EX
	if db.opts.ReadOnly {
		how = unix.LOCK_SH
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(db.file.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK {
			return wrapf(ErrDatabaseNotOpen, err, "flock data file")
		}
		if timeout != 0 && time.Now().After(deadline) {
			return wrapf(ErrDatabaseNotOpen, err, "timed out waiting for file lock")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (db *DB) unlockFile() error {
	if err := unix.Flock(int(db.file.Fd()), unix.LOCK_UN); err != nil {
		return wrapf(ErrDatabaseNotOpen, err, "unlock data file")
	}
	return nil
}
