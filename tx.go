package emberkv

import (
	"io"
	"sort"
	"time"

	"emberkv/internal/page"
)

// Tx is a read-only or read-write transaction against a DB. A Tx is a
// consistent snapshot of the whole database: the meta it was opened
// with never changes underneath it, even while a concurrent writer
// commits new data. See spec.md §4.6.
type Tx struct {
	writable bool
	managed  bool
	db       *DB
	meta     meta
	root     Bucket
	pages    map[pgid]page.Page
	stats    TxStats

	commitHandlers   []func()
	rollbackHandlers []func()
}

func (tx *Tx) init(db *DB) {
	tx.db = db
	tx.pages = nil

	db.metaLock.RLock()
	tx.meta = db.meta().copy()
	db.metaLock.RUnlock()

	tx.root = newBucket(tx)
	tx.root.bucketHeader = tx.meta.root

	if tx.writable {
		tx.pages = make(map[pgid]page.Page)
		tx.meta.txID++
	}
}

// ID returns the transaction's identifier. A writable transaction gets
// the last committed id plus one; a read-only transaction carries the id
// of the commit it reads, so concurrent readers can share an id.
func (tx *Tx) ID() uint64 { return tx.meta.txID }

// DB returns the database this transaction belongs to.
func (tx *Tx) DB() *DB { return tx.db }

// Writable reports whether this transaction can mutate buckets.
func (tx *Tx) Writable() bool { return tx.writable }

// Size returns the current size of the database file, in bytes.
func (tx *Tx) Size() int64 { return int64(tx.meta.maxPageID) * int64(tx.meta.pageSize) }

// Stats returns a copy of this transaction's accumulated counters.
func (tx *Tx) Stats() TxStats { return tx.stats }

// Bucket returns the top-level bucket named name, or nil.
func (tx *Tx) Bucket(name []byte) *Bucket { return tx.root.Bucket(name) }

// CreateBucket creates a new top-level bucket.
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }

// CreateBucketIfNotExists creates a new top-level bucket if one with
// this name does not already exist.
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}

// DeleteBucket deletes a top-level bucket.
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }

// ForEach calls fn for the name of every top-level bucket.
func (tx *Tx) ForEach(fn func(name []byte, b *Bucket) error) error {
	return tx.root.ForEachBucket(func(name []byte) error {
		return fn(name, tx.root.Bucket(name))
	})
}

// OnCommit registers fn to run after a successful Commit.
func (tx *Tx) OnCommit(fn func()) { tx.commitHandlers = append(tx.commitHandlers, fn) }

// page returns the page for id: the transaction's own dirty copy if
// it has written one, otherwise a read-only view over the mmap.
func (tx *Tx) page(id pgid) page.Page {
	if tx.pages != nil {
		if p, ok := tx.pages[id]; ok {
			return p
		}
	}
	return tx.db.pageAt(id)
}

// allocate reserves count contiguous pages, preferring the freelist,
// falling back to raising the high water mark; the file itself is grown
// later, in Commit. The returned page is a heap buffer, never aliasing the
// mmap: copy-on-write never mutates a page already on disk.
func (tx *Tx) allocate(count int) (page.Page, error) {
	id, err := tx.db.allocateID(tx.meta.maxPageID, count)
	if err != nil {
		return page.Page{}, err
	}

	buf := make([]byte, count*int(tx.meta.pageSize))
	p := page.New(buf)
	p.SetID(id)
	p.SetOverflow(count - 1)

	tx.pages[id] = p
	if id+pgid(count) > tx.meta.maxPageID {
		tx.meta.maxPageID = id + pgid(count)
	}
	tx.stats.PageCount += count
	tx.stats.PageAlloc += count * int(tx.meta.pageSize)
	return p, nil
}

// Commit writes every dirty page and a new meta page to disk, making
// this transaction's changes durable. It is an error to call Commit on
// a read-only transaction. See spec.md §4.6 for the exact ordering
// this follows.
func (tx *Tx) Commit() error {
	if tx.managed {
		return ErrManagedTxOperationDisallowed
	} else if tx.db == nil {
		return ErrTransactionClosed
	} else if !tx.writable {
		return ErrTransactionNotWritable
	}

	tx.root.rebalance()
	if err := tx.root.spill(); err != nil {
		tx.rollbackUnlocked()
		return wrapf(ErrCommitFailed, err, "spill buckets")
	}
	tx.meta.root = tx.root.bucketHeader

	if err := tx.commitFreelist(); err != nil {
		tx.rollbackUnlocked()
		return wrapf(ErrCommitFailed, err, "commit freelist")
	}

	if err := tx.db.grow(int(tx.meta.maxPageID) * int(tx.meta.pageSize)); err != nil {
		tx.rollbackUnlocked()
		return wrapf(ErrCommitFailed, err, "grow file")
	}

	startTime := time.Now()
	if err := tx.write(); err != nil {
		tx.rollbackUnlocked()
		return wrapf(ErrCommitFailed, err, "write dirty pages")
	}
	if err := tx.db.file.Sync(); err != nil {
		tx.rollbackUnlocked()
		return wrapf(ErrCommitFailed, err, "sync data")
	}

	if err := tx.writeMeta(); err != nil {
		tx.rollbackUnlocked()
		return wrapf(ErrCommitFailed, err, "write meta")
	}
	tx.stats.WriteTime += int64(time.Since(startTime))

	tx.close()

	for _, fn := range tx.commitHandlers {
		fn()
	}
	return nil
}

// commitFreelist frees the previous freelist page(s), then allocates
// and writes out the current freelist contents to fresh pages.
func (tx *Tx) commitFreelist() error {
	db := tx.db
	if tx.meta.freelist != 0 {
		if err := db.freelist.free(tx.meta.txID, tx.page(tx.meta.freelist)); err != nil {
			return err
		}
	}

	bodySize := page.HeaderSize + page.FreelistBodySize(db.freelist.count())
	n := (bodySize + int(tx.meta.pageSize) - 1) / int(tx.meta.pageSize)
	if n == 0 {
		n = 1
	}
	p, err := tx.allocate(n)
	if err != nil {
		return err
	}
	db.freelist.write(p)
	tx.meta.freelist = p.ID()
	return nil
}

// write flushes every page this transaction allocated to the data file in
// ascending page-id order, coalescing runs of adjacent pages into a
// single WriteAt call (spec.md §4.6 step 5).
func (tx *Tx) write() error {
	ids := make([]pgid, 0, len(tx.pages))
	for id := range tx.pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i := 0; i < len(ids); {
		runLen := 1 + tx.pages[ids[i]].Overflow()
		j := i + 1
		for j < len(ids) && ids[j] == ids[i]+pgid(runLen) {
			runLen += 1 + tx.pages[ids[j]].Overflow()
			j++
		}

		buf := tx.pages[ids[i]].Bytes()
		if j > i+1 {
			merged := make([]byte, 0, runLen*int(tx.meta.pageSize))
			for _, id := range ids[i:j] {
				merged = append(merged, tx.pages[id].Bytes()...)
			}
			buf = merged
		}

		off := int64(ids[i]) * int64(tx.meta.pageSize)
		if _, err := tx.db.file.WriteAt(buf, off); err != nil {
			return err
		}
		tx.stats.Write++
		i = j
	}
	return nil
}

// writeMeta writes this transaction's meta to whichever of the two
// meta pages the previous commit did not use, and syncs it, so a crash
// partway through this call leaves the other meta page intact.
func (tx *Tx) writeMeta() error {
	buf := make([]byte, page.MetaSize+page.HeaderSize)
	p := page.New(buf)
	tx.meta.write(p)

	off := int64(p.ID()) * int64(tx.meta.pageSize)
	if _, err := tx.db.file.WriteAt(p.Bytes(), off); err != nil {
		return err
	}
	if !tx.db.opts.NoSync {
		if err := tx.db.file.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards every change this transaction made.
func (tx *Tx) Rollback() error {
	if tx.managed {
		return ErrManagedTxOperationDisallowed
	} else if tx.db == nil {
		return ErrTransactionClosed
	}
	tx.rollbackUnlocked()
	return nil
}

func (tx *Tx) rollbackUnlocked() {
	if tx.writable {
		tx.db.freelist.rollback(tx.meta.txID)
	}
	tx.close()
	for _, fn := range tx.rollbackHandlers {
		fn()
	}
}

func (tx *Tx) close() {
	if tx.db == nil {
		return
	}
	if tx.writable {
		tx.db.freelist.release(tx.db.minReaderTxID(tx.meta.txID) - 1)
		tx.db.rwtx = nil
		tx.db.rwlock.Unlock()
	} else {
		tx.db.removeReader(tx)
	}
	tx.db.statsLock.Lock()
	tx.db.stats.add(Stats{TxStats: tx.stats})
	tx.db.statsLock.Unlock()
	tx.db = nil
}

// WriteTo writes the entire consistent snapshot this transaction sees
// to w, useful for backups. It copies the two meta pages and then every
// page after them up to the transaction's high water mark.
func (tx *Tx) WriteTo(w io.Writer) (int64, error) {
	tx.db.mmapLock.RLock()
	defer tx.db.mmapLock.RUnlock()

	n := int64(tx.meta.maxPageID) * int64(tx.meta.pageSize)
	written, err := io.CopyN(w, tx.db.fileReader(), n)
	return written, err
}

// Check runs consistency checks and reports every problem it finds
// (not just the first) rather than stopping early, so a single Check
// call surfaces everything wrong with the database.
func (tx *Tx) Check() []error {
	var errs []error
	reachable := make(map[pgid]bool)
	freed := make(map[pgid]bool)
	for _, id := range tx.db.freelist.ids {
		freed[id] = true
	}

	tx.checkBucket(&tx.root, reachable, freed, &errs)

	for id := pgid(2); id < tx.meta.maxPageID; id++ {
		if !reachable[id] && !freed[id] {
			errs = append(errs, wrapf(ErrInvalidPageFlags, nil, "page never reachable and never freed"))
		}
	}
	return errs
}

func (tx *Tx) checkBucket(b *Bucket, reachable map[pgid]bool, freed map[pgid]bool, errs *[]error) {
	if b.root == 0 {
		return
	}

	b.forEachPageNode(func(p page.Page, n *node, hasPage bool, _ int) {
		if !hasPage {
			return
		}
		id := p.ID()
		if freed[id] {
			*errs = append(*errs, wrapf(ErrInvalidPageFlags, nil, "page in freelist but still reachable"))
		}
		for i := pgid(0); i <= pgid(p.Overflow()); i++ {
			if reachable[id+i] {
				*errs = append(*errs, wrapf(ErrInvalidPageFlags, nil, "page reachable from more than one parent"))
			}
			reachable[id+i] = true
		}
	})

	_ = b.ForEachBucket(func(name []byte) error {
		tx.checkBucket(b.Bucket(name), reachable, freed, errs)
		return nil
	})
}
