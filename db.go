package emberkv

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"emberkv/internal/page"
)

// DB represents a single open EmberKV data file. A DB is safe for
// concurrent use by multiple goroutines: exactly one writable
// transaction may be open at a time, serialized by rwlock, while any
// number of read-only transactions may run concurrently against their
// own consistent snapshot. See spec.md §5.
type DB struct {
	path     string
	file     *os.File
	opts     Options
	log      *zap.Logger
	pageSize int
	opened   bool

	data    []byte // memory-mapped file contents
	dataref []byte // same backing array, retained until unmap

	meta0 page.Page
	meta1 page.Page

	freelist *freelist

	rwlock   sync.Mutex   // serializes writable transactions
	metaLock sync.RWMutex // guards the committed meta snapshot
	mmapLock sync.RWMutex // guards data/dataref across remap

	readersLock sync.Mutex
	readers     map[*Tx]struct{}

	statsLock sync.Mutex
	stats     Stats

	rwtx *Tx
}

// Open opens (creating if necessary) the data file at path and returns
// a ready-to-use DB.
func Open(path string, mode os.FileMode, opts *Options) (*DB, error) {
	o := DefaultOptions
	if opts != nil {
		o = *opts
	}
	if o.PageSize == 0 {
		o.PageSize = page.DefaultSize
	}

	db := &DB{
		path:     path,
		opts:     o,
		log:      o.logger(),
		readers:  make(map[*Tx]struct{}),
		freelist: newFreelist(),
	}

	flag := os.O_RDWR
	if o.ReadOnly {
		flag = os.O_RDONLY
	}

	var err error
	db.file, err = os.OpenFile(path, flag|os.O_CREATE, mode)
	if err != nil {
		return nil, wrapf(ErrDatabaseNotOpen, err, "open data file")
	}

	if err := db.lockFile(o.Timeout); err != nil {
		_ = db.file.Close()
		return nil, err
	}

	info, err := db.file.Stat()
	if err != nil {
		_ = db.close()
		return nil, wrapf(ErrDatabaseNotOpen, err, "stat data file")
	}
	if info.Size() == 0 {
		if err := db.initFile(o.PageSize); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		var buf [0x1000]byte
		if _, err := db.file.ReadAt(buf[:], 0); err != nil {
			_ = db.close()
			return nil, wrapf(ErrDatabaseNotOpen, err, "read first meta page")
		}
		m := page.MetaIn(page.New(buf[:]))
		if err := m.Validate(); err == nil {
			db.pageSize = int(m.PageSize())
		} else {
			db.pageSize = o.PageSize
		}
	}

	minsz := int(info.Size())
	if o.InitialMmapSize > minsz {
		minsz = o.InitialMmapSize
	}
	if err := db.mmap(minsz); err != nil {
		_ = db.close()
		return nil, err
	}

	if err := db.loadFreelist(); err != nil {
		_ = db.close()
		return nil, err
	}

	db.opened = true
	db.log.Debug("opened database", zap.String("path", path), zap.Int("page_size", db.pageSize))
	return db, nil
}

// initFile lays down the two initial meta pages, an empty freelist
// page, and an empty root leaf page in a brand-new data file.
func (db *DB) initFile(pageSize int) error {
	db.pageSize = pageSize

	buf := make([]byte, pageSize*4)

	for i := 0; i < 2; i++ {
		p := page.New(buf[i*pageSize : (i+1)*pageSize])
		p.SetID(pgid(i))
		m := meta{
			pageSize:  uint32(pageSize),
			root:      bucketHeader{root: 3},
			freelist:  2,
			maxPageID: 4,
			txID:      uint64(i),
		}
		m.write(p)
	}

	freelistPage := page.New(buf[2*pageSize : 3*pageSize])
	freelistPage.SetID(2)
	freelistPage.SetFlags(page.FreelistFlag)
	page.SetFreelistCount(freelistPage, 0)

	rootPage := page.New(buf[3*pageSize : 4*pageSize])
	rootPage.SetID(3)
	rootPage.SetFlags(page.LeafFlag)
	rootPage.SetCount(0)

	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return wrapf(ErrDatabaseNotOpen, err, "write initial pages")
	}
	return db.file.Sync()
}

// meta returns the valid meta page with the higher transaction id
// between the two candidates, following spec.md §4.7's recovery rule.
func (db *DB) meta() meta {
	m0 := page.MetaIn(db.pageAt(0))
	m1 := page.MetaIn(db.pageAt(1))

	err0 := m0.Validate()
	err1 := m1.Validate()

	var m meta
	switch {
	case err0 == nil && (err1 != nil || m0.TxID() >= m1.TxID()):
		m.read(db.pageAt(0))
	case err1 == nil:
		m.read(db.pageAt(1))
	default:
		panicf("database: both meta pages invalid: %v, %v", err0, err1)
	}
	return m
}

// pageAt returns a read-only Page view over the mmap at id, extended to
// cover the page's overflow run.
func (db *DB) pageAt(id pgid) page.Page {
	db.mmapLock.RLock()
	defer db.mmapLock.RUnlock()
	return db.pageAtLocked(id)
}

// pageAtLocked is pageAt without acquiring mmapLock, for callers (like
// mmap itself) that already hold it.
func (db *DB) pageAtLocked(id pgid) page.Page {
	pos := int(id) * int(db.pageSize)
	p := page.New(db.data[pos : pos+int(db.pageSize)])
	if ov := p.Overflow(); ov > 0 {
		end := pos + int(db.pageSize)*(1+ov)
		p = page.New(db.data[pos:end])
	}
	return p
}

// allocateID returns the id of count contiguous free pages, preferring
// the freelist over growing the high water mark.
func (db *DB) allocateID(start pgid, count int) (pgid, error) {
	if id := db.freelist.allocate(count); id != 0 {
		return id, nil
	}
	return start, nil
}

// grow ensures the data file (and its mmap) are at least sz bytes.
// The remap goes through mmap, which rounds the mapping up to its next
// growth step rather than to the exact requirement.
func (db *DB) grow(sz int) error {
	info, err := db.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < int64(sz) {
		if !db.opts.NoGrowSync && !db.opts.ReadOnly {
			if err := db.file.Truncate(int64(sz)); err != nil {
				return wrapf(ErrDatabaseNotOpen, err, "truncate data file")
			}
			if err := db.file.Sync(); err != nil {
				return wrapf(ErrDatabaseNotOpen, err, "sync after truncate")
			}
		}
	}

	if sz <= len(db.data) {
		return nil
	}
	return db.mmap(sz)
}

// fileReader returns a fresh *os.File positioned at offset 0, used by
// Tx.WriteTo so backups never disturb the DB's own file offset.
func (db *DB) fileReader() *os.File {
	f, err := os.Open(db.path)
	if err != nil {
		panicf("database: open for read: %v", err)
	}
	return f
}

// loadFreelist reads the freelist page named by the current meta,
// reloading (rather than plainly reading) it so any pages left pending
// by a transaction that never completed its second meta write are not
// resurrected as free.
func (db *DB) loadFreelist() error {
	m := db.meta()
	if m.freelist == 0 {
		return nil
	}
	db.freelist.reload(db.pageAt(m.freelist))
	return nil
}

func (db *DB) removeReader(tx *Tx) {
	db.readersLock.Lock()
	delete(db.readers, tx)
	db.readersLock.Unlock()
}

// minReaderTxID returns the smallest txID among currently open read-only
// transactions, or committedTxID if none are open, so a committing writer
// only releases pending pages up through the oldest snapshot still in use
// (spec.md §4.7).
func (db *DB) minReaderTxID(committedTxID uint64) uint64 {
	db.readersLock.Lock()
	defer db.readersLock.Unlock()

	watermark := committedTxID
	for r := range db.readers {
		if r.meta.txID < watermark {
			watermark = r.meta.txID
		}
	}
	return watermark
}

// Begin starts a new transaction. Only one writable transaction may be
// open at a time; Begin(true) blocks until any other writer commits or
// rolls back.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if !db.opened {
		return nil, ErrDatabaseNotOpen
	}
	if writable && db.opts.ReadOnly {
		return nil, ErrDatabaseReadOnly
	}

	if writable {
		db.rwlock.Lock()
	}

	tx := &Tx{writable: writable}
	tx.init(db)

	if writable {
		db.rwtx = tx
	} else {
		db.readersLock.Lock()
		db.readers[tx] = struct{}{}
		db.readersLock.Unlock()
		db.statsLock.Lock()
		db.stats.TxN++
		db.statsLock.Unlock()
	}
	return tx, nil
}

// Update runs fn inside a writable transaction, committing if fn
// returns nil and rolling back otherwise.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	tx.managed = true

	if err := fn(tx); err != nil {
		tx.managed = false
		_ = tx.Rollback()
		return err
	}
	tx.managed = false
	return tx.Commit()
}

// View runs fn inside a read-only transaction.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	tx.managed = true

	err = fn(tx)
	tx.managed = false
	if rerr := tx.Rollback(); err == nil {
		err = rerr
	}
	return err
}

// Stats returns a copy of the DB's accumulated counters, refreshed with
// the current freelist size and open read transaction count.
func (db *DB) Stats() Stats {
	db.statsLock.Lock()
	defer db.statsLock.Unlock()

	s := db.stats
	db.readersLock.Lock()
	s.OpenTxN = len(db.readers)
	db.readersLock.Unlock()
	s.FreePageN = len(db.freelist.ids)
	s.PendingPageN = db.freelist.count() - s.FreePageN
	s.FreeAlloc = (s.FreePageN + s.PendingPageN) * int(db.pageSize)
	s.FreelistInUse = page.HeaderSize + page.FreelistBodySize(db.freelist.count())
	return s
}

// Close flushes and releases the database file and its memory map.
func (db *DB) Close() error { return db.close() }

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false

	if err := db.munmap(); err != nil {
		return err
	}
	if db.file != nil {
		if err := db.unlockFile(); err != nil {
			return err
		}
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("close data file: %w", err)
		}
	}
	return nil
}
