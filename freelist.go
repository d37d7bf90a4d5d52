package emberkv

import (
	"sort"

	"emberkv/internal/page"
)

// freelist tracks which pages are free to reuse and which are pending
// free for a transaction that other, older readers may still depend on.
// See spec.md §4.2.
type freelist struct {
	ids     []pgid            // sorted ascending, currently free
	pending map[uint64][]pgid // txid -> ids freed by that tx
	cache   map[pgid]bool     // union(ids, all pending), for O(1) membership
}

func newFreelist() *freelist {
	return &freelist{
		pending: make(map[uint64][]pgid),
		cache:   make(map[pgid]bool),
	}
}

// count returns the total number of ids this freelist would persist:
// free ids plus every pending id across all transactions.
func (f *freelist) count() int {
	n := len(f.ids)
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// free marks p.ID()..p.ID()+overflow as freed by txid. It is an error
// (ErrDoubleFree) for any of those ids to already be free or pending.
func (f *freelist) free(txid uint64, p page.Page) error {
	if p.ID() <= 1 {
		panicf("freelist: cannot free meta page %d", p.ID())
	}
	ids := f.pending[txid]
	for id := p.ID(); id <= p.ID()+pgid(p.Overflow()); id++ {
		if f.cache[id] {
			return ErrDoubleFree
		}
		ids = append(ids, id)
		f.cache[id] = true
	}
	f.pending[txid] = ids
	return nil
}

// release moves every id pending in a transaction with id <= uptoTxID
// into the free list, sorting it back into ascending order.
func (f *freelist) release(uptoTxID uint64) {
	for txid, ids := range f.pending {
		if txid <= uptoTxID {
			f.ids = append(f.ids, ids...)
			delete(f.pending, txid)
		}
	}
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })
}

// rollback drops everything a transaction had marked pending and removes
// those ids from the membership cache.
func (f *freelist) rollback(txid uint64) {
	for _, id := range f.pending[txid] {
		delete(f.cache, id)
	}
	delete(f.pending, txid)
}

// allocate returns the starting id of the lowest contiguous run of n
// free ids, removing them from the free list, or 0 if no such run
// exists. Ties (equal-length candidate runs) resolve to the run with
// the lowest starting id, since f.ids is scanned in ascending order.
func (f *freelist) allocate(n int) pgid {
	if n <= 0 || len(f.ids) < n {
		return 0
	}

	runStart := 0 // index into f.ids where the current run of consecutive ids began
	for i := range f.ids {
		if i > runStart && f.ids[i] != f.ids[i-1]+1 {
			runStart = i
		}
		if i-runStart+1 == n {
			start := f.ids[runStart]
			f.ids = append(f.ids[:runStart], f.ids[runStart+n:]...)
			for k := 0; k < n; k++ {
				delete(f.cache, start+pgid(k))
			}
			return start
		}
	}
	return 0
}

// write serializes the freelist (free ids followed by pending ids, in
// map-iteration order) into a freelist page, which must already have
// been sized (possibly spanning overflow pages) to fit f.count() ids.
func (f *freelist) write(p page.Page) {
	p.SetFlags(page.FreelistFlag)
	page.SetFreelistCount(p, f.count())

	i := 0
	for _, id := range f.ids {
		page.SetFreelistID(p, i, id)
		i++
	}
	for _, ids := range f.pending {
		for _, id := range ids {
			page.SetFreelistID(p, i, id)
			i++
		}
	}
}

// read loads ids from a freelist page (sorted ascending) and rebuilds
// the cache from those ids plus whatever is still pending.
func (f *freelist) read(p page.Page) {
	count := page.FreelistCount(p)
	f.ids = make([]pgid, 0, count)
	for i := 0; i < count; i++ {
		f.ids = append(f.ids, page.FreelistID(p, i))
	}
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })

	f.cache = make(map[pgid]bool, count)
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for _, ids := range f.pending {
		for _, id := range ids {
			f.cache[id] = true
		}
	}
}

// reload is like read but leaves out of the free ids any id that is
// still pending in f.pending; such ids stay in the cache as pending.
func (f *freelist) reload(p page.Page) {
	count := page.FreelistCount(p)
	onDisk := make(map[pgid]bool, count)
	for i := 0; i < count; i++ {
		onDisk[pgid(page.FreelistID(p, i))] = true
	}

	pending := make(map[pgid]bool)
	for _, ids := range f.pending {
		for _, id := range ids {
			pending[id] = true
		}
	}

	f.ids = f.ids[:0]
	for id := range onDisk {
		if !pending[id] {
			f.ids = append(f.ids, id)
		}
	}
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })

	f.cache = make(map[pgid]bool, len(f.ids))
	for _, id := range f.ids {
		f.cache[id] = true
	}
	for id := range pending {
		f.cache[id] = true
	}
}
