package emberkv

import "emberkv/internal/page"

// meta is the in-memory snapshot of a meta page: the fields every
// transaction pins at Begin so its view of the database stays
// consistent even while a concurrent writer commits. See spec.md §4.6.
type meta struct {
	pageSize  uint32
	root      bucketHeader
	freelist  pgid
	maxPageID pgid
	txID      uint64
}

// read decodes meta from a page carrying the meta flag. The caller is
// responsible for having already validated the page via
// page.MetaIn(p).Validate().
func (m *meta) read(p page.Page) {
	pm := page.MetaIn(p)
	m.pageSize = pm.PageSize()
	m.root = bucketHeader{root: pm.RootPageID()}
	m.freelist = pm.FreelistPageID()
	m.maxPageID = pm.MaxPageID()
	m.txID = pm.TxID()
}

// write encodes m onto p, computing and storing its checksum last.
func (m *meta) write(p page.Page) {
	if m.root.root >= m.maxPageID {
		panicf("meta: root pgid (%d) above high water mark (%d)", m.root.root, m.maxPageID)
	}
	if m.freelist >= m.maxPageID && m.freelist != 0 {
		panicf("meta: freelist pgid (%d) above high water mark (%d)", m.freelist, m.maxPageID)
	}

	p.SetID(pgid(m.txID % 2))
	p.SetFlags(page.MetaFlag)

	pm := page.MetaIn(p)
	pm.SetMagic(page.Magic)
	pm.SetVersion(page.Version)
	pm.SetPageSize(m.pageSize)
	pm.SetRootPageID(m.root.root)
	pm.SetFreelistPageID(m.freelist)
	pm.SetMaxPageID(m.maxPageID)
	pm.SetTxID(m.txID)
	pm.SetChecksum(pm.ComputeChecksum())
}

// copy returns a value copy of m, safe to hand to a new transaction.
func (m meta) copy() meta { return m }
