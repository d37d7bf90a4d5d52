package emberkv

import "github.com/dustin/go-humanize"

// Stats holds aggregate database-wide counters, accumulated across the
// life of an open DB. See spec.md §6.
type Stats struct {
	FreePageN     int // free pages in the freelist
	PendingPageN  int // pending pages across all in-flight writer txs
	FreeAlloc     int // bytes allocated by all free pages
	FreelistInUse int // bytes used by the freelist page(s) themselves

	TxN     int // number of started read transactions
	OpenTxN int // number of currently open read transactions

	TxStats TxStats
}

// String renders human-readable byte counts via go-humanize, matching
// the teacher's convention of formatting operational counters for logs
// rather than raw integers.
func (s Stats) String() string {
	return "free=" + humanize.Comma(int64(s.FreePageN)) +
		" pending=" + humanize.Comma(int64(s.PendingPageN)) +
		" freeAlloc=" + humanize.Bytes(uint64(s.FreeAlloc)) +
		" freelistInUse=" + humanize.Bytes(uint64(s.FreelistInUse)) +
		" txN=" + humanize.Comma(int64(s.TxN))
}

// Sub returns the difference between s and other, for reporting deltas
// between two Stats snapshots.
func (s Stats) Sub(other Stats) Stats {
	if other == (Stats{}) {
		return s
	}
	var diff Stats
	diff.FreePageN = s.FreePageN
	diff.PendingPageN = s.PendingPageN
	diff.FreeAlloc = s.FreeAlloc
	diff.FreelistInUse = s.FreelistInUse
	diff.TxN = s.TxN - other.TxN
	diff.TxStats = s.TxStats.Sub(other.TxStats)
	return diff
}

func (s *Stats) add(other Stats) {
	s.TxStats.add(other.TxStats)
}

// TxStats holds counters scoped to a single transaction's lifetime.
type TxStats struct {
	PageCount     int // pages allocated
	PageAlloc     int // bytes allocated
	CursorCount   int // cursors created
	NodeCount     int // nodes materialized from pages
	NodeDeref     int // nodes dereferenced to heap memory
	Rebalance     int // node rebalance operations
	Split         int // node splits
	Spill         int // node spills
	Write         int // WriteAt calls for dirty pages (one per run of adjacent pages)
	WriteTime     int64 // nanoseconds spent writing pages to disk
}

func (t *TxStats) incCursor(n int) { t.CursorCount += n }
func (t *TxStats) incNode(n int)   { t.NodeCount += n }
func (t *TxStats) incRebalance(n int) { t.Rebalance += n }
func (t *TxStats) incSplit(n int)  { t.Split += n }
func (t *TxStats) incSpill(n int)  { t.Spill += n }

func (t TxStats) Sub(other TxStats) TxStats {
	var diff TxStats
	diff.PageCount = t.PageCount - other.PageCount
	diff.PageAlloc = t.PageAlloc - other.PageAlloc
	diff.CursorCount = t.CursorCount - other.CursorCount
	diff.NodeCount = t.NodeCount - other.NodeCount
	diff.NodeDeref = t.NodeDeref - other.NodeDeref
	diff.Rebalance = t.Rebalance - other.Rebalance
	diff.Split = t.Split - other.Split
	diff.Spill = t.Spill - other.Spill
	diff.Write = t.Write - other.Write
	diff.WriteTime = t.WriteTime - other.WriteTime
	return diff
}

func (t *TxStats) add(other TxStats) {
	t.PageCount += other.PageCount
	t.PageAlloc += other.PageAlloc
	t.CursorCount += other.CursorCount
	t.NodeCount += other.NodeCount
	t.NodeDeref += other.NodeDeref
	t.Rebalance += other.Rebalance
	t.Split += other.Split
	t.Spill += other.Spill
	t.Write += other.Write
	t.WriteTime += other.WriteTime
}

// BucketStats holds size and branching counters for a single bucket
// subtree, produced by Bucket.Stats.
type BucketStats struct {
	BranchPageN     int
	BranchOverflowN int
	LeafPageN       int
	LeafOverflowN   int
	KeyN            int
	Depth           int
	BranchAlloc     int
	BranchInuse     int
	LeafAlloc       int
	LeafInuse       int
	BucketN         int
	InlineBucketN   int
	InlineBucketInuse int
}

func (s *BucketStats) Add(other BucketStats) {
	s.BranchPageN += other.BranchPageN
	s.BranchOverflowN += other.BranchOverflowN
	s.LeafPageN += other.LeafPageN
	s.LeafOverflowN += other.LeafOverflowN
	s.KeyN += other.KeyN
	if other.Depth > s.Depth {
		s.Depth = other.Depth
	}
	s.BranchAlloc += other.BranchAlloc
	s.BranchInuse += other.BranchInuse
	s.LeafAlloc += other.LeafAlloc
	s.LeafInuse += other.LeafInuse
	s.BucketN += other.BucketN
	s.InlineBucketN += other.InlineBucketN
	s.InlineBucketInuse += other.InlineBucketInuse
}
