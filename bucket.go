package emberkv

import (
	"bytes"
	"fmt"

	"emberkv/internal/page"
)

// MaxKeySize is the maximum length of a key, in bytes (spec.md §3
// invariant 10).
const MaxKeySize = 32768

// MaxValueSize is the maximum length of a value, in bytes.
const MaxValueSize = (1 << 31) - 2

// bucketHeaderSize is the size of the on-disk bucket header: rootPageId
// (8) + sequence (8).
const bucketHeaderSize = 16

// bucketHeader is the on-file representation of a bucket, stored as the
// value of a bucket-flagged leaf entry. If root is 0 the bucket is
// inline and an embedded leaf page follows the header in the same
// value slice.
type bucketHeader struct {
	root     pgid
	sequence uint64
}

func decodeBucketHeader(b []byte) bucketHeader {
	return bucketHeader{
		root:     pgid(leUint64(b[0:8])),
		sequence: leUint64(b[8:16]),
	}
}

func (h bucketHeader) encode(b []byte) {
	lePutUint64(b[0:8], uint64(h.root))
	lePutUint64(b[8:16], h.sequence)
}

// Bucket represents a collection of key/value pairs, backed by its own
// B+tree. Buckets may nest: a value stored under the bucket-leaf flag
// is itself a bucketHeader, optionally followed by an inline page.
type Bucket struct {
	bucketHeader
	tx          *Tx
	buckets     map[string]*Bucket // subbucket cache, writable tx only
	page        page.Page          // set if this bucket is inline; zero value otherwise
	hasPage     bool
	rootNode    *node
	nodes       map[pgid]*node // node cache, writable tx only

	// FillPercent controls the fraction of a page split pages are
	// filled to. Not persisted; must be set per Tx.
	FillPercent float64
}

func newBucket(tx *Tx) Bucket {
	b := Bucket{tx: tx, FillPercent: DefaultFillPercent}
	if tx.writable {
		b.buckets = make(map[string]*Bucket)
		b.nodes = make(map[pgid]*node)
	}
	return b
}

func (b *Bucket) Tx() *Tx        { return b.tx }
func (b *Bucket) Root() pgid     { return b.root }
func (b *Bucket) Writable() bool { return b.tx.writable }

// Cursor returns a cursor for iterating over this bucket's keys.
func (b *Bucket) Cursor() *Cursor {
	b.tx.stats.incCursor(1)
	return &Cursor{bucket: b}
}

// Bucket returns a nested bucket by name, or nil if it doesn't exist.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if b.buckets != nil {
		if child := b.buckets[string(name)]; child != nil {
			return child
		}
	}

	c := b.Cursor()
	k, v, flags := c.seek(name)
	if !bytes.Equal(name, k) || flags&page.BucketLeafFlag == 0 {
		return nil
	}

	child := b.openBucket(v)
	if b.buckets != nil {
		b.buckets[string(name)] = child
	}
	return child
}

// openBucket reinterprets a stored bucket value as a Bucket.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)
	child.bucketHeader = decodeBucketHeader(value)

	if child.root == 0 {
		child.page = page.New(value[bucketHeaderSize:])
		child.hasPage = true
	}
	return &child
}

// CreateBucket creates a new, empty bucket at key and returns it.
func (b *Bucket) CreateBucket(key []byte) (*Bucket, error) {
	if b.tx.db == nil {
		return nil, ErrTransactionClosed
	} else if !b.tx.writable {
		return nil, ErrTransactionNotWritable
	} else if len(key) == 0 {
		return nil, ErrBucketNameRequired
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) {
		if flags&page.BucketLeafFlag != 0 {
			return nil, ErrBucketExists
		}
		return nil, ErrIncompatibleValue
	}

	child := Bucket{
		bucketHeader: bucketHeader{},
		tx:           b.tx,
		rootNode:     &node{isLeaf: true},
		FillPercent:  DefaultFillPercent,
	}
	child.tx = b.tx
	value := child.write()

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, page.BucketLeafFlag)

	// A bucket that has just gained a nested bucket can no longer be
	// treated as inline for the rest of this tx.
	b.hasPage = false

	return b.Bucket(key), nil
}

// CreateBucketIfNotExists is CreateBucket but returns the existing
// bucket instead of ErrBucketExists.
func (b *Bucket) CreateBucketIfNotExists(key []byte) (*Bucket, error) {
	child, err := b.CreateBucket(key)
	if err == ErrBucketExists {
		return b.Bucket(key), nil
	} else if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteBucket deletes the nested bucket at key, including all of its
// nested buckets and pages.
func (b *Bucket) DeleteBucket(key []byte) error {
	if b.tx.db == nil {
		return ErrTransactionClosed
	} else if !b.Writable() {
		return ErrTransactionNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if !bytes.Equal(key, k) {
		return ErrBucketNotFound
	} else if flags&page.BucketLeafFlag == 0 {
		return ErrIncompatibleValue
	}

	child := b.Bucket(key)
	if err := child.ForEachBucket(func(k []byte) error {
		if err := child.DeleteBucket(k); err != nil {
			return fmt.Errorf("delete bucket: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	delete(b.buckets, string(key))
	child.nodes = nil
	child.rootNode = nil
	child.free()

	c.node().del(key)
	return nil
}

// Get returns the value for key, or nil if it doesn't exist or if it
// names a nested bucket.
func (b *Bucket) Get(key []byte) []byte {
	k, v, flags := b.Cursor().seek(key)
	if flags&page.BucketLeafFlag != 0 {
		return nil
	}
	if !bytes.Equal(key, k) {
		return nil
	}
	return v
}

// Put sets the value for key, overwriting any previous value.
func (b *Bucket) Put(key, value []byte) error {
	if b.tx.db == nil {
		return ErrTransactionClosed
	} else if !b.Writable() {
		return ErrTransactionNotWritable
	} else if len(key) == 0 {
		return ErrKeyRequired
	} else if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	} else if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)

	if bytes.Equal(key, k) && flags&page.BucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}

	key = cloneBytes(key)
	c.node().put(key, key, value, 0, 0)
	return nil
}

// Delete removes key. It is not an error for key not to exist.
func (b *Bucket) Delete(key []byte) error {
	if b.tx.db == nil {
		return ErrTransactionClosed
	} else if !b.Writable() {
		return ErrTransactionNotWritable
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)
	if !bytes.Equal(key, k) {
		return nil
	}
	if flags&page.BucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)
	return nil
}

// Sequence returns the bucket's current sequence value without
// incrementing it.
func (b *Bucket) Sequence() uint64 { return b.sequence }

// SetSequence sets the bucket's sequence value.
func (b *Bucket) SetSequence(v uint64) error {
	if b.tx.db == nil {
		return ErrTransactionClosed
	} else if !b.Writable() {
		return ErrTransactionNotWritable
	}
	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}
	b.sequence = v
	return nil
}

// NextSequence returns an auto-incrementing integer for the bucket.
func (b *Bucket) NextSequence() (uint64, error) {
	if b.tx.db == nil {
		return 0, ErrTransactionClosed
	} else if !b.Writable() {
		return 0, ErrTransactionNotWritable
	}
	if b.rootNode == nil {
		_ = b.node(b.root, nil)
	}
	b.sequence++
	return b.sequence, nil
}

// ForEach calls fn for every key/value pair in the bucket, in sorted
// key order.
func (b *Bucket) ForEach(fn func(k, v []byte) error) error {
	if b.tx.db == nil {
		return ErrTransactionClosed
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ForEachBucket calls fn for the name of every direct nested bucket.
func (b *Bucket) ForEachBucket(fn func(k []byte) error) error {
	if b.tx.db == nil {
		return ErrTransactionClosed
	}
	c := b.Cursor()
	for k, _, flags := c.first(); k != nil; k, _, flags = c.next() {
		if flags&page.BucketLeafFlag != 0 {
			if err := fn(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetFillPercent implements Bucket.SetFillPercent from spec.md §6.
func (b *Bucket) SetFillPercent(pct float64) { b.FillPercent = pct }

// Stats walks the bucket's whole subtree, including nested buckets, and
// returns aggregate size and branching counters.
func (b *Bucket) Stats() BucketStats {
	var s BucketStats
	pageSize := b.tx.db.pageSize

	if b.root == 0 {
		s.InlineBucketN++
	}
	s.BucketN++

	b.forEachPageNode(func(p page.Page, n *node, hasPage bool, depth int) {
		if depth+1 > s.Depth {
			s.Depth = depth + 1
		}

		if hasPage {
			if p.IsLeaf() {
				s.LeafPageN++
				s.LeafInuse += page.HeaderSize + 2 + page.Sizeof(p.Count())
				for i := 0; i < p.Count(); i++ {
					e := p.LeafElement(i)
					s.KeyN++
					s.LeafInuse += e.KeySize() + e.ValueSize()
				}
			} else if p.IsBranch() {
				s.BranchPageN++
				s.BranchInuse += page.HeaderSize + 2 + page.Sizeof(p.Count())
				for i := 0; i < p.Count(); i++ {
					e := p.BranchElement(i)
					s.BranchInuse += e.KeySize()
				}
			}
			if p.Overflow() > 0 {
				if p.IsLeaf() {
					s.LeafOverflowN += p.Overflow()
					s.LeafAlloc += (1 + p.Overflow()) * pageSize
				} else {
					s.BranchOverflowN += p.Overflow()
					s.BranchAlloc += (1 + p.Overflow()) * pageSize
				}
			} else {
				if p.IsLeaf() {
					s.LeafAlloc += pageSize
				} else {
					s.BranchAlloc += pageSize
				}
			}
		} else if n != nil && n.isLeaf {
			s.LeafPageN++
			s.KeyN += len(n.inodes)
			s.LeafAlloc += pageSize
		} else if n != nil {
			s.BranchPageN++
			s.KeyN += len(n.inodes)
			s.BranchAlloc += pageSize
		}
	})

	if b.hasPage {
		s.InlineBucketInuse += page.HeaderSize + 2 + page.Sizeof(b.page.Count())
	} else if b.rootNode != nil && b.root == 0 {
		s.InlineBucketInuse += b.rootNode.size()
	}

	_ = b.ForEachBucket(func(name []byte) error {
		s.Add(b.Bucket(name).Stats())
		return nil
	})

	return s
}

// spill writes all of this bucket's dirty child buckets, then its own
// root node, to newly allocated pages. Child buckets are spilled
// first, inlining the ones small enough (spec.md §4.4).
func (b *Bucket) spill() error {
	names := make([]string, 0, len(b.buckets))
	for name := range b.buckets {
		names = append(names, name)
	}
	for _, name := range names {
		child := b.buckets[name]

		var value []byte
		if child.inlineable() {
			child.free()
			value = child.write()
		} else {
			if err := child.spill(); err != nil {
				return err
			}
			value = make([]byte, bucketHeaderSize)
			child.bucketHeader.encode(value)
		}

		if child.rootNode == nil {
			continue
		}

		c := b.Cursor()
		k, _, flags := c.seek([]byte(name))
		if !bytes.Equal([]byte(name), k) {
			panicf("bucket: misplaced bucket header: %x -> %x", []byte(name), k)
		}
		if flags&page.BucketLeafFlag == 0 {
			panicf("bucket: unexpected bucket header flag: %x", flags)
		}
		c.node().put([]byte(name), []byte(name), value, 0, page.BucketLeafFlag)
	}

	if b.rootNode == nil {
		return nil
	}

	if err := b.rootNode.spill(); err != nil {
		return err
	}
	b.rootNode = b.rootNode.root()

	if b.rootNode.pgid >= b.tx.meta.maxPageID {
		panicf("bucket: root pgid (%d) above high water mark (%d)", b.rootNode.pgid, b.tx.meta.maxPageID)
	}
	b.root = b.rootNode.pgid
	return nil
}

// inlineable reports whether this bucket is small enough, and free of
// nested buckets, to be packed into its parent's leaf value.
func (b *Bucket) inlineable() bool {
	n := b.rootNode
	if n == nil || !n.isLeaf {
		return false
	}

	size := page.HeaderSize + 2
	for _, it := range n.inodes {
		size += page.LeafElementSize + len(it.key) + len(it.value)
		if it.flags&page.BucketLeafFlag != 0 {
			return false
		} else if size > b.maxInlineBucketSize() {
			return false
		}
	}
	return true
}

func (b *Bucket) maxInlineBucketSize() int { return b.tx.db.pageSize / 4 } // now int/int, fine

// write serializes the bucket header and its root node's page content
// into one contiguous value, for inline storage.
func (b *Bucket) write() []byte {
	n := b.rootNode
	value := make([]byte, bucketHeaderSize+n.size())
	b.bucketHeader.encode(value)

	p := page.New(value[bucketHeaderSize:])
	n.write(p)
	return value
}

// rebalance attempts to balance every materialized node in this bucket
// and its nested buckets.
func (b *Bucket) rebalance() {
	for _, n := range b.nodes {
		n.rebalance()
	}
	for _, child := range b.buckets {
		child.rebalance()
	}
}

// node returns the in-memory node for pgid, materializing it (and
// caching it) from the underlying page if needed.
func (b *Bucket) node(id pgid, parent *node) *node {
	assert(b.nodes != nil, "bucket: node() called without a node cache (read-only tx?)")

	if n := b.nodes[id]; n != nil {
		return n
	}

	n := &node{bucket: b, parent: parent}
	if parent == nil {
		b.rootNode = n
	} else {
		parent.children = append(parent.children, n)
	}

	var p page.Page
	if b.hasPage {
		p = b.page
	} else {
		p = b.tx.page(id)
	}

	n.read(p)
	b.nodes[id] = n
	b.tx.stats.incNode(1)
	return n
}

// free recursively frees every page reachable from this bucket's root.
func (b *Bucket) free() {
	if b.root == 0 {
		return
	}
	tx := b.tx
	b.forEachPageNode(func(p page.Page, n *node, hasPage bool, _ int) {
		if hasPage {
			_ = tx.db.freelist.free(tx.meta.txID, p)
		} else {
			n.free()
		}
	})
	b.root = 0
}

// dereference copies all cached key/value bytes off the mmap and onto
// the heap, recursively including nested buckets.
func (b *Bucket) dereference() {
	if b.rootNode != nil {
		b.rootNode.root().dereference()
	}
	for _, child := range b.buckets {
		child.dereference()
	}
}

// pageNode returns either the in-memory node for id, or the underlying
// page, whichever is available; it never returns both.
func (b *Bucket) pageNode(id pgid) (page.Page, bool, *node) {
	if b.root == 0 {
		if id != 0 {
			panicf("bucket: inline bucket access to non-zero page %d", id)
		}
		if b.rootNode != nil {
			return page.Page{}, false, b.rootNode
		}
		return b.page, true, nil
	}

	if b.nodes != nil {
		if n := b.nodes[id]; n != nil {
			return page.Page{}, false, n
		}
	}
	return b.tx.page(id), true, nil
}

// forEachPageNode walks every page (or node) reachable from this
// bucket's root, including the inline page if any.
func (b *Bucket) forEachPageNode(fn func(p page.Page, n *node, hasPage bool, depth int)) {
	if b.hasPage {
		fn(b.page, nil, true, 0)
		return
	}
	b.walkPageNode(b.root, 0, fn)
}

func (b *Bucket) walkPageNode(id pgid, depth int, fn func(p page.Page, n *node, hasPage bool, depth int)) {
	p, hasPage, n := b.pageNode(id)
	fn(p, n, hasPage, depth)

	if hasPage {
		if p.IsBranch() {
			for i := 0; i < p.Count(); i++ {
				e := p.BranchElement(i)
				b.walkPageNode(e.ChildPageID(), depth+1, fn)
			}
		}
	} else if !n.isLeaf {
		for _, it := range n.inodes {
			b.walkPageNode(it.pgid, depth+1, fn)
		}
	}
}

func cloneBytes(v []byte) []byte {
	c := make([]byte, len(v))
	copy(c, v)
	return c
}
