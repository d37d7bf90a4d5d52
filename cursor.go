package emberkv

import (
	"bytes"
	"sort"

	"emberkv/internal/page"
)

// Cursor walks a bucket's keys in sorted order. A Cursor is only valid
// for the life of the transaction that opened its bucket.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// elemRef is one frame of a cursor's descent: the page or node at this
// level, and which element within it the cursor is positioned on.
type elemRef struct {
	page  page.Page
	node  *node
	index int
}

func (r *elemRef) count() int {
	if r.node != nil {
		return len(r.node.inodes)
	}
	return r.page.Count()
}

func (r *elemRef) isLeaf() bool {
	if r.node != nil {
		return r.node.isLeaf
	}
	return r.page.IsLeaf()
}

// Bucket returns the bucket this cursor was created from.
func (c *Cursor) Bucket() *Bucket { return c.bucket }

// First positions the cursor on the first key/value pair in the bucket
// and returns it, or (nil, nil) if the bucket is empty.
func (c *Cursor) First() (key, value []byte) {
	k, v, flags := c.first()
	if flags&page.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Last positions the cursor on the last key/value pair in the bucket.
func (c *Cursor) Last() (key, value []byte) {
	c.stack = c.stack[:0]
	p, _, n := c.bucket.pageNode(c.bucket.root)
	ref := elemRef{page: p, node: n}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.last()

	k, v, flags := c.keyValue()
	if flags&page.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Next advances the cursor to the next key/value pair and returns it,
// or (nil, nil) if there is none.
func (c *Cursor) Next() (key, value []byte) {
	k, v, flags := c.next()
	if flags&page.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Prev moves the cursor to the previous key/value pair and returns it,
// or (nil, nil) if there is none.
func (c *Cursor) Prev() (key, value []byte) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		ref := &c.stack[i]
		if ref.index > 0 {
			ref.index--
			c.stack = c.stack[:i+1]
			c.last()
			k, v, flags := c.keyValue()
			if flags&page.BucketLeafFlag != 0 {
				return k, nil
			}
			return k, v
		}
	}
	return nil, nil
}

// Seek positions the cursor at the first key >= seek and returns it. If
// no such key exists, returns (nil, nil).
func (c *Cursor) Seek(seek []byte) (key, value []byte) {
	k, v, flags := c.seek(seek)
	if k == nil {
		return nil, nil
	}
	if flags&page.BucketLeafFlag != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the key/value pair the cursor is currently positioned
// on. The cursor must be on a leaf, non-bucket entry.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTransactionClosed
	} else if !c.bucket.Writable() {
		return ErrTransactionNotWritable
	}

	k, _, flags := c.keyValue()
	if flags&page.BucketLeafFlag != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(k)
	return nil
}

// first positions the cursor on the bucket's first entry (following
// every leftmost branch down) and returns its raw key/value/flags.
func (c *Cursor) first() (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	p, _, n := c.bucket.pageNode(c.bucket.root)
	c.stack = append(c.stack, elemRef{page: p, node: n})
	c.first_()

	if c.stack[len(c.stack)-1].count() == 0 {
		c.next()
	}
	return c.keyValue()
}

func (c *Cursor) first_() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			return
		}

		var childPgid pgid
		if ref.node != nil {
			childPgid = ref.node.inodes[ref.index].pgid
		} else {
			childPgid = ref.page.BranchElement(ref.index).ChildPageID()
		}

		p, _, n := c.bucket.pageNode(childPgid)
		c.stack = append(c.stack, elemRef{page: p, node: n})
	}
}

// last positions the cursor on the last entry below the current top of
// stack (following every rightmost branch down).
func (c *Cursor) last() {
	for {
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			return
		}

		var childPgid pgid
		if ref.node != nil {
			childPgid = ref.node.inodes[ref.index].pgid
		} else {
			childPgid = ref.page.BranchElement(ref.index).ChildPageID()
		}

		p, _, n := c.bucket.pageNode(childPgid)
		newRef := elemRef{page: p, node: n}
		newRef.index = newRef.count() - 1
		c.stack = append(c.stack, newRef)
	}
}

// next advances the cursor and returns the raw key/value/flags of the
// entry it lands on, or (nil, nil, 0) if there is none.
func (c *Cursor) next() (key, value []byte, flags uint32) {
	for {
		if len(c.stack) == 0 {
			return nil, nil, 0
		}

		i := len(c.stack) - 1
		ref := &c.stack[i]
		if ref.index < ref.count()-1 {
			ref.index++
			break
		}
		if i == 0 {
			return nil, nil, 0
		}
		c.stack = c.stack[:i]
	}

	c.first_()
	return c.keyValue()
}

// seek positions the cursor on the first key >= seek (descending via
// binary search at every level) and returns its raw contents.
func (c *Cursor) seek(seek []byte) (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	c.search(seek, c.bucket.root)

	if len(c.stack) == 0 {
		return nil, nil, 0
	}
	ref := &c.stack[len(c.stack)-1]
	if ref.index >= ref.count() {
		return c.next()
	}
	return c.keyValue()
}

func (c *Cursor) search(key []byte, id pgid) {
	p, hasPage, n := c.bucket.pageNode(id)
	if hasPage {
		if p.Flags()&(page.BranchFlag|page.LeafFlag) == 0 {
			panicf("cursor: invalid page flags for id %d", id)
		}
	} else if n == nil {
		panicf("cursor: invalid page/node for id %d", id)
	}
	ref := elemRef{page: p, node: n}
	c.stack = append(c.stack, ref)

	if ref.isLeaf() {
		c.searchLeaf(key)
		return
	}
	if n != nil {
		c.searchBranchNode(key, n)
	} else {
		c.searchBranchPage(key, p)
	}
}

func (c *Cursor) searchLeaf(key []byte) {
	top := &c.stack[len(c.stack)-1]
	if top.node != nil {
		top.index = sort.Search(len(top.node.inodes), func(i int) bool {
			return bytes.Compare(top.node.inodes[i].key, key) >= 0
		})
		return
	}
	n := top.page.Count()
	top.index = sort.Search(n, func(i int) bool {
		e := top.page.LeafElement(i)
		return bytes.Compare(e.Key(top.page.Bytes(), page.ElementOffset(i)), key) >= 0
	})
}

func (c *Cursor) searchBranchNode(key []byte, n *node) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) > 0
	}) - 1
	if index < 0 {
		index = 0
	}
	c.stack[len(c.stack)-1].index = index
	c.search(key, n.inodes[index].pgid)
}

func (c *Cursor) searchBranchPage(key []byte, p page.Page) {
	count := p.Count()
	index := sort.Search(count, func(i int) bool {
		e := p.BranchElement(i)
		return bytes.Compare(e.Key(p.Bytes(), page.ElementOffset(i)), key) > 0
	}) - 1
	if index < 0 {
		index = 0
	}
	c.stack[len(c.stack)-1].index = index
	c.search(key, p.BranchElement(index).ChildPageID())
}

// keyValue returns the raw key, value, and flags of the element the
// cursor currently sits on, or (nil, nil, 0) if the stack is empty or
// positioned past the end.
func (c *Cursor) keyValue() (key, value []byte, flags uint32) {
	if len(c.stack) == 0 {
		return nil, nil, 0
	}
	ref := &c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}

	if ref.node != nil {
		it := &ref.node.inodes[ref.index]
		return it.key, it.value, it.flags
	}

	e := ref.page.LeafElement(ref.index)
	off := page.ElementOffset(ref.index)
	return e.Key(ref.page.Bytes(), off), e.Value(ref.page.Bytes(), off), e.ElemFlags()
}

// node returns the materialized, writable node the cursor is positioned
// on, converting every page frame on the stack into a node as it
// descends (a write always happens through nodes, never pages).
func (c *Cursor) node() *node {
	assert(len(c.stack) > 0, "cursor: node() called on an empty stack")

	ref := &c.stack[len(c.stack)-1]
	if ref.node != nil && ref.node.isLeaf {
		return ref.node
	}

	n := c.stack[0].node
	if n == nil {
		n = c.bucket.node(c.stack[0].page.ID(), nil)
	}
	for _, r := range c.stack[:len(c.stack)-1] {
		assert(!n.isLeaf, "cursor: node() descended into a leaf mid-stack")
		n = n.childAt(r.index)
	}
	assert(n.isLeaf, "cursor: node() ended on a non-leaf")
	return n
}
