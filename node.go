package emberkv

import (
	"bytes"
	"sort"

	"emberkv/internal/page"
)

// minFillPercent and maxFillPercent clamp Bucket.FillPercent (spec.md §3).
const (
	minFillPercent = 0.1
	maxFillPercent = 1.0
)

// DefaultFillPercent is the fill percentage new buckets start with.
const DefaultFillPercent = 0.5

// inode is an in-memory B+tree element: either a branch pointer
// (pgid set, value nil) or a leaf key/value (value set, pgid zero).
type inode struct {
	flags uint32
	pgid  pgid
	key   []byte
	value []byte
}

type inodes []inode

// node is the in-memory materialization of a B+tree page, held by a
// writable transaction from first visit until commit or rollback.
// See spec.md §3 and §4.3.
type node struct {
	bucket     *Bucket
	isLeaf     bool
	unbalanced bool
	spilled    bool
	key        []byte // first key of this node's subtree
	pgid       pgid   // 0 if not yet assigned a page
	parent     *node
	children   nodes
	inodes     inodes
}

type nodes []*node

func (s nodes) Len() int      { return len(s) }
func (s nodes) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s nodes) Less(i, j int) bool {
	return bytes.Compare(s[i].inodes[0].key, s[j].inodes[0].key) < 0
}

func (n *node) root() *node {
	if n.parent == nil {
		return n
	}
	return n.parent.root()
}

// minKeys returns the fewest inodes a node of this kind should hold:
// 1 for a leaf, 2 for a branch (a branch with a single child collapses
// on rebalance).
func (n *node) minKeys() int {
	if n.isLeaf {
		return 1
	}
	return 2
}

// size returns the serialized size of this node.
func (n *node) size() int {
	sz := page.HeaderSize + 2 // header + count field
	for _, it := range n.inodes {
		sz += page.LeafElementSize + len(it.key) + len(it.value)
	}
	return sz
}

// sizeLessThan reports whether n serializes to fewer than limit bytes,
// short-circuiting once the running total reaches limit.
func (n *node) sizeLessThan(limit int) bool {
	sz := page.HeaderSize + 2
	for _, it := range n.inodes {
		sz += page.LeafElementSize + len(it.key) + len(it.value)
		if sz >= limit {
			return false
		}
	}
	return true
}

func (n *node) childAt(index int) *node {
	if n.isLeaf {
		panicf("node: childAt(%d) called on a leaf node", index)
	}
	return n.bucket.node(n.inodes[index].pgid, n)
}

func (n *node) childIndex(child *node) int {
	return sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, child.key) >= 0
	})
}

func (n *node) numChildren() int { return len(n.inodes) }

func (n *node) nextSibling() *node {
	if n.parent == nil {
		return nil
	}
	i := n.parent.childIndex(n)
	if i >= n.parent.numChildren()-1 {
		return nil
	}
	return n.parent.childAt(i + 1)
}

func (n *node) prevSibling() *node {
	if n.parent == nil {
		return nil
	}
	i := n.parent.childIndex(n)
	if i == 0 {
		return nil
	}
	return n.parent.childAt(i - 1)
}

// put inserts or updates an inode. oldKey locates an existing inode by
// binary search; newKey/value/flags/childPgid become its new contents.
// Branch inodes pass a nil value; leaf inodes pass pgid 0.
func (n *node) put(oldKey, newKey, value []byte, childPgid pgid, flags uint32) {
	if childPgid >= n.bucket.tx.meta.maxPageID {
		panicf("node: put pgid (%d) above high water mark (%d)", childPgid, n.bucket.tx.meta.maxPageID)
	} else if len(oldKey) == 0 {
		panicf("node: put called with zero-length old key")
	} else if len(newKey) == 0 {
		panicf("node: put called with zero-length new key")
	}

	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, oldKey) >= 0
	})

	exact := index < len(n.inodes) && bytes.Equal(n.inodes[index].key, oldKey)
	if !exact {
		n.inodes = append(n.inodes, inode{})
		copy(n.inodes[index+1:], n.inodes[index:])
	}

	it := &n.inodes[index]
	it.flags = flags
	it.key = newKey
	it.value = value
	it.pgid = childPgid
	assert(len(it.key) > 0, "node: put produced a zero-length inode key")
}

// del removes the inode with the given key, if present, and marks the
// node as needing rebalance.
func (n *node) del(key []byte) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) >= 0
	})
	if index >= len(n.inodes) || !bytes.Equal(n.inodes[index].key, key) {
		return
	}
	n.inodes = append(n.inodes[:index], n.inodes[index+1:]...)
	n.unbalanced = true
}

// read materializes a node from a page.
func (n *node) read(p page.Page) {
	n.pgid = p.ID()
	n.isLeaf = p.IsLeaf()
	n.inodes = make(inodes, p.Count())

	for i := 0; i < p.Count(); i++ {
		it := &n.inodes[i]
		elemOff := page.ElementOffset(i)
		if n.isLeaf {
			e := p.LeafElement(i)
			it.flags = e.ElemFlags()
			it.key = e.Key(p.Bytes(), elemOff)
			it.value = e.Value(p.Bytes(), elemOff)
		} else {
			e := p.BranchElement(i)
			it.pgid = e.ChildPageID()
			it.key = e.Key(p.Bytes(), elemOff)
		}
		assert(len(it.key) > 0, "node: read produced a zero-length inode key")
	}

	if len(n.inodes) > 0 {
		n.key = n.inodes[0].key
	} else {
		n.key = nil
	}
}

// write serializes n onto p, which must already have the right id and
// overflow set and otherwise be zeroed.
func (n *node) write(p page.Page) {
	if n.isLeaf {
		p.SetFlags(page.LeafFlag)
	} else {
		p.SetFlags(page.BranchFlag)
	}
	if len(n.inodes) >= 0xFFFF {
		panicf("node: inode overflow: %d (pgid=%d)", len(n.inodes), p.ID())
	}
	p.SetCount(len(n.inodes))
	if len(n.inodes) == 0 {
		return
	}

	off := page.DataOffset(len(n.inodes))
	for i, it := range n.inodes {
		assert(len(it.key) > 0, "node: write found a zero-length inode key")

		elemOff := page.ElementOffset(i)
		l := copy(p.Bytes()[off:], it.key)
		copy(p.Bytes()[off+l:], it.value)

		if n.isLeaf {
			e := p.LeafElement(i)
			e.SetElemFlags(it.flags)
			e.SetKeyPos(off - elemOff)
			e.SetKeySize(len(it.key))
			e.SetValueSize(len(it.value))
		} else {
			e := p.BranchElement(i)
			e.SetKeyPos(off - elemOff)
			e.SetKeySize(len(it.key))
			e.SetChildPageID(it.pgid)
			assert(it.pgid != p.ID(), "node: write found a circular page reference")
		}
		off += len(it.key) + len(it.value)
	}
}

// split breaks n into as many nodes as needed to each fit pageSize,
// returning them in order (n is always first).
func (n *node) split(pageSize int) []*node {
	var result []*node
	cur := n
	for {
		a, b := cur.splitTwo(pageSize)
		result = append(result, a)
		if b == nil {
			break
		}
		cur = b
	}
	return result
}

// splitTwo splits n into two nodes if it holds at least 2*minKeys
// inodes and its serialized size exceeds pageSize; otherwise returns
// (n, nil).
func (n *node) splitTwo(pageSize int) (*node, *node) {
	if len(n.inodes) < 2*n.minKeys() || n.sizeLessThan(pageSize) {
		return n, nil
	}

	fillPercent := n.bucket.FillPercent
	if fillPercent < minFillPercent {
		fillPercent = minFillPercent
	} else if fillPercent > maxFillPercent {
		fillPercent = maxFillPercent
	}
	threshold := int(float64(pageSize) * fillPercent)

	splitIndex := n.splitIndex(threshold)

	if n.parent == nil {
		n.parent = &node{bucket: n.bucket, children: nodes{n}}
	}

	next := &node{bucket: n.bucket, isLeaf: n.isLeaf, parent: n.parent}
	n.parent.children = append(n.parent.children, next)

	next.inodes = n.inodes[splitIndex:]
	n.inodes = n.inodes[:splitIndex]
	n.bucket.tx.stats.incSplit(1)

	return n, next
}

// splitIndex walks inodes accumulating size, returning the first index
// i >= minKeys at which adding element i would exceed threshold. If the
// loop never crosses threshold, it returns the last index that still
// leaves at least minKeys inodes for the second half. An index of 0
// is bumped up to minKeys, per spec.md §4.3.
func (n *node) splitIndex(threshold int) int {
	minKeys := n.minKeys()

	// Default, used if the loop below never crosses threshold: the last
	// index that still leaves at least minKeys inodes in the second half.
	index := len(n.inodes) - minKeys
	if index < 0 {
		index = 0
	}

	sz := page.HeaderSize + 2
	for i := 0; i < len(n.inodes); i++ {
		it := n.inodes[i]
		elsz := page.LeafElementSize + len(it.key) + len(it.value)
		if i >= minKeys && sz+elsz > threshold {
			index = i
			break
		}
		sz += elsz
	}

	if index == 0 {
		index = minKeys
	}
	return index
}

// spill writes dirty nodes to newly allocated pages, splitting as
// needed, bottom-up: children spill before their parent so a parent's
// upsert of a split child's new (key, pageId) happens after that
// child's page id is known. See spec.md §4.3.
func (n *node) spill() error {
	if n.spilled {
		return nil
	}
	tx := n.bucket.tx

	sort.Sort(n.children)
	for i := 0; i < len(n.children); i++ {
		if err := n.children[i].spill(); err != nil {
			return err
		}
	}
	n.children = nil

	nodesToWrite := n.split(tx.db.pageSize)
	for _, nd := range nodesToWrite {
		if nd.pgid > 0 {
			if err := tx.db.freelist.free(tx.meta.txID, tx.page(nd.pgid)); err != nil {
				return err
			}
			nd.pgid = 0
		}

		p, err := tx.allocate((nd.size() + tx.db.pageSize - 1) / tx.db.pageSize)
		if err != nil {
			return err
		}
		if p.ID() >= tx.meta.maxPageID {
			panicf("node: spill pgid (%d) above high water mark (%d)", p.ID(), tx.meta.maxPageID)
		}
		nd.pgid = p.ID()
		nd.write(p)
		nd.spilled = true
		tx.stats.incSpill(1)

		if nd.parent != nil {
			key := nd.key
			if key == nil {
				key = nd.inodes[0].key
			}
			nd.parent.put(key, nd.inodes[0].key, nil, nd.pgid, 0)
			nd.key = nd.inodes[0].key
			assert(len(nd.key) > 0, "node: spill produced a zero-length node key")
		}
	}

	if n.parent != nil && n.parent.pgid == 0 {
		n.children = nil
		return n.parent.spill()
	}
	return nil
}

// rebalance merges or collapses a node marked unbalanced by a prior
// del, if it has fallen below the fill threshold. See spec.md §4.3.
func (n *node) rebalance() {
	if !n.unbalanced {
		return
	}
	n.unbalanced = false
	n.bucket.tx.stats.incRebalance(1)

	threshold := n.bucket.tx.db.pageSize / 4
	if n.size() > threshold && len(n.inodes) > n.minKeys() {
		return
	}

	if n.parent == nil {
		if !n.isLeaf && len(n.inodes) == 1 {
			child := n.bucket.node(n.inodes[0].pgid, n)
			n.isLeaf = child.isLeaf
			n.inodes = child.inodes[:]
			n.children = child.children

			for _, it := range n.inodes {
				if c, ok := n.bucket.nodes[it.pgid]; ok {
					c.parent = n
				}
			}

			child.parent = nil
			delete(n.bucket.nodes, child.pgid)
			child.free()
		}
		return
	}

	if n.numChildren() == 0 {
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
		n.parent.rebalance()
		return
	}

	assert(n.parent.numChildren() > 1, "node: rebalance found a parent with fewer than 2 children")

	var target *node
	useNextSibling := n.parent.childIndex(n) == 0
	if useNextSibling {
		target = n.nextSibling()
	} else {
		target = n.prevSibling()
	}

	if useNextSibling {
		for _, it := range target.inodes {
			if c, ok := n.bucket.nodes[it.pgid]; ok {
				c.parent.removeChild(c)
				c.parent = n
				c.parent.children = append(c.parent.children, c)
			}
		}
		n.inodes = append(n.inodes, target.inodes...)
		n.parent.del(target.key)
		n.parent.removeChild(target)
		delete(n.bucket.nodes, target.pgid)
		target.free()
	} else {
		for _, it := range n.inodes {
			if c, ok := n.bucket.nodes[it.pgid]; ok {
				c.parent.removeChild(c)
				c.parent = target
				c.parent.children = append(c.parent.children, c)
			}
		}
		target.inodes = append(target.inodes, n.inodes...)
		n.parent.del(n.key)
		n.parent.removeChild(n)
		delete(n.bucket.nodes, n.pgid)
		n.free()
	}

	n.parent.rebalance()
}

func (n *node) removeChild(target *node) {
	for i, c := range n.children {
		if c == target {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// dereference copies every inode's key/value bytes (and this node's
// own firstKey) to heap memory, recursively over children, so a
// subsequent mmap remap cannot invalidate them.
func (n *node) dereference() {
	if n.key != nil {
		n.key = append([]byte(nil), n.key...)
	}
	for i := range n.inodes {
		it := &n.inodes[i]
		it.key = append([]byte(nil), it.key...)
		it.value = append([]byte(nil), it.value...)
	}
	for _, c := range n.children {
		c.dereference()
	}
}

// free returns the node's underlying page to the freelist.
func (n *node) free() {
	if n.pgid != 0 {
		_ = n.bucket.tx.db.freelist.free(n.bucket.tx.meta.txID, n.bucket.tx.page(n.pgid))
		n.pgid = 0
	}
}
