package emberkv

import (
	"bytes"
	"testing"

	"emberkv/internal/page"
)

func testBucket(maxPageID pgid) *Bucket {
	tx := &Tx{writable: true, meta: meta{maxPageID: maxPageID}}
	b := newBucket(tx)
	return &b
}

func TestNodePutOrdersByKey(t *testing.T) {
	b := testBucket(1000)
	n := &node{bucket: b, isLeaf: true}

	n.put([]byte("b"), []byte("b"), []byte("2"), 0, 0)
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("c"), []byte("c"), []byte("3"), 0, 0)

	if len(n.inodes) != 3 {
		t.Fatalf("len(inodes) = %d, want 3", len(n.inodes))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(n.inodes[i].key) != want {
			t.Fatalf("inodes[%d].key = %q, want %q", i, n.inodes[i].key, want)
		}
	}
}

func TestNodePutOverwritesExisting(t *testing.T) {
	b := testBucket(1000)
	n := &node{bucket: b, isLeaf: true}

	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("a"), []byte("a"), []byte("2"), 0, 0)

	if len(n.inodes) != 1 {
		t.Fatalf("len(inodes) = %d, want 1", len(n.inodes))
	}
	if string(n.inodes[0].value) != "2" {
		t.Fatalf("inodes[0].value = %q, want %q", n.inodes[0].value, "2")
	}
}

func TestNodeDel(t *testing.T) {
	b := testBucket(1000)
	n := &node{bucket: b, isLeaf: true}
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)
	n.put([]byte("b"), []byte("b"), []byte("2"), 0, 0)

	n.del([]byte("a"))

	if len(n.inodes) != 1 || string(n.inodes[0].key) != "b" {
		t.Fatalf("inodes after del = %+v, want just %q", n.inodes, "b")
	}
	if !n.unbalanced {
		t.Fatal("del() did not mark node unbalanced")
	}
}

func TestNodeWriteReadRoundTrip(t *testing.T) {
	b := testBucket(1000)
	n := &node{bucket: b, isLeaf: true}
	n.put([]byte("alpha"), []byte("alpha"), []byte("1"), 0, 0)
	n.put([]byte("beta"), []byte("beta"), []byte("2"), 0, page.BucketLeafFlag)

	buf := make([]byte, page.DefaultSize)
	p := page.New(buf)
	p.SetID(7)
	n.write(p)

	got := &node{}
	got.read(p)

	if got.pgid != 7 {
		t.Fatalf("read().pgid = %d, want 7", got.pgid)
	}
	if !got.isLeaf {
		t.Fatal("read().isLeaf = false, want true")
	}
	if len(got.inodes) != 2 {
		t.Fatalf("len(read().inodes) = %d, want 2", len(got.inodes))
	}
	if !bytes.Equal(got.inodes[1].value, []byte("2")) || got.inodes[1].flags&page.BucketLeafFlag == 0 {
		t.Fatalf("inodes[1] = %+v, want value 2 with bucket flag set", got.inodes[1])
	}
}

func TestNodeSplitIndexRespectsMinKeys(t *testing.T) {
	b := testBucket(1000)
	n := &node{bucket: b, isLeaf: true}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		n.put([]byte(k), []byte(k), bytes.Repeat([]byte("x"), 500), 0, 0)
	}

	idx := n.splitIndex(1024)
	if idx < n.minKeys() {
		t.Fatalf("splitIndex(1024) = %d, below minKeys %d", idx, n.minKeys())
	}
	if idx >= len(n.inodes) {
		t.Fatalf("splitIndex(1024) = %d, leaves nothing in the second half (len=%d)", idx, len(n.inodes))
	}
}

func TestNodeSplitTwoNoSplitWhenSmall(t *testing.T) {
	b := testBucket(1000)
	n := &node{bucket: b, isLeaf: true}
	n.put([]byte("a"), []byte("a"), []byte("1"), 0, 0)

	a, rest := n.splitTwo(page.DefaultSize)
	if a != n || rest != nil {
		t.Fatalf("splitTwo() on a tiny node split it; want (n, nil)")
	}
}

func TestNodeSplitTwoSplitsOversizedNode(t *testing.T) {
	b := testBucket(1000)
	n := &node{bucket: b, isLeaf: true}
	big := bytes.Repeat([]byte("x"), 400)
	for i := 0; i < 20; i++ {
		k := []byte{byte('a' + i)}
		n.put(k, k, big, 0, 0)
	}

	a, rest := n.splitTwo(page.DefaultSize)
	if rest == nil {
		t.Fatal("splitTwo() on an oversized node did not split")
	}
	if len(a.inodes)+len(rest.inodes) != 20 {
		t.Fatalf("split halves hold %d+%d inodes, want 20 total", len(a.inodes), len(rest.inodes))
	}
	if len(a.inodes) < a.minKeys() || len(rest.inodes) < rest.minKeys() {
		t.Fatalf("split half below minKeys: %d, %d", len(a.inodes), len(rest.inodes))
	}
}
