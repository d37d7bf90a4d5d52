package page

import "testing"

func newPage(flags Flags, extra int) Page {
	buf := make([]byte, DefaultSize+extra)
	p := New(buf)
	p.SetID(7)
	p.SetOverflow(0)
	p.SetFlags(flags)
	return p
}

func TestPageHeaderRoundTrip(t *testing.T) {
	p := newPage(LeafFlag, 0)
	p.SetID(42)
	p.SetOverflow(3)
	p.SetFlags(LeafFlag)
	p.SetCount(2)

	if got := p.ID(); got != 42 {
		t.Fatalf("ID() = %d, want 42", got)
	}
	if got := p.Overflow(); got != 3 {
		t.Fatalf("Overflow() = %d, want 3", got)
	}
	if !p.IsLeaf() || p.IsBranch() || p.IsMeta() || p.IsFreelist() {
		t.Fatalf("flags mismatch: %v", p.Flags())
	}
	if got := p.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
}

func TestLeafElementRoundTrip(t *testing.T) {
	p := newPage(LeafFlag, 0)
	p.SetCount(1)

	key := []byte("hello")
	val := []byte("world!!")
	off := DataOffset(1)
	copy(p.Bytes()[off:], key)
	copy(p.Bytes()[off+len(key):], val)

	elemOff := ElementOffset(0)
	e := p.LeafElement(0)
	e.SetElemFlags(0)
	e.SetKeyPos(off - elemOff)
	e.SetKeySize(len(key))
	e.SetValueSize(len(val))

	if got := string(e.Key(p.Bytes(), elemOff)); got != "hello" {
		t.Fatalf("Key() = %q, want hello", got)
	}
	if got := string(e.Value(p.Bytes(), elemOff)); got != "world!!" {
		t.Fatalf("Value() = %q, want world!!", got)
	}
	if e.IsBucket() {
		t.Fatal("IsBucket() = true, want false")
	}

	e.SetElemFlags(BucketLeafFlag)
	if !e.IsBucket() {
		t.Fatal("IsBucket() = false, want true after setting bucket flag")
	}
}

func TestBranchElementRoundTrip(t *testing.T) {
	p := newPage(BranchFlag, 0)
	p.SetCount(1)

	key := []byte("branchkey")
	off := DataOffset(1)
	copy(p.Bytes()[off:], key)

	elemOff := ElementOffset(0)
	e := p.BranchElement(0)
	e.SetChildPageID(99)
	e.SetKeyPos(off - elemOff)
	e.SetKeySize(len(key))

	if got := e.ChildPageID(); got != 99 {
		t.Fatalf("ChildPageID() = %d, want 99", got)
	}
	if got := string(e.Key(p.Bytes(), elemOff)); got != "branchkey" {
		t.Fatalf("Key() = %q, want branchkey", got)
	}
}

func TestMetaChecksumDetectsCorruption(t *testing.T) {
	p := newPage(MetaFlag, 0)
	m := MetaIn(p)
	m.SetMagic(Magic)
	m.SetVersion(Version)
	m.SetPageSize(DefaultSize)
	m.SetRootPageID(3)
	m.SetFreelistPageID(2)
	m.SetMaxPageID(4)
	m.SetTxID(1)
	m.SetChecksum(m.ComputeChecksum())

	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	m.SetTxID(2)
	if err := m.Validate(); err != ErrInvalidChecksum {
		t.Fatalf("Validate() after corruption = %v, want ErrInvalidChecksum", err)
	}
}

func TestFreelistPageRoundTrip(t *testing.T) {
	p := newPage(FreelistFlag, 0)
	ids := []ID{5, 6, 7, 100}
	SetFreelistCount(p, len(ids))
	for i, id := range ids {
		SetFreelistID(p, i, id)
	}

	if got := FreelistCount(p); got != len(ids) {
		t.Fatalf("FreelistCount() = %d, want %d", got, len(ids))
	}
	for i, want := range ids {
		if got := FreelistID(p, i); got != want {
			t.Fatalf("FreelistID(%d) = %d, want %d", i, got, want)
		}
	}
}
