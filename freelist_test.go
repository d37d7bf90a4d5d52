package emberkv

import (
	"testing"

	"emberkv/internal/page"
)

func pageFor(id pgid) page.Page {
	buf := make([]byte, page.DefaultSize)
	p := page.New(buf)
	p.SetID(id)
	return p
}

func TestFreelistAllocateLowestRun(t *testing.T) {
	f := newFreelist()
	f.ids = []pgid{3, 4, 5, 9, 10, 20}
	f.cache = map[pgid]bool{3: true, 4: true, 5: true, 9: true, 10: true, 20: true}

	if got := f.allocate(2); got != 3 {
		t.Fatalf("allocate(2) = %d, want 3", got)
	}
	if f.cache[3] || f.cache[4] {
		t.Fatal("allocate did not remove allocated ids from cache")
	}
	// Remaining free: 5, 9, 10, 20. No run of 3 exists.
	if got := f.allocate(3); got != 0 {
		t.Fatalf("allocate(3) = %d, want 0 (no run of 3 exists)", got)
	}
	if got := f.allocate(2); got != 9 {
		t.Fatalf("allocate(2) = %d, want 9", got)
	}
}

func TestFreelistFreeDoubleFree(t *testing.T) {
	f := newFreelist()
	p := pageFor(5)
	if err := f.free(1, p); err != nil {
		t.Fatalf("free() = %v, want nil", err)
	}
	if err := f.free(1, p); err != ErrDoubleFree {
		t.Fatalf("second free() = %v, want ErrDoubleFree", err)
	}
}

func TestFreelistReleaseAndRollback(t *testing.T) {
	f := newFreelist()
	f.free(1, pageFor(10))
	f.free(2, pageFor(11))

	f.release(1)
	if len(f.ids) != 1 || f.ids[0] != 10 {
		t.Fatalf("ids after release(1) = %v, want [10]", f.ids)
	}
	if !f.cache[11] {
		t.Fatal("pending id for tx 2 should remain cached")
	}

	f.rollback(2)
	if f.cache[11] {
		t.Fatal("rollback(2) should remove id 11 from cache")
	}
	if _, ok := f.pending[2]; ok {
		t.Fatal("rollback(2) should drop pending[2]")
	}
}

func TestFreelistWriteReadRoundTrip(t *testing.T) {
	f := newFreelist()
	f.free(1, pageFor(5))
	f.free(2, pageFor(8))
	f.release(1) // 5 becomes free, 8 stays pending

	buf := make([]byte, page.DefaultSize)
	p := page.New(buf)
	p.SetID(2)
	f.write(p)

	got := newFreelist()
	got.pending = map[uint64][]pgid{2: {8}}
	got.read(p)

	if got.count() != f.count() {
		t.Fatalf("count mismatch: got %d, want %d", got.count(), f.count())
	}
	if !got.cache[5] || !got.cache[8] {
		t.Fatalf("expected both 5 and 8 cached, got %v", got.cache)
	}
}

func TestFreelistReloadExcludesPending(t *testing.T) {
	// Simulate a crash: the on-disk freelist page was written while tx 2's
	// free of page 8 was still pending. reload() must not resurrect page 8
	// as free since tx 2 never got a chance to have its readers drained.
	onDisk := newFreelist()
	onDisk.free(1, pageFor(5))
	onDisk.free(2, pageFor(8))
	buf := make([]byte, page.DefaultSize)
	p := page.New(buf)
	onDisk.write(p)

	recovered := newFreelist()
	recovered.pending = map[uint64][]pgid{2: {8}}
	recovered.reload(p)

	if recovered.cache[8] {
		t.Fatal("reload() must not mark a still-pending id as free")
	}
	if !recovered.cache[5] {
		t.Fatal("reload() should keep non-pending ids free")
	}
	for _, id := range recovered.ids {
		if id == 8 {
			t.Fatal("reload() put a pending id into the free ids slice")
		}
	}
}
