package emberkv

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		return b.Put([]byte("foo"), []byte("bar"))
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		v := tx.Bucket([]byte("widgets")).Get([]byte("foo"))
		if !bytes.Equal(v, []byte("bar")) {
			return fmt.Errorf("got %q, want %q", v, "bar")
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}

	if err := db.Update(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).Delete([]byte("foo"))
	}); err != nil {
		t.Fatalf("Update() (delete) = %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if v := tx.Bucket([]byte("widgets")).Get([]byte("foo")); v != nil {
			return fmt.Errorf("got %q after delete, want nil", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() (post-delete) = %v", err)
	}
}

func TestCreateBucketExists(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		if _, err := tx.CreateBucket([]byte("widgets")); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	})
	if err != ErrBucketExists {
		t.Fatalf("second CreateBucket() = %v, want ErrBucketExists", err)
	}
}

func TestNestedBuckets(t *testing.T) {
	db := openTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		nested, err := top.CreateBucket([]byte("nested"))
		if err != nil {
			return err
		}
		return nested.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		nested := tx.Bucket([]byte("top")).Bucket([]byte("nested"))
		if nested == nil {
			return fmt.Errorf("nested bucket not found")
		}
		if v := nested.Get([]byte("k")); !bytes.Equal(v, []byte("v")) {
			return fmt.Errorf("got %q, want %q", v, "v")
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}
}

func TestForEachSortedOrder(t *testing.T) {
	db := openTestDB(t)
	keys := []string{"delta", "alpha", "charlie", "bravo"}

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Put([]byte(k), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	var got []string
	if err := db.View(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).ForEach(func(k, v []byte) error {
			got = append(got, string(k))
			return nil
		})
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}

	want := []string{"alpha", "bravo", "charlie", "delta"}
	if len(got) != len(want) {
		t.Fatalf("ForEach() visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ForEach()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestManyKeysSurviveSplitsAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	const n = 2000
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%06d", i))
			v := []byte(fmt.Sprintf("value-%06d", i))
			if err := b.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	db2, err := Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("reopen Open() = %v", err)
	}
	defer db2.Close()

	if err := db2.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		if b == nil {
			return fmt.Errorf("bucket not found after reopen")
		}
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%06d", i))
			want := fmt.Sprintf("value-%06d", i)
			if v := b.Get(k); string(v) != want {
				return fmt.Errorf("Get(%s) = %q, want %q", k, v, want)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("View() after reopen = %v", err)
	}
}

func TestDeleteBucketRecursive(t *testing.T) {
	db := openTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		nested, err := top.CreateBucket([]byte("nested"))
		if err != nil {
			return err
		}
		return nested.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if err := db.Update(func(tx *Tx) error {
		return tx.DeleteBucket([]byte("top"))
	}); err != nil {
		t.Fatalf("DeleteBucket() = %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if tx.Bucket([]byte("top")) != nil {
			return fmt.Errorf("bucket still present after DeleteBucket")
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	db := openTestDB(t)
	if err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		return err
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	err := db.View(func(tx *Tx) error {
		return tx.Bucket([]byte("widgets")).Put([]byte("k"), []byte("v"))
	})
	if err != ErrTransactionNotWritable {
		t.Fatalf("Put() inside View() = %v, want ErrTransactionNotWritable", err)
	}
}

func TestNextSequence(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for want := uint64(1); want <= 3; want++ {
			got, err := b.NextSequence()
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("NextSequence() = %d, want %d", got, want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() = %v", err)
	}
}

func TestStatsReportsFreedPages(t *testing.T) {
	db := openTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for i := 0; i < 200; i++ {
			if err := b.Put([]byte(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte("x"), 100)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if err := db.Update(func(tx *Tx) error {
		return tx.DeleteBucket([]byte("widgets"))
	}); err != nil {
		t.Fatalf("DeleteBucket() = %v", err)
	}

	s := db.Stats()
	if s.FreePageN == 0 {
		t.Fatal("Stats().FreePageN = 0 after deleting a populated bucket, want > 0")
	}
}
