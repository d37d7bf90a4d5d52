package emberkv

import (
	"fmt"
	"testing"
)

func seedCursorBucket(t *testing.T, db *DB) {
	t.Helper()
	if err := db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "b", "c", "d", "e"} {
			if err := b.Put([]byte(k), []byte(k+k)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed Update() = %v", err)
	}
}

func TestCursorFirstLastNextPrev(t *testing.T) {
	db := openTestDB(t)
	seedCursorBucket(t, db)

	if err := db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()

		if k, v := c.First(); string(k) != "a" || string(v) != "aa" {
			return fmt.Errorf("First() = (%q, %q), want (a, aa)", k, v)
		}
		if k, v := c.Next(); string(k) != "b" || string(v) != "bb" {
			return fmt.Errorf("Next() = (%q, %q), want (b, bb)", k, v)
		}
		if k, _ := c.Last(); string(k) != "e" {
			return fmt.Errorf("Last() = %q, want e", k)
		}
		if k, _ := c.Prev(); string(k) != "d" {
			return fmt.Errorf("Prev() = %q, want d", k)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}
}

func TestCursorSeek(t *testing.T) {
	db := openTestDB(t)
	seedCursorBucket(t, db)

	if err := db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("widgets")).Cursor()

		if k, v := c.Seek([]byte("bb")); string(k) != "c" || string(v) != "cc" {
			return fmt.Errorf("Seek(bb) = (%q, %q), want (c, cc)", k, v)
		}
		if k, _ := c.Seek([]byte("z")); k != nil {
			return fmt.Errorf("Seek(z) = %q, want nil (past the end)", k)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}
}

func TestCursorDelete(t *testing.T) {
	db := openTestDB(t)
	seedCursorBucket(t, db)

	if err := db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		c := b.Cursor()
		if k, _ := c.Seek([]byte("c")); string(k) != "c" {
			return fmt.Errorf("Seek(c) = %q, want c", k)
		}
		return c.Delete()
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if v := tx.Bucket([]byte("widgets")).Get([]byte("c")); v != nil {
			return fmt.Errorf("Get(c) after cursor Delete() = %q, want nil", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}
}

func TestCursorEmptyBucket(t *testing.T) {
	db := openTestDB(t)
	if err := db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("empty"))
		return err
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		c := tx.Bucket([]byte("empty")).Cursor()
		if k, v := c.First(); k != nil || v != nil {
			return fmt.Errorf("First() on empty bucket = (%q, %q), want (nil, nil)", k, v)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}
}
