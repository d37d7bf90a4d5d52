package emberkv

import (
	"fmt"
	"testing"
)

func TestCreateBucketIfNotExistsIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		b1, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		if err != nil {
			return err
		}
		if err := b1.Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		b2, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		if err != nil {
			return err
		}
		if v := b2.Get([]byte("k")); string(v) != "v" {
			return fmt.Errorf("second CreateBucketIfNotExists lost data: got %q", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() = %v", err)
	}
}

func TestSmallNestedBucketStaysInline(t *testing.T) {
	db := openTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		nested, err := top.CreateBucket([]byte("small"))
		if err != nil {
			return err
		}
		return nested.Put([]byte("k"), []byte("v"))
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		s := tx.Bucket([]byte("top")).Stats()
		if s.InlineBucketN == 0 {
			return fmt.Errorf("Stats().InlineBucketN = 0, want a small nested bucket counted as inline")
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}
}

func TestPutRejectsBucketNameCollision(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		if _, err := top.CreateBucket([]byte("child")); err != nil {
			return err
		}
		return top.Put([]byte("child"), []byte("oops"))
	})
	if err != ErrIncompatibleValue {
		t.Fatalf("Put() over a bucket name = %v, want ErrIncompatibleValue", err)
	}
}

func TestGetOnBucketKeyReturnsNil(t *testing.T) {
	db := openTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		_, err = top.CreateBucket([]byte("child"))
		return err
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	if err := db.View(func(tx *Tx) error {
		if v := tx.Bucket([]byte("top")).Get([]byte("child")); v != nil {
			return fmt.Errorf("Get() on a bucket-flagged key = %q, want nil", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}
}

func TestForEachBucketOnlyVisitsBuckets(t *testing.T) {
	db := openTestDB(t)

	if err := db.Update(func(tx *Tx) error {
		top, err := tx.CreateBucket([]byte("top"))
		if err != nil {
			return err
		}
		if err := top.Put([]byte("plainkey"), []byte("v")); err != nil {
			return err
		}
		_, err = top.CreateBucket([]byte("childbucket"))
		return err
	}); err != nil {
		t.Fatalf("Update() = %v", err)
	}

	var names []string
	if err := db.View(func(tx *Tx) error {
		return tx.Bucket([]byte("top")).ForEachBucket(func(k []byte) error {
			names = append(names, string(k))
			return nil
		})
	}); err != nil {
		t.Fatalf("View() = %v", err)
	}

	if len(names) != 1 || names[0] != "childbucket" {
		t.Fatalf("ForEachBucket() visited %v, want [childbucket]", names)
	}
}
