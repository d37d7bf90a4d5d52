// Command emberkvctl is a small operational tool for an EmberKV data
// file: put/get a key, list a bucket, or print database stats.
//
// Usage:
//
//	emberkvctl -db path/to/data.db put bucket key value
//	emberkvctl -db path/to/data.db get bucket key
//	emberkvctl -db path/to/data.db list bucket
//	emberkvctl -db path/to/data.db stats
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"emberkv"
)

func main() {
	dbPath := flag.String("db", "emberkv.db", "path to the data file")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		log.Fatal("usage: emberkvctl -db PATH <put|get|list|stats> ...")
	}

	db, err := emberkv.Open(*dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("open %s: %v", *dbPath, err)
	}
	defer db.Close()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "put":
		runPut(db, rest)
	case "get":
		runGet(db, rest)
	case "list":
		runList(db, rest)
	case "stats":
		runStats(db)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
}

func runPut(db *emberkv.DB, args []string) {
	if len(args) != 3 {
		log.Fatal("usage: put BUCKET KEY VALUE")
	}
	bucket, key, value := args[0], args[1], args[2]

	err := db.Update(func(tx *emberkv.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		log.Fatalf("put: %v", err)
	}
}

func runGet(db *emberkv.DB, args []string) {
	if len(args) != 2 {
		log.Fatal("usage: get BUCKET KEY")
	}
	bucket, key := args[0], args[1]

	err := db.View(func(tx *emberkv.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("key %q not found", key)
		}
		fmt.Println(string(v))
		return nil
	})
	if err != nil {
		log.Fatalf("get: %v", err)
	}
}

func runList(db *emberkv.DB, args []string) {
	if len(args) != 1 {
		log.Fatal("usage: list BUCKET")
	}
	bucket := args[0]

	err := db.View(func(tx *emberkv.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			fmt.Printf("%s\t%s\n", k, v)
			return nil
		})
	})
	if err != nil {
		log.Fatalf("list: %v", err)
	}
}

func runStats(db *emberkv.DB) {
	s := db.Stats()
	fmt.Fprintln(os.Stdout, s.String())
}
