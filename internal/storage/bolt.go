// Package storage persists ballast pool metadata in BoltDB (spec.md
// §4.8). The ballast pool writes a record on each Provision; the
// daemon does not read the records back at startup.
//
// Schema (BoltDB bucket layout), adapted from the teacher's
// baselines/ledger/meta bucket layout in the same file:
//
//	/pools
//	    key:   mount id string ("device:path")
//	    value: JSON-encoded PoolRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model: single-process, single-writer (BoltDB does not
// support concurrent writers); all writes use ACID transactions
// (bbolt Tx.Commit()); reads use read-only transactions (bbolt.View()).
// bbolt validates its meta-page checksums on database open.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	SchemaVersion = "1"

	bucketPools = "pools"
	bucketMeta  = "meta"
)

// PoolRecord is the persisted form of one mount's ballast pool.
type PoolRecord struct {
	MountID      string    `json:"mount_id"`
	Directory    string    `json:"directory"`
	IntendedCount int      `json:"intended_count"`
	FileSizeBytes int64    `json:"file_size_bytes"`
	LockOwnerPID int       `json:"lock_owner_pid"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DB wraps a BoltDB instance with typed accessors for ballast pool metadata.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at the given path and
// initializes its buckets and schema version.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPools, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		bdb.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying BoltDB file handle.
func (d *DB) Close() error { return d.db.Close() }

// PutPool persists (or overwrites) a pool record keyed by mount id.
func (d *DB) PutPool(rec PoolRecord) error {
	rec.UpdatedAt = time.Now()
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pool record: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPools)).Put([]byte(rec.MountID), buf)
	})
}

// GetPool retrieves a pool record by mount id. Returns nil, nil if absent.
func (d *DB) GetPool(mountID string) (*PoolRecord, error) {
	var rec *PoolRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketPools)).Get([]byte(mountID))
		if raw == nil {
			return nil
		}
		var r PoolRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("unmarshal pool record: %w", err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

// ListPools returns every persisted pool record.
func (d *DB) ListPools() ([]PoolRecord, error) {
	var out []PoolRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPools)).ForEach(func(_, v []byte) error {
			var r PoolRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal pool record: %w", err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// DeletePool removes a pool record, e.g. after its mount disappears.
func (d *DB) DeletePool(mountID string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPools)).Delete([]byte(mountID))
	})
}
