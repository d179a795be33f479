// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ledgervault/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
// Each namespace gets its own top-level bucket.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(namespace, key string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putInBucket(b, key, rec)
	})
}

func (s *Store) Get(namespace, key string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
		}
		var err error
		rec, err = getFromBucket(b, key)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
		}
		return deleteFromBucket(b, key)
	})
}

func (s *Store) List(namespace, prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

func (s *Store) PutCAS(namespace, key string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putCASInBucket(b, key, expectedVersion, rec)
	})
}

// Batch runs fn inside a single bbolt write transaction. Returning an error
// from fn rolls back every write.
func (s *Store) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}

func putInBucket(b *bbolt.Bucket, key string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// getFromBucket returns nil, nil for a missing key. Data read from bbolt is
// only valid for the life of the transaction, so it is decoded immediately.
func getFromBucket(b *bbolt.Bucket, key string) (*storage.Record, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", key, err)
	}
	return &rec, nil
}

func deleteFromBucket(b *bbolt.Bucket, key string) error {
	if b.Get([]byte(key)) == nil {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return b.Delete([]byte(key))
}

func putCASInBucket(b *bbolt.Bucket, key string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := getFromBucket(b, key)
	if err != nil {
		return err
	}
	if err := storage.CheckCAS(existing, expectedVersion); err != nil {
		return err
	}
	return putInBucket(b, key, rec)
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Put(key string, rec *storage.Record) error {
	return putInBucket(tx.bucket, key, rec)
}

func (tx *boltBatchTx) PutCAS(key string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInBucket(tx.bucket, key, expectedVersion, rec)
}

func (tx *boltBatchTx) Delete(key string) error {
	return deleteFromBucket(tx.bucket, key)
}
