// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"sync"

	"github.com/jmcleod/ledgervault/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func (r *Repository) Put(namespace, key string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(namespace, key, rec)
}

func (r *Repository) putLocked(namespace, key string, rec *storage.Record) error {
	if _, ok := r.data[namespace]; !ok {
		r.data[namespace] = make(map[string]*storage.Record)
	}
	r.data[namespace][key] = rec.Clone()
	return nil
}

func (r *Repository) Get(namespace, key string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(namespace, key)
}

func (r *Repository) getLocked(namespace, key string) (*storage.Record, error) {
	rec, ok := r.data[namespace][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) List(namespace, prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k := range r.data[namespace] {
		if storage.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Repository) Delete(namespace, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(namespace, key)
}

func (r *Repository) deleteLocked(namespace, key string) error {
	if _, ok := r.data[namespace][key]; !ok {
		return storage.ErrNotFound
	}
	delete(r.data[namespace], key)
	return nil
}

func (r *Repository) PutCAS(namespace, key string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(namespace, key, expectedVersion, rec)
}

func (r *Repository) putCASLocked(namespace, key string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := r.getLocked(namespace, key)
	if err != nil {
		existing = nil
	}
	if err := storage.CheckCAS(existing, expectedVersion); err != nil {
		return err
	}
	return r.putLocked(namespace, key, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot(namespace)

	tx := &memoryBatchTx{repo: r, namespace: namespace}
	if err := fn(tx); err != nil {
		r.restore(namespace, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshot(namespace string) map[string]*storage.Record {
	original, ok := r.data[namespace]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restore(namespace string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, namespace)
	} else {
		r.data[namespace] = snapshot
	}
}

type memoryBatchTx struct {
	repo      *Repository
	namespace string
}

func (tx *memoryBatchTx) Put(key string, rec *storage.Record) error {
	return tx.repo.putLocked(tx.namespace, key, rec)
}

func (tx *memoryBatchTx) PutCAS(key string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(tx.namespace, key, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(key string) error {
	return tx.repo.deleteLocked(tx.namespace, key)
}
