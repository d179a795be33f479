// Package storage provides the storage abstraction for per-user vault records.
//
// Every record lives in a namespace (the user ID) under a string key. Records
// carry a monotonic version so writers can detect that another process has
// replaced a record since they last read it.
package storage

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a stored value plus its version stamp.
type Record struct {
	Value   []byte `json:"value"`
	Version uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Value: append([]byte(nil), r.Value...), Version: r.Version}
}

// BatchTx provides writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(key string, rec *Record) error
	PutCAS(key string, expectedVersion uint64, rec *Record) error
	Delete(key string) error
}

// Repository defines the interface for per-user record storage.
//
// PutCAS writes rec only if the stored version equals expectedVersion; an
// expectedVersion of 0 means the record must not exist yet. Delete returns
// ErrNotFound for a missing record. List returns keys with the given prefix.
type Repository interface {
	Put(namespace, key string, rec *Record) error
	Get(namespace, key string) (*Record, error)
	Delete(namespace, key string) error
	List(namespace, prefix string) ([]string, error)
	PutCAS(namespace, key string, expectedVersion uint64, rec *Record) error
	Batch(namespace string, fn func(tx BatchTx) error) error
}

// CheckCAS applies the compare-and-swap rule to an existing record (nil when
// absent).
func CheckCAS(existing *Record, expectedVersion uint64) error {
	if existing == nil {
		if expectedVersion != 0 {
			return ErrCASFailed
		}
		return nil
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return ErrCASFailed
	}
	return nil
}

// HasPrefix reports whether key matches prefix; an empty prefix matches all.
func HasPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}
