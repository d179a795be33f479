// Package redis provides a Redis-backed storage repository.
//
// Each namespace is a single Redis hash whose fields are record keys and
// whose values are JSON-encoded records. CAS and batch writes use
// WATCH/MULTI/EXEC on the namespace hash. WATCH cannot tell which field
// changed, so an aborted EXEC is retried against a fresh snapshot and only a
// failed version check reports storage.ErrCASFailed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/ledgervault/storage"
)

// DefaultKeyPrefix is prepended to every namespace hash name.
const DefaultKeyPrefix = "ledgervault:"

const (
	opTimeout = 3 * time.Second

	// maxTxRetries bounds how often Batch re-runs after a concurrent write
	// to the namespace aborts EXEC.
	maxTxRetries = 10
)

// ErrTxContention is returned when Batch is aborted by concurrent writers
// on every attempt.
var ErrTxContention = errors.New("redis: transaction aborted by concurrent writes")

// Store implements storage.Repository backed by Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository using an existing client.
func NewRepository(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, prefix: DefaultKeyPrefix}
}

// NewRepositoryFromAddr dials addr and verifies the connection with PING.
func NewRepositoryFromAddr(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRepository(rdb), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) hashKey(namespace string) string {
	return s.prefix + namespace
}

func (s *Store) Put(namespace, key string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.rdb.HSet(ctx, s.hashKey(namespace), key, data).Err()
}

func (s *Store) Get(namespace, key string) (*storage.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	data, err := s.rdb.HGet(ctx, s.hashKey(namespace), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(key, data)
}

func (s *Store) Delete(namespace, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	n, err := s.rdb.HDel(ctx, s.hashKey(namespace), key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", namespace, key, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(namespace, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	all, err := s.rdb.HKeys(ctx, s.hashKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if storage.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) PutCAS(namespace, key string, expectedVersion uint64, rec *storage.Record) error {
	return s.Batch(namespace, func(tx storage.BatchTx) error {
		return tx.PutCAS(key, expectedVersion, rec)
	})
}

// Batch stages fn's writes against a snapshot of the namespace and commits
// them in one MULTI/EXEC. Nothing is written if fn returns an error. fn is
// run again on a fresh snapshot when another client writes to the namespace
// between the snapshot and EXEC, so it must only act through tx.
func (s *Store) Batch(namespace string, fn func(tx storage.BatchTx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	hk := s.hashKey(namespace)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGetAll(ctx, hk).Result()
		if err != nil {
			return err
		}
		btx := &redisBatchTx{current: current, puts: map[string][]byte{}, deletes: map[string]bool{}}
		if err := fn(btx); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for k, v := range btx.puts {
				pipe.HSet(ctx, hk, k, v)
			}
			for k := range btx.deletes {
				pipe.HDel(ctx, hk, k)
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, hk)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%s: %w", namespace, ErrTxContention)
}

// redisBatchTx records staged writes. current is the namespace as read under
// WATCH; reads consult staged writes first.
type redisBatchTx struct {
	current map[string]string
	puts    map[string][]byte
	deletes map[string]bool
}

func (b *redisBatchTx) lookup(key string) (*storage.Record, error) {
	if b.deletes[key] {
		return nil, nil
	}
	if data, ok := b.puts[key]; ok {
		return decodeRecord(key, data)
	}
	if data, ok := b.current[key]; ok {
		return decodeRecord(key, []byte(data))
	}
	return nil, nil
}

func (b *redisBatchTx) Put(key string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	delete(b.deletes, key)
	b.puts[key] = data
	return nil
}

func (b *redisBatchTx) PutCAS(key string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := b.lookup(key)
	if err != nil {
		return err
	}
	if err := storage.CheckCAS(existing, expectedVersion); err != nil {
		return err
	}
	return b.Put(key, rec)
}

func (b *redisBatchTx) Delete(key string) error {
	existing, err := b.lookup(key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	delete(b.puts, key)
	b.deletes[key] = true
	return nil
}

func decodeRecord(key string, data []byte) (*storage.Record, error) {
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", key, err)
	}
	return &rec, nil
}
