package redis

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRepository(rdb)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s, _ := newTestStore(t)
		return s
	})
}

func TestRedisLayout(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Put("user-1", "vault_encrypted", &storage.Record{Value: []byte("true")}))

	assert.True(t, mr.Exists("ledgervault:user-1"))
	raw := mr.HGet("ledgervault:user-1", "vault_encrypted")
	assert.JSONEq(t, `{"value":"dHJ1ZQ=="}`, raw)
}

func TestRedisBatchStagedReads(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.Batch("user-1", func(tx storage.BatchTx) error {
		require.NoError(t, tx.PutCAS("blob", 0, &storage.Record{Value: []byte("a"), Version: 1}))
		require.NoError(t, tx.PutCAS("blob", 1, &storage.Record{Value: []byte("b"), Version: 2}))
		require.NoError(t, tx.Delete("blob"))
		require.ErrorIs(t, tx.Delete("blob"), storage.ErrNotFound)
		return tx.PutCAS("blob", 0, &storage.Record{Value: []byte("c"), Version: 1})
	})
	require.NoError(t, err)

	got, err := s.Get("user-1", "blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got.Value)
}

func TestNewRepositoryFromAddr(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRepositoryFromAddr(t.Context(), mr.Addr())
	require.NoError(t, err)
	defer s.Close()

	mr.Close()
	_, err = NewRepositoryFromAddr(t.Context(), mr.Addr())
	require.Error(t, err)
}

func TestRedisBatchRetriesAfterUnrelatedWrite(t *testing.T) {
	s, mr := newTestStore(t)
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	require.NoError(t, s.PutCAS("user-1", "vault_blob", 0, &storage.Record{Value: []byte("v1"), Version: 1}))

	attempts := 0
	err := s.Batch("user-1", func(tx storage.BatchTx) error {
		attempts++
		if attempts == 1 {
			// Lands between the snapshot and EXEC.
			require.NoError(t, other.HSet(t.Context(), "ledgervault:user-1", "vault_sentinel", `{"value":"cw=="}`).Err())
		}
		return tx.PutCAS("vault_blob", 1, &storage.Record{Value: []byte("v2"), Version: 2})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got, err := s.Get("user-1", "vault_blob")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Value)
	sentinel, err := s.Get("user-1", "vault_sentinel")
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), sentinel.Value)
}

func TestRedisBatchReportsCASFailureAfterConflictingWrite(t *testing.T) {
	s, mr := newTestStore(t)
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	require.NoError(t, s.PutCAS("user-1", "vault_blob", 0, &storage.Record{Value: []byte("v1"), Version: 1}))

	attempts := 0
	err := s.Batch("user-1", func(tx storage.BatchTx) error {
		attempts++
		if attempts == 1 {
			require.NoError(t, other.HSet(t.Context(), "ledgervault:user-1", "vault_blob", `{"value":"eA==","version":2}`).Err())
		}
		return tx.PutCAS("vault_blob", 1, &storage.Record{Value: []byte("v2"), Version: 2})
	})
	require.ErrorIs(t, err, storage.ErrCASFailed)
	assert.Equal(t, 2, attempts)
}

func TestRedisBatchGivesUpUnderContention(t *testing.T) {
	s, mr := newTestStore(t)
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })

	attempts := 0
	err := s.Batch("user-1", func(tx storage.BatchTx) error {
		attempts++
		require.NoError(t, other.HSet(t.Context(), "ledgervault:user-1", "noise", "{}").Err())
		return tx.Put("k", &storage.Record{Value: []byte("v")})
	})
	require.ErrorIs(t, err, ErrTxContention)
	assert.NotErrorIs(t, err, storage.ErrCASFailed)
	assert.Equal(t, maxTxRetries, attempts)
}
