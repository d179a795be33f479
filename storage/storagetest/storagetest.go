// Package storagetest holds a behavioural test suite shared by every
// storage.Repository backend.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ledgervault/storage"
)

// Run exercises repo against the storage.Repository contract. newRepo must
// return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) storage.Repository) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		repo := newRepo(t)
		rec := &storage.Record{Value: []byte(`{"a":1}`), Version: 3}
		require.NoError(t, repo.Put("user-1", "moneyProfile", rec))

		got, err := repo.Get("user-1", "moneyProfile")
		require.NoError(t, err)
		assert.Equal(t, rec.Value, got.Value)
		assert.Equal(t, uint64(3), got.Version)

		got.Value[0] = 'X'
		again, err := repo.Get("user-1", "moneyProfile")
		require.NoError(t, err)
		assert.Equal(t, byte('{'), again.Value[0], "returned records must not alias storage")
	})

	t.Run("GetNotFound", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get("nobody", "moneyProfile")
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, repo.Put("user-1", "a", &storage.Record{Value: []byte("1")}))
		_, err = repo.Get("user-1", "b")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("user-1", "k", &storage.Record{Value: []byte("one")}))
		require.NoError(t, repo.Put("user-2", "k", &storage.Record{Value: []byte("two")}))

		got, err := repo.Get("user-1", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got.Value)

		keys, err := repo.List("user-2", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"k"}, keys)
	})

	t.Run("List", func(t *testing.T) {
		repo := newRepo(t)
		for _, k := range []string{"periodHistory_2024-02", "periodHistory_2024-01", "monthlyHistory_2024-01", "moneyProfile"} {
			require.NoError(t, repo.Put("user-1", k, &storage.Record{Value: []byte("{}")}))
		}

		keys, err := repo.List("user-1", "periodHistory_")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"periodHistory_2024-01", "periodHistory_2024-02"}, keys)

		all, err := repo.List("user-1", "")
		require.NoError(t, err)
		assert.Len(t, all, 4)

		none, err := repo.List("nobody", "")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Delete", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("user-1", "k", &storage.Record{Value: []byte("v")}))
		require.NoError(t, repo.Delete("user-1", "k"))

		_, err := repo.Get("user-1", "k")
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.ErrorIs(t, repo.Delete("user-1", "k"), storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := newRepo(t)

		require.NoError(t, repo.PutCAS("user-1", "blob", 0, &storage.Record{Value: []byte("v1"), Version: 1}))
		require.ErrorIs(t, repo.PutCAS("user-1", "blob", 0, &storage.Record{Value: []byte("dup"), Version: 1}), storage.ErrCASFailed)

		require.NoError(t, repo.PutCAS("user-1", "blob", 1, &storage.Record{Value: []byte("v2"), Version: 2}))
		require.ErrorIs(t, repo.PutCAS("user-1", "blob", 1, &storage.Record{Value: []byte("stale"), Version: 2}), storage.ErrCASFailed)

		require.ErrorIs(t, repo.PutCAS("user-1", "missing", 4, &storage.Record{Value: []byte("x"), Version: 5}), storage.ErrCASFailed)

		got, err := repo.Get("user-1", "blob")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got.Value)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("user-1", "legacy", &storage.Record{Value: []byte("old")}))

		err := repo.Batch("user-1", func(tx storage.BatchTx) error {
			if err := tx.PutCAS("blob", 0, &storage.Record{Value: []byte("b"), Version: 1}); err != nil {
				return err
			}
			if err := tx.Put("flag", &storage.Record{Value: []byte("1")}); err != nil {
				return err
			}
			return tx.Delete("legacy")
		})
		require.NoError(t, err)

		_, err = repo.Get("user-1", "legacy")
		require.ErrorIs(t, err, storage.ErrNotFound)
		got, err := repo.Get("user-1", "blob")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("user-1", "keep", &storage.Record{Value: []byte("orig")}))

		boom := errors.New("boom")
		err := repo.Batch("user-1", func(tx storage.BatchTx) error {
			if err := tx.Put("keep", &storage.Record{Value: []byte("changed")}); err != nil {
				return err
			}
			if err := tx.Put("new", &storage.Record{Value: []byte("n")}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := repo.Get("user-1", "keep")
		require.NoError(t, err)
		assert.Equal(t, []byte("orig"), got.Value)
		_, err = repo.Get("user-1", "new")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchCASFailureRollsBack", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("user-1", "blob", &storage.Record{Value: []byte("v"), Version: 7}))

		err := repo.Batch("user-1", func(tx storage.BatchTx) error {
			if err := tx.Put("sentinel", &storage.Record{Value: []byte("s")}); err != nil {
				return err
			}
			return tx.PutCAS("blob", 6, &storage.Record{Value: []byte("w"), Version: 7})
		})
		require.ErrorIs(t, err, storage.ErrCASFailed)

		_, err = repo.Get("user-1", "sentinel")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ConcurrentCASOnDistinctKeys", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Put("user-1", "vault_blob", &storage.Record{Value: []byte("v"), Version: 1}))

		const writers = 8
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = repo.PutCAS("user-1", fmt.Sprintf("field-%d", i), 0, &storage.Record{Value: []byte("x"), Version: 1})
			}()
		}
		wg.Wait()

		for i, err := range errs {
			assert.NoError(t, err, "writer %d", i)
		}
		keys, err := repo.List("user-1", "field-")
		require.NoError(t, err)
		assert.Len(t, keys, writers)
	})
}
