package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(filepath.Join(t.TempDir(), "vault.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBBoltRepository(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestBBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")

	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put("user-1", "vault_blob_v1", &storage.Record{Value: []byte(`{"v":1}`), Version: 2}))
	require.NoError(t, s.Close())

	s, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get("user-1", "vault_blob_v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.JSONEq(t, `{"v":1}`, string(got.Value))
}
