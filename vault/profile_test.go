package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/storage/memory"
)

func TestProfile_InitAndLoad(t *testing.T) {
	repo := memory.NewRepository()

	_, err := LoadProfile(repo, testUser)
	require.ErrorIs(t, err, ErrProfileNotFound)

	p, err := InitProfile(repo, testUser, crypto.KDFArgon2id)
	require.NoError(t, err)
	assert.Len(t, p.Salt, crypto.SaltSize)

	_, err = InitProfile(repo, testUser, crypto.KDFPBKDF2)
	require.ErrorIs(t, err, ErrProfileExists)

	got, err := LoadProfile(repo, testUser)
	require.NoError(t, err)
	assert.Equal(t, p.Salt, got.Salt)
	assert.Equal(t, crypto.KDFArgon2id, got.KDF)
}

func TestProfile_SaveReplaces(t *testing.T) {
	repo := memory.NewRepository()
	p, err := NewProfile(crypto.KDFPBKDF2)
	require.NoError(t, err)
	require.NoError(t, SaveProfile(repo, testUser, p))

	q, err := NewProfile(crypto.KDFArgon2id)
	require.NoError(t, err)
	require.NoError(t, SaveProfile(repo, testUser, q))

	got, err := LoadProfile(repo, testUser)
	require.NoError(t, err)
	assert.Equal(t, q.Salt, got.Salt)
}

func TestProfile_Rejects(t *testing.T) {
	_, err := NewProfile(crypto.KDF("scrypt"))
	require.ErrorIs(t, err, ErrUnsupportedKDF)

	repo := memory.NewRepository()
	require.NoError(t, repo.Put(testUser, KeyProfile, &storage.Record{Value: []byte(`{"salt_b64":"AAAA","kdf":"md5"}`)}))
	_, err = LoadProfile(repo, testUser)
	require.ErrorIs(t, err, ErrUnsupportedKDF)

	require.NoError(t, repo.Put(testUser, KeyProfile, &storage.Record{Value: []byte(`nope`)}))
	_, err = LoadProfile(repo, testUser)
	require.Error(t, err)
}

func TestVault_UnlockWithProfile(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	v, _ := newTestVault(t, repo)

	require.ErrorIs(t, v.UnlockWithProfile(ctx, "pw", testUser), ErrProfileNotFound)

	_, err := InitProfile(repo, testUser, crypto.KDFArgon2id)
	require.NoError(t, err)
	require.NoError(t, v.UnlockWithProfile(ctx, "pw", testUser))
	assert.True(t, v.IsUnlocked())
}
