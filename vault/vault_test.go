package vault

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/storage/memory"
)

func TestVault_EndToEndMigration(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	putLegacy(t, repo, "moneyProfile", `{"name":"Ada","incomes":[{"label":"salary","amount":4200}]}`)
	putLegacy(t, repo, "periodHistory_2024-01", `{"spent":1200}`)

	v, _ := newTestVault(t, repo)
	events := record(v)
	salt := newTestSalt(t)

	require.NoError(t, v.Unlock(ctx, "CorrectPass1!", testUser, salt, crypto.KDFArgon2id))
	assert.Equal(t, StateUnlocked, v.State())
	require.NoError(t, v.Flush(ctx))

	profile := v.GetField("moneyProfile")
	require.NotNil(t, profile)
	var mp map[string]any
	require.NoError(t, json.Unmarshal(profile, &mp))
	assert.Equal(t, "Ada", mp["name"])
	assert.Equal(t, []any{}, mp["expenses"], "v1 profile should be upgraded with defaults")

	prefixed := v.GetField(LegacyPrefixesField)
	assert.JSONEq(t, `{"periodHistory_2024-01":{"spent":1200}}`, string(prefixed))

	// Plaintext is gone, the flag and completion record are set.
	_, err := repo.Get(testUser, "moneyProfile")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.Get(testUser, "periodHistory_2024-01")
	require.ErrorIs(t, err, storage.ErrNotFound)
	flag, err := repo.Get(testUser, KeyEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "1", string(flag.Value))
	done, err := NewLegacyMigrator(repo).Completion(testUser)
	require.NoError(t, err)
	assert.Equal(t, []string{"moneyProfile", "periodHistory_2024-01"}, done.Fields)
	_, err = repo.Get(testUser, KeySentinel)
	require.NoError(t, err)

	v.Lock(LockManual)
	assert.Equal(t, StateLocked, v.State())
	assert.Nil(t, v.GetField("moneyProfile"))

	require.NoError(t, v.Unlock(ctx, "CorrectPass1!", testUser, salt, crypto.KDFArgon2id))
	assert.JSONEq(t, string(profile), string(v.GetField("moneyProfile")))
	meta, ok := v.Session().FieldMeta("moneyProfile")
	require.True(t, ok)
	assert.Equal(t, 2, meta.Version)
	v.Lock(LockManual)

	err = v.Unlock(ctx, "WrongPass2!", testUser, salt, crypto.KDFArgon2id)
	require.ErrorIs(t, err, ErrDecryptFailed)
	assert.Equal(t, StateLocked, v.State())
	assert.Nil(t, v.GetField("moneyProfile"))

	assert.Len(t, events.ofType(EventUnlocked), 2)
	locked := events.ofType(EventLocked)
	require.Len(t, locked, 2)
	assert.Equal(t, LockManual, locked[0].Reason)
	assert.NotEmpty(t, locked[0].SessionID)
}

func TestVault_FreshUserWithoutLegacyData(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	v, _ := newTestVault(t, repo)
	salt := newTestSalt(t)

	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	assert.Empty(t, v.Session().FieldNames())

	fields, _, version := readBlob(t, repo, "pw", salt)
	assert.Empty(t, fields)
	assert.Equal(t, uint64(1), version)

	encrypted, err := NewLegacyMigrator(repo).Encrypted(testUser)
	require.NoError(t, err)
	assert.True(t, encrypted)
}

func TestVault_WrongPasswordNeverPinsSentinel(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	v, _ := newTestVault(t, repo)
	salt := newTestSalt(t)

	require.NoError(t, v.Unlock(ctx, "right", testUser, salt, crypto.KDFArgon2id))
	v.Lock(LockManual)
	require.NoError(t, repo.Delete(testUser, KeySentinel))

	// Without a sentinel the blob itself rejects the key, and no sentinel
	// is created under it.
	err := v.Unlock(ctx, "wrong", testUser, salt, crypto.KDFArgon2id)
	require.ErrorIs(t, err, ErrDecryptFailed)
	_, err = repo.Get(testUser, KeySentinel)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, v.Unlock(ctx, "right", testUser, salt, crypto.KDFArgon2id))
	_, err = repo.Get(testUser, KeySentinel)
	require.NoError(t, err)
}

func TestVault_SentinelNeverOverwritten(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	v, _ := newTestVault(t, repo)
	salt := newTestSalt(t)

	require.NoError(t, v.Unlock(ctx, "right", testUser, salt, crypto.KDFArgon2id))
	before, err := repo.Get(testUser, KeySentinel)
	require.NoError(t, err)
	v.Lock(LockManual)

	require.NoError(t, v.Unlock(ctx, "right", testUser, salt, crypto.KDFArgon2id))
	after, err := repo.Get(testUser, KeySentinel)
	require.NoError(t, err)
	assert.Equal(t, before.Value, after.Value)
}

func TestVault_UnlockValidation(t *testing.T) {
	ctx := t.Context()
	v, _ := newTestVault(t, memory.NewRepository())
	salt := newTestSalt(t)

	tests := []struct {
		name     string
		password string
		userID   string
		salt     []byte
		kdf      crypto.KDF
		want     error
	}{
		{"empty password", "", testUser, salt, crypto.KDFArgon2id, ErrInvalidPassword},
		{"empty user", "pw", "", salt, crypto.KDFArgon2id, ErrInvalidPassword},
		{"short salt", "pw", testUser, salt[:8], crypto.KDFArgon2id, ErrInvalidPassword},
		{"unsupported kdf", "pw", testUser, salt, crypto.KDF("scrypt"), ErrUnsupportedKDF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Unlock(ctx, tt.password, tt.userID, tt.salt, tt.kdf)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, StateLocked, v.State())
		})
	}

	var verr *ValidationError
	require.ErrorAs(t, v.Unlock(ctx, "pw", "bad/user", salt, crypto.KDFArgon2id), &verr)
}

func TestVault_CorruptBlob(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	require.NoError(t, repo.Put(testUser, KeyBlob, &storage.Record{Value: []byte(`{"v":2}`), Version: 1}))

	v, _ := newTestVault(t, repo)
	err := v.Unlock(ctx, "pw", testUser, newTestSalt(t), crypto.KDFArgon2id)
	require.ErrorIs(t, err, ErrInvalidFormat)
	assert.Equal(t, StateLocked, v.State())
}

func TestVault_StateErrors(t *testing.T) {
	ctx := t.Context()
	v, _ := newTestVault(t, memory.NewRepository())
	events := record(v)
	salt := newTestSalt(t)

	require.ErrorIs(t, v.SetField("a", 1), ErrLocked)
	require.ErrorIs(t, v.DeleteField("a"), ErrLocked)
	v.Lock(LockManual)
	assert.Empty(t, events.ofType(EventLocked), "lock while locked is a no-op")

	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	require.ErrorIs(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id), ErrAlreadyUnlocked)

	st := v.Status()
	assert.Equal(t, "unlocked", st.State)
	assert.Equal(t, testUser, st.UserID)
	assert.NotEmpty(t, st.SessionID)
	require.NotNil(t, st.UnlockedAt)
}

// seedVault writes an encrypted blob and sentinel for testUser and returns
// the salt they were sealed with.
func seedVault(t *testing.T, repo storage.Repository) []byte {
	t.Helper()
	v, _ := newTestVault(t, repo, WithSchema(NewSchema()))
	salt := newTestSalt(t)
	require.NoError(t, v.Unlock(t.Context(), "pw", testUser, salt, crypto.KDFArgon2id))
	require.NoError(t, v.SetField("moneyProfile", map[string]any{"name": "Ada"}))
	require.NoError(t, v.Close())
	return salt
}

func TestVault_LockDuringUnlockIsApplied(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	salt := seedVault(t, repo)

	kdf := newGatedKDF()
	v, _ := newTestVault(t, repo, WithKeyDerivation(kdf), WithSchema(NewSchema()))
	rec := record(v)

	errc := make(chan error, 1)
	go func() { errc <- v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id) }()
	<-kdf.entered
	require.Equal(t, StateUnlocking, v.State())

	v.Lock(LockManual)
	close(kdf.release)
	require.NoError(t, <-errc)

	assert.Equal(t, StateLocked, v.State())
	assert.False(t, v.Session().IsUnlocked())
	assert.Nil(t, v.GetField("moneyProfile"))
	require.Len(t, rec.ofType(EventUnlocked), 1)
	locked := rec.ofType(EventLocked)
	require.Len(t, locked, 1)
	assert.Equal(t, LockManual, locked[0].Reason)

	// The held lock is spent; the next unlock stays unlocked.
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	assert.Equal(t, StateUnlocked, v.State())
}

func TestVault_CloseDuringUnlock(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	salt := seedVault(t, repo)

	kdf := newGatedKDF()
	v, _ := newTestVault(t, repo, WithKeyDerivation(kdf), WithSchema(NewSchema()))
	rec := record(v)

	errc := make(chan error, 1)
	go func() { errc <- v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id) }()
	<-kdf.entered

	require.NoError(t, v.Close())
	close(kdf.release)
	require.ErrorIs(t, <-errc, ErrClosed)

	assert.Equal(t, StateLocked, v.State())
	assert.False(t, v.Session().IsUnlocked())
	assert.Nil(t, v.GetField("moneyProfile"))
	assert.Empty(t, rec.ofType(EventUnlocked))
	assert.Empty(t, v.Status().SessionID)
}

func TestVault_IdleLock(t *testing.T) {
	ctx := t.Context()

	t.Run("locks after threshold", func(t *testing.T) {
		v, clock := newTestVault(t, memory.NewRepository(), WithIdleTimeout(10*time.Minute))
		events := record(v)
		require.NoError(t, v.Unlock(ctx, "pw", testUser, newTestSalt(t), crypto.KDFArgon2id))

		clock.Advance(11 * time.Minute)
		assert.True(t, v.CheckIdle())
		assert.Equal(t, StateLocked, v.State())

		locked := events.ofType(EventLocked)
		require.Len(t, locked, 1)
		assert.Equal(t, LockIdle, locked[0].Reason)
	})

	t.Run("stays unlocked when recently active", func(t *testing.T) {
		v, clock := newTestVault(t, memory.NewRepository(), WithIdleTimeout(10*time.Minute))
		require.NoError(t, v.Unlock(ctx, "pw", testUser, newTestSalt(t), crypto.KDFArgon2id))

		clock.Advance(1 * time.Minute)
		assert.False(t, v.CheckIdle())
		assert.Equal(t, StateUnlocked, v.State())
	})

	t.Run("activity resets the clock", func(t *testing.T) {
		v, clock := newTestVault(t, memory.NewRepository(), WithIdleTimeout(10*time.Minute))
		require.NoError(t, v.Unlock(ctx, "pw", testUser, newTestSalt(t), crypto.KDFArgon2id))

		clock.Advance(9 * time.Minute)
		v.TouchActivity()
		clock.Advance(9 * time.Minute)
		assert.False(t, v.CheckIdle())
	})

	t.Run("activity never unlocks", func(t *testing.T) {
		v, _ := newTestVault(t, memory.NewRepository())
		v.TouchActivity()
		assert.True(t, v.Session().LastActiveAt().IsZero())
		assert.False(t, v.CheckIdle())
	})
}

func TestVault_StartAutoLock(t *testing.T) {
	ctx := t.Context()
	v, clock := newTestVault(t, memory.NewRepository(),
		WithIdleTimeout(time.Minute),
		WithCheckInterval(5*time.Millisecond),
	)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, newTestSalt(t), crypto.KDFArgon2id))

	stop := v.StartAutoLock(ctx)
	defer stop()

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return v.State() == StateLocked }, 2*time.Second, 5*time.Millisecond)
}

func TestVault_WriteOrdering(t *testing.T) {
	ctx := t.Context()
	repo := newHookRepo()
	v, _ := newTestVault(t, repo, WithSchema(NewSchema()))
	salt := newTestSalt(t)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))

	// Hold the first write open so the second mutation lands while it runs.
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo.setHook(func(key string) error {
		if key == KeyBlob {
			once.Do(func() {
				close(started)
				<-release
			})
		}
		return nil
	})

	require.NoError(t, v.SetField("payPeriodPlans", []string{"p1"}))
	<-started
	require.NoError(t, v.SetField("payPeriodLatestPlanId", "p1"))
	close(release)
	require.NoError(t, v.Flush(ctx))

	fields, _, _ := readBlob(t, repo, "pw", salt)
	assert.JSONEq(t, `["p1"]`, string(fields["payPeriodPlans"]))
	assert.JSONEq(t, `"p1"`, string(fields["payPeriodLatestPlanId"]))
	assert.False(t, v.Session().IsDirty())
}

func TestVault_BackToBackWritesCoalesce(t *testing.T) {
	ctx := t.Context()
	repo := newHookRepo()
	v, _ := newTestVault(t, repo, WithSchema(NewSchema()))
	salt := newTestSalt(t)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	writesAfterUnlock := repo.BlobWrites()

	require.NoError(t, v.SetField("a", 1))
	require.NoError(t, v.SetField("b", 2))
	require.NoError(t, v.Flush(ctx))

	fields, _, _ := readBlob(t, repo, "pw", salt)
	assert.JSONEq(t, `1`, string(fields["a"]))
	assert.JSONEq(t, `2`, string(fields["b"]))
	assert.LessOrEqual(t, repo.BlobWrites()-writesAfterUnlock, 2)
}

func TestVault_LockDuringPersist(t *testing.T) {
	ctx := t.Context()
	repo := newHookRepo()
	v, _ := newTestVault(t, repo, WithSchema(NewSchema()))
	salt := newTestSalt(t)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo.setHook(func(key string) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	})

	require.NoError(t, v.SetField("debtCashForm", map[string]any{"manualDebts": []any{}}))
	<-started
	v.Lock(LockManual)
	close(release)
	require.NoError(t, v.Flush(ctx))

	// The in-flight write completed with its snapshot.
	fields, _, _ := readBlob(t, repo, "pw", salt)
	assert.Contains(t, fields, "debtCashForm")
	assert.False(t, v.Session().IsUnlocked())
	assert.False(t, v.Session().IsDirty())
}

func TestVault_MigrationWriteFailureKeepsPlaintext(t *testing.T) {
	ctx := t.Context()
	repo := newHookRepo()
	putLegacy(t, repo, "moneyProfile", `{"name":"Ada"}`)
	repo.setHook(func(key string) error {
		if key == KeyBlob {
			return errors.New("disk full")
		}
		return nil
	})

	v, _ := newTestVault(t, repo)
	err := v.Unlock(ctx, "pw", testUser, newTestSalt(t), crypto.KDFArgon2id)
	require.ErrorIs(t, err, ErrMigrationFailed)
	assert.Equal(t, StateLocked, v.State())
	assert.False(t, v.Session().IsUnlocked())

	_, err = repo.Get(testUser, "moneyProfile")
	require.NoError(t, err, "legacy plaintext must survive a failed first write")
	encrypted, err := NewLegacyMigrator(repo).Encrypted(testUser)
	require.NoError(t, err)
	assert.False(t, encrypted)
}

func TestVault_MigrationRetryAfterFailedFirstWrite(t *testing.T) {
	ctx := t.Context()
	repo := newHookRepo()
	putLegacy(t, repo, "moneyProfile", `{"name":"Ada"}`)
	putLegacy(t, repo, "liveBudgetTransactions", `[{"amount":12.5}]`)
	putLegacy(t, repo, "monthlyHistory_2024-02", `{"total":10}`)
	putLegacy(t, repo, "periodHistoryIndex_2024", `["p1","p2"]`)

	want, err := NewLegacyMigrator(repo).Migrate(testUser)
	require.NoError(t, err)
	require.Contains(t, want, LegacyPrefixesField)

	repo.setHook(func(key string) error {
		if key == KeyBlob {
			return errors.New("disk full")
		}
		return nil
	})
	v, _ := newTestVault(t, repo, WithSchema(NewSchema()))
	salt := newTestSalt(t)
	require.ErrorIs(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id), ErrMigrationFailed)

	repo.setHook(nil)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	require.NoError(t, v.Flush(ctx))

	fields, _, version := readBlob(t, repo, "pw", salt)
	assert.Equal(t, uint64(1), version)
	require.Len(t, fields, len(want))
	for name, raw := range want {
		require.Contains(t, fields, name)
		assert.JSONEq(t, string(raw), string(fields[name]), name)
	}

	for _, key := range []string{"moneyProfile", "monthlyHistory_2024-02", "periodHistoryIndex_2024"} {
		_, err := repo.Get(testUser, key)
		require.ErrorIs(t, err, storage.ErrNotFound, key)
	}
	encrypted, err := NewLegacyMigrator(repo).Encrypted(testUser)
	require.NoError(t, err)
	assert.True(t, encrypted)
}

func TestVault_InvalidLegacyJSON(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	require.NoError(t, repo.Put(testUser, "debtCashForm", &storage.Record{Value: []byte("{not json")}))

	v, _ := newTestVault(t, repo)
	err := v.Unlock(ctx, "pw", testUser, newTestSalt(t), crypto.KDFArgon2id)
	require.ErrorIs(t, err, ErrMigrationFailed)
	_, err = repo.Get(testUser, KeyBlob)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// countingMigrator counts Migrate calls and can fail Finalize once.
type countingMigrator struct {
	*LegacyMigrator
	mu           sync.Mutex
	migrates     int
	failFinalize bool
}

func (m *countingMigrator) Migrate(userID string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	m.migrates++
	m.mu.Unlock()
	return m.LegacyMigrator.Migrate(userID)
}

func (m *countingMigrator) Finalize(userID string) error {
	m.mu.Lock()
	fail := m.failFinalize
	m.failFinalize = false
	m.mu.Unlock()
	if fail {
		return errors.New("crash before cleanup")
	}
	return m.LegacyMigrator.Finalize(userID)
}

func TestVault_FinalizeRetriedAfterCrash(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	putLegacy(t, repo, "financialHealthScore", `{"score":71}`)
	mig := &countingMigrator{LegacyMigrator: NewLegacyMigrator(repo), failFinalize: true}

	v, _ := newTestVault(t, repo, WithMigrator(mig))
	salt := newTestSalt(t)

	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	_, err := repo.Get(testUser, "financialHealthScore")
	require.NoError(t, err, "cleanup failed, plaintext still present")
	require.NoError(t, v.Flush(ctx))
	v.Lock(LockManual)

	// The blob exists, so migration does not run again, but cleanup does.
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	assert.Equal(t, 1, mig.migrates)
	_, err = repo.Get(testUser, "financialHealthScore")
	require.ErrorIs(t, err, storage.ErrNotFound)

	var score map[string]any
	require.NoError(t, json.Unmarshal(v.GetField("financialHealthScore"), &score))
	assert.Equal(t, 71.0, score["score"])
}

func TestVault_StorageCollision(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	v, _ := newTestVault(t, repo)
	events := record(v)
	salt := newTestSalt(t)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	require.NoError(t, v.Flush(ctx))

	// Another process replaces the blob.
	rec, err := repo.Get(testUser, KeyBlob)
	require.NoError(t, err)
	rec.Version = 42
	require.NoError(t, repo.Put(testUser, KeyBlob, rec))

	require.NoError(t, v.SetField("moneyProfile", map[string]any{"name": "Bea"}))
	err = v.Flush(ctx)
	require.ErrorIs(t, err, ErrStorageCollision)
	assert.True(t, v.Session().IsDirty())

	collisions := events.ofType(EventStorageCollision)
	require.NotEmpty(t, collisions)
	assert.Equal(t, KeyBlob, collisions[0].Key)
	assert.Equal(t, uint64(42), collisions[0].ExistingVersion)
	assert.Equal(t, uint64(2), collisions[0].TargetVersion)

	got, err := repo.Get(testUser, KeyBlob)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Version, "stale write must not land")
}

func TestVault_WriteFailureRetriedOnNextMutation(t *testing.T) {
	ctx := t.Context()
	repo := newHookRepo()
	v, _ := newTestVault(t, repo, WithSchema(NewSchema()))
	events := record(v)
	salt := newTestSalt(t)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))

	repo.setHook(func(string) error { return errors.New("disk full") })
	require.NoError(t, v.SetField("a", "first"))
	require.Error(t, v.Flush(ctx))
	assert.True(t, v.Session().IsDirty())

	failed := events.ofType(EventPersistFailed)
	require.NotEmpty(t, failed)
	assert.Equal(t, StageWrite, failed[0].Stage)

	repo.setHook(nil)
	require.NoError(t, v.SetField("b", "second"))
	require.NoError(t, v.Flush(ctx))

	fields, _, _ := readBlob(t, repo, "pw", salt)
	assert.JSONEq(t, `"first"`, string(fields["a"]))
	assert.JSONEq(t, `"second"`, string(fields["b"]))
}

func TestVault_DeleteFieldPersists(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	v, _ := newTestVault(t, repo, WithSchema(NewSchema()))
	salt := newTestSalt(t)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))

	require.NoError(t, v.SetField("a", 1))
	require.NoError(t, v.DeleteField("a"))
	require.NoError(t, v.Flush(ctx))

	fields, meta, _ := readBlob(t, repo, "pw", salt)
	assert.NotContains(t, fields, "a")
	assert.NotContains(t, meta, "a")
}

func TestVault_FieldMetaRoundTrip(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	v, clock := newTestVault(t, repo, WithSchema(NewSchema()))
	salt := newTestSalt(t)
	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))

	clock.Advance(time.Hour)
	require.NoError(t, v.SetField("liveBudgetTransactions", []int{1, 2}, FieldMeta{Version: 3}))
	require.NoError(t, v.Flush(ctx))
	v.Lock(LockManual)

	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	meta, ok := v.Session().FieldMeta("liveBudgetTransactions")
	require.True(t, ok)
	assert.Equal(t, 3, meta.Version)
	assert.True(t, meta.LastUpdated.Equal(clock.Now()))
	assert.NotContains(t, v.Session().FieldNames(), fieldMetaKey)

	require.ErrorIs(t, v.SetField("liveBudgetTransactions", []int{}, FieldMeta{Version: 2}), ErrStaleFieldVersion)
}

func TestVault_Rotate(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	v, _ := newTestVault(t, repo)
	salt := newTestSalt(t)

	_, err := v.Rotate(ctx, "old", "new", "")
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, v.Unlock(ctx, "OldPass1!", testUser, salt, crypto.KDFArgon2id))
	require.NoError(t, v.SetField("payPeriodLatestPlanId", "plan-7"))
	require.NoError(t, v.Flush(ctx))

	_, err = v.Rotate(ctx, "not-the-password", "NewPass3!", "")
	require.ErrorIs(t, err, ErrDecryptFailed)

	profile, err := v.Rotate(ctx, "OldPass1!", "NewPass3!", "")
	require.NoError(t, err)
	assert.Equal(t, crypto.KDFArgon2id, profile.KDF)
	assert.NotEqual(t, salt, profile.Salt)
	assert.True(t, v.IsUnlocked())

	// The session keeps working under the new key.
	require.NoError(t, v.SetField("payPeriodPlans", []string{"plan-7"}))
	require.NoError(t, v.Flush(ctx))
	v.Lock(LockManual)

	err = v.UnlockWithProfile(ctx, "OldPass1!", testUser)
	require.ErrorIs(t, err, ErrDecryptFailed)

	require.NoError(t, v.UnlockWithProfile(ctx, "NewPass3!", testUser))
	assert.JSONEq(t, `"plan-7"`, string(v.GetField("payPeriodLatestPlanId")))
	assert.JSONEq(t, `["plan-7"]`, string(v.GetField("payPeriodPlans")))
}

func TestVault_CloseFlushesAndLocks(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	clock := newFakeClock()
	v := New(repo, WithKeyDerivation(testKDF()), WithClock(clock.Now), WithLogger(discardLogger()), WithSchema(NewSchema()))
	events := record(v)
	salt := newTestSalt(t)

	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id))
	require.NoError(t, v.SetField("a", "kept"))
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())

	fields, _, _ := readBlob(t, repo, "pw", salt)
	assert.JSONEq(t, `"kept"`, string(fields["a"]))
	assert.Equal(t, StateLocked, v.State())

	locked := events.ofType(EventLocked)
	require.Len(t, locked, 1)
	assert.Equal(t, LockShutdown, locked[0].Reason)

	require.ErrorIs(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFArgon2id), ErrClosed)
	require.ErrorIs(t, v.Flush(context.Background()), ErrClosed)
}

func TestVault_SubscribeCancel(t *testing.T) {
	ctx := t.Context()
	v, _ := newTestVault(t, memory.NewRepository())
	count := 0
	cancel := v.Subscribe(func(Event) { count++ })

	require.NoError(t, v.Unlock(ctx, "pw", testUser, newTestSalt(t), crypto.KDFArgon2id))
	cancel()
	v.Lock(LockManual)
	assert.Equal(t, 1, count)
}

func TestVault_PBKDF2(t *testing.T) {
	if testing.Short() {
		t.Skip("pbkdf2 at full iteration count is slow")
	}
	ctx := t.Context()
	repo := memory.NewRepository()
	v, _ := newTestVault(t, repo)
	salt := newTestSalt(t)

	require.NoError(t, v.Unlock(ctx, "pw", testUser, salt, crypto.KDFPBKDF2))
	require.NoError(t, v.SetField("a", true))
	require.NoError(t, v.Flush(ctx))

	rec, err := repo.Get(testUser, KeyBlob)
	require.NoError(t, err)
	env, err := crypto.ParseEnvelope(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, crypto.KDFPBKDF2, env.KDF)
	assert.Equal(t, AADRoot, env.AAD)
}
