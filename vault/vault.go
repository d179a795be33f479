// Package vault implements the encrypted local vault: unlocking with a
// password-derived key, the in-memory session of decrypted fields, locking
// (explicit and idle), serialized persistence of the encrypted root blob and
// the one-time migration of legacy plaintext.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/internal/metrics"
	"github.com/jmcleod/ledgervault/internal/uuid"
	"github.com/jmcleod/ledgervault/storage"
)

// State is the orchestrator's lock state.
type State int

const (
	StateLocked State = iota
	StateUnlocking
	StateUnlocked
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocking:
		return "unlocking"
	case StateUnlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const closeFlushTimeout = 10 * time.Second

// Vault is the lock orchestrator. It owns the Session, the persistence worker
// and the idle auto-lock loop for one process.
type Vault struct {
	repo     storage.Repository
	session  *Session
	logger   *slog.Logger
	metrics  *metrics.Metrics
	kdfs     map[crypto.KDF]crypto.KeyDerivation
	migrator Migrator
	schema   *Schema
	now      func() time.Time

	idleTimeout   time.Duration
	checkInterval time.Duration

	mu        sync.Mutex
	state     State
	sessionID string
	closed    bool
	// pendingLock is a Lock requested while an unlock was in progress.
	pendingLock LockReason

	tasks          chan task
	persistPending atomic.Bool
	stop           chan struct{}
	workerDone     chan struct{}
	closeOnce      sync.Once

	subsMu  sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// New creates a locked Vault over repo and starts its persistence worker.
// Call Close to flush and stop it.
func New(repo storage.Repository, opts ...Option) *Vault {
	v := &Vault{
		repo:   repo,
		logger: slog.Default(),
		kdfs: map[crypto.KDF]crypto.KeyDerivation{
			crypto.KDFArgon2id: crypto.NewArgon2id(),
			crypto.KDFPBKDF2:   crypto.NewPBKDF2SHA256(),
		},
		schema:        FinanceSchema(),
		now:           time.Now,
		idleTimeout:   DefaultIdleTimeout,
		checkInterval: DefaultCheckInterval,
		tasks:         make(chan task, taskQueueSize),
		stop:          make(chan struct{}),
		workerDone:    make(chan struct{}),
		subs:          map[int]func(Event){},
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.migrator == nil {
		v.migrator = &LegacyMigrator{repo: repo, now: v.now}
	}
	v.session = newSession(v.now)
	go v.runWorker()
	return v
}

// Session returns the session handle for field reads.
func (v *Vault) Session() *Session {
	return v.session
}

// State returns the current lock state.
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// IsUnlocked reports whether the vault is fully unlocked.
func (v *Vault) IsUnlocked() bool {
	return v.State() == StateUnlocked
}

// IdleTimeout returns the configured auto-lock threshold.
func (v *Vault) IdleTimeout() time.Duration {
	return v.idleTimeout
}

// Status is a point-in-time summary for status displays.
type Status struct {
	State        string     `json:"state"`
	UserID       string     `json:"userId,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
	UnlockedAt   *time.Time `json:"unlockedAt,omitempty"`
	LastActiveAt *time.Time `json:"lastActiveAt,omitempty"`
	Dirty        bool       `json:"dirty"`
	Fields       int        `json:"fields"`
	IdleTimeout  string     `json:"idleTimeout"`
}

// Status reports the lock state and session summary.
func (v *Vault) Status() Status {
	v.mu.Lock()
	st := Status{State: v.state.String(), SessionID: v.sessionID, IdleTimeout: v.idleTimeout.String()}
	v.mu.Unlock()

	if st.State != StateUnlocked.String() {
		return st
	}
	st.UserID = v.session.UserID()
	st.Dirty = v.session.IsDirty()
	st.Fields = len(v.session.FieldNames())
	if t := v.session.UnlockedAt(); !t.IsZero() {
		st.UnlockedAt = &t
	}
	if t := v.session.LastActiveAt(); !t.IsZero() {
		st.LastActiveAt = &t
	}
	return st
}

// UnlockWithProfile unlocks using the salt and KDF stored for userID.
func (v *Vault) UnlockWithProfile(ctx context.Context, password, userID string) error {
	p, err := LoadProfile(v.repo, userID)
	if err != nil {
		return err
	}
	return v.Unlock(ctx, password, userID, p.Salt, p.KDF)
}

// Unlock derives the key for password and salt, verifies it, then loads the
// root blob or, when none exists, migrates legacy plaintext and writes the
// first encrypted blob before clearing that plaintext.
//
// A wrong password fails with ErrDecryptFailed and leaves the vault locked.
func (v *Vault) Unlock(ctx context.Context, password, userID string, salt []byte, kdf crypto.KDF) error {
	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return ErrClosed
	case v.state == StateUnlocking:
		v.mu.Unlock()
		return ErrUnlockInProgress
	case v.state == StateUnlocked:
		v.mu.Unlock()
		return ErrAlreadyUnlocked
	}
	v.state = StateUnlocking
	v.mu.Unlock()

	start := time.Now()
	err := v.unlock(ctx, password, userID, salt, kdf)

	var sessionID string
	v.mu.Lock()
	pending := v.pendingLock
	v.pendingLock = ""
	switch {
	case err != nil:
		v.state = StateLocked
	case v.closed:
		// Close ran while the key was being derived; the session must not
		// outlive it.
		v.state = StateLocked
		v.session.clearUnlocked()
		err = ErrClosed
	default:
		sessionID = uuid.New()
		v.state = StateUnlocked
		v.sessionID = sessionID
	}
	v.mu.Unlock()

	v.metrics.ObserveUnlock(unlockResult(err), time.Since(start))
	if err != nil {
		v.logger.Warn("vault unlock failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return err
	}

	v.logger.Info("vault unlocked",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.String("kdf", string(kdf)),
	)
	v.emit(Event{Type: EventUnlocked, UserID: userID, SessionID: sessionID})
	if pending != "" {
		v.lock(pending)
	}
	return nil
}

func (v *Vault) unlock(ctx context.Context, password, userID string, salt []byte, kdf crypto.KDF) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID must not be empty", ErrInvalidPassword)
	}
	if err := validateID(userID, "user ID"); err != nil {
		return err
	}
	kd, ok := v.kdfs[kdf]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedKDF, kdf)
	}

	// A write from the previous session must land before the blob is read.
	if err := v.Flush(ctx); err != nil {
		return err
	}

	key, err := kd.Derive(password, salt)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sentinelPresent, err := v.verifySentinel(userID, key)
	if err != nil {
		return err
	}

	st := unlockState{key: key, userID: userID, salt: salt, kdf: kdf}
	fresh := false
	rec, err := v.repo.Get(userID, KeyBlob)
	switch {
	case err == nil:
		st.fields, st.meta, err = decryptRoot(key, rec.Value)
		if err != nil {
			return err
		}
		st.blobVersion = rec.Version
	case errors.Is(err, storage.ErrNotFound):
		st.fields, st.meta, err = v.migrate(userID)
		if err != nil {
			v.metrics.ObserveMigration("error")
			return err
		}
		fresh = true
	default:
		return fmt.Errorf("reading vault blob: %w", err)
	}

	v.session.setUnlocked(st)

	if fresh {
		if err := v.persistNow(ctx); err != nil {
			v.session.clearUnlocked()
			v.metrics.ObserveMigration("error")
			return fmt.Errorf("%w: first encrypted write: %v", ErrMigrationFailed, err)
		}
	}

	// The sentinel is only created once the key has opened (or created) the
	// root blob, so a mistyped first password can never be pinned.
	if !sentinelPresent {
		if err := v.createSentinel(userID, key, salt, kdf); err != nil {
			v.logger.Warn("vault sentinel not written",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	v.finalizeMigration(userID)
	v.applySchema()
	return nil
}

// Lock wipes the session and emits EventLocked. It does nothing while the
// vault is locked. A Lock during an unlock is held and applied as soon as
// that unlock succeeds. An in-flight blob write is allowed to finish.
func (v *Vault) Lock(reason LockReason) {
	v.lock(reason)
}

func (v *Vault) lock(reason LockReason) bool {
	v.mu.Lock()
	if v.state == StateUnlocking {
		v.pendingLock = reason
		v.mu.Unlock()
		return false
	}
	if v.state != StateUnlocked {
		v.mu.Unlock()
		return false
	}
	v.state = StateLocked
	userID := v.session.UserID()
	sessionID := v.sessionID
	v.sessionID = ""
	v.session.clearUnlocked()
	v.mu.Unlock()

	v.metrics.ObserveLock(string(reason))
	v.logger.Info("vault locked",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.String("reason", string(reason)),
	)
	v.emit(Event{Type: EventLocked, UserID: userID, SessionID: sessionID, Reason: reason})
	return true
}

// TouchActivity resets the idle clock.
func (v *Vault) TouchActivity() {
	v.session.TouchActivity()
}

// GetField returns the field's JSON value, or nil while locked.
func (v *Vault) GetField(name string) json.RawMessage {
	return v.session.GetField(name)
}

// SetField stores a field and schedules persistence. Unlike Session.SetField
// it reports ErrLocked instead of silently doing nothing.
func (v *Vault) SetField(name string, value any, meta ...FieldMeta) error {
	applied, err := v.session.setField(name, value, meta...)
	if err != nil {
		return err
	}
	if !applied {
		return ErrLocked
	}
	v.schedulePersist()
	return nil
}

// DeleteField removes a field and schedules persistence.
func (v *Vault) DeleteField(name string) error {
	if !v.session.deleteField(name) {
		return ErrLocked
	}
	v.schedulePersist()
	return nil
}

// Close flushes pending writes, locks with LockShutdown and stops the
// worker. It returns the flush error, if any.
func (v *Vault) Close() error {
	var err error
	v.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		defer cancel()
		err = v.Flush(ctx)
		v.lock(LockShutdown)

		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()
		close(v.stop)
		<-v.workerDone
	})
	return err
}

type sentinelPayload struct {
	OK        bool      `json:"ok"`
	CreatedAt time.Time `json:"createdAt"`
}

// verifySentinel reports whether a sentinel exists and, if so, that key
// opens it.
func (v *Vault) verifySentinel(userID string, key *crypto.Key) (bool, error) {
	rec, err := v.repo.Get(userID, KeySentinel)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading sentinel: %w", err)
	}
	if err := openSentinel(key, rec.Value); err != nil {
		return true, err
	}
	return true, nil
}

func openSentinel(key *crypto.Key, data []byte) error {
	env, err := crypto.ParseEnvelope(data)
	if err != nil {
		return err
	}
	var s sentinelPayload
	if err := crypto.DecryptInto(key, env, AADSentinel, &s); err != nil {
		return err
	}
	if !s.OK {
		return ErrDecryptFailed
	}
	return nil
}

func (v *Vault) sealSentinel(key *crypto.Key, salt []byte, kdf crypto.KDF) ([]byte, error) {
	env, err := crypto.Encrypt(key, sentinelPayload{OK: true, CreatedAt: v.now().UTC()},
		crypto.SealOptions{Salt: salt, KDF: kdf, AAD: AADSentinel})
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}

// createSentinel writes the sentinel only if none exists.
func (v *Vault) createSentinel(userID string, key *crypto.Key, salt []byte, kdf crypto.KDF) error {
	data, err := v.sealSentinel(key, salt, kdf)
	if err != nil {
		return err
	}
	err = v.repo.PutCAS(userID, KeySentinel, 0, &storage.Record{Value: data, Version: 1})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil
	}
	return err
}

func decryptRoot(key *crypto.Key, data []byte) (map[string]json.RawMessage, map[string]FieldMeta, error) {
	env, err := crypto.ParseEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	var root map[string]json.RawMessage
	if err := crypto.DecryptInto(key, env, AADRoot, &root); err != nil {
		return nil, nil, err
	}
	if root == nil {
		root = map[string]json.RawMessage{}
	}
	fields, meta := splitRootPayload(root)
	return fields, meta, nil
}

// migrate turns the migrator's legacy field set into session fields,
// lifting any inline _version into field metadata.
func (v *Vault) migrate(userID string) (map[string]json.RawMessage, map[string]FieldMeta, error) {
	legacy, err := v.migrator.Migrate(userID)
	if err != nil {
		if !errors.Is(err, ErrMigrationFailed) {
			err = fmt.Errorf("%w: %v", ErrMigrationFailed, err)
		}
		return nil, nil, err
	}
	now := v.now()
	fields := make(map[string]json.RawMessage, len(legacy))
	meta := make(map[string]FieldMeta, len(legacy))
	for name, raw := range legacy {
		value, version := legacyVersion(raw)
		fields[name] = value
		meta[name] = FieldMeta{Version: version, LastUpdated: now}
	}
	if len(fields) > 0 {
		v.logger.Info("legacy fields assembled for migration",
			slog.String("user_id", userID),
			slog.Int("fields", len(fields)),
		)
	}
	return fields, meta, nil
}

// finalizeMigration clears legacy plaintext once an encrypted blob exists.
// Failure is logged; the next unlock retries.
func (v *Vault) finalizeMigration(userID string) {
	encrypted, err := v.migrator.Encrypted(userID)
	if err != nil {
		v.logger.Warn("reading encrypted flag failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		return
	}
	if encrypted {
		return
	}
	if err := v.migrator.Finalize(userID); err != nil {
		v.metrics.ObserveMigration("finalize_error")
		v.logger.Error("legacy plaintext not cleared",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	v.metrics.ObserveMigration("ok")
	v.logger.Info("legacy migration finalized", slog.String("user_id", userID))
}

// applySchema upgrades fields stored at an old version and schedules a write
// if anything changed. A failed upgrade leaves the field untouched.
func (v *Vault) applySchema() {
	if v.schema == nil {
		return
	}
	upgraded := false
	for _, name := range v.session.FieldNames() {
		meta, ok := v.session.FieldMeta(name)
		if !ok || meta.Version >= v.schema.Latest(name) {
			continue
		}
		value, version, err := v.schema.Upgrade(name, v.session.GetField(name), meta.Version)
		if err != nil {
			v.logger.Warn("field schema upgrade failed", slog.String("field", name), slog.String("error", err.Error()))
		}
		if version == meta.Version {
			continue
		}
		if _, err := v.session.setField(name, json.RawMessage(value), FieldMeta{Version: version}); err != nil {
			v.logger.Warn("storing upgraded field failed", slog.String("field", name), slog.String("error", err.Error()))
			continue
		}
		v.metrics.ObserveSchemaUpgrade(name)
		v.logger.Info("field schema upgraded",
			slog.String("field", name),
			slog.Int("from", meta.Version),
			slog.Int("to", version),
		)
		upgraded = true
	}
	if upgraded {
		v.schedulePersist()
	}
}

func unlockResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDecryptFailed):
		return "decrypt_failed"
	case errors.Is(err, ErrInvalidPassword):
		return "invalid_password"
	case errors.Is(err, ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, ErrMigrationFailed):
		return "migration_failed"
	default:
		return "error"
	}
}
