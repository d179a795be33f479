package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/ledgervault/storage"
)

// Migrator absorbs pre-existing plaintext fields into the vault.
//
// Migrate never sets the encrypted flag itself; the orchestrator calls
// Finalize only after the first encrypted write has succeeded.
type Migrator interface {
	// Encrypted reports whether the user's legacy plaintext has been cleared.
	Encrypted(userID string) (bool, error)
	// Migrate assembles the legacy field set. It returns an empty map once
	// the encrypted flag is set.
	Migrate(userID string) (map[string]json.RawMessage, error)
	// Finalize deletes legacy plaintext, then sets the encrypted flag, then
	// records migration completion.
	Finalize(userID string) error
}

// MigrationRecord is stored under KeyMigrationComplete.
type MigrationRecord struct {
	CompletedAt time.Time `json:"completedAt"`
	Fields      []string  `json:"fields"`
}

// LegacyMigrator reads and clears plaintext legacy keys in the same
// repository namespace as the vault.
type LegacyMigrator struct {
	repo storage.Repository
	now  func() time.Time
}

var _ Migrator = (*LegacyMigrator)(nil)

// NewLegacyMigrator returns a migrator over repo.
func NewLegacyMigrator(repo storage.Repository) *LegacyMigrator {
	return &LegacyMigrator{repo: repo, now: time.Now}
}

var encryptedFlagValue = []byte("1")

func (m *LegacyMigrator) Encrypted(userID string) (bool, error) {
	rec, err := m.repo.Get(userID, KeyEncrypted)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading encrypted flag: %w", err)
	}
	return string(rec.Value) == string(encryptedFlagValue), nil
}

func (m *LegacyMigrator) Migrate(userID string) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}

	encrypted, err := m.Encrypted(userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	if encrypted {
		return fields, nil
	}

	for _, key := range LegacyKeys {
		raw, ok, err := m.read(userID, key)
		if err != nil {
			return nil, err
		}
		if ok {
			fields[key] = raw
		}
	}

	prefixed := map[string]json.RawMessage{}
	keys, err := m.prefixedKeys(userID)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		raw, ok, err := m.read(userID, key)
		if err != nil {
			return nil, err
		}
		if ok {
			prefixed[key] = raw
		}
	}
	if len(prefixed) > 0 {
		data, err := json.Marshal(prefixed)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding %s: %v", ErrMigrationFailed, LegacyPrefixesField, err)
		}
		fields[LegacyPrefixesField] = data
	}
	return fields, nil
}

func (m *LegacyMigrator) Finalize(userID string) error {
	var removed []string
	for _, key := range LegacyKeys {
		if _, err := m.repo.Get(userID, key); err == nil {
			removed = append(removed, key)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("reading legacy key %s: %w", key, err)
		}
	}
	prefixed, err := m.prefixedKeys(userID)
	if err != nil {
		return err
	}
	removed = append(removed, prefixed...)
	sort.Strings(removed)

	completion, err := json.Marshal(MigrationRecord{CompletedAt: m.now().UTC(), Fields: removed})
	if err != nil {
		return err
	}

	return m.repo.Batch(userID, func(tx storage.BatchTx) error {
		for _, key := range removed {
			if err := tx.Delete(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("deleting legacy key %s: %w", key, err)
			}
		}
		if err := tx.Put(KeyEncrypted, &storage.Record{Value: encryptedFlagValue}); err != nil {
			return fmt.Errorf("setting encrypted flag: %w", err)
		}
		return tx.Put(KeyMigrationComplete, &storage.Record{Value: completion})
	})
}

// Completion returns the migration-complete record, if any.
func (m *LegacyMigrator) Completion(userID string) (*MigrationRecord, error) {
	rec, err := m.repo.Get(userID, KeyMigrationComplete)
	if err != nil {
		return nil, err
	}
	var out MigrationRecord
	if err := json.Unmarshal(rec.Value, &out); err != nil {
		return nil, fmt.Errorf("decoding migration record: %w", err)
	}
	return &out, nil
}

func (m *LegacyMigrator) read(userID, key string) (json.RawMessage, bool, error) {
	rec, err := m.repo.Get(userID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: reading %s: %v", ErrMigrationFailed, key, err)
	}
	if len(rec.Value) == 0 {
		return nil, false, nil
	}
	if !json.Valid(rec.Value) {
		return nil, false, fmt.Errorf("%w: %s is not valid JSON", ErrMigrationFailed, key)
	}
	return json.RawMessage(rec.Value), true, nil
}

func (m *LegacyMigrator) prefixedKeys(userID string) ([]string, error) {
	var out []string
	for _, prefix := range LegacyPrefixes {
		keys, err := m.repo.List(userID, prefix)
		if err != nil {
			return nil, fmt.Errorf("%w: listing %s: %v", ErrMigrationFailed, prefix, err)
		}
		out = append(out, keys...)
	}
	sort.Strings(out)
	return out, nil
}

// IsLegacyKey reports whether key is a known legacy key or matches a legacy prefix.
func IsLegacyKey(key string) bool {
	if IsManagedKey(key) {
		return true
	}
	for _, p := range LegacyPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// PutLegacy writes a plaintext legacy value, as the pre-vault application
// did. It refuses once the user's data has been encrypted.
func PutLegacy(repo storage.Repository, userID, key string, value json.RawMessage) error {
	if err := validateID(userID, "user ID"); err != nil {
		return err
	}
	if !IsLegacyKey(key) {
		return validationErrorf("%q is not a legacy key", key)
	}
	if !json.Valid(value) {
		return validationErrorf("legacy value for %q is not valid JSON", key)
	}
	encrypted, err := NewLegacyMigrator(repo).Encrypted(userID)
	if err != nil {
		return err
	}
	if encrypted {
		return fmt.Errorf("user %s is already encrypted: %w", userID, ErrMigrationFailed)
	}
	return repo.Put(userID, key, &storage.Record{Value: value})
}

// legacyVersion extracts the version a legacy object carried inline and
// strips the inline metadata keys.
func legacyVersion(raw json.RawMessage) (json.RawMessage, int) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return raw, 1
	}
	vraw, ok := obj["_version"]
	if !ok {
		return raw, 1
	}
	var version float64
	if err := json.Unmarshal(vraw, &version); err != nil || version < 1 {
		version = 1
	}
	delete(obj, "_version")
	delete(obj, "_lastUpdated")
	out, err := json.Marshal(obj)
	if err != nil {
		return raw, int(version)
	}
	return out, int(version)
}
