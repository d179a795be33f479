package vault

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/internal/util"
)

// FieldMeta is the version metadata kept for every vault field, independent
// of the field's own shape.
type FieldMeta struct {
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Session is the in-memory record of one unlock/lock cycle: the derived key,
// the decrypted fields and their metadata, the dirty flag and activity
// timestamps.
//
// Only the orchestrator (Vault) populates or wipes a Session and reads its
// key. Everyone else goes through the field accessors, which return nil or do
// nothing while the session is locked.
type Session struct {
	mu  sync.RWMutex
	now func() time.Time

	unlocked bool
	key      *crypto.Key
	userID   string
	salt     []byte
	kdf      crypto.KDF

	fields map[string]json.RawMessage
	meta   map[string]FieldMeta
	dirty  bool

	// gen counts mutations; epoch counts unlock/lock transitions. Together
	// they let a persistence task detect that the data it wrote is no
	// longer current.
	gen   uint64
	epoch uint64

	blobVersion  uint64
	unlockedAt   time.Time
	lastActiveAt time.Time
}

// NewSession returns an empty, locked session.
func NewSession() *Session {
	return newSession(time.Now)
}

func newSession(now func() time.Time) *Session {
	return &Session{
		now:    now,
		fields: map[string]json.RawMessage{},
		meta:   map[string]FieldMeta{},
	}
}

// unlockState is everything setUnlocked installs at once.
type unlockState struct {
	key         *crypto.Key
	userID      string
	salt        []byte
	kdf         crypto.KDF
	fields      map[string]json.RawMessage
	meta        map[string]FieldMeta
	blobVersion uint64
}

// setUnlocked replaces the whole record atomically and resets dirty.
func (s *Session) setUnlocked(st unlockState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.unlocked = true
	s.key = st.key
	s.userID = st.userID
	s.salt = util.CopyBytes(st.salt)
	s.kdf = st.kdf
	s.fields = make(map[string]json.RawMessage, len(st.fields))
	for k, v := range st.fields {
		s.fields[k] = append(json.RawMessage(nil), v...)
	}
	s.meta = make(map[string]FieldMeta, len(st.fields))
	for k := range s.fields {
		m, ok := st.meta[k]
		if !ok || m.Version < 1 {
			m.Version = 1
		}
		if m.LastUpdated.IsZero() {
			m.LastUpdated = now
		}
		s.meta[k] = m
	}
	s.blobVersion = st.blobVersion
	s.dirty = false
	s.epoch++
	s.unlockedAt = now
	s.lastActiveAt = now
}

// clearUnlocked wipes fields and drops the key reference.
func (s *Session) clearUnlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.fields {
		util.WipeBytes(v)
		delete(s.fields, k)
	}
	s.fields = map[string]json.RawMessage{}
	s.meta = map[string]FieldMeta{}
	util.WipeBytes(s.salt)
	s.unlocked = false
	s.key = nil
	s.userID = ""
	s.salt = nil
	s.kdf = ""
	s.dirty = false
	s.blobVersion = 0
	s.epoch++
	s.unlockedAt = time.Time{}
	s.lastActiveAt = time.Time{}
}

// IsUnlocked reports whether the session holds a key.
func (s *Session) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unlocked
}

// IsDirty reports whether fields changed since the last successful persist.
func (s *Session) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// MarkClean clears the dirty flag unconditionally.
func (s *Session) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// UserID returns the unlocked user, or "" while locked.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// UnlockedAt returns the time of the last unlock, or the zero time.
func (s *Session) UnlockedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unlockedAt
}

// LastActiveAt returns the time of the last activity tap, or the zero time.
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// TouchActivity resets the idle clock. It never unlocks a locked session.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return
	}
	s.lastActiveAt = s.now()
}

// GetField returns a copy of the field's JSON value, or nil when the field is
// absent or the session is locked.
func (s *Session) GetField(name string) json.RawMessage {
	name = util.NormalizeName(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.unlocked {
		return nil
	}
	v, ok := s.fields[name]
	if !ok {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}

// FieldMeta returns the metadata for name.
func (s *Session) FieldMeta(name string) (FieldMeta, bool) {
	name = util.NormalizeName(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.unlocked {
		return FieldMeta{}, false
	}
	m, ok := s.meta[name]
	return m, ok
}

// FieldNames lists the stored fields in sorted order.
func (s *Session) FieldNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.unlocked {
		return nil
	}
	names := make([]string, 0, len(s.fields))
	for k := range s.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SetField stores value (any JSON-serialisable value, or json.RawMessage)
// under name and marks the session dirty. It does nothing while locked.
//
// Without meta the field keeps its current version (1 for a new field). An
// explicit meta version lower than the stored one fails with
// ErrStaleFieldVersion.
func (s *Session) SetField(name string, value any, meta ...FieldMeta) error {
	_, err := s.setField(name, value, meta...)
	return err
}

// setField reports whether the write was applied; false means locked.
func (s *Session) setField(name string, value any, meta ...FieldMeta) (bool, error) {
	name = util.NormalizeName(name)
	if err := validateFieldName(name); err != nil {
		return false, err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return false, fmt.Errorf("encoding field %q: %w", name, err)
	}
	if err := validateFieldValue(name, raw); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return false, nil
	}

	current, exists := s.meta[name]
	next := FieldMeta{Version: current.Version, LastUpdated: s.now()}
	if !exists {
		next.Version = 1
	}
	if len(meta) > 0 {
		m := meta[0]
		if m.Version > 0 {
			if exists && m.Version < current.Version {
				return false, fmt.Errorf("%w: %q is at v%d, write carries v%d",
					ErrStaleFieldVersion, name, current.Version, m.Version)
			}
			next.Version = m.Version
		}
		if !m.LastUpdated.IsZero() {
			next.LastUpdated = m.LastUpdated
		}
	}

	s.fields[name] = raw
	s.meta[name] = next
	s.dirty = true
	s.gen++
	return true, nil
}

// DeleteField removes name and marks the session dirty. It does nothing while
// locked.
func (s *Session) DeleteField(name string) {
	s.deleteField(name)
}

func (s *Session) deleteField(name string) bool {
	name = util.NormalizeName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return false
	}
	if v, ok := s.fields[name]; ok {
		util.WipeBytes(v)
	}
	delete(s.fields, name)
	delete(s.meta, name)
	s.dirty = true
	s.gen++
	return true
}

// GetFieldAs decodes the named field into T. The boolean is false when the
// field is absent or the session is locked.
func GetFieldAs[T any](s *Session, name string) (T, bool, error) {
	var out T
	raw := s.GetField(name)
	if raw == nil {
		return out, false, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, true, fmt.Errorf("decoding field %q: %w", name, err)
	}
	return out, true, nil
}

// snapshot is a point-in-time copy of what a persistence task needs.
type snapshot struct {
	key         *crypto.Key
	userID      string
	salt        []byte
	kdf         crypto.KDF
	payload     map[string]json.RawMessage
	dirty       bool
	gen         uint64
	epoch       uint64
	blobVersion uint64
}

// snapshot returns false while locked. The payload is the root blob body:
// every field plus the metadata map under the reserved key.
func (s *Session) snapshot() (snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.unlocked {
		return snapshot{}, false
	}
	payload := make(map[string]json.RawMessage, len(s.fields)+1)
	for k, v := range s.fields {
		payload[k] = append(json.RawMessage(nil), v...)
	}
	meta := make(map[string]FieldMeta, len(s.meta))
	for k, m := range s.meta {
		meta[k] = m
	}
	if metaJSON, err := json.Marshal(meta); err == nil {
		payload[fieldMetaKey] = metaJSON
	}
	return snapshot{
		key:         s.key,
		userID:      s.userID,
		salt:        util.CopyBytes(s.salt),
		kdf:         s.kdf,
		payload:     payload,
		dirty:       s.dirty,
		gen:         s.gen,
		epoch:       s.epoch,
		blobVersion: s.blobVersion,
	}, true
}

// commitPersist records a successful blob write taken from snap. The blob
// version always advances for the same epoch; dirty is cleared only when no
// mutation happened after the snapshot.
func (s *Session) commitPersist(snap snapshot, newVersion uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked || s.epoch != snap.epoch {
		return
	}
	s.blobVersion = newVersion
	if s.gen == snap.gen {
		s.dirty = false
	}
}

// rotateCredentials swaps the key material after a successful re-key.
func (s *Session) rotateCredentials(snap snapshot, key *crypto.Key, salt []byte, kdf crypto.KDF, newVersion uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked || s.epoch != snap.epoch {
		return false
	}
	util.WipeBytes(s.salt)
	s.key = key
	s.salt = util.CopyBytes(salt)
	s.kdf = kdf
	s.blobVersion = newVersion
	if s.gen == snap.gen {
		s.dirty = false
	}
	return true
}

// splitRootPayload separates the fields from the reserved metadata entry.
func splitRootPayload(root map[string]json.RawMessage) (map[string]json.RawMessage, map[string]FieldMeta) {
	meta := map[string]FieldMeta{}
	if raw, ok := root[fieldMetaKey]; ok {
		_ = json.Unmarshal(raw, &meta)
		delete(root, fieldMetaKey)
	}
	return root, meta
}

func encodeValue(value any) (json.RawMessage, error) {
	if v, ok := value.(json.RawMessage); ok {
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return append(json.RawMessage(nil), v...), nil
	}
	return json.Marshal(value)
}
