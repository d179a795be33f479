package vault

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmcleod/ledgervault/crypto"
	"github.com/jmcleod/ledgervault/internal/util"
	"github.com/jmcleod/ledgervault/storage"
)

// Profile is the per-user salt and KDF choice fed to Unlock. It is not
// secret.
type Profile struct {
	Salt []byte
	KDF  crypto.KDF
}

type profileRecord struct {
	SaltB64 string     `json:"salt_b64"`
	KDF     crypto.KDF `json:"kdf"`
}

// NewProfile returns a profile with a fresh random salt.
func NewProfile(kdf crypto.KDF) (*Profile, error) {
	if !kdf.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, kdf)
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	return &Profile{Salt: salt, KDF: kdf}, nil
}

func (p *Profile) encode() ([]byte, error) {
	return json.Marshal(profileRecord{SaltB64: util.B64Encode(p.Salt), KDF: p.KDF})
}

func decodeProfile(data []byte) (*Profile, error) {
	var rec profileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding vault profile: %w", err)
	}
	salt, err := util.B64Decode(rec.SaltB64)
	if err != nil {
		return nil, fmt.Errorf("decoding vault profile salt: %w", err)
	}
	if !rec.KDF.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, rec.KDF)
	}
	return &Profile{Salt: salt, KDF: rec.KDF}, nil
}

// LoadProfile reads the stored profile for userID.
func LoadProfile(repo storage.Repository, userID string) (*Profile, error) {
	rec, err := repo.Get(userID, KeyProfile)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", userID, ErrProfileNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeProfile(rec.Value)
}

// SaveProfile stores p for userID, replacing any previous profile.
func SaveProfile(repo storage.Repository, userID string, p *Profile) error {
	data, err := p.encode()
	if err != nil {
		return err
	}
	return repo.Put(userID, KeyProfile, &storage.Record{Value: data, Version: 1})
}

// InitProfile creates and stores a new profile, failing with
// ErrProfileExists rather than replacing one.
func InitProfile(repo storage.Repository, userID string, kdf crypto.KDF) (*Profile, error) {
	if err := validateID(userID, "user ID"); err != nil {
		return nil, err
	}
	p, err := NewProfile(kdf)
	if err != nil {
		return nil, err
	}
	data, err := p.encode()
	if err != nil {
		return nil, err
	}
	err = repo.PutCAS(userID, KeyProfile, 0, &storage.Record{Value: data, Version: 1})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, fmt.Errorf("%s: %w", userID, ErrProfileExists)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
