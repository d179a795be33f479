// Package crypto implements password-based key derivation and the
// authenticated JSON envelope used to store vault data.
package crypto

import (
	"fmt"

	"github.com/jmcleod/ledgervault/internal/util"
)

// KDF names a key derivation function as it appears in an envelope.
type KDF string

const (
	KDFArgon2id KDF = "argon2id"
	KDFPBKDF2   KDF = "pbkdf2"
)

// SaltSize is the required salt length in bytes.
const SaltSize = 16

// Argon2idParams configures Argon2id key derivation.
type Argon2idParams = util.Argon2idParams

// Valid reports whether k is a supported KDF name.
func (k KDF) Valid() bool {
	return k == KDFArgon2id || k == KDFPBKDF2
}

// ParseKDF accepts the envelope names plus the spelled-out "pbkdf2-sha256".
func ParseKDF(s string) (KDF, error) {
	switch s {
	case string(KDFArgon2id):
		return KDFArgon2id, nil
	case string(KDFPBKDF2), "pbkdf2-sha256":
		return KDFPBKDF2, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKDF, s)
	}
}

// KeyDerivation turns a password and salt into a non-exportable Key.
// Implementations must be deterministic for a given (password, salt).
type KeyDerivation interface {
	Name() KDF
	Derive(password string, salt []byte) (*Key, error)
}

// Argon2id is the memory-hard KeyDerivation.
type Argon2id struct {
	Params Argon2idParams
}

// NewArgon2id returns an Argon2id derivation using the default parameters.
func NewArgon2id() *Argon2id {
	return &Argon2id{Params: util.DefaultArgon2idParams()}
}

func (a *Argon2id) Name() KDF { return KDFArgon2id }

func (a *Argon2id) Derive(password string, salt []byte) (*Key, error) {
	if err := checkInputs(password, salt); err != nil {
		return nil, err
	}
	raw, err := util.DeriveArgon2idKey(password, salt, a.Params)
	if err != nil {
		return nil, fmt.Errorf("deriving argon2id key: %w", err)
	}
	return newKey(raw, KDFArgon2id), nil
}

// PBKDF2SHA256 is the iteration-based fallback KeyDerivation.
type PBKDF2SHA256 struct {
	Iterations int
}

// NewPBKDF2SHA256 returns a PBKDF2 derivation with 310,000 iterations.
func NewPBKDF2SHA256() *PBKDF2SHA256 {
	return &PBKDF2SHA256{Iterations: util.DefaultPBKDF2Iterations}
}

func (p *PBKDF2SHA256) Name() KDF { return KDFPBKDF2 }

func (p *PBKDF2SHA256) Derive(password string, salt []byte) (*Key, error) {
	if err := checkInputs(password, salt); err != nil {
		return nil, err
	}
	raw, err := util.DerivePBKDF2Key(password, salt, p.Iterations)
	if err != nil {
		return nil, fmt.Errorf("deriving pbkdf2 key: %w", err)
	}
	return newKey(raw, KDFPBKDF2), nil
}

// DeriveKey derives a key with the default parameters of the named KDF.
func DeriveKey(password string, salt []byte, kdf KDF) (*Key, error) {
	switch kdf {
	case KDFArgon2id:
		return NewArgon2id().Derive(password, salt)
	case KDFPBKDF2:
		return NewPBKDF2SHA256().Derive(password, salt)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, kdf)
	}
}

// NewSalt returns SaltSize bytes from the system CSPRNG.
func NewSalt() ([]byte, error) {
	return util.RandomBytes(SaltSize)
}

func checkInputs(password string, salt []byte) error {
	if password == "" {
		return fmt.Errorf("%w: password must not be empty", ErrInvalidPassword)
	}
	if len(salt) != SaltSize {
		return fmt.Errorf("%w: salt must be %d bytes, got %d", ErrInvalidPassword, SaltSize, len(salt))
	}
	return nil
}
