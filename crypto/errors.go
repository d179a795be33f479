package crypto

import "errors"

var (
	// ErrLocked indicates an operation was attempted without a key.
	ErrLocked = errors.New("vault locked")
	// ErrInvalidFormat indicates an envelope failed structural validation.
	ErrInvalidFormat = errors.New("invalid envelope format")
	// ErrDecryptFailed covers both a wrong key and a tampered envelope.
	ErrDecryptFailed = errors.New("decrypt failed")
	// ErrInvalidPassword indicates a missing credential or malformed salt.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrUnsupportedKDF indicates a KDF name outside the supported set.
	ErrUnsupportedKDF = errors.New("unsupported kdf")
)
