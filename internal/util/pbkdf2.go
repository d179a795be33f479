package util

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultPBKDF2Iterations = 310000
	PBKDF2KeyLen            = 32
)

// DerivePBKDF2Key derives a 256-bit key with PBKDF2-HMAC-SHA256.
func DerivePBKDF2Key(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if iterations < DefaultPBKDF2Iterations {
		return nil, fmt.Errorf("pbkdf2 iterations %d below minimum %d", iterations, DefaultPBKDF2Iterations)
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, PBKDF2KeyLen, sha256.New), nil
}
