package crypto

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Key is a derived AES-256 key. Its bytes live in a memguard Enclave and are
// only ever decrypted inside this package for the duration of one GCM call.
type Key struct {
	enclave *memguard.Enclave
	kdf     KDF
}

// newKey seals raw into an enclave. memguard wipes raw after copying it.
func newKey(raw []byte, kdf KDF) *Key {
	return &Key{enclave: memguard.NewEnclave(raw), kdf: kdf}
}

// KDF reports which derivation produced the key.
func (k *Key) KDF() KDF {
	return k.kdf
}

// String never reveals key material.
func (k *Key) String() string {
	return fmt.Sprintf("Key(%s)", k.kdf)
}

func (k *Key) open() (*memguard.LockedBuffer, error) {
	if k == nil || k.enclave == nil {
		return nil, ErrLocked
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	return buf, nil
}
