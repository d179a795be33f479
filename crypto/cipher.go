package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ledgervault/internal/util"
)

// SealOptions carries the metadata recorded alongside a ciphertext.
type SealOptions struct {
	Salt []byte
	KDF  KDF
	AAD  string
}

// Encrypt serialises payload to JSON and seals it under key with a fresh IV.
func Encrypt(key *Key, payload any, opts SealOptions) (*Envelope, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: cannot encrypt", ErrLocked)
	}
	kdf := opts.KDF
	if kdf == "" {
		kdf = key.KDF()
	}
	if !kdf.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, kdf)
	}
	if len(opts.Salt) == 0 {
		return nil, fmt.Errorf("%w: salt is required", ErrInvalidFormat)
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	defer util.WipeBytes(plain)

	buf, err := key.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	iv, ct, err := util.EncryptAESWithAAD(plain, buf.Bytes(), aadBytes(opts.AAD))
	if err != nil {
		return nil, fmt.Errorf("sealing payload: %w", err)
	}

	return &Envelope{
		V:             EnvelopeVersion,
		Alg:           AlgA256GCM,
		KDF:           kdf,
		SaltB64:       util.B64Encode(opts.Salt),
		IVB64:         util.B64Encode(iv),
		CiphertextB64: util.B64Encode(ct),
		AAD:           opts.AAD,
	}, nil
}

// Decrypt validates env and opens it under key, returning the JSON payload.
// An empty aad falls back to the aad recorded in the envelope. No plaintext
// is returned unless the GCM tag verifies.
func Decrypt(key *Key, env *Envelope, aad string) (json.RawMessage, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: cannot decrypt", ErrLocked)
	}
	iv, ct, err := env.parts()
	if err != nil {
		return nil, err
	}
	if aad == "" {
		aad = env.AAD
	}

	buf, err := key.open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	plain, err := util.DecryptAESWithAAD(iv, ct, buf.Bytes(), aadBytes(aad))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if !json.Valid(plain) {
		util.WipeBytes(plain)
		return nil, ErrDecryptFailed
	}
	return json.RawMessage(plain), nil
}

// DecryptInto decrypts env and unmarshals the payload into v.
func DecryptInto(key *Key, env *Envelope, aad string, v any) error {
	plain, err := Decrypt(key, env, aad)
	if err != nil {
		return err
	}
	defer util.WipeBytes(plain)
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: payload shape: %v", ErrDecryptFailed, err)
	}
	return nil
}

func aadBytes(aad string) []byte {
	if aad == "" {
		return nil
	}
	return []byte(aad)
}
