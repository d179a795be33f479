package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ledgervault/internal/util"
)

const (
	EnvelopeVersion = 1
	AlgA256GCM      = "A256GCM"
)

// Envelope is the self-describing JSON record wrapping one encrypted payload.
type Envelope struct {
	V             int    `json:"v"`
	Alg           string `json:"alg"`
	KDF           KDF    `json:"kdf"`
	SaltB64       string `json:"salt_b64"`
	IVB64         string `json:"iv_b64"`
	CiphertextB64 string `json:"ct_b64"`
	AAD           string `json:"aad,omitempty"`
}

// Validate checks the envelope structure. It never touches key material.
func (e *Envelope) Validate() error {
	_, _, err := e.parts()
	return err
}

// parts validates e and returns its decoded IV and ciphertext.
func (e *Envelope) parts() (iv, ct []byte, err error) {
	if e == nil {
		return nil, nil, fmt.Errorf("%w: envelope is nil", ErrInvalidFormat)
	}
	if e.V != EnvelopeVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, e.V)
	}
	if e.Alg != AlgA256GCM {
		return nil, nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidFormat, e.Alg)
	}
	if !e.KDF.Valid() {
		return nil, nil, fmt.Errorf("%w: unsupported kdf %q", ErrInvalidFormat, e.KDF)
	}
	if _, err := decodeField("salt_b64", e.SaltB64); err != nil {
		return nil, nil, err
	}
	iv, err = decodeField("iv_b64", e.IVB64)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != util.GCMNonceSize {
		return nil, nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidFormat, util.GCMNonceSize, len(iv))
	}
	ct, err = decodeField("ct_b64", e.CiphertextB64)
	if err != nil {
		return nil, nil, err
	}
	if len(ct) < util.GCMTagSize {
		return nil, nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrInvalidFormat)
	}
	return iv, ct, nil
}

// Salt returns the decoded salt of a valid envelope.
func (e *Envelope) Salt() ([]byte, error) {
	return decodeField("salt_b64", e.SaltB64)
}

// ParseEnvelope decodes and validates an envelope from JSON.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func decodeField(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidFormat, name)
	}
	b, err := util.B64Decode(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid base64", ErrInvalidFormat, name)
	}
	return b, nil
}
