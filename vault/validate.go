package vault

import (
	"unicode"
	"unicode/utf8"
)

// Validation limits.
const (
	MaxIDLength        = 256
	MaxFieldNameLength = 128
	MaxFieldSize       = 4 << 20 // 4MB per field
)

func validateID(id, label string) error {
	if id == "" {
		return validationErrorf("%s must not be empty", label)
	}
	if len(id) > MaxIDLength {
		return validationErrorf("%s exceeds maximum length of %d", label, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return validationErrorf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return validationErrorf("%s contains forbidden character %q", label, r)
		}
		if unicode.IsControl(r) {
			return validationErrorf("%s contains control character", label)
		}
	}
	return nil
}

// validateFieldName expects an already NFC-normalised name.
func validateFieldName(name string) error {
	if name == "" {
		return validationErrorf("field name must not be empty")
	}
	if len(name) > MaxFieldNameLength {
		return validationErrorf("field name exceeds maximum length of %d", MaxFieldNameLength)
	}
	if !utf8.ValidString(name) {
		return validationErrorf("field name contains invalid UTF-8")
	}
	if name == fieldMetaKey {
		return validationErrorf("field name %q is reserved", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return validationErrorf("field name contains control character")
		}
	}
	return nil
}

func validateFieldValue(name string, value []byte) error {
	if len(value) > MaxFieldSize {
		return validationErrorf("field %q size %d exceeds maximum of %d bytes", name, len(value), MaxFieldSize)
	}
	return nil
}
