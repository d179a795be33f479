package util

import (
	"encoding/base64"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName returns the NFC form of s.
func NormalizeName(s string) string {
	return norm.NFC.String(s)
}

func B64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func B64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
