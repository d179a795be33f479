// Package uuid issues random identifiers for vault sessions.
package uuid

import guuid "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return guuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return guuid.Validate(s) == nil
}
