// Package uuid generates identifiers for sync runs, feed clients and
// locally minted commands.
package uuid

import (
	"github.com/google/uuid"
)

// New returns a random v4 identifier.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a canonical v4 identifier.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	return err == nil && id.Version() == 4 && id.Variant() == uuid.RFC4122
}
