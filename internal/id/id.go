package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random identifier without dashes, safe for object keys.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s looks like an identifier returned by New.
func Valid(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
