// Package id provides unique identifier generation for jobs.
package id

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Length is the number of characters in a generated job ID.
const Length = 32

// Generate creates a new unique job ID: a random (version 4) UUID
// rendered as 32 lowercase hex characters without separators.
// Example: 3f2b9c1e8d7a4b6c9e0f1a2b3c4d5e6f
func Generate() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Valid reports whether s has the shape of a generated job ID.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
