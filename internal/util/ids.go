// Package util provides identifier and environment helpers shared across LeadPipe components.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a fresh session identifier. Session ids are exposed to
// the browser, so they are random UUIDs rather than sequential values.
func NewSessionID() string {
	return uuid.NewString()
}

// IsSessionID reports whether s parses as a session identifier.
func IsSessionID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// NewResponseID returns an identifier for a stored response with an "r_" prefix.
func NewResponseID() string {
	return prefixedHex("r_", 24)
}

// NewJobID returns an identifier for a durable job with a "job_" prefix.
func NewJobID() string {
	return prefixedHex("job_", 24)
}

// NewLockToken returns an opaque token that identifies a lock holder.
func NewLockToken() string {
	return prefixedHex("", 32)
}

func prefixedHex(prefix string, length int) string {
	if length <= 0 {
		return prefix
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len(prefix) + length)
	b.WriteString(prefix)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}
