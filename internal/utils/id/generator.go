package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewSessionID generates a new session identifier with a stable prefix for display.
func NewSessionID() string {
	return newIdentifier("session")
}

// NewRunID generates a time-ordered run identifier.
func NewRunID() string {
	return newIdentifier("run")
}

func newIdentifier(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, NewUUIDv7())
}

// NewUUIDv7 returns an unprefixed UUIDv7, falling back to a random UUID if the
// clock-based generator fails.
func NewUUIDv7() string {
	uuidv7, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return uuidv7.String()
}
