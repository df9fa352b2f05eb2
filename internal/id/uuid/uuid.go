// Package uuid generates job identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator issues time-ordered UUIDv7 strings, so job ids sort by submission time.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a fresh UUIDv7.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s parses as a UUID. Used to reject junk job ids at the edge.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
