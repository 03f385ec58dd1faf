// Package uuid generates task and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/replychain-crawler/internal/crawler"
)

// Generator creates UUIDv7 strings, which sort by creation time.
type Generator struct{}

var _ crawler.IDGenerator = Generator{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s parses as a UUID. Task ids supplied by clients
// must pass this before they become path components.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
