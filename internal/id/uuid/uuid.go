// Package uuid provides ID generation helpers.
package uuid

import "github.com/google/uuid"

// Generator mints random UUIDs for scans and result rows.
type Generator struct{}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// New returns a fresh UUIDv4.
func (Generator) New() uuid.UUID {
	return uuid.New()
}
