// Package id provides centralized ID generation for the fabric.
//
// This package offers type-safe ULID generation with:
//   - Lexicographic sortability: events from one producer sort by time
//   - Prefixed types: type-specific prefixes for debugging (evt_*, link_*)
//   - Type safety: separate types prevent ID misuse
//   - Zero conflicts: cryptographically secure entropy by default
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventID identifies a single emitted event, producer-assigned and
// treated as opaque by the broker (spec §3).
type EventID string

// LinkID identifies one broker-side connection.
type LinkID string

const (
	EventPrefix = "evt"
	LinkPrefix  = "link"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator with cryptographically secure
// entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source,
// useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewEventID generates a new event ID.
func NewEventID() EventID {
	return EventID(Default().GenerateWithPrefix(EventPrefix))
}

// NewLinkID generates a new link ID.
func NewLinkID() LinkID {
	return LinkID(Default().GenerateWithPrefix(LinkPrefix))
}

func (id EventID) String() string { return string(id) }
func (id LinkID) String() string  { return string(id) }

// IsValid checks if an ID string is a valid ULID (ignoring the prefix).
func IsValid(rawID string) bool {
	_, err := ulid.Parse(rawID)
	return err == nil
}
