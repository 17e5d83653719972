package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/poiesic/convmem/core"
)

// Kind selects a backend implementation.
type Kind string

const (
	// KindRelational stores entries in a SQL table.
	KindRelational Kind = "relational"
	// KindDocument stores entries as documents in an embedded document store.
	KindDocument Kind = "document"
)

// Kinds lists every supported backend kind.
func Kinds() []Kind {
	return []Kind{KindRelational, KindDocument}
}

// ParseKind maps a user-supplied backend name to a Kind.
// Names are case-insensitive; "postgres" is accepted for relational and
// "badger" or "firestore" for document.
// Returns ErrUnsupportedBackend for anything else.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "relational", "postgres":
		return KindRelational, nil
	case "document", "badger", "firestore":
		return KindDocument, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, name)
	}
}

// Backend is the contract every conversation-memory store satisfies.
// Implementations must be thread-safe and support concurrent access.
type Backend interface {
	// Save persists one entry, overwriting any entry with the same
	// (SessionID, Turn). Returns a backend-qualified identifier intended
	// for audit and debugging.
	Save(ctx context.Context, entry *core.Entry) (string, error)

	// Query returns at most limit entries of sessionID whose text or speaker
	// contains query as a case-insensitive substring, most recent turn first.
	// No matches is an empty result, not an error.
	Query(ctx context.Context, sessionID, query string, limit int) ([]core.Match, error)

	// Kind reports which implementation this is.
	Kind() Kind

	// Close releases the backend's resources.
	Close() error
}

// Executor runs functions against the currently bound backend.
// The registry package provides the implementation.
type Executor interface {
	Do(ctx context.Context, fn func(Backend) error) error
}
