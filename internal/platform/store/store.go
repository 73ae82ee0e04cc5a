// Package store defines the document-store contract the laboratory pipeline
// runs against, the collection layout table, tolerant record field helpers,
// the Reconciling Writer, and the concrete backends (HTTP, in-memory,
// PostgreSQL JSONB and SQLite).
//
// Collections are addressed by path. A flat collection is a single segment
// ("test_orders"); an owner-scoped collection nests under an owner record
// ("user/42/test_orders"). Every backend treats the path as an opaque key.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrNotFound is returned when a record or collection does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnusableResponse is returned when a backend answers with a payload
	// that does not have the expected shape (e.g. an object where a list was
	// expected).
	ErrUnusableResponse = errors.New("unusable store response")
)

// StatusError carries a non-2xx status returned by a remote store.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store: %s %s returned status %d", e.Method, e.Path, e.Code)
}

// Unwrap maps 404 responses onto ErrNotFound so callers can use errors.Is.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Record is a schemaless document as returned by the store. Field names vary
// between collections and between historical writers; use the helpers in
// fields.go rather than indexing directly.
type Record map[string]interface{}

// Store is the data-store contract consumed by every pipeline component.
type Store interface {
	// List returns every record in a collection.
	List(ctx context.Context, collection string) ([]Record, error)
	// Get returns a single record by id.
	Get(ctx context.Context, collection, id string) (Record, error)
	// Query returns the records whose field equals value (string comparison).
	Query(ctx context.Context, collection, field, value string) ([]Record, error)
	// Search returns records with any string field containing term
	// (case-insensitive).
	Search(ctx context.Context, collection, term string) ([]Record, error)
	// Create stores a new record. The returned record carries the id the
	// store assigned, when the store reports one.
	Create(ctx context.Context, collection string, rec Record) (Record, error)
	// Patch merges partial into the record with the given id.
	Patch(ctx context.Context, collection, id string, partial Record) (Record, error)
	// Replace overwrites the record with the given id.
	Replace(ctx context.Context, collection, id string, rec Record) (Record, error)
	// Delete removes the record with the given id.
	Delete(ctx context.Context, collection, id string) error
}

// Decrementer is implemented by backends that can atomically decrement a
// numeric field, flooring the result at zero. It returns the previous and the
// new value.
type Decrementer interface {
	Decrement(ctx context.Context, collection, id, field string, amount float64) (before, after float64, err error)
}

// Nested returns the path of a child collection scoped to an owner record,
// e.g. Nested("user", "42", "test_orders") == "user/42/test_orders".
func Nested(ownerCollection, ownerID, child string) string {
	return ownerCollection + "/" + ownerID + "/" + child
}

// splitPath breaks a collection path into its segments, dropping empties.
func splitPath(collection string) []string {
	raw := strings.Split(collection, "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
