// Package actor resolves actor identifiers (patients, technicians,
// reviewers) into display names across the inconsistent shapes the actor
// directory has been stored in.
package actor

import (
	"strings"
	"sync"

	"github.com/lis/lis/internal/platform/store"
)

// nameFields are tried in order when reading a display name off a record.
var nameFields = []string{"name", "fullName", "full_name", "displayName", "display"}

// ExtractName returns the first non-blank display-name field of r.
func ExtractName(r store.Record) (string, bool) {
	if r == nil {
		return "", false
	}
	name := strings.TrimSpace(r.Str(nameFields...))
	return name, name != ""
}

// IDOf returns the actor key of r: userId when present, else id.
func IDOf(r store.Record) string {
	return r.Str("userId", "id")
}

// matches reports whether r is keyed by id under either key field.
func matches(r store.Record, id string) bool {
	return store.Matches(r, "userId", id) || store.Matches(r, "id", id)
}

// Cache memoizes id -> name resolutions for one pipeline invocation. It is
// safe for the concurrent lookups of a single run but must not be shared
// across runs.
type Cache struct {
	mu    sync.Mutex
	names map[string]string
}

func NewCache() *Cache {
	return &Cache{names: make(map[string]string)}
}

func (c *Cache) Get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.names[id]
	return n, ok
}

// Put records a resolution. Blank ids and names are ignored.
func (c *Cache) Put(id, name string) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(name) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[id] = name
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.names)
}

// Prime loads every named actor of a directory listing into the cache.
func (c *Cache) Prime(actors []store.Record) {
	for _, a := range actors {
		if name, ok := ExtractName(a); ok {
			c.Put(IDOf(a), name)
		}
	}
}
