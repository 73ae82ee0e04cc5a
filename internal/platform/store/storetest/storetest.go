// Package storetest provides a fault-injecting Store for tests of code that
// sits on top of the Data Store.
package storetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/lis/lis/internal/platform/store"
)

// ErrInjected is returned by every operation configured to fail.
var ErrInjected = errors.New("storetest: injected failure")

// Faulty wraps an in-memory store. Operations can be made to fail per
// "op:collection" key ("op:*" for every collection) and every call is
// recorded. Op names are list, get, query, search, create, patch, replace,
// delete and decrement.
type Faulty struct {
	*store.Memory

	mu    sync.Mutex
	fail  map[string]bool
	calls []string
	// CreateWithoutID drops the id from create responses while still
	// storing the record, as some REST backends do.
	CreateWithoutID bool
}

// New returns an empty Faulty store.
func New() *Faulty {
	return &Faulty{Memory: store.NewMemory(), fail: map[string]bool{}}
}

// Fail makes op on collection fail. Use "*" for any collection.
func (f *Faulty) Fail(op, collection string) *Faulty {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op+":"+collection] = true
	return f
}

// Heal clears every injected failure.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = map[string]bool{}
}

// Calls returns the recorded "op:collection" keys in call order.
func (f *Faulty) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count returns how many recorded calls start with prefix, e.g. "get:" or
// "patch:reagents".
func (f *Faulty) Count(prefix string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Writes counts create, patch, replace, delete and decrement calls.
func (f *Faulty) Writes() int {
	return f.Count("create:") + f.Count("patch:") + f.Count("replace:") + f.Count("delete:") + f.Count("decrement:")
}

// Reset forgets recorded calls.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Faulty) check(op, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+collection)
	if f.fail[op+":"+collection] || f.fail[op+":*"] {
		return ErrInjected
	}
	return nil
}

func (f *Faulty) List(ctx context.Context, c string) ([]store.Record, error) {
	if err := f.check("list", c); err != nil {
		return nil, err
	}
	return f.Memory.List(ctx, c)
}

func (f *Faulty) Get(ctx context.Context, c, id string) (store.Record, error) {
	if err := f.check("get", c); err != nil {
		return nil, err
	}
	return f.Memory.Get(ctx, c, id)
}

func (f *Faulty) Query(ctx context.Context, c, field, v string) ([]store.Record, error) {
	if err := f.check("query", c); err != nil {
		return nil, err
	}
	return f.Memory.Query(ctx, c, field, v)
}

func (f *Faulty) Search(ctx context.Context, c, term string) ([]store.Record, error) {
	if err := f.check("search", c); err != nil {
		return nil, err
	}
	return f.Memory.Search(ctx, c, term)
}

func (f *Faulty) Create(ctx context.Context, c string, r store.Record) (store.Record, error) {
	if err := f.check("create", c); err != nil {
		return nil, err
	}
	out, err := f.Memory.Create(ctx, c, r)
	if err == nil && f.CreateWithoutID {
		delete(out, "id")
	}
	return out, err
}

func (f *Faulty) Patch(ctx context.Context, c, id string, p store.Record) (store.Record, error) {
	if err := f.check("patch", c); err != nil {
		return nil, err
	}
	return f.Memory.Patch(ctx, c, id, p)
}

func (f *Faulty) Replace(ctx context.Context, c, id string, r store.Record) (store.Record, error) {
	if err := f.check("replace", c); err != nil {
		return nil, err
	}
	return f.Memory.Replace(ctx, c, id, r)
}

func (f *Faulty) Delete(ctx context.Context, c, id string) error {
	if err := f.check("delete", c); err != nil {
		return err
	}
	return f.Memory.Delete(ctx, c, id)
}

func (f *Faulty) Decrement(ctx context.Context, c, id, field string, amount float64) (float64, float64, error) {
	if err := f.check("decrement", c); err != nil {
		return 0, 0, err
	}
	return f.Memory.Decrement(ctx, c, id, field, amount)
}

// WithoutDecrement hides the Decrementer capability of s, leaving only the
// Store methods visible.
func WithoutDecrement(s store.Store) store.Store {
	return plain{s}
}

type plain struct{ store.Store }
