package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
)

// Memory is a thread-safe in-process Store. Records keep insertion order so
// List results are stable. It also implements Decrementer.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]Record
	seq         int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]Record)}
}

// Put inserts records verbatim, replacing any record with the same id.
// Records without an id are assigned one.
func (m *Memory) Put(collection string, recs ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		r = r.Clone()
		if r.ID() == "" {
			r["id"] = m.nextIDLocked(collection)
		}
		if i := m.indexLocked(collection, r.ID()); i >= 0 {
			m.collections[collection][i] = r
			continue
		}
		m.collections[collection] = append(m.collections[collection], r)
	}
}

// Len returns the number of records in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func (m *Memory) List(ctx context.Context, collection string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.collections[collection], nil), nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.indexLocked(collection, id)
	if i < 0 {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return m.collections[collection][i].Clone(), nil
}

func (m *Memory) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.collections[collection], func(r Record) bool {
		return Matches(r, field, value)
	}), nil
}

func (m *Memory) Search(ctx context.Context, collection, term string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(m.collections[collection], func(r Record) bool {
		return ContainsFold(r, term)
	}), nil
}

func (m *Memory) Create(ctx context.Context, collection string, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r := rec.Clone()
	if r.ID() == "" {
		r["id"] = m.nextIDLocked(collection)
	} else if m.indexLocked(collection, r.ID()) >= 0 {
		return nil, fmt.Errorf("create %s: id %s already exists", collection, r.ID())
	}
	m.collections[collection] = append(m.collections[collection], r)
	return r.Clone(), nil
}

func (m *Memory) Patch(ctx context.Context, collection, id string, partial Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(collection, id)
	if i < 0 {
		return nil, fmt.Errorf("patch %s/%s: %w", collection, id, ErrNotFound)
	}
	r := Merge(m.collections[collection][i], partial)
	r["id"] = m.collections[collection][i]["id"]
	m.collections[collection][i] = r
	return r.Clone(), nil
}

func (m *Memory) Replace(ctx context.Context, collection, id string, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(collection, id)
	if i < 0 {
		return nil, fmt.Errorf("replace %s/%s: %w", collection, id, ErrNotFound)
	}
	r := rec.Clone()
	r["id"] = m.collections[collection][i]["id"]
	m.collections[collection][i] = r
	return r.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(collection, id)
	if i < 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, ErrNotFound)
	}
	recs := m.collections[collection]
	m.collections[collection] = append(recs[:i:i], recs[i+1:]...)
	return nil
}

// Decrement lowers a numeric field under the store lock, flooring at zero.
// A missing or non-numeric field counts as zero.
func (m *Memory) Decrement(ctx context.Context, collection, id, field string, amount float64) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(collection, id)
	if i < 0 {
		return 0, 0, fmt.Errorf("decrement %s/%s: %w", collection, id, ErrNotFound)
	}
	r := m.collections[collection][i].Clone()
	before, _ := Number(r[field])
	after := math.Max(0, before-amount)
	r[field] = after
	m.collections[collection][i] = r
	return before, after, nil
}

func (m *Memory) indexLocked(collection, id string) int {
	for i, r := range m.collections[collection] {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

func (m *Memory) nextIDLocked(collection string) string {
	for {
		m.seq++
		id := strconv.Itoa(m.seq)
		if m.indexLocked(collection, id) < 0 {
			return id
		}
	}
}

func cloneAll(recs []Record, keep func(Record) bool) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if keep == nil || keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}
