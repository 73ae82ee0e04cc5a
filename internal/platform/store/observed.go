package store

import (
	"context"
	"time"
)

// Hook receives one call per store operation.
type Hook func(op, collection string, took time.Duration, err error)

// Observed wraps a Store and reports every call to a hook. It is used for
// metrics in production and for call counting in tests.
type Observed struct {
	inner Store
	hook  Hook
}

// Observe wraps s.
func Observe(s Store, hook Hook) *Observed {
	return &Observed{inner: s, hook: hook}
}

// Unwrap returns the wrapped store.
func (o *Observed) Unwrap() Store { return o.inner }

func (o *Observed) done(op, collection string, start time.Time, err error) {
	if o.hook != nil {
		o.hook(op, collection, time.Since(start), err)
	}
}

func (o *Observed) List(ctx context.Context, collection string) ([]Record, error) {
	start := time.Now()
	r, err := o.inner.List(ctx, collection)
	o.done("list", collection, start, err)
	return r, err
}

func (o *Observed) Get(ctx context.Context, collection, id string) (Record, error) {
	start := time.Now()
	r, err := o.inner.Get(ctx, collection, id)
	o.done("get", collection, start, err)
	return r, err
}

func (o *Observed) Query(ctx context.Context, collection, field, value string) ([]Record, error) {
	start := time.Now()
	r, err := o.inner.Query(ctx, collection, field, value)
	o.done("query", collection, start, err)
	return r, err
}

func (o *Observed) Search(ctx context.Context, collection, term string) ([]Record, error) {
	start := time.Now()
	r, err := o.inner.Search(ctx, collection, term)
	o.done("search", collection, start, err)
	return r, err
}

func (o *Observed) Create(ctx context.Context, collection string, rec Record) (Record, error) {
	start := time.Now()
	r, err := o.inner.Create(ctx, collection, rec)
	o.done("create", collection, start, err)
	return r, err
}

func (o *Observed) Patch(ctx context.Context, collection, id string, partial Record) (Record, error) {
	start := time.Now()
	r, err := o.inner.Patch(ctx, collection, id, partial)
	o.done("patch", collection, start, err)
	return r, err
}

func (o *Observed) Replace(ctx context.Context, collection, id string, rec Record) (Record, error) {
	start := time.Now()
	r, err := o.inner.Replace(ctx, collection, id, rec)
	o.done("replace", collection, start, err)
	return r, err
}

func (o *Observed) Delete(ctx context.Context, collection, id string) error {
	start := time.Now()
	err := o.inner.Delete(ctx, collection, id)
	o.done("delete", collection, start, err)
	return err
}

type observedDecrementer struct {
	o *Observed
	d Decrementer
}

func (od observedDecrementer) Decrement(ctx context.Context, collection, id, field string, amount float64) (float64, float64, error) {
	start := time.Now()
	before, after, err := od.d.Decrement(ctx, collection, id, field, amount)
	od.o.done("decrement", collection, start, err)
	return before, after, err
}

// AsDecrementer returns s's atomic decrement capability, looking through
// Observed wrappers.
func AsDecrementer(s Store) (Decrementer, bool) {
	switch t := s.(type) {
	case *Observed:
		d, ok := AsDecrementer(t.inner)
		if !ok {
			return nil, false
		}
		return observedDecrementer{o: t, d: d}, true
	case Decrementer:
		return t, true
	}
	return nil, false
}
