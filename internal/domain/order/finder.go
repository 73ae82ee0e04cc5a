package order

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/domain/actor"
	"github.com/lis/lis/internal/platform/store"
)

// Finder locates orders in whichever shape they were stored.
type Finder struct {
	store  store.Store
	layout store.Layout
	log    zerolog.Logger
}

func NewFinder(s store.Store, layout store.Layout, log zerolog.Logger) *Finder {
	return &Finder{store: s, layout: layout, log: log.With().Str("component", "order_finder").Logger()}
}

// owners lists the actor ids that may own nested order collections.
func (f *Finder) owners(ctx context.Context) ([]string, error) {
	actors, err := f.store.List(ctx, f.layout.OwnerCollection)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(actors))
	for _, a := range actors {
		if id := actor.IDOf(a); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FetchAll returns every order record. The flat collection is tried first;
// when it fails or is empty, each owner's nested collection is listed and
// its records tagged with the owner. Failures shrink the result, they are
// never returned.
func (f *Finder) FetchAll(ctx context.Context) []store.Record {
	flat := f.layout.Primary(store.EntityOrder)
	recs, err := f.store.List(ctx, flat)
	if err == nil && len(recs) > 0 {
		return recs
	}
	if err != nil {
		f.log.Debug().Err(err).Str("collection", flat).Msg("flat order list failed, scanning owners")
	}
	return f.fetchNested(ctx)
}

func (f *Finder) fetchNested(ctx context.Context) []store.Record {
	owners, err := f.owners(ctx)
	if err != nil {
		f.log.Warn().Err(err).Msg("owner directory unavailable")
		return nil
	}
	var out []store.Record
	for _, uid := range owners {
		if ctx.Err() != nil {
			break
		}
		nested, err := f.store.List(ctx, f.layout.OwnerOrders(uid))
		if err != nil {
			f.log.Debug().Err(err).Str("owner", uid).Msg("nested order list failed")
			continue
		}
		for _, r := range nested {
			out = append(out, WithOwner(r, uid))
		}
	}
	return out
}

// Find locates an order by id: get on the flat collection, query by id,
// each owner's nested collection (get, falling back to a list scan), then a
// scan of the flat list.
func (f *Finder) Find(ctx context.Context, id string) (Order, bool) {
	if id == "" {
		return Order{}, false
	}
	flat := f.layout.Primary(store.EntityOrder)
	steps := []func(ctx context.Context) (store.Record, bool){
		func(ctx context.Context) (store.Record, bool) {
			r, err := f.store.Get(ctx, flat, id)
			if err != nil {
				f.log.Debug().Err(err).Str("order_id", id).Msg("flat get missed")
				return nil, false
			}
			return r, true
		},
		func(ctx context.Context) (store.Record, bool) {
			recs, err := f.store.Query(ctx, flat, "id", id)
			if err != nil || len(recs) == 0 {
				return nil, false
			}
			return recs[0], true
		},
		func(ctx context.Context) (store.Record, bool) {
			return f.findNested(ctx, id)
		},
		func(ctx context.Context) (store.Record, bool) {
			recs, err := f.store.List(ctx, flat)
			if err != nil {
				return nil, false
			}
			return scan(recs, id)
		},
	}
	for _, try := range steps {
		if ctx.Err() != nil {
			return Order{}, false
		}
		if r, ok := try(ctx); ok {
			return FromRecord(r), true
		}
	}
	return Order{}, false
}

func (f *Finder) findNested(ctx context.Context, id string) (store.Record, bool) {
	owners, err := f.owners(ctx)
	if err != nil {
		return nil, false
	}
	for _, uid := range owners {
		path := f.layout.OwnerOrders(uid)
		if r, err := f.store.Get(ctx, path, id); err == nil {
			return WithOwner(r, uid), true
		}
		list, err := f.store.List(ctx, path)
		if err != nil {
			continue
		}
		if r, ok := scan(list, id); ok {
			return WithOwner(r, uid), true
		}
	}
	return nil, false
}

func scan(recs []store.Record, id string) (store.Record, bool) {
	for _, r := range recs {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}
