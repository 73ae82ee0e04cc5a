package actor

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/store"
)

// Resolver implements the name lookup waterfall against the actor
// directory.
type Resolver struct {
	store      store.Store
	collection string
	log        zerolog.Logger
}

func NewResolver(s store.Store, layout store.Layout, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:      s,
		collection: layout.Primary(store.EntityActor),
		log:        log.With().Str("component", "actor_resolver").Logger(),
	}
}

// lookup is one rung of the waterfall; ok=false falls through.
type lookup struct {
	name string
	try  func(ctx context.Context, id string) (string, bool)
}

// Resolve returns the display name of id, stopping at the first rung that
// answers: the cache, the supplied known records, a query by userId, a get
// by id, then a scan of the whole directory. Store failures count as
// misses. A successful resolution is written back to cache, which may be
// nil.
func (r *Resolver) Resolve(ctx context.Context, id string, cache *Cache, known []store.Record) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", false
	}
	if cache != nil {
		if name, ok := cache.Get(id); ok {
			return name, true
		}
	}

	steps := []lookup{
		{"known", func(_ context.Context, id string) (string, bool) {
			return findIn(known, id)
		}},
		{"query", r.byQuery},
		{"get", r.byGet},
		{"scan", r.byScan},
	}
	for _, s := range steps {
		if ctx.Err() != nil {
			return "", false
		}
		if name, ok := s.try(ctx, id); ok {
			if cache != nil {
				cache.Put(id, name)
			}
			return name, true
		}
	}
	r.log.Debug().Str("actor_id", id).Msg("actor name unresolved")
	return "", false
}

func (r *Resolver) byQuery(ctx context.Context, id string) (string, bool) {
	found, err := r.store.Query(ctx, r.collection, "userId", id)
	if err != nil {
		r.miss("query", id, err)
		return "", false
	}
	if len(found) == 0 {
		return "", false
	}
	return ExtractName(found[0])
}

func (r *Resolver) byGet(ctx context.Context, id string) (string, bool) {
	rec, err := r.store.Get(ctx, r.collection, id)
	if err != nil {
		r.miss("get", id, err)
		return "", false
	}
	return ExtractName(rec)
}

func (r *Resolver) byScan(ctx context.Context, id string) (string, bool) {
	all, err := r.store.List(ctx, r.collection)
	if err != nil {
		r.miss("scan", id, err)
		return "", false
	}
	return findIn(all, id)
}

func (r *Resolver) miss(step, id string, err error) {
	r.log.Debug().Err(err).Str("step", step).Str("actor_id", id).Msg("actor lookup step failed")
}

// Directory lists every actor, or nil when the directory is unreachable.
func (r *Resolver) Directory(ctx context.Context) []store.Record {
	all, err := r.store.List(ctx, r.collection)
	if err != nil {
		r.log.Warn().Err(err).Str("collection", r.collection).Msg("actor directory unavailable")
		return nil
	}
	return all
}

func findIn(recs []store.Record, id string) (string, bool) {
	for _, rec := range recs {
		if matches(rec, id) {
			if name, ok := ExtractName(rec); ok {
				return name, true
			}
		}
	}
	return "", false
}
