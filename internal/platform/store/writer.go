package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrWriteFailed is returned by PatchOrReplace when every attempt failed.
var ErrWriteFailed = errors.New("no write attempt succeeded")

// PlaceholderPrefix marks ids synthesized locally when the store did not
// report one.
const PlaceholderPrefix = "local-"

// Write outcomes reported to the observer.
const (
	OutcomeCreated       = "created"
	OutcomeLocated       = "located"
	OutcomePlaceholder   = "placeholder"
	OutcomePatchedNested = "patched_nested"
	OutcomePatchedFlat   = "patched_flat"
	OutcomeReplaced      = "replaced"
	OutcomeFailed        = "failed"
)

// IsPlaceholder reports whether id was synthesized by Write.
func IsPlaceholder(id string) bool {
	return strings.HasPrefix(id, PlaceholderPrefix)
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock overrides the clock used for placeholder ids.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

// WithWriterLogger sets the logger for fallback diagnostics.
func WithWriterLogger(l zerolog.Logger) WriterOption {
	return func(w *Writer) { w.log = l }
}

// WithObserver registers a callback invoked once per operation with the
// outcome that ended it.
func WithObserver(fn func(op, outcome string)) WriterOption {
	return func(w *Writer) { w.observe = fn }
}

// Writer persists derived records with escalating fallbacks so that
// callers can proceed across inconsistent storage shapes.
type Writer struct {
	store   Store
	now     func() time.Time
	log     zerolog.Logger
	observe func(op, outcome string)
}

// NewWriter wraps s.
func NewWriter(s Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store: s,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// step is one rung of a fallback ladder. ok=false moves to the next rung.
type step struct {
	outcome string
	try     func(ctx context.Context) (Record, bool)
}

func (w *Writer) climb(ctx context.Context, op string, steps []step) (Record, string, bool) {
	for _, s := range steps {
		if ctx.Err() != nil {
			break
		}
		if rec, ok := s.try(ctx); ok {
			w.report(op, s.outcome)
			return rec, s.outcome, true
		}
	}
	w.report(op, OutcomeFailed)
	return nil, OutcomeFailed, false
}

func (w *Writer) report(op, outcome string) {
	if w.observe != nil {
		w.observe(op, outcome)
	}
}

// Write creates rec in collection and returns it with a usable id. When the
// create response carries no id, the record is located by correlateField;
// failing that, a "local-{millis}" placeholder id is assigned and
// placeholder is true. Write never fails: the payload is the deliverable,
// its storage id is secondary.
func (w *Writer) Write(ctx context.Context, collection string, rec Record, correlateField string) (stored Record, placeholder bool) {
	correlate := String(rec[correlateField])
	steps := []step{
		{OutcomeCreated, func(ctx context.Context) (Record, bool) {
			created, err := w.store.Create(ctx, collection, rec)
			if err != nil {
				w.log.Warn().Err(err).Str("collection", collection).Msg("create failed")
				return nil, false
			}
			if created.ID() == "" {
				return nil, false
			}
			return Merge(rec, created), true
		}},
		{OutcomeLocated, func(ctx context.Context) (Record, bool) {
			if correlateField == "" || strings.TrimSpace(correlate) == "" {
				return nil, false
			}
			found, err := w.store.Query(ctx, collection, correlateField, correlate)
			if err != nil {
				w.log.Warn().Err(err).Str("collection", collection).Str(correlateField, correlate).Msg("locate after create failed")
				return nil, false
			}
			for _, f := range found {
				if f.ID() != "" {
					return Merge(rec, f), true
				}
			}
			return nil, false
		}},
	}

	if got, _, ok := w.climb(ctx, "write", steps); ok {
		return got, false
	}
	out := rec.Clone()
	out["id"] = PlaceholderPrefix + strconv.FormatInt(w.now().UnixMilli(), 10)
	w.log.Warn().Str("collection", collection).Str("id", out.ID()).Msg("store returned no id, using placeholder")
	w.report("write", OutcomePlaceholder)
	return out, true
}

// Target addresses one logical record that may live under an owner-scoped
// path, under any of several flat collections, or both.
type Target struct {
	// Flat lists flat collection variants; the first is canonical.
	Flat []string
	// OwnerCollection, OwnerID and Child describe the nested location.
	// OwnerID empty means the owner is unknown.
	OwnerCollection string
	OwnerID         string
	Child           string
	ID              string
	// Base is the last known full record, used for the replace step when
	// the canonical record cannot be fetched.
	Base Record
}

// NestedPath returns the owner-scoped collection, or "" when unknown.
func (t Target) NestedPath() string {
	if t.OwnerID == "" || t.OwnerCollection == "" || t.Child == "" {
		return ""
	}
	return Nested(t.OwnerCollection, t.OwnerID, t.Child)
}

// Canonical returns the collection the replace step writes to: nested when
// the owner is known, else the first flat variant.
func (t Target) Canonical() string {
	if p := t.NestedPath(); p != "" {
		return p
	}
	if len(t.Flat) > 0 {
		return t.Flat[0]
	}
	return ""
}

// PatchOrReplace applies partial to the target, escalating from a partial
// update on the nested path, to partial updates on each flat variant, to a
// fetch-merge-replace on the canonical path. Each rung is independent; it
// fails only when every rung failed.
func (w *Writer) PatchOrReplace(ctx context.Context, t Target, partial Record) (Record, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("patch-or-replace: empty id: %w", ErrWriteFailed)
	}

	var steps []step
	if nested := t.NestedPath(); nested != "" {
		steps = append(steps, w.patchStep(OutcomePatchedNested, nested, t.ID, partial))
	}
	for _, c := range t.Flat {
		steps = append(steps, w.patchStep(OutcomePatchedFlat, c, t.ID, partial))
	}
	if canonical := t.Canonical(); canonical != "" {
		steps = append(steps, step{OutcomeReplaced, func(ctx context.Context) (Record, bool) {
			base, err := w.store.Get(ctx, canonical, t.ID)
			if err != nil {
				if t.Base == nil {
					w.log.Warn().Err(err).Str("collection", canonical).Str("id", t.ID).Msg("fetch for replace failed")
					return nil, false
				}
				base = t.Base
			}
			full := Merge(base, partial)
			full["id"] = base["id"]
			if full.ID() == "" {
				full["id"] = t.ID
			}
			rec, err := w.store.Replace(ctx, canonical, t.ID, full)
			if err != nil {
				w.log.Warn().Err(err).Str("collection", canonical).Str("id", t.ID).Msg("replace failed")
				return nil, false
			}
			return rec, true
		}})
	}

	rec, _, ok := w.climb(ctx, "patch_or_replace", steps)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("patch-or-replace %s: %w", t.ID, ErrWriteFailed)
	}
	return rec, nil
}

func (w *Writer) patchStep(outcome, collection, id string, partial Record) step {
	return step{outcome, func(ctx context.Context) (Record, bool) {
		rec, err := w.store.Patch(ctx, collection, id, partial)
		if err != nil {
			w.log.Debug().Err(err).Str("collection", collection).Str("id", id).Msg("patch failed, escalating")
			return nil, false
		}
		return rec, true
	}}
}
