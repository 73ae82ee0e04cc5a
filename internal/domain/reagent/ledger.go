// Package reagent decrements consumable inventory after a run.
package reagent

import (
	"context"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/store"
)

// QuantityField holds the on-hand amount of a reagent record.
const QuantityField = "quantity"

// Outcome statuses.
const (
	StatusUpdated   = "updated"
	StatusUnchanged = "unchanged"
	StatusNotFound  = "not_found"
	StatusFailed    = "failed"
)

// Usage overrides the per-run consumption of one reagent, matched by the
// reagent's id or name.
type Usage struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amountUsed"`
}

// Valid reports whether Amount is a finite, non-negative quantity. Zero
// means "use the reagent's default".
func (u Usage) Valid() bool {
	return u.Amount >= 0 && !math.IsInf(u.Amount, 0)
}

// Outcome reports what happened to one declared reagent reference.
type Outcome struct {
	Ref       string  `json:"ref"`
	ReagentID string  `json:"reagentId,omitempty"`
	Name      string  `json:"name,omitempty"`
	Amount    float64 `json:"amount"`
	Before    float64 `json:"before"`
	After     float64 `json:"after"`
	Status    string  `json:"status"`
}

// Refs returns the reagent references an instrument declares. Entries may
// be scalars or objects carrying an id or name.
func Refs(instrument store.Record) []string {
	var out []string
	for _, key := range []string{"supportedReagents", "supported_reagents"} {
		raw, ok := instrument[key].([]interface{})
		if !ok {
			continue
		}
		for _, el := range raw {
			var ref string
			if m, ok := el.(map[string]interface{}); ok {
				ref = store.Record(m).Str("id", "name")
			} else {
				ref = store.String(el)
			}
			if strings.TrimSpace(ref) != "" {
				out = append(out, ref)
			}
		}
		return out
	}
	return out
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithObserver is called once per processed reference with its status.
func WithObserver(fn func(status string)) Option {
	return func(l *Ledger) { l.observe = fn }
}

// Ledger consumes reagents declared by an instrument.
type Ledger struct {
	store      store.Store
	writer     *store.Writer
	collection string
	variants   []string
	log        zerolog.Logger
	observe    func(status string)
}

func NewLedger(s store.Store, w *store.Writer, layout store.Layout, log zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:      s,
		writer:     w,
		collection: layout.Primary(store.EntityReagent),
		variants:   layout.Variants(store.EntityReagent),
		log:        log.With().Str("component", "reagent_ledger").Logger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Consume decrements each reagent the instrument declares, flooring
// quantities at zero. References are processed independently; a failure is
// reported in that reference's outcome and never stops the others.
func (l *Ledger) Consume(ctx context.Context, instrument store.Record, overrides []Usage) []Outcome {
	refs := Refs(instrument)
	out := make([]Outcome, 0, len(refs))
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		o := l.consumeOne(ctx, ref, overrides)
		if l.observe != nil {
			l.observe(o.Status)
		}
		out = append(out, o)
	}
	return out
}

func (l *Ledger) consumeOne(ctx context.Context, ref string, overrides []Usage) Outcome {
	o := Outcome{Ref: ref}
	cur, ok := l.resolve(ctx, ref)
	if !ok {
		l.log.Warn().Str("ref", ref).Msg("reagent not found, skipping")
		o.Status = StatusNotFound
		return o
	}
	o.ReagentID = cur.ID()
	o.Name = cur.Str("name")
	o.Amount = amountFor(cur, overrides)
	o.Before, _ = cur.Num(QuantityField)
	o.After = math.Max(0, o.Before-o.Amount)

	if o.After == o.Before {
		l.log.Debug().Str("reagent_id", o.ReagentID).Float64("quantity", o.Before).Msg("no change in quantity")
		o.Status = StatusUnchanged
		return o
	}

	if d, ok := store.AsDecrementer(l.store); ok {
		before, after, err := d.Decrement(ctx, l.collection, o.ReagentID, QuantityField, o.Amount)
		if err == nil {
			o.Before, o.After, o.Status = before, after, StatusUpdated
			return o
		}
		l.log.Warn().Err(err).Str("reagent_id", o.ReagentID).Msg("atomic decrement failed, patching")
	}

	_, err := l.writer.PatchOrReplace(ctx, store.Target{
		Flat: l.variants,
		ID:   o.ReagentID,
		Base: cur,
	}, store.Record{QuantityField: o.After})
	if err != nil {
		l.log.Warn().Err(err).Str("reagent_id", o.ReagentID).Msg("reagent update failed")
		o.Status = StatusFailed
		return o
	}
	o.Status = StatusUpdated
	return o
}

// resolve fetches the reagent by id, falling back to a search whose hits
// are matched by id or name, else the first hit.
func (l *Ledger) resolve(ctx context.Context, ref string) (store.Record, bool) {
	if rec, err := l.store.Get(ctx, l.collection, ref); err == nil && rec != nil {
		return rec, true
	} else if err != nil {
		l.log.Debug().Err(err).Str("ref", ref).Msg("reagent get missed, searching")
	}
	hits, err := l.store.Search(ctx, l.collection, ref)
	if err != nil || len(hits) == 0 {
		return nil, false
	}
	for _, h := range hits {
		if h.ID() == ref || strings.EqualFold(h.Str("name"), ref) {
			return h, true
		}
	}
	return hits[0], true
}

// amountFor prefers a positive override matched by id or name, then the
// reagent's usage_per_run. Negative or non-finite amounts never apply.
func amountFor(cur store.Record, overrides []Usage) float64 {
	id, name := cur.ID(), cur.Str("name")
	for _, u := range overrides {
		if u.ID != "" && (u.ID == id || u.ID == name) {
			if u.Valid() && u.Amount > 0 {
				return u.Amount
			}
			break
		}
	}
	amount, _ := cur.Num("usage_per_run")
	return math.Max(0, amount)
}
