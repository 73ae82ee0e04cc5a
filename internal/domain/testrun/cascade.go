package testrun

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/domain/actor"
	"github.com/lis/lis/internal/domain/order"
	"github.com/lis/lis/internal/platform/blobstore"
	"github.com/lis/lis/internal/platform/store"
	"github.com/lis/lis/internal/platform/telemetry"
)

// Deleter removes a result set and every record that references its run
// across all collection variants. The stores have no referential integrity,
// so each delete is attempted independently and its failure only counted.
type Deleter struct {
	store   store.Store
	layout  store.Layout
	finder  *order.Finder
	archive blobstore.Archive
	metrics *telemetry.Metrics
	log     zerolog.Logger
}

func NewDeleter(s store.Store, layout store.Layout, finder *order.Finder, archive blobstore.Archive, metrics *telemetry.Metrics, log zerolog.Logger) *Deleter {
	return &Deleter{
		store:   s,
		layout:  layout,
		finder:  finder,
		archive: archive,
		metrics: metrics,
		log:     log.With().Str("component", "cascade_deleter").Logger(),
	}
}

// target is what a delete key resolved to.
type target struct {
	resultIDs []string
	runID     string
	orderID   string
	ownerID   string
}

// resolve interprets key as a result id, a run reference or an order id,
// in that order. A key that matches nothing is swept as a run reference.
func (d *Deleter) resolve(ctx context.Context, key string) target {
	col := d.layout.Primary(store.EntityResult)
	t := target{runID: key}

	if rec, err := d.store.Get(ctx, col, key); err == nil {
		t.resultIDs = []string{rec.ID()}
		t.runID = rec.Str("run_id")
		t.orderID = rec.Str("order_id")
	} else if recs, err := d.store.Query(ctx, col, "run_id", key); err == nil && len(recs) > 0 {
		t.orderID = recs[0].Str("order_id")
	} else if o, ok := d.finder.Find(ctx, key); ok {
		t.orderID = o.ID
		t.ownerID = o.OwnerID
		t.runID = o.RunID
	}
	if t.orderID != "" && t.ownerID == "" {
		if o, ok := d.finder.Find(ctx, t.orderID); ok {
			t.ownerID = o.OwnerID
		}
	}
	return t
}

// DeleteRun sweeps the result, its rows, comment threads, stamped orders
// and archived message. It fails only for a blank key or cancellation.
func (d *Deleter) DeleteRun(ctx context.Context, key string) (*DeleteReport, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	t := d.resolve(ctx, key)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rep := &DeleteReport{Key: key, RunID: t.runID, OrderID: t.orderID}
	if len(t.resultIDs) > 0 {
		rep.ResultID = t.resultIDs[0]
	}

	resultCol := d.layout.Primary(store.EntityResult)
	for _, id := range t.resultIDs {
		d.remove(ctx, rep, "result", resultCol, id)
	}

	if t.runID != "" {
		d.sweep(ctx, rep, "result", store.EntityResult, t.runID)
		d.sweep(ctx, rep, "row", store.EntityResultRow, t.runID)
		d.sweep(ctx, rep, "comment", store.EntityComment, t.runID)
		d.sweep(ctx, rep, "order", store.EntityOrder, t.runID)
		d.sweepNestedOrders(ctx, rep, t.runID)
		d.removeMessage(ctx, rep, t.runID)
	}
	if t.orderID != "" {
		d.removeOrder(ctx, rep, t.orderID, t.ownerID)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.log.Info().
		Str("key", key).
		Str("run_id", t.runID).
		Int("deleted", rep.Deleted).
		Int("failed", rep.Failed).
		Msg("cascade delete finished")
	return rep, nil
}

// sweep deletes every record referencing runID in every variant of e.
func (d *Deleter) sweep(ctx context.Context, rep *DeleteReport, entity string, e store.Entity, runID string) {
	for _, col := range d.layout.Variants(e) {
		d.sweepCollection(ctx, rep, entity, col, runID, "")
	}
}

// sweepCollection deletes the records of col whose run_id is runID. When a
// delete fails and fallback is set, the record is retried there.
func (d *Deleter) sweepCollection(ctx context.Context, rep *DeleteReport, entity, col, runID, fallback string) {
	recs, err := d.store.Query(ctx, col, "run_id", runID)
	if err != nil {
		d.log.Debug().Err(err).Str("collection", col).Msg("sweep query failed")
		return
	}
	for _, r := range recs {
		id := r.ID()
		if id == "" {
			continue
		}
		if d.remove(ctx, rep, entity, col, id) || fallback == "" {
			continue
		}
		d.remove(ctx, rep, entity, fallback, id)
	}
}

func (d *Deleter) sweepNestedOrders(ctx context.Context, rep *DeleteReport, runID string) {
	owners, err := d.store.List(ctx, d.layout.OwnerCollection)
	if err != nil {
		d.log.Debug().Err(err).Msg("owner directory unavailable, nested orders not swept")
		return
	}
	flat := d.layout.Primary(store.EntityOrder)
	for _, o := range owners {
		uid := actor.IDOf(o)
		if uid == "" || ctx.Err() != nil {
			continue
		}
		d.sweepCollection(ctx, rep, "order", d.layout.OwnerOrders(uid), runID, flat)
	}
}

// removeOrder deletes the order itself, trying the owner-scoped path before
// each flat variant and stopping at the first success.
func (d *Deleter) removeOrder(ctx context.Context, rep *DeleteReport, orderID, ownerID string) {
	var paths []string
	if ownerID != "" {
		paths = append(paths, d.layout.OwnerOrders(ownerID))
	}
	paths = append(paths, d.layout.Variants(store.EntityOrder)...)
	for _, col := range paths {
		if d.remove(ctx, rep, "order", col, orderID) {
			return
		}
	}
}

func (d *Deleter) removeMessage(ctx context.Context, rep *DeleteReport, runID string) {
	if d.archive == nil {
		return
	}
	err := d.archive.Delete(ctx, blobstore.MessageKey(runID))
	switch {
	case err == nil:
		rep.Deleted++
		d.metrics.CascadeDelete("message", true)
	case errors.Is(err, blobstore.ErrBlobNotFound):
	default:
		rep.Failed++
		d.metrics.CascadeDelete("message", false)
		d.log.Debug().Err(err).Str("run_id", runID).Msg("archived message not deleted")
	}
}

// remove deletes one record. Missing records are neither deleted nor
// failed.
func (d *Deleter) remove(ctx context.Context, rep *DeleteReport, entity, col, id string) bool {
	err := d.store.Delete(ctx, col, id)
	switch {
	case err == nil:
		rep.Deleted++
		d.metrics.CascadeDelete(entity, true)
		return true
	case errors.Is(err, store.ErrNotFound):
		return false
	default:
		rep.Failed++
		d.metrics.CascadeDelete(entity, false)
		d.log.Debug().Err(err).Str("collection", col).Str("id", id).Msg("cascade delete step failed")
		return false
	}
}
