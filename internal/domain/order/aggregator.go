package order

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lis/lis/internal/domain/actor"
	"github.com/lis/lis/internal/platform/store"
)

// Work item statuses and sources.
const (
	StatusInProgress = "In Progress"
	StatusCompleted  = "Completed"

	SourceOrder  = "order"
	SourceResult = "result"
)

// Display fallbacks used when no name could be resolved.
const (
	UnknownName   = "Unknown"
	DefaultTester = "Admin"
)

// WorkItem is one row of the laboratory work queue.
type WorkItem struct {
	ID          string `json:"id"`
	PatientName string `json:"patientName"`
	Date        string `json:"date"`
	Tester      string `json:"tester"`
	Status      string `json:"status"`
	Source      string `json:"source"`
	RunID       string `json:"runId"`
}

// Aggregator builds the work queue from orders and result sets.
type Aggregator struct {
	store    store.Store
	layout   store.Layout
	finder   *Finder
	resolver *actor.Resolver
	log      zerolog.Logger
}

func NewAggregator(s store.Store, layout store.Layout, finder *Finder, resolver *actor.Resolver, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:    s,
		layout:   layout,
		finder:   finder,
		resolver: resolver,
		log:      log.With().Str("component", "order_aggregator").Logger(),
	}
}

// isKnown reports whether name is a real name rather than a placeholder.
func isKnown(name string) bool {
	n := strings.TrimSpace(name)
	return n != "" && !strings.EqualFold(n, UnknownName)
}

// ListWorkItems returns pending orders followed by completed results. A
// completed entry shadows the pending entry of the same order id. Source
// failures contribute nothing; only cancellation is returned as an error.
// Every call re-fetches.
func (a *Aggregator) ListWorkItems(ctx context.Context) ([]WorkItem, error) {
	var (
		results, actors, orders []store.Record
		g                       errgroup.Group
	)
	g.Go(func() error {
		col := a.layout.Primary(store.EntityResult)
		recs, err := a.store.List(ctx, col)
		if err != nil {
			a.log.Warn().Err(err).Str("collection", col).Msg("result list unavailable")
			return nil
		}
		results = recs
		return nil
	})
	g.Go(func() error {
		actors = a.resolver.Directory(ctx)
		return nil
	})
	g.Go(func() error {
		orders = a.finder.FetchAll(ctx)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cache := actor.NewCache()
	cache.Prime(actors)
	name := func(id string) (string, bool) {
		return a.resolver.Resolve(ctx, id, cache, actors)
	}

	completed := a.completed(results, orders, name)
	done := make(map[string]bool, len(completed))
	for _, c := range completed {
		done[c.ID] = true
	}

	items := make([]WorkItem, 0, len(orders)+len(completed))
	for _, rec := range orders {
		o := FromRecord(rec)
		if o.Executed() || done[o.ID] {
			continue
		}
		patient := o.PatientName
		if !isKnown(patient) && o.UserID != "" {
			patient, _ = name(o.UserID)
		}
		items = append(items, WorkItem{
			ID:          o.ID,
			PatientName: orDefault(patient, UnknownName),
			Date:        FormatDate(o.CreatedAt),
			Tester:      tester(name, []string{o.Tester, o.Requester}, o.RunByUserID, o.CreatedBy),
			Status:      StatusInProgress,
			Source:      SourceOrder,
		})
	}
	items = append(items, completed...)
	return items, ctx.Err()
}

func (a *Aggregator) completed(results, orders []store.Record, name func(string) (string, bool)) []WorkItem {
	byRun := make(map[string]Order)
	for _, rec := range orders {
		if o := FromRecord(rec); o.Executed() {
			if _, seen := byRun[o.RunID]; !seen {
				byRun[o.RunID] = o
			}
		}
	}

	var out []WorkItem
	for _, r := range results {
		if !strings.EqualFold(store.String(r["status"]), StatusCompleted) {
			continue
		}
		runID := strings.TrimSpace(r.Str("run_id"))
		matched, hasOrder := byRun[runID]
		if runID == "" {
			hasOrder = false
		}

		date := r.Str("performed_at", "created_at", "createdAt")
		if date == "" && hasOrder {
			date = matched.CreatedAt
		}

		patient := ""
		if hasOrder {
			patient = matched.PatientName
		}
		if !isKnown(patient) {
			patient = r.Str("patientName", "patient_name")
		}
		if !isKnown(patient) && hasOrder && matched.UserID != "" {
			patient, _ = name(matched.UserID)
		}
		if uid := r.Str("userId", "user_id"); !isKnown(patient) && uid != "" {
			patient, _ = name(uid)
		}

		id := r.ID()
		if hasOrder {
			id = matched.ID
		}
		out = append(out, WorkItem{
			ID:          id,
			PatientName: orDefault(patient, UnknownName),
			Date:        FormatDate(date),
			Tester:      tester(name, []string{r.Str("tester"), r.Str("runByName"), r.Str("requester")}, r.Str("runByUserId"), r.Str("createdBy", "created_by")),
			Status:      StatusCompleted,
			Source:      SourceResult,
			RunID:       runID,
		})
	}
	return out
}

// tester picks the first known stored name, then resolves the first
// non-blank actor id, then falls back to DefaultTester.
func tester(name func(string) (string, bool), stored []string, ids ...string) string {
	for _, s := range stored {
		if isKnown(s) {
			return s
		}
	}
	for _, id := range ids {
		if id == "" || strings.EqualFold(id, "unknown") {
			continue
		}
		if n, ok := name(id); ok {
			return n
		}
		break
	}
	return DefaultTester
}

func orDefault(s, def string) string {
	if isKnown(s) {
		return s
	}
	return def
}
