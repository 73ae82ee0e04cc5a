package testrun

import (
	"context"
	"fmt"
	"strings"

	"github.com/lis/lis/internal/domain/actor"
	"github.com/lis/lis/internal/domain/order"
	"github.com/lis/lis/internal/domain/result"
	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/store"
)

// findResult locates a result set by id, then by run reference, then
// through the order of that id. The order is returned when it was consulted.
func (s *Service) findResult(ctx context.Context, key string) (store.Record, *order.Order, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil, fmt.Errorf("%w: result key is required", ErrInvalidRequest)
	}
	col := s.layout.Primary(store.EntityResult)

	if rec, err := s.store.Get(ctx, col, key); err == nil {
		return rec, nil, nil
	}
	if recs, err := s.store.Query(ctx, col, "run_id", key); err == nil && len(recs) > 0 {
		return recs[0], nil, nil
	}
	if o, ok := s.finder.Find(ctx, key); ok {
		if o.Executed() {
			if recs, err := s.store.Query(ctx, col, "run_id", o.RunID); err == nil && len(recs) > 0 {
				return recs[0], &o, nil
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return nil, nil, fmt.Errorf("%s: %w", key, ErrResultNotFound)
}

// Detail assembles the full view of a result set. key may be a result id,
// a run reference or an order id.
func (s *Service) Detail(ctx context.Context, key string) (*Detail, error) {
	rec, o, err := s.findResult(ctx, key)
	if err != nil {
		return nil, err
	}
	runID := rec.Str("run_id", "id")
	cache := actor.NewCache()

	rows := result.RowsFromValue(rec["rows"])
	if len(rows) == 0 {
		rows = s.storedRows(ctx, runID)
	}

	comments := s.threadComments(ctx, runID)
	if len(comments) == 0 {
		comments = commentsFromValue(rec["comments"])
	}
	if comments == nil {
		comments = []Comment{}
	}

	patient := rec.Str("patientName", "patient_name")
	if !known(patient) && o != nil {
		if uid := firstNonBlank(o.UserID, o.OwnerID); uid != "" {
			patient, _ = s.resolver.Resolve(ctx, uid, cache, nil)
		}
	}
	if uid := rec.Str("userId", "user_id", "runByUserId", "createdBy", "created_by"); !known(patient) && uid != "" {
		patient, _ = s.resolver.Resolve(ctx, uid, cache, nil)
	}

	reviewer := rec.Str("reviewedBy", "reviewed_by")
	if rb := rec.Str("reviewedBy", "reviewed_by", "reviewedByUserId"); rb != "" {
		if name, ok := s.resolver.Resolve(ctx, rb, cache, nil); ok {
			reviewer = name
		}
	}

	critical := result.CriticalCount(rows)
	if n, ok := rec.Num("criticalCount"); ok {
		critical = int(n)
	}

	d := &Detail{
		ResultID:      rec.ID(),
		RunID:         runID,
		PatientName:   orUnknown(patient, Unknown),
		Sex:           orUnknown(rec.Str("sex"), Unknown),
		Collected:     orUnknown(rec.Str("collected", "performed_at", "created_at"), Unknown),
		Instrument:    orUnknown(rec.Str("instrument"), Unknown),
		CriticalCount: critical,
		Rows:          rows,
		ReviewedBy:    orUnknown(reviewer, Unknown),
		ReviewedAt:    orUnknown(rec.Str("reviewedAt", "reviewed_at"), Unknown),
		Comments:      comments,
	}
	d.HL7Raw, _ = s.message(ctx, rec, runID)
	return d, nil
}

// HL7 returns the encoded message of a result set and its parsed form.
func (s *Service) HL7(ctx context.Context, key string) (string, *hl7v2.Message, error) {
	rec, _, err := s.findResult(ctx, key)
	if err != nil {
		return "", nil, err
	}
	raw, err := s.message(ctx, rec, rec.Str("run_id", "id"))
	if err != nil {
		return "", nil, err
	}
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		return raw, nil, fmt.Errorf("parse stored message: %w", err)
	}
	return raw, msg, nil
}

func (s *Service) storedRows(ctx context.Context, runID string) []result.Row {
	col := s.layout.Primary(store.EntityResultRow)
	recs, err := s.store.Query(ctx, col, "run_id", runID)
	if err != nil {
		s.log.Debug().Err(err).Str("run_id", runID).Msg("row collection unavailable")
		return []result.Row{}
	}
	rows := make([]result.Row, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, result.RowFromRecord(r))
	}
	return rows
}

func (s *Service) threadComments(ctx context.Context, runID string) []Comment {
	threads, err := s.store.Query(ctx, s.layout.Primary(store.EntityComment), "run_id", runID)
	if err != nil || len(threads) == 0 {
		return nil
	}
	return commentsFromValue(threads[0]["comments"])
}

// UpdateComments replaces the comment thread of a run: patch the existing
// thread (falling back to fetch and replace), else create one.
func (s *Service) UpdateComments(ctx context.Context, runID string, comments []Comment) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidRequest)
	}
	// result ids and order ids are accepted in place of the run reference
	if rec, _, err := s.findResult(ctx, runID); err == nil {
		if ref := rec.Str("run_id"); ref != "" {
			runID = ref
		}
	}
	col := s.layout.Primary(store.EntityComment)
	now := s.now().UTC().Format(isoMillis)

	threadID := ""
	if threads, err := s.store.Query(ctx, col, "run_id", runID); err == nil && len(threads) > 0 {
		threadID = threads[0].ID()
	}

	if threadID != "" {
		_, err := s.writer.PatchOrReplace(ctx, store.Target{Flat: []string{col}, ID: threadID}, store.Record{
			"comments":  commentsValue(comments),
			"updatedAt": now,
		})
		if err != nil {
			return fmt.Errorf("thread %s: %w: %v", threadID, ErrCommentsNotPersisted, err)
		}
		return nil
	}

	createdBy := unknownActor
	if n := len(comments); n > 0 && comments[n-1].Author != "" {
		createdBy = comments[n-1].Author
	}
	if _, err := s.store.Create(ctx, col, store.Record{
		"run_id":    runID,
		"comments":  commentsValue(comments),
		"createdAt": now,
		"createdBy": createdBy,
	}); err != nil {
		return fmt.Errorf("create thread for run %s: %w: %v", runID, ErrCommentsNotPersisted, err)
	}
	return nil
}

func known(name string) bool {
	n := strings.TrimSpace(name)
	return n != "" && !strings.EqualFold(n, Unknown)
}
