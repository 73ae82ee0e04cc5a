package testrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lis/lis/internal/domain/actor"
	"github.com/lis/lis/internal/domain/order"
	"github.com/lis/lis/internal/domain/reagent"
	"github.com/lis/lis/internal/domain/result"
	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/internal/platform/blobstore"
	"github.com/lis/lis/internal/platform/hl7v2"
	"github.com/lis/lis/internal/platform/store"
	"github.com/lis/lis/internal/platform/telemetry"
)

// isoMillis matches the millisecond ISO-8601 timestamps already stored by
// other writers.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Option configures a Service.
type Option func(*Service)

func WithLayout(l store.Layout) Option { return func(s *Service) { s.layout = l } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock sets the clock used for run timestamps, message timestamps and
// placeholder ids.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRand sets the randomness source of the result synthesizer.
func WithRand(r result.Rand) Option { return func(s *Service) { s.rng = r } }

// WithFormats overrides the value formatting table.
func WithFormats(f result.Formats) Option { return func(s *Service) { s.formats = f } }

// WithIDGenerator sets the run reference generator.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// WithArchive stores every encoded message in a.
func WithArchive(a blobstore.Archive) Option { return func(s *Service) { s.archive = a } }

// WithActors sets the current-actor provider.
func WithActors(p auth.ActorProvider) Option { return func(s *Service) { s.actors = p } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

// Forwarder delivers an encoded message downstream.
type Forwarder interface {
	Forward(ctx context.Context, raw string) error
}

// WithForwarder sends every encoded message to f after it is stored.
func WithForwarder(f Forwarder) Option { return func(s *Service) { s.forwarder = f } }

// WithStrictInventory skips reagent consumption when the result payload
// was not confirmed persisted.
func WithStrictInventory(strict bool) Option { return func(s *Service) { s.strictInventory = strict } }

// Service is the test execution pipeline.
type Service struct {
	store           store.Store
	layout          store.Layout
	log             zerolog.Logger
	now             func() time.Time
	rng             result.Rand
	formats         result.Formats
	newID           func() string
	archive         blobstore.Archive
	actors          auth.ActorProvider
	metrics         *telemetry.Metrics
	forwarder       Forwarder
	strictInventory bool

	writer     *store.Writer
	finder     *order.Finder
	resolver   *actor.Resolver
	aggregator *order.Aggregator
	ledger     *reagent.Ledger
	synth      *result.Synthesizer
	deleter    *Deleter

	// inflight holds order ids with a run in progress.
	inflight sync.Map
}

// NewService wires the pipeline components over s.
func NewService(s store.Store, opts ...Option) *Service {
	svc := &Service{
		store:  s,
		layout: store.DefaultLayout(),
		log:    zerolog.Nop(),
		now:    time.Now,
		newID:  uuid.NewString,
		actors: auth.ContextActors{},
	}
	for _, o := range opts {
		o(svc)
	}
	svc.log = svc.log.With().Str("component", "testrun").Logger()

	svc.writer = store.NewWriter(s,
		store.WithClock(svc.now),
		store.WithWriterLogger(svc.log),
		store.WithObserver(svc.metrics.WriteOutcome),
	)
	svc.finder = order.NewFinder(s, svc.layout, svc.log)
	svc.resolver = actor.NewResolver(s, svc.layout, svc.log)
	svc.aggregator = order.NewAggregator(s, svc.layout, svc.finder, svc.resolver, svc.log)
	svc.ledger = reagent.NewLedger(s, svc.writer, svc.layout, svc.log,
		reagent.WithObserver(svc.metrics.ReagentUpdate))
	svc.synth = result.NewSynthesizer(svc.rng, svc.formats)
	svc.deleter = NewDeleter(s, svc.layout, svc.finder, svc.archive, svc.metrics, svc.log)
	return svc
}

// Deleter returns the cascade deleter sharing this service's store.
func (s *Service) Deleter() *Deleter { return s.deleter }

// List returns the work queue.
func (s *Service) List(ctx context.Context) ([]order.WorkItem, error) {
	return s.aggregator.ListWorkItems(ctx)
}

// Delete removes a result and everything that references its run.
func (s *Service) Delete(ctx context.Context, key string) (*DeleteReport, error) {
	return s.deleter.DeleteRun(ctx, key)
}

// runContext is everything gathered before synthesis.
type runContext struct {
	order       order.Order
	instrument  store.Record
	patientName string
	actorID     string
	actorName   string
	sex         string
	templates   []result.Template
}

// Run executes an order on an instrument: synthesize rows, encode the
// message, persist the result set, stamp the order, consume reagents and
// seed the comment thread. Only failures that prevent the result payload
// are returned; the order stamp, archive, inventory and comment seeding
// are best-effort.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		s.metrics.RunFinished("rejected")
		return nil, err
	}
	if _, busy := s.inflight.LoadOrStore(req.OrderID, struct{}{}); busy {
		s.metrics.RunFinished("rejected")
		return nil, fmt.Errorf("order %s: %w", req.OrderID, ErrRunInProgress)
	}
	defer s.inflight.Delete(req.OrderID)

	rc, err := s.prepare(ctx, req)
	if err != nil {
		s.metrics.RunFinished("rejected")
		return nil, err
	}

	rows := s.synth.Synthesize(rc.templates)
	runID := s.newID()
	at := s.now()
	performedAt := at.UTC().Format(isoMillis)
	instName := rc.instrument.Str("name")
	if instName == "" {
		instName = req.InstrumentID
	}

	msg := hl7v2.EncodeORU(hl7v2.ORU{
		RunID: runID,
		Subject: hl7v2.Subject{
			PatientName: rc.patientName,
			PatientID:   rc.order.PatientID,
			OrderID:     rc.order.ID,
			Sex:         rc.order.Sex,
			DateOfBirth: rc.order.DateOfBirth,
			Address:     rc.order.Address,
			Requester:   rc.order.Requester,
		},
		Instrument:   instName,
		Observations: result.Observations(rows),
		Time:         at,
	})

	payload := store.Record{
		"run_id":        runID,
		"order_id":      rc.order.ID,
		"instrument":    instName,
		"performed_at":  performedAt,
		"status":        StatusCompleted,
		"patientName":   orUnknown(rc.patientName, Unknown),
		"sex":           rc.sex,
		"collected":     performedAt,
		"criticalCount": result.CriticalCount(rows),
		"rows":          result.RowsValue(rows),
		"comments":      []interface{}{},
		"notes":         "Auto-generated for order " + rc.order.ID,
		"hl7_raw":       msg,
		"runByUserId":   orUnknown(rc.actorID, unknownActor),
		"runByName":     orUnknown(rc.actorName, unknownActor),
	}
	stored, placeholder := s.writer.Write(ctx, s.layout.Primary(store.EntityResult), payload, "run_id")
	resultID := stored.ID()

	res := &RunResult{
		RunID:        runID,
		TestResultID: resultID,
		Placeholder:  placeholder,
		Rows:         runRows(runID, resultID, rows),
		HL7:          msg,
	}
	res.OrderUpdated = s.stampOrder(ctx, rc, runID)
	s.archiveMessage(ctx, runID, msg)
	res.Forwarded = s.forward(ctx, runID, msg)

	if s.strictInventory && placeholder {
		s.log.Warn().Str("run_id", runID).Msg("result not persisted, skipping reagent consumption")
	} else {
		res.Reagents = s.ledger.Consume(ctx, rc.instrument, req.UsedReagents)
	}
	s.seedComments(ctx, runID, rc)

	s.metrics.RunFinished("completed")
	s.log.Info().
		Str("run_id", runID).
		Str("order_id", rc.order.ID).
		Str("test_result_id", resultID).
		Int("rows", len(rows)).
		Bool("placeholder", placeholder).
		Msg("test run completed")
	return res, nil
}

// prepare checks the preconditions and gathers names and templates. It
// performs no writes.
func (s *Service) prepare(ctx context.Context, req RunRequest) (*runContext, error) {
	o, ok := s.finder.Find(ctx, req.OrderID)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("order %s: %w", req.OrderID, ErrOrderNotFound)
	}
	if o.Executed() {
		return nil, fmt.Errorf("order %s (run %s): %w", o.ID, o.RunID, ErrAlreadyExecuted)
	}

	inst, err := s.store.Get(ctx, s.layout.Primary(store.EntityInstrument), req.InstrumentID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("instrument %s: %w: %v", req.InstrumentID, ErrInstrumentNotFound, err)
	}

	rc := &runContext{order: o, instrument: inst, patientName: o.PatientName}
	rc.sex = firstNonBlank(req.Sex, o.Sex, Unknown)

	cache := actor.NewCache()
	var (
		g         errgroup.Group
		templates []store.Record
	)
	if strings.TrimSpace(rc.patientName) == "" && o.UserID != "" {
		g.Go(func() error {
			rc.patientName, _ = s.resolver.Resolve(ctx, o.UserID, cache, nil)
			return nil
		})
	}
	if a, ok := s.actors.CurrentActor(ctx); ok {
		rc.actorID, rc.actorName = a.ID, a.Name
		if strings.TrimSpace(a.Name) == "" {
			g.Go(func() error {
				rc.actorName, _ = s.resolver.Resolve(ctx, a.ID, cache, nil)
				return nil
			})
		}
	}
	g.Go(func() error {
		col := s.layout.Primary(store.EntityTemplate)
		recs, err := s.store.List(ctx, col)
		if err != nil {
			s.log.Warn().Err(err).Str("collection", col).Msg("parameter templates unavailable")
			return nil
		}
		templates = recs
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rc.templates = result.TemplatesFromRecords(templates, rc.sex)
	return rc, nil
}

// stampOrder attaches the run reference to the order wherever it lives.
func (s *Service) stampOrder(ctx context.Context, rc *runContext, runID string) bool {
	o := rc.order
	base := o.Raw.Clone()
	delete(base, order.OwnerField)

	partial := store.Record{
		"run_id":      runID,
		"runByUserId": orUnknown(rc.actorID, unknownActor),
		"tester":      firstNonBlank(rc.actorName, o.Tester, o.Requester),
	}
	_, err := s.writer.PatchOrReplace(ctx, store.Target{
		Flat:            s.layout.Variants(store.EntityOrder),
		OwnerCollection: s.layout.OwnerCollection,
		OwnerID:         o.Owner(),
		Child:           s.layout.NestedOrders,
		ID:              o.ID,
		Base:            base,
	}, partial)
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", o.ID).Str("run_id", runID).Msg("order not stamped with run")
		return false
	}
	return true
}

func (s *Service) archiveMessage(ctx context.Context, runID, msg string) {
	if s.archive == nil {
		return
	}
	_, err := s.archive.Put(ctx, blobstore.MessageKey(runID), []byte(msg), blobstore.ContentTypeHL7)
	s.metrics.ArchiveWrite(err)
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", runID).Msg("message archive failed")
	}
}

func (s *Service) forward(ctx context.Context, runID, msg string) bool {
	if s.forwarder == nil {
		return false
	}
	if err := s.forwarder.Forward(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("run_id", runID).Msg("message not forwarded")
		return false
	}
	return true
}

func (s *Service) seedComments(ctx context.Context, runID string, rc *runContext) {
	col := s.layout.Primary(store.EntityComment)
	_, err := s.store.Create(ctx, col, store.Record{
		"run_id":        runID,
		"comments":      []interface{}{},
		"createdAt":     s.now().UTC().Format(isoMillis),
		"runByUserId":   orUnknown(rc.actorID, unknownActor),
		"createdByName": orUnknown(rc.actorName, unknownActor),
	})
	if err != nil {
		s.log.Debug().Err(err).Str("run_id", runID).Msg("comment thread not seeded")
	}
}

// message returns the stored encoded message of a result, falling back to
// the archive.
func (s *Service) message(ctx context.Context, rec store.Record, runID string) (string, error) {
	if raw := rec.Str("hl7_raw", "raw_hl7"); raw != "" {
		return raw, nil
	}
	if s.archive != nil && runID != "" {
		data, _, err := s.archive.Get(ctx, blobstore.MessageKey(runID))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.log.Warn().Err(err).Str("run_id", runID).Msg("message archive read failed")
		}
	}
	return "", fmt.Errorf("run %s has no encoded message: %w", runID, ErrResultNotFound)
}

func orUnknown(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
