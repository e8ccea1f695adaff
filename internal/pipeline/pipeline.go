// Package pipeline runs a claim through the ordered stage chain and folds the
// reports into an assessment result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/claimledger/internal/model"
)

// ErrStagePanic marks a run that ended because a stage panicked
var ErrStagePanic = errors.New("stage panicked")

// Executor runs stages strictly in order, one at a time per claim
type Executor struct {
	stages     []Stage
	observer   Observer
	logger     *zap.Logger
	tracer     trace.Tracer
	runTimeout time.Duration
	now        func() time.Time
}

// Option configures an Executor
type Option func(*Executor)

// WithObserver publishes progress events to o
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRunTimeout bounds a whole run. Zero means no deadline beyond the caller's.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Executor) { e.runTimeout = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor over the given stage list
func NewExecutor(stages []Stage, opts ...Option) *Executor {
	e := &Executor{
		stages:   stages,
		observer: nopObserver{},
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/ppiankov/claimledger/internal/pipeline"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stages returns the configured stage names in order
func (e *Executor) Stages() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name()
	}
	return names
}

// Run processes req through every stage and returns the aggregated result.
// A stage panic or the run deadline ends the run with a terminal result that
// keeps the reports collected so far.
func (e *Executor) Run(ctx context.Context, req model.ClaimRequest) model.AssessmentResult {
	start := e.now()
	runID := uuid.NewString()
	st := NewState(req, runID)
	log := e.logger.With(zap.String("claim_id", req.ID), zap.String("run_id", runID))

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "claim.process", trace.WithAttributes(
		attribute.String("claim.id", req.ID),
		attribute.String("claim.category", string(req.Category)),
		attribute.String("run.id", runID),
	))
	defer span.End()

	log.Info("processing claim", zap.Int("stages", len(e.stages)))

	for _, stage := range e.stages {
		// 1. Deadline check between stages
		if err := ctx.Err(); err != nil {
			cause := fmt.Errorf("run aborted before %s: %w", stage.Name(), err)
			return e.fault(st, start, span, log, cause)
		}

		// 2. Run the stage, converting an escaped panic into a fault
		report, err := e.runStage(ctx, st, stage)
		if err != nil {
			return e.fault(st, start, span, log, err)
		}

		// 3. Attach the report (write-once) and apply derived updates
		if err := st.AddReport(report); err != nil {
			return e.fault(st, start, span, log, err)
		}
	}

	res := Aggregate(st, e.now().Sub(start))
	span.SetAttributes(
		attribute.Float64("claim.confidence", res.ConfidenceScore),
		attribute.Int("claim.risk", res.RiskScore),
		attribute.Bool("claim.review", res.RequiresHumanReview),
	)
	log.Info("claim processed",
		zap.Float64("confidence", res.ConfidenceScore),
		zap.Int("risk", res.RiskScore),
		zap.Bool("requires_review", res.RequiresHumanReview),
		zap.String("tx_hash", res.Metadata.TxRef),
		zap.Duration("elapsed", res.ProcessingTime))
	e.observer.Publish(Event{
		ClaimID:    req.ID,
		RunID:      runID,
		Type:       EventComplete,
		Confidence: res.ConfidenceScore / 100,
		Message:    fmt.Sprintf("risk %d, recommended %.2f", res.RiskScore, res.RecommendedAmount),
		At:         e.now(),
	})
	return res
}

func (e *Executor) runStage(ctx context.Context, st *State, stage Stage) (report model.Report, err error) {
	name := stage.Name()
	ctx, span := e.tracer.Start(ctx, "stage."+name, trace.WithAttributes(attribute.String("stage", name)))
	defer span.End()

	e.observer.Publish(Event{ClaimID: st.Request.ID, RunID: st.RunID, Type: EventStageStart, Stage: name, At: e.now()})
	started := e.now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrStagePanic, name, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			e.logger.Error("stage panicked",
				zap.String("claim_id", st.Request.ID),
				zap.String("stage", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	report = stage.Process(ctx, st)
	if report.Stage == "" {
		report.Stage = name
	}
	if report.Duration == 0 {
		report.Duration = e.now().Sub(started)
	}

	span.SetAttributes(attribute.Float64("stage.confidence", report.Confidence))
	e.logger.Debug("stage finished",
		zap.String("claim_id", st.Request.ID),
		zap.String("stage", name),
		zap.Float64("confidence", report.Confidence),
		zap.Duration("elapsed", report.Duration))
	e.observer.Publish(Event{
		ClaimID:    st.Request.ID,
		RunID:      st.RunID,
		Type:       EventStageEnd,
		Stage:      name,
		Confidence: report.Confidence,
		Message:    report.Summary,
		At:         e.now(),
	})
	return report, nil
}

func (e *Executor) fault(st *State, start time.Time, span trace.Span, log *zap.Logger, cause error) model.AssessmentResult {
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	log.Error("claim run aborted", zap.Error(cause), zap.Strings("completed", st.Stages()))

	res := Fault(st, e.now().Sub(start), cause)
	e.observer.Publish(Event{
		ClaimID: st.Request.ID,
		RunID:   st.RunID,
		Type:    EventError,
		Message: cause.Error(),
		At:      e.now(),
	})
	return res
}
