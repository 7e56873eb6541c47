// Package intervention records operator and automated actions together
// with their asynchronously attached outcomes.
package intervention

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cadencelabs/autopath/internal/fault"
	"github.com/cadencelabs/autopath/internal/telemetry"
)

// Store persists intervention records. Implemented by internal/store.
type Store interface {
	// InsertIntervention stores a new record with no outcome.
	InsertIntervention(ctx context.Context, r *Record) error

	// GetIntervention returns a record by ID, or nil when absent.
	GetIntervention(ctx context.Context, id string) (*Record, error)

	// SetOutcome attaches an outcome iff none is set. Returns the
	// previously stored outcome when one already exists.
	SetOutcome(ctx context.Context, id, outcome string, at time.Time) (applied bool, existing string, err error)
}

// Publisher fans recorded interventions out to the shadow evaluator.
type Publisher interface {
	PublishIntervention(ctx context.Context, r *Record) error
}

// Service is the intervention recorder.
type Service struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger

	tracer         trace.Tracer
	recordCounter  metric.Int64Counter
	outcomeCounter metric.Int64Counter
}

// NewService creates an intervention recorder. The publisher may be nil.
func NewService(store Store, publisher Publisher, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := telemetry.Meter("intervention")
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		tracer:    telemetry.Tracer("intervention"),
		recordCounter: telemetry.Int64Counter(meter, logger,
			"autopath.interventions.recorded_total", "Total interventions recorded", "{record}"),
		outcomeCounter: telemetry.Int64Counter(meter, logger,
			"autopath.interventions.outcomes_total", "Total outcomes attached", "{outcome}"),
	}, nil
}

// Record validates and stores an intervention with no outcome. The new
// record becomes visible to the path extractor on its next cycle.
func (s *Service) Record(ctx context.Context, req *RecordRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "intervention.record")
	defer span.End()

	if err := validateRequest(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("rejected intervention",
			zap.String("entity_id", req.EntityID),
			zap.String("action_code", req.ActionCode),
			zap.Error(err))
		return "", err
	}

	r := &Record{
		ID:              uuid.New().String(),
		EntityID:        req.EntityID,
		ActorID:         req.ActorID,
		ActionCode:      req.ActionCode,
		Mode:            req.Mode,
		ContextSnapshot: req.ContextSnapshot,
		RuleID:          req.RuleID,
		RuleVersion:     req.RuleVersion,
		RecordedAt:      time.Now().UTC(),
	}

	if err := s.store.InsertIntervention(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if s.recordCounter != nil {
		s.recordCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", string(r.Mode)),
			attribute.String("action_code", r.ActionCode),
		))
	}

	if s.publisher != nil {
		if err := s.publisher.PublishIntervention(ctx, r); err != nil {
			s.logger.Error("failed to publish intervention",
				zap.String("intervention_id", r.ID),
				zap.Error(err))
		}
	}

	s.logger.Info("recorded intervention",
		zap.String("intervention_id", r.ID),
		zap.String("entity_id", r.EntityID),
		zap.String("action_code", r.ActionCode),
		zap.String("mode", string(r.Mode)))

	span.SetAttributes(attribute.String("intervention_id", r.ID))
	return r.ID, nil
}

// AttachOutcome attaches an outcome to an intervention. Callable at most
// once per record: a second call with the same outcome is an idempotent
// no-op, a second call with a different outcome fails with
// fault.ConcurrencyConflict.
func (s *Service) AttachOutcome(ctx context.Context, interventionID, outcome string, at time.Time) error {
	ctx, span := s.tracer.Start(ctx, "intervention.attach_outcome")
	defer span.End()

	if interventionID == "" {
		return fault.NewIngestion("intervention_id", "must not be empty")
	}
	if outcome == "" {
		return fault.NewIngestion("outcome", "must not be empty")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	applied, existing, err := s.store.SetOutcome(ctx, interventionID, outcome, at)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !applied {
		if existing == outcome {
			s.logger.Debug("idempotent outcome re-attach",
				zap.String("intervention_id", interventionID),
				zap.String("outcome", outcome))
			return nil
		}
		conflict := &fault.ConcurrencyConflict{
			Detail: "outcome already attached to intervention " + interventionID,
		}
		span.RecordError(conflict)
		return conflict
	}

	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
	}

	s.logger.Info("attached outcome",
		zap.String("intervention_id", interventionID),
		zap.String("outcome", outcome))

	return nil
}

// Get returns an intervention by ID.
func (s *Service) Get(ctx context.Context, interventionID string) (*Record, error) {
	r, err := s.store.GetIntervention(ctx, interventionID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.New("intervention not found: " + interventionID)
	}
	return r, nil
}

func validateRequest(req *RecordRequest) error {
	if req == nil {
		return fault.NewIngestion("request", "must not be nil")
	}
	if req.EntityID == "" {
		return fault.NewIngestion("entity_id", "must not be empty")
	}
	if req.ActorID == "" {
		return fault.NewIngestion("actor_id", "must not be empty")
	}
	if req.ActionCode == "" {
		return fault.NewIngestion("action_code", "must not be empty")
	}
	switch req.Mode {
	case ModeManual:
	case ModeAuto:
		if req.RuleID == "" || req.RuleVersion == 0 {
			return fault.NewIngestion("rule_id", "auto interventions must reference a rule and version")
		}
	default:
		return fault.NewIngestion("mode", "must be manual or auto")
	}
	return nil
}
