// Package fact implements the append-only fact store at the head of the
// autopath pipeline.
package fact

import (
	"context"
	"errors"
	"strings"
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

const maxIdentifierLen = 256

// Store persists facts. Implemented by internal/store.
type Store interface {
	// AppendFact inserts a fact. When the (entity_id, fact_type,
	// external_ref) triple already exists, it returns the existing
	// fact's ID with created=false and writes nothing.
	AppendFact(ctx context.Context, f *Fact) (id string, created bool, err error)

	// ListFacts returns all facts for an entity in append order.
	ListFacts(ctx context.Context, entityID string) ([]*Fact, error)
}

// Publisher fans accepted facts out to the evaluation pipeline.
type Publisher interface {
	PublishFact(ctx context.Context, f *Fact) error
}

// Service is the fact ingestion service.
type Service struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger

	tracer        trace.Tracer
	ingestCounter metric.Int64Counter
	dupCounter    metric.Int64Counter
}

// NewService creates a fact service. The publisher may be nil when
// running without an event bus (tests, batch tools).
func NewService(store Store, publisher Publisher, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := telemetry.Meter("fact")
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		tracer:    telemetry.Tracer("fact"),
		ingestCounter: telemetry.Int64Counter(meter, logger,
			"autopath.facts.ingested_total", "Total facts accepted", "{fact}"),
		dupCounter: telemetry.Int64Counter(meter, logger,
			"autopath.facts.duplicates_total", "Total idempotent duplicate submissions", "{fact}"),
	}, nil
}

// Append validates and stores a fact, returning its ID. Re-submitting an
// identical (entity_id, fact_type, external_ref) triple returns the
// existing fact's ID without creating a new row.
//
// Malformed requests fail with fault.IngestionError; the record is
// rejected and surfaced, never silently dropped.
func (s *Service) Append(ctx context.Context, req *AppendRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "fact.append")
	defer span.End()

	if err := validateRequest(req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("rejected fact",
			zap.String("entity_id", req.EntityID),
			zap.String("fact_type", req.FactType),
			zap.Error(err))
		return "", err
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	f := &Fact{
		ID:          uuid.New().String(),
		EntityID:    req.EntityID,
		FactType:    req.FactType,
		Payload:     req.Payload,
		ExternalRef: req.ExternalRef,
		Timestamp:   ts,
	}

	id, created, err := s.store.AppendFact(ctx, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(
		attribute.String("fact_id", id),
		attribute.Bool("created", created),
	)

	if !created {
		if s.dupCounter != nil {
			s.dupCounter.Add(ctx, 1)
		}
		s.logger.Debug("duplicate fact submission",
			zap.String("fact_id", id),
			zap.String("entity_id", req.EntityID),
			zap.String("external_ref", req.ExternalRef))
		return id, nil
	}

	if s.ingestCounter != nil {
		s.ingestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("fact_type", f.FactType),
		))
	}

	if s.publisher != nil {
		f.ID = id
		if err := s.publisher.PublishFact(ctx, f); err != nil {
			// The fact is durably stored; evaluation catches up on the
			// next matching event. Log and keep serving.
			s.logger.Error("failed to publish fact",
				zap.String("fact_id", id),
				zap.Error(err))
		}
	}

	s.logger.Info("appended fact",
		zap.String("fact_id", id),
		zap.String("entity_id", f.EntityID),
		zap.String("fact_type", f.FactType))

	return id, nil
}

// Read returns all facts for an entity in append order. The result is a
// finite snapshot; callers re-read to observe later appends.
func (s *Service) Read(ctx context.Context, entityID string) ([]*Fact, error) {
	ctx, span := s.tracer.Start(ctx, "fact.read")
	defer span.End()

	if entityID == "" {
		err := fault.NewIngestion("entity_id", "must not be empty")
		span.RecordError(err)
		return nil, err
	}

	facts, err := s.store.ListFacts(ctx, entityID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("fact_count", len(facts)))
	return facts, nil
}

func validateRequest(req *AppendRequest) error {
	if req == nil {
		return fault.NewIngestion("request", "must not be nil")
	}
	if err := validateIdentifier("entity_id", req.EntityID); err != nil {
		return err
	}
	return validateIdentifier("fact_type", req.FactType)
}

func validateIdentifier(field, value string) error {
	if value == "" {
		return fault.NewIngestion(field, "must not be empty")
	}
	if len(value) > maxIdentifierLen {
		return fault.NewIngestion(field, "exceeds maximum length")
	}
	if strings.TrimSpace(value) != value {
		return fault.NewIngestion(field, "must not have leading or trailing whitespace")
	}
	return nil
}
