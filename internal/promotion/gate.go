// Package promotion gates the shadow→auto transition behind accuracy,
// sample and operator-approval criteria.
//
// Promotion is the only path by which automation scope expands, and it
// is always explicit and auditable: every approved transition produces
// an immutable PromotionDecision, and every refused attempt names the
// unmet criterion.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cadencelabs/autopath/internal/fault"
	"github.com/cadencelabs/autopath/internal/rule"
	"github.com/cadencelabs/autopath/internal/shadow"
	"github.com/cadencelabs/autopath/internal/telemetry"
)

// Result is the outcome of a promotion attempt.
type Result string

const (
	ResultApproved Result = "approved"
	ResultRejected Result = "rejected"
)

// Decision is the immutable record of one promotion attempt.
type Decision struct {
	ID                 string    `json:"id"`
	RuleID             string    `json:"rule_id"`
	RuleVersion        int       `json:"rule_version"`
	DecidedAt          time.Time `json:"decided_at"`
	OperatorID         string    `json:"operator_id"`
	AccuracyAtDecision float64   `json:"accuracy_at_decision"`
	SampleCount        int       `json:"sample_count"`
	Result             Result    `json:"result"`
	ApprovalToken      string    `json:"approval_token,omitempty"`
	Reason             string    `json:"reason,omitempty"`
}

// Store persists promotion decisions. Implemented by internal/store.
type Store interface {
	// InsertPromotionDecision appends a decision record; decisions are
	// never updated after insert.
	InsertPromotionDecision(ctx context.Context, d *Decision) error

	// ApprovalTokenUsed reports whether an approval token has already
	// been consumed by an approved promotion.
	ApprovalTokenUsed(ctx context.Context, token string) (bool, error)
}

// AccuracySource supplies rolling shadow accuracy per rule version.
// Implemented by the shadow evaluator.
type AccuracySource interface {
	Accuracy(ruleID string, version int) *shadow.Accuracy
}

// Config configures the gate.
type Config struct {
	// Threshold is the minimum rolling accuracy (default: 0.70).
	Threshold float64

	// MinSamples is the minimum resolved sample count (default: 5).
	MinSamples int
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() *Config {
	return &Config{Threshold: 0.70, MinSamples: 5}
}

// Gate serializes promotion per rule and applies the criteria.
type Gate struct {
	config   *Config
	registry *rule.Registry
	accuracy AccuracySource
	store    Store
	logger   *zap.Logger

	tracer          trace.Tracer
	decisionCounter metric.Int64Counter

	// locks holds one mutex per rule ID so promotions of different
	// rules never contend.
	locks sync.Map // string → *sync.Mutex
}

// NewGate creates a promotion gate.
func NewGate(cfg *Config, registry *rule.Registry, accuracy AccuracySource, store Store, logger *zap.Logger) (*Gate, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.70
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if accuracy == nil {
		return nil, errors.New("accuracy source is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		config:   cfg,
		registry: registry,
		accuracy: accuracy,
		store:    store,
		logger:   logger,
		tracer:   telemetry.Tracer("promotion"),
		decisionCounter: telemetry.Int64Counter(telemetry.Meter("promotion"), logger,
			"autopath.promotions.decisions_total", "Total promotion decisions", "{decision}"),
	}, nil
}

// Promote attempts the shadow→auto transition for a rule. On success it
// inserts a new rule version at auto mode, consumes the approval token
// and records an approved decision.
//
// Failures are explicit: unmet criteria return fault.PromotionViolation
// naming the criterion; racing attempts on the same rule yield exactly
// one approval, the loser gets fault.ConcurrencyConflict.
func (g *Gate) Promote(ctx context.Context, ruleID, operatorID, approvalToken string) (*Decision, error) {
	ctx, span := g.tracer.Start(ctx, "promotion.promote")
	defer span.End()
	span.SetAttributes(
		attribute.String("rule_id", ruleID),
		attribute.String("operator_id", operatorID),
	)

	mu := g.ruleLock(ruleID)
	mu.Lock()
	defer mu.Unlock()

	r, ok := g.registry.Snapshot().Rule(ruleID)
	if !ok {
		err := errors.New("rule not found: " + ruleID)
		span.RecordError(err)
		return nil, err
	}

	switch r.Mode {
	case rule.ModeAuto:
		// Another attempt already won the race.
		conflict := &fault.ConcurrencyConflict{
			RuleID:        ruleID,
			LatestVersion: r.Version,
			Detail:        "rule is already promoted",
		}
		span.RecordError(conflict)
		return nil, conflict
	case rule.ModeDisabled:
		return nil, g.reject(ctx, span, r, operatorID, nil, "mode", "rule is disabled")
	}

	acc := g.accuracy.Accuracy(ruleID, r.Version)

	if acc.SampleCount < g.config.MinSamples {
		return nil, g.reject(ctx, span, r, operatorID, acc, "sample_count",
			fmt.Sprintf("have %d resolved samples, need %d", acc.SampleCount, g.config.MinSamples))
	}
	if acc.Accuracy < g.config.Threshold {
		return nil, g.reject(ctx, span, r, operatorID, acc, "accuracy",
			fmt.Sprintf("rolling accuracy %.2f below threshold %.2f", acc.Accuracy, g.config.Threshold))
	}
	if approvalToken == "" {
		return nil, g.reject(ctx, span, r, operatorID, acc, "approval", "approval token is required")
	}
	used, err := g.store.ApprovalTokenUsed(ctx, approvalToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if used {
		return nil, g.reject(ctx, span, r, operatorID, acc, "approval", "approval token already consumed")
	}

	promoted := r.Clone()
	promoted.Version = r.Version + 1
	promoted.Mode = rule.ModeAuto
	promoted.CreatedAt = time.Now().UTC()

	if err := g.registry.Insert(ctx, promoted); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	d := &Decision{
		ID:                 uuid.New().String(),
		RuleID:             ruleID,
		RuleVersion:        r.Version,
		DecidedAt:          time.Now().UTC(),
		OperatorID:         operatorID,
		AccuracyAtDecision: acc.Accuracy,
		SampleCount:        acc.SampleCount,
		Result:             ResultApproved,
		ApprovalToken:      approvalToken,
	}
	if err := g.store.InsertPromotionDecision(ctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if g.decisionCounter != nil {
		g.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", string(ResultApproved)),
		))
	}
	g.logger.Info("promoted rule to auto",
		zap.String("rule_id", ruleID),
		zap.Int("shadow_version", r.Version),
		zap.Int("auto_version", promoted.Version),
		zap.Float64("accuracy", acc.Accuracy),
		zap.Int("sample_count", acc.SampleCount),
		zap.String("operator_id", operatorID))

	return d, nil
}

// reject records a rejected decision for the audit trail and returns
// the violation naming the unmet criterion.
func (g *Gate) reject(ctx context.Context, span trace.Span, r *rule.Rule, operatorID string, acc *shadow.Accuracy, criterion, detail string) error {
	d := &Decision{
		ID:          uuid.New().String(),
		RuleID:      r.ID,
		RuleVersion: r.Version,
		DecidedAt:   time.Now().UTC(),
		OperatorID:  operatorID,
		Result:      ResultRejected,
		Reason:      criterion + ": " + detail,
	}
	if acc != nil {
		d.AccuracyAtDecision = acc.Accuracy
		d.SampleCount = acc.SampleCount
	}
	if err := g.store.InsertPromotionDecision(ctx, d); err != nil {
		g.logger.Error("failed to record rejected decision",
			zap.String("rule_id", r.ID),
			zap.Error(err))
	}

	if g.decisionCounter != nil {
		g.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", string(ResultRejected)),
			attribute.String("criterion", criterion),
		))
	}

	violation := &fault.PromotionViolation{
		RuleID:    r.ID,
		Criterion: criterion,
		Detail:    detail,
	}
	span.RecordError(violation)
	g.logger.Warn("promotion rejected",
		zap.String("rule_id", r.ID),
		zap.String("criterion", criterion),
		zap.String("detail", detail))
	return violation
}

func (g *Gate) ruleLock(ruleID string) *sync.Mutex {
	mu, _ := g.locks.LoadOrStore(ruleID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
