// Package executor runs promoted rules against qualifying facts under
// cooldown, rate-cap and timeout constraints, closing the feedback loop
// by writing results back as facts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cadencelabs/autopath/internal/fact"
	"github.com/cadencelabs/autopath/internal/fault"
	"github.com/cadencelabs/autopath/internal/intervention"
	"github.com/cadencelabs/autopath/internal/rule"
	"github.com/cadencelabs/autopath/internal/telemetry"
)

// ExecutedFactType is the fact type written back after a successful
// dispatch, feeding the mined history.
const ExecutedFactType = "action.executed"

// SystemActorID is the actor recorded on auto-mode interventions.
const SystemActorID = "autopath"

// Store persists execution records and escalations. Implemented by
// internal/store.
type Store interface {
	// InsertExecution appends an execution record.
	InsertExecution(ctx context.Context, r *ExecutionRecord) error

	// LastSuccessfulExecution returns the dispatch time of the most
	// recent successful execution for (entity, rule), or nil.
	LastSuccessfulExecution(ctx context.Context, entityID, ruleID string) (*time.Time, error)

	// InsertEscalation appends an operator-visible escalation.
	InsertEscalation(ctx context.Context, e *Escalation) error
}

// FactWriter appends the result fact after a successful dispatch.
// Satisfied by *fact.Service.
type FactWriter interface {
	Append(ctx context.Context, req *fact.AppendRequest) (string, error)
}

// InterventionWriter records the auto-mode intervention for a
// successful dispatch so the path extractor sees automated actions too.
// Satisfied by *intervention.Service.
type InterventionWriter interface {
	Record(ctx context.Context, req *intervention.RecordRequest) (string, error)
}

// EscalationPublisher pushes escalations onto the operator queue.
type EscalationPublisher interface {
	PublishEscalation(ctx context.Context, e *Escalation) error
}

// Config configures the executor.
type Config struct {
	// CooldownWindow is the minimum interval between successful
	// executions for the same (entity, rule) (default: 168h).
	CooldownWindow time.Duration

	// DailyRateCap is the maximum dispatches per rule per day
	// (default: 10).
	DailyRateCap int

	// DispatchTimeout bounds each dispatch attempt (default: 10s).
	DispatchTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt
	// (default: 3).
	MaxRetries int

	// RetryBackoffBase is the first retry delay; it doubles per
	// attempt (default: 500ms).
	RetryBackoffBase time.Duration
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() *Config {
	return &Config{
		CooldownWindow:   168 * time.Hour,
		DailyRateCap:     10,
		DispatchTimeout:  10 * time.Second,
		MaxRetries:       3,
		RetryBackoffBase: 500 * time.Millisecond,
	}
}

// Executor evaluates auto-mode rules against incoming facts.
type Executor struct {
	config        *Config
	registry      *rule.Registry
	dispatcher    Dispatcher
	store         Store
	facts         FactWriter
	interventions InterventionWriter
	escalations   EscalationPublisher
	logger        *zap.Logger

	tracer            trace.Tracer
	dispatchCounter   metric.Int64Counter
	suppressedCounter metric.Int64Counter

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // rule_id → daily cap limiter

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// NewExecutor creates an auto executor. The intervention writer and
// escalation publisher may be nil.
func NewExecutor(cfg *Config, registry *rule.Registry, dispatcher Dispatcher, store Store, facts FactWriter, interventions InterventionWriter, escalations EscalationPublisher, logger *zap.Logger) (*Executor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = 168 * time.Hour
	}
	if cfg.DailyRateCap <= 0 {
		cfg.DailyRateCap = 10
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 500 * time.Millisecond
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if facts == nil {
		return nil, errors.New("fact writer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := telemetry.Meter("executor")
	return &Executor{
		config:        cfg,
		registry:      registry,
		dispatcher:    dispatcher,
		store:         store,
		facts:         facts,
		interventions: interventions,
		escalations:   escalations,
		logger:        logger,
		tracer:        telemetry.Tracer("executor"),
		dispatchCounter: telemetry.Int64Counter(meter, logger,
			"autopath.executions.dispatches_total", "Total auto dispatches by status", "{dispatch}"),
		suppressedCounter: telemetry.Int64Counter(meter, logger,
			"autopath.executions.suppressed_total", "Dispatches suppressed by cooldown, rate cap or mode", "{dispatch}"),
		limiters: make(map[string]*rate.Limiter),
		sleep:    sleepCtx,
	}, nil
}

// HandleFact evaluates a fact against every auto-mode rule in the
// snapshot. Rules are isolated: one rule's dispatch failure never
// blocks evaluation of the others.
func (e *Executor) HandleFact(ctx context.Context, f *fact.Fact, snap *rule.Snapshot) {
	ctx, span := e.tracer.Start(ctx, "executor.handle_fact")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_id", f.EntityID),
		attribute.String("fact_type", f.FactType),
	)

	for _, r := range snap.ByTrigger(f.FactType) {
		if r.Mode != rule.ModeAuto {
			continue
		}
		if !r.Matches(f.FactType, f.Payload) {
			continue
		}
		if err := e.execute(ctx, r, f); err != nil {
			e.logger.Error("auto execution failed",
				zap.String("rule_id", r.ID),
				zap.Int("rule_version", r.Version),
				zap.String("entity_id", f.EntityID),
				zap.Error(err))
		}
	}
}

// execute runs one rule against one fact through the full safety chain:
// cooldown, rate cap, last-instant mode check, bounded dispatch.
func (e *Executor) execute(ctx context.Context, r *rule.Rule, f *fact.Fact) error {
	last, err := e.store.LastSuccessfulExecution(ctx, f.EntityID, r.ID)
	if err != nil {
		return fmt.Errorf("cooldown check failed: %w", err)
	}
	if last != nil && time.Since(*last) < e.config.CooldownWindow {
		e.suppress(ctx, r, f, "cooldown")
		return nil
	}

	if !e.limiter(r.ID).Allow() {
		e.suppress(ctx, r, f, "rate_cap")
		return nil
	}

	// Disabled always wins: re-read the latest snapshot at the last
	// possible instant before dispatch.
	current, ok := e.registry.Snapshot().Rule(r.ID)
	if !ok || current.Mode != rule.ModeAuto {
		e.suppress(ctx, r, f, "mode")
		return nil
	}

	params := map[string]any{
		"fact_id":      f.ID,
		"fact_type":    f.FactType,
		"rule_id":      r.ID,
		"rule_version": r.Version,
	}

	result, attempts, dispatchErr := e.dispatchWithRetry(ctx, r, f, params)
	now := time.Now().UTC()

	if dispatchErr != nil {
		rec := &ExecutionRecord{
			ID:           uuid.New().String(),
			RuleID:       r.ID,
			RuleVersion:  r.Version,
			EntityID:     f.EntityID,
			ActionCode:   r.ActionCode,
			DispatchedAt: now,
			Status:       StatusFailed,
			Attempts:     attempts,
			Error:        dispatchErr.Error(),
		}
		if err := e.store.InsertExecution(ctx, rec); err != nil {
			e.logger.Error("failed to record failed execution", zap.Error(err))
		}
		e.escalate(ctx, r, f, dispatchErr)
		if e.dispatchCounter != nil {
			e.dispatchCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", string(StatusFailed)),
				attribute.String("rule_id", r.ID),
			))
		}
		return dispatchErr
	}

	rec := &ExecutionRecord{
		ID:           uuid.New().String(),
		RuleID:       r.ID,
		RuleVersion:  r.Version,
		EntityID:     f.EntityID,
		ActionCode:   r.ActionCode,
		DispatchedAt: now,
		ExternalRef:  result.ExternalRef,
		Status:       StatusSuccess,
		Attempts:     attempts,
	}
	if err := e.store.InsertExecution(ctx, rec); err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}

	if e.dispatchCounter != nil {
		e.dispatchCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(StatusSuccess)),
			attribute.String("rule_id", r.ID),
		))
	}
	e.logger.Info("dispatched auto action",
		zap.String("execution_id", rec.ID),
		zap.String("rule_id", r.ID),
		zap.Int("rule_version", r.Version),
		zap.String("entity_id", f.EntityID),
		zap.String("action_code", r.ActionCode),
		zap.Int("attempts", attempts))

	// Close the feedback loop: the executed action becomes a new fact
	// and an auto-mode intervention for future mining.
	if _, err := e.facts.Append(ctx, &fact.AppendRequest{
		EntityID: f.EntityID,
		FactType: ExecutedFactType,
		Payload: map[string]any{
			"action_code":  r.ActionCode,
			"rule_id":      r.ID,
			"rule_version": r.Version,
			"execution_id": rec.ID,
		},
		ExternalRef: rec.ID,
		Timestamp:   now,
	}); err != nil {
		e.logger.Error("failed to write execution fact",
			zap.String("execution_id", rec.ID),
			zap.Error(err))
	}

	if e.interventions != nil {
		if _, err := e.interventions.Record(ctx, &intervention.RecordRequest{
			EntityID:        f.EntityID,
			ActorID:         SystemActorID,
			ActionCode:      r.ActionCode,
			Mode:            intervention.ModeAuto,
			ContextSnapshot: map[string]any{"fact_id": f.ID, "fact_type": f.FactType},
			RuleID:          r.ID,
			RuleVersion:     r.Version,
		}); err != nil {
			e.logger.Error("failed to record auto intervention",
				zap.String("execution_id", rec.ID),
				zap.Error(err))
		}
	}

	return nil
}

// dispatchWithRetry calls the boundary with a bounded per-attempt
// timeout, retrying with exponential backoff up to the cap.
func (e *Executor) dispatchWithRetry(ctx context.Context, r *rule.Rule, f *fact.Fact, params map[string]any) (*DispatchResult, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.config.RetryBackoffBase << (attempt - 1)
			if err := e.sleep(ctx, backoff); err != nil {
				return nil, attempts, &fault.DispatchError{
					ActionCode: r.ActionCode, EntityID: f.EntityID, Attempts: attempts, Err: err,
				}
			}
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, e.config.DispatchTimeout)
		result, err := e.dispatcher.Dispatch(attemptCtx, r.ActionCode, f.EntityID, params)
		cancel()

		if err == nil && result != nil && result.Status == "success" {
			return result, attempts, nil
		}
		if err == nil {
			err = fmt.Errorf("dispatch returned status %q", resultStatus(result))
		}
		lastErr = err
		e.logger.Warn("dispatch attempt failed",
			zap.String("rule_id", r.ID),
			zap.String("entity_id", f.EntityID),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	return nil, attempts, &fault.DispatchError{
		ActionCode: r.ActionCode,
		EntityID:   f.EntityID,
		Attempts:   attempts,
		Err:        lastErr,
	}
}

// escalate records and publishes an operator-visible escalation.
func (e *Executor) escalate(ctx context.Context, r *rule.Rule, f *fact.Fact, cause error) {
	esc := &Escalation{
		ID:          uuid.New().String(),
		RuleID:      r.ID,
		RuleVersion: r.Version,
		EntityID:    f.EntityID,
		ActionCode:  r.ActionCode,
		Reason:      cause.Error(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.InsertEscalation(ctx, esc); err != nil {
		e.logger.Error("failed to record escalation", zap.Error(err))
	}
	if e.escalations != nil {
		if err := e.escalations.PublishEscalation(ctx, esc); err != nil {
			e.logger.Error("failed to publish escalation", zap.Error(err))
		}
	}
	e.logger.Warn("escalated failed execution",
		zap.String("escalation_id", esc.ID),
		zap.String("rule_id", r.ID),
		zap.String("entity_id", f.EntityID))
}

func (e *Executor) suppress(ctx context.Context, r *rule.Rule, f *fact.Fact, reason string) {
	if e.suppressedCounter != nil {
		e.suppressedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.String("rule_id", r.ID),
		))
	}
	e.logger.Debug("suppressed dispatch",
		zap.String("rule_id", r.ID),
		zap.String("entity_id", f.EntityID),
		zap.String("reason", reason))
}

// limiter returns the per-rule daily rate limiter, spreading the cap
// evenly across the day with a full-cap burst.
func (e *Executor) limiter(ruleID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[ruleID]
	if !ok {
		interval := 24 * time.Hour / time.Duration(e.config.DailyRateCap)
		l = rate.NewLimiter(rate.Every(interval), e.config.DailyRateCap)
		e.limiters[ruleID] = l
	}
	return l
}

func resultStatus(r *DispatchResult) string {
	if r == nil {
		return "nil"
	}
	return r.Status
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
