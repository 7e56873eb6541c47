// Package shadow trials rules against live traffic without executing
// anything, pairing proposals with subsequent interventions to compute
// rolling accuracy.
package shadow

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

	"github.com/cadencelabs/autopath/internal/fact"
	"github.com/cadencelabs/autopath/internal/intervention"
	"github.com/cadencelabs/autopath/internal/rule"
	"github.com/cadencelabs/autopath/internal/telemetry"
)

// Store persists shadow observations. Implemented by internal/store.
type Store interface {
	// InsertShadowObservation stores a pending observation.
	InsertShadowObservation(ctx context.Context, o *Observation) error

	// ResolveShadowObservation patches the result of one observation.
	// Called at most once per observation.
	ResolveShadowObservation(ctx context.Context, id string, result MatchResult, matchedInterventionID string) error

	// ListPendingShadowObservations returns all unresolved
	// observations, used to rebuild state at startup.
	ListPendingShadowObservations(ctx context.Context) ([]*Observation, error)

	// ListResolvedShadowObservations returns the most recent resolved
	// observations for a rule version, newest first, limited.
	ListResolvedShadowObservations(ctx context.Context, ruleID string, version, limit int) ([]*Observation, error)
}

// Config configures the evaluator.
type Config struct {
	// MatchWindow is how long after a proposal a qualifying
	// intervention may arrive (default: 48h).
	MatchWindow time.Duration

	// GraceWindow is how long a proposal stays pending before it ages
	// out as unknown (default: 720h).
	GraceWindow time.Duration

	// RollingWindow is the number of recent resolved observations the
	// accuracy is computed over (default: 20).
	RollingWindow int
}

// DefaultConfig returns the evaluator defaults.
func DefaultConfig() *Config {
	return &Config{
		MatchWindow:   48 * time.Hour,
		GraceWindow:   720 * time.Hour,
		RollingWindow: 20,
	}
}

type versionKey struct {
	ruleID  string
	version int
}

// Evaluator is the shadow-mode state machine. It logs proposals for
// matching facts and independently watches interventions to resolve
// them; it never dispatches.
type Evaluator struct {
	config *Config
	store  Store
	logger *zap.Logger

	tracer          trace.Tracer
	proposalCounter metric.Int64Counter
	resolveCounter  metric.Int64Counter

	mu       sync.Mutex
	pending  map[string][]*Observation       // entity_id → open proposals
	resolved map[versionKey][]MatchResult    // rolling window per rule version
	unknowns map[versionKey]int
}

// NewEvaluator creates a shadow evaluator.
func NewEvaluator(cfg *Config, store Store, logger *zap.Logger) (*Evaluator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = 48 * time.Hour
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 720 * time.Hour
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 20
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := telemetry.Meter("shadow")
	return &Evaluator{
		config: cfg,
		store:  store,
		logger: logger,
		tracer: telemetry.Tracer("shadow"),
		proposalCounter: telemetry.Int64Counter(meter, logger,
			"autopath.shadow.proposals_total", "Total shadow proposals logged", "{proposal}"),
		resolveCounter: telemetry.Int64Counter(meter, logger,
			"autopath.shadow.resolutions_total", "Total shadow proposals resolved", "{resolution}"),
		pending:  make(map[string][]*Observation),
		resolved: make(map[versionKey][]MatchResult),
		unknowns: make(map[versionKey]int),
	}, nil
}

// Load rebuilds pending proposals and per-version rolling windows from
// the store. Called once at startup, after the rule registry loads.
func (e *Evaluator) Load(ctx context.Context, snap *rule.Snapshot) error {
	open, err := e.store.ListPendingShadowObservations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending observations: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range open {
		e.pending[o.EntityID] = append(e.pending[o.EntityID], o)
	}

	for _, r := range snap.All() {
		recent, err := e.store.ListResolvedShadowObservations(ctx, r.ID, r.Version, e.config.RollingWindow)
		if err != nil {
			return fmt.Errorf("failed to load resolved observations for rule %s: %w", r.ID, err)
		}
		key := versionKey{r.ID, r.Version}
		// Store returns newest first; the rolling window appends in
		// arrival order.
		for i := len(recent) - 1; i >= 0; i-- {
			switch recent[i].MatchResult {
			case ResultMatch, ResultMismatch:
				e.resolved[key] = append(e.resolved[key], recent[i].MatchResult)
			case ResultUnknown:
				e.unknowns[key]++
			}
		}
	}

	e.logger.Info("loaded shadow state", zap.Int("pending", len(open)))
	return nil
}

// Observe evaluates a fact against every shadow-mode rule in the
// snapshot and logs a proposal for each match. This is a log-only side
// effect: nothing is dispatched.
func (e *Evaluator) Observe(ctx context.Context, f *fact.Fact, snap *rule.Snapshot) ([]*Observation, error) {
	ctx, span := e.tracer.Start(ctx, "shadow.observe")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_id", f.EntityID),
		attribute.String("fact_type", f.FactType),
	)

	var out []*Observation
	for _, r := range snap.ByTrigger(f.FactType) {
		if r.Mode != rule.ModeShadow {
			continue
		}
		if !r.Matches(f.FactType, f.Payload) {
			continue
		}

		o := &Observation{
			ID:             uuid.New().String(),
			RuleID:         r.ID,
			RuleVersion:    r.Version,
			EntityID:       f.EntityID,
			ProposedAction: r.ActionCode,
			ProposedAt:     f.Timestamp,
			MatchResult:    ResultPending,
		}

		// One rule's storage failure must not block proposals from
		// other rules on the same fact.
		if err := e.store.InsertShadowObservation(ctx, o); err != nil {
			e.logger.Error("failed to persist shadow observation",
				zap.String("rule_id", r.ID),
				zap.Error(err))
			continue
		}

		e.mu.Lock()
		e.pending[o.EntityID] = append(e.pending[o.EntityID], o)
		e.mu.Unlock()

		if e.proposalCounter != nil {
			e.proposalCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("rule_id", r.ID),
			))
		}
		e.logger.Debug("shadow proposal",
			zap.String("observation_id", o.ID),
			zap.String("rule_id", r.ID),
			zap.Int("rule_version", r.Version),
			zap.String("entity_id", f.EntityID),
			zap.String("proposed_action", r.ActionCode))

		out = append(out, o)
	}

	span.SetAttributes(attribute.Int("proposal_count", len(out)))
	return out, nil
}

// MatchIntervention pairs an observed intervention with any open
// proposals for the same entity inside the match window. Same action
// category resolves match; a different category resolves mismatch.
func (e *Evaluator) MatchIntervention(ctx context.Context, rec *intervention.Record) {
	ctx, span := e.tracer.Start(ctx, "shadow.match_intervention")
	defer span.End()

	category := ActionCategory(rec.ActionCode)

	e.mu.Lock()
	open := e.pending[rec.EntityID]
	var remaining []*Observation
	var toResolve []*Observation
	var results []MatchResult

	for _, o := range open {
		elapsed := rec.RecordedAt.Sub(o.ProposedAt)
		if elapsed < 0 || elapsed > e.config.MatchWindow {
			remaining = append(remaining, o)
			continue
		}
		result := ResultMismatch
		if ActionCategory(o.ProposedAction) == category {
			result = ResultMatch
		}
		o.MatchResult = result
		o.MatchedInterventionID = rec.ID
		toResolve = append(toResolve, o)
		results = append(results, result)
		e.pushResult(versionKey{o.RuleID, o.RuleVersion}, result)
	}
	if remaining == nil {
		delete(e.pending, rec.EntityID)
	} else {
		e.pending[rec.EntityID] = remaining
	}
	e.mu.Unlock()

	for i, o := range toResolve {
		if err := e.store.ResolveShadowObservation(ctx, o.ID, results[i], rec.ID); err != nil {
			e.logger.Error("failed to persist shadow resolution",
				zap.String("observation_id", o.ID),
				zap.Error(err))
		}
		if e.resolveCounter != nil {
			e.resolveCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("result", string(results[i])),
			))
		}
		e.logger.Debug("shadow proposal resolved",
			zap.String("observation_id", o.ID),
			zap.String("rule_id", o.RuleID),
			zap.String("result", string(results[i])),
			zap.String("intervention_id", rec.ID))
	}
}

// Sweep ages out proposals that exceeded the grace window without a
// qualifying intervention, marking them unknown. Unknowns never enter
// the accuracy denominator. Returns the number aged out.
func (e *Evaluator) Sweep(ctx context.Context, now time.Time) int {
	ctx, span := e.tracer.Start(ctx, "shadow.sweep")
	defer span.End()

	e.mu.Lock()
	var aged []*Observation
	for entityID, open := range e.pending {
		var remaining []*Observation
		for _, o := range open {
			if now.Sub(o.ProposedAt) > e.config.GraceWindow {
				o.MatchResult = ResultUnknown
				aged = append(aged, o)
				e.unknowns[versionKey{o.RuleID, o.RuleVersion}]++
				continue
			}
			remaining = append(remaining, o)
		}
		if remaining == nil {
			delete(e.pending, entityID)
		} else {
			e.pending[entityID] = remaining
		}
	}
	e.mu.Unlock()

	for _, o := range aged {
		if err := e.store.ResolveShadowObservation(ctx, o.ID, ResultUnknown, ""); err != nil {
			e.logger.Error("failed to persist unknown resolution",
				zap.String("observation_id", o.ID),
				zap.Error(err))
		}
		if e.resolveCounter != nil {
			e.resolveCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("result", string(ResultUnknown)),
			))
		}
	}

	if len(aged) > 0 {
		e.logger.Info("aged out shadow proposals", zap.Int("count", len(aged)))
	}
	span.SetAttributes(attribute.Int("aged_count", len(aged)))
	return len(aged)
}

// Accuracy returns the rolling accuracy for a rule version: matches
// over matches plus mismatches across the last RollingWindow resolved
// observations.
func (e *Evaluator) Accuracy(ruleID string, version int) *Accuracy {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := versionKey{ruleID, version}
	window := e.resolved[key]

	acc := &Accuracy{
		RuleID:      ruleID,
		RuleVersion: version,
		Unknown:     e.unknowns[key],
	}
	for _, r := range window {
		switch r {
		case ResultMatch:
			acc.Matches++
		case ResultMismatch:
			acc.Mismatches++
		}
	}
	acc.SampleCount = acc.Matches + acc.Mismatches
	if acc.SampleCount > 0 {
		acc.Accuracy = float64(acc.Matches) / float64(acc.SampleCount)
	}
	return acc
}

// pushResult appends to a rule version's rolling window, keeping only
// the last RollingWindow entries. Callers hold e.mu.
func (e *Evaluator) pushResult(key versionKey, result MatchResult) {
	window := append(e.resolved[key], result)
	if len(window) > e.config.RollingWindow {
		window = window[len(window)-e.config.RollingWindow:]
	}
	e.resolved[key] = window
}
