// Package pathextract mines intervention history for repeatable
// (trigger shape → action → outcome) correlations and selects the
// standard path per trigger class.
package pathextract

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cadencelabs/autopath/internal/fault"
	"github.com/cadencelabs/autopath/internal/intervention"
	"github.com/cadencelabs/autopath/internal/telemetry"
)

// Snapshot keys the extractor reads from intervention context snapshots.
const (
	KeyTriggerType  = "trigger_type"
	KeyTriggerField = "trigger_field"
	KeyTriggerOp    = "trigger_op"
	KeyTriggerValue = "trigger_value"
)

// DefaultSuccessLabel is the outcome counted as success when no
// per-trigger-class label is configured.
const DefaultSuccessLabel = "success"

// Source supplies the intervention records to mine. Implemented by
// internal/store.
type Source interface {
	ListInterventions(ctx context.Context) ([]*intervention.Record, error)
}

// Config configures the extractor.
type Config struct {
	// MinSampleSize is the minimum group frequency for a standard path
	// (default: 5).
	MinSampleSize int

	// DecayHalfLife is the recency half-life for success-rate
	// weighting (default: 720h). A record this old counts half as much
	// as one observed now.
	DecayHalfLife time.Duration

	// SuccessLabels maps trigger class to its success outcome label.
	// Classes not listed use DefaultSuccessLabel.
	SuccessLabels map[string]string
}

// DefaultConfig returns the extractor defaults.
func DefaultConfig() *Config {
	return &Config{
		MinSampleSize: 5,
		DecayHalfLife: 720 * time.Hour,
	}
}

// Extractor mines paths from recorded interventions.
type Extractor struct {
	config *Config
	source Source
	logger *zap.Logger
	tracer trace.Tracer

	// now is swapped in tests to pin recency weighting.
	now func() time.Time
}

// NewExtractor creates a path extractor.
func NewExtractor(cfg *Config, source Source, logger *zap.Logger) (*Extractor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = 5
	}
	if cfg.DecayHalfLife <= 0 {
		cfg.DecayHalfLife = 720 * time.Hour
	}
	if source == nil {
		return nil, errors.New("source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		config: cfg,
		source: source,
		logger: logger,
		tracer: telemetry.Tracer("pathextract"),
		now:    time.Now,
	}, nil
}

// Candidates recomputes and ranks all paths for a trigger class,
// ordered by frequency desc, then success rate desc, then recency.
// An empty triggerType returns candidates for every class.
func (e *Extractor) Candidates(ctx context.Context, triggerType string) ([]*Path, error) {
	ctx, span := e.tracer.Start(ctx, "pathextract.candidates")
	defer span.End()
	span.SetAttributes(attribute.String("trigger_type", triggerType))

	paths, err := e.mine(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var out []*Path
	for _, p := range paths {
		if triggerType == "" || p.TriggerType == triggerType {
			out = append(out, p)
		}
	}
	rank(out)

	span.SetAttributes(attribute.Int("candidate_count", len(out)))
	return out, nil
}

// StandardPath returns the top-ranked candidate for a trigger class
// whose frequency meets the minimum sample size. Below the threshold it
// fails with fault.CompilationError: there is no rule yet, which is not
// fatal.
func (e *Extractor) StandardPath(ctx context.Context, triggerType string) (*Path, error) {
	candidates, err := e.Candidates(ctx, triggerType)
	if err != nil {
		return nil, err
	}

	for _, p := range candidates {
		if p.Frequency >= e.config.MinSampleSize {
			e.logger.Debug("selected standard path",
				zap.String("path_id", p.ID),
				zap.Int("frequency", p.Frequency),
				zap.Float64("success_rate", p.SuccessRate))
			return p, nil
		}
	}

	freq := 0
	if len(candidates) > 0 {
		freq = candidates[0].Frequency
	}
	return nil, &fault.CompilationError{
		TriggerType: triggerType,
		Frequency:   freq,
		MinSamples:  e.config.MinSampleSize,
	}
}

// PathByID recomputes aggregates and returns the path with the given
// deterministic ID, or an error when no such correlation exists.
func (e *Extractor) PathByID(ctx context.Context, pathID string) (*Path, error) {
	paths, err := e.mine(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if p.ID == pathID {
			return p, nil
		}
	}
	return nil, errors.New("path not found: " + pathID)
}

// mine groups intervention records by (shape, action) and computes
// frequency and recency-weighted success rate per group.
func (e *Extractor) mine(ctx context.Context) ([]*Path, error) {
	records, err := e.source.ListInterventions(ctx)
	if err != nil {
		return nil, err
	}

	type group struct {
		path          *Path
		weightedHits  float64
		weightedTotal float64
	}

	now := e.now()
	groups := make(map[string]*group)
	skipped := 0

	for _, r := range records {
		shape, value, ok := shapeFromSnapshot(r.ContextSnapshot)
		if !ok {
			skipped++
			continue
		}

		id := PathID(shape, r.ActionCode)
		g, exists := groups[id]
		if !exists {
			g = &group{path: &Path{
				Shape:      shape,
				ID:         id,
				ActionCode: r.ActionCode,
			}}
			groups[id] = g
		}

		g.path.Frequency++
		g.path.ObservedValues = append(g.path.ObservedValues, value)
		if r.RecordedAt.After(g.path.LastUpdated) {
			g.path.LastUpdated = r.RecordedAt
		}

		if !r.Resolved() {
			continue
		}
		w := e.recencyWeight(now, r.RecordedAt)
		g.weightedTotal += w
		if r.Outcome == e.successLabel(shape.TriggerType) {
			g.weightedHits += w
		}
	}

	if skipped > 0 {
		e.logger.Debug("skipped records without trigger shape", zap.Int("count", skipped))
	}

	paths := make([]*Path, 0, len(groups))
	for _, g := range groups {
		if g.weightedTotal > 0 {
			g.path.SuccessRate = g.weightedHits / g.weightedTotal
		}
		paths = append(paths, g.path)
	}
	return paths, nil
}

// recencyWeight halves a record's weight for every half-life of age.
func (e *Extractor) recencyWeight(now, at time.Time) float64 {
	age := now.Sub(at)
	if age <= 0 {
		return 1.0
	}
	return math.Exp2(-age.Hours() / e.config.DecayHalfLife.Hours())
}

func (e *Extractor) successLabel(triggerType string) string {
	if label, ok := e.config.SuccessLabels[triggerType]; ok {
		return label
	}
	return DefaultSuccessLabel
}

// rank sorts candidates by frequency desc, success rate desc, then
// recency desc.
func rank(paths []*Path) {
	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].Frequency != paths[j].Frequency {
			return paths[i].Frequency > paths[j].Frequency
		}
		if paths[i].SuccessRate != paths[j].SuccessRate {
			return paths[i].SuccessRate > paths[j].SuccessRate
		}
		return paths[i].LastUpdated.After(paths[j].LastUpdated)
	})
}

// shapeFromSnapshot extracts the normalized trigger shape and observed
// value from an intervention context snapshot. Records without a
// complete shape are skipped; they still exist in the ledger but cannot
// be mined.
func shapeFromSnapshot(snapshot map[string]any) (Shape, float64, bool) {
	triggerType, ok := snapshot[KeyTriggerType].(string)
	if !ok || triggerType == "" {
		return Shape{}, 0, false
	}
	field, ok := snapshot[KeyTriggerField].(string)
	if !ok || field == "" {
		return Shape{}, 0, false
	}
	op, ok := snapshot[KeyTriggerOp].(string)
	if !ok {
		return Shape{}, 0, false
	}
	switch op {
	case "equals", "gte", "lte":
	default:
		return Shape{}, 0, false
	}

	value, ok := numericValue(snapshot[KeyTriggerValue])
	if !ok {
		return Shape{}, 0, false
	}

	return Shape{TriggerType: triggerType, Field: field, Op: op}, value, true
}

// numericValue coerces JSON-decoded numbers. Snapshots arrive through
// JSON, so integers often surface as float64.
func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
