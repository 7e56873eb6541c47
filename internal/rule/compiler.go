package rule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cadencelabs/autopath/internal/pathextract"
	"github.com/cadencelabs/autopath/internal/telemetry"
)

// Catalog resolves action codes. The executable semantics of an action
// live outside this core; the compiler only verifies the reference.
type Catalog interface {
	Has(actionCode string) bool
}

// StaticCatalog is a fixed action catalog, typically loaded from
// configuration.
type StaticCatalog map[string]struct{}

// NewStaticCatalog builds a catalog from a list of known action codes.
func NewStaticCatalog(actionCodes []string) StaticCatalog {
	c := make(StaticCatalog, len(actionCodes))
	for _, code := range actionCodes {
		c[code] = struct{}{}
	}
	return c
}

// Has reports whether the action code is known.
func (c StaticCatalog) Has(actionCode string) bool {
	_, ok := c[actionCode]
	return ok
}

// Compiler turns standard paths into versioned shadow rules.
type Compiler struct {
	registry *Registry
	catalog  Catalog
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewCompiler creates a rule compiler.
func NewCompiler(registry *Registry, catalog Catalog, logger *zap.Logger) (*Compiler, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		registry: registry,
		catalog:  catalog,
		logger:   logger,
		tracer:   telemetry.Tracer("rule"),
	}, nil
}

// Compile emits a new rule version from a mined standard path. The rule
// starts in shadow mode at version latest+1; recompiling never mutates
// an existing version.
//
// The threshold is the median of the path's observed trigger values,
// and the trigger requires the field to be present before comparing.
func (c *Compiler) Compile(ctx context.Context, path *pathextract.Path) (*Rule, error) {
	ctx, span := c.tracer.Start(ctx, "rule.compile")
	defer span.End()

	if path == nil {
		return nil, errors.New("path is required")
	}
	span.SetAttributes(
		attribute.String("path_id", path.ID),
		attribute.String("action_code", path.ActionCode),
	)

	if !c.catalog.Has(path.ActionCode) {
		err := fmt.Errorf("action %q is not in the catalog", path.ActionCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	op, err := conditionOp(path.Op)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	threshold := median(path.ObservedValues)

	trigger := &Condition{
		Op: OpAnd,
		Children: []*Condition{
			{Op: OpNot, Children: []*Condition{{Op: OpIsNull, Field: path.Field}}},
			{Op: op, Field: path.Field, Value: threshold},
		},
	}

	r := &Rule{
		ID:              path.ID,
		Version:         c.registry.NextVersion(path.ID),
		TriggerType:     path.TriggerType,
		Trigger:         trigger,
		ActionCode:      path.ActionCode,
		Thresholds:      map[string]float64{path.Field: threshold},
		Mode:            ModeShadow,
		CreatedFromPath: path.ID,
		CreatedAt:       time.Now().UTC(),
	}

	if err := c.registry.Insert(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c.logger.Info("compiled rule",
		zap.String("rule_id", r.ID),
		zap.Int("version", r.Version),
		zap.String("trigger", r.Trigger.String()),
		zap.Float64("threshold", threshold),
		zap.Int("path_frequency", path.Frequency),
		zap.Float64("path_success_rate", path.SuccessRate))

	span.SetAttributes(attribute.Int("version", r.Version))
	return r, nil
}

func conditionOp(op string) (Op, error) {
	switch op {
	case "equals":
		return OpEquals, nil
	case "gte":
		return OpGTE, nil
	case "lte":
		return OpLTE, nil
	default:
		return "", fmt.Errorf("unsupported path operator %q", op)
	}
}

// median returns the median of the observed values, 0 when empty. For
// even counts it takes the lower middle so the threshold is a value
// that was actually observed.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted[(len(sorted)-1)/2]
}
