// Package telemetry provides OpenTelemetry helpers shared by the autopath
// services.
//
// Each service obtains its tracer and meter through this package so that
// instrumentation names stay consistent. Metric creation failures are
// logged and produce nil instruments; callers nil-check before recording,
// so a broken meter never takes down the pipeline.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationPrefix = "github.com/cadencelabs/autopath/internal/"

// Tracer returns the tracer for a component (e.g. "shadow", "executor").
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}

// Meter returns the meter for a component.
func Meter(component string) metric.Meter {
	return otel.Meter(instrumentationPrefix + component)
}

// Int64Counter creates a counter, logging a warning instead of failing
// when instrument creation errors. Returns nil on error.
func Int64Counter(m metric.Meter, logger *zap.Logger, name, description, unit string) metric.Int64Counter {
	c, err := m.Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		logger.Warn("failed to create counter", zap.String("name", name), zap.Error(err))
		return nil
	}
	return c
}

// Float64Histogram creates a histogram, logging a warning instead of
// failing when instrument creation errors. Returns nil on error.
func Float64Histogram(m metric.Meter, logger *zap.Logger, name, description, unit string) metric.Float64Histogram {
	h, err := m.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		logger.Warn("failed to create histogram", zap.String("name", name), zap.Error(err))
		return nil
	}
	return h
}
