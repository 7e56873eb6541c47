// Package engine runs the live evaluation loop. It subscribes to the
// fact and intervention streams, fans events into per-entity ordered
// workers, drives the shadow evaluator and the auto executor, and
// sweeps aged shadow proposals on a timer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cadencelabs/autopath/internal/events"
	"github.com/cadencelabs/autopath/internal/executor"
	"github.com/cadencelabs/autopath/internal/fact"
	"github.com/cadencelabs/autopath/internal/intervention"
	"github.com/cadencelabs/autopath/internal/rule"
	"github.com/cadencelabs/autopath/internal/shadow"
	"github.com/cadencelabs/autopath/internal/telemetry"
)

// Config configures the engine.
type Config struct {
	// Workers is the number of evaluation partitions. Events for one
	// entity always land on the same partition, so per-entity order is
	// preserved without global serialization (default: 8).
	Workers int `koanf:"workers"`

	// QueueDepth is the per-partition event buffer (default: 256).
	QueueDepth int `koanf:"queue_depth"`

	// SweepInterval is how often pending shadow proposals are aged
	// against the grace window (default: 1h).
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueDepth:    256,
		SweepInterval: time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue depth must be >= 1")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	return nil
}

// event is one unit of work for a partition. Exactly one of the two
// payload fields is set.
type event struct {
	fact         *fact.Fact
	intervention *intervention.Record
}

// Engine is the evaluation loop.
type Engine struct {
	cfg      Config
	nc       *nats.Conn
	registry *rule.Registry
	shadow   *shadow.Evaluator
	executor *executor.Executor
	logger   *zap.Logger

	partitions     []chan event
	eventCounter   metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// New creates an engine. The registry, evaluator and executor must
// already be loaded.
func New(cfg Config, nc *nats.Conn, registry *rule.Registry, eval *shadow.Evaluator, exec *executor.Executor, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if registry == nil {
		return nil, errors.New("rule registry is required")
	}
	if eval == nil {
		return nil, errors.New("shadow evaluator is required")
	}
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	partitions := make([]chan event, cfg.Workers)
	for i := range partitions {
		partitions[i] = make(chan event, cfg.QueueDepth)
	}

	meter := telemetry.Meter("engine")
	return &Engine{
		cfg:        cfg,
		nc:         nc,
		registry:   registry,
		shadow:     eval,
		executor:   exec,
		logger:     logger,
		partitions: partitions,
		eventCounter: telemetry.Int64Counter(meter, logger,
			"autopath.engine.events_total", "Events consumed by the evaluation engine", "{event}"),
		droppedCounter: telemetry.Int64Counter(meter, logger,
			"autopath.engine.dropped_total", "Events dropped because a partition queue was full", "{event}"),
	}, nil
}

// Run subscribes to the fact and intervention streams and blocks until
// the context is canceled. Workers drain their queues before Run
// returns.
func (e *Engine) Run(ctx context.Context) error {
	factSub, err := e.nc.Subscribe(events.SubjectFacts+".>", func(msg *nats.Msg) {
		var f fact.Fact
		if err := json.Unmarshal(msg.Data, &f); err != nil {
			e.logger.Warn("malformed fact event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		e.enqueue(f.EntityID, event{fact: &f})
	})
	if err != nil {
		return fmt.Errorf("subscribe to facts: %w", err)
	}
	defer factSub.Unsubscribe()

	intSub, err := e.nc.Subscribe(events.SubjectInterventions+".>", func(msg *nats.Msg) {
		var r intervention.Record
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			e.logger.Warn("malformed intervention event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		e.enqueue(r.EntityID, event{intervention: &r})
	})
	if err != nil {
		return fmt.Errorf("subscribe to interventions: %w", err)
	}
	defer intSub.Unsubscribe()

	e.logger.Info("evaluation engine started",
		zap.Int("workers", e.cfg.Workers),
		zap.Duration("sweep_interval", e.cfg.SweepInterval))

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range e.partitions {
		i, ch := i, ch
		g.Go(func() error {
			e.worker(gctx, i, ch)
			return nil
		})
	}
	g.Go(func() error {
		e.sweepLoop(gctx)
		return nil
	})

	<-gctx.Done()
	factSub.Unsubscribe()
	intSub.Unsubscribe()
	return g.Wait()
}

// enqueue routes an event to its entity's partition. FNV-1a over the
// entity ID keeps one entity on one worker.
func (e *Engine) enqueue(entityID string, ev event) {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	idx := int(h.Sum32()) % len(e.partitions)
	if idx < 0 {
		idx += len(e.partitions)
	}

	select {
	case e.partitions[idx] <- ev:
		if e.eventCounter != nil {
			e.eventCounter.Add(context.Background(), 1)
		}
	default:
		// Backpressure: the event stays in the store and will be seen
		// by the next extraction run; live evaluation skips it.
		if e.droppedCounter != nil {
			e.droppedCounter.Add(context.Background(), 1)
		}
		e.logger.Warn("partition queue full, event dropped",
			zap.String("entity_id", entityID), zap.Int("partition", idx))
	}
}

func (e *Engine) worker(ctx context.Context, idx int, ch <-chan event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			e.handle(ctx, idx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, idx int, ev event) {
	switch {
	case ev.fact != nil:
		snap := e.registry.Snapshot()
		if _, err := e.shadow.Observe(ctx, ev.fact, snap); err != nil {
			e.logger.Warn("shadow observation failed",
				zap.Int("partition", idx),
				zap.String("fact_id", ev.fact.ID),
				zap.Error(err))
		}
		e.executor.HandleFact(ctx, ev.fact, snap)
	case ev.intervention != nil:
		e.shadow.MatchIntervention(ctx, ev.intervention)
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			aged := e.shadow.Sweep(ctx, now)
			if aged > 0 {
				e.logger.Info("aged pending shadow proposals",
					zap.Int("count", aged))
			}
		}
	}
}
