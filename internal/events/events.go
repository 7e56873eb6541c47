// Package events fans pipeline state changes out over NATS so the
// evaluation engine (and any external subscribers, dashboards, audit
// sinks) can react without polling the store.
//
// Events are published to subjects:
//   - facts.{entity_id}
//   - interventions.{entity_id}
//   - escalations.{rule_id}
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cadencelabs/autopath/internal/executor"
	"github.com/cadencelabs/autopath/internal/fact"
	"github.com/cadencelabs/autopath/internal/intervention"
)

const (
	SubjectFacts         = "facts"
	SubjectInterventions = "interventions"
	SubjectEscalations   = "escalations"
)

// Config holds NATS connection settings.
type Config struct {
	// URL is the NATS server address.
	URL string `koanf:"url"`
}

// DefaultConfig returns the default events configuration.
func DefaultConfig() Config {
	return Config{URL: nats.DefaultURL}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("nats url is required")
	}
	return nil
}

// Connect dials the NATS server with reconnect behavior suitable for a
// long-running daemon.
func Connect(cfg Config) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Publisher publishes pipeline events over a NATS connection. It
// satisfies fact.Publisher, intervention.Publisher and
// executor.EscalationPublisher.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewPublisher creates a publisher on an established connection.
func NewPublisher(nc *nats.Conn, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, logger: logger}
}

// PublishFact publishes an ingested fact to facts.{entity_id}.
func (p *Publisher) PublishFact(_ context.Context, f *fact.Fact) error {
	return p.publish(fmt.Sprintf("%s.%s", SubjectFacts, f.EntityID), f)
}

// PublishIntervention publishes a recorded intervention to
// interventions.{entity_id}.
func (p *Publisher) PublishIntervention(_ context.Context, r *intervention.Record) error {
	return p.publish(fmt.Sprintf("%s.%s", SubjectInterventions, r.EntityID), r)
}

// PublishEscalation publishes an execution failure to
// escalations.{rule_id}.
func (p *Publisher) PublishEscalation(_ context.Context, e *executor.Escalation) error {
	return p.publish(fmt.Sprintf("%s.%s", SubjectEscalations, e.RuleID), e)
}

func (p *Publisher) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject))
	return nil
}
