package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencelabs/autopath/internal/fact"
	"github.com/cadencelabs/autopath/internal/intervention"
	"github.com/cadencelabs/autopath/internal/rule"
)

type memExecStore struct {
	executions  []*ExecutionRecord
	escalations []*Escalation
	lastSuccess map[string]time.Time // entity_id|rule_id
}

func newMemExecStore() *memExecStore {
	return &memExecStore{lastSuccess: make(map[string]time.Time)}
}

func (m *memExecStore) InsertExecution(_ context.Context, r *ExecutionRecord) error {
	m.executions = append(m.executions, r)
	if r.Status == StatusSuccess {
		m.lastSuccess[r.EntityID+"|"+r.RuleID] = r.DispatchedAt
	}
	return nil
}

func (m *memExecStore) LastSuccessfulExecution(_ context.Context, entityID, ruleID string) (*time.Time, error) {
	if at, ok := m.lastSuccess[entityID+"|"+ruleID]; ok {
		return &at, nil
	}
	return nil, nil
}

func (m *memExecStore) InsertEscalation(_ context.Context, e *Escalation) error {
	m.escalations = append(m.escalations, e)
	return nil
}

// stubDispatcher fails the first failures calls, then succeeds.
type stubDispatcher struct {
	failures int
	calls    int
	lastCode string
}

func (d *stubDispatcher) Dispatch(_ context.Context, actionCode, _ string, _ map[string]any) (*DispatchResult, error) {
	d.calls++
	d.lastCode = actionCode
	if d.calls <= d.failures {
		return nil, errors.New("channel unavailable")
	}
	return &DispatchResult{Status: "success", ExternalRef: "ext-42"}, nil
}

type memFactWriter struct {
	appended []*fact.AppendRequest
}

func (m *memFactWriter) Append(_ context.Context, req *fact.AppendRequest) (string, error) {
	m.appended = append(m.appended, req)
	return "fact-new", nil
}

type memInterventionWriter struct {
	recorded []*intervention.RecordRequest
}

func (m *memInterventionWriter) Record(_ context.Context, req *intervention.RecordRequest) (string, error) {
	m.recorded = append(m.recorded, req)
	return "int-new", nil
}

type memEscalationPublisher struct {
	published []*Escalation
}

func (m *memEscalationPublisher) PublishEscalation(_ context.Context, e *Escalation) error {
	m.published = append(m.published, e)
	return nil
}

type memRuleStore struct{ rows []*rule.Rule }

func (m *memRuleStore) InsertRuleVersion(_ context.Context, r *rule.Rule) error {
	m.rows = append(m.rows, r)
	return nil
}
func (m *memRuleStore) UpdateRuleMode(_ context.Context, id string, version int, mode rule.Mode) error {
	for _, r := range m.rows {
		if r.ID == id && r.Version == version {
			r.Mode = mode
		}
	}
	return nil
}
func (m *memRuleStore) ListRuleVersions(context.Context, string) ([]*rule.Rule, error) {
	return nil, nil
}
func (m *memRuleStore) ListAllRules(context.Context) ([]*rule.Rule, error) { return m.rows, nil }

func autoRule(id string, version int) *rule.Rule {
	return &rule.Rule{
		ID:          id,
		Version:     version,
		TriggerType: "usage.drop",
		Trigger:     &rule.Condition{Op: rule.OpGTE, Field: "drop_pct", Value: 40.0},
		ActionCode:  "outreach.call",
		Mode:        rule.ModeAuto,
		CreatedAt:   time.Now().UTC(),
	}
}

func dropFact(entityID string, dropPct float64) *fact.Fact {
	return &fact.Fact{
		ID:        "fact-1",
		EntityID:  entityID,
		FactType:  "usage.drop",
		Payload:   map[string]any{"drop_pct": dropPct},
		Timestamp: time.Now().UTC(),
	}
}

type fixture struct {
	exec          *Executor
	registry      *rule.Registry
	store         *memExecStore
	dispatcher    *stubDispatcher
	facts         *memFactWriter
	interventions *memInterventionWriter
	escalations   *memEscalationPublisher
}

func newFixture(t *testing.T, cfg *Config, rules ...*rule.Rule) *fixture {
	t.Helper()
	reg, err := rule.NewRegistry(&memRuleStore{}, nil)
	require.NoError(t, err)
	for _, r := range rules {
		require.NoError(t, reg.Insert(context.Background(), r))
	}

	fx := &fixture{
		registry:      reg,
		store:         newMemExecStore(),
		dispatcher:    &stubDispatcher{},
		facts:         &memFactWriter{},
		interventions: &memInterventionWriter{},
		escalations:   &memEscalationPublisher{},
	}
	fx.exec, err = NewExecutor(cfg, reg, fx.dispatcher, fx.store, fx.facts, fx.interventions, fx.escalations, nil)
	require.NoError(t, err)
	// No real waiting between retry attempts.
	fx.exec.sleep = func(context.Context, time.Duration) error { return nil }
	return fx
}

func TestHandleFact(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches matching auto rule", func(t *testing.T) {
		fx := newFixture(t, nil, autoRule("r1", 1))

		fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())

		require.Len(t, fx.store.executions, 1)
		rec := fx.store.executions[0]
		assert.Equal(t, StatusSuccess, rec.Status)
		assert.Equal(t, "r1", rec.RuleID)
		assert.Equal(t, "outreach.call", rec.ActionCode)
		assert.Equal(t, "ext-42", rec.ExternalRef)
		assert.Equal(t, 1, rec.Attempts)
		assert.Equal(t, "outreach.call", fx.dispatcher.lastCode)
	})

	t.Run("writes feedback fact and auto intervention", func(t *testing.T) {
		fx := newFixture(t, nil, autoRule("r1", 1))

		fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())

		require.Len(t, fx.facts.appended, 1)
		fb := fx.facts.appended[0]
		assert.Equal(t, ExecutedFactType, fb.FactType)
		assert.Equal(t, "cust-1", fb.EntityID)
		assert.Equal(t, "outreach.call", fb.Payload["action_code"])
		assert.NotEmpty(t, fb.ExternalRef)

		require.Len(t, fx.interventions.recorded, 1)
		rec := fx.interventions.recorded[0]
		assert.Equal(t, intervention.ModeAuto, rec.Mode)
		assert.Equal(t, SystemActorID, rec.ActorID)
		assert.Equal(t, "r1", rec.RuleID)
		assert.Equal(t, 1, rec.RuleVersion)
	})

	t.Run("ignores non-matching facts", func(t *testing.T) {
		fx := newFixture(t, nil, autoRule("r1", 1))

		fx.exec.HandleFact(ctx, dropFact("cust-1", 10), fx.registry.Snapshot())

		assert.Empty(t, fx.store.executions)
		assert.Zero(t, fx.dispatcher.calls)
	})

	t.Run("ignores shadow rules", func(t *testing.T) {
		shadow := autoRule("r1", 1)
		shadow.Mode = rule.ModeShadow
		fx := newFixture(t, nil, shadow)

		fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())

		assert.Zero(t, fx.dispatcher.calls)
	})
}

func TestCooldown(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil, autoRule("r1", 1))

	fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())
	require.Len(t, fx.store.executions, 1)

	// Second qualifying fact for the same entity inside the window.
	fx.exec.HandleFact(ctx, dropFact("cust-1", 60), fx.registry.Snapshot())
	assert.Len(t, fx.store.executions, 1)
	assert.Equal(t, 1, fx.dispatcher.calls)

	// A different entity is unaffected.
	fx.exec.HandleFact(ctx, dropFact("cust-2", 55), fx.registry.Snapshot())
	assert.Len(t, fx.store.executions, 2)
}

func TestCooldownExpired(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil, autoRule("r1", 1))

	// Seed an old success past the 168h window.
	old := time.Now().UTC().Add(-169 * time.Hour)
	fx.store.lastSuccess["cust-1|r1"] = old

	fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())
	assert.Len(t, fx.store.executions, 1)
}

func TestDailyRateCap(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.DailyRateCap = 2
	fx := newFixture(t, cfg, autoRule("r1", 1))

	// Distinct entities so cooldown never interferes.
	fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())
	fx.exec.HandleFact(ctx, dropFact("cust-2", 55), fx.registry.Snapshot())
	fx.exec.HandleFact(ctx, dropFact("cust-3", 55), fx.registry.Snapshot())

	assert.Equal(t, 2, fx.dispatcher.calls)
	assert.Len(t, fx.store.executions, 2)
	assert.Empty(t, fx.store.escalations)
}

func TestDisabledWinsAtLastInstant(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil, autoRule("r1", 1))

	// Evaluate against a stale snapshot taken before the disable.
	stale := fx.registry.Snapshot()
	require.NoError(t, fx.registry.SetMode(ctx, "r1", rule.ModeDisabled, "op-7"))

	fx.exec.HandleFact(ctx, dropFact("cust-1", 55), stale)

	assert.Zero(t, fx.dispatcher.calls)
	assert.Empty(t, fx.store.executions)
}

func TestDispatchRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("retries until success", func(t *testing.T) {
		fx := newFixture(t, nil, autoRule("r1", 1))
		fx.dispatcher.failures = 2

		fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())

		require.Len(t, fx.store.executions, 1)
		rec := fx.store.executions[0]
		assert.Equal(t, StatusSuccess, rec.Status)
		assert.Equal(t, 3, rec.Attempts)
		assert.Empty(t, fx.store.escalations)
	})

	t.Run("exhausted retries escalate", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxRetries = 1
		fx := newFixture(t, cfg, autoRule("r1", 1))
		fx.dispatcher.failures = 10

		fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())

		require.Len(t, fx.store.executions, 1)
		rec := fx.store.executions[0]
		assert.Equal(t, StatusFailed, rec.Status)
		assert.Equal(t, 2, rec.Attempts)
		assert.NotEmpty(t, rec.Error)

		require.Len(t, fx.store.escalations, 1)
		esc := fx.store.escalations[0]
		assert.Equal(t, "r1", esc.RuleID)
		assert.Equal(t, "cust-1", esc.EntityID)
		assert.Contains(t, esc.Reason, "channel unavailable")
		require.Len(t, fx.escalations.published, 1)

		// No feedback fact on failure.
		assert.Empty(t, fx.facts.appended)
	})

	t.Run("non-success status counts as failure", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxRetries = 0
		fx := newFixture(t, cfg, autoRule("r1", 1))

		failing := &failureStatusDispatcher{}
		fx.exec.dispatcher = failing

		fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())

		require.Len(t, fx.store.executions, 1)
		assert.Equal(t, StatusFailed, fx.store.executions[0].Status)
		assert.Len(t, fx.store.escalations, 1)
	})

	t.Run("failed execution does not start cooldown", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxRetries = 0
		fx := newFixture(t, cfg, autoRule("r1", 1))
		fx.dispatcher.failures = 1

		fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())
		require.Len(t, fx.store.executions, 1)
		assert.Equal(t, StatusFailed, fx.store.executions[0].Status)

		// Next qualifying fact retries the dispatch and succeeds.
		fx.exec.HandleFact(ctx, dropFact("cust-1", 55), fx.registry.Snapshot())
		require.Len(t, fx.store.executions, 2)
		assert.Equal(t, StatusSuccess, fx.store.executions[1].Status)
	})
}

type failureStatusDispatcher struct{}

func (failureStatusDispatcher) Dispatch(context.Context, string, string, map[string]any) (*DispatchResult, error) {
	return &DispatchResult{Status: "failure"}, nil
}

func TestNewExecutor(t *testing.T) {
	reg, err := rule.NewRegistry(&memRuleStore{}, nil)
	require.NoError(t, err)

	t.Run("requires dispatcher", func(t *testing.T) {
		_, err := NewExecutor(nil, reg, nil, newMemExecStore(), &memFactWriter{}, nil, nil, nil)
		assert.Error(t, err)
	})

	t.Run("intervention writer and publisher optional", func(t *testing.T) {
		e, err := NewExecutor(nil, reg, &stubDispatcher{}, newMemExecStore(), &memFactWriter{}, nil, nil, nil)
		require.NoError(t, err)
		assert.NotNil(t, e)
	})
}
