package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencelabs/autopath/internal/fault"
	"github.com/cadencelabs/autopath/internal/rule"
	"github.com/cadencelabs/autopath/internal/shadow"
)

type memDecisionStore struct {
	decisions []*Decision
}

func (m *memDecisionStore) InsertPromotionDecision(_ context.Context, d *Decision) error {
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memDecisionStore) ApprovalTokenUsed(_ context.Context, token string) (bool, error) {
	for _, d := range m.decisions {
		if d.Result == ResultApproved && d.ApprovalToken == token {
			return true, nil
		}
	}
	return false, nil
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

// stubAccuracy returns a fixed accuracy regardless of version.
type stubAccuracy struct {
	accuracy float64
	samples  int
}

func (s *stubAccuracy) Accuracy(ruleID string, version int) *shadow.Accuracy {
	return &shadow.Accuracy{
		RuleID:      ruleID,
		RuleVersion: version,
		Matches:     int(float64(s.samples) * s.accuracy),
		SampleCount: s.samples,
		Accuracy:    s.accuracy,
	}
}

func shadowRule(id string, version int, mode rule.Mode) *rule.Rule {
	return &rule.Rule{
		ID:          id,
		Version:     version,
		TriggerType: "usage.drop",
		Trigger:     &rule.Condition{Op: rule.OpGTE, Field: "drop_pct", Value: 40.0},
		ActionCode:  "outreach.call",
		Mode:        mode,
		CreatedAt:   time.Now().UTC(),
	}
}

func newTestGate(t *testing.T, mode rule.Mode, acc *stubAccuracy) (*Gate, *rule.Registry, *memDecisionStore) {
	t.Helper()
	reg, err := rule.NewRegistry(&memRuleStore{}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Insert(context.Background(), shadowRule("r1", 1, rule.ModeShadow)))
	if mode != rule.ModeShadow {
		if mode == rule.ModeDisabled {
			require.NoError(t, reg.SetMode(context.Background(), "r1", rule.ModeDisabled, "op-0"))
		} else {
			promoted := shadowRule("r1", 2, mode)
			require.NoError(t, reg.Insert(context.Background(), promoted))
		}
	}

	store := &memDecisionStore{}
	g, err := NewGate(nil, reg, acc, store, nil)
	require.NoError(t, err)
	return g, reg, store
}

func TestPromote(t *testing.T) {
	ctx := context.Background()

	t.Run("approves and inserts auto version", func(t *testing.T) {
		g, reg, store := newTestGate(t, rule.ModeShadow, &stubAccuracy{accuracy: 0.85, samples: 12})

		d, err := g.Promote(ctx, "r1", "op-7", "token-1")
		require.NoError(t, err)

		assert.Equal(t, ResultApproved, d.Result)
		assert.Equal(t, "r1", d.RuleID)
		assert.Equal(t, 1, d.RuleVersion)
		assert.Equal(t, "op-7", d.OperatorID)
		assert.InDelta(t, 0.85, d.AccuracyAtDecision, 1e-9)
		assert.Equal(t, 12, d.SampleCount)
		assert.Equal(t, "token-1", d.ApprovalToken)

		promoted, ok := reg.Snapshot().Rule("r1")
		require.True(t, ok)
		assert.Equal(t, 2, promoted.Version)
		assert.Equal(t, rule.ModeAuto, promoted.Mode)
		require.Len(t, store.decisions, 1)
	})

	t.Run("rejects below accuracy threshold", func(t *testing.T) {
		g, reg, store := newTestGate(t, rule.ModeShadow, &stubAccuracy{accuracy: 0.60, samples: 12})

		_, err := g.Promote(ctx, "r1", "op-7", "token-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, fault.ErrPromotionViolation)

		var pv *fault.PromotionViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "accuracy", pv.Criterion)

		// Rule stays in shadow, rejection is audited.
		got, _ := reg.Snapshot().Rule("r1")
		assert.Equal(t, rule.ModeShadow, got.Mode)
		require.Len(t, store.decisions, 1)
		assert.Equal(t, ResultRejected, store.decisions[0].Result)
	})

	t.Run("rejects below sample minimum", func(t *testing.T) {
		g, _, _ := newTestGate(t, rule.ModeShadow, &stubAccuracy{accuracy: 1.0, samples: 4})

		_, err := g.Promote(ctx, "r1", "op-7", "token-1")
		var pv *fault.PromotionViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "sample_count", pv.Criterion)
	})

	t.Run("rejects missing token", func(t *testing.T) {
		g, _, _ := newTestGate(t, rule.ModeShadow, &stubAccuracy{accuracy: 0.9, samples: 10})

		_, err := g.Promote(ctx, "r1", "op-7", "")
		var pv *fault.PromotionViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "approval", pv.Criterion)
	})

	t.Run("token is single use", func(t *testing.T) {
		reg, err := rule.NewRegistry(&memRuleStore{}, nil)
		require.NoError(t, err)
		require.NoError(t, reg.Insert(ctx, shadowRule("r1", 1, rule.ModeShadow)))
		require.NoError(t, reg.Insert(ctx, shadowRule("r2", 1, rule.ModeShadow)))

		store := &memDecisionStore{}
		g, err := NewGate(nil, reg, &stubAccuracy{accuracy: 0.9, samples: 10}, store, nil)
		require.NoError(t, err)

		_, err = g.Promote(ctx, "r1", "op-7", "token-1")
		require.NoError(t, err)

		_, err = g.Promote(ctx, "r2", "op-7", "token-1")
		require.Error(t, err)
		var pv *fault.PromotionViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "approval", pv.Criterion)
		assert.Contains(t, pv.Detail, "already consumed")
	})

	t.Run("already promoted yields conflict", func(t *testing.T) {
		g, _, _ := newTestGate(t, rule.ModeAuto, &stubAccuracy{accuracy: 0.9, samples: 10})

		_, err := g.Promote(ctx, "r1", "op-7", "token-2")
		require.Error(t, err)
		assert.ErrorIs(t, err, fault.ErrConcurrencyConflict)
	})

	t.Run("disabled rule rejected", func(t *testing.T) {
		g, _, _ := newTestGate(t, rule.ModeDisabled, &stubAccuracy{accuracy: 0.9, samples: 10})

		_, err := g.Promote(ctx, "r1", "op-7", "token-1")
		var pv *fault.PromotionViolation
		require.ErrorAs(t, err, &pv)
		assert.Equal(t, "mode", pv.Criterion)
	})

	t.Run("unknown rule", func(t *testing.T) {
		g, _, _ := newTestGate(t, rule.ModeShadow, &stubAccuracy{accuracy: 0.9, samples: 10})

		_, err := g.Promote(ctx, "nope", "op-7", "token-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rule not found")
	})

	t.Run("threshold boundary promotes", func(t *testing.T) {
		g, reg, _ := newTestGate(t, rule.ModeShadow, &stubAccuracy{accuracy: 0.70, samples: 5})

		_, err := g.Promote(ctx, "r1", "op-7", "token-1")
		require.NoError(t, err)

		got, _ := reg.Snapshot().Rule("r1")
		assert.Equal(t, rule.ModeAuto, got.Mode)
	})
}
