package shadow

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

type memShadowStore struct {
	observations map[string]*Observation
	insertErr    error
	resolveErr   error
}

func newMemShadowStore() *memShadowStore {
	return &memShadowStore{observations: make(map[string]*Observation)}
}

func (m *memShadowStore) InsertShadowObservation(_ context.Context, o *Observation) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	cp := *o
	m.observations[o.ID] = &cp
	return nil
}

func (m *memShadowStore) ResolveShadowObservation(_ context.Context, id string, result MatchResult, matchedInterventionID string) error {
	if m.resolveErr != nil {
		return m.resolveErr
	}
	o, ok := m.observations[id]
	if !ok {
		return errors.New("observation not found")
	}
	o.MatchResult = result
	o.MatchedInterventionID = matchedInterventionID
	return nil
}

func (m *memShadowStore) ListPendingShadowObservations(_ context.Context) ([]*Observation, error) {
	var out []*Observation
	for _, o := range m.observations {
		if o.MatchResult == ResultPending {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memShadowStore) ListResolvedShadowObservations(_ context.Context, ruleID string, version, limit int) ([]*Observation, error) {
	var out []*Observation
	for _, o := range m.observations {
		if o.RuleID == ruleID && o.RuleVersion == version && o.MatchResult != ResultPending {
			out = append(out, o)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var proposedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type snapStore struct{ rules []*rule.Rule }

func (s *snapStore) InsertRuleVersion(_ context.Context, r *rule.Rule) error {
	s.rules = append(s.rules, r)
	return nil
}
func (s *snapStore) UpdateRuleMode(context.Context, string, int, rule.Mode) error { return nil }
func (s *snapStore) ListRuleVersions(context.Context, string) ([]*rule.Rule, error) {
	return nil, nil
}
func (s *snapStore) ListAllRules(context.Context) ([]*rule.Rule, error) { return s.rules, nil }

// snapshotWith builds a registry snapshot containing the given rules.
func snapshotWith(t *testing.T, rules ...*rule.Rule) *rule.Snapshot {
	t.Helper()
	reg, err := rule.NewRegistry(&snapStore{rules: rules}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Load(context.Background()))
	return reg.Snapshot()
}

func shadowRule(id string, version int, mode rule.Mode) *rule.Rule {
	return &rule.Rule{
		ID:          id,
		Version:     version,
		TriggerType: "usage.drop",
		Trigger:     &rule.Condition{Op: rule.OpGTE, Field: "drop_pct", Value: 40.0},
		ActionCode:  "outreach.call",
		Mode:        mode,
		CreatedAt:   proposedAt,
	}
}

func dropFact(entityID string, dropPct float64) *fact.Fact {
	return &fact.Fact{
		ID:        "fact-" + entityID,
		EntityID:  entityID,
		FactType:  "usage.drop",
		Payload:   map[string]any{"drop_pct": dropPct},
		Timestamp: proposedAt,
	}
}

func manualIntervention(entityID, action string, at time.Time) *intervention.Record {
	return &intervention.Record{
		ID:         "int-" + entityID + "-" + action,
		EntityID:   entityID,
		ActorID:    "alex",
		ActionCode: action,
		Mode:       intervention.ModeManual,
		RecordedAt: at,
	}
}

func TestObserve(t *testing.T) {
	ctx := context.Background()

	t.Run("logs proposal for matching shadow rule", func(t *testing.T) {
		store := newMemShadowStore()
		e, err := NewEvaluator(nil, store, nil)
		require.NoError(t, err)
		snap := snapshotWith(t, shadowRule("r1", 1, rule.ModeShadow))

		obs, err := e.Observe(ctx, dropFact("cust-1", 55), snap)
		require.NoError(t, err)
		require.Len(t, obs, 1)

		o := obs[0]
		assert.Equal(t, "r1", o.RuleID)
		assert.Equal(t, 1, o.RuleVersion)
		assert.Equal(t, "outreach.call", o.ProposedAction)
		assert.Equal(t, ResultPending, o.MatchResult)
		assert.Contains(t, store.observations, o.ID)
	})

	t.Run("ignores non-matching facts", func(t *testing.T) {
		e, err := NewEvaluator(nil, newMemShadowStore(), nil)
		require.NoError(t, err)
		snap := snapshotWith(t, shadowRule("r1", 1, rule.ModeShadow))

		obs, err := e.Observe(ctx, dropFact("cust-1", 12), snap)
		require.NoError(t, err)
		assert.Empty(t, obs)
	})

	t.Run("ignores auto and disabled rules", func(t *testing.T) {
		e, err := NewEvaluator(nil, newMemShadowStore(), nil)
		require.NoError(t, err)
		snap := snapshotWith(t,
			shadowRule("r-auto", 1, rule.ModeAuto),
			shadowRule("r-off", 1, rule.ModeDisabled))

		obs, err := e.Observe(ctx, dropFact("cust-1", 55), snap)
		require.NoError(t, err)
		assert.Empty(t, obs)
	})

	t.Run("storage failure skips the rule but not the fact", func(t *testing.T) {
		store := newMemShadowStore()
		store.insertErr = errors.New("disk full")
		e, err := NewEvaluator(nil, store, nil)
		require.NoError(t, err)
		snap := snapshotWith(t, shadowRule("r1", 1, rule.ModeShadow))

		obs, err := e.Observe(ctx, dropFact("cust-1", 55), snap)
		require.NoError(t, err)
		assert.Empty(t, obs)
	})
}

func TestMatchIntervention(t *testing.T) {
	ctx := context.Background()
	snap := func(t *testing.T) *rule.Snapshot {
		return snapshotWith(t, shadowRule("r1", 1, rule.ModeShadow))
	}

	t.Run("same category inside window resolves match", func(t *testing.T) {
		store := newMemShadowStore()
		e, err := NewEvaluator(nil, store, nil)
		require.NoError(t, err)

		obs, err := e.Observe(ctx, dropFact("cust-1", 55), snap(t))
		require.NoError(t, err)
		require.Len(t, obs, 1)

		// outreach.email shares the outreach category with the proposal.
		e.MatchIntervention(ctx, manualIntervention("cust-1", "outreach.email", proposedAt.Add(2*time.Hour)))

		acc := e.Accuracy("r1", 1)
		assert.Equal(t, 1, acc.Matches)
		assert.Equal(t, 0, acc.Mismatches)
		assert.InDelta(t, 1.0, acc.Accuracy, 1e-9)
		assert.Equal(t, ResultMatch, store.observations[obs[0].ID].MatchResult)
	})

	t.Run("different category resolves mismatch", func(t *testing.T) {
		e, err := NewEvaluator(nil, newMemShadowStore(), nil)
		require.NoError(t, err)

		_, err = e.Observe(ctx, dropFact("cust-1", 55), snap(t))
		require.NoError(t, err)

		e.MatchIntervention(ctx, manualIntervention("cust-1", "discount.apply", proposedAt.Add(2*time.Hour)))

		acc := e.Accuracy("r1", 1)
		assert.Equal(t, 0, acc.Matches)
		assert.Equal(t, 1, acc.Mismatches)
		assert.InDelta(t, 0.0, acc.Accuracy, 1e-9)
	})

	t.Run("intervention outside match window leaves proposal pending", func(t *testing.T) {
		e, err := NewEvaluator(nil, newMemShadowStore(), nil)
		require.NoError(t, err)

		_, err = e.Observe(ctx, dropFact("cust-1", 55), snap(t))
		require.NoError(t, err)

		e.MatchIntervention(ctx, manualIntervention("cust-1", "outreach.call", proposedAt.Add(49*time.Hour)))

		acc := e.Accuracy("r1", 1)
		assert.Equal(t, 0, acc.SampleCount)
	})

	t.Run("intervention before proposal is ignored", func(t *testing.T) {
		e, err := NewEvaluator(nil, newMemShadowStore(), nil)
		require.NoError(t, err)

		_, err = e.Observe(ctx, dropFact("cust-1", 55), snap(t))
		require.NoError(t, err)

		e.MatchIntervention(ctx, manualIntervention("cust-1", "outreach.call", proposedAt.Add(-time.Hour)))

		assert.Equal(t, 0, e.Accuracy("r1", 1).SampleCount)
	})

	t.Run("other entities are untouched", func(t *testing.T) {
		e, err := NewEvaluator(nil, newMemShadowStore(), nil)
		require.NoError(t, err)

		_, err = e.Observe(ctx, dropFact("cust-1", 55), snap(t))
		require.NoError(t, err)

		e.MatchIntervention(ctx, manualIntervention("cust-2", "outreach.call", proposedAt.Add(time.Hour)))

		assert.Equal(t, 0, e.Accuracy("r1", 1).SampleCount)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("ages out proposals past the grace window", func(t *testing.T) {
		store := newMemShadowStore()
		e, err := NewEvaluator(nil, store, nil)
		require.NoError(t, err)
		snap := snapshotWith(t, shadowRule("r1", 1, rule.ModeShadow))

		obs, err := e.Observe(ctx, dropFact("cust-1", 55), snap)
		require.NoError(t, err)
		require.Len(t, obs, 1)

		aged := e.Sweep(ctx, proposedAt.Add(721*time.Hour))
		assert.Equal(t, 1, aged)

		acc := e.Accuracy("r1", 1)
		assert.Equal(t, 1, acc.Unknown)
		assert.Equal(t, 0, acc.SampleCount)
		assert.Equal(t, ResultUnknown, store.observations[obs[0].ID].MatchResult)
	})

	t.Run("keeps proposals inside the grace window", func(t *testing.T) {
		e, err := NewEvaluator(nil, newMemShadowStore(), nil)
		require.NoError(t, err)
		snap := snapshotWith(t, shadowRule("r1", 1, rule.ModeShadow))

		_, err = e.Observe(ctx, dropFact("cust-1", 55), snap)
		require.NoError(t, err)

		assert.Equal(t, 0, e.Sweep(ctx, proposedAt.Add(time.Hour)))

		// Still resolvable afterwards.
		e.MatchIntervention(ctx, manualIntervention("cust-1", "outreach.call", proposedAt.Add(2*time.Hour)))
		assert.Equal(t, 1, e.Accuracy("r1", 1).Matches)
	})
}

func TestAccuracyRollingWindow(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{MatchWindow: 48 * time.Hour, GraceWindow: 720 * time.Hour, RollingWindow: 3}
	e, err := NewEvaluator(cfg, newMemShadowStore(), nil)
	require.NoError(t, err)
	snap := snapshotWith(t, shadowRule("r1", 1, rule.ModeShadow))

	// Four resolutions: mismatch, then three matches. The window of 3
	// drops the oldest mismatch.
	actions := []string{"discount.apply", "outreach.call", "outreach.call", "outreach.call"}
	for i, action := range actions {
		f := dropFact("cust-1", 55)
		f.ID = f.ID + "-" + action
		f.Timestamp = proposedAt.Add(time.Duration(i) * 100 * time.Hour)
		_, err := e.Observe(ctx, f, snap)
		require.NoError(t, err)

		rec := manualIntervention("cust-1", action, f.Timestamp.Add(time.Hour))
		rec.ID = rec.ID + f.Timestamp.String()
		e.MatchIntervention(ctx, rec)
	}

	acc := e.Accuracy("r1", 1)
	assert.Equal(t, 3, acc.SampleCount)
	assert.Equal(t, 3, acc.Matches)
	assert.Equal(t, 0, acc.Mismatches)
	assert.InDelta(t, 1.0, acc.Accuracy, 1e-9)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	store := newMemShadowStore()

	// Seed resolved history and one pending proposal directly.
	store.observations["o1"] = &Observation{
		ID: "o1", RuleID: "r1", RuleVersion: 1, EntityID: "cust-1",
		ProposedAction: "outreach.call", ProposedAt: proposedAt, MatchResult: ResultMatch,
	}
	store.observations["o2"] = &Observation{
		ID: "o2", RuleID: "r1", RuleVersion: 1, EntityID: "cust-1",
		ProposedAction: "outreach.call", ProposedAt: proposedAt, MatchResult: ResultMismatch,
	}
	store.observations["o3"] = &Observation{
		ID: "o3", RuleID: "r1", RuleVersion: 1, EntityID: "cust-2",
		ProposedAction: "outreach.call", ProposedAt: proposedAt, MatchResult: ResultPending,
	}

	e, err := NewEvaluator(nil, store, nil)
	require.NoError(t, err)
	require.NoError(t, e.Load(ctx, snapshotWith(t, shadowRule("r1", 1, rule.ModeShadow))))

	acc := e.Accuracy("r1", 1)
	assert.Equal(t, 2, acc.SampleCount)
	assert.Equal(t, 1, acc.Matches)
	assert.Equal(t, 1, acc.Mismatches)

	// The reloaded pending proposal can still be resolved.
	e.MatchIntervention(ctx, manualIntervention("cust-2", "outreach.email", proposedAt.Add(time.Hour)))
	assert.Equal(t, 2, e.Accuracy("r1", 1).Matches)
}

func TestActionCategory(t *testing.T) {
	assert.Equal(t, "outreach", ActionCategory("outreach.call"))
	assert.Equal(t, "outreach", ActionCategory("outreach.email"))
	assert.Equal(t, "escalate", ActionCategory("escalate"))
	assert.Equal(t, ".weird", ActionCategory(".weird"))
}
