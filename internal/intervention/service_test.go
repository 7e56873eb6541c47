package intervention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencelabs/autopath/internal/fault"
)

type memStore struct {
	records map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record)}
}

func (m *memStore) InsertIntervention(_ context.Context, r *Record) error {
	copied := *r
	m.records[r.ID] = &copied
	return nil
}

func (m *memStore) GetIntervention(_ context.Context, id string) (*Record, error) {
	return m.records[id], nil
}

func (m *memStore) SetOutcome(_ context.Context, id, outcome string, at time.Time) (bool, string, error) {
	r, ok := m.records[id]
	if !ok {
		return false, "", nil
	}
	if r.Outcome != "" {
		return false, r.Outcome, nil
	}
	r.Outcome = outcome
	r.OutcomeAt = &at
	return true, "", nil
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("records manual intervention", func(t *testing.T) {
		store := newMemStore()
		svc, err := NewService(store, nil, nil)
		require.NoError(t, err)

		id, err := svc.Record(ctx, &RecordRequest{
			EntityID:   "cust-1",
			ActorID:    "alex",
			ActionCode: "outreach.call",
			Mode:       ModeManual,
			ContextSnapshot: map[string]any{
				"trigger_type": "usage.drop",
			},
		})
		require.NoError(t, err)
		r := store.records[id]
		require.NotNil(t, r)
		assert.Equal(t, ModeManual, r.Mode)
		assert.Empty(t, r.Outcome)
		assert.False(t, r.Resolved())
	})

	t.Run("auto mode requires rule reference", func(t *testing.T) {
		svc, err := NewService(newMemStore(), nil, nil)
		require.NoError(t, err)

		_, err = svc.Record(ctx, &RecordRequest{
			EntityID:   "cust-1",
			ActorID:    "autopath",
			ActionCode: "outreach.call",
			Mode:       ModeAuto,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, fault.ErrIngestion)

		_, err = svc.Record(ctx, &RecordRequest{
			EntityID:    "cust-1",
			ActorID:     "autopath",
			ActionCode:  "outreach.call",
			Mode:        ModeAuto,
			RuleID:      "usage.drop:drop_pct:gte:outreach.call",
			RuleVersion: 2,
		})
		assert.NoError(t, err)
	})

	t.Run("rejects missing fields", func(t *testing.T) {
		svc, err := NewService(newMemStore(), nil, nil)
		require.NoError(t, err)

		tests := []struct {
			name string
			req  *RecordRequest
		}{
			{"no entity", &RecordRequest{ActorID: "alex", ActionCode: "a.b", Mode: ModeManual}},
			{"no actor", &RecordRequest{EntityID: "cust-1", ActionCode: "a.b", Mode: ModeManual}},
			{"no action", &RecordRequest{EntityID: "cust-1", ActorID: "alex", Mode: ModeManual}},
			{"bad mode", &RecordRequest{EntityID: "cust-1", ActorID: "alex", ActionCode: "a.b", Mode: "hybrid"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.Record(ctx, tt.req)
				assert.ErrorIs(t, err, fault.ErrIngestion)
			})
		}
	})
}

func TestAttachOutcome(t *testing.T) {
	ctx := context.Background()

	record := func(t *testing.T, svc *Service) string {
		t.Helper()
		id, err := svc.Record(ctx, &RecordRequest{
			EntityID:   "cust-1",
			ActorID:    "alex",
			ActionCode: "outreach.call",
			Mode:       ModeManual,
		})
		require.NoError(t, err)
		return id
	}

	t.Run("attaches once", func(t *testing.T) {
		store := newMemStore()
		svc, err := NewService(store, nil, nil)
		require.NoError(t, err)
		id := record(t, svc)

		at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		require.NoError(t, svc.AttachOutcome(ctx, id, "success", at))

		r := store.records[id]
		assert.Equal(t, "success", r.Outcome)
		require.NotNil(t, r.OutcomeAt)
		assert.Equal(t, at, *r.OutcomeAt)
		assert.True(t, r.Resolved())
	})

	t.Run("same outcome twice is a no-op", func(t *testing.T) {
		svc, err := NewService(newMemStore(), nil, nil)
		require.NoError(t, err)
		id := record(t, svc)

		require.NoError(t, svc.AttachOutcome(ctx, id, "success", time.Now()))
		assert.NoError(t, svc.AttachOutcome(ctx, id, "success", time.Now()))
	})

	t.Run("conflicting outcome fails", func(t *testing.T) {
		svc, err := NewService(newMemStore(), nil, nil)
		require.NoError(t, err)
		id := record(t, svc)

		require.NoError(t, svc.AttachOutcome(ctx, id, "success", time.Now()))
		err = svc.AttachOutcome(ctx, id, "failure", time.Now())
		require.Error(t, err)
		assert.ErrorIs(t, err, fault.ErrConcurrencyConflict)
	})

	t.Run("validates input", func(t *testing.T) {
		svc, err := NewService(newMemStore(), nil, nil)
		require.NoError(t, err)

		assert.ErrorIs(t, svc.AttachOutcome(ctx, "", "success", time.Now()), fault.ErrIngestion)
		assert.ErrorIs(t, svc.AttachOutcome(ctx, "some-id", "", time.Now()), fault.ErrIngestion)
	})
}
