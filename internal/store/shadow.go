package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cadencelabs/autopath/internal/shadow"
)

// InsertShadowObservation stores a pending observation.
func (s *Store) InsertShadowObservation(ctx context.Context, o *shadow.Observation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shadow_observations
			(id, rule_id, rule_version, entity_id, proposed_action,
			 proposed_at, match_result)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RuleID, o.RuleVersion, o.EntityID, o.ProposedAction,
		o.ProposedAt.UnixNano(), string(shadow.ResultPending),
	)
	if err != nil {
		return fmt.Errorf("insert shadow observation: %w", err)
	}
	return nil
}

// ResolveShadowObservation patches a pending observation with its
// final result. Resolving a non-pending observation is an error.
func (s *Store) ResolveShadowObservation(ctx context.Context, id string, result shadow.MatchResult, matchedInterventionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shadow_observations
		SET match_result = ?, matched_intervention_id = ?, resolved_at = ?
		WHERE id = ? AND match_result = ?`,
		string(result), nullString(matchedInterventionID), time.Now().UnixNano(),
		id, string(shadow.ResultPending),
	)
	if err != nil {
		return fmt.Errorf("resolve shadow observation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("shadow observation %s is not pending", id)
	}
	return nil
}

// ListPendingShadowObservations returns all unresolved observations in
// proposal order.
func (s *Store) ListPendingShadowObservations(ctx context.Context) ([]*shadow.Observation, error) {
	return s.queryObservations(ctx, `
		SELECT id, rule_id, rule_version, entity_id, proposed_action,
		       proposed_at, matched_intervention_id, match_result
		FROM shadow_observations
		WHERE match_result = ? ORDER BY proposed_at`,
		string(shadow.ResultPending))
}

// ListResolvedShadowObservations returns the most recently resolved
// observations for a rule version, newest first.
func (s *Store) ListResolvedShadowObservations(ctx context.Context, ruleID string, version, limit int) ([]*shadow.Observation, error) {
	return s.queryObservations(ctx, `
		SELECT id, rule_id, rule_version, entity_id, proposed_action,
		       proposed_at, matched_intervention_id, match_result
		FROM shadow_observations
		WHERE rule_id = ? AND rule_version = ? AND match_result != ?
		ORDER BY resolved_at DESC LIMIT ?`,
		ruleID, version, string(shadow.ResultPending), limit)
}

func (s *Store) queryObservations(ctx context.Context, query string, args ...any) ([]*shadow.Observation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query shadow observations: %w", err)
	}
	defer rows.Close()

	var obs []*shadow.Observation
	for rows.Next() {
		var (
			o        shadow.Observation
			proposed int64
			matched  sql.NullString
			result   string
		)
		err := rows.Scan(&o.ID, &o.RuleID, &o.RuleVersion, &o.EntityID,
			&o.ProposedAction, &proposed, &matched, &result)
		if err != nil {
			return nil, fmt.Errorf("scan shadow observation: %w", err)
		}
		o.ProposedAt = time.Unix(0, proposed).UTC()
		o.MatchedInterventionID = matched.String
		o.MatchResult = shadow.MatchResult(result)
		obs = append(obs, &o)
	}
	return obs, rows.Err()
}
