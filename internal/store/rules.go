package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cadencelabs/autopath/internal/rule"
)

// InsertRuleVersion appends an immutable rule version row. The primary
// key on (id, version) rejects concurrent inserts of the same version,
// which the registry surfaces as a version conflict.
func (s *Store) InsertRuleVersion(ctx context.Context, r *rule.Rule) error {
	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger condition: %w", err)
	}
	thresholds, err := json.Marshal(r.Thresholds)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules
			(id, version, trigger_type, trigger_condition, action_code,
			 thresholds, mode, created_from_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Version, r.TriggerType, string(trigger), r.ActionCode,
		string(thresholds), string(r.Mode), r.CreatedFromPath, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert rule version: %w", err)
	}
	return nil
}

// UpdateRuleMode patches the mode of one stored version.
func (s *Store) UpdateRuleMode(ctx context.Context, id string, version int, mode rule.Mode) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET mode = ? WHERE id = ? AND version = ?`,
		string(mode), id, version,
	)
	if err != nil {
		return fmt.Errorf("update rule mode: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rule %s version %d not found", id, version)
	}
	return nil
}

// ListRuleVersions returns all versions of a rule, oldest first.
func (s *Store) ListRuleVersions(ctx context.Context, id string) ([]*rule.Rule, error) {
	return s.queryRules(ctx, `
		SELECT id, version, trigger_type, trigger_condition, action_code,
		       thresholds, mode, created_from_path, created_at
		FROM rules WHERE id = ? ORDER BY version`, id)
}

// ListAllRules returns every stored rule version.
func (s *Store) ListAllRules(ctx context.Context) ([]*rule.Rule, error) {
	return s.queryRules(ctx, `
		SELECT id, version, trigger_type, trigger_condition, action_code,
		       thresholds, mode, created_from_path, created_at
		FROM rules ORDER BY id, version`)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]*rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*rule.Rule
	for rows.Next() {
		var (
			r          rule.Rule
			trigger    string
			thresholds string
			mode       string
			created    int64
		)
		err := rows.Scan(&r.ID, &r.Version, &r.TriggerType, &trigger, &r.ActionCode,
			&thresholds, &mode, &r.CreatedFromPath, &created)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if err := json.Unmarshal([]byte(trigger), &r.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger condition: %w", err)
		}
		if err := json.Unmarshal([]byte(thresholds), &r.Thresholds); err != nil {
			return nil, fmt.Errorf("unmarshal thresholds: %w", err)
		}
		r.Mode = rule.Mode(mode)
		r.CreatedAt = time.Unix(0, created).UTC()
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}
