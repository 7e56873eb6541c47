package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cadencelabs/autopath/internal/executor"
)

// InsertExecution appends an auto-execution record.
func (s *Store) InsertExecution(ctx context.Context, r *executor.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_executions
			(id, rule_id, rule_version, entity_id, action_code,
			 dispatched_at, external_ref, status, attempts, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RuleID, r.RuleVersion, r.EntityID, r.ActionCode,
		r.DispatchedAt.UnixNano(), nullString(r.ExternalRef), string(r.Status),
		r.Attempts, nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// LastSuccessfulExecution returns the dispatch time of the most recent
// successful execution for (entity, rule), or nil when there is none.
// The executor's cooldown check reads this.
func (s *Store) LastSuccessfulExecution(ctx context.Context, entityID, ruleID string) (*time.Time, error) {
	var dispatched int64
	err := s.db.QueryRowContext(ctx, `
		SELECT dispatched_at FROM auto_executions
		WHERE entity_id = ? AND rule_id = ? AND status = ?
		ORDER BY dispatched_at DESC LIMIT 1`,
		entityID, ruleID, string(executor.StatusSuccess),
	).Scan(&dispatched)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last execution: %w", err)
	}
	t := time.Unix(0, dispatched).UTC()
	return &t, nil
}

// ListExecutions returns an entity's executions, newest first. An empty
// entityID lists across all entities.
func (s *Store) ListExecutions(ctx context.Context, entityID string, limit int) ([]*executor.ExecutionRecord, error) {
	query := `
		SELECT id, rule_id, rule_version, entity_id, action_code,
		       dispatched_at, external_ref, status, attempts, error
		FROM auto_executions`
	args := []any{}
	if entityID != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY dispatched_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var records []*executor.ExecutionRecord
	for rows.Next() {
		var (
			r          executor.ExecutionRecord
			dispatched int64
			ref        sql.NullString
			status     string
			errText    sql.NullString
		)
		err := rows.Scan(&r.ID, &r.RuleID, &r.RuleVersion, &r.EntityID, &r.ActionCode,
			&dispatched, &ref, &status, &r.Attempts, &errText)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		r.DispatchedAt = time.Unix(0, dispatched).UTC()
		r.ExternalRef = ref.String
		r.Status = executor.Status(status)
		r.Error = errText.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

// InsertEscalation appends an operator-visible escalation.
func (s *Store) InsertEscalation(ctx context.Context, e *executor.Escalation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations
			(id, rule_id, rule_version, entity_id, action_code, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RuleID, e.RuleVersion, e.EntityID, e.ActionCode, e.Reason,
		e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

// ListEscalations returns the most recent escalations, newest first.
func (s *Store) ListEscalations(ctx context.Context, limit int) ([]*executor.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, rule_version, entity_id, action_code, reason, created_at
		FROM escalations ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query escalations: %w", err)
	}
	defer rows.Close()

	var escalations []*executor.Escalation
	for rows.Next() {
		var (
			e       executor.Escalation
			created int64
		)
		err := rows.Scan(&e.ID, &e.RuleID, &e.RuleVersion, &e.EntityID,
			&e.ActionCode, &e.Reason, &created)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		escalations = append(escalations, &e)
	}
	return escalations, rows.Err()
}
