package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cadencelabs/autopath/internal/intervention"
)

// InsertIntervention appends an intervention record. The outcome
// columns start NULL and are patched at most once by SetOutcome.
func (s *Store) InsertIntervention(ctx context.Context, r *intervention.Record) error {
	snapshot, err := json.Marshal(r.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("marshal context snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interventions
			(id, entity_id, actor_id, action_code, mode, context_snapshot,
			 rule_id, rule_version, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EntityID, r.ActorID, r.ActionCode, string(r.Mode), string(snapshot),
		nullString(r.RuleID), nullInt(r.RuleVersion), r.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert intervention: %w", err)
	}
	return nil
}

// GetIntervention returns a record by ID, or nil when absent.
func (s *Store) GetIntervention(ctx context.Context, id string) (*intervention.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, actor_id, action_code, mode, context_snapshot,
		       rule_id, rule_version, outcome, outcome_at, recorded_at
		FROM interventions WHERE id = ?`,
		id,
	)
	r, err := scanIntervention(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// SetOutcome attaches an outcome to a record iff none is set yet. When
// the record already carries an outcome, it returns applied=false and
// the stored outcome so the caller can distinguish idempotent repeats
// from conflicting writes.
func (s *Store) SetOutcome(ctx context.Context, id, outcome string, at time.Time) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE interventions SET outcome = ?, outcome_at = ?
		WHERE id = ? AND outcome IS NULL`,
		outcome, at.UnixNano(), id,
	)
	if err != nil {
		return false, "", fmt.Errorf("set outcome: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		if err := tx.Commit(); err != nil {
			return false, "", fmt.Errorf("commit: %w", err)
		}
		return true, "", nil
	}

	var existing sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT outcome FROM interventions WHERE id = ?`, id,
	).Scan(&existing)
	if err == sql.ErrNoRows {
		return false, "", fmt.Errorf("intervention %s not found", id)
	}
	if err != nil {
		return false, "", fmt.Errorf("select outcome: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit: %w", err)
	}
	return false, existing.String, nil
}

// ListInterventions returns every intervention in ingestion order. The
// path extractor mines the whole history on each run.
func (s *Store) ListInterventions(ctx context.Context) ([]*intervention.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, actor_id, action_code, mode, context_snapshot,
		       rule_id, rule_version, outcome, outcome_at, recorded_at
		FROM interventions ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("query interventions: %w", err)
	}
	defer rows.Close()

	var records []*intervention.Record
	for rows.Next() {
		r, err := scanIntervention(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntervention(row rowScanner) (*intervention.Record, error) {
	var (
		r         intervention.Record
		mode      string
		snapshot  string
		ruleID    sql.NullString
		ruleVer   sql.NullInt64
		outcome   sql.NullString
		outcomeAt sql.NullInt64
		recorded  int64
	)
	err := row.Scan(&r.ID, &r.EntityID, &r.ActorID, &r.ActionCode, &mode, &snapshot,
		&ruleID, &ruleVer, &outcome, &outcomeAt, &recorded)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &r.ContextSnapshot); err != nil {
		return nil, fmt.Errorf("unmarshal context snapshot: %w", err)
	}
	r.Mode = intervention.Mode(mode)
	r.RuleID = ruleID.String
	r.RuleVersion = int(ruleVer.Int64)
	r.Outcome = outcome.String
	if outcomeAt.Valid {
		t := time.Unix(0, outcomeAt.Int64).UTC()
		r.OutcomeAt = &t
	}
	r.RecordedAt = time.Unix(0, recorded).UTC()
	return &r, nil
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
