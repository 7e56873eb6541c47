package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cadencelabs/autopath/internal/fact"
)

// AppendFact inserts a fact into the append-only log. When the fact
// carries an external ref and a row with the same (entity, type, ref)
// already exists, the existing fact's ID is returned with created=false
// and nothing is written.
func (s *Store) AppendFact(ctx context.Context, f *fact.Fact) (string, bool, error) {
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal fact payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO facts (id, entity_id, fact_type, payload, external_ref, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		f.ID, f.EntityID, f.FactType, string(payload), nullString(f.ExternalRef), f.Timestamp.UnixNano(),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert fact: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Duplicate external ref. Surface the fact we already hold.
		var existing string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM facts
			WHERE entity_id = ? AND fact_type = ? AND external_ref = ?`,
			f.EntityID, f.FactType, f.ExternalRef,
		).Scan(&existing)
		if err != nil {
			return "", false, fmt.Errorf("select existing fact: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("commit: %w", err)
		}
		return existing, false, nil
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return f.ID, true, nil
}

// ListFacts returns the entity's facts in ingestion order.
func (s *Store) ListFacts(ctx context.Context, entityID string) ([]*fact.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, entity_id, fact_type, payload, external_ref, ts
		FROM facts WHERE entity_id = ? ORDER BY seq`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var facts []*fact.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func scanFact(rows *sql.Rows) (*fact.Fact, error) {
	var (
		f       fact.Fact
		payload string
		ref     sql.NullString
		ts      int64
	)
	if err := rows.Scan(&f.Seq, &f.ID, &f.EntityID, &f.FactType, &payload, &ref, &ts); err != nil {
		return nil, fmt.Errorf("scan fact: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &f.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal fact payload: %w", err)
	}
	f.ExternalRef = ref.String
	f.Timestamp = time.Unix(0, ts).UTC()
	return &f, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
