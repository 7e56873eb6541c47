package store

import (
	"context"
	"fmt"

	"github.com/cadencelabs/autopath/internal/promotion"
)

// InsertPromotionDecision appends a decision to the audit log. The
// partial unique index on approved tokens makes double-spending a token
// a constraint violation even across concurrent processes.
func (s *Store) InsertPromotionDecision(ctx context.Context, d *promotion.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotion_decisions
			(id, rule_id, rule_version, decided_at, operator_id,
			 accuracy, sample_count, result, approval_token, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RuleID, d.RuleVersion, d.DecidedAt.UnixNano(), d.OperatorID,
		d.AccuracyAtDecision, d.SampleCount, string(d.Result),
		nullString(d.ApprovalToken), nullString(d.Reason),
	)
	if err != nil {
		return fmt.Errorf("insert promotion decision: %w", err)
	}
	return nil
}

// ApprovalTokenUsed reports whether a token was already consumed by an
// approved promotion.
func (s *Store) ApprovalTokenUsed(ctx context.Context, token string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM promotion_decisions
		WHERE approval_token = ? AND result = ?`,
		token, string(promotion.ResultApproved),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query approval token: %w", err)
	}
	return n > 0, nil
}
