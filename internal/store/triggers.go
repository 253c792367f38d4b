package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

type triggerRow struct {
	TokenID      string              `db:"token_id"`
	ConditionID  string              `db:"condition_id"`
	Threshold    decimal.Decimal     `db:"threshold"`
	Price        decimal.Decimal     `db:"price"`
	Size         decimal.NullDecimal `db:"size"`
	Score        decimal.NullDecimal `db:"score"`
	Outcome      string              `db:"outcome"`
	OutcomeIndex int                 `db:"outcome_index"`
	CreatedAt    time.Time           `db:"created_at"`
}

func (r triggerRow) toRecord() types.TriggerRecord {
	return types.TriggerRecord{
		TokenID:      r.TokenID,
		ConditionID:  r.ConditionID,
		Threshold:    r.Threshold,
		Price:        r.Price,
		TradeSize:    r.Size,
		ModelScore:   r.Score,
		Outcome:      r.Outcome,
		OutcomeIndex: r.OutcomeIndex,
		TriggeredAt:  r.CreatedAt,
	}
}

// triggerLockKey derives a deterministic 64-bit advisory lock key for a
// (condition, threshold) pair. FNV-1a so every process computes the same
// key regardless of Go version or architecture.
func triggerLockKey(conditionID string, threshold decimal.Decimal) int64 {
	h := fnv.New64a()
	h.Write([]byte(conditionID))
	h.Write([]byte(":"))
	h.Write([]byte(threshold.String()))
	return int64(h.Sum64())
}

// TriggerExists reports whether any trigger exists for the token key or for
// the condition key across tokens. Non-authoritative: used for fast
// rejection only, the atomic claim re-checks under the lock.
func (s *Store) TriggerExists(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM triggers
			WHERE (token_id = $1 AND condition_id = $2 AND threshold = $3)
			   OR (condition_id = $2 AND threshold = $3)
		)`, tokenID, conditionID, threshold)
	if err != nil {
		return false, fmt.Errorf("check trigger: %w", err)
	}
	return exists, nil
}

// TryRecordTrigger atomically claims a trigger. Returns true iff this call
// created the record; false means another token or process already holds the
// (condition, threshold) claim.
//
// The advisory lock is transaction-scoped: it serializes all claimants for
// one (condition, threshold) pair, the check under the lock closes the
// check-then-insert race, and the lock releases on commit or rollback.
func (s *Store) TryRecordTrigger(ctx context.Context, rec types.TriggerRecord) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin trigger claim: %w", err)
	}
	defer tx.Rollback()

	key := triggerLockKey(rec.ConditionID, rec.Threshold)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	var exists bool
	err = tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM triggers WHERE condition_id = $1 AND threshold = $2
		)`, rec.ConditionID, rec.Threshold)
	if err != nil {
		return false, fmt.Errorf("check under lock: %w", err)
	}
	if exists {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO triggers
			(token_id, condition_id, threshold, price, size, score, outcome, outcome_index, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.TokenID, rec.ConditionID, rec.Threshold, rec.Price,
		rec.TradeSize, rec.ModelScore, rec.Outcome, rec.OutcomeIndex,
		rec.TriggeredAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert trigger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit trigger claim: %w", err)
	}
	return true, nil
}

// RemoveTrigger deletes a claim. Only legal when the caller knows no order
// was submitted for it (pre-submit validation failure); after a real
// submission the claim must stay even if the order later fails.
func (s *Store) RemoveTrigger(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM triggers
		WHERE token_id = $1 AND condition_id = $2 AND threshold = $3`,
		tokenID, conditionID, threshold)
	if err != nil {
		return fmt.Errorf("remove trigger: %w", err)
	}
	return nil
}

// GetTrigger fetches one trigger record by its full key.
func (s *Store) GetTrigger(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal) (types.TriggerRecord, bool, error) {
	var row triggerRow
	err := s.db.GetContext(ctx, &row, `
		SELECT token_id, condition_id, threshold, price, size, score,
		       outcome, outcome_index, created_at
		FROM triggers
		WHERE token_id = $1 AND condition_id = $2 AND threshold = $3`,
		tokenID, conditionID, threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TriggerRecord{}, false, nil
	}
	if err != nil {
		return types.TriggerRecord{}, false, fmt.Errorf("get trigger: %w", err)
	}
	return row.toRecord(), true, nil
}

// RecentTriggers lists the newest triggers for the dashboard.
func (s *Store) RecentTriggers(ctx context.Context, limit int) ([]types.TriggerRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []triggerRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT token_id, condition_id, threshold, price, size, score,
		       outcome, outcome_index, created_at
		FROM triggers
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent triggers: %w", err)
	}
	records := make([]types.TriggerRecord, len(rows))
	for i, r := range rows {
		records[i] = r.toRecord()
	}
	return records, nil
}
