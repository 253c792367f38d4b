package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

type watchlistRow struct {
	TokenID        string              `db:"token_id"`
	ConditionID    string              `db:"condition_id"`
	Question       string              `db:"question"`
	TriggerPrice   decimal.NullDecimal `db:"trigger_price"`
	InitialScore   float64             `db:"initial_score"`
	CurrentScore   float64             `db:"current_score"`
	TimeToEndHours float64             `db:"time_to_end_hours"`
	Status         string              `db:"status"`
	CreatedAt      time.Time           `db:"created_at"`
	UpdatedAt      time.Time           `db:"updated_at"`
}

func (r watchlistRow) toEntry() types.WatchlistEntry {
	return types.WatchlistEntry{
		TokenID:        r.TokenID,
		ConditionID:    r.ConditionID,
		Question:       r.Question,
		TriggerPrice:   r.TriggerPrice,
		InitialScore:   r.InitialScore,
		CurrentScore:   r.CurrentScore,
		TimeToEndHours: r.TimeToEndHours,
		Status:         types.WatchStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// UpsertWatchlistEntry adds or refreshes a watching entry keyed by token.
// A re-add of an existing token refreshes its score but keeps created_at.
func (s *Store) UpsertWatchlistEntry(ctx context.Context, e types.WatchlistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_watchlist
			(token_id, condition_id, question, trigger_price, initial_score,
			 current_score, time_to_end_hours, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'watching')
		ON CONFLICT (token_id) DO UPDATE
		SET current_score = EXCLUDED.current_score,
		    time_to_end_hours = EXCLUDED.time_to_end_hours,
		    trigger_price = EXCLUDED.trigger_price,
		    status = 'watching',
		    updated_at = now()`,
		e.TokenID, e.ConditionID, e.Question, e.TriggerPrice,
		e.InitialScore, e.CurrentScore, e.TimeToEndHours)
	if err != nil {
		return fmt.Errorf("upsert watchlist entry: %w", err)
	}
	return nil
}

// ListWatching returns all entries currently in the watching state.
func (s *Store) ListWatching(ctx context.Context) ([]types.WatchlistEntry, error) {
	var rows []watchlistRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT token_id, condition_id, question, trigger_price, initial_score,
		       current_score, time_to_end_hours, status, created_at, updated_at
		FROM trade_watchlist
		WHERE status = 'watching'
		ORDER BY current_score DESC`)
	if err != nil {
		return nil, fmt.Errorf("list watching: %w", err)
	}
	entries := make([]types.WatchlistEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

// ListWatchlist returns all entries regardless of state, newest first.
func (s *Store) ListWatchlist(ctx context.Context) ([]types.WatchlistEntry, error) {
	var rows []watchlistRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT token_id, condition_id, question, trigger_price, initial_score,
		       current_score, time_to_end_hours, status, created_at, updated_at
		FROM trade_watchlist
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list watchlist: %w", err)
	}
	entries := make([]types.WatchlistEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.toEntry()
	}
	return entries, nil
}

// UpdateWatchlistScore writes a rescore result and optional status change.
func (s *Store) UpdateWatchlistScore(ctx context.Context, tokenID string, score float64, status types.WatchStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trade_watchlist
		SET current_score = $2, status = $3, updated_at = now()
		WHERE token_id = $1`, tokenID, score, string(status))
	if err != nil {
		return fmt.Errorf("update watchlist score: %w", err)
	}
	return nil
}
