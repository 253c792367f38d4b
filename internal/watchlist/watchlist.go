// Package watchlist tracks near-miss markets.
//
// Markets that triggered but scored just under the execution threshold are
// stored and periodically rescored. Scores drift upward as resolution
// approaches; an entry crossing the execution threshold emits a Promotion
// for the engine to act on, and one decaying below the floor expires.
package watchlist

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/store"
	"polymarket-trigger/pkg/types"
)

// maxTimeBonus caps the time-to-end score bonus.
const maxTimeBonus = 0.07

// Scorer recomputes an entry's score. The default heuristic adds a bonus
// as resolution approaches.
type Scorer func(e types.WatchlistEntry, now time.Time) float64

// Promotion is a watchlist entry that crossed the execution threshold.
type Promotion struct {
	Entry types.WatchlistEntry
}

// Service stores and rescores watchlist entries.
type Service struct {
	store  *store.Store
	logger *slog.Logger

	executionThreshold float64
	minScore           float64
}

// New creates a watchlist service.
func New(st *store.Store, executionThreshold, minScore float64, logger *slog.Logger) *Service {
	return &Service{
		store:              st,
		logger:             logger.With("component", "watchlist"),
		executionThreshold: executionThreshold,
		minScore:           minScore,
	}
}

// Add upserts a watching entry keyed by token.
func (s *Service) Add(ctx context.Context, tokenID, conditionID, question string, score, timeToEndHours float64, triggerPrice decimal.NullDecimal) error {
	err := s.store.UpsertWatchlistEntry(ctx, types.WatchlistEntry{
		TokenID:        tokenID,
		ConditionID:    conditionID,
		Question:       question,
		TriggerPrice:   triggerPrice,
		InitialScore:   score,
		CurrentScore:   score,
		TimeToEndHours: timeToEndHours,
	})
	if err != nil {
		return err
	}
	s.logger.Info("watchlist add", "token_id", tokenID, "score", score)
	return nil
}

// defaultScore adds a time-to-end bonus: markets close to resolution with a
// still-high score become more attractive, up to maxTimeBonus.
func defaultScore(e types.WatchlistEntry, now time.Time) float64 {
	hoursLeft := e.TimeToEndHours - now.Sub(e.CreatedAt).Hours()
	if hoursLeft < 0 {
		hoursLeft = 0
	}

	// Bonus scales from 0 at 7 days out to maxTimeBonus at resolution.
	const horizon = 7 * 24.0
	bonus := maxTimeBonus * (1 - hoursLeft/horizon)
	if bonus < 0 {
		bonus = 0
	}
	if bonus > maxTimeBonus {
		bonus = maxTimeBonus
	}

	score := e.InitialScore + bonus
	if score > 1 {
		score = 1
	}
	return score
}

// RescoreAll recomputes every watching entry's score. Entries crossing the
// execution threshold from below are promoted and returned; entries under
// the floor expire. A nil scorer uses the default heuristic.
func (s *Service) RescoreAll(ctx context.Context, scorer Scorer) ([]Promotion, error) {
	if scorer == nil {
		scorer = defaultScore
	}

	entries, err := s.store.ListWatching(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var promotions []Promotion
	for _, e := range entries {
		newScore := scorer(e, now)

		switch {
		case newScore >= s.executionThreshold && e.CurrentScore < s.executionThreshold:
			if err := s.store.UpdateWatchlistScore(ctx, e.TokenID, newScore, types.WatchPromoted); err != nil {
				s.logger.Error("promote failed", "token_id", e.TokenID, "error", err)
				continue
			}
			e.CurrentScore = newScore
			promotions = append(promotions, Promotion{Entry: e})
			s.logger.Info("watchlist promotion", "token_id", e.TokenID, "score", newScore)

		case newScore < s.minScore:
			if err := s.store.UpdateWatchlistScore(ctx, e.TokenID, newScore, types.WatchExpired); err != nil {
				s.logger.Error("expire failed", "token_id", e.TokenID, "error", err)
			}

		default:
			if err := s.store.UpdateWatchlistScore(ctx, e.TokenID, newScore, types.WatchWatching); err != nil {
				s.logger.Error("rescore failed", "token_id", e.TokenID, "error", err)
			}
		}
	}
	return promotions, nil
}

// MarkTraded records that a promoted entry resulted in a trade.
func (s *Service) MarkTraded(ctx context.Context, tokenID string, score float64) error {
	return s.store.UpdateWatchlistScore(ctx, tokenID, score, types.WatchTraded)
}

// List returns all entries for the dashboard.
func (s *Service) List(ctx context.Context) ([]types.WatchlistEntry, error) {
	return s.store.ListWatchlist(ctx)
}
