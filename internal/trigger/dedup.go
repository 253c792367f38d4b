// Package trigger enforces at-most-once entry semantics.
//
// A trigger is the first threshold crossing for a token. Two invariants:
// at most one record per (token, condition, threshold), and at most one
// record per (condition, threshold) across all of the condition's tokens —
// YES and NO of the same market must never both fire.
//
// Correctness under concurrency and restarts comes from the store: claims
// serialize on a database advisory lock, so this holds across processes.
package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/store"
	"polymarket-trigger/pkg/types"
)

// Deduplicator answers "has this fired before?" and claims new triggers.
type Deduplicator struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a Deduplicator backed by the durable store.
func New(st *store.Store, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		store:  st,
		logger: logger.With("component", "dedup"),
	}
}

// ShouldTrigger is a fast, non-authoritative pre-check. False means a record
// already exists for either key and the event can be dropped before the
// expensive context build. True is not a claim: TryRecord decides.
func (d *Deduplicator) ShouldTrigger(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal) (bool, error) {
	exists, err := d.store.TriggerExists(ctx, tokenID, conditionID, threshold)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// ClaimInput carries the event data recorded with a successful claim.
type ClaimInput struct {
	TokenID      string
	ConditionID  string
	Threshold    decimal.Decimal
	Price        decimal.Decimal
	TradeSize    decimal.NullDecimal
	ModelScore   decimal.NullDecimal
	Outcome      string
	OutcomeIndex int
}

// TryRecord atomically claims the trigger. Returns true iff the caller won;
// false means another token or process claimed the condition first.
func (d *Deduplicator) TryRecord(ctx context.Context, in ClaimInput) (bool, error) {
	won, err := d.store.TryRecordTrigger(ctx, types.TriggerRecord{
		TokenID:      in.TokenID,
		ConditionID:  in.ConditionID,
		Threshold:    in.Threshold,
		Price:        in.Price,
		TradeSize:    in.TradeSize,
		ModelScore:   in.ModelScore,
		Outcome:      in.Outcome,
		OutcomeIndex: in.OutcomeIndex,
		TriggeredAt:  time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if !won {
		d.logger.Debug("trigger claim lost",
			"token_id", in.TokenID,
			"condition_id", in.ConditionID,
			"threshold", in.Threshold)
	}
	return won, nil
}

// Remove deletes a claim so the token may trigger again. Only legal when no
// order was submitted for it: the engine calls this on pre-submit validation
// failures and nowhere else.
func (d *Deduplicator) Remove(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal) error {
	d.logger.Info("removing trigger claim for retry",
		"token_id", tokenID,
		"condition_id", conditionID,
		"threshold", threshold)
	return d.store.RemoveTrigger(ctx, tokenID, conditionID, threshold)
}
