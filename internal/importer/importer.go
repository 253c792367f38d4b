// Package importer reconciles local positions with the exchange's view.
//
// Positions can change outside this process: manual trades, partial sells
// from another tool, redemptions. A quick sync trues up sizes; a full sync
// additionally imports unknown positions and closes positions the exchange
// no longer reports.
//
// Close-detection is guarded: a partial or empty remote response must never
// close anything, because "missing from the response" and "missing from the
// exchange" are not the same thing.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/exchange"
	"polymarket-trigger/internal/execution"
	"polymarket-trigger/internal/store"
	"polymarket-trigger/pkg/types"
)

// sizeDriftTolerance is the max size difference ignored as rounding noise.
var sizeDriftTolerance = decimal.NewFromFloat(0.001)

// Sync types recorded in the sync log.
const (
	SyncQuick = "quick"
	SyncFull  = "full"
)

// PositionWire is the exchange surface the importer needs.
type PositionWire interface {
	FetchPositions(ctx context.Context, wallet string) ([]exchange.RemotePosition, bool, error)
	FetchTradeTimestamps(ctx context.Context, wallet string) (map[string]time.Time, error)
}

// Config tunes import behaviour.
type Config struct {
	Wallet     string
	HoldPolicy string // new | mature | actual
	MatureDays int
	DryRun     bool
}

// Importer reconciles positions against the exchange.
type Importer struct {
	wire    PositionWire
	tracker *execution.Tracker
	store   *store.Store
	cfg     Config
	logger  *slog.Logger
}

// New creates an importer.
func New(wire PositionWire, tracker *execution.Tracker, st *store.Store, cfg Config, logger *slog.Logger) *Importer {
	return &Importer{
		wire:    wire,
		tracker: tracker,
		store:   st,
		cfg:     cfg,
		logger:  logger.With("component", "importer"),
	}
}

// Sync runs one reconciliation pass. SyncQuick only trues up sizes of known
// positions; SyncFull also imports new external positions and runs guarded
// close-detection.
func (im *Importer) Sync(ctx context.Context, syncType string) error {
	if im.cfg.Wallet == "" {
		return nil
	}

	run := store.SyncRun{
		RunID:         uuid.NewString(),
		SyncType:      syncType,
		WalletAddress: im.cfg.Wallet,
		StartedAt:     time.Now().UTC(),
	}
	var runErrors []string

	remote, partial, err := im.wire.FetchPositions(ctx, im.cfg.Wallet)
	if err != nil {
		return fmt.Errorf("fetch remote positions: %w", err)
	}
	run.Found = len(remote)

	local, err := im.tracker.ListOpen(ctx)
	if err != nil {
		return err
	}
	localByToken := make(map[string]types.Position, len(local))
	for _, p := range local {
		localByToken[p.TokenID] = p
	}

	var tradeTimes map[string]time.Time
	if syncType == SyncFull && im.cfg.HoldPolicy == "actual" {
		tradeTimes, err = im.wire.FetchTradeTimestamps(ctx, im.cfg.Wallet)
		if err != nil {
			// Degrades imports to age_source=unknown, not fatal.
			im.logger.Warn("trade timestamp fetch failed", "error", err)
			runErrors = append(runErrors, "timestamps: "+err.Error())
		}
	}

	remoteTokens := make(map[string]bool, len(remote))
	for _, rp := range remote {
		remoteTokens[rp.TokenID] = true

		localPos, known := localByToken[rp.TokenID]
		if !known {
			if syncType == SyncFull {
				if err := im.importPosition(ctx, rp, tradeTimes); err != nil {
					im.logger.Error("import failed", "token_id", rp.TokenID, "error", err)
					runErrors = append(runErrors, "import: "+err.Error())
					continue
				}
				run.Imported++
			}
			continue
		}

		drift := rp.Size.Sub(localPos.Size).Abs()
		if drift.GreaterThan(sizeDriftTolerance) {
			if im.cfg.DryRun {
				im.logger.Info("dry-run: would update size",
					"token_id", rp.TokenID, "local", localPos.Size, "remote", rp.Size)
				continue
			}
			// The cost basis can't survive an externally changed size;
			// keep entry_price and scale the cost, flagging it unknown.
			newCost := rp.Size.Mul(localPos.EntryPrice)
			if err := im.store.UpdatePositionSize(ctx, localPos.PositionID, rp.Size, newCost); err != nil {
				runErrors = append(runErrors, "drift: "+err.Error())
				continue
			}
			run.Updated++
			im.logger.Info("size drift corrected",
				"token_id", rp.TokenID, "local", localPos.Size, "remote", rp.Size)
		}
	}

	if syncType == SyncFull {
		closed, errs := im.closeMissing(ctx, local, remoteTokens, partial, len(remote))
		run.Closed = closed
		runErrors = append(runErrors, errs...)
	}

	run.Errors = strings.Join(runErrors, "; ")
	if err := im.store.InsertSyncRun(ctx, run); err != nil {
		im.logger.Error("record sync run failed", "error", err)
	}

	// The tracker's token index is stale after imports and closes.
	if err := im.tracker.Load(ctx); err != nil {
		return err
	}

	im.logger.Info("position sync complete",
		"type", syncType,
		"found", run.Found,
		"imported", run.Imported,
		"updated", run.Updated,
		"closed", run.Closed,
		"partial", partial)
	return nil
}

// importPosition inserts an externally opened position. The hold policy
// decides how much history to trust:
//
//	actual: a verified earliest-BUY timestamp, when one exists
//	mature: assume the position is already mature_days old
//	new:    treat it as opened now
//
// Only the actual policy with a found timestamp earns age_source=actual;
// everything else is unknown and therefore always exit-eligible.
func (im *Importer) importPosition(ctx context.Context, rp exchange.RemotePosition, tradeTimes map[string]time.Time) error {
	if im.cfg.DryRun {
		im.logger.Info("dry-run: would import position", "token_id", rp.TokenID, "size", rp.Size)
		return nil
	}

	now := time.Now().UTC()
	holdStart := now
	ageSource := types.AgeUnknown

	switch im.cfg.HoldPolicy {
	case "actual":
		if ts, ok := tradeTimes[rp.TokenID]; ok {
			holdStart = ts
			ageSource = types.AgeActual
		}
	case "mature":
		holdStart = now.AddDate(0, 0, -im.cfg.MatureDays)
	}

	entryPrice := decimal.Zero
	if rp.AvgPrice.Valid {
		entryPrice = rp.AvgPrice.Decimal
	}

	id, err := im.store.InsertPosition(ctx, types.Position{
		TokenID:      rp.TokenID,
		ConditionID:  rp.ConditionID,
		Outcome:      rp.Outcome,
		Size:         rp.Size,
		EntryPrice:   entryPrice,
		EntryCost:    rp.Size.Mul(entryPrice),
		EntryTime:    holdStart,
		HoldStartAt:  holdStart,
		AgeSource:    ageSource,
		ImportSource: "exchange_sync",
		Description:  rp.Title,
	})
	if err != nil {
		return err
	}

	im.logger.Info("imported external position",
		"position_id", id,
		"token_id", rp.TokenID,
		"size", rp.Size,
		"age_source", ageSource)
	return nil
}

// closeMissing closes local positions the exchange no longer reports.
// Skipped entirely when the remote response was partial, or when the remote
// came back empty while local positions exist — both shapes mean the data,
// not the positions, went missing.
func (im *Importer) closeMissing(ctx context.Context, local []types.Position, remoteTokens map[string]bool, partial bool, remoteCount int) (int, []string) {
	if partial {
		im.logger.Warn("skipping close-detection: partial remote response")
		return 0, nil
	}
	if remoteCount == 0 && len(local) > 0 {
		im.logger.Warn("skipping close-detection: remote empty with local positions open",
			"local_open", len(local))
		return 0, nil
	}

	closed := 0
	var errs []string
	for _, pos := range local {
		if remoteTokens[pos.TokenID] {
			continue
		}
		if im.cfg.DryRun {
			im.logger.Info("dry-run: would close missing position",
				"position_id", pos.PositionID, "token_id", pos.TokenID)
			continue
		}
		// Missing remotely means it was sold or redeemed elsewhere. The exit
		// price is unknown; close at entry for a neutral realized P&L.
		if err := im.tracker.Close(ctx, pos, pos.EntryPrice, "external_close", ""); err != nil {
			errs = append(errs, "close: "+err.Error())
			continue
		}
		closed++
	}
	return closed, errs
}
