package store

import (
	"context"
	"fmt"
	"time"
)

// SyncRun summarizes one external position reconciliation run.
type SyncRun struct {
	RunID         string    `db:"run_id"`
	SyncType      string    `db:"sync_type"` // quick | full
	WalletAddress string    `db:"wallet_address"`
	Found         int       `db:"positions_found"`
	Imported      int       `db:"positions_imported"`
	Updated       int       `db:"positions_updated"`
	Closed        int       `db:"positions_closed"`
	Errors        string    `db:"errors"`
	StartedAt     time.Time `db:"started_at"`
}

// InsertSyncRun records the outcome of a reconciliation run.
func (s *Store) InsertSyncRun(ctx context.Context, run SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions_sync_log
			(run_id, sync_type, wallet_address, positions_found,
			 positions_imported, positions_updated, positions_closed,
			 errors, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		run.RunID, run.SyncType, run.WalletAddress, run.Found,
		run.Imported, run.Updated, run.Closed, run.Errors,
		run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}
