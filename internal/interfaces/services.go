// Package interfaces defines service contracts for Fundwatch
package interfaces

import (
	"context"

	"github.com/bobmcallan/fundwatch/internal/models"
)

// NavSyncService synchronizes held funds' NAV history into the local store.
type NavSyncService interface {
	// SyncPositionFunds runs one incremental pass. Empty fundCodes means
	// every fund with an open position. Holds the process-wide sync lock
	// for the whole pass; concurrent callers block.
	SyncPositionFunds(ctx context.Context, fundCodes []string, forceFull bool, trigger string) (*models.SyncStats, error)
}

// SchedulerService plans and runs the daily synchronization cycle.
type SchedulerService interface {
	// EnsureScheduled starts the daily planner if it is not running.
	// Idempotent.
	EnsureScheduled()

	// SyncNow triggers one manual pass through the same single-flight
	// lock as the scheduled path.
	SyncNow(ctx context.Context, fundCodes []string, forceFull bool) (*models.SyncStats, error)

	// Stop cancels the intraday loop, then the planner, and waits for
	// both to drain.
	Stop()
}
