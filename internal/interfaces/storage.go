// Package interfaces defines service contracts for Fundwatch
package interfaces

import (
	"context"
	"errors"

	"github.com/bobmcallan/fundwatch/internal/models"
)

// ErrNotFound is returned when a fund, position, or NAV record does not
// exist. Callers distinguish it from validation and I/O failures with
// errors.Is; it is never retried.
var ErrNotFound = errors.New("not found")

// ErrValidation marks caller errors: bad codes, non-positive amounts,
// malformed dates. Wrapped with detail at the rejection site.
var ErrValidation = errors.New("validation failed")

// StorageManager coordinates all storage backends
type StorageManager interface {
	LedgerStore() LedgerStore
	NavStore() NavStore
	RateStore() RateStore

	// Lifecycle
	Close() error
}

// LedgerStore is the sole writer of fund, position, and position-log rows.
type LedgerStore interface {
	// Fund registry
	EnsureFund(ctx context.Context, code, name string) (*models.Fund, error)
	GetFund(ctx context.Context, code string) (*models.Fund, error)
	ListFunds(ctx context.Context) ([]*models.Fund, error)

	// ListPositionFunds returns the distinct funds currently held by any
	// user; the sync orchestrator uses it as its work list.
	ListPositionFunds(ctx context.Context) ([]*models.Fund, error)

	// Positions
	AddOrMergePosition(ctx context.Context, platform, userID string, record models.PositionRecord) (*models.Position, error)
	AddOrMergePositions(ctx context.Context, platform, userID string, records []models.PositionRecord) ([]*models.Position, error)
	GetPosition(ctx context.Context, platform, userID, fundCode string) (*models.Position, error)
	ListPositions(ctx context.Context, platform, userID string) ([]*models.Position, error)
	ReducePosition(ctx context.Context, platform, userID, fundCode string, shares float64) (*models.Reduction, error)
	DeletePosition(ctx context.Context, platform, userID, fundCode string) (bool, error)
	ClearPositions(ctx context.Context, platform, userID string) (int, error)

	// ReducePositionWithLog performs the reduce and appends one audit log
	// row in the same transaction. The entry supplies action and any
	// settlement metadata; before/after state is filled by the store.
	ReducePositionWithLog(ctx context.Context, platform, userID, fundCode string, shares float64, entry models.PositionLog) (*models.Reduction, error)

	// Position audit log (append-only)
	AddPositionLog(ctx context.Context, log *models.PositionLog) (string, error)
	ListPositionLogs(ctx context.Context, platform, userID string, limit int, actions []string) ([]*models.PositionLog, error)

	// RepairUserPositions reconciles code-normalization drift for one
	// user: relinks or merges positions onto canonical fund codes and
	// repoints their log rows. Per-fund failures are reported in the
	// stats, never aborting the rest of the user's repair.
	RepairUserPositions(ctx context.Context, platform, userID string, nameHints map[string]string) (*models.RepairStats, error)
}

// NavStore owns the partitioned NAV history. The sync orchestrator is its
// sole writer.
type NavStore interface {
	// UpsertNavHistory writes one fund's batch of NAV rows. The batch is
	// atomic per fund: any invalid record rejects the whole batch before
	// writes. Returns the number of rows touched.
	UpsertNavHistory(ctx context.Context, fundCode, fundName string, records []models.NavUpsert, source string) (int, error)

	// ListNavHistory merges partitions (and the legacy segment) by date,
	// newest partition wins per date, final order (date desc, updated desc).
	ListNavHistory(ctx context.Context, fundCode, startDate, endDate string, limit int) ([]*models.NavRecord, error)

	// GetNavOnOrAfter returns the earliest record dated >= startDate
	// (and <= endDate when given). ErrNotFound when no such record.
	GetNavOnOrAfter(ctx context.Context, fundCode, startDate, endDate string) (*models.NavRecord, error)

	// GetLatestNavDate returns the maximum stored date, or "" when the
	// fund has no NAV history at all.
	GetLatestNavDate(ctx context.Context, fundCode string) (string, error)

	GetLatestNavRecord(ctx context.Context, fundCode string) (*models.NavRecord, error)
}

// RateStore holds the append-only exchange-rate history.
type RateStore interface {
	AddExchangeRate(ctx context.Context, rate *models.ExchangeRate) (*models.ExchangeRate, error)
	GetLatestExchangeRate(ctx context.Context, pair string) (*models.ExchangeRate, error)
	GetExchangeRateOnDate(ctx context.Context, pair, date string) (*models.ExchangeRate, error)
}
