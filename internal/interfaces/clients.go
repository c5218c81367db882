// Package interfaces defines service contracts for Fundwatch
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/fundwatch/internal/models"
)

// HistoryClient fetches daily NAV/OHLC history for a fund code.
type HistoryClient interface {
	// FetchHistory returns up to days daily bars in ascending date order.
	// A nil/empty result means "no new data", not an error. adjust selects
	// the price-adjustment mode ("qfq", "hfq" or "" for raw).
	FetchHistory(ctx context.Context, fundCode string, days int, adjust string) ([]models.HistoryBar, error)
}

// DateClassifier classifies exactly one calendar date as a trading day.
// Safe to call repeatedly for the same date.
type DateClassifier interface {
	ClassifyDate(ctx context.Context, date time.Time) (bool, error)
}

// WorkdayService is the retrying, caching adapter over a DateClassifier.
// It never fails: on classifier exhaustion it degrades to a weekday check.
type WorkdayService interface {
	IsWorkday(ctx context.Context, date time.Time) bool
}
