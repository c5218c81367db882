// Package navsync keeps the local NAV history of held funds current.
package navsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
)

const (
	defaultFetchDays = 120
	maxFetchDays     = 365
	fetchBufferDays  = 5
)

// Service implements interfaces.NavSyncService. A process-wide mutex
// makes every pass single flight: scheduled and manual callers share it
// and concurrent triggers wait for the running pass to finish.
type Service struct {
	storage interfaces.StorageManager
	history interfaces.HistoryClient
	logger  *common.Logger

	defaultDays int
	maxDays     int
	bufferDays  int
	location    *time.Location

	mu sync.Mutex
}

// NewService creates a NAV sync service.
func NewService(storage interfaces.StorageManager, history interfaces.HistoryClient, logger *common.Logger, config *common.Config) *Service {
	s := &Service{
		storage:     storage,
		history:     history,
		logger:      logger,
		defaultDays: defaultFetchDays,
		maxDays:     maxFetchDays,
		bufferDays:  fetchBufferDays,
		location:    time.Local,
	}
	if config != nil {
		if config.Sync.DefaultFetchDays > 0 {
			s.defaultDays = config.Sync.DefaultFetchDays
		}
		if config.Sync.MaxFetchDays > 0 {
			s.maxDays = config.Sync.MaxFetchDays
		}
		if config.Sync.FetchBufferDays > 0 {
			s.bufferDays = config.Sync.FetchBufferDays
		}
		s.location = config.Sync.GetLocation()
	}
	return s
}

// SyncPositionFunds runs one incremental pass over the held funds.
// Empty fundCodes means every fund with an open position. Each fund
// fails independently; the pass itself only errors when the work list
// cannot be read or the context is cancelled.
func (s *Service) SyncPositionFunds(ctx context.Context, fundCodes []string, forceFull bool, trigger string) (*models.SyncStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if trigger == "" {
		trigger = "manual"
	}

	funds, err := s.storage.LedgerStore().ListPositionFunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list position funds: %w", err)
	}
	if len(fundCodes) > 0 {
		wanted := make(map[string]bool, len(fundCodes))
		for _, code := range fundCodes {
			if c := models.NormalizeFundCode(code); c != "" {
				wanted[c] = true
			}
		}
		var filtered []*models.Fund
		for _, fund := range funds {
			if wanted[fund.Code] {
				filtered = append(filtered, fund)
			}
		}
		funds = filtered
	}

	stats := &models.SyncStats{Trigger: trigger, FundsTotal: len(funds)}
	source := trigger + ":eastmoney"

	for _, fund := range funds {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.syncFund(ctx, fund, forceFull, source, stats); err != nil {
			stats.AddError(fund.Code, err)
		}
	}

	if stats.FundsTotal > 0 {
		s.logger.Info().
			Str("trigger", trigger).
			Int("funds_total", stats.FundsTotal).
			Int("funds_synced", stats.FundsSynced).
			Int("funds_no_new_data", stats.FundsNoNewData).
			Int("funds_failed", stats.FundsFailed).
			Int("nav_rows_upserted", stats.NavRowsUpserted).
			Msg("NAV sync pass completed")
	}
	return stats, nil
}

func (s *Service) syncFund(ctx context.Context, fund *models.Fund, forceFull bool, source string, stats *models.SyncStats) error {
	latest := ""
	if !forceFull {
		var err error
		latest, err = s.storage.NavStore().GetLatestNavDate(ctx, fund.Code)
		if err != nil {
			return err
		}
	}

	fetchDays := s.fetchDays(latest, forceFull)
	bars, err := s.history.FetchHistory(ctx, fund.Code, fetchDays, "")
	if err != nil {
		return err
	}
	// An empty fetch is "nothing published yet", not a failure.
	if len(bars) == 0 {
		stats.FundsNoNewData++
		return nil
	}

	records, skipped := buildNavRecords(bars, latest)
	stats.InvalidRowsSkipped += skipped
	if len(records) == 0 {
		stats.FundsNoNewData++
		return nil
	}

	upserted, err := s.storage.NavStore().UpsertNavHistory(ctx, fund.Code, fund.Name, records, source)
	if err != nil {
		return err
	}
	stats.FundsSynced++
	stats.NavRowsUpserted += upserted
	return nil
}

// fetchDays sizes the fetch window from the gap since the last stored
// date: gap plus buffer, floored at the buffer and capped at the max.
// No prior data (or a full resync) gets the default window.
func (s *Service) fetchDays(latest string, forceFull bool) int {
	if forceFull || latest == "" {
		return s.defaultDays
	}
	latestDate, err := time.ParseInLocation(models.NavDateLayout, latest, s.location)
	if err != nil {
		return s.defaultDays
	}

	now := time.Now().In(s.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	gap := int(today.Sub(latestDate).Hours() / 24)
	if gap < 0 {
		return s.defaultDays
	}

	days := gap + s.bufferDays
	if days > s.maxDays {
		days = s.maxDays
	}
	if days < s.bufferDays {
		days = s.bufferDays
	}
	return days
}

// buildNavRecords converts fetched bars to NAV upserts in ascending date
// order: bars at or before the cutoff are silently dropped (already
// stored), malformed dates and non-positive closes count as skipped, and
// duplicate dates collapse to the last occurrence.
func buildNavRecords(bars []models.HistoryBar, cutoff string) ([]models.NavUpsert, int) {
	skipped := 0
	byDate := make(map[string]models.NavUpsert)
	for _, bar := range bars {
		navDate, err := models.NormalizeNavDate(bar.Date)
		if err != nil {
			skipped++
			continue
		}
		if cutoff != "" && navDate <= cutoff {
			continue
		}
		if bar.Close <= 0 {
			skipped++
			continue
		}
		byDate[navDate] = models.NavUpsert{
			NavDate:    navDate,
			UnitNav:    bar.Close,
			ChangeRate: bar.ChangeRate,
		}
	}

	dates := make([]string, 0, len(byDate))
	for navDate := range byDate {
		dates = append(dates, navDate)
	}
	sort.Strings(dates)

	records := make([]models.NavUpsert, 0, len(dates))
	for _, navDate := range dates {
		records = append(records, byDate[navDate])
	}
	return records, skipped
}

var _ interfaces.NavSyncService = (*Service)(nil)
