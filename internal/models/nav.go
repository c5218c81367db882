package models

import (
	"fmt"
	"time"
)

// NavDateLayout is the canonical YYYY-MM-DD date key used across all NAV
// tables. Lexicographic order equals chronological order.
const NavDateLayout = "2006-01-02"

// NavRecord is one fund's net asset value on one date, keyed by
// (fund, nav_date). UnitNav is strictly positive.
type NavRecord struct {
	FundCode   string   `json:"fund_code"`
	FundName   string   `json:"fund_name,omitempty"`
	NavDate    string   `json:"nav_date"`
	UnitNav    float64  `json:"unit_nav"`
	AccumNav   *float64 `json:"accum_nav,omitempty"`
	ChangeRate *float64 `json:"change_rate,omitempty"`
	Source     string   `json:"source"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// NavUpsert is the write-side shape of one NAV row. Source is applied
// batch-wide by the store; an empty Source never overwrites a stored one.
type NavUpsert struct {
	NavDate    string   `json:"nav_date"`
	UnitNav    float64  `json:"unit_nav"`
	AccumNav   *float64 `json:"accum_nav,omitempty"`
	ChangeRate *float64 `json:"change_rate,omitempty"`
}

// HistoryBar is one daily bar from the external history-fetch collaborator.
type HistoryBar struct {
	Date       string   `json:"date"`
	Close      float64  `json:"close"`
	Volume     int64    `json:"volume"`
	ChangeRate *float64 `json:"change_rate,omitempty"`
}

// SyncStats aggregates one synchronization pass over many funds.
type SyncStats struct {
	Trigger            string   `json:"trigger"`
	FundsTotal         int      `json:"funds_total"`
	FundsSynced        int      `json:"funds_synced"`
	FundsNoNewData     int      `json:"funds_no_new_data"`
	FundsFailed        int      `json:"funds_failed"`
	NavRowsUpserted    int      `json:"nav_rows_upserted"`
	InvalidRowsSkipped int      `json:"invalid_rows_skipped"`
	Errors             []string `json:"errors,omitempty"`
}

// MaxSyncErrors bounds the errors slice carried in SyncStats.
const MaxSyncErrors = 20

// AddError records a per-fund failure, dropping detail past MaxSyncErrors.
func (s *SyncStats) AddError(fundCode string, err error) {
	s.FundsFailed++
	if len(s.Errors) < MaxSyncErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", fundCode, err))
	}
}

// NormalizeNavDate validates and canonicalizes a NAV date to YYYY-MM-DD.
// Longer timestamps are truncated to their date part first.
func NormalizeNavDate(text string) (string, error) {
	if len(text) > 10 {
		text = text[:10]
	}
	t, err := time.Parse(NavDateLayout, text)
	if err != nil {
		return "", fmt.Errorf("invalid nav date %q: %w", text, err)
	}
	return t.Format(NavDateLayout), nil
}
