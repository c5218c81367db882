// Package models defines the domain types for Fundwatch
package models

import (
	"strings"
)

// FundCodeWidth is the canonical zero-padded width of numeric fund codes.
const FundCodeWidth = 6

// Fund is the registry entry for a fund, keyed by its canonical code.
type Fund struct {
	Code      string `json:"fund_code"`
	Name      string `json:"fund_name"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Position is a user's holding in one fund, keyed by (platform, user, fund).
// Shares is strictly positive while the row exists; a reduction to zero
// deletes the row.
type Position struct {
	Platform  string  `json:"platform"`
	UserID    string  `json:"user_id"`
	FundCode  string  `json:"fund_code"`
	FundName  string  `json:"fund_name"`
	AvgCost   float64 `json:"avg_cost"`
	Shares    float64 `json:"shares"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
}

// PositionRecord is one entry of a batch position add.
type PositionRecord struct {
	FundCode string  `json:"fund_code"`
	FundName string  `json:"fund_name"`
	AvgCost  float64 `json:"avg_cost"`
	Shares   float64 `json:"shares"`
}

// Position log actions.
const (
	ActionSell  = "sell"
	ActionClear = "clear"
)

// PositionLog is one append-only audit row for a position mutation.
// Rows are never updated or deleted after insert.
type PositionLog struct {
	ID                     string   `json:"log_id"`
	Platform               string   `json:"platform"`
	UserID                 string   `json:"user_id"`
	FundCode               string   `json:"fund_code"`
	FundName               string   `json:"fund_name"`
	Action                 string   `json:"action"`
	SharesDelta            float64  `json:"shares_delta"`
	SharesBefore           float64  `json:"shares_before"`
	SharesAfter            float64  `json:"shares_after"`
	AvgCost                float64  `json:"avg_cost"`
	SettlementNav          *float64 `json:"settlement_nav,omitempty"`
	SettlementNavDate      string   `json:"settlement_nav_date,omitempty"`
	ExpectedSettlementDate string   `json:"expected_settlement_date,omitempty"`
	SettlementRule         string   `json:"settlement_rule,omitempty"`
	ProfitAmount           *float64 `json:"profit_amount,omitempty"`
	Note                   string   `json:"note,omitempty"`
	CreatedAt              int64    `json:"created_at"`
}

// Reduction reports the outcome of a position reduce operation.
type Reduction struct {
	Platform     string  `json:"platform"`
	UserID       string  `json:"user_id"`
	FundCode     string  `json:"fund_code"`
	FundName     string  `json:"fund_name"`
	AvgCost      float64 `json:"avg_cost"`
	SharesBefore float64 `json:"shares_before"`
	SharesSold   float64 `json:"shares_sold"`
	SharesAfter  float64 `json:"shares_after"`
	Deleted      bool    `json:"position_deleted"`
	Action       string  `json:"action,omitempty"`
	LogID        string  `json:"log_id,omitempty"`
}

// RepairStats aggregates the outcome of a per-user position repair pass.
// A single fund's failure is recorded and does not abort the rest.
type RepairStats struct {
	PositionsTotal    int      `json:"positions_total"`
	FundsTotal        int      `json:"funds_total"`
	FundsProcessed    int      `json:"funds_processed"`
	CodesNormalized   int      `json:"codes_normalized"`
	FundNamesFixed    int      `json:"fund_names_fixed"`
	PositionsRelinked int      `json:"positions_relinked"`
	PositionsMerged   int      `json:"positions_merged"`
	LogsRelinked      int      `json:"logs_relinked"`
	Failed            int      `json:"failed"`
	Errors            []string `json:"errors,omitempty"`
}

// NormalizeFundCode canonicalizes a fund code: numeric codes are zero-padded
// to FundCodeWidth, everything else is trimmed and passed through.
func NormalizeFundCode(code string) string {
	text := strings.TrimSpace(code)
	if text == "" {
		return ""
	}
	if isDigits(text) && len(text) < FundCodeWidth {
		return strings.Repeat("0", FundCodeWidth-len(text)) + text
	}
	return text
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
