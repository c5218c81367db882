package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
)

// settlementCutoff is the exchange order cutoff: trades placed at or
// after it settle one day later.
const (
	settlementCutoffHour   = 15
	settlementCutoffMinute = 0
)

// qdiiNameKeywords flag funds that invest overseas and settle a day
// slower. Matched case-insensitively against the fund name.
var qdiiNameKeywords = []string{
	"qdii",
	"全球",
	"海外",
	"美国",
	"纳斯达克",
	"标普",
	"恒生",
	"日经",
	"道琼斯",
	"msci",
}

// IsQDIIFund reports whether the fund name suggests a QDII fund.
func IsQDIIFund(fundName string) bool {
	text := strings.ToLower(strings.TrimSpace(fundName))
	if text == "" {
		return false
	}
	for _, keyword := range qdiiNameKeywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

// ExpectedSettlementDate computes the calendar date a sale settles on
// and the rule that produced it. Before the 15:00 cutoff a regular fund
// settles T+1 and a QDII fund T+2; afterwards one day later each.
func ExpectedSettlementDate(tradeTime time.Time, isQdii bool) (time.Time, string) {
	beforeCutoff := tradeTime.Hour() < settlementCutoffHour ||
		(tradeTime.Hour() == settlementCutoffHour && tradeTime.Minute() < settlementCutoffMinute)

	var offset int
	var rule string
	if isQdii {
		offset = 3
		if beforeCutoff {
			offset = 2
		}
		rule = "QDII fund: T+2 before the 15:00 cutoff, T+3 after; rolls forward to the next available NAV date"
	} else {
		offset = 2
		if beforeCutoff {
			offset = 1
		}
		rule = "Non-QDII fund: T+1 before the 15:00 cutoff, T+2 after; settles at the NAV available on the settlement date"
	}

	day := time.Date(tradeTime.Year(), tradeTime.Month(), tradeTime.Day(), 0, 0, 0, 0, tradeTime.Location())
	return day.AddDate(0, 0, offset), rule
}

// resolveSettlementNav picks the NAV a sale settles at, most specific
// first: the expected date itself, the QDII one-day roll, the first NAV
// after the expected date, and finally the latest NAV on record. The
// returned note explains any deviation; a nil record means profit must
// be estimated at cost.
func (s *Service) resolveSettlementNav(ctx context.Context, fundCode string, expectedDate time.Time, isQdii bool) (*models.NavRecord, string) {
	navStore := s.storage.NavStore()
	expectedText := expectedDate.Format(models.NavDateLayout)

	nav, err := navStore.GetNavOnOrAfter(ctx, fundCode, expectedText, expectedText)
	if err == nil {
		return nav, ""
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		s.logger.Warn().Err(err).Str("fund", fundCode).Msg("Settlement NAV lookup failed")
	}

	if isQdii {
		rolled := expectedDate.AddDate(0, 0, 1).Format(models.NavDateLayout)
		if nav, err := navStore.GetNavOnOrAfter(ctx, fundCode, rolled, rolled); err == nil {
			return nav, "QDII settlement rolled forward one day to an available NAV"
		}
	}

	if nav, err := navStore.GetNavOnOrAfter(ctx, fundCode, expectedText, ""); err == nil {
		if nav.NavDate != expectedText {
			return nav, fmt.Sprintf("settled at the first available NAV %s after the expected date", nav.NavDate)
		}
		return nav, ""
	}

	if nav, err := navStore.GetLatestNavRecord(ctx, fundCode); err == nil {
		return nav, fmt.Sprintf("no NAV at the settlement date, using latest available NAV %s", nav.NavDate)
	}

	return nil, "no NAV history, profit estimated at cost"
}
