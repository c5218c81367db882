// Package ledger implements position bookkeeping on top of the stores:
// batch adds, sell resolution, and settlement-aware reductions.
package ledger

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
)

// sharesEpsilon mirrors the store's closed-position tolerance.
const sharesEpsilon = 1e-8

// Sell modes accepted by ResolveSellShares.
const (
	SellModeAll     = "all"
	SellModeShares  = "shares"
	SellModePercent = "percent"
)

// percentRoundDigits is the banker's-rounding precision for percent sells.
const percentRoundDigits = 4

// Service coordinates ledger operations that span stores and the NAV
// history: adding lots, resolving sell amounts, and settling reductions.
type Service struct {
	storage  interfaces.StorageManager
	navSync  interfaces.NavSyncService
	logger   *common.Logger
	location *time.Location
}

// NewService creates a ledger service. navSync may be nil; when present
// a sell refreshes the fund's NAV incrementally before settling.
func NewService(storage interfaces.StorageManager, navSync interfaces.NavSyncService, logger *common.Logger, config *common.Config) *Service {
	location := time.Local
	if config != nil {
		location = config.Sync.GetLocation()
	}
	return &Service{
		storage:  storage,
		navSync:  navSync,
		logger:   logger,
		location: location,
	}
}

// AddPositions records a batch of lots for one user.
func (s *Service) AddPositions(ctx context.Context, platform, userID string, records []models.PositionRecord) ([]*models.Position, error) {
	return s.storage.LedgerStore().AddOrMergePositions(ctx, platform, userID, records)
}

func (s *Service) ListPositions(ctx context.Context, platform, userID string) ([]*models.Position, error) {
	return s.storage.LedgerStore().ListPositions(ctx, platform, userID)
}

func (s *Service) ListPositionLogs(ctx context.Context, platform, userID string, limit int, actions []string) ([]*models.PositionLog, error) {
	return s.storage.LedgerStore().ListPositionLogs(ctx, platform, userID, limit, actions)
}

// RepairPositions reconciles a user's holdings onto canonical codes.
func (s *Service) RepairPositions(ctx context.Context, platform, userID string, nameHints map[string]string) (*models.RepairStats, error) {
	return s.storage.LedgerStore().RepairUserPositions(ctx, platform, userID, nameHints)
}

// SellRequest describes one sell: everything, a share count, or a
// percentage of the holding.
type SellRequest struct {
	Platform string
	UserID   string
	FundCode string
	Mode     string
	Value    float64
}

// SellResult reports a settled reduction with its provenance.
type SellResult struct {
	Reduction              *models.Reduction
	FundName               string
	SettlementNav          *float64
	SettlementNavDate      string
	ExpectedSettlementDate string
	SettlementRule         string
	ProfitAmount           float64
	Note                   string
}

// Sell resolves the requested amount against the holding, refreshes the
// fund's NAV, settles the sale, and reduces the position with one audit
// log row. The trade time decides the cutoff; zero means now.
func (s *Service) Sell(ctx context.Context, req SellRequest, tradeTime time.Time) (*SellResult, error) {
	position, err := s.storage.LedgerStore().GetPosition(ctx, req.Platform, req.UserID, req.FundCode)
	if err != nil {
		return nil, err
	}

	sellShares, err := ResolveSellShares(position.Shares, req.Mode, req.Value)
	if err != nil {
		return nil, err
	}

	action := models.ActionSell
	if sellShares >= position.Shares-sharesEpsilon {
		action = models.ActionClear
	}

	// Best effort: a stale NAV only degrades the settlement note.
	if s.navSync != nil {
		if _, err := s.navSync.SyncPositionFunds(ctx, []string{position.FundCode}, false, action); err != nil {
			s.logger.Debug().Err(err).Str("fund", position.FundCode).Msg("Pre-sell NAV refresh failed")
		}
	}

	fundName := position.FundName
	if fundName == "" {
		fundName = position.FundCode
	}
	isQdii := IsQDIIFund(fundName)

	if tradeTime.IsZero() {
		tradeTime = time.Now()
	}
	tradeTime = tradeTime.In(s.location)

	expectedDate, rule := ExpectedSettlementDate(tradeTime, isQdii)
	navRecord, note := s.resolveSettlementNav(ctx, position.FundCode, expectedDate, isQdii)

	var settlementNav *float64
	settlementNavDate := ""
	if navRecord != nil {
		if navRecord.UnitNav > 0 {
			nav := navRecord.UnitNav
			settlementNav = &nav
		}
		settlementNavDate = navRecord.NavDate
	}

	settleAt := position.AvgCost
	if settlementNav != nil {
		settleAt = *settlementNav
	}
	profit := (settleAt - position.AvgCost) * sellShares

	expectedText := expectedDate.Format(models.NavDateLayout)
	entry := models.PositionLog{
		FundName:               fundName,
		Action:                 action,
		SettlementNav:          settlementNav,
		SettlementNavDate:      settlementNavDate,
		ExpectedSettlementDate: expectedText,
		SettlementRule:         rule,
		ProfitAmount:           &profit,
		Note:                   note,
	}
	reduction, err := s.storage.LedgerStore().ReducePositionWithLog(ctx, req.Platform, req.UserID, req.FundCode, sellShares, entry)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("platform", reduction.Platform).
		Str("user", reduction.UserID).
		Str("fund", reduction.FundCode).
		Str("action", action).
		Float64("shares", sellShares).
		Float64("profit", profit).
		Bool("qdii", isQdii).
		Msg("Position sold")

	return &SellResult{
		Reduction:              reduction,
		FundName:               fundName,
		SettlementNav:          settlementNav,
		SettlementNavDate:      settlementNavDate,
		ExpectedSettlementDate: expectedText,
		SettlementRule:         rule,
		ProfitAmount:           profit,
		Note:                   note,
	}, nil
}

// ResolveSellShares turns a sell request into a concrete share count
// against the current holding. Percent sells are banker's-rounded to 4
// decimals and capped at the holding.
func ResolveSellShares(holding float64, mode string, value float64) (float64, error) {
	if holding <= 0 {
		return 0, fmt.Errorf("%w: no shares held", interfaces.ErrValidation)
	}

	switch mode {
	case "", SellModeAll:
		return holding, nil

	case SellModeShares:
		if value <= 0 {
			return 0, fmt.Errorf("%w: sell shares must be positive", interfaces.ErrValidation)
		}
		if value > holding+sharesEpsilon {
			return 0, fmt.Errorf("%w: sell shares %.4f exceed holding %.4f", interfaces.ErrValidation, value, holding)
		}
		return value, nil

	case SellModePercent:
		if value <= 0 || value > 100 {
			return 0, fmt.Errorf("%w: percent must be in (0, 100]", interfaces.ErrValidation)
		}
		shares := bankersRound(holding*value/100, percentRoundDigits)
		if shares <= 0 {
			return 0, fmt.Errorf("%w: percent too small, rounds to zero shares", interfaces.ErrValidation)
		}
		if shares > holding {
			shares = holding
		}
		return shares, nil
	}
	return 0, fmt.Errorf("%w: unknown sell mode %q", interfaces.ErrValidation, mode)
}

// bankersRound rounds half to even at the given decimal digit.
func bankersRound(value float64, digits int) float64 {
	scale := math.Pow10(digits)
	return math.RoundToEven(value*scale) / scale
}
