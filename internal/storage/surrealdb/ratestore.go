package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
)

// RateStore holds the append-only exchange-rate history.
type RateStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func NewRateStore(db *surrealdb.DB, logger *common.Logger) *RateStore {
	return &RateStore{
		db:     db,
		logger: logger,
	}
}

// AddExchangeRate appends one rate snapshot. Pair defaults to USD/CNY
// and the date to today; rows are never updated afterwards.
func (s *RateStore) AddExchangeRate(ctx context.Context, rate *models.ExchangeRate) (*models.ExchangeRate, error) {
	if rate == nil || rate.Rate <= 0 {
		return nil, fmt.Errorf("%w: rate must be positive", interfaces.ErrValidation)
	}

	record := *rate
	record.ID = uuid.NewString()
	record.CurrencyPair = strings.ToUpper(strings.TrimSpace(record.CurrencyPair))
	if record.CurrencyPair == "" {
		record.CurrencyPair = models.DefaultCurrencyPair
	}
	record.CreatedAt = nowUnix()
	if record.RateDate == "" {
		record.RateDate = time.Now().Format(models.NavDateLayout)
	} else {
		normalized, err := models.NormalizeNavDate(record.RateDate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
		}
		record.RateDate = normalized
	}

	sql := "CREATE type::record('exchange_rate', $id) CONTENT $rate"
	vars := map[string]any{"id": record.ID, "rate": record}
	if _, err := surrealdb.Query[[]models.ExchangeRate](ctx, s.db, sql, vars); err != nil {
		return nil, fmt.Errorf("failed to add exchange rate: %w", err)
	}
	return &record, nil
}

func (s *RateStore) GetLatestExchangeRate(ctx context.Context, pair string) (*models.ExchangeRate, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if pair == "" {
		pair = models.DefaultCurrencyPair
	}

	sql := "SELECT * FROM exchange_rate WHERE currency_pair = $pair ORDER BY rate_date DESC, created_at DESC LIMIT 1"
	vars := map[string]any{"pair": pair}
	return s.queryOne(ctx, sql, vars, pair)
}

func (s *RateStore) GetExchangeRateOnDate(ctx context.Context, pair, date string) (*models.ExchangeRate, error) {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if pair == "" {
		pair = models.DefaultCurrencyPair
	}
	date, err := models.NormalizeNavDate(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}

	sql := "SELECT * FROM exchange_rate WHERE currency_pair = $pair AND rate_date = $date ORDER BY created_at DESC LIMIT 1"
	vars := map[string]any{"pair": pair, "date": date}
	return s.queryOne(ctx, sql, vars, pair)
}

func (s *RateStore) queryOne(ctx context.Context, sql string, vars map[string]any, pair string) (*models.ExchangeRate, error) {
	results, err := surrealdb.Query[[]models.ExchangeRate](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchange rate: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return &(*results)[0].Result[0], nil
	}
	return nil, fmt.Errorf("exchange rate %s: %w", pair, interfaces.ErrNotFound)
}

var _ interfaces.RateStore = (*RateStore)(nil)
