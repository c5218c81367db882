package models

// DefaultCurrencyPair is the pair recorded when none is given.
const DefaultCurrencyPair = "USD/CNY"

// ExchangeRate is one append-only exchange-rate snapshot. Only two read
// patterns exist: latest for a pair, and rate on a specific date.
type ExchangeRate struct {
	ID           string  `json:"rate_id"`
	CurrencyPair string  `json:"currency_pair"`
	RateDate     string  `json:"rate_date"`
	Rate         float64 `json:"rate"`
	Source       string  `json:"source,omitempty"`
	CreatedAt    int64   `json:"created_at"`
}
