// Package eastmoney provides a client for the Eastmoney fund data APIs
package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
)

// flexFloat64 handles JSON values that may be either a number or a string.
// Eastmoney reports missing figures as "" or "--".
type flexFloat64 float64

func (f *flexFloat64) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*f = flexFloat64(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" || s == "--" {
			*f = 0
			return nil
		}
		num, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat64(num)
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into float64", string(data))
}

const (
	// DefaultBaseURL serves exchange-traded (ETF/LOF) daily klines.
	DefaultBaseURL = "http://push2his.eastmoney.com"
	// DefaultOTCHistoryURL serves over-the-counter fund NAV history.
	DefaultOTCHistoryURL = "https://api.fund.eastmoney.com/f10/lsjz"

	DefaultTimeout   = 20 * time.Second
	DefaultRateLimit = 5 // requests per second

	klinePath   = "/api/qt/stock/kline/get"
	maxAttempts = 3
)

// Client fetches fund history from Eastmoney, routing each code to the
// exchange kline API or the OTC NAV history API with cross-fallback.
type Client struct {
	baseURL       string
	otcHistoryURL string
	httpClient    *http.Client
	logger        *common.Logger
	limiter       *rate.Limiter
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the kline API base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithOTCHistoryURL sets the OTC NAV history endpoint
func WithOTCHistoryURL(otcURL string) ClientOption {
	return func(c *Client) {
		c.otcHistoryURL = otcURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new Eastmoney client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       DefaultBaseURL,
		otcHistoryURL: DefaultOTCHistoryURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents an upstream API error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("eastmoney API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// FetchHistory returns up to days daily bars in ascending date order.
// OTC codes hit the NAV history endpoint first and fall back to klines;
// exchange-traded codes go the other way around.
func (c *Client) FetchHistory(ctx context.Context, fundCode string, days int, adjust string) ([]models.HistoryBar, error) {
	code := models.NormalizeFundCode(fundCode)
	if code == "" {
		return nil, fmt.Errorf("fund code is required")
	}
	if days <= 0 {
		days = 30
	}

	if isOTCFund(code) {
		bars, err := c.fetchOTCHistory(ctx, code, days)
		if err == nil && len(bars) > 0 {
			return bars, nil
		}
		if err != nil {
			c.logger.Debug().Err(err).Str("fund", code).Msg("OTC history failed, trying klines")
		}
		return c.fetchExchangeHistory(ctx, code, days, adjust)
	}

	bars, err := c.fetchExchangeHistory(ctx, code, days, adjust)
	if err == nil && len(bars) > 0 {
		return bars, nil
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("fund", code).Msg("Kline history failed, trying OTC")
	}
	return c.fetchOTCHistory(ctx, code, days)
}

// isOTCFund reports whether the code belongs to an over-the-counter
// fund. 1/5-prefixed codes are exchange-traded LOF/ETF; 0 and 2
// prefixes are OTC.
func isOTCFund(code string) bool {
	if len(code) != models.FundCodeWidth {
		return false
	}
	switch code[0] {
	case '1', '5':
		return false
	case '0', '2':
		return true
	}
	return false
}

// marketCode maps a code to its exchange: 1 = Shanghai, 0 = Shenzhen.
func marketCode(code string) string {
	if strings.HasPrefix(code, "5") || strings.HasPrefix(code, "6") {
		return "1"
	}
	return "0"
}

type otcHistoryItem struct {
	Date       string      `json:"FSRQ"`
	UnitNav    flexFloat64 `json:"DWJZ"`
	ChangeRate string      `json:"JZZZL"`
}

type otcHistoryResponse struct {
	ErrCode int    `json:"ErrCode"`
	ErrMsg  string `json:"ErrMsg"`
	Data    struct {
		Items []otcHistoryItem `json:"LSJZList"`
	} `json:"Data"`
}

// fetchOTCHistory pulls published NAVs newest-first and reverses them.
func (c *Client) fetchOTCHistory(ctx context.Context, code string, days int) ([]models.HistoryBar, error) {
	params := url.Values{}
	params.Set("fundCode", code)
	params.Set("pageIndex", "1")
	params.Set("pageSize", strconv.Itoa(days))

	var resp otcHistoryResponse
	if err := c.get(ctx, c.otcHistoryURL, params, "https://fund.eastmoney.com/", &resp); err != nil {
		return nil, err
	}
	if resp.ErrCode != 0 {
		return nil, fmt.Errorf("OTC history error for %s: %s", code, resp.ErrMsg)
	}

	items := resp.Data.Items
	bars := make([]models.HistoryBar, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		closePrice := float64(item.UnitNav)
		if closePrice <= 0 {
			continue
		}
		bar := models.HistoryBar{
			Date:  strings.TrimSpace(item.Date),
			Close: closePrice,
		}
		// "--" means the growth rate was not published for that date.
		if text := strings.TrimSpace(item.ChangeRate); text != "" && text != "--" {
			if v, err := strconv.ParseFloat(text, 64); err == nil {
				bar.ChangeRate = &v
			}
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

type klineResponse struct {
	RC   int `json:"rc"`
	Data struct {
		Klines []string `json:"klines"`
	} `json:"data"`
}

// fetchExchangeHistory pulls daily klines. The window is padded to three
// times the requested days to ride over holidays, then trimmed.
func (c *Client) fetchExchangeHistory(ctx context.Context, code string, days int, adjust string) ([]models.HistoryBar, error) {
	fq := map[string]string{"qfq": "1", "hfq": "2", "": "0"}[adjust]
	if fq == "" {
		fq = "1"
	}

	end := time.Now()
	start := end.AddDate(0, 0, -(days*3 + 60))

	params := url.Values{}
	params.Set("secid", marketCode(code)+"."+code)
	params.Set("fields1", "f1,f2,f3,f4,f5,f6")
	params.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61")
	params.Set("klt", "101")
	params.Set("fqt", fq)
	params.Set("beg", start.Format("20060102"))
	params.Set("end", end.Format("20060102"))
	params.Set("lmt", strconv.Itoa(days*3))

	var resp klineResponse
	if err := c.get(ctx, c.baseURL+klinePath, params, "https://quote.eastmoney.com/", &resp); err != nil {
		return nil, err
	}
	if resp.RC != 0 {
		return nil, fmt.Errorf("kline error for %s: rc=%d", code, resp.RC)
	}

	var bars []models.HistoryBar
	for _, line := range resp.Data.Klines {
		// date,open,close,high,low,volume,amount,amplitude,change,...
		parts := strings.Split(line, ",")
		if len(parts) < 11 {
			continue
		}
		closePrice, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			continue
		}
		volume, _ := strconv.ParseFloat(parts[5], 64)
		bar := models.HistoryBar{
			Date:   parts[0],
			Close:  closePrice,
			Volume: int64(volume),
		}
		if parts[8] != "" {
			if v, err := strconv.ParseFloat(parts[8], 64); err == nil {
				bar.ChangeRate = &v
			}
		}
		bars = append(bars, bar)
	}
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return bars, nil
}

// get performs a rate-limited GET with bounded retries.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, referer string, result interface{}) error {
	reqURL := endpoint + "?" + params.Encode()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		req.Header.Set("Referer", referer)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
			} else if resp.StatusCode != http.StatusOK {
				lastErr = &APIError{
					StatusCode: resp.StatusCode,
					Message:    strings.TrimSpace(string(body)),
					Endpoint:   endpoint,
				}
			} else if err := json.Unmarshal(body, result); err != nil {
				lastErr = fmt.Errorf("decode response: %w", err)
			} else {
				return nil
			}
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return lastErr
}

var _ interfaces.HistoryClient = (*Client)(nil)
