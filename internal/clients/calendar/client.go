// Package calendar classifies calendar dates as trading days using the
// Timor holiday API, with a caching, weekday-fallback adapter on top.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
)

const (
	DefaultBaseURL = "https://timor.tech/api/holiday"
	DefaultTimeout = 10 * time.Second
)

// Client implements interfaces.DateClassifier against the holiday API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new holiday API client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Day types reported by the holiday API.
const (
	dayTypeWorkday     = 0
	dayTypeWeekend     = 1
	dayTypeHoliday     = 2
	dayTypeCompensated = 3 // weekend shifted into a working day
)

type holidayResponse struct {
	Code int `json:"code"`
	Type struct {
		Type int    `json:"type"`
		Name string `json:"name"`
	} `json:"type"`
}

// ClassifyDate reports whether the date is a trading day. Plain workdays
// and compensated (shifted) workdays count; weekends and holidays do not.
func (c *Client) ClassifyDate(ctx context.Context, date time.Time) (bool, error) {
	day := date.Format(models.NavDateLayout)
	reqURL := fmt.Sprintf("%s/info/%s", c.baseURL, day)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("holiday request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read holiday response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("holiday API status %d for %s", resp.StatusCode, day)
	}

	var parsed holidayResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("decode holiday response: %w", err)
	}
	if parsed.Code != 0 {
		return false, fmt.Errorf("holiday API code %d for %s", parsed.Code, day)
	}

	switch parsed.Type.Type {
	case dayTypeWorkday, dayTypeCompensated:
		return true, nil
	case dayTypeWeekend, dayTypeHoliday:
		return false, nil
	}
	return false, fmt.Errorf("holiday API unknown day type %d for %s", parsed.Type.Type, day)
}

var _ interfaces.DateClassifier = (*Client)(nil)
