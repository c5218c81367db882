package calendar

import (
	"context"
	"sync"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 2 * time.Second
)

// WorkdayChecker wraps a DateClassifier with per-date caching, bounded
// retries, and a weekday fallback. It never fails: when the classifier
// is exhausted the answer degrades to Monday-Friday.
type WorkdayChecker struct {
	classifier interfaces.DateClassifier
	logger     *common.Logger
	maxRetries int
	retryDelay time.Duration

	mu    sync.Mutex
	cache map[string]bool
}

// CheckerOption configures the checker
type CheckerOption func(*WorkdayChecker)

// WithRetries sets the retry budget and delay between attempts
func WithRetries(maxRetries int, retryDelay time.Duration) CheckerOption {
	return func(w *WorkdayChecker) {
		if maxRetries > 0 {
			w.maxRetries = maxRetries
		}
		if retryDelay > 0 {
			w.retryDelay = retryDelay
		}
	}
}

// WithCheckerLogger sets the logger
func WithCheckerLogger(logger *common.Logger) CheckerOption {
	return func(w *WorkdayChecker) {
		w.logger = logger
	}
}

// NewWorkdayChecker creates a checker over the given classifier.
func NewWorkdayChecker(classifier interfaces.DateClassifier, opts ...CheckerOption) *WorkdayChecker {
	w := &WorkdayChecker{
		classifier: classifier,
		logger:     common.NewSilentLogger(),
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		cache:      make(map[string]bool),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// IsWorkday answers from cache when possible. Classifier answers are
// cached forever (a date's classification never changes); fallback
// answers are not cached so a recovered classifier gets asked again.
func (w *WorkdayChecker) IsWorkday(ctx context.Context, date time.Time) bool {
	key := date.Format(models.NavDateLayout)

	w.mu.Lock()
	if cached, ok := w.cache[key]; ok {
		w.mu.Unlock()
		return cached
	}
	w.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		workday, err := w.classifier.ClassifyDate(ctx, date)
		if err == nil {
			w.mu.Lock()
			w.cache[key] = workday
			w.mu.Unlock()
			return workday
		}
		lastErr = err

		if attempt < w.maxRetries {
			// Linear backoff: the delay grows with each attempt.
			select {
			case <-ctx.Done():
				return weekdayFallback(date)
			case <-time.After(time.Duration(attempt) * w.retryDelay):
			}
		}
	}

	w.logger.Warn().
		Err(lastErr).
		Str("date", key).
		Msg("Date classifier exhausted, falling back to weekday check")
	return weekdayFallback(date)
}

func weekdayFallback(date time.Time) bool {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

var _ interfaces.WorkdayService = (*WorkdayChecker)(nil)
