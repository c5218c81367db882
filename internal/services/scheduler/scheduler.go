// Package scheduler plans the daily NAV synchronization cycle: on trading
// days it runs an intraday loop on a fixed tick grid inside the exchange
// window, on non-trading days it runs exactly one catch-up pass.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/interfaces"
	"github.com/bobmcallan/fundwatch/internal/models"
	"github.com/google/uuid"
)

// Scheduler owns two background tasks: the daily planner, which wakes at
// local midnight and classifies the new day, and the (at most one)
// intraday loop the planner starts on trading days. Sync passes are
// single flight through the orchestrator's own lock, so scheduled and
// manual triggers never interleave.
type Scheduler struct {
	navSync interfaces.NavSyncService
	workday interfaces.WorkdayService
	logger  *common.Logger

	location    *time.Location
	windowStart int // minutes of day
	windowEnd   int
	tick        time.Duration

	now func() time.Time // injectable clock

	mu          sync.Mutex
	started     bool
	plannedDay  string
	caughtUpDay string

	plannerCancel  context.CancelFunc
	plannerWG      sync.WaitGroup
	intradayCancel context.CancelFunc
	intradayWG     sync.WaitGroup
}

// NewScheduler creates a scheduler. It does not start any loops; call
// EnsureScheduled for that.
func NewScheduler(navSync interfaces.NavSyncService, workday interfaces.WorkdayService, logger *common.Logger, config *common.Config) *Scheduler {
	startMin, endMin := config.Sync.GetWindow()
	return &Scheduler{
		navSync:     navSync,
		workday:     workday,
		logger:      logger,
		location:    config.Sync.GetLocation(),
		windowStart: startMin,
		windowEnd:   endMin,
		tick:        config.Sync.GetTickInterval(),
		now:         time.Now,
	}
}

// EnsureScheduled starts the daily planner if it is not already running.
// Safe to call repeatedly.
func (s *Scheduler) EnsureScheduled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.plannerCancel = cancel
	s.safeGo(&s.plannerWG, "planner", func() { s.planLoop(ctx) })

	s.logger.Info().
		Str("window", fmt.Sprintf("%02d:%02d-%02d:%02d", s.windowStart/60, s.windowStart%60, s.windowEnd/60, s.windowEnd%60)).
		Dur("tick", s.tick).
		Str("timezone", s.location.String()).
		Msg("Scheduler started")
}

// SyncNow runs one manual pass. It shares the orchestrator's lock with
// the scheduled path, so it blocks while a scheduled pass is in flight.
func (s *Scheduler) SyncNow(ctx context.Context, fundCodes []string, forceFull bool) (*models.SyncStats, error) {
	return s.navSync.SyncPositionFunds(ctx, fundCodes, forceFull, "manual")
}

// Stop cancels the intraday loop first, then the planner, and waits for
// both to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	intradayCancel := s.intradayCancel
	s.intradayCancel = nil
	plannerCancel := s.plannerCancel
	s.plannerCancel = nil
	s.mu.Unlock()

	if intradayCancel != nil {
		intradayCancel()
	}
	s.intradayWG.Wait()
	if plannerCancel != nil {
		plannerCancel()
	}
	s.plannerWG.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// safeGo launches a goroutine with panic recovery and logging.
func (s *Scheduler) safeGo(wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in scheduler goroutine")
			}
		}()
		fn()
	}()
}

// planLoop plans the current day, then sleeps until just past the next
// local midnight and plans again.
func (s *Scheduler) planLoop(ctx context.Context) {
	for {
		s.planDay(ctx)

		now := s.now().In(s.location)
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 5, 0, s.location)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// planDay classifies today once: trading day starts the intraday loop,
// otherwise a single catch-up pass runs. Idempotent within a day.
func (s *Scheduler) planDay(ctx context.Context) {
	now := s.now().In(s.location)
	today := now.Format(models.NavDateLayout)

	s.mu.Lock()
	if s.plannedDay == today {
		s.mu.Unlock()
		return
	}
	s.plannedDay = today
	s.mu.Unlock()

	if s.workday.IsWorkday(ctx, now) {
		s.logger.Info().Str("date", today).Msg("Trading day, starting intraday sync loop")
		s.startIntraday(today)
		return
	}

	s.mu.Lock()
	caughtUp := s.caughtUpDay == today
	if !caughtUp {
		s.caughtUpDay = today
	}
	s.mu.Unlock()
	if caughtUp {
		return
	}

	s.logger.Info().Str("date", today).Msg("Non-trading day, running one catch-up pass")
	s.runPass(ctx, "scheduled")
}

// startIntraday replaces any running intraday loop with one bound to day.
// A no-op once Stop has begun, so a planner racing the shutdown cannot
// launch a loop that nothing would cancel or wait for.
func (s *Scheduler) startIntraday(day string) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if s.intradayCancel != nil {
		s.intradayCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.intradayCancel = cancel
	s.mu.Unlock()

	s.safeGo(&s.intradayWG, "intraday-"+day, func() { s.intradayLoop(ctx, day) })
}

// intradayLoop fires a sync pass at every grid tick inside the window
// and exits when the window closes. Ticks align to the grid anchored at
// the window start, so a late process start does not shift the cadence.
func (s *Scheduler) intradayLoop(ctx context.Context, day string) {
	after := s.now().In(s.location).Add(-time.Nanosecond)
	for {
		tickAt, ok := s.nextTickAfter(after, day)
		if !ok {
			s.logger.Info().Str("date", day).Msg("Intraday window closed")
			return
		}

		timer := time.NewTimer(tickAt.Sub(s.now().In(s.location)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}

		s.runPass(ctx, "scheduled")
		after = tickAt
	}
}

// nextTickAfter returns the first grid tick strictly after t within the
// day's window, or false when the window has closed.
func (s *Scheduler) nextTickAfter(t time.Time, day string) (time.Time, bool) {
	dayStart, err := time.ParseInLocation(models.NavDateLayout, day, s.location)
	if err != nil {
		return time.Time{}, false
	}
	base := dayStart.Add(time.Duration(s.windowStart) * time.Minute)
	end := dayStart.Add(time.Duration(s.windowEnd) * time.Minute)

	if !t.Before(end) {
		return time.Time{}, false
	}
	if t.Before(base) {
		return base, true
	}
	ticks := t.Sub(base)/s.tick + 1
	candidate := base.Add(ticks * s.tick)
	if !candidate.Before(end) {
		return time.Time{}, false
	}
	return candidate, true
}

func (s *Scheduler) runPass(ctx context.Context, trigger string) {
	runID := uuid.NewString()
	stats, err := s.navSync.SyncPositionFunds(ctx, nil, false, trigger)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("run_id", runID).Msg("Scheduled sync pass failed")
		}
		return
	}
	s.logger.Debug().
		Str("run_id", runID).
		Int("funds_total", stats.FundsTotal).
		Int("funds_synced", stats.FundsSynced).
		Msg("Scheduled sync pass finished")
}

var _ interfaces.SchedulerService = (*Scheduler)(nil)
