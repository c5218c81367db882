package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/models"
)

type mockNavSync struct {
	mu       sync.Mutex
	triggers []string
	passes   atomic.Int32
}

func (m *mockNavSync) SyncPositionFunds(ctx context.Context, fundCodes []string, forceFull bool, trigger string) (*models.SyncStats, error) {
	m.passes.Add(1)
	m.mu.Lock()
	m.triggers = append(m.triggers, trigger)
	m.mu.Unlock()
	return &models.SyncStats{Trigger: trigger}, nil
}

func (m *mockNavSync) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.triggers))
	copy(out, m.triggers)
	return out
}

type mockWorkday struct {
	workday bool
	calls   atomic.Int32
}

func (m *mockWorkday) IsWorkday(ctx context.Context, date time.Time) bool {
	m.calls.Add(1)
	return m.workday
}

func newTestScheduler(workday bool) (*Scheduler, *mockNavSync, *mockWorkday) {
	navSync := &mockNavSync{}
	wd := &mockWorkday{workday: workday}
	cfg := common.NewDefaultConfig()
	cfg.Sync.Timezone = "UTC"
	s := NewScheduler(navSync, wd, common.NewSilentLogger(), cfg)
	return s, navSync, wd
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNextTickAfterAlignsToGrid(t *testing.T) {
	s, _, _ := newTestScheduler(true)
	day := "2025-07-01"
	at := func(hour, minute, sec int) time.Time {
		return time.Date(2025, 7, 1, hour, minute, sec, 0, time.UTC)
	}

	// Before the window opens, the first tick is the window start.
	next, ok := s.nextTickAfter(at(8, 0, 0), day)
	if !ok || !next.Equal(at(9, 40, 0)) {
		t.Fatalf("expected 09:40 open tick, got %v ok=%v", next, ok)
	}

	// Mid-window, ticks stay on the 09:40 + k*180s grid.
	next, ok = s.nextTickAfter(at(10, 0, 30), day)
	if !ok || !next.Equal(at(10, 1, 0)) {
		t.Fatalf("expected 10:01 grid tick, got %v ok=%v", next, ok)
	}

	// Exactly on a tick returns the next one, never the same instant.
	next, ok = s.nextTickAfter(at(10, 1, 0), day)
	if !ok || !next.Equal(at(10, 4, 0)) {
		t.Fatalf("expected 10:04 after an exact tick, got %v ok=%v", next, ok)
	}

	// Past the window end the loop is done.
	if _, ok := s.nextTickAfter(at(14, 55, 0), day); ok {
		t.Fatal("expected window closed at 14:55")
	}
	if _, ok := s.nextTickAfter(at(16, 0, 0), day); ok {
		t.Fatal("expected window closed at 16:00")
	}

	// The last grid tick fits only while it is inside the window.
	next, ok = s.nextTickAfter(at(14, 51, 0), day)
	if !ok || !next.Equal(at(14, 52, 0)) {
		t.Fatalf("expected 14:52 final tick, got %v ok=%v", next, ok)
	}
	if _, ok := s.nextTickAfter(at(14, 52, 0), day); ok {
		t.Fatal("expected no tick after 14:52 with a 14:55 close")
	}
}

func TestPlanDayNonWorkdayRunsOneCatchUp(t *testing.T) {
	s, navSync, wd := newTestScheduler(false)
	s.now = fixedClock(time.Date(2025, 7, 5, 8, 0, 0, 0, time.UTC)) // Saturday

	s.planDay(context.Background())
	s.planDay(context.Background())
	s.planDay(context.Background())

	if got := navSync.passes.Load(); got != 1 {
		t.Fatalf("expected exactly one catch-up pass, got %d", got)
	}
	if got := wd.calls.Load(); got != 1 {
		t.Fatalf("expected one classification per day, got %d", got)
	}
	if triggers := navSync.recorded(); len(triggers) != 1 || triggers[0] != "scheduled" {
		t.Fatalf("expected one scheduled trigger, got %v", triggers)
	}
}

func TestPlanDayResetsAtMidnightRollover(t *testing.T) {
	s, navSync, _ := newTestScheduler(false)
	s.now = fixedClock(time.Date(2025, 7, 5, 8, 0, 0, 0, time.UTC))
	s.planDay(context.Background())

	s.now = fixedClock(time.Date(2025, 7, 6, 0, 0, 10, 0, time.UTC))
	s.planDay(context.Background())

	if got := navSync.passes.Load(); got != 2 {
		t.Fatalf("expected one pass per day, got %d", got)
	}
}

func TestPlanDayWorkdayStartsIntradayLoop(t *testing.T) {
	s, navSync, _ := newTestScheduler(true)
	// Past the window close: the loop starts, sees a closed window, exits
	// without firing a pass.
	s.now = fixedClock(time.Date(2025, 7, 1, 16, 0, 0, 0, time.UTC))
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.planDay(context.Background())
	s.intradayWG.Wait()

	s.mu.Lock()
	launched := s.intradayCancel != nil
	s.mu.Unlock()
	if !launched {
		t.Fatal("expected an intraday loop to be launched on a trading day")
	}
	if got := navSync.passes.Load(); got != 0 {
		t.Fatalf("expected no passes outside the window, got %d", got)
	}
}

func TestPlanDayAfterStopDoesNotStartIntraday(t *testing.T) {
	s, _, _ := newTestScheduler(true)
	s.now = fixedClock(time.Date(2025, 7, 5, 8, 0, 0, 0, time.UTC))

	s.EnsureScheduled()
	s.Stop()

	// A planner goroutine hitting its midnight rollover mid-shutdown
	// must not be able to launch a loop nothing will drain.
	s.now = fixedClock(time.Date(2025, 7, 7, 8, 0, 0, 0, time.UTC))
	s.planDay(context.Background())

	s.mu.Lock()
	launched := s.intradayCancel != nil
	s.mu.Unlock()
	if launched {
		t.Fatal("expected no intraday loop after Stop")
	}
}

func TestEnsureScheduledIsIdempotent(t *testing.T) {
	s, _, wd := newTestScheduler(false)
	s.now = fixedClock(time.Date(2025, 7, 5, 8, 0, 0, 0, time.UTC))

	s.EnsureScheduled()
	s.EnsureScheduled()
	s.EnsureScheduled()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for wd.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := wd.calls.Load(); got != 1 {
		t.Fatalf("expected a single planner, got %d classifications", got)
	}
}

func TestStopIsIdempotentAndDrains(t *testing.T) {
	s, _, _ := newTestScheduler(false)
	s.now = fixedClock(time.Date(2025, 7, 5, 8, 0, 0, 0, time.UTC))

	s.EnsureScheduled()
	s.Stop()
	s.Stop()

	// Restartable after a stop.
	s.EnsureScheduled()
	s.Stop()
}

func TestSyncNowUsesManualTrigger(t *testing.T) {
	s, navSync, _ := newTestScheduler(true)

	stats, err := s.SyncNow(context.Background(), []string{"007721"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Trigger != "manual" {
		t.Fatalf("expected manual trigger, got %q", stats.Trigger)
	}
	if triggers := navSync.recorded(); len(triggers) != 1 || triggers[0] != "manual" {
		t.Fatalf("expected one manual pass, got %v", triggers)
	}
}
