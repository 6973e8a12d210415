package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudrpa/fleet/internal/domain"
)

func testSchedule(id string, freq domain.ScheduleFrequency) *domain.Schedule {
	return &domain.Schedule{
		ID:         id,
		Name:       "sched-" + id,
		WorkflowID: "wf-1",
		Frequency:  freq,
		Enabled:    true,
		Priority:   domain.JobPriorityNormal,
	}
}

// recorder collects trigger invocations.
type recorder struct {
	mu    sync.Mutex
	fires []fire
}

type fire struct {
	scheduleID string
	firedAt    time.Time
	runCount   int64
}

func (r *recorder) trigger(_ context.Context, s *domain.Schedule, firedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, fire{scheduleID: s.ID, firedAt: firedAt, runCount: s.RunCount})
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *recorder) last() fire {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fires[len(r.fires)-1]
}

func TestAddComputesInitialCursor(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	rec := &recorder{}
	s := New(rec.trigger, WithClock(func() time.Time { return start }))

	sched := testSchedule("s1", domain.FrequencyHourly)
	require.NoError(t, s.Add(sched))

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), got.NextRun)
}

func TestAddValidatesCronExpression(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "five fields", expr: "*/5 * * * *", wantErr: false},
		{name: "six fields with seconds", expr: "30 */5 * * * *", wantErr: false},
		{name: "four fields", expr: "* * * *", wantErr: true},
		{name: "seven fields", expr: "* * * * * * *", wantErr: true},
		{name: "garbage", expr: "every five minutes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New((&recorder{}).trigger)
			sched := testSchedule("s-"+tt.name, domain.FrequencyCron)
			sched.CronExpression = tt.expr

			err := s.Add(sched)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidSchedule)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestOnceScheduleRequiresRunTime(t *testing.T) {
	s := New((&recorder{}).trigger)
	err := s.Add(testSchedule("s1", domain.FrequencyOnce))
	require.ErrorIs(t, err, domain.ErrInvalidSchedule)
}

func TestOnceScheduleFiresOnceAndDisables(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := start
	rec := &recorder{}
	s := New(rec.trigger, WithClock(func() time.Time { return now }))

	sched := testSchedule("s1", domain.FrequencyOnce)
	sched.NextRun = start.Add(time.Minute)
	require.NoError(t, s.Add(sched))

	s.FireDue(context.Background())
	assert.Equal(t, 0, rec.count(), "not due yet")

	now = start.Add(time.Minute)
	s.FireDue(context.Background())
	waitForFires(t, rec, 1)

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.True(t, got.NextRun.IsZero())

	now = start.Add(2 * time.Minute)
	s.FireDue(context.Background())
	assert.Equal(t, 1, rec.count(), "once schedule must not fire again")
}

func TestFireDueAdvancesCursorAndCounters(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := start
	rec := &recorder{}
	s := New(rec.trigger, WithClock(func() time.Time { return now }))

	sched := testSchedule("s1", domain.FrequencyHourly)
	sched.NextRun = start
	require.NoError(t, s.Add(sched))

	s.FireDue(context.Background())
	waitForFires(t, rec, 1)

	f := rec.last()
	assert.Equal(t, "s1", f.scheduleID)
	assert.Equal(t, start, f.firedAt)
	assert.Equal(t, int64(1), f.runCount, "snapshot carries the updated run count")

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), got.NextRun)
	assert.Equal(t, start, got.LastRun)
	assert.Equal(t, int64(1), got.RunCount)

	require.Eventually(t, func() bool {
		snap, err := s.Get("s1")
		return err == nil && snap.SuccessCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMisfireBeyondGraceSkipsOccurrence(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := start.Add(10 * time.Minute) // woke up 10 minutes late
	rec := &recorder{}
	s := New(rec.trigger,
		WithClock(func() time.Time { return now }),
		WithMisfireGrace(time.Minute))

	sched := testSchedule("s1", domain.FrequencyHourly)
	sched.NextRun = start
	require.NoError(t, s.Add(sched))

	s.FireDue(context.Background())
	assert.Equal(t, 0, rec.count(), "late beyond grace must not fire")

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), got.NextRun, "cursor still advances")
	assert.Equal(t, int64(0), got.RunCount)
}

func TestMissedOccurrencesCoalesce(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := start.Add(5*time.Hour + 30*time.Second) // five occurrences missed
	rec := &recorder{}
	s := New(rec.trigger,
		WithClock(func() time.Time { return now }),
		WithMisfireGrace(time.Minute))

	sched := testSchedule("s1", domain.FrequencyHourly)
	sched.NextRun = start.Add(5 * time.Hour) // latest missed occurrence within grace
	require.NoError(t, s.Add(sched))

	s.FireDue(context.Background())
	waitForFires(t, rec, 1)
	s.FireDue(context.Background())

	assert.Equal(t, 1, rec.count(), "missed occurrences coalesce into one fire")

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(6*time.Hour), got.NextRun)
}

func TestInFlightTriggerHoldsBackNextOccurrence(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := start

	block := make(chan struct{})
	started := make(chan struct{})
	var fires int
	var mu sync.Mutex
	trigger := func(context.Context, *domain.Schedule, time.Time) error {
		mu.Lock()
		fires++
		if fires == 1 {
			mu.Unlock()
			close(started)
			<-block
			return nil
		}
		mu.Unlock()
		return nil
	}

	s := New(trigger, WithClock(func() time.Time { return now }))
	sched := testSchedule("s1", domain.FrequencyHourly)
	sched.NextRun = start
	require.NoError(t, s.Add(sched))

	s.FireDue(context.Background())
	<-started

	now = start.Add(time.Hour)
	s.FireDue(context.Background())

	mu.Lock()
	assert.Equal(t, 1, fires, "second occurrence held back while trigger runs")
	mu.Unlock()

	close(block)
}

func TestNextAfterCronRespectsTimezone(t *testing.T) {
	sched := testSchedule("s1", domain.FrequencyCron)
	sched.CronExpression = "0 9 * * *" // 09:00 local
	sched.Timezone = "America/New_York"

	// 2025-03-09 is the US spring-forward date; 09:00 EDT is 13:00 UTC.
	after := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	next, err := NextAfter(sched, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 9, 13, 0, 0, 0, time.UTC), next)
}

func TestNextAfterDailyKeepsLocalWallClock(t *testing.T) {
	sched := testSchedule("s1", domain.FrequencyDaily)
	sched.Timezone = "America/New_York"
	// 08:00 EST the day before spring forward.
	sched.NextRun = time.Date(2025, 3, 8, 13, 0, 0, 0, time.UTC)

	next, err := NextAfter(sched, sched.NextRun)
	require.NoError(t, err)
	// Next day is EDT, so the same 08:00 wall clock is 12:00 UTC.
	assert.Equal(t, time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC), next)
}

func TestNextRunsPreviewSortedAndBounded(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := New((&recorder{}).trigger, WithClock(func() time.Time { return start }))

	hourly := testSchedule("hourly", domain.FrequencyHourly)
	hourly.NextRun = start.Add(30 * time.Minute)
	require.NoError(t, s.Add(hourly))

	daily := testSchedule("daily", domain.FrequencyDaily)
	daily.NextRun = start.Add(10 * time.Minute)
	require.NoError(t, s.Add(daily))

	previews := s.NextRuns(4)
	require.Len(t, previews, 4)
	assert.Equal(t, "daily", previews[0].ScheduleID)
	assert.Equal(t, "hourly", previews[1].ScheduleID)
	for i := 1; i < len(previews); i++ {
		assert.False(t, previews[i].At.Before(previews[i-1].At), "previews must be sorted")
	}

	got, err := s.Get("hourly")
	require.NoError(t, err)
	assert.Equal(t, start.Add(30*time.Minute), got.NextRun, "preview must not move cursors")
}

func TestReenableRecomputesCursor(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	now := start
	s := New((&recorder{}).trigger, WithClock(func() time.Time { return now }))

	sched := testSchedule("s1", domain.FrequencyHourly)
	sched.NextRun = start.Add(time.Hour)
	require.NoError(t, s.Add(sched))

	_, err := s.SetEnabled("s1", false)
	require.NoError(t, err)

	now = start.Add(48 * time.Hour)
	got, err := s.SetEnabled("s1", true)
	require.NoError(t, err)
	assert.True(t, got.NextRun.After(now), "re-enable must not back-fire the disabled stretch")
}

func TestRemoveUnknownSchedule(t *testing.T) {
	s := New((&recorder{}).trigger)
	require.ErrorIs(t, s.Remove("nope"), domain.ErrScheduleNotFound)
}

func TestRestoreSkipsRegistered(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := New((&recorder{}).trigger, WithClock(func() time.Time { return start }))

	live := testSchedule("s1", domain.FrequencyHourly)
	live.NextRun = start.Add(time.Hour)
	require.NoError(t, s.Add(live))

	stale := testSchedule("s1", domain.FrequencyHourly)
	stale.NextRun = start.Add(-time.Hour)
	other := testSchedule("s2", domain.FrequencyDaily)
	other.NextRun = start.Add(24 * time.Hour)
	s.Restore([]*domain.Schedule{stale, other})

	got, err := s.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), got.NextRun, "restore must not clobber live state")

	_, err = s.Get("s2")
	require.NoError(t, err)
}

func waitForFires(t *testing.T, rec *recorder, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.count() >= want },
		time.Second, 10*time.Millisecond)
}
