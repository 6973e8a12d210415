// Package schedule implements recurring job submission. The scheduler owns
// each schedule's next-run cursor: it advances the cursor before firing, so
// one occurrence is submitted exactly once no matter how slow the trigger
// or how late the tick.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloudrpa/fleet/internal/domain"
)

// cronParser accepts standard five field expressions plus an optional
// leading seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

const (
	// DefaultTickInterval is how often due schedules are checked.
	DefaultTickInterval = time.Second

	// DefaultMisfireGrace bounds how late an occurrence may fire. Beyond
	// it the occurrence is skipped and the cursor advances.
	DefaultMisfireGrace = time.Minute
)

// TriggerFunc submits one occurrence of a schedule. The snapshot already
// carries the advanced cursor and updated run counters, so implementations
// may persist it as-is. firedAt is the occurrence this call stands for.
type TriggerFunc func(ctx context.Context, schedule *domain.Schedule, firedAt time.Time) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the due-check frequency.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithMisfireGrace overrides how late an occurrence may still fire.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.misfireGrace = d }
}

// WithClock overrides the scheduler's clock. Tests use this to control time.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler tracks schedules and fires their occurrences. A single coarse
// mutex guards all state; triggers run outside it, one at a time per
// schedule.
type Scheduler struct {
	mu sync.Mutex

	schedules map[string]*domain.Schedule

	// inFlight marks schedules whose trigger is still running. A due
	// occurrence is held back, not skipped, until the slot frees.
	inFlight map[string]bool

	trigger      TriggerFunc
	tickInterval time.Duration
	misfireGrace time.Duration
	now          func() time.Time

	wg sync.WaitGroup
}

// New creates a scheduler that submits occurrences through trigger.
func New(trigger TriggerFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedules:    make(map[string]*domain.Schedule),
		inFlight:     make(map[string]bool),
		trigger:      trigger,
		tickInterval: DefaultTickInterval,
		misfireGrace: DefaultMisfireGrace,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add validates and activates a schedule. A zero NextRun is computed from
// the schedule's frequency; once schedules must carry their fire time.
func (s *Scheduler) Add(schedule *domain.Schedule) error {
	if err := s.validate(schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("%w: schedule %s already exists", domain.ErrInvalidSchedule, schedule.ID)
	}

	stored := schedule.Clone()
	if stored.NextRun.IsZero() {
		next, err := NextAfter(stored, s.now())
		if err != nil {
			return err
		}
		stored.NextRun = next
	}
	s.schedules[stored.ID] = stored
	return nil
}

// Update replaces a schedule in place. The cursor is recomputed when the
// update clears it, so frequency changes take effect from now.
func (s *Scheduler) Update(schedule *domain.Schedule) error {
	if err := s.validate(schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, schedule.ID)
	}

	stored := schedule.Clone()
	if stored.NextRun.IsZero() {
		next, err := NextAfter(stored, s.now())
		if err != nil {
			return err
		}
		stored.NextRun = next
	}
	s.schedules[stored.ID] = stored
	return nil
}

// Remove deletes a schedule. In-flight triggers finish undisturbed.
func (s *Scheduler) Remove(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[scheduleID]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, scheduleID)
	}
	delete(s.schedules, scheduleID)
	return nil
}

// SetEnabled toggles a schedule. Re-enabling recomputes the cursor so the
// schedule never back-fires occurrences from its disabled stretch.
func (s *Scheduler) SetEnabled(scheduleID string, enabled bool) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, scheduleID)
	}

	if enabled && !schedule.Enabled && schedule.Frequency != domain.FrequencyOnce {
		next, err := NextAfter(schedule, s.now())
		if err != nil {
			return nil, err
		}
		schedule.NextRun = next
	}
	schedule.Enabled = enabled
	schedule.UpdatedAt = s.now()
	return schedule.Clone(), nil
}

// Get returns a snapshot of one schedule.
func (s *Scheduler) Get(scheduleID string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScheduleNotFound, scheduleID)
	}
	return schedule.Clone(), nil
}

// List returns snapshots of every schedule sorted by name.
func (s *Scheduler) List() []*domain.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Schedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, schedule.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Schedule) int {
		if a.Name != b.Name {
			if a.Name < b.Name {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out
}

// Restore loads persisted schedules at startup, replacing nothing that is
// already registered. Stale cursors are left alone so the misfire policy
// decides whether the missed occurrence still fires.
func (s *Scheduler) Restore(schedules []*domain.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, schedule := range schedules {
		if _, exists := s.schedules[schedule.ID]; exists {
			continue
		}
		s.schedules[schedule.ID] = schedule.Clone()
	}
}

// Preview is one upcoming occurrence returned by NextRuns.
type Preview struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	At         time.Time `json:"at"`
}

// NextRuns computes the next limit occurrences across all enabled
// schedules without touching any cursor.
func (s *Scheduler) NextRuns(limit int) []Preview {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}

	var out []Preview
	for _, schedule := range s.schedules {
		if !schedule.Enabled || schedule.NextRun.IsZero() {
			continue
		}
		at := schedule.NextRun
		for range limit {
			out = append(out, Preview{ScheduleID: schedule.ID, Name: schedule.Name, At: at})
			next, err := NextAfter(schedule, at)
			if err != nil || next.IsZero() {
				break
			}
			at = next
		}
	}

	slices.SortFunc(out, func(a, b Preview) int { return a.At.Compare(b.At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Run ticks until the context is cancelled, then waits for in-flight
// triggers to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "scheduler started", "tick_interval", s.tickInterval)

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			slog.InfoContext(ctx, "scheduler stopped")
			return
		case <-ticker.C:
			s.FireDue(ctx)
		}
	}
}

// Wait blocks until every in-flight trigger returns. Callers driving
// FireDue themselves use it at shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// FireDue dispatches every due occurrence once. Exported so the engine can
// drive ticks itself in tests.
func (s *Scheduler) FireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	for _, schedule := range s.schedules {
		if !schedule.Enabled || schedule.NextRun.IsZero() || schedule.NextRun.After(now) {
			continue
		}
		if s.inFlight[schedule.ID] {
			continue
		}

		firedAt := schedule.NextRun
		lateness := now.Sub(firedAt)

		// Advancing past now coalesces every missed occurrence into
		// this single decision.
		next, err := NextAfter(schedule, now)
		if err != nil {
			slog.ErrorContext(ctx, "schedule cursor advance failed",
				"schedule_id", schedule.ID, "error", err)
			schedule.Enabled = false
			continue
		}
		schedule.NextRun = next
		if schedule.Frequency == domain.FrequencyOnce {
			schedule.Enabled = false
		}

		if lateness > s.misfireGrace {
			slog.WarnContext(ctx, "schedule misfired, skipping occurrence",
				"schedule_id", schedule.ID,
				"name", schedule.Name,
				"scheduled_for", firedAt,
				"late_by", lateness)
			continue
		}

		schedule.LastRun = firedAt
		schedule.RunCount++
		s.inFlight[schedule.ID] = true

		snapshot := schedule.Clone()
		s.wg.Add(1)
		go s.fire(ctx, snapshot, firedAt)
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire(ctx context.Context, schedule *domain.Schedule, firedAt time.Time) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, schedule.ID)
		s.mu.Unlock()
	}()

	if err := s.trigger(ctx, schedule, firedAt); err != nil {
		slog.WarnContext(ctx, "schedule trigger failed",
			"schedule_id", schedule.ID,
			"name", schedule.Name,
			"fired_at", firedAt,
			"error", err)
		return
	}

	s.mu.Lock()
	if live, ok := s.schedules[schedule.ID]; ok {
		live.SuccessCount++
	}
	s.mu.Unlock()
}

// validate extends domain validation with expression parsing, so a bad
// cron spec is rejected at Add time rather than first tick.
func (s *Scheduler) validate(schedule *domain.Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	if schedule.Frequency == domain.FrequencyCron {
		if _, err := cronParser.Parse(schedule.CronExpression); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v",
				domain.ErrInvalidSchedule, schedule.CronExpression, err)
		}
	}
	if schedule.Frequency == domain.FrequencyOnce && schedule.NextRun.IsZero() {
		return fmt.Errorf("%w: once schedule requires a run time", domain.ErrInvalidSchedule)
	}
	return nil
}

// NextAfter computes the first occurrence strictly after the given instant
// without mutating the schedule. Once schedules return their single fire
// time, or zero when it has passed.
func NextAfter(schedule *domain.Schedule, after time.Time) (time.Time, error) {
	loc, err := schedule.Location()
	if err != nil {
		return time.Time{}, err
	}

	switch schedule.Frequency {
	case domain.FrequencyOnce:
		if !schedule.NextRun.IsZero() && schedule.NextRun.After(after) {
			return schedule.NextRun, nil
		}
		return time.Time{}, nil

	case domain.FrequencyCron:
		spec, err := cronParser.Parse(schedule.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron expression %q: %v",
				domain.ErrInvalidSchedule, schedule.CronExpression, err)
		}
		return spec.Next(after.In(loc)).UTC(), nil

	default:
		return nextInterval(schedule, after, loc)
	}
}

// nextInterval steps interval frequencies from their anchor in the
// schedule's location, so daily and monthly runs stay on the same local
// wall-clock time across DST and month-length changes.
func nextInterval(schedule *domain.Schedule, after time.Time, loc *time.Location) (time.Time, error) {
	anchor := schedule.NextRun
	if anchor.IsZero() {
		anchor = schedule.CreatedAt
	}
	if anchor.IsZero() {
		anchor = after
	}

	t := anchor.In(loc)
	limit := after.In(loc)
	for !t.After(limit) {
		switch schedule.Frequency {
		case domain.FrequencyHourly:
			t = t.Add(time.Hour)
		case domain.FrequencyDaily:
			t = t.AddDate(0, 0, 1)
		case domain.FrequencyWeekly:
			t = t.AddDate(0, 0, 7)
		case domain.FrequencyMonthly:
			t = t.AddDate(0, 1, 0)
		default:
			return time.Time{}, fmt.Errorf("%w: %s", domain.ErrInvalidFrequency, schedule.Frequency)
		}
	}
	return t.UTC(), nil
}
