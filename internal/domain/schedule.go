package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ScheduleFrequency represents how often a schedule fires.
// Value object - immutable string enum.
type ScheduleFrequency string

const (
	FrequencyOnce    ScheduleFrequency = "once"
	FrequencyHourly  ScheduleFrequency = "hourly"
	FrequencyDaily   ScheduleFrequency = "daily"
	FrequencyWeekly  ScheduleFrequency = "weekly"
	FrequencyMonthly ScheduleFrequency = "monthly"

	// FrequencyCron schedules by a cron expression in the schedule's timezone.
	FrequencyCron ScheduleFrequency = "cron"
)

// NewScheduleFrequency validates and creates a ScheduleFrequency.
func NewScheduleFrequency(s string) (ScheduleFrequency, error) {
	frequency := ScheduleFrequency(strings.ToLower(s))

	switch frequency {
	case FrequencyOnce, FrequencyHourly, FrequencyDaily,
		FrequencyWeekly, FrequencyMonthly, FrequencyCron:
		return frequency, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidFrequency, s)
	}
}

// Schedule is an aggregate root representing a recurring submission plan.
//
// The scheduler owns NextRun: it advances the field after every fire and
// on misfire recovery, so two orchestrator ticks never double-submit the
// same occurrence.
type Schedule struct {
	ID   string
	Name string

	WorkflowID   string
	WorkflowName string

	// Params is the opaque workflow input submitted with every occurrence.
	Params []byte

	Frequency ScheduleFrequency

	// CronExpression holds a five or six field cron spec.
	// Only consulted when Frequency is cron.
	CronExpression string

	// Timezone is the IANA zone the schedule fires in. Empty means UTC.
	Timezone string

	Enabled  bool
	Priority JobPriority

	NextRun time.Time
	LastRun time.Time

	RunCount     int64
	SuccessCount int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the schedule's IANA timezone, defaulting to UTC.
func (s *Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, s.Timezone, err)
	}
	return loc, nil
}

// Validate checks the invariants a schedule must satisfy before activation.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing schedule id", ErrInvalidSchedule)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: missing schedule name", ErrInvalidSchedule)
	}
	if s.WorkflowID == "" {
		return fmt.Errorf("%w: missing workflow id", ErrInvalidSchedule)
	}
	if _, err := NewScheduleFrequency(string(s.Frequency)); err != nil {
		return err
	}
	if s.Frequency == FrequencyCron && s.CronExpression == "" {
		return fmt.Errorf("%w: cron frequency requires an expression", ErrInvalidSchedule)
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	if _, err := NewJobPriority(string(s.Priority)); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Schedule) Clone() *Schedule {
	out := *s
	out.Params = slices.Clone(s.Params)
	return &out
}
