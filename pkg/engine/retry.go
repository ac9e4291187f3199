package engine

import (
	"fmt"
	"time"
)

// RetrySchedule is the tunable backoff schedule.
type RetrySchedule struct {
	// Grace is slept once before the first attempt. Zero disables it.
	Grace time.Duration `json:"grace" yaml:"grace"`

	// InitialWait is the delay after the first failed attempt.
	InitialWait time.Duration `json:"initial_wait" yaml:"initial_wait"`

	// Delays are the delays after the second and later failed attempts.
	// The last element is the ceiling.
	Delays []time.Duration `json:"delays" yaml:"delays"`

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultRetrySchedule returns the schedule tuned for RBAC propagation:
// 60s after the first failure, then 30s doubling to a 480s ceiling,
// six attempts in total.
func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{
		InitialWait: 60 * time.Second,
		Delays: []time.Duration{
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			240 * time.Second,
			480 * time.Second,
		},
		MaxAttempts: 6,
	}
}

// Validate checks the schedule.
func (s RetrySchedule) Validate() error {
	if s.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", s.MaxAttempts)
	}
	if s.Grace < 0 || s.InitialWait < 0 {
		return fmt.Errorf("grace and initial wait must not be negative")
	}
	if s.MaxAttempts > 2 && len(s.Delays) == 0 {
		return fmt.Errorf("delays are required when max attempts exceeds 2")
	}
	for i, d := range s.Delays {
		if d < 0 {
			return fmt.Errorf("delay %d must not be negative", i)
		}
	}
	return nil
}

// SchedulePolicy is the stateless RetryPolicy over a RetrySchedule.
type SchedulePolicy struct {
	Schedule RetrySchedule
}

// NewSchedulePolicy returns a policy over the given schedule.
func NewSchedulePolicy(schedule RetrySchedule) *SchedulePolicy {
	return &SchedulePolicy{Schedule: schedule}
}

// NextDelay implements RetryPolicy. Non-retryable classes stop on every
// attempt; retryable classes stop once attempt reaches MaxAttempts.
func (p *SchedulePolicy) NextDelay(class FailureClass, attempt int) (time.Duration, bool) {
	if !class.Retryable() {
		return 0, false
	}
	if attempt < 1 || attempt >= p.Schedule.MaxAttempts {
		return 0, false
	}
	if attempt == 1 {
		return p.Schedule.InitialWait, true
	}

	if len(p.Schedule.Delays) == 0 {
		return p.Schedule.InitialWait, true
	}
	idx := attempt - 2
	if idx >= len(p.Schedule.Delays) {
		idx = len(p.Schedule.Delays) - 1
	}
	return p.Schedule.Delays[idx], true
}

// Waits returns every wait the policy would schedule for a class that keeps
// failing, in order.
func (p *SchedulePolicy) Waits(class FailureClass) []time.Duration {
	var waits []time.Duration
	for attempt := 1; ; attempt++ {
		d, ok := p.NextDelay(class, attempt)
		if !ok {
			return waits
		}
		waits = append(waits, d)
	}
}
