// Package cron computes the daily quota reset boundary from a cron expression.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultResetExpression resets quotas at midnight.
const DefaultResetExpression = "0 0 * * *"

// ResetSchedule yields the first reset boundary for a new quota record.
// Later boundaries are derived by adding whole days, so the expression
// must fire at most once per day.
type ResetSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

// ParseReset parses a standard five-field expression in the given timezone.
func ParseReset(expression, timezone string) (*ResetSchedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	// Two consecutive firings closer than a day would reset usage twice.
	probe := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
	first := sched.Next(probe)
	if second := sched.Next(first); second.Sub(first) < 24*time.Hour {
		return nil, fmt.Errorf("cron %q fires more than once per day", expression)
	}

	return &ResetSchedule{sched: sched, loc: loc}, nil
}

// MustParseReset is ParseReset for static expressions; it panics on error.
func MustParseReset(expression, timezone string) *ResetSchedule {
	s, err := ParseReset(expression, timezone)
	if err != nil {
		panic(err)
	}
	return s
}

// Midnight is the default schedule: 00:00 UTC every day.
func Midnight() *ResetSchedule {
	return MustParseReset(DefaultResetExpression, "UTC")
}

// Next returns the first boundary strictly after now, in UTC.
func (s *ResetSchedule) Next(now time.Time) time.Time {
	return s.sched.Next(now.In(s.loc)).UTC()
}
