// Package recurrence turns a 5-field cron expression and an IANA timezone into
// concrete trigger instants.
//
// Matching is done on the wall clock of the task's timezone. An occurrence that
// falls into a daylight-saving gap does not exist and is skipped; an occurrence
// that falls into a fall-back overlap fires once, at the earlier instant.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MinInterval is the shortest allowed distance between two occurrences.
const MinInterval = 15 * time.Minute

// horizonYears bounds the search for the next occurrence.
const horizonYears = 4

// starBit marks a field written as "*" or "?" (mirrors robfig/cron).
const starBit = 1 << 63

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a parsed cron expression.
type Schedule struct {
	expr string
	spec *cron.SpecSchedule
}

// Parse validates a standard 5-field cron expression.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrInvalidExpression)
	}
	if strings.HasPrefix(expr, "@") || strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: %q: only 5-field expressions are supported", ErrInvalidExpression, expr)
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, fmt.Errorf("%w: %q: expected 5 fields, found %d", ErrInvalidExpression, expr, n)
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	return &Schedule{expr: expr, spec: spec}, nil
}

// String returns the normalized expression.
func (s *Schedule) String() string {
	return s.expr
}

// LoadLocation resolves an IANA timezone name.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// Next returns the earliest instant strictly after the given one whose wall
// clock in loc matches the schedule. The result is in UTC.
func (s *Schedule) Next(after time.Time, loc *time.Location) (time.Time, error) {
	local := after.In(loc)
	y, m, d := local.Date()

	// Calendar days are walked in UTC so that DST never shifts the date.
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	last := day.AddDate(horizonYears, 0, 0)

	for ; !day.After(last); day = day.AddDate(0, 0, 1) {
		if !s.dayMatches(day) {
			continue
		}
		for hour := 0; hour < 24; hour++ {
			if s.spec.Hour&(1<<uint(hour)) == 0 {
				continue
			}
			for minute := 0; minute < 60; minute++ {
				if s.spec.Minute&(1<<uint(minute)) == 0 {
					continue
				}
				t, ok := resolve(day.Year(), day.Month(), day.Day(), hour, minute, loc)
				if ok && t.After(after) {
					return t.UTC(), nil
				}
			}
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q after %s", ErrNoOccurrence, s.expr, after.UTC().Format(time.RFC3339))
}

// dayMatches applies the month, day-of-month and day-of-week fields. When
// neither day field is restricted, or only one is, both must match; when both
// are restricted either may match.
func (s *Schedule) dayMatches(day time.Time) bool {
	if s.spec.Month&(1<<uint(day.Month())) == 0 {
		return false
	}
	domMatch := s.spec.Dom&(1<<uint(day.Day())) > 0
	dowMatch := s.spec.Dow&(1<<uint(day.Weekday())) > 0
	if s.spec.Dom&starBit > 0 || s.spec.Dow&starBit > 0 {
		return domMatch && dowMatch
	}
	return domMatch || dowMatch
}

// resolve maps a wall clock reading in loc to an instant. It reports false for
// readings inside a spring-forward gap and returns the earlier instant for
// readings repeated by a fall-back transition.
func resolve(year int, month time.Month, day, hour, minute int, loc *time.Location) (time.Time, bool) {
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if !sameWall(t, year, month, day, hour, minute) {
		return time.Time{}, false
	}
	for _, back := range []time.Duration{3 * time.Hour, 2 * time.Hour, time.Hour, 30 * time.Minute} {
		earlier := t.Add(-back).In(loc)
		if sameWall(earlier, year, month, day, hour, minute) {
			return earlier, true
		}
	}
	return t, true
}

func sameWall(t time.Time, year int, month time.Month, day, hour, minute int) bool {
	y, m, d := t.Date()
	return y == year && m == month && d == day && t.Hour() == hour && t.Minute() == minute
}

// Next parses expr and tz and returns the next occurrence after the given instant.
func Next(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after, loc)
}

// Validate checks expr and tz eagerly and rejects schedules whose consecutive
// occurrences come closer than min. Gaps are sampled across two days of
// occurrences following now, so the result does not depend on where in the
// hour now falls. An expression without any future occurrence is valid.
func Validate(expr, tz string, now time.Time, min time.Duration) error {
	sched, err := Parse(expr)
	if err != nil {
		return err
	}
	loc, err := LoadLocation(tz)
	if err != nil {
		return err
	}

	prev, err := sched.Next(now, loc)
	if err != nil {
		return nil
	}
	window := prev.Add(48 * time.Hour)
	for i := 0; i < 1000; i++ {
		next, err := sched.Next(prev, loc)
		if err != nil {
			return nil
		}
		if gap := next.Sub(prev); gap < min {
			return fmt.Errorf("%w: occurrences %s apart, minimum is %s", ErrIntervalTooShort, gap, min)
		}
		if next.After(window) {
			return nil
		}
		prev = next
	}
	return nil
}
