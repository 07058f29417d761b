// Package recurrence decides whether a cron-style schedule is due, using
// previous-occurrence semantics: the latest matching instant at or before now,
// evaluated in the schedule's own timezone. Previous-occurrence tolerates an
// irregular polling cadence; a next-occurrence check would skip windows when
// the poller runs late.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoOccurrence is returned when an expression has no matching instant in
// the searched past (e.g. Feb 30).
var ErrNoOccurrence = errors.New("recurrence: no past occurrence")

// Five fields: minute hour day-of-month month day-of-week.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr parses and tz resolves to an IANA location.
func Validate(expr, tz string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("recurrence: parse %q: %w", expr, err)
	}
	if _, err := loadLocation(tz); err != nil {
		return fmt.Errorf("recurrence: timezone %q: %w", tz, err)
	}
	return nil
}

// Prev returns the most recent instant at or before now that matches expr,
// evaluated in tz. An empty tz means UTC.
func Prev(expr, tz string, now time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("recurrence: parse %q: %w", expr, err)
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("recurrence: timezone %q: %w", tz, err)
	}
	prev, ok := prevFrom(sched, now.In(loc))
	if !ok {
		return time.Time{}, fmt.Errorf("%w for %q", ErrNoOccurrence, expr)
	}
	return prev, nil
}

// IsDue reports whether a schedule with the given last successful run should
// execute at now. lastRun equal to the previous occurrence is not due: that
// occurrence has already been handled. Errors mean "treat as not due".
func IsDue(expr, tz string, lastRun *time.Time, now time.Time) (bool, error) {
	prev, err := Prev(expr, tz, now)
	if err != nil {
		return false, err
	}
	if lastRun == nil {
		return true, nil
	}
	return lastRun.Before(prev), nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// prevFrom walks cron.Schedule.Next forward from progressively wider lookback
// windows until it finds the last match not after now. The narrow first
// window keeps fine-grained expressions cheap; sparse expressions (specific
// day-of-month plus day-of-week, yearly months) fall through to the wider
// ones.
func prevFrom(sched cron.Schedule, now time.Time) (time.Time, bool) {
	windows := []time.Duration{
		time.Hour,
		25 * time.Hour,
		32 * 24 * time.Hour,
		370 * 24 * time.Hour,
		5 * 366 * 24 * time.Hour,
	}
	for _, w := range windows {
		t := sched.Next(now.Add(-w))
		if t.IsZero() || t.After(now) {
			continue
		}
		for {
			n := sched.Next(t)
			if n.IsZero() || n.After(now) {
				return t, true
			}
			t = n
		}
	}
	return time.Time{}, false
}
