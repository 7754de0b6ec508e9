// Package schedule parses cron-style time expressions and computes
// trigger times. It accepts standard five-field expressions
// (minute hour dom month dow) and the extended six-field form with a
// leading seconds field.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTimezone is applied when a task does not override its timezone
const DefaultTimezone = "UTC"

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Parse parses a cron expression and binds it to the given location.
func Parse(expression string, loc *time.Location) (cron.Schedule, error) {
	spec, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	if ss, ok := spec.(*cron.SpecSchedule); ok && loc != nil {
		ss.Location = loc
	}
	return spec, nil
}

// Validate reports whether the expression is a well-formed five- or
// six-field cron expression. It never panics on malformed input.
func Validate(expression string) bool {
	if expression == "" {
		return false
	}
	_, err := parser.Parse(expression)
	return err == nil
}

// Location resolves an IANA timezone name, falling back to UTC for an
// empty or unknown name.
func Location(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NextRun computes the earliest trigger time strictly after from for the
// expression evaluated in the given timezone. For an expression that
// fails to parse it degrades by returning from itself, so callers always
// get a usable value.
func NextRun(expression, timezone string, from time.Time) time.Time {
	loc := Location(timezone)
	spec, err := Parse(expression, loc)
	if err != nil {
		return from
	}
	return spec.Next(from.In(loc))
}
