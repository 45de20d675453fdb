package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidCron   = errors.New("invalid cron expression")
	ErrNoRunIn366Day = errors.New("no matching run inside 366 days")
)

// CronSpec is a parsed 5-field cron expression. Each field is either a
// wildcard or a single integer; ranges, steps and lists are rejected at
// parse time.
type CronSpec struct {
	Minute  int // -1 for *
	Hour    int
	Day     int
	Month   int
	Weekday int
}

type cronField struct {
	name string
	min  int
	max  int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// ParseCron parses the minimal cron dialect. Unsupported syntax is an
// explicit error, not a silent skip.
func ParseCron(expr string) (CronSpec, error) {
	parts := strings.Fields(strings.TrimSpace(expr))
	if len(parts) != 5 {
		return CronSpec{}, fmt.Errorf("%w: want 5 fields, got %d", ErrInvalidCron, len(parts))
	}
	var vals [5]int
	for i, part := range parts {
		f := cronFields[i]
		if part == "*" {
			vals[i] = -1
			continue
		}
		if strings.ContainsAny(part, "-/,") {
			return CronSpec{}, fmt.Errorf("%w: %s field %q uses unsupported range/step/list syntax", ErrInvalidCron, f.name, part)
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return CronSpec{}, fmt.Errorf("%w: %s field %q is not an integer", ErrInvalidCron, f.name, part)
		}
		if n < f.min || n > f.max {
			return CronSpec{}, fmt.Errorf("%w: %s value %d outside [%d,%d]", ErrInvalidCron, f.name, n, f.min, f.max)
		}
		vals[i] = n
	}
	return CronSpec{Minute: vals[0], Hour: vals[1], Day: vals[2], Month: vals[3], Weekday: vals[4]}, nil
}

// Matches reports whether t satisfies the spec.
func (c CronSpec) Matches(t time.Time) bool {
	if c.Minute >= 0 && t.Minute() != c.Minute {
		return false
	}
	if c.Hour >= 0 && t.Hour() != c.Hour {
		return false
	}
	if c.Day >= 0 && t.Day() != c.Day {
		return false
	}
	if c.Month >= 0 && int(t.Month()) != c.Month {
		return false
	}
	if c.Weekday >= 0 && int(t.Weekday()) != c.Weekday {
		return false
	}
	return true
}

// NextRunAfter walks forward minute by minute and returns the first match
// strictly after t, giving up past 366 days.
func NextRunAfter(expr string, t time.Time) (time.Time, error) {
	spec, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for !candidate.After(limit) {
		if spec.Matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, ErrNoRunIn366Day
}
