package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnparseableTrigger = errors.New("unparseable trigger spec")
	ErrTriggerInPast      = errors.New("trigger time is not in the future")
)

// relativePattern matches "in 10 minutes" and the German "in 10 minuten".
// Matching is locale-neutral: an integer plus a unit keyword.
var relativePattern = regexp.MustCompile(`^in\s+(\d+)\s+([a-zäöü]+)$`)

// timeOfDayPattern matches "at 07:30" / "um 07:30".
var timeOfDayPattern = regexp.MustCompile(`^(?:at|um)\s+(\d{1,2}):(\d{2})$`)

var unitDurations = map[string]time.Duration{
	"second":   time.Second,
	"seconds":  time.Second,
	"sekunde":  time.Second,
	"sekunden": time.Second,
	"minute":   time.Minute,
	"minutes":  time.Minute,
	"minuten":  time.Minute,
	"hour":     time.Hour,
	"hours":    time.Hour,
	"stunde":   time.Hour,
	"stunden":  time.Hour,
}

// ParseTrigger turns a trigger spec into an absolute time. Accepted forms:
// relative ("in 10 minutes"), time-of-day ("at 07:30", rolling to tomorrow
// when already past), and ISO datetime. The result is strictly after now.
func ParseTrigger(spec string, now time.Time) (time.Time, error) {
	orig := strings.TrimSpace(spec)
	spec = strings.ToLower(orig)
	if spec == "" {
		return time.Time{}, ErrUnparseableTrigger
	}

	if m := relativePattern.FindStringSubmatch(spec); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableTrigger, spec)
		}
		unit, ok := unitDurations[m[2]]
		if !ok {
			return time.Time{}, fmt.Errorf("%w: unknown unit %q", ErrUnparseableTrigger, m[2])
		}
		if n <= 0 {
			return time.Time{}, ErrTriggerInPast
		}
		return now.Add(time.Duration(n) * unit), nil
	}

	if m := timeOfDayPattern.FindStringSubmatch(spec); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableTrigger, spec)
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"} {
		if at, err := time.ParseInLocation(layout, orig, now.Location()); err == nil {
			if !at.After(now) {
				return time.Time{}, ErrTriggerInPast
			}
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableTrigger, spec)
}
