package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"majordomo/internal/scheduler"
)

// parseWhen turns a user-facing time expression into an absolute due
// time. Accepted forms: a Go duration ("30m", "2h"), "in 30 minutes",
// an RFC3339 timestamp, a date-time like "2026-09-01 15:04", or a bare
// clock time ("15:04", "3:04pm") meaning the next such time.
func parseWhen(when string, now time.Time) (time.Time, error) {
	when = strings.TrimSpace(when)
	if when == "" {
		return time.Time{}, fmt.Errorf("when is required")
	}

	if dur, err := time.ParseDuration(when); err == nil && dur > 0 {
		return now.Add(dur), nil
	}

	if rest, ok := strings.CutPrefix(strings.ToLower(when), "in "); ok {
		if dur, err := parseHumanDuration(rest); err == nil {
			return now.Add(dur), nil
		}
	}

	if t, err := time.Parse(time.RFC3339, when); err == nil {
		return t, nil
	}

	for _, format := range []string{"2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(format, when, now.Location()); err == nil {
			return t, nil
		}
	}

	for _, format := range []string{"15:04", "3:04pm", "3:04 pm"} {
		if t, err := time.Parse(format, strings.ToLower(when)); err == nil {
			t = time.Date(now.Year(), now.Month(), now.Day(),
				t.Hour(), t.Minute(), 0, 0, now.Location())
			if !t.After(now) {
				t = t.AddDate(0, 0, 1)
			}
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("could not parse time %q", when)
}

// parseHumanDuration handles "30 minutes", "2 hours", "1 day".
func parseHumanDuration(s string) (time.Duration, error) {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) != 2 {
		return 0, fmt.Errorf("could not parse duration %q", s)
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("could not parse duration %q", s)
	}

	switch strings.TrimSuffix(fields[1], "s") {
	case "second", "sec":
		return time.Duration(n) * time.Second, nil
	case "minute", "min":
		return time.Duration(n) * time.Minute, nil
	case "hour", "hr":
		return time.Duration(n) * time.Hour, nil
	case "day":
		return time.Duration(n) * 24 * time.Hour, nil
	case "week":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration unit %q", fields[1])
	}
}

// parseRepeat turns a repeat expression into a recurrence. Accepted
// forms: a unit name ("daily", "weekly"), or "every N minutes/hours/
// days/weeks/months".
func parseRepeat(repeat string) (scheduler.Recurrence, error) {
	repeat = strings.ToLower(strings.TrimSpace(repeat))
	if repeat == "" {
		return scheduler.Recurrence{Type: scheduler.RecurrenceNone}, nil
	}

	switch repeat {
	case "minutely", "every minute":
		return scheduler.Recurrence{Type: scheduler.RecurrenceMinutely, Interval: 1}, nil
	case "hourly", "every hour":
		return scheduler.Recurrence{Type: scheduler.RecurrenceHourly, Interval: 1}, nil
	case "daily", "every day":
		return scheduler.Recurrence{Type: scheduler.RecurrenceDaily, Interval: 1}, nil
	case "weekly", "every week":
		return scheduler.Recurrence{Type: scheduler.RecurrenceWeekly, Interval: 1}, nil
	case "monthly", "every month":
		return scheduler.Recurrence{Type: scheduler.RecurrenceMonthly, Interval: 1}, nil
	}

	if rest, ok := strings.CutPrefix(repeat, "every "); ok {
		fields := strings.Fields(rest)
		if len(fields) == 2 {
			n, err := strconv.Atoi(fields[0])
			if err == nil && n > 0 {
				switch strings.TrimSuffix(fields[1], "s") {
				case "minute", "min":
					return scheduler.Recurrence{Type: scheduler.RecurrenceMinutely, Interval: n}, nil
				case "hour", "hr":
					return scheduler.Recurrence{Type: scheduler.RecurrenceHourly, Interval: n}, nil
				case "day":
					return scheduler.Recurrence{Type: scheduler.RecurrenceDaily, Interval: n}, nil
				case "week":
					return scheduler.Recurrence{Type: scheduler.RecurrenceWeekly, Interval: n}, nil
				case "month":
					return scheduler.Recurrence{Type: scheduler.RecurrenceMonthly, Interval: n}, nil
				}
			}
		}
	}

	return scheduler.Recurrence{}, fmt.Errorf("could not parse repeat %q", repeat)
}
