package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
)

// onceLayouts are the accepted local-timestamp forms for one-shot tasks.
var onceLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// zoneSuffix matches a trailing Z or ±hh:mm offset, which one-shot
// timestamps must not carry; they are always host-local.
var zoneSuffix = regexp.MustCompile(`(Z|[+-]\d{2}:?\d{2})$`)

// Validate checks a schedule value against its kind and returns the first
// fire instant, computed relative to now in the host's local zone. For
// one-shot tasks a past instant is returned as-is; the caller decides
// whether to complete without firing.
func Validate(kind Kind, value string, now time.Time) (time.Time, error) {
	switch kind {
	case KindCron:
		if !gronx.New().IsValid(value) {
			return time.Time{}, fmt.Errorf("invalid cron expression %q", value)
		}
		next, err := gronx.NextTickAfter(value, now, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", value, err)
		}
		return next, nil

	case KindInterval:
		ms, err := strconv.Atoi(value)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("interval must be a positive integer of milliseconds, got %q", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil

	case KindOnce:
		if zoneSuffix.MatchString(value) {
			return time.Time{}, fmt.Errorf("once timestamp %q must be local time without timezone suffix", value)
		}
		for _, layout := range onceLayouts {
			if ts, err := time.ParseInLocation(layout, value, time.Local); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse once timestamp %q", value)

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// nextAfter re-derives a recurring task's next fire strictly after the
// given instant. Missed windows collapse: the task fires once now and the
// schedule skips ahead. One-shot tasks never fire again.
func nextAfter(t *Task, after time.Time) (time.Time, error) {
	switch t.Kind {
	case KindCron:
		return gronx.NextTickAfter(t.Value, after, false)
	case KindInterval:
		ms, err := strconv.Atoi(t.Value)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("interval %q: %v", t.Value, err)
		}
		return after.Add(time.Duration(ms) * time.Millisecond), nil
	case KindOnce:
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", t.Kind)
}
