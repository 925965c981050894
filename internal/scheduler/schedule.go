package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const oncePrefix = "@once:"

var ErrInvalidExpression = errors.New("invalid cron expression")

// Standard 5-field crontab, an optional leading seconds field, and
// descriptors such as @daily or @every 1h.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// onceSchedule fires a single time at At.
type onceSchedule struct {
	At time.Time
}

// Next returns the zero time once At has passed; cron never runs an entry
// whose next time is zero.
func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.At) {
		return o.At
	}
	return time.Time{}
}

var onceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseExpression accepts a cron expression or "@once:<timestamp>".
// Timestamps without a zone are read as UTC; a bare date means midnight.
func ParseExpression(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	if raw, ok := strings.CutPrefix(expr, oncePrefix); ok {
		raw = strings.TrimSpace(raw)
		for _, layout := range onceLayouts {
			if at, err := time.Parse(layout, raw); err == nil {
				return onceSchedule{At: at.UTC()}, nil
			}
		}
		return nil, fmt.Errorf("%w: bad one-shot timestamp %q", ErrInvalidExpression, raw)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	return sched, nil
}

// NextRunTime returns the first activation after from, or nil when the
// expression will never fire again.
func NextRunTime(expr string, from time.Time) (*time.Time, error) {
	sched, err := ParseExpression(expr)
	if err != nil {
		return nil, err
	}
	return nextOf(sched, from), nil
}

func nextOf(sched cron.Schedule, from time.Time) *time.Time {
	next := sched.Next(from)
	if next.IsZero() {
		return nil
	}
	next = next.UTC()
	return &next
}

func isOnce(sched cron.Schedule) bool {
	_, ok := sched.(onceSchedule)
	return ok
}

func isOnceExpression(expr string) bool {
	return strings.HasPrefix(strings.TrimSpace(expr), oncePrefix)
}
