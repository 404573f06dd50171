package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned for expressions that cannot be parsed or never fire
var ErrInvalidCron = errors.New("invalid cron expression")

// maxLookback bounds the backward search in Prev
const maxLookback = 5 * 366 * 24 * time.Hour

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Interval is a parsed cron expression
type Interval interface {
	// Next returns the first fire time strictly after t
	Next(after time.Time) time.Time
	// Prev returns the last fire time strictly before t, or the zero time
	Prev(before time.Time) time.Time
}

type interval struct {
	expr     string
	schedule cron.Schedule
}

// Parse parses a standard five-field cron expression or a descriptor such
// as @daily.
func Parse(expr string) (Interval, error) {
	return parse(expr)
}

func parse(expr string) (*interval, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}

	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	if schedule.Next(time.Now()).IsZero() {
		return nil, fmt.Errorf("%w %q: never fires", ErrInvalidCron, expr)
	}

	return &interval{expr: expr, schedule: schedule}, nil
}

func (i *interval) Next(after time.Time) time.Time {
	return i.schedule.Next(after)
}

// Prev searches backwards with a doubling window, then walks forward to the
// last fire time before the bound.
func (i *interval) Prev(before time.Time) time.Time {
	for window := time.Minute; window <= maxLookback; window *= 2 {
		t := i.schedule.Next(before.Add(-window))
		if t.IsZero() || !t.Before(before) {
			continue
		}
		for {
			n := i.schedule.Next(t)
			if n.IsZero() || !n.Before(before) {
				return t
			}
			t = n
		}
	}
	return time.Time{}
}

func (i *interval) String() string {
	return i.expr
}
