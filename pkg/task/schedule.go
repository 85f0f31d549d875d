package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the occurrences of a recurring task. Next returns the
// first occurrence strictly after from.
type Schedule interface {
	Next(from time.Time) time.Time
}

// ParseSchedule parses a standard five field cron expression or a
// descriptor such as @hourly or @every 30s.
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Every is a fixed-interval schedule.
type Every time.Duration

func (e Every) Next(from time.Time) time.Time {
	return from.Add(time.Duration(e))
}
