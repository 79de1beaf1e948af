// Package schedule drives the background sweeps (reconcile, disk cleanup,
// database cleanup) on fixed intervals or cron expressions.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next run time after a given instant.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

// Cron creates a schedule from a standard five-field cron expression.
func Cron(expr string) (Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &cronSchedule{schedule: schedule}, nil
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Run invokes fn on the schedule until ctx is cancelled. Runs do not overlap:
// the next run is computed after fn returns.
func Run(ctx context.Context, s Schedule, name string, fn func(context.Context)) {
	for {
		next := s.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		start := time.Now()
		fn(ctx)
		slog.Debug("scheduled run finished", "name", name, "duration", time.Since(start))
	}
}
