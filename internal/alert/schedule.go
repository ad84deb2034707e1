package alert

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule decides whether a periodic source is due.
type Schedule interface {
	ShouldRun(now, last time.Time) bool
}

// Interval runs a source at most once per d; zero runs it on every tick.
type Interval time.Duration

// ShouldRun implements Schedule.
func (i Interval) ShouldRun(now, last time.Time) bool {
	return last.IsZero() || !now.Before(last.Add(time.Duration(i)))
}

// CronSchedule runs a source when a cron expression fires.
type CronSchedule struct {
	expr  string
	sched cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron parses a five-field cron expression or a descriptor such as
// "@hourly".
func Cron(expr string) (*CronSchedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("alert: parse cron %q: %w", expr, err)
	}
	return &CronSchedule{expr: expr, sched: s}, nil
}

// MustCron is Cron for expressions in code.
func MustCron(expr string) *CronSchedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// ShouldRun implements Schedule. A source that never ran is due at once.
func (c *CronSchedule) ShouldRun(now, last time.Time) bool {
	if last.IsZero() {
		return true
	}
	return !now.Before(c.sched.Next(last))
}

func (c *CronSchedule) String() string { return c.expr }
