package alert

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by a source that cannot check on this system;
// its previous alerts are kept.
var ErrUnavailable = errors.New("alert: source unavailable")

// Source produces the current alerts of one condition.
type Source struct {
	Name     string
	Schedule Schedule
	// Blocking sources run on the blocking pool.
	Blocking bool
	// RunOnStandby sources also run when this node is not the active one.
	RunOnStandby bool
	Check        func(ctx context.Context) ([]*Alert, error)
}

func (s *Source) schedule() Schedule {
	if s.Schedule == nil {
		return Interval(0)
	}
	return s.Schedule
}

// SourceStats are the run-time statistics of a source in seconds.
type SourceStats struct {
	Last       []float64 `json:"last"`
	Max        float64   `json:"max"`
	TotalCount int       `json:"total_count"`
	TotalTime  float64   `json:"total_time"`
	Avg        float64   `json:"avg"`
}

func (s *SourceStats) record(seconds float64) {
	s.Last = append(s.Last, seconds)
	if len(s.Last) > 10 {
		s.Last = s.Last[len(s.Last)-10:]
	}
	if seconds > s.Max {
		s.Max = seconds
	}
	s.TotalCount++
	s.TotalTime += seconds
	s.Avg = s.TotalTime / float64(s.TotalCount)
}
