package scheduler

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPoolExhausted is returned when a submission would exceed the hard limit.
var ErrPoolExhausted = errors.New("scheduler: blocking pool exhausted")

// SoftHardSemaphore admits up to hard holders in total, of which at most
// soft run at once. Holders beyond soft block in Acquire until a slot frees;
// holders beyond hard are refused with ErrPoolExhausted.
type SoftHardSemaphore struct {
	soft     int64
	hard     int64
	sem      *semaphore.Weighted
	admitted atomic.Int64
	running  atomic.Int64
}

// NewSoftHardSemaphore returns a semaphore with the given limits. hard is
// raised to soft when smaller.
func NewSoftHardSemaphore(soft, hard int64) *SoftHardSemaphore {
	if soft <= 0 {
		soft = 1
	}
	if hard < soft {
		hard = soft
	}
	return &SoftHardSemaphore{soft: soft, hard: hard, sem: semaphore.NewWeighted(soft)}
}

// Acquire takes a slot, blocking past the soft limit and failing past the
// hard limit.
func (s *SoftHardSemaphore) Acquire(ctx context.Context) error {
	if s.admitted.Add(1) > s.hard {
		s.admitted.Add(-1)
		return ErrPoolExhausted
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.admitted.Add(-1)
		return err
	}
	s.running.Add(1)
	return nil
}

// Release returns a slot taken by Acquire.
func (s *SoftHardSemaphore) Release() {
	s.running.Add(-1)
	s.sem.Release(1)
	s.admitted.Add(-1)
}

// Running reports holders currently past the soft gate.
func (s *SoftHardSemaphore) Running() int64 { return s.running.Load() }

// Admitted reports running plus waiting holders.
func (s *SoftHardSemaphore) Admitted() int64 { return s.admitted.Load() }

// Limits returns the soft and hard limits.
func (s *SoftHardSemaphore) Limits() (soft, hard int64) { return s.soft, s.hard }
