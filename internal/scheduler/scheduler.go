// Package scheduler routes handler execution to the cooperative loop, the
// async pool or the bounded blocking pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/svcfields"
)

// Defaults applied by New when a limit is unset.
const (
	DefaultAsyncLimit   = 1024
	DefaultBlockingSoft = 32
	DefaultBlockingHard = 256
)

// Config sizes the executors.
type Config struct {
	// AsyncLimit bounds concurrently running non-blocking handlers.
	AsyncLimit int64
	// BlockingSoft bounds concurrently running blocking handlers.
	BlockingSoft int64
	// BlockingHard bounds running plus waiting blocking handlers.
	BlockingHard int64
	Logger       pslog.Logger
}

// Stats is a point-in-time view of executor occupancy.
type Stats struct {
	AsyncRunning     int64 `json:"async_running"`
	BlockingRunning  int64 `json:"blocking_running"`
	BlockingAdmitted int64 `json:"blocking_admitted"`
	BlockingSoft     int64 `json:"blocking_soft"`
	BlockingHard     int64 `json:"blocking_hard"`
	Detached         int64 `json:"detached"`
}

// Scheduler owns the loop and both pools.
type Scheduler struct {
	loop      *Loop
	async     *semaphore.Weighted
	asyncRun  atomic.Int64
	blocking  *SoftHardSemaphore
	detached  atomic.Int64
	wg        sync.WaitGroup
	logger    pslog.Logger
	metrics   *schedulerMetrics
	closeOnce sync.Once
}

// New constructs a scheduler and starts its loop.
func New(cfg Config) *Scheduler {
	if cfg.AsyncLimit <= 0 {
		cfg.AsyncLimit = DefaultAsyncLimit
	}
	if cfg.BlockingSoft <= 0 {
		cfg.BlockingSoft = DefaultBlockingSoft
	}
	if cfg.BlockingHard <= 0 {
		cfg.BlockingHard = DefaultBlockingHard
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "scheduler")
	s := &Scheduler{
		loop:     NewLoop(),
		async:    semaphore.NewWeighted(cfg.AsyncLimit),
		blocking: NewSoftHardSemaphore(cfg.BlockingSoft, cfg.BlockingHard),
		logger:   logger,
	}
	s.metrics = newSchedulerMetrics(logger, s)
	s.loop.Start()
	return s
}

// Loop returns the cooperative loop.
func (s *Scheduler) Loop() *Loop { return s.loop }

// Run executes fn on the pool selected by blocking and returns its error.
// When ctx ends first Run returns ctx.Err() and fn keeps running detached
// with its slot held until it returns.
func (s *Scheduler) Run(ctx context.Context, blocking bool, fn func(context.Context) error) error {
	release, err := s.acquire(ctx, blocking)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		done <- safeCall(ctx, fn)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.detached.Add(1)
		go func() {
			<-done
			s.detached.Add(-1)
		}()
		return ctx.Err()
	}
}

// Go starts fn on the selected pool without waiting for it. Admission
// errors are returned synchronously.
func (s *Scheduler) Go(ctx context.Context, blocking bool, fn func(context.Context)) error {
	release, err := s.acquire(ctx, blocking)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		fn(ctx)
	}()
	return nil
}

func (s *Scheduler) acquire(ctx context.Context, blocking bool) (func(), error) {
	if blocking {
		if err := s.blocking.Acquire(ctx); err != nil {
			if errors.Is(err, ErrPoolExhausted) {
				s.metrics.recordRejected(ctx)
				s.logger.Warn("scheduler.blocking.exhausted", "admitted", s.blocking.Admitted())
			}
			return nil, err
		}
		return s.blocking.Release, nil
	}
	if err := s.async.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.asyncRun.Add(1)
	return func() {
		s.asyncRun.Add(-1)
		s.async.Release(1)
	}, nil
}

// Stats reports executor occupancy.
func (s *Scheduler) Stats() Stats {
	soft, hard := s.blocking.Limits()
	return Stats{
		AsyncRunning:     s.asyncRun.Load(),
		BlockingRunning:  s.blocking.Running(),
		BlockingAdmitted: s.blocking.Admitted(),
		BlockingSoft:     soft,
		BlockingHard:     hard,
		Detached:         s.detached.Load(),
	}
}

// Close stops the loop and waits for running work until ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			s.logger.Warn("scheduler.close.timeout", "detached", s.detached.Load(), "blocking_running", s.blocking.Running())
			err = ctx.Err()
		}
		if loopErr := s.loop.Close(ctx); loopErr != nil && err == nil {
			err = loopErr
		}
	})
	return err
}

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
