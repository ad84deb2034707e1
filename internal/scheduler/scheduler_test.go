package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSoftHardSemaphoreLimits(t *testing.T) {
	sem := NewSoftHardSemaphore(1, 2)
	ctx := context.Background()
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	acquired := make(chan error, 1)
	go func() { acquired <- sem.Acquire(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sem.Admitted() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second acquire never admitted")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-acquired:
		t.Fatalf("expected second acquire to block past soft limit, got %v", err)
	default:
	}
	if err := sem.Acquire(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted past hard limit, got %v", err)
	}
	sem.Release()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("blocked acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked acquire did not resume")
	}
	sem.Release()
	if sem.Admitted() != 0 || sem.Running() != 0 {
		t.Fatalf("expected empty semaphore, got admitted=%d running=%d", sem.Admitted(), sem.Running())
	}
}

func TestSoftHardSemaphoreCancelledWait(t *testing.T) {
	sem := NewSoftHardSemaphore(1, 4)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if sem.Admitted() != 1 {
		t.Fatalf("expected cancelled waiter to leave, admitted=%d", sem.Admitted())
	}
}

func TestLoopPreservesPostOrder(t *testing.T) {
	loop := NewLoop()
	loop.Start()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := loop.Post(func() { got = append(got, i) }); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	if err := loop.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected %d at position %d, got %d", i, i, v)
		}
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 entries, got %d", len(got))
	}
	if err := loop.Post(func() {}); !errors.Is(err, ErrLoopClosed) {
		t.Fatalf("expected ErrLoopClosed, got %v", err)
	}
}

func TestLoopCallFromBlockingCode(t *testing.T) {
	loop := NewLoop()
	loop.Start()
	defer loop.Close(context.Background())
	var value int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loop.Call(context.Background(), func() { value++ })
		}()
	}
	wg.Wait()
	if err := loop.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if value != 10 {
		t.Fatalf("expected 10 increments, got %d", value)
	}
}

func TestRunReturnsOnContextAndDetaches(t *testing.T) {
	s := New(Config{BlockingSoft: 1, BlockingHard: 1})
	release := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Run(ctx, true, func(context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := s.Go(context.Background(), true, func(context.Context) {}); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected detached handler to hold its slot, got %v", err)
	}
	close(release)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := s.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if stats := s.Stats(); stats.BlockingAdmitted != 0 {
		t.Fatalf("expected released slot, got %+v", stats)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	s := New(Config{})
	defer s.Close(context.Background())
	err := s.Run(context.Background(), false, func(context.Context) error {
		panic("boom")
	})
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != "boom" {
		t.Fatalf("expected PanicError, got %v", err)
	}
}

func TestAsyncPoolRunsConcurrently(t *testing.T) {
	s := New(Config{AsyncLimit: 4})
	defer s.Close(context.Background())
	var peak, current atomic.Int64
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Run(context.Background(), false, func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-gate
				current.Add(-1)
				return nil
			})
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for peak.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(gate)
	wg.Wait()
	if peak.Load() != 4 {
		t.Fatalf("expected 4 concurrent handlers, got %d", peak.Load())
	}
}
