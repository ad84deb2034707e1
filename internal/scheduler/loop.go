package scheduler

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopClosed is returned when work is posted after Close.
var ErrLoopClosed = errors.New("scheduler: loop closed")

// Loop runs posted functions one at a time on a single goroutine, in post
// order. It is the cooperative side of the scheduler: event delivery and
// anything that must observe a total order runs here. The queue is
// unbounded so functions running on the loop may post more work.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
	started sync.Once
}

// NewLoop returns a stopped loop; call Start to begin processing.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Start launches the loop goroutine once.
func (l *Loop) Start() {
	l.started.Do(func() { go l.run() })
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
	}
}

// Post enqueues fn. It never blocks.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call is the bridge for blocking code: it posts fn and waits for it to run
// on the loop, or for ctx to end.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if err := l.Post(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, drains what is queued and waits for the loop
// goroutine to exit or ctx to end.
func (l *Loop) Close(ctx context.Context) error {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	l.mu.Unlock()
	if !already {
		l.Start()
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
