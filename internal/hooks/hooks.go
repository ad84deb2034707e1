// Package hooks holds named extension points invoked by the core. Handlers
// run in registration order; a failing handler never stops the others.
package hooks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/svcfields"
)

// Handler is a hook callback.
type Handler func(ctx context.Context, args ...any) error

// Options control how a handler is invoked.
type Options struct {
	// Sync handlers run before Call returns. Others run after, in order, on
	// a background goroutine.
	Sync bool
	// Blockable handlers are skipped inside a BlockHooks scope naming the hook.
	Blockable bool
}

// Reporter receives handler failures; the alert engine implements it.
type Reporter interface {
	HookFailed(hook, handler string, err error)
}

// Runner executes background work; scheduler.Scheduler.Go satisfies it.
type Runner interface {
	Go(ctx context.Context, blocking bool, fn func(context.Context)) error
}

type entry struct {
	label string
	fn    Handler
	opts  Options
}

type lifecycle struct {
	label string
	fn    func(context.Context) error
}

// Registry stores hook handlers.
type Registry struct {
	mu       sync.RWMutex
	hooks    map[string][]entry
	init     []lifecycle
	teardown []lifecycle
	reporter Reporter
	runner   Runner
	logger   pslog.Logger
	wg       sync.WaitGroup
}

// New returns an empty registry. runner may be nil, in which case async
// handlers run on plain goroutines.
func New(runner Runner, logger pslog.Logger) *Registry {
	return &Registry{
		hooks:  make(map[string][]entry),
		runner: runner,
		logger: svcfields.WithSubsystem(logger, "hooks.registry"),
	}
}

// SetReporter installs the failure reporter.
func (r *Registry) SetReporter(rep Reporter) {
	r.mu.Lock()
	r.reporter = rep
	r.mu.Unlock()
}

// Register appends a handler to hook.
func (r *Registry) Register(hook, label string, fn Handler, opts Options) {
	if label == "" {
		label = fmt.Sprintf("%s#%d", hook, len(r.Handlers(hook))+1)
	}
	r.mu.Lock()
	r.hooks[hook] = append(r.hooks[hook], entry{label: label, fn: fn, opts: opts})
	r.mu.Unlock()
}

// Handlers lists the handler labels of hook in registration order.
func (r *Registry) Handlers(hook string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.hooks[hook]))
	for _, e := range r.hooks[hook] {
		out = append(out, e.label)
	}
	return out
}

// OnInit registers a boot-time initializer.
func (r *Registry) OnInit(label string, fn func(context.Context) error) {
	r.mu.Lock()
	r.init = append(r.init, lifecycle{label: label, fn: fn})
	r.mu.Unlock()
}

// OnTeardown registers a shutdown handler. Teardown runs in reverse order.
func (r *Registry) OnTeardown(label string, fn func(context.Context) error) {
	r.mu.Lock()
	r.teardown = append(r.teardown, lifecycle{label: label, fn: fn})
	r.mu.Unlock()
}

// Call invokes every handler of hook. Sync handlers complete before Call
// returns; async handlers are started afterwards and keep their order.
// Handler errors are logged and reported, never returned.
func (r *Registry) Call(ctx context.Context, hook string, args ...any) {
	r.mu.RLock()
	entries := append([]entry(nil), r.hooks[hook]...)
	r.mu.RUnlock()
	if len(entries) == 0 {
		return
	}
	blocked := blockedSet(ctx)
	var async []entry
	for _, e := range entries {
		if e.opts.Blockable && blocked[hook] {
			r.logger.Debug("hooks.call.blocked", "hook", hook, "handler", e.label)
			continue
		}
		if !e.opts.Sync {
			async = append(async, e)
			continue
		}
		r.invoke(ctx, hook, e, args)
	}
	if len(async) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)
	run := func(ctx context.Context) {
		for _, e := range async {
			r.invoke(ctx, hook, e, args)
		}
	}
	r.wg.Add(1)
	wrapped := func(ctx context.Context) {
		defer r.wg.Done()
		run(ctx)
	}
	if r.runner != nil {
		if err := r.runner.Go(bg, false, wrapped); err == nil {
			return
		}
	}
	go wrapped(bg)
}

func (r *Registry) invoke(ctx context.Context, hook string, e entry, args []any) {
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
			}
		}()
		return e.fn(ctx, args...)
	}()
	if err != nil {
		r.fail(hook, e.label, err)
	}
}

func (r *Registry) fail(hook, label string, err error) {
	r.logger.Error("hooks.handler.failed", "hook", hook, "handler", label, "error", err)
	r.mu.RLock()
	rep := r.reporter
	r.mu.RUnlock()
	if rep != nil {
		rep.HookFailed(hook, label, err)
	}
}

// RunInit runs initializers in registration order and stops at the first
// error, which is returned.
func (r *Registry) RunInit(ctx context.Context) error {
	r.mu.RLock()
	steps := append([]lifecycle(nil), r.init...)
	r.mu.RUnlock()
	for _, step := range steps {
		r.logger.Debug("hooks.init.run", "handler", step.label)
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("hooks: init %s: %w", step.label, err)
		}
	}
	return nil
}

// RunTeardown runs teardown handlers in reverse registration order. Each
// failure is reported; all handlers run unless ctx ends.
func (r *Registry) RunTeardown(ctx context.Context) error {
	r.mu.RLock()
	steps := append([]lifecycle(nil), r.teardown...)
	r.mu.RUnlock()
	for i := len(steps) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := steps[i].fn(ctx); err != nil {
			r.fail("system.teardown", steps[i].label, err)
		}
	}
	return nil
}

// Wait blocks until started async handlers finish or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
