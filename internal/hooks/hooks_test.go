package hooks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type reporterFunc func(hook, handler string, err error)

func (f reporterFunc) HookFailed(hook, handler string, err error) { f(hook, handler, err) }

func TestCallOrderAndFailureIsolation(t *testing.T) {
	reg := New(nil, nil)
	var mu sync.Mutex
	var order []string
	var failures []string
	reg.SetReporter(reporterFunc(func(hook, handler string, err error) {
		mu.Lock()
		failures = append(failures, hook+"/"+handler+":"+err.Error())
		mu.Unlock()
	}))
	record := func(name string) Handler {
		return func(context.Context, ...any) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	reg.Register("user.post_create", "first", record("first"), Options{Sync: true})
	reg.Register("user.post_create", "broken", func(context.Context, ...any) error {
		return errors.New("boom")
	}, Options{Sync: true})
	reg.Register("user.post_create", "panics", func(context.Context, ...any) error {
		panic("bad handler")
	}, Options{Sync: true})
	reg.Register("user.post_create", "last", record("last"), Options{Sync: true})

	reg.Call(context.Background(), "user.post_create", 1)
	if strings.Join(order, ",") != "first,last" {
		t.Fatalf("expected first,last, got %v", order)
	}
	if len(failures) != 2 || !strings.HasPrefix(failures[0], "user.post_create/broken:boom") {
		t.Fatalf("expected two reported failures, got %v", failures)
	}
}

func TestBlockHooksSkipsBlockableOnly(t *testing.T) {
	reg := New(nil, nil)
	var calls []string
	reg.Register("interface.post_sync", "blockable", func(context.Context, ...any) error {
		calls = append(calls, "blockable")
		return nil
	}, Options{Sync: true, Blockable: true})
	reg.Register("interface.post_sync", "always", func(context.Context, ...any) error {
		calls = append(calls, "always")
		return nil
	}, Options{Sync: true})

	ctx := BlockHooks(context.Background(), "interface.post_sync")
	reg.Call(ctx, "interface.post_sync")
	if strings.Join(calls, ",") != "always" {
		t.Fatalf("expected only non-blockable handler, got %v", calls)
	}
	if !Blocked(ctx, "interface.post_sync") || Blocked(context.Background(), "interface.post_sync") {
		t.Fatalf("unexpected block scope")
	}
}

func TestAsyncHandlersRunInOrder(t *testing.T) {
	reg := New(nil, nil)
	var mu sync.Mutex
	var calls []int
	for i := 0; i < 5; i++ {
		i := i
		reg.Register("pool.post_import", "", func(context.Context, ...any) error {
			mu.Lock()
			calls = append(calls, i)
			mu.Unlock()
			return nil
		}, Options{})
	}
	reg.Call(context.Background(), "pool.post_import")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	for i, v := range calls {
		if v != i {
			t.Fatalf("expected registration order, got %v", calls)
		}
	}
}

func TestTeardownReverseOrder(t *testing.T) {
	reg := New(nil, nil)
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		reg.OnTeardown(name, func(context.Context) error {
			order = append(order, name)
			if name == "b" {
				return errors.New("stuck")
			}
			return nil
		})
	}
	if err := reg.RunTeardown(context.Background()); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if strings.Join(order, ",") != "c,b,a" {
		t.Fatalf("expected reverse order, got %v", order)
	}
}

func TestInitStopsAtFirstError(t *testing.T) {
	reg := New(nil, nil)
	ran := 0
	reg.OnInit("ok", func(context.Context) error { ran++; return nil })
	reg.OnInit("bad", func(context.Context) error { return errors.New("no") })
	reg.OnInit("never", func(context.Context) error { ran++; return nil })
	if err := reg.RunInit(context.Background()); err == nil || ran != 1 {
		t.Fatalf("expected failure after one step, got err=%v ran=%d", err, ran)
	}
}
