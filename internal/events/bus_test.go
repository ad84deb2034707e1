package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/scheduler"
)

type recordSink struct {
	mu     sync.Mutex
	got    []Event
	failAt int
}

func (r *recordSink) Deliver(_ string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.got)+1 >= r.failAt {
		return errors.New("overflow")
	}
	r.got = append(r.got, ev)
	return nil
}

func (r *recordSink) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.got...)
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	loop := scheduler.NewLoop()
	loop.Start()
	t.Cleanup(func() { _ = loop.Close(context.Background()) })
	bus := NewBus(loop, nil)
	if err := bus.Register(Info{Name: "pool.query", Description: "pools"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return bus
}

func TestPublishOrderAndFilter(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sink := &recordSink{}
	if _, err := bus.Subscribe(ctx, "pool.query", sink, Options{Filter: filter.Eq("id", 2)}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 50; i++ {
		bus.Send("pool.query", Changed, i%3, filter.Row{"id": i % 3, "seq": i})
	}
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := sink.events()
	if len(got) == 0 {
		t.Fatalf("expected deliveries")
	}
	last := -1
	for _, ev := range got {
		if ev.Fields["id"] != 2 {
			t.Fatalf("filter leaked %v", ev.Fields)
		}
		seq := ev.Fields["seq"].(int)
		if seq <= last {
			t.Fatalf("expected publish order, got %d after %d", seq, last)
		}
		last = seq
	}
}

func TestSubscribeUnknownEvent(t *testing.T) {
	bus := newTestBus(t)
	if _, err := bus.Subscribe(context.Background(), "nope.query", &recordSink{}, Options{}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestWildcardSubscription(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sink := &recordSink{}
	if _, err := bus.Subscribe(ctx, "*", sink, Options{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Send("pool.query", Added, 1, filter.Row{"id": 1})
	bus.Send("user.query", Added, 1, filter.Row{"id": 1})
	_ = bus.Flush(ctx)
	if n := len(sink.events()); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
}

func TestSnapshotPrecedesLiveEvents(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	bus.RegisterSnapshot("pool.query", func(context.Context, *Subscription) ([]Event, error) {
		bus.Send("pool.query", Changed, 1, filter.Row{"id": 1, "status": "DEGRADED"})
		return []Event{{ID: 1, Fields: filter.Row{"id": 1, "status": "ONLINE"}}}, nil
	})
	sink := &recordSink{}
	if _, err := bus.Subscribe(ctx, "pool.query", sink, Options{Snapshot: true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = bus.Flush(ctx)
	got := sink.events()
	if len(got) != 2 {
		t.Fatalf("expected snapshot plus live event, got %d", len(got))
	}
	if got[0].Kind != Added || got[0].Fields["status"] != "ONLINE" {
		t.Fatalf("expected snapshot ADDED first, got %+v", got[0])
	}
	if got[1].Kind != Changed {
		t.Fatalf("expected buffered CHANGED second, got %+v", got[1])
	}
}

func TestFailingSinkIsDropped(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sink := &recordSink{failAt: 2}
	if _, err := bus.Subscribe(ctx, "pool.query", sink, Options{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		bus.Send("pool.query", Added, i, filter.Row{"id": i})
	}
	_ = bus.Flush(ctx)
	if n := len(sink.events()); n != 1 {
		t.Fatalf("expected delivery to stop at overflow, got %d", n)
	}
	if n := bus.Count(ctx); n != 0 {
		t.Fatalf("expected subscription removed, got %d", n)
	}
}

func TestUnsubscribeSinkStopsDelivery(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sink := &recordSink{}
	if _, err := bus.Subscribe(ctx, "pool.query", sink, Options{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.UnsubscribeSink(ctx, sink)
	bus.Send("pool.query", Added, 1, filter.Row{"id": 1})
	_ = bus.Flush(ctx)
	if n := len(sink.events()); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestFilteredSubscriptionReceivesRemovals(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sink := &recordSink{}
	if _, err := bus.Subscribe(ctx, "pool.query", sink, Options{Filter: filter.Eq("name", "tank")}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Send("pool.query", Added, 1, filter.Row{"id": 1, "name": "tank"})
	bus.Send("pool.query", Added, 2, filter.Row{"id": 2, "name": "scratch"})
	bus.Send("pool.query", Removed, 2, filter.Row{"id": 2})
	bus.Send("pool.query", Removed, 1, filter.Row{"id": 1})
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := sink.events()
	if len(got) != 2 {
		t.Fatalf("expected ADDED and REMOVED for id 1, got %+v", got)
	}
	if got[0].Kind != Added || got[0].ID != 1 {
		t.Fatalf("unexpected first delivery %+v", got[0])
	}
	if got[1].Kind != Removed || got[1].ID != 1 {
		t.Fatalf("unexpected second delivery %+v", got[1])
	}
}

func TestRowLeavingFilterIsRemoved(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	sink := &recordSink{}
	if _, err := bus.Subscribe(ctx, "pool.query", sink, Options{Filter: filter.Eq("status", "ONLINE")}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Send("pool.query", Added, 7, filter.Row{"id": 7, "status": "ONLINE"})
	bus.Send("pool.query", Changed, 7, filter.Row{"id": 7, "status": "DEGRADED"})
	bus.Send("pool.query", Changed, 7, filter.Row{"id": 7, "status": "FAULTED"})
	bus.Send("pool.query", Changed, 7, filter.Row{"id": 7, "status": "ONLINE"})
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var kinds []Kind
	for _, ev := range sink.events() {
		kinds = append(kinds, ev.Kind)
	}
	want := []Kind{Added, Removed, Changed}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}

func TestSnapshotRowRemovedWhilePending(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	bus.RegisterSnapshot("pool.query", func(context.Context, *Subscription) ([]Event, error) {
		bus.Send("pool.query", Removed, 3, filter.Row{"id": 3})
		return []Event{{ID: 3, Fields: filter.Row{"id": 3, "name": "tank"}}}, nil
	})
	sink := &recordSink{}
	if _, err := bus.Subscribe(ctx, "pool.query", sink, Options{Filter: filter.Eq("name", "tank"), Snapshot: true}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := sink.events()
	if len(got) != 2 || got[0].Kind != Added || got[1].Kind != Removed {
		t.Fatalf("expected snapshot row then its removal, got %+v", got)
	}
}
