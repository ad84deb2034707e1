// Package events is the publish/subscribe bus behind `sub` messages. All
// deliveries run on the scheduler loop so each subscription observes events
// in publish order.
package events

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/ids"
	"pkt.systems/middlewared/internal/scheduler"
	"pkt.systems/middlewared/internal/svcfields"
)

// Kind is the delivery type of an event.
type Kind string

const (
	Added   Kind = "ADDED"
	Changed Kind = "CHANGED"
	Removed Kind = "REMOVED"
)

// Msg returns the wire discriminator for k.
func (k Kind) Msg() string { return strings.ToLower(string(k)) }

// ErrUnknownEvent is returned when subscribing to an unregistered name.
var ErrUnknownEvent = errors.New("events: unknown event")

// Event is one publication.
type Event struct {
	Name   string
	Kind   Kind
	ID     any
	Fields filter.Row
}

// Sink receives deliveries for a subscriber. Deliver runs on the loop and
// must not block; an error drops every subscription of the sink.
type Sink interface {
	Deliver(subscriptionID string, ev Event) error
}

// SnapshotFunc lists the current rows of a collection for snapshot
// subscriptions.
type SnapshotFunc func(ctx context.Context, sub *Subscription) ([]Event, error)

// Info describes a registered event name.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	// Resource is matched by the privilege engine for SUBSCRIBE checks.
	Resource string `json:"-"`
}

// Options configure a subscription.
type Options struct {
	// ID fixes the subscription id; a short id is generated when empty.
	ID       string
	Filter   filter.Expr
	Snapshot bool
	// Visible further restricts deliveries, e.g. to the caller's own jobs.
	Visible func(Event) bool
	// Owner is opaque caller data available to snapshot providers.
	Owner any
}

// Subscription is an active subscription.
type Subscription struct {
	ID      string
	Name    string
	sink    Sink
	opts    Options
	pending []Event
	live    bool
	// known holds the ids delivered to a filtered subscription so removals,
	// which carry no fields, still reach it.
	known map[string]struct{}
}

// Owner returns the opaque owner supplied at subscribe time.
func (s *Subscription) Owner() any { return s.opts.Owner }

// Filter returns the subscription filter.
func (s *Subscription) Filter() filter.Expr { return s.opts.Filter }

func (s *Subscription) covers(name string) bool {
	if s.Name == name {
		return true
	}
	ok, _ := path.Match(s.Name, name)
	return ok
}

// accept decides whether ev reaches the subscription and returns the event
// to deliver. With a filter, a row that stops matching is delivered as
// REMOVED and a removal is delivered only for rows the subscriber has seen.
func (s *Subscription) accept(ev Event) (Event, bool) {
	if !s.covers(ev.Name) {
		return ev, false
	}
	if s.opts.Visible != nil && !s.opts.Visible(ev) {
		return ev, false
	}
	if s.opts.Filter.Empty() {
		return ev, true
	}
	key := fmt.Sprintf("%s\x00%v", ev.Name, ev.ID)
	_, seen := s.known[key]
	switch ev.Kind {
	case Removed:
		if !seen && !s.opts.Filter.Match(ev.Fields) {
			return ev, false
		}
		delete(s.known, key)
		return ev, true
	default:
		if !s.opts.Filter.Match(ev.Fields) {
			if !seen {
				return ev, false
			}
			delete(s.known, key)
			return Event{Name: ev.Name, Kind: Removed, ID: ev.ID, Fields: filter.Row{"id": ev.ID}}, true
		}
		if s.known == nil {
			s.known = make(map[string]struct{})
		}
		s.known[key] = struct{}{}
		return ev, true
	}
}

// Bus fans events out to subscriptions.
type Bus struct {
	loop   *scheduler.Loop
	logger pslog.Logger

	mu        sync.RWMutex
	events    map[string]Info
	snapshots map[string]SnapshotFunc

	// subs is owned by the loop goroutine.
	subs    map[string]*Subscription
	metrics *busMetrics
}

// NewBus returns a bus delivering on loop.
func NewBus(loop *scheduler.Loop, logger pslog.Logger) *Bus {
	logger = svcfields.WithSubsystem(logger, "events.bus")
	b := &Bus{
		loop:      loop,
		logger:    logger,
		events:    make(map[string]Info),
		snapshots: make(map[string]SnapshotFunc),
		subs:      make(map[string]*Subscription),
	}
	b.metrics = newBusMetrics(logger)
	return b
}

// Register declares an event name. Registering twice is an error.
func (b *Bus) Register(info Info) error {
	if info.Name == "" {
		return fmt.Errorf("events: empty event name")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.events[info.Name]; exists {
		return fmt.Errorf("events: %s already registered", info.Name)
	}
	if info.Resource == "" {
		info.Resource = info.Name
	}
	b.events[info.Name] = info
	return nil
}

// RegisterSnapshot installs the snapshot provider for name.
func (b *Bus) RegisterSnapshot(name string, fn SnapshotFunc) {
	b.mu.Lock()
	b.snapshots[name] = fn
	b.mu.Unlock()
}

// Lookup returns the registration for name.
func (b *Bus) Lookup(name string) (Info, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.events[name]
	return info, ok
}

// List returns registered events sorted by name.
func (b *Bus) List() []Info {
	b.mu.RLock()
	out := make([]Info, 0, len(b.events))
	for _, info := range b.events {
		out = append(out, info)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Publish enqueues ev for delivery. It never blocks on subscribers.
func (b *Bus) Publish(ev Event) {
	if err := b.loop.Post(func() { b.dispatch(ev) }); err != nil {
		b.logger.Debug("events.publish.dropped_closed", "event", ev.Name, "kind", ev.Kind)
	}
}

// Send is a convenience wrapper around Publish.
func (b *Bus) Send(name string, kind Kind, id any, fields filter.Row) {
	b.Publish(Event{Name: name, Kind: kind, ID: id, Fields: fields})
}

func (b *Bus) dispatch(ev Event) {
	b.metrics.recordPublish(ev)
	for _, sub := range b.orderedSubs() {
		if !sub.covers(ev.Name) {
			continue
		}
		if !sub.live {
			sub.pending = append(sub.pending, ev)
			continue
		}
		if out, ok := sub.accept(ev); ok {
			b.deliver(sub, out)
		}
	}
}

// orderedSubs returns subscriptions by id so delivery across sessions is
// deterministic.
func (b *Bus) orderedSubs() []*Subscription {
	out := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Bus) deliver(sub *Subscription, ev Event) {
	if err := sub.sink.Deliver(sub.ID, ev); err != nil {
		b.logger.Warn("events.deliver.failed", "subscription", sub.ID, "event", ev.Name, "error", err)
		b.metrics.recordDropSink(ev)
		b.removeSink(sub.sink)
	}
}

// Subscribe registers a subscription for name. Names containing glob
// metacharacters match any registered event they cover. With
// opts.Snapshot the provider's rows are delivered as ADDED before any live
// event.
func (b *Bus) Subscribe(ctx context.Context, name string, sink Sink, opts Options) (*Subscription, error) {
	if !strings.ContainsAny(name, "*?[") {
		if _, ok := b.Lookup(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
		}
	} else if _, err := path.Match(name, ""); err != nil {
		return nil, fmt.Errorf("events: invalid pattern %q: %w", name, err)
	}
	id := opts.ID
	if id == "" {
		id = ids.Short()
	}
	sub := &Subscription{ID: id, Name: name, sink: sink, opts: opts, live: !opts.Snapshot}
	var dup bool
	if err := b.loop.Call(ctx, func() {
		if _, dup = b.subs[sub.ID]; !dup {
			b.subs[sub.ID] = sub
		}
	}); err != nil {
		return nil, err
	}
	if dup {
		return nil, fmt.Errorf("events: subscription %s already exists", sub.ID)
	}
	if !opts.Snapshot {
		return sub, nil
	}
	b.mu.RLock()
	provider := b.snapshots[name]
	b.mu.RUnlock()
	var rows []Event
	if provider != nil {
		var err error
		rows, err = provider(ctx, sub)
		if err != nil {
			b.Unsubscribe(sub.ID)
			return nil, err
		}
	}
	err := b.loop.Call(ctx, func() {
		if _, ok := b.subs[sub.ID]; !ok {
			return
		}
		for _, ev := range rows {
			ev.Kind = Added
			if ev.Name == "" {
				ev.Name = name
			}
			if out, ok := sub.accept(ev); ok {
				b.deliver(sub, out)
			}
		}
		pending := sub.pending
		sub.pending = nil
		sub.live = true
		for _, ev := range pending {
			if out, ok := sub.accept(ev); ok {
				b.deliver(sub, out)
			}
		}
	})
	if err != nil {
		b.Unsubscribe(sub.ID)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a subscription. Events already handed to its sink
// remain there.
func (b *Bus) Unsubscribe(id string) {
	_ = b.loop.Post(func() { delete(b.subs, id) })
}

// UnsubscribeSink removes every subscription delivering to sink and waits
// for the removal to take effect.
func (b *Bus) UnsubscribeSink(ctx context.Context, sink Sink) {
	_ = b.loop.Call(ctx, func() { b.removeSink(sink) })
}

func (b *Bus) removeSink(sink Sink) {
	for id, sub := range b.subs {
		if sub.sink == sink {
			delete(b.subs, id)
		}
	}
}

// Flush waits until every event published before the call was delivered.
func (b *Bus) Flush(ctx context.Context) error {
	return b.loop.Call(ctx, func() {})
}

// Count returns the number of active subscriptions.
func (b *Bus) Count(ctx context.Context) int {
	n := 0
	_ = b.loop.Call(ctx, func() { n = len(b.subs) })
	return n
}
