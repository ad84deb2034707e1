package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/wire"
)

// Event is one delivery on a subscription.
type Event struct {
	// Kind is "added", "changed" or "removed".
	Kind       string
	Collection string
	// ID is the object id, echoed as the server sent it.
	ID     json.RawMessage
	Fields json.RawMessage
}

// IDString renders the object id as text.
func (e Event) IDString() string { return wire.RawString(e.ID) }

// Decode unmarshals the event fields into v.
func (e Event) Decode(v any) error {
	if len(e.Fields) == 0 {
		return nil
	}
	return json.Unmarshal(e.Fields, v)
}

// Subscription streams events of one collection.
type Subscription struct {
	c          *Client
	id         string
	collection string
	ref        string

	events chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func newSubscription(c *Client, id, collection, ref string, buffer int) *Subscription {
	return &Subscription{
		c:          c,
		id:         id,
		collection: collection,
		ref:        ref,
		events:     make(chan Event, buffer),
		done:       make(chan struct{}),
	}
}

// ID returns the server-assigned subscription id.
func (s *Subscription) ID() string { return s.id }

// Collection returns the subscribed event name or pattern.
func (s *Subscription) Collection() string { return s.collection }

// Events delivers events in order. The channel is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the reason the subscription ended. It is nil for a clean
// unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// deliver is called from the read loop only.
func (s *Subscription) deliver(ev Event) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// finish is called from the read loop only, so no deliver races the close.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		close(s.events)
	})
}

// Unsubscribe ends the subscription and waits for the server to confirm.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if err := s.c.send(&wire.Message{Msg: wire.MsgNoSub, ID: wire.StringID(s.id)}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// SubscribeOption customises Subscribe.
type SubscribeOption func(*wire.Message) error

// WithSnapshot asks for the current contents as ADDED events before live
// events.
func WithSnapshot() SubscribeOption {
	return func(m *wire.Message) error {
		m.Snapshot = true
		return nil
	}
}

// WithFilters restricts deliveries to objects matching filters, given in the
// same list form as query filters, e.g. [][]any{{"state", "=", "RUNNING"}}.
func WithFilters(filters any) SubscribeOption {
	return func(m *wire.Message) error {
		raw, err := json.Marshal(filters)
		if err != nil {
			return fmt.Errorf("client: encode filters: %w", err)
		}
		m.Filters = raw
		return nil
	}
}

// Subscribe opens a subscription to collection, an event name or a glob
// pattern. A refusal returns the daemon error.
func (c *Client) Subscribe(ctx context.Context, collection string, opts ...SubscribeOption) (*Subscription, error) {
	ref := "sub-" + strconv.FormatInt(c.nextID.Add(1), 10)
	msg := &wire.Message{Msg: wire.MsgSub, Collection: collection, Ref: ref}
	for _, opt := range opts {
		if err := opt(msg); err != nil {
			return nil, err
		}
	}
	ch, err := c.register(c.pendingSubs, ref)
	if err != nil {
		return nil, err
	}
	if err := c.send(msg); err != nil {
		c.unregister(c.pendingSubs, ref)
		return nil, fmt.Errorf("client: subscribe %s: %w", collection, err)
	}
	select {
	case <-ctx.Done():
		c.unregister(c.pendingSubs, ref)
		if sub := c.takeAccepted(ref); sub != nil {
			c.dropSubscription(sub.id, ctx.Err())
			_ = c.send(&wire.Message{Msg: wire.MsgNoSub, ID: wire.StringID(sub.id)})
		}
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		if reply.Msg == wire.MsgNoSub {
			if reply.Error != nil {
				return nil, apierr.FromWire(*reply.Error)
			}
			return nil, apierr.NotAuthorized()
		}
		// The read loop may already have ended the subscription, e.g. for a
		// slow consumer; the caller then sees a closed Events channel and Err.
		sub := c.takeAccepted(ref)
		if sub == nil {
			return nil, fmt.Errorf("client: subscription to %s was not registered", collection)
		}
		c.logger.Debug("client.subscribed", "collection", collection, "subscription", sub.id)
		return sub, nil
	}
}

func (c *Client) takeAccepted(ref string) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.acceptedSubs[ref]
	delete(c.acceptedSubs, ref)
	return sub
}
