package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	code   int
	closed chan struct{}
	block  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	<-c.closed
	return nil, errors.New("closed")
}

func (c *fakeConn) WriteFrame(data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		c.code = code
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:1" }

func (c *fakeConn) messages(t *testing.T) []wire.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, 0, len(c.frames))
	for _, f := range c.frames {
		var m wire.Message
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestCredentialIsSetOnce(t *testing.T) {
	s := New(newFakeConn(), Options{ID: "s1"})
	if s.Credential().Authenticated() {
		t.Fatalf("expected fresh session to be unauthenticated")
	}
	alice := &auth.Credential{Kind: auth.KindPassword, Username: "alice"}
	if err := s.Authenticate(alice, false); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	bob := &auth.Credential{Kind: auth.KindPassword, Username: "bob"}
	if err := s.Authenticate(bob, false); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
	if err := s.Authenticate(bob, true); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if s.Credential().Username != "bob" {
		t.Fatalf("expected bob, got %s", s.Credential().Username)
	}
	s.Logout()
	if s.Credential().Authenticated() {
		t.Fatalf("expected logout to clear credential")
	}
}

func TestCloseCancelsOutstandingCalls(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, Options{ID: "s1"})
	go s.Run()
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.BeginCall("1", cancel); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.BeginCall("1", func() {}); !errors.Is(err, ErrDuplicateCall) {
		t.Fatalf("expected duplicate call error, got %v", err)
	}
	s.Close(wire.CloseNormal, "")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected call context cancelled on close")
	}
	waitClosed(t, s)
	if conn.code != wire.CloseNormal {
		t.Fatalf("expected close code %d, got %d", wire.CloseNormal, conn.code)
	}
	if err := s.Send(&wire.Message{Msg: wire.MsgPong}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestOverflowClosesWithBackpressureCode(t *testing.T) {
	conn := newFakeConn()
	conn.block = make(chan struct{})
	s := New(conn, Options{ID: "s1", QueueDepth: 2})
	var closedCallback bool
	s.OnClose(func() { closedCallback = true })
	go s.Run()
	// The writer holds one frame while blocked; two more fill the queue.
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = s.Send(&wire.Message{Msg: wire.MsgPong})
	}
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	close(conn.block)
	waitClosed(t, s)
	if conn.code != wire.CloseOverflow {
		t.Fatalf("expected close code %d, got %d", wire.CloseOverflow, conn.code)
	}
	if !closedCallback {
		t.Fatalf("expected close callbacks to run")
	}
}

func TestDeliverWritesSubscriptionFrames(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, Options{ID: "s1"})
	go s.Run()
	s.AddSubscription("sub1", "core.get_jobs", "ref-1")
	if err := s.Deliver("sub1", events.Event{Name: "core.get_jobs", Kind: events.Changed, ID: int64(7), Fields: filter.Row{"state": "RUNNING"}}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := s.Deliver("unknown", events.Event{Name: "core.get_jobs", Kind: events.Changed, ID: int64(8)}); err != nil {
		t.Fatalf("deliver unknown: %v", err)
	}
	s.Close(wire.CloseNormal, "")
	waitClosed(t, s)
	msgs := conn.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Msg != wire.MsgChanged || m.Subscription != "sub1" || m.Collection != "core.get_jobs" || string(m.ID) != "7" {
		t.Fatalf("unexpected delivery %#v", m)
	}
	if string(m.Fields) != `{"state":"RUNNING"}` {
		t.Fatalf("unexpected fields %s", m.Fields)
	}
}

func TestManagerTracksSessions(t *testing.T) {
	m := NewManager(8, pslog.NoopLogger())
	a := m.Open(newFakeConn(), Options{})
	b := m.Open(newFakeConn(), Options{Credential: auth.Internal()})
	go a.Run()
	go b.Run()
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID(), b.ID())
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.Len())
	}
	a.Close(wire.CloseNormal, "")
	if _, ok := m.Get(a.ID()); ok {
		t.Fatalf("expected closed session to be forgotten")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.CloseAll(ctx, wire.CloseNormal, "shutdown"); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", m.Len())
	}
}
