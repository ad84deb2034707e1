package connguard

import (
	"net"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestGuardBlocksAfterThreshold(t *testing.T) {
	now := time.Now()
	g := New(Config{FailureThreshold: 3, FailureWindow: time.Second, BlockDuration: 500 * time.Millisecond}, pslog.NoopLogger())
	g.now = func() time.Time { return now }

	remote := "192.0.2.10:5555"
	if g.RecordFailure(remote, "login") {
		t.Fatal("first failure should not block")
	}
	now = now.Add(50 * time.Millisecond)
	if g.RecordFailure(remote, "login") {
		t.Fatal("second failure should not block")
	}
	now = now.Add(50 * time.Millisecond)
	if !g.RecordFailure(remote, "login") {
		t.Fatal("third failure should block")
	}
	if !g.Blocked("192.0.2.10:6000") {
		t.Fatal("block applies to the host regardless of port")
	}
	if g.Blocked("192.0.2.11:6000") {
		t.Fatal("other hosts must not be blocked")
	}
	now = now.Add(600 * time.Millisecond)
	if g.Blocked(remote) {
		t.Fatal("expected block to expire")
	}
	if g.RecordFailure(remote, "login") {
		t.Fatal("post-expiry failure should start a new count")
	}
}

func TestGuardWindowExpiresFailures(t *testing.T) {
	now := time.Now()
	g := New(Config{FailureThreshold: 2, FailureWindow: 100 * time.Millisecond}, pslog.NoopLogger())
	g.now = func() time.Time { return now }
	g.RecordFailure("192.0.2.1", "login")
	now = now.Add(time.Second)
	if g.RecordFailure("192.0.2.1", "login") {
		t.Fatal("failure outside the window must not count")
	}
}

func TestGuardDisabledAndNil(t *testing.T) {
	var nilGuard *Guard
	if nilGuard.RecordFailure("192.0.2.1", "login") || nilGuard.Blocked("192.0.2.1") {
		t.Fatal("nil guard must never block")
	}
	g := New(Config{}, pslog.NoopLogger())
	for range 100 {
		if g.RecordFailure("192.0.2.1", "login") {
			t.Fatal("disabled guard must never block")
		}
	}
	if g.RecordFailure("", "login") {
		t.Fatal("empty remote must be ignored")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if g.WrapListener(ln) != ln {
		t.Fatal("disabled guard must not wrap listeners")
	}
}

func TestWrappedListenerRejectsBlockedRemote(t *testing.T) {
	g := New(Config{FailureThreshold: 1, BlockDuration: time.Minute}, pslog.NoopLogger())
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := g.WrapListener(inner)
	defer ln.Close()
	g.RecordFailure("127.0.0.1", "login")

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	conn, err := net.Dial("tcp", inner.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("expected blocked connection to be closed")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("expected close, got read timeout")
	}
	select {
	case c := <-accepted:
		c.Close()
		t.Fatal("blocked connection must not be returned by Accept")
	default:
	}
}
