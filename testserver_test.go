package middlewared

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/client"
)

func TestNewTestServerDefault(t *testing.T) {
	ts := StartTestServer(t, WithTestLoggerFromTB(t, pslog.InfoLevel))
	if ts.Client == nil {
		t.Fatal("expected auto client")
	}
	if !strings.HasPrefix(ts.URL(), "ws://127.0.0.1:") {
		t.Fatalf("unexpected URL %s", ts.URL())
	}
	if ts.Addr() == nil {
		t.Fatal("expected listener address")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var me map[string]any
	if err := ts.Client.CallInto(ctx, &me, "auth.me"); err != nil {
		t.Fatalf("auth.me: %v", err)
	}
	if me["username"] != TestAdminUsername {
		t.Fatalf("expected %s, got %v", TestAdminUsername, me["username"])
	}
	if err := ts.Client.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestNewTestServerWithoutClient(t *testing.T) {
	ts := StartTestServer(t, WithoutTestClient())
	if ts.Client != nil {
		t.Fatalf("expected client to be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := ts.NewAdminClient(ctx)
	if err != nil {
		t.Fatalf("admin client: %v", err)
	}
	if _, err := cli.Call(ctx, "pool.query"); err != nil {
		t.Fatalf("pool.query: %v", err)
	}
}

func TestNewTestServerWithoutAdmin(t *testing.T) {
	ts := StartTestServer(t, WithoutTestAdmin())
	if _, err := ts.NewAdminClient(context.Background()); err == nil {
		t.Fatal("expected admin client to be unavailable")
	}
	cli, err := ts.NewClient(context.Background())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := cli.Login(context.Background(), TestAdminUsername, TestAdminPassword); err == nil {
		t.Fatal("expected login to fail without an administrator")
	}
}

func TestNewTestServerClientOptions(t *testing.T) {
	ts := StartTestServer(t, WithTestClientOptions(client.WithEventBuffer(4)))
	sub, err := ts.Client.Subscribe(context.Background(), "pool.query")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if cap(sub.Events()) != 4 {
		t.Fatalf("expected event buffer of 4, got %d", cap(sub.Events()))
	}
}

func TestNewTestServerOutlivesStartContext(t *testing.T) {
	startCtx, cancelStart := context.WithCancel(context.Background())
	ts, err := NewTestServer(startCtx, t.TempDir(), WithTestStartTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	cancelStart()
	time.Sleep(2500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Client.Ping(ctx); err != nil {
		t.Fatalf("ping after start context ended: %v", err)
	}
	if _, err := ts.Client.Call(ctx, "pool.query"); err != nil {
		t.Fatalf("pool.query after start context ended: %v", err)
	}
}
