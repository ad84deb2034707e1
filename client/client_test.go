package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/wire"
)

// fakeServer speaks just enough of the protocol to drive the client.
type fakeServer struct {
	t       *testing.T
	handler func(conn *websocket.Conn, msg wire.Message)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data, wire.DefaultMaxFrameBytes)
		if err != nil {
			f.t.Errorf("decode: %v", err)
			return
		}
		if msg.Msg == wire.MsgConnect {
			writeMsg(f.t, conn, wire.Connected("sess-1"))
			continue
		}
		f.handler(conn, *msg)
	}
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg *wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		t.Errorf("encode: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("write: %v", err)
	}
}

func startFake(t *testing.T, handler func(conn *websocket.Conn, msg wire.Message)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(&fakeServer{t: t, handler: handler})
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := New(ctx, srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli, srv
}

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		in, ws, http, socket string
	}{
		{"ws://127.0.0.1:6000", "ws://127.0.0.1:6000/websocket", "http://127.0.0.1:6000", ""},
		{"http://host:6000/", "ws://host:6000/websocket", "http://host:6000", ""},
		{"https://host/custom", "wss://host/custom", "https://host", ""},
		{"unix:///var/run/middleware/middlewared.sock", "ws://localhost/websocket", "http://localhost", "/var/run/middleware/middlewared.sock"},
	}
	for _, tc := range cases {
		c := &Client{}
		ws, err := c.parseEndpoint(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if ws != tc.ws || c.httpBase != tc.http || c.socketPath != tc.socket {
			t.Fatalf("parse %q: got ws=%q http=%q socket=%q", tc.in, ws, c.httpBase, c.socketPath)
		}
	}
	for _, bad := range []string{"ftp://host", "unix://", "ws://"} {
		if _, err := (&Client{}).parseEndpoint(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	cli, _ := startFake(t, func(conn *websocket.Conn, msg wire.Message) {
		if msg.Method != "core.ping" {
			writeMsg(t, conn, wire.ErrorReply(msg.ID, apierr.NotFound("no such method")))
			return
		}
		reply, _ := wire.Result(msg.ID, "pong")
		writeMsg(t, conn, reply)
	})
	if cli.Session() != "sess-1" {
		t.Fatalf("expected session id from connected, got %q", cli.Session())
	}
	ctx := context.Background()
	var out string
	if err := cli.CallInto(ctx, &out, "core.ping"); err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "pong" {
		t.Fatalf("expected pong, got %q", out)
	}
	_, err := cli.Call(ctx, "missing.method")
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected NotFound error, got %v", err)
	}
}

func TestCallForwardsDeadline(t *testing.T) {
	seen := make(chan float64, 1)
	cli, _ := startFake(t, func(conn *websocket.Conn, msg wire.Message) {
		seen <- msg.Timeout
		reply, _ := wire.Result(msg.ID, nil)
		writeMsg(t, conn, reply)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Call(ctx, "core.ping"); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := <-seen; got <= 0 || got > 3 {
		t.Fatalf("expected timeout within (0,3], got %v", got)
	}
}

func TestCallJobWaits(t *testing.T) {
	cli, _ := startFake(t, func(conn *websocket.Conn, msg wire.Message) {
		var reply *wire.Message
		switch msg.Method {
		case "pool.scrub":
			reply, _ = wire.Result(msg.ID, 42)
		case "core.job_wait":
			params, _ := wire.DecodeParams(msg.Params)
			if len(params) != 1 || string(params[0]) != "42" {
				reply = wire.ErrorReply(msg.ID, apierr.Validation("id", apierr.CodeInvalid, "bad id"))
				break
			}
			reply, _ = wire.Result(msg.ID, map[string]any{"errors": 0})
		}
		writeMsg(t, conn, reply)
	})
	var out map[string]int
	if err := cli.CallJobInto(context.Background(), &out, "pool.scrub", 1); err != nil {
		t.Fatalf("call job: %v", err)
	}
	if out["errors"] != 0 || len(out) != 1 {
		t.Fatalf("unexpected job result %v", out)
	}
}

func TestSubscribeDeliversAndUnsubscribes(t *testing.T) {
	cli, _ := startFake(t, func(conn *websocket.Conn, msg wire.Message) {
		switch msg.Msg {
		case wire.MsgSub:
			writeMsg(t, conn, &wire.Message{Msg: wire.MsgSub, ID: wire.StringID("s1"), Collection: msg.Collection, Ref: msg.Ref})
			writeMsg(t, conn, wire.Delivery(wire.MsgAdded, msg.Collection, "s1", wire.IntID(7), json.RawMessage(`{"state":"RUNNING"}`)))
			writeMsg(t, conn, wire.Delivery(wire.MsgRemoved, msg.Collection, "s1", wire.IntID(7), nil))
		case wire.MsgNoSub:
			writeMsg(t, conn, &wire.Message{Msg: wire.MsgNoSub, ID: msg.ID})
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := cli.Subscribe(ctx, "core.get_jobs", WithSnapshot())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID() != "s1" {
		t.Fatalf("expected subscription s1, got %q", sub.ID())
	}
	first := <-sub.Events()
	var fields struct {
		State string `json:"state"`
	}
	if err := first.Decode(&fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Kind != wire.MsgAdded || first.IDString() != "7" || fields.State != "RUNNING" {
		t.Fatalf("unexpected first event %+v", first)
	}
	if second := <-sub.Events(); second.Kind != wire.MsgRemoved {
		t.Fatalf("expected removed, got %+v", second)
	}
	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, open := <-sub.Events(); open {
		t.Fatalf("expected events channel to close")
	}
	if sub.Err() != nil {
		t.Fatalf("expected clean end, got %v", sub.Err())
	}
}

func TestSubscribeRefused(t *testing.T) {
	cli, _ := startFake(t, func(conn *websocket.Conn, msg wire.Message) {
		w := apierr.NotAuthorized().ToWire()
		writeMsg(t, conn, &wire.Message{Msg: wire.MsgNoSub, Ref: msg.Ref, Collection: msg.Collection, Error: &w})
	})
	_, err := cli.Subscribe(context.Background(), "secret.events")
	if !IsKind(err, KindNotAuthorized) {
		t.Fatalf("expected NotAuthorized, got %v", err)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	unsubscribed := make(chan struct{})
	srv := httptest.NewServer(&fakeServer{t: t, handler: func(conn *websocket.Conn, msg wire.Message) {
		switch msg.Msg {
		case wire.MsgSub:
			writeMsg(t, conn, &wire.Message{Msg: wire.MsgSub, ID: wire.StringID("s1"), Collection: msg.Collection, Ref: msg.Ref})
			for i := 0; i < 3; i++ {
				writeMsg(t, conn, wire.Delivery(wire.MsgAdded, msg.Collection, "s1", wire.IntID(int64(i)), nil))
			}
		case wire.MsgNoSub:
			close(unsubscribed)
		}
	}})
	defer srv.Close()
	cli, err := New(context.Background(), srv.URL, WithEventBuffer(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cli.Close()
	sub, err := cli.Subscribe(context.Background(), "core.get_jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case <-unsubscribed:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected client to unsubscribe the slow subscription")
	}
	<-sub.Done()
	if !errors.Is(sub.Err(), ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", sub.Err())
	}
	buffered := 0
	for range sub.Events() {
		buffered++
	}
	if buffered > 1 {
		t.Fatalf("expected at most the buffered event before the drop, got %d", buffered)
	}
}

func TestSubscribeReturnsHandleDroppedDuringAck(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{t: t, handler: func(conn *websocket.Conn, msg wire.Message) {
		if msg.Msg != wire.MsgSub {
			return
		}
		// The ack and an immediate refusal arrive before Subscribe resumes.
		writeMsg(t, conn, &wire.Message{Msg: wire.MsgSub, ID: wire.StringID("s1"), Collection: msg.Collection, Ref: msg.Ref})
		w := apierr.NotAuthorized().ToWire()
		writeMsg(t, conn, &wire.Message{Msg: wire.MsgNoSub, ID: wire.StringID("s1"), Error: &w})
	}})
	defer srv.Close()
	cli, err := New(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cli.Close()
	sub, err := cli.Subscribe(context.Background(), "core.get_jobs")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("expected the refused subscription to end")
	}
	if !IsKind(sub.Err(), KindNotAuthorized) {
		t.Fatalf("expected NotAuthorized, got %v", sub.Err())
	}
	if _, open := <-sub.Events(); open {
		t.Fatal("expected events channel to be closed")
	}
}

func TestPingAndClose(t *testing.T) {
	cli, _ := startFake(t, func(conn *websocket.Conn, msg wire.Message) {
		if msg.Msg == wire.MsgPing {
			writeMsg(t, conn, &wire.Message{Msg: wire.MsgPong, ID: msg.ID})
		}
	})
	if err := cli.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := cli.Call(context.Background(), "core.ping"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestPendingCallFailsOnDisconnect(t *testing.T) {
	cli, _ := startFake(t, func(conn *websocket.Conn, msg wire.Message) {
		_ = conn.Close()
	})
	_, err := cli.Call(context.Background(), "core.ping")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	<-cli.Done()
}

func TestUploadAndDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/websocket", &fakeServer{t: t, handler: func(conn *websocket.Conn, msg wire.Message) {}})
	mux.HandleFunc("POST /_upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(apierr.NotAuthorized().ToWire())
			return
		}
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("multipart: %v", err)
			return
		}
		data, _ := mr.NextPart()
		raw, _ := io.ReadAll(data)
		if !strings.Contains(string(raw), `"method":"pool.import"`) {
			t.Errorf("unexpected data part %s", raw)
		}
		file, _ := mr.NextPart()
		body, _ := io.ReadAll(file)
		if string(body) != `{"name":"tank"}` {
			t.Errorf("unexpected file part %s", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"job_id": 9})
	})
	mux.HandleFunc("GET /_download/{id}/{artifact}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "9" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(apierr.NotFound("Job %s not found", r.PathValue("id")).ToWire())
			return
		}
		_, _ = io.WriteString(w, "scrub finished\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx := context.Background()
	cli, err := New(ctx, srv.URL, WithBearer("key-1"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cli.Close()
	id, err := cli.Upload(ctx, "pool.import", nil, "pools.jsonl", strings.NewReader(`{"name":"tank"}`))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if id != 9 {
		t.Fatalf("expected job 9, got %d", id)
	}
	rc, err := cli.Download(ctx, 9, ArtifactLog)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "scrub finished\n" {
		t.Fatalf("unexpected log %q", body)
	}
	if _, err := cli.Download(ctx, 10, ArtifactLog); !IsKind(err, KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
