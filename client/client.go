package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/svcfields"
	"pkt.systems/middlewared/internal/wire"
)

const (
	// DefaultPath is the WebSocket path used when the endpoint has none.
	DefaultPath = "/websocket"
	// DefaultWriteTimeout bounds each outgoing frame.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultEventBuffer is the per-subscription event channel capacity.
	DefaultEventBuffer = 256
)

// Client is one session with the daemon. It is safe for concurrent use.
type Client struct {
	conn       *wire.WebSocketConn
	session    string
	httpBase   string
	socketPath string
	httpClient *http.Client
	logger     pslog.Logger

	maxFrameBytes int64
	writeTimeout  time.Duration
	eventBuffer   int
	bearer        string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu          sync.Mutex
	pending     map[string]chan *wire.Message
	pendingSubs map[string]chan *wire.Message
	// acceptedSubs hands subscriptions created by the read loop to the
	// Subscribe call waiting on the same ref.
	acceptedSubs map[string]*Subscription
	subs         map[string]*Subscription
	err          error

	done      chan struct{}
	closeOnce sync.Once
}

// Option customises a Client.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithMaxFrameBytes bounds incoming frames. Zero keeps the wire default.
func WithMaxFrameBytes(n int64) Option {
	return func(c *Client) { c.maxFrameBytes = n }
}

// WithWriteTimeout bounds each outgoing frame.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithEventBuffer sets the per-subscription event buffer. A subscriber that
// lets it fill up is dropped with ErrSlowConsumer.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// WithHTTPClient overrides the client used for the side channel. Unix
// endpoints ignore the transport of cli and dial the socket.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithBearer authenticates side channel requests with an API key or token
// instead of a token generated from the session.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = strings.TrimSpace(token) }
}

// New dials endpoint and completes the connect handshake. Endpoints are
// ws://, wss://, http://, https:// or unix:///path/to/socket.
func New(ctx context.Context, endpoint string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:        pslog.NoopLogger(),
		maxFrameBytes: wire.DefaultMaxFrameBytes,
		writeTimeout:  DefaultWriteTimeout,
		eventBuffer:   DefaultEventBuffer,
		httpClient:    &http.Client{},
		pending:       make(map[string]chan *wire.Message),
		pendingSubs:   make(map[string]chan *wire.Message),
		acceptedSubs:  make(map[string]*Subscription),
		subs:          make(map[string]*Subscription),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	wsURL, err := c.parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if c.socketPath != "" {
		base := c.httpClient
		socket := c.socketPath
		c.httpClient = &http.Client{
			Timeout: base.Timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		}
	}
	conn, err := wire.Dial(ctx, wsURL, c.socketPath, c.maxFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", endpoint, err)
	}
	c.conn = conn
	if err := c.handshake(ctx); err != nil {
		_ = conn.Close(wire.CloseNormal, "")
		return nil, err
	}
	go c.readLoop()
	c.logger.Debug("client.connected", "endpoint", endpoint, "session", c.session)
	return c, nil
}

func (c *Client) parseEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("client: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "unix":
		path := u.Path
		if u.Host != "" {
			path = u.Host + u.Path
		}
		if path == "" {
			return "", fmt.Errorf("client: unix endpoint %q has no socket path", endpoint)
		}
		c.socketPath = path
		c.httpBase = "http://localhost"
		return "ws://localhost" + DefaultPath, nil
	case "ws", "http":
		u.Scheme = "ws"
		c.httpBase = "http://" + u.Host
	case "wss", "https":
		u.Scheme = "wss"
		c.httpBase = "https://" + u.Host
	default:
		return "", fmt.Errorf("client: unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("client: endpoint %q has no host", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	return u.String(), nil
}

func (c *Client) handshake(ctx context.Context) error {
	if err := c.send(&wire.Message{Msg: wire.MsgConnect, Version: wire.ProtocolVersion, Support: []string{wire.ProtocolVersion}}); err != nil {
		return fmt.Errorf("client: connect: %w", err)
	}
	type frame struct {
		data []byte
		err  error
	}
	ch := make(chan frame, 1)
	go func() {
		data, err := c.conn.ReadFrame()
		ch <- frame{data, err}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case f := <-ch:
		if f.err != nil {
			return fmt.Errorf("client: connect: %w", f.err)
		}
		var msg wire.Message
		if err := json.Unmarshal(f.data, &msg); err != nil {
			return fmt.Errorf("client: connect: %w", err)
		}
		if msg.Msg != wire.MsgConnected {
			return fmt.Errorf("client: connect: unexpected %q reply", msg.Msg)
		}
		c.session = msg.Session
		return nil
	}
}

// Session returns the server-assigned session id.
func (c *Client) Session() string { return c.session }

// Done is closed once the connection has terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection terminated, or nil while open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(wire.CloseNormal, "")
	})
	<-c.done
	return err
}

func (c *Client) send(msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteFrame(data)
}

func (c *Client) readLoop() {
	var readErr error
	for {
		data, err := c.conn.ReadFrame()
		if err != nil {
			readErr = err
			break
		}
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("client.frame.invalid", "error", err)
			continue
		}
		c.route(&msg)
	}
	c.fail(readErr)
}

func (c *Client) fail(cause error) {
	c.mu.Lock()
	if cause == nil {
		cause = ErrClosed
	}
	c.err = fmt.Errorf("%w: %v", ErrClosed, cause)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for ref, ch := range c.pendingSubs {
		close(ch)
		delete(c.pendingSubs, ref)
	}
	subs := make([]*Subscription, 0, len(c.subs))
	for id, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, id)
	}
	err := c.err
	c.mu.Unlock()
	for _, sub := range subs {
		sub.finish(err)
	}
	c.closeOnce.Do(func() { _ = c.conn.Close(wire.CloseNormal, "") })
	close(c.done)
	c.logger.Debug("client.disconnected", "session", c.session, "cause", cause)
}

func (c *Client) route(msg *wire.Message) {
	switch msg.Msg {
	case wire.MsgResult, wire.MsgError, wire.MsgPong:
		id := msg.IDString()
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	case wire.MsgSub:
		c.mu.Lock()
		ch, ok := c.pendingSubs[msg.Ref]
		delete(c.pendingSubs, msg.Ref)
		if ok {
			sub := newSubscription(c, msg.IDString(), msg.Collection, msg.Ref, c.eventBuffer)
			c.subs[sub.id] = sub
			c.acceptedSubs[msg.Ref] = sub
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	case wire.MsgNoSub:
		c.routeNoSub(msg)
	case wire.MsgAdded, wire.MsgChanged, wire.MsgRemoved:
		c.mu.Lock()
		sub, ok := c.subs[msg.Subscription]
		c.mu.Unlock()
		if !ok {
			return
		}
		ev := Event{Kind: msg.Msg, Collection: msg.Collection, ID: msg.ID, Fields: msg.Fields}
		if !sub.deliver(ev) {
			c.logger.Warn("client.subscription.slow_consumer", "subscription", sub.id, "collection", sub.collection)
			c.dropSubscription(sub.id, ErrSlowConsumer)
			_ = c.send(&wire.Message{Msg: wire.MsgNoSub, ID: wire.StringID(sub.id)})
		}
	case wire.MsgPing:
		_ = c.send(&wire.Message{Msg: wire.MsgPong, ID: msg.ID})
	default:
		c.logger.Debug("client.frame.unexpected", "msg", msg.Msg)
	}
}

// routeNoSub handles both refusals (keyed by ref, carrying an error) and
// acknowledgements of an unsubscribe (keyed by subscription id).
func (c *Client) routeNoSub(msg *wire.Message) {
	var err error
	if msg.Error != nil {
		err = apierr.FromWire(*msg.Error)
	}
	if msg.Ref != "" {
		c.mu.Lock()
		ch, ok := c.pendingSubs[msg.Ref]
		delete(c.pendingSubs, msg.Ref)
		var accepted *Subscription
		if !ok {
			for _, sub := range c.subs {
				if sub.ref == msg.Ref {
					accepted = sub
					break
				}
			}
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
		if accepted != nil {
			c.dropSubscription(accepted.id, err)
		}
		return
	}
	if id := msg.IDString(); id != "" {
		c.dropSubscription(id, err)
	}
}

func (c *Client) dropSubscription(id string, err error) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.finish(err)
	}
}

// register reserves a reply slot under id in one of the reply tables. It
// fails once the connection has gone away.
func (c *Client) register(table map[string]chan *wire.Message, id string) (chan *wire.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan *wire.Message, 1)
	table[id] = ch
	return ch, nil
}

func (c *Client) unregister(table map[string]chan *wire.Message, id string) {
	c.mu.Lock()
	delete(table, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// Call invokes method with positional params and returns the raw result.
// A context deadline is forwarded as the call timeout; cancelling ctx
// abandons the reply but does not stop the server side.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("client: encode params for %s: %w", method, err)
	}
	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)
	msg := &wire.Message{Msg: wire.MsgMethod, ID: wire.IntID(id), Method: method, Params: rawParams}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		msg.Timeout = remaining.Seconds()
	}
	ch, err := c.register(c.pending, key)
	if err != nil {
		return nil, err
	}
	if err := c.send(msg); err != nil {
		c.unregister(c.pending, key)
		return nil, fmt.Errorf("client: send %s: %w", method, err)
	}
	c.logger.Trace("client.call.sent", "method", method, "id", id)
	select {
	case <-ctx.Done():
		c.unregister(c.pending, key)
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		if reply.Msg == wire.MsgError {
			if reply.Error == nil {
				return nil, apierr.New(apierr.KindInternal, "error reply without error")
			}
			return nil, apierr.FromWire(*reply.Error)
		}
		return reply.Result, nil
	}
}

// CallInto invokes method and decodes the result into out.
func (c *Client) CallInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode %s result: %w", method, err)
	}
	return nil
}

// StartJob invokes a job method and returns the job id without waiting.
func (c *Client) StartJob(ctx context.Context, method string, params ...any) (int64, error) {
	var id int64
	if err := c.CallInto(ctx, &id, method, params...); err != nil {
		return 0, err
	}
	return id, nil
}

// WaitJob blocks until job id finishes and returns its result. A failed or
// aborted job surfaces as an *Error.
func (c *Client) WaitJob(ctx context.Context, id int64) (json.RawMessage, error) {
	return c.Call(ctx, "core.job_wait", id)
}

// AbortJob requests cancellation of job id.
func (c *Client) AbortJob(ctx context.Context, id int64) error {
	_, err := c.Call(ctx, "core.job_abort", id)
	return err
}

// CallJob starts a job method and waits for its result.
func (c *Client) CallJob(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	id, err := c.StartJob(ctx, method, params...)
	if err != nil {
		return nil, err
	}
	return c.WaitJob(ctx, id)
}

// CallJobInto is CallJob decoding the result into out.
func (c *Client) CallJobInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.CallJob(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Ping round-trips a protocol ping.
func (c *Client) Ping(ctx context.Context) error {
	key := "ping-" + strconv.FormatInt(c.nextID.Add(1), 10)
	ch, err := c.register(c.pending, key)
	if err != nil {
		return err
	}
	if err := c.send(&wire.Message{Msg: wire.MsgPing, ID: wire.StringID(key)}); err != nil {
		c.unregister(c.pending, key)
		return err
	}
	select {
	case <-ctx.Done():
		c.unregister(c.pending, key)
		return ctx.Err()
	case _, ok := <-ch:
		if !ok {
			return c.closedErr()
		}
		return nil
	}
}

// Login authenticates the session with a username and password. otp is
// the current one-time code for accounts with two-factor authentication
// and may be empty otherwise.
func (c *Client) Login(ctx context.Context, username, password string, otp ...string) error {
	var token any
	if len(otp) > 0 && otp[0] != "" {
		token = otp[0]
	}
	return c.login(ctx, "auth.login", username, password, token)
}

// LoginWithAPIKey authenticates the session with an API key.
func (c *Client) LoginWithAPIKey(ctx context.Context, key string) error {
	return c.login(ctx, "auth.login_with_api_key", key)
}

// LoginWithToken authenticates the session with a generated token.
func (c *Client) LoginWithToken(ctx context.Context, token string) error {
	return c.login(ctx, "auth.login_with_token", token)
}

func (c *Client) login(ctx context.Context, method string, params ...any) error {
	var ok bool
	if err := c.CallInto(ctx, &ok, method, params...); err != nil {
		return err
	}
	if !ok {
		return ErrLoginFailed
	}
	return nil
}

// Logout drops the session credential.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Call(ctx, "auth.logout")
	return err
}

// GenerateToken returns a token derived from the session credential.
func (c *Client) GenerateToken(ctx context.Context, ttl time.Duration, singleUse bool) (string, error) {
	seconds := int64(ttl / time.Second)
	if seconds <= 0 {
		seconds = 600
	}
	var token string
	if err := c.CallInto(ctx, &token, "auth.generate_token", seconds, map[string]any{}, false, singleUse); err != nil {
		return "", err
	}
	return token, nil
}
