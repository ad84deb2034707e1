package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/connguard"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/ids"
	"pkt.systems/middlewared/internal/session"
	"pkt.systems/middlewared/internal/svcfields"
	"pkt.systems/middlewared/internal/wire"
)

const (
	// ProtocolVersion is the only protocol version served.
	ProtocolVersion = "1"

	DefaultPath            = "/websocket"
	DefaultPingInterval    = 30 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultMaxFailedLogins = 5
	DefaultHandshakeWait   = 10 * time.Second
	// DefaultDrainTimeout bounds how long Shutdown waits for in-flight
	// replies before closing sessions.
	DefaultDrainTimeout = 2 * time.Second
)

// Visibility narrows deliveries of a collection to what cred may see.
type Visibility func(cred *auth.Credential, full bool) func(events.Event) bool

// ServerConfig wires a Server.
type ServerConfig struct {
	Dispatcher    *Dispatcher
	Sessions      *session.Manager
	Bus           *events.Bus
	Authenticator *auth.Authenticator
	// Visibility restricts deliveries per collection.
	Visibility      map[string]Visibility
	MaxFrameBytes   int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	HandshakeWait   time.Duration
	MaxFailedLogins int
	DrainTimeout    time.Duration
	// CheckOrigin overrides the upgrader origin check.
	CheckOrigin func(r *http.Request) bool
	// Guard counts authentication failures per remote host; nil disables it.
	Guard  *connguard.Guard
	Logger pslog.Logger
}

// Server serves the wire protocol over WebSocket and raw streams.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader
	logger   pslog.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewServer returns a server. Dispatcher, Sessions and Bus are required.
func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.HandshakeWait <= 0 {
		cfg.HandshakeWait = DefaultHandshakeWait
	}
	if cfg.MaxFailedLogins <= 0 {
		cfg.MaxFailedLogins = DefaultMaxFailedLogins
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Server{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "rpc.server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     cfg.CheckOrigin,
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return s
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()
	cred, credErr := s.upgradeCredential(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("rpc.upgrade.failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := wire.NewWebSocketConn(ws, s.cfg.MaxFrameBytes)
	if credErr != nil {
		s.logger.Info("rpc.upgrade.auth_failed", "remote", r.RemoteAddr)
		s.cfg.Guard.RecordFailure(r.RemoteAddr, "upgrade_auth")
		_ = conn.Close(wire.CloseAuth, "authentication failed")
		return
	}
	s.serve(r.Context(), conn, remoteIP(r.RemoteAddr), cred, conn)
}

// ServeStream serves newline-delimited frames on ln until it is closed.
// Unix listeners authenticate peers by their credentials.
func (s *Server) ServeStream(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !s.track() {
			_ = nc.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			cred := auth.Unauthenticated
			if uid, ok := peerUID(nc); ok && s.cfg.Authenticator != nil {
				cred = s.cfg.Authenticator.PeerUID(ctx, uid)
			}
			s.serve(ctx, wire.NewStreamConn(nc, s.cfg.MaxFrameBytes), remoteIP(nc.RemoteAddr().String()), cred, nil)
		}()
	}
}

// Shutdown stops accepting connections, closes every session and waits
// for their loops to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	// Replies already under way, such as job waits released by the job
	// manager shutting down, are sent before the sessions close.
	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	if err := s.cfg.Sessions.WaitIdle(drainCtx); err != nil {
		s.logger.Debug("rpc.shutdown.drain_incomplete", "error", err)
	}
	cancel()
	if s.cfg.Bus != nil {
		_ = s.cfg.Bus.Flush(ctx)
	}
	if err := s.cfg.Sessions.CloseAll(ctx, wire.CloseNormal, "server shutting down"); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// upgradeCredential resolves credentials presented on the upgrade request:
// Unix socket peers, bearer tokens or API keys, and basic auth.
func (s *Server) upgradeCredential(r *http.Request) (*auth.Credential, error) {
	ctx := r.Context()
	if uid, ok := PeerUIDFromContext(ctx); ok && s.cfg.Authenticator != nil {
		return s.cfg.Authenticator.PeerUID(ctx, uid), nil
	}
	if r.Header.Get("Authorization") == "" {
		return auth.Unauthenticated, nil
	}
	if s.cfg.Authenticator == nil {
		return nil, auth.ErrBadCredentials
	}
	return AuthenticateRequest(r, s.cfg.Authenticator)
}

// AuthenticateRequest resolves the Authorization header of r. Bearer values
// are tried as tokens and then as API keys. Basic credentials log in by
// password; accounts with a second factor cannot log in this way.
func AuthenticateRequest(r *http.Request, a *auth.Authenticator) (*auth.Credential, error) {
	ctx := r.Context()
	header := r.Header.Get("Authorization")
	if user, pass, ok := r.BasicAuth(); ok {
		cred, _, err := a.Password(ctx, user, pass, "")
		if err != nil {
			return nil, err
		}
		return cred, nil
	}
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, auth.ErrBadCredentials
	}
	value = strings.TrimSpace(value)
	if cred, err := a.Token(value, remoteIP(r.RemoteAddr)); err == nil {
		return cred, nil
	}
	return a.APIKey(ctx, value)
}

// conn is the per-connection state of the read loop.
type conn struct {
	srv  *Server
	sess *session.Session
	ctx  context.Context
}

// LoginFailed implements registry.LoginLimiter.
func (c *conn) LoginFailed() {
	c.srv.cfg.Guard.RecordFailure(c.sess.RemoteIP(), "login")
	if n := c.sess.RecordFailedLogin(); n >= c.srv.cfg.MaxFailedLogins {
		c.sess.Logger().Info("rpc.session.login_budget_exhausted", "failed", n)
		c.sess.Close(wire.CloseAuth, "too many failed login attempts")
	}
}

func (c *conn) ID() string                      { return c.sess.ID() }
func (c *conn) RemoteIP() string                { return c.sess.RemoteIP() }
func (c *conn) Credential() *auth.Credential    { return c.sess.Credential() }
func (c *conn) Logout()                         { c.sess.Logout() }
func (c *conn) SetPendingLogin(p *auth.Pending) { c.sess.SetPendingLogin(p) }
func (c *conn) PendingLogin() *auth.Pending     { return c.sess.PendingLogin() }
func (c *conn) Authenticate(cred *auth.Credential, replace bool) error {
	return c.sess.Authenticate(cred, replace)
}

type pinger interface {
	Ping() error
}

func (s *Server) serve(ctx context.Context, transport wire.Conn, ip string, cred *auth.Credential, ping pinger) {
	sess := s.cfg.Sessions.Open(transport, session.Options{
		RemoteIP:     ip,
		Credential:   cred,
		WriteTimeout: s.cfg.WriteTimeout,
	})
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	c := &conn{srv: s, sess: sess, ctx: ctx}
	sess.OnClose(func() {
		cancel()
		for id := range sess.Subscriptions() {
			s.cfg.Bus.Unsubscribe(id)
		}
		if a := s.cfg.Authenticator; a != nil && a.Tokens() != nil {
			a.Tokens().DestroySession(sess.ID())
		}
	})
	go sess.Run()
	if ping != nil {
		go s.keepalive(sess, ping)
	}
	s.readLoop(c, transport)
	_ = sess.Wait(context.Background())
}

func (s *Server) keepalive(sess *session.Session, p pinger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := p.Ping(); err != nil {
				sess.Close(wire.CloseNormal, "ping failed")
				return
			}
		}
	}
}

func (s *Server) readLoop(c *conn, transport wire.Conn) {
	sess := c.sess
	connected := false
	handshake := time.AfterFunc(s.cfg.HandshakeWait, func() {
		sess.Close(wire.CloseProtocol, "handshake timeout")
	})
	defer handshake.Stop()
	for {
		data, err := transport.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrFrameTooLarge):
				sess.Close(wire.CloseTooLarge, "frame too large")
			case wire.IsProtocolError(err):
				sess.Close(wire.CloseProtocol, err.Error())
			default:
				sess.Close(wire.CloseNormal, "")
			}
			return
		}
		msg, err := wire.Decode(data, s.cfg.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				sess.Close(wire.CloseTooLarge, "frame too large")
			} else {
				sess.Close(wire.CloseProtocol, err.Error())
			}
			return
		}
		if !connected {
			if msg.Msg != wire.MsgConnect || !supportsVersion(msg) {
				sess.Close(wire.CloseProtocol, "expected connect")
				return
			}
			handshake.Stop()
			connected = true
			_ = sess.Send(wire.Connected(sess.ID()))
			continue
		}
		switch msg.Msg {
		case wire.MsgMethod:
			s.handleMethod(c, msg)
		case wire.MsgSub:
			s.handleSub(c, msg)
		case wire.MsgNoSub:
			s.handleNoSub(c, msg)
		case wire.MsgPing:
			_ = sess.Send(&wire.Message{Msg: wire.MsgPong, ID: msg.ID})
		case wire.MsgPong:
		default:
			sess.Close(wire.CloseProtocol, "unexpected "+msg.Msg)
			return
		}
		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

func supportsVersion(msg *wire.Message) bool {
	if msg.Version == ProtocolVersion {
		return true
	}
	for _, v := range msg.Support {
		if v == ProtocolVersion {
			return true
		}
	}
	return false
}

// handleMethod runs the call on its own goroutine; replies are sent in
// completion order.
func (s *Server) handleMethod(c *conn, msg *wire.Message) {
	sess := c.sess
	id := msg.IDString()
	params, err := wire.DecodeParams(msg.Params)
	if err != nil {
		sess.Close(wire.CloseProtocol, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	if err := sess.BeginCall(id, cancel); err != nil {
		cancel()
		if errors.Is(err, session.ErrDuplicateCall) {
			_ = sess.Send(wire.ErrorReply(msg.ID, apierr.Conflict("Call id %s is already in use", id)))
		}
		return
	}
	req := Request{
		Method:     msg.Method,
		Params:     params,
		Credential: sess.Credential(),
		Session:    c,
		External:   true,
	}
	if msg.Timeout > 0 {
		req.Timeout = time.Duration(msg.Timeout * float64(time.Second))
	}
	go func() {
		defer cancel()
		defer sess.EndCall(id)
		result, err := s.cfg.Dispatcher.Dispatch(ctx, req)
		if ctx.Err() != nil && c.ctx.Err() != nil {
			return
		}
		if err != nil {
			apiErr, _ := apierr.As(err)
			if apiErr == nil {
				apiErr = apierr.From(err, "")
			}
			_ = sess.Send(wire.ErrorReply(msg.ID, apiErr))
			return
		}
		reply, encErr := wire.Result(msg.ID, result)
		if encErr != nil {
			_ = sess.Send(wire.ErrorReply(msg.ID, s.cfg.Dispatcher.normalize(ctx, msg.Method, encErr)))
			return
		}
		_ = sess.Send(reply)
	}()
}

func (s *Server) handleSub(c *conn, msg *wire.Message) {
	sess := c.sess
	ctx := c.ctx
	refuse := func(err *apierr.Error) {
		s.cfg.Dispatcher.metrics.recordSubscribe(ctx, msg.Collection, false)
		w := err.ToWire()
		_ = sess.Send(&wire.Message{Msg: wire.MsgNoSub, Ref: msg.Ref, Collection: msg.Collection, Error: &w})
	}
	cred := sess.Credential()
	priv := s.cfg.Dispatcher.Privileges()
	resource := msg.Collection
	if info, ok := s.cfg.Bus.Lookup(msg.Collection); ok {
		if info.Private {
			refuse(apierr.NotAuthorized())
			return
		}
		resource = info.Resource
	} else if !strings.ContainsAny(msg.Collection, "*?[") {
		refuse(apierr.NotAuthorized())
		return
	}
	if !priv.Allowed(cred, auth.Target{Method: auth.ActionSubscribe, Resource: resource}) {
		refuse(apierr.NotAuthorized())
		return
	}
	expr, err := parseFilters(msg.Filters)
	if err != nil {
		refuse(apierr.Wrap(apierr.KindValidation, err, "invalid filters: %v", err))
		return
	}
	full := priv.FullAdmin(cred)
	opts := events.Options{
		ID:       ids.Short(),
		Filter:   expr,
		Snapshot: msg.Snapshot,
		Owner:    cred,
	}
	if vis, ok := s.cfg.Visibility[msg.Collection]; ok {
		opts.Visible = vis(cred, full)
	}
	sess.AddSubscription(opts.ID, msg.Collection, msg.Ref)
	if err := sess.Send(&wire.Message{Msg: wire.MsgSub, ID: wire.StringID(opts.ID), Collection: msg.Collection, Ref: msg.Ref}); err != nil {
		sess.RemoveSubscription(opts.ID)
		return
	}
	if _, err := s.cfg.Bus.Subscribe(ctx, msg.Collection, sess, opts); err != nil {
		sess.RemoveSubscription(opts.ID)
		if errors.Is(err, events.ErrUnknownEvent) {
			refuse(apierr.NotAuthorized())
			return
		}
		refuse(apierr.From(err, ""))
		return
	}
	s.cfg.Dispatcher.metrics.recordSubscribe(ctx, msg.Collection, true)
	sess.Logger().Debug("rpc.sub.accepted", "collection", msg.Collection, "subscription", opts.ID, "snapshot", msg.Snapshot)
}

func (s *Server) handleNoSub(c *conn, msg *wire.Message) {
	id := msg.IDString()
	if c.sess.RemoveSubscription(id) {
		s.cfg.Bus.Unsubscribe(id)
	}
	_ = c.sess.Send(&wire.Message{Msg: wire.MsgNoSub, ID: msg.ID})
}

func parseFilters(raw json.RawMessage) (filter.Expr, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return filter.Expr{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return filter.Expr{}, err
	}
	return filter.Parse(v)
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
