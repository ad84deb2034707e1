// Package session tracks connected peers: their credential, their
// outstanding calls and subscriptions, and the bounded queue of frames
// waiting to be written to them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/wire"
)

var (
	// ErrOverflow is returned once the outbound queue overflowed; the
	// session is being closed with wire.CloseOverflow.
	ErrOverflow = errors.New("session: outbound queue overflow")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("session: closed")
	// ErrAlreadyAuthenticated rejects a second credential without replace.
	ErrAlreadyAuthenticated = errors.New("session: already authenticated")
	// ErrDuplicateCall rejects a call id that is still in flight.
	ErrDuplicateCall = errors.New("session: call id in use")
)

// DefaultQueueDepth bounds frames awaiting write.
const DefaultQueueDepth = 1024

// Options configure a session.
type Options struct {
	ID string
	// RemoteIP is the peer address without port; empty for unix sockets.
	RemoteIP string
	// Credential is attached up front, e.g. from unix peer credentials.
	Credential *auth.Credential
	QueueDepth int
	// WriteTimeout bounds a single frame write when the transport supports
	// deadlines.
	WriteTimeout time.Duration
	Logger       pslog.Logger
}

type subscription struct {
	collection string
	ref        string
}

// Session is one connected peer.
type Session struct {
	id       string
	remoteIP string
	conn     wire.Conn
	logger   pslog.Logger
	writeTTL time.Duration

	out  chan []byte
	done chan struct{}

	mu           sync.Mutex
	cred         *auth.Credential
	pending      *auth.Pending
	calls        map[string]context.CancelFunc
	subs         map[string]subscription
	closed       bool
	closeCode    int
	closeReason  string
	failedLogins int
	onClose      []func()

	writerDone chan struct{}
	closeOnce  sync.Once
}

// New wraps conn. The writer starts with Run.
func New(conn wire.Conn, opts Options) *Session {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	cred := opts.Credential
	if cred == nil {
		cred = auth.Unauthenticated
	}
	return &Session{
		id:         opts.ID,
		remoteIP:   opts.RemoteIP,
		conn:       conn,
		logger:     logger.With("session", opts.ID),
		writeTTL:   opts.WriteTimeout,
		out:        make(chan []byte, depth),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		cred:       cred,
		calls:      make(map[string]context.CancelFunc),
		subs:       make(map[string]subscription),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RemoteIP returns the peer address, or "" for local sockets.
func (s *Session) RemoteIP() string { return s.remoteIP }

// Logger returns the session logger.
func (s *Session) Logger() pslog.Logger { return s.logger }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Credential returns the attached credential, never nil.
func (s *Session) Credential() *auth.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Authenticate attaches cred. A session holds at most one credential;
// replace is only passed by the explicit login methods.
func (s *Session) Authenticate(cred *auth.Credential, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred.Authenticated() && !replace {
		return ErrAlreadyAuthenticated
	}
	s.cred = cred
	s.pending = nil
	s.failedLogins = 0
	return nil
}

// Logout drops the credential.
func (s *Session) Logout() {
	s.mu.Lock()
	s.cred = auth.Unauthenticated
	s.pending = nil
	s.mu.Unlock()
}

// SetPendingLogin stores a login waiting for its second factor.
func (s *Session) SetPendingLogin(p *auth.Pending) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
}

// PendingLogin returns the stored pending login, if any.
func (s *Session) PendingLogin() *auth.Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// RecordFailedLogin counts a failed login attempt and returns the total.
func (s *Session) RecordFailedLogin() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedLogins++
	return s.failedLogins
}

// BeginCall records an outstanding call. The cancel function runs when
// the session closes before EndCall.
func (s *Session) BeginCall(id string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.calls[id]; exists {
		return ErrDuplicateCall
	}
	s.calls[id] = cancel
	return nil
}

// EndCall forgets a finished call.
func (s *Session) EndCall(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

// Calls returns the number of outstanding calls.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// AddSubscription records a bus subscription and the client's reference.
func (s *Session) AddSubscription(id, collection, ref string) {
	s.mu.Lock()
	s.subs[id] = subscription{collection: collection, ref: ref}
	s.mu.Unlock()
}

// RemoveSubscription forgets a subscription; it reports whether it existed.
func (s *Session) RemoveSubscription(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return false
	}
	delete(s.subs, id)
	return true
}

// Subscriptions returns subscription id → collection.
func (s *Session) Subscriptions() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.subs))
	for id, sub := range s.subs {
		out[id] = sub.collection
	}
	return out
}

// OnClose registers fn to run once the session closes. fn must not block:
// overflow closes run it on the event loop.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Send queues msg. A full queue closes the session with CloseOverflow;
// frames are never dropped silently.
func (s *Session) Send(msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", msg.Msg, err)
	}
	return s.SendRaw(data)
}

// SendRaw queues an encoded frame.
func (s *Session) SendRaw(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case s.out <- data:
		return nil
	default:
	}
	s.logger.Warn("session.queue.overflow", "depth", cap(s.out))
	s.Close(wire.CloseOverflow, "send queue overflow")
	return ErrOverflow
}

// Deliver implements events.Sink.
func (s *Session) Deliver(subscriptionID string, ev events.Event) error {
	s.mu.Lock()
	_, known := s.subs[subscriptionID]
	s.mu.Unlock()
	if !known {
		return nil
	}
	objectID, err := json.Marshal(ev.ID)
	if err != nil {
		return fmt.Errorf("session: encode object id: %w", err)
	}
	var fields json.RawMessage
	if ev.Fields != nil {
		if fields, err = json.Marshal(ev.Fields); err != nil {
			return fmt.Errorf("session: encode fields: %w", err)
		}
	}
	return s.Send(wire.Delivery(ev.Kind.Msg(), ev.Name, subscriptionID, objectID, fields))
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Run writes queued frames until the session closes, then flushes what
// is queued and closes the transport with the recorded close code.
func (s *Session) Run() {
	defer close(s.writerDone)
	for {
		select {
		case data := <-s.out:
			if err := s.write(data); err != nil {
				s.logger.Debug("session.write.failed", "error", err)
				s.Close(wire.CloseNormal, "")
				s.closeTransport()
				return
			}
		case <-s.done:
			s.drain()
			s.closeTransport()
			return
		}
	}
}

func (s *Session) drain() {
	for {
		select {
		case data := <-s.out:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) discard() {
	for {
		select {
		case <-s.out:
		default:
			return
		}
	}
}

func (s *Session) write(data []byte) error {
	if d, ok := s.conn.(deadliner); ok && s.writeTTL > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(s.writeTTL))
	}
	return s.conn.WriteFrame(data)
}

func (s *Session) closeTransport() {
	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()
	_ = s.conn.Close(code, reason)
}

// Close marks the session closed, cancels outstanding calls and runs the
// close callbacks. The writer flushes queued frames and sends code.
// Overflow closes skip the flush.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
		calls := s.calls
		s.calls = make(map[string]context.CancelFunc)
		callbacks := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		if code == wire.CloseOverflow {
			s.discard()
		}
		close(s.done)
		for _, cancel := range calls {
			cancel()
		}
		for _, fn := range callbacks {
			fn()
		}
		s.logger.Debug("session.closed", "code", code, "reason", reason, "cancelled_calls", len(calls))
	})
}

// Wait blocks until the writer exited or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.writerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
