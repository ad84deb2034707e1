package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/ids"
	"pkt.systems/middlewared/internal/svcfields"
	"pkt.systems/middlewared/internal/wire"
)

// Manager owns the process-local session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	depth    int
	logger   pslog.Logger
	metrics  *sessionMetrics
}

// NewManager returns an empty manager creating sessions with queueDepth.
func NewManager(queueDepth int, logger pslog.Logger) *Manager {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "rpc.session")
	m := &Manager{
		sessions: make(map[string]*Session),
		depth:    queueDepth,
		logger:   logger,
	}
	m.metrics = newSessionMetrics(logger, m)
	return m
}

// Open creates and registers a session for conn. The session id is a
// fresh UUIDv7 unless opts.ID is set.
func (m *Manager) Open(conn wire.Conn, opts Options) *Session {
	if opts.ID == "" {
		opts.ID = ids.UUID()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = m.depth
	}
	opts.Logger = m.logger
	s := New(conn, opts)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	s.OnClose(func() { m.forget(s.id) })
	m.metrics.recordOpen()
	s.logger.Debug("session.opened", "remote", s.remoteIP, "credential", string(s.Credential().Kind))
	return s
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.metrics.recordClose()
	}
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns live sessions ordered by id.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// WaitIdle blocks until no session has an outstanding call or ctx ends.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		busy := 0
		for _, s := range m.List() {
			busy += s.Calls()
		}
		if busy == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CloseAll closes every session with code and waits for their writers.
func (m *Manager) CloseAll(ctx context.Context, code int, reason string) error {
	sessions := m.List()
	for _, s := range sessions {
		s.Close(code, reason)
	}
	for _, s := range sessions {
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
