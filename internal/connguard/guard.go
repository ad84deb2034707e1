// Package connguard blocks remote addresses that keep failing to
// authenticate. Failures are reported by the API layer; once a remote
// crosses the threshold inside the window its new TCP connections are
// closed at accept until the block expires.
package connguard

import (
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/svcfields"
)

const (
	DefaultFailureThreshold = 20
	DefaultFailureWindow    = time.Minute
	DefaultBlockDuration    = 5 * time.Minute
)

// Config controls the guard.
type Config struct {
	// FailureThreshold is the number of failures before blocking; zero or
	// less disables the guard.
	FailureThreshold int
	// FailureWindow is the period failures are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked remote stays blocked.
	BlockDuration time.Duration
}

type remoteState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per remote host.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	now    func() time.Time

	mu      sync.Mutex
	remotes map[string]*remoteState
}

// New returns a guard. A nil guard is valid and never blocks.
func New(cfg Config, logger pslog.Logger) *Guard {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	return &Guard{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "rpc.connguard"),
		now:     time.Now,
		remotes: make(map[string]*remoteState),
	}
}

func (g *Guard) enabled() bool {
	return g != nil && g.cfg.FailureThreshold > 0
}

// RecordFailure counts one failure for remote and reports whether the remote
// is now blocked. Unix socket peers have no remote host and are never counted.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if !g.enabled() {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.remotes[remote]
	if state == nil {
		state = &remoteState{}
		g.remotes[remote] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("connguard.failure",
			"remote", remote,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}
	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("connguard.blocked",
		"remote", remote,
		"reason", reason,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether remote is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	if !g.enabled() {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.remotes[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("connguard.released", "remote", remote)
	if len(state.failures) == 0 {
		delete(g.remotes, remote)
	}
	return false
}

// WrapListener returns ln closing connections from blocked remotes at accept.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if !g.enabled() || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		remote := ""
		if addr := conn.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		if !l.guard.Blocked(remote) {
			return conn, nil
		}
		l.guard.logger.Debug("connguard.rejected", "remote", remote)
		_ = conn.Close()
	}
}
