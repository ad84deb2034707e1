package auth

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/middlewared/internal/clock"
)

// Token errors. Callers map all of them to the same opaque failure.
var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenOrigin  = errors.New("auth: token origin mismatch")
)

// TokenOptions configure a derived token.
type TokenOptions struct {
	TTL       time.Duration
	SingleUse bool
	// PinIP restricts use to this remote address.
	PinIP string
	// Attrs are stored with the token and returned on validation.
	Attrs map[string]any
}

// Token is a credential derived from an existing session.
type Token struct {
	Value     string
	Parent    *Credential
	SessionID string
	ExpiresAt time.Time
	SingleUse bool
	PinIP     string
	Attrs     map[string]any
}

// TokenManager issues and validates derived tokens. Tokens die with the
// session that created them.
type TokenManager struct {
	mu     sync.Mutex
	clock  clock.Clock
	tokens map[string]*Token
	maxTTL time.Duration
}

// DefaultTokenTTL applies when TokenOptions.TTL is zero.
const DefaultTokenTTL = 600 * time.Second

// NewTokenManager returns an empty manager. maxTTL caps requested TTLs.
func NewTokenManager(clk clock.Clock, maxTTL time.Duration) *TokenManager {
	if clk == nil {
		clk = clock.Real{}
	}
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &TokenManager{clock: clk, tokens: make(map[string]*Token), maxTTL: maxTTL}
}

// Create issues a token for parent, bound to sessionID.
func (m *TokenManager) Create(parent *Credential, sessionID string, opts TokenOptions) (string, error) {
	if !parent.Authenticated() {
		return "", ErrTokenInvalid
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	value, err := randomToken()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	m.tokens[value] = &Token{
		Value:     value,
		Parent:    parent,
		SessionID: sessionID,
		ExpiresAt: m.clock.Now().Add(ttl),
		SingleUse: opts.SingleUse,
		PinIP:     opts.PinIP,
		Attrs:     opts.Attrs,
	}
	return value, nil
}

// Redeem validates value for a caller at remoteIP and consumes it when
// single-use.
func (m *TokenManager) Redeem(value, remoteIP string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[value]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if !m.clock.Now().Before(tok.ExpiresAt) {
		delete(m.tokens, value)
		return nil, ErrTokenExpired
	}
	if tok.PinIP != "" && tok.PinIP != remoteIP {
		return nil, ErrTokenOrigin
	}
	if tok.SingleUse {
		delete(m.tokens, value)
	}
	return tok, nil
}

// DestroySession drops every token created by sessionID.
func (m *TokenManager) DestroySession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for value, tok := range m.tokens {
		if tok.SessionID == sessionID {
			delete(m.tokens, value)
		}
	}
}

// Len returns the number of live tokens.
func (m *TokenManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	return len(m.tokens)
}

func (m *TokenManager) prune() {
	now := m.clock.Now()
	for value, tok := range m.tokens {
		if !now.Before(tok.ExpiresAt) {
			delete(m.tokens, value)
		}
	}
}
