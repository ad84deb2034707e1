// Package auth resolves credentials and decides whether a credential may
// call a method or subscribe to an event.
package auth

import "sort"

// Kind tags the credential union.
type Kind string

const (
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindPassword        Kind = "LOGIN_PASSWORD"
	KindAPIKey          Kind = "API_KEY"
	KindToken           Kind = "TOKEN"
	KindUnixSocket      Kind = "UNIX_SOCKET"
	KindInternal        Kind = "INTERNAL"
)

// AllowEntry grants calls whose method name matches Method and whose
// resource matches Resource. Both are shell-style globs. Subscriptions use
// Method "SUBSCRIBE" with the event name as resource.
type AllowEntry struct {
	Method   string `json:"method"`
	Resource string `json:"resource"`
}

// ActionSubscribe is the method recorded for subscription checks.
const ActionSubscribe = "SUBSCRIBE"

// Privilege is the resolved (allowlist, roles) pair of a credential.
type Privilege struct {
	Allowlist []AllowEntry `json:"allowlist"`
	Roles     []string     `json:"roles"`
}

// Credential is immutable once attached to a session.
type Credential struct {
	Kind      Kind
	Username  string
	UID       int
	APIKeyID  int64
	Privilege Privilege
	// TwoFactor is set when the login completed a second factor.
	TwoFactor bool
	// Origin holds the parent credential of token logins.
	Origin *Credential
}

// Unauthenticated is the credential of a fresh session.
var Unauthenticated = &Credential{Kind: KindUnauthenticated}

// Internal returns the credential used by in-process callers. It is never
// attached to a wire session.
func Internal() *Credential {
	return &Credential{Kind: KindInternal, Username: "root", Privilege: Privilege{Roles: []string{RoleFullAdmin}}}
}

// Authenticated reports whether c carries an identity.
func (c *Credential) Authenticated() bool {
	return c != nil && c.Kind != KindUnauthenticated
}

// IsInternal reports whether c is an in-process credential.
func (c *Credential) IsInternal() bool {
	return c != nil && c.Kind == KindInternal
}

// HasRole reports whether c lists role directly.
func (c *Credential) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Privilege.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Dump renders the credential for job records and auth.me.
func (c *Credential) Dump() map[string]any {
	if c == nil {
		return nil
	}
	out := map[string]any{"type": string(c.Kind)}
	if c.Username != "" {
		out["username"] = c.Username
	}
	if c.Kind == KindAPIKey {
		out["api_key"] = c.APIKeyID
	}
	if c.Origin != nil {
		out["origin"] = c.Origin.Dump()
	}
	roles := append([]string(nil), c.Privilege.Roles...)
	sort.Strings(roles)
	out["roles"] = roles
	return out
}
