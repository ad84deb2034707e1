package auth

import "path"

// Target is what a credential asks to do.
type Target struct {
	// Method is the fully qualified method name, or ActionSubscribe.
	Method string
	// Resource is the method's declared resource, or the event name.
	Resource string
	// NoAuth targets are public.
	NoAuth bool
	// NoAuthz targets need an authenticated credential but no grant.
	NoAuthz bool
}

// Engine evaluates privileges. Decisions depend only on the credential,
// the target and the role set.
type Engine struct {
	roles *RoleSet
}

// NewEngine returns an engine over roles.
func NewEngine(roles *RoleSet) *Engine {
	if roles == nil {
		roles = DefaultRoleSet()
	}
	return &Engine{roles: roles}
}

// Roles exposes the role set.
func (e *Engine) Roles() *RoleSet { return e.roles }

// FullAdmin reports whether c expands to a full-admin role.
func (e *Engine) FullAdmin(c *Credential) bool {
	if c.IsInternal() {
		return true
	}
	if !c.Authenticated() {
		return false
	}
	_, full := e.roles.Expand(c.Privilege.Roles)
	return full
}

// Allowed decides a single request.
func (e *Engine) Allowed(c *Credential, t Target) bool {
	if t.NoAuth {
		return true
	}
	if !c.Authenticated() {
		return false
	}
	if t.NoAuthz {
		return true
	}
	entries, full := e.roles.Expand(c.Privilege.Roles)
	if full || c.IsInternal() {
		return true
	}
	entries = append(entries, c.Privilege.Allowlist...)
	for _, entry := range entries {
		if entryMatches(entry, t) {
			return true
		}
	}
	return false
}

func entryMatches(entry AllowEntry, t Target) bool {
	if !globMatch(entry.Method, t.Method) {
		return false
	}
	resource := t.Resource
	if resource == "" {
		resource = t.Method
	}
	return entry.Resource == "" || globMatch(entry.Resource, resource)
}

func globMatch(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
