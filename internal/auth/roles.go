package auth

import (
	"fmt"
	"sort"
)

// Built-in role names.
const (
	RoleFullAdmin     = "FULL_ADMIN"
	RoleReadonlyAdmin = "READONLY_ADMIN"
	RoleSharingAdmin  = "SHARING_ADMIN"
	RoleAccountRead   = "ACCOUNT_READ"
	RoleAccountWrite  = "ACCOUNT_WRITE"
	RoleAlertRead     = "ALERT_READ"
	RoleAlertWrite    = "ALERT_WRITE"
	RolePoolRead      = "POOL_READ"
	RolePoolWrite     = "POOL_WRITE"
	RoleJobsRead      = "JOBS_READ"
)

// Role is a named bundle of allowlist entries.
type Role struct {
	Name      string       `json:"name"`
	Title     string       `json:"title"`
	Includes  []string     `json:"includes"`
	Allowlist []AllowEntry `json:"allowlist"`
	FullAdmin bool         `json:"full_admin"`
}

// RoleSet resolves role names to their expanded allowlists. It is built once
// at startup and read-only afterwards.
type RoleSet struct {
	roles map[string]Role
}

// NewRoleSet validates roles; includes must name known roles and must not
// form a cycle.
func NewRoleSet(roles ...Role) (*RoleSet, error) {
	set := &RoleSet{roles: make(map[string]Role, len(roles))}
	for _, r := range roles {
		if _, dup := set.roles[r.Name]; dup {
			return nil, fmt.Errorf("auth: duplicate role %s", r.Name)
		}
		set.roles[r.Name] = r
	}
	for _, r := range roles {
		for _, inc := range r.Includes {
			if _, ok := set.roles[inc]; !ok {
				return nil, fmt.Errorf("auth: role %s includes unknown role %s", r.Name, inc)
			}
		}
		if err := set.checkCycle(r.Name, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func (s *RoleSet) checkCycle(name string, stack map[string]bool) error {
	if stack[name] {
		return fmt.Errorf("auth: role include cycle at %s", name)
	}
	stack[name] = true
	for _, inc := range s.roles[name].Includes {
		if err := s.checkCycle(inc, stack); err != nil {
			return err
		}
	}
	delete(stack, name)
	return nil
}

// Lookup returns the named role.
func (s *RoleSet) Lookup(name string) (Role, bool) {
	r, ok := s.roles[name]
	return r, ok
}

// Names returns every role name sorted.
func (s *RoleSet) Names() []string {
	out := make([]string, 0, len(s.roles))
	for name := range s.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Expand returns the allowlist of roles including transitive includes, and
// whether any of them is a full-admin role. Unknown names are ignored.
func (s *RoleSet) Expand(names []string) ([]AllowEntry, bool) {
	seen := make(map[string]bool)
	var entries []AllowEntry
	full := false
	var walk func(string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		r, ok := s.roles[name]
		if !ok {
			return
		}
		if r.FullAdmin {
			full = true
		}
		entries = append(entries, r.Allowlist...)
		for _, inc := range r.Includes {
			walk(inc)
		}
	}
	for _, name := range names {
		walk(name)
	}
	return entries, full
}

func call(method string) AllowEntry { return AllowEntry{Method: method, Resource: "*"} }

func subscribe(event string) AllowEntry { return AllowEntry{Method: ActionSubscribe, Resource: event} }

// BuiltinRoles returns the roles every deployment carries.
func BuiltinRoles() []Role {
	return []Role{
		{Name: RoleFullAdmin, Title: "Full administrator", FullAdmin: true},
		{
			Name:     RoleReadonlyAdmin,
			Title:    "Read-only administrator",
			Includes: []string{RoleAccountRead, RoleAlertRead, RolePoolRead, RoleJobsRead},
			Allowlist: []AllowEntry{
				call("*.query"), call("*.get_instance"), call("*.config"),
				call("system.info"), call("system.state"),
				subscribe("*"),
			},
		},
		{
			Name:     RoleSharingAdmin,
			Title:    "Sharing administrator",
			Includes: []string{RoleReadonlyAdmin},
			Allowlist: []AllowEntry{
				call("sharing.*"), call("smb.*"), call("nfs.*"), call("iscsi.*"),
			},
		},
		{Name: RoleAccountRead, Title: "Read accounts", Allowlist: []AllowEntry{call("user.query"), call("group.query"), call("api_key.query"), subscribe("user.query"), subscribe("group.query")}},
		{Name: RoleAccountWrite, Title: "Manage accounts", Includes: []string{RoleAccountRead}, Allowlist: []AllowEntry{call("user.*"), call("group.*"), call("api_key.*")}},
		{Name: RoleAlertRead, Title: "Read alerts", Allowlist: []AllowEntry{call("alert.list"), call("alert.list_policies"), call("alert.list_categories"), call("alertservice.query"), call("alertclasses.config"), subscribe("alert.list")}},
		{Name: RoleAlertWrite, Title: "Manage alerts", Includes: []string{RoleAlertRead}, Allowlist: []AllowEntry{call("alert.dismiss"), call("alert.restore"), call("alertservice.*"), call("alertclasses.*")}},
		{Name: RolePoolRead, Title: "Read pools", Allowlist: []AllowEntry{call("pool.query"), call("pool.get_instance"), subscribe("pool.query")}},
		{Name: RolePoolWrite, Title: "Manage pools", Includes: []string{RolePoolRead}, Allowlist: []AllowEntry{call("pool.*")}},
		{Name: RoleJobsRead, Title: "Read jobs", Allowlist: []AllowEntry{call("core.get_jobs"), call("core.job_wait"), subscribe("core.get_jobs")}},
	}
}

// DefaultRoleSet builds the built-in role set.
func DefaultRoleSet() *RoleSet {
	set, err := NewRoleSet(BuiltinRoles()...)
	if err != nil {
		panic(err)
	}
	return set
}
