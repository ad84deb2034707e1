package services

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/crud"
	"pkt.systems/middlewared/internal/datastore"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
)

// Account tables.
const (
	UserTable   = "account.user"
	GroupTable  = "account.group"
	APIKeyTable = "account.api_key"
)

// MinAutoID is the first uid/gid handed out when none is given.
const MinAutoID = 3000

// TOTPIssuer names the service in authenticator apps.
const TOTPIssuer = "middlewared"

// Directory resolves accounts from the datastore for the authenticator.
type Directory struct {
	store datastore.Querier
}

// NewDirectory returns a directory over store.
func NewDirectory(store datastore.Querier) *Directory {
	return &Directory{store: store}
}

var _ auth.Directory = (*Directory)(nil)

// LookupUser implements auth.Directory.
func (d *Directory) LookupUser(ctx context.Context, username string) (auth.User, error) {
	return d.lookup(ctx, filter.Eq("username", username))
}

// LookupUserByUID implements auth.Directory.
func (d *Directory) LookupUserByUID(ctx context.Context, uid int) (auth.User, error) {
	return d.lookup(ctx, filter.Eq("uid", int64(uid)))
}

func (d *Directory) lookup(ctx context.Context, expr filter.Expr) (auth.User, error) {
	rows, err := d.store.Rows(ctx, UserTable, expr)
	if err != nil {
		return auth.User{}, err
	}
	if len(rows) == 0 {
		return auth.User{}, auth.ErrUnknownUser
	}
	return userFromRow(rows[0]), nil
}

// LookupAPIKey implements auth.Directory.
func (d *Directory) LookupAPIKey(ctx context.Context, id int64) (auth.APIKey, error) {
	row, err := d.store.GetInstance(ctx, APIKeyTable, id)
	if err != nil {
		return auth.APIKey{}, auth.ErrUnknownAPIKey
	}
	key := auth.APIKey{ID: id}
	key.Name, _ = row["name"].(string)
	key.Username, _ = row["username"].(string)
	key.Digest, _ = row["digest"].(string)
	key.Revoked, _ = row["revoked"].(bool)
	if raw, _ := row["expires_at"].(string); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			key.ExpiresAt = &t
		}
	}
	return key, nil
}

func userFromRow(row filter.Row) auth.User {
	u := auth.User{}
	u.ID, _ = row["id"].(int64)
	u.Username, _ = row["username"].(string)
	if uid, ok := row["uid"].(int64); ok {
		u.UID = int(uid)
	}
	u.PasswordHash, _ = row["password_hash"].(string)
	u.Locked, _ = row["locked"].(bool)
	u.TwoFactorSecret, _ = row["twofactor_secret"].(string)
	u.Roles = stringList(row["roles"])
	if list, ok := row["allowlist"].([]any); ok {
		for _, raw := range list {
			entry, _ := raw.(map[string]any)
			method, _ := entry["method"].(string)
			resource, _ := entry["resource"].(string)
			if method == "" {
				continue
			}
			if resource == "" {
				resource = "*"
			}
			u.Allowlist = append(u.Allowlist, auth.AllowEntry{Method: method, Resource: resource})
		}
	}
	return u
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func idList(v any) []int64 {
	list, _ := v.([]any)
	out := make([]int64, 0, len(list))
	for _, item := range list {
		if n, ok := item.(int64); ok {
			out = append(out, n)
		}
	}
	return out
}

// nextFreeID returns the smallest id >= MinAutoID above every value of
// field in table.
func nextFreeID(ctx context.Context, tx datastore.Querier, table, field string) (int64, error) {
	rows, err := tx.Rows(ctx, table, filter.Expr{})
	if err != nil {
		return 0, err
	}
	next := int64(MinAutoID)
	for _, row := range rows {
		if n, ok := row[field].(int64); ok && n >= next {
			next = n + 1
		}
	}
	return next, nil
}

func (s *Services) newUserService() (*crud.Service, error) {
	allow := registry.Object(
		registry.F("method", registry.Str().NonEmpty()).Required(),
		registry.F("resource", registry.Str().NonEmpty()).Default("*"),
	)
	entry := registry.Object(
		registry.F("username", registry.Str().NonEmpty().MaxLength(32).Pattern(`^[A-Za-z_][A-Za-z0-9_.-]*$`)).Required(),
		registry.F("uid", registry.Int().Min(0).Nullable()).Default(nil),
		registry.F("full_name", registry.Str()).Default(""),
		registry.F("password", registry.Str().Nullable()).Private(),
		registry.F("roles", registry.List(registry.Str().Enum(s.cfg.Privileges.Roles().Names()...)).Unique()).Default([]any{}),
		registry.F("allowlist", registry.List(allow)).Default([]any{}),
		registry.F("locked", registry.Bool()).Default(false),
	)
	result := registry.Object(
		registry.F("id", registry.Int()),
		registry.F("username", registry.Str()),
		registry.F("uid", registry.Int()),
		registry.F("full_name", registry.Str()),
		registry.F("roles", registry.List(registry.Str())),
		registry.F("allowlist", registry.List(allow)),
		registry.F("locked", registry.Bool()),
		registry.F("twofactor_enabled", registry.Bool()),
	).Additional()
	return crud.New(crud.Config{
		Namespace:   "user",
		Table:       UserTable,
		Entry:       entry,
		Result:      result,
		Description: "Local user accounts.",
		Unique:      []string{"username", "uid"},
		Compose:     s.composeUser,
		Extend:      s.extendUser,
		Store:       s.cfg.Store,
		Bus:         s.cfg.Bus,
		Hooks:       s.cfg.Hooks,
		Logger:      s.logger,
	})
}

func (s *Services) composeUser(ctx context.Context, tx datastore.Querier, row, old filter.Row) error {
	var errs apierr.ValidationErrors
	if pw, ok := row["password"].(string); ok && pw != "" {
		hash, err := auth.HashPassword(pw)
		if err != nil {
			return err
		}
		row["password_hash"] = hash
	}
	delete(row, "password")
	if old == nil {
		locked, _ := row["locked"].(bool)
		if hash, _ := row["password_hash"].(string); hash == "" && !locked {
			errs.Add("password", apierr.CodeRequired, "Password is required unless the account is locked")
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}
	if row["uid"] == nil {
		uid, err := nextFreeID(ctx, tx, UserTable, "uid")
		if err != nil {
			return err
		}
		row["uid"] = uid
	}
	return nil
}

// extendUser shapes a stored user for output. Secrets never leave.
func (s *Services) extendUser(row filter.Row) filter.Row {
	out := make(filter.Row, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	secret, _ := row["twofactor_secret"].(string)
	out["twofactor_enabled"] = secret != ""
	delete(out, "password_hash")
	delete(out, "twofactor_secret")
	return out
}

func (s *Services) userMethods() []*registry.Method {
	return append(s.users.Methods(),
		&registry.Method{
			Name:        "user.twofactor_renew_secret",
			Description: "Generates a new TOTP secret for a user and returns it with its provisioning URI.",
			Audit:       true,
			Args:        []registry.Field{registry.F("id", registry.Int()).Required()},
			Result: registry.Object(
				registry.F("secret", registry.Str()),
				registry.F("provisioning_uri", registry.Str()),
			),
			Handler: s.renewTwoFactorSecret,
		},
		&registry.Method{
			Name:        "user.twofactor_disable",
			Description: "Removes the TOTP secret of a user.",
			Audit:       true,
			Args:        []registry.Field{registry.F("id", registry.Int()).Required()},
			Result:      registry.Bool(),
			Handler: func(ctx context.Context, call *registry.Call) (any, error) {
				if _, err := s.users.Update(ctx, call.ArgInt(0), filter.Row{"twofactor_secret": ""}); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
	)
}

func (s *Services) renewTwoFactorSecret(ctx context.Context, call *registry.Call) (any, error) {
	user, err := s.users.Get(ctx, call.ArgInt(0))
	if err != nil {
		return nil, err
	}
	username, _ := user["username"].(string)
	secret, uri, err := auth.NewTOTPSecret(TOTPIssuer, username)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.Update(ctx, call.ArgInt(0), filter.Row{"twofactor_secret": secret}); err != nil {
		return nil, err
	}
	return map[string]any{"secret": secret, "provisioning_uri": uri}, nil
}

func (s *Services) newGroupService() (*crud.Service, error) {
	return crud.New(crud.Config{
		Namespace: "group",
		Table:     GroupTable,
		Entry: registry.Object(
			registry.F("name", registry.Str().NonEmpty().MaxLength(32)).Required(),
			registry.F("gid", registry.Int().Min(0).Nullable()).Default(nil),
			registry.F("users", registry.List(registry.Int()).Unique()).Default([]any{}),
			registry.F("sudo", registry.Bool()).Default(false),
		),
		Description: "Local groups.",
		Unique:      []string{"name", "gid"},
		Compose:     s.composeGroup,
		Store:       s.cfg.Store,
		Bus:         s.cfg.Bus,
		Hooks:       s.cfg.Hooks,
		Logger:      s.logger,
	})
}

func (s *Services) composeGroup(ctx context.Context, tx datastore.Querier, row, _ filter.Row) error {
	var errs apierr.ValidationErrors
	for _, id := range idList(row["users"]) {
		if _, err := tx.GetInstance(ctx, UserTable, id); err != nil {
			errs.Add("users", apierr.CodeInvalid, fmt.Sprintf("user %d does not exist", id))
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}
	if row["gid"] == nil {
		gid, err := nextFreeID(ctx, tx, GroupTable, "gid")
		if err != nil {
			return err
		}
		row["gid"] = gid
	}
	return nil
}

// dropGroupMember removes a deleted user from every group.
func (s *Services) dropGroupMember(ctx context.Context, args ...any) error {
	if len(args) == 0 {
		return nil
	}
	userID, _ := args[0].(int64)
	rows, err := s.cfg.Store.Rows(ctx, GroupTable, filter.Expr{})
	if err != nil {
		return err
	}
	for _, row := range rows {
		members := idList(row["users"])
		kept := make([]any, 0, len(members))
		for _, id := range members {
			if id != userID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(members) {
			continue
		}
		gid, _ := row["id"].(int64)
		if _, err := s.groups.Update(ctx, gid, filter.Row{"users": kept}); err != nil {
			return err
		}
	}
	return nil
}

// revokeUserKeys deletes the API keys of a deleted user.
func (s *Services) revokeUserKeys(ctx context.Context, args ...any) error {
	if len(args) < 2 {
		return nil
	}
	user, _ := args[1].(filter.Row)
	username, _ := user["username"].(string)
	if username == "" {
		return nil
	}
	rows, err := s.cfg.Store.Rows(ctx, APIKeyTable, filter.Eq("username", username))
	if err != nil {
		return err
	}
	for _, row := range rows {
		id, _ := row["id"].(int64)
		if err := s.apiKeys.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Services) newAPIKeyService() (*crud.Service, error) {
	entry := registry.Object(
		registry.F("name", registry.Str().NonEmpty().MaxLength(200)).Required(),
		registry.F("username", registry.Str().NonEmpty()).Required(),
		registry.F("expires_at", registry.Str().Nullable()).Default(nil),
		registry.F("revoked", registry.Bool()).Default(false),
	)
	return crud.New(crud.Config{
		Namespace:   "api_key",
		Table:       APIKeyTable,
		Entry:       entry,
		Description: "API keys. The key is returned once by api_key.create.",
		Unique:      []string{"name"},
		Compose:     s.composeAPIKey,
		Extend: func(row filter.Row) filter.Row {
			out := make(filter.Row, len(row))
			for k, v := range row {
				if k != "digest" {
					out[k] = v
				}
			}
			return out
		},
		Store:  s.cfg.Store,
		Bus:    s.cfg.Bus,
		Hooks:  s.cfg.Hooks,
		Logger: s.logger,
	})
}

func (s *Services) composeAPIKey(ctx context.Context, tx datastore.Querier, row, old filter.Row) error {
	var errs apierr.ValidationErrors
	username, _ := row["username"].(string)
	if old != nil {
		if prev, _ := old["username"].(string); prev != username {
			errs.Add("username", apierr.CodeInvalid, "The owner of an API key cannot change")
		}
	} else if users, err := tx.Rows(ctx, UserTable, filter.Eq("username", username)); err != nil {
		return err
	} else if len(users) == 0 {
		errs.Add("username", apierr.CodeInvalid, fmt.Sprintf("user %s does not exist", username))
	}
	if raw, ok := row["expires_at"].(string); ok && raw != "" {
		if _, err := time.Parse(time.RFC3339, raw); err != nil {
			errs.Add("expires_at", apierr.CodeInvalid, "expires_at must be an RFC 3339 timestamp")
		}
	}
	return errs.Err()
}

func (s *Services) apiKeyMethods() []*registry.Method {
	methods := s.apiKeys.Methods()
	create := *methods[2]
	create.Description = "Creates an API key and returns it with the plaintext key. The key cannot be retrieved again."
	create.Result = nil
	create.Handler = s.createAPIKey
	return replace(methods, &create)
}

func (s *Services) createAPIKey(ctx context.Context, call *registry.Call) (any, error) {
	var key string
	row, err := s.apiKeys.CreateThen(ctx, call.ArgMap(0), func(ctx context.Context, tx datastore.Querier, id int64) error {
		var (
			digest string
			err    error
		)
		if key, digest, err = auth.NewAPIKey(id); err != nil {
			return err
		}
		_, err = tx.Update(ctx, APIKeyTable, id, filter.Row{"digest": digest})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(row)+1)
	for k, v := range row {
		out[k] = v
	}
	out["key"] = key
	return out, nil
}
