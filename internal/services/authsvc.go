package services

import (
	"context"
	"errors"
	"time"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/wire"
)

// DefaultTokenTTL is the auth.generate_token lifetime when none is given.
const DefaultTokenTTL = 600

func (s *Services) authMethods() []*registry.Method {
	return []*registry.Method{
		{
			Name:        "auth.login",
			Description: "Authenticates the session with a username and password. otp_token is required when the account uses two-factor authentication.",
			NoAuth:      true,
			Blocking:    true,
			Args: []registry.Field{
				registry.F("username", registry.Str()).Required(),
				registry.F("password", registry.Str()).Required().Private(),
				registry.F("otp_token", registry.Str().Nullable()).Default(nil),
			},
			Result:  registry.Bool(),
			Handler: s.login,
		},
		{
			Name:        "auth.twofactor.verify",
			Description: "Completes a password login that is waiting for its second factor.",
			NoAuth:      true,
			Args:        []registry.Field{registry.F("otp_token", registry.Str()).Required().Private()},
			Result:      registry.Bool(),
			Handler:     s.verifyTwoFactor,
		},
		{
			Name:        "auth.login_with_api_key",
			Description: "Authenticates the session with an API key.",
			NoAuth:      true,
			Blocking:    true,
			Args:        []registry.Field{registry.F("api_key", registry.Str()).Required().Private()},
			Result:      registry.Bool(),
			Handler: func(ctx context.Context, call *registry.Call) (any, error) {
				return s.attach(call, func() (*auth.Credential, error) {
					return s.cfg.Authenticator.APIKey(ctx, call.ArgString(0))
				})
			},
		},
		{
			Name:        "auth.login_with_token",
			Description: "Authenticates the session with a token from auth.generate_token.",
			NoAuth:      true,
			Args:        []registry.Field{registry.F("token", registry.Str()).Required().Private()},
			Result:      registry.Bool(),
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				return s.attach(call, func() (*auth.Credential, error) {
					return s.cfg.Authenticator.Token(call.ArgString(0), call.Session.RemoteIP())
				})
			},
		},
		{
			Name:        "auth.generate_token",
			Description: "Generates a token derived from the session credential. match_origin pins it to the caller address.",
			NoAuthz:     true,
			Audit:       true,
			Args: []registry.Field{
				registry.F("ttl", registry.Int().Min(1).Nullable()).Default(int64(DefaultTokenTTL)),
				registry.F("attrs", registry.Dict()).Default(map[string]any{}),
				registry.F("match_origin", registry.Bool()).Default(false),
				registry.F("single_use", registry.Bool()).Default(false),
			},
			Result:  registry.Str(),
			Handler: s.generateToken,
		},
		{
			Name:        "auth.logout",
			Description: "Drops the session credential, its tokens and subscriptions.",
			NoAuthz:     true,
			Result:      registry.Bool(),
			Handler:     s.logout,
		},
		{
			Name:        "auth.me",
			Description: "Returns the authenticated identity of the session.",
			NoAuthz:     true,
			Handler:     s.me,
		},
		{
			Name:        "auth.sessions",
			Description: "Lists connected sessions.",
			Args: []registry.Field{
				registry.F("filters", registry.List(registry.Any())).Default([]any{}),
				registry.F("options", registry.Dict()).Default(map[string]any{}),
			},
			Handler: s.sessions,
		},
		{
			Name:        "auth.terminate_session",
			Description: "Closes a session and revokes its tokens.",
			Audit:       true,
			Args:        []registry.Field{registry.F("id", registry.Str().NonEmpty()).Required()},
			Result:      registry.Bool(),
			Handler:     s.terminateSession,
		},
	}
}

func requireSession(call *registry.Call) error {
	if call.Session == nil {
		return apierr.Conflict("This method requires a client session")
	}
	return nil
}

func loginFailed(call *registry.Call) {
	if l, ok := call.Session.(registry.LoginLimiter); ok {
		l.LoginFailed()
	}
}

// attach authenticates the session with the credential produced by
// check. Rejected credentials count against the failed-login budget.
func (s *Services) attach(call *registry.Call, check func() (*auth.Credential, error)) (any, error) {
	if err := requireSession(call); err != nil {
		return nil, err
	}
	if s.cfg.Authenticator == nil {
		return false, nil
	}
	cred, err := check()
	if err != nil {
		if errors.Is(err, auth.ErrOTPRequired) {
			return false, nil
		}
		s.logger.Info("auth.login.rejected", "method", call.Method.Name, "session", call.Session.ID(), "error", err)
		loginFailed(call)
		return false, nil
	}
	if err := call.Session.Authenticate(cred, true); err != nil {
		return nil, err
	}
	s.logger.Info("auth.login.accepted", "method", call.Method.Name, "session", call.Session.ID(), "username", cred.Username)
	return true, nil
}

func (s *Services) login(ctx context.Context, call *registry.Call) (any, error) {
	if err := requireSession(call); err != nil {
		return nil, err
	}
	otp, _ := call.Arg(2).(string)
	var pending *auth.Pending
	result, err := s.attach(call, func() (*auth.Credential, error) {
		cred, p, err := s.cfg.Authenticator.Password(ctx, call.ArgString(0), call.ArgString(1), otp)
		if errors.Is(err, auth.ErrOTPRequired) {
			pending = p
		}
		return cred, err
	})
	if pending != nil {
		call.Session.SetPendingLogin(pending)
	}
	return result, err
}

func (s *Services) verifyTwoFactor(_ context.Context, call *registry.Call) (any, error) {
	if err := requireSession(call); err != nil {
		return nil, err
	}
	pending := call.Session.PendingLogin()
	if pending == nil {
		return false, nil
	}
	return s.attach(call, func() (*auth.Credential, error) {
		return s.cfg.Authenticator.CompleteTwoFactor(pending, call.ArgString(0))
	})
}

func (s *Services) generateToken(_ context.Context, call *registry.Call) (any, error) {
	if s.cfg.Authenticator == nil || s.cfg.Authenticator.Tokens() == nil {
		return nil, apierr.Conflict("Tokens are not available")
	}
	attrs := call.ArgMap(1)
	if raw, ok := attrs["job"]; ok {
		id, ok := raw.(int64)
		if !ok {
			return nil, apierr.Validation("attrs.job", apierr.CodeInvalidType, "job must be an integer")
		}
		job, err := s.visibleJob(call, id)
		if err != nil {
			return nil, err
		}
		if !job.Pipes().Output {
			return nil, apierr.Validation("attrs.job", apierr.CodeInvalid, "job is not suitable for download token")
		}
	}
	parent := call.Credential
	if parent.Origin != nil {
		parent = parent.Origin
	}
	opts := auth.TokenOptions{
		TTL:       time.Duration(call.ArgInt(0)) * time.Second,
		SingleUse: call.Arg(3) == true,
		Attrs:     attrs,
	}
	sessionID := ""
	if call.Session != nil {
		sessionID = call.Session.ID()
		if call.Arg(2) == true {
			opts.PinIP = call.Session.RemoteIP()
		}
	}
	token, err := s.cfg.Authenticator.Tokens().Create(parent, sessionID, opts)
	if err != nil {
		return nil, apierr.NotAuthorized()
	}
	return token, nil
}

func (s *Services) logout(_ context.Context, call *registry.Call) (any, error) {
	if err := requireSession(call); err != nil {
		return nil, err
	}
	id := call.Session.ID()
	if s.cfg.Authenticator != nil && s.cfg.Authenticator.Tokens() != nil {
		s.cfg.Authenticator.Tokens().DestroySession(id)
	}
	if s.cfg.Sessions != nil && s.cfg.Bus != nil {
		if sess, ok := s.cfg.Sessions.Get(id); ok {
			for subID := range sess.Subscriptions() {
				s.cfg.Bus.Unsubscribe(subID)
				sess.RemoveSubscription(subID)
			}
		}
	}
	call.Session.Logout()
	return true, nil
}

func (s *Services) me(ctx context.Context, call *registry.Call) (any, error) {
	cred := call.Credential
	out := cred.Dump()
	out["uid"] = cred.UID
	out["two_factor"] = cred.TwoFactor
	out["full_admin"] = call.FullPrivilege
	allowlist := make([]any, 0, len(cred.Privilege.Allowlist))
	for _, e := range cred.Privilege.Allowlist {
		allowlist = append(allowlist, map[string]any{"method": e.Method, "resource": e.Resource})
	}
	out["allowlist"] = allowlist
	root := cred
	for root.Origin != nil {
		root = root.Origin
	}
	if root.Username == "" || root.IsInternal() {
		return out, nil
	}
	if rows, err := s.cfg.Store.Rows(ctx, UserTable, filter.Eq("username", root.Username)); err == nil && len(rows) > 0 {
		user := s.extendUser(rows[0])
		out["id"] = user["id"]
		out["full_name"] = user["full_name"]
		out["twofactor_enabled"] = user["twofactor_enabled"]
	}
	return out, nil
}

func (s *Services) sessions(_ context.Context, call *registry.Call) (any, error) {
	expr, err := filter.Parse(call.Arg(0))
	if err != nil {
		return nil, apierr.Validation("filters", apierr.CodeInvalid, err.Error())
	}
	opts, err := filter.ParseOptions(call.Arg(1))
	if err != nil {
		return nil, apierr.Validation("options", apierr.CodeInvalid, err.Error())
	}
	var rows []filter.Row
	if s.cfg.Sessions != nil {
		for _, sess := range s.cfg.Sessions.List() {
			cred := sess.Credential()
			rows = append(rows, filter.Row{
				"id":               sess.ID(),
				"origin":           sess.RemoteIP(),
				"credentials":      string(cred.Kind),
				"credentials_data": cred.Dump(),
				"current":          call.Session != nil && call.Session.ID() == sess.ID(),
				"local":            sess.RemoteIP() == "",
			})
		}
	}
	out, err := filter.Apply(rows, expr, opts)
	if errors.Is(err, filter.ErrNoMatch) {
		return nil, apierr.NotFound("Session not found")
	}
	return out, err
}

func (s *Services) terminateSession(_ context.Context, call *registry.Call) (any, error) {
	id := call.ArgString(0)
	if s.cfg.Sessions == nil {
		return false, nil
	}
	sess, ok := s.cfg.Sessions.Get(id)
	if !ok {
		return false, nil
	}
	if s.cfg.Authenticator != nil && s.cfg.Authenticator.Tokens() != nil {
		s.cfg.Authenticator.Tokens().DestroySession(id)
	}
	sess.Close(wire.CloseNormal, "session terminated")
	return true, nil
}
