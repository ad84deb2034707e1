package auth

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/svcfields"
)

// Authentication outcomes. Wire handlers collapse them into one opaque
// failure so callers cannot enumerate accounts.
var (
	ErrBadCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked  = errors.New("auth: account locked")
	ErrOTPRequired    = errors.New("auth: second factor required")
	ErrUnknownUser    = errors.New("auth: unknown user")
	ErrUnknownAPIKey  = errors.New("auth: unknown api key")
)

// User is the directory view of a local account.
type User struct {
	ID              int64
	Username        string
	UID             int
	PasswordHash    string
	Roles           []string
	Allowlist       []AllowEntry
	Locked          bool
	TwoFactorSecret string
}

// APIKey is the directory view of an API key.
type APIKey struct {
	ID        int64
	Name      string
	Username  string
	Digest    string
	ExpiresAt *time.Time
	Revoked   bool
}

// Directory resolves accounts. The user service implements it over the
// datastore.
type Directory interface {
	LookupUser(ctx context.Context, username string) (User, error)
	LookupUserByUID(ctx context.Context, uid int) (User, error)
	LookupAPIKey(ctx context.Context, id int64) (APIKey, error)
}

// Pending is the intermediate state of a password login awaiting its
// second factor.
type Pending struct {
	Username string
	user     User
	expires  time.Time
}

// Authenticator implements the login mechanisms.
type Authenticator struct {
	dir    Directory
	tokens *TokenManager
	clock  clock.Clock
	logger pslog.Logger
	// PendingTTL bounds how long a second factor may take.
	PendingTTL time.Duration
}

// NewAuthenticator wires the mechanisms together.
func NewAuthenticator(dir Directory, tokens *TokenManager, clk clock.Clock, logger pslog.Logger) *Authenticator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Authenticator{
		dir:        dir,
		tokens:     tokens,
		clock:      clk,
		logger:     svcfields.WithSubsystem(logger, "auth.login"),
		PendingTTL: 5 * time.Minute,
	}
}

// Tokens returns the token manager.
func (a *Authenticator) Tokens() *TokenManager { return a.tokens }

func userCredential(kind Kind, u User) *Credential {
	return &Credential{
		Kind:     kind,
		Username: u.Username,
		UID:      u.UID,
		Privilege: Privilege{
			Roles:     append([]string(nil), u.Roles...),
			Allowlist: append([]AllowEntry(nil), u.Allowlist...),
		},
	}
}

// Password checks a username/password pair. When the account has a TOTP
// secret and otp is empty, it returns a Pending state and ErrOTPRequired.
func (a *Authenticator) Password(ctx context.Context, username, password, otp string) (*Credential, *Pending, error) {
	u, err := a.dir.LookupUser(ctx, username)
	if err != nil {
		checkPassword("", password)
		a.logger.Info("auth.password.failed", "username", username, "reason", "unknown_user")
		return nil, nil, ErrBadCredentials
	}
	if !checkPassword(u.PasswordHash, password) {
		a.logger.Info("auth.password.failed", "username", username, "reason", "bad_password")
		return nil, nil, ErrBadCredentials
	}
	if u.Locked {
		return nil, nil, ErrAccountLocked
	}
	if u.TwoFactorSecret == "" {
		return userCredential(KindPassword, u), nil, nil
	}
	if otp == "" {
		return nil, &Pending{Username: u.Username, user: u, expires: a.clock.Now().Add(a.PendingTTL)}, ErrOTPRequired
	}
	if !ValidateTOTP(otp, u.TwoFactorSecret, a.clock.Now()) {
		return nil, nil, ErrBadCredentials
	}
	cred := userCredential(KindPassword, u)
	cred.TwoFactor = true
	return cred, nil, nil
}

// CompleteTwoFactor finishes a pending login with a TOTP code.
func (a *Authenticator) CompleteTwoFactor(p *Pending, code string) (*Credential, error) {
	if p == nil || !a.clock.Now().Before(p.expires) {
		return nil, ErrBadCredentials
	}
	if !ValidateTOTP(code, p.user.TwoFactorSecret, a.clock.Now()) {
		return nil, ErrBadCredentials
	}
	cred := userCredential(KindPassword, p.user)
	cred.TwoFactor = true
	return cred, nil
}

// APIKey checks a "<id>-<secret>" key with a constant-time digest compare.
func (a *Authenticator) APIKey(ctx context.Context, key string) (*Credential, error) {
	id, secret, err := SplitAPIKey(key)
	if err != nil {
		return nil, ErrBadCredentials
	}
	k, err := a.dir.LookupAPIKey(ctx, id)
	if err != nil {
		digestMatches(DigestSecret(""), secret)
		return nil, ErrBadCredentials
	}
	if !digestMatches(k.Digest, secret) || k.Revoked {
		return nil, ErrBadCredentials
	}
	if k.ExpiresAt != nil && !a.clock.Now().Before(*k.ExpiresAt) {
		return nil, ErrBadCredentials
	}
	u, err := a.dir.LookupUser(ctx, k.Username)
	if err != nil || u.Locked {
		return nil, ErrBadCredentials
	}
	cred := userCredential(KindAPIKey, u)
	cred.APIKeyID = k.ID
	return cred, nil
}

// Token redeems a derived token.
func (a *Authenticator) Token(value, remoteIP string) (*Credential, error) {
	tok, err := a.tokens.Redeem(value, remoteIP)
	if err != nil {
		return nil, ErrBadCredentials
	}
	parent := tok.Parent
	return &Credential{
		Kind:      KindToken,
		Username:  parent.Username,
		UID:       parent.UID,
		Privilege: parent.Privilege,
		TwoFactor: parent.TwoFactor,
		Origin:    parent,
	}, nil
}

// PeerUID maps Unix socket peer credentials. uid 0 is a local privileged
// session; other uids resolve to their local account if one exists.
func (a *Authenticator) PeerUID(ctx context.Context, uid int) *Credential {
	if uid == 0 {
		return &Credential{Kind: KindUnixSocket, Username: "root", UID: 0, Privilege: Privilege{Roles: []string{RoleFullAdmin}}}
	}
	if a.dir == nil {
		return Unauthenticated
	}
	u, err := a.dir.LookupUserByUID(ctx, uid)
	if err != nil || u.Locked {
		return Unauthenticated
	}
	return userCredential(KindUnixSocket, u)
}
