package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pkt.systems/middlewared/internal/clock"
)

type memDirectory struct {
	users map[string]User
	keys  map[int64]APIKey
}

func (d *memDirectory) LookupUser(_ context.Context, name string) (User, error) {
	u, ok := d.users[name]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return u, nil
}

func (d *memDirectory) LookupUserByUID(_ context.Context, uid int) (User, error) {
	for _, u := range d.users {
		if u.UID == uid {
			return u, nil
		}
	}
	return User{}, ErrUnknownUser
}

func (d *memDirectory) LookupAPIKey(_ context.Context, id int64) (APIKey, error) {
	k, ok := d.keys[id]
	if !ok {
		return APIKey{}, ErrUnknownAPIKey
	}
	return k, nil
}

func newDirectory(t *testing.T) *memDirectory {
	t.Helper()
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return &memDirectory{
		users: map[string]User{
			"alice": {ID: 1, Username: "alice", UID: 1000, PasswordHash: hash, Roles: []string{RoleReadonlyAdmin}},
			"bob":   {ID: 2, Username: "bob", UID: 1001, PasswordHash: hash, Locked: true},
		},
		keys: map[int64]APIKey{},
	}
}

func TestPrivilegeEngine(t *testing.T) {
	engine := NewEngine(nil)
	readonly := &Credential{Kind: KindPassword, Username: "ro", Privilege: Privilege{Roles: []string{RoleReadonlyAdmin}}}
	admin := &Credential{Kind: KindPassword, Username: "root", Privilege: Privilege{Roles: []string{RoleFullAdmin}}}
	custom := &Credential{Kind: KindAPIKey, Privilege: Privilege{Allowlist: []AllowEntry{{Method: "pool.scrub*", Resource: "*"}}}}

	cases := []struct {
		name string
		cred *Credential
		t    Target
		want bool
	}{
		{"readonly query", readonly, Target{Method: "pool.query"}, true},
		{"readonly update", readonly, Target{Method: "pool.update"}, false},
		{"readonly subscribe", readonly, Target{Method: ActionSubscribe, Resource: "core.get_jobs"}, true},
		{"admin anything", admin, Target{Method: "pool.update"}, true},
		{"anonymous public", Unauthenticated, Target{Method: "auth.login", NoAuth: true}, true},
		{"anonymous private", Unauthenticated, Target{Method: "system.info"}, false},
		{"anonymous noauthz", Unauthenticated, Target{Method: "auth.me", NoAuthz: true}, false},
		{"authenticated noauthz", custom, Target{Method: "auth.me", NoAuthz: true}, true},
		{"allowlist glob", custom, Target{Method: "pool.scrub_run"}, true},
		{"allowlist miss", custom, Target{Method: "pool.query"}, false},
		{"internal", Internal(), Target{Method: "core.job_update"}, true},
	}
	for _, tc := range cases {
		for i := 0; i < 2; i++ {
			if got := engine.Allowed(tc.cred, tc.t); got != tc.want {
				t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
			}
		}
	}
	if !engine.FullAdmin(admin) || engine.FullAdmin(readonly) {
		t.Fatalf("unexpected full admin resolution")
	}
}

func TestRoleSetRejectsCycles(t *testing.T) {
	_, err := NewRoleSet(
		Role{Name: "A", Includes: []string{"B"}},
		Role{Name: "B", Includes: []string{"A"}},
	)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if _, err := NewRoleSet(Role{Name: "A", Includes: []string{"missing"}}); err == nil {
		t.Fatalf("expected unknown include error")
	}
}

func TestPasswordLogin(t *testing.T) {
	dir := newDirectory(t)
	a := NewAuthenticator(dir, NewTokenManager(nil, 0), nil, nil)
	ctx := context.Background()
	cred, _, err := a.Password(ctx, "alice", "secret", "")
	if err != nil || cred.Username != "alice" || cred.Kind != KindPassword {
		t.Fatalf("expected alice credential, got %+v err=%v", cred, err)
	}
	if _, _, err := a.Password(ctx, "alice", "wrong", ""); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected bad credentials, got %v", err)
	}
	if _, _, err := a.Password(ctx, "nobody", "secret", ""); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected bad credentials for unknown user, got %v", err)
	}
	if _, _, err := a.Password(ctx, "bob", "secret", ""); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
}

func TestTwoFactorLogin(t *testing.T) {
	dir := newDirectory(t)
	secret, _, err := NewTOTPSecret("middlewared", "alice")
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	u := dir.users["alice"]
	u.TwoFactorSecret = secret
	dir.users["alice"] = u

	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	a := NewAuthenticator(dir, NewTokenManager(clk, 0), clk, nil)
	_, pending, err := a.Password(context.Background(), "alice", "secret", "")
	if !errors.Is(err, ErrOTPRequired) || pending == nil {
		t.Fatalf("expected pending second factor, got %v", err)
	}
	if _, err := a.CompleteTwoFactor(pending, "000000"); !errors.Is(err, ErrBadCredentials) {
		code, _ := TOTPCode(secret, clk.Now())
		if code != "000000" {
			t.Fatalf("expected bad code rejection, got %v", err)
		}
	}
	code, err := TOTPCode(secret, clk.Now())
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	cred, err := a.CompleteTwoFactor(pending, code)
	if err != nil || !cred.TwoFactor {
		t.Fatalf("expected verified credential, got %+v err=%v", cred, err)
	}
	clk.Advance(10 * time.Minute)
	code, _ = TOTPCode(secret, clk.Now())
	if _, err := a.CompleteTwoFactor(pending, code); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected expired pending login, got %v", err)
	}
}

func TestAPIKeyLogin(t *testing.T) {
	dir := newDirectory(t)
	key, digest, err := NewAPIKey(7)
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	dir.keys[7] = APIKey{ID: 7, Name: "ci", Username: "alice", Digest: digest}
	a := NewAuthenticator(dir, NewTokenManager(nil, 0), nil, nil)
	cred, err := a.APIKey(context.Background(), key)
	if err != nil || cred.Kind != KindAPIKey || cred.APIKeyID != 7 {
		t.Fatalf("expected api key credential, got %+v err=%v", cred, err)
	}
	if _, err := a.APIKey(context.Background(), "7-wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected bad key rejection, got %v", err)
	}
	if _, err := a.APIKey(context.Background(), "garbage"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected malformed key rejection, got %v", err)
	}
}

func TestTokenLifecycle(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tokens := NewTokenManager(clk, time.Hour)
	parent := &Credential{Kind: KindPassword, Username: "alice", Privilege: Privilege{Roles: []string{RoleReadonlyAdmin}}}
	a := NewAuthenticator(nil, tokens, clk, nil)

	single, err := tokens.Create(parent, "s1", TokenOptions{TTL: time.Minute, SingleUse: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cred, err := a.Token(single, "10.0.0.1")
	if err != nil || cred.Kind != KindToken || cred.Origin != parent {
		t.Fatalf("expected token credential, got %+v err=%v", cred, err)
	}
	if _, err := a.Token(single, "10.0.0.1"); err == nil {
		t.Fatalf("expected single-use token to be consumed")
	}

	pinned, _ := tokens.Create(parent, "s1", TokenOptions{TTL: time.Minute, PinIP: "10.0.0.1"})
	if _, err := tokens.Redeem(pinned, "10.0.0.2"); !errors.Is(err, ErrTokenOrigin) {
		t.Fatalf("expected origin mismatch, got %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := tokens.Redeem(pinned, "10.0.0.1"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}

	bound, _ := tokens.Create(parent, "s2", TokenOptions{})
	tokens.DestroySession("s2")
	if _, err := tokens.Redeem(bound, ""); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected token destroyed with its session, got %v", err)
	}
	if _, err := tokens.Create(Unauthenticated, "s3", TokenOptions{}); err == nil {
		t.Fatalf("expected unauthenticated parent to be refused")
	}
}

func TestPeerUID(t *testing.T) {
	a := NewAuthenticator(newDirectory(t), NewTokenManager(nil, 0), nil, nil)
	root := a.PeerUID(context.Background(), 0)
	if root.Kind != KindUnixSocket || !NewEngine(nil).FullAdmin(root) {
		t.Fatalf("expected privileged root credential, got %+v", root)
	}
	alice := a.PeerUID(context.Background(), 1000)
	if alice.Username != "alice" {
		t.Fatalf("expected alice, got %+v", alice)
	}
	if a.PeerUID(context.Background(), 4242).Authenticated() {
		t.Fatalf("expected unknown uid to stay unauthenticated")
	}
}

func TestUnknownUserHashMatchesStoredCost(t *testing.T) {
	stored, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	want, err := bcrypt.Cost([]byte(stored))
	if err != nil {
		t.Fatalf("stored cost: %v", err)
	}
	got, err := bcrypt.Cost(dummyHash())
	if err != nil {
		t.Fatalf("dummy cost: %v", err)
	}
	if got != want {
		t.Fatalf("expected unknown-user hash cost %d, got %d", want, got)
	}
	if checkPassword("", "secret") {
		t.Fatal("expected unknown user to fail")
	}
}
