// Package services registers the built-in RPC services: core, auth,
// system, the account namespaces, pools and the alert services.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/alert"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/crud"
	"pkt.systems/middlewared/internal/datastore"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/hooks"
	"pkt.systems/middlewared/internal/hostmetrics"
	"pkt.systems/middlewared/internal/jobs"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/session"
	"pkt.systems/middlewared/internal/svcfields"
)

// Lifecycle states reported by system.state.
const (
	StateBooting      = "BOOTING"
	StateReady        = "READY"
	StateShuttingDown = "SHUTTING_DOWN"
)

// Config wires the built-in services to the core components.
type Config struct {
	Registry      *registry.Registry
	Privileges    *auth.Engine
	Authenticator *auth.Authenticator
	Sessions      *session.Manager
	Jobs          *jobs.Manager
	Bus           *events.Bus
	Hooks         *hooks.Registry
	Alerts        *alert.Engine
	Store         datastore.Datastore
	// HostMetrics adds the latest resource sample to system.info.
	HostMetrics *hostmetrics.Checker
	// State reports the lifecycle state; nil means READY.
	State func() string
	// PoolCheckInterval schedules the pool status alert source.
	PoolCheckInterval time.Duration
	// ScrubStep paces pool.scrub progress; zero runs it without delay.
	ScrubStep time.Duration
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Services holds the built-in service state.
type Services struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	started time.Time

	users         *crud.Service
	groups        *crud.Service
	apiKeys       *crud.Service
	pools         *crud.Service
	alertServices *crud.Service
}

// New builds the CRUD namespaces, registers their events and the alert
// classes and sources the services own. Methods are added by Register.
func New(cfg Config) (*Services, error) {
	if cfg.Registry == nil || cfg.Privileges == nil || cfg.Jobs == nil {
		return nil, errors.New("services: registry, privileges and jobs are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("services: datastore is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Services{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  svcfields.WithSubsystem(logger, "services"),
		started: cfg.Clock.Now(),
	}
	if err := s.registerSystemEvents(); err != nil {
		return nil, err
	}
	var err error
	if s.users, err = s.newUserService(); err != nil {
		return nil, err
	}
	if s.groups, err = s.newGroupService(); err != nil {
		return nil, err
	}
	if s.apiKeys, err = s.newAPIKeyService(); err != nil {
		return nil, err
	}
	if s.pools, err = s.newPoolService(); err != nil {
		return nil, err
	}
	if cfg.Alerts != nil {
		if s.alertServices, err = s.newAlertServiceService(); err != nil {
			return nil, err
		}
		if err := s.registerAlertClasses(); err != nil {
			return nil, err
		}
	}
	if cfg.Hooks != nil {
		cfg.Hooks.Register(s.users.HookDeleted(), "group.drop_member", s.dropGroupMember, hooks.Options{})
		cfg.Hooks.Register(s.users.HookDeleted(), "api_key.revoke_user", s.revokeUserKeys, hooks.Options{})
	}
	return s, nil
}

// Register adds every built-in method to the registry.
func (s *Services) Register() error {
	sets := [][]*registry.Method{
		s.coreMethods(),
		s.authMethods(),
		s.systemMethods(),
		s.userMethods(),
		s.groups.Methods(),
		s.apiKeyMethods(),
		s.poolMethods(),
	}
	if s.cfg.Alerts != nil {
		sets = append(sets, s.alertMethods(), s.alertServiceMethods(), s.alertClassesMethods())
	}
	for _, methods := range sets {
		if err := s.cfg.Registry.Register(methods...); err != nil {
			return err
		}
	}
	return nil
}

// Load restores persisted service state at boot: alert class overrides.
func (s *Services) Load(ctx context.Context) error {
	if s.cfg.Alerts == nil {
		return nil
	}
	settings, err := s.loadClassSettings(ctx)
	if err != nil {
		return err
	}
	s.cfg.Alerts.SetClassSettings(settings)
	return nil
}

func (s *Services) state() string {
	if s.cfg.State == nil {
		return StateReady
	}
	return s.cfg.State()
}

func (s *Services) fullAdmin(cred *auth.Credential) bool {
	return s.cfg.Privileges.FullAdmin(cred)
}

// replace swaps the method named m.Name in methods.
func replace(methods []*registry.Method, m *registry.Method) []*registry.Method {
	for i, cur := range methods {
		if cur.Name == m.Name {
			methods[i] = m
			return methods
		}
	}
	panic(fmt.Sprintf("services: no method %s to replace", m.Name))
}
