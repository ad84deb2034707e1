package middlewared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/alert"
	"pkt.systems/middlewared/internal/artifacts"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/connguard"
	"pkt.systems/middlewared/internal/datastore"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/hooks"
	"pkt.systems/middlewared/internal/hostmetrics"
	"pkt.systems/middlewared/internal/jobs"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/rpc"
	"pkt.systems/middlewared/internal/scheduler"
	"pkt.systems/middlewared/internal/services"
	"pkt.systems/middlewared/internal/session"
	"pkt.systems/middlewared/internal/sidechannel"
	"pkt.systems/middlewared/internal/svcfields"
)

// Server owns every core component and runs the boot and shutdown
// sequences.
type Server struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	obs    *observability

	store      *datastore.Store
	artifacts  *artifacts.Store
	sched      *scheduler.Scheduler
	bus        *events.Bus
	sessions   *session.Manager
	jobs       *jobs.Manager
	hooks      *hooks.Registry
	alerts     *alert.Engine
	host       *hostmetrics.Checker
	registry   *registry.Registry
	authn      *auth.Authenticator
	dispatcher *rpc.Dispatcher
	services   *services.Services
	rpcServer  *rpc.Server
	guard      *connguard.Guard
	handler    http.Handler

	tcpSrv  *http.Server
	unixSrv *http.Server
	tcpLn   net.Listener
	unixLn  net.Listener

	mu           sync.Mutex
	state        string
	shutdown     bool
	lastServeErr error
	bgCancel     context.CancelFunc
	bgDone       sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Clock   clock.Clock
	Sampler hostmetrics.Sampler
	Mailer  alert.Mailer
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithHostSampler replaces the gopsutil host sampler (useful for tests).
func WithHostSampler(s hostmetrics.Sampler) Option {
	return func(o *options) {
		o.Sampler = s
	}
}

// WithMailer replaces the SMTP mailer used by the Mail alert service.
func WithMailer(m alert.Mailer) Option {
	return func(o *options) {
		o.Mailer = m
	}
}

// NewServer validates cfg, starts the executors and registers every
// service. Nothing is persisted or served until Start.
//
//	cfg := middlewared.Config{Listen: "127.0.0.1:6000", DataDir: "/var/db/middlewared"}
//	srv, err := middlewared.NewServer(cfg, middlewared.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Server{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "server"),
		clock:   clk,
		state:   services.StateBooting,
		readyCh: make(chan struct{}),
	}
	ctx := context.Background()
	var err error
	s.obs, err = setupObservability(ctx, observabilityConfig{
		OTLPEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
		MetricsListen:  strings.TrimSpace(cfg.MetricsListen),
		PprofListen:    strings.TrimSpace(cfg.PprofListen),
		RuntimeMetrics: cfg.EnableProfilingMetrics,
		Hostname:       cfg.Hostname,
		Node:           cfg.Node,
	}, svcfields.WithSubsystem(logger, "observability"))
	if err != nil {
		return nil, err
	}
	if err := s.build(ctx, logger, o); err != nil {
		_ = s.release(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, logger pslog.Logger, o options) error {
	cfg := s.cfg
	var err error
	if s.store, err = datastore.Open(ctx, cfg.DatabasePath, logger); err != nil {
		return err
	}
	if s.artifacts, err = openArtifacts(ctx, cfg, logger); err != nil {
		return err
	}

	s.sched = scheduler.New(scheduler.Config{
		AsyncLimit:   cfg.AsyncLimit,
		BlockingSoft: cfg.BlockingSoft,
		BlockingHard: cfg.BlockingHard,
		Logger:       logger,
	})
	s.bus = events.NewBus(s.sched.Loop(), logger)
	s.sessions = session.NewManager(cfg.SessionQueueDepth, logger)
	s.hooks = hooks.New(s.sched, logger)

	mailer := o.Mailer
	if mailer == nil && cfg.SMTPHost != "" {
		mailer = alert.NewSMTPMailer(alert.MailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			TLS:      cfg.SMTPTLS,
			Timeout:  cfg.AlertSendTimeout,
		})
	}
	s.alerts = alert.NewEngine(alert.Config{
		Node:              cfg.Node,
		Hostname:          cfg.Hostname,
		Clock:             s.clock,
		Logger:            logger,
		Publisher:         s.bus,
		Store:             s.store,
		Runner:            s.sched,
		Mailer:            mailer,
		Ready:             s.ready,
		ProcessInterval:   cfg.AlertProcessInterval,
		FlushInterval:     cfg.AlertFlushInterval,
		SendTimeout:       cfg.AlertSendTimeout,
		SourceParallelism: cfg.AlertSourceParallelism,
	})
	if err := s.bus.Register(events.Info{Name: alert.Collection, Description: "Active alerts."}); err != nil {
		return err
	}
	s.bus.RegisterSnapshot(alert.Collection, s.alerts.Snapshot)
	s.hooks.SetReporter(s.alerts)

	s.jobs = jobs.NewManager(jobs.Config{
		Retention:        cfg.JobRetention,
		LogMaxBytes:      cfg.JobLogMaxBytes,
		ProgressInterval: cfg.JobProgressInterval,
		AbortGrace:       cfg.JobAbortGrace,
		Clock:            s.clock,
		Logger:           logger,
		Publisher:        s.bus,
		Runner:           s.sched,
		Reporter:         s.alerts,
		Artifacts:        s.artifacts,
		History:          s.store.JobHistory(cfg.JobHistoryLimit),
	})
	if err := s.bus.Register(events.Info{Name: jobs.Collection, Description: "Job state changes."}); err != nil {
		return err
	}
	s.bus.RegisterSnapshot(jobs.Collection, func(context.Context, *events.Subscription) ([]events.Event, error) {
		return s.jobs.Snapshot(), nil
	})

	if cfg.HostMetricsInterval > 0 {
		sampler := o.Sampler
		if sampler == nil {
			sampler = hostmetrics.NewSystemSampler(cfg.HostMetricsPaths...)
		}
		s.host = hostmetrics.NewChecker(sampler, cfg.HostThresholds)
		hostmetrics.RegisterMetrics(s.host, logger)
		for _, c := range hostmetrics.Classes() {
			if err := s.alerts.RegisterClass(c); err != nil {
				return err
			}
		}
		if err := s.alerts.RegisterSource(s.host.Source(cfg.HostMetricsInterval)); err != nil {
			return err
		}
	}

	s.registry = registry.New()
	privileges := auth.NewEngine(nil)
	s.authn = auth.NewAuthenticator(services.NewDirectory(s.store), auth.NewTokenManager(s.clock, cfg.TokenMaxTTL), s.clock, logger)
	s.dispatcher = rpc.NewDispatcher(rpc.DispatcherConfig{
		Registry:   s.registry,
		Privileges: privileges,
		Jobs:       s.jobs,
		Scheduler:  s.sched,
		Reporter:   s.alerts,
		Audit:      s.store.Audit(cfg.AuditLimit),
		Ready:      s.ready,
		Clock:      s.clock,
		Logger:     logger,
	})
	s.services, err = services.New(services.Config{
		Registry:          s.registry,
		Privileges:        privileges,
		Authenticator:     s.authn,
		Sessions:          s.sessions,
		Jobs:              s.jobs,
		Bus:               s.bus,
		Hooks:             s.hooks,
		Alerts:            s.alerts,
		Store:             s.store,
		HostMetrics:       s.host,
		State:             s.State,
		PoolCheckInterval: cfg.PoolCheckInterval,
		ScrubStep:         cfg.PoolScrubStep,
		Clock:             s.clock,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	if err := s.services.Register(); err != nil {
		return err
	}

	s.hooks.OnInit("datastore.migrate", s.store.Migrate)
	s.hooks.OnInit("jobs.resume_ids", s.resumeJobIDs)
	s.hooks.OnInit("alert.load", s.alerts.Load)
	s.hooks.OnInit("services.load", s.services.Load)
	if !cfg.SkipArtifactProbe {
		s.hooks.OnInit("artifacts.verify", s.artifacts.Verify)
	}
	s.hooks.OnTeardown("alert.flush", s.alerts.Flush)
	s.hooks.OnTeardown("events.flush", s.bus.Flush)

	s.guard = connguard.New(connguard.Config{
		FailureThreshold: cfg.LoginGuardThreshold,
		FailureWindow:    cfg.LoginGuardWindow,
		BlockDuration:    cfg.LoginGuardBlock,
	}, logger)
	s.rpcServer = rpc.NewServer(rpc.ServerConfig{
		Dispatcher:      s.dispatcher,
		Sessions:        s.sessions,
		Bus:             s.bus,
		Authenticator:   s.authn,
		Visibility:      map[string]rpc.Visibility{jobs.Collection: services.JobVisibility},
		MaxFrameBytes:   cfg.MaxFrameBytes,
		WriteTimeout:    cfg.WriteTimeout,
		PingInterval:    cfg.PingInterval,
		HandshakeWait:   cfg.HandshakeWait,
		MaxFailedLogins: cfg.MaxFailedLogins,
		Guard:           s.guard,
		Logger:          logger,
	})
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultPath, s.rpcServer)
	sidechannel.New(sidechannel.Config{
		Dispatcher:     s.dispatcher,
		Authenticator:  s.authn,
		Artifacts:      s.artifacts,
		MaxUploadBytes: cfg.UploadMaxBytes,
		MaxDataBytes:   cfg.UploadDataMaxBytes,
		Tracing:        !cfg.DisableHTTPTracing,
		Logger:         logger,
	}).Register(mux)
	s.handler = mux
	return nil
}

// resumeJobIDs continues job numbering after the persisted history.
func (s *Server) resumeJobIDs(ctx context.Context) error {
	rows, err := s.store.Rows(ctx, datastore.JobHistoryTable, filter.Expr{})
	if err != nil {
		return err
	}
	var last int64
	for _, row := range rows {
		if id, ok := row["job_id"].(int64); ok && id > last {
			last = id
		}
	}
	if last > 0 {
		s.jobs.SetNextID(last + 1)
	}
	return nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint and the
// side channel, for embedding into another server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Dispatcher exposes the method dispatcher for in-process callers.
func (s *Server) Dispatcher() *rpc.Dispatcher {
	return s.dispatcher
}

// Alerts exposes the alert engine so plugins can register classes and
// sources before Start.
func (s *Server) Alerts() *alert.Engine {
	return s.alerts
}

// Hooks exposes the hook registry so plugins can register handlers,
// initializers and teardown functions before Start.
func (s *Server) Hooks() *hooks.Registry {
	return s.hooks
}

// Registry exposes the method registry so plugins can add methods before
// Start.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// State returns BOOTING, READY or SHUTTING_DOWN.
func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) ready() bool {
	return s.State() == services.StateReady
}

func (s *Server) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start runs migrations and initializers, opens the listeners, announces
// system.ready and blocks until the server stops.
func (s *Server) Start() error {
	ctx := context.Background()
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	bgCtx, cancel := context.WithCancel(ctx)
	s.bgCancel = cancel
	s.mu.Unlock()

	s.logger.Info("boot.init", "database", s.cfg.DatabasePath, "artifacts", s.cfg.ArtifactStore)
	if err := s.hooks.RunInit(ctx); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	if err := s.listen(); err != nil {
		return err
	}
	s.bgDone.Add(1)
	go func() {
		defer s.bgDone.Done()
		s.alerts.Run(bgCtx)
	}()

	errCh := make(chan error, 2)
	serving := 0
	if s.tcpLn != nil {
		serving++
		go func() { errCh <- s.tcpSrv.Serve(s.tcpLn) }()
	}
	if s.unixLn != nil {
		serving++
		go func() { errCh <- s.unixSrv.Serve(s.unixLn) }()
	}

	s.mu.Lock()
	if s.state == services.StateBooting {
		s.state = services.StateReady
	}
	s.mu.Unlock()
	s.services.Ready()
	if err := s.alerts.OnReady(ctx); err != nil {
		s.logger.Warn("boot.alerts.deferred_send_failed", "error", err)
	}
	s.signalReady()
	s.logger.Info("system.ready", "tcp", s.cfg.Listen, "socket", s.cfg.SocketPath)

	var serveErr error
	for range serving {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
			s.recordServeErr(err)
			go s.Shutdown(context.Background()) //nolint:errcheck
		}
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) listen() error {
	if s.cfg.Listen != "" {
		ln, err := net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
		}
		s.tcpLn = s.guard.WrapListener(ln)
		s.tcpSrv = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
		s.logger.Info("listening", "network", "tcp", "address", ln.Addr().String())
	}
	if s.cfg.SocketPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
			s.closeListeners()
			return fmt.Errorf("create socket dir: %w", err)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.closeListeners()
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
		ln, err := net.Listen("unix", s.cfg.SocketPath)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen (unix %s): %w", s.cfg.SocketPath, err)
		}
		if err := os.Chmod(s.cfg.SocketPath, 0o666); err != nil {
			_ = ln.Close()
			s.closeListeners()
			return fmt.Errorf("chmod unix socket: %w", err)
		}
		s.unixLn = ln
		s.unixSrv = &http.Server{Handler: s.handler, ConnContext: rpc.ConnContext, ReadHeaderTimeout: 10 * time.Second}
		s.logger.Info("listening", "network", "unix", "address", s.cfg.SocketPath)
	}
	return nil
}

func (s *Server) closeListeners() {
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
	if s.unixLn != nil {
		_ = s.unixLn.Close()
	}
}

// Shutdown stops accepting connections, aborts running jobs, runs teardown
// handlers in reverse order, closes sessions and releases storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	wasBooted := s.bgCancel != nil
	s.state = services.StateShuttingDown
	s.mu.Unlock()
	s.logger.Info("system.shutdown.begin")
	if wasBooted {
		s.services.ShuttingDown()
	}

	var errs []error
	for _, srv := range []*http.Server{s.tcpSrv, s.unixSrv} {
		if srv == nil {
			continue
		}
		// Hijacked WebSocket connections are closed by rpcServer.Shutdown.
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	// Sessions stay open until jobs are aborted and teardown ran so waiters
	// and job subscribers see the final records.
	if err := s.jobs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobs shutdown: %w", err))
	}
	if err := s.hooks.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hooks wait: %w", err))
	}
	if wasBooted {
		if err := s.hooks.RunTeardown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("teardown: %w", err))
		}
	}
	if err := s.rpcServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rpc shutdown: %w", err))
	}
	s.mu.Lock()
	cancel := s.bgCancel
	s.bgCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.bgDone.Wait()
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.unixLn != nil {
		if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.logger.Info("system.shutdown.complete")
	return errors.Join(errs...)
}

// release closes the executors, storage and observability outputs. It tolerates a
// partially built server.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.sched != nil {
		if err := s.sched.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler close: %w", err))
		}
	}
	if s.artifacts != nil {
		if err := s.artifacts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("artifacts close: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("datastore close: %w", err))
		}
	}
	if s.obs != nil {
		obsCtx := ctx
		if obsCtx.Err() != nil {
			var cancel context.CancelFunc
			obsCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.obs.Shutdown(obsCtx); err != nil {
			errs = append(errs, err)
		}
		s.obs = nil
	}
	return errors.Join(errs...)
}

// Close gracefully shuts the server down within the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until system.ready was announced or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound TCP address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.tcpLn; l != nil {
		return l.Addr()
	}
	return nil
}

// SocketPath returns the Unix socket path, empty when disabled.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent fatal serve error.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. It returns the running server alongside a stop function that
// gracefully shuts it down.
//
//	cfg := middlewared.Config{SocketPath: "/tmp/middlewared.sock", DataDir: dir}
//	srv, stop, err := middlewared.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err == nil {
			err = errors.New("middlewared: server stopped before ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
