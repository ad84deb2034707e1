package middlewared

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/client"
	"pkt.systems/middlewared/internal/auth"
)

// Credentials of the administrator NewTestServer creates by default.
const (
	TestAdminUsername = "admin"
	TestAdminPassword = "test-admin-password"
)

// TestServer wraps a running middlewared.Server with convenient handles for
// tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	// Client is logged in as the test administrator unless disabled.
	Client *client.Client
	Config Config

	admin   bool
	clients []*client.Client
	mu      sync.Mutex
	stop    func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(context.Background(), writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "testserver")
}

// Stop closes the clients and shuts down the server.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	ts.mu.Lock()
	clients := ts.clients
	ts.clients = nil
	ts.mu.Unlock()
	for _, cli := range clients {
		_ = cli.Close()
	}
	return ts.stop(ctx)
}

// URL returns the endpoint clients should dial.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// SocketURL returns the unix:// endpoint, empty when the socket is disabled.
func (ts *TestServer) SocketURL() string {
	if ts == nil || ts.Config.SocketPath == "" {
		return ""
	}
	return "unix://" + ts.Config.SocketPath
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	if ts.Listener != nil {
		return ts.Listener
	}
	if ts.Server != nil {
		return ts.Server.ListenerAddr()
	}
	return nil
}

// NewClient dials an unauthenticated session. The client is closed by Stop.
func (ts *TestServer) NewClient(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	cli, err := client.New(ctx, ts.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	ts.clients = append(ts.clients, cli)
	ts.mu.Unlock()
	return cli, nil
}

// NewAdminClient dials a session logged in as the test administrator.
func (ts *TestServer) NewAdminClient(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	if !ts.admin {
		return nil, fmt.Errorf("test server was started without an administrator")
	}
	cli, err := ts.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if err := cli.Login(ctx, TestAdminUsername, TestAdminPassword); err != nil {
		return nil, err
	}
	return cli, nil
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	logger        pslog.Logger
	serverOpts    []Option
	clientOpts    []client.Option
	disableClient bool
	disableAdmin  bool
	startTimeout  time.Duration
	testTB        testing.TB
	testLogLevel  pslog.Level
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration after defaults are applied.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket also serves the Unix socket at path.
func WithTestUnixSocket(path string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.SocketPath = path
	})
}

// WithTestArtifactStore selects the artifact store DSN.
func WithTestArtifactStore(dsn string) TestServerOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ArtifactStore = dsn
	})
}

// WithTestLogger sets the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestServerOptions passes options to NewServer, e.g. a fake clock.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestClientOptions applies options to the automatically created client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient skips creating the logged in client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithoutTestAdmin skips creating the administrator account. It implies
// WithoutTestClient.
func WithoutTestAdmin() TestServerOption {
	return func(o *testServerOptions) {
		o.disableAdmin = true
		o.disableClient = true
	}
}

// WithTestStartTimeout bounds the boot.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer boots a server on an ephemeral TCP port with an in-memory
// artifact store, creates an administrator and logs a client in.
func NewTestServer(ctx context.Context, dataDir string, opts ...TestServerOption) (*TestServer, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := testServerOptions{
		cfg: Config{
			Listen:              "127.0.0.1:0",
			ArtifactStore:       "mem://",
			HostMetricsInterval: -1,
			ShutdownTimeout:     10 * time.Second,
		},
		startTimeout: 10 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("test server: data dir required")
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	startCtx := ctx
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, options.startTimeout)
		defer cancel()
	}
	serverOpts := append([]Option{WithLogger(logger)}, options.serverOpts...)
	// The server outlives startCtx; startCtx only bounds the wait for ready.
	ctxServer, cancelServer := context.WithCancel(context.Background())
	abortStart := context.AfterFunc(startCtx, cancelServer)
	srv, serverStop, err := StartServer(ctxServer, cfg, serverOpts...)
	if !abortStart() && err == nil {
		_ = serverStop(context.Background())
		err = startCtx.Err()
	}
	if err != nil {
		cancelServer()
		return nil, fmt.Errorf("test server: %w", err)
	}
	stop := func(ctx context.Context) error {
		defer cancelServer()
		return serverStop(ctx)
	}
	ts := &TestServer{
		Server:   srv,
		Listener: srv.ListenerAddr(),
		Config:   srv.cfg,
		stop:     stop,
	}
	switch {
	case ts.Listener != nil:
		ts.BaseURL = "ws://" + ts.Listener.String()
	case srv.SocketPath() != "":
		ts.BaseURL = "unix://" + srv.SocketPath()
	default:
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: no listener")
	}

	if !options.disableAdmin {
		if _, err := srv.Dispatcher().Call(ctx, "user.create", map[string]any{
			"username": TestAdminUsername,
			"password": TestAdminPassword,
			"roles":    []any{auth.RoleFullAdmin},
		}); err != nil {
			_ = stop(context.Background())
			return nil, fmt.Errorf("test server: create admin: %w", err)
		}
		ts.admin = true
	}
	if !options.disableClient {
		cli, err := ts.NewAdminClient(ctx, options.clientOpts...)
		if err != nil {
			_ = ts.Stop(context.Background())
			return nil, fmt.Errorf("test server: client: %w", err)
		}
		ts.Client = cli
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and
// registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Fatalf("stop test server: %v", err)
		}
	})
	return ts
}

// TestSocketPath returns a socket path short enough for sun_path under dir.
func TestSocketPath(dir string) string {
	path := filepath.Join(dir, "mw.sock")
	if len(path) < 100 {
		return path
	}
	return filepath.Join("/tmp", fmt.Sprintf("mw-%d.sock", time.Now().UnixNano()))
}
