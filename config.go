package middlewared

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/middlewared/internal/alert"
	"pkt.systems/middlewared/internal/connguard"
	"pkt.systems/middlewared/internal/datastore"
	"pkt.systems/middlewared/internal/hostmetrics"
	"pkt.systems/middlewared/internal/jobs"
	"pkt.systems/middlewared/internal/pathutil"
	"pkt.systems/middlewared/internal/rpc"
	"pkt.systems/middlewared/internal/scheduler"
	"pkt.systems/middlewared/internal/session"
	"pkt.systems/middlewared/internal/sidechannel"
	"pkt.systems/middlewared/internal/wire"
)

const (
	// DefaultListen is the TCP endpoint serving the WebSocket API.
	DefaultListen = "127.0.0.1:6000"
	// DefaultSocketPath is the local Unix socket; peers are authenticated by uid.
	DefaultSocketPath = "/var/run/middleware/middlewared.sock"
	// DefaultDataDir holds the database, artifacts and key material.
	DefaultDataDir = "/var/db/middlewared"
	// DefaultDatabaseName is the SQLite file created under DataDir.
	DefaultDatabaseName = "middlewared.db"
	// DefaultArtifactKeyName is the kryptograf key bundle created under DataDir.
	DefaultArtifactKeyName = "artifacts.pem"
	// DefaultArtifactDirName is the disk artifact root under DataDir.
	DefaultArtifactDirName = "artifacts"
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultMaxFrameBytes bounds a single inbound frame.
	DefaultMaxFrameBytes = wire.DefaultMaxFrameBytes
	// DefaultSessionQueueDepth bounds outbound frames queued per session.
	DefaultSessionQueueDepth = session.DefaultQueueDepth
	// DefaultMaxFailedLogins closes a session after this many failed logins.
	DefaultMaxFailedLogins = rpc.DefaultMaxFailedLogins
	// DefaultPingInterval is the WebSocket keepalive cadence.
	DefaultPingInterval = rpc.DefaultPingInterval
	// DefaultWriteTimeout bounds a single outbound frame write.
	DefaultWriteTimeout = rpc.DefaultWriteTimeout
	// DefaultLoginGuardThreshold blocks a remote host after this many
	// authentication failures inside DefaultLoginGuardWindow.
	DefaultLoginGuardThreshold = connguard.DefaultFailureThreshold
	DefaultLoginGuardWindow    = connguard.DefaultFailureWindow
	DefaultLoginGuardBlock     = connguard.DefaultBlockDuration
	// DefaultHandshakeWait bounds the wait for the connect message.
	DefaultHandshakeWait = rpc.DefaultHandshakeWait
	// DefaultAsyncLimit bounds concurrently running non-blocking handlers.
	DefaultAsyncLimit = scheduler.DefaultAsyncLimit
	// DefaultBlockingSoft bounds concurrently running blocking handlers.
	DefaultBlockingSoft = scheduler.DefaultBlockingSoft
	// DefaultBlockingHard bounds running plus waiting blocking handlers.
	DefaultBlockingHard = scheduler.DefaultBlockingHard
	// DefaultJobRetention bounds finished jobs kept in memory.
	DefaultJobRetention = jobs.DefaultRetention
	// DefaultJobLogMaxBytes bounds captured job output.
	DefaultJobLogMaxBytes = jobs.DefaultLogMaxBytes
	// DefaultJobProgressInterval coalesces progress events.
	DefaultJobProgressInterval = jobs.DefaultProgressInterval
	// DefaultJobAbortGrace is how long an aborted job may keep running.
	DefaultJobAbortGrace = jobs.DefaultAbortGrace
	// DefaultJobHistoryLimit bounds the persisted job history.
	DefaultJobHistoryLimit = datastore.DefaultJobHistoryLimit
	// DefaultAuditLimit bounds the persisted audit log.
	DefaultAuditLimit = datastore.DefaultAuditLimit
	// DefaultUploadMaxBytes bounds a side-channel upload.
	DefaultUploadMaxBytes = sidechannel.DefaultMaxUploadBytes
	// DefaultUploadDataMaxBytes bounds the JSON part of an upload.
	DefaultUploadDataMaxBytes = sidechannel.DefaultMaxDataBytes
	// DefaultTokenMaxTTL caps auth.generate_token lifetimes.
	DefaultTokenMaxTTL = 24 * time.Hour
	// DefaultAlertProcessInterval is the alert source tick.
	DefaultAlertProcessInterval = alert.DefaultProcessInterval
	// DefaultAlertFlushInterval persists the active alert set.
	DefaultAlertFlushInterval = alert.DefaultFlushInterval
	// DefaultAlertSendTimeout bounds one alert service delivery.
	DefaultAlertSendTimeout = alert.DefaultSendTimeout
	// DefaultAlertSourceParallelism bounds concurrently running alert sources.
	DefaultAlertSourceParallelism = 4
	// DefaultHostMetricsInterval schedules the host resource alert source.
	DefaultHostMetricsInterval = 5 * time.Minute
	// DefaultPoolCheckInterval schedules the pool status alert source.
	DefaultPoolCheckInterval = 5 * time.Minute
	// DefaultArtifactJanitorInterval sweeps expired disk artifacts.
	DefaultArtifactJanitorInterval = time.Hour
	// DefaultSMTPPort is used when a mail relay is configured without a port.
	DefaultSMTPPort = 25
	// DefaultSMTPTLS selects opportunistic STARTTLS.
	DefaultSMTPTLS = "opportunistic"
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a middlewared.Server.
type Config struct {
	// Listen is the TCP bind address; empty disables TCP.
	Listen string
	// SocketPath is the Unix socket path; empty disables the socket.
	SocketPath string
	// DataDir holds the database, key material and disk artifacts.
	DataDir string
	// DatabasePath overrides DataDir/middlewared.db.
	DatabasePath string
	// Hostname names this controller in alerts; empty uses os.Hostname.
	Hostname string
	// Node tags alerts raised on this node.
	Node string

	// ArtifactStore is the job log and upload store DSN: mem://,
	// disk:///path, s3://host/bucket/prefix, aws://bucket/prefix or
	// azure://account/container/prefix. Empty uses disk under DataDir.
	ArtifactStore string
	// ArtifactRetention removes disk artifacts older than this; zero keeps them.
	ArtifactRetention time.Duration
	// ArtifactJanitorInterval controls the disk retention sweep.
	ArtifactJanitorInterval time.Duration
	// ArtifactEncryption wraps stored artifacts with kryptograf envelopes.
	ArtifactEncryption bool
	// ArtifactKeyPath is the kryptograf key bundle; created when missing.
	ArtifactKeyPath string
	// ArtifactSnappy compresses artifacts before encryption.
	ArtifactSnappy bool
	// SkipArtifactProbe skips the write/read probe at boot.
	SkipArtifactProbe bool

	// S3AccessKeyID and S3SecretAccessKey are static s3:// credentials.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server-side encryption (AES256 or aws:kms).
	S3SSE      string
	S3KMSKeyID string
	// AWSRegion is required for aws:// stores.
	AWSRegion string
	// AzureAccount, AzureAccountKey, AzureEndpoint and AzureSASToken
	// configure azure:// stores.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// MaxFrameBytes bounds a single inbound frame.
	MaxFrameBytes int64
	// SessionQueueDepth bounds outbound frames per session.
	SessionQueueDepth int
	// MaxFailedLogins closes a session after this many failures.
	MaxFailedLogins int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	HandshakeWait   time.Duration
	// LoginGuardThreshold blocks TCP connections from a host after this
	// many authentication failures within LoginGuardWindow; negative
	// disables the guard.
	LoginGuardThreshold int
	LoginGuardWindow    time.Duration
	LoginGuardBlock     time.Duration

	// AsyncLimit, BlockingSoft and BlockingHard size the executors.
	AsyncLimit   int64
	BlockingSoft int64
	BlockingHard int64

	JobRetention        int
	JobLogMaxBytes      int64
	JobProgressInterval time.Duration
	JobAbortGrace       time.Duration
	JobHistoryLimit     int
	AuditLimit          int

	UploadMaxBytes     int64
	UploadDataMaxBytes int64

	// TokenMaxTTL caps auth.generate_token lifetimes.
	TokenMaxTTL time.Duration

	AlertProcessInterval   time.Duration
	AlertFlushInterval     time.Duration
	AlertSendTimeout       time.Duration
	AlertSourceParallelism int

	// HostMetricsInterval schedules host sampling; negative disables it.
	HostMetricsInterval time.Duration
	// HostMetricsPaths are checked for free space.
	HostMetricsPaths []string
	HostThresholds   hostmetrics.Thresholds
	// PoolCheckInterval schedules the pool status source.
	PoolCheckInterval time.Duration
	// PoolScrubStep paces each of the twenty pool.scrub progress steps.
	PoolScrubStep time.Duration

	// SMTPHost enables the Mail alert service.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// SMTPTLS is none, opportunistic or mandatory.
	SMTPTLS string

	// MetricsListen is the Prometheus endpoint; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics exports Go runtime metrics.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https://).
	OTLPEndpoint string
	// DisableHTTPTracing disables otelhttp spans for the API and side channel.
	DisableHTTPTracing bool

	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration
}

// ArtifactEncryptionEnabled reports whether stored artifacts are encrypted.
func (c Config) ArtifactEncryptionEnabled() bool {
	return c.ArtifactEncryption
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	c.SocketPath = strings.TrimSpace(c.SocketPath)
	if c.Listen == "" && c.SocketPath == "" {
		return fmt.Errorf("config: listen or socket path is required")
	}
	if c.SocketPath != "" {
		socket, err := pathutil.Resolve(c.SocketPath)
		if err != nil {
			return fmt.Errorf("config: socket path: %w", err)
		}
		c.SocketPath = socket
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	dataDir, err := pathutil.Resolve(c.DataDir)
	if err != nil {
		return fmt.Errorf("config: data dir: %w", err)
	}
	c.DataDir = dataDir
	if c.DatabasePath, err = pathutil.Under(c.DatabasePath, c.DataDir, DefaultDatabaseName); err != nil {
		return fmt.Errorf("config: database path: %w", err)
	}
	if c.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			c.Hostname = host
		}
	}
	if c.Node == "" {
		c.Node = alert.DefaultNode
	}
	if strings.TrimSpace(c.ArtifactStore) == "" {
		c.ArtifactStore = "disk://" + filepath.ToSlash(filepath.Join(c.DataDir, DefaultArtifactDirName))
	}
	u, err := url.Parse(c.ArtifactStore)
	if err != nil {
		return fmt.Errorf("config: artifact store: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "disk", "s3", "aws", "azure":
	default:
		return fmt.Errorf("config: artifact store scheme %q not supported", u.Scheme)
	}
	if c.ArtifactRetention < 0 {
		return fmt.Errorf("config: artifact retention must be >= 0")
	}
	if c.ArtifactJanitorInterval <= 0 {
		c.ArtifactJanitorInterval = DefaultArtifactJanitorInterval
	}
	if c.ArtifactEncryption {
		if c.ArtifactKeyPath, err = pathutil.Under(c.ArtifactKeyPath, c.DataDir, DefaultArtifactKeyName); err != nil {
			return fmt.Errorf("config: artifact key path: %w", err)
		}
	} else {
		c.ArtifactSnappy = false
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.SessionQueueDepth <= 0 {
		c.SessionQueueDepth = DefaultSessionQueueDepth
	}
	if c.MaxFailedLogins <= 0 {
		c.MaxFailedLogins = DefaultMaxFailedLogins
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeWait <= 0 {
		c.HandshakeWait = DefaultHandshakeWait
	}
	if c.LoginGuardThreshold == 0 {
		c.LoginGuardThreshold = DefaultLoginGuardThreshold
	}
	if c.LoginGuardWindow <= 0 {
		c.LoginGuardWindow = DefaultLoginGuardWindow
	}
	if c.LoginGuardBlock <= 0 {
		c.LoginGuardBlock = DefaultLoginGuardBlock
	}
	if c.AsyncLimit <= 0 {
		c.AsyncLimit = DefaultAsyncLimit
	}
	if c.BlockingSoft <= 0 {
		c.BlockingSoft = DefaultBlockingSoft
	}
	if c.BlockingHard <= 0 {
		c.BlockingHard = DefaultBlockingHard
	}
	if c.BlockingHard < c.BlockingSoft {
		return fmt.Errorf("config: blocking hard limit (%d) must be >= soft limit (%d)", c.BlockingHard, c.BlockingSoft)
	}
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
	if c.JobLogMaxBytes <= 0 {
		c.JobLogMaxBytes = DefaultJobLogMaxBytes
	}
	if c.JobProgressInterval <= 0 {
		c.JobProgressInterval = DefaultJobProgressInterval
	}
	if c.JobAbortGrace <= 0 {
		c.JobAbortGrace = DefaultJobAbortGrace
	}
	if c.JobHistoryLimit <= 0 {
		c.JobHistoryLimit = DefaultJobHistoryLimit
	}
	if c.AuditLimit <= 0 {
		c.AuditLimit = DefaultAuditLimit
	}
	if c.UploadMaxBytes <= 0 {
		c.UploadMaxBytes = DefaultUploadMaxBytes
	}
	if c.UploadDataMaxBytes <= 0 {
		c.UploadDataMaxBytes = DefaultUploadDataMaxBytes
	}
	if c.UploadDataMaxBytes > c.UploadMaxBytes {
		return fmt.Errorf("config: upload data limit must not exceed the upload limit")
	}
	if c.TokenMaxTTL <= 0 {
		c.TokenMaxTTL = DefaultTokenMaxTTL
	}
	if c.AlertProcessInterval <= 0 {
		c.AlertProcessInterval = DefaultAlertProcessInterval
	}
	if c.AlertFlushInterval <= 0 {
		c.AlertFlushInterval = DefaultAlertFlushInterval
	}
	if c.AlertSendTimeout <= 0 {
		c.AlertSendTimeout = DefaultAlertSendTimeout
	}
	if c.AlertSourceParallelism <= 0 {
		c.AlertSourceParallelism = DefaultAlertSourceParallelism
	}
	if c.HostMetricsInterval == 0 {
		c.HostMetricsInterval = DefaultHostMetricsInterval
	}
	if len(c.HostMetricsPaths) == 0 {
		c.HostMetricsPaths = []string{c.DataDir}
	}
	if c.PoolCheckInterval <= 0 {
		c.PoolCheckInterval = DefaultPoolCheckInterval
	}
	if c.SMTPHost != "" {
		if c.SMTPPort <= 0 {
			c.SMTPPort = DefaultSMTPPort
		}
		if c.SMTPTLS == "" {
			c.SMTPTLS = DefaultSMTPTLS
		}
		switch c.SMTPTLS {
		case "none", "opportunistic", "mandatory":
		default:
			return fmt.Errorf("config: smtp tls must be none, opportunistic or mandatory")
		}
		if c.SMTPFrom == "" {
			return fmt.Errorf("config: smtp from address is required with an smtp host")
		}
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.middlewared, or MIDDLEWARED_CONFIG_DIR).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("MIDDLEWARED_CONFIG_DIR")); override != "" {
		return pathutil.Resolve(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".middlewared"), nil
}

// DefaultConfigPath returns the config file read when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
