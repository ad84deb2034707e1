package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/middlewared"
	"pkt.systems/middlewared/internal/loggingutil"
	"pkt.systems/middlewared/internal/svcfields"
)

func submain(ctx context.Context) int {
	root := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("MIDDLEWARED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "middlewared")
	levels := loggingutil.NewSwitch(root, pslog.InfoLevel)
	cmd := newRootCommand(levels)
	ctx = withSignalCancel(ctx)
	if executed, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if executed == cmd {
				svcfields.WithSubsystem(levels.Logger(), "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func parseBytes(name string) (int64, error) {
	raw := strings.TrimSpace(viper.GetString(name))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return int64(size), nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := middlewared.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(levels *loggingutil.Switch) *cobra.Command {
	var cfg middlewared.Config
	baseLogger := levels.Logger()

	cmd := &cobra.Command{
		Use:           "middlewared",
		Short:         "middlewared is the storage appliance management daemon: WebSocket API, jobs, events and alerts",
		SilenceErrors: true,
		Example: `
  # Local development: TCP only, state under ./data, in-memory artifacts
  middlewared --socket "" --data-dir ./data --store mem://

  # Job logs and uploads on MinIO (append ?insecure=1 for plain HTTP)
  MIDDLEWARED_STORE=s3://localhost:9000/middlewared/artifacts?insecure=1 \
    MIDDLEWARED_S3_ACCESS_KEY_ID=minioadmin MIDDLEWARED_S3_SECRET_ACCESS_KEY=minioadmin middlewared

  # Encrypted disk artifacts with a one week retention
  middlewared --store disk:///var/db/middlewared/artifacts --artifact-retention 168h --artifact-encryption

  # Alert mail through a relay
  middlewared --smtp-host mail.example.com --smtp-from nas@example.com
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			cliLogger := svcfields.WithSubsystem(baseLogger, "cli.root")
			svcfields.WithSubsystem(baseLogger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to middlewared",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(logLevelSetting(viper.GetString("log-level"))); ok {
				levels.SetLevel(level)
			}
			if configFile != "" {
				watcher, err := watchLogLevel(ctx, configFile, levels, svcfields.WithSubsystem(baseLogger, "cli.config.watch"))
				if err != nil {
					cliLogger.Warn("config watch disabled", "path", configFile, "error", err)
				} else {
					defer watcher.Close()
				}
			}

			server, err := middlewared.NewServer(cfg, middlewared.WithLogger(baseLogger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = middlewared.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.middlewared/"+middlewared.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error); follows config file edits while running")

	flags := cmd.Flags()
	flags.String("listen", middlewared.DefaultListen, "TCP listen address for the WebSocket API (empty disables)")
	flags.String("socket", middlewared.DefaultSocketPath, "Unix socket path; peers are authenticated by uid (empty disables)")
	flags.String("data-dir", middlewared.DefaultDataDir, "directory holding the database, key material and disk artifacts")
	flags.String("database", "", "SQLite database path (defaults to <data-dir>/"+middlewared.DefaultDatabaseName+")")
	flags.String("hostname", "", "controller hostname reported in alerts (defaults to os hostname)")
	flags.String("node", "", "node tag attached to alerts raised here")
	flags.String("store", "", "artifact store URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.Duration("artifact-retention", 0, "remove disk artifacts older than this (0 keeps them)")
	flags.Duration("artifact-janitor-interval", middlewared.DefaultArtifactJanitorInterval, "disk artifact retention sweep interval")
	flags.Bool("artifact-encryption", false, "wrap stored artifacts in kryptograf envelopes")
	flags.String("artifact-key", "", "kryptograf key bundle (defaults to <data-dir>/"+middlewared.DefaultArtifactKeyName+")")
	flags.Bool("artifact-snappy", false, "compress artifacts with Snappy before encrypting")
	flags.Bool("skip-artifact-probe", false, "skip the artifact store write/read probe at boot")
	flags.String("s3-access-key-id", "", "static access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "static secret key for s3:// stores")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects (AES256 or aws:kms)")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure Storage account (overrides the store URL host)")
	flags.String("azure-key", "", "Azure Storage account key")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.String("max-frame-size", humanizeBytes(middlewared.DefaultMaxFrameBytes), "maximum inbound WebSocket frame size")
	flags.Int("session-queue-depth", middlewared.DefaultSessionQueueDepth, "outbound frames queued per session before it is dropped")
	flags.Int("max-failed-logins", middlewared.DefaultMaxFailedLogins, "close a session after this many failed logins")
	flags.Duration("ping-interval", middlewared.DefaultPingInterval, "WebSocket keepalive interval")
	flags.Duration("write-timeout", middlewared.DefaultWriteTimeout, "deadline for a single outbound frame")
	flags.Duration("handshake-wait", middlewared.DefaultHandshakeWait, "time allowed for the connect message")
	flags.Int("login-guard-threshold", middlewared.DefaultLoginGuardThreshold, "authentication failures from one host before its TCP connections are refused (negative disables)")
	flags.Duration("login-guard-window", middlewared.DefaultLoginGuardWindow, "window the login guard counts failures over")
	flags.Duration("login-guard-block", middlewared.DefaultLoginGuardBlock, "how long the login guard refuses a host")
	flags.Int64("async-limit", middlewared.DefaultAsyncLimit, "concurrently running non-blocking handlers")
	flags.Int64("blocking-soft", middlewared.DefaultBlockingSoft, "concurrently running blocking handlers")
	flags.Int64("blocking-hard", middlewared.DefaultBlockingHard, "running plus queued blocking handlers before calls are refused")
	flags.Int("job-retention", middlewared.DefaultJobRetention, "finished jobs kept in memory")
	flags.String("job-log-max-bytes", humanizeBytes(middlewared.DefaultJobLogMaxBytes), "maximum captured job log size")
	flags.Duration("job-progress-interval", middlewared.DefaultJobProgressInterval, "minimum interval between job progress events")
	flags.Duration("job-abort-grace", middlewared.DefaultJobAbortGrace, "time an aborted job may keep running")
	flags.Int("job-history-limit", middlewared.DefaultJobHistoryLimit, "persisted job history rows")
	flags.Int("audit-limit", middlewared.DefaultAuditLimit, "persisted audit rows")
	flags.String("upload-max-size", humanizeBytes(middlewared.DefaultUploadMaxBytes), "maximum side-channel upload size")
	flags.String("upload-data-max-size", humanizeBytes(middlewared.DefaultUploadDataMaxBytes), "maximum size of the JSON part of an upload")
	flags.Duration("token-max-ttl", middlewared.DefaultTokenMaxTTL, "upper bound for auth.generate_token lifetimes")
	flags.Duration("alert-process-interval", middlewared.DefaultAlertProcessInterval, "alert source tick")
	flags.Duration("alert-flush-interval", middlewared.DefaultAlertFlushInterval, "interval for persisting active alerts")
	flags.Duration("alert-send-timeout", middlewared.DefaultAlertSendTimeout, "deadline for one alert service delivery")
	flags.Int("alert-source-parallelism", middlewared.DefaultAlertSourceParallelism, "concurrently running alert sources")
	flags.Duration("host-metrics-interval", middlewared.DefaultHostMetricsInterval, "host resource sampling interval (negative disables)")
	flags.StringSlice("host-metrics-path", nil, "paths checked for free space (defaults to the data dir)")
	flags.Duration("pool-check-interval", middlewared.DefaultPoolCheckInterval, "pool status alert source interval")
	flags.Duration("pool-scrub-step", 0, "pace of each pool.scrub progress step (0 uses the built-in default)")
	flags.String("smtp-host", "", "mail relay for the Mail alert service (empty disables)")
	flags.Int("smtp-port", middlewared.DefaultSMTPPort, "mail relay port")
	flags.String("smtp-username", "", "mail relay username")
	flags.String("smtp-password", "", "mail relay password")
	flags.String("smtp-from", "", "sender address for alert mail")
	flags.String("smtp-tls", middlewared.DefaultSMTPTLS, "mail relay TLS policy (none, opportunistic, mandatory)")
	flags.String("metrics-listen", middlewared.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", middlewared.DefaultPprofListen, "pprof debug endpoint (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP trace collector (grpc://host:4317 or http://host:4318)")
	flags.Bool("disable-http-tracing", false, "disable otelhttp spans for the API and side channel")
	flags.Duration("shutdown-timeout", middlewared.DefaultShutdownTimeout, "overall graceful shutdown timeout")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("MIDDLEWARED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range configKeys {
		bindFlag(name)
	}

	cmd.AddCommand(newCallCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// configKeys lists every key shared by flags, environment and config file.
var configKeys = []string{
	"config", "log-level",
	"listen", "socket", "data-dir", "database", "hostname", "node",
	"store", "artifact-retention", "artifact-janitor-interval", "artifact-encryption", "artifact-key", "artifact-snappy", "skip-artifact-probe",
	"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-sse", "s3-kms-key-id", "aws-region",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"max-frame-size", "session-queue-depth", "max-failed-logins", "ping-interval", "write-timeout", "handshake-wait",
	"login-guard-threshold", "login-guard-window", "login-guard-block",
	"async-limit", "blocking-soft", "blocking-hard",
	"job-retention", "job-log-max-bytes", "job-progress-interval", "job-abort-grace", "job-history-limit", "audit-limit",
	"upload-max-size", "upload-data-max-size", "token-max-ttl",
	"alert-process-interval", "alert-flush-interval", "alert-send-timeout", "alert-source-parallelism",
	"host-metrics-interval", "host-metrics-path", "pool-check-interval", "pool-scrub-step",
	"smtp-host", "smtp-port", "smtp-username", "smtp-password", "smtp-from", "smtp-tls",
	"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
	"shutdown-timeout",
}

func bindConfig(cfg *middlewared.Config) error {
	var err error
	cfg.Listen = viper.GetString("listen")
	cfg.SocketPath = viper.GetString("socket")
	cfg.DataDir = viper.GetString("data-dir")
	cfg.DatabasePath = viper.GetString("database")
	cfg.Hostname = viper.GetString("hostname")
	cfg.Node = viper.GetString("node")
	cfg.ArtifactStore = viper.GetString("store")
	cfg.ArtifactRetention = viper.GetDuration("artifact-retention")
	cfg.ArtifactJanitorInterval = viper.GetDuration("artifact-janitor-interval")
	cfg.ArtifactEncryption = viper.GetBool("artifact-encryption")
	cfg.ArtifactKeyPath = viper.GetString("artifact-key")
	cfg.ArtifactSnappy = viper.GetBool("artifact-snappy")
	cfg.SkipArtifactProbe = viper.GetBool("skip-artifact-probe")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3SSE = viper.GetString("s3-sse")
	cfg.S3KMSKeyID = viper.GetString("s3-kms-key-id")
	cfg.AWSRegion = strings.TrimSpace(viper.GetString("aws-region"))
	if cfg.AWSRegion == "" {
		if v := strings.TrimSpace(os.Getenv("AWS_REGION")); v != "" {
			cfg.AWSRegion = v
		} else if v := strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION")); v != "" {
			cfg.AWSRegion = v
		}
	}
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")

	if cfg.MaxFrameBytes, err = parseBytes("max-frame-size"); err != nil {
		return err
	}
	cfg.SessionQueueDepth = viper.GetInt("session-queue-depth")
	cfg.MaxFailedLogins = viper.GetInt("max-failed-logins")
	cfg.PingInterval = viper.GetDuration("ping-interval")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.HandshakeWait = viper.GetDuration("handshake-wait")
	cfg.LoginGuardThreshold = viper.GetInt("login-guard-threshold")
	cfg.LoginGuardWindow = viper.GetDuration("login-guard-window")
	cfg.LoginGuardBlock = viper.GetDuration("login-guard-block")
	cfg.AsyncLimit = viper.GetInt64("async-limit")
	cfg.BlockingSoft = viper.GetInt64("blocking-soft")
	cfg.BlockingHard = viper.GetInt64("blocking-hard")

	cfg.JobRetention = viper.GetInt("job-retention")
	if cfg.JobLogMaxBytes, err = parseBytes("job-log-max-bytes"); err != nil {
		return err
	}
	cfg.JobProgressInterval = viper.GetDuration("job-progress-interval")
	cfg.JobAbortGrace = viper.GetDuration("job-abort-grace")
	cfg.JobHistoryLimit = viper.GetInt("job-history-limit")
	cfg.AuditLimit = viper.GetInt("audit-limit")
	if cfg.UploadMaxBytes, err = parseBytes("upload-max-size"); err != nil {
		return err
	}
	if cfg.UploadDataMaxBytes, err = parseBytes("upload-data-max-size"); err != nil {
		return err
	}
	cfg.TokenMaxTTL = viper.GetDuration("token-max-ttl")

	cfg.AlertProcessInterval = viper.GetDuration("alert-process-interval")
	cfg.AlertFlushInterval = viper.GetDuration("alert-flush-interval")
	cfg.AlertSendTimeout = viper.GetDuration("alert-send-timeout")
	cfg.AlertSourceParallelism = viper.GetInt("alert-source-parallelism")
	cfg.HostMetricsInterval = viper.GetDuration("host-metrics-interval")
	cfg.HostMetricsPaths = viper.GetStringSlice("host-metrics-path")
	cfg.PoolCheckInterval = viper.GetDuration("pool-check-interval")
	cfg.PoolScrubStep = viper.GetDuration("pool-scrub-step")

	cfg.SMTPHost = viper.GetString("smtp-host")
	cfg.SMTPPort = viper.GetInt("smtp-port")
	cfg.SMTPUsername = viper.GetString("smtp-username")
	cfg.SMTPPassword = viper.GetString("smtp-password")
	cfg.SMTPFrom = viper.GetString("smtp-from")
	cfg.SMTPTLS = viper.GetString("smtp-tls")

	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

func logLevelSetting(raw string) string {
	level := strings.ToLower(strings.TrimSpace(raw))
	if level == "" {
		return "info"
	}
	return level
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
