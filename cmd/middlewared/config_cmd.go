package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/middlewared"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage middlewared configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.middlewared/" + middlewared.DefaultConfigFileName
	if path, err := middlewared.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default middlewared configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := middlewared.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                  string   `yaml:"listen"`
	Socket                  string   `yaml:"socket"`
	DataDir                 string   `yaml:"data-dir"`
	Store                   string   `yaml:"store"`
	ArtifactRetention       string   `yaml:"artifact-retention"`
	ArtifactJanitorInterval string   `yaml:"artifact-janitor-interval"`
	ArtifactEncryption      bool     `yaml:"artifact-encryption"`
	ArtifactSnappy          bool     `yaml:"artifact-snappy"`
	S3SSE                   string   `yaml:"s3-sse"`
	S3KMSKeyID              string   `yaml:"s3-kms-key-id"`
	AWSRegion               string   `yaml:"aws-region"`
	MaxFrameSize            string   `yaml:"max-frame-size"`
	SessionQueueDepth       int      `yaml:"session-queue-depth"`
	MaxFailedLogins         int      `yaml:"max-failed-logins"`
	PingInterval            string   `yaml:"ping-interval"`
	WriteTimeout            string   `yaml:"write-timeout"`
	HandshakeWait           string   `yaml:"handshake-wait"`
	LoginGuardThreshold     int      `yaml:"login-guard-threshold"`
	LoginGuardWindow        string   `yaml:"login-guard-window"`
	LoginGuardBlock         string   `yaml:"login-guard-block"`
	AsyncLimit              int64    `yaml:"async-limit"`
	BlockingSoft            int64    `yaml:"blocking-soft"`
	BlockingHard            int64    `yaml:"blocking-hard"`
	JobRetention            int      `yaml:"job-retention"`
	JobLogMaxBytes          string   `yaml:"job-log-max-bytes"`
	JobProgressInterval     string   `yaml:"job-progress-interval"`
	JobAbortGrace           string   `yaml:"job-abort-grace"`
	JobHistoryLimit         int      `yaml:"job-history-limit"`
	AuditLimit              int      `yaml:"audit-limit"`
	UploadMaxSize           string   `yaml:"upload-max-size"`
	UploadDataMaxSize       string   `yaml:"upload-data-max-size"`
	TokenMaxTTL             string   `yaml:"token-max-ttl"`
	AlertProcessInterval    string   `yaml:"alert-process-interval"`
	AlertFlushInterval      string   `yaml:"alert-flush-interval"`
	AlertSendTimeout        string   `yaml:"alert-send-timeout"`
	AlertSourceParallelism  int      `yaml:"alert-source-parallelism"`
	HostMetricsInterval     string   `yaml:"host-metrics-interval"`
	HostMetricsPaths        []string `yaml:"host-metrics-path"`
	PoolCheckInterval       string   `yaml:"pool-check-interval"`
	SMTPHost                string   `yaml:"smtp-host"`
	SMTPPort                int      `yaml:"smtp-port"`
	SMTPFrom                string   `yaml:"smtp-from"`
	SMTPTLS                 string   `yaml:"smtp-tls"`
	MetricsListen           string   `yaml:"metrics-listen"`
	PprofListen             string   `yaml:"pprof-listen"`
	OTLPEndpoint            string   `yaml:"otlp-endpoint"`
	ShutdownTimeout         string   `yaml:"shutdown-timeout"`
	LogLevel                string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  middlewared.DefaultListen,
		Socket:                  middlewared.DefaultSocketPath,
		DataDir:                 middlewared.DefaultDataDir,
		Store:                   "",
		ArtifactRetention:       "0s",
		ArtifactJanitorInterval: middlewared.DefaultArtifactJanitorInterval.String(),
		MaxFrameSize:            humanizeBytes(middlewared.DefaultMaxFrameBytes),
		SessionQueueDepth:       middlewared.DefaultSessionQueueDepth,
		MaxFailedLogins:         middlewared.DefaultMaxFailedLogins,
		PingInterval:            middlewared.DefaultPingInterval.String(),
		WriteTimeout:            middlewared.DefaultWriteTimeout.String(),
		HandshakeWait:           middlewared.DefaultHandshakeWait.String(),
		LoginGuardThreshold:     middlewared.DefaultLoginGuardThreshold,
		LoginGuardWindow:        middlewared.DefaultLoginGuardWindow.String(),
		LoginGuardBlock:         middlewared.DefaultLoginGuardBlock.String(),
		AsyncLimit:              middlewared.DefaultAsyncLimit,
		BlockingSoft:            middlewared.DefaultBlockingSoft,
		BlockingHard:            middlewared.DefaultBlockingHard,
		JobRetention:            middlewared.DefaultJobRetention,
		JobLogMaxBytes:          humanizeBytes(middlewared.DefaultJobLogMaxBytes),
		JobProgressInterval:     middlewared.DefaultJobProgressInterval.String(),
		JobAbortGrace:           middlewared.DefaultJobAbortGrace.String(),
		JobHistoryLimit:         middlewared.DefaultJobHistoryLimit,
		AuditLimit:              middlewared.DefaultAuditLimit,
		UploadMaxSize:           humanizeBytes(middlewared.DefaultUploadMaxBytes),
		UploadDataMaxSize:       humanizeBytes(middlewared.DefaultUploadDataMaxBytes),
		TokenMaxTTL:             middlewared.DefaultTokenMaxTTL.String(),
		AlertProcessInterval:    middlewared.DefaultAlertProcessInterval.String(),
		AlertFlushInterval:      middlewared.DefaultAlertFlushInterval.String(),
		AlertSendTimeout:        middlewared.DefaultAlertSendTimeout.String(),
		AlertSourceParallelism:  middlewared.DefaultAlertSourceParallelism,
		HostMetricsInterval:     middlewared.DefaultHostMetricsInterval.String(),
		PoolCheckInterval:       middlewared.DefaultPoolCheckInterval.String(),
		SMTPPort:                middlewared.DefaultSMTPPort,
		SMTPTLS:                 middlewared.DefaultSMTPTLS,
		MetricsListen:           middlewared.DefaultMetricsListen,
		PprofListen:             middlewared.DefaultPprofListen,
		ShutdownTimeout:         middlewared.DefaultShutdownTimeout.String(),
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
