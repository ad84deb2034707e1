package middlewared

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/artifacts"
	awsstore "pkt.systems/middlewared/internal/artifacts/aws"
	azurestore "pkt.systems/middlewared/internal/artifacts/azure"
	"pkt.systems/middlewared/internal/artifacts/disk"
	"pkt.systems/middlewared/internal/artifacts/memory"
	"pkt.systems/middlewared/internal/artifacts/s3"
	"pkt.systems/middlewared/internal/svcfields"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openArtifacts builds the artifact store named by cfg.ArtifactStore,
// wrapping it with kryptograf envelopes when encryption is enabled.
func openArtifacts(ctx context.Context, cfg Config, logger pslog.Logger) (*artifacts.Store, error) {
	logger = svcfields.WithSubsystem(logger, "artifacts.store")
	var crypto *artifacts.Crypto
	if cfg.ArtifactEncryptionEnabled() {
		root, err := artifacts.LoadRootKey(cfg.ArtifactKeyPath, true)
		if err != nil {
			return nil, err
		}
		crypto, err = artifacts.NewCrypto(artifacts.CryptoConfig{
			Enabled: true,
			RootKey: root,
			Snappy:  cfg.ArtifactSnappy,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("artifacts.encryption.enabled", "key", cfg.ArtifactKeyPath, "snappy", cfg.ArtifactSnappy)
	} else {
		logger.Warn("artifacts.encryption.disabled", "impact", "job logs and uploads are stored in plaintext")
	}
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return artifacts.New(backend, crypto, logger), nil
}

func openBackend(ctx context.Context, cfg Config, logger pslog.Logger) (artifacts.Backend, error) {
	u, err := url.Parse(cfg.ArtifactStore)
	if err != nil {
		return nil, fmt.Errorf("parse artifact store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "s3":
		s3cfg, summary, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = logger
		logger.Info("artifacts.backend.s3", "endpoint", s3cfg.Endpoint, "bucket", s3cfg.Bucket, "credentials", summary.Source)
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, s3cfg.Bucket, backend.BucketExists); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, summary, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awscfg.Logger = logger
		logger.Info("artifacts.backend.aws", "region", awscfg.Region, "bucket", awscfg.Bucket, "credentials", summary.Source)
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, awscfg.Bucket, backend.BucketExists); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "disk":
		diskCfg, root, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Logger = logger
		logger.Info("artifacts.backend.disk", "root", root, "retention", diskCfg.Retention)
		return disk.New(diskCfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Logger = logger
		logger.Info("artifacts.backend.azure", "account", azureCfg.Account, "container", azureCfg.Container)
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("artifact store scheme %q not supported", u.Scheme)
	}
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.ArtifactStore)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse artifact store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("artifact store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 through the AWS SDK.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.ArtifactStore)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse artifact store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("artifact store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(strings.TrimPrefix(u.Path, "/"), "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:      query.Get("endpoint"),
		Region:        region,
		Bucket:        bucket,
		Prefix:        prefix,
		Insecure:      insecure,
		ServerSideEnc: cfg.S3SSE,
		KMSKeyID:      kmsKey,
		SpoolDir:      filepath.Join(cfg.DataDir, "spool"),
	}, resolveAWSCredentials(), nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("MIDDLEWARED_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("MIDDLEWARED_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("MIDDLEWARED_S3_SESSION_TOKEN")
		source = "env:MIDDLEWARED_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "anonymous"
		return minioCredentials.NewStaticV4("", "", ""), summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

func ensureBucket(ctx context.Context, bucket string, exists func(context.Context) (bool, error)) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.ArtifactStore)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse artifact store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("artifact store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("MIDDLEWARED_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("MIDDLEWARED_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.ArtifactStore)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse artifact store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("artifact store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/db/middlewared/artifacts)")
	}
	root := filepath.Clean(pathPart)
	return disk.Config{
		Root:            root,
		Retention:       cfg.ArtifactRetention,
		JanitorInterval: cfg.ArtifactJanitorInterval,
	}, root, nil
}

func splitBucket(path string) (bucket, prefix string) {
	path = strings.Trim(strings.TrimPrefix(path, "/"), "/")
	bucket, prefix, _ = strings.Cut(path, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
