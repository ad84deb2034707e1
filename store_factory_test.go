package middlewared

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/artifacts/disk"
	"pkt.systems/middlewared/internal/artifacts/memory"
)

func TestOpenBackendMemory(t *testing.T) {
	cfg := Config{ArtifactStore: "mem://"}
	backend, err := openBackend(context.Background(), cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "artifacts")
	cfg := Config{ArtifactStore: "disk://" + root}
	backend, err := openBackend(context.Background(), cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
}

func TestOpenArtifactsCreatesKey(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Listen:             "127.0.0.1:0",
		DataDir:            dir,
		ArtifactStore:      "mem://",
		ArtifactEncryption: true,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	store, err := openArtifacts(context.Background(), cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open artifacts: %v", err)
	}
	defer store.Close()
	if cfg.ArtifactKeyPath != filepath.Join(dir, DefaultArtifactKeyName) {
		t.Fatalf("unexpected key path %q", cfg.ArtifactKeyPath)
	}
	if err := store.Verify(context.Background()); err != nil {
		t.Fatalf("verify encrypted store: %v", err)
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		ArtifactStore:     "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&kms-key-id=k1",
		S3SSE:             "AES256",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" {
		t.Fatalf("unexpected bucket: %s", s3cfg.Bucket)
	}
	if s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", s3cfg.Prefix)
	}
	if !s3cfg.Insecure {
		t.Fatalf("expected insecure flag from query")
	}
	if !s3cfg.ForcePathStyle {
		t.Fatalf("expected force path style")
	}
	if s3cfg.KMSKeyID != "k1" || s3cfg.ServerSideEnc != "AES256" {
		t.Fatalf("unexpected encryption settings: %+v", s3cfg)
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{ArtifactStore: "s3://host"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{ArtifactStore: "mem://"}); err == nil {
		t.Fatalf("expected error for non-s3 store")
	}
	if _, _, err := BuildGenericS3Config(Config{ArtifactStore: "s3://host/bucket", S3AccessKeyID: "only-key"}); err == nil {
		t.Fatalf("expected error for incomplete credentials")
	}
}

func TestBuildGenericS3ConfigEnvCredentials(t *testing.T) {
	t.Setenv("MIDDLEWARED_S3_ACCESS_KEY_ID", "env-key")
	t.Setenv("MIDDLEWARED_S3_SECRET_ACCESS_KEY", "env-secret")
	_, summary, err := BuildGenericS3Config(Config{ArtifactStore: "s3://host/bucket"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if summary.AccessKey != "env-key" || !summary.HasSecret {
		t.Fatalf("expected env credentials, got %+v", summary)
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	cfg := Config{
		ArtifactStore: "aws://my-bucket/prefix",
		AWSRegion:     "us-west-2",
		S3KMSKeyID:    "aws-kms",
		DataDir:       "/var/db/middlewared",
	}
	awsCfg, summary, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" {
		t.Fatalf("unexpected bucket: %s", awsCfg.Bucket)
	}
	if awsCfg.Prefix != "prefix" {
		t.Fatalf("unexpected prefix: %s", awsCfg.Prefix)
	}
	if awsCfg.Region != "us-west-2" {
		t.Fatalf("unexpected region: %s", awsCfg.Region)
	}
	if awsCfg.KMSKeyID != "aws-kms" {
		t.Fatalf("unexpected kms key: %s", awsCfg.KMSKeyID)
	}
	if awsCfg.SpoolDir != "/var/db/middlewared/spool" {
		t.Fatalf("unexpected spool dir: %s", awsCfg.SpoolDir)
	}
	if summary.Source == "" {
		t.Fatalf("expected credential summary source")
	}
	if _, _, err := BuildAWSConfig(Config{ArtifactStore: "aws://"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildAWSConfig(Config{ArtifactStore: "aws://bucket"}); err == nil {
		t.Fatalf("expected error for missing region")
	}
	regional, _, err := BuildAWSConfig(Config{ArtifactStore: "aws://bucket?region=eu-north-1"})
	if err != nil || regional.Region != "eu-north-1" {
		t.Fatalf("expected region from query, got %q (%v)", regional.Region, err)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{
		ArtifactStore:   "azure://myaccount/container/prefix/path",
		AzureAccountKey: "secret",
	}
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "myaccount" {
		t.Fatalf("unexpected account: %s", azureCfg.Account)
	}
	if azureCfg.Container != "container" {
		t.Fatalf("unexpected container: %s", azureCfg.Container)
	}
	if azureCfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected prefix: %s", azureCfg.Prefix)
	}
	if azureCfg.AccountKey != "secret" {
		t.Fatalf("expected account key from config")
	}
	t.Setenv("AZURE_STORAGE_ACCOUNT", "")
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "")
	if _, err := BuildAzureConfig(Config{ArtifactStore: "azure:///container"}); err == nil {
		t.Fatalf("expected error for missing account")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	cfg := Config{ArtifactStore: "disk:///srv/artifacts", ArtifactRetention: 0}
	diskCfg, root, err := BuildDiskConfig(cfg)
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if root != "/srv/artifacts" || diskCfg.Root != root {
		t.Fatalf("unexpected root %q", root)
	}
	if _, _, err := BuildDiskConfig(Config{ArtifactStore: "disk://"}); err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestEnsureBucket(t *testing.T) {
	ctx := context.Background()
	if err := ensureBucket(ctx, "b", func(context.Context) (bool, error) { return true, nil }); err != nil {
		t.Fatalf("expected existing bucket to pass: %v", err)
	}
	if err := ensureBucket(ctx, "b", func(context.Context) (bool, error) { return false, nil }); err == nil {
		t.Fatalf("expected missing bucket to fail")
	}
	dialErr := errors.New("dial tcp: refused")
	if err := ensureBucket(ctx, "b", func(context.Context) (bool, error) { return false, dialErr }); !errors.Is(err, dialErr) {
		t.Fatalf("expected connectivity error to wrap the dial error, got %v", err)
	}
}
