// Package s3 stores artifacts in S3-compatible object storage through the
// MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/artifacts"
	"pkt.systems/middlewared/internal/svcfields"
)

// Config controls the S3 backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
	Logger         pslog.Logger
}

// Store implements artifacts.Backend on S3.
type Store struct {
	client *minio.Client
	cfg    Config
	logger pslog.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = artifacts.DefaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg, logger: svcfields.WithSubsystem(cfg.Logger, "artifacts.s3")}, nil
}

// Config returns the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

// Put uploads body. Streams of unknown length use multipart upload.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, opts artifacts.PutOptions) (*artifacts.ObjectInfo, error) {
	object := s.objectKey(key)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = artifacts.ContentTypeOctetStream
	}
	s.applySSE(&putOpts)
	length := int64(-1)
	if seeker, ok := body.(io.Seeker); ok {
		if current, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			if end, err := seeker.Seek(0, io.SeekEnd); err == nil {
				length = end - current
				_, _ = seeker.Seek(current, io.SeekStart)
			}
		}
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, body, length, putOpts)
	if err != nil {
		s.logger.Debug("s3.put_object.error", "key", key, "object", object, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	return &artifacts.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// Get downloads key.
func (s *Store) Get(ctx context.Context, key string) (*artifacts.Object, error) {
	object := s.objectKey(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapError(err, "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, artifacts.ErrNotFound
		}
		return nil, wrapError(err, "s3: stat object")
	}
	return &artifacts.Object{
		Body: &notFoundAwareObject{object: obj},
		Info: &artifacts.ObjectInfo{
			Key:          key,
			ETag:         stripETag(info.ETag),
			Size:         info.Size,
			LastModified: info.LastModified,
			ContentType:  info.ContentType,
		},
	}, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	object := s.objectKey(key)
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return artifacts.ErrNotFound
		}
		return wrapError(err, "s3: stat object")
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return artifacts.ErrNotFound
		}
		return wrapError(err, "s3: delete object")
	}
	return nil
}

// List enumerates objects under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]artifacts.ObjectInfo, error) {
	root := ""
	if s.cfg.Prefix != "" {
		root = s.cfg.Prefix + "/"
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var out []artifacts.ObjectInfo
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: root + prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, wrapError(object.Err, "s3: list objects")
		}
		logical := strings.TrimPrefix(object.Key, root)
		out = append(out, artifacts.ObjectInfo{
			Key:          logical,
			ETag:         stripETag(object.ETag),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

type notFoundAwareObject struct {
	object io.ReadCloser
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = artifacts.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error { return o.object.Close() }

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return artifacts.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if artifacts.IsNetworkError(err) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}
