// Package aws stores artifacts in Amazon S3 through aws-sdk-go-v2.
package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/artifacts"
	"pkt.systems/middlewared/internal/svcfields"
)

const awsOpTimeout = 5 * time.Minute

// Config controls the AWS backend.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	Insecure      bool
	ServerSideEnc string
	KMSKeyID      string
	// SpoolDir holds temporary files for uploads of unknown length.
	SpoolDir string
	Logger   pslog.Logger
}

// Store implements artifacts.Backend on AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
	logger pslog.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	transport := artifacts.DefaultTransport()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: transport}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{client: client, cfg: cfg, logger: svcfields.WithSubsystem(cfg.Logger, "artifacts.aws")}, nil
}

// Config returns the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) objectKey(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

// Put uploads body. Non-seekable bodies are spooled to a temp file first
// because PutObject needs a content length.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, opts artifacts.PutOptions) (*artifacts.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = artifacts.ContentTypeOctetStream
	}
	reader, length, cleanup, err := s.sized(body)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          reader,
		ContentLength: aws.Int64(length),
		ContentType:   aws.String(contentType),
	}
	applySSE(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	resp, err := s.client.PutObject(ctx, input)
	if err != nil {
		s.logger.Debug("aws.put_object.error", "key", key, "object", object, "error", err)
		return nil, wrapError(err, "aws: put object")
	}
	return &artifacts.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         length,
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}, nil
}

func (s *Store) sized(body io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := body.(io.ReadSeeker); ok {
		current, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			if end, err := rs.Seek(0, io.SeekEnd); err == nil {
				if _, err := rs.Seek(current, io.SeekStart); err == nil {
					return rs, end - current, func() {}, nil
				}
			}
		}
	}
	spool, err := os.CreateTemp(s.cfg.SpoolDir, "middlewared-artifact-*")
	if err != nil {
		return nil, 0, nil, fmt.Errorf("aws: create spool file: %w", err)
	}
	cleanup := func() {
		spool.Close()
		os.Remove(spool.Name())
	}
	n, err := io.Copy(spool, body)
	if err == nil {
		_, err = spool.Seek(0, io.SeekStart)
	}
	if err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("aws: spool upload: %w", err)
	}
	return spool, n, cleanup, nil
}

// Get downloads key.
func (s *Store) Get(ctx context.Context, key string) (*artifacts.Object, error) {
	ctx, cancel := withTimeout(ctx)
	object := s.objectKey(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			return nil, artifacts.ErrNotFound
		}
		return nil, wrapError(err, "aws: get object")
	}
	return &artifacts.Object{
		Body: &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel},
		Info: &artifacts.ObjectInfo{
			Key:          key,
			ETag:         stripETag(aws.ToString(resp.ETag)),
			Size:         aws.ToInt64(resp.ContentLength),
			LastModified: aws.ToTime(resp.LastModified),
			ContentType:  aws.ToString(resp.ContentType),
		},
	}, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.objectKey(key)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		if isNotFound(err) {
			return artifacts.ErrNotFound
		}
		return wrapError(err, "aws: head object")
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		return wrapError(err, "aws: delete object")
	}
	return nil
}

// List enumerates objects under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]artifacts.ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	root := ""
	if s.cfg.Prefix != "" {
		root = s.cfg.Prefix + "/"
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + prefix),
	})
	var out []artifacts.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "aws: list objects")
		}
		for _, object := range page.Contents {
			out = append(out, artifacts.ObjectInfo{
				Key:          strings.TrimPrefix(aws.ToString(object.Key), root),
				ETag:         stripETag(aws.ToString(object.ETag)),
				Size:         aws.ToInt64(object.Size),
				LastModified: aws.ToTime(object.LastModified),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func applySSE(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
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
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}
