package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/svcfields"
)

// Key prefixes used by the daemon.
const (
	JobPrefix    = "jobs/"
	UploadPrefix = "uploads/"
)

// Store adds encryption and the daemon's key layout to a Backend.
type Store struct {
	backend Backend
	crypto  *Crypto
	logger  pslog.Logger

	putBytes metric.Int64Counter
	putOps   metric.Int64Counter
}

// New wraps backend. crypto may be nil.
func New(backend Backend, crypto *Crypto, logger pslog.Logger) *Store {
	logger = svcfields.WithSubsystem(logger, "artifacts.store")
	s := &Store{backend: backend, crypto: crypto, logger: logger}
	meter := otel.Meter("pkt.systems/middlewared/artifacts")
	var err error
	if s.putBytes, err = meter.Int64Counter("middlewared.artifacts.put_bytes",
		metric.WithDescription("Plaintext bytes written to the artifact store"),
		metric.WithUnit("By"),
	); err != nil {
		logMetricInitError(logger, "middlewared.artifacts.put_bytes", err)
	}
	if s.putOps, err = meter.Int64Counter("middlewared.artifacts.puts",
		metric.WithDescription("Artifact uploads by kind and outcome"),
	); err != nil {
		logMetricInitError(logger, "middlewared.artifacts.puts", err)
	}
	return s
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}

// Backend returns the wrapped backend.
func (s *Store) Backend() Backend { return s.backend }

// Encrypted reports whether objects are sealed.
func (s *Store) Encrypted() bool { return s.crypto.Enabled() }

// Put stores body under key, sealing it when encryption is enabled.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*ObjectInfo, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	counted := &countingReader{r: body}
	var info *ObjectInfo
	if !s.crypto.Enabled() {
		info, err = s.backend.Put(ctx, key, counted, opts)
	} else {
		info, err = s.putSealed(ctx, key, counted, opts)
	}
	s.record(ctx, key, counted.n, err)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("artifacts.put", "key", key, "size", counted.n, "encrypted", s.crypto.Enabled())
	return info, nil
}

func (s *Store) putSealed(ctx context.Context, key string, body io.Reader, opts PutOptions) (*ObjectInfo, error) {
	pr, pw := io.Pipe()
	go func() {
		w, err := s.crypto.Seal(pw, key)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(w, body); err != nil {
			_ = w.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(w.Close())
	}()
	info, err := s.backend.Put(ctx, key, pr, PutOptions{ContentType: ContentTypeEncrypted})
	pr.Close()
	if err != nil {
		return nil, err
	}
	info.ContentType = opts.ContentType
	return info, nil
}

// Get opens key and decrypts it when needed.
func (s *Store) Get(ctx context.Context, key string) (*Object, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !s.crypto.Enabled() {
		return obj, nil
	}
	plain, err := s.crypto.Open(obj.Body, key)
	if err != nil {
		obj.Body.Close()
		return nil, err
	}
	return &Object{Body: &stackedReadCloser{ReadCloser: plain, under: obj.Body}, Info: obj.Info}, nil
}

// Delete removes key; a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// List lists objects under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	return s.backend.List(ctx, strings.TrimPrefix(prefix, "/"))
}

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// JobArtifactKey returns the key of a job's named artifact.
func JobArtifactKey(jobID int64, name string) string {
	return JobPrefix + strconv.FormatInt(jobID, 10) + "/" + name
}

// PutJobArtifact stores a job log or output and returns its key.
func (s *Store) PutJobArtifact(ctx context.Context, jobID int64, name string, r io.Reader) (string, error) {
	key := JobArtifactKey(jobID, name)
	contentType := ContentTypeOctetStream
	if name == "log" {
		contentType = ContentTypeText
	}
	if _, err := s.Put(ctx, key, r, PutOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("artifacts: store job %d %s: %w", jobID, name, err)
	}
	return key, nil
}

// DeleteJobArtifacts removes every artifact of a job.
func (s *Store) DeleteJobArtifacts(ctx context.Context, jobID int64) error {
	objects, err := s.List(ctx, JobPrefix+strconv.FormatInt(jobID, 10)+"/")
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.Delete(ctx, obj.Key); err != nil {
			return err
		}
	}
	return nil
}

// PutUpload stores an uploaded file under a fresh key.
func (s *Store) PutUpload(ctx context.Context, r io.Reader) (string, *ObjectInfo, error) {
	key := UploadPrefix + xid.New().String()
	info, err := s.Put(ctx, key, r, PutOptions{ContentType: ContentTypeOctetStream})
	if err != nil {
		return "", nil, err
	}
	return key, info, nil
}

// Verify writes, reads back and deletes a probe object.
func (s *Store) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	key := "probe/" + xid.New().String()
	const payload = "middlewared artifact probe"
	if _, err := s.Put(ctx, key, strings.NewReader(payload), PutOptions{ContentType: ContentTypeText}); err != nil {
		return fmt.Errorf("artifacts: probe write: %w", err)
	}
	defer s.Delete(context.WithoutCancel(ctx), key) //nolint:errcheck
	obj, err := s.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("artifacts: probe read: %w", err)
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return fmt.Errorf("artifacts: probe read: %w", err)
	}
	if string(data) != payload {
		return fmt.Errorf("artifacts: probe mismatch")
	}
	return nil
}

func (s *Store) record(ctx context.Context, key string, n int64, err error) {
	kind, _, _ := strings.Cut(key, "/")
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.putOps != nil {
		s.putOps.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome)))
	}
	if s.putBytes != nil && err == nil {
		s.putBytes.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type stackedReadCloser struct {
	io.ReadCloser
	under io.Closer
}

func (s *stackedReadCloser) Close() error {
	err := s.ReadCloser.Close()
	if uerr := s.under.Close(); err == nil {
		err = uerr
	}
	return err
}
