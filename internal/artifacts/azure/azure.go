// Package azure stores artifacts in Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/artifacts"
	"pkt.systems/middlewared/internal/svcfields"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Logger     pslog.Logger
}

// Store implements artifacts.Backend on Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
	logger    pslog.Logger
}

// New constructs a Store and creates the container when missing.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: transportAdapter{rt: artifacts.DefaultTransport()}},
	}
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		logger:    svcfields.WithSubsystem(cfg.Logger, "artifacts.azure"),
	}, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

var _ policy.Transporter = transportAdapter{}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func wrapError(err error, msg string) error {
	retryable := artifacts.IsNetworkError(err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && (respErr.StatusCode >= http.StatusInternalServerError || respErr.StatusCode == http.StatusTooManyRequests) {
		retryable = true
	}
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return artifacts.NewTransientError(err)
	}
	return err
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) blobName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put uploads body as a block blob.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, opts artifacts.PutOptions) (*artifacts.ObjectInfo, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = artifacts.ContentTypeOctetStream
	}
	counted := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, s.blobName(key), counted, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		s.logger.Debug("azure.put_object.error", "key", key, "error", err)
		return nil, wrapError(err, "azure: upload object")
	}
	info := &artifacts.ObjectInfo{Key: key, Size: counted.n, ContentType: contentType, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return info, nil
}

// Get downloads key.
func (s *Store) Get(ctx context.Context, key string) (*artifacts.Object, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(key), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, artifacts.ErrNotFound
		}
		return nil, wrapError(err, "azure: download object")
	}
	info := &artifacts.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return &artifacts.Object{Body: resp.Body, Info: info}, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteBlob(ctx, s.container, s.blobName(key), nil); err != nil {
		if isNotFound(err) {
			return artifacts.ErrNotFound
		}
		return wrapError(err, "azure: delete object")
	}
	return nil
}

// List enumerates blobs under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]artifacts.ObjectInfo, error) {
	root := ""
	if s.prefix != "" {
		root = s.prefix + "/"
	}
	full := root + prefix
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &full})
	var out []artifacts.ObjectInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := artifacts.ObjectInfo{Key: strings.TrimPrefix(*item.Name, root)}
			if p := item.Properties; p != nil {
				if p.ETag != nil {
					info.ETag = string(*p.ETag)
				}
				if p.ContentLength != nil {
					info.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					info.LastModified = p.LastModified.UTC()
				}
				if p.ContentType != nil {
					info.ContentType = *p.ContentType
				}
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
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
