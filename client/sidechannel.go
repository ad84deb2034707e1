package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/middlewared/internal/apierr"
)

const (
	uploadPath   = "/_upload"
	downloadPath = "/_download/"

	sideChannelTokenTTL = time.Minute
)

// Artifacts a finished job exposes for download.
const (
	ArtifactLog    = "log"
	ArtifactOutput = "output"
)

// Upload streams body to a job method that accepts a file and returns the
// id of the started job. params are the method's positional arguments.
func (c *Client) Upload(ctx context.Context, method string, params []any, filename string, body io.Reader) (int64, error) {
	if params == nil {
		params = []any{}
	}
	data, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return 0, fmt.Errorf("client: encode upload data: %w", err)
	}
	if filename == "" {
		filename = "upload"
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("data", string(data)); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, body); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpBase+uploadPath, pr)
	if err != nil {
		pr.Close()
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		pr.Close()
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeHTTPError(resp)
	}
	var out struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("client: decode upload reply: %w", err)
	}
	c.logger.Debug("client.upload.accepted", "method", method, "job", out.JobID)
	return out.JobID, nil
}

// Download opens the log or output of job id. The caller closes the reader.
func (c *Client) Download(ctx context.Context, id int64, artifact string) (io.ReadCloser, error) {
	target := c.httpBase + downloadPath + strconv.FormatInt(id, 10) + "/" + artifact
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeHTTPError(resp)
	}
	return resp.Body, nil
}

// authorize attaches a credential to a side channel request. Unix socket
// callers are identified by their peer uid; others present the configured
// bearer or a short-lived single-use token derived from the session.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if id := CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
		return nil
	}
	if c.socketPath != "" {
		return nil
	}
	token, err := c.GenerateToken(ctx, sideChannelTokenTTL, true)
	if err != nil {
		return fmt.Errorf("client: side channel token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func decodeHTTPError(resp *http.Response) error {
	var w apierr.Wire
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&w); err != nil || w.Type == "" {
		return fmt.Errorf("client: unexpected HTTP status %s", resp.Status)
	}
	return apierr.FromWire(w)
}
