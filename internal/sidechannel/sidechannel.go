// Package sidechannel serves the HTTP upload and download endpoints that
// move files into and out of jobs.
package sidechannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/jpact"
	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/artifacts"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/correlation"
	"pkt.systems/middlewared/internal/jobs"
	"pkt.systems/middlewared/internal/rpc"
	"pkt.systems/middlewared/internal/svcfields"
)

const (
	UploadPath   = "/_upload"
	DownloadPath = "/_download/"

	DefaultMaxUploadBytes = 4 << 30
	DefaultMaxDataBytes   = 1 << 20

	headerCorrelationID = "X-Correlation-Id"
	httpSpanName        = "middlewared.sidechannel"
)

// Config wires a Handler.
type Config struct {
	Dispatcher    *rpc.Dispatcher
	Authenticator *auth.Authenticator
	Artifacts     *artifacts.Store
	// MaxUploadBytes bounds the whole multipart body.
	MaxUploadBytes int64
	// MaxDataBytes bounds the JSON data part.
	MaxDataBytes int64
	Tracing      bool
	Logger       pslog.Logger
}

// Handler serves the side channel.
type Handler struct {
	cfg    Config
	logger pslog.Logger
}

// New returns a handler. Dispatcher and Artifacts are required.
func New(cfg Config) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.MaxDataBytes <= 0 {
		cfg.MaxDataBytes = DefaultMaxDataBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{cfg: cfg, logger: svcfields.WithSubsystem(logger, "rpc.sidechannel")}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST "+UploadPath, h.wrap("upload", h.handleUpload))
	mux.Handle("GET "+DownloadPath+"{id}/{artifact}", h.wrap("download", h.handleDownload))
}

type httpError struct {
	Status int
	Err    *apierr.Error
}

func (e httpError) Error() string { return e.Err.Error() }

func statusFor(err *apierr.Error) int {
	switch err.Kind {
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindNotAuthorized:
		return http.StatusForbidden
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindAlreadyExists, apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindTimeout, apierr.KindCancelled:
		return http.StatusGatewayTimeout
	case apierr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) wrap(operation string, fn func(http.ResponseWriter, *http.Request) error) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cid := correlation.Ensure(r.Context())
		if id, ok := correlation.Normalize(r.Header.Get(headerCorrelationID)); ok {
			ctx, cid = correlation.Set(ctx, id), id
		}
		w.Header().Set(headerCorrelationID, cid)
		logger := h.logger.With("operation", operation, "correlation_id", cid)
		r = r.WithContext(ctx)
		if err := fn(w, r); err != nil {
			h.handleError(w, logger, cid, err)
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.cfg.Tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleError(w http.ResponseWriter, logger pslog.Logger, cid string, err error) {
	var (
		status int
		apiErr *apierr.Error
	)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		status, apiErr = httpErr.Status, httpErr.Err
	} else {
		apiErr = apierr.From(err, cid)
		status = statusFor(apiErr)
	}
	if apiErr.Kind == apierr.KindInternal {
		logger.Error("http.request.internal_error", "error", err)
	}
	writeJSON(w, status, apiErr.ToWire())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// credential resolves the caller: Unix socket peers first, then the
// Authorization header, then an auth_token query parameter.
func (h *Handler) credential(r *http.Request) (*auth.Credential, error) {
	a := h.cfg.Authenticator
	unauthorized := httpError{Status: http.StatusUnauthorized, Err: apierr.NotAuthorized()}
	if a == nil {
		return nil, unauthorized
	}
	if uid, ok := rpc.PeerUIDFromContext(r.Context()); ok {
		if cred := a.PeerUID(r.Context(), uid); cred.Authenticated() {
			return cred, nil
		}
	}
	if r.Header.Get("Authorization") != "" {
		cred, err := rpc.AuthenticateRequest(r, a)
		if err != nil {
			return nil, unauthorized
		}
		return cred, nil
	}
	if token := r.URL.Query().Get("auth_token"); token != "" {
		cred, err := a.Token(token, remoteIP(r))
		if err != nil {
			return nil, unauthorized
		}
		return cred, nil
	}
	return nil, unauthorized
}

type uploadData struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// handleUpload accepts a multipart body whose first part is the JSON
// "data" field naming the job method and whose second part is "file".
// The file is stored as an upload artifact and handed to the job.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) error {
	cred, err := h.credential(r)
	if err != nil {
		return err
	}
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		return apierr.Validation("data", apierr.CodeInvalid, "multipart/form-data body required")
	}
	part, err := mr.NextPart()
	if err != nil || part.FormName() != "data" {
		return apierr.Validation("data", apierr.CodeRequired, "the data field must come first")
	}
	compact, err := jpact.CompactToBuffer(part, h.cfg.MaxDataBytes)
	part.Close()
	if err != nil {
		return apierr.Validation("data", apierr.CodeInvalid, fmt.Sprintf("invalid data: %v", err))
	}
	dec := json.NewDecoder(bytes.NewReader(compact))
	dec.DisallowUnknownFields()
	var data uploadData
	if err := dec.Decode(&data); err != nil || data.Method == "" {
		return apierr.Validation("data.method", apierr.CodeRequired, "method is required")
	}
	if data.Params == nil {
		data.Params = []json.RawMessage{}
	}
	call, err := h.cfg.Dispatcher.Prepare(rpc.Request{
		Method:     data.Method,
		Params:     data.Params,
		Credential: cred,
		External:   true,
	})
	if err != nil {
		return err
	}
	if !call.Method.IsJob() || !call.Method.Job.Pipes.Input {
		return apierr.Validation("method", apierr.CodeInvalid, "method does not accept uploads")
	}

	file, err := mr.NextPart()
	if err != nil || file.FormName() != "file" {
		return apierr.Validation("file", apierr.CodeRequired, "file part required")
	}
	key, info, err := h.cfg.Artifacts.PutUpload(ctx, file)
	file.Close()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return httpError{Status: http.StatusRequestEntityTooLarge, Err: apierr.Validation("file", apierr.CodeMaxLength, "upload too large")}
		}
		return err
	}
	// The job reads the upload after this request has returned.
	obj, err := h.cfg.Artifacts.Get(context.WithoutCancel(ctx), key)
	if err != nil {
		h.discardUpload(key)
		return err
	}
	job, err := h.cfg.Dispatcher.Start(ctx, call, 0, obj.Body)
	if err != nil {
		obj.Body.Close()
		h.discardUpload(key)
		return err
	}
	h.logger.Info("sidechannel.upload.accepted", "job", job.ID(), "method", data.Method, "bytes", info.Size)
	go func() {
		<-job.Done()
		obj.Body.Close()
		h.discardUpload(key)
	}()
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID()})
	return nil
}

func (h *Handler) discardUpload(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.cfg.Artifacts.Delete(ctx, key); err != nil {
		h.logger.Warn("sidechannel.upload.cleanup_failed", "key", key, "error", err)
	}
}

// handleDownload streams a job's log or output. Logs of running jobs are
// served from memory; persisted artifacts come from the artifact store.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) error {
	cred, err := h.credential(r)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return apierr.Validation("id", apierr.CodeInvalidType, "job id must be an integer")
	}
	artifact := r.PathValue("artifact")
	if artifact != "log" && artifact != "output" {
		return apierr.NotFound("Unknown artifact %q", artifact)
	}
	mgr := h.cfg.Dispatcher.Jobs()
	job, err := mgr.Lookup(id)
	if err != nil {
		return apierr.NotFound("Job %d not found", id)
	}
	if !jobs.Visible(job, cred, h.cfg.Dispatcher.Privileges().FullAdmin(cred)) {
		return apierr.NotFound("Job %d not found", id)
	}
	row := job.Row()
	pathField := "logs_path"
	if artifact == "output" {
		pathField = "output_path"
		if !job.State().Finished() {
			return apierr.Conflict("Job %d has not finished", id)
		}
	}
	filename := fmt.Sprintf("job-%d.%s", id, map[string]string{"log": "log", "output": "out"}[artifact])
	key, _ := row[pathField].(string)
	if key == "" {
		if artifact == "log" {
			w.Header().Set("Content-Type", artifacts.ContentTypeText)
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(job.LogBytes())
			return nil
		}
		return apierr.NotFound("Job %d has no output", id)
	}
	obj, err := h.cfg.Artifacts.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return apierr.NotFound("Job %d %s is no longer available", id, artifact)
		}
		return err
	}
	defer obj.Body.Close()
	contentType := artifacts.ContentTypeOctetStream
	if obj.Info != nil && obj.Info.ContentType != "" && obj.Info.ContentType != artifacts.ContentTypeEncrypted {
		contentType = obj.Info.ContentType
	}
	if artifact == "log" {
		contentType = artifacts.ContentTypeText
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Debug("sidechannel.download.interrupted", "job", id, "error", err)
	}
	return nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
