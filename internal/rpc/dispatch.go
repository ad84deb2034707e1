// Package rpc terminates the wire protocol: it upgrades connections, runs
// the per-session read loop and dispatches calls through the registry.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/correlation"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/jobs"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/scheduler"
	"pkt.systems/middlewared/internal/svcfields"
)

// Reporter receives internal errors; the alert engine implements it.
type Reporter interface {
	InternalError(source, correlationID string, err error)
}

// AuditSink stores audit rows; datastore.BoundedTable implements it.
type AuditSink interface {
	Append(ctx context.Context, row filter.Row) error
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry   *registry.Registry
	Privileges *auth.Engine
	Jobs       *jobs.Manager
	Scheduler  *scheduler.Scheduler
	Reporter   Reporter
	Audit      AuditSink
	// Ready gates external calls of authenticated methods while booting.
	Ready  func() bool
	Clock  clock.Clock
	Logger pslog.Logger
}

// Request is one call on its way into the registry.
type Request struct {
	Method string
	// Params are the raw wire params. Args is used for in-process callers
	// when Params is nil.
	Params     []json.RawMessage
	Args       []any
	Credential *auth.Credential
	Session    registry.Session
	// Timeout overrides the method timeout when positive.
	Timeout time.Duration
	// Input is the uploaded stream of side-channel submissions.
	Input io.Reader
	// External calls come from a wire session or the side channel.
	External bool
}

// Dispatcher validates, authorizes and runs calls.
type Dispatcher struct {
	cfg     DispatcherConfig
	clock   clock.Clock
	logger  pslog.Logger
	metrics *rpcMetrics
}

// NewDispatcher returns a dispatcher. Registry, Privileges, Jobs and
// Scheduler are required.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "rpc.dispatch")
	return &Dispatcher{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  logger,
		metrics: newRPCMetrics(logger),
	}
}

// Registry exposes the method registry.
func (d *Dispatcher) Registry() *registry.Registry { return d.cfg.Registry }

// Privileges exposes the privilege engine.
func (d *Dispatcher) Privileges() *auth.Engine { return d.cfg.Privileges }

// Jobs exposes the job manager.
func (d *Dispatcher) Jobs() *jobs.Manager { return d.cfg.Jobs }

func (d *Dispatcher) ready() bool {
	return d.cfg.Ready == nil || d.cfg.Ready()
}

// Prepare resolves the method, checks authorization and readiness and
// validates the arguments. Unknown, private and denied methods all fail
// with the same opaque NotAuthorized error.
func (d *Dispatcher) Prepare(req Request) (*registry.Call, error) {
	cred := req.Credential
	if cred == nil {
		cred = auth.Unauthenticated
	}
	m, ok := d.cfg.Registry.Lookup(req.Method)
	if !ok || (req.External && m.Private) {
		return nil, apierr.NotAuthorized()
	}
	if !d.cfg.Privileges.Allowed(cred, m.Target()) {
		return nil, apierr.NotAuthorized()
	}
	if req.External && !m.NoAuth && !d.ready() {
		return nil, apierr.Conflict("Middleware is not ready yet").WithErrno(apierr.EAGAIN)
	}
	var (
		args []any
		err  error
	)
	if req.Params != nil || req.Args == nil {
		args, err = m.Validate(req.Params)
	} else {
		args, err = m.ValidateValues(req.Args)
	}
	if err != nil {
		return nil, err
	}
	return &registry.Call{
		Method:        m,
		Args:          args,
		Credential:    cred,
		FullPrivilege: d.cfg.Privileges.FullAdmin(cred),
		Session:       req.Session,
	}, nil
}

// Submit prepares req and starts its job. The method must be a job.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*jobs.Job, error) {
	call, err := d.Prepare(req)
	if err != nil {
		return nil, d.normalize(ctx, req.Method, err)
	}
	return d.Start(ctx, call, req.Timeout, req.Input)
}

// Start submits a prepared job call. input is rejected unless the method
// declares an input pipe.
func (d *Dispatcher) Start(ctx context.Context, call *registry.Call, timeout time.Duration, input io.Reader) (*jobs.Job, error) {
	m := call.Method
	if !m.IsJob() {
		return nil, apierr.Validation("method", apierr.CodeInvalid, "method is not a job")
	}
	if input != nil && !m.Job.Pipes.Input {
		return nil, apierr.Validation("method", apierr.CodeInvalid, "method does not accept uploads")
	}
	job, err := d.cfg.Jobs.Submit(call, jobs.SubmitOptions{Timeout: timeout, Input: input})
	if err != nil {
		return nil, d.normalize(ctx, m.Name, err)
	}
	return job, nil
}

// Dispatch runs req and returns the serialized result. Job methods return
// the job id without waiting. Errors are always *apierr.Error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (any, error) {
	start := d.clock.Now()
	ctx, _ = correlation.Ensure(ctx)
	result, err := d.dispatch(ctx, req)
	var apiErr *apierr.Error
	if err != nil {
		apiErr = d.normalize(ctx, req.Method, err)
	}
	d.metrics.recordCall(ctx, req.Method, apiErr, d.clock.Now().Sub(start))
	if apiErr != nil {
		return nil, apiErr
	}
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (any, error) {
	call, err := d.Prepare(req)
	if err != nil {
		return nil, err
	}
	m := call.Method
	if req.External && m.Audit {
		defer func() { d.audit(ctx, req, call, err) }()
	}
	if m.IsJob() {
		if m.Job.Pipes.Input && req.Input == nil {
			err = apierr.Validation("method", apierr.CodeInvalid, "this method requires an upload through the side channel")
			return nil, err
		}
		var job *jobs.Job
		job, err = d.cfg.Jobs.Submit(call, jobs.SubmitOptions{Timeout: req.Timeout, Input: req.Input})
		if err != nil {
			return nil, err
		}
		return job.ID(), nil
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var result any
	err = d.cfg.Scheduler.Run(runCtx, m.Blocking, func(ctx context.Context) error {
		var herr error
		result, herr = m.Handler(ctx, call)
		return herr
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = apierr.Wrap(apierr.KindTimeout, err, "Method call timed out after %s", timeout)
		}
		return nil, err
	}
	return m.Serialize(result, call.FullPrivilege), nil
}

// Call runs method in-process with the internal credential. Private
// methods are reachable.
func (d *Dispatcher) Call(ctx context.Context, method string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	return d.Dispatch(ctx, Request{Method: method, Args: args, Credential: auth.Internal()})
}

// normalize maps err onto the taxonomy. Internal errors are logged with
// their correlation id and reported.
func (d *Dispatcher) normalize(ctx context.Context, method string, err error) *apierr.Error {
	cid := correlation.ID(ctx)
	if cid == "" {
		cid = correlation.Generate()
	}
	switch {
	case errors.Is(err, scheduler.ErrPoolExhausted):
		return apierr.Wrap(apierr.KindConflict, err, "Too many concurrent blocking calls").WithErrno(apierr.EAGAIN)
	case errors.Is(err, jobs.ErrNotFound):
		return apierr.NotFound("Job not found")
	}
	apiErr := apierr.From(err, cid)
	if apiErr.Kind != apierr.KindInternal {
		return apiErr
	}
	if apiErr.CorrelationID == "" {
		apiErr.CorrelationID = cid
	}
	fields := []any{"method", method, "correlation_id", apiErr.CorrelationID, "error", err}
	var panicErr *scheduler.PanicError
	if errors.As(err, &panicErr) {
		fields = append(fields, "stack", string(panicErr.Stack))
	}
	d.logger.Error("rpc.call.internal_error", fields...)
	if d.cfg.Reporter != nil {
		d.cfg.Reporter.InternalError(method, apiErr.CorrelationID, err)
	}
	return apiErr
}

func (d *Dispatcher) audit(ctx context.Context, req Request, call *registry.Call, callErr error) {
	if d.cfg.Audit == nil {
		return
	}
	row := filter.Row{
		"timestamp":   d.clock.Now().UTC().Format(time.RFC3339Nano),
		"method":      call.Method.Name,
		"params":      call.Method.MaskArgs(call.Args),
		"username":    nil,
		"credential":  string(call.Credential.Kind),
		"session":     nil,
		"address":     nil,
		"success":     callErr == nil,
		"error":       nil,
		"correlation": correlation.ID(ctx),
	}
	if call.Credential.Username != "" {
		row["username"] = call.Credential.Username
	}
	if req.Session != nil {
		row["session"] = req.Session.ID()
		row["address"] = req.Session.RemoteIP()
	}
	if callErr != nil {
		row["error"] = callErr.Error()
	}
	write := func(ctx context.Context) {
		if err := d.cfg.Audit.Append(ctx, row); err != nil {
			d.logger.Warn("rpc.audit.write_failed", "method", call.Method.Name, "error", err)
		}
	}
	bg := context.WithoutCancel(ctx)
	if err := d.cfg.Scheduler.Go(bg, true, write); err != nil {
		d.logger.Warn("rpc.audit.dropped", "method", call.Method.Name, "error", err)
	}
}
