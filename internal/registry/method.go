package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
)

// Handler implements a direct method.
type Handler func(ctx context.Context, call *Call) (any, error)

// JobHandler implements a job method.
type JobHandler func(ctx context.Context, job JobContext, call *Call) (any, error)

// JobContext is the handle a job callable uses to report progress.
type JobContext interface {
	ID() int64
	SetProgress(percent float64, description string, extra any)
	SetDescription(description string)
	// Logs is the append-only, byte-bounded job log.
	Logs() io.Writer
	// Input is the uploaded file for side-channel submissions, or nil.
	Input() io.Reader
	// Output collects the downloadable artifact.
	Output() io.Writer
	// Check returns a non-nil error once the job was aborted.
	Check() error
}

// Session is the caller's connection as seen by handlers that change
// authentication state.
type Session interface {
	ID() string
	RemoteIP() string
	Credential() *auth.Credential
	// Authenticate attaches cred; it fails when a credential is already
	// attached and replace is false.
	Authenticate(cred *auth.Credential, replace bool) error
	Logout()
	SetPendingLogin(p *auth.Pending)
	PendingLogin() *auth.Pending
}

// LoginLimiter is implemented by sessions that cap failed logins. Login
// handlers call LoginFailed after rejecting credentials.
type LoginLimiter interface {
	LoginFailed()
}

// Call carries one invocation into a handler.
type Call struct {
	Method     *Method
	Args       []any
	Credential *auth.Credential
	// FullPrivilege is true for callers allowed to see private fields.
	FullPrivilege bool
	// Session is nil for in-process callers.
	Session Session
}

// Arg returns positional argument i, or nil.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// ArgMap returns argument i as an object.
func (c *Call) ArgMap(i int) map[string]any {
	m, _ := c.Arg(i).(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ArgInt returns argument i as an integer.
func (c *Call) ArgInt(i int) int64 {
	n, _ := toInt(c.Arg(i))
	return n
}

// ArgString returns argument i as a string.
func (c *Call) ArgString(i int) string {
	s, _ := c.Arg(i).(string)
	return s
}

// Pipes declares side-channel streams of a job.
type Pipes struct {
	Input  bool
	Output bool
}

// JobSpec marks a method as a job.
type JobSpec struct {
	Handler JobHandler
	// Lock serializes jobs with the same key. LockFunc derives the key from
	// the validated args and takes precedence.
	Lock     string
	LockFunc func(args []any) string
	// LockQueueSize limits waiting jobs per lock; nil is unbounded, 0
	// rejects while a job with the lock is active, n returns the newest
	// waiting job once n are queued.
	LockQueueSize *int
	Abortable     bool
	Transient     bool
	Pipes         Pipes
}

// QueueSize returns a pointer for JobSpec.LockQueueSize.
func QueueSize(n int) *int { return &n }

// LockKey resolves the lock key for args.
func (j *JobSpec) LockKey(args []any) string {
	if j == nil {
		return ""
	}
	if j.LockFunc != nil {
		return j.LockFunc(args)
	}
	return j.Lock
}

// Method is an explicitly registered RPC entry point.
type Method struct {
	Name        string
	Description string
	Args        []Field
	Result      Schema
	// Resource is matched by allowlist resource globs; it defaults to Name.
	Resource string
	Private  bool
	NoAuth   bool
	NoAuthz  bool
	Blocking bool
	// Audit records external calls in the audit table.
	Audit bool
	// Timeout caps direct calls when the client sends none.
	Timeout time.Duration
	Handler Handler
	Job     *JobSpec
}

// Service returns the service half of the name.
func (m *Method) Service() string {
	svc, _, _ := strings.Cut(m.Name, ".")
	return svc
}

// IsJob reports whether calls create jobs.
func (m *Method) IsJob() bool { return m.Job != nil }

// Target returns the authorization target of a call.
func (m *Method) Target() auth.Target {
	return auth.Target{Method: m.Name, Resource: m.Resource, NoAuth: m.NoAuth, NoAuthz: m.NoAuthz}
}

// Validate decodes and validates the wire params.
func (m *Method) Validate(params []json.RawMessage) ([]any, error) {
	raw := make([]any, len(params))
	for i, p := range params {
		dec := json.NewDecoder(bytes.NewReader(p))
		dec.UseNumber()
		if err := dec.Decode(&raw[i]); err != nil {
			return nil, apierr.Validation(m.argName(i), apierr.CodeInvalidType, "invalid JSON")
		}
	}
	return m.check(raw)
}

// ValidateValues validates Go values supplied by in-process callers.
func (m *Method) ValidateValues(args []any) ([]any, error) {
	params := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, apierr.Validation(m.argName(i), apierr.CodeInvalidType, err.Error())
		}
		params[i] = data
	}
	return m.Validate(params)
}

func (m *Method) argName(i int) string {
	if i < len(m.Args) {
		return m.Args[i].Name
	}
	return strconv.Itoa(i)
}

// Object-typed positional arguments report their members without the
// argument name; scalar arguments report under their own name.
func (m *Method) check(raw []any) ([]any, error) {
	var errs apierr.ValidationErrors
	if len(raw) > len(m.Args) {
		for i := len(m.Args); i < len(raw); i++ {
			errs.Add(strconv.Itoa(i), apierr.CodeUnexpected, "too many arguments")
		}
	}
	out := make([]any, len(m.Args))
	for i, f := range m.Args {
		path := f.Name
		if _, isObject := f.Schema.(*ObjectSchema); isObject {
			path = ""
		}
		if i >= len(raw) {
			switch {
			case f.required:
				errs.Add(f.Name, apierr.CodeRequired, "attribute required")
			case f.hasDef:
				out[i] = cloneDefault(f.def)
			default:
				if obj, isObject := f.Schema.(*ObjectSchema); isObject && !obj.null {
					out[i] = obj.check(path, map[string]any{}, &errs)
				}
			}
			continue
		}
		out[i] = f.Schema.check(path, raw[i], &errs)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MaskArgs hides private argument fields.
func (m *Method) MaskArgs(args []any) []any {
	return MaskFields(m.Args, args)
}

// Serialize prunes sentinels from v and masks private fields unless full
// is set.
func (m *Method) Serialize(v any, full bool) any {
	v = Prune(v)
	if full || m.Result == nil {
		return v
	}
	return Mask(m.Result, v)
}

// Describe renders the method for core.get_methods.
func (m *Method) Describe() map[string]any {
	accepts := make([]any, len(m.Args))
	for i, f := range m.Args {
		d := f.Schema.Describe()
		d["title"] = f.Name
		if f.required {
			d["required"] = true
		}
		accepts[i] = d
	}
	out := map[string]any{
		"description": m.Description,
		"accepts":     accepts,
		"private":     m.Private,
		"job":         m.IsJob(),
		"blocking":    m.Blocking,
		"no_auth":     m.NoAuth,
	}
	if m.Result != nil {
		out["returns"] = m.Result.Describe()
	}
	if m.Job != nil {
		out["abortable"] = m.Job.Abortable
		out["pipes"] = map[string]bool{"input": m.Job.Pipes.Input, "output": m.Job.Pipes.Output}
	}
	return out
}

func (m *Method) validateDescriptor() error {
	svc, name, ok := strings.Cut(m.Name, ".")
	if !ok || svc == "" || name == "" {
		return fmt.Errorf("registry: method name %q must be service.method", m.Name)
	}
	if m.Job == nil && m.Handler == nil {
		return fmt.Errorf("registry: %s has no handler", m.Name)
	}
	if m.Job != nil && m.Job.Handler == nil {
		return fmt.Errorf("registry: job %s has no handler", m.Name)
	}
	for i, f := range m.Args {
		if f.Schema == nil {
			return fmt.Errorf("registry: %s argument %d has no schema", m.Name, i)
		}
	}
	return nil
}
