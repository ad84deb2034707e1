package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/jobs"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/sidechannel"
)

// DownloadTokenTTL bounds tokens minted by core.job_download_logs.
const DownloadTokenTTL = time.Minute

// JobVisibility restricts core.get_jobs deliveries to the subscriber's own
// jobs unless full is set.
func JobVisibility(cred *auth.Credential, full bool) func(events.Event) bool {
	if full {
		return nil
	}
	username := ""
	if cred != nil {
		username = cred.Username
	}
	return func(ev events.Event) bool {
		if ev.Kind == events.Removed {
			return true
		}
		creds, _ := ev.Fields["credentials"].(map[string]any)
		owner, _ := creds["username"].(string)
		return username != "" && owner == username
	}
}

func (s *Services) coreMethods() []*registry.Method {
	jobID := registry.F("id", registry.Int().Min(1)).Required()
	return []*registry.Method{
		{
			Name:        "core.ping",
			Description: "Returns pong.",
			NoAuth:      true,
			Result:      registry.Str(),
			Handler: func(context.Context, *registry.Call) (any, error) {
				return "pong", nil
			},
		},
		{
			Name:        "core.get_services",
			Description: "Lists registered services.",
			NoAuthz:     true,
			Handler: func(context.Context, *registry.Call) (any, error) {
				return s.cfg.Registry.Services(), nil
			},
		},
		{
			Name:        "core.get_methods",
			Description: "Describes the public methods, optionally of one service.",
			NoAuthz:     true,
			Args:        []registry.Field{registry.F("service", registry.Str().Nullable()).Default(nil)},
			Handler:     s.getMethods,
		},
		{
			Name:        "core.get_events",
			Description: "Describes the public event collections.",
			NoAuthz:     true,
			Handler: func(context.Context, *registry.Call) (any, error) {
				out := map[string]any{}
				if s.cfg.Bus == nil {
					return out, nil
				}
				for _, info := range s.cfg.Bus.List() {
					if info.Private {
						continue
					}
					out[info.Name] = map[string]any{"description": info.Description}
				}
				return out, nil
			},
		},
		{
			Name:        "core.get_jobs",
			Description: "Queries jobs. Users without full privileges see their own jobs only.",
			NoAuthz:     true,
			Args: []registry.Field{
				registry.F("filters", registry.List(registry.Any())).Default([]any{}),
				registry.F("options", registry.Dict()).Default(map[string]any{}),
			},
			Handler: s.getJobs,
		},
		{
			Name:        "core.job_wait",
			Description: "Waits for a job and returns its result.",
			NoAuthz:     true,
			Args:        []registry.Field{jobID},
			Handler:     s.jobWait,
		},
		{
			Name:        "core.job_abort",
			Description: "Aborts a job.",
			NoAuthz:     true,
			Audit:       true,
			Args:        []registry.Field{jobID},
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				if err := s.cfg.Jobs.Abort(call.ArgInt(0), call.Credential, call.FullPrivilege); err != nil {
					return nil, err
				}
				return nil, nil
			},
		},
		{
			Name:        "core.job_update",
			Description: "Updates progress or description of a running job.",
			Private:     true,
			Args: []registry.Field{
				jobID,
				registry.F("data", registry.Object(
					registry.F("progress", registry.Object(
						registry.F("percent", registry.Float().Nullable()).Default(nil),
						registry.F("description", registry.Str().Nullable()).Default(nil),
						registry.F("extra", registry.Any()).Default(nil),
					)),
					registry.F("description", registry.Str()),
				).ForUpdate()),
			},
			Handler: s.jobUpdate,
		},
		{
			Name:        "core.job_download_logs",
			Description: "Returns a single-use URL serving the job log.",
			NoAuthz:     true,
			Args:        []registry.Field{jobID},
			Result:      registry.Str(),
			Handler:     s.jobDownloadLogs,
		},
	}
}

func (s *Services) getMethods(_ context.Context, call *registry.Call) (any, error) {
	service, _ := call.Arg(0).(string)
	out := map[string]any{}
	for _, m := range s.cfg.Registry.Methods() {
		if m.Private {
			continue
		}
		if service != "" && m.Service() != service {
			continue
		}
		out[m.Name] = m.Describe()
	}
	return out, nil
}

func (s *Services) getJobs(_ context.Context, call *registry.Call) (any, error) {
	expr, err := filter.Parse(call.Arg(0))
	if err != nil {
		return nil, apierr.Validation("filters", apierr.CodeInvalid, err.Error())
	}
	opts, err := filter.ParseOptions(call.Arg(1))
	if err != nil {
		return nil, apierr.Validation("options", apierr.CodeInvalid, err.Error())
	}
	out, err := s.cfg.Jobs.Query(call.Credential, call.FullPrivilege, expr, opts)
	if errors.Is(err, filter.ErrNoMatch) {
		return nil, apierr.NotFound("Job not found")
	}
	return out, err
}

// visibleJob returns job id if the caller may see it.
func (s *Services) visibleJob(call *registry.Call, id int64) (*jobs.Job, error) {
	job, err := s.cfg.Jobs.Lookup(id)
	if err != nil || !jobs.Visible(job, call.Credential, call.FullPrivilege) {
		return nil, apierr.NotFound("Job %d not found", id)
	}
	return job, nil
}

func (s *Services) jobWait(ctx context.Context, call *registry.Call) (any, error) {
	id := call.ArgInt(0)
	if _, err := s.visibleJob(call, id); err != nil {
		return nil, err
	}
	job, err := s.cfg.Jobs.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	result, jobErr := job.Result()
	if jobErr != nil {
		return nil, jobErr
	}
	return result, nil
}

func (s *Services) jobUpdate(_ context.Context, call *registry.Call) (any, error) {
	job, err := s.cfg.Jobs.Lookup(call.ArgInt(0))
	if err != nil {
		return nil, apierr.NotFound("Job %d not found", call.ArgInt(0))
	}
	if job.State().Finished() {
		return nil, apierr.Conflict("Job %d has already finished", job.ID())
	}
	data := registry.Changed(call.ArgMap(1))
	if progress, ok := data["progress"].(map[string]any); ok {
		percent, _ := progress["percent"].(float64)
		desc, _ := progress["description"].(string)
		job.SetProgress(percent, desc, progress["extra"])
	}
	if desc, ok := data["description"].(string); ok {
		job.SetDescription(desc)
	}
	return nil, nil
}

func (s *Services) jobDownloadLogs(_ context.Context, call *registry.Call) (any, error) {
	job, err := s.visibleJob(call, call.ArgInt(0))
	if err != nil {
		return nil, err
	}
	if s.cfg.Authenticator == nil || s.cfg.Authenticator.Tokens() == nil {
		return nil, apierr.Conflict("Downloads are not available")
	}
	sessionID := ""
	if call.Session != nil {
		sessionID = call.Session.ID()
	}
	token, err := s.cfg.Authenticator.Tokens().Create(call.Credential, sessionID, auth.TokenOptions{
		TTL:       DownloadTokenTTL,
		SingleUse: true,
		Attrs:     map[string]any{"job": job.ID()},
	})
	if err != nil {
		return nil, apierr.NotAuthorized()
	}
	return fmt.Sprintf("%s%d/log?auth_token=%s", sidechannel.DownloadPath, job.ID(), token), nil
}
