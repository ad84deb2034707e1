package services

import (
	"context"
	"os"
	"runtime"
	"time"

	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/hostmetrics"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/version"
)

// Lifecycle event names.
const (
	EventReady    = "system.ready"
	EventShutdown = "system.shutdown"
)

func (s *Services) registerSystemEvents() error {
	if s.cfg.Bus == nil {
		return nil
	}
	for _, info := range []events.Info{
		{Name: EventReady, Description: "Sent once the system finished booting."},
		{Name: EventShutdown, Description: "Sent when the system starts shutting down."},
	} {
		if err := s.cfg.Bus.Register(info); err != nil {
			return err
		}
	}
	return nil
}

// Ready announces the end of boot.
func (s *Services) Ready() {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Send(EventReady, events.Added, nil, map[string]any{"state": StateReady})
	}
}

// ShuttingDown announces the start of shutdown.
func (s *Services) ShuttingDown() {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Send(EventShutdown, events.Added, nil, map[string]any{"state": StateShuttingDown})
	}
}

func (s *Services) systemMethods() []*registry.Method {
	return []*registry.Method{
		{
			Name:        "system.version",
			Description: "Returns the middleware version.",
			NoAuthz:     true,
			Result:      registry.Str(),
			Handler: func(context.Context, *registry.Call) (any, error) {
				return version.Semver(), nil
			},
		},
		{
			Name:        "system.ready",
			Description: "Reports whether the system finished booting.",
			NoAuth:      true,
			Result:      registry.Bool(),
			Handler: func(context.Context, *registry.Call) (any, error) {
				return s.state() == StateReady, nil
			},
		},
		{
			Name:        "system.state",
			Description: "Returns BOOTING, READY or SHUTTING_DOWN.",
			NoAuth:      true,
			Result:      registry.Str().Enum(StateBooting, StateReady, StateShuttingDown),
			Handler: func(context.Context, *registry.Call) (any, error) {
				return s.state(), nil
			},
		},
		{
			Name:        "system.info",
			Description: "Returns host information and the latest resource sample.",
			Blocking:    true,
			Handler:     s.info,
		},
	}
}

func (s *Services) info(ctx context.Context, _ *registry.Call) (any, error) {
	out := map[string]any{
		"version":  version.Semver(),
		"uptime":   s.clock.Now().Sub(s.started).Seconds(),
		"go":       runtime.Version(),
		"pid":      os.Getpid(),
		"datetime": s.clock.Now().UTC().Format(time.RFC3339),
	}
	info, err := hostmetrics.ReadHostInfo(ctx)
	if err != nil {
		s.logger.Warn("system.info.host_failed", "error", err)
	} else {
		out["hostname"] = info.Hostname
		out["platform"] = info.Platform
		out["platform_version"] = info.Version
		out["kernel"] = info.Kernel
		out["arch"] = info.Arch
		out["model"] = info.Model
		out["physical_cores"] = info.PhysicalCores
		out["cores"] = info.LogicalCores
		out["boottime"] = info.BootTime
		out["system_uptime"] = info.UptimeSeconds
	}
	if s.cfg.HostMetrics != nil {
		if sample, ok := s.cfg.HostMetrics.Last(); ok {
			out["resources"] = hostmetrics.Describe(sample)
		}
	}
	return out, nil
}
