package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/middlewared/internal/alert"
	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/crud"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
)

// PoolTable holds storage pools.
const PoolTable = "storage.pool"

// Pool states.
const (
	PoolOnline   = "ONLINE"
	PoolDegraded = "DEGRADED"
	PoolFaulted  = "FAULTED"
	PoolOffline  = "OFFLINE"
)

// DefaultPoolCheckInterval schedules the pool status source.
const DefaultPoolCheckInterval = 5 * time.Minute

// scrubSteps splits a scrub into progress reports.
const scrubSteps = 20

// ClassPoolStatus is raised for every pool that is not ONLINE.
var ClassPoolStatus = &alert.Class{
	Name:      "PoolStatus",
	Category:  alert.CategoryStorage,
	Level:     alert.LevelCritical,
	Title:     "Pool Status Is Not Healthy",
	Text:      "Pool {{.name}} state is {{.status}}.",
	KeyFields: []string{"name"},
}

// ClassScrubFinished is sent once per completed scrub.
var ClassScrubFinished = &alert.Class{
	Name:               "ScrubFinished",
	Category:           alert.CategoryStorage,
	Level:              alert.LevelInfo,
	Title:              "Scrub Finished",
	Text:               "Scrub of pool {{.name}} finished.",
	OneShot:            true,
	KeepUntilDismissed: true,
	Dismissable:        true,
	KeyFields:          []string{"name"},
	DeleteKeys:         []string{"name"},
	ExpiresAfter:       24 * time.Hour,
}

var poolEntry = registry.Object(
	registry.F("name", registry.Str().NonEmpty().MaxLength(50).Pattern(`^[A-Za-z][A-Za-z0-9_.:-]*$`)).Required(),
	registry.F("status", registry.Str().Enum(PoolOnline, PoolDegraded, PoolFaulted, PoolOffline)).Default(PoolOnline),
	registry.F("size", registry.Int().Min(0)).Default(int64(0)),
	registry.F("autotrim", registry.Bool()).Default(false),
)

func (s *Services) newPoolService() (*crud.Service, error) {
	return crud.New(crud.Config{
		Namespace:   "pool",
		Table:       PoolTable,
		Entry:       poolEntry,
		Description: "Storage pools.",
		Unique:      []string{"name"},
		Extend: func(row filter.Row) filter.Row {
			out := make(filter.Row, len(row)+1)
			for k, v := range row {
				out[k] = v
			}
			out["healthy"] = row["status"] == PoolOnline
			return out
		},
		Store:  s.cfg.Store,
		Bus:    s.cfg.Bus,
		Hooks:  s.cfg.Hooks,
		Logger: s.logger,
	})
}

func (s *Services) poolMethods() []*registry.Method {
	return append(s.pools.Methods(), &registry.Method{
		Name:        "pool.import",
		Description: "Creates pools from an uploaded file of JSON objects, one per line. Returns the number of pools created.",
		Audit:       true,
		Job: &registry.JobSpec{
			Lock:      "pool.import",
			Pipes:     registry.Pipes{Input: true},
			Abortable: true,
			Handler:   s.importPools,
		},
	}, &registry.Method{
		Name:        "pool.export",
		Description: "Writes every pool as JSON lines to a downloadable output.",
		Job: &registry.JobSpec{
			Pipes:   registry.Pipes{Output: true},
			Handler: s.exportPools,
		},
	}, &registry.Method{
		Name:        "pool.scrub",
		Description: "Scrubs a pool. One scrub runs per pool; a second request while one runs is rejected.",
		Audit:       true,
		Args:        []registry.Field{registry.F("id", registry.Int()).Required()},
		Job: &registry.JobSpec{
			LockFunc: func(args []any) string {
				if len(args) == 0 {
					return "pool.scrub"
				}
				return fmt.Sprintf("pool.scrub.%v", args[0])
			},
			LockQueueSize: registry.QueueSize(0),
			Abortable:     true,
			Handler:       s.scrub,
		},
	})
}

func (s *Services) scrub(ctx context.Context, job registry.JobContext, call *registry.Call) (any, error) {
	pool, err := s.pools.Get(ctx, call.ArgInt(0))
	if err != nil {
		return nil, err
	}
	name, _ := pool["name"].(string)
	if pool["status"] == PoolFaulted || pool["status"] == PoolOffline {
		return nil, apierr.Conflict("Pool %s is %v and cannot be scrubbed", name, pool["status"])
	}
	job.SetDescription(fmt.Sprintf("Scrubbing pool %s", name))
	fmt.Fprintf(job.Logs(), "scrub of %s started\n", name)
	step := s.cfg.ScrubStep
	for i := 1; i <= scrubSteps; i++ {
		if err := job.Check(); err != nil {
			fmt.Fprintf(job.Logs(), "scrub of %s aborted at %d%%\n", name, (i-1)*100/scrubSteps)
			return nil, err
		}
		if step > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.clock.After(step):
			}
		}
		job.SetProgress(float64(i*100/scrubSteps), fmt.Sprintf("Scrubbing %s", name), nil)
	}
	fmt.Fprintf(job.Logs(), "scrub of %s finished\n", name)
	if s.cfg.Alerts != nil {
		if err := s.cfg.Alerts.OneshotCreate(ctx, ClassScrubFinished.Name, map[string]any{"name": name}); err != nil {
			s.logger.Warn("pool.scrub.alert_failed", "pool", name, "error", err)
		}
	}
	return map[string]any{"name": name, "errors": 0}, nil
}

func (s *Services) importPools(ctx context.Context, job registry.JobContext, _ *registry.Call) (any, error) {
	in := job.Input()
	if in == nil {
		return nil, apierr.Validation("file", apierr.CodeRequired, "pool.import requires an uploaded file")
	}
	dec := json.NewDecoder(in)
	dec.UseNumber()
	created := 0
	for line := 1; ; line++ {
		if err := job.Check(); err != nil {
			return nil, err
		}
		var entry map[string]any
		if err := dec.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, apierr.Validation(fmt.Sprintf("file.%d", line), apierr.CodeInvalid, fmt.Sprintf("invalid JSON: %v", err))
		}
		row, err := registry.Check(poolEntry, fmt.Sprintf("file.%d", line), entry)
		if err != nil {
			return nil, err
		}
		pool, err := s.pools.Create(ctx, row.(map[string]any))
		if err != nil {
			return nil, err
		}
		created++
		fmt.Fprintf(job.Logs(), "created pool %v\n", pool["name"])
		job.SetProgress(0, fmt.Sprintf("Imported %d pools", created), nil)
	}
	job.SetProgress(100, fmt.Sprintf("Imported %d pools", created), nil)
	return created, nil
}

func (s *Services) exportPools(ctx context.Context, job registry.JobContext, _ *registry.Call) (any, error) {
	out, err := s.pools.Query(ctx, filter.Expr{}, filter.Options{})
	if err != nil {
		return nil, err
	}
	rows, _ := out.([]filter.Row)
	enc := json.NewEncoder(job.Output())
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return len(rows), nil
}

// poolStatusSource raises ClassPoolStatus for unhealthy pools.
func (s *Services) poolStatusSource() *alert.Source {
	interval := s.cfg.PoolCheckInterval
	if interval <= 0 {
		interval = DefaultPoolCheckInterval
	}
	return &alert.Source{
		Name:     "PoolStatus",
		Schedule: alert.Interval(interval),
		Check: func(ctx context.Context) ([]*alert.Alert, error) {
			rows, err := s.cfg.Store.Rows(ctx, PoolTable, filter.Expr{})
			if err != nil {
				return nil, err
			}
			var out []*alert.Alert
			for _, row := range rows {
				if row["status"] == PoolOnline {
					continue
				}
				out = append(out, alert.New(ClassPoolStatus, map[string]any{"name": row["name"], "status": row["status"]}))
			}
			return out, nil
		},
	}
}
