// Package crud builds the query/get_instance/create/update/delete method
// set for a datastore table and publishes every change on the table's
// `<namespace>.query` collection.
package crud

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/datastore"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/svcfields"
)

// Hooks receives post-change notifications; hooks.Registry satisfies it.
type Hooks interface {
	Call(ctx context.Context, hook string, args ...any)
}

// Config describes one CRUD namespace.
type Config struct {
	// Namespace prefixes the methods ("group" → group.create).
	Namespace string
	Table     string
	// Entry validates create payloads; updates use Entry.ForUpdate().
	Entry *registry.ObjectSchema
	// Result describes stored rows for masking; defaults to Entry plus id.
	Result      *registry.ObjectSchema
	Description string
	// Unique fields are checked inside the write transaction.
	Unique []string
	// Private hides the whole namespace from external sessions.
	Private bool

	// Compose runs inside the write transaction with the full candidate
	// row (for updates: stored row merged with changes; old is the stored
	// row, nil on create). It may mutate row and returns validation errors.
	Compose func(ctx context.Context, tx datastore.Querier, row, old filter.Row) error
	// Extend shapes a stored row for output.
	Extend func(row filter.Row) filter.Row
	// BeforeDelete may refuse deletion.
	BeforeDelete func(ctx context.Context, tx datastore.Querier, row filter.Row) error

	Store  datastore.Datastore
	Bus    *events.Bus
	Hooks  Hooks
	Logger pslog.Logger
}

// Service is the CRUD method set of one namespace.
type Service struct {
	cfg    Config
	event  string
	result *registry.ObjectSchema
	logger pslog.Logger
}

// Hook names called after each change with (id, row).
func (s *Service) HookCreated() string { return s.cfg.Namespace + ".post_create" }
func (s *Service) HookUpdated() string { return s.cfg.Namespace + ".post_update" }
func (s *Service) HookDeleted() string { return s.cfg.Namespace + ".post_delete" }

// New validates cfg and registers the namespace's query event.
func New(cfg Config) (*Service, error) {
	if cfg.Namespace == "" || cfg.Table == "" {
		return nil, fmt.Errorf("crud: namespace and table are required")
	}
	if cfg.Entry == nil {
		return nil, fmt.Errorf("crud: %s has no entry schema", cfg.Namespace)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("crud: %s has no datastore", cfg.Namespace)
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	s := &Service{
		cfg:    cfg,
		event:  cfg.Namespace + ".query",
		logger: svcfields.WithSubsystem(cfg.Logger, "crud."+cfg.Namespace),
	}
	s.result = cfg.Result
	if s.result == nil {
		fields := append([]registry.Field{registry.F("id", registry.Int())}, cfg.Entry.Fields()...)
		s.result = registry.Object(fields...).Additional()
	}
	if cfg.Bus != nil {
		if err := cfg.Bus.Register(events.Info{
			Name:        s.event,
			Description: fmt.Sprintf("Sent on %s changes.", cfg.Namespace),
			Private:     cfg.Private,
		}); err != nil {
			return nil, err
		}
		cfg.Bus.RegisterSnapshot(s.event, s.snapshot)
	}
	return s, nil
}

// Event returns the collection name changes are published on.
func (s *Service) Event() string { return s.event }

// Methods returns the five CRUD methods. extra methods of the namespace
// are registered separately by its owner.
func (s *Service) Methods() []*registry.Method {
	ns := s.cfg.Namespace
	return []*registry.Method{
		{
			Name:        ns + ".query",
			Description: fmt.Sprintf("Query %s entries.", ns),
			Args: []registry.Field{
				registry.F("filters", registry.List(registry.Any())).Default([]any{}),
				registry.F("options", registry.Dict()).Default(map[string]any{}),
			},
			Result:  registry.List(s.result),
			Private: s.cfg.Private,
			Handler: s.handleQuery,
		},
		{
			Name:        ns + ".get_instance",
			Description: fmt.Sprintf("Return one %s entry.", ns),
			Args:        []registry.Field{registry.F("id", registry.Int()).Required()},
			Result:      s.result,
			Private:     s.cfg.Private,
			Handler: func(ctx context.Context, call *registry.Call) (any, error) {
				return s.Get(ctx, call.ArgInt(0))
			},
		},
		{
			Name:        ns + ".create",
			Description: fmt.Sprintf("Create a %s entry.", ns),
			Args:        []registry.Field{registry.F("data", s.cfg.Entry)},
			Result:      s.result,
			Private:     s.cfg.Private,
			Audit:       true,
			Handler: func(ctx context.Context, call *registry.Call) (any, error) {
				return s.Create(ctx, call.ArgMap(0))
			},
		},
		{
			Name:        ns + ".update",
			Description: fmt.Sprintf("Update a %s entry. Absent fields are left unchanged.", ns),
			Args: []registry.Field{
				registry.F("id", registry.Int()).Required(),
				registry.F("data", s.cfg.Entry.ForUpdate()),
			},
			Result:  s.result,
			Private: s.cfg.Private,
			Audit:   true,
			Handler: func(ctx context.Context, call *registry.Call) (any, error) {
				return s.Update(ctx, call.ArgInt(0), registry.Changed(call.ArgMap(1)))
			},
		},
		{
			Name:        ns + ".delete",
			Description: fmt.Sprintf("Delete a %s entry.", ns),
			Args:        []registry.Field{registry.F("id", registry.Int()).Required()},
			Result:      registry.Bool(),
			Private:     s.cfg.Private,
			Audit:       true,
			Handler: func(ctx context.Context, call *registry.Call) (any, error) {
				if err := s.Delete(ctx, call.ArgInt(0)); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
	}
}

func (s *Service) handleQuery(ctx context.Context, call *registry.Call) (any, error) {
	expr, err := filter.Parse(call.Arg(0))
	if err != nil {
		return nil, apierr.Validation("filters", apierr.CodeInvalid, err.Error())
	}
	opts, err := filter.ParseOptions(call.Arg(1))
	if err != nil {
		return nil, apierr.Validation("options", apierr.CodeInvalid, err.Error())
	}
	return s.Query(ctx, expr, opts)
}

// Query returns rows of the table shaped by Extend.
func (s *Service) Query(ctx context.Context, expr filter.Expr, opts filter.Options) (any, error) {
	rows, err := s.cfg.Store.Rows(ctx, s.cfg.Table, filter.Expr{})
	if err != nil {
		return nil, s.storeError(err)
	}
	for i, row := range rows {
		rows[i] = s.extend(row)
	}
	out, err := filter.Apply(rows, expr, opts)
	if errors.Is(err, filter.ErrNoMatch) {
		return nil, apierr.NotFound("%s entry not found", s.cfg.Namespace)
	}
	return out, err
}

// Get returns one row.
func (s *Service) Get(ctx context.Context, id int64) (filter.Row, error) {
	row, err := s.cfg.Store.GetInstance(ctx, s.cfg.Table, id)
	if err != nil {
		return nil, s.storeError(err)
	}
	return s.extend(row), nil
}

// Create validates uniqueness, stores row and publishes ADDED.
func (s *Service) Create(ctx context.Context, row filter.Row) (filter.Row, error) {
	return s.CreateThen(ctx, row, nil)
}

// CreateThen is Create with after run inside the write transaction once the
// row has its id, e.g. to store values derived from the id.
func (s *Service) CreateThen(ctx context.Context, row filter.Row, after func(ctx context.Context, tx datastore.Querier, id int64) error) (filter.Row, error) {
	row = registry.Prune(row).(map[string]any)
	var stored filter.Row
	err := s.cfg.Store.Transaction(ctx, func(tx datastore.Querier) error {
		if err := s.compose(ctx, tx, row, nil); err != nil {
			return err
		}
		id, err := tx.Insert(ctx, s.cfg.Table, row)
		if err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, tx, id); err != nil {
				return err
			}
		}
		stored, err = tx.GetInstance(ctx, s.cfg.Table, id)
		return err
	})
	if err != nil {
		return nil, s.storeError(err)
	}
	out := s.extend(stored)
	s.publish(ctx, events.Added, out, s.HookCreated())
	return out, nil
}

// Update merges changes into the stored row and publishes CHANGED.
func (s *Service) Update(ctx context.Context, id int64, changes filter.Row) (filter.Row, error) {
	var stored filter.Row
	err := s.cfg.Store.Transaction(ctx, func(tx datastore.Querier) error {
		old, err := tx.GetInstance(ctx, s.cfg.Table, id)
		if err != nil {
			return err
		}
		merged := make(filter.Row, len(old)+len(changes))
		for k, v := range old {
			merged[k] = v
		}
		for k, v := range changes {
			merged[k] = v
		}
		if err := s.compose(ctx, tx, merged, old); err != nil {
			return err
		}
		delete(merged, "id")
		stored, err = tx.Update(ctx, s.cfg.Table, id, merged)
		return err
	})
	if err != nil {
		return nil, s.storeError(err)
	}
	out := s.extend(stored)
	s.publish(ctx, events.Changed, out, s.HookUpdated())
	return out, nil
}

// Delete removes a row and publishes REMOVED.
func (s *Service) Delete(ctx context.Context, id int64) error {
	var old filter.Row
	err := s.cfg.Store.Transaction(ctx, func(tx datastore.Querier) error {
		var err error
		if old, err = tx.GetInstance(ctx, s.cfg.Table, id); err != nil {
			return err
		}
		if s.cfg.BeforeDelete != nil {
			if err := s.cfg.BeforeDelete(ctx, tx, old); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, s.cfg.Table, id)
	})
	if err != nil {
		return s.storeError(err)
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Send(s.event, events.Removed, id, filter.Row{"id": id})
	}
	if s.cfg.Hooks != nil {
		s.cfg.Hooks.Call(ctx, s.HookDeleted(), id, s.extend(old))
	}
	return nil
}

func (s *Service) compose(ctx context.Context, tx datastore.Querier, row, old filter.Row) error {
	var errs apierr.ValidationErrors
	var selfID int64 = -1
	if old != nil {
		selfID, _ = old["id"].(int64)
	}
	for _, field := range s.cfg.Unique {
		val, ok := row[field]
		if !ok || val == nil {
			continue
		}
		matches, err := tx.Rows(ctx, s.cfg.Table, filter.Eq(field, val))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if id, _ := m["id"].(int64); id != selfID {
				errs.Add(field, apierr.CodeExists, fmt.Sprintf("%s %v already exists", field, val))
				break
			}
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}
	if s.cfg.Compose != nil {
		return s.cfg.Compose(ctx, tx, row, old)
	}
	return nil
}

func (s *Service) extend(row filter.Row) filter.Row {
	if s.cfg.Extend != nil {
		return s.cfg.Extend(row)
	}
	return row
}

func (s *Service) publish(ctx context.Context, kind events.Kind, row filter.Row, hook string) {
	id := row["id"]
	if s.cfg.Bus != nil {
		fields, _ := registry.Mask(s.result, row).(map[string]any)
		s.cfg.Bus.Send(s.event, kind, id, fields)
	}
	if s.cfg.Hooks != nil {
		s.cfg.Hooks.Call(ctx, hook, id, row)
	}
}

func (s *Service) snapshot(ctx context.Context, sub *events.Subscription) ([]events.Event, error) {
	rows, err := s.cfg.Store.Rows(ctx, s.cfg.Table, filter.Expr{})
	if err != nil {
		return nil, err
	}
	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		row = s.extend(row)
		fields, _ := registry.Mask(s.result, row).(map[string]any)
		out = append(out, events.Event{Name: s.event, Kind: events.Added, ID: row["id"], Fields: fields})
	}
	return out, nil
}

func (s *Service) storeError(err error) error {
	if _, ok := apierr.As(err); ok {
		return err
	}
	if errors.Is(err, datastore.ErrNotFound) {
		return apierr.NotFound("%s entry not found", s.cfg.Namespace)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Warn("crud.store.failed", "table", s.cfg.Table, "error", err)
	return apierr.Transient(err, "datastore unavailable")
}
