package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"pkt.systems/middlewared/internal/alert"
	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/crud"
	"pkt.systems/middlewared/internal/datastore"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
)

// AlertClassesTable stores the single row of per-class overrides.
const AlertClassesTable = "system.alertclasses"

const alertClassesID = 1

// ClassSmbShareLocked is raised by sharing code for shares whose dataset
// is locked.
var ClassSmbShareLocked = &alert.Class{
	Name:       "SmbShareLocked",
	Category:   alert.CategorySharing,
	Level:      alert.LevelWarning,
	Title:      "SMB Share Path Is Locked",
	Text:       "SMB share {{.id}} is unavailable because its dataset is locked.",
	OneShot:    true,
	KeyFields:  []string{"id"},
	DeleteKeys: []string{"id"},
}

func (s *Services) registerAlertClasses() error {
	for _, c := range []*alert.Class{ClassSmbShareLocked, ClassPoolStatus, ClassScrubFinished} {
		if err := s.cfg.Alerts.RegisterClass(c); err != nil {
			return err
		}
	}
	return s.cfg.Alerts.RegisterSource(s.poolStatusSource())
}

func (s *Services) alertMethods() []*registry.Method {
	uuid := registry.F("uuid", registry.Str().NonEmpty()).Required()
	return []*registry.Method{
		{
			Name:        "alert.list",
			Description: "Lists active alerts.",
			Handler: func(context.Context, *registry.Call) (any, error) {
				return s.cfg.Alerts.List(), nil
			},
		},
		{
			Name:        "alert.dismiss",
			Description: "Dismisses an alert.",
			Audit:       true,
			Args:        []registry.Field{uuid},
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				s.cfg.Alerts.Dismiss(call.ArgString(0))
				return nil, nil
			},
		},
		{
			Name:        "alert.restore",
			Description: "Restores a dismissed alert.",
			Audit:       true,
			Args:        []registry.Field{uuid},
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				s.cfg.Alerts.Restore(call.ArgString(0))
				return nil, nil
			},
		},
		{
			Name:        "alert.list_policies",
			Description: "Lists the alert delivery policies.",
			Result:      registry.List(registry.Str()),
			Handler: func(context.Context, *registry.Call) (any, error) {
				out := make([]any, len(alert.Policies))
				for i, p := range alert.Policies {
					out[i] = p
				}
				return out, nil
			},
		},
		{
			Name:        "alert.list_categories",
			Description: "Lists alert categories and their classes.",
			Handler: func(context.Context, *registry.Call) (any, error) {
				return s.cfg.Alerts.ListCategories(), nil
			},
		},
		{
			Name:        "alert.oneshot_create",
			Description: "Raises a one-shot alert. Raising the same alert again only updates it.",
			Private:     true,
			Args: []registry.Field{
				registry.F("klass", registry.Str().NonEmpty()).Required(),
				registry.F("args", registry.Any()).Default(nil),
			},
			Handler: s.oneshotCreate,
		},
		{
			Name:        "alert.oneshot_delete",
			Description: "Deletes one-shot alerts of one or more classes selected by query.",
			Private:     true,
			Args: []registry.Field{
				registry.F("klass", registry.Any()).Required(),
				registry.F("query", registry.Any()).Default(nil),
			},
			Handler: s.oneshotDelete,
		},
		{
			Name:        "alert.run_source",
			Description: "Runs an alert source and returns its alerts without changing the active set.",
			Private:     true,
			Blocking:    true,
			Args:        []registry.Field{registry.F("name", registry.Str().NonEmpty()).Required()},
			Handler: func(ctx context.Context, call *registry.Call) (any, error) {
				return s.cfg.Alerts.RunSource(ctx, call.ArgString(0))
			},
		},
		{
			Name:        "alert.block_source",
			Description: "Stops an alert source from running until unblocked or the timeout passes. Returns the lock.",
			Private:     true,
			Args: []registry.Field{
				registry.F("source_name", registry.Str().NonEmpty()).Required(),
				registry.F("timeout", registry.Int().Min(1)).Default(int64(alert.DefaultBlockTimeout / time.Second)),
			},
			Result: registry.Str(),
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				return s.cfg.Alerts.BlockSource(call.ArgString(0), time.Duration(call.ArgInt(1))*time.Second)
			},
		},
		{
			Name:        "alert.unblock_source",
			Description: "Releases a lock returned by alert.block_source.",
			Private:     true,
			Args:        []registry.Field{registry.F("lock", registry.Str()).Required()},
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				s.cfg.Alerts.UnblockSource(call.ArgString(0))
				return nil, nil
			},
		},
		{
			Name:        "alert.sources_stats",
			Description: "Returns run-time statistics of the alert sources.",
			Private:     true,
			Handler: func(context.Context, *registry.Call) (any, error) {
				return s.cfg.Alerts.SourcesStats(), nil
			},
		},
	}
}

func (s *Services) oneshotCreate(ctx context.Context, call *registry.Call) (any, error) {
	var args map[string]any
	switch v := call.Arg(1).(type) {
	case nil:
	case map[string]any:
		args = v
	default:
		return nil, apierr.Validation("args", apierr.CodeInvalidType, "args must be an object")
	}
	return nil, s.cfg.Alerts.OneshotCreate(ctx, call.ArgString(0), args)
}

func (s *Services) oneshotDelete(ctx context.Context, call *registry.Call) (any, error) {
	var classes []string
	switch v := call.Arg(0).(type) {
	case string:
		classes = []string{v}
	case []any:
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return nil, apierr.Validation("klass", apierr.CodeInvalidType, "klass must be a string or a list of strings")
			}
			classes = append(classes, name)
		}
	default:
		return nil, apierr.Validation("klass", apierr.CodeInvalidType, "klass must be a string or a list of strings")
	}
	return nil, s.cfg.Alerts.OneshotDelete(ctx, classes, call.Arg(1))
}

func (s *Services) newAlertServiceService() (*crud.Service, error) {
	return crud.New(crud.Config{
		Namespace: "alertservice",
		Table:     alert.ServiceTable,
		Entry:     alertServiceEntry(),
		Result: registry.Object(
			registry.F("id", registry.Int()),
			registry.F("name", registry.Str()),
			registry.F("type", registry.Str()),
			registry.F("level", registry.Str()),
			registry.F("enabled", registry.Bool()),
			registry.F("attributes", registry.Dict()).Private(),
		).Additional(),
		Description: "Alert delivery services.",
		Compose: func(_ context.Context, _ datastore.Querier, row, _ filter.Row) error {
			return s.composeAlertService(row)
		},
		Extend: func(row filter.Row) filter.Row {
			out := make(filter.Row, len(row)+1)
			for k, v := range row {
				out[k] = v
			}
			name, _ := row["type"].(string)
			if t, ok := s.cfg.Alerts.ServiceType(name); ok {
				out["type__title"] = t.Title
			}
			return out
		},
		Store:  s.cfg.Store,
		Bus:    s.cfg.Bus,
		Hooks:  s.cfg.Hooks,
		Logger: s.logger,
	})
}

func alertServiceEntry() *registry.ObjectSchema {
	return registry.Object(
		registry.F("name", registry.Str().NonEmpty()).Required(),
		registry.F("type", registry.Str().NonEmpty()).Required(),
		registry.F("level", registry.Str().Enum(alert.LevelNames()...)).Default(alert.LevelWarning.String()),
		registry.F("enabled", registry.Bool()).Default(true),
		registry.F("attributes", registry.Dict()).Default(map[string]any{}),
	)
}

// composeAlertService checks the type and its attributes.
func (s *Services) composeAlertService(row filter.Row) error {
	name, _ := row["type"].(string)
	t, ok := s.cfg.Alerts.ServiceType(name)
	if !ok {
		return apierr.Validation("type", apierr.CodeEnum, fmt.Sprintf("type must be one of %v", s.cfg.Alerts.ServiceTypes()))
	}
	attrs, _ := row["attributes"].(map[string]any)
	if attrs == nil {
		attrs = map[string]any{}
	}
	if t.Attributes != nil {
		checked, err := registry.Check(t.Attributes, "attributes", attrs)
		if err != nil {
			return err
		}
		attrs, _ = registry.Prune(checked).(map[string]any)
	}
	if t.New != nil {
		if _, err := t.New(attrs); err != nil {
			return apierr.Validation("attributes", apierr.CodeInvalid, err.Error())
		}
	}
	row["attributes"] = attrs
	return nil
}

func (s *Services) alertServiceMethods() []*registry.Method {
	return append(s.alertServices.Methods(),
		&registry.Method{
			Name:        "alertservice.test",
			Description: "Sends a test alert through an unsaved service configuration. Returns false when delivery failed.",
			Blocking:    true,
			Args:        []registry.Field{registry.F("data", alertServiceEntry())},
			Result:      registry.Bool(),
			Handler:     s.testAlertService,
		},
		&registry.Method{
			Name:        "alertservice.list_types",
			Description: "Lists the alert service types.",
			Handler: func(context.Context, *registry.Call) (any, error) {
				var out []any
				for _, name := range s.cfg.Alerts.ServiceTypes() {
					t, _ := s.cfg.Alerts.ServiceType(name)
					out = append(out, map[string]any{"name": t.Name, "title": t.Title})
				}
				return out, nil
			},
		},
	)
}

func (s *Services) testAlertService(ctx context.Context, call *registry.Call) (any, error) {
	row := filter.Row(registry.Prune(call.ArgMap(0)).(map[string]any))
	if err := s.composeAlertService(row); err != nil {
		return nil, err
	}
	sc, err := alert.ServiceConfigFromRow(row)
	if err != nil {
		return nil, apierr.Validation("level", apierr.CodeEnum, err.Error())
	}
	if err := s.cfg.Alerts.TestService(ctx, sc); err != nil {
		if _, ok := apierr.As(err); ok {
			return nil, err
		}
		s.logger.Warn("alertservice.test.failed", "type", sc.Type, "error", err)
		return false, nil
	}
	return true, nil
}

func (s *Services) alertClassesMethods() []*registry.Method {
	return []*registry.Method{
		{
			Name:        "alertclasses.config",
			Description: "Returns the per-class level and policy overrides.",
			Handler: func(context.Context, *registry.Call) (any, error) {
				return s.alertClassesRow(s.cfg.Alerts.ClassSettings()), nil
			},
		},
		{
			Name:        "alertclasses.update",
			Description: "Replaces the per-class level and policy overrides.",
			Audit:       true,
			Args: []registry.Field{registry.F("data", registry.Object(
				registry.F("classes", registry.Dict()),
			).ForUpdate())},
			Handler: s.updateAlertClasses,
		},
	}
}

func (s *Services) alertClassesRow(settings map[string]alert.ClassSetting) map[string]any {
	names := make([]string, 0, len(settings))
	for name := range settings {
		names = append(names, name)
	}
	sort.Strings(names)
	classes := make(map[string]any, len(settings))
	for _, name := range names {
		v := settings[name]
		entry := map[string]any{}
		if v.Level != "" {
			entry["level"] = v.Level
		}
		if v.Policy != "" {
			entry["policy"] = v.Policy
		}
		if v.ProactiveSupport != nil {
			entry["proactive_support"] = *v.ProactiveSupport
		}
		classes[name] = entry
	}
	return map[string]any{"id": int64(alertClassesID), "classes": classes}
}

func decodeClassSettings(raw any) (map[string]alert.ClassSetting, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	out := map[string]alert.ClassSetting{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Services) updateAlertClasses(ctx context.Context, call *registry.Call) (any, error) {
	data := registry.Changed(call.ArgMap(0))
	raw, ok := data["classes"]
	if !ok {
		return s.alertClassesRow(s.cfg.Alerts.ClassSettings()), nil
	}
	settings, err := decodeClassSettings(raw)
	if err != nil {
		return nil, apierr.Validation("alert_class_update.classes", apierr.CodeInvalidType, err.Error())
	}
	if err := s.cfg.Alerts.ValidateClassSettings("alert_class_update.classes", settings); err != nil {
		return nil, err
	}
	row := s.alertClassesRow(settings)
	err = s.cfg.Store.Transaction(ctx, func(tx datastore.Querier) error {
		if _, err := tx.GetInstance(ctx, AlertClassesTable, alertClassesID); err != nil {
			if !errors.Is(err, datastore.ErrNotFound) {
				return err
			}
			_, err = tx.Insert(ctx, AlertClassesTable, row)
			return err
		}
		_, err := tx.Update(ctx, AlertClassesTable, alertClassesID, filter.Row{"classes": row["classes"]})
		return err
	})
	if err != nil {
		return nil, apierr.Transient(err, "datastore unavailable")
	}
	s.cfg.Alerts.SetClassSettings(settings)
	return row, nil
}

func (s *Services) loadClassSettings(ctx context.Context) (map[string]alert.ClassSetting, error) {
	row, err := s.cfg.Store.GetInstance(ctx, AlertClassesTable, alertClassesID)
	if errors.Is(err, datastore.ErrNotFound) {
		return map[string]alert.ClassSetting{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("services: load alert classes: %w", err)
	}
	return decodeClassSettings(row["classes"])
}
