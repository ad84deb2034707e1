package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/datastore"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
)

type recordedEvent struct {
	kind   events.Kind
	id     any
	fields filter.Row
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Send(name string, kind events.Kind, id any, fields filter.Row) {
	if name != Collection {
		return
	}
	p.mu.Lock()
	p.events = append(p.events, recordedEvent{kind: kind, id: id, fields: fields})
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.kind)
	}
	return out
}

type recordingService struct {
	mu       sync.Mutex
	messages []Message
}

func (s *recordingService) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return nil
}

func (s *recordingService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *recordingService) last() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[len(s.messages)-1]
}

var smbShareLocked = &Class{
	Name:       "SmbShareLocked",
	Category:   CategorySharing,
	Level:      LevelWarning,
	Title:      "SMB Share Locked",
	Text:       "Share {{.name}} is locked.",
	OneShot:    true,
	KeyFields:  []string{"id"},
	DeleteKeys: []string{"id"},
}

var poolDegraded = &Class{
	Name:     "PoolDegraded",
	Category: CategoryStorage,
	Level:    LevelCritical,
	Title:    "Pool Degraded",
	Text:     "Pool {{.name}} is {{.state}}.",
}

type testEngine struct {
	*Engine
	clock     *clock.Manual
	publisher *recordingPublisher
	store     *datastore.Store
	service   *recordingService
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	ctx := context.Background()
	store, err := datastore.Open(ctx, filepath.Join(t.TempDir(), "db.sqlite"), pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	te := &testEngine{
		clock:     clock.NewManual(time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)),
		publisher: &recordingPublisher{},
		store:     store,
		service:   &recordingService{},
	}
	te.Engine = NewEngine(Config{
		Hostname:  "nas",
		Clock:     te.clock,
		Logger:    pslog.NoopLogger(),
		Publisher: te.publisher,
		Store:     store,
	})
	for _, c := range []*Class{smbShareLocked, poolDegraded} {
		if err := te.RegisterClass(c); err != nil {
			t.Fatalf("register class: %v", err)
		}
	}
	svc := te.service
	if err := te.RegisterServiceType(ServiceType{
		Name:  "Recorder",
		Title: "Recorder",
		New:   func(map[string]any) (Service, error) { return svc, nil },
	}); err != nil {
		t.Fatalf("register service type: %v", err)
	}
	return te
}

func (te *testEngine) enableService(t *testing.T, level string) {
	t.Helper()
	_, err := te.store.Insert(context.Background(), ServiceTable, filter.Row{
		"name": "recorder", "type": "Recorder", "level": level, "enabled": true, "attributes": map[string]any{},
	})
	if err != nil {
		t.Fatalf("insert service: %v", err)
	}
}

func TestOneshotCreateIsIdempotent(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 17, "name": "docs"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := te.List()
	if len(first) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(first))
	}
	te.clock.Advance(time.Minute)
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 17, "name": "docs"}); err != nil {
		t.Fatalf("create again: %v", err)
	}
	second := te.List()
	if len(second) != 1 {
		t.Fatalf("expected 1 alert after repeat, got %d", len(second))
	}
	if first[0]["uuid"] != second[0]["uuid"] {
		t.Fatalf("uuid changed: %v -> %v", first[0]["uuid"], second[0]["uuid"])
	}
	if first[0]["datetime"] != second[0]["datetime"] {
		t.Fatalf("datetime changed")
	}
	if first[0]["last_occurrence"] == second[0]["last_occurrence"] {
		t.Fatalf("last occurrence did not advance")
	}
	if got := second[0]["formatted"]; got != "Share docs is locked." {
		t.Fatalf("formatted = %v", got)
	}
	kinds := te.publisher.kinds()
	if len(kinds) != 1 || kinds[0] != events.Added {
		t.Fatalf("expected a single ADDED event, got %v", kinds)
	}

	if err := te.OneshotDelete(ctx, []string{"SmbShareLocked"}, 17); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := len(te.List()); n != 0 {
		t.Fatalf("expected no alerts, got %d", n)
	}
	if err := te.OneshotDelete(ctx, []string{"SmbShareLocked"}, 17); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	kinds = te.publisher.kinds()
	if len(kinds) != 2 || kinds[1] != events.Removed {
		t.Fatalf("expected ADDED then REMOVED, got %v", kinds)
	}
}

func TestOneshotKeyFieldsSelectIdentity(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	for _, args := range []map[string]any{
		{"id": 1, "name": "a"},
		{"id": 1, "name": "renamed"},
		{"id": 2, "name": "b"},
	} {
		if err := te.OneshotCreate(ctx, "SmbShareLocked", args); err != nil {
			t.Fatalf("create %v: %v", args, err)
		}
	}
	rows := te.List()
	if len(rows) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(rows))
	}
	kinds := te.publisher.kinds()
	want := []events.Kind{events.Added, events.Changed, events.Added}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
}

func TestOneshotRejectsUnknownAndPeriodicClasses(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	for _, name := range []string{"Nope", "PoolDegraded"} {
		err := te.OneshotCreate(ctx, name, nil)
		if !apierr.IsKind(err, apierr.KindValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestSourceFailureRaisesRunFailedAlert(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	fail := true
	if err := te.RegisterSource(&Source{
		Name: "pools",
		Check: func(context.Context) ([]*Alert, error) {
			if fail {
				return nil, errors.New("zpool status exploded")
			}
			return []*Alert{New(poolDegraded, map[string]any{"name": "tank", "state": "DEGRADED"})}, nil
		},
	}); err != nil {
		t.Fatalf("register source: %v", err)
	}
	if err := te.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	rows := te.List()
	if len(rows) != 1 || rows[0]["klass"] != "AlertSourceRunFailed" {
		t.Fatalf("expected run failed alert, got %v", rows)
	}
	if rows[0]["formatted"] != "Failed to check for alert pools: zpool status exploded" {
		t.Fatalf("formatted = %v", rows[0]["formatted"])
	}

	fail = false
	te.clock.Advance(time.Minute)
	if err := te.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	rows = te.List()
	if len(rows) != 1 || rows[0]["klass"] != "PoolDegraded" {
		t.Fatalf("expected pool alert to replace failure, got %v", rows)
	}
	stats := te.SourcesStats()["pools"]
	if stats.TotalCount != 2 {
		t.Fatalf("expected 2 runs, got %d", stats.TotalCount)
	}
}

func TestSourceRunKeepsIdentityAndAdvancesLastSeen(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	if err := te.RegisterSource(&Source{
		Name: "pools",
		Check: func(context.Context) ([]*Alert, error) {
			return []*Alert{
				New(poolDegraded, map[string]any{"name": "tank", "state": "DEGRADED"}),
				New(poolDegraded, map[string]any{"name": "tank", "state": "DEGRADED"}),
			}, nil
		},
	}); err != nil {
		t.Fatalf("register source: %v", err)
	}
	if err := te.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	first := te.List()
	te.clock.Advance(2 * time.Minute)
	if err := te.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	second := te.List()
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("duplicates not collapsed: %d %d", len(first), len(second))
	}
	if first[0]["uuid"] != second[0]["uuid"] {
		t.Fatalf("uuid changed across runs")
	}
	if second[0]["last_occurrence"] == first[0]["last_occurrence"] {
		t.Fatalf("last occurrence did not advance")
	}
	if kinds := te.publisher.kinds(); len(kinds) != 1 {
		t.Fatalf("expected one ADDED event, got %v", kinds)
	}
}

func TestBlockedSourceKeepsAlerts(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	report := true
	if err := te.RegisterSource(&Source{
		Name: "pools",
		Check: func(context.Context) ([]*Alert, error) {
			if !report {
				return nil, nil
			}
			return []*Alert{New(poolDegraded, map[string]any{"name": "tank", "state": "DEGRADED"})}, nil
		},
	}); err != nil {
		t.Fatalf("register source: %v", err)
	}
	if err := te.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	lock, err := te.BlockSource("pools", time.Hour)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	report = false
	te.clock.Advance(time.Minute)
	if err := te.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n := len(te.List()); n != 1 {
		t.Fatalf("blocked source lost its alerts: %d", n)
	}
	te.UnblockSource(lock)
	te.clock.Advance(time.Minute)
	if err := te.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n := len(te.List()); n != 0 {
		t.Fatalf("expected alert to clear, got %d", n)
	}
	if _, err := te.BlockSource("missing", 0); !apierr.IsKind(err, apierr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDismissAndRestore(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 3, "name": "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	id, _ := te.List()[0]["uuid"].(string)
	te.Dismiss(id)
	if d, _ := te.List()[0]["dismissed"].(bool); !d {
		t.Fatalf("alert not dismissed")
	}
	te.Restore(id)
	if d, _ := te.List()[0]["dismissed"].(bool); d {
		t.Fatalf("alert not restored")
	}
	te.Dismiss("unknown")

	if err := te.OneshotCreate(ctx, "HookFailed", map[string]any{"hook": "h", "handler": "x", "error": "boom"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, row := range te.List() {
		if row["klass"] == "HookFailed" {
			te.Dismiss(row["uuid"].(string))
		}
	}
	for _, row := range te.List() {
		if row["klass"] == "HookFailed" {
			t.Fatalf("keep-until-dismissed alert should be removed on dismiss")
		}
	}
}

func TestListOrderAndNeverPolicy(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 1, "name": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := te.OneshotCreate(ctx, "InternalError", map[string]any{"source": "x", "correlation_id": "c", "error": "e"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rows := te.List()
	if len(rows) != 2 || rows[0]["level"] != "CRITICAL" || rows[1]["level"] != "WARNING" {
		t.Fatalf("unexpected order: %v", rows)
	}
	te.SetClassSettings(map[string]ClassSetting{"SmbShareLocked": {Policy: PolicyNever}})
	rows = te.List()
	if len(rows) != 1 || rows[0]["klass"] != "InternalError" {
		t.Fatalf("NEVER policy alert should be hidden: %v", rows)
	}
	te.SetClassSettings(map[string]ClassSetting{"InternalError": {Level: "INFO"}})
	rows = te.List()
	if rows[0]["klass"] != "SmbShareLocked" || rows[1]["level"] != "INFO" {
		t.Fatalf("level override not applied: %v", rows)
	}
}

func TestValidateClassSettings(t *testing.T) {
	te := newTestEngine(t)
	err := te.ValidateClassSettings("alert_class_update.classes", map[string]ClassSetting{
		"Missing":        {},
		"SmbShareLocked": {Level: "LOUD", Policy: "WEEKLY"},
	})
	var verr *apierr.Error
	if !errors.As(err, &verr) || verr.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := te.ValidateClassSettings("x", map[string]ClassSetting{"SmbShareLocked": {Level: "ERROR", Policy: PolicyDaily}}); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
}

func TestImmediateDeliveryAndLevelThreshold(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.enableService(t, "CRITICAL")
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 1, "name": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := te.service.count(); n != 0 {
		t.Fatalf("WARNING alert delivered to CRITICAL service")
	}
	if err := te.OneshotCreate(ctx, "InternalError", map[string]any{"source": "x", "correlation_id": "c", "error": "e"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := te.service.count(); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	msg := te.service.last()
	if len(msg.New) != 1 || msg.New[0].Class.Name != "InternalError" {
		t.Fatalf("unexpected new alerts: %v", msg.New)
	}
	if err := te.OneshotDelete(ctx, []string{"InternalError"}, map[string]any{"source": "x"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := te.service.count(); n != 2 {
		t.Fatalf("expected gone delivery, got %d", n)
	}
	if msg := te.service.last(); len(msg.Gone) != 1 {
		t.Fatalf("expected one gone alert, got %v", msg.Gone)
	}
}

func TestHourlyPolicyBatchesDeliveries(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.enableService(t, "INFO")
	te.SetClassSettings(map[string]ClassSetting{"SmbShareLocked": {Policy: PolicyHourly}})
	if err := te.SendAlerts(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 1, "name": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 2, "name": "b"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := te.service.count(); n != 0 {
		t.Fatalf("hourly alerts delivered within the hour: %d", n)
	}
	te.clock.Advance(time.Hour)
	if err := te.SendAlerts(ctx); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := te.service.count(); n != 1 {
		t.Fatalf("expected one batched delivery, got %d", n)
	}
	if msg := te.service.last(); len(msg.New) != 2 {
		t.Fatalf("expected two new alerts, got %d", len(msg.New))
	}
}

func TestDeliveryDeferredUntilReady(t *testing.T) {
	te := newTestEngine(t)
	ready := false
	te.cfg.Ready = func() bool { return ready }
	ctx := context.Background()
	te.enableService(t, "INFO")
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 1, "name": "a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := te.service.count(); n != 0 {
		t.Fatalf("delivered before ready")
	}
	ready = true
	if err := te.OnReady(ctx); err != nil {
		t.Fatalf("on ready: %v", err)
	}
	if n := te.service.count(); n != 1 {
		t.Fatalf("expected delivery on ready, got %d", n)
	}
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	if err := te.OneshotCreate(ctx, "SmbShareLocked", map[string]any{"id": 9, "name": "media"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	before := te.List()
	if err := te.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := te.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	stored, err := te.store.Rows(ctx, AlertTable, filter.Expr{})
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected one stored alert, got %d", len(stored))
	}

	restarted := NewEngine(Config{Clock: te.clock, Store: te.store, Logger: pslog.NoopLogger()})
	if err := restarted.RegisterClass(smbShareLocked); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	after := restarted.List()
	if len(after) != 1 || after[0]["uuid"] != before[0]["uuid"] || after[0]["formatted"] != "Share media is locked." {
		t.Fatalf("round trip mismatch: %v vs %v", before, after)
	}
	if err := restarted.OneshotDelete(ctx, []string{"SmbShareLocked"}, 9); err != nil {
		t.Fatalf("delete after load: %v", err)
	}
	if n := restarted.Len(); n != 0 {
		t.Fatalf("delete after load left %d alerts", n)
	}
}

func TestReportersRaiseOneShotAlerts(t *testing.T) {
	te := newTestEngine(t)
	te.WorkerLeaked(42, "pool.scrub")
	te.HookFailed("pool.post_create", "notify", errors.New("boom"))
	te.InternalError("rpc.dispatch", "cid-1", errors.New("nil map"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := te.WaitReports(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got := map[string]bool{}
	for _, row := range te.List() {
		got[row["klass"].(string)] = true
	}
	for _, name := range []string{"JobWorkerLeaked", "HookFailed", "InternalError"} {
		if !got[name] {
			t.Fatalf("missing %s alert: %v", name, got)
		}
	}
}

func TestCronSchedule(t *testing.T) {
	s := MustCron("0 */6 * * *")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !s.ShouldRun(base, time.Time{}) {
		t.Fatalf("never-run source should be due")
	}
	if s.ShouldRun(base.Add(time.Hour), base) {
		t.Fatalf("source due before next cron tick")
	}
	if !s.ShouldRun(base.Add(6*time.Hour), base) {
		t.Fatalf("source not due at next cron tick")
	}
	if _, err := Cron("not a cron"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestExpiredOneShotsAreRemoved(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.WorkerLeaked(7, "x.y")
	if err := te.WaitReports(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	te.clock.Advance(25 * time.Hour)
	if err := te.Process(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n := te.Len(); n != 0 {
		t.Fatalf("expired alert kept: %d", n)
	}
}
