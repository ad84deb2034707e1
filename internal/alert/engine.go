// Package alert runs alert sources, keeps the de-duplicated set of active
// alerts, publishes it on `alert.list` and delivers changes to the
// configured alert services according to each class's policy.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/datastore"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/ids"
	"pkt.systems/middlewared/internal/svcfields"
)

const (
	// Collection is the event name of the active alert set.
	Collection = "alert.list"
	// AlertTable persists the active set between restarts.
	AlertTable = "system.alert"
	// ServiceTable holds configured alert services.
	ServiceTable = "system.alertservice"

	DefaultProcessInterval = time.Minute
	DefaultFlushInterval   = time.Hour
	DefaultBlockTimeout    = time.Hour
	DefaultSendTimeout     = 30 * time.Second
	DefaultNode            = "A"
)

// Publisher publishes alert.list events; events.Bus satisfies it.
type Publisher interface {
	Send(name string, kind events.Kind, id any, fields filter.Row)
}

// Runner executes source checks; scheduler.Scheduler satisfies it.
type Runner interface {
	Run(ctx context.Context, blocking bool, fn func(context.Context) error) error
}

// ClassSetting overrides a class's level and policy.
type ClassSetting struct {
	Level            string `json:"level,omitempty"`
	Policy           string `json:"policy,omitempty"`
	ProactiveSupport *bool  `json:"proactive_support,omitempty"`
}

// Config wires an Engine.
type Config struct {
	// Node tags alerts raised here; NodeLabels renders node names in
	// alert.list.
	Node       string
	NodeLabels map[string]string
	Hostname   string

	Clock     clock.Clock
	Logger    pslog.Logger
	Publisher Publisher
	Store     datastore.Datastore
	Runner    Runner
	Mailer    Mailer

	// Active reports whether this node is the active controller; nil means
	// always. Standby nodes only run sources flagged RunOnStandby and
	// deliver nothing.
	Active func() bool
	// Ready gates deliveries until the system is ready; nil means always.
	Ready func() bool

	ProcessInterval   time.Duration
	FlushInterval     time.Duration
	SendTimeout       time.Duration
	SourceParallelism int
}

type sourceLock struct {
	source  string
	expires time.Time
}

// Engine owns the active alert set. Every mutation goes through it.
type Engine struct {
	cfg    Config
	clk    clock.Clock
	logger pslog.Logger

	// process serializes source runs, one-shot changes and deliveries.
	process sync.Mutex

	mu           sync.Mutex
	classes      map[string]*Class
	sources      map[string]*Source
	serviceTypes map[string]ServiceType
	alerts       []*Alert
	settings     map[string]ClassSetting
	policies     []*policy
	lastRun      map[string]time.Time
	blocked      map[string]map[string]struct{}
	locks        map[string]sourceLock
	stats        map[string]*SourceStats
	sourceErrors map[string]bool
	sendOnReady  bool

	kick    chan struct{}
	reports sync.WaitGroup
	metrics *engineMetrics
}

// NewEngine returns an engine with the built-in classes registered.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Node == "" {
		cfg.Node = DefaultNode
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = DefaultProcessInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.SourceParallelism <= 0 {
		cfg.SourceParallelism = 4
	}
	e := &Engine{
		cfg:          cfg,
		clk:          cfg.Clock,
		logger:       svcfields.WithSubsystem(cfg.Logger, "alert.engine"),
		classes:      make(map[string]*Class),
		sources:      make(map[string]*Source),
		serviceTypes: make(map[string]ServiceType),
		settings:     make(map[string]ClassSetting),
		lastRun:      make(map[string]time.Time),
		blocked:      make(map[string]map[string]struct{}),
		locks:        make(map[string]sourceLock),
		stats:        make(map[string]*SourceStats),
		sourceErrors: make(map[string]bool),
		kick:         make(chan struct{}, 1),
	}
	for _, name := range Policies {
		e.policies = append(e.policies, newPolicy(name))
	}
	for _, c := range BuiltinClasses() {
		if err := e.RegisterClass(c); err != nil {
			panic(err)
		}
	}
	for _, t := range []ServiceType{WebhookServiceType(), SlackServiceType()} {
		_ = e.RegisterServiceType(t)
	}
	if cfg.Mailer != nil {
		_ = e.RegisterServiceType(MailServiceType(cfg.Mailer))
	}
	e.metrics = newEngineMetrics(e.logger, e)
	return e
}

// RegisterClass adds an alert class.
func (e *Engine) RegisterClass(c *Class) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("alert: class without name")
	}
	if c.Level < LevelInfo || c.Level > LevelEmergency {
		return fmt.Errorf("alert: class %s has invalid level %d", c.Name, c.Level)
	}
	if err := c.compile(); err != nil {
		return fmt.Errorf("alert: class %s text: %w", c.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.classes[c.Name]; exists {
		return fmt.Errorf("alert: class %s already registered", c.Name)
	}
	e.classes[c.Name] = c
	return nil
}

// RegisterSource adds a periodic source.
func (e *Engine) RegisterSource(s *Source) error {
	if s == nil || s.Name == "" || s.Check == nil {
		return fmt.Errorf("alert: source needs a name and a check")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sources[s.Name]; exists {
		return fmt.Errorf("alert: source %s already registered", s.Name)
	}
	e.sources[s.Name] = s
	return nil
}

// RegisterServiceType adds a delivery service type.
func (e *Engine) RegisterServiceType(t ServiceType) error {
	if t.Name == "" || t.New == nil {
		return fmt.Errorf("alert: service type needs a name and a constructor")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.serviceTypes[t.Name]; exists {
		return fmt.Errorf("alert: service type %s already registered", t.Name)
	}
	e.serviceTypes[t.Name] = t
	return nil
}

// Class returns a registered class.
func (e *Engine) Class(name string) (*Class, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.classes[name]
	return c, ok
}

// ServiceType returns a registered service type.
func (e *Engine) ServiceType(name string) (ServiceType, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.serviceTypes[name]
	return t, ok
}

// ServiceTypes lists registered service type names.
func (e *Engine) ServiceTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.serviceTypes))
	for name := range e.serviceTypes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SetClassSettings replaces the per-class overrides.
func (e *Engine) SetClassSettings(settings map[string]ClassSetting) {
	e.mu.Lock()
	e.settings = make(map[string]ClassSetting, len(settings))
	for k, v := range settings {
		e.settings[k] = v
	}
	e.mu.Unlock()
}

// ClassSettings returns the per-class overrides.
func (e *Engine) ClassSettings() map[string]ClassSetting {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]ClassSetting, len(e.settings))
	for k, v := range e.settings {
		out[k] = v
	}
	return out
}

// ValidateClassSettings checks overrides against the registered classes.
func (e *Engine) ValidateClassSettings(prefix string, settings map[string]ClassSetting) error {
	var errs apierr.ValidationErrors
	names := make([]string, 0, len(settings))
	for k := range settings {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		s := settings[name]
		path := prefix + "." + name
		c, ok := e.Class(name)
		if !ok {
			errs.Add(path, apierr.CodeInvalid, "This alert class does not exist")
			continue
		}
		if s.Level != "" {
			if _, err := ParseLevel(s.Level); err != nil {
				errs.Add(path+".level", apierr.CodeEnum, err.Error())
			}
		}
		if s.Policy != "" && !validPolicy(s.Policy) {
			errs.Add(path+".policy", apierr.CodeEnum, fmt.Sprintf("policy must be one of %v", Policies))
		}
		if s.ProactiveSupport != nil && !c.ProactiveSupport {
			errs.Add(path+".proactive_support", apierr.CodeInvalid, "Proactive support is not supported by this alert class")
		}
	}
	return errs.Err()
}

func validPolicy(name string) bool {
	for _, p := range Policies {
		if p == name {
			return true
		}
	}
	return false
}

func (e *Engine) levelOfLocked(a *Alert) Level {
	if s, ok := e.settings[a.Class.Name]; ok && s.Level != "" {
		if l, err := ParseLevel(s.Level); err == nil {
			return l
		}
	}
	return a.Class.Level
}

func (e *Engine) policyOfLocked(a *Alert) string {
	if s, ok := e.settings[a.Class.Name]; ok && s.Policy != "" {
		return s.Policy
	}
	return DefaultPolicy
}

func (e *Engine) visibleLocked(a *Alert) bool {
	return e.policyOfLocked(a) != PolicyNever
}

func (e *Engine) rowLocked(a *Alert) filter.Row {
	return a.listRow(e.levelOfLocked(a), e.cfg.NodeLabels)
}

func (e *Engine) publishLocked(kind events.Kind, a *Alert) {
	if e.cfg.Publisher == nil || !e.visibleLocked(a) {
		return
	}
	if kind == events.Removed {
		e.cfg.Publisher.Send(Collection, kind, a.UUID, filter.Row{"id": a.UUID})
		return
	}
	e.cfg.Publisher.Send(Collection, kind, a.UUID, e.rowLocked(a))
}

func (e *Engine) active() bool {
	return e.cfg.Active == nil || e.cfg.Active()
}

func (e *Engine) ready() bool {
	return e.cfg.Ready == nil || e.cfg.Ready()
}

// List returns visible alerts ordered by descending level, title and
// first occurrence.
func (e *Engine) List() []filter.Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	visible := make([]*Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		if e.visibleLocked(a) {
			visible = append(visible, a)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		li, lj := e.levelOfLocked(visible[i]), e.levelOfLocked(visible[j])
		if li != lj {
			return li > lj
		}
		if visible[i].Class.Title != visible[j].Class.Title {
			return visible[i].Class.Title < visible[j].Class.Title
		}
		return visible[i].Datetime.Before(visible[j].Datetime)
	})
	out := make([]filter.Row, 0, len(visible))
	for _, a := range visible {
		out = append(out, e.rowLocked(a))
	}
	return out
}

// Snapshot returns alert.list rows as ADDED events.
func (e *Engine) Snapshot(context.Context, *events.Subscription) ([]events.Event, error) {
	rows := e.List()
	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, events.Event{Name: Collection, Kind: events.Added, ID: row["id"], Fields: row})
	}
	return out, nil
}

// Len returns the number of active alerts.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.alerts)
}

// CountByLevel returns active alerts per effective level.
func (e *Engine) CountByLevel() map[Level]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Level]int)
	for _, a := range e.alerts {
		out[e.levelOfLocked(a)]++
	}
	return out
}

// ListCategories groups listable classes by category.
func (e *Engine) ListCategories() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []map[string]any
	for _, cat := range categoryOrder {
		var classes []map[string]any
		for _, c := range e.classes {
			if c.Category != cat || c.ExcludeFromList {
				continue
			}
			classes = append(classes, map[string]any{
				"id":                c.Name,
				"title":             c.Title,
				"level":             c.Level.String(),
				"proactive_support": c.ProactiveSupport,
			})
		}
		if len(classes) == 0 {
			continue
		}
		sort.Slice(classes, func(i, j int) bool { return classes[i]["title"].(string) < classes[j]["title"].(string) })
		out = append(out, map[string]any{"id": string(cat), "title": cat.Title(), "classes": classes})
	}
	return out
}

func (e *Engine) findLocked(uuid string) (int, *Alert) {
	for i, a := range e.alerts {
		if a.UUID == uuid {
			return i, a
		}
	}
	return -1, nil
}

// handleLocked carries uuid, first occurrence and dismissal over from an
// existing alert with the same identity and advances last occurrence.
func (e *Engine) handleLocked(a *Alert, now time.Time) (existing *Alert) {
	id := a.identity()
	for _, cur := range e.alerts {
		if cur.identity() == id {
			existing = cur
			break
		}
	}
	if existing == nil {
		a.UUID = ids.UUID()
		if a.Datetime.IsZero() {
			a.Datetime = now
		}
		a.Dismissed = false
	} else {
		a.UUID = existing.UUID
		a.Datetime = existing.Datetime
		a.Dismissed = existing.Dismissed
	}
	a.LastOccurrence = now
	return existing
}

// replaceLocked swaps every alert matching belongs for next and
// publishes the difference.
func (e *Engine) replaceLocked(belongs func(*Alert) bool, next []*Alert, previous map[string]*Alert) {
	keep := make([]*Alert, 0, len(e.alerts)+len(next))
	nextIDs := make(map[string]bool, len(next))
	for _, a := range next {
		nextIDs[a.UUID] = true
	}
	for _, a := range e.alerts {
		if belongs(a) || nextIDs[a.UUID] {
			if !nextIDs[a.UUID] {
				e.publishLocked(events.Removed, a)
			}
			continue
		}
		keep = append(keep, a)
	}
	for _, a := range next {
		old := previous[a.UUID]
		switch {
		case old == nil:
			e.publishLocked(events.Added, a)
		case canonicalKey(old.Args) != canonicalKey(a.Args):
			e.publishLocked(events.Changed, a)
		}
		keep = append(keep, a)
	}
	e.alerts = keep
}

func (e *Engine) removeLocked(a *Alert) bool {
	i, cur := e.findLocked(a.UUID)
	if cur == nil {
		return false
	}
	e.alerts = append(e.alerts[:i], e.alerts[i+1:]...)
	e.publishLocked(events.Removed, cur)
	return true
}

// Dismiss marks an alert dismissed. One-shot alerts nobody deletes are
// removed instead. Unknown ids are ignored.
func (e *Engine) Dismiss(uuid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, a := e.findLocked(uuid)
	if a == nil {
		return
	}
	if a.Class.OneShot && a.Class.KeepUntilDismissed {
		e.removeLocked(a)
		return
	}
	a.Dismissed = true
	e.publishLocked(events.Changed, a)
}

// Restore clears the dismissed flag.
func (e *Engine) Restore(uuid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, a := e.findLocked(uuid)
	if a == nil {
		return
	}
	a.Dismissed = false
	e.publishLocked(events.Changed, a)
}

func (e *Engine) oneShotClass(name string) (*Class, error) {
	c, ok := e.Class(name)
	if !ok {
		return nil, apierr.Validation("klass", apierr.CodeInvalid, fmt.Sprintf("Invalid alert class: %q", name))
	}
	if !c.OneShot {
		return nil, apierr.Validation("klass", apierr.CodeInvalid, fmt.Sprintf("Alert class %q is not a one-shot alert class", name))
	}
	return c, nil
}

// OneshotCreate raises a one-shot alert. Raising an existing identity only
// advances its last occurrence.
func (e *Engine) OneshotCreate(ctx context.Context, className string, args map[string]any) error {
	c, err := e.oneShotClass(className)
	if err != nil {
		return err
	}
	e.process.Lock()
	defer e.process.Unlock()
	e.createLocked(New(c, args))
	return e.sendLocked(ctx)
}

func (e *Engine) createLocked(a *Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a.Node = e.cfg.Node
	previous := make(map[string]*Alert)
	if existing := e.handleLocked(a, e.clk.Now()); existing != nil {
		previous[existing.UUID] = existing.clone()
	}
	uuid := a.UUID
	e.replaceLocked(func(cur *Alert) bool { return cur.UUID == uuid }, []*Alert{a}, previous)
}

// OneshotDelete removes the one-shot alerts of the named classes selected
// by query. Matching nothing is not an error.
func (e *Engine) OneshotDelete(ctx context.Context, classNames []string, query any) error {
	classes := make([]*Class, 0, len(classNames))
	for _, name := range classNames {
		c, err := e.oneShotClass(name)
		if err != nil {
			return err
		}
		classes = append(classes, c)
	}
	e.process.Lock()
	defer e.process.Unlock()
	deleted := false
	e.mu.Lock()
	for _, c := range classes {
		for _, a := range append([]*Alert(nil), e.alerts...) {
			if a.Class != c || a.Node != e.cfg.Node {
				continue
			}
			if c.matchesDelete(a.Args, query) && e.removeLocked(a) {
				deleted = true
			}
		}
	}
	e.mu.Unlock()
	if !deleted {
		return nil
	}
	if err := e.Flush(ctx); err != nil {
		e.logger.Warn("alert.flush.failed", "error", err)
	}
	return e.sendLocked(ctx)
}

// BlockSource stops a source from running until the returned lock is
// released or timeout passes. While blocked, its alerts are kept.
func (e *Engine) BlockSource(name string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultBlockTimeout
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sources[name]; !ok {
		return "", apierr.NotFound("Invalid alert source %q", name)
	}
	lock := ids.UUID()
	if e.blocked[name] == nil {
		e.blocked[name] = make(map[string]struct{})
	}
	e.blocked[name][lock] = struct{}{}
	e.locks[lock] = sourceLock{source: name, expires: e.clk.Now().Add(timeout)}
	return lock, nil
}

// UnblockSource releases a lock from BlockSource.
func (e *Engine) UnblockSource(lock string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unblockLocked(lock)
}

func (e *Engine) unblockLocked(lock string) {
	l, ok := e.locks[lock]
	if !ok {
		return
	}
	delete(e.locks, lock)
	delete(e.blocked[l.source], lock)
	if len(e.blocked[l.source]) == 0 {
		delete(e.blocked, l.source)
	}
}

// ClearSourceRun makes a source due on the next Process.
func (e *Engine) ClearSourceRun(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sources[name]; !ok {
		return apierr.NotFound("Alert source %q not found", name)
	}
	delete(e.lastRun, name)
	return nil
}

// SourcesStats returns run statistics per source.
func (e *Engine) SourcesStats() map[string]SourceStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]SourceStats, len(e.stats))
	for name, s := range e.stats {
		c := *s
		c.Last = append([]float64(nil), s.Last...)
		out[name] = c
	}
	return out
}

// RunSource runs one source immediately without changing the active set.
func (e *Engine) RunSource(ctx context.Context, name string) ([]filter.Row, error) {
	e.mu.Lock()
	src, ok := e.sources[name]
	e.mu.Unlock()
	if !ok {
		return nil, apierr.NotFound("Alert source %q not found", name)
	}
	alerts, err := e.runSource(ctx, src)
	if errors.Is(err, ErrUnavailable) {
		return nil, apierr.Conflict("This alert checker is unavailable")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]filter.Row, 0, len(alerts))
	for _, a := range alerts {
		a.Node = e.cfg.Node
		out = append(out, a.storedRow())
	}
	return out, nil
}

// runSource checks src and returns its de-duplicated alerts. A failing
// check yields one AlertSourceRunFailed alert.
func (e *Engine) runSource(ctx context.Context, src *Source) ([]*Alert, error) {
	start := time.Now()
	var alerts []*Alert
	check := func(ctx context.Context) error {
		var err error
		alerts, err = src.Check(ctx)
		return err
	}
	var err error
	if e.cfg.Runner != nil {
		err = e.cfg.Runner.Run(ctx, src.Blocking, check)
	} else {
		err = check(ctx)
	}
	elapsed := time.Since(start).Seconds()

	e.mu.Lock()
	st := e.stats[src.Name]
	if st == nil {
		st = &SourceStats{}
		e.stats[src.Name] = st
	}
	st.record(elapsed)
	if errors.Is(err, ErrUnavailable) {
		e.mu.Unlock()
		return nil, err
	}
	if err != nil {
		if !e.sourceErrors[src.Name] {
			e.logger.Error("alert.source.failed", "source", src.Name, "error", err)
			e.sourceErrors[src.Name] = true
		}
		alerts = []*Alert{New(ClassSourceRunFailed, map[string]any{
			"source_name": src.Name,
			"traceback":   err.Error(),
		})}
	} else {
		delete(e.sourceErrors, src.Name)
	}
	e.mu.Unlock()

	seen := make(map[string]bool, len(alerts))
	unique := alerts[:0]
	for _, a := range alerts {
		if a == nil || a.Class == nil {
			continue
		}
		if a.Key == "" {
			a.Key = a.Class.Key(a.Args)
		}
		if seen[a.Class.Name+"\x00"+a.Key] {
			continue
		}
		seen[a.Class.Name+"\x00"+a.Key] = true
		a.Source = src.Name
		unique = append(unique, a)
	}
	e.metrics.recordSourceRun(src.Name, err)
	return unique, nil
}

// Process runs every due source, expires one-shot alerts and delivers the
// result. It is called every ProcessInterval by Run.
func (e *Engine) Process(ctx context.Context) error {
	if !e.ready() {
		return nil
	}
	e.process.Lock()
	defer e.process.Unlock()
	now := e.clk.Now()
	active := e.active()

	e.mu.Lock()
	for lock, l := range e.locks {
		if !now.Before(l.expires) {
			e.unblockLocked(lock)
		}
	}
	var due []*Source
	names := make([]string, 0, len(e.sources))
	for name := range e.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src := e.sources[name]
		if !active && !src.RunOnStandby {
			continue
		}
		if !src.schedule().ShouldRun(now, e.lastRun[name]) {
			continue
		}
		e.lastRun[name] = now
		if len(e.blocked[name]) > 0 {
			e.logger.Debug("alert.source.blocked", "source", name)
			continue
		}
		due = append(due, src)
	}
	e.mu.Unlock()

	results := make([][]*Alert, len(due))
	available := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SourceParallelism)
	for i, src := range due {
		g.Go(func() error {
			alerts, err := e.runSource(gctx, src)
			if err == nil {
				results[i] = alerts
				available[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	for i, src := range due {
		if !available[i] {
			continue
		}
		previous := make(map[string]*Alert)
		for _, a := range results[i] {
			a.Node = e.cfg.Node
			if existing := e.handleLocked(a, now); existing != nil {
				previous[existing.UUID] = existing.clone()
			}
		}
		name := src.Name
		node := e.cfg.Node
		e.replaceLocked(func(a *Alert) bool { return a.Source == name && a.Node == node }, results[i], previous)
	}
	e.expireLocked(now)
	e.mu.Unlock()

	if !active {
		return nil
	}
	return e.sendLocked(ctx)
}

func (e *Engine) expireLocked(now time.Time) {
	for _, a := range append([]*Alert(nil), e.alerts...) {
		if a.Class.OneShot && a.Class.ExpiresAfter > 0 && a.LastOccurrence.Before(now.Add(-a.Class.ExpiresAfter)) {
			e.removeLocked(a)
		}
	}
}

// SendAlerts delivers policy changes to the enabled alert services.
func (e *Engine) SendAlerts(ctx context.Context) error {
	e.process.Lock()
	defer e.process.Unlock()
	return e.sendLocked(ctx)
}

// OnReady delivers alerts held back while the system was booting.
func (e *Engine) OnReady(ctx context.Context) error {
	e.mu.Lock()
	pending := e.sendOnReady
	e.sendOnReady = false
	e.mu.Unlock()
	if !pending {
		return nil
	}
	return e.SendAlerts(ctx)
}

type delivery struct {
	cfg ServiceConfig
	svc Service
	msg Message
}

func (e *Engine) sendLocked(ctx context.Context) error {
	if !e.ready() {
		e.mu.Lock()
		e.sendOnReady = true
		e.mu.Unlock()
		return nil
	}
	if !e.active() {
		return nil
	}
	services, err := e.enabledServices(ctx)
	if err != nil {
		return err
	}
	now := e.clk.Now()

	var (
		deliveries []delivery
		mails      []MailMessage
	)
	e.mu.Lock()
	current := make([]*Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		current = append(current, a.clone())
	}
	levels := make(map[string]Level, len(current))
	policies := make(map[string]string, len(current))
	for _, a := range current {
		levels[a.UUID] = e.levelOfLocked(a)
		policies[a.UUID] = e.policyOfLocked(a)
	}
	levelOf := func(a *Alert) Level {
		if l, ok := levels[a.UUID]; ok {
			return l
		}
		return e.levelOfLocked(a)
	}
	policyOf := func(a *Alert) string {
		if p, ok := policies[a.UUID]; ok {
			return p
		}
		return e.policyOfLocked(a)
	}
	for _, p := range e.policies {
		gone, added := p.receive(now, current)
		for _, sc := range services {
			t, ok := e.serviceTypes[sc.Type]
			if !ok {
				e.logger.Error("alert.service.unknown_type", "service", sc.Name, "type", sc.Type)
				continue
			}
			qualifies := func(a *Alert) bool { return levelOf(a) >= sc.Level }
			var all, svcGone, svcNew []*Alert
			for _, a := range current {
				if qualifies(a) && policyOf(a) != PolicyNever {
					all = append(all, a)
				}
			}
			for _, a := range gone {
				if qualifies(a) && policyOf(a) == p.name {
					svcGone = append(svcGone, a)
				}
			}
			for _, a := range added {
				if qualifies(a) && policyOf(a) == p.name {
					svcNew = append(svcNew, a)
				}
			}
			svcGone, svcNew = cancelPairs(svcGone, svcNew)
			if len(svcGone) == 0 && len(svcNew) == 0 {
				continue
			}
			all, svcGone, svcNew = undismissed(all), undismissed(svcGone), undismissed(svcNew)
			if len(all) == 0 && len(svcGone) == 0 && len(svcNew) == 0 {
				continue
			}
			svc, err := t.New(sc.Attributes)
			if err != nil {
				e.logger.Error("alert.service.build_failed", "service", sc.Name, "type", sc.Type, "error", err)
				continue
			}
			deliveries = append(deliveries, delivery{cfg: sc, svc: svc, msg: Message{
				Hostname: e.cfg.Hostname, Alerts: all, Gone: svcGone, New: svcNew, LevelOf: levelOf,
			}})
		}
		if p.name == PolicyImmediately {
			for _, a := range added {
				if a.Mail != nil {
					mails = append(mails, *a.Mail)
				}
			}
		}
	}
	e.mu.Unlock()

	for _, d := range deliveries {
		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		err := d.svc.Send(sendCtx, d.msg)
		cancel()
		e.metrics.recordDelivery(d.cfg.Type, err)
		if err != nil {
			e.logger.Error("alert.service.send_failed", "service", d.cfg.Name, "type", d.cfg.Type, "error", err)
		}
	}
	if e.cfg.Mailer != nil {
		for _, m := range mails {
			if err := e.cfg.Mailer.SendMail(ctx, m); err != nil {
				e.logger.Error("alert.mail.send_failed", "error", err)
			}
		}
	}
	return nil
}

// cancelPairs drops a gone and a new alert of the same identity; the
// alert did not change from the service's point of view.
func cancelPairs(gone, added []*Alert) ([]*Alert, []*Alert) {
	if len(gone) == 0 || len(added) == 0 {
		return gone, added
	}
	used := make([]bool, len(added))
	var keptGone []*Alert
	for _, g := range gone {
		matched := false
		for i, n := range added {
			if !used[i] && g.Class.Name == n.Class.Name && g.Key == n.Key {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			keptGone = append(keptGone, g)
		}
	}
	var keptNew []*Alert
	for i, n := range added {
		if !used[i] {
			keptNew = append(keptNew, n)
		}
	}
	return keptGone, keptNew
}

func undismissed(alerts []*Alert) []*Alert {
	out := alerts[:0:0]
	for _, a := range alerts {
		if !a.Dismissed {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) enabledServices(ctx context.Context) ([]ServiceConfig, error) {
	if e.cfg.Store == nil {
		return nil, nil
	}
	rows, err := e.cfg.Store.Rows(ctx, ServiceTable, filter.Eq("enabled", true))
	if err != nil {
		return nil, fmt.Errorf("alert: load services: %w", err)
	}
	out := make([]ServiceConfig, 0, len(rows))
	for _, row := range rows {
		sc, err := ServiceConfigFromRow(row)
		if err != nil {
			e.logger.Warn("alert.service.invalid", "id", row["id"], "error", err)
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// TestService sends the test alert through a service configuration that
// need not be stored.
func (e *Engine) TestService(ctx context.Context, sc ServiceConfig) error {
	t, ok := e.ServiceType(sc.Type)
	if !ok {
		return apierr.Validation("type", apierr.CodeEnum, fmt.Sprintf("Alert service %q does not exist", sc.Type))
	}
	svc, err := t.New(sc.Attributes)
	if err != nil {
		return apierr.Validation("attributes", apierr.CodeInvalid, err.Error())
	}
	now := e.clk.Now()
	test := New(ClassTest, nil)
	test.UUID = ids.UUID()
	test.Node = e.cfg.Node
	test.Datetime, test.LastOccurrence = now, now
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	err = svc.Send(sendCtx, Message{Hostname: e.cfg.Hostname, Alerts: []*Alert{test}, New: []*Alert{test}})
	e.metrics.recordDelivery(sc.Type, err)
	return err
}

// Load restores the active set from AlertTable. Alerts of unknown classes
// or sources are dropped.
func (e *Engine) Load(ctx context.Context) error {
	if e.cfg.Store == nil {
		return nil
	}
	rows, err := e.cfg.Store.Rows(ctx, AlertTable, filter.Expr{})
	if err != nil {
		return fmt.Errorf("alert: load: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]bool, len(rows))
	var loaded []*Alert
	for _, row := range rows {
		className, _ := row["klass"].(string)
		c, ok := e.classes[className]
		if !ok {
			e.logger.Info("alert.load.class_gone", "class", className)
			continue
		}
		source, _ := row["source"].(string)
		if source != "" {
			if _, ok := e.sources[source]; !ok {
				e.logger.Info("alert.load.source_gone", "source", source)
				continue
			}
		}
		a := &Alert{Class: c, Source: source}
		a.UUID, _ = row["uuid"].(string)
		a.Key, _ = row["key"].(string)
		a.Node, _ = row["node"].(string)
		a.Dismissed, _ = row["dismissed"].(bool)
		a.Args, _ = row["args"].(map[string]any)
		if a.Args == nil {
			a.Args = map[string]any{}
		}
		a.Datetime = parseTime(row["datetime"])
		a.LastOccurrence = parseTime(row["last_occurrence"])
		if a.UUID == "" || seen[a.UUID] {
			continue
		}
		seen[a.UUID] = true
		loaded = append(loaded, a)
	}
	e.alerts = loaded
	now := e.clk.Now()
	for _, p := range e.policies {
		p.receive(now, loaded)
	}
	e.logger.Info("alert.load.done", "alerts", len(loaded))
	return nil
}

// Flush replaces the stored active set with the current one.
func (e *Engine) Flush(ctx context.Context) error {
	if e.cfg.Store == nil {
		return nil
	}
	if !e.active() {
		return nil
	}
	e.mu.Lock()
	rows := make([]filter.Row, 0, len(e.alerts))
	for _, a := range e.alerts {
		rows = append(rows, a.storedRow())
	}
	e.mu.Unlock()
	return e.cfg.Store.Transaction(ctx, func(tx datastore.Querier) error {
		stored, err := tx.Rows(ctx, AlertTable, filter.Expr{})
		if err != nil {
			return err
		}
		for _, row := range stored {
			if id, ok := row["id"].(int64); ok {
				if err := tx.Delete(ctx, AlertTable, id); err != nil {
					return err
				}
			}
		}
		for _, row := range rows {
			if _, err := tx.Insert(ctx, AlertTable, row); err != nil {
				return err
			}
		}
		return nil
	})
}

// Run processes sources every ProcessInterval and flushes every
// FlushInterval until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	processC := e.clk.After(e.cfg.ProcessInterval)
	flushC := e.clk.After(e.cfg.FlushInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-processC:
			if err := e.Process(ctx); err != nil {
				e.logger.Warn("alert.process.failed", "error", err)
			}
			processC = e.clk.After(e.cfg.ProcessInterval)
		case <-flushC:
			if err := e.Flush(ctx); err != nil {
				e.logger.Warn("alert.flush.failed", "error", err)
			}
			flushC = e.clk.After(e.cfg.FlushInterval)
		case <-e.kick:
			if err := e.SendAlerts(ctx); err != nil {
				e.logger.Warn("alert.send.failed", "error", err)
			}
		}
	}
}

// WaitReports blocks until alerts raised by the reporter methods are
// recorded.
func (e *Engine) WaitReports(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.reports.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report raises a one-shot alert from a callback that may hold locks of
// another component; delivery is left to the Run loop.
func (e *Engine) report(c *Class, args map[string]any) {
	e.reports.Add(1)
	go func() {
		defer e.reports.Done()
		e.process.Lock()
		e.createLocked(New(c, args))
		e.process.Unlock()
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}()
}

// HookFailed implements hooks.Reporter.
func (e *Engine) HookFailed(hook, handler string, err error) {
	e.report(ClassHookFailed, map[string]any{"hook": hook, "handler": handler, "error": err.Error()})
}

// WorkerLeaked implements jobs.Reporter.
func (e *Engine) WorkerLeaked(id int64, method string) {
	e.report(ClassWorkerLeaked, map[string]any{"id": id, "method": method})
}

// InternalError implements jobs.Reporter and is used by dispatch for
// handler panics and unexpected errors.
func (e *Engine) InternalError(source, correlationID string, err error) {
	e.report(ClassInternalError, map[string]any{"source": source, "correlation_id": correlationID, "error": err.Error()})
}
