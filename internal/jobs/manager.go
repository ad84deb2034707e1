// Package jobs runs long-running methods as observable, cancellable jobs
// serialized per lock key.
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/correlation"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/svcfields"
)

// Collection is the event name jobs are published on.
const Collection = "core.get_jobs"

// Defaults applied by NewManager.
const (
	DefaultRetention        = 1000
	DefaultLogMaxBytes      = 10 << 20
	DefaultProgressInterval = time.Second
	DefaultAbortGrace       = 30 * time.Second
)

// ShutdownReason is the abort reason used while the daemon stops.
const ShutdownReason = "system shutting down"

// ErrNotFound is returned for unknown or evicted job ids.
var ErrNotFound = errors.New("jobs: job not found")

// Publisher receives job events; *events.Bus implements it.
type Publisher interface {
	Send(name string, kind events.Kind, id any, fields filter.Row)
}

// Runner starts job callables; *scheduler.Scheduler implements it.
type Runner interface {
	Go(ctx context.Context, blocking bool, fn func(context.Context)) error
}

// Reporter is told about failures that become alerts.
type Reporter interface {
	WorkerLeaked(jobID int64, method string)
	InternalError(source, correlationID string, err error)
}

// ArtifactSink persists job logs and outputs.
type ArtifactSink interface {
	PutJobArtifact(ctx context.Context, jobID int64, name string, r io.Reader) (string, error)
}

// HistorySink records finished jobs.
type HistorySink interface {
	AppendJobHistory(ctx context.Context, row filter.Row) error
}

// Config configures a Manager.
type Config struct {
	Retention        int
	LogMaxBytes      int64
	ProgressInterval time.Duration
	AbortGrace       time.Duration
	Clock            clock.Clock
	Logger           pslog.Logger
	Publisher        Publisher
	Runner           Runner
	Reporter         Reporter
	Artifacts        ArtifactSink
	History          HistorySink
}

// SubmitOptions are per-submission options.
type SubmitOptions struct {
	// Timeout aborts the job when it has not finished in time.
	Timeout time.Duration
	// Input is the uploaded stream for side-channel jobs.
	Input io.Reader
}

// Manager owns every job record and the per-lock queues.
type Manager struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	metrics *jobMetrics

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*Job
	order   []int64
	queues  map[string][]*Job
	active  map[string]*Job
	workers sync.WaitGroup
	closing bool
}

// NewManager returns a manager. Publisher and Runner are required.
func NewManager(cfg Config) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.LogMaxBytes <= 0 {
		cfg.LogMaxBytes = DefaultLogMaxBytes
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = DefaultAbortGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "jobs.manager")
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[int64]*Job),
		queues:     make(map[string][]*Job),
		active:     make(map[string]*Job),
	}
	m.metrics = newJobMetrics(logger, m)
	return m
}

// SetNextID makes the next job id at least id, e.g. after reloading history.
func (m *Manager) SetNextID(id int64) {
	m.mu.Lock()
	if id-1 > m.nextID {
		m.nextID = id - 1
	}
	m.mu.Unlock()
}

func (m *Manager) publish(kind events.Kind, id int64, row filter.Row) {
	if m.cfg.Publisher != nil {
		m.cfg.Publisher.Send(Collection, kind, id, row)
	}
}

// Submit creates a job for a validated call and returns it. With a lock
// queue size of 0 a submission conflicting with an active job fails; with n
// and n jobs already waiting the newest waiting job is returned instead.
func (m *Manager) Submit(call *registry.Call, opts SubmitOptions) (*Job, error) {
	spec := call.Method.Job
	if spec == nil {
		return nil, fmt.Errorf("jobs: %s is not a job method", call.Method.Name)
	}
	key := spec.LockKey(call.Args)

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, apierr.Conflict("%s", ShutdownReason).WithErrno(apierr.ECANCELED)
	}
	if key != "" && spec.LockQueueSize != nil {
		limit := *spec.LockQueueSize
		waiting := m.queues[key]
		if limit == 0 && (m.active[key] != nil || len(waiting) > 0) {
			m.mu.Unlock()
			return nil, apierr.Conflict("This job is already being performed").WithErrno(apierr.EBUSY)
		}
		if limit > 0 && len(waiting) >= limit {
			latest := waiting[len(waiting)-1]
			m.mu.Unlock()
			return latest, nil
		}
	}
	m.nextID++
	ctx, cancel := context.WithCancelCause(m.baseCtx)
	job := &Job{
		mgr:      m,
		id:       m.nextID,
		method:   call.Method,
		call:     call,
		lockKey:  key,
		input:    opts.Input,
		logs:     NewLogBuffer(m.cfg.LogMaxBytes),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StateWaiting,
		queuedAt: m.clock.Now(),
	}
	m.jobs[job.id] = job
	m.order = append(m.order, job.id)

	job.mu.Lock()
	m.publish(events.Added, job.id, job.rowLocked())
	job.mu.Unlock()

	var start []*Job
	if key == "" {
		start = append(start, job)
	} else {
		m.queues[key] = append(m.queues[key], job)
		start = m.promoteLocked(key)
	}
	m.evictLocked()
	m.mu.Unlock()

	m.logger.Debug("jobs.submit", "job", job.id, "method", job.method.Name, "lock", key)
	if opts.Timeout > 0 {
		timer := m.clock.AfterFunc(opts.Timeout, func() {
			_ = m.abort(job, "job timed out", true)
		})
		job.mu.Lock()
		if job.state.Finished() {
			timer.Stop()
		} else {
			job.timeout = timer
		}
		job.mu.Unlock()
	}
	m.launch(start)
	return job, nil
}

// promoteLocked marks the head of key's queue RUNNING when the lock is free.
func (m *Manager) promoteLocked(key string) []*Job {
	if m.active[key] != nil || m.closing {
		return nil
	}
	waiting := m.queues[key]
	if len(waiting) == 0 {
		delete(m.queues, key)
		return nil
	}
	next := waiting[0]
	if len(waiting) == 1 {
		delete(m.queues, key)
	} else {
		m.queues[key] = waiting[1:]
	}
	m.active[key] = next
	return []*Job{next}
}

func (m *Manager) launch(jobs []*Job) {
	for _, job := range jobs {
		job.mu.Lock()
		if job.state != StateWaiting {
			job.mu.Unlock()
			continue
		}
		job.state = StateRunning
		job.startedAt = m.clock.Now()
		job.publishLocked()
		job.mu.Unlock()

		m.workers.Add(1)
		go m.dispatch(job)
	}
}

func (m *Manager) dispatch(job *Job) {
	defer m.workers.Done()
	runner := m.cfg.Runner
	blocking := job.method.Blocking
	done := make(chan struct{})
	run := func(ctx context.Context) {
		defer close(done)
		m.execute(job)
	}
	if runner == nil {
		run(job.ctx)
		return
	}
	if err := runner.Go(job.ctx, blocking, run); err != nil {
		if job.ctx.Err() != nil {
			m.finish(job, StateAborted, nil, m.abortError(job))
			return
		}
		m.finish(job, StateFailed, nil, apierr.Transient(err, "unable to schedule job: %v", err))
		return
	}
	<-done
}

func (m *Manager) execute(job *Job) {
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		result, err = job.method.Job.Handler(job.ctx, job, job.call)
	}()
	if job.isLeaked() {
		m.logger.Warn("jobs.worker.returned_after_abort", "job", job.id, "method", job.method.Name)
		return
	}
	switch {
	case job.ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) || apierr.IsKind(err, apierr.KindCancelled)):
		m.finish(job, StateAborted, nil, m.abortError(job))
	case err != nil:
		m.finish(job, StateFailed, nil, m.classify(job, err))
	default:
		m.finish(job, StateSuccess, job.method.Serialize(result, true), nil)
	}
}

func (m *Manager) classify(job *Job, err error) *apierr.Error {
	if e, ok := apierr.As(err); ok && e.Kind != apierr.KindInternal {
		return e
	}
	cid := correlation.Generate()
	m.logger.Error("jobs.worker.internal_error", "job", job.id, "method", job.method.Name, "cid", cid, "error", err)
	if m.cfg.Reporter != nil {
		m.cfg.Reporter.InternalError(job.method.Name, cid, err)
	}
	return apierr.Internal(err, cid)
}

func (m *Manager) abortError(job *Job) *apierr.Error {
	job.mu.Lock()
	reason := job.abortReason
	job.mu.Unlock()
	if reason == "" {
		reason = "Job aborted"
	}
	return apierr.Cancelled("%s", reason)
}

func (j *Job) isLeaked() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.leaked
}

// finish moves job to a terminal state. It reports false when the job had
// already finished.
func (m *Manager) finish(job *Job, state State, result any, jobErr *apierr.Error) bool {
	logs := job.logs
	logs.Close()
	logData := logs.Bytes()

	job.mu.Lock()
	if job.state.Finished() {
		job.mu.Unlock()
		return false
	}
	if state.rank() < job.state.rank() {
		job.mu.Unlock()
		return false
	}
	job.stopTimerLocked()
	if state == StateSuccess {
		job.progress.Percent = 100
	}
	job.state = state
	job.result = result
	job.err = jobErr
	job.finishedAt = m.clock.Now()
	if job.startedAt.IsZero() {
		job.startedAt = job.finishedAt
	}
	job.logsExcerpt = Excerpt(logData)
	output := append([]byte(nil), job.output.Bytes()...)
	job.mu.Unlock()

	job.cancel(ErrAborted)
	m.persistArtifacts(job, logData, output)

	job.mu.Lock()
	job.publishLocked()
	row := job.rowLocked()
	job.mu.Unlock()
	close(job.done)

	m.metrics.recordFinished(job.method.Name, state)
	m.logger.Debug("jobs.finish", "job", job.id, "method", job.method.Name, "state", state)

	m.mu.Lock()
	var start []*Job
	if job.lockKey != "" {
		if m.active[job.lockKey] == job {
			delete(m.active, job.lockKey)
		}
		start = m.promoteLocked(job.lockKey)
	}
	if job.method.Job.Transient {
		m.dropLocked(job.id)
	}
	m.evictLocked()
	m.mu.Unlock()

	if m.cfg.History != nil && !job.method.Job.Transient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.cfg.History.AppendJobHistory(ctx, row); err != nil {
			m.logger.Warn("jobs.history.append_failed", "job", job.id, "error", err)
		}
		cancel()
	}
	m.launch(start)
	return true
}

func (m *Manager) persistArtifacts(job *Job, logData, output []byte) {
	if m.cfg.Artifacts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if len(logData) > 0 {
		path, err := m.cfg.Artifacts.PutJobArtifact(ctx, job.id, "log", bytes.NewReader(logData))
		if err != nil {
			m.logger.Warn("jobs.logs.persist_failed", "job", job.id, "error", err)
		} else {
			job.mu.Lock()
			job.logsPath = path
			job.mu.Unlock()
		}
	}
	if len(output) > 0 {
		path, err := m.cfg.Artifacts.PutJobArtifact(ctx, job.id, "output", bytes.NewReader(output))
		if err != nil {
			m.logger.Warn("jobs.output.persist_failed", "job", job.id, "error", err)
		} else {
			job.mu.Lock()
			job.outputPath = path
			job.mu.Unlock()
		}
	}
}

// Abort cancels a job on behalf of cred. Waiting jobs finish ABORTED
// immediately; running jobs get the grace period to cooperate.
func (m *Manager) Abort(id int64, cred *auth.Credential, full bool) error {
	job, err := m.Lookup(id)
	if err != nil {
		return apierr.NotFound("Job %d not found", id)
	}
	if !full && !ownedBy(job, cred) {
		return apierr.NotFound("Job %d not found", id)
	}
	if !job.Abortable() {
		return apierr.Conflict("Job %d is not abortable", id)
	}
	return m.abort(job, "Job aborted", false)
}

func (m *Manager) abort(job *Job, reason string, force bool) error {
	job.mu.Lock()
	state := job.state
	if state.Finished() {
		job.mu.Unlock()
		return nil
	}
	if job.abortReason == "" {
		job.abortReason = reason
	}
	job.mu.Unlock()

	if state == StateWaiting {
		m.mu.Lock()
		m.removeQueuedLocked(job)
		m.mu.Unlock()
		m.finish(job, StateAborted, nil, apierr.Cancelled("%s", reason))
		return nil
	}
	job.cancel(fmt.Errorf("%w: %s", ErrAborted, reason))
	m.logger.Info("jobs.abort", "job", job.id, "method", job.method.Name, "reason", reason, "forced", force)
	m.clock.AfterFunc(m.cfg.AbortGrace, func() {
		job.mu.Lock()
		if job.state.Finished() {
			job.mu.Unlock()
			return
		}
		job.leaked = true
		job.mu.Unlock()
		if m.finish(job, StateAborted, nil, apierr.Cancelled("%s", reason)) {
			m.logger.Warn("jobs.worker.leaked", "job", job.id, "method", job.method.Name, "grace", m.cfg.AbortGrace)
			if m.cfg.Reporter != nil {
				m.cfg.Reporter.WorkerLeaked(job.id, job.method.Name)
			}
		}
	})
	return nil
}

func (m *Manager) removeQueuedLocked(job *Job) {
	waiting := m.queues[job.lockKey]
	for i, j := range waiting {
		if j == job {
			m.queues[job.lockKey] = append(waiting[:i:i], waiting[i+1:]...)
			break
		}
	}
	if len(m.queues[job.lockKey]) == 0 {
		delete(m.queues, job.lockKey)
	}
}

// Lookup returns a retained job.
func (m *Manager) Lookup(id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// Wait blocks until job id finishes or ctx ends. The job cannot be evicted
// while anyone waits on it.
func (m *Manager) Wait(ctx context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if ok {
		job.mu.Lock()
		job.waiters++
		job.mu.Unlock()
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	defer func() {
		job.mu.Lock()
		job.waiters--
		job.mu.Unlock()
		m.mu.Lock()
		m.evictLocked()
		m.mu.Unlock()
	}()
	select {
	case <-job.done:
		return job, nil
	case <-ctx.Done():
		return job, ctx.Err()
	}
}

// Query lists jobs visible to cred through the filter package.
func (m *Manager) Query(cred *auth.Credential, full bool, expr filter.Expr, opts filter.Options) (any, error) {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	m.mu.Unlock()
	rows := make([]filter.Row, 0, len(jobs))
	for _, job := range jobs {
		if !full && !ownedBy(job, cred) {
			continue
		}
		rows = append(rows, job.Row())
	}
	return filter.Apply(rows, expr, opts)
}

// Visible reports whether cred may see job.
func Visible(job *Job, cred *auth.Credential, full bool) bool {
	return full || ownedBy(job, cred)
}

func ownedBy(job *Job, cred *auth.Credential) bool {
	owner := job.Credential()
	if owner == nil || cred == nil {
		return false
	}
	return owner.Username != "" && owner.Username == cred.Username
}

// Snapshot returns the current rows as ADDED events.
func (m *Manager) Snapshot() []events.Event {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		if job, ok := m.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	m.mu.Unlock()
	out := make([]events.Event, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, events.Event{Name: Collection, Kind: events.Added, ID: job.id, Fields: job.Row()})
	}
	return out
}

// Len reports retained jobs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// CountByState reports retained jobs per state.
func (m *Manager) CountByState() map[State]int {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.Unlock()
	out := make(map[State]int)
	for _, job := range jobs {
		out[job.State()]++
	}
	return out
}

// evictLocked drops the oldest finished jobs nobody waits on until the
// retention bound holds. Running, waiting and awaited jobs are kept even
// when that leaves the set over the bound.
func (m *Manager) evictLocked() {
	excess := len(m.jobs) - m.cfg.Retention
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		job, ok := m.jobs[id]
		if !ok {
			continue
		}
		if excess > 0 {
			job.mu.Lock()
			evictable := job.state.Finished() && job.waiters == 0
			job.mu.Unlock()
			if evictable {
				delete(m.jobs, id)
				excess--
				continue
			}
		}
		kept = append(kept, id)
	}
	m.order = kept
}

func (m *Manager) dropLocked(id int64) {
	delete(m.jobs, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Shutdown refuses new jobs, aborts every unfinished job with
// ShutdownReason and waits for workers until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	pending := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		pending = append(pending, job)
	}
	m.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })
	for _, job := range pending {
		if job.State() == StateWaiting {
			_ = m.abort(job, ShutdownReason, true)
		}
	}
	for _, job := range pending {
		_ = m.abort(job, ShutdownReason, true)
	}
	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	defer m.baseCancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("jobs.shutdown.timeout", "error", ctx.Err())
		return ctx.Err()
	}
}
