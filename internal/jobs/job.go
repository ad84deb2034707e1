package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
)

// State is a job lifecycle state.
type State string

const (
	StateWaiting State = "WAITING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateAborted State = "ABORTED"
)

// Finished reports whether s is terminal.
func (s State) Finished() bool {
	return s == StateSuccess || s == StateFailed || s == StateAborted
}

func (s State) rank() int {
	switch s {
	case StateWaiting:
		return 0
	case StateRunning:
		return 1
	default:
		return 2
	}
}

// ErrAborted is the cancellation cause of aborted jobs.
var ErrAborted = errors.New("jobs: aborted")

// Progress is the last reported progress of a job.
type Progress struct {
	Percent     int    `json:"percent"`
	Description string `json:"description"`
	Extra       any    `json:"extra"`
}

// Job is a server-side record of a long-running invocation.
type Job struct {
	mgr     *Manager
	id      int64
	method  *registry.Method
	call    *registry.Call
	lockKey string
	input   io.Reader
	logs    *LogBuffer

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu           sync.Mutex
	state        State
	description  string
	progress     Progress
	result       any
	err          *apierr.Error
	queuedAt     time.Time
	startedAt    time.Time
	finishedAt   time.Time
	logsPath     string
	logsExcerpt  string
	outputPath   string
	output       bytes.Buffer
	waiters      int
	abortReason  string
	leaked       bool
	lastSent     time.Time
	pendingTimer clock.Timer
	timeout      clock.Timer
}

var _ registry.JobContext = (*Job)(nil)

// ID returns the job id.
func (j *Job) ID() int64 { return j.id }

// Method returns the method name.
func (j *Job) Method() string { return j.method.Name }

// LockKey returns the lock key, empty when the job is unlocked.
func (j *Job) LockKey() string { return j.lockKey }

// Credential returns the submitting credential.
func (j *Job) Credential() *auth.Credential { return j.call.Credential }

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Context returns the job context; it is cancelled on abort.
func (j *Job) Context() context.Context { return j.ctx }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the stored result and error.
func (j *Job) Result() (any, *apierr.Error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Times returns the queued, started and finished timestamps.
func (j *Job) Times() (queued, started, finished time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.queuedAt, j.startedAt, j.finishedAt
}

// Abortable reports whether callers may abort the job.
func (j *Job) Abortable() bool { return j.method.Job.Abortable }

// Pipes returns the side-channel streams the method declares.
func (j *Job) Pipes() registry.Pipes { return j.method.Job.Pipes }

// Logs implements registry.JobContext.
func (j *Job) Logs() io.Writer { return j.logs }

// LogBytes returns the retained log.
func (j *Job) LogBytes() []byte { return j.logs.Bytes() }

// Input implements registry.JobContext.
func (j *Job) Input() io.Reader { return j.input }

// Output implements registry.JobContext.
func (j *Job) Output() io.Writer { return lockedWriter{j} }

type lockedWriter struct{ j *Job }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.j.mu.Lock()
	defer w.j.mu.Unlock()
	if w.j.state.Finished() {
		return 0, io.ErrClosedPipe
	}
	return w.j.output.Write(p)
}

// Check implements registry.JobContext.
func (j *Job) Check() error {
	if err := j.ctx.Err(); err != nil {
		if cause := context.Cause(j.ctx); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

// SetDescription implements registry.JobContext.
func (j *Job) SetDescription(description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Finished() || j.description == description {
		return
	}
	j.description = description
	j.publishLocked()
}

// SetProgress implements registry.JobContext. percent is truncated to an
// integer in [0, 100]. Unchanged progress publishes nothing; changes are
// published at most once per progress interval.
func (j *Job) SetProgress(percent float64, description string, extra any) {
	p := int(math.Trunc(percent))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Finished() {
		return
	}
	next := Progress{Percent: p, Description: description, Extra: extra}
	if next.Percent == j.progress.Percent && next.Description == j.progress.Description && extra == nil && j.progress.Extra == nil {
		return
	}
	j.progress = next
	interval := j.mgr.cfg.ProgressInterval
	now := j.mgr.clock.Now()
	if elapsed := now.Sub(j.lastSent); elapsed >= interval {
		j.publishLocked()
		return
	}
	if j.pendingTimer != nil {
		return
	}
	wait := interval - now.Sub(j.lastSent)
	j.pendingTimer = j.mgr.clock.AfterFunc(wait, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.pendingTimer = nil
		if j.state.Finished() {
			return
		}
		j.publishLocked()
	})
}

// publishLocked emits CHANGED with the current record. Callers hold j.mu.
func (j *Job) publishLocked() {
	j.lastSent = j.mgr.clock.Now()
	j.mgr.publish(events.Changed, j.id, j.rowLocked())
}

func (j *Job) stopTimerLocked() {
	if j.pendingTimer != nil {
		j.pendingTimer.Stop()
		j.pendingTimer = nil
	}
	if j.timeout != nil {
		j.timeout.Stop()
		j.timeout = nil
	}
}

// Row renders the job record with arguments masked.
func (j *Job) Row() filter.Row {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rowLocked()
}

func (j *Job) rowLocked() filter.Row {
	cred := j.call.Credential
	row := filter.Row{
		"id":            j.id,
		"method":        j.method.Name,
		"arguments":     j.method.MaskArgs(j.call.Args),
		"description":   nullString(j.description),
		"abortable":     j.method.Job.Abortable,
		"transient":     j.method.Job.Transient,
		"lock_key":      nullString(j.lockKey),
		"progress":      map[string]any{"percent": j.progress.Percent, "description": nullString(j.progress.Description), "extra": j.progress.Extra},
		"result":        j.result,
		"error":         nil,
		"exc_info":      nil,
		"state":         string(j.state),
		"time_queued":   formatTime(j.queuedAt),
		"time_started":  formatTime(j.startedAt),
		"time_finished": formatTime(j.finishedAt),
		"logs_path":     nullString(j.logsPath),
		"logs_excerpt":  nullString(j.logsExcerpt),
		"output_path":   nullString(j.outputPath),
		"credentials":   nil,
	}
	if j.err != nil {
		w := j.err.ToWire()
		row["error"] = w.Message
		row["exc_info"] = map[string]any{"type": w.Type, "errno": w.Errno, "extra": w.Extra, "correlation_id": nullString(w.CorrelationID)}
	}
	if cred != nil {
		row["credentials"] = map[string]any{"type": string(cred.Kind), "username": nullString(cred.Username)}
	}
	return row
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
