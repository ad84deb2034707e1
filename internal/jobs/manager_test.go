package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/middlewared/internal/apierr"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/filter"
	"pkt.systems/middlewared/internal/registry"
)

type recordPublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (p *recordPublisher) Send(name string, kind events.Kind, id any, fields filter.Row) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, events.Event{Name: name, Kind: kind, ID: id, Fields: fields})
}

func (p *recordPublisher) forJob(id int64) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, ev := range p.got {
		if ev.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

type recordReporter struct {
	mu     sync.Mutex
	leaked []int64
}

func (r *recordReporter) WorkerLeaked(id int64, _ string) {
	r.mu.Lock()
	r.leaked = append(r.leaked, id)
	r.mu.Unlock()
}

func (r *recordReporter) InternalError(string, string, error) {}

func jobMethod(name string, spec registry.JobSpec) *registry.Method {
	return &registry.Method{Name: name, Args: []registry.Field{registry.F("arg", registry.Any())}, Job: &spec}
}

func call(m *registry.Method, cred *auth.Credential, args ...any) *registry.Call {
	if cred == nil {
		cred = auth.Internal()
	}
	if len(args) == 0 {
		args = []any{nil}
	}
	return &registry.Call{Method: m, Args: args, Credential: cred}
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %d did not finish", job.ID())
	}
}

func TestJobLifecycleEvents(t *testing.T) {
	pub := &recordPublisher{}
	m := NewManager(Config{Publisher: pub})
	method := jobMethod("test.answer", registry.JobSpec{Handler: func(context.Context, registry.JobContext, *registry.Call) (any, error) {
		return 42, nil
	}})
	job, err := m.Submit(call(method, nil), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, job)
	got := pub.forJob(job.ID())
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	want := []struct {
		kind  events.Kind
		state State
	}{{events.Added, StateWaiting}, {events.Changed, StateRunning}, {events.Changed, StateSuccess}}
	for i, w := range want {
		if got[i].Kind != w.kind || got[i].Fields["state"] != string(w.state) {
			t.Fatalf("event %d: expected %s/%s, got %s/%v", i, w.kind, w.state, got[i].Kind, got[i].Fields["state"])
		}
	}
	final := got[2].Fields
	if final["result"] != 42 {
		t.Fatalf("expected result 42, got %v", final["result"])
	}
	if final["progress"].(map[string]any)["percent"] != 100 {
		t.Fatalf("expected progress 100 on success, got %v", final["progress"])
	}
}

func TestLockedJobsRunFIFO(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}})
	var mu sync.Mutex
	running := 0
	maxRunning := 0
	method := jobMethod("pool.scrub", registry.JobSpec{Lock: "pool", Handler: func(ctx context.Context, job registry.JobContext, c *registry.Call) (any, error) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return c.Arg(0), nil
	}})
	var jobs []*Job
	for i := 0; i < 5; i++ {
		job, err := m.Submit(call(method, nil, i), SubmitOptions{})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		jobs = append(jobs, job)
	}
	for _, job := range jobs {
		waitDone(t, job)
	}
	if maxRunning != 1 {
		t.Fatalf("expected at most one running job per lock, got %d", maxRunning)
	}
	for i := 1; i < len(jobs); i++ {
		_, prevStarted, prevFinished := jobs[i-1].Times()
		_, started, _ := jobs[i].Times()
		if !started.After(prevStarted) {
			t.Fatalf("expected job %d to start after job %d", i, i-1)
		}
		if started.Before(prevFinished) {
			t.Fatalf("job %d started before job %d finished", i, i-1)
		}
	}
}

func TestLockQueueSize(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}})
	release := make(chan struct{})
	handler := func(ctx context.Context, job registry.JobContext, c *registry.Call) (any, error) {
		<-release
		return nil, nil
	}
	exclusive := jobMethod("update.download", registry.JobSpec{Lock: "update", LockQueueSize: registry.QueueSize(0), Handler: handler})
	first, err := m.Submit(call(exclusive, nil), SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := m.Submit(call(exclusive, nil), SubmitOptions{}); !apierr.IsKind(err, apierr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	queued := jobMethod("update.check", registry.JobSpec{Lock: "check", LockQueueSize: registry.QueueSize(1), Handler: handler})
	a, _ := m.Submit(call(queued, nil), SubmitOptions{})
	b, _ := m.Submit(call(queued, nil), SubmitOptions{})
	c, _ := m.Submit(call(queued, nil), SubmitOptions{})
	if a.ID() == b.ID() || b.ID() != c.ID() {
		t.Fatalf("expected third submission to reuse the queued job, got %d %d %d", a.ID(), b.ID(), c.ID())
	}
	close(release)
	for _, job := range []*Job{first, a, b} {
		waitDone(t, job)
	}
}

func TestAbortWaitingAndRunning(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}})
	method := jobMethod("replication.run", registry.JobSpec{Lock: "repl", Abortable: true, Handler: func(ctx context.Context, job registry.JobContext, c *registry.Call) (any, error) {
		<-ctx.Done()
		return nil, job.Check()
	}})
	running, _ := m.Submit(call(method, nil), SubmitOptions{})
	waiting, _ := m.Submit(call(method, nil), SubmitOptions{})
	if err := m.Abort(waiting.ID(), auth.Internal(), true); err != nil {
		t.Fatalf("abort waiting: %v", err)
	}
	waitDone(t, waiting)
	if waiting.State() != StateAborted {
		t.Fatalf("expected waiting job aborted, got %s", waiting.State())
	}
	if _, started, _ := waiting.Times(); started.IsZero() {
		t.Fatalf("expected started timestamp on aborted job")
	}
	if err := m.Abort(running.ID(), auth.Internal(), true); err != nil {
		t.Fatalf("abort running: %v", err)
	}
	waitDone(t, running)
	_, jobErr := running.Result()
	if running.State() != StateAborted || jobErr == nil || jobErr.Kind != apierr.KindCancelled {
		t.Fatalf("expected aborted job with cancelled error, got %s %v", running.State(), jobErr)
	}
}

func TestAbortNotAbortable(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}})
	release := make(chan struct{})
	defer close(release)
	method := jobMethod("pool.export", registry.JobSpec{Handler: func(context.Context, registry.JobContext, *registry.Call) (any, error) {
		<-release
		return nil, nil
	}})
	job, _ := m.Submit(call(method, nil), SubmitOptions{})
	if err := m.Abort(job.ID(), auth.Internal(), true); !apierr.IsKind(err, apierr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := m.Abort(9999, auth.Internal(), true); !apierr.IsKind(err, apierr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUncooperativeJobLeaksAfterGrace(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rep := &recordReporter{}
	m := NewManager(Config{Publisher: &recordPublisher{}, Clock: clk, AbortGrace: 10 * time.Second, Reporter: rep})
	release := make(chan struct{})
	method := jobMethod("disk.wipe", registry.JobSpec{Lock: "disk", Abortable: true, Handler: func(context.Context, registry.JobContext, *registry.Call) (any, error) {
		<-release
		return "done", nil
	}})
	stuck, _ := m.Submit(call(method, nil), SubmitOptions{})
	next, _ := m.Submit(call(method, nil), SubmitOptions{})
	deadline := time.Now().Add(2 * time.Second)
	for stuck.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := m.Abort(stuck.ID(), auth.Internal(), true); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if stuck.State() != StateRunning {
		t.Fatalf("expected job to keep running within grace")
	}
	clk.Advance(10 * time.Second)
	waitDone(t, stuck)
	if stuck.State() != StateAborted {
		t.Fatalf("expected forced abort, got %s", stuck.State())
	}
	rep.mu.Lock()
	leaked := append([]int64(nil), rep.leaked...)
	rep.mu.Unlock()
	if len(leaked) != 1 || leaked[0] != stuck.ID() {
		t.Fatalf("expected leak report for job %d, got %v", stuck.ID(), leaked)
	}
	close(release)
	waitDone(t, next)
	if stuck.State() != StateAborted {
		t.Fatalf("late return must not change a detached job, got %s", stuck.State())
	}
}

func TestProgressCoalescing(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pub := &recordPublisher{}
	m := NewManager(Config{Publisher: pub, Clock: clk})
	ready := make(chan registry.JobContext, 1)
	release := make(chan struct{})
	method := jobMethod("pool.resilver", registry.JobSpec{Handler: func(ctx context.Context, job registry.JobContext, c *registry.Call) (any, error) {
		ready <- job
		<-release
		return nil, nil
	}})
	job, _ := m.Submit(call(method, nil), SubmitOptions{})
	handle := <-ready
	base := len(pub.forJob(job.ID()))

	clk.Advance(time.Second)
	handle.SetProgress(10.9, "scanning", nil)
	handle.SetProgress(10.2, "scanning", nil)
	handle.SetProgress(20, "scanning", nil)
	handle.SetProgress(30, "scanning", nil)
	got := pub.forJob(job.ID())
	if len(got) != base+1 {
		t.Fatalf("expected one immediate progress event, got %d", len(got)-base)
	}
	if p := got[base].Fields["progress"].(map[string]any)["percent"]; p != 10 {
		t.Fatalf("expected truncated percent 10, got %v", p)
	}
	clk.Advance(time.Second)
	got = pub.forJob(job.ID())
	if len(got) != base+2 {
		t.Fatalf("expected coalesced event after interval, got %d", len(got)-base)
	}
	if p := got[base+1].Fields["progress"].(map[string]any)["percent"]; p != 30 {
		t.Fatalf("expected latest percent 30, got %v", p)
	}
	close(release)
	waitDone(t, job)
}

func TestRetentionKeepsAwaitedJobs(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}, Retention: 2})
	method := jobMethod("test.quick", registry.JobSpec{Handler: func(context.Context, registry.JobContext, *registry.Call) (any, error) {
		return nil, nil
	}})
	first, _ := m.Submit(call(method, nil), SubmitOptions{})
	waitDone(t, first)

	ctx, cancel := context.WithCancel(context.Background())
	waitStarted := make(chan struct{})
	go func() {
		first.mu.Lock()
		first.waiters++
		first.mu.Unlock()
		close(waitStarted)
		<-ctx.Done()
		first.mu.Lock()
		first.waiters--
		first.mu.Unlock()
	}()
	<-waitStarted
	for i := 0; i < 3; i++ {
		job, _ := m.Submit(call(method, nil), SubmitOptions{})
		waitDone(t, job)
	}
	if _, err := m.Lookup(first.ID()); err != nil {
		t.Fatalf("expected awaited job to survive eviction: %v", err)
	}
	cancel()
	time.Sleep(10 * time.Millisecond)
	job, _ := m.Submit(call(method, nil), SubmitOptions{})
	waitDone(t, job)
	if _, err := m.Lookup(first.ID()); err == nil {
		t.Fatalf("expected job to be evicted once nobody waits")
	}
	if m.Len() > 2 {
		t.Fatalf("expected retention bound 2, got %d", m.Len())
	}
}

func TestWaitJoinsFromAnotherCaller(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}})
	release := make(chan struct{})
	method := jobMethod("test.slow", registry.JobSpec{Handler: func(context.Context, registry.JobContext, *registry.Call) (any, error) {
		<-release
		return "ok", nil
	}})
	job, _ := m.Submit(call(method, nil), SubmitOptions{})
	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Wait(short, job.ID()); err == nil {
		t.Fatalf("expected wait to time out")
	}
	if job.State().Finished() {
		t.Fatalf("cancelling a waiter must not affect the job")
	}
	close(release)
	got, err := m.Wait(context.Background(), job.ID())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res, _ := got.Result(); res != "ok" {
		t.Fatalf("expected ok, got %v", res)
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}})
	method := jobMethod("test.fail", registry.JobSpec{Handler: func(ctx context.Context, job registry.JobContext, c *registry.Call) (any, error) {
		for i := 0; i < 30; i++ {
			fmt.Fprintf(job.Logs(), "line %d\n", i)
		}
		return nil, apierr.NotFound("pool tank not found")
	}})
	job, _ := m.Submit(call(method, nil), SubmitOptions{})
	waitDone(t, job)
	row := job.Row()
	if row["state"] != string(StateFailed) || row["error"] != "pool tank not found" {
		t.Fatalf("unexpected failure row %v", row)
	}
	info := row["exc_info"].(map[string]any)
	if info["type"] != "NotFound" || info["errno"] != apierr.ENOENT {
		t.Fatalf("unexpected exc_info %v", info)
	}
	excerpt := row["logs_excerpt"].(string)
	if !strings.Contains(excerpt, "... 10 more lines ...") || !strings.HasPrefix(excerpt, "line 0") {
		t.Fatalf("unexpected excerpt %q", excerpt)
	}
}

func TestQueryFiltersByOwner(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}})
	method := jobMethod("test.quick", registry.JobSpec{Handler: func(context.Context, registry.JobContext, *registry.Call) (any, error) {
		return nil, nil
	}})
	alice := &auth.Credential{Kind: auth.KindPassword, Username: "alice"}
	bob := &auth.Credential{Kind: auth.KindPassword, Username: "bob"}
	a, _ := m.Submit(call(method, alice), SubmitOptions{})
	b, _ := m.Submit(call(method, bob), SubmitOptions{})
	waitDone(t, a)
	waitDone(t, b)
	rows, err := m.Query(alice, false, filter.Expr{}, filter.Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	list := rows.([]filter.Row)
	if len(list) != 1 || list[0]["id"] != a.ID() {
		t.Fatalf("expected only alice's job, got %v", list)
	}
	all, _ := m.Query(alice, true, filter.Expr{}, filter.Options{})
	if len(all.([]filter.Row)) != 2 {
		t.Fatalf("expected full admin to see both jobs")
	}
	if err := m.Abort(b.ID(), alice, false); !apierr.IsKind(err, apierr.KindNotFound) {
		t.Fatalf("expected foreign job to be hidden, got %v", err)
	}
}

func TestShutdownAbortsEverything(t *testing.T) {
	m := NewManager(Config{Publisher: &recordPublisher{}})
	method := jobMethod("test.block", registry.JobSpec{Lock: "x", Handler: func(ctx context.Context, job registry.JobContext, c *registry.Call) (any, error) {
		<-ctx.Done()
		return nil, job.Check()
	}})
	running, _ := m.Submit(call(method, nil), SubmitOptions{})
	waiting, _ := m.Submit(call(method, nil), SubmitOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, job := range []*Job{running, waiting} {
		_, jobErr := job.Result()
		if job.State() != StateAborted || jobErr == nil || jobErr.Message != ShutdownReason {
			t.Fatalf("expected shutdown abort, got %s %v", job.State(), jobErr)
		}
	}
	if _, err := m.Submit(call(method, nil), SubmitOptions{}); err == nil {
		t.Fatalf("expected submissions to be refused after shutdown")
	}
}

func TestFinishedJobStopsTimeout(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(Config{Publisher: &recordPublisher{}, Clock: clk})
	method := jobMethod("test.quick", registry.JobSpec{Handler: func(context.Context, registry.JobContext, *registry.Call) (any, error) {
		return "done", nil
	}})
	job, err := m.Submit(call(method, nil), SubmitOptions{Timeout: time.Hour})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, job)
	if n := clk.Pending(); n != 0 {
		t.Fatalf("expected timeout timer to be stopped, %d timers pending", n)
	}
	clk.Advance(2 * time.Hour)
	if job.State() != StateSuccess {
		t.Fatalf("expected SUCCESS to stand, got %s", job.State())
	}
}
