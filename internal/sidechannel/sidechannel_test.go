package sidechannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/artifacts"
	"pkt.systems/middlewared/internal/artifacts/memory"
	"pkt.systems/middlewared/internal/auth"
	"pkt.systems/middlewared/internal/clock"
	"pkt.systems/middlewared/internal/events"
	"pkt.systems/middlewared/internal/jobs"
	"pkt.systems/middlewared/internal/registry"
	"pkt.systems/middlewared/internal/rpc"
	"pkt.systems/middlewared/internal/scheduler"
)

type fixture struct {
	http    *httptest.Server
	jobs    *jobs.Manager
	backend *memory.Store
	tokens  *auth.TokenManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sched := scheduler.New(scheduler.Config{})
	bus := events.NewBus(sched.Loop(), nil)
	backend := memory.New()
	store := artifacts.New(backend, nil, pslog.NoopLogger())
	mgr := jobs.NewManager(jobs.Config{Publisher: bus, Runner: sched, Artifacts: store})
	reg := registry.New()
	reg.MustRegister(
		&registry.Method{
			Name: "test.upper",
			Job: &registry.JobSpec{
				Pipes: registry.Pipes{Input: true, Output: true},
				Handler: func(_ context.Context, job registry.JobContext, _ *registry.Call) (any, error) {
					data, err := io.ReadAll(job.Input())
					if err != nil {
						return nil, err
					}
					fmt.Fprintf(job.Logs(), "read %d bytes\n", len(data))
					if _, err := job.Output().Write(bytes.ToUpper(data)); err != nil {
						return nil, err
					}
					return len(data), nil
				},
			},
		},
		&registry.Method{
			Name: "test.direct",
			Handler: func(context.Context, *registry.Call) (any, error) {
				return true, nil
			},
		},
	)
	disp := rpc.NewDispatcher(rpc.DispatcherConfig{
		Registry:   reg,
		Privileges: auth.NewEngine(nil),
		Jobs:       mgr,
		Scheduler:  sched,
	})
	tokens := auth.NewTokenManager(clock.Real{}, time.Hour)
	h := New(Config{
		Dispatcher:    disp,
		Authenticator: auth.NewAuthenticator(nil, tokens, clock.Real{}, nil),
		Artifacts:     store,
	})
	mux := http.NewServeMux()
	h.Register(mux)
	f := &fixture{http: httptest.NewServer(mux), jobs: mgr, backend: backend, tokens: tokens}
	t.Cleanup(func() {
		f.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		_ = sched.Close(ctx)
	})
	return f
}

func (f *fixture) token(t *testing.T, username string) string {
	t.Helper()
	parent := &auth.Credential{Kind: auth.KindPassword, Username: username, Privilege: auth.Privilege{Roles: []string{auth.RoleFullAdmin}}}
	value, err := f.tokens.Create(parent, "session-"+username, auth.TokenOptions{})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return value
}

func multipartBody(t *testing.T, data string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("data", data); err != nil {
		t.Fatalf("data field: %v", err)
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "payload.bin")
		if err != nil {
			t.Fatalf("file part: %v", err)
		}
		_, _ = fw.Write(file)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (f *fixture) upload(t *testing.T, token, data string, file []byte) *http.Response {
	t.Helper()
	body, contentType := multipartBody(t, data, file)
	req, err := http.NewRequest(http.MethodPost, f.http.URL+UploadPath, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadRunsJobAndServesOutput(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "alice")
	resp := f.upload(t, token, `{"method": "test.upper", "params": []}`, []byte("hello side channel"))
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := f.jobs.Wait(ctx, out.JobID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.State() != jobs.StateSuccess {
		_, jobErr := job.Result()
		t.Fatalf("job state %s: %v", job.State(), jobErr)
	}

	for artifact, want := range map[string]string{"output": "HELLO SIDE CHANNEL", "log": "read 18 bytes\n"} {
		url := fmt.Sprintf("%s%s%d/%s?auth_token=%s", f.http.URL, DownloadPath, out.JobID, artifact, token)
		dl, err := http.Get(url)
		if err != nil {
			t.Fatalf("download %s: %v", artifact, err)
		}
		body, _ := io.ReadAll(dl.Body)
		dl.Body.Close()
		if dl.StatusCode != http.StatusOK || string(body) != want {
			t.Fatalf("download %s: status %d body %q", artifact, dl.StatusCode, body)
		}
		if cd := dl.Header.Get("Content-Disposition"); !strings.Contains(cd, fmt.Sprintf("job-%d", out.JobID)) {
			t.Fatalf("content disposition %q", cd)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		infos, err := f.backend.List(context.Background(), artifacts.UploadPrefix)
		if err != nil {
			t.Fatalf("list uploads: %v", err)
		}
		if len(infos) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upload not cleaned up: %+v", infos)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUploadRequiresCredentials(t *testing.T) {
	f := newFixture(t)
	resp := f.upload(t, "", `{"method": "test.upper"}`, []byte("x"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
	resp = f.upload(t, "bogus", `{"method": "test.upper"}`, []byte("x"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestUploadRejectsNonUploadMethods(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "alice")
	resp := f.upload(t, token, `{"method": "test.direct", "params": []}`, []byte("x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	resp = f.upload(t, token, `{"method": "nope.nothing", "params": []}`, []byte("x"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d, want 403", resp.StatusCode)
	}
	if n := f.backend.Len(); n != 0 {
		t.Fatalf("rejected uploads stored %d objects", n)
	}
}

func TestDownloadHidesOtherUsersJobs(t *testing.T) {
	f := newFixture(t)
	owner := f.token(t, "alice")
	resp := f.upload(t, owner, `{"method": "test.upper", "params": []}`, []byte("abc"))
	var out struct {
		JobID int64 `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.jobs.Wait(ctx, out.JobID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	parent := &auth.Credential{Kind: auth.KindPassword, Username: "mallory", Privilege: auth.Privilege{Roles: []string{auth.RoleReadonlyAdmin}}}
	other, err := f.tokens.Create(parent, "session-mallory", auth.TokenOptions{})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	dl, err := http.Get(fmt.Sprintf("%s%s%d/output?auth_token=%s", f.http.URL, DownloadPath, out.JobID, other))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	dl.Body.Close()
	if dl.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", dl.StatusCode)
	}
}
