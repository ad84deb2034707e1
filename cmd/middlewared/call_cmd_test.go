package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"pkt.systems/middlewared"
	"pkt.systems/middlewared/internal/version"
)

func TestParseCallParams(t *testing.T) {
	params := parseCallParams([]string{`"tank"`, `42`, `{"a":1}`, `plain words`, `[1,2]`, `1 2`})
	if params[0] != "tank" {
		t.Fatalf("expected json string, got %#v", params[0])
	}
	if n, ok := params[1].(json.Number); !ok || n.String() != "42" {
		t.Fatalf("expected json number, got %#v", params[1])
	}
	if m, ok := params[2].(map[string]any); !ok || m["a"] == nil {
		t.Fatalf("expected object, got %#v", params[2])
	}
	if params[3] != "plain words" {
		t.Fatalf("expected raw string fallback, got %#v", params[3])
	}
	if _, ok := params[4].([]any); !ok {
		t.Fatalf("expected array, got %#v", params[4])
	}
	if params[5] != "1 2" {
		t.Fatalf("expected trailing data to fall back to string, got %#v", params[5])
	}
}

func TestCallCommandAgainstServer(t *testing.T) {
	ts := middlewared.StartTestServer(t, middlewared.WithoutTestClient())
	stdout, _, err := executeRootCommand(t, "call",
		"--url", ts.URL(),
		"-u", middlewared.TestAdminUsername,
		"-p", middlewared.TestAdminPassword,
		"--compact",
		"system.version",
	)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if strings.TrimSpace(stdout) != `"`+version.Semver()+`"` {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestCallCommandJobAndUpload(t *testing.T) {
	ts := middlewared.StartTestServer(t,
		middlewared.WithoutTestClient(),
		middlewared.WithTestConfigFunc(func(cfg *middlewared.Config) { cfg.PoolScrubStep = time.Millisecond }),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	admin, err := ts.NewAdminClient(ctx)
	if err != nil {
		t.Fatalf("admin client: %v", err)
	}
	token, err := admin.GenerateToken(ctx, time.Minute, false)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	input := filepath.Join(t.TempDir(), "pools.jsonl")
	if err := os.WriteFile(input, []byte(`{"name":"tank"}`+"\n"+`{"name":"scratch"}`+"\n"), 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	stdout, _, err := executeRootCommand(t, "call", "--url", ts.URL(), "--token", token, "--compact", "--upload", input, "pool.import")
	if err != nil {
		t.Fatalf("call --upload: %v", err)
	}
	if strings.TrimSpace(stdout) != "2" {
		t.Fatalf("expected two imported pools, got %q", stdout)
	}

	out := filepath.Join(t.TempDir(), "export.jsonl")
	stdout, _, err = executeRootCommand(t, "call", "--url", ts.URL(), "--token", token, "--compact", "--download", out, "pool.export")
	if err != nil {
		t.Fatalf("call --download: %v", err)
	}
	if strings.TrimSpace(stdout) != "2" {
		t.Fatalf("expected two exported pools, got %q", stdout)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if lines := bytes.Count(data, []byte("\n")); lines != 2 {
		t.Fatalf("expected two exported lines, got %d: %q", lines, data)
	}

	var pools []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := admin.CallInto(ctx, &pools, "pool.query", []any{[]any{"name", "=", "tank"}}); err != nil {
		t.Fatalf("pool.query: %v", err)
	}
	if len(pools) != 1 {
		t.Fatalf("expected one imported tank pool, got %+v", pools)
	}
	stdout, _, err = executeRootCommand(t, "call", "--url", ts.URL(), "--token", token, "--job", "--compact", "pool.scrub", strconv.FormatInt(pools[0].ID, 10))
	if err != nil {
		t.Fatalf("call --job: %v", err)
	}
	if strings.TrimSpace(stdout) == "" {
		t.Fatal("expected scrub result")
	}
}

func TestCallCommandReportsRemoteErrors(t *testing.T) {
	ts := middlewared.StartTestServer(t, middlewared.WithoutTestClient())
	_, _, err := executeRootCommand(t, "call", "--url", ts.URL(), "system.version")
	if err == nil {
		t.Fatal("expected unauthenticated call to fail")
	}
}
