package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/middlewared"
)

func TestDefaultConfigYAMLRoundTripsDefaults(t *testing.T) {
	data, err := defaultConfigYAML()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["listen"] != middlewared.DefaultListen {
		t.Fatalf("unexpected listen %v", parsed["listen"])
	}
	if parsed["log-level"] != "info" {
		t.Fatalf("unexpected log level %v", parsed["log-level"])
	}
	for _, key := range []string{"max-frame-size", "job-log-max-bytes", "upload-max-size"} {
		if s, ok := parsed[key].(string); !ok || s == "" {
			t.Fatalf("expected humanized %s, got %v", key, parsed[key])
		}
	}
	for key := range parsed {
		found := false
		for _, known := range configKeys {
			if key == known {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("generated key %q is not a known flag", key)
		}
	}
}

func TestConfigGenWritesFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected path in output, got %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil {
		t.Fatal("expected refusal to overwrite without --force")
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("config gen --force: %v", err)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen --stdout: %v", err)
	}
	if !strings.Contains(stdout, "listen: ") {
		t.Fatalf("expected yaml on stdout, got %q", stdout)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml"); err == nil {
		t.Fatal("expected --stdout and --out to conflict")
	}
}
