package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/middlewared/internal/loggingutil"
	"pkt.systems/middlewared/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(loggingutil.NewSwitch(pslog.NoopLogger(), pslog.InfoLevel))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	t.Setenv("MIDDLEWARED_CONFIG", "")

	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandSemverFlag(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "--semver")
	if err != nil {
		t.Fatalf("version --semver failed: %v", err)
	}
	if stdout != version.Semver()+"\n" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if strings.HasPrefix(stdout, "v") {
		t.Fatalf("semver must not carry the v prefix: %q", stdout)
	}
}

func TestVersionCommandFlagsAreMutuallyExclusive(t *testing.T) {
	_, _, err := executeRootCommand(t, "version", "--version", "--semver")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}
