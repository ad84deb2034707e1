package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestSemverDropsPrefix(t *testing.T) {
	if got := Semver(); strings.HasPrefix(got, "v") || got == "" {
		t.Fatalf("expected unprefixed version, got %q", got)
	}
}

func TestFromVCS(t *testing.T) {
	got := fromVCS([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	want := "v0.0.0-20260102030405-0123456789ab+dirty"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if fromVCS(nil) != "" {
		t.Fatalf("expected empty version without vcs settings")
	}
}
