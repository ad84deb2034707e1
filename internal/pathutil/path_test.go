package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	t.Setenv("MIDDLEWARED_TEST_DIR", "/srv/mw")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	cases := map[string]string{
		"":                             "",
		"  ":                           "",
		"$MIDDLEWARED_TEST_DIR/db":     "/srv/mw/db",
		"${MIDDLEWARED_TEST_DIR}/logs": "/srv/mw/logs",
		"~":                            home,
		"~/state":                      filepath.Join(home, "state"),
		"relative/path":                "relative/path",
	}
	for in, want := range cases {
		got, err := ExpandUserAndEnv(in)
		if err != nil {
			t.Fatalf("expand %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("expand %q: expected %q, got %q", in, want, got)
		}
	}
}

func TestUnderDefaultsIntoDir(t *testing.T) {
	got, err := Under("", "/var/db/middlewared", "middlewared.db")
	if err != nil {
		t.Fatalf("under: %v", err)
	}
	if got != "/var/db/middlewared/middlewared.db" {
		t.Fatalf("expected joined default, got %q", got)
	}
	got, err = Under("/tmp/x.db", "/var/db/middlewared", "middlewared.db")
	if err != nil {
		t.Fatalf("under: %v", err)
	}
	if got != "/tmp/x.db" {
		t.Fatalf("expected explicit path, got %q", got)
	}
}

func TestResolveIsAbsolute(t *testing.T) {
	got, err := Resolve("some/dir")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Fatalf("expected absolute path, got %q", got)
	}
}
