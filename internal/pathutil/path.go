// Package pathutil expands configured filesystem paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR and ${VAR} tokens and a leading "~/" in p.
// The result is not made absolute.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return p, nil
}

// Resolve expands p and returns it as a clean absolute path. An empty p
// stays empty.
func Resolve(p string) (string, error) {
	p, err := ExpandUserAndEnv(p)
	if err != nil || p == "" {
		return p, err
	}
	return filepath.Abs(p)
}

// Under returns p resolved, or name joined onto dir when p is empty.
func Under(p, dir, name string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return filepath.Join(dir, name), nil
	}
	return Resolve(p)
}
