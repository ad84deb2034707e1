// Package loggingutil provides a pslog.Logger whose minimum level can be
// changed while the process runs, so a config reload can raise or lower
// verbosity without rebuilding every subsystem logger.
package loggingutil

import (
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
)

// Switch owns the root logger and the currently selected level.
type Switch struct {
	root pslog.Logger

	mu      sync.Mutex
	level   pslog.Level
	gen     atomic.Uint64
	current atomic.Pointer[pslog.Logger]
}

// NewSwitch wraps root and applies level. root should not already carry a
// stricter minimum level than any level later passed to SetLevel.
func NewSwitch(root pslog.Logger, level pslog.Level) *Switch {
	if root == nil {
		root = pslog.NoopLogger()
	}
	s := &Switch{root: root}
	s.SetLevel(level)
	return s
}

// SetLevel changes the level for every logger derived from the switch.
// It reports whether the level changed.
func (s *Switch) SetLevel(level pslog.Level) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Load() != nil && s.level == level {
		return false
	}
	next := s.root.LogLevel(level)
	s.level = level
	s.current.Store(&next)
	s.gen.Add(1)
	return true
}

// Level returns the active level.
func (s *Switch) Level() pslog.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Logger returns a pslog.Logger that follows SetLevel.
func (s *Switch) Logger() pslog.Logger {
	return &switchLogger{src: s}
}

type cached struct {
	gen    uint64
	logger pslog.Logger
}

type switchLogger struct {
	src     *Switch
	keyvals []any
	cache   atomic.Pointer[cached]
}

func (l *switchLogger) resolve() pslog.Logger {
	gen := l.src.gen.Load()
	if c := l.cache.Load(); c != nil && c.gen == gen {
		return c.logger
	}
	base := *l.src.current.Load()
	if len(l.keyvals) > 0 {
		base = base.With(l.keyvals...)
	}
	l.cache.Store(&cached{gen: gen, logger: base})
	return base
}

func (l *switchLogger) Trace(msg string, keyvals ...any) { l.resolve().Trace(msg, keyvals...) }
func (l *switchLogger) Debug(msg string, keyvals ...any) { l.resolve().Debug(msg, keyvals...) }
func (l *switchLogger) Info(msg string, keyvals ...any)  { l.resolve().Info(msg, keyvals...) }
func (l *switchLogger) Warn(msg string, keyvals ...any)  { l.resolve().Warn(msg, keyvals...) }
func (l *switchLogger) Error(msg string, keyvals ...any) { l.resolve().Error(msg, keyvals...) }
func (l *switchLogger) Fatal(msg string, keyvals ...any) { l.resolve().Fatal(msg, keyvals...) }
func (l *switchLogger) Panic(msg string, keyvals ...any) { l.resolve().Panic(msg, keyvals...) }

func (l *switchLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	l.resolve().Log(level, msg, keyvals...)
}

func (l *switchLogger) With(keyvals ...any) pslog.Logger {
	merged := make([]any, 0, len(l.keyvals)+len(keyvals))
	merged = append(merged, l.keyvals...)
	merged = append(merged, keyvals...)
	return &switchLogger{src: l.src, keyvals: merged}
}

// WithLogLevel, LogLevel and LogLevelFromEnv detach from the switch: the
// caller asked for a fixed level.
func (l *switchLogger) WithLogLevel() pslog.Logger { return l.resolve().WithLogLevel() }

func (l *switchLogger) LogLevel(level pslog.Level) pslog.Logger {
	return l.resolve().LogLevel(level)
}

func (l *switchLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.resolve().LogLevelFromEnv(key)
}
