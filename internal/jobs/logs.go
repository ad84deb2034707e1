package jobs

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// LogBuffer is an append-only, byte-bounded job log. When the bound is
// exceeded whole lines are dropped from the front.
type LogBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int64
	truncated int64
	closed    bool
}

// NewLogBuffer returns a buffer holding at most max bytes.
func NewLogBuffer(max int64) *LogBuffer {
	return &LogBuffer{max: max}
}

// Write appends p. Writes after Close are discarded.
func (l *LogBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return len(p), nil
	}
	l.buf = append(l.buf, p...)
	if l.max > 0 && int64(len(l.buf)) > l.max {
		over := int64(len(l.buf)) - l.max
		cut := over
		if idx := bytes.IndexByte(l.buf[over:], '\n'); idx >= 0 {
			cut = over + int64(idx) + 1
		}
		l.truncated += cut
		l.buf = append([]byte(nil), l.buf[cut:]...)
	}
	return len(p), nil
}

// Close stops accepting writes.
func (l *LogBuffer) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Bytes returns a copy of the retained log.
func (l *LogBuffer) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.buf...)
}

// Truncated reports how many bytes were dropped from the front.
func (l *LogBuffer) Truncated() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

// Len reports retained bytes.
func (l *LogBuffer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

const excerptLines = 10

// Excerpt returns the first and last ten lines of log, eliding the middle.
func Excerpt(log []byte) string {
	text := strings.TrimRight(string(log), "\n")
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= 2*excerptLines {
		return text
	}
	head := lines[:excerptLines]
	tail := lines[len(lines)-excerptLines:]
	skipped := len(lines) - 2*excerptLines
	return strings.Join(head, "\n") + fmt.Sprintf("\n... %d more lines ...\n", skipped) + strings.Join(tail, "\n")
}
