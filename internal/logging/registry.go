package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Registry hands out one Logger per council member, keyed by the member's
// stable 0-based session index. It is initialized once per session; member
// log files live under {logDir}/members/member_<index>.log.
type Registry struct {
	mu      sync.Mutex
	logDir  string
	level   string
	loggers map[int]*Logger
}

// NewRegistry creates a per-member logger registry. If logDir is empty,
// member loggers discard their output.
func NewRegistry(logDir, level string) *Registry {
	return &Registry{
		logDir:  logDir,
		level:   level,
		loggers: make(map[int]*Logger),
	}
}

// Member returns the logger for the member at the given index, creating it
// on first use. Creation failures degrade to a no-op logger rather than
// failing the caller: member logging is diagnostic, never load-bearing.
func (r *Registry) Member(index int, displayName string) *Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[index]; ok {
		return l
	}

	l := r.open(index)
	l = l.WithMember(index, displayName)
	r.loggers[index] = l
	return l
}

func (r *Registry) open(index int) *Logger {
	if r.logDir == "" {
		return NopLogger()
	}

	dir := filepath.Join(r.logDir, "members")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NopLogger()
	}

	l, err := newFileLogger(filepath.Join(dir, fmt.Sprintf("member_%d.log", index)), r.level)
	if err != nil {
		return NopLogger()
	}
	return l
}

// Close closes every member logger opened so far.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range r.loggers {
		_ = l.Close()
	}
	r.loggers = make(map[int]*Logger)
}
