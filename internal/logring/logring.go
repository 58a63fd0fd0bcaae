// Package logring provides the bounded in-memory log shared across the
// application. Every component that needs to report appends here; the UI
// renders a snapshot into its log pane.
package logring

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

type Entry struct {
	At      time.Time
	Level   Level
	Message string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %-5s %s", e.At.Format("15:04:05"), e.Level, e.Message)
}

const DefaultRetention = 600

// Ring is an append-only, boundedly-retained sequence of log entries.
// Appends never block on readers; oldest entries are evicted at capacity.
type Ring struct {
	mu      sync.Mutex
	max     int
	entries []Entry
}

func New(retention int) *Ring {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ring{max: retention}
}

func (r *Ring) Append(level Level, message string) {
	message = strings.TrimSpace(strings.ReplaceAll(message, "\n", " "))
	if message == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{At: time.Now(), Level: level, Message: message})
	if len(r.entries) > r.max {
		r.entries = r.entries[len(r.entries)-r.max:]
	}
}

func (r *Ring) Infof(format string, args ...any) {
	r.Append(LevelInfo, fmt.Sprintf(format, args...))
}

func (r *Ring) Warnf(format string, args ...any) {
	r.Append(LevelWarn, fmt.Sprintf(format, args...))
}

func (r *Ring) Errorf(format string, args ...any) {
	r.Append(LevelError, fmt.Sprintf(format, args...))
}

// Snapshot returns a copy of the retained entries, oldest first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dump renders the retained entries one per line, for run reports.
func (r *Ring) Dump() string {
	entries := r.Snapshot()
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.String())
	}
	return strings.Join(lines, "\n")
}
