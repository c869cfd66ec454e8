// Package ops provides operational introspection for the trading server: a
// ring buffer of recent log records with live fan-out, and HTTP endpoints
// exposing engine status and the log stream.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single captured log record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Attrs   string    `json:"attrs,omitempty"`
}

// LogBuffer keeps the last N log entries in a ring and fans new entries out
// to registered listeners. Slow listeners drop entries rather than block.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	size    int
	bufCap  int

	listenerMu sync.RWMutex
	listeners  map[string]chan LogEntry
}

// NewLogBuffer allocates a ring buffer with the given capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries:   make([]LogEntry, capacity),
		bufCap:    capacity,
		listeners: make(map[string]chan LogEntry),
	}
}

// Add records an entry and notifies listeners without blocking.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % lb.bufCap
	if lb.size < lb.bufCap {
		lb.size++
	}
	lb.mu.Unlock()

	lb.listenerMu.RLock()
	for _, ch := range lb.listeners {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.listenerMu.RUnlock()
}

// Recent returns up to n of the newest entries, oldest first.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n > lb.size {
		n = lb.size
	}
	if n == 0 {
		return nil
	}

	out := make([]LogEntry, n)
	start := (lb.head - n + lb.bufCap) % lb.bufCap
	for i := range out {
		out[i] = lb.entries[(start+i)%lb.bufCap]
	}
	return out
}

// AddListener registers a buffered channel that receives new entries.
func (lb *LogBuffer) AddListener(id string) chan LogEntry {
	ch := make(chan LogEntry, 100)
	lb.listenerMu.Lock()
	lb.listeners[id] = ch
	lb.listenerMu.Unlock()
	return ch
}

// RemoveListener unregisters a listener and closes its channel.
func (lb *LogBuffer) RemoveListener(id string) {
	lb.listenerMu.Lock()
	ch, exists := lb.listeners[id]
	delete(lb.listeners, id)
	lb.listenerMu.Unlock()
	if exists {
		close(ch)
	}
}

// TeeHandler is an slog.Handler that copies every record into a LogBuffer
// before delegating to the wrapped handler.
type TeeHandler struct {
	inner slog.Handler
	buf   *LogBuffer
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler wraps inner so records also land in buf.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var attrs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&attrs, "%s=%v ", a.Key, a.Value.Any())
		return true
	})

	h.buf.Add(LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   strings.TrimSpace(attrs.String()),
	})

	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{inner: h.inner.WithGroup(name), buf: h.buf}
}
