// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of the session daemon.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics across all sessions.
// A nil Collector is safe to use — all methods become no-ops.
type Collector struct {
	sessionsActive  atomic.Int64
	sessionsTotal   atomic.Int64
	sessionsEvicted atomic.Int64
	commandsTotal   atomic.Int64
	bytesForwarded  atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastSweep    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// SessionEvicted records an idle-sweep eviction (the eviction also
// counts as a close; callers invoke both).
func (c *Collector) SessionEvicted() {
	if c == nil {
		return
	}
	c.sessionsEvicted.Add(1)
}

// ActiveSessions returns the current number of live sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// ── Command metrics ──────────────────────────────────────────────────

// CommandExecuted records one wrapped or single-shot command.
func (c *Collector) CommandExecuted() {
	if c == nil {
		return
	}
	c.commandsTotal.Add(1)
}

// ── Forwarding metrics ───────────────────────────────────────────────

// BytesForwarded records n bytes moved through a port-forward bridge.
func (c *Collector) BytesForwarded(n int64) {
	if c == nil {
		return
	}
	c.bytesForwarded.Add(n)
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Sweep ────────────────────────────────────────────────────────────

// RecordSweep updates the last idle-sweep timestamp.
func (c *Collector) RecordSweep() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastSweep = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	SessionsEvicted  int64  `json:"sessions_evicted"`
	CommandsTotal    int64  `json:"commands_total"`
	BytesForwarded   int64  `json:"bytes_forwarded"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastSweep        string `json:"last_sweep,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:  c.sessionsActive.Load(),
		SessionsTotal:   c.sessionsTotal.Load(),
		SessionsEvicted: c.sessionsEvicted.Load(),
		CommandsTotal:   c.commandsTotal.Load(),
		BytesForwarded:  c.bytesForwarded.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastSweep.IsZero() {
		s.LastSweep = c.lastSweep.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
