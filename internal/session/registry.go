package session

import (
	"context"
	"sync"
	"time"

	"shellbridge/internal/metrics"
	"shellbridge/util"
)

// Registry is the process-wide store of live sessions.  It is shared,
// mutable state: the idle sweep runs on its own timer and may close a
// connection concurrently with an in-flight request, so consumers must
// treat "not found / not connected" as a normal, recoverable outcome.
type Registry struct {
	ttl      time.Duration
	interval time.Duration
	logger   *util.Logger
	metrics  *metrics.Collector

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry with the given idle TTL and sweep
// interval.  The metrics collector is optional (nil-safe).
func NewRegistry(ttl, interval time.Duration, logger *util.Logger, m *metrics.Collector) *Registry {
	return &Registry{
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Create assigns an opaque token to the session and indexes it.
func (r *Registry) Create(s *Session) string {
	id := newID()
	s.ID = id
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.metrics.SessionOpened()
	r.logger.Verbose("session %s registered for %s@%s:%d", short(id), s.Username, s.Host, s.Port)
	return id
}

// Get returns the session for id, or nil if it is unknown or no longer
// connected.  A disconnected entry is treated as absent regardless of
// registry presence.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil || !s.Connected() {
		return nil
	}
	return s
}

// Remove closes the session best-effort and drops the index entry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		r.logger.Debug("session %s close: %v", short(id), err)
	}
	r.metrics.SessionClosed()
}

// Len returns the number of indexed sessions, connected or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepOnce evicts every session idle beyond the TTL.  The handle is
// closed before the index entry is removed; close failures are
// swallowed.  Returns the number of evicted sessions.
func (r *Registry) SweepOnce() int {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var stale []*Session
	for id, s := range r.sessions {
		if s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		_ = s.Close() // swallowed: the entry is gone either way
		r.metrics.SessionClosed()
		r.metrics.SessionEvicted()
		r.logger.Info("session %s evicted after %s idle", short(s.ID), r.ttl)
	}
	r.metrics.RecordSweep()
	return len(stale)
}

// Start runs the sweep loop until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	tick := time.NewTicker(r.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n := r.SweepOnce(); n > 0 {
				r.logger.Verbose("idle sweep evicted %d session(s)", n)
			}
		}
	}
}

// short truncates an id for log lines.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// CloseAll force-closes every session; used at daemon shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
		r.metrics.SessionClosed()
	}
}
