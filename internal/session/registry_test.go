package session

import (
	"testing"
	"time"

	"shellbridge/internal/metrics"
	"shellbridge/util"
)

func newTestRegistry(ttl time.Duration) *Registry {
	return NewRegistry(ttl, time.Minute, util.NewLogger(0), metrics.New())
}

// newLiveSession builds a connected session without a real SSH handle;
// Close tolerates the nil client.
func newLiveSession() *Session {
	return New(nil, "host.example.com", 22, "dev", "bash", nil)
}

func TestCreateAssignsOpaqueID(t *testing.T) {
	r := newTestRegistry(time.Hour)

	a := r.Create(newLiveSession())
	b := r.Create(newLiveSession())
	if a == "" || b == "" {
		t.Fatal("empty session id")
	}
	if a == b {
		t.Fatalf("ids collide: %s", a)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestGetReturnsNilForUnknown(t *testing.T) {
	r := newTestRegistry(time.Hour)
	if got := r.Get("nope"); got != nil {
		t.Errorf("Get(unknown) = %v, want nil", got)
	}
}

func TestGetReturnsNilForDisconnected(t *testing.T) {
	r := newTestRegistry(time.Hour)
	s := newLiveSession()
	id := r.Create(s)

	if r.Get(id) == nil {
		t.Fatal("live session not found")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Still indexed, but disconnected entries are treated as absent.
	if got := r.Get(id); got != nil {
		t.Errorf("Get(disconnected) = %v, want nil", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := newTestRegistry(time.Hour)
	id := r.Create(newLiveSession())

	r.Remove(id)
	r.Remove(id) // second remove is a no-op
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestSweepEvictsOnlyStaleSessions(t *testing.T) {
	r := newTestRegistry(15 * time.Minute)

	stale := newLiveSession()
	fresh := newLiveSession()
	staleID := r.Create(stale)
	freshID := r.Create(fresh)

	// Backdate the stale session past the TTL.
	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-16 * time.Minute)
	stale.mu.Unlock()

	if n := r.SweepOnce(); n != 1 {
		t.Fatalf("SweepOnce() = %d, want 1", n)
	}
	if r.Get(staleID) != nil {
		t.Error("stale session survived the sweep")
	}
	if r.Get(freshID) == nil {
		t.Error("fresh session was evicted")
	}
	if stale.Connected() {
		t.Error("evicted session still connected")
	}
}

func TestTouchDefersEviction(t *testing.T) {
	r := newTestRegistry(15 * time.Minute)
	s := newLiveSession()
	id := r.Create(s)

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-16 * time.Minute)
	s.mu.Unlock()
	s.Touch()

	if n := r.SweepOnce(); n != 0 {
		t.Fatalf("SweepOnce() = %d, want 0", n)
	}
	if r.Get(id) == nil {
		t.Error("touched session was evicted")
	}
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(time.Hour)
	a := r.Create(newLiveSession())
	b := r.Create(newLiveSession())

	r.CloseAll()
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if r.Get(a) != nil || r.Get(b) != nil {
		t.Error("sessions survived CloseAll")
	}
}

func TestSessionTranscriptIsBounded(t *testing.T) {
	s := newLiveSession()
	for i := 0; i < transcriptLimit+10; i++ {
		s.AppendTranscript("entry")
	}
	if got := len(s.Transcript()); got != transcriptLimit {
		t.Errorf("transcript length = %d, want %d", got, transcriptLimit)
	}
}

func TestSessionEnvIsCopied(t *testing.T) {
	s := New(nil, "h", 22, "u", "bash", map[string]string{"K": "v"})
	env := s.Env()
	env["K"] = "mutated"
	if s.Env()["K"] != "v" {
		t.Error("Env() exposed internal map")
	}
}
