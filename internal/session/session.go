// Package session holds the process-wide registry of live remote-shell
// sessions.  A Session is a logical, stateful command-execution context
// layered over a stateless SSH exec channel: it remembers the working
// directory, environment, and activity across independent calls.
package session

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// transcriptLimit bounds the per-session command log.
const transcriptLimit = 100

// DevServerState labels the attached dev-server lifecycle.
type DevServerState string

const (
	ServerUninstalled DevServerState = "uninstalled"
	ServerStopped     DevServerState = "stopped"
	ServerRunning     DevServerState = "running"
	ServerError       DevServerState = "error"
)

// DevServer describes the optional dev server attached to a session.
type DevServer struct {
	State       DevServerState
	InstallPath string
	Version     string
	Port        int
	PID         int
	StartedAt   time.Time
	LastCheck   time.Time
}

// Session is one live remote-shell context.  The *ssh.Client handle is
// exclusively owned by the session — it is never shared between
// entries, and eviction closes it before dropping the index entry.
type Session struct {
	ID       string
	Host     string
	Port     int
	Username string
	Shell    string

	mu           sync.Mutex
	client       *ssh.Client
	connected    bool
	cwd          string
	lastActivity time.Time
	env          map[string]string
	transcript   []string
	server       *DevServer
	forwards     io.Closer // port-forward set, owned by the tunnel package
}

// New wires a freshly handshaken client into a Session.  The id is
// assigned by the registry on Create.
func New(client *ssh.Client, host string, port int, username, shell string, env map[string]string) *Session {
	e := make(map[string]string, len(env))
	for k, v := range env {
		e[k] = v
	}
	return &Session{
		Host:         host,
		Port:         port,
		Username:     username,
		Shell:        shell,
		client:       client,
		connected:    true,
		cwd:          "~",
		lastActivity: time.Now(),
		env:          e,
	}
}

// Client returns the connection handle, or nil once disconnected.
// Consumers must re-check immediately before use: the idle sweep can
// close the handle concurrently with an in-flight request.
func (s *Session) Client() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	return s.client
}

// Connected reports whether the session still owns a live handle.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Touch refreshes the last-activity timestamp.  Every successful
// protocol operation calls this.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Cwd returns the tracked working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetCwd records a successfully parsed working directory.
func (s *Session) SetCwd(cwd string) {
	if cwd == "" {
		return
	}
	s.mu.Lock()
	s.cwd = cwd
	s.mu.Unlock()
}

// Env returns a copy of the session's environment map.
func (s *Session) Env() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// AppendTranscript records "$ <command>\n<stdout>" in the bounded log.
func (s *Session) AppendTranscript(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, entry)
	if len(s.transcript) > transcriptLimit {
		s.transcript = s.transcript[len(s.transcript)-transcriptLimit:]
	}
}

// Transcript returns a copy of the command log.
func (s *Session) Transcript() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Server returns the attached dev-server descriptor, creating it in the
// uninstalled state on first use.
func (s *Session) Server() *DevServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		s.server = &DevServer{State: ServerUninstalled}
	}
	return s.server
}

// SetForwards attaches the session's port-forward set so that Close can
// tear it down with the connection.
func (s *Session) SetForwards(f io.Closer) {
	s.mu.Lock()
	s.forwards = f
	s.mu.Unlock()
}

// Forwards returns the attached port-forward set, if any.
func (s *Session) Forwards() io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwards
}

// Close tears down forwards and the SSH handle and marks the session
// disconnected.  Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = false
	client := s.client
	forwards := s.forwards
	s.client = nil
	s.forwards = nil
	s.mu.Unlock()

	if forwards != nil {
		_ = forwards.Close()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

// newID generates an opaque session token.
func newID() string { return uuid.NewString() }
