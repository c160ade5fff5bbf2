// Package devserver manages the optional dev server attached to a
// session: a state machine (uninstalled → stopped → running →
// stopped | error) with real process mechanics behind it.
package devserver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"shellbridge/internal/errors"
	"shellbridge/internal/session"
	"shellbridge/shell"
	"shellbridge/util"
)

const (
	defaultInstallCommand = "npm install"
	defaultStartCommand   = "npm run dev"
	defaultPort           = 3000
)

// Manager drives the per-session dev-server lifecycle.
type Manager struct {
	exec   *shell.Executor
	logger *util.Logger
}

// NewManager returns a dev-server manager backed by the executor.
func NewManager(exec *shell.Executor, logger *util.Logger) *Manager {
	return &Manager{exec: exec, logger: logger}
}

// Status is the externally visible descriptor.
type Status struct {
	State       session.DevServerState `json:"state"`
	InstallPath string                 `json:"installPath,omitempty"`
	Version     string                 `json:"version,omitempty"`
	Port        int                    `json:"port,omitempty"`
	PID         int                    `json:"pid,omitempty"`
	StartedAt   string                 `json:"startedAt,omitempty"`
	LastCheck   string                 `json:"lastCheck,omitempty"`
}

// Install runs the install command in the tracked directory, records
// the install path and runtime version, and moves to stopped.
func (m *Manager) Install(ctx context.Context, sessionID, command string) (*Status, error) {
	sess, err := m.exec.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if command == "" {
		command = defaultInstallCommand
	}

	res, err := m.exec.Run(ctx, sessionID, command, 0)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		srv := sess.Server()
		srv.State = session.ServerError
		return nil, errors.New(errors.KindExecutionFailed, "install failed: %s", strings.TrimSpace(res.Stderr))
	}

	version := "unknown"
	if client := sess.Client(); client != nil {
		if out, err := shell.RawExec(ctx, client, "node -v 2>/dev/null || echo unknown", 10*time.Second); err == nil {
			version = strings.TrimSpace(out)
		}
	}

	srv := sess.Server()
	srv.State = session.ServerStopped
	srv.InstallPath = res.Cwd
	srv.Version = version
	sess.Touch()

	m.logger.Info("dev server installed in %s (runtime %s)", res.Cwd, version)
	return snapshot(srv), nil
}

// Start launches the dev server detached, records the process handle,
// and moves to running.  The port is validated or defaulted.
func (m *Manager) Start(ctx context.Context, sessionID string, port int, command string) (*Status, error) {
	sess, err := m.exec.Session(sessionID)
	if err != nil {
		return nil, err
	}
	srv := sess.Server()
	if srv.State == session.ServerUninstalled {
		return nil, errors.New(errors.KindBadRequest, "dev server is not installed")
	}
	if srv.State == session.ServerRunning {
		return nil, errors.New(errors.KindBadRequest, "dev server is already running on port %d", srv.Port)
	}
	if port == 0 {
		port = defaultPort
	}
	if port < 1 || port > 65535 {
		return nil, errors.New(errors.KindBadRequest, "port %d out of range 1-65535", port)
	}
	if command == "" {
		command = defaultStartCommand
	}

	// Detach under nohup and capture the pid; the session's exec
	// channel closes but the server keeps running remotely.
	launch := fmt.Sprintf("nohup sh -c 'PORT=%d %s' > /tmp/shellbridge-devserver.log 2>&1 & echo $!", port, command)
	res, err := m.exec.Run(ctx, sessionID, launch, 0)
	if err != nil {
		return nil, err
	}
	pid, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if res.ExitCode != 0 || convErr != nil {
		srv.State = session.ServerError
		return nil, errors.New(errors.KindExecutionFailed, "could not launch dev server: %s", strings.TrimSpace(res.Stderr))
	}

	srv.State = session.ServerRunning
	srv.Port = port
	srv.PID = pid
	srv.StartedAt = time.Now()
	sess.Touch()

	m.logger.Info("dev server started (pid %d, port %d)", pid, port)
	return snapshot(srv), nil
}

// Stop kills the recorded process and returns to stopped.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*Status, error) {
	sess, err := m.exec.Session(sessionID)
	if err != nil {
		return nil, err
	}
	srv := sess.Server()
	if srv.State != session.ServerRunning {
		return nil, errors.New(errors.KindBadRequest, "dev server is not running")
	}

	if _, err := m.exec.Run(ctx, sessionID, fmt.Sprintf("kill %d 2>/dev/null || true", srv.PID), 0); err != nil {
		return nil, err
	}

	srv.State = session.ServerStopped
	srv.PID = 0
	sess.Touch()
	m.logger.Info("dev server stopped")
	return snapshot(srv), nil
}

// CheckStatus records a health-check timestamp without changing state,
// unless the probe finds the process dead, which moves to error.
func (m *Manager) CheckStatus(ctx context.Context, sessionID string) (*Status, error) {
	sess, err := m.exec.Session(sessionID)
	if err != nil {
		return nil, err
	}
	srv := sess.Server()
	srv.LastCheck = time.Now()

	if srv.State == session.ServerRunning && srv.PID > 0 {
		if client := sess.Client(); client != nil {
			probe := fmt.Sprintf("kill -0 %d", srv.PID)
			if _, err := shell.RawExec(ctx, client, probe, 10*time.Second); err != nil {
				srv.State = session.ServerError
				m.logger.Warn("dev server pid %d is gone", srv.PID)
			}
		}
	}
	sess.Touch()
	return snapshot(srv), nil
}

func snapshot(srv *session.DevServer) *Status {
	st := &Status{
		State:       srv.State,
		InstallPath: srv.InstallPath,
		Version:     srv.Version,
		Port:        srv.Port,
		PID:         srv.PID,
	}
	if !srv.StartedAt.IsZero() {
		st.StartedAt = srv.StartedAt.Format(time.RFC3339)
	}
	if !srv.LastCheck.IsZero() {
		st.LastCheck = srv.LastCheck.Format(time.RFC3339)
	}
	return st
}
