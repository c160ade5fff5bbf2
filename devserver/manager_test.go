package devserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"shellbridge/internal/errors"
	"shellbridge/internal/metrics"
	"shellbridge/internal/session"
	"shellbridge/internal/sshtest"
	"shellbridge/shell"
	"shellbridge/util"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	srv := sshtest.New(t)

	cfg := &ssh.ClientConfig{
		User:            sshtest.User,
		Auth:            []ssh.AuthMethod{ssh.Password(sshtest.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", srv.Addr, cfg)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}

	logger := util.NewLogger(0)
	reg := session.NewRegistry(time.Hour, time.Hour, logger, metrics.New())
	t.Cleanup(reg.CloseAll)

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolving temp dir: %v", err)
	}
	sess := session.New(client, "127.0.0.1", srv.Port, sshtest.User, "bash", nil)
	sess.SetCwd(dir)
	id := reg.Create(sess)

	exec := shell.NewExecutor(reg, logger, metrics.New())
	return NewManager(exec, logger), id
}

func TestStartRequiresInstall(t *testing.T) {
	m, id := newTestManager(t)

	_, err := m.Start(context.Background(), id, 0, "sleep 30")
	if !errors.IsKind(err, errors.KindBadRequest) {
		t.Fatalf("err = %v, want BadRequest kind", err)
	}
}

func TestInstallMovesToStopped(t *testing.T) {
	m, id := newTestManager(t)

	st, err := m.Install(context.Background(), id, "true")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if st.State != session.ServerStopped {
		t.Errorf("State = %q, want stopped", st.State)
	}
	if st.InstallPath == "" {
		t.Error("InstallPath not recorded")
	}
	if st.Version == "" {
		t.Error("Version not recorded")
	}
}

func TestInstallFailureMovesToError(t *testing.T) {
	m, id := newTestManager(t)

	_, err := m.Install(context.Background(), id, "echo nope >&2; exit 1")
	if !errors.IsKind(err, errors.KindExecutionFailed) {
		t.Fatalf("err = %v, want ExecutionFailed kind", err)
	}

	st, err := m.CheckStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if st.State != session.ServerError {
		t.Errorf("State = %q, want error", st.State)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m, id := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Install(ctx, id, "true"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	st, err := m.Start(ctx, id, 0, "sleep 30")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != session.ServerRunning {
		t.Fatalf("State = %q, want running", st.State)
	}
	if st.Port != 3000 {
		t.Errorf("Port = %d, want default 3000", st.Port)
	}
	if st.PID <= 0 {
		t.Errorf("PID = %d, want a live pid", st.PID)
	}
	if st.StartedAt == "" {
		t.Error("StartedAt not recorded")
	}

	// Double-start is rejected while running.
	if _, err := m.Start(ctx, id, 0, "sleep 30"); !errors.IsKind(err, errors.KindBadRequest) {
		t.Errorf("second Start = %v, want BadRequest kind", err)
	}

	// The health probe sees the live process.
	st, err = m.CheckStatus(ctx, id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if st.State != session.ServerRunning {
		t.Errorf("State after check = %q, want running", st.State)
	}
	if st.LastCheck == "" {
		t.Error("LastCheck not recorded")
	}

	st, err = m.Stop(ctx, id)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st.State != session.ServerStopped {
		t.Errorf("State = %q, want stopped", st.State)
	}
	if st.PID != 0 {
		t.Errorf("PID = %d after stop, want 0", st.PID)
	}

	// Stop on a stopped server is rejected.
	if _, err := m.Stop(ctx, id); !errors.IsKind(err, errors.KindBadRequest) {
		t.Errorf("second Stop = %v, want BadRequest kind", err)
	}
}

func TestStartRejectsBadPort(t *testing.T) {
	m, id := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Install(ctx, id, "true"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	for _, port := range []int{-1, 70000} {
		if _, err := m.Start(ctx, id, port, "sleep 1"); !errors.IsKind(err, errors.KindBadRequest) {
			t.Errorf("Start(port=%d) = %v, want BadRequest kind", port, err)
		}
	}
}

func TestCheckStatusDetectsDeadProcess(t *testing.T) {
	m, id := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Install(ctx, id, "true"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	// A command that exits immediately leaves a dead pid behind.
	st, err := m.Start(ctx, id, 0, "true")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st.State != session.ServerRunning {
		t.Fatalf("State = %q, want running", st.State)
	}

	// Give the short-lived process time to exit.
	time.Sleep(300 * time.Millisecond)

	st, err = m.CheckStatus(ctx, id)
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if st.State != session.ServerError {
		t.Errorf("State = %q, want error after process death", st.State)
	}
}
