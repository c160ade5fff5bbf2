package shell

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"shellbridge/internal/errors"
	"shellbridge/internal/metrics"
	"shellbridge/internal/session"
	"shellbridge/internal/sshtest"
	"shellbridge/util"
)

// newTestExecutor dials the in-process SSH server and registers one
// session whose tracked cwd starts in a temp directory.
func newTestExecutor(t *testing.T) (*Executor, *session.Registry, string, string) {
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

	return NewExecutor(reg, logger, metrics.New()), reg, id, dir
}

func TestRunTracksCwd(t *testing.T) {
	exec, _, id, dir := newTestExecutor(t)
	ctx := context.Background()

	res, err := exec.Run(ctx, id, "pwd", 0)
	if err != nil {
		t.Fatalf("Run(pwd): %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != dir {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
	if res.Cwd != dir {
		t.Errorf("Cwd = %q, want %q", res.Cwd, dir)
	}

	// A cd in one call must be visible to the next.
	res, err = exec.Run(ctx, id, "mkdir sub && cd sub", 0)
	if err != nil {
		t.Fatalf("Run(cd sub): %v", err)
	}
	want := filepath.Join(dir, "sub")
	if res.Cwd != want {
		t.Errorf("Cwd after cd = %q, want %q", res.Cwd, want)
	}

	res, err = exec.Run(ctx, id, "pwd", 0)
	if err != nil {
		t.Fatalf("Run(pwd) after cd: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != want {
		t.Errorf("pwd after cd = %q, want %q", got, want)
	}
}

func TestRunStripsSentinelFromOutput(t *testing.T) {
	exec, _, id, _ := newTestExecutor(t)

	res, err := exec.Run(context.Background(), id, "echo hello", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(res.Stdout, "___CWD___") {
		t.Errorf("sentinel leaked into stdout: %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	exec, _, id, _ := newTestExecutor(t)

	res, err := exec.Run(context.Background(), id, "exit 3", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	exec, _, id, _ := newTestExecutor(t)
	ctx := context.Background()

	res, err := exec.Run(ctx, id, "sleep 5", 200*time.Millisecond)
	if !errors.IsKind(err, errors.KindTimeout) {
		t.Fatalf("err = %v, want Timeout kind", err)
	}
	if res == nil || res.ExitCode != -1 {
		t.Fatalf("res = %+v, want ExitCode -1", res)
	}

	// Only the channel is abandoned; the connection stays usable.
	res, err = exec.Run(ctx, id, "echo alive", 0)
	if err != nil {
		t.Fatalf("Run after timeout: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "alive" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "alive")
	}
}

func TestRunUnknownSession(t *testing.T) {
	exec, _, _, _ := newTestExecutor(t)

	_, err := exec.Run(context.Background(), "no-such-session", "true", 0)
	if !errors.Is(err, errors.ErrNoActiveSession) {
		t.Errorf("err = %v, want ErrNoActiveSession", err)
	}
}

func TestHeartbeat(t *testing.T) {
	exec, reg, id, _ := newTestExecutor(t)
	ctx := context.Background()

	if err := exec.Heartbeat(ctx, id); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	reg.Remove(id)
	if err := exec.Heartbeat(ctx, id); !errors.Is(err, errors.ErrNoActiveSession) {
		t.Errorf("Heartbeat after remove = %v, want ErrNoActiveSession", err)
	}
}

func TestRawExec(t *testing.T) {
	exec, reg, id, _ := newTestExecutor(t)
	ctx := context.Background()

	sess, err := exec.Session(id)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	client := sess.Client()
	if client == nil {
		t.Fatal("nil client for live session")
	}

	out, err := RawExec(ctx, client, "echo raw", 5*time.Second)
	if err != nil {
		t.Fatalf("RawExec: %v", err)
	}
	if strings.TrimSpace(out) != "raw" {
		t.Errorf("out = %q, want %q", out, "raw")
	}

	// Non-zero exit rejects with stderr as the message.
	_, err = RawExec(ctx, client, "echo boom >&2; exit 2", 5*time.Second)
	if !errors.IsKind(err, errors.KindExecutionFailed) {
		t.Fatalf("err = %v, want ExecutionFailed kind", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("err %q does not carry stderr", err)
	}

	reg.Remove(id)
}
