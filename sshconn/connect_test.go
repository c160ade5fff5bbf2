package sshconn

import (
	"context"
	"strings"
	"testing"
	"time"

	"shellbridge/config"
	"shellbridge/internal/errors"
	"shellbridge/internal/session"
	"shellbridge/internal/sshtest"
	"shellbridge/util"
)

func newTestEstablisher(t *testing.T) (*Establisher, *session.Registry) {
	t.Helper()
	logger := util.NewLogger(0)
	reg := session.NewRegistry(time.Hour, time.Hour, logger, nil)
	t.Cleanup(reg.CloseAll)
	return New(reg, logger, nil), reg
}

func passwordParams(srv *sshtest.Server) *config.ConnectParams {
	p := &config.ConnectParams{Host: "127.0.0.1", Port: srv.Port}
	p.Username = sshtest.User
	p.Password = sshtest.Password
	return p
}

// waitForConns polls until the server reports want active transports.
func waitForConns(t *testing.T, srv *sshtest.Server, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv.ActiveConns() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server has %d active connections, want %d", srv.ActiveConns(), want)
}

func TestConnectDirect(t *testing.T) {
	srv := sshtest.New(t)
	e, reg := newTestEstablisher(t)

	res, err := e.Connect(context.Background(), passwordParams(srv))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.SessionID == "" {
		t.Error("empty session id")
	}
	// Home resolution replaces the "~" placeholder with a real path.
	if res.Cwd == "" || res.Cwd == "~" {
		t.Errorf("Cwd = %q, want resolved home directory", res.Cwd)
	}
	if reg.Get(res.SessionID) == nil {
		t.Error("session not registered")
	}
}

func TestConnectValidation(t *testing.T) {
	e, _ := newTestEstablisher(t)

	tests := []struct {
		name   string
		params *config.ConnectParams
	}{
		{"missing host", func() *config.ConnectParams {
			p := &config.ConnectParams{}
			p.Username = "u"
			p.Password = "x"
			return p
		}()},
		{"missing credentials", &config.ConnectParams{Host: "h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Connect(context.Background(), tt.params)
			if !errors.IsKind(err, errors.KindBadRequest) {
				t.Errorf("err = %v, want BadRequest kind", err)
			}
		})
	}
}

func TestConnectBadPassword(t *testing.T) {
	srv := sshtest.New(t)
	e, _ := newTestEstablisher(t)

	p := passwordParams(srv)
	p.Password = "wrong"
	_, err := e.Connect(context.Background(), p)
	if !errors.IsKind(err, errors.KindBadGateway) {
		t.Fatalf("err = %v, want BadGateway kind", err)
	}
}

func TestConnectRefused(t *testing.T) {
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	e, _ := newTestEstablisher(t)

	p := &config.ConnectParams{Host: "127.0.0.1", Port: port}
	p.Username = "u"
	p.Password = "x"
	p.ReadyTimeout = 2 * time.Second

	_, err = e.Connect(context.Background(), p)
	if !errors.IsKind(err, errors.KindBadGateway) {
		t.Fatalf("err = %v, want BadGateway kind", err)
	}
}

func TestTestProbe(t *testing.T) {
	srv := sshtest.New(t)
	e, reg := newTestEstablisher(t)

	info, err := e.Test(context.Background(), passwordParams(srv))
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if info == "" {
		t.Error("empty system info")
	}
	// Ephemeral: no session registered, transport torn down.
	if reg.Len() != 0 {
		t.Errorf("registry has %d sessions after Test, want 0", reg.Len())
	}
	waitForConns(t, srv, 0)
}

func TestConnectViaJumpHost(t *testing.T) {
	jump := sshtest.New(t)
	target := sshtest.New(t)
	e, reg := newTestEstablisher(t)

	p := passwordParams(target)
	p.JumpHost = &config.JumpHost{Host: "127.0.0.1", Port: jump.Port}
	p.JumpHost.Username = sshtest.User
	p.JumpHost.Password = sshtest.Password

	res, err := e.Connect(context.Background(), p)
	if err != nil {
		t.Fatalf("Connect via jump: %v", err)
	}
	if jump.ActiveConns() != 1 || target.ActiveConns() != 1 {
		t.Errorf("active conns jump=%d target=%d, want 1/1",
			jump.ActiveConns(), target.ActiveConns())
	}

	// Closing the session tears down both hops.
	reg.Remove(res.SessionID)
	waitForConns(t, target, 0)
	waitForConns(t, jump, 0)
}

func TestJumpHostSecondHopFailure(t *testing.T) {
	jump := sshtest.New(t)
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	e, _ := newTestEstablisher(t)

	p := &config.ConnectParams{Host: "127.0.0.1", Port: port}
	p.Username = sshtest.User
	p.Password = sshtest.Password
	p.JumpHost = &config.JumpHost{Host: "127.0.0.1", Port: jump.Port}
	p.JumpHost.Username = sshtest.User
	p.JumpHost.Password = sshtest.Password

	_, err = e.Connect(context.Background(), p)
	if !errors.IsKind(err, errors.KindBadGateway) {
		t.Fatalf("err = %v, want BadGateway kind", err)
	}
	if !strings.Contains(err.Error(), "jump") {
		t.Errorf("err %q does not name the failing hop", err)
	}
	// The jump-hop handle must not leak when the second hop fails.
	waitForConns(t, jump, 0)
}

func TestConnectAppliesInitialEnv(t *testing.T) {
	srv := sshtest.New(t)
	e, reg := newTestEstablisher(t)

	p := passwordParams(srv)
	p.Env = map[string]string{"DEPLOY_ENV": "staging"}

	res, err := e.Connect(context.Background(), p)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := reg.Get(res.SessionID)
	if sess == nil {
		t.Fatal("session not registered")
	}
	if sess.Env()["DEPLOY_ENV"] != "staging" {
		t.Errorf("session env = %v, want DEPLOY_ENV=staging", sess.Env())
	}
}
