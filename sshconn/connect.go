// Package sshconn establishes remote-shell sessions, directly or
// through a jump host, and registers them with the session registry.
package sshconn

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"shellbridge/config"
	"shellbridge/internal/errors"
	"shellbridge/internal/metrics"
	"shellbridge/internal/session"
	"shellbridge/shell"
	"shellbridge/util"
)

// Establisher opens SSH connections and turns them into sessions.
type Establisher struct {
	registry *session.Registry
	logger   *util.Logger
	metrics  *metrics.Collector
}

// New returns an Establisher backed by the given registry.
func New(reg *session.Registry, logger *util.Logger, m *metrics.Collector) *Establisher {
	return &Establisher{registry: reg, logger: logger, metrics: m}
}

// Result is what a successful connect hands back to the caller.
type Result struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

// Connect opens a session (direct or via jump host), resolves the home
// directory, applies the initial environment, and registers the
// session.  Connection failures surface as the bad-gateway class with
// the underlying message attached.
func (e *Establisher) Connect(ctx context.Context, params *config.ConnectParams) (*Result, error) {
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindBadRequest, err, "invalid connect parameters")
	}

	client, err := e.dial(ctx, params)
	if err != nil {
		return nil, err
	}

	// Bootstrap probe: resolve the home directory.  Failure is
	// non-fatal; "~" is a safe tracked-cwd default.
	home := "~"
	if out, err := shell.RawExec(ctx, client, "pwd", 10*time.Second); err != nil {
		e.logger.Warn("home directory probe failed, falling back to ~: %v", err)
	} else if dir := strings.TrimSpace(out); dir != "" {
		home = dir
	}

	// Apply configured exports as one best-effort batch.
	if len(params.Env) > 0 {
		batch := shell.ExportBatch(params.Env)
		if _, err := shell.RawExec(ctx, client, batch, 10*time.Second); err != nil {
			e.logger.Warn("applying environment exports failed: %v", err)
		}
	}

	sess := session.New(client, params.Host, params.Port, params.Username, params.Shell, params.Env)
	sess.SetCwd(home)
	id := e.registry.Create(sess)

	e.logger.Info("connected %s@%s:%d (session %s)", params.Username, params.Host, params.Port, id[:8])
	return &Result{SessionID: id, Cwd: home}, nil
}

// Test is the ephemeral variant: connect, run one diagnostic probe,
// disconnect.  No session is registered.
func (e *Establisher) Test(ctx context.Context, params *config.ConnectParams) (string, error) {
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return "", errors.Wrap(errors.KindBadRequest, err, "invalid connect parameters")
	}

	client, err := e.dial(ctx, params)
	if err != nil {
		return "", err
	}
	defer client.Close()

	info, err := shell.RawExec(ctx, client, "uname -a", 10*time.Second)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(info), nil
}

// dial routes to the direct or jump-host path.
func (e *Establisher) dial(ctx context.Context, params *config.ConnectParams) (*ssh.Client, error) {
	if params.JumpHost == nil {
		return e.dialHop(ctx, params.Host, params.Port, &params.Credentials, params, "direct")
	}
	return e.dialViaJumpHost(ctx, params)
}

// dialHop opens a TCP connection and completes one SSH handshake,
// bounded by the ready timeout plus a fixed grace window.
func (e *Establisher) dialHop(ctx context.Context, host string, port int, creds *config.Credentials, params *config.ConnectParams, hop string) (*ssh.Client, error) {
	cfg, err := e.clientConfig(creds, params)
	if err != nil {
		return nil, errors.BadGateway(errors.WrapSSH("auth", hop, host, port, err))
	}

	addr := util.FormatAddr(host, port)
	e.logger.Debug("dialing %s as %s (%s hop)", addr, creds.Username, hop)

	dialer := net.Dialer{Timeout: params.ReadyTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.BadGateway(fmt.Errorf("dial %s: %w", addr, err))
	}

	return e.handshake(ctx, tcpConn, addr, cfg, params.ReadyTimeout, hop, host, port)
}

// dialViaJumpHost connects to the jump host, asks it for a raw stream
// to the target, and completes a second handshake over that stream with
// the target's own credentials.  Any failure closes whatever handles
// were already opened.  The effective budget is roughly double the
// single-hop budget because two sequential handshakes occur.
func (e *Establisher) dialViaJumpHost(ctx context.Context, params *config.ConnectParams) (*ssh.Client, error) {
	jump := params.JumpHost

	jumpClient, err := e.dialHop(ctx, jump.Host, jump.Port, &jump.Credentials, params, "jump")
	if err != nil {
		return nil, err
	}

	targetCfg, err := e.clientConfig(&params.Credentials, params)
	if err != nil {
		jumpClient.Close()
		return nil, errors.BadGateway(errors.WrapSSH("auth", "target", params.Host, params.Port, err))
	}

	targetAddr := util.FormatAddr(params.Host, params.Port)
	stream, err := jumpClient.Dial("tcp", targetAddr)
	if err != nil {
		jumpClient.Close()
		return nil, errors.BadGateway(errors.WrapSSH("forward", "jump", params.Host, params.Port, err))
	}

	client, err := e.handshake(ctx, stream, targetAddr, targetCfg, params.ReadyTimeout, "target", params.Host, params.Port)
	if err != nil {
		// handshake already closed the stream.
		jumpClient.Close()
		return nil, err
	}

	// Tie the jump client's lifetime to the target client so that
	// closing the session handle tears down both hops.
	go func() {
		_ = client.Wait()
		jumpClient.Close()
	}()

	return client, nil
}

// handshake completes the SSH handshake over an established transport.
// The connection deadline enforces the ready timeout; a watchdog at
// ready+grace hard-fails with a distinct Timeout error.  The transport
// is closed on every failure path.
func (e *Establisher) handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig, ready time.Duration, hop, host string, port int) (*ssh.Client, error) {
	_ = conn.SetDeadline(time.Now().Add(ready))

	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{ssh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			conn.Close()
			return nil, errors.BadGateway(errors.WrapSSH("handshake", hop, host, port, r.err))
		}
		_ = conn.SetDeadline(time.Time{})
		return r.client, nil
	case <-time.After(ready + config.HandshakeGrace):
		conn.Close()
		return nil, errors.New(errors.KindTimeout,
			"handshake with %s (%s hop) exceeded %s", addr, hop, ready+config.HandshakeGrace)
	case <-ctx.Done():
		conn.Close()
		return nil, errors.Wrap(errors.KindTimeout, ctx.Err(), "handshake with %s (%s hop) cancelled", addr, hop)
	}
}

func (e *Establisher) clientConfig(creds *config.Credentials, params *config.ConnectParams) (*ssh.ClientConfig, error) {
	methods, err := buildAuthMethods(creds)
	if err != nil {
		return nil, err
	}
	hk, err := hostKeyCallback(params.StrictHostKey, params.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            methods,
		HostKeyCallback: hk,
		Timeout:         params.ReadyTimeout,
	}, nil
}
