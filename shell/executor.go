// Package shell is the protocol core: it wraps logical commands so a
// stateless SSH exec channel behaves like a continuous interactive
// shell with respect to working-directory state.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"shellbridge/config"
	"shellbridge/internal/errors"
	"shellbridge/internal/metrics"
	"shellbridge/internal/session"
	"shellbridge/util"
)

// heartbeatSentinel is echoed by the heartbeat probe; a mismatch marks
// the session unhealthy without removing it.
const heartbeatSentinel = "___ALIVE___"

// Result is the outcome of one wrapped command.  The dispatch layer
// owns the wire shape; Duration serializes there as milliseconds.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Cwd      string
	Duration time.Duration
}

// Executor runs wrapped commands against registered sessions.
//
// Executor does NOT serialize calls against the same session: two
// concurrent commands on one session can race on which cwd sentinel is
// observed last.  Callers are responsible for serializing requests per
// session id.
type Executor struct {
	registry *session.Registry
	logger   *util.Logger
	metrics  *metrics.Collector
}

// NewExecutor returns an Executor backed by the registry.
func NewExecutor(reg *session.Registry, logger *util.Logger, m *metrics.Collector) *Executor {
	return &Executor{registry: reg, logger: logger, metrics: m}
}

// Session resolves a live session or fails with the Not-Found class.
func (x *Executor) Session(id string) (*session.Session, error) {
	s := x.registry.Get(id)
	if s == nil {
		return nil, errors.ErrNoActiveSession
	}
	return s, nil
}

// Run executes one logical command in the session's tracked directory
// and environment.  A zero timeout means the 30s default.
//
// On timeout the returned Result carries the -1 exit sentinel and the
// error is of the Timeout kind; only the wait is abandoned — the remote
// process may keep running (accepted limitation; there is no remote
// cancellation primitive).
func (x *Executor) Run(ctx context.Context, sessionID, command string, timeout time.Duration) (*Result, error) {
	sess, err := x.Session(sessionID)
	if err != nil {
		return nil, err
	}
	// Re-check the handle right before use: the idle sweep may have
	// closed it since the lookup.
	client := sess.Client()
	if client == nil {
		return nil, errors.ErrNoActiveSession
	}
	if timeout <= 0 {
		timeout = config.DefaultCommandTimeout
	}

	wrapped := WrapCommand(command, sess.Cwd(), sess.Env())
	start := time.Now()

	stdout, stderr, exitCode, err := runChannel(ctx, client, wrapped, timeout)
	elapsed := time.Since(start)
	if err != nil {
		if errors.IsKind(err, errors.KindTimeout) {
			x.logger.Warn("command timed out after %s on session %s (remote side not cancelled)",
				timeout, sessionID[:8])
			return &Result{ExitCode: -1, Duration: elapsed}, err
		}
		return nil, err
	}

	clean, cwd := ExtractCwd(stdout)
	if cwd != "" {
		sess.SetCwd(cwd)
	} else {
		cwd = sess.Cwd()
	}

	sess.AppendTranscript(fmt.Sprintf("$ %s\n%s", command, clean))
	sess.Touch()
	x.metrics.CommandExecuted()

	return &Result{
		Stdout:   clean,
		Stderr:   stderr,
		ExitCode: exitCode,
		Cwd:      cwd,
		Duration: elapsed,
	}, nil
}

// Heartbeat runs the fixed echo sentinel over the single-shot
// primitive.  A failed heartbeat (channel error, timeout, or sentinel
// mismatch) reports the session unhealthy but does not remove it — the
// caller decides whether to disconnect.
func (x *Executor) Heartbeat(ctx context.Context, sessionID string) error {
	sess, err := x.Session(sessionID)
	if err != nil {
		return err
	}
	client := sess.Client()
	if client == nil {
		return errors.ErrNoActiveSession
	}

	out, err := RawExec(ctx, client, "echo "+heartbeatSentinel, 10*time.Second)
	if err != nil {
		return errors.Wrap(errors.KindExecutionFailed, err, "heartbeat failed")
	}
	if strings.TrimSpace(out) != heartbeatSentinel {
		return errors.New(errors.KindExecutionFailed, "heartbeat sentinel mismatch")
	}
	sess.Touch()
	return nil
}

// RawExec is the lower-level single-shot primitive underlying bootstrap
// and diagnostic calls.  No cwd or environment wrapping is applied.  On
// non-zero exit it rejects with stderr as the error message; otherwise
// it resolves with stdout.
func RawExec(ctx context.Context, client *ssh.Client, command string, timeout time.Duration) (string, error) {
	stdout, stderr, exitCode, err := runChannel(ctx, client, command, timeout)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("command exited with status %d", exitCode)
		}
		return "", errors.New(errors.KindExecutionFailed, "%s", msg)
	}
	return stdout, nil
}

// runChannel opens one exec channel, runs the command, and waits for it
// to finish or for the timeout to elapse.  Timeout abandons only this
// channel; the client connection is left open.
func runChannel(ctx context.Context, client *ssh.Client, command string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	ch, err := client.NewSession()
	if err != nil {
		return "", "", 0, errors.Wrap(errors.KindBadGateway, err, "opening exec channel")
	}

	var outBuf, errBuf bytes.Buffer
	ch.Stdout = &outBuf
	ch.Stderr = &errBuf

	done := make(chan error, 1)
	if err := ch.Start(command); err != nil {
		ch.Close()
		return "", "", 0, errors.Wrap(errors.KindBadGateway, err, "starting command")
	}
	go func() { done <- ch.Wait() }()

	select {
	case waitErr := <-done:
		ch.Close()
		code := 0
		if waitErr != nil {
			var exitErr *ssh.ExitError
			if errors.As(waitErr, &exitErr) {
				code = exitErr.ExitStatus()
			} else {
				return "", "", 0, errors.Wrap(errors.KindBadGateway, waitErr, "exec channel failed")
			}
		}
		return outBuf.String(), errBuf.String(), code, nil
	case <-time.After(timeout):
		ch.Close() // abandon this channel only; the remote keeps running
		return "", "", -1, errors.New(errors.KindTimeout, "command exceeded %s", timeout)
	case <-ctx.Done():
		ch.Close()
		return "", "", -1, errors.Wrap(errors.KindTimeout, ctx.Err(), "command cancelled")
	}
}
