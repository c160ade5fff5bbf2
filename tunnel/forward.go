// Package tunnel provides per-session port forwarding over an
// established SSH connection: one dynamic (SOCKS5) listener, a list of
// local→remote tunnels, and a list of remote→local tunnels.  The three
// groups are independent — removing one clears only that group.
package tunnel

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"shellbridge/internal/errors"
	"shellbridge/internal/metrics"
	"shellbridge/util"
)

// Group names accepted by Remove.
const (
	GroupDynamic = "dynamic"
	GroupLocal   = "local"
	GroupRemote  = "remote"
)

// forward is one live listener plus its human-readable description.
type forward struct {
	desc string
	ln   net.Listener
}

// Forwards is the port-forward set owned by a single session.  The
// session closes it together with the connection handle.
type Forwards struct {
	client  *ssh.Client
	logger  *util.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	closed  bool
	dynamic *forward
	locals  map[string]*forward
	remotes map[string]*forward
}

// NewForwards creates an empty forward set bound to the session's
// connection handle.
func NewForwards(client *ssh.Client, logger *util.Logger, m *metrics.Collector) *Forwards {
	return &Forwards{
		client:  client,
		logger:  logger,
		metrics: m,
		locals:  make(map[string]*forward),
		remotes: make(map[string]*forward),
	}
}

// SetupDynamic starts the single SOCKS-style dynamic forward on the
// given local port.  At most one dynamic forward exists per session.
func (f *Forwards) SetupDynamic(localPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrNoActiveSession
	}
	if f.dynamic != nil {
		return errors.New(errors.KindBadRequest, "dynamic forward already active on %s", f.dynamic.desc)
	}

	addr := util.FormatAddr("127.0.0.1", localPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(errors.KindBadRequest, err, "listen %s", addr)
	}

	fw := &forward{desc: ln.Addr().String(), ln: ln}
	f.dynamic = fw
	go f.serveSOCKS(ln)
	f.logger.Info("dynamic (SOCKS5) forward listening on %s", fw.desc)
	return nil
}

// AddLocal adds one local-port → remoteHost:remotePort tunnel.
func (f *Forwards) AddLocal(localPort int, remoteHost string, remotePort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrNoActiveSession
	}

	key := fmt.Sprintf("%d:%s:%d", localPort, remoteHost, remotePort)
	if _, dup := f.locals[key]; dup {
		return errors.New(errors.KindBadRequest, "local forward %s already exists", key)
	}

	laddr := util.FormatAddr("127.0.0.1", localPort)
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		return errors.Wrap(errors.KindBadRequest, err, "listen %s", laddr)
	}

	target := util.FormatAddr(remoteHost, remotePort)
	fw := &forward{desc: key, ln: ln}
	f.locals[key] = fw
	go f.serveLocal(ln, target)
	f.logger.Info("local forward %s → %s", ln.Addr(), target)
	return nil
}

// AddRemote adds one remote-port → localHost:localPort tunnel by
// requesting a forwarded-tcpip listener on the remote side.
func (f *Forwards) AddRemote(remotePort int, localHost string, localPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.ErrNoActiveSession
	}

	key := fmt.Sprintf("%d:%s:%d", remotePort, localHost, localPort)
	if _, dup := f.remotes[key]; dup {
		return errors.New(errors.KindBadRequest, "remote forward %s already exists", key)
	}

	raddr := util.FormatAddr("127.0.0.1", remotePort)
	ln, err := f.client.Listen("tcp", raddr)
	if err != nil {
		return errors.Wrap(errors.KindBadGateway, err, "remote listen on %s", raddr)
	}

	target := util.FormatAddr(localHost, localPort)
	fw := &forward{desc: key, ln: ln}
	f.remotes[key] = fw
	go f.serveRemote(ln, target)
	f.logger.Info("remote forward %s (remote) → %s (local)", raddr, target)
	return nil
}

// Remove closes every listener in the named group, leaving the other
// groups untouched.
func (f *Forwards) Remove(group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch group {
	case GroupDynamic:
		if f.dynamic != nil {
			f.dynamic.ln.Close()
			f.dynamic = nil
		}
	case GroupLocal:
		for k, fw := range f.locals {
			fw.ln.Close()
			delete(f.locals, k)
		}
	case GroupRemote:
		for k, fw := range f.remotes {
			fw.ln.Close()
			delete(f.remotes, k)
		}
	default:
		return errors.New(errors.KindBadRequest, "unknown forwarding group %q", group)
	}
	f.logger.Verbose("cleared %s forwarding group", group)
	return nil
}

// Describe snapshots the active forwards for status responses.
func (f *Forwards) Describe() map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]string{GroupDynamic: {}, GroupLocal: {}, GroupRemote: {}}
	if f.dynamic != nil {
		out[GroupDynamic] = append(out[GroupDynamic], f.dynamic.desc)
	}
	for k := range f.locals {
		out[GroupLocal] = append(out[GroupLocal], k)
	}
	for k := range f.remotes {
		out[GroupRemote] = append(out[GroupRemote], k)
	}
	return out
}

// Close tears down every group.  Safe to call more than once.
func (f *Forwards) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.dynamic != nil {
		f.dynamic.ln.Close()
		f.dynamic = nil
	}
	for k, fw := range f.locals {
		fw.ln.Close()
		delete(f.locals, k)
	}
	for k, fw := range f.remotes {
		fw.ln.Close()
		delete(f.remotes, k)
	}
	return nil
}

// serveLocal accepts local connections and bridges each to the remote
// target through the SSH connection.
func (f *Forwards) serveLocal(ln net.Listener, target string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		go func(local net.Conn) {
			remote, err := f.client.Dial("tcp", target)
			if err != nil {
				f.logger.Error("local forward dial %s: %v", target, err)
				f.metrics.RecordError(fmt.Sprintf("forward dial: %v", err))
				local.Close()
				return
			}
			bridgeConns(local, remote, f.metrics)
		}(conn)
	}
}

// serveRemote accepts forwarded connections from the remote listener
// and bridges each to the local target.
func (f *Forwards) serveRemote(ln net.Listener, target string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(remote net.Conn) {
			local, err := net.Dial("tcp", target)
			if err != nil {
				f.logger.Error("remote forward dial %s: %v", target, err)
				f.metrics.RecordError(fmt.Sprintf("forward dial: %v", err))
				remote.Close()
				return
			}
			bridgeConns(remote, local, f.metrics)
		}(conn)
	}
}
