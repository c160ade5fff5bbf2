// Package sshtest runs a minimal in-process SSH server for tests: exec
// channels backed by the local /bin/sh, direct-tcpip forwarding, and
// remote (tcpip-forward) listeners.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Default credentials accepted by the server.
const (
	User     = "testuser"
	Password = "testpass"
)

// Server is one listening test SSH endpoint.
type Server struct {
	Addr string
	Port int

	ln     net.Listener
	config *ssh.ServerConfig

	mu    sync.Mutex
	conns []net.Conn

	active atomic.Int64
	total  atomic.Int64
}

// New starts a server on a random loopback port and registers cleanup
// with t.
func New(t *testing.T) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("building host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("bad credentials for %q", meta.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:   ln.Addr().String(),
		Port:   ln.Addr().(*net.TCPAddr).Port,
		ln:     ln,
		config: cfg,
	}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// ActiveConns reports currently open SSH transport connections; used to
// assert cleanup after failed or torn-down sessions.
func (s *Server) ActiveConns() int64 { return s.active.Load() }

// TotalConns reports how many SSH transports were ever accepted.
func (s *Server) TotalConns() int64 { return s.total.Load() }

// Close stops the listener and every live connection.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handleTransport(conn)
	}
}

func (s *Server) handleTransport(conn net.Conn) {
	serverConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	s.total.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)
	defer serverConn.Close()

	go s.handleGlobalRequests(serverConn, reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			ch, chReqs, err := newCh.Accept()
			if err != nil {
				continue
			}
			go handleSession(ch, chReqs)
		case "direct-tcpip":
			go handleDirectTCPIP(newCh)
		default:
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// ── exec ─────────────────────────────────────────────────────────────

type execPayload struct {
	Command string
}

type exitStatusPayload struct {
	Status uint32
}

func handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var p execPayload
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			cmd := exec.Command("/bin/sh", "-c", p.Command)
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()

			status := uint32(0)
			if err := cmd.Run(); err != nil {
				if ee, ok := err.(*exec.ExitError); ok {
					status = uint32(ee.ExitCode())
				} else {
					status = 127
				}
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatusPayload{Status: status}))
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// ── direct-tcpip (local / dynamic / jump forwarding) ─────────────────

type directTCPIPPayload struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

func handleDirectTCPIP(newCh ssh.NewChannel) {
	var p directTCPIPPayload
	if err := ssh.Unmarshal(newCh.ExtraData(), &p); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "bad direct-tcpip payload")
		return
	}
	target := net.JoinHostPort(p.DestAddr, strconv.Itoa(int(p.DestPort)))
	remote, err := net.Dial("tcp", target)
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		remote.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	bridge(ch, remote)
}

// ── tcpip-forward (remote forwarding) ────────────────────────────────

type tcpipForwardPayload struct {
	BindAddr string
	BindPort uint32
}

type tcpipForwardReply struct {
	Port uint32
}

type forwardedTCPIPPayload struct {
	DestAddr string
	DestPort uint32
	OrigAddr string
	OrigPort uint32
}

func (s *Server) handleGlobalRequests(conn *ssh.ServerConn, reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type != "tcpip-forward" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var p tcpipForwardPayload
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			req.Reply(false, nil)
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(p.BindAddr, strconv.Itoa(int(p.BindPort))))
		if err != nil {
			req.Reply(false, nil)
			continue
		}
		port := uint32(ln.Addr().(*net.TCPAddr).Port)
		req.Reply(true, ssh.Marshal(&tcpipForwardReply{Port: port}))

		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				go forwardBack(conn, c, p.BindAddr, port)
			}
		}()
	}
}

// forwardBack opens a forwarded-tcpip channel toward the client for one
// accepted connection on the remote listener.
func forwardBack(conn *ssh.ServerConn, c net.Conn, bindAddr string, port uint32) {
	origAddr, origPortStr, _ := net.SplitHostPort(c.RemoteAddr().String())
	origPort, _ := strconv.Atoi(origPortStr)

	payload := ssh.Marshal(&forwardedTCPIPPayload{
		DestAddr: bindAddr,
		DestPort: port,
		OrigAddr: origAddr,
		OrigPort: uint32(origPort),
	})
	ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	bridge(ch, c)
}

func bridge(ch ssh.Channel, conn net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ch, conn) //nolint:errcheck
		ch.CloseWrite()   //nolint:errcheck
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, ch) //nolint:errcheck
		done <- struct{}{}
	}()
	<-done
	<-done
	ch.Close()
	conn.Close()
}
