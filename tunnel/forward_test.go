package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"shellbridge/internal/errors"
	"shellbridge/internal/metrics"
	"shellbridge/internal/sshtest"
	"shellbridge/util"
)

// startEcho runs a plain TCP echo server for forwarding targets.
func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestForwards(t *testing.T) *Forwards {
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
	t.Cleanup(func() { client.Close() })

	f := NewForwards(client, util.NewLogger(0), metrics.New())
	t.Cleanup(func() { f.Close() })
	return f
}

// roundTrip writes a line to addr and expects it echoed back.
func roundTrip(t *testing.T, addr, msg string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck

	if _, err := fmt.Fprintf(conn, "%s\n", msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != msg+"\n" {
		t.Errorf("echoed %q, want %q", line, msg)
	}
}

func TestLocalForward(t *testing.T) {
	f := newTestForwards(t)
	echoPort := startEcho(t)

	localPort, err := util.FindFreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	if err := f.AddLocal(localPort, "127.0.0.1", echoPort); err != nil {
		t.Fatalf("AddLocal: %v", err)
	}

	roundTrip(t, util.FormatAddr("127.0.0.1", localPort), "through the tunnel")

	// Duplicate specs are rejected.
	if err := f.AddLocal(localPort, "127.0.0.1", echoPort); !errors.IsKind(err, errors.KindBadRequest) {
		t.Errorf("duplicate AddLocal = %v, want BadRequest kind", err)
	}
}

func TestRemoteForward(t *testing.T) {
	f := newTestForwards(t)
	echoPort := startEcho(t)

	remotePort, err := util.FindFreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	if err := f.AddRemote(remotePort, "127.0.0.1", echoPort); err != nil {
		t.Fatalf("AddRemote: %v", err)
	}

	// Connecting to the "remote" listener reaches the local echo.
	roundTrip(t, util.FormatAddr("127.0.0.1", remotePort), "reverse direction")
}

func TestDynamicSOCKSForward(t *testing.T) {
	f := newTestForwards(t)
	echoPort := startEcho(t)

	socksPort, err := util.FindFreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	if err := f.SetupDynamic(socksPort); err != nil {
		t.Fatalf("SetupDynamic: %v", err)
	}
	// Only one dynamic forward per session.
	if err := f.SetupDynamic(socksPort); !errors.IsKind(err, errors.KindBadRequest) {
		t.Errorf("second SetupDynamic = %v, want BadRequest kind", err)
	}

	conn, err := net.DialTimeout("tcp", util.FormatAddr("127.0.0.1", socksPort), 5*time.Second)
	if err != nil {
		t.Fatalf("dial SOCKS: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck

	// Greeting: no-auth.
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("greeting: %v", err)
	}
	greet := make([]byte, 2)
	if _, err := io.ReadFull(conn, greet); err != nil {
		t.Fatalf("greeting reply: %v", err)
	}
	if greet[0] != 0x05 || greet[1] != 0x00 {
		t.Fatalf("greeting reply = %v", greet)
	}

	// CONNECT 127.0.0.1:echoPort (IPv4).
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1,
		byte(echoPort >> 8), byte(echoPort & 0xFF)}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("connect request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("connect reply: %v", err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("connect reply code = %d, want 0", reply[1])
	}

	if _, err := fmt.Fprintf(conn, "socks says hi\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "socks says hi\n" {
		t.Errorf("echoed %q", line)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	f := newTestForwards(t)
	echoPort := startEcho(t)

	localPort, _ := util.FindFreePort()
	socksPort, _ := util.FindFreePort()
	if err := f.AddLocal(localPort, "127.0.0.1", echoPort); err != nil {
		t.Fatalf("AddLocal: %v", err)
	}
	if err := f.SetupDynamic(socksPort); err != nil {
		t.Fatalf("SetupDynamic: %v", err)
	}

	if err := f.Remove(GroupDynamic); err != nil {
		t.Fatalf("Remove(dynamic): %v", err)
	}

	// The local group keeps serving after the dynamic group is cleared.
	roundTrip(t, util.FormatAddr("127.0.0.1", localPort), "still alive")

	desc := f.Describe()
	if len(desc[GroupDynamic]) != 0 {
		t.Errorf("dynamic group = %v, want empty", desc[GroupDynamic])
	}
	if len(desc[GroupLocal]) != 1 {
		t.Errorf("local group = %v, want one entry", desc[GroupLocal])
	}
}

func TestRemoveUnknownGroup(t *testing.T) {
	f := newTestForwards(t)
	if err := f.Remove("sideways"); !errors.IsKind(err, errors.KindBadRequest) {
		t.Errorf("Remove(sideways) = %v, want BadRequest kind", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newTestForwards(t)
	echoPort := startEcho(t)

	localPort, _ := util.FindFreePort()
	if err := f.AddLocal(localPort, "127.0.0.1", echoPort); err != nil {
		t.Fatalf("AddLocal: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Adds after close are refused.
	if err := f.AddLocal(localPort, "127.0.0.1", echoPort); !errors.Is(err, errors.ErrNoActiveSession) {
		t.Errorf("AddLocal after Close = %v, want ErrNoActiveSession", err)
	}
}
