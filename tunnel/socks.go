package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
)

// SOCKS5 protocol constants (RFC 1928), CONNECT only.
const (
	socksVersion     = 0x05
	socksCmdConnect  = 0x01
	socksAuthNone    = 0x00
	socksAddrIPv4    = 0x01
	socksAddrDomain  = 0x03
	socksAddrIPv6    = 0x04
	socksRepOK       = 0x00
	socksRepFailure  = 0x01
	socksRepRefused  = 0x05
	socksRepCmdUnsup = 0x07
)

// serveSOCKS accepts clients on the dynamic listener and handles each
// as a SOCKS5 CONNECT, dialling the destination through the SSH
// connection.
func (f *Forwards) serveSOCKS(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go f.handleSOCKS(conn)
	}
}

func (f *Forwards) handleSOCKS(conn net.Conn) {
	dest, err := socksHandshake(conn)
	if err != nil {
		f.logger.Debug("socks handshake: %v", err)
		conn.Close()
		return
	}

	remote, err := f.client.Dial("tcp", dest)
	if err != nil {
		f.logger.Debug("socks dial %s: %v", dest, err)
		socksReply(conn, socksRepRefused)
		conn.Close()
		return
	}

	if err := socksReply(conn, socksRepOK); err != nil {
		conn.Close()
		remote.Close()
		return
	}
	bridgeConns(conn, remote, f.metrics)
}

// socksHandshake negotiates no-auth and reads the CONNECT destination.
func socksHandshake(conn net.Conn) (string, error) {
	// Greeting: VER NMETHODS METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", err
	}
	if hdr[0] != socksVersion {
		return "", fmt.Errorf("unsupported SOCKS version %d", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte{socksVersion, socksAuthNone}); err != nil {
		return "", err
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return "", err
	}
	if req[1] != socksCmdConnect {
		socksReply(conn, socksRepCmdUnsup) //nolint:errcheck
		return "", fmt.Errorf("unsupported SOCKS command %d", req[1])
	}

	var host string
	switch req[3] {
	case socksAddrIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", err
		}
		host = net.IP(buf).String()
	case socksAddrDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return "", err
		}
		buf := make([]byte, l[0])
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", err
		}
		host = string(buf)
	case socksAddrIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return "", err
		}
		host = net.IP(buf).String()
	default:
		socksReply(conn, socksRepFailure) //nolint:errcheck
		return "", fmt.Errorf("unsupported address type %d", req[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(portBuf)

	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

// socksReply sends a minimal reply with a zeroed bind address.
func socksReply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{socksVersion, code, 0x00, socksAddrIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
