// SPDX-License-Identifier: ISC

package queryperf

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// responder builds a reply for a parsed query, run on the fake
// server's own goroutine.
type responder func(query *dns.Msg) *dns.Msg

// echoResponder answers every query with a success response carrying
// the same ID and question, like a trivial echo server that returns
// each datagram with its ID intact.
func echoResponder(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Rcode = dns.RcodeSuccess
	return resp
}

// fakeUDPServer is a minimal hand-rolled DNS-over-UDP test server:
// the example pack's dnstest.MustNewUDPServer (used throughout
// resolver_test.go) only demonstrates construction from a
// dnstest.Handler wired for standard lookup records, not the bare
// echo/SOA-shaped responses this package's end-to-end tests need, so
// this package grows its own small server in the same spirit.
type fakeUDPServer struct {
	conn    *net.UDPConn
	address string
	port    uint16
}

func newFakeUDPServer(t *testing.T, respond responder) *fakeUDPServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	addr := conn.LocalAddr().(*net.UDPAddr)
	srv := &fakeUDPServer{conn: conn, address: "127.0.0.1", port: uint16(addr.Port)}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			query := new(dns.Msg)
			if err := query.Unpack(buf[:n]); err != nil {
				continue
			}
			reply := respond(query)
			wire, err := reply.Pack()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(wire, from)
		}
	}()

	return srv
}

func (s *fakeUDPServer) close() { _ = s.conn.Close() }

// fakeTCPServer is a minimal hand-rolled DNS-over-TCP test server
// implementing the same 2-byte length-prefixed framing this package's
// netTCPSocket uses in netmanager.go.
type fakeTCPServer struct {
	listener net.Listener
	address  string
	port     uint16
}

func newFakeTCPServer(t *testing.T, respond responder) *fakeTCPServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	srv := &fakeTCPServer{listener: listener, address: "127.0.0.1", port: uint16(port)}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveTCPConn(conn, respond)
		}
	}()

	return srv
}

func serveTCPConn(conn net.Conn, respond responder) {
	defer conn.Close()

	var lenPrefix [2]byte
	if _, err := readFull(conn, lenPrefix[:]); err != nil {
		return
	}
	msgLen := int(binary.BigEndian.Uint16(lenPrefix[:]))
	body := make([]byte, msgLen)
	if _, err := readFull(conn, body); err != nil {
		return
	}

	query := new(dns.Msg)
	if err := query.Unpack(body); err != nil {
		return
	}
	reply := respond(query)
	wire, err := reply.Pack()
	if err != nil {
		return
	}

	frame := make([]byte, 2+len(wire))
	binary.BigEndian.PutUint16(frame, uint16(len(wire)))
	copy(frame[2:], wire)
	_, _ = conn.Write(frame)
}

func (s *fakeTCPServer) close() { _ = s.listener.Close() }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
