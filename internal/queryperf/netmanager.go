// SPDX-License-Identifier: ISC

package queryperf

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// minTCPRecvBufLen is the minimum TCP receive buffer size, large
// enough to hold the largest possible DNS-over-TCP message (a 16-bit
// length prefix bounds it to 65535 bytes).
const minTCPRecvBufLen = 65535

// minUDPRecvBufSize is the minimum SO_RCVBUF set on the shared UDP
// socket.
const minUDPRecvBufSize = 32 * 1024

// tcpDrainBufSize sizes the scratch buffer used to discard any
// messages received after the first one on a TCP connection; this
// package has no zone-transfer state machine beyond discarding those
// follow-on messages.
const tcpDrainBufSize = 4096

// netMessageManager is the production [MessageManager]: a single
// goroutine runs the event loop; every socket reader and timer
// funnels its callback through that goroutine via dispatch, so
// callbacks are never invoked concurrently with each other.
type netMessageManager struct {
	events   chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewNetMessageManager creates a [MessageManager] backed by real UDP
// and TCP sockets and real timers.
func NewNetMessageManager() MessageManager {
	return &netMessageManager{
		events: make(chan func(), 64),
		stopCh: make(chan struct{}),
	}
}

// dispatch runs fn on the event loop goroutine and blocks the caller
// until fn returns, or until the loop has stopped. This gives socket
// readers mutual exclusion with the rest of dispatcher state, and lets
// a UDP reader safely reuse its receive buffer across datagrams.
func (m *netMessageManager) dispatch(fn func()) {
	done := make(chan struct{})
	select {
	case m.events <- func() { fn(); close(done) }:
	case <-m.stopCh:
		return
	}
	select {
	case <-done:
	case <-m.stopCh:
	}
}

// Run implements [MessageManager].
func (m *netMessageManager) Run() error {
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.stopCh:
			return nil
		}
	}
}

// Stop implements [MessageManager].
func (m *netMessageManager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// CreateTimer implements [MessageManager].
func (m *netMessageManager) CreateTimer(onFire func()) MessageTimer {
	return &netMessageTimer{mgr: m, onFire: onFire}
}

// CreateUDPSocket implements [MessageManager].
func (m *netMessageManager) CreateUDPSocket(
	address string, port uint16, recvBuf []byte, onResponse func([]byte),
) (MessageSocket, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("queryperf: udp socket: %w", err)
	}
	if udpConn, ok := conn.(*net.UDPConn); ok {
		_ = udpConn.SetReadBuffer(minUDPRecvBufSize)
	}

	sock := &netUDPSocket{conn: conn}
	go sock.readLoop(m, recvBuf, onResponse)
	return sock, nil
}

// CreateTCPSocket implements [MessageManager].
func (m *netMessageManager) CreateTCPSocket(
	address string, port uint16, recvBuf []byte, onResponse func([]byte),
) (MessageSocket, error) {
	if len(recvBuf) < minTCPRecvBufLen {
		return nil, fmt.Errorf("queryperf: tcp receive buffer too small: %d < %d", len(recvBuf), minTCPRecvBufLen)
	}
	return &netTCPSocket{
		mgr:        m,
		address:    address,
		port:       port,
		recvBuf:    recvBuf,
		onResponse: onResponse,
	}, nil
}

// netUDPSocket is the real [MessageSocket] for a connected UDP socket.
type netUDPSocket struct {
	conn net.Conn
}

// Send implements [MessageSocket]. Sending on the shared UDP socket
// does not suspend the dispatcher loop: the write completes
// synchronously and is never routed through dispatch.
func (s *netUDPSocket) Send(data []byte) error {
	_, err := s.conn.Write(data)
	return err
}

// Close implements [MessageSocket].
func (s *netUDPSocket) Close() error {
	return s.conn.Close()
}

// readLoop repeatedly receives datagrams into recvBuf and invokes
// onResponse on the manager's event loop, blocking until each
// invocation completes before issuing the next read so the shared
// buffer is never read and written concurrently.
func (s *netUDPSocket) readLoop(mgr *netMessageManager, recvBuf []byte, onResponse func([]byte)) {
	for {
		n, err := s.conn.Read(recvBuf)
		if err != nil {
			return
		}
		mgr.dispatch(func() { onResponse(recvBuf[:n]) })
	}
}

// netTCPSocket is the real [MessageSocket] for a lazily-connected TCP
// pipeline: the connection is dialed fresh on each Send and torn down
// once its single response (or failure) has been reported, driven by
// a dedicated goroutine rather than the shared event loop.
type netTCPSocket struct {
	mgr        *netMessageManager
	address    string
	port       uint16
	recvBuf    []byte
	onResponse func([]byte)

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// Send implements [MessageSocket]: it starts the pipeline on a new
// goroutine and returns immediately.
func (s *netTCPSocket) Send(data []byte) error {
	go s.run(data)
	return nil
}

// Close implements [MessageSocket]: it marks the socket closed and, if
// a connection is live, closes it, which unblocks any pending read or
// write in run. This is a graceful abort: run suppresses its response
// callback once closed is observed.
func (s *netTCPSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *netTCPSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// adoptConn records the live connection so Close can interrupt it,
// unless the socket was already closed before the connect completed.
func (s *netTCPSocket) adoptConn(conn net.Conn) (accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

// run executes connect -> write length-prefixed payload -> half-close
// outbound -> read length-prefixed response -> drain until EOF. Any
// failure before a response is parsed reports nil to the caller via
// onResponse(nil), unless the socket was closed out from under it, in
// which case the callback is suppressed entirely.
func (s *netTCPSocket) run(data []byte) {
	fail := func() {
		if s.isClosed() {
			return
		}
		s.mgr.dispatch(func() {
			if !s.isClosed() {
				s.onResponse(nil)
			}
		})
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(s.address, strconv.Itoa(int(s.port))))
	if err != nil {
		fail()
		return
	}
	if !s.adoptConn(conn) {
		conn.Close()
		return
	}

	runtimex.Assert(len(data) <= 0xFFFF)
	frame := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(frame, uint16(len(data)))
	copy(frame[2:], data)
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		fail()
		return
	}
	if half, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = half.CloseWrite()
	}

	var lenPrefix [2]byte
	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		conn.Close()
		fail()
		return
	}
	msgLen := int(binary.BigEndian.Uint16(lenPrefix[:]))
	if _, err := io.ReadFull(conn, s.recvBuf[:msgLen]); err != nil {
		conn.Close()
		fail()
		return
	}

	scratch := make([]byte, tcpDrainBufSize)
	for {
		if _, err := conn.Read(scratch); err != nil {
			break
		}
	}
	conn.Close()

	if s.isClosed() {
		return
	}
	s.mgr.dispatch(func() {
		if !s.isClosed() {
			s.onResponse(s.recvBuf[:msgLen])
		}
	})
}

// netMessageTimer is the real [MessageTimer], backed by [time.AfterFunc].
type netMessageTimer struct {
	mgr    *netMessageManager
	onFire func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Start implements [MessageTimer].
func (t *netMessageTimer) Start(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = false
	t.timer = time.AfterFunc(duration, func() {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}
		t.mgr.dispatch(t.onFire)
	})
}

// Cancel implements [MessageTimer].
func (t *netMessageTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}
