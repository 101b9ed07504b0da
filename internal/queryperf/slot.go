// SPDX-License-Identifier: ISC

package queryperf

import "github.com/bassosimone/runtimex"

// tcpRecvBufLen is the TCP receive buffer size every [slot] lazily
// allocates, matching [minTCPRecvBufLen]: the largest message a
// 16-bit length prefix can describe.
const tcpRecvBufLen = minTCPRecvBufLen

// slot is one in-flight query event: a reusable [*Context], the QID
// it is currently waiting on, its deadline timer, and (for TCP-bound
// queries) the socket and receive buffer for the query's own
// connection.
//
// A window holds a fixed pool of slots that cycle through
// query/response/restart instead of being recreated each time.
type slot struct {
	ctx   *Context
	qid   uint16
	timer MessageTimer

	tcpSock MessageSocket
	tcpBuf  []byte
}

// tcpRecvBuf returns the slot's TCP receive buffer, lazily allocating
// it on first use since most slots in a UDP-only session never need
// one.
func (s *slot) tcpRecvBuf() []byte {
	if s.tcpBuf == nil {
		s.tcpBuf = make([]byte, tcpRecvBufLen)
	}
	return s.tcpBuf
}

// setTCPSocket records the socket owning this slot's current TCP
// pipeline. It asserts no pipeline is already tracked, mirroring the
// original's invariant that a slot issues at most one TCP connection
// at a time.
func (s *slot) setTCPSocket(sock MessageSocket) {
	runtimex.Assert(s.tcpSock == nil)
	s.tcpSock = sock
}

// clearTCPSocket releases the slot's TCP pipeline, if any, closing the
// socket so any lingering goroutine aborts.
func (s *slot) clearTCPSocket() {
	if s.tcpSock != nil {
		_ = s.tcpSock.Close()
		s.tcpSock = nil
	}
}
