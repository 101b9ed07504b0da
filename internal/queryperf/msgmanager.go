// SPDX-License-Identifier: ISC

package queryperf

import "time"

// MessageSocket is a send-only handle to a UDP or TCP connection.
// Responses are delivered to the callback supplied when the socket was
// created, not returned from Send.
//
// Construct using a [MessageManager]'s CreateUDPSocket/CreateTCPSocket.
type MessageSocket interface {
	// Send transmits data. For a UDP socket this writes a single
	// datagram. For a TCP socket this initiates the entire
	// connect/write/half-close/read pipeline; the result (or failure)
	// arrives via the response callback, not as a return value here.
	Send(data []byte) error

	// Close releases the socket. For TCP this initiates a graceful
	// abort of any pipeline still in flight: further invocations of
	// the response callback are suppressed.
	Close() error
}

// MessageTimer is a one-shot deadline timer that fires its callback on
// the owning [MessageManager]'s event loop.
//
// Construct using [MessageManager.CreateTimer].
type MessageTimer interface {
	// Start arms the timer to fire after duration, from now.
	Start(duration time.Duration)

	// Cancel disarms the timer. Canceling an already-fired or
	// never-started timer is a no-op.
	Cancel()
}

// MessageManager is the async I/O runtime abstraction the dispatcher
// drives: creating sockets and timers, and running (or stopping) the
// single cooperative event loop that serializes every callback.
//
// Two implementations exist: [NewNetMessageManager] for production use,
// backed by real sockets and timers, and [*FuncMessageManager] for
// deterministic tests.
type MessageManager interface {
	// CreateUDPSocket creates a UDP socket connected to
	// (address, port). Implementations set the receive buffer to at
	// least 32KB. onResponse is invoked once per datagram received,
	// with a view into recvBuf valid only for the duration of the
	// call.
	CreateUDPSocket(address string, port uint16, recvBuf []byte, onResponse func([]byte)) (MessageSocket, error)

	// CreateTCPSocket creates a TCP socket handle whose underlying
	// connection is not opened until Send is called. recvBuf must be
	// at least 65535 bytes. onResponse is invoked exactly once per
	// Send, with either the first response message (view into
	// recvBuf) or nil if any step of the pipeline failed.
	CreateTCPSocket(address string, port uint16, recvBuf []byte, onResponse func([]byte)) (MessageSocket, error)

	// CreateTimer creates a disarmed [MessageTimer] that invokes
	// onFire when it fires.
	CreateTimer(onFire func()) MessageTimer

	// Run enters the event loop and blocks until Stop is called.
	Run() error

	// Stop unblocks Run at its next dispatch point. Operations already
	// in flight are not forcibly aborted; they are abandoned when
	// their handles are closed.
	Stop()
}
