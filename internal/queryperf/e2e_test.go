// SPDX-License-Identifier: ISC

package queryperf

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStringReader adapts a literal query-data string into the
// [io.ReadSeeker] [NewDispatcherFromReader] expects.
func newStringReader(data string) *strings.Reader {
	return strings.NewReader(data)
}

// closedTCPPort describes a loopback address known to refuse
// connections: a listener opened and then immediately closed.
type closedTCPPort struct {
	address string
	port    uint16
}

func newClosedTCPPort(t *testing.T) (closedTCPPort, error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return closedTCPPort{}, err
	}
	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, listener.Close())
	return closedTCPPort{address: "127.0.0.1", port: uint16(port)}, nil
}

func TestDispatcherUDPEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	server := newFakeUDPServer(t, echoResponder)
	defer server.close()

	d := NewDispatcherFromReader(newStringReader("example.com. SOA\n"))
	require.NoError(t, d.SetServerAddress(server.address))
	require.NoError(t, d.SetServerPort(server.port))
	require.NoError(t, d.SetWindow(1))
	require.NoError(t, d.SetTestDuration(50 * time.Millisecond))
	require.NoError(t, d.SetQueryTimeout(time.Second))

	require.NoError(t, d.Run())

	assert.Equal(t, d.QueriesSent(), d.QueriesCompleted())
	assert.Greater(t, d.QueriesCompleted(), uint64(0))
}

func TestDispatcherTCPEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	server := newFakeTCPServer(t, echoResponder)
	defer server.close()

	d := NewDispatcherFromReader(newStringReader("example.com. A\n"))
	require.NoError(t, d.SetServerAddress(server.address))
	require.NoError(t, d.SetServerPort(server.port))
	require.NoError(t, d.SetProtocol(ProtocolTCP))
	require.NoError(t, d.SetWindow(1))
	require.NoError(t, d.SetTestDuration(50 * time.Millisecond))
	require.NoError(t, d.SetQueryTimeout(time.Second))

	require.NoError(t, d.Run())

	assert.Equal(t, d.QueriesSent(), d.QueriesCompleted())
	assert.Greater(t, d.QueriesCompleted(), uint64(0))
}

func TestDispatcherTCPUnreachableServerDoesNotCountCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}

	listener, err := newClosedTCPPort(t)
	require.NoError(t, err)

	d := NewDispatcherFromReader(newStringReader("example.com. A\n"))
	require.NoError(t, d.SetServerAddress(listener.address))
	require.NoError(t, d.SetServerPort(listener.port))
	require.NoError(t, d.SetProtocol(ProtocolTCP))
	require.NoError(t, d.SetWindow(1))
	require.NoError(t, d.SetTestDuration(20 * time.Millisecond))
	require.NoError(t, d.SetQueryTimeout(20 * time.Millisecond))

	require.NoError(t, d.Run())

	assert.Equal(t, uint64(0), d.QueriesCompleted())
}
