// SPDX-License-Identifier: ISC

package queryperf

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness wires up a [*Dispatcher] against a [*FuncMessageManager],
// capturing the UDP send callback and every timer's fire callback so
// a test can drive responses and timeouts deterministically.
type harness struct {
	t          *testing.T
	dispatcher *Dispatcher
	sent       [][]byte
	onUDPResp  func([]byte)
	timers     []func()
}

func newTestHarness(t *testing.T, data string, window int) *harness {
	t.Helper()
	h := &harness{t: t}

	mgr := &FuncMessageManager{
		CreateUDPSocketFunc: func(address string, port uint16, recvBuf []byte, onResponse func([]byte)) (MessageSocket, error) {
			h.onUDPResp = onResponse
			return &FuncMessageSocket{
				SendFunc: func(data []byte) error {
					h.sent = append(h.sent, append([]byte(nil), data...))
					return nil
				},
			}, nil
		},
		CreateTimerFunc: func(onFire func()) MessageTimer {
			h.timers = append(h.timers, onFire)
			return &FuncMessageTimer{}
		},
	}

	factory := NewContextFactory(NewRepository(strings.NewReader(data)))
	d := NewDispatcher(mgr, factory)
	require.NoError(t, d.SetWindow(window))
	h.dispatcher = d
	require.NoError(t, d.Run())
	return h
}

// fireSessionTimer invokes the session timer's onFire callback,
// created first in [*Dispatcher.Run].
func (h *harness) fireSessionTimer() {
	h.timers[0]()
}

// fireSlotTimer invokes the per-slot timer's onFire callback for the
// slot primed at index i (0-based, in prime order).
func (h *harness) fireSlotTimer(i int) {
	h.timers[1+i]()
}

// respondTo delivers a synthetic response matching id.
func (h *harness) respondTo(id uint16) {
	h.onUDPResp(makeResponseWire(h.t, id))
}

// frontQID returns the QID of the outstanding slot at the front of
// the dispatcher's list.
func (h *harness) frontQID() uint16 {
	return h.dispatcher.outstanding.Front().Value.(*slot).qid
}

func makeResponseWire(t *testing.T, id uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.Id = id
	msg.Response = true
	msg.Rcode = dns.RcodeSuccess
	data, err := msg.Pack()
	require.NoError(t, err)
	return data
}

func TestDispatcherWindowedPrime(t *testing.T) {
	h := newTestHarness(t, "example.com. SOA\nwww.example.com. A\n", 20)

	assert.Equal(t, uint64(20), h.dispatcher.QueriesSent())
	require.Len(t, h.sent, 20)

	for i, wire := range h.sent {
		msg := new(dns.Msg)
		require.NoError(t, msg.Unpack(wire))
		assert.Equal(t, uint16(i), msg.Id)
		if i%2 == 0 {
			assert.Equal(t, "example.com.", msg.Question[0].Name)
			assert.Equal(t, dns.TypeSOA, msg.Question[0].Qtype)
		} else {
			assert.Equal(t, "www.example.com.", msg.Question[0].Name)
			assert.Equal(t, dns.TypeA, msg.Question[0].Qtype)
		}
	}
}

func TestDispatcherResponseTriggersNewSend(t *testing.T) {
	h := newTestHarness(t, "example.com. SOA\nwww.example.com. A\n", 20)

	h.respondTo(0)

	assert.Equal(t, uint64(21), h.dispatcher.QueriesSent())
	assert.Equal(t, uint64(1), h.dispatcher.QueriesCompleted())
	last := h.sent[len(h.sent)-1]
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(last))
	assert.Equal(t, uint16(20), msg.Id)
}

func TestDispatcherBogusResponseIgnored(t *testing.T) {
	h := newTestHarness(t, "example.com. SOA\nwww.example.com. A\n", 20)

	h.respondTo(65535)

	assert.Equal(t, uint64(20), h.dispatcher.QueriesSent())
	assert.Equal(t, uint64(0), h.dispatcher.QueriesCompleted())
	assert.Equal(t, uint64(1), h.dispatcher.Stats().Mismatched)
}

func TestDispatcherQueryTimeout(t *testing.T) {
	h := newTestHarness(t, "example.com. SOA\nwww.example.com. A\n", 20)

	h.fireSlotTimer(0)

	assert.Equal(t, uint64(21), h.dispatcher.QueriesSent())
	assert.Equal(t, uint64(0), h.dispatcher.QueriesCompleted())
	assert.Nil(t, h.dispatcher.findSlot(0))
}

func TestDispatcherSessionDrain(t *testing.T) {
	h := newTestHarness(t, "example.com. SOA\nwww.example.com. A\n", 20)

	for i := 0; i < 30; i++ {
		h.respondTo(h.frontQID())
	}
	assert.Equal(t, uint64(50), h.dispatcher.QueriesSent())
	assert.Equal(t, uint64(30), h.dispatcher.QueriesCompleted())

	h.fireSessionTimer()

	for h.dispatcher.outstanding.Len() > 0 {
		h.respondTo(h.frontQID())
	}

	assert.Equal(t, uint64(50), h.dispatcher.QueriesSent())
	assert.Equal(t, uint64(50), h.dispatcher.QueriesCompleted())
}

func TestDispatcherIXFRShape(t *testing.T) {
	h := newTestHarness(t, "example.com. IXFR serial=42\n", 1)

	require.Len(t, h.sent, 1)
	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(h.sent[0]))
	assert.Equal(t, dns.TypeIXFR, msg.Question[0].Qtype)
	assert.Nil(t, msg.IsEdns0())
	require.Len(t, msg.Ns, 1)
	soa, ok := msg.Ns[0].(*dns.SOA)
	require.True(t, ok)
	assert.Equal(t, uint32(42), soa.Serial)
}
