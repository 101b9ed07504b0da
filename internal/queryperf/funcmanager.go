// SPDX-License-Identifier: ISC

package queryperf

import "time"

// FuncMessageSocket is a [MessageSocket] test double in the
// func-field-stub style of github.com/bassosimone/netstub's
// FuncDialer/FuncResolver: every method is backed by an overridable
// func field, defaulting to a harmless no-op when nil.
type FuncMessageSocket struct {
	SendFunc  func(data []byte) error
	CloseFunc func() error
}

// Send implements [MessageSocket].
func (s *FuncMessageSocket) Send(data []byte) error {
	if s.SendFunc != nil {
		return s.SendFunc(data)
	}
	return nil
}

// Close implements [MessageSocket].
func (s *FuncMessageSocket) Close() error {
	if s.CloseFunc != nil {
		return s.CloseFunc()
	}
	return nil
}

// FuncMessageTimer is a [MessageTimer] test double. StartFunc and
// CancelFunc let a test observe and drive arm/fire/cancel sequencing
// deterministically instead of racing a real [time.Timer].
type FuncMessageTimer struct {
	StartFunc  func(duration time.Duration)
	CancelFunc func()
}

// Start implements [MessageTimer].
func (t *FuncMessageTimer) Start(duration time.Duration) {
	if t.StartFunc != nil {
		t.StartFunc(duration)
	}
}

// Cancel implements [MessageTimer].
func (t *FuncMessageTimer) Cancel() {
	if t.CancelFunc != nil {
		t.CancelFunc()
	}
}

// FuncMessageManager is a [MessageManager] test double. Each method is
// backed by an overridable func field; CreateUDPSocketFunc and
// CreateTCPSocketFunc default to returning a bare [*FuncMessageSocket]
// so tests that don't care about transport details can leave them
// unset.
//
// Tests typically drive the dispatcher directly by invoking the
// onResponse/onFire callbacks captured from Create*Socket/CreateTimer,
// rather than by running the manager's own (stub) event loop.
type FuncMessageManager struct {
	CreateUDPSocketFunc func(address string, port uint16, recvBuf []byte, onResponse func([]byte)) (MessageSocket, error)
	CreateTCPSocketFunc func(address string, port uint16, recvBuf []byte, onResponse func([]byte)) (MessageSocket, error)
	CreateTimerFunc     func(onFire func()) MessageTimer
	RunFunc             func() error
	StopFunc            func()
}

// CreateUDPSocket implements [MessageManager].
func (m *FuncMessageManager) CreateUDPSocket(
	address string, port uint16, recvBuf []byte, onResponse func([]byte),
) (MessageSocket, error) {
	if m.CreateUDPSocketFunc != nil {
		return m.CreateUDPSocketFunc(address, port, recvBuf, onResponse)
	}
	return &FuncMessageSocket{}, nil
}

// CreateTCPSocket implements [MessageManager].
func (m *FuncMessageManager) CreateTCPSocket(
	address string, port uint16, recvBuf []byte, onResponse func([]byte),
) (MessageSocket, error) {
	if m.CreateTCPSocketFunc != nil {
		return m.CreateTCPSocketFunc(address, port, recvBuf, onResponse)
	}
	return &FuncMessageSocket{}, nil
}

// CreateTimer implements [MessageManager].
func (m *FuncMessageManager) CreateTimer(onFire func()) MessageTimer {
	if m.CreateTimerFunc != nil {
		return m.CreateTimerFunc(onFire)
	}
	return &FuncMessageTimer{}
}

// Run implements [MessageManager].
func (m *FuncMessageManager) Run() error {
	if m.RunFunc != nil {
		return m.RunFunc()
	}
	return nil
}

// Stop implements [MessageManager].
func (m *FuncMessageManager) Stop() {
	if m.StopFunc != nil {
		m.StopFunc()
	}
}
