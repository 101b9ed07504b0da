// SPDX-License-Identifier: ISC

package queryperf

import (
	"container/list"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/miekg/dns"
)

// Default session parameters, matching the original's DEFAULT_WINDOW,
// DEFAULT_SERVER, DEFAULT_PORT, DEFAULT_DURATION and
// DEFAULT_QUERY_TIMEOUT.
const (
	DefaultWindow       = 20
	DefaultServer       = "::1"
	DefaultPort         = 53
	DefaultTestDuration = 30 * time.Second
	DefaultQueryTimeout = 5 * time.Second

	udpRecvBufLen = 4096
)

// Stats is a snapshot of one dispatcher's session counters, per spec
// §3's "Worker Statistics".
type Stats struct {
	QueriesSent      uint64
	QueriesCompleted uint64
	Mismatched       uint64
	StartTime        time.Time
	EndTime          time.Time
}

// QPS returns QueriesCompleted divided by the wall-clock session
// duration. It returns 0 if the session has not ended.
func (s Stats) QPS() float64 {
	if s.EndTime.IsZero() || s.EndTime.Before(s.StartTime) {
		return 0
	}
	duration := s.EndTime.Sub(s.StartTime).Seconds()
	if duration <= 0 {
		return 0
	}
	return float64(s.QueriesCompleted) / duration
}

// Dispatcher is a windowed, event-driven DNS query load generator: it
// keeps a fixed-size pool of in-flight slots, replacing each as its
// response arrives or its deadline expires, until the session timer
// expires and the pool drains.
//
// Construct with [NewDispatcher] (external Message Manager and
// Context factory) or [NewDispatcherFromFile] / [NewDispatcherFromReader]
// (dispatcher-owned Repository, real [MessageManager]).
//
// A [*Dispatcher] is not safe for concurrent use; drive one instance
// per goroutine, as the [Harness] does.
type Dispatcher struct {
	Logger *slog.Logger

	msgMgr      MessageManager
	ctxFactory  *ContextFactory
	ownedRepo   *Repository // nil if constructed with an external factory

	serverAddress string
	serverPort    uint16
	testDuration  time.Duration
	queryTimeout  time.Duration
	window        int

	started bool

	nextQID      uint16
	keepSending  bool
	outstanding  *list.List // of *slot
	udpSocket    MessageSocket
	sessionTimer MessageTimer

	// runErr holds the first error that aborted the session outside of
	// Run's own call stack (a restart-time render or send failure). It
	// is returned from Run once the event loop it stopped unwinds.
	runErr error

	stats Stats
}

// NewDispatcher creates a [*Dispatcher] driven by an external
// [MessageManager] and [*ContextFactory]. Because the repository is
// not owned, [*Dispatcher.LoadQueries] and the repository-touching
// setters (SetDefaultQueryClass, SetDNSSEC, SetEDNS, SetProtocol) fail
// with [ErrExternalRepository].
func NewDispatcher(msgMgr MessageManager, ctxFactory *ContextFactory) *Dispatcher {
	return newDispatcher(msgMgr, ctxFactory, nil)
}

// NewDispatcherFromFile creates a [*Dispatcher] that owns a
// [*Repository] backed by path. path may be "-" for standard input,
// in which case the dispatcher may only be run as part of a
// single-worker [Harness].
func NewDispatcherFromFile(path string) (*Dispatcher, func() error, error) {
	source, closer, err := openDataSource(path)
	if err != nil {
		return nil, nil, err
	}
	return NewDispatcherFromReader(source), closer, nil
}

// NewDispatcherFromReader creates a [*Dispatcher] that owns a
// [*Repository] backed by source.
func NewDispatcherFromReader(source io.ReadSeeker) *Dispatcher {
	repo := NewRepository(source)
	factory := NewContextFactory(repo)
	return newDispatcher(NewNetMessageManager(), factory, repo)
}

func newDispatcher(msgMgr MessageManager, ctxFactory *ContextFactory, ownedRepo *Repository) *Dispatcher {
	return &Dispatcher{
		Logger:        slog.Default(),
		msgMgr:        msgMgr,
		ctxFactory:    ctxFactory,
		ownedRepo:     ownedRepo,
		serverAddress: DefaultServer,
		serverPort:    DefaultPort,
		testDuration:  DefaultTestDuration,
		queryTimeout:  DefaultQueryTimeout,
		window:        DefaultWindow,
		keepSending:   true,
	}
}

// requireOwnedRepo returns the dispatcher's owned repository, or
// [ErrExternalRepository] if it was constructed with an external
// factory.
func (d *Dispatcher) requireOwnedRepo() (*Repository, error) {
	if d.ownedRepo == nil {
		return nil, ErrExternalRepository
	}
	return d.ownedRepo, nil
}

// requireNotStarted fails with [ErrAfterRun] once the session has
// started, mirroring the original's start_time_.is_special() check.
func (d *Dispatcher) requireNotStarted() error {
	if d.started {
		return ErrAfterRun
	}
	return nil
}

// LoadQueries preloads the owned repository. It fails if the
// repository is external, or if the session has already started.
func (d *Dispatcher) LoadQueries() error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	repo, err := d.requireOwnedRepo()
	if err != nil {
		return err
	}
	return repo.Load()
}

// SetDefaultQueryClass sets the owned repository's default query
// class (e.g. "IN", "CH").
func (d *Dispatcher) SetDefaultQueryClass(qclass string) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	repo, err := d.requireOwnedRepo()
	if err != nil {
		return err
	}
	return repo.SetClass(qclass)
}

// SetDNSSEC sets the owned repository's DNSSEC DO default.
func (d *Dispatcher) SetDNSSEC(on bool) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	repo, err := d.requireOwnedRepo()
	if err != nil {
		return err
	}
	return repo.SetDNSSECDO(on)
}

// SetEDNS sets the owned repository's EDNS default.
func (d *Dispatcher) SetEDNS(on bool) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	repo, err := d.requireOwnedRepo()
	if err != nil {
		return err
	}
	return repo.SetEDNS(on)
}

// SetProtocol sets the owned repository's default transport.
func (d *Dispatcher) SetProtocol(proto Protocol) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	repo, err := d.requireOwnedRepo()
	if err != nil {
		return err
	}
	return repo.SetDefaultProtocol(proto)
}

// ServerAddress returns the configured destination address.
func (d *Dispatcher) ServerAddress() string { return d.serverAddress }

// SetServerAddress sets the destination address. Must be called
// before [*Dispatcher.Run].
func (d *Dispatcher) SetServerAddress(address string) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	d.serverAddress = address
	return nil
}

// ServerPort returns the configured destination port.
func (d *Dispatcher) ServerPort() uint16 { return d.serverPort }

// SetServerPort sets the destination port. Must be called before
// [*Dispatcher.Run].
func (d *Dispatcher) SetServerPort(port uint16) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	d.serverPort = port
	return nil
}

// TestDuration returns the configured session duration.
func (d *Dispatcher) TestDuration() time.Duration { return d.testDuration }

// SetTestDuration sets the session duration. Must be called before
// [*Dispatcher.Run].
func (d *Dispatcher) SetTestDuration(duration time.Duration) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	d.testDuration = duration
	return nil
}

// SetQueryTimeout sets the per-query deadline. Must be called before
// [*Dispatcher.Run].
func (d *Dispatcher) SetQueryTimeout(timeout time.Duration) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	d.queryTimeout = timeout
	return nil
}

// SetWindow sets the number of in-flight slots. Must be called before
// [*Dispatcher.Run].
func (d *Dispatcher) SetWindow(window int) error {
	if err := d.requireNotStarted(); err != nil {
		return err
	}
	if window <= 0 {
		return fmt.Errorf("queryperf: window must be positive, got %d", window)
	}
	d.window = window
	return nil
}

// QueriesSent returns the number of queries sent so far.
func (d *Dispatcher) QueriesSent() uint64 { return d.stats.QueriesSent }

// QueriesCompleted returns the number of queries completed so far.
func (d *Dispatcher) QueriesCompleted() uint64 { return d.stats.QueriesCompleted }

// StartTime returns the session start time, or the zero [time.Time]
// if the session has not started.
func (d *Dispatcher) StartTime() time.Time { return d.stats.StartTime }

// EndTime returns the session end time, or the zero [time.Time] if
// the session has not ended.
func (d *Dispatcher) EndTime() time.Time { return d.stats.EndTime }

// Stats returns a snapshot of the dispatcher's session counters.
func (d *Dispatcher) Stats() Stats { return d.stats }

// Run executes one full session: allocates the shared UDP socket and
// session timer, primes the window, and runs the event loop until the
// session drains.
//
// Run must be called at most once.
func (d *Dispatcher) Run() error {
	runtimex.Assert(!d.started)
	d.started = true
	d.keepSending = true
	d.outstanding = list.New()

	udpRecvBuf := make([]byte, udpRecvBufLen)
	udpSocket, err := d.msgMgr.CreateUDPSocket(d.serverAddress, d.serverPort, udpRecvBuf, d.onUDPResponse)
	if err != nil {
		return fmt.Errorf("queryperf: creating udp socket: %w", err)
	}
	d.udpSocket = udpSocket

	d.sessionTimer = d.msgMgr.CreateTimer(d.onSessionTimeout)
	d.sessionTimer.Start(d.testDuration)

	d.stats.StartTime = time.Now()
	for i := 0; i < d.window; i++ {
		s := &slot{ctx: d.ctxFactory.New()}
		elem := d.outstanding.PushBack(s)
		s.timer = d.msgMgr.CreateTimer(func() { d.onQueryTimeout(elem) })
		if err := d.prime(s); err != nil {
			return err
		}
	}

	if err := d.msgMgr.Run(); err != nil {
		return err
	}
	d.stats.EndTime = time.Now()
	return d.runErr
}

// abort records err as the reason the session ended early and stops
// the event loop, so a send or render failure reached from a callback
// (as opposed to from Run's own call stack) still surfaces from Run.
// Only the first error is kept.
func (d *Dispatcher) abort(err error) {
	if d.runErr == nil {
		d.runErr = err
	}
	d.msgMgr.Stop()
}

// prime sends the first query for a freshly created slot.
func (d *Dispatcher) prime(s *slot) error {
	id := d.nextQID
	d.nextQID++
	s.qid = id
	rendered, err := s.ctx.Start(id)
	if err != nil {
		return fmt.Errorf("queryperf: rendering initial query: %w", err)
	}
	s.timer.Start(d.queryTimeout)
	return d.sendQuery(s, rendered)
}

// sendQuery transmits rendered on the transport it names, creating a
// fresh TCP socket bound to s when needed.
func (d *Dispatcher) sendQuery(s *slot, rendered RenderedQuery) error {
	switch rendered.Proto {
	case ProtocolUDP:
		if err := d.udpSocket.Send(rendered.Bytes); err != nil {
			return fmt.Errorf("queryperf: udp send: %w", err)
		}
	case ProtocolTCP:
		sock, err := d.msgMgr.CreateTCPSocket(
			d.serverAddress, d.serverPort, s.tcpRecvBuf(),
			func(data []byte) { d.onTCPResponse(s, data) },
		)
		if err != nil {
			return fmt.Errorf("queryperf: creating tcp socket: %w", err)
		}
		s.setTCPSocket(sock)
		if err := sock.Send(rendered.Bytes); err != nil {
			return fmt.Errorf("queryperf: tcp send: %w", err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidProtocol, rendered.Proto)
	}
	d.stats.QueriesSent++
	return nil
}

// onUDPResponse extracts the response ID from data via
// [parseResponseID], discarding unparseable datagrams silently.
func (d *Dispatcher) onUDPResponse(data []byte) {
	id, ok := parseResponseID(data)
	if !ok {
		return
	}
	d.restart(id, true)
}

// onTCPResponse handles the (possibly nil) result of one slot's TCP
// pipeline.
func (d *Dispatcher) onTCPResponse(s *slot, data []byte) {
	s.clearTCPSocket()
	if len(data) == 0 {
		d.Logger.Warn("TCP connection terminated unexpectedly", "qid", s.qid)
		d.restart(s.qid, false)
		return
	}
	if _, ok := parseResponseID(data); !ok {
		d.restart(s.qid, false)
		return
	}
	d.restart(s.qid, true)
}

// onQueryTimeout fires when a slot's deadline timer expires without a
// matching response.
func (d *Dispatcher) onQueryTimeout(elem *list.Element) {
	s := elem.Value.(*slot)
	d.Logger.Warn("query timed out", "qid", s.qid)
	s.clearTCPSocket()
	d.restart(s.qid, false)
}

// onSessionTimeout stops admitting new queries; outstanding slots are
// allowed to drain naturally.
func (d *Dispatcher) onSessionTimeout() {
	d.keepSending = false
}

// restart locates the slot holding id, then either recycles it with a
// freshly rendered query (while keepSending holds) or retires it,
// stopping the loop once the outstanding set is empty. A render or
// send failure here is fatal in the same way it is during priming: it
// aborts the whole session rather than leaving the slot to retry only
// via its own deadline timer.
func (d *Dispatcher) restart(id uint16, completed bool) {
	elem := d.findSlot(id)
	if elem == nil {
		d.stats.Mismatched++
		return
	}
	s := elem.Value.(*slot)
	s.timer.Cancel()

	if completed {
		d.stats.QueriesCompleted++
	}

	if d.keepSending {
		nextID := d.nextQID
		d.nextQID++
		s.qid = nextID
		rendered, err := s.ctx.Start(nextID)
		if err != nil {
			d.abort(fmt.Errorf("queryperf: rendering next query: %w", err))
			return
		}
		s.timer.Start(d.queryTimeout)
		if err := d.sendQuery(s, rendered); err != nil {
			d.abort(fmt.Errorf("queryperf: restart: %w", err))
			return
		}
		d.outstanding.MoveToBack(elem)
		return
	}

	d.outstanding.Remove(elem)
	if d.outstanding.Len() == 0 {
		d.msgMgr.Stop()
	}
}

// findSlot returns the outstanding element whose current QID matches
// id, or nil.
func (d *Dispatcher) findSlot(id uint16) *list.Element {
	for elem := d.outstanding.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*slot).qid == id {
			return elem
		}
	}
	return nil
}

// parseResponseID returns the header ID of a wire-format DNS message,
// returning ok=false on any parse failure. It unpacks the whole
// message, not just the header: a message whose header is intact but
// whose remaining sections do not parse is reported as ok=false.
func parseResponseID(data []byte) (id uint16, ok bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		return 0, false
	}
	return msg.Id, true
}
