// SPDX-License-Identifier: ISC

package queryperf

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Protocol identifies a transport protocol tag for a [RequestSpec].
type Protocol int

const (
	// ProtocolUDP sends the query over a connected UDP socket.
	ProtocolUDP Protocol = iota

	// ProtocolTCP sends the query over a fresh TCP connection.
	ProtocolTCP
)

// String implements [fmt.Stringer].
func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// RequestSpec is a fully-resolved request specification: a question, a
// transport hint, optional authority records (IXFR only), and the EDNS
// options to apply.
//
// For AXFR and IXFR questions, UseEDNS and UseDNSSECDO are always
// false regardless of the repository's session defaults.
type RequestSpec struct {
	Question    Question
	Proto       Protocol
	Authority   []dns.RR
	UseEDNS     bool
	UseDNSSECDO bool
}

// maxEmptyAttempts bounds the number of consecutive unproductive reads
// (blank lines, comments, parse failures, or end-of-stream rewinds)
// [*Repository.NextRequest] tolerates before reporting [ErrEmptyInput].
const maxEmptyAttempts = 1000

// Repository is a source of [RequestSpec] values, either streamed
// lazily (with rewind-on-EOF) from a seekable byte stream, or preloaded
// once into a cyclic in-memory sequence.
//
// Construct using [NewRepository]. A [*Repository] is meant to be used
// from a single goroutine (the dispatcher event loop that owns it); it
// does not synchronize its own state.
type Repository struct {
	// Logger receives a warning for every skipped malformed line.
	// Defaults to [slog.Default] if nil at construction.
	Logger *slog.Logger

	source  io.ReadSeeker
	scanner *bufio.Scanner

	defaultClass uint16
	defaultProto Protocol
	useEDNS      bool
	useDNSSECDO  bool

	loaded    bool
	used      bool
	preloaded []RequestSpec
	cursor    int
}

// NewRepository creates a [*Repository] reading from source.
//
// The default query class is IN, the default transport is UDP, and
// both EDNS and the DNSSEC DO bit are disabled until configured
// otherwise.
func NewRepository(source io.ReadSeeker) *Repository {
	return &Repository{
		Logger:       slog.Default(),
		source:       source,
		defaultClass: dns.ClassINET,
		defaultProto: ProtocolUDP,
	}
}

// cannotMutate reports whether the repository configuration is
// frozen: settable only before preload and before first use, and
// either preloaded or already consumed at least once freezes it.
func (r *Repository) cannotMutate() bool {
	return r.loaded || r.used
}

// SetClass sets the default query class (e.g. "IN", "CH"). It fails if
// the repository has been preloaded or used.
func (r *Repository) SetClass(qclass string) error {
	if r.cannotMutate() {
		return ErrAfterLoad
	}
	c, err := parseQClass(qclass)
	if err != nil {
		return err
	}
	r.defaultClass = c
	return nil
}

// SetDefaultProtocol sets the default transport. It fails if the
// repository has been preloaded or used, or if proto is neither
// [ProtocolUDP] nor [ProtocolTCP].
func (r *Repository) SetDefaultProtocol(proto Protocol) error {
	if r.cannotMutate() {
		return ErrAfterLoad
	}
	if proto != ProtocolUDP && proto != ProtocolTCP {
		return fmt.Errorf("%w: %v", ErrInvalidProtocol, proto)
	}
	r.defaultProto = proto
	return nil
}

// SetEDNS enables or disables attaching an EDNS OPT record. It fails if
// the repository has been preloaded or used.
func (r *Repository) SetEDNS(on bool) error {
	if r.cannotMutate() {
		return ErrAfterLoad
	}
	r.useEDNS = on
	return nil
}

// SetDNSSECDO enables or disables the EDNS DNSSEC-OK bit. It fails if
// the repository has been preloaded or used.
func (r *Repository) SetDNSSECDO(on bool) error {
	if r.cannotMutate() {
		return ErrAfterLoad
	}
	r.useDNSSECDO = on
	return nil
}

// Load consumes source to end-of-file, building a cyclic in-memory
// sequence of [RequestSpec] values. It fails if called twice, or if
// the resulting sequence would be empty.
func (r *Repository) Load() error {
	if r.loaded {
		return ErrAlreadyLoaded
	}
	if r.used {
		return ErrAfterLoad
	}

	var specs []RequestSpec
	for {
		line, eof, err := r.scanNext()
		if err != nil {
			return err
		}
		if eof {
			break
		}
		spec, ok := r.parseProductiveLine(line)
		if !ok {
			continue
		}
		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		return ErrEmptyInput
	}
	r.preloaded = specs
	r.loaded = true
	r.used = true
	return nil
}

// NextRequest returns the next [RequestSpec]. In preloaded mode, the
// sequence is served cyclically from the in-memory vector. In
// streaming mode, the underlying stream rewinds on end-of-file and
// this method never reports "end"; callers should treat the sequence
// as infinite. An all-blank, all-comment, or otherwise unparseable
// stream is reported as [ErrEmptyInput] after [maxEmptyAttempts]
// unproductive reads.
func (r *Repository) NextRequest() (RequestSpec, error) {
	r.used = true

	if r.loaded {
		if len(r.preloaded) == 0 {
			return RequestSpec{}, ErrEmptyInput
		}
		spec := r.preloaded[r.cursor%len(r.preloaded)]
		r.cursor++
		return spec, nil
	}

	attempts := 0
	for {
		line, eof, err := r.scanNext()
		if err != nil {
			return RequestSpec{}, err
		}
		if eof {
			if err := r.rewind(); err != nil {
				return RequestSpec{}, err
			}
			attempts++
			if attempts >= maxEmptyAttempts {
				return RequestSpec{}, ErrEmptyInput
			}
			continue
		}
		spec, ok := r.parseProductiveLine(line)
		if !ok {
			attempts++
			if attempts >= maxEmptyAttempts {
				return RequestSpec{}, ErrEmptyInput
			}
			continue
		}
		return spec, nil
	}
}

// parseProductiveLine skips blank lines and comments, logs and skips
// malformed lines, and returns (spec, true) for a line that parsed
// into a usable [RequestSpec].
func (r *Repository) parseProductiveLine(line string) (RequestSpec, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ";") {
		return RequestSpec{}, false
	}
	spec, err := r.parseLine(trimmed)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("skipping malformed query line", "line", trimmed, "error", err)
		}
		return RequestSpec{}, false
	}
	return spec, true
}

// parseLine parses one query data line: "NAME TYPE [key=value ...]".
func (r *Repository) parseLine(line string) (RequestSpec, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return RequestSpec{}, fmt.Errorf("%w: expected at least NAME and TYPE, got %q", ErrParse, line)
	}

	name, typeTok := fields[0], fields[1]
	qtype, err := parseQType(typeTok)
	if err != nil {
		return RequestSpec{}, err
	}

	var serial uint32
	for _, opt := range fields[2:] {
		key, value, ok := strings.Cut(opt, "=")
		if !ok || key != "serial" {
			continue
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return RequestSpec{}, fmt.Errorf("%w: bad serial= value %q: %v", ErrParse, value, err)
		}
		serial = uint32(n)
	}

	question := NewQuestion(name, r.defaultClass, qtype)
	spec := RequestSpec{
		Question:    question,
		Proto:       r.defaultProto,
		UseEDNS:     r.useEDNS,
		UseDNSSECDO: r.useDNSSECDO,
	}

	if qtype == dns.TypeIXFR {
		spec.Authority = []dns.RR{ixfrSOA(question, serial)}
	}
	if isXFRType(qtype) {
		spec.UseEDNS = false
		spec.UseDNSSECDO = false
	}
	return spec, nil
}

// ixfrSOA synthesizes the single authority SOA RRset an IXFR request
// carries: owner/class from the question, TTL 0, RDATA
// ". . <serial> 0 0 0 0".
func ixfrSOA(q Question, serial uint32) dns.RR {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeSOA,
			Class:  q.Class,
			Ttl:    0,
		},
		Ns:      ".",
		Mbox:    ".",
		Serial:  serial,
		Refresh: 0,
		Retry:   0,
		Expire:  0,
		Minttl:  0,
	}
}

// scanNext reads the next raw line. eof is true when the underlying
// scanner reached end-of-stream without error; a non-nil err indicates
// a genuine (non-EOF) I/O failure, which is fatal.
func (r *Repository) scanNext() (line string, eof bool, err error) {
	if r.scanner == nil {
		r.scanner = bufio.NewScanner(r.source)
	}
	if r.scanner.Scan() {
		return r.scanner.Text(), false, nil
	}
	if serr := r.scanner.Err(); serr != nil {
		return "", false, serr
	}
	return "", true, nil
}

// rewind seeks the underlying stream back to the start and resets the
// line scanner, so a non-preloaded repository can cycle through its
// queries indefinitely.
func (r *Repository) rewind() error {
	if _, err := r.source.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.scanner = bufio.NewScanner(r.source)
	return nil
}
