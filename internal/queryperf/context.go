// SPDX-License-Identifier: ISC

package queryperf

import "github.com/miekg/dns"

// ednsUDPPayloadSize is the UDP payload size advertised in the EDNS OPT
// record attached when UseEDNS or UseDNSSECDO is set.
const ednsUDPPayloadSize = 4096

// RenderedQuery is the wire-format result of [*Context.Start]: the
// transport to send it on, and a view into the context's reused encode
// buffer.
//
// Callers must send or copy Bytes before calling Start again on the
// same [*Context]: the next call overwrites the buffer.
type RenderedQuery struct {
	Proto Protocol
	Bytes []byte
}

// Context is a reusable per-slot query renderer bound to a
// [*Repository]. Construct using [*ContextFactory.New].
type Context struct {
	repo *Repository
	buf  []byte
}

// Start pulls the next [RequestSpec] from the bound repository,
// builds a fresh DNS query message with header ID set to id, encodes
// it into the context's owned buffer, and returns the wire bytes and
// transport to send them on.
func (c *Context) Start(id uint16) (RenderedQuery, error) {
	spec, err := c.repo.NextRequest()
	if err != nil {
		return RenderedQuery{}, err
	}

	msg := new(dns.Msg)
	msg.Id = id
	msg.Opcode = dns.OpcodeQuery
	msg.Rcode = dns.RcodeSuccess
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{
		Name:   spec.Question.Name,
		Qtype:  spec.Question.Type,
		Qclass: spec.Question.Class,
	}}
	if len(spec.Authority) > 0 {
		msg.Ns = append(msg.Ns, spec.Authority...)
	}
	if spec.UseEDNS || spec.UseDNSSECDO {
		msg.SetEdns0(ednsUDPPayloadSize, spec.UseDNSSECDO)
	}

	wire, err := msg.PackBuffer(c.buf)
	if err != nil {
		return RenderedQuery{}, err
	}
	c.buf = wire

	return RenderedQuery{Proto: spec.Proto, Bytes: wire}, nil
}

// ContextFactory creates [*Context] values bound to a shared
// [*Repository], mirroring the original's QueryContextCreator.
type ContextFactory struct {
	repo *Repository
}

// NewContextFactory creates a [*ContextFactory] bound to repo.
func NewContextFactory(repo *Repository) *ContextFactory {
	return &ContextFactory{repo: repo}
}

// New creates a fresh [*Context].
func (f *ContextFactory) New() *Context {
	return &Context{repo: f.repo}
}
