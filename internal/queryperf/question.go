// SPDX-License-Identifier: ISC

package queryperf

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// Question is an immutable (owner, class, type) triple.
//
// Construct using [NewQuestion].
type Question struct {
	// Name is the fully-qualified, ASCII-compatible owner name.
	Name string

	// Class is the DNS query class (e.g. [dns.ClassINET]).
	Class uint16

	// Type is the DNS query type (e.g. [dns.TypeA]).
	Type uint16
}

// NewQuestion constructs a [Question], punycode-encoding and
// fully-qualifying name the same way [*Context] encodes it into a
// wire query.
//
// If name does not round-trip through IDNA (e.g. it is already a raw
// ASCII label set with punctuation queryperf scripts sometimes use),
// the original text is kept as-is rather than failing the whole line.
func NewQuestion(name string, class, qtype uint16) Question {
	unqualified := strings.TrimSuffix(name, ".")
	punyName, err := idna.Lookup.ToASCII(unqualified)
	if err != nil {
		punyName = unqualified
	}
	return Question{
		Name:  dns.Fqdn(punyName),
		Class: class,
		Type:  qtype,
	}
}

// typeMnemonicAliases maps mnemonics that predate or otherwise fall
// outside miekg/dns's [dns.StringToType] table to their numeric type
// value directly. AXFR, IXFR and ANY already resolve through
// [dns.StringToType] (it carries those literal mnemonics, since
// [dns.Type.String] needs them too) and must not be routed through
// this table.
var typeMnemonicAliases = map[string]uint16{
	"A6": 38,
}

// parseQType resolves a textual type mnemonic to its numeric value,
// checking the fixed alias table before deferring to
// [dns.StringToType].
func parseQType(mnemonic string) (uint16, error) {
	mnemonic = strings.ToUpper(mnemonic)
	if qtype, ok := typeMnemonicAliases[mnemonic]; ok {
		return qtype, nil
	}
	if qtype, ok := dns.StringToType[mnemonic]; ok {
		return qtype, nil
	}
	return 0, fmt.Errorf("%w: unknown query type %q", ErrParse, mnemonic)
}

// parseQClass resolves a textual class mnemonic (e.g. "IN", "CH") to
// its numeric value.
func parseQClass(mnemonic string) (uint16, error) {
	mnemonic = strings.ToUpper(strings.TrimSpace(mnemonic))
	if qclass, ok := dns.StringToClass[mnemonic]; ok {
		return qclass, nil
	}
	return 0, fmt.Errorf("%w: unknown query class %q", ErrParse, mnemonic)
}

// isXFRType reports whether qtype is AXFR or IXFR; zone transfer
// requests always go out with EDNS and DNSSEC DO forced off,
// regardless of the repository's session defaults.
func isXFRType(qtype uint16) bool {
	return qtype == dns.TypeAXFR || qtype == dns.TypeIXFR
}
