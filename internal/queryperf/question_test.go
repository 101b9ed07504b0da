// SPDX-License-Identifier: ISC

package queryperf

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuestionQualifiesAndEncodes(t *testing.T) {
	q := NewQuestion("example.com", dns.ClassINET, dns.TypeA)
	assert.Equal(t, "example.com.", q.Name)
	assert.Equal(t, dns.ClassINET, int(q.Class))
	assert.Equal(t, dns.TypeA, q.Type)
}

func TestNewQuestionAlreadyQualified(t *testing.T) {
	q := NewQuestion("example.com.", dns.ClassINET, dns.TypeAAAA)
	assert.Equal(t, "example.com.", q.Name)
}

func TestNewQuestionPunycodeEncodesUnicode(t *testing.T) {
	q := NewQuestion("例え.テスト", dns.ClassINET, dns.TypeA)
	assert.Equal(t, "xn--r8jz45g.xn--zckzah.", q.Name)
}

func TestParseQTypeKnownMnemonic(t *testing.T) {
	qtype, err := parseQType("MX")
	require.NoError(t, err)
	assert.Equal(t, uint16(dns.TypeMX), qtype)
}

func TestParseQTypeAliasTable(t *testing.T) {
	cases := map[string]uint16{
		"A6":   38,
		"ANY":  255,
		"AXFR": dns.TypeAXFR,
		"IXFR": dns.TypeIXFR,
	}
	for mnemonic, want := range cases {
		got, err := parseQType(mnemonic)
		require.NoError(t, err, mnemonic)
		assert.Equal(t, want, got, mnemonic)
	}
}

func TestParseQTypeUnknown(t *testing.T) {
	_, err := parseQType("BOGUS")
	require.ErrorIs(t, err, ErrParse)
}

func TestParseQClassKnown(t *testing.T) {
	qclass, err := parseQClass("ch")
	require.NoError(t, err)
	assert.Equal(t, uint16(dns.ClassCHAOS), qclass)
}

func TestParseQClassUnknown(t *testing.T) {
	_, err := parseQClass("NOPE")
	require.ErrorIs(t, err, ErrParse)
}

func TestIsXFRType(t *testing.T) {
	assert.True(t, isXFRType(dns.TypeAXFR))
	assert.True(t, isXFRType(dns.TypeIXFR))
	assert.False(t, isXFRType(dns.TypeA))
}
