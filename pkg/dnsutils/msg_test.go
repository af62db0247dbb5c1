package dnsutils

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestRangeRecords(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Answer = []dns.RR{mustRR(t, "example.com. 60 IN A 1.1.1.1")}
	m.Ns = []dns.RR{mustRR(t, "example.com. 3600 IN NS ns1.example.com.")}
	m.Extra = []dns.RR{mustRR(t, "ns1.example.com. 3600 IN A 2.2.2.2")}
	m.SetEdns0(1232, false)

	var got []uint16
	RangeRecords(m, func(rr dns.RR) { got = append(got, rr.Header().Rrtype) })
	assert.Equal(t, []uint16{dns.TypeA, dns.TypeNS, dns.TypeA}, got)
}

func TestReplyWithRecord(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("Example.COM.", dns.TypeA)
	q.Id = 4242

	rr := mustRR(t, "example.com. 60 IN A 1.1.1.1")
	r := ReplyWithRecord(q, rr)

	assert.Equal(t, uint16(4242), r.Id)
	assert.True(t, r.Response)
	assert.True(t, r.RecursionDesired)
	assert.Equal(t, q.Question, r.Question)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, rr.String(), r.Answer[0].String())

	// the reply owns its record
	r.Answer[0].Header().Ttl = 1
	assert.Equal(t, uint32(60), rr.Header().Ttl)
}

func TestWireHelpers(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 7
	b, err := q.Pack()
	require.NoError(t, err)

	h, err := GetHeaderInfo(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), h.ID)
	assert.False(t, h.Response)

	c, err := CopyWithID(b, 9)
	require.NoError(t, err)
	require.NoError(t, SetID(b, 8))
	h, _ = GetHeaderInfo(c)
	assert.Equal(t, uint16(9), h.ID)
	h, _ = GetHeaderInfo(b)
	assert.Equal(t, uint16(8), h.ID)

	_, err = GetHeaderInfo([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidDNSMsg)
	assert.Equal(t, "A", QtypeToString(dns.TypeA))
	assert.Equal(t, "65000", QtypeToString(65000))
	assert.Equal(t, "IN", QclassToString(dns.ClassINET))
}

func TestUDPSize(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	assert.Equal(t, dns.MinMsgSize, UDPSize(m))

	m.SetEdns0(1232, false)
	assert.Equal(t, 1232, UDPSize(m))

	m.IsEdns0().SetUDPSize(100)
	assert.Equal(t, dns.MinMsgSize, UDPSize(m))
}
