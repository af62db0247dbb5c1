package dnsutils

import (
	"strconv"

	"github.com/miekg/dns"
)

// RangeRecords calls f on every resource record in the answer, authority
// and additional sections of m, in that order. OPT pseudo records are skipped.
func RangeRecords(m *dns.Msg, f func(rr dns.RR)) {
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			if rr == nil || rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			f(rr)
		}
	}
}

// ReplyWithRecord builds a reply to q that carries q's id and question
// and exactly one answer, a copy of rr.
func ReplyWithRecord(q *dns.Msg, rr dns.RR) *dns.Msg {
	r := new(dns.Msg)
	r.SetReply(q)
	r.Question = append(r.Question[:0], q.Question...)
	r.RecursionAvailable = true
	r.Answer = []dns.RR{dns.Copy(rr)}
	return r
}

// UDPSize returns the largest reply the sender of m accepts over udp.
func UDPSize(m *dns.Msg) int {
	var s uint16
	if opt := m.IsEdns0(); opt != nil {
		s = opt.UDPSize()
	}
	if s < dns.MinMsgSize {
		s = dns.MinMsgSize
	}
	return int(s)
}

// --- Helpers ---

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}
