package cache

import (
	"io"
	"time"

	"github.com/miekg/dns"

	"github.com/pmkol/fwdcache/pkg/dnsutils"
)

// Key identifies one cache slot. Name is always canonical (lower case, fqdn),
// so two keys are equal iff their names match case-insensitively and their
// types match exactly.
type Key struct {
	Name string
	Type uint16
}

// NewKey returns the Key of (name, qtype).
func NewKey(name string, qtype uint16) Key {
	return Key{Name: dns.CanonicalName(name), Type: qtype}
}

func (k Key) String() string {
	return k.Name + " " + dnsutils.QtypeToString(k.Type)
}

// Entry is one cached resource record and the time it was inserted.
// An Entry is never modified once it is stored in a Backend.
type Entry struct {
	RR         dns.RR
	InsertedAt time.Time
}

func NewEntry(rr dns.RR, now time.Time) *Entry {
	return &Entry{RR: rr, InsertedAt: now}
}

func (e *Entry) Key() Key {
	h := e.RR.Header()
	return NewKey(h.Name, h.Rrtype)
}

// TTL is the time-to-live the record declared when it was inserted.
func (e *Entry) TTL() time.Duration {
	return time.Duration(e.RR.Header().Ttl) * time.Second
}

// Expiry is the last instant at which e is still fresh.
func (e *Entry) Expiry() time.Time {
	return e.InsertedAt.Add(e.TTL())
}

// Backend is the record store. Implementations must be concurrent safe.
type Backend interface {
	// Put inserts or overwrites the entry of key.
	Put(key Key, e *Entry)

	// Get returns the entry of key.
	Get(key Key) (e *Entry, ok bool)

	Delete(key Key)

	// Keys returns a snapshot of all keys. It is safe to modify the Backend
	// while iterating the returned slice.
	Keys() []Key

	// Range calls f on every entry until f returns false.
	// f must not call back into the Backend.
	Range(f func(key Key, e *Entry) bool)

	Len() int

	io.Closer
}

// ExpiringBackend is a Backend that drops entries on its own. The Manager
// stores entries through PutExpiring with ttl being the remaining lifetime
// of e at the Manager's clock.
type ExpiringBackend interface {
	Backend
	PutExpiring(key Key, e *Entry, ttl time.Duration)
}
