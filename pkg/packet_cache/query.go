package packet_cache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/pmkol/packetcache/pkg/dnsutils"
)

var ErrInvalidQuery = errors.New("invalid query")

// Identity is what a cached answer must match on top of its key. Name is
// kept in canonical (lowercase, fully qualified) form.
type Identity struct {
	Name   string
	Qtype  uint16
	Qclass uint16
	TCP    bool
}

func (id Identity) equal(o Identity) bool {
	return id.TCP == o.TCP && id.Qtype == o.Qtype && id.Qclass == o.Qclass && id.Name == o.Name
}

// NewIdentity builds an Identity, canonicalizing name.
func NewIdentity(name string, qtype, qclass uint16, tcp bool) Identity {
	return Identity{Name: dns.CanonicalName(name), Qtype: qtype, Qclass: qclass, TCP: tcp}
}

// Query is a decoded view over the raw bytes of a single-question query.
// raw is referenced, not copied: it must stay untouched while the Query is used.
type Query struct {
	Identity

	raw      []byte
	consumed int    // wire length of the question name
	wireName []byte // name as received, case preserved, uncompressed
}

// NewQuery decodes the question of raw.
func NewQuery(raw []byte, tcp bool) (*Query, error) {
	hi, err := dnsutils.GetHeaderInfo(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, len(raw))
	}
	if hi.QDCount != 1 {
		return nil, fmt.Errorf("%w: %d questions", ErrInvalidQuery, hi.QDCount)
	}

	name, off, err := dns.UnpackDomainName(raw, dnsutils.HeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	if off+4 > len(raw) {
		return nil, fmt.Errorf("%w: truncated question", ErrInvalidQuery)
	}

	var nameBuf [dnsutils.MaxWireNameLen]byte
	n, err := dnsutils.PackName(nameBuf[:], name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}

	q := &Query{
		Identity: NewIdentity(
			name,
			binary.BigEndian.Uint16(raw[off:off+2]),
			binary.BigEndian.Uint16(raw[off+2:off+4]),
			tcp,
		),
		raw:      raw,
		consumed: off - dnsutils.HeaderSize,
		wireName: append([]byte(nil), nameBuf[:n]...),
	}
	return q, nil
}

// Key derives the cache key of q.
func (q *Query) Key() (uint32, error) {
	return DeriveKey(q.Name, q.consumed, q.raw, q.TCP)
}

// Consumed returns the wire length of the question name. Type and class
// follow it and are hashed with the rest of the packet.
func (q *Query) Consumed() int {
	return q.consumed
}

// Raw returns the wire bytes q was decoded from.
func (q *Query) Raw() []byte {
	return q.raw
}

// ID returns the transaction ID of the query.
func (q *Query) ID() uint16 {
	return binary.BigEndian.Uint16(q.raw[0:2])
}
