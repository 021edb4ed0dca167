package packet_cache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/pmkol/packetcache/pkg/dnsutils"
)

// ErrInvalidSize is returned when a packet is too short for the byte counts
// the caller claims were consumed from it.
var ErrInvalidSize = errors.New("invalid packet size")

var digestPool = sync.Pool{
	New: func() any { return xxhash.New() },
}

// DeriveKey computes the fingerprint of a query.
//
// The hash covers, in this order: the header minus its transaction ID, the
// lowercased wire name, every byte past the name (type, class, EDNS options,
// additional records) and finally the transport. consumed is the wire length
// of the question name in raw.
func DeriveKey(name string, consumed int, raw []byte, tcp bool) (uint32, error) {
	if len(raw) < dnsutils.HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the dns header", ErrInvalidSize, len(raw))
	}
	if consumed < 0 || len(raw) < dnsutils.HeaderSize+consumed {
		return 0, fmt.Errorf("%w: %d bytes with %d consumed", ErrInvalidSize, len(raw), consumed)
	}

	var nameBuf [dnsutils.MaxWireNameLen]byte
	n, err := dnsutils.PackCanonicalName(nameBuf[:], name)
	if err != nil {
		return 0, fmt.Errorf("failed to pack qname %q: %w", name, err)
	}

	d := digestPool.Get().(*xxhash.Digest)
	d.Reset()
	_, _ = d.Write(raw[2:dnsutils.HeaderSize])
	_, _ = d.Write(nameBuf[:n])
	if rest := raw[dnsutils.HeaderSize+consumed:]; len(rest) > 0 {
		_, _ = d.Write(rest)
	}
	transport := [1]byte{0}
	if tcp {
		transport[0] = 1
	}
	_, _ = d.Write(transport[:])
	sum := d.Sum64()
	digestPool.Put(d)

	return uint32(sum) ^ uint32(sum>>32), nil
}
