package dnsutils

import (
	"encoding/binary"
	"errors"

	"github.com/miekg/dns"
)

// HeaderSize is the size of the fixed DNS header.
const HeaderSize = 12

var (
	ErrInvalidDNSMsg = errors.New("invalid dns message")
)

// wireCursor walks a packed DNS message. Every read is range checked
// against the message length, nothing is trusted from the wire.
type wireCursor struct {
	msg []byte
	off int
}

func (c *wireCursor) skipName() error {
	for {
		if c.off >= len(c.msg) {
			return ErrInvalidDNSMsg
		}
		l := c.msg[c.off]
		switch {
		case l == 0:
			c.off++
			return nil
		case l&0xC0 == 0xC0: // Pointer
			if c.off+2 > len(c.msg) {
				return ErrInvalidDNSMsg
			}
			c.off += 2
			return nil
		case l&0xC0 != 0: // Restricted label type (RFC 1682/1035)
			return ErrInvalidDNSMsg
		}
		if c.off+1+int(l) > len(c.msg) {
			return ErrInvalidDNSMsg
		}
		c.off += int(l) + 1
	}
}

func (c *wireCursor) skip(n int) error {
	if c.off+n > len(c.msg) {
		return ErrInvalidDNSMsg
	}
	c.off += n
	return nil
}

// rr reads a resource record header at the cursor and moves past its rdata.
// It returns the record type and the offset of its 4-byte TTL field.
func (c *wireCursor) rr() (rrType uint16, ttlOff int, err error) {
	if err := c.skipName(); err != nil {
		return 0, 0, err
	}
	// TYPE(2) + CLASS(2) + TTL(4) + RDLEN(2)
	if c.off+10 > len(c.msg) {
		return 0, 0, ErrInvalidDNSMsg
	}
	rrType = binary.BigEndian.Uint16(c.msg[c.off : c.off+2])
	ttlOff = c.off + 4
	rdLen := int(binary.BigEndian.Uint16(c.msg[c.off+8 : c.off+10]))
	if err := c.skip(10 + rdLen); err != nil {
		return 0, 0, err
	}
	return rrType, ttlOff, nil
}

// walkTTLs calls f with the TTL offset of every record in the answer,
// authority and additional sections, OPT pseudo records excluded.
// f is only called for records whose rdata lies within msg.
func walkTTLs(msg []byte, f func(ttlOff int)) error {
	if len(msg) < HeaderSize {
		return ErrInvalidDNSMsg
	}

	qdCount := int(binary.BigEndian.Uint16(msg[4:6]))
	totalRRs := int(binary.BigEndian.Uint16(msg[6:8])) +
		int(binary.BigEndian.Uint16(msg[8:10])) +
		int(binary.BigEndian.Uint16(msg[10:12]))

	c := wireCursor{msg: msg, off: HeaderSize}
	for i := 0; i < qdCount; i++ {
		if err := c.skipName(); err != nil {
			return err
		}
		if err := c.skip(4); err != nil { // Type(2) + Class(2)
			return err
		}
	}

	for i := 0; i < totalRRs; i++ {
		rrType, ttlOff, err := c.rr()
		if err != nil {
			return err
		}
		if rrType == dns.TypeOPT {
			continue
		}
		f(ttlOff)
	}
	return nil
}

// MinTTL returns the smallest TTL across the records of a packed response.
// ok is false if the message holds no TTL-bearing record or is malformed.
func MinTTL(msg []byte) (ttl uint32, ok bool) {
	ttl = ^uint32(0)
	err := walkTTLs(msg, func(off int) {
		ok = true
		if v := binary.BigEndian.Uint32(msg[off : off+4]); v < ttl {
			ttl = v
		}
	})
	if err != nil || !ok {
		return 0, false
	}
	return ttl, true
}

// AgeInPlace subtracts seconds from every record TTL of msg, flooring at zero.
// On a malformed message, records before the fault are aged and the error
// is returned.
func AgeInPlace(msg []byte, seconds uint32) error {
	if seconds == 0 {
		return nil
	}
	return walkTTLs(msg, func(off int) {
		ttl := binary.BigEndian.Uint32(msg[off : off+4])
		if ttl > seconds {
			ttl -= seconds
		} else {
			ttl = 0
		}
		binary.BigEndian.PutUint32(msg[off:off+4], ttl)
	})
}

// HeaderInfo contains basic information from a DNS header.
type HeaderInfo struct {
	ID        uint16
	Rcode     int
	Truncated bool
	QDCount   uint16
	ANCount   uint16
}

// GetHeaderInfo parses the DNS header without allocations.
func GetHeaderInfo(msg []byte) (HeaderInfo, error) {
	if len(msg) < HeaderSize {
		return HeaderInfo{Rcode: -1}, ErrInvalidDNSMsg
	}
	return HeaderInfo{
		ID:        binary.BigEndian.Uint16(msg[0:2]),
		Rcode:     int(msg[3] & 0xF),
		Truncated: msg[2]&0x02 != 0,
		QDCount:   binary.BigEndian.Uint16(msg[4:6]),
		ANCount:   binary.BigEndian.Uint16(msg[6:8]),
	}, nil
}

// SetTruncated cuts msg to size and sets the TC bit. msg is returned
// unchanged if it already fits. Section counts are left as is, so the cut
// may end inside a record: clients must ignore the body and retry over TCP.
func SetTruncated(msg []byte, size int) []byte {
	if len(msg) <= size || size < HeaderSize {
		return msg
	}
	msg = msg[:size]
	msg[2] |= 0x02
	return msg
}
