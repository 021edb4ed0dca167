package dnsutils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pmkol/packetcache/pkg/pool"
)

var errPayloadTooLarge = errors.New("payload is larger than 65535 bytes")

// ReadRawMsgFromTCP reads one length-prefixed DNS message from c. The
// returned buffer must be released by the caller.
func ReadRawMsgFromTCP(c io.Reader) (*pool.Buffer, error) {
	var h [2]byte
	if _, err := io.ReadFull(c, h[:]); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(h[:]))
	if length < HeaderSize {
		return nil, fmt.Errorf("%w: tcp frame of %d bytes", ErrInvalidDNSMsg, length)
	}

	buf := pool.GetBuf(length)
	if _, err := io.ReadFull(c, buf.Bytes()); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// WriteRawMsgToTCP writes b to c with its 2-byte length prefix in a single write.
func WriteRawMsgToTCP(c io.Writer, b []byte) (n int, err error) {
	if len(b) > 0xFFFF {
		return 0, errPayloadTooLarge
	}

	buf := pool.GetBuf(len(b) + 2)
	defer buf.Release()
	wb := buf.Bytes()
	binary.BigEndian.PutUint16(wb[:2], uint16(len(b)))
	copy(wb[2:], b)
	return c.Write(wb)
}
