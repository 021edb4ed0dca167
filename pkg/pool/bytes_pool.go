package pool

import (
	"math/bits"
	"sync"

	"github.com/miekg/dns"
)

// Buffers up to 64 KiB (the largest DNS message) are pooled by power of two
// size classes. Bigger requests are plain allocations.
const maxPooledBits = 16

var bufPools [maxPooledBits + 1]sync.Pool

func init() {
	for i := range bufPools {
		size := 1 << i
		bufPools[i].New = func() any {
			return &Buffer{b: make([]byte, size), class: i}
		}
	}
}

// Buffer is a pooled byte slice. A Buffer must not be used after Release.
type Buffer struct {
	b     []byte
	n     int
	class int // -1 for non-pooled buffers
}

// Bytes returns the buffer, sliced to the size given to GetBuf.
func (b *Buffer) Bytes() []byte {
	return b.b[:b.n]
}

// Release returns b to its pool. It is safe to call on nil.
func (b *Buffer) Release() {
	if b == nil || b.class < 0 {
		return
	}
	bufPools[b.class].Put(b)
}

// GetBuf returns a *Buffer whose Bytes() has length size.
func GetBuf(size int) *Buffer {
	if size < 0 {
		panic("pool: negative buffer size")
	}
	class := bits.Len(uint(size))
	if size > 0 && size&(size-1) == 0 {
		class-- // exact power of two
	}
	if class > maxPooledBits {
		return &Buffer{b: make([]byte, size), n: size, class: -1}
	}
	buf := bufPools[class].Get().(*Buffer)
	buf.n = size
	return buf
}

// PackBuffer packs m into a pooled buffer. The returned slice is only valid
// until buf is released.
func PackBuffer(m *dns.Msg) (b []byte, buf *Buffer, err error) {
	buf = GetBuf(dns.MaxMsgSize)
	b, err = m.PackBuffer(buf.Bytes())
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	return b, buf, nil
}
