// Package bufferpool implements the buffer allocator contract that the
// tunnel cores treat as an externally supplied service (spec.md §1,
// "Out of scope"). Buffers are reference counted by ownership, not by
// refcount fields: whoever holds a *Buffer owns it until it is either
// handed to the next tunnel or returned to the pool it came from.
package bufferpool

import (
	"encoding/binary"
	"sync"
)

// smallBufferSize bounds the small-buffer class (spec.md
// SMALL_BUFFER_SIZE). Small buffers carry no front headroom, so the
// capture reader and the half-duplex listener draw from the large class.
const smallBufferSize = 2048

const largeBufferSize = 16384

// Buffer is a byte slice over a backing array that may keep headroom in
// front of the payload, so headers can be prepended in place (ShiftLeft)
// without a reallocation; appending past the end of the backing array
// (Append/Reserve) reallocates it. This mirrors the C sbuf_t contract used
// throughout the original sources.
type Buffer struct {
	raw    []byte // full backing array
	offset int    // start of the logical payload within raw
	length int    // logical payload length
}

// Bytes returns the logical payload.
func (b *Buffer) Bytes() []byte {
	return b.raw[b.offset : b.offset+b.length]
}

// Len returns the logical payload length.
func (b *Buffer) Len() int {
	return b.length
}

// SetLength grows or shrinks the logical payload in place. Growing past
// the backing array's capacity is a programmer error in this codebase
// (buffers are always sized generously up front) and panics, matching
// the original's assert-style contract violations.
func (b *Buffer) SetLength(n int) {
	if b.offset+n > cap(b.raw) {
		panic("bufferpool: SetLength exceeds backing capacity")
	}
	b.length = n
}

// ShiftRight drops the first n bytes from the logical payload, used when
// stripping the 8-byte half-duplex rendezvous header.
func (b *Buffer) ShiftRight(n int) {
	if n > b.length {
		n = b.length
	}
	b.offset += n
	b.length -= n
}

// ShiftLeft reserves n bytes of headroom immediately before the current
// payload, used when prepending the WireGuard transport header.
func (b *Buffer) ShiftLeft(n int) {
	if b.offset < n {
		panic("bufferpool: ShiftLeft exceeds available headroom")
	}
	b.offset -= n
	b.length += n
}

// WriteZeros zeroes the first n bytes of the logical payload.
func (b *Buffer) WriteZeros(n int) {
	clear(b.raw[b.offset : b.offset+n])
}

// ReadUnalignedUint64LE reads an 8-byte little-endian word from the start
// of the payload without requiring 8-byte alignment of the backing array.
func (b *Buffer) ReadUnalignedUint64LE() uint64 {
	return binary.LittleEndian.Uint64(b.raw[b.offset : b.offset+8])
}

// SetByte writes a single byte at logical offset i.
func (b *Buffer) SetByte(i int, v byte) {
	b.raw[b.offset+i] = v
}

// Reserve ensures the buffer can hold n bytes appended at the current
// write position and returns a slice into which the caller may read.
func (b *Buffer) Reserve(n int) []byte {
	end := b.offset + b.length + n
	if end > cap(b.raw) {
		grown := make([]byte, end)
		copy(grown, b.raw[:b.offset+b.length])
		b.raw = grown
	}
	return b.raw[b.offset+b.length : end]
}

// Append appends p to the logical payload, growing the backing array if
// needed.
func (b *Buffer) Append(p []byte) {
	dst := b.Reserve(len(p))
	copy(dst, p)
	b.length += len(p)
}

// Concat concatenates two buffers, returning a single buffer holding
// a's bytes followed by b's bytes. a is reused as the destination when it
// has room; otherwise a fresh backing array is allocated.
func Concat(a, b *Buffer) *Buffer {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	a.Append(b.Bytes())
	return a
}

// Pool is a class of same-size buffers backed by sync.Pool, the Go
// analogue of the C buffer_pool_t passed to every tunnel via the line.
type Pool struct {
	small sync.Pool
	large sync.Pool
}

// NewPool constructs a buffer pool with the small/large size classes used
// throughout the tunnel cores.
func NewPool() *Pool {
	p := &Pool{}
	p.small.New = func() any { return &Buffer{raw: make([]byte, 0, smallBufferSize)} }
	p.large.New = func() any { return &Buffer{raw: make([]byte, 0, largeBufferSize)} }
	return p
}

// GetSmall returns a buffer from the small size class, reset to empty.
func (p *Pool) GetSmall() *Buffer {
	buf := p.small.Get().(*Buffer)
	buf.offset, buf.length = 0, 0
	if cap(buf.raw) < smallBufferSize {
		buf.raw = make([]byte, smallBufferSize)
	} else {
		buf.raw = buf.raw[:cap(buf.raw)]
	}
	return buf
}

// GetLarge returns a buffer from the large size class, reset to empty,
// with enough leading headroom reserved for protocol headers (e.g. the
// WireGuard transport header) to be prepended without reallocation.
func (p *Pool) GetLarge() *Buffer {
	buf := p.large.Get().(*Buffer)
	if cap(buf.raw) < largeBufferSize {
		buf.raw = make([]byte, largeBufferSize)
	} else {
		buf.raw = buf.raw[:cap(buf.raw)]
	}
	buf.offset, buf.length = 64, 0
	return buf
}

// FromBytes wraps an existing slice as a Buffer without pooling. Useful in
// tests and for one-off synthetic payloads.
func FromBytes(p []byte) *Buffer {
	raw := make([]byte, len(p))
	copy(raw, p)
	return &Buffer{raw: raw, offset: 0, length: len(p)}
}

// Reuse returns buf to the pool it logically belongs to, sized by its
// backing capacity. Every failure path in the tunnel cores must call this
// exactly once for any buffer it currently owns (spec.md §5, "Memory
// ownership").
func (p *Pool) Reuse(buf *Buffer) {
	if buf == nil {
		return
	}
	if cap(buf.raw) >= largeBufferSize {
		p.large.Put(buf)
		return
	}
	p.small.Put(buf)
}
