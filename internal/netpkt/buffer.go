// Package netpkt implements the refcounted packet buffer that every layer
// of the stack pushes headers onto and pulls headers off of.
package netpkt

import (
	"fmt"
	"sync/atomic"
)

// Buffer is an owned byte region with a headroom/data/tailroom layout,
// matching packet buffer: allocate(payload_len, headroom,
// tailroom), push(n) prepends, put(n) appends, trim(n).
//
// A freshly allocated Buffer has refcount 1. Passing it down a call chain
// transfers that reference; fanning it out to N receivers (multicast
// delivery, broadcast send) must Ref() it N-1 additional times first.
// Unref drops the backing array once the count reaches zero.
type Buffer struct {
	backing []byte
	start   int // data begins here
	end     int // data ends here (exclusive)
	refs    *int32
}

// Alloc reserves headroom+payloadLen+tailroom bytes and returns a Buffer
// whose data region is the empty payloadLen-length window, ready for the
// caller to Put or to Push headers into the headroom.
func Alloc(payloadLen, headroom, tailroom int) *Buffer {
	if payloadLen < 0 || headroom < 0 || tailroom < 0 {
		panic("netpkt: negative size to Alloc")
	}
	total := headroom + payloadLen + tailroom
	refs := int32(1)
	return &Buffer{
		backing: make([]byte, total),
		start:   headroom,
		end:     headroom + payloadLen,
		refs:    &refs,
	}
}

// FromBytes wraps an existing slice as a zero-headroom, zero-tailroom
// buffer (used for freshly received frames before any Push is required).
func FromBytes(b []byte) *Buffer {
	refs := int32(1)
	return &Buffer{backing: b, start: 0, end: len(b), refs: &refs}
}

// Ref increments the reference count; call once per extra owner beyond the
// one returned by Alloc/FromBytes.
func (b *Buffer) Ref() *Buffer {
	atomic.AddInt32(b.refs, 1)
	return b
}

// Unref releases one reference. When the count reaches zero the backing
// array is dropped for GC; further use of b is invalid.
func (b *Buffer) Unref() {
	if b == nil {
		return
	}
	if atomic.AddInt32(b.refs, -1) <= 0 {
		b.backing = nil
	}
}

// Push prepends n bytes of headroom to the data region (e.g. to write a
// header in front of an already-built payload) and returns that header
// window. Panics if there isn't enough headroom — callers must Alloc with
// sufficient headroom up front, the same contract as the original C
// implementation's push().
func (b *Buffer) Push(n int) []byte {
	if b.start-n < 0 {
		panic(fmt.Sprintf("netpkt: push(%d) exceeds headroom %d", n, b.start))
	}
	b.start -= n
	return b.backing[b.start : b.start+n]
}

// Put appends n bytes to the data region, growing into tailroom, and
// returns the newly exposed window for the caller to fill.
func (b *Buffer) Put(n int) []byte {
	if b.end+n > len(b.backing) {
		panic(fmt.Sprintf("netpkt: put(%d) exceeds tailroom %d", n, len(b.backing)-b.end))
	}
	old := b.end
	b.end += n
	return b.backing[old:b.end]
}

// Trim removes n bytes from the tail of the data region.
func (b *Buffer) Trim(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.end -= n
}

// TrimFront drops n bytes from the head of the data region without
// releasing headroom (used when stripping a header already consumed).
func (b *Buffer) TrimFront(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.start += n
}

// Data returns the current data region. The slice aliases the backing
// array; callers must not retain it past Unref.
func (b *Buffer) Data() []byte { return b.backing[b.start:b.end] }

// Len is the current data region length.
func (b *Buffer) Len() int { return b.end - b.start }

// Headroom is the bytes currently available for Push.
func (b *Buffer) Headroom() int { return b.start }

// Tailroom is the bytes currently available for Put.
func (b *Buffer) Tailroom() int { return len(b.backing) - b.end }

// Clone deep-copies the data region into a fresh, independently-refcounted
// buffer with the requested headroom/tailroom — used where a segment must
// outlive the original buffer (e.g. TCP retransmission queue entries).
func (b *Buffer) Clone(headroom, tailroom int) *Buffer {
	n := Alloc(b.Len(), headroom, tailroom)
	copy(n.backing[n.start:n.end], b.Data())
	return n
}
