package ipv6

import (
	"sync"

	"github.com/netkern/netkern/internal/sched"
)

const (
	reassemblyCapacity = 64
	reassemblySlotMs    = 60_000
)

// reassemblyKey identifies one reassembly slot: (ifindex, ident, src, dst,
// inner next-header).
type reassemblyKey struct {
	ifindex   int
	ident     uint32
	src, dst  [16]byte
	innerNext uint8
}

type reassemblySlot struct {
	key       reassemblyKey
	fragments []reassemblyFragment
	total     int // -1 until the last fragment is seen
	createdMs int64
	gotFirst  bool
}

type reassemblyFragment struct {
	offset int
	data   []byte
}

// Reassembler holds the bounded table of in-progress IPv6 reassembly slots.
// Non-last fragments must be a multiple of 8 bytes;
// overlapping fragments invalidate the whole slot; slots expire at 60s.
type Reassembler struct {
	mu    sync.Mutex
	slots map[reassemblyKey]*reassemblySlot
}

func NewReassembler() *Reassembler {
	return &Reassembler{slots: make(map[reassemblyKey]*reassemblySlot)}
}

// Add ingests one fragment. Returns (true, payload, innerNextHeader) once
// the slot is complete; otherwise (false, nil, 0).
func (r *Reassembler) Add(ifindex int, ident uint32, src, dst [16]byte, innerNext uint8, offset int, more bool, body []byte) (bool, []byte, uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.expireLocked()

	key := reassemblyKey{ifindex: ifindex, ident: ident, src: src, dst: dst, innerNext: innerNext}
	slot, ok := r.slots[key]
	if !ok {
		if len(r.slots) >= reassemblyCapacity {
			return false, nil, 0
		}
		slot = &reassemblySlot{key: key, total: -1, createdMs: sched.Now()}
		r.slots[key] = slot
	}

	if !more {
		slot.total = offset + len(body)
	} else if len(body)%8 != 0 {
		delete(r.slots, key)
		return false, nil, 0
	}
	if offset == 0 {
		slot.gotFirst = true
	}

	for _, f := range slot.fragments {
		fEnd := f.offset + len(f.data)
		newEnd := offset + len(body)
		if offset < fEnd && f.offset < newEnd {
			delete(r.slots, key)
			return false, nil, 0
		}
	}
	slot.fragments = append(slot.fragments, reassemblyFragment{offset: offset, data: append([]byte(nil), body...)})

	if slot.total < 0 {
		return false, nil, 0
	}
	received := 0
	for _, f := range slot.fragments {
		received += len(f.data)
	}
	if received != slot.total {
		return false, nil, 0
	}

	out := make([]byte, slot.total)
	for _, f := range slot.fragments {
		copy(out[f.offset:], f.data)
	}
	delete(r.slots, key)
	return true, out, innerNext
}

func (r *Reassembler) expireLocked() {
	now := sched.Now()
	for k, s := range r.slots {
		if now-s.createdMs > reassemblySlotMs {
			delete(r.slots, k)
		}
	}
}

// Count returns the number of in-progress slots, for metrics.
func (r *Reassembler) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
