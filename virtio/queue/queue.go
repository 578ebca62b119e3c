// VirtIO 1.0 split-ring virtqueue, construction
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

import (
	"fmt"
	"sync"
)

// Layout describes where the three split-ring regions fall within a
// single contiguous allocation, per virtio-v1.0-cs04 §2.6.13's legacy
// layout (desc table, then avail ring 2-byte aligned, then used ring
// aligned to A). Modern virtio permits the three regions to live in
// independent allocations instead; this module always uses the single
// contiguous form because it is simpler to size and free as one unit,
// and because the Transport Control Plane accepts independent
// addresses for each region regardless of how the caller chose to
// back them.
type Layout struct {
	DescOff  int
	AvailOff int
	UsedOff  int
	Size     int
}

// availRingSize returns the byte size of the avail ring for n
// descriptors, including the trailing used_event word when eventIdx
// is negotiated.
func availRingSize(n int, eventIdx bool) int {
	size := ringOffRing + n*2
	if eventIdx {
		size += 2
	}
	return size
}

// usedRingSize returns the byte size of the used ring for n
// descriptors, including the trailing avail_event word when eventIdx
// is negotiated.
func usedRingSize(n int, eventIdx bool) int {
	size := ringOffRing + n*usedElemSize
	if eventIdx {
		size += 2
	}
	return size
}

func alignUp(off, align int) int {
	if align <= 1 {
		return off
	}
	return (off + align - 1) &^ (align - 1)
}

// ComputeLayout computes the offsets and total size of a split ring
// of n descriptors, with the used ring aligned up to align bytes.
// The used ring is placed at least 4-byte aligned regardless of align
// so that word-granular access to the avail ring's trailing fields
// never touches the used ring.
func ComputeLayout(n int, align int, eventIdx bool) Layout {
	if align < 4 {
		align = 4
	}
	descOff := 0
	availOff := alignUp(descOff+n*descSize, 2)
	usedOff := alignUp(availOff+availRingSize(n, eventIdx), align)

	// The used ring may end on the 16-bit avail_event word; pad the
	// allocation to a word multiple so word-granular access to that
	// tail stays inside it.
	size := alignUp(usedOff+usedRingSize(n, eventIdx), 4)

	return Layout{
		DescOff:  descOff,
		AvailOff: availOff,
		UsedOff:  usedOff,
		Size:     size,
	}
}

// IndirectCapacity returns how many indirect descriptors fit in one
// page of the given size, so a caller can size an indirect page
// before passing it to Submit.
func IndirectCapacity(pageSize int) int {
	return pageSize / descSize
}

// Queue is a single split-ring virtqueue: shared descriptor table,
// available ring, and used ring, plus the driver-private free-list,
// cursors, and opaque-token array that never cross the wire.
//
// A Queue has exactly one producer (Submit) and one consumer of
// completions (Reap). Every exported method takes the queue's own
// mutex, so Submit and Reap may be driven from different goroutines
// without an external lock.
type Queue struct {
	mu sync.Mutex

	index uint16
	size  uint16

	mem   []byte
	desc  []byte
	avail []byte
	used  []byte

	descPhys, availPhys, usedPhys uint64

	eventIdx bool

	firstFree uint16
	numFree   uint16
	numAdded  uint16
	lastUsed  uint16

	shadowAvailIdx   uint16
	shadowAvailFlags uint16

	opaque []any
}

// New constructs a virtqueue of n descriptors (n must be a power of
// two) over the zeroed, physically contiguous memory mem, whose
// guest-physical address is phys. eventIdx selects whether the
// EVENT_IDX feature was negotiated for this device, which determines
// ring layout and which notification path KickPrepare/EnableCB use.
func New(n int, align int, mem []byte, phys uint64, eventIdx bool) (*Queue, error) {
	const op = "New"

	if n <= 0 || n&(n-1) != 0 {
		return nil, newError(op, Invalid, "queue size is not a power of two")
	}
	if n > 1<<16 {
		return nil, newError(op, Invalid, "queue size exceeds 16-bit descriptor index range")
	}

	layout := ComputeLayout(n, align, eventIdx)
	if len(mem) < layout.Size {
		return nil, newError(op, Invalid, "ring memory shorter than computed layout")
	}

	for i := range mem[:layout.Size] {
		mem[i] = 0
	}

	q := &Queue{
		size:      uint16(n),
		mem:       mem,
		desc:      mem[layout.DescOff : layout.DescOff+n*descSize],
		avail:     mem[layout.AvailOff : layout.AvailOff+availRingSize(n, eventIdx)],
		used:      mem[layout.UsedOff : layout.UsedOff+usedRingSize(n, eventIdx)],
		descPhys:  phys + uint64(layout.DescOff),
		availPhys: phys + uint64(layout.AvailOff),
		usedPhys:  phys + uint64(layout.UsedOff),
		eventIdx:  eventIdx,
		numFree:   uint16(n),
		opaque:    make([]any, n),
	}

	for i := 0; i < n-1; i++ {
		q.setDescFlagsNext(uint16(i), DescNext, uint16(i+1))
	}
	// The last descriptor terminates the free-list with next=0 and no
	// NEXT flag; get_free_desc never dereferences next past that point
	// because num_free reaches 0 first.

	return q, nil
}

// SetIndex records the virtqueue's ordinal position on its device,
// used only for diagnostics.
func (q *Queue) SetIndex(i uint16) { q.index = i }

// Size returns the queue's descriptor count.
func (q *Queue) Size() uint16 { return q.size }

// Addrs returns the guest-physical addresses of the descriptor table,
// available ring, and used ring, for programming into the common
// configuration region.
func (q *Queue) Addrs() (desc, avail, used uint64) {
	return q.descPhys, q.availPhys, q.usedPhys
}

// NumFree returns the number of descriptors currently on the
// free-list.
func (q *Queue) NumFree() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numFree
}

// Shutdown zeroes the ring memory and reinitializes the free-list and
// cursors in place, returning the queue to its just-constructed state.
// Any opaque tokens still outstanding are discarded uncalled; callers
// that need to recover them must call DetachUnused first.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.mem[:len(q.mem)] {
		q.mem[i] = 0
	}

	n := int(q.size)
	for i := 0; i < n-1; i++ {
		q.setDescFlagsNext(uint16(i), DescNext, uint16(i+1))
	}

	q.firstFree = 0
	q.numFree = q.size
	q.numAdded = 0
	q.lastUsed = 0
	q.shadowAvailIdx = 0
	q.shadowAvailFlags = 0
	q.opaque = make([]any, n)
}

func (q *Queue) String() string {
	return fmt.Sprintf("queue.Queue{index=%d size=%d free=%d lastUsed=%d}", q.index, q.size, q.numFree, q.lastUsed)
}

// Debug dumps the queue's private state and ring headers for
// diagnostics.
func (q *Queue) Debug() {
	q.mu.Lock()
	defer q.mu.Unlock()

	fmt.Printf("%s\n", q)
	fmt.Printf("avail: flags=%#x idx=%d\n", loadU16(q.avail, ringOffFlags), loadU16(q.avail, ringOffIdx))
	fmt.Printf("used:  flags=%#x idx=%d\n", loadU16(q.used, ringOffFlags), loadU16(q.used, ringOffIdx))
}
