// VirtIO 1.0 split-ring virtqueue, submit path
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

// Buffer is one scatter/gather element of a request chain: a
// guest-physical address and length. Direction (device-read vs
// device-write) is determined by which of Submit's out/in slices the
// element appears in, not by a field on Buffer.
type Buffer struct {
	Addr uint64
	Len  uint32
}

// Indirect is a pre-allocated page a caller may supply to Submit so a
// long scatter/gather list consumes a single main-table descriptor.
// Mem must be large enough for (len(out)+len(in)) descriptor entries;
// callers size it with IndirectCapacity.
type Indirect struct {
	Phys uint64
	Mem  []byte
}

// Submit publishes a scatter/gather chain of out device-readable
// buffers followed by in device-writable buffers, tagging the chain
// with an opaque token Reap will later return. If indirect is
// non-nil, (out+in) > 1, and at least one descriptor is free, the
// chain is written into the indirect page and only its single
// referencing descriptor is taken from the free-list; otherwise every
// element is written directly into the main descriptor table.
//
// Submit never blocks. It fails with NoSpace, leaving the queue state
// unchanged, if the direct path is chosen and out+in exceeds the
// number of free descriptors.
func (q *Queue) Submit(out, in []Buffer, token any, indirect *Indirect) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := len(out) + len(in)
	if total == 0 {
		return newError("Submit", Invalid, "empty scatter/gather list")
	}

	var head uint16

	switch {
	case indirect != nil && total > 1 && q.numFree > 0:
		head = q.submitIndirect(out, in, indirect)
		q.opaque[head] = token
		q.numFree--
	default:
		if total > int(q.numFree) {
			return newError("Submit", NoSpace, "not enough free descriptors")
		}
		head = q.submitDirect(out, in)
		q.opaque[head] = token
		q.numFree -= uint16(total)
	}

	q.setAvailRing(q.shadowAvailIdx%q.size, head)
	q.shadowAvailIdx++
	q.publishAvailIdx(q.shadowAvailIdx)
	q.numAdded++

	return nil
}

// submitDirect pops total descriptors from the free-list in order and
// chains them, returning the head index.
func (q *Queue) submitDirect(out, in []Buffer) uint16 {
	var head, prev uint16
	havePrev := false

	emit := func(b Buffer, write bool) {
		idx := q.getFreeDesc()
		if !havePrev {
			head = idx
		} else {
			q.setDescFlagsNext(prev, q.descFlags(prev)|DescNext, idx)
		}

		flags := uint16(0)
		if write {
			flags |= DescWrite
		}
		q.setDesc(idx, b.Addr, b.Len, flags, 0)

		prev = idx
		havePrev = true
	}

	for _, b := range out {
		emit(b, false)
	}
	for _, b := range in {
		emit(b, true)
	}

	return head
}

// submitIndirect writes the full chain into indirect.Mem and returns
// the index of the single main-table descriptor that references it.
func (q *Queue) submitIndirect(out, in []Buffer, indirect *Indirect) uint16 {
	total := len(out) + len(in)
	mem := indirect.Mem

	write := func(i int, b Buffer, w bool) {
		off := i * descSize
		flags := uint16(DescNext)
		if w {
			flags |= DescWrite
		}
		if i == total-1 {
			flags &^= DescNext
		}
		storeU64(mem, off+descOffAddr, b.Addr)
		storeU32(mem, off+descOffLen, b.Len)
		storeU16(mem, off+descOffFlags, flags)
		storeU16(mem, off+descOffNext, uint16(i+1))
	}

	i := 0
	for _, b := range out {
		write(i, b, false)
		i++
	}
	for _, b := range in {
		write(i, b, true)
		i++
	}

	head := q.getFreeDesc()
	q.setDesc(head, indirect.Phys, uint32(total*descSize), DescIndirect, 0)

	return head
}
