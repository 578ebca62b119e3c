// VirtIO 1.0 split-ring virtqueue, descriptor table and free-list
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

func (q *Queue) descOff(i uint16) int {
	return int(i) * descSize
}

// setDesc writes all four fields of descriptor i. Callers publish the
// write with a fence (via the avail.idx store) before the host may
// observe it; no per-field atomics are needed here.
func (q *Queue) setDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	off := q.descOff(i)
	storeU64(q.desc, off+descOffAddr, addr)
	storeU32(q.desc, off+descOffLen, length)
	storeU16(q.desc, off+descOffFlags, flags)
	storeU16(q.desc, off+descOffNext, next)
}

// setDescFlagsNext writes only the flags and next fields, used to
// thread the free-list without disturbing addr/len.
func (q *Queue) setDescFlagsNext(i uint16, flags, next uint16) {
	off := q.descOff(i)
	storeU16(q.desc, off+descOffFlags, flags)
	storeU16(q.desc, off+descOffNext, next)
}

func (q *Queue) descFlags(i uint16) uint16 {
	return loadU16(q.desc, q.descOff(i)+descOffFlags)
}

func (q *Queue) descNext(i uint16) uint16 {
	return loadU16(q.desc, q.descOff(i)+descOffNext)
}

// getFreeDesc pops one descriptor off the driver-private free-list.
// Callers must have already checked numFree > 0.
func (q *Queue) getFreeDesc() uint16 {
	idx := q.firstFree
	q.firstFree = q.descNext(idx)
	return idx
}

// putFreeDesc pushes a single descriptor back onto the free-list head.
func (q *Queue) putFreeDesc(idx uint16) {
	q.setDescFlagsNext(idx, DescNext, q.firstFree)
	q.firstFree = idx
}

// freeChain walks the descriptor chain starting at head (following
// NEXT links until a descriptor without NEXT is reached), pushing
// every link back onto the free-list and incrementing numFree once
// per link. It does not walk into indirect descriptor pages: an
// indirect head is a single main-table descriptor regardless of how
// many entries its indirect page held, because only the head was ever
// taken from the free-list.
func (q *Queue) freeChain(head uint16) {
	idx := head
	for {
		next := q.descNext(idx)
		hasNext := q.descFlags(idx)&DescNext != 0
		q.putFreeDesc(idx)
		q.numFree++
		if !hasNext {
			return
		}
		idx = next
	}
}
