// VirtIO 1.0 split-ring virtqueue, avail/used ring accessors
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

// setAvailRing writes the head descriptor index into avail ring slot
// n, one of the N little-endian indices following the avail header.
func (q *Queue) setAvailRing(n uint16, head uint16) {
	off := ringOffRing + int(n)*2
	storeU16(q.avail, off, head)
}

// publishAvailIdx stores the new avail.idx value. This is the
// store-store fence boundary: every write that must be visible before
// the host observes the new idx (the ring slot write above) happens
// in program order before this call.
func (q *Queue) publishAvailIdx(idx uint16) {
	storeU16(q.avail, ringOffIdx, idx)
}

func (q *Queue) setAvailFlags(flags uint16) {
	storeU16(q.avail, ringOffFlags, flags)
}

func (q *Queue) availFlags() uint16 {
	return loadU16(q.avail, ringOffFlags)
}

// usedEventOff is the offset of the trailing used_event word in the
// avail ring, present only when EVENT_IDX was negotiated.
func (q *Queue) usedEventOff() int {
	return ringOffRing + int(q.size)*2
}

func (q *Queue) setUsedEvent(v uint16) {
	if !q.eventIdx {
		return
	}
	storeU16(q.avail, q.usedEventOff(), v)
}

// usedIdx loads the host-written used.idx. This is the cheap,
// guest-local check reap uses to decide whether anything is pending;
// it does not by itself need an acquire fence, only the subsequent
// dereference of the used-ring slot does.
func (q *Queue) usedIdx() uint16 {
	return loadU16(q.used, ringOffIdx)
}

// usedFlags loads the host-written used.flags (NO_NOTIFY).
func (q *Queue) usedFlags() uint16 {
	return loadU16(q.used, ringOffFlags)
}

// usedElem reads the (id, len) pair at used ring slot n.
func (q *Queue) usedElem(n uint16) (id uint32, length uint32) {
	off := ringOffRing + int(n)*usedElemSize
	return loadU32(q.used, off), loadU32(q.used, off+4)
}

// availEventOff is the offset of the trailing avail_event word in the
// used ring, present only when EVENT_IDX was negotiated.
func (q *Queue) availEventOff() int {
	return ringOffRing + int(q.size)*usedElemSize
}

// availEvent loads the host-declared notification threshold the used
// ring's trailing avail_event word carries.
func (q *Queue) availEvent() uint16 {
	if !q.eventIdx {
		return 0
	}
	return loadU16(q.used, q.availEventOff())
}
