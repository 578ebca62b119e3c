// VirtIO 1.0 split-ring virtqueue, reap path
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

// Reap returns the next completed chain's opaque token and the
// device-reported length, or ok=false if the used ring has nothing
// new since the last call. The chain's descriptors (the main-table
// head only, for an indirect chain) are returned to the free-list.
//
// If interrupts are currently enabled and EVENT_IDX was negotiated,
// Reap re-arms the used_event threshold to the new lastUsed so the
// device only interrupts again once it crosses that point.
//
// A used-ring entry naming a descriptor id beyond the queue's size is
// a protocol violation by the host, not a recoverable driver state:
// Reap aborts rather than indexing the opaque/descriptor arrays with
// an out-of-range value.
func (q *Queue) Reap() (token any, length uint32, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Cheap guest-local check: no acquire needed to merely compare
	// against our own cached cursor.
	if q.lastUsed == q.usedIdx() {
		return nil, 0, false
	}

	// The used.idx load above already establishes the ordering an
	// acquire fence would: the atomic load happens-before the
	// dereference of the slot it names, so the slot's contents are
	// guaranteed visible here.
	slot := q.lastUsed % q.size
	id, length := q.usedElem(slot)

	if id >= uint32(q.size) {
		panic("queue: used ring returned descriptor id beyond queue size")
	}

	head := uint16(id)
	token = q.opaque[head]
	q.opaque[head] = nil
	q.freeChain(head)

	q.lastUsed++

	if q.shadowAvailFlags&AvailNoInterrupt == 0 && q.eventIdx {
		q.setUsedEvent(q.lastUsed)
	}

	return token, length, true
}

// DetachUnused recovers one outstanding request's opaque token during
// teardown, without waiting for the device to complete it. It scans
// for the first descriptor still holding a token, frees its chain,
// and rolls the avail ring back by one so the device sees fewer
// descriptors outstanding than it was told about. Call it repeatedly
// until ok is false to drain every outstanding request.
func (q *Queue) DetachUnused() (token any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var head uint16
	found := false

	for i := range q.opaque {
		if q.opaque[i] != nil {
			head = uint16(i)
			found = true
			break
		}
	}

	if !found {
		return nil, false
	}

	token = q.opaque[head]
	q.opaque[head] = nil
	q.freeChain(head)

	q.shadowAvailIdx--
	q.publishAvailIdx(q.shadowAvailIdx)

	return token, true
}
