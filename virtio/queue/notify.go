// VirtIO 1.0 split-ring virtqueue, kick and interrupt suppression
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package queue

// vringNeedEvent reports whether the host's declared notification
// threshold eventIdx lies in the half-open 16-bit interval (old, new],
// per virtio-v1.0-cs04 §2.6.7.1. All arithmetic is modulo 2^16 via
// uint16 wraparound.
func vringNeedEvent(eventIdx, newIdx, old uint16) bool {
	return uint16(newIdx-eventIdx-1) < uint16(newIdx-old)
}

// KickPrepare decides whether the caller should ring the doorbell for
// descriptors added since the last call, and resets the added-since-
// last-kick counter. It must be evaluated against the queue's own
// shadow avail.idx, not a value re-read from shared memory: the
// shadow is the driver's only reliable record of "idx as of the last
// kick", since num_added is tracked purely driver-side.
func (q *Queue) KickPrepare() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	old := q.shadowAvailIdx - q.numAdded
	newIdx := q.shadowAvailIdx
	q.numAdded = 0

	if q.eventIdx {
		return vringNeedEvent(q.availEvent(), newIdx, old)
	}

	return q.usedFlags()&UsedNoNotify == 0
}

// DisableCB suppresses the used-ring interrupt by setting NO_INTERRUPT
// in the shadow (and shared) avail flags. It does not affect whether
// the device accepts new submissions.
func (q *Queue) DisableCB() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shadowAvailFlags |= AvailNoInterrupt
	q.setAvailFlags(q.shadowAvailFlags)
}

// EnableCB clears NO_INTERRUPT and, when EVENT_IDX was negotiated,
// re-arms used_event at the current lastUsed cursor. It returns false
// if a completion already arrived between the last Reap and this
// call, in which case the caller should reap immediately instead of
// waiting on an interrupt the device may not raise again for an
// already-posted entry.
func (q *Queue) EnableCB() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shadowAvailFlags &^= AvailNoInterrupt
	q.setAvailFlags(q.shadowAvailFlags)
	q.setUsedEvent(q.lastUsed)

	return q.lastUsed == q.usedIdx()
}

// EnableCBDelayed is EnableCB's batched variant: it requests an
// interrupt only after roughly three-quarters of the work outstanding
// since the last reap has completed, trading a little completion
// latency for fewer interrupts under load.
func (q *Queue) EnableCBDelayed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shadowAvailFlags &^= AvailNoInterrupt
	q.setAvailFlags(q.shadowAvailFlags)

	bufs := uint16(q.shadowAvailIdx-q.lastUsed) * 3 / 4
	q.setUsedEvent(q.lastUsed + bufs)

	return uint16(q.usedIdx()-q.lastUsed) <= bufs
}

// InterruptEnabled reports whether NO_INTERRUPT is currently clear in
// the shadow avail flags, i.e. whether the device is expected to
// interrupt on completion.
func (q *Queue) InterruptEnabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.shadowAvailFlags&AvailNoInterrupt == 0
}
