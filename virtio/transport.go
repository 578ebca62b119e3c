// VirtIO 1.0 guest transport, queue programming
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import "unsafe"

// selectQueue points the common configuration window's queue-select
// register at idx; every subsequent queue_* field access applies to
// that queue until the selection changes.
func (d *Device) selectQueue(idx uint16) {
	d.write16(cfgQueueSelect, idx)
}

// QueueMaxSize returns the maximum size the device supports for queue
// idx, or 0 if the queue does not exist (per virtio-v1.0-cs04 §4.1.4.3,
// a 0 here is the signal a queue index is NotPresent).
func (d *Device) QueueMaxSize(idx uint16) uint16 {
	d.selectQueue(idx)
	return d.read16(cfgQueueSize)
}

// SetQueueSize requests a queue size for idx. Callers choose a power
// of two no larger than QueueMaxSize(idx).
func (d *Device) SetQueueSize(idx, size uint16) {
	d.selectQueue(idx)
	d.write16(cfgQueueSize, size)
}

// SetQueueAddr programs the guest-physical addresses of the
// descriptor table, available ring, and used ring for queue idx.
func (d *Device) SetQueueAddr(idx uint16, desc, avail, used uint64) {
	d.selectQueue(idx)
	d.write32(cfgQueueDescLo, uint32(desc))
	d.write32(cfgQueueDescHi, uint32(desc>>32))
	d.write32(cfgQueueAvailLo, uint32(avail))
	d.write32(cfgQueueAvailHi, uint32(avail>>32))
	d.write32(cfgQueueUsedLo, uint32(used))
	d.write32(cfgQueueUsedHi, uint32(used>>32))
}

// SetQueueMSIXVector assigns an MSI-X vector to queue idx and returns
// the vector the device actually accepted.
func (d *Device) SetQueueMSIXVector(idx, vector uint16) (uint16, error) {
	d.selectQueue(idx)
	d.write16(cfgQueueMSIXVector, vector)
	got := d.read16(cfgQueueMSIXVector)
	if got != vector {
		return got, newError("SetQueueMSIXVector", Busy, "device rejected MSI-X vector")
	}
	return got, nil
}

// EnableQueue marks queue idx live. Per virtio-v1.0-cs04 §4.1.4.3 this
// must be the last step of queue setup: the descriptor table, ring
// addresses, and size must already be programmed.
func (d *Device) EnableQueue(idx uint16) {
	d.selectQueue(idx)
	d.write16(cfgQueueEnable, 1)
}

// QueueEnabled reports whether queue idx is currently enabled.
func (d *Device) QueueEnabled(idx uint16) bool {
	d.selectQueue(idx)
	return d.read16(cfgQueueEnable) != 0
}

// QueueNotifyOffset returns the notification offset for queue idx,
// used together with the device's notify_off_multiplier to compute
// the address NotifyQueue writes to.
func (d *Device) QueueNotifyOffset(idx uint16) uint16 {
	d.selectQueue(idx)
	return d.read16(cfgQueueNotifyOff)
}

// NotifyQueue writes the queue index to its notification address,
// per virtio-v1.0-cs04 §4.1.4.4: addr = notify_base +
// queue_notify_off * notify_off_multiplier.
func (d *Device) NotifyQueue(idx uint16) error {
	off := uint32(d.QueueNotifyOffset(idx)) * d.notifyOffMultiplier

	if int(off)+2 > len(d.notify) {
		return newError("NotifyQueue", Bug, "notification offset out of bounds")
	}

	// The doorbell cell is a 16-bit register; write it at exactly that
	// width.
	*(*uint16)(unsafe.Pointer(&d.notify[off])) = idx

	return nil
}
