// VirtIO 1.0 split-ring virtqueue wire layout
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package queue implements the virtio 1.0 split-ring virtqueue: the
// shared-memory protocol a guest driver uses to submit scatter/gather
// request chains to a paravirtualized device and reap completions,
// with the memory ordering and notification-suppression rules the
// wire format requires.
package queue

// Descriptor flags (virtio-v1.0-cs04 §2.6.5).
const (
	DescNext     uint16 = 1 << 0
	DescWrite    uint16 = 1 << 1
	DescIndirect uint16 = 1 << 2
)

// Available ring flags (virtio-v1.0-cs04 §2.6.6).
const AvailNoInterrupt uint16 = 1 << 0

// Used ring flags (virtio-v1.0-cs04 §2.6.8).
const UsedNoNotify uint16 = 1 << 0

// descSize is the on-wire size of one descriptor table entry: a
// 64-bit address, 32-bit length, 16-bit flags, 16-bit next.
const descSize = 16

// usedElemSize is the on-wire size of one used-ring entry: a 32-bit
// descriptor id and a 32-bit length.
const usedElemSize = 8

const (
	descOffAddr  = 0
	descOffLen   = 8
	descOffFlags = 12
	descOffNext  = 14
)

const (
	ringOffFlags = 0
	ringOffIdx   = 2
	ringOffRing  = 4
)
