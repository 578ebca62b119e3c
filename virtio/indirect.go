// VirtIO 1.0 guest transport, indirect descriptor pages
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import "github.com/usbarmory/virtio-transport/virtio/queue"

// AllocIndirectPage allocates a small object sized to hold an indirect
// descriptor chain of the given capacity and returns it ready to pass
// to Queue.Submit. It is a convenience wrapper around Host.Alloc and
// Host.VirtToPhys; nothing prevents a caller from constructing a
// queue.Indirect directly if it manages indirect page memory itself
// (e.g. to reuse pages across requests).
func (d *Device) AllocIndirectPage(capacity int) (*queue.Indirect, error) {
	const op = "AllocIndirectPage"

	mem, err := d.host.Alloc(capacity * 16)
	if err != nil {
		return nil, newError(op, NoMemory, "indirect page allocation failed")
	}

	phys, ok := d.host.VirtToPhys(mem)
	if !ok {
		d.host.Free(mem)
		return nil, newError(op, Invalid, "indirect page has no physical mapping")
	}

	return &queue.Indirect{Phys: phys, Mem: mem}, nil
}

// FreeIndirectPage releases a page returned by AllocIndirectPage.
func (d *Device) FreeIndirectPage(ind *queue.Indirect) {
	d.host.Free(ind.Mem)
}
