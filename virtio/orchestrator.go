// VirtIO 1.0 guest transport, queue orchestration
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"github.com/usbarmory/virtio-transport/virtio/queue"
)

// queueAlign is the alignment applied to the used ring within each
// queue's contiguous allocation. A full page keeps every queue's used
// ring on its own cache line group regardless of host cache geometry;
// callers with tighter memory budgets may still construct queues
// directly via the queue package with a smaller alignment.
const queueAlign = 4096

// QueueRecord is everything the orchestrator tracks for one
// constructed virtqueue: its engine handle, assigned MSI-X vector, and
// the backing memory needed to free it on teardown. Dispatching
// completions read from Queue.Reap to an upper layer is the caller's
// responsibility; this package only manages the queue's lifecycle.
type QueueRecord struct {
	Index  uint16
	Name   string
	Queue  *queue.Queue
	Vector uint16

	phys uint64
	mem  []byte
}

// FindVQs constructs one virtqueue per entry of names, in order: for
// each index it queries the device's maximum queue size, allocates
// ring memory (retrying at the next lower power of two if the host
// cannot satisfy the request at the advertised size), constructs the
// engine, programs the common-cfg registers, assigns an MSI-X vector
// if one is available, and finally enables every queue once all have
// been programmed. eventIdx must match the EVENT_IDX bit negotiated
// with Negotiate.
//
// On any failure, every queue already built is unwound (deleted and
// its memory freed) before the error is returned.
func (d *Device) FindVQs(names []string, eventIdx bool) ([]*QueueRecord, error) {
	var records []*QueueRecord

	for i, name := range names {
		idx := uint16(i)

		record, err := d.newQueue(idx, name, eventIdx)
		if err != nil {
			d.unwind(records)
			return nil, err
		}

		records = append(records, record)
	}

	for _, r := range records {
		d.EnableQueue(r.Index)
	}

	return records, nil
}

func (d *Device) newQueue(idx uint16, name string, eventIdx bool) (*QueueRecord, error) {
	const op = "FindVQs"

	n := int(d.QueueMaxSize(idx))
	if n == 0 {
		return nil, newError(op, NotPresent, "queue index not present")
	}
	if n&(n-1) != 0 {
		return nil, newError(op, Invalid, "host-advertised queue size is not a power of two")
	}

	var (
		mem   []byte
		phys  uint64
		alloc error
	)

	layout := queue.ComputeLayout(n, queueAlign, eventIdx)

	for {
		phys, mem, alloc = d.host.AllocPages(layout.Size)
		if alloc == nil {
			break
		}
		if n <= 1 {
			return nil, newError(op, NoMemory, "allocation failed at minimum queue size")
		}
		n /= 2
		layout = queue.ComputeLayout(n, queueAlign, eventIdx)
	}

	q, err := queue.New(n, queueAlign, mem, phys, eventIdx)
	if err != nil {
		d.host.FreePages(phys, mem)
		return nil, err
	}
	q.SetIndex(idx)

	d.SetQueueSize(idx, uint16(n))
	desc, avail, used := q.Addrs()
	d.SetQueueAddr(idx, desc, avail, used)

	vector := d.host.MSIXVector(int(idx))
	if vector != NoVector {
		if got, verr := d.SetQueueMSIXVector(idx, vector); verr == nil {
			vector = got
		} else {
			vector = NoVector
		}
	}

	return &QueueRecord{
		Index:  idx,
		Name:   name,
		Queue:  q,
		Vector: vector,
		phys:   phys,
		mem:    mem,
	}, nil
}

// unwind deletes and frees every record already built, used when a
// later queue in the same FindVQs call fails.
func (d *Device) unwind(records []*QueueRecord) {
	for _, r := range records {
		d.deleteQueue(r)
	}
}

// deleteQueue clears the queue's MSI-X vector, shuts down the engine,
// and releases its backing memory.
func (d *Device) deleteQueue(r *QueueRecord) {
	if r.Vector != NoVector {
		d.SetQueueMSIXVector(r.Index, NoVector)
	}
	r.Queue.Shutdown()
	d.host.FreePages(r.phys, r.mem)
}

// DelVQs tears down every queue record previously returned by
// FindVQs.
func (d *Device) DelVQs(records []*QueueRecord) {
	for _, r := range records {
		d.deleteQueue(r)
	}
}
