// VirtIO 1.0 guest transport, Host Services Interface
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

// NoVector is the sentinel MSI-X vector value meaning "no vector
// assigned", used both for queue vectors and the config-change
// vector.
const NoVector = 0xffff

// ConfigVector is the pseudo queue index passed to Host.MSIXVector
// when requesting the device's config-change interrupt vector rather
// than a per-queue one.
const ConfigVector = -1

// Host is the narrow set of host-provided operations the core calls.
// It is supplied by the caller at construction time and the core
// never reaches out to any other channel to reach the host platform —
// there is no global allocator, register file, or PCI bus singleton
// anywhere in this package. A real implementation wires this to a
// kernel's contiguous page allocator, PCI config-space accessor, BAR
// mapper, MSI-X vector table, and sleep primitive; a test harness
// wires it to plain Go slices and maps.
type Host interface {
	// AllocPages returns zeroed, physically contiguous memory of at
	// least size bytes, suitable for DMA, along with its guest-physical
	// address.
	AllocPages(size int) (phys uint64, mem []byte, err error)
	// FreePages releases memory returned by AllocPages.
	FreePages(phys uint64, mem []byte)
	// VirtToPhys returns the guest-physical address corresponding to a
	// slice previously returned by AllocPages (or a sub-slice of it).
	VirtToPhys(mem []byte) (phys uint64, ok bool)
	// Alloc returns a small non-DMA object of the given size.
	Alloc(size int) (mem []byte, err error)
	// Free releases memory returned by Alloc.
	Free(mem []byte)

	// ConfigRead8/32 perform a naturally-sized PCI config-space read
	// for function fn at byte offset off.
	ConfigRead8(fn, off uint32) uint8
	ConfigRead32(fn, off uint32) uint32
	// ConfigWrite32 performs a 32-bit PCI config-space write, used to
	// enable I/O space, memory space, and bus mastering in the command
	// register during capability discovery.
	ConfigWrite32(fn, off uint32, val uint32)

	// BAR returns the base address, length, and flags (bit 0: I/O vs
	// memory, bit 2: 64-bit prefetchable) of base address register n.
	BAR(n int) (base uint64, length uint64, flags uint32)
	// MapBAR maps length bytes of BAR n starting at offset into the
	// driver's address space.
	MapBAR(n int, offset uint64, length int) (mem []byte, err error)
	// UnmapBAR releases a mapping returned by MapBAR.
	UnmapBAR(mem []byte)

	// MSIXVector returns the MSI-X vector assigned to the given queue
	// index, or ConfigVector for the config-change vector, or NoVector
	// if none is available.
	MSIXVector(queue int) uint16

	// Sleep blocks for approximately ms milliseconds. Implementations
	// that cannot truly sleep (e.g. interrupt context) may busy-wait.
	Sleep(ms int)
}
