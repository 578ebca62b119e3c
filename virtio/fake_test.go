// VirtIO 1.0 guest transport, test fakes
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

// fakeHost is a minimal in-memory Host implementation standing in for
// a real PCI/DMA backend: config space is a byte array, BARs are
// plain slices, and Sleep only counts its calls.
type fakeHost struct {
	config     [256]byte
	bars       map[int][]byte
	barSize    map[int]uint64
	lastCapOff uint32
	pages      [][]byte
	nextPhys   uint64
	sleeps     int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		bars:     make(map[int][]byte),
		barSize:  make(map[int]uint64),
		nextPhys: 0x10000,
	}
}

func (h *fakeHost) AllocPages(size int) (uint64, []byte, error) {
	mem := make([]byte, size)
	h.pages = append(h.pages, mem)

	phys := h.nextPhys
	h.nextPhys += uint64(size) + 0x1000

	return phys, mem, nil
}

func (h *fakeHost) FreePages(phys uint64, mem []byte) {}

func (h *fakeHost) VirtToPhys(mem []byte) (uint64, bool) {
	phys := h.nextPhys
	h.nextPhys += uint64(len(mem)) + 0x1000
	return phys, true
}

func (h *fakeHost) Alloc(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (h *fakeHost) Free(mem []byte) {}

func (h *fakeHost) ConfigRead8(fn, off uint32) uint8 {
	return h.config[off]
}

func (h *fakeHost) ConfigRead32(fn, off uint32) uint32 {
	return uint32(h.config[off]) | uint32(h.config[off+1])<<8 |
		uint32(h.config[off+2])<<16 | uint32(h.config[off+3])<<24
}

func (h *fakeHost) ConfigWrite32(fn, off uint32, val uint32) {
	h.config[off] = uint8(val)
	h.config[off+1] = uint8(val >> 8)
	h.config[off+2] = uint8(val >> 16)
	h.config[off+3] = uint8(val >> 24)
}

func (h *fakeHost) configWrite8(off uint32, val uint8) {
	h.config[off] = val
}

func (h *fakeHost) BAR(n int) (uint64, uint64, uint32) {
	return 0, h.barSize[n], 0
}

func (h *fakeHost) MapBAR(n int, offset uint64, length int) ([]byte, error) {
	mem := h.bars[n]
	return mem[offset : offset+uint64(length)], nil
}

func (h *fakeHost) UnmapBAR(mem []byte) {}

func (h *fakeHost) MSIXVector(queue int) uint16 {
	return NoVector
}

func (h *fakeHost) Sleep(ms int) {
	h.sleeps++
}

// addCapability appends one vendor-specific capability entry to config
// space starting at off, wiring the device's capability list pointer
// the first time it is called, and pre-creates a zeroed BAR large
// enough to hold it.
func (h *fakeHost) addCapability(off uint32, cfgType, bar uint8, barOffset, length uint32, extra []byte) uint32 {
	if h.config[pciCapabilitiesOffset] == 0 {
		h.config[pciCapabilitiesOffset] = uint8(off)
	} else {
		// chain from the previous capability's Next field
		prev := uint32(h.lastCapOff)
		h.config[prev+1] = uint8(off)
	}

	h.config[off] = pciVendorSpecific
	h.config[off+1] = 0 // next, patched by the following call if any
	h.config[off+2] = 0
	h.config[off+3] = cfgType
	h.config[off+4] = bar
	h.ConfigWrite32(0, off+capOffset, barOffset)
	h.ConfigWrite32(0, off+capLength, length)

	for i, b := range extra {
		h.config[int(off)+16+i] = b
	}

	h.lastCapOff = off

	size := h.barSize[int(bar)]
	if need := barOffset + length; uint64(need) > size {
		h.barSize[int(bar)] = uint64(need)
	}
	if h.bars[int(bar)] == nil || uint64(len(h.bars[int(bar)])) < h.barSize[int(bar)] {
		h.bars[int(bar)] = make([]byte, h.barSize[int(bar)])
	}

	return off
}
