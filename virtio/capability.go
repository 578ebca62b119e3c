// VirtIO 1.0 guest transport, PCI capability discovery
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

// capability is the decoded form of one vendor-specific PCI capability
// entry pointing at a virtio configuration structure.
type capability struct {
	cfgType uint8
	bar     uint8
	offset  uint32
	length  uint32

	// capOffsetInConfig is the PCI config-space offset of this
	// capability's own header, needed to read type-specific extension
	// fields (e.g. notify_off_multiplier) that follow the common
	// capability fields but are not part of the mapped BAR window.
	capOffsetInConfig uint32
}

// readCapability decodes the vendor-specific capability at config-space
// offset off, following the common-fields layout every virtio
// capability shares (virtio-v1.0-cs04 §4.1.4).
func readCapability(h Host, fn uint32, off uint32) (next uint8, cap capability, ok bool) {
	word0 := h.ConfigRead32(fn, off)
	vndr := uint8(word0)
	cfgType := uint8(word0 >> 24)
	next = uint8(word0 >> 8)

	if vndr != pciVendorSpecific {
		return next, capability{}, false
	}

	word1 := h.ConfigRead32(fn, off+4)
	bar := uint8(word1)

	// virtio-v1.0-cs04 §4.1.4: a BAR index beyond the 6 architectural
	// base address registers is never valid and marks a malformed
	// capability.
	if bar > 5 {
		return next, capability{}, false
	}

	cap = capability{
		cfgType:           cfgType,
		bar:               bar,
		offset:            h.ConfigRead32(fn, off+capOffset),
		length:            h.ConfigRead32(fn, off+capLength),
		capOffsetInConfig: off,
	}

	return next, cap, true
}

// walkCapabilities iterates the function's vendor-specific capability
// list, invoking visit for each virtio capability found. Iteration
// stops early if visit returns false.
func walkCapabilities(h Host, fn uint32, visit func(capability) bool) {
	off := uint32(h.ConfigRead8(fn, pciCapabilitiesOffset))

	// A capability list longer than the config-space byte range would
	// indicate a corrupt or malicious device; bound the walk instead of
	// looping forever on a cyclic Next pointer.
	for i := 0; off != 0 && i < 64; i++ {
		next, cap, ok := readCapability(h, fn, off)

		if ok && !visit(cap) {
			return
		}

		off = uint32(next)
	}
}

// findCapabilities returns every vendor-specific capability of the
// given cfg_type found on function fn.
func findCapabilities(h Host, fn uint32, cfgType uint8) (caps []capability) {
	walkCapabilities(h, fn, func(c capability) bool {
		if c.cfgType == cfgType {
			caps = append(caps, c)
		}
		return true
	})
	return
}

// mapCapability validates a capability's offset and length against
// its BAR's actual window and maps the resulting range into the
// driver's address space, per virtio-v1.0-cs04 §4.1.4's mapping
// algorithm: the range must provide at least minLen bytes, start
// aligned to align, fit inside the BAR without wrapping, and is
// truncated to the BAR's window if the capability claims more than
// the BAR actually provides.
func mapCapability(h Host, c capability, minLen int, align uint32) ([]byte, error) {
	const op = "mapCapability"

	_, window, _ := h.BAR(int(c.bar))

	if window == 0 {
		return nil, newError(op, Invalid, "BAR has zero length")
	}
	if c.offset+c.length < c.offset {
		return nil, newError(op, Invalid, "capability offset/length overflows")
	}
	if align > 1 && c.offset%align != 0 {
		return nil, newError(op, Invalid, "capability offset is misaligned")
	}
	if uint64(c.offset)+uint64(c.length) > window {
		if uint64(c.offset) >= window {
			return nil, newError(op, Invalid, "capability offset outside BAR window")
		}
		c.length = uint32(window - uint64(c.offset))
	}
	if int(c.length) < minLen {
		return nil, newError(op, Invalid, "capability shorter than structure requires")
	}

	mem, err := h.MapBAR(int(c.bar), uint64(c.offset), int(c.length))
	if err != nil {
		return nil, newError(op, Invalid, err.Error())
	}

	return mem, nil
}
