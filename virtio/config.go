// VirtIO 1.0 guest transport, device-config accessor
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import "encoding/binary"

// ConfigLen returns the length of the device-specific configuration
// space, or 0 if the device exposes none.
func (d *Device) ConfigLen() int {
	return len(d.device)
}

// checkConfig validates a device-config access. An out-of-bounds
// access panics: the region's length is fixed and known to the caller
// ahead of time (via ConfigLen), so an access past it is a driver
// precondition violation, not a recoverable device condition.
func (d *Device) checkConfig(op string, off, width int) error {
	if d.device == nil {
		return newError(op, NotPresent, "device has no configuration space")
	}
	if off < 0 || width < 0 || off+width > len(d.device) {
		panic("virtio: device config access out of bounds")
	}
	return nil
}

// ConfigRead8 reads a single byte of device-specific configuration
// space at the given offset.
func (d *Device) ConfigRead8(off int) (uint8, error) {
	if err := d.checkConfig("ConfigRead8", off, 1); err != nil {
		return 0, err
	}
	return d.device[off], nil
}

// ConfigRead16 reads a generation-bracketed 16-bit little-endian field
// of device-specific configuration space, per virtio-v1.0-cs04 §2.4.2:
// the config_generation counter is read before and after the access
// and the read is retried if it changed, protecting against a torn
// read racing a device-side config update.
func (d *Device) ConfigRead16(off int) (uint16, error) {
	if err := d.checkConfig("ConfigRead16", off, 2); err != nil {
		return 0, err
	}

	for {
		gen := d.Generation()
		v := binary.LittleEndian.Uint16(d.device[off:])
		if d.Generation() == gen {
			return v, nil
		}
	}
}

// ConfigRead32 is the 32-bit counterpart of ConfigRead16.
func (d *Device) ConfigRead32(off int) (uint32, error) {
	if err := d.checkConfig("ConfigRead32", off, 4); err != nil {
		return 0, err
	}

	for {
		gen := d.Generation()
		v := binary.LittleEndian.Uint32(d.device[off:])
		if d.Generation() == gen {
			return v, nil
		}
	}
}

// ConfigRead64 reads a generation-bracketed 64-bit field as two
// 32-bit halves, low half first, per virtio-v1.0-cs04 §2.4.2's
// guidance for fields wider than 32 bits.
func (d *Device) ConfigRead64(off int) (uint64, error) {
	if err := d.checkConfig("ConfigRead64", off, 8); err != nil {
		return 0, err
	}

	for {
		gen := d.Generation()
		lo, err := d.ConfigRead32(off)
		if err != nil {
			return 0, err
		}
		hi, err := d.ConfigRead32(off + 4)
		if err != nil {
			return 0, err
		}
		if d.Generation() == gen {
			return uint64(lo) | uint64(hi)<<32, nil
		}
	}
}

// ConfigWrite8 writes a single byte of device-specific configuration
// space. Writes are not generation-bracketed: the generation counter
// exists to protect driver reads against device writes, not the
// reverse.
func (d *Device) ConfigWrite8(off int, v uint8) error {
	if err := d.checkConfig("ConfigWrite8", off, 1); err != nil {
		return err
	}
	d.device[off] = v
	return nil
}

// ConfigWrite16 writes a 16-bit little-endian field of device-specific
// configuration space.
func (d *Device) ConfigWrite16(off int, v uint16) error {
	if err := d.checkConfig("ConfigWrite16", off, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(d.device[off:], v)
	return nil
}

// ConfigWrite32 writes a 32-bit little-endian field of device-specific
// configuration space.
func (d *Device) ConfigWrite32(off int, v uint32) error {
	if err := d.checkConfig("ConfigWrite32", off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(d.device[off:], v)
	return nil
}

// ConfigWrite64 writes a 64-bit field of device-specific configuration
// space as two little-endian 32-bit halves, low half first, matching
// ConfigRead64's access pattern.
func (d *Device) ConfigWrite64(off int, v uint64) error {
	if err := d.checkConfig("ConfigWrite64", off, 8); err != nil {
		return err
	}
	if err := d.ConfigWrite32(off, uint32(v)); err != nil {
		return err
	}
	return d.ConfigWrite32(off+4, uint32(v>>32))
}
