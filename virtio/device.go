// VirtIO 1.0 guest transport, device lifecycle
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Device is a single virtio 1.0 PCI function, bound to the BAR regions
// located via its vendor-specific capability list. It is the handle
// every other operation in this package (queue programming,
// device-config access) hangs off.
type Device struct {
	host Host
	fn   uint32

	common []byte // CapCommonCfg region
	notify []byte // CapNotifyCfg region
	isr    []byte // CapISRCfg region
	device []byte // CapDeviceCfg region, nil if device has no config space

	notifyOffMultiplier uint32

	NumQueues int

	features uint64
}

// Open discovers and maps the mandatory virtio capabilities of PCI
// function fn (common configuration, notification, and ISR status),
// plus the optional device-specific configuration space, enables I/O
// and memory decoding and bus mastering on the function, and returns
// a Device ready for Reset and feature negotiation.
func Open(h Host, fn uint32) (*Device, error) {
	const op = "Open"

	cmd := h.ConfigRead32(fn, pciCommand)
	h.ConfigWrite32(fn, pciCommand, cmd|cmdIOSpace|cmdMemSpace|cmdBusMaster)

	common := findCapabilities(h, fn, CapCommonCfg)
	if len(common) == 0 {
		return nil, newError(op, NotPresent, "no common configuration capability")
	}

	notify := findCapabilities(h, fn, CapNotifyCfg)
	if len(notify) == 0 {
		return nil, newError(op, Invalid, "no notification capability")
	}

	isr := findCapabilities(h, fn, CapISRCfg)
	if len(isr) == 0 {
		return nil, newError(op, Invalid, "no ISR status capability")
	}

	commonMem, err := mapCapability(h, common[0], commonCfgSize, 4)
	if err != nil {
		return nil, err
	}

	// notify_off_multiplier is a virtio_pci_notify_cap extension field
	// that immediately follows the common capability fields in config
	// space, not inside the mapped BAR window itself.
	notifyCap := notify[0]
	notifyMul := h.ConfigRead32(fn, notifyCap.capOffsetInConfig+capLength+4)

	notifyMem, err := mapCapability(h, notifyCap, 2, 2)
	if err != nil {
		return nil, err
	}

	isrMem, err := mapCapability(h, isr[0], 1, 1)
	if err != nil {
		return nil, err
	}

	dev := &Device{
		host:                h,
		fn:                  fn,
		common:              commonMem,
		notify:              notifyMem,
		isr:                 isrMem,
		notifyOffMultiplier: notifyMul,
	}

	if devCaps := findCapabilities(h, fn, CapDeviceCfg); len(devCaps) > 0 {
		devMem, err := mapCapability(h, devCaps[0], 1, 4)
		if err != nil {
			return nil, err
		}
		dev.device = devMem
	}

	dev.NumQueues = int(dev.read16(cfgNumQueues))

	return dev, nil
}

func (d *Device) read8(off uint32) uint8 {
	return d.common[off]
}

func (d *Device) write8(off uint32, v uint8) {
	d.common[off] = v
}

// read16/write16 decode the little-endian 16-bit common-cfg fields
// with encoding/binary. Ordering against the device is established by
// read-back flushes at the call sites that need it (Reset, MSI-X
// vector writes), not by the access itself.
func (d *Device) read16(off uint32) uint16 {
	return binary.LittleEndian.Uint16(d.common[off:])
}

func (d *Device) write16(off uint32, v uint16) {
	binary.LittleEndian.PutUint16(d.common[off:], v)
}

func (d *Device) read32(off uint32) uint32 {
	p := (*uint32)(unsafe.Pointer(&d.common[off]))
	return atomic.LoadUint32(p)
}

func (d *Device) write32(off uint32, v uint32) {
	p := (*uint32)(unsafe.Pointer(&d.common[off]))
	atomic.StoreUint32(p, v)
}

// Reset sets the device status to 0 and blocks, per virtio-v1.0-cs04
// §2.1.1, until the device acknowledges by reading back the same
// value. A device that never clears status is a Bug from the
// transport's point of view: this is not a normal operating condition.
func (d *Device) Reset() error {
	d.write8(cfgDeviceStatus, 0)

	for i := 0; i < 1000; i++ {
		if d.read8(cfgDeviceStatus) == 0 {
			return nil
		}
		d.host.Sleep(1)
	}

	return newError("Reset", Bug, "device did not acknowledge reset")
}

// Status returns the current device status register.
func (d *Device) Status() uint8 {
	return d.read8(cfgDeviceStatus)
}

// SetStatus writes the device status register. Writing 0 must go
// through Reset instead, which also waits for the device to
// acknowledge; a zero here is a driver precondition violation and
// returns a Bug error without touching the register.
func (d *Device) SetStatus(status uint8) error {
	if status == 0 {
		return newError("SetStatus", Bug, "status 0 must be set via Reset")
	}
	d.write8(cfgDeviceStatus, status)
	return nil
}

// AddStatus ORs bits into the device status register, the normal way
// to advance the status lifecycle (ACKNOWLEDGE, then DRIVER, then
// FEATURES_OK, then DRIVER_OK). Use Reset, not AddStatus(0), to clear
// the device.
func (d *Device) AddStatus(bits uint8) {
	d.write8(cfgDeviceStatus, d.Status()|bits)
}

// Fail sets the FAILED status bit, per virtio-v1.0-cs04 §2.1.1,
// indicating the driver has given up on this device in a way the
// device can observe (e.g. to surface a diagnostic to the hypervisor).
func (d *Device) Fail() {
	d.AddStatus(StatusFailed)
}

// DeviceFeatures returns the full 64-bit device feature bitmap,
// assembled from the two 32-bit feature-select windows.
func (d *Device) DeviceFeatures() uint64 {
	d.write32(cfgDeviceFeatureSelect, 0)
	lo := uint64(d.read32(cfgDeviceFeature))
	d.write32(cfgDeviceFeatureSelect, 1)
	hi := uint64(d.read32(cfgDeviceFeature))
	return lo | hi<<32
}

// SetDriverFeatures writes the driver's chosen feature subset back
// through the two 32-bit feature-select windows. It does not validate
// the subset against DeviceFeatures; callers should mask with
// DeviceFeatures() and TransportFeatures first.
func (d *Device) SetDriverFeatures(features uint64) {
	d.write32(cfgDriverFeatureSelect, 0)
	d.write32(cfgDriverFeature, uint32(features))
	d.write32(cfgDriverFeatureSelect, 1)
	d.write32(cfgDriverFeature, uint32(features>>32))
}

// Negotiate runs the full ACKNOWLEDGE/DRIVER/FEATURES_OK handshake of
// virtio-v1.0-cs04 §3.1.1: it reads DeviceFeatures, restricts it to
// want intersected with TransportFeatures, requires VERSION_1 to be
// among the result (a pre-1.0 device has no place in this transport),
// writes the result back, sets FEATURES_OK, and verifies the device
// accepted it. If VERSION_1 is absent or the device clears FEATURES_OK
// the negotiated set is unsupportable and Negotiate sets FAILED and
// returns an Invalid error.
func (d *Device) Negotiate(want uint64) (uint64, error) {
	d.AddStatus(StatusAcknowledge)
	d.AddStatus(StatusDriver)

	negotiated := TransportFeatures(d.DeviceFeatures()) & want

	if negotiated&FeatureVersion1 == 0 {
		d.Fail()
		return 0, newError("Negotiate", Invalid, "device did not offer VERSION_1")
	}

	d.SetDriverFeatures(negotiated)

	d.AddStatus(StatusFeaturesOK)

	if d.Status()&StatusFeaturesOK == 0 {
		d.Fail()
		return 0, newError("Negotiate", Invalid, "device rejected feature subset")
	}

	d.features = negotiated

	return negotiated, nil
}

// EventIdxEnabled reports whether RING_F_EVENT_IDX was accepted by
// the most recent Negotiate call, the value FindVQs needs to size and
// operate queues consistently with the device.
func (d *Device) EventIdxEnabled() bool {
	return d.features&FeatureRingEventIdx != 0
}

// IndirectDescEnabled reports whether RING_F_INDIRECT_DESC was
// accepted, gating whether callers may pass an Indirect to Submit.
func (d *Device) IndirectDescEnabled() bool {
	return d.features&FeatureRingIndirect != 0
}

// Ready sets DRIVER_OK, the final step of the status lifecycle after
// which the device may start using virtqueues.
func (d *Device) Ready() {
	d.AddStatus(StatusDriverOK)
}

// Generation returns the device's config_generation counter, used by
// config-space accessors to detect a torn read across a concurrent
// device-config update.
func (d *Device) Generation() uint8 {
	return d.read8(cfgConfigGeneration)
}

// SetConfigVector assigns the MSI-X vector used for config-change
// notifications and returns the vector the device actually accepted;
// NoVector means the device had no free vector table entry.
func (d *Device) SetConfigVector(vector uint16) (uint16, error) {
	d.write16(cfgMSIXConfig, vector)
	got := d.read16(cfgMSIXConfig)
	if got != vector {
		return got, newError("SetConfigVector", Busy, "device rejected MSI-X vector")
	}
	return got, nil
}

// ISRStatus reads and clears the ISR status byte, per
// virtio-v1.0-cs04 §4.1.4.5: reading it acknowledges the interrupt.
func (d *Device) ISRStatus() uint8 {
	if len(d.isr) == 0 {
		return 0
	}
	return d.isr[0]
}

// Close unmaps the device's capability BAR windows. It does not reset
// the device or free any queue memory; callers tear those down first
// via DelVQs and Reset.
func (d *Device) Close() {
	d.host.UnmapBAR(d.common)
	d.host.UnmapBAR(d.notify)
	d.host.UnmapBAR(d.isr)
	if d.device != nil {
		d.host.UnmapBAR(d.device)
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("virtio.Device{fn=%#x status=%#02x queues=%d}", d.fn, d.Status(), d.NumQueues)
}
