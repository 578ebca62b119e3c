// VirtIO 1.0 guest transport, PCI wire layout
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

// Header Type 0x0 PCI config-space offsets this package touches beyond
// the vendor-specific capability list itself.
const (
	pciCommand            = 0x04
	pciCapabilitiesOffset = 0x34
)

// pciCommand register bits, set during capability discovery so the
// device can respond on its BARs.
const (
	cmdIOSpace   = 1 << 0
	cmdMemSpace  = 1 << 1
	cmdBusMaster = 1 << 2
)

// Capability cfg_type values (virtio-v1.0-cs04 §4.1.4).
const (
	CapCommonCfg = 1
	CapNotifyCfg = 2
	CapISRCfg    = 3
	CapDeviceCfg = 4
	CapPCICfg    = 5
)

// vendor-specific capability header layout, as read 4 bytes at a time
// from config space starting at the capability's own offset.
const (
	capVndr   = 0 // 1 byte, always PCI vendor-specific (0x09)
	capNext   = 1 // 1 byte, offset of next capability, 0 terminates
	capLen    = 2 // 1 byte, length of this capability structure
	capCfg    = 3 // 1 byte, one of the Cap* cfg_type values above
	capBar    = 4 // 1 byte, which BAR the struct lives in
	capOffset = 8  // 4 bytes, offset within the BAR
	capLength = 12 // 4 bytes, length of the struct within the BAR
)

const pciVendorSpecific = 0x09

// common configuration structure field offsets within the BAR region
// located by the CapCommonCfg capability (virtio-v1.0-cs04 §4.1.4.3).
const (
	cfgDeviceFeatureSelect = 0
	cfgDeviceFeature       = 4
	cfgDriverFeatureSelect = 8
	cfgDriverFeature       = 12
	cfgMSIXConfig          = 16
	cfgNumQueues           = 18
	cfgDeviceStatus        = 20
	cfgConfigGeneration    = 21
	cfgQueueSelect         = 22
	cfgQueueSize           = 24
	cfgQueueMSIXVector     = 26
	cfgQueueEnable         = 28
	cfgQueueNotifyOff      = 30
	cfgQueueDescLo         = 32
	cfgQueueDescHi         = 36
	cfgQueueAvailLo        = 40
	cfgQueueAvailHi        = 44
	cfgQueueUsedLo         = 48
	cfgQueueUsedHi         = 52

	commonCfgSize = 56
)

// Device status register bits (virtio-v1.0-cs04 §2.1).
const (
	StatusAcknowledge uint8 = 1 << 0
	StatusDriver      uint8 = 1 << 1
	StatusDriverOK    uint8 = 1 << 2
	StatusFeaturesOK  uint8 = 1 << 3
	StatusNeedsReset  uint8 = 1 << 6
	StatusFailed      uint8 = 1 << 7
)

// Transport-level feature bits (virtio-v1.0-cs04 §6).
const (
	FeatureVersion1     = 1 << 32
	FeatureRingIndirect = 1 << 28
	FeatureRingEventIdx = 1 << 29
)

// TransportFeatures masks a device feature bitmap down to the set this
// transport supports negotiating, clearing every other reserved
// transport bit while leaving device-personality bits untouched.
func TransportFeatures(device uint64) uint64 {
	const reservedLow, reservedHigh = 24, 42

	supported := uint64(FeatureRingIndirect | FeatureRingEventIdx | FeatureVersion1)

	for bit := reservedLow; bit < reservedHigh; bit++ {
		mask := uint64(1) << uint(bit)
		if device&mask != 0 && supported&mask == 0 {
			device &^= mask
		}
	}

	return device
}
