package vfio

import (
	"encoding/binary"

	"novmm/bus"
)

// CONFIG_ADDRESS/CONFIG_DATA, the x86 PCI Configuration Mechanism #1: a
// guest selects a bus/device/function/register via a dword write to 0xCF8,
// then reads or writes that register through 0xCFC. The two ports are
// contiguous (0xCF8-0xCFF), so ConfigPorts is inserted as a single 8-byte
// PIO device.
const (
	ConfigPortsBase = 0xCF8
	configPortsLen  = 8
	configDataPort  = 0xCFC - ConfigPortsBase

	configAddrEnableBit = uint32(1) << 31
)

// ConfigPorts implements CONFIG_ADDRESS/CONFIG_DATA for exactly the one
// passed-through device bundle it wraps, fixed at bdf (bus<<8 | device<<3
// | function, matching the packed layout of CONFIG_ADDRESS bits 8:23).
// Any other bus/device/function decodes as "no device present" (an
// all-ones read), matching real firmware/hypervisor behavior for an
// absent function — this core does not implement a full PCI bus with
// hotplug, only the single statically-assigned passthrough function.
//
// BAR and expansion-ROM registers implement the write-0xFFFFFFFF/
// read-size-mask convention the guest uses to discover BAR sizes, using
// the sizes already recorded in bundle.Bars/ExpansionRom at attach time
// rather than re-probing hardware. Every other register is read/written
// through the device's real VFIO config region, with bundle.Masks applied
// to hide capabilities (ARI, Resizeable BAR, SR-IOV) the guest should not
// see.
type ConfigPorts struct {
	bundle *DeviceBundle
	cfg    configIO
	bdf    uint32

	addrReg uint32

	// sizingBar tracks, per BAR dword-register offset (0x10, 0x14, ...,
	// 0x30 for the expansion ROM), whether the last write was the
	// all-ones sizing probe; the next read from that register returns the
	// size mask instead of forwarding to hardware.
	sizingBar map[uint32]bool
}

// NewConfigPorts constructs the CONFIG_ADDRESS/CONFIG_DATA dispatcher for
// bundle, decoding only the given bus/device/function.
func NewConfigPorts(bundle *DeviceBundle, cfgRegion RegionInfo, busNum, device, function uint8) *ConfigPorts {
	bdf := uint32(busNum)<<8 | uint32(device)<<3 | uint32(function)
	return &ConfigPorts{
		bundle:    bundle,
		cfg:       configIO{fd: bundle.fd, base: cfgRegion.Offset},
		bdf:       bdf,
		sizingBar: make(map[uint32]bool),
	}
}

func (p *ConfigPorts) Read(offset uint64, data []byte) {
	if offset < 4 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], p.addrReg)
		copy(data, buf[offset:])
		return
	}
	if p.addrReg&configAddrEnableBit == 0 || p.selectedBDF() != p.bdf {
		for i := range data {
			data[i] = 0xFF
		}
		return
	}
	reg := p.register() + uint32(offset-4)
	p.readConfig(reg, data)
}

func (p *ConfigPorts) Write(offset uint64, data []byte) {
	if offset < 4 {
		var buf [4]byte
		copy(buf[offset:], data)
		p.addrReg = binary.LittleEndian.Uint32(buf[:])
		return
	}
	if p.addrReg&configAddrEnableBit == 0 || p.selectedBDF() != p.bdf {
		return
	}
	reg := p.register() + uint32(offset-4)
	p.writeConfig(reg, data)
}

func (p *ConfigPorts) selectedBDF() uint32 {
	return (p.addrReg >> 8) & 0xFFFF
}

func (p *ConfigPorts) register() uint32 {
	return p.addrReg & 0xFC
}

func (p *ConfigPorts) barForRegister(reg uint32) (BarInfo, bool) {
	if reg < pciBarBase || reg >= pciBarBase+24 {
		return BarInfo{}, false
	}
	idx := (reg - pciBarBase) / 4
	for _, bar := range p.bundle.Bars {
		if bar.Index == idx {
			return bar, true
		}
		if bar.Is64Bit && bar.Index+1 == idx {
			return bar, true // upper dword of a 64-bit BAR
		}
	}
	return BarInfo{}, false
}

func (p *ConfigPorts) isUpperHalf(reg uint32, bar BarInfo) bool {
	return bar.Is64Bit && (reg-pciBarBase)/4 == bar.Index+1
}

func (p *ConfigPorts) readConfig(reg uint32, data []byte) {
	if reg == pciExpansionRomReg && p.sizingBar[reg] && p.bundle.ExpansionRom != nil {
		mask := ^(p.bundle.ExpansionRom.Size - 1) & 0xFFFFF800
		writeLE(data, uint32(mask)|p.bundle.ExpansionRom.ValidationBits)
		return
	}
	if bar, ok := p.barForRegister(reg); ok && p.sizingBar[reg] {
		writeLE(data, barSizeMask(bar, p.isUpperHalf(reg, bar)))
		return
	}
	var buf [4]byte
	pread(p.cfg.fd, buf[:], int64(p.cfg.base)+int64(reg))
	applyMasks(p.bundle.Masks, reg, buf[:])
	copy(data, buf[:len(data)])
}

func (p *ConfigPorts) writeConfig(reg uint32, data []byte) {
	if _, ok := p.barForRegister(reg); ok || reg == pciExpansionRomReg {
		var v uint32
		if len(data) == 4 {
			v = binary.LittleEndian.Uint32(data)
		} else {
			// Narrower accesses to a BAR register do not arm the sizing
			// probe; real firmware always probes with a dword write.
			pwrite(p.cfg.fd, data, int64(p.cfg.base)+int64(reg))
			return
		}
		p.sizingBar[reg] = v == 0xFFFFFFFF || v == 0xFFFFFFFE
		if p.sizingBar[reg] {
			return // absorbed: the next read returns the size mask
		}
	}
	pwrite(p.cfg.fd, data, int64(p.cfg.base)+int64(reg))
}

// barSizeMask reproduces the low-bits-preserved, size-complemented value a
// real BAR register reads back after an all-ones write.
func barSizeMask(bar BarInfo, upperHalf bool) uint32 {
	if upperHalf {
		return uint32(^(bar.Size - 1) >> 32)
	}
	mask := uint32(^(bar.Size - 1))
	flags := uint32(0)
	if bar.Is64Bit {
		flags |= barFlagMem64
	}
	if bar.IsPrefetchable {
		flags |= barFlagPrefetchable
	}
	return mask&^0xf | flags
}

func applyMasks(masks []ConfigMask, reg uint32, buf []byte) {
	for _, m := range masks {
		if m.Offset != reg {
			continue
		}
		v := binary.LittleEndian.Uint32(buf)
		v = (v & m.Mask) | m.Apply
		binary.LittleEndian.PutUint32(buf, v)
	}
}

func writeLE(data []byte, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(data, buf[:len(data)])
}

var _ bus.Device = (*ConfigPorts)(nil)
