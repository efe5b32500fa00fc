package vfio

import (
	"encoding/binary"
)

// PCI config-space offsets and capability IDs relevant to BAR sizing and
// MSI-X table discovery.
const (
	pciCapabilitiesPointer = 0x34
	pciExpansionRomReg     = 0x30
	pciBarBase             = 0x10
	pciExtendedCapBase     = 0x100

	capIDPowerManagement = 0x01
	capIDMSI             = 0x05
	capIDPCIExpress      = 0x10
	capIDMSIX            = 0x11

	extCapIDARI          = 0x000e
	extCapIDResizeableBar = 0x0015
	extCapIDSRIOV        = 0x0010

	barFlagIO           = 1 << 0
	barFlagMem64        = 1 << 2
	barFlagPrefetchable = 1 << 3
)

// BarInfo is a sized, placed PCI BAR.
type BarInfo struct {
	Index          uint32
	GPA            uint64
	Size           uint64
	Is64Bit        bool
	IsPrefetchable bool
}

// ExpansionRomInfo is the sized expansion ROM BAR.
type ExpansionRomInfo struct {
	GPA            uint64
	Size           uint64
	ValidationBits uint32
}

// BarHoleUsage names what a BarHoleInfo excludes from a BAR's generic
// mapping.
type BarHoleUsage int

const (
	BarHoleTable BarHoleUsage = iota
	BarHolePba
)

// BarHoleInfo is a sub-range of a BAR excluded from the bulk mmap because
// it must be trapped by userspace (the MSI-X table or PBA).
type BarHoleInfo struct {
	BarIndex uint32
	GPA      uint64
	Size     uint64
	OffsetInHole uint64
	Usage    BarHoleUsage
}

// BarAllocator places sized BARs and the expansion ROM in guest MMIO
// space. resource.Allocator.AllocateMmio32/64 satisfy this.
type BarAllocator interface {
	AllocateMmio32(size, align uint64) (uint64, error)
	AllocateMmio64(size, align uint64) (uint64, error)
}

// configIO accesses a device's PCI config-space region, which VFIO exposes
// as pread/pwrite at (region.Offset + in-region offset) on the device fd,
// not at the bare in-region offset.
type configIO struct {
	fd   int
	base uint64
}

func (c configIO) readDword(offset uint32) uint32 {
	var buf [4]byte
	pread(c.fd, buf[:], int64(c.base)+int64(offset))
	return binary.LittleEndian.Uint32(buf[:])
}

func (c configIO) writeDword(offset uint32, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	pwrite(c.fd, buf[:], int64(c.base)+int64(offset))
}

func (c configIO) readWord(offset uint32) uint16 {
	var buf [2]byte
	pread(c.fd, buf[:], int64(c.base)+int64(offset))
	return binary.LittleEndian.Uint16(buf[:])
}

// walkPCICapabilities walks the standard capability chain from offset
// 0x34, then the extended chain at 0x100 if both PCI Express and Power
// Management are present.
func walkPCICapabilities(fd int, cfgRegion RegionInfo, bundle *DeviceBundle) error {
	cfg := configIO{fd: fd, base: cfgRegion.Offset}
	hasExpress := false
	hasPM := false

	next := uint32(cfg.readWord(pciCapabilitiesPointer) & 0xff)
	for visited := 0; next != 0 && visited < 64; visited++ {
		header := cfg.readWord(uint32(next))
		id := byte(header & 0xff)
		nextPtr := uint32((header >> 8) & 0xff)

		switch id {
		case capIDMSI:
			bundle.MsiCap = &MsiCap{MsgCtl: cfg.readWord(next + 2)}
		case capIDMSIX:
			ctl := cfg.readWord(next + 2)
			tableDword := cfg.readDword(next + 4)
			pbaDword := cfg.readDword(next + 8)
			bundle.MsixCap = &MsixCap{
				MsgCtl:      ctl,
				TableOffset: tableDword &^ 0x7,
				TableBIR:    tableDword & 0x7,
				PbaOffset:   pbaDword &^ 0x7,
				PbaBIR:      pbaDword & 0x7,
			}
		case capIDPCIExpress:
			hasExpress = true
		case capIDPowerManagement:
			hasPM = true
		default:
			// Unknown capability IDs are skipped; logging is the caller's
			// responsibility once wired to the monitor's hclog.Logger.
		}
		next = nextPtr
	}

	if hasExpress && hasPM {
		bundle.Masks = walkExtendedCapabilities(cfg)
	}
	return nil
}

// walkExtendedCapabilities walks the PCI extended capability chain at
// 0x100 and records a register mask hiding ARI, Resizeable BAR, and SR-IOV
// from the guest.
func walkExtendedCapabilities(cfg configIO) []ConfigMask {
	var masks []ConfigMask
	next := uint32(pciExtendedCapBase)
	for visited := 0; next != 0 && next >= pciExtendedCapBase && visited < 64; visited++ {
		header := cfg.readDword(next)
		id := header & 0xffff
		nextPtr := (header >> 20) & 0xffc

		switch uint16(id) {
		case extCapIDARI, extCapIDResizeableBar, extCapIDSRIOV:
			masks = append(masks, ConfigMask{Offset: next, Mask: 0xFFFF0000, Apply: 0})
		}
		if nextPtr == next || nextPtr == 0 {
			break
		}
		next = nextPtr
	}
	return masks
}

// sizeBarsAndRom sizes each of the six PCI BARs and the expansion ROM by
// the write-0xFFFFFFFF/read-back trick, and allocates guest MMIO space for
// each.
func sizeBarsAndRom(fd int, cfgRegion RegionInfo, bundle *DeviceBundle, allocator BarAllocator) error {
	cfg := configIO{fd: fd, base: cfgRegion.Offset}
	for idx := uint32(0); idx < 6; idx++ {
		offset := uint32(pciBarBase) + idx*4
		orig := cfg.readDword(offset)
		if orig&barFlagIO != 0 {
			continue // IO BARs are not sized or placed in guest MMIO space
		}
		is64 := orig&0x6 == barFlagMem64
		cfg.writeDword(offset, 0xFFFFFFFF)
		readback := cfg.readDword(offset)
		cfg.writeDword(offset, orig)

		lowBits := uint32(0xf)
		size := uint64(^(readback &^ lowBits) + 1)
		if is64 {
			hiOffset := offset + 4
			origHi := cfg.readDword(hiOffset)
			cfg.writeDword(hiOffset, 0xFFFFFFFF)
			readbackHi := cfg.readDword(hiOffset)
			cfg.writeDword(hiOffset, origHi)
			size = ^(uint64(readbackHi)<<32 | uint64(readback&^lowBits)) + 1
		}
		if size == 0 {
			continue
		}

		var gpa uint64
		var err error
		const alignment = 64
		if is64 {
			gpa, err = allocator.AllocateMmio64(size, alignment)
		} else {
			gpa, err = allocator.AllocateMmio32(size, alignment)
		}
		if err != nil {
			return err
		}
		bundle.Bars = append(bundle.Bars, BarInfo{
			Index:          idx,
			GPA:            gpa,
			Size:           size,
			Is64Bit:        is64,
			IsPrefetchable: orig&barFlagPrefetchable != 0,
		})
		if is64 {
			idx++ // the upper half consumes the next BAR slot
		}
	}

	romOrig := cfg.readDword(pciExpansionRomReg)
	cfg.writeDword(pciExpansionRomReg, 0xFFFFFFFE)
	romReadback := cfg.readDword(pciExpansionRomReg)
	cfg.writeDword(pciExpansionRomReg, romOrig)
	romSize := uint64(^(romReadback &^ 0x7ff) + 1)
	if romSize > 0 {
		gpa, err := allocator.AllocateMmio32(romSize, alignmentDefault)
		if err != nil {
			return err
		}
		bundle.ExpansionRom = &ExpansionRomInfo{GPA: gpa, Size: romSize, ValidationBits: romOrig & 0x7ff}
	}
	return nil
}

const alignmentDefault = 64
