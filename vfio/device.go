package vfio

import (
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"novmm/errs"
)

// DeviceBundle is the host-side view of one passed-through device: its fd,
// DEVICE_GET_INFO results, enumerated regions and IRQs, the parsed PCI
// capability chain, sized BARs, and (once mapped) the virtualized MSI-X
// config.
type DeviceBundle struct {
	fd int

	// UUID labels this bundle for logs and metrics; it is derived from the
	// device's sysfs basename, not a random identifier, so repeated
	// attaches of the same device produce the same label (google/uuid's
	// namespace-UUID facility, not its random v4 generator).
	UUID uuid.UUID

	Flags   uint32
	Regions []RegionInfo
	IRQs    []IrqInfo

	// Group is the IOMMU group this device's container membership lives
	// on; RegisterWithKVM and Group.Container().MapDMA both need it after
	// attach completes.
	Group *Group

	MsiCap  *MsiCap
	MsixCap *MsixCap

	Bars          []BarInfo
	ExpansionRom  *ExpansionRomInfo
	BarHoles      []BarHoleInfo
	Masks         []ConfigMask
	Msix          *MsixConfig

	// ConfigRegion is the device's PCI config-space region, recorded so a
	// ConfigPorts dispatcher can be built after attach without re-deriving
	// configRegionIndex.
	ConfigRegion RegionInfo

	mmapAreas []mmapArea
}

// ConfigPorts builds the CONFIG_ADDRESS/CONFIG_DATA bus.Device that serves
// live BAR/ROM register reads and writes for this bundle at the given
// bus/device/function, forwarding everything but the sizing-probe
// registers to the real VFIO config region.
func (b *DeviceBundle) ConfigPorts(busNum, device, function uint8) *ConfigPorts {
	return NewConfigPorts(b, b.ConfigRegion, busNum, device, function)
}

// MsiCap records the MSI capability's message-control field.
type MsiCap struct {
	MsgCtl uint16
}

// MsixCap records the MSI-X capability's table/PBA location.
type MsixCap struct {
	MsgCtl       uint16
	TableOffset  uint32
	TableBIR     uint32
	PbaOffset    uint32
	PbaBIR       uint32
}

// ConfigMask is applied on config-space reads as (value & Mask) | Apply,
// used to hide extended capabilities the guest should not see (ARI,
// Resizeable BAR, SR-IOV).
type ConfigMask struct {
	Offset uint32
	Mask   uint32
	Apply  uint32
}

var namespaceVfioDevice = uuid.MustParse("7b1e8f0a-7d3b-4d8a-9c1f-2a6b9e9b6a01")

// Attach opens a device identified by its sysfs path (e.g.
// /sys/bus/pci/devices/0000:00:1f.0), following the full passthrough
// attach sequence (container/group/device open, region and IRQ
// enumeration, capability-chain walk, BAR sizing, MSI-X virtualization,
// BAR mmap), and returns its fully populated bundle. Attach does not map
// guest memory into the IOMMU container; that is left to the caller, which
// reaches the container through the bundle's Group. allocator
// is used to place sized BARs and the expansion ROM in guest MMIO space;
// installer installs each BAR's mapped pages as KVM memory slots so guest
// MMIO access bypasses userspace (nil disables slot installation, leaving
// the BAR mmap'd but only reachable through the bundle's mmapAreas).
func Attach(sysfsDevicePath string, allocator BarAllocator, installer MemoryInstaller) (*DeviceBundle, error) {
	container, err := OpenContainer()
	if err != nil {
		return nil, err
	}

	groupID, err := readlinkIommuGroup(sysfsDevicePath)
	if err != nil {
		container.Close()
		return nil, err
	}
	group, err := OpenGroup(groupID, container)
	if err != nil {
		container.Close()
		return nil, err
	}

	deviceName := baseName(sysfsDevicePath)
	fd, err := group.GetDeviceFD(deviceName)
	if err != nil {
		group.Close()
		container.Close()
		return nil, err
	}

	bundle := &DeviceBundle{fd: fd, Group: group, UUID: uuid.NewSHA1(namespaceVfioDevice, []byte(deviceName))}

	var info deviceInfo
	info.ArgSz = uint32(unsafe.Sizeof(info))
	if errno := ioctl(fd, vfioDeviceGetInfo, uintptr(unsafe.Pointer(&info))); errno != 0 {
		return nil, &errs.VfioError{Op: "VFIO_DEVICE_GET_INFO", Errno: errno}
	}
	bundle.Flags = info.Flags
	if info.Flags&vfioDeviceFlagsReset != 0 {
		ioctl(fd, vfioDeviceReset, 0)
	}

	for idx := uint32(0); idx < info.NumRegions; idx++ {
		region, err := getRegionInfo(fd, idx)
		if err != nil {
			return nil, err
		}
		bundle.Regions = append(bundle.Regions, region)
	}

	for _, idx := range []uint32{IrqIndexINTX, IrqIndexMSI, IrqIndexMSIX, IrqIndexERR, IrqIndexREQ} {
		irq, err := getIrqInfo(fd, idx)
		if err == nil {
			bundle.IRQs = append(bundle.IRQs, irq)
		}
	}

	if len(bundle.Regions) > 0 {
		cfg := bundle.Regions[configRegionIndex(bundle.Regions)]
		bundle.ConfigRegion = cfg
		if err := walkPCICapabilities(fd, cfg, bundle); err != nil {
			return nil, err
		}
		bundle.Msix = NewMsixConfig(bundle.MsixCap)
		if err := sizeBarsAndRom(fd, cfg, bundle, allocator); err != nil {
			return nil, err
		}
	}

	if err := mapMappableRegions(fd, bundle, installer); err != nil {
		return nil, err
	}

	return bundle, nil
}

func getRegionInfo(fd int, idx uint32) (RegionInfo, error) {
	var ri regionInfo
	ri.ArgSz = uint32(unsafe.Sizeof(ri))
	ri.Index = idx
	if errno := ioctl(fd, vfioDeviceGetRegionInfo, uintptr(unsafe.Pointer(&ri))); errno != 0 {
		return RegionInfo{}, &errs.VfioError{Op: "VFIO_DEVICE_GET_REGION_INFO", Errno: errno}
	}
	out := RegionInfo{Index: ri.Index, Flags: ri.Flags, Size: ri.Size, Offset: ri.Offset}
	if ri.Flags&vfioRegionInfoFlagCaps != 0 && ri.ArgSz > uint32(unsafe.Sizeof(ri)) {
		walkRegionCapabilities(fd, idx, ri.ArgSz, &out)
	}
	return out, nil
}

// walkRegionCapabilities is called for a region whose info reports
// FLAG_CAPS with a larger hinted argsz. It does nothing: GET_REGION_INFO
// is not reissued, the capability chain past the fixed struct is not
// parsed, and out's SparseAreas, IsMsixMappable and IsNVLink2 stay unset.
func walkRegionCapabilities(fd int, idx uint32, hintedArgSz uint32, out *RegionInfo) {
	// No region capability is classified anywhere in this package;
	// mapMappableRegions mmaps every BAR's region whole.
}

func getIrqInfo(fd int, idx uint32) (IrqInfo, error) {
	var ii irqInfo
	ii.ArgSz = uint32(unsafe.Sizeof(ii))
	ii.Index = idx
	if errno := ioctl(fd, vfioDeviceGetIRQInfo, uintptr(unsafe.Pointer(&ii))); errno != 0 {
		return IrqInfo{}, &errs.VfioError{Op: "VFIO_DEVICE_GET_IRQ_INFO", Errno: errno}
	}
	return IrqInfo{Index: ii.Index, Flags: ii.Flags, Count: ii.Count}, nil
}

// configRegionIndex returns the index of the PCI config-space region,
// which VFIO exposes as region index VFIO_PCI_CONFIG_REGION_INDEX (7) for
// PCI devices: the region carrying that index, or the last region when
// none does.
func configRegionIndex(regions []RegionInfo) int {
	const vfioPCIConfigRegionIndex = 7
	for i, r := range regions {
		if r.Index == vfioPCIConfigRegionIndex {
			return i
		}
	}
	return len(regions) - 1
}

// Close unmaps every BAR region mmap'd at attach time, then releases the
// device fd and, since this core attaches one device per group/container,
// the group and container backing it too.
func (b *DeviceBundle) Close() error {
	for _, area := range b.mmapAreas {
		if area.hostAddr != 0 && area.size != 0 {
			unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(area.hostAddr)), int(area.size)))
		}
	}
	err := closeFD(b.fd)
	if b.Group != nil {
		if cerr := b.Group.Close(); err == nil {
			err = cerr
		}
		if c := b.Group.Container(); c != nil {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
	}
	return err
}

// FD exposes the device fd for KVM-side VFIO device group attachment.
func (b *DeviceBundle) FD() int { return b.fd }
