package vfio

import (
	"sort"
	"unsafe"

	"golang.org/x/sys/unix"

	"novmm/errs"
)

// MemoryInstaller abstracts installing a mapped VFIO region into the
// guest's KVM memory slots, so BAR MMIO accesses bypass userspace entirely
// instead of trapping through a bus.Device. hypervisor.GuestMemory's
// AddDeviceRegion satisfies this shape.
type MemoryInstaller interface {
	AddDeviceRegion(gpa uint64, size uint64, hostAddr uintptr) error
}

// mapMappableRegions mmaps the whole VFIO region of each sized BAR into
// host memory and installs a KVM memory slot covering every contiguous
// run of pages not excluded by a hole, so ordinary BAR reads/writes never
// leave the guest. Region capabilities are not consulted: sparse-mmap
// areas are not honoured, and a BAR whose region overlaps the MSI-X table
// is mmap'd like any other. Pages that overlap the MSI-X table or PBA
// are excluded from installation (the table/PBA ranges are recorded as
// BarHoleInfo) and must instead be registered on the synthetic bus as
// trapped MsixTableDevice/MsixPbaDevice entries so they reach MsixConfig.
func mapMappableRegions(fd int, bundle *DeviceBundle, installer MemoryInstaller) error {
	for i := range bundle.Bars {
		bar := &bundle.Bars[i]
		region := findRegionForBar(bundle.Regions, bar.Index)
		if region == nil {
			continue
		}

		holes := holesForBar(bundle, bar.Index)
		hostAddr, err := mmapRegion(fd, region.Offset, region.Size)
		if err != nil {
			return err
		}
		bundle.mmapAreas = append(bundle.mmapAreas, mmapArea{hostAddr: hostAddr, size: region.Size})
		bundle.BarHoles = append(bundle.BarHoles, holes...)

		if installer == nil || hostAddr == 0 {
			continue
		}
		for _, run := range contiguousRuns(bar.Size, holes) {
			if run.length == 0 {
				continue
			}
			if err := installer.AddDeviceRegion(bar.GPA+run.offset, run.length, hostAddr+uintptr(run.offset)); err != nil {
				return err
			}
		}
	}
	return nil
}

type byteRange struct {
	offset uint64
	length uint64
}

// contiguousRuns returns the byte ranges of [0, totalSize) outside every
// 4 KiB page that a hole touches, sorted by offset, each a candidate KVM
// memory slot.
func contiguousRuns(totalSize uint64, holes []BarHoleInfo) []byteRange {
	const pageSize = 4096
	type interval struct{ start, end uint64 }
	excluded := make([]interval, len(holes))
	for i, h := range holes {
		start := h.OffsetInHole &^ (pageSize - 1)
		end := (h.OffsetInHole + h.Size + pageSize - 1) &^ (pageSize - 1)
		excluded[i] = interval{start: start, end: end}
	}
	sort.Slice(excluded, func(i, j int) bool { return excluded[i].start < excluded[j].start })

	var runs []byteRange
	cursor := uint64(0)
	for _, ex := range excluded {
		if ex.start > cursor {
			runs = append(runs, byteRange{offset: cursor, length: ex.start - cursor})
		}
		if ex.end > cursor {
			cursor = ex.end
		}
	}
	if cursor < totalSize {
		runs = append(runs, byteRange{offset: cursor, length: totalSize - cursor})
	}
	return runs
}

type mmapArea struct {
	hostAddr uintptr
	size     uint64
}

func findRegionForBar(regions []RegionInfo, barIndex uint32) *RegionInfo {
	for i := range regions {
		if regions[i].Index == barIndex {
			return &regions[i]
		}
	}
	return nil
}

// holesForBar computes the MSI-X table/PBA byte ranges inside this BAR, if
// the MSI-X capability's table_bir/pba_bir names it, sized from the
// capability's entry count and positioned by the bar's placed GPA so each
// hole can be registered directly as a trapped bus.Device.
func holesForBar(bundle *DeviceBundle, barIndex uint32) []BarHoleInfo {
	var holes []BarHoleInfo
	if bundle.MsixCap == nil {
		return holes
	}
	gpa := barGPA(bundle, barIndex)
	entries := uint64(bundle.MsixCap.MsgCtl&0x7ff) + 1
	if bundle.MsixCap.TableBIR == barIndex {
		off := uint64(bundle.MsixCap.TableOffset)
		holes = append(holes, BarHoleInfo{
			BarIndex:     barIndex,
			GPA:          gpa + off,
			Size:         entries * 16,
			OffsetInHole: off,
			Usage:        BarHoleTable,
		})
	}
	if bundle.MsixCap.PbaBIR == barIndex {
		off := uint64(bundle.MsixCap.PbaOffset)
		holes = append(holes, BarHoleInfo{
			BarIndex:     barIndex,
			GPA:          gpa + off,
			Size:         ((entries + 31) / 32) * 4,
			OffsetInHole: off,
			Usage:        BarHolePba,
		})
	}
	return holes
}

// barGPA looks up the guest-physical base address already assigned to
// barIndex by sizeBarsAndRom, defaulting to 0 if the bar isn't (yet)
// recorded (e.g. in tests that construct a bundle without Bars).
func barGPA(bundle *DeviceBundle, barIndex uint32) uint64 {
	for _, bar := range bundle.Bars {
		if bar.Index == barIndex {
			return bar.GPA
		}
	}
	return 0
}

func mmapRegion(fd int, offset uint64, size uint64) (uintptr, error) {
	if size == 0 {
		return 0, nil
	}
	data, err := unix.Mmap(fd, int64(offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, &errs.VfioError{Op: "mmap VFIO region", Errno: toErrno(err)}
	}
	return uintptr(unsafe.Pointer(&data[0])), nil
}
