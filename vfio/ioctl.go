// Package vfio implements the VFIO device passthrough pipeline:
// container/group/device lifecycle, region and capability discovery, BAR
// sizing and GPA allocation, MSI-X virtualization, and IOMMU DMA mapping.
// Uses the same _IOC ioctl-encoding pattern as the hypervisor package,
// generalized to the VFIO ioctl family (linux/vfio.h).
package vfio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNrShift) | (size << iocSizeShift)
}

func io(typ, nr uintptr) uintptr        { return ioc(0, typ, nr, 0) }
func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }

// vfioType is ';' (0x3B), the VFIO ioctl type per linux/vfio.h.
const vfioType uintptr = 0x3b

var (
	vfioGetAPIVersion       = io(vfioType, 0)
	vfioCheckExtension      = io(vfioType, 1)
	vfioSetIOMMU            = io(vfioType, 2)
	vfioGroupGetStatus      = iowr(vfioType, 3, unsafe.Sizeof(groupStatus{}))
	vfioGroupSetContainer   = iowr(vfioType, 4, unsafe.Sizeof(int32(0)))
	vfioGroupGetDeviceFD    = iowr(vfioType, 6, 256)
	vfioDeviceGetInfo       = iowr(vfioType, 7, unsafe.Sizeof(deviceInfo{}))
	vfioDeviceGetRegionInfo = iowr(vfioType, 8, unsafe.Sizeof(regionInfo{}))
	vfioDeviceGetIRQInfo    = iowr(vfioType, 9, unsafe.Sizeof(irqInfo{}))
	vfioDeviceReset         = io(vfioType, 11)
	vfioIOMMUType1DMAMap    = iowr(vfioType, 13, unsafe.Sizeof(iommuTypeDMAMap{}))
)

const (
	vfioAPIVersion = 0
	vfioType1v2Iommu = 3

	vfioGroupFlagsViable = 1 << 0

	vfioDeviceFlagsReset = 1 << 0

	vfioRegionInfoFlagCaps = 1 << 3
)

func ioctl(fd int, req uintptr, arg uintptr) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	return errno
}

func rawIoctl(fd int, req uintptr, arg uintptr) (uintptr, uintptr, unix.Errno) {
	return unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
}
