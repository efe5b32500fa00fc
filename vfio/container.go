package vfio

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"novmm/errs"
)

// Container wraps /dev/vfio/vfio: the IOMMU type and the set of groups
// attached. SET_IOMMU is issued only once, after the first group is
// attached.
type Container struct {
	fd          int
	iommuIsSet  bool
	groupCount  int
}

// OpenContainer opens /dev/vfio/vfio and verifies the API version and
// Type1v2 IOMMU extension.
func OpenContainer() (*Container, error) {
	fd, err := openDevVfioVfio()
	if err != nil {
		return nil, err
	}
	version, _, errno := rawIoctl(fd, vfioGetAPIVersion, 0)
	if errno != 0 {
		closeFD(fd)
		return nil, &errs.VfioError{Op: "VFIO_GET_API_VERSION", Errno: errno}
	}
	if version != vfioAPIVersion {
		closeFD(fd)
		return nil, &errs.VfioError{Op: "VFIO_GET_API_VERSION(mismatch)", Errno: unix.EINVAL}
	}
	supported, _, errno := rawIoctl(fd, vfioCheckExtension, uintptr(vfioType1v2Iommu))
	if errno != 0 {
		closeFD(fd)
		return nil, &errs.VfioError{Op: "VFIO_CHECK_EXTENSION(Type1v2)", Errno: errno}
	}
	if supported == 0 {
		closeFD(fd)
		return nil, &errs.VfioError{Op: "VFIO_CHECK_EXTENSION(Type1v2)", Errno: unix.ENOTSUP}
	}
	return &Container{fd: fd}, nil
}

// setIOMMUOnce issues SET_IOMMU the first time any group is attached, and
// is a no-op on subsequent groups.
func (c *Container) setIOMMUOnce() error {
	if c.iommuIsSet {
		return nil
	}
	if errno := ioctl(c.fd, vfioSetIOMMU, uintptr(vfioType1v2Iommu)); errno != 0 {
		return &errs.VfioError{Op: "VFIO_SET_IOMMU(Type1v2)", Errno: errno}
	}
	c.iommuIsSet = true
	return nil
}

// MapDMA maps a host virtual address range into the IOMMU's address space
// at the given IOVA, so the passed-through device can address guest DRAM
// directly.
func (c *Container) MapDMA(hostAddr uintptr, iova uint64, size uint64) error {
	m := iommuTypeDMAMap{
		ArgSz: uint32(unsafe.Sizeof(iommuTypeDMAMap{})),
		Flags: dmaMapFlagReadable | dmaMapFlagWritable,
		VAddr: uint64(hostAddr),
		IOVA:  iova,
		Size:  size,
	}
	if errno := ioctl(c.fd, vfioIOMMUType1DMAMap, uintptr(unsafe.Pointer(&m))); errno != 0 {
		return &errs.VfioError{Op: "VFIO_IOMMU_MAP_DMA", Errno: errno}
	}
	return nil
}

// FD returns the container's file descriptor, mainly for KVM-side group
// attachment bookkeeping.
func (c *Container) FD() int { return c.fd }

// Close releases the container fd.
func (c *Container) Close() error { return closeFD(c.fd) }
