package vfio

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"novmm/errs"
)

// Group wraps /dev/vfio/<id>: the group's status and the container it has
// been attached to.
type Group struct {
	fd        int
	id        string
	container *Container
}

// OpenGroup opens the IOMMU group device for the given group ID, verifies
// it is VIABLE, attaches it to container (SET_CONTAINER), and performs the
// once-only SET_IOMMU on the container.
func OpenGroup(id string, container *Container) (*Group, error) {
	fd, err := openDevVfioGroup(id)
	if err != nil {
		return nil, err
	}
	var status groupStatus
	status.ArgSz = uint32(unsafe.Sizeof(status))
	if errno := ioctl(fd, vfioGroupGetStatus, uintptr(unsafe.Pointer(&status))); errno != 0 {
		closeFD(fd)
		return nil, &errs.VfioError{Op: "VFIO_GROUP_GET_STATUS", Errno: errno}
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		closeFD(fd)
		return nil, &errs.VfioError{Op: "VFIO_GROUP_GET_STATUS(not VIABLE)", Errno: unix.ENODEV}
	}

	containerFD := int32(container.FD())
	if errno := ioctl(fd, vfioGroupSetContainer, uintptr(unsafe.Pointer(&containerFD))); errno != 0 {
		closeFD(fd)
		return nil, &errs.VfioError{Op: "VFIO_GROUP_SET_CONTAINER", Errno: errno}
	}
	if err := container.setIOMMUOnce(); err != nil {
		closeFD(fd)
		return nil, err
	}
	container.groupCount++
	return &Group{fd: fd, id: id, container: container}, nil
}

// GetDeviceFD resolves a device within this group by its sysfs basename
// (the UUID-like PCI address string).
func (g *Group) GetDeviceFD(deviceUUID string) (int, error) {
	var nameBuf [256]byte
	copy(nameBuf[:], deviceUUID)
	r, _, errno := rawIoctl(g.fd, vfioGroupGetDeviceFD, uintptr(unsafe.Pointer(&nameBuf[0])))
	if errno != 0 {
		return 0, &errs.VfioError{Op: "VFIO_GROUP_GET_DEVICE_FD", Errno: errno}
	}
	return int(r), nil
}

func (g *Group) Close() error { return closeFD(g.fd) }

// Container returns the container this group was attached to, so callers
// holding only a Group (e.g. via DeviceBundle) can still issue container-
// level operations like MapDMA or release it on teardown.
func (g *Group) Container() *Container { return g.container }
