package vfio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"novmm/errs"
)

func openDevVfioVfio() (int, error) {
	fd, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, &errs.VfioError{Op: "open /dev/vfio/vfio", Errno: toErrno(err)}
	}
	return fd, nil
}

func openDevVfioGroup(groupID string) (int, error) {
	path := fmt.Sprintf("/dev/vfio/%s", groupID)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, &errs.VfioError{Op: "open " + path, Errno: toErrno(err)}
	}
	return fd, nil
}

func toErrno(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func pread(fd int, buf []byte, offset int64) {
	unix.Pread(fd, buf, offset)
}

func pwrite(fd int, buf []byte, offset int64) {
	unix.Pwrite(fd, buf, offset)
}

// readlinkIommuGroup resolves the IOMMU group ID for a device's sysfs path
// by reading the `iommu_group` symlink.
func readlinkIommuGroup(sysfsDevicePath string) (string, error) {
	link, err := os.Readlink(sysfsDevicePath + "/iommu_group")
	if err != nil {
		return "", &errs.VfioError{Op: "readlink iommu_group", Errno: toErrno(err)}
	}
	return baseName(link), nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
