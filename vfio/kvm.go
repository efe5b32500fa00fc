package vfio

import "novmm/hypervisor"

// RegisterWithKVM performs the VFIO pipeline's final step: registering a
// KVM_DEV_TYPE_VFIO device with the VM (if one hasn't already been created
// for a prior device) and attaching this device's IOMMU group to it, so
// KVM's own DMA/interrupt remapping stays in sync with the container.
func RegisterWithKVM(vmFD int, vfioKvmDeviceFD int, group *Group) (int, error) {
	fd := vfioKvmDeviceFD
	if fd == 0 {
		created, err := hypervisor.CreateVfioKvmDevice(vmFD)
		if err != nil {
			return 0, err
		}
		fd = created
	}
	if err := hypervisor.VfioKvmDeviceAddGroup(fd, group.fd); err != nil {
		return 0, err
	}
	return fd, nil
}
