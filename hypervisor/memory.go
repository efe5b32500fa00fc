package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"novmm/errs"
)

// RegionKind distinguishes guest DRAM from device-backed (e.g. VFIO BAR)
// memory regions.
type RegionKind int

const (
	RegionDRAM RegionKind = iota
	RegionDevice
)

// MemoryRegion is one host-backed slice of guest physical address space.
type MemoryRegion struct {
	Kind      RegionKind
	GPA       uint64
	Size      uint64
	HostAddr  uintptr
	Slot      uint32
	DirtyLog  bool
}

func (r *MemoryRegion) end() uint64 { return r.GPA + r.Size }

// GuestMemory is the set of host-backed regions composing a VM's address
// space. Regions are non-overlapping in GPA; DRAM regions are contiguous
// within their own range.
type GuestMemory struct {
	vmFD    int
	regions []*MemoryRegion
}

// NewGuestMemory returns an empty GuestMemory bound to an open VM fd.
func NewGuestMemory(vmFD int) *GuestMemory {
	return &GuestMemory{vmFD: vmFD}
}

func (m *GuestMemory) overlapsExisting(gpa, size uint64) bool {
	end := gpa + size
	for _, r := range m.regions {
		if gpa < r.end() && r.GPA < end {
			return true
		}
	}
	return false
}

// AddRegion installs a new memory region both in the tracked region list and
// as a KVM memory slot, via KVM_SET_USER_MEMORY_REGION.
func (m *GuestMemory) AddRegion(kind RegionKind, gpa, size uint64, hostAddr uintptr, slot uint32) (*MemoryRegion, error) {
	if m.overlapsExisting(gpa, size) {
		return nil, &errs.ConfigError{Component: "GuestMemory", Reason: "region overlaps an existing one"}
	}
	if err := SetUserMemoryRegion(m.vmFD, slot, gpa, size, uint64(hostAddr)); err != nil {
		return nil, err
	}
	r := &MemoryRegion{Kind: kind, GPA: gpa, Size: size, HostAddr: hostAddr, Slot: slot}
	m.regions = append(m.regions, r)
	return r, nil
}

// AddDeviceRegion installs a device-backed (e.g. VFIO BAR) memory region at
// the next free KVM memory slot, satisfying vfio.MemoryInstaller so a
// passthrough device's mmap'd BAR pages bypass userspace on guest access
// just like DRAM.
func (m *GuestMemory) AddDeviceRegion(gpa uint64, size uint64, hostAddr uintptr) error {
	slot := uint32(0)
	for {
		used := false
		for _, r := range m.regions {
			if r.Slot == slot {
				used = true
				break
			}
		}
		if !used {
			break
		}
		slot++
	}
	_, err := m.AddRegion(RegionDevice, gpa, size, hostAddr, slot)
	return err
}

// RemoveRegion uninstalls the KVM memory slot and drops the tracked region.
func (m *GuestMemory) RemoveRegion(r *MemoryRegion) error {
	if err := SetUserMemoryRegion(m.vmFD, r.Slot, r.GPA, 0, 0); err != nil {
		return err
	}
	for i, existing := range m.regions {
		if existing == r {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			break
		}
	}
	if r.Kind == RegionDevice && r.HostAddr != 0 {
		_ = unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(r.HostAddr)), r.Size))
	}
	return nil
}

// Regions returns the currently installed regions, DRAM and device alike.
func (m *GuestMemory) Regions() []*MemoryRegion {
	out := make([]*MemoryRegion, len(m.regions))
	copy(out, m.regions)
	return out
}

// DRAMRegions returns only the DRAM-kind regions, e.g. for IOMMU programming
// (VFIO pipeline step 13: map every guest DRAM region).
func (m *GuestMemory) DRAMRegions() []*MemoryRegion {
	var out []*MemoryRegion
	for _, r := range m.regions {
		if r.Kind == RegionDRAM {
			out = append(out, r)
		}
	}
	return out
}

// Slice satisfies virtio.GuestMemory, letting the virtqueue runtime address
// guest DRAM directly through a live KVM-backed GuestMemory.
func (m *GuestMemory) Slice(gpa uint64, length uint64) ([]byte, bool) {
	return m.Translate(gpa, length)
}

// Translate finds the region (if any) containing gpa and returns the
// equivalent host byte slice view, bounded to that region.
func (m *GuestMemory) Translate(gpa uint64, length uint64) ([]byte, bool) {
	for _, r := range m.regions {
		if gpa >= r.GPA && gpa+length <= r.end() {
			base := unsafe.Pointer(r.HostAddr + uintptr(gpa-r.GPA))
			return unsafe.Slice((*byte)(base), length), true
		}
	}
	return nil, false
}
