// Package hypervisor wraps the /dev/kvm ioctl surface the VM orchestrator
// and vCPU threads need: VM/VCPU creation, memory slot installation,
// register access, and interrupt injection. Ioctl request numbers are
// computed via the _IOC encoding rather than hand-picked magic numbers.
package hypervisor

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"novmm/errs"
)

// Linux asm-generic ioctl.h encoding, reproduced here because x/sys/unix
// does not export KVM's ioctl numbers (they are defined via macros in
// linux/kvm.h, not as syscall-table constants).
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

func io(typ, nr uintptr) uintptr            { return ioc(0, typ, nr, 0) }
func ior(typ, nr, size uintptr) uintptr     { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr     { return ioc(iocWrite, typ, nr, size) }

const kvmio uintptr = 0xAE

var (
	kvmCreateVM           = io(kvmio, 0x01)
	kvmGetVCPUMmapSize     = io(kvmio, 0x04)
	kvmCreateVCPU          = io(kvmio, 0x41)
	kvmSetUserMemoryRegion = iow(kvmio, 0x46, unsafe.Sizeof(KvmUserspaceMemoryRegion{}))
	kvmRun                 = io(kvmio, 0x80)
	kvmGetRegs             = ior(kvmio, 0x81, unsafe.Sizeof(KvmRegs{}))
	kvmSetRegs             = iow(kvmio, 0x82, unsafe.Sizeof(KvmRegs{}))
	kvmGetSregs            = ior(kvmio, 0x83, unsafe.Sizeof(KvmSregs{}))
	kvmSetSregs            = iow(kvmio, 0x84, unsafe.Sizeof(KvmSregs{}))
	kvmInterrupt           = iow(kvmio, 0x86, unsafe.Sizeof(KvmIrq{}))
	kvmCreateDevice        = iow(kvmio, 0xE0, unsafe.Sizeof(KvmCreateDevice{}))
	kvmSetDeviceAttr       = iow(kvmio, 0xE1, unsafe.Sizeof(KvmDeviceAttr{}))
)

// KVM exit reasons (subset relevant to this core; matches linux/kvm.h).
const (
	ExitUnknown   = 0
	ExitIO        = 2
	ExitHLT       = 5
	ExitMMIO      = 6
	ExitIntr      = 10
	ExitShutdown  = 8
	ExitFailEntry = 9
)

const (
	KVM_EXIT_IO_IN  uint8 = 0
	KVM_EXIT_IO_OUT uint8 = 1
)

// KvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type KvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// KvmRegs mirrors the general-purpose subset of struct kvm_regs.
type KvmRegs struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RIP, RFLAGS                           uint64
}

// KvmSegment mirrors struct kvm_segment.
type KvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	_        [2]uint8
}

// KvmDtable mirrors struct kvm_dtable (GDT/IDT descriptor).
type KvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// KvmSregs mirrors the subset of struct kvm_sregs this core manipulates.
type KvmSregs struct {
	CS, DS, ES, FS, GS, SS KvmSegment
	TR, LDT                KvmSegment
	GDT, IDT               KvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [(256 + 63) / 64]uint64
}

// KvmIrq mirrors struct kvm_interrupt.
type KvmIrq struct {
	Irq uint32
}

// KvmCreateDevice mirrors struct kvm_create_device, used to register a VFIO
// device with the KVM VM (KVM_DEV_TYPE_VFIO), per the VFIO pipeline's final
// attach step.
type KvmCreateDevice struct {
	Type  uint32
	FD    uint32
	Flags uint32
}

// KvmDeviceAttr mirrors struct kvm_device_attr.
type KvmDeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

const (
	KVM_DEV_TYPE_VFIO      uint32 = 11
	KVM_DEV_VFIO_GROUP     uint32 = 0
	KVM_DEV_VFIO_GROUP_ADD uint64 = 0
)

func ioctl(fd int, req uintptr, arg uintptr) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	return errno
}

// CreateVM opens a new VM fd from an already-opened /dev/kvm fd.
func CreateVM(kvmFD int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), kvmCreateVM, 0)
	if errno != 0 {
		return 0, &errs.VfioError{Op: "KVM_CREATE_VM", Errno: errno}
	}
	return int(r), nil
}

// CreateVCPU opens a new VCPU fd for the given id.
func CreateVCPU(vmFD int, id int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), kvmCreateVCPU, uintptr(id))
	if errno != 0 {
		return 0, &errs.VfioError{Op: "KVM_CREATE_VCPU", Errno: errno}
	}
	return int(r), nil
}

// VCPUMmapSize returns the size the kvm_run shared page must be mmap'd with.
func VCPUMmapSize(kvmFD int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), kvmGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, &errs.VfioError{Op: "KVM_GET_VCPU_MMAP_SIZE", Errno: errno}
	}
	return int(r), nil
}

// SetUserMemoryRegion installs or removes (MemorySize==0) a guest memory
// slot backed by a host userspace mapping.
func SetUserMemoryRegion(vmFD int, slot uint32, guestPhysAddr, memorySize, userspaceAddr uint64) error {
	region := KvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: userspaceAddr,
	}
	if errno := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); errno != 0 {
		return &errs.VfioError{Op: "KVM_SET_USER_MEMORY_REGION", Errno: errno}
	}
	return nil
}

// Run executes one KVM_RUN on the given vCPU fd.
func Run(vcpuFD int) error {
	if errno := ioctl(vcpuFD, kvmRun, 0); errno != 0 {
		return &errs.VfioError{Op: "KVM_RUN", Errno: errno}
	}
	return nil
}

// GetRegs reads the vCPU's general-purpose registers.
func GetRegs(vcpuFD int) (*KvmRegs, error) {
	var regs KvmRegs
	if errno := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); errno != 0 {
		return nil, &errs.VfioError{Op: "KVM_GET_REGS", Errno: errno}
	}
	return &regs, nil
}

// SetRegs writes the vCPU's general-purpose registers.
func SetRegs(vcpuFD int, regs *KvmRegs) error {
	if errno := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(regs))); errno != 0 {
		return &errs.VfioError{Op: "KVM_SET_REGS", Errno: errno}
	}
	return nil
}

// GetSregs reads the vCPU's special registers (segments, control regs).
func GetSregs(vcpuFD int) (*KvmSregs, error) {
	var sregs KvmSregs
	if errno := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); errno != 0 {
		return nil, &errs.VfioError{Op: "KVM_GET_SREGS", Errno: errno}
	}
	return &sregs, nil
}

// SetSregs writes the vCPU's special registers.
func SetSregs(vcpuFD int, sregs *KvmSregs) error {
	if errno := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(sregs))); errno != 0 {
		return &errs.VfioError{Op: "KVM_SET_SREGS", Errno: errno}
	}
	return nil
}

// InjectInterrupt raises a legacy (non-APIC) interrupt on the vCPU.
func InjectInterrupt(vcpuFD int, vector uint32) error {
	irq := KvmIrq{Irq: vector}
	if errno := ioctl(vcpuFD, kvmInterrupt, uintptr(unsafe.Pointer(&irq))); errno != 0 {
		return &errs.VfioError{Op: "KVM_INTERRUPT", Errno: errno}
	}
	return nil
}

// CreateVfioKvmDevice registers a KVM_DEV_TYPE_VFIO device with the VM,
// returning its device fd. Real passthrough requires binding the VFIO
// group fd to this KVM device before DMA and interrupt routing work.
func CreateVfioKvmDevice(vmFD int) (int, error) {
	dev := KvmCreateDevice{Type: KVM_DEV_TYPE_VFIO}
	if errno := ioctl(vmFD, kvmCreateDevice, uintptr(unsafe.Pointer(&dev))); errno != 0 {
		return 0, &errs.VfioError{Op: "KVM_CREATE_DEVICE(VFIO)", Errno: errno}
	}
	return int(dev.FD), nil
}

// VfioKvmDeviceAddGroup attaches a VFIO group fd to a previously created
// KVM VFIO device, via KVM_DEV_VFIO_GROUP_ADD.
func VfioKvmDeviceAddGroup(vfioKvmDeviceFD int, groupFD int) error {
	groupFD32 := uint32(groupFD)
	attr := KvmDeviceAttr{
		Group: KVM_DEV_VFIO_GROUP,
		Attr:  KVM_DEV_VFIO_GROUP_ADD,
		Addr:  uint64(uintptr(unsafe.Pointer(&groupFD32))),
	}
	if errno := ioctl(vfioKvmDeviceFD, kvmSetDeviceAttr, uintptr(unsafe.Pointer(&attr))); errno != 0 {
		return &errs.VfioError{Op: "KVM_SET_DEVICE_ATTR(VFIO_GROUP_ADD)", Errno: errno}
	}
	return nil
}
