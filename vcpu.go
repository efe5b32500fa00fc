package novmm

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"novmm/hypervisor"
)

// VCPU drives one KVM vCPU's KVM_RUN loop on its own goroutine, dispatching
// IO/MMIO exits to the VM's bus and yielding control back to KVM otherwise.
type VCPU struct {
	id  int
	fd  int
	vm  *VirtualMachine
	log hclog.Logger

	kvmRun     *hypervisor.KvmRun
	kvmRunSize int
	kvmRunMmap []byte
}

// NewVCPU creates vCPU id, mmaps its kvm_run page, and loads the initial
// flat 32-bit protected-mode register state the boot image expects to be
// entered with.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	fd, err := hypervisor.CreateVCPU(vm.vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", id, err)
	}

	size, err := hypervisor.VCPUMmapSize(vm.kvmFD)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu %d: %w", id, err)
	}

	mapping, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu %d: mmap kvm_run: %w", id, err)
	}

	vcpu := &VCPU{
		id:         id,
		fd:         fd,
		vm:         vm,
		log:        vm.log.Named(fmt.Sprintf("vcpu%d", id)),
		kvmRun:     (*hypervisor.KvmRun)(unsafe.Pointer(&mapping[0])),
		kvmRunSize: size,
		kvmRunMmap: mapping,
	}

	if err := vcpu.initRegisters(); err != nil {
		vcpu.Close()
		return nil, fmt.Errorf("vcpu %d: %w", id, err)
	}
	return vcpu, nil
}

// initRegisters sets up a flat 32-bit protected-mode segment layout with
// entry at bootEntryPoint, matching the GDT the VM installs at construction.
func (vcpu *VCPU) initRegisters() error {
	sregs, err := hypervisor.GetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	flatCode := hypervisor.KvmSegment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: codeSegmentSelector,
		Type: 11, Present: 1, DB: 1, S: 1, G: 1,
	}
	flatData := hypervisor.KvmSegment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: dataSegmentSelector,
		Type: 3, Present: 1, DB: 1, S: 1, G: 1,
	}
	sregs.CS = flatCode
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = flatData, flatData, flatData, flatData, flatData
	sregs.GDT = hypervisor.KvmDtable{Base: gdtAddress, Limit: gdtLimit}
	sregs.CR0 |= 1 // PE: enter protected mode per the installed flat GDT.

	if err := hypervisor.SetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}

	regs := &hypervisor.KvmRegs{
		RFLAGS: 0x2,
		RIP:    bootEntryPoint,
		RSP:    bootStackPointer,
	}
	if err := hypervisor.SetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	vcpu.log.Debug("registers initialized", "rip", regs.RIP, "cr0", sregs.CR0)
	return nil
}

// Run executes KVM_RUN in a loop, dispatching each exit, until the VM's
// stop channel closes or an unrecoverable exit reason is hit.
func (vcpu *VCPU) Run() error {
	vcpu.log.Debug("entering run loop")
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-vcpu.vm.stopChan:
			vcpu.log.Debug("stop requested, exiting run loop")
			return nil
		case <-ticker.C:
			if vcpu.id == 0 {
				vcpu.vm.CheckForPendingInterrupts()
			}
		default:
		}

		if vcpu.id == 0 {
			vcpu.vm.CheckForPendingInterrupts()
		}

		if err := hypervisor.Run(vcpu.fd); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("vcpu %d: KVM_RUN: %w", vcpu.id, err)
		}

		switch vcpu.kvmRun.ExitReason {
		case hypervisor.ExitIO:
			vcpu.handleIOExit()

		case hypervisor.ExitMMIO:
			vcpu.handleMMIOExit()

		case hypervisor.ExitHLT:
			vcpu.log.Trace("guest halted")
			if vcpu.id == 0 {
				vcpu.vm.CheckForPendingInterrupts()
			}

		case hypervisor.ExitShutdown:
			return fmt.Errorf("vcpu %d: guest-initiated shutdown (triple fault)", vcpu.id)

		case hypervisor.ExitFailEntry:
			return fmt.Errorf("vcpu %d: KVM_EXIT_FAIL_ENTRY, hw reason 0x%x", vcpu.id, vcpu.kvmRun.HwReason())

		case hypervisor.ExitUnknown:
			return fmt.Errorf("vcpu %d: KVM_EXIT_UNKNOWN, hw reason 0x%x", vcpu.id, vcpu.kvmRun.HwReason())

		case hypervisor.ExitIntr:
			// Interrupted by a signal before entering guest mode; re-enter.

		default:
			vcpu.log.Warn("unhandled KVM exit reason", "reason", vcpu.kvmRun.ExitReason)
		}
	}
}

func (vcpu *VCPU) handleIOExit() {
	io := (*hypervisor.KvmIo)(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
	data := vcpu.ioData(io)
	for i := uint32(0); i < io.Count; i++ {
		slice := data[uint32(io.Size)*i : uint32(io.Size)*(i+1)]
		if io.Direction == hypervisor.KVM_EXIT_IO_IN {
			vcpu.vm.bus.Read(uint64(io.Port), slice)
		} else {
			vcpu.vm.bus.Write(uint64(io.Port), slice)
		}
	}
}

func (vcpu *VCPU) ioData(io *hypervisor.KvmIo) []byte {
	base := uintptr(unsafe.Pointer(vcpu.kvmRun))
	ptr := unsafe.Pointer(base + uintptr(io.DataOffset))
	return unsafe.Slice((*byte)(ptr), int(io.Size)*int(io.Count))
}

func (vcpu *VCPU) handleMMIOExit() {
	mmio := (*hypervisor.KvmMmio)(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
	data := mmio.Data[:mmio.Len]
	if mmio.IsWrite == 1 {
		vcpu.vm.bus.Write(mmio.PhysAddr, data)
	} else {
		vcpu.vm.bus.Read(mmio.PhysAddr, data)
	}
}

// InjectInterrupt raises a legacy interrupt vector on this vCPU.
func (vcpu *VCPU) InjectInterrupt(vector uint8) error {
	return hypervisor.InjectInterrupt(vcpu.fd, uint32(vector))
}

// Close unmaps kvm_run and closes the vCPU fd.
func (vcpu *VCPU) Close() {
	if vcpu.kvmRunMmap != nil {
		unix.Munmap(vcpu.kvmRunMmap)
		vcpu.kvmRunMmap = nil
		vcpu.kvmRun = nil
	}
	if vcpu.fd != 0 {
		unix.Close(vcpu.fd)
		vcpu.fd = 0
	}
	vcpu.log.Debug("closed")
}
