package hypervisor

import "encoding/binary"

var byteOrder = binary.LittleEndian

// KvmRun mirrors the head of the mmap'd struct kvm_run page shared between
// KVM and the vCPU thread. The exit-specific union members below
// ExitReason are read by casting a pointer at their known byte offset
// within the page, treating Io as a fixed-size placeholder for whichever
// union arm the current exit reason selects.
type KvmRun struct {
	RequestInterruptWindow uint8
	_                      [7]byte
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IfFlag                 uint8
	_                      [2]byte

	// Io is the union area holding kvm_run's per-exit-reason payload
	// (kvm_io, kvm_mmio, kvm_fail_entry's hardware_entry_failure_reason,
	// ...). Real struct kvm_run reserves a large padded union here; 256
	// bytes comfortably covers the IO/MMIO/fail-entry arms this core reads.
	Io [256]byte
}

// HwReason exposes the fail-entry/internal-error hardware reason, which sits
// at the front of the union for KVM_EXIT_FAIL_ENTRY and KVM_EXIT_UNKNOWN.
func (r *KvmRun) HwReason() uint64 {
	return byteOrder.Uint64(r.Io[0:8])
}

// KvmIo mirrors the kvm_run.io union member for KVM_EXIT_IO.
type KvmIo struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// KvmMmio mirrors the kvm_run.mmio union member for KVM_EXIT_MMIO.
type KvmMmio struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
	_        [3]byte
}
