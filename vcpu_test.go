package novmm

import (
	"testing"
	"unsafe"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"novmm/bus"
	"novmm/hypervisor"
)

type recordingDevice struct {
	lastOffset uint64
	lastWrite  []byte
	readValue  byte
}

func (d *recordingDevice) Read(offset uint64, data []byte) {
	d.lastOffset = offset
	for i := range data {
		data[i] = d.readValue
	}
}

func (d *recordingDevice) Write(offset uint64, data []byte) {
	d.lastOffset = offset
	d.lastWrite = append([]byte(nil), data...)
}

// newTestVCPU builds a VCPU backed by a plain byte slice standing in for
// the mmap'd kvm_run page, wired to a real Bus but no real KVM fd.
func newTestVCPU(t *testing.T, b *bus.Bus) (*VCPU, *hypervisor.KvmRun) {
	t.Helper()
	mapping := make([]byte, 512)
	run := (*hypervisor.KvmRun)(unsafe.Pointer(&mapping[0]))
	vm := &VirtualMachine{bus: b, log: hclog.NewNullLogger()}
	vcpu := &VCPU{id: 0, vm: vm, log: hclog.NewNullLogger(), kvmRun: run, kvmRunMmap: mapping}
	return vcpu, run
}

func ioUnion(run *hypervisor.KvmRun) *hypervisor.KvmIo {
	return (*hypervisor.KvmIo)(unsafe.Pointer(&run.Io[0]))
}

func mmioUnion(run *hypervisor.KvmRun) *hypervisor.KvmMmio {
	return (*hypervisor.KvmMmio)(unsafe.Pointer(&run.Io[0]))
}

func TestHandleIOExitDispatchesOutToBusDevice(t *testing.T) {
	b := bus.New(0x10000, 0x1000, hclog.NewNullLogger())
	dev := &recordingDevice{}
	require.NoError(t, b.Insert(dev, 0x60, 4))

	vcpu, run := newTestVCPU(t, b)
	io := ioUnion(run)
	io.Direction = hypervisor.KVM_EXIT_IO_OUT
	io.Size = 1
	io.Port = 0x60
	io.Count = 1
	io.DataOffset = 300
	run.Io[300-16] = 0x5A // DataOffset is absolute from kvmRun's start; Io begins at offset 16

	vcpu.handleIOExit()
	require.Equal(t, []byte{0x5A}, dev.lastWrite)
	require.Equal(t, uint64(0), dev.lastOffset, "bus hands the device its base-relative offset")
}

func TestHandleIOExitDispatchesInFromBusDevice(t *testing.T) {
	b := bus.New(0x10000, 0x1000, hclog.NewNullLogger())
	dev := &recordingDevice{readValue: 0x7B}
	require.NoError(t, b.Insert(dev, 0x64, 4))

	vcpu, run := newTestVCPU(t, b)
	io := ioUnion(run)
	io.Direction = hypervisor.KVM_EXIT_IO_IN
	io.Size = 1
	io.Port = 0x64
	io.Count = 1
	io.DataOffset = 300

	vcpu.handleIOExit()
	require.Equal(t, byte(0x7B), run.Io[300-16])
}

func TestHandleIOExitHandlesMultiByteCount(t *testing.T) {
	b := bus.New(0x10000, 0x1000, hclog.NewNullLogger())
	dev := &recordingDevice{}
	require.NoError(t, b.Insert(dev, 0x60, 4))

	vcpu, run := newTestVCPU(t, b)
	io := ioUnion(run)
	io.Direction = hypervisor.KVM_EXIT_IO_OUT
	io.Size = 1
	io.Port = 0x60
	io.Count = 3
	io.DataOffset = 300
	run.Io[300-16] = 1
	run.Io[301-16] = 2
	run.Io[302-16] = 3

	vcpu.handleIOExit()
	require.Equal(t, []byte{3}, dev.lastWrite, "each count iteration overwrites lastWrite with that slice")
}

func TestHandleMMIOExitDispatchesWrite(t *testing.T) {
	b := bus.New(0x10000, 0x1000, hclog.NewNullLogger())
	dev := &recordingDevice{}
	require.NoError(t, b.Insert(dev, 0x10000, 0x1000))

	vcpu, run := newTestVCPU(t, b)
	mmio := mmioUnion(run)
	mmio.PhysAddr = 0x10000
	mmio.Len = 4
	mmio.IsWrite = 1
	mmio.Data = [8]byte{1, 2, 3, 4}

	vcpu.handleMMIOExit()
	require.Equal(t, []byte{1, 2, 3, 4}, dev.lastWrite)
}

func TestHandleMMIOExitDispatchesRead(t *testing.T) {
	b := bus.New(0x10000, 0x1000, hclog.NewNullLogger())
	dev := &recordingDevice{readValue: 0x99}
	require.NoError(t, b.Insert(dev, 0x10000, 0x1000))

	vcpu, run := newTestVCPU(t, b)
	mmio := mmioUnion(run)
	mmio.PhysAddr = 0x10000
	mmio.Len = 2
	mmio.IsWrite = 0

	vcpu.handleMMIOExit()
	require.Equal(t, byte(0x99), mmio.Data[0])
	require.Equal(t, byte(0x99), mmio.Data[1])
}
