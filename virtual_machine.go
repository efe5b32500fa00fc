// Package novmm implements the monitor's orchestration layer: VM and vCPU
// lifecycle, guest memory and GDT/paging bring-up, the synthetic bus
// wiring every legacy and virtio device onto PIO/MMIO address space, and
// the single event-loop thread driving them.
package novmm

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"novmm/bus"
	"novmm/devices"
	"novmm/errs"
	"novmm/eventloop"
	"novmm/hypervisor"
	"novmm/metrics"
	"novmm/network"
	"novmm/resource"
	"novmm/vfio"
	"novmm/virtio"
	virtioballoon "novmm/virtio/balloon"
	virtioblock "novmm/virtio/block"
	virtioentropy "novmm/virtio/entropy"
	virtionet "novmm/virtio/net"
)

// Flat 32-bit protected-mode segment layout this core enters every vCPU
// with: a 3-entry GDT (null, flat code, flat data) loaded at gdtAddress.
const (
	gdtAddress          = 0x500
	gdtEntryCount       = 3
	gdtLimit            = uint16(gdtEntryCount*8 - 1)
	codeSegmentSelector = 1 * 8
	dataSegmentSelector = 2 * 8

	pageDirectoryAddress = 0x1000
	bootImageAddress     = 0x0
	bootEntryPoint       = 0x0
	bootStackPointer     = 0x9000

	// mmioBase/mmioStride match the bus's guest-visible MMIO window:
	// everything below the top 768MiB of a 32-bit address space is PIO,
	// everything above is a fixed-stride virtio-MMIO slot.
	mmioBase   = uint64(1)<<32 - uint64(768)<<20
	mmioStride = 0x1000

	defaultMemorySize = 128 * 1024 * 1024

	virtioVendorID = 0x4d4f564e // "NOVM"
)

// VirtualMachine owns one KVM VM: its guest memory, vCPUs, bus-resident
// device set, and the event loop driving virtio notifications and backend
// I/O completions.
type VirtualMachine struct {
	vmFD        int
	kvmFD       int
	guestMemory []byte
	memory      *hypervisor.GuestMemory
	vcpus       []*VCPU

	bus       *bus.Bus
	resources *resource.Allocator
	metrics   *metrics.Registry
	loop      *eventloop.Loop
	log       hclog.Logger

	pic      *devices.PICDevice
	serial   *devices.SerialPortDevice
	keyboard *devices.KeyboardDevice
	bootTime *devices.BootTimerDevice

	tap          network.HostNetInterface
	netDevice    *virtionet.Device
	netTransport *virtio.MmioTransport

	blockBackend   virtioblock.Backend
	blockDevice    *virtioblock.Device
	blockTransport *virtio.MmioTransport

	balloonDevice    *virtioballoon.Device
	balloonTransport *virtio.MmioTransport

	entropyDevice    *virtioentropy.Device
	entropyTransport *virtio.MmioTransport

	vfioBundle *vfio.DeviceBundle
	vfioKvmFD  int

	MemorySize uint64
	NumVCPUs   int

	stopChan     chan struct{}
	vcpusRunning chan struct{}
	Debug        bool
}

// VirtualMachineConfig configures the optional device set NewVirtualMachine
// installs beyond the always-present legacy devices and virtio-net. Every
// field is optional; the zero value disables that device.
type VirtualMachineConfig struct {
	MemorySize uint64
	NumVCPUs   int
	Debug      bool

	// BlockImagePath, if set, backs a virtio-block device with a raw image
	// file opened via virtio/block's mmap-backed Backend.
	BlockImagePath string
	BlockReadOnly  bool

	// BalloonEnabled installs a virtio-balloon device. BalloonStatsInterval
	// > 0 additionally enables its stats queue.
	BalloonEnabled       bool
	BalloonStatsInterval time.Duration

	// EntropyEnabled installs a virtio-rng device.
	EntropyEnabled bool

	// VFIODevicePath, if set, attaches the named sysfs PCI device
	// (/sys/bus/pci/devices/<bdf>) for passthrough, installing its BAR
	// mappings as KVM memory slots, its CONFIG_ADDRESS/CONFIG_DATA bridge,
	// and its MSI-X table/PBA bus.Devices. VFIOBus/VFIODevice/VFIOFunction
	// name the PCI address the guest sees it at.
	VFIODevicePath string
	VFIOBus        uint8
	VFIODevice     uint8
	VFIOFunction   uint8
}

// NewVirtualMachine creates the KVM VM, installs guest DRAM, the legacy
// device set (PIC/serial/keyboard/boot-timer), a virtio-net device
// backed by a TAP interface, every device cfg requests (block/balloon/
// entropy/VFIO passthrough), and every requested vCPU, then loads the boot
// image at address 0.
func NewVirtualMachine(cfg VirtualMachineConfig) (*VirtualMachine, error) {
	memSize := cfg.MemorySize
	if memSize == 0 {
		memSize = defaultMemorySize
	}
	numVCPUs := cfg.NumVCPUs
	if numVCPUs == 0 {
		numVCPUs = 1
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "novmm", Level: hclog.Info})
	if cfg.Debug {
		log.SetLevel(hclog.Debug)
	}

	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	vmFD, err := hypervisor.CreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("create VM: %w", err)
	}

	guestMem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	memory := hypervisor.NewGuestMemory(vmFD)
	if _, err := memory.AddRegion(hypervisor.RegionDRAM, 0, memSize, uintptr(unsafe.Pointer(&guestMem[0])), 0); err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("install guest memory slot: %w", err)
	}

	loop, err := eventloop.New(log.Named("eventloop"))
	if err != nil {
		unix.Munmap(guestMem)
		unix.Close(vmFD)
		unix.Close(kvmFD)
		return nil, fmt.Errorf("create event loop: %w", err)
	}

	vm := &VirtualMachine{
		vmFD:        vmFD,
		kvmFD:       kvmFD,
		guestMemory: guestMem,
		memory:      memory,
		bus:         bus.New(mmioBase, mmioStride, log.Named("bus")),
		resources: resource.New(resource.Config{
			Mmio32Base: mmioBase,
			Mmio32Size: uint64(768) << 20,
			Mmio64Base: uint64(1) << 40,
			Mmio64Size: uint64(1) << 32,
			IrqBase:    9,
			IrqCount:   7,
			MemslotMax: 64,
		}),
		metrics:      metrics.NewRegistry(),
		loop:         loop,
		log:          log,
		MemorySize:   memSize,
		NumVCPUs:     numVCPUs,
		stopChan:     make(chan struct{}),
		vcpusRunning: make(chan struct{}, numVCPUs),
		Debug:        cfg.Debug,
	}

	if err := vm.installLegacyDevices(); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.installNetDevice(); err != nil {
		vm.Close()
		return nil, err
	}
	if cfg.BlockImagePath != "" {
		if err := vm.installBlockDevice(cfg.BlockImagePath, cfg.BlockReadOnly); err != nil {
			vm.Close()
			return nil, err
		}
	}
	if cfg.BalloonEnabled {
		if err := vm.installBalloonDevice(cfg.BalloonStatsInterval); err != nil {
			vm.Close()
			return nil, err
		}
	}
	if cfg.EntropyEnabled {
		if err := vm.installEntropyDevice(); err != nil {
			vm.Close()
			return nil, err
		}
	}
	if cfg.VFIODevicePath != "" {
		if err := vm.installVFIODevice(cfg.VFIODevicePath, cfg.VFIOBus, cfg.VFIODevice, cfg.VFIOFunction); err != nil {
			vm.Close()
			return nil, err
		}
	}

	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("create vcpu %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	if err := vm.loadBootImage(); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.installGDT(); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.installIdentityPaging(); err != nil {
		vm.Close()
		return nil, err
	}

	log.Info("virtual machine ready", "memory", memSize, "vcpus", numVCPUs)
	return vm, nil
}

// installLegacyDevices registers the PIC, serial, keyboard, and boot-timer
// devices on the bus. The keyboard's reset-pulse is wired to Stop, replacing
// no-op keyboard model. The PIT and CMOS RTC are not installed: nothing in
// this core names them as a guest-facing interface, and the boot-timer
// device already serves the guest's one legacy timing need.
func (vm *VirtualMachine) installLegacyDevices() error {
	vm.pic = devices.NewPICDevice()
	vm.serial = devices.NewSerialPortDevice(os.Stdout, vm.pic)
	vm.keyboard = devices.NewKeyboardDevice(func() { vm.Stop() })
	vm.bootTime = devices.NewBootTimerDevice()

	bridges := []struct {
		base uint16
		len  uint64
		dev  devices.PortDevice
	}{
		{devices.PIC_MASTER_CMD_PORT, 2, vm.pic},
		{devices.PIC_SLAVE_CMD_PORT, 2, vm.pic},
		{devices.COM1_PORT_BASE, 8, vm.serial},
		{devices.KEYBOARD_PORT_DATA, 1, vm.keyboard},
		{devices.KEYBOARD_PORT_STATUS, 1, vm.keyboard},
	}
	for _, b := range bridges {
		bridge := devices.NewBusBridge(b.base, b.dev, vm.log.Named("legacy"))
		if err := vm.bus.Insert(bridge, uint64(b.base), b.len); err != nil {
			return fmt.Errorf("register legacy device at port 0x%x: %w", b.base, err)
		}
	}

	timerBase, err := vm.resources.AllocateMmio32(mmioStride, mmioStride)
	if err != nil {
		return fmt.Errorf("allocate boot timer MMIO slot: %w", err)
	}
	if err := vm.bus.Insert(vm.bootTime, timerBase, mmioStride); err != nil {
		return fmt.Errorf("register boot timer device: %w", err)
	}
	return nil
}

// installNetDevice wires a TAP-backed virtio-net device onto the bus at an
// allocator-placed MMIO slot.
func (vm *VirtualMachine) installNetDevice() error {
	tap, err := network.NewTapDevice("tap0", vm.log.Named("tap"))
	if err != nil {
		vm.log.Warn("failed to create tap0, virtio-net device will have no host backend", "error", err)
		return nil
	}
	vm.tap = tap

	irq, err := vm.resources.AllocateIRQ()
	if err != nil {
		return fmt.Errorf("allocate virtio-net IRQ: %w", err)
	}
	trigger := &legacyIRQTrigger{pic: vm.pic, irqLine: uint8(irq)}

	vm.netDevice = virtionet.NewDevice("eth0", tap, nil, nil, trigger, vm.log.Named("virtio-net"))
	vm.netTransport = virtio.NewMmioTransport(vm.netDevice, virtioVendorID, vm.memory, vm.netNotify, vm.log.Named("virtio-net-mmio"))

	base, err := vm.resources.AllocateMmio32(mmioStride, mmioStride)
	if err != nil {
		return fmt.Errorf("allocate virtio-net MMIO slot: %w", err)
	}
	if err := vm.bus.Insert(vm.netTransport, base, mmioStride); err != nil {
		return fmt.Errorf("register virtio-net device: %w", err)
	}

	return vm.loop.Register(tap.FD(), func() {
		vm.netDevice.ProcessRXQueueEvent(vm.memory)
	})
}

// netNotify is the virtio.NotifyHandler for the net device's two queues.
func (vm *VirtualMachine) netNotify(queueIndex uint32, mem virtio.GuestMemory) {
	switch queueIndex {
	case 0:
		vm.netDevice.ProcessRXQueueEvent(mem)
	case 1:
		vm.netDevice.ProcessTXQueueEvent(mem)
	}
}

// installBlockDevice wires a virtio-block device backed by an mmap'd raw
// image file onto the bus at an allocator-placed MMIO slot.
func (vm *VirtualMachine) installBlockDevice(imagePath string, readOnly bool) error {
	backend, err := virtioblock.NewMmapBackend(imagePath, readOnly)
	if err != nil {
		return fmt.Errorf("open block image %s: %w", imagePath, err)
	}
	vm.blockBackend = backend

	irq, err := vm.resources.AllocateIRQ()
	if err != nil {
		return fmt.Errorf("allocate virtio-block IRQ: %w", err)
	}
	trigger := &legacyIRQTrigger{pic: vm.pic, irqLine: uint8(irq)}

	vm.blockDevice = virtioblock.NewDevice("vda", backend, readOnly, nil, trigger, vm.log.Named("virtio-block"))
	vm.blockTransport = virtio.NewMmioTransport(vm.blockDevice, virtioVendorID, vm.memory, vm.blockNotify, vm.log.Named("virtio-block-mmio"))

	base, err := vm.resources.AllocateMmio32(mmioStride, mmioStride)
	if err != nil {
		return fmt.Errorf("allocate virtio-block MMIO slot: %w", err)
	}
	if err := vm.bus.Insert(vm.blockTransport, base, mmioStride); err != nil {
		return fmt.Errorf("register virtio-block device: %w", err)
	}
	return nil
}

// blockNotify is the virtio.NotifyHandler for the block device's single
// queue.
func (vm *VirtualMachine) blockNotify(queueIndex uint32, mem virtio.GuestMemory) {
	vm.blockDevice.ProcessQueueEvent(mem)
}

// installBalloonDevice wires a virtio-balloon device, registering its
// stats timerfd with the event loop once the guest driver activates it
// (the timerfd does not exist before then).
func (vm *VirtualMachine) installBalloonDevice(statsInterval time.Duration) error {
	irq, err := vm.resources.AllocateIRQ()
	if err != nil {
		return fmt.Errorf("allocate virtio-balloon IRQ: %w", err)
	}
	trigger := &legacyIRQTrigger{pic: vm.pic, irqLine: uint8(irq)}

	vm.balloonDevice = virtioballoon.NewDevice("balloon0", vm.translateBalloonPFN, statsInterval, trigger, vm.log.Named("virtio-balloon"))
	vm.balloonTransport = virtio.NewMmioTransport(vm.balloonDevice, virtioVendorID, vm.memory, vm.balloonNotify, vm.log.Named("virtio-balloon-mmio"))
	vm.balloonTransport.SetActivationHook(func() {
		if fd := vm.balloonDevice.StatsTimerFD(); fd >= 0 {
			if err := vm.loop.Register(fd, func() { vm.balloonDevice.ProcessStatsQueueEvent(vm.memory) }); err != nil {
				vm.log.Error("failed to register balloon stats timerfd", "error", err)
			}
		}
	})

	base, err := vm.resources.AllocateMmio32(mmioStride, mmioStride)
	if err != nil {
		return fmt.Errorf("allocate virtio-balloon MMIO slot: %w", err)
	}
	return vm.bus.Insert(vm.balloonTransport, base, mmioStride)
}

// balloonNotify is the virtio.NotifyHandler for the balloon device's
// inflate/deflate/stats queues.
func (vm *VirtualMachine) balloonNotify(queueIndex uint32, mem virtio.GuestMemory) {
	switch queueIndex {
	case 0:
		vm.balloonDevice.ProcessInflateQueueEvent(mem)
	case 1:
		vm.balloonDevice.ProcessDeflateQueueEvent(mem)
	case 2:
		vm.balloonDevice.ProcessStatsQueueEvent(mem)
	}
}

// translateBalloonPFN maps a guest page-frame number to the host address
// backing it, by slicing the single page out of guest DRAM.
func (vm *VirtualMachine) translateBalloonPFN(pfn uint64) (uintptr, bool) {
	const balloonPageSize = 4096
	buf, ok := vm.memory.Slice(pfn*balloonPageSize, balloonPageSize)
	if !ok || len(buf) == 0 {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&buf[0])), true
}

// installEntropyDevice wires a virtio-rng device onto the bus at an
// allocator-placed MMIO slot.
func (vm *VirtualMachine) installEntropyDevice() error {
	irq, err := vm.resources.AllocateIRQ()
	if err != nil {
		return fmt.Errorf("allocate virtio-rng IRQ: %w", err)
	}
	trigger := &legacyIRQTrigger{pic: vm.pic, irqLine: uint8(irq)}

	vm.entropyDevice = virtioentropy.NewDevice("rng0", nil, trigger, vm.log.Named("virtio-rng"))
	vm.entropyTransport = virtio.NewMmioTransport(vm.entropyDevice, virtioVendorID, vm.memory, vm.entropyNotify, vm.log.Named("virtio-rng-mmio"))

	base, err := vm.resources.AllocateMmio32(mmioStride, mmioStride)
	if err != nil {
		return fmt.Errorf("allocate virtio-rng MMIO slot: %w", err)
	}
	return vm.bus.Insert(vm.entropyTransport, base, mmioStride)
}

// entropyNotify is the virtio.NotifyHandler for the entropy device's
// single queue.
func (vm *VirtualMachine) entropyNotify(queueIndex uint32, mem virtio.GuestMemory) {
	vm.entropyDevice.ProcessQueueEvent(mem)
}

// installVFIODevice attaches the sysfs-named PCI device for passthrough:
// its sized BARs are installed as KVM memory slots bypassing userspace,
// its MSI-X table/PBA holes and CONFIG_ADDRESS/CONFIG_DATA bridge are
// registered as trapped bus.Devices, its IOMMU group is attached to this
// VM's KVM_DEV_TYPE_VFIO device, and every guest DRAM region is mapped
// into the IOMMU so the device can DMA directly into guest memory.
func (vm *VirtualMachine) installVFIODevice(sysfsPath string, busNum, device, function uint8) error {
	bundle, err := vfio.Attach(sysfsPath, vm.resources, vm.memory)
	if err != nil {
		return fmt.Errorf("attach vfio device %s: %w", sysfsPath, err)
	}
	vm.vfioBundle = bundle

	if bundle.Group != nil {
		if container := bundle.Group.Container(); container != nil {
			for _, region := range vm.memory.DRAMRegions() {
				if err := container.MapDMA(region.HostAddr, region.GPA, region.Size); err != nil {
					return fmt.Errorf("map guest DRAM into vfio IOMMU: %w", err)
				}
			}
		}
		kvmFD, err := vfio.RegisterWithKVM(vm.vmFD, 0, bundle.Group)
		if err != nil {
			return fmt.Errorf("register vfio group with KVM: %w", err)
		}
		vm.vfioKvmFD = kvmFD
	}

	configPorts := bundle.ConfigPorts(busNum, device, function)
	if err := vm.bus.Insert(configPorts, vfio.ConfigPortsBase, 8); err != nil {
		return fmt.Errorf("register vfio config ports: %w", err)
	}

	for _, hole := range bundle.BarHoles {
		var dev bus.Device
		switch hole.Usage {
		case vfio.BarHoleTable:
			dev = &vfio.MsixTableDevice{Msix: bundle.Msix}
		case vfio.BarHolePba:
			dev = &vfio.MsixPbaDevice{Msix: bundle.Msix}
		default:
			continue
		}
		if err := vm.bus.Insert(dev, hole.GPA, hole.Size); err != nil {
			return fmt.Errorf("register vfio BAR hole at 0x%x: %w", hole.GPA, err)
		}
	}
	return nil
}

func (vm *VirtualMachine) loadBootImage() error {
	paths := []string{"../boot_pm.bin", "boot_pm.bin"}
	var program []byte
	var err error
	for _, p := range paths {
		program, err = os.ReadFile(p)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("read boot image: %w", err)
	}
	return vm.LoadBinary(program, bootImageAddress)
}

// installGDT constructs and loads the flat 3-entry GDT every vCPU's sregs
// point at.
func (vm *VirtualMachine) installGDT() error {
	gdt := make([]hypervisor.GDTEntry, gdtEntryCount)
	gdt[0] = hypervisor.NewGDTEntry(0, 0, 0, 0)
	gdt[1] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF)
	gdt[2] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF)

	gdtBytes := make([]byte, len(gdt)*8)
	for i, entry := range gdt {
		entryBytes := (*[8]byte)(unsafe.Pointer(&entry))
		copy(gdtBytes[i*8:], entryBytes[:])
	}
	if gdtAddress+uint64(len(gdtBytes)) > vm.MemorySize {
		return &errs.ConfigError{Component: "VirtualMachine", Reason: "GDT does not fit in guest memory"}
	}
	copy(vm.guestMemory[gdtAddress:], gdtBytes)
	vm.log.Debug("GDT installed", "address", gdtAddress, "entries", len(gdt))
	return nil
}

// installIdentityPaging maps the first 4MB of guest physical address space
// 1:1 via a single 4MB page directory entry.
func (vm *VirtualMachine) installIdentityPaging() error {
	if pageDirectoryAddress+4 > vm.MemorySize {
		return &errs.ConfigError{Component: "VirtualMachine", Reason: "page directory does not fit in guest memory"}
	}
	flags := hypervisor.PTE_PRESENT | hypervisor.PTE_READ_WRITE | hypervisor.PTE_USER_SUPER | hypervisor.PDE_PAGE_SIZE
	pde := hypervisor.NewPDE4MB(0x0, flags)
	vm.guestMemory[pageDirectoryAddress+0] = byte(pde >> 0)
	vm.guestMemory[pageDirectoryAddress+1] = byte(pde >> 8)
	vm.guestMemory[pageDirectoryAddress+2] = byte(pde >> 16)
	vm.guestMemory[pageDirectoryAddress+3] = byte(pde >> 24)
	vm.log.Debug("identity-mapped first 4MB", "pde_address", pageDirectoryAddress)
	return nil
}

// LoadBinary copies image into guest memory at address.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.MemorySize {
		return &errs.ConfigError{Component: "VirtualMachine", Reason: "binary image out of bounds"}
	}
	copy(vm.guestMemory[address:], image)
	vm.log.Debug("loaded binary", "bytes", len(image), "address", address)
	return nil
}

// Run starts every vCPU's run loop and the event loop's I/O thread, and
// blocks until every vCPU has exited.
func (vm *VirtualMachine) Run() error {
	vm.log.Debug("starting vcpu run loops")
	go func() {
		for {
			if _, err := vm.loop.RunOnce(100 * time.Millisecond); err != nil {
				vm.log.Error("event loop error", "error", err)
				return
			}
			select {
			case <-vm.stopChan:
				return
			default:
			}
		}
	}()

	for _, vcpu := range vm.vcpus {
		go func(v *VCPU) {
			if err := v.Run(); err != nil {
				vm.log.Error("vcpu exited with error", "vcpu", v.id, "error", err)
			} else {
				vm.log.Debug("vcpu exited normally", "vcpu", v.id)
			}
			vm.vcpusRunning <- struct{}{}
		}(vcpu)
	}

	for i := 0; i < vm.NumVCPUs; i++ {
		<-vm.vcpusRunning
	}
	vm.log.Debug("all vcpus have completed their run loops")
	return nil
}

// Stop signals every vCPU and the event loop to exit. Idempotent.
func (vm *VirtualMachine) Stop() {
	select {
	case <-vm.stopChan:
	default:
		close(vm.stopChan)
	}
}

// Close stops the VM if still running and releases every resource: vCPUs,
// guest memory, the TAP device, the event loop, and the VM/KVM fds.
func (vm *VirtualMachine) Close() {
	vm.Stop()

	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close()
		}
	}
	if vm.guestMemory != nil {
		unix.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.tap != nil {
		if err := vm.tap.Close(); err != nil {
			vm.log.Error("error closing tap device", "error", err)
		}
		vm.tap = nil
	}
	if vm.blockBackend != nil {
		if err := vm.blockBackend.Close(); err != nil {
			vm.log.Error("error closing block backend", "error", err)
		}
		vm.blockBackend = nil
	}
	if vm.vfioBundle != nil {
		if err := vm.vfioBundle.Close(); err != nil {
			vm.log.Error("error closing vfio device", "error", err)
		}
		vm.vfioBundle = nil
	}
	if vm.loop != nil {
		vm.loop.Close()
		vm.loop = nil
	}
	if vm.vmFD != 0 {
		unix.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		unix.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
	vm.log.Debug("closed")
}

// GetVCPU returns the vCPU with the given id.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, &errs.ConfigError{Component: "VirtualMachine", Reason: fmt.Sprintf("vcpu id %d out of range", id)}
	}
	return vm.vcpus[id], nil
}

// InjectInterrupt raises vector on the given vCPU.
func (vm *VirtualMachine) InjectInterrupt(vcpuID int, vector uint8) error {
	vcpu, err := vm.GetVCPU(vcpuID)
	if err != nil {
		return err
	}
	return vcpu.InjectInterrupt(vector)
}

// CheckForPendingInterrupts asks the PIC for its next vector and injects it
// into vCPU 0, the only vCPU routing legacy (non-APIC) interrupts in this
// core's single-PIC model.
func (vm *VirtualMachine) CheckForPendingInterrupts() {
	if !vm.pic.HasPendingInterrupts() {
		return
	}
	vector := vm.pic.GetInterruptVector()
	if vector == 0 {
		return
	}
	if err := vm.InjectInterrupt(0, vector); err != nil {
		vm.log.Error("failed to inject interrupt", "vector", vector, "error", err)
	}
}

// legacyIRQTrigger implements virtio.InterruptTrigger for an MMIO-transport
// device sharing the legacy PIC's IRQ lines, since this core does not model
// a guest-visible MSI/MSI-X path for its own virtio devices (only for VFIO
// passthrough devices, which carry their own MSI-X config).
type legacyIRQTrigger struct {
	mu      sync.Mutex
	pic     *devices.PICDevice
	irqLine uint8
	status  uint32
}

func (t *legacyIRQTrigger) Trigger(statusBit uint32) error {
	t.mu.Lock()
	t.status |= statusBit
	t.mu.Unlock()
	t.pic.RaiseIRQ(t.irqLine)
	return nil
}

func (t *legacyIRQTrigger) InterruptStatus() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *legacyIRQTrigger) AckInterrupt(ackBits uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status &^= ackBits
}
