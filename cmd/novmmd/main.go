// Command novmmd boots a single microVM and blocks until it exits or is
// signaled to stop. It takes only a handful of process-level parameters
// (memory size, vCPU count, optional block/balloon/entropy/VFIO device
// configuration); the boot image is not a parameter but boot_pm.bin, read
// from the current directory or its parent. Full CLI/JSON configuration
// parsing is intentionally out of scope.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"novmm"
)

func main() {
	memMB := flag.Int("mem-mb", 128, "guest memory size in MiB")
	numVCPUs := flag.Int("vcpus", 1, "number of vCPUs")
	debug := flag.Bool("debug", false, "enable debug logging")
	blockImage := flag.String("block-image", "", "raw disk image to attach as a virtio-block device")
	blockReadOnly := flag.Bool("block-readonly", false, "attach block-image read-only")
	balloon := flag.Bool("balloon", false, "install a virtio-balloon device")
	balloonStats := flag.Duration("balloon-stats-interval", 0, "virtio-balloon stats queue poll interval (0 disables it)")
	entropy := flag.Bool("entropy", false, "install a virtio-rng device")
	vfioDevice := flag.String("vfio-device", "", "sysfs path of a PCI device to attach for VFIO passthrough")
	vfioBus := flag.Uint("vfio-bus", 0, "guest-visible PCI bus number for the passthrough device")
	vfioSlot := flag.Uint("vfio-slot", 1, "guest-visible PCI device number for the passthrough device")
	vfioFunction := flag.Uint("vfio-function", 0, "guest-visible PCI function number for the passthrough device")
	flag.Parse()

	cfg := novmm.VirtualMachineConfig{
		MemorySize:           uint64(*memMB) * 1024 * 1024,
		NumVCPUs:             *numVCPUs,
		Debug:                *debug,
		BlockImagePath:       *blockImage,
		BlockReadOnly:        *blockReadOnly,
		BalloonEnabled:       *balloon,
		BalloonStatsInterval: *balloonStats,
		EntropyEnabled:       *entropy,
		VFIODevicePath:       *vfioDevice,
		VFIOBus:              uint8(*vfioBus),
		VFIODevice:           uint8(*vfioSlot),
		VFIOFunction:         uint8(*vfioFunction),
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "novmmd:", err)
		os.Exit(1)
	}
}

func run(cfg novmm.VirtualMachineConfig) error {
	vm, err := novmm.NewVirtualMachine(cfg)
	if err != nil {
		return fmt.Errorf("create virtual machine: %w", err)
	}
	defer vm.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		vm.Stop()
	}()

	return vm.Run()
}
