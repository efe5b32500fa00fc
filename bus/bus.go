// Package bus implements the synthetic I/O bus: address-indexed dispatch of
// guest vCPU-exit reads/writes to device models across two address spaces,
// PIO below MMIO_BASE and fixed-stride MMIO above it.
package bus

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"novmm/errs"
)

// Device is the capability every bus-resident device implements: read and
// write against an offset relative to its own base address. A device must
// not block waiting on its own lock from within these calls.
type Device interface {
	Read(offset uint64, data []byte)
	Write(offset uint64, data []byte)
}

type entry struct {
	base   uint64
	length uint64
	device Device
	mu     sync.Mutex
}

func (e *entry) contains(addr uint64) bool {
	return addr >= e.base && addr < e.base+e.length
}

func overlaps(base1, len1, base2, len2 uint64) bool {
	end1 := base1 + len1
	end2 := base2 + len2
	return base1 < end2 && base2 < end1
}

// Bus dispatches reads/writes by guest physical address. PIO entries are
// searched linearly (expected few legacy devices); MMIO entries are indexed
// directly by slot number, since virtio-MMIO devices sit at a fixed stride.
type Bus struct {
	mmioBase   uint64
	mmioStride uint64

	mu    sync.RWMutex
	pio   []*entry
	mmio  map[uint64]*entry

	log hclog.Logger
}

// New constructs an empty Bus. A typical layout reserves the top 768MiB
// of a 32-bit address space for fixed-stride MMIO slots: mmioBase =
// 1<<32 - 768<<20, stride 0x1000.
func New(mmioBase, mmioStride uint64, log hclog.Logger) *Bus {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Bus{
		mmioBase:   mmioBase,
		mmioStride: mmioStride,
		mmio:       make(map[uint64]*entry),
		log:        log.Named("bus"),
	}
}

// Insert places device at [base, base+length) in PIO space if base is below
// MMIO_BASE, otherwise as an MMIO slot at (base-MMIO_BASE)/stride. It fails
// with BusError{Overlap} if any byte of the range is already claimed.
func (b *Bus) Insert(device Device, base, length uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if base < b.mmioBase {
		for _, e := range b.pio {
			if overlaps(e.base, e.length, base, length) {
				return &errs.BusError{Kind: errs.BusErrorOverlap, Base: base, Length: length}
			}
		}
		b.pio = append(b.pio, &entry{base: base, length: length, device: device})
		return nil
	}

	slot := (base - b.mmioBase) / b.mmioStride
	if _, exists := b.mmio[slot]; exists {
		return &errs.BusError{Kind: errs.BusErrorOverlap, Base: base, Length: length}
	}
	for _, e := range b.mmio {
		if overlaps(e.base, e.length, base, length) {
			return &errs.BusError{Kind: errs.BusErrorOverlap, Base: base, Length: length}
		}
	}
	b.mmio[slot] =&entry{base: base, length: length, device: device}
	return nil
}

func (b *Bus) find(addr uint64) *entry {
	if addr < b.mmioBase {
		for _, e := range b.pio {
			if e.contains(addr) {
				return e
			}
		}
		return nil
	}
	slot := (addr - b.mmioBase) / b.mmioStride
	return b.mmio[slot]
}

// Read locates the owning device and calls its Read with the
// device-relative offset. It returns false on a miss, in which case buf is
// left untouched (the guest observes zeroed data because KVM zero-fills
// unmapped MMIO reads, and the miss is logged at error level).
func (b *Bus) Read(addr uint64, buf []byte) bool {
	b.mu.RLock()
	e := b.find(addr)
	b.mu.RUnlock()
	if e == nil {
		b.log.Error("read to unassigned bus address", "addr", addr, "len", len(buf))
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device.Read(addr-e.base, buf)
	return true
}

// Write locates the owning device and calls its Write with the
// device-relative offset. It returns false on a miss, in which case the
// write is dropped and logged at error level.
func (b *Bus) Write(addr uint64, buf []byte) bool {
	b.mu.RLock()
	e := b.find(addr)
	b.mu.RUnlock()
	if e == nil {
		b.log.Error("write to unassigned bus address", "addr", addr, "len", len(buf))
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device.Write(addr-e.base, buf)
	return true
}
