package devices

import (
	"encoding/binary"
	"time"
)

// BootTimerDevice is a single MMIO slot exposing elapsed boot time in
// microseconds as a little-endian uint64, used by guest init code to report
// boot latency. It has no interrupt and no write semantics.
type BootTimerDevice struct {
	start time.Time
}

// NewBootTimerDevice returns a device whose clock starts now.
func NewBootTimerDevice() *BootTimerDevice {
	return &BootTimerDevice{start: time.Now()}
}

// Read implements bus.Device.
func (t *BootTimerDevice) Read(offset uint64, data []byte) {
	if offset != 0 {
		for i := range data {
			data[i] = 0
		}
		return
	}
	elapsedUs := uint64(time.Since(t.start).Microseconds())
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], elapsedUs)
	n := copy(data, buf[:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

// Write implements bus.Device; the boot timer ignores writes.
func (t *BootTimerDevice) Write(offset uint64, data []byte) {}
