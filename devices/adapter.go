package devices

import (
	"github.com/hashicorp/go-hclog"
)

// PortDevice is the legacy-device capability: dispatch by absolute port
// number, direction, and transfer size. pic.go, serial.go, and keyboard.go
// all implement it.
type PortDevice interface {
	HandleIO(port uint16, direction uint8, size uint8, data []byte) error
}

// BusBridge adapts a PortDevice onto the bus.Device capability (Read/Write
// by device-relative offset), so legacy devices can be registered on the
// synthetic Bus without changing their HandleIO signature.
type BusBridge struct {
	Base   uint16
	Device PortDevice
	Log    hclog.Logger
}

// NewBusBridge wraps dev so it can be passed to Bus.Insert.
func NewBusBridge(base uint16, dev PortDevice, log hclog.Logger) *BusBridge {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &BusBridge{Base: base, Device: dev, Log: log}
}

func (b *BusBridge) Read(offset uint64, data []byte) {
	port := b.Base + uint16(offset)
	if err := b.Device.HandleIO(port, IODirectionIn, uint8(len(data)), data); err != nil {
		b.Log.Error("legacy device read failed", "port", port, "error", err)
	}
}

func (b *BusBridge) Write(offset uint64, data []byte) {
	port := b.Base + uint16(offset)
	if err := b.Device.HandleIO(port, IODirectionOut, uint8(len(data)), data); err != nil {
		b.Log.Error("legacy device write failed", "port", port, "error", err)
	}
}
