package virtio

import (
	"encoding/binary"

	"github.com/hashicorp/go-hclog"
)

// MMIO register offsets, virtio-mmio version 2 (virtio 1.x transport).
const (
	regMagic           = 0x000 // "virt" little-endian
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00c
	regDeviceFeatures  = 0x010
	regDeviceFeatSel   = 0x014
	regDriverFeatures  = 0x020
	regDriverFeatSel   = 0x024
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueueReady      = 0x044
	regQueueNotify     = 0x050
	regInterruptStatus = 0x060
	regInterruptACK    = 0x064
	regStatus          = 0x070
	regQueueDescLow    = 0x080
	regQueueDescHigh   = 0x084
	regAvailLow        = 0x090
	regAvailHigh       = 0x094
	regUsedLow         = 0x0a0
	regUsedHigh        = 0x0a4
	regConfigGenerat   = 0x0fc
	configSpaceBase    = 0x100

	mmioMagic   uint32 = 0x74726976 // "virt"
	mmioVersion uint32 = 2
)

// NotifyHandler is invoked synchronously when the guest writes the queue
// index to regQueueNotify, the signal to process newly available buffers.
// Concrete devices pass their own process_<queue>_event equivalent.
type NotifyHandler func(queueIndex uint32, mem GuestMemory)

// MmioTransport is the bus.Device implementing the virtio-MMIO register
// layout around one Device, translating guest register writes into feature
// negotiation, queue configuration, and queue-kick notification.
type MmioTransport struct {
	dev      Device
	vendorID uint32
	mem      GuestMemory
	notify   NotifyHandler
	log      hclog.Logger

	// onActivated, if set, fires once after a successful DRIVER_OK
	// transition, so a device whose host-side resources only exist once
	// activated (e.g. balloon's stats timerfd) can register them with the
	// event loop at the right time.
	onActivated func()

	queueSel      uint32
	featuresSel   uint32
	driverFeatSel uint32

	// pending queue address halves, latched until both halves are written
	descLow, descHigh   uint32
	availLow, availHigh uint32
	usedLow, usedHigh   uint32
}

// NewMmioTransport wires dev behind the virtio-MMIO register file. notify is
// called whenever the guest kicks a queue via regQueueNotify.
func NewMmioTransport(dev Device, vendorID uint32, mem GuestMemory, notify NotifyHandler, log hclog.Logger) *MmioTransport {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &MmioTransport{dev: dev, vendorID: vendorID, mem: mem, notify: notify, log: log}
}

// SetActivationHook registers f to run once after the device transitions
// to DRIVER_OK.
func (m *MmioTransport) SetActivationHook(f func()) { m.onActivated = f }

func (m *MmioTransport) selectedQueue() *Queue {
	qs := m.dev.Queues()
	if int(m.queueSel) >= len(qs) {
		return nil
	}
	return qs[m.queueSel]
}

// Read implements bus.Device.
func (m *MmioTransport) Read(offset uint64, data []byte) {
	if offset >= configSpaceBase {
		m.dev.ReadConfig(offset-configSpaceBase, data)
		return
	}
	var v uint32
	switch offset {
	case regMagic:
		v = mmioMagic
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = m.dev.DeviceType()
	case regVendorID:
		v = m.vendorID
	case regDeviceFeatures:
		feat := m.dev.AvailFeatures()
		if m.featuresSel == 0 {
			v = uint32(feat)
		} else {
			v = uint32(feat >> 32)
		}
	case regQueueNumMax:
		if q := m.selectedQueue(); q != nil {
			v = q.Size
		}
	case regQueueReady:
		if q := m.selectedQueue(); q != nil && q.Ready {
			v = 1
		}
	case regInterruptStatus:
		v = m.dev.InterruptTrigger().InterruptStatus()
	case regStatus:
		if base, ok := m.dev.(interface{ Status() uint32 }); ok {
			v = base.Status()
		}
	case regConfigGenerat:
		v = 0
	default:
		v = 0
	}
	putLE(data, v)
}

// Write implements bus.Device.
func (m *MmioTransport) Write(offset uint64, data []byte) {
	if offset >= configSpaceBase {
		m.dev.WriteConfig(offset-configSpaceBase, data)
		return
	}
	v := getLE(data)
	switch offset {
	case regDeviceFeatSel:
		m.featuresSel = v
	case regDriverFeatures:
		feat := m.dev.AckedFeatures()
		if m.driverFeatSel == 0 {
			feat = (feat &^ 0xffffffff) | uint64(v)
		} else {
			feat = (feat & 0xffffffff) | (uint64(v) << 32)
		}
		m.dev.SetAckedFeatures(feat)
	case regDriverFeatSel:
		m.driverFeatSel = v
	case regQueueSel:
		m.queueSel = v
	case regQueueNum:
		if q := m.selectedQueue(); q != nil {
			q.Size = v
		}
	case regQueueReady:
		if q := m.selectedQueue(); q != nil {
			q.Ready = v != 0
			if q.Ready {
				q.DescTableAddr = addr64(m.descLow, m.descHigh)
				q.AvailAddr = addr64(m.availLow, m.availHigh)
				q.UsedAddr = addr64(m.usedLow, m.usedHigh)
			}
		}
	case regQueueDescLow:
		m.descLow = v
	case regQueueDescHigh:
		m.descHigh = v
	case regAvailLow:
		m.availLow = v
	case regAvailHigh:
		m.availHigh = v
	case regUsedLow:
		m.usedLow = v
	case regUsedHigh:
		m.usedHigh = v
	case regQueueNotify:
		if m.notify != nil {
			m.notify(v, m.mem)
		}
	case regInterruptACK:
		m.dev.InterruptTrigger().AckInterrupt(v)
	case regStatus:
		if base, ok := m.dev.(interface {
			SetStatus(uint32, func() error)
		}); ok {
			base.SetStatus(v, func() error {
				if err := m.dev.Activate(m.mem); err != nil {
					return err
				}
				if m.onActivated != nil {
					m.onActivated()
				}
				return nil
			})
		}
	}
}

func putLE(data []byte, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	n := copy(data, buf[:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func getLE(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:])
}

func addr64(low, high uint32) uint64 {
	return uint64(low) | uint64(high)<<32
}
