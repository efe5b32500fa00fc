// Package net implements the virtio-net device model: RX/TX queues driven
// by a host tap backend, with an optional MMDS diversion hook that can
// intercept frames addressed to the guest metadata service before they
// reach the tap.
package net

import (
	"sync"

	"github.com/hashicorp/go-hclog"

	"novmm/network"
	"novmm/ratelimiter"
	"novmm/virtio"
)

const (
	queueRX = 0
	queueTX = 1
)

const netQueueSize = 256

// Device implements the virtio-net device model: two queues (RX, TX), a
// tap backend, and an optional MMDS stack that intercepts frames addressed
// to the metadata service before they reach the tap.
type Device struct {
	virtio.Base

	// mu serializes TX/RX processing: the guest can kick either queue from
	// a vCPU thread via the bus while the event loop independently wakes
	// RX processing on tap readability.
	mu sync.Mutex

	tap       network.HostNetInterface
	mmds      network.MmdsStack
	rxLimiter *ratelimiter.RateLimiter
	txLimiter *ratelimiter.RateLimiter
	log       hclog.Logger

	rxDeferred [][]byte // frames waiting for RX descriptors
}

// NewDevice constructs a virtio-net device over tap, with independent
// rate limiters for the RX and TX directions (either may be nil to disable
// limiting on that direction).
func NewDevice(id string, tap network.HostNetInterface, rxLimiter, txLimiter *ratelimiter.RateLimiter, interrupt virtio.InterruptTrigger, log hclog.Logger) *Device {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	queues := []*virtio.Queue{virtio.NewQueue(netQueueSize), virtio.NewQueue(netQueueSize)}
	const featCsum = 1 << 0
	const featGuestCsum = 1 << 1
	return &Device{
		Base:      virtio.NewBase(id, virtio.TypeNet, featCsum|featGuestCsum, queues, interrupt),
		tap:       tap,
		rxLimiter: rxLimiter,
		txLimiter: txLimiter,
		log:       log,
	}
}

// ConfigureMmds binds the device's MMDS diversion, idempotently.
func (d *Device) ConfigureMmds(cfg network.MmdsConfig, responder network.MmdsResponder) {
	d.mmds.Configure(cfg, responder)
}

// DisableMmds unbinds MMDS without touching the tap interface.
func (d *Device) DisableMmds() {
	d.mmds.Disable()
}

func (d *Device) Activate(mem virtio.GuestMemory) error {
	return nil
}

// ReadConfig serves the virtio-net config space: a 6-byte MAC address
// followed by a 2-byte link-status field, always reported up.
func (d *Device) ReadConfig(offset uint64, data []byte) {
	var cfg [8]byte
	// MAC left zeroed: this core does not assign guest MACs, matching
	// scope (host network provisioning is out of scope).
	cfg[6], cfg[7] = 1, 0 // VIRTIO_NET_S_LINK_UP
	if offset >= uint64(len(cfg)) {
		for i := range data {
			data[i] = 0
		}
		return
	}
	n := copy(data, cfg[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func (d *Device) WriteConfig(offset uint64, data []byte) {}

// State is the persisted shape of a net device: the shared virtio device
// state plus whatever MMDS binding was active. MmdsEnabled/MmdsIPv4Address
// describe the binding; the responder itself is behavior, not data, and is
// supplied again to Restore.
type State struct {
	virtio.DeviceState
	MmdsEnabled     bool
	MmdsIPv4Address [4]byte
}

// Save captures the device's negotiated features, queue state, and MMDS
// config (if any).
func (d *Device) Save() State {
	s := State{DeviceState: d.Base.Save()}
	if d.mmds.Enabled() {
		s.MmdsEnabled = true
		s.MmdsIPv4Address = d.mmds.Config.IPv4Address
	}
	return s
}

// Restore reconstructs a net device from a saved state, a tap backend, and
// rate limiters, without replaying the activation handshake. If the saved
// state had MMDS enabled, responder rebinds it; a nil responder leaves MMDS
// disabled even if it was enabled at save time.
func Restore(state State, tap network.HostNetInterface, responder network.MmdsResponder, rxLimiter, txLimiter *ratelimiter.RateLimiter, interrupt virtio.InterruptTrigger, log hclog.Logger) *Device {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	const featCsum = 1 << 0
	const featGuestCsum = 1 << 1
	d := &Device{
		Base:      virtio.RestoreBase(state.DeviceState, featCsum|featGuestCsum, interrupt),
		tap:       tap,
		rxLimiter: rxLimiter,
		txLimiter: txLimiter,
		log:       log,
	}
	if state.MmdsEnabled && responder != nil {
		d.mmds.Configure(network.MmdsConfig{IPv4Address: state.MmdsIPv4Address}, responder)
	}
	return d
}

// ProcessTXQueueEvent drains the TX queue, writing each frame either to the
// MMDS responder (if it matches) or to the tap backend.
func (d *Device) ProcessTXQueueEvent(mem virtio.GuestMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.IsActivated() {
		return
	}
	q := d.Base.Queues()[queueTX]
	for {
		chain, err := q.PopChain(mem)
		if err != nil {
			d.log.Error("net: malformed TX chain", "error", err)
			return
		}
		if chain == nil {
			return
		}
		frame := d.gatherFrame(mem, chain)
		if d.txLimiter != nil && !d.txLimiter.Consume(int64(len(frame))) {
			// Parked: in a full implementation the chain would be
			// requeued; here the frame is dropped, matching the same
			// simplification noted for the block device.
			q.PushUsed(mem, chain.HeadIndex, 0)
			continue
		}
		d.deliver(frame)
		q.PushUsed(mem, chain.HeadIndex, 0)
		d.Base.InterruptTrigger().Trigger(virtio.IntVRing)
	}
}

func (d *Device) deliver(frame []byte) {
	if d.mmds.Enabled() && d.mmds.Responder.Matches(frame) {
		replies, err := d.mmds.Responder.Respond(frame)
		if err != nil {
			d.log.Error("mmds respond failed", "error", err)
			return
		}
		d.rxDeferred = append(d.rxDeferred, replies...)
		return
	}
	if d.tap != nil {
		if err := d.tap.WritePacket(frame); err != nil {
			d.log.Error("tap write failed", "error", err)
		}
	}
}

func (d *Device) gatherFrame(mem virtio.GuestMemory, chain *virtio.Chain) []byte {
	var frame []byte
	for _, desc := range chain.Descs {
		if b, ok := mem.Slice(desc.Addr, uint64(desc.Len)); ok {
			frame = append(frame, b...)
		}
	}
	return frame
}

// ProcessRXQueueEvent is called both on a queue-notify kick (the guest
// handed back RX descriptors) and from the tap's readiness callback; it
// drains any deferred MMDS replies first, then reads frames off the tap
// while RX descriptors remain.
func (d *Device) ProcessRXQueueEvent(mem virtio.GuestMemory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.IsActivated() {
		return
	}
	q := d.Base.Queues()[queueRX]
	for len(d.rxDeferred) > 0 {
		if !d.pushRX(mem, q, d.rxDeferred[0]) {
			return
		}
		d.rxDeferred = d.rxDeferred[1:]
	}
	if d.tap == nil {
		return
	}
	for {
		frame, err := d.tap.ReadPacket()
		if err != nil {
			d.log.Error("tap read failed", "error", err)
			return
		}
		if frame == nil {
			return
		}
		if !d.pushRX(mem, q, frame) {
			return
		}
	}
}

func (d *Device) pushRX(mem virtio.GuestMemory, q *virtio.Queue, frame []byte) bool {
	chain, err := q.PopChain(mem)
	if err != nil {
		d.log.Error("net: malformed RX chain", "error", err)
		return false
	}
	if chain == nil {
		return false
	}
	written := uint32(0)
	remaining := frame
	for _, desc := range chain.Descs {
		if len(remaining) == 0 {
			break
		}
		b, ok := mem.Slice(desc.Addr, uint64(desc.Len))
		if !ok {
			break
		}
		n := copy(b, remaining)
		remaining = remaining[n:]
		written += uint32(n)
	}
	q.PushUsed(mem, chain.HeadIndex, written)
	d.Base.InterruptTrigger().Trigger(virtio.IntVRing)
	return true
}
