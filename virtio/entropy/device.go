// Package entropy implements the virtio-rng device model: a single queue,
// each chain a device-writable buffer filled from the host entropy source
// up to a rate-limited byte budget.
package entropy

import (
	"crypto/rand"

	"github.com/hashicorp/go-hclog"

	"novmm/ratelimiter"
	"novmm/virtio"
)

const queueSize = 256

// Device fills guest-writable buffers with bytes from crypto/rand, gated by
// a rate limiter, matching the host entropy source drawn from via
// getrandom(2).
type Device struct {
	virtio.Base

	limiter *ratelimiter.RateLimiter
	log     hclog.Logger
	parked  bool
}

// NewDevice constructs a single-queue entropy device, rate-limited by
// limiter (pass nil to disable limiting).
func NewDevice(id string, limiter *ratelimiter.RateLimiter, interrupt virtio.InterruptTrigger, log hclog.Logger) *Device {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Device{
		Base:    virtio.NewBase(id, virtio.TypeRNG, 0, []*virtio.Queue{virtio.NewQueue(queueSize)}, interrupt),
		limiter: limiter,
		log:     log,
	}
}

func (d *Device) Activate(mem virtio.GuestMemory) error { return nil }

// ReadConfig / WriteConfig: virtio-rng has no device-specific config space.
func (d *Device) ReadConfig(offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
}
func (d *Device) WriteConfig(offset uint64, data []byte) {}

// State is the persisted shape of an entropy device: virtio-rng has no
// device-specific fields beyond the shared queue/feature state.
type State struct {
	virtio.DeviceState
}

// Save captures the device's negotiated features and queue state.
func (d *Device) Save() State {
	return State{DeviceState: d.Base.Save()}
}

// Restore reconstructs an entropy device from a saved state, a rate
// limiter, and an interrupt trigger, without replaying the activation
// handshake.
func Restore(state State, limiter *ratelimiter.RateLimiter, interrupt virtio.InterruptTrigger, log hclog.Logger) *Device {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Device{
		Base:    virtio.RestoreBase(state.DeviceState, 0, interrupt),
		limiter: limiter,
		log:     log,
	}
}

// ProcessQueueEvent fills each available chain's single buffer from the
// host entropy source, up to the rate limiter's current budget.
func (d *Device) ProcessQueueEvent(mem virtio.GuestMemory) {
	if !d.IsActivated() {
		return
	}
	q := d.Base.Queues()[0]
	for {
		if d.parked {
			return
		}
		chain, err := q.PopChain(mem)
		if err != nil {
			d.log.Error("entropy: malformed chain", "error", err)
			return
		}
		if chain == nil {
			return
		}
		d.fill(mem, q, chain)
	}
}

// ProcessRateLimiterEvent resumes a queue parked on exhausted tokens.
func (d *Device) ProcessRateLimiterEvent(mem virtio.GuestMemory) {
	if d.limiter != nil {
		d.limiter.OnTimerFired()
	}
	d.parked = false
	d.ProcessQueueEvent(mem)
}

func (d *Device) fill(mem virtio.GuestMemory, q *virtio.Queue, chain *virtio.Chain) {
	var written uint32
	for _, desc := range chain.Descs {
		b, ok := mem.Slice(desc.Addr, uint64(desc.Len))
		if !ok {
			continue
		}
		if d.limiter != nil && !d.limiter.Consume(int64(len(b))) {
			d.parked = true
			break
		}
		n, err := rand.Read(b)
		if err != nil {
			d.log.Error("entropy: read failed", "error", err)
			break
		}
		written += uint32(n)
	}
	q.PushUsed(mem, chain.HeadIndex, written)
	d.Base.InterruptTrigger().Trigger(virtio.IntVRing)
}
