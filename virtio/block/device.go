package block

import (
	"encoding/binary"

	"github.com/hashicorp/go-hclog"

	"novmm/errs"
	"novmm/ratelimiter"
	"novmm/virtio"
)

// Request types, virtio-blk wire format.
const (
	reqIn         uint32 = 0
	reqOut        uint32 = 1
	reqFlush      uint32 = 4
	reqGetID      uint32 = 8
	reqWriteZero  uint32 = 9
	reqUnmap      uint32 = 11
)

// Status byte values written as the last byte of the chain.
const (
	StatusOK     byte = 0
	StatusIOErr  byte = 1
	StatusUnsupp byte = 2
)

const queueSize = 256
const diskIDLen = 20

// Device implements the virtio-block device model: a single queue,
// request parsing, and backend dispatch gated by the shared rate limiter.
type Device struct {
	virtio.Base

	backend  Backend
	readOnly bool
	diskID   [diskIDLen]byte
	limiter  *ratelimiter.RateLimiter
	log      hclog.Logger

	// parked is true when the queue was gated by the rate limiter and is
	// waiting for process_rate_limiter_event to resume it.
	parked bool
}

// NewDevice constructs a virtio-block device over backend, with an
// id used as its virtio-blk GET_ID response and as the log/metrics label.
func NewDevice(id string, backend Backend, readOnly bool, limiter *ratelimiter.RateLimiter, interrupt virtio.InterruptTrigger, log hclog.Logger) *Device {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	var features uint64 = 1 << 9 // VIRTIO_BLK_F_FLUSH
	if readOnly {
		features |= 1 << 5 // VIRTIO_BLK_F_RO
	}
	d := &Device{
		Base:     virtio.NewBase(id, virtio.TypeBlock, features, []*virtio.Queue{virtio.NewQueue(queueSize)}, interrupt),
		backend:  backend,
		readOnly: readOnly,
		limiter:  limiter,
		log:      log,
	}
	copy(d.diskID[:], id)
	return d
}

// Activate is a no-op beyond the shared Base bookkeeping: the backend is
// already open by construction time.
func (d *Device) Activate(mem virtio.GuestMemory) error {
	if d.backend == nil {
		return &errs.ActivationError{Device: d.Id(), Reason: "no backend attached"}
	}
	return nil
}

// ReadConfig serves the virtio-blk config space: an 8-byte little-endian
// sector count at offset 0.
func (d *Device) ReadConfig(offset uint64, data []byte) {
	sectors := uint64(d.backend.Size()) / 512
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], sectors)
	if offset >= 8 {
		for i := range data {
			data[i] = 0
		}
		return
	}
	n := copy(data, buf[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

// WriteConfig is ignored: virtio-blk's config space is host read-only.
func (d *Device) WriteConfig(offset uint64, data []byte) {}

// State is the persisted shape of a block device: the shared virtio device
// state plus the read-only flag and disk ID baked into the GET_ID response.
type State struct {
	virtio.DeviceState
	ReadOnly bool
	DiskID   [diskIDLen]byte
}

// Save captures the device's negotiated features, queue state, and
// read-only/disk-ID configuration.
func (d *Device) Save() State {
	return State{
		DeviceState: d.Base.Save(),
		ReadOnly:    d.readOnly,
		DiskID:      d.diskID,
	}
}

// Restore reconstructs a block device from a saved state, a backend, a
// rate limiter, and an interrupt trigger, without replaying the
// ACKNOWLEDGE/DRIVER/FEATURES_OK/DRIVER_OK handshake. The queues resume
// exactly where they were saved.
func Restore(state State, backend Backend, limiter *ratelimiter.RateLimiter, interrupt virtio.InterruptTrigger, log hclog.Logger) *Device {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	var features uint64 = 1 << 9
	if state.ReadOnly {
		features |= 1 << 5
	}
	return &Device{
		Base:     virtio.RestoreBase(state.DeviceState, features, interrupt),
		backend:  backend,
		readOnly: state.ReadOnly,
		diskID:   state.DiskID,
		limiter:  limiter,
		log:      log,
	}
}

type header struct {
	Type   uint32
	_      uint32
	Sector uint64
}

// ProcessQueueEvent is the notify handler for the single blk queue: it
// pulls every available chain, executes the request, and writes the used
// entry, unless the rate limiter parks the queue first.
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
			d.log.Error("block: malformed chain", "error", err)
			return
		}
		if chain == nil {
			return
		}
		d.serviceChain(mem, q, chain)
	}
}

// ProcessRateLimiterEvent resumes a queue previously parked on exhausted
// tokens.
func (d *Device) ProcessRateLimiterEvent(mem virtio.GuestMemory) {
	if d.limiter != nil {
		d.limiter.OnTimerFired()
	}
	d.parked = false
	d.ProcessQueueEvent(mem)
}

func (d *Device) serviceChain(mem virtio.GuestMemory, q *virtio.Queue, chain *virtio.Chain) {
	if len(chain.Descs) < 2 {
		d.finish(mem, q, chain, 0, StatusIOErr)
		return
	}
	hdrDesc := chain.Descs[0]
	statusDesc := chain.Descs[len(chain.Descs)-1]
	dataDescs := chain.Descs[1 : len(chain.Descs)-1]

	hdrBytes, ok := mem.Slice(hdrDesc.Addr, 16)
	if !ok {
		d.finish(mem, q, chain, 0, StatusIOErr)
		return
	}
	h := header{
		Type:   binary.LittleEndian.Uint32(hdrBytes[0:4]),
		Sector: binary.LittleEndian.Uint64(hdrBytes[8:16]),
	}

	if d.limiter != nil {
		var n int64
		for _, dd := range dataDescs {
			n += int64(dd.Len)
		}
		if !d.limiter.Consume(n) {
			d.parked = true
			// The popped chain is not requeued: it is completed at once
			// with StatusIOErr, so the guest sees this request fail.
			d.finish(mem, q, chain, 0, StatusIOErr)
			return
		}
	}

	status, n := d.execute(mem, h, dataDescs)
	_ = statusDesc
	d.finish(mem, q, chain, n, status)
}

func (d *Device) execute(mem virtio.GuestMemory, h header, dataDescs []virtio.Descriptor) (byte, uint32) {
	off := int64(h.Sector) * 512
	var total uint32
	switch h.Type {
	case reqIn:
		for _, dd := range dataDescs {
			buf, ok := mem.Slice(dd.Addr, uint64(dd.Len))
			if !ok {
				return StatusIOErr, total
			}
			if err := d.backend.ReadAt(buf, off); err != nil {
				d.log.Error("block read failed", "error", err)
				return StatusIOErr, total
			}
			off += int64(dd.Len)
			total += dd.Len
		}
		return StatusOK, total
	case reqOut:
		if d.readOnly {
			return StatusIOErr, 0
		}
		for _, dd := range dataDescs {
			buf, ok := mem.Slice(dd.Addr, uint64(dd.Len))
			if !ok {
				return StatusIOErr, total
			}
			if err := d.backend.WriteAt(buf, off); err != nil {
				d.log.Error("block write failed", "error", err)
				return StatusIOErr, total
			}
			off += int64(dd.Len)
			total += dd.Len
		}
		return StatusOK, total
	case reqFlush:
		if err := d.backend.Flush(); err != nil {
			return StatusIOErr, 0
		}
		return StatusOK, 0
	case reqGetID:
		if len(dataDescs) == 0 {
			return StatusUnsupp, 0
		}
		buf, ok := mem.Slice(dataDescs[0].Addr, uint64(diskIDLen))
		if !ok {
			return StatusIOErr, 0
		}
		copy(buf, d.diskID[:])
		return StatusOK, diskIDLen
	case reqUnmap, reqWriteZero:
		return StatusUnsupp, 0
	default:
		return StatusUnsupp, 0
	}
}

// finish writes the used-ring entry (length = bytes transferred + 1 status
// byte) and raises the queue interrupt.
func (d *Device) finish(mem virtio.GuestMemory, q *virtio.Queue, chain *virtio.Chain, transferred uint32, status byte) {
	statusDesc := chain.Descs[len(chain.Descs)-1]
	if b, ok := mem.Slice(statusDesc.Addr, 1); ok {
		b[0] = status
	}
	if err := q.PushUsed(mem, chain.HeadIndex, transferred+1); err != nil {
		d.log.Error("block: push used failed", "error", err)
		return
	}
	if d.Base.InterruptTrigger() != nil {
		d.Base.InterruptTrigger().Trigger(virtio.IntVRing)
	}
}
