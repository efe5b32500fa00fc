// Package balloon implements the virtio-balloon device model: INFLATE,
// DEFLATE, and STATS queues advising the host kernel about guest memory
// pressure.
package balloon

import (
	"encoding/binary"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"novmm/virtio"
)

const (
	queueInflate = 0
	queueDeflate = 1
	queueStats   = 2

	pageSize   = 4096
	queueSize  = 256
	statsCount = 6 // number of virtio_balloon_stat entries this device reports
)

// Device implements inflate/deflate/stats queue processing over a host
// memory-advise backend. Translate maps a guest PFN to the host virtual
// address the device should MADV_DONTNEED.
type Device struct {
	virtio.Base

	translate func(pfn uint64) (hostAddr uintptr, ok bool)
	log       hclog.Logger

	targetPages uint32
	actualPages uint32

	statsTimerFD  int
	statsInterval time.Duration
	lastStats     [statsCount]uint64
}

// NewDevice constructs a balloon device with inflate/deflate queues and,
// if statsInterval > 0, a stats queue driven by a host timerfd.
func NewDevice(id string, translate func(uint64) (uintptr, bool), statsInterval time.Duration, interrupt virtio.InterruptTrigger, log hclog.Logger) *Device {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	queues := []*virtio.Queue{
		virtio.NewQueue(queueSize),
		virtio.NewQueue(queueSize),
	}
	var features uint64
	if statsInterval > 0 {
		queues = append(queues, virtio.NewQueue(queueSize))
		features |= 1 << 1 // VIRTIO_BALLOON_F_STATS_VQ
	}
	d := &Device{
		Base:          virtio.NewBase(id, virtio.TypeBalloon, features, queues, interrupt),
		translate:     translate,
		log:           log,
		statsInterval: statsInterval,
		statsTimerFD:  -1,
	}
	return d
}

func (d *Device) Activate(mem virtio.GuestMemory) error {
	if d.statsInterval <= 0 {
		return nil
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return err
	}
	d.statsTimerFD = fd
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(d.statsInterval.Nanoseconds()),
		Value:    unix.NsecToTimespec(d.statsInterval.Nanoseconds()),
	}
	return unix.TimerfdSettime(fd, 0, &spec, nil)
}

// StatsTimerFD returns the descriptor for event-loop registration, or -1 if
// the stats queue is disabled.
func (d *Device) StatsTimerFD() int { return d.statsTimerFD }

// TargetPages returns the current inflate target set by the driver config.
func (d *Device) TargetPages() uint32 { return d.targetPages }

// ReadConfig serves num_pages (target) at offset 0 and actual at offset 4.
func (d *Device) ReadConfig(offset uint64, data []byte) {
	var cfg [8]byte
	binary.LittleEndian.PutUint32(cfg[0:4], d.targetPages)
	binary.LittleEndian.PutUint32(cfg[4:8], d.actualPages)
	if offset >= 8 {
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

// WriteConfig accepts the driver's requested num_pages target.
func (d *Device) WriteConfig(offset uint64, data []byte) {
	if offset != 0 || len(data) < 4 {
		return
	}
	d.targetPages = binary.LittleEndian.Uint32(data)
}

// State is the persisted shape of a balloon device: the shared virtio
// device state plus the inflate target and last-reported actual page
// counts.
type State struct {
	virtio.DeviceState
	TargetPages uint32
	ActualPages uint32
}

// Save captures the device's negotiated features, queue state, and
// target/actual page counts.
func (d *Device) Save() State {
	return State{
		DeviceState: d.Base.Save(),
		TargetPages: d.targetPages,
		ActualPages: d.actualPages,
	}
}

// Restore reconstructs a balloon device from a saved state, a page
// translator, and an interrupt trigger, without replaying the activation
// handshake. The stats timer, if statsInterval > 0, is recreated on the
// next Activate call rather
// than restored directly, since a timerfd cannot be persisted.
func Restore(state State, translate func(uint64) (uintptr, bool), statsInterval time.Duration, interrupt virtio.InterruptTrigger, log hclog.Logger) *Device {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	var features uint64
	if statsInterval > 0 {
		features |= 1 << 1
	}
	return &Device{
		Base:          virtio.RestoreBase(state.DeviceState, features, interrupt),
		translate:     translate,
		log:           log,
		targetPages:   state.TargetPages,
		actualPages:   state.ActualPages,
		statsInterval: statsInterval,
		statsTimerFD:  -1,
	}
}

// ProcessInflateQueueEvent advises the kernel to discard each listed PFN's
// page via MADV_DONTNEED.
func (d *Device) ProcessInflateQueueEvent(mem virtio.GuestMemory) {
	d.processPFNQueue(mem, queueInflate, true)
}

// ProcessDeflateQueueEvent acknowledges returned PFNs; no kernel call is
// needed, the kernel refaults pages on next guest access.
func (d *Device) ProcessDeflateQueueEvent(mem virtio.GuestMemory) {
	d.processPFNQueue(mem, queueDeflate, false)
}

func (d *Device) processPFNQueue(mem virtio.GuestMemory, idx int, advise bool) {
	if !d.IsActivated() {
		return
	}
	q := d.Base.Queues()[idx]
	for {
		chain, err := q.PopChain(mem)
		if err != nil {
			d.log.Error("balloon: malformed chain", "error", err)
			return
		}
		if chain == nil {
			return
		}
		for _, desc := range chain.Descs {
			b, ok := mem.Slice(desc.Addr, uint64(desc.Len))
			if !ok {
				continue
			}
			for off := 0; off+4 <= len(b); off += 4 {
				pfn := uint64(binary.LittleEndian.Uint32(b[off : off+4]))
				if advise {
					d.inflateOne(pfn)
					d.actualPages++
				} else if d.actualPages > 0 {
					d.actualPages--
				}
			}
		}
		q.PushUsed(mem, chain.HeadIndex, 0)
		d.Base.InterruptTrigger().Trigger(virtio.IntVRing)
	}
}

func (d *Device) inflateOne(pfn uint64) {
	if d.translate == nil {
		return
	}
	addr, ok := d.translate(pfn)
	if !ok {
		return
	}
	region := unsafeSlice(addr, pageSize)
	if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
		d.log.Error("balloon: madvise failed", "pfn", pfn, "error", err)
	}
}

// ProcessStatsQueueEvent fires on the stats timerfd: it reads the latest
// stats buffer the driver posted, records it, and posts a fresh descriptor
// back so the driver can deliver the next sample.
func (d *Device) ProcessStatsQueueEvent(mem virtio.GuestMemory) {
	if !d.IsActivated() || len(d.Base.Queues()) <= queueStats {
		return
	}
	var buf [8]byte
	unix.Read(d.statsTimerFD, buf[:])

	q := d.Base.Queues()[queueStats]
	chain, err := q.PopChain(mem)
	if err != nil {
		d.log.Error("balloon: malformed stats chain", "error", err)
		return
	}
	if chain == nil {
		return
	}
	for _, desc := range chain.Descs {
		b, ok := mem.Slice(desc.Addr, uint64(desc.Len))
		if !ok {
			continue
		}
		for i := 0; i+10 <= len(b) && i/10 < statsCount; i += 10 {
			tag := binary.LittleEndian.Uint16(b[i : i+2])
			val := binary.LittleEndian.Uint64(b[i+2 : i+10])
			if int(tag) < statsCount {
				d.lastStats[tag] = val
			}
		}
	}
	q.PushUsed(mem, chain.HeadIndex, 0)
	d.Base.InterruptTrigger().Trigger(virtio.IntVRing)
}

// LastStats returns the most recently received stats sample.
func (d *Device) LastStats() [statsCount]uint64 { return d.lastStats }
