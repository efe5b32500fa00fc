package entropy

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"novmm/ratelimiter"
	"novmm/virtio"
)

type fakeTrigger struct{ triggered int }

func (f *fakeTrigger) Trigger(bit uint32) error { f.triggered++; return nil }
func (f *fakeTrigger) InterruptStatus() uint32  { return 0 }
func (f *fakeTrigger) AckInterrupt(uint32)      {}

const (
	rngDescTable = 0x1000
	rngAvail     = 0x2000
	rngUsed      = 0x3000
	rngData      = 0x4000
)

func newTestDevice(limiter *ratelimiter.RateLimiter) (*Device, *fakeTrigger, virtio.PlainMemory) {
	trig := &fakeTrigger{}
	d := NewDevice("test-rng", limiter, trig, nil)
	d.Base.SetStatus(virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK|virtio.StatusDriverOK, d.Activate)
	mem := make(virtio.PlainMemory, 0x10000)
	q := d.Base.Queues()[0]
	q.DescTableAddr = rngDescTable
	q.AvailAddr = rngAvail
	q.UsedAddr = rngUsed
	return d, trig, mem
}

func putDesc(mem virtio.PlainMemory, idx uint16, addr uint64, length uint32) {
	off := rngDescTable + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem[off:], addr)
	binary.LittleEndian.PutUint32(mem[off+8:], length)
}

func publish(mem virtio.PlainMemory, slot uint16, head uint16) {
	binary.LittleEndian.PutUint16(mem[rngAvail+4+uint64(slot)*2:], head)
	cur := binary.LittleEndian.Uint16(mem[rngAvail+2:])
	binary.LittleEndian.PutUint16(mem[rngAvail+2:], cur+1)
}

func TestProcessQueueEventFillsBufferAndRaisesInterrupt(t *testing.T) {
	d, trig, mem := newTestDevice(nil)
	putDesc(mem, 0, rngData, 32)
	publish(mem, 0, 0)
	for i := range mem[rngData : rngData+32] {
		mem[rngData+uint64(i)] = 0
	}

	d.ProcessQueueEvent(mem)

	require.Equal(t, 1, trig.triggered)
	nonZero := false
	for _, b := range mem[rngData : rngData+32] {
		if b != 0 {
			nonZero = true
			break
		}
	}
	require.True(t, nonZero, "crypto/rand should not fill an all-zero buffer in practice")
}

func TestProcessQueueEventParksOnRateLimiterExhaustion(t *testing.T) {
	rl, err := ratelimiter.New(ratelimiter.BucketConfig{Capacity: 4, RefillTokens: 4, RefillPeriod: time.Second}, ratelimiter.BucketConfig{})
	require.NoError(t, err)
	defer rl.Close()

	d, _, mem := newTestDevice(rl)
	putDesc(mem, 0, rngData, 64) // exceeds the 4-byte bucket
	publish(mem, 0, 0)

	d.ProcessQueueEvent(mem)
	require.True(t, d.parked)

	d.ProcessRateLimiterEvent(mem)
	require.False(t, d.parked)
}

func TestReadConfigIsAlwaysZero(t *testing.T) {
	d, _, _ := newTestDevice(nil)
	buf := []byte{1, 2, 3}
	d.ReadConfig(0, buf)
	require.Equal(t, []byte{0, 0, 0}, buf)
}

func TestSaveRestoreRoundTripsQueueAndActivation(t *testing.T) {
	d, trig, _ := newTestDevice(nil)

	state := d.Save()
	require.Equal(t, "test-rng", state.Id)
	require.Len(t, state.Queues, 1)
	require.Equal(t, uint64(rngDescTable), state.Queues[0].DescTableAddr)

	restored := Restore(state, nil, trig, nil)
	require.True(t, restored.IsActivated())
	require.Equal(t, uint64(rngAvail), restored.Base.Queues()[0].AvailAddr)
}
