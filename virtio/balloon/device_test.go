package balloon

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"novmm/virtio"
)

type fakeTrigger struct{ triggered int }

func (f *fakeTrigger) Trigger(bit uint32) error { f.triggered++; return nil }
func (f *fakeTrigger) InterruptStatus() uint32  { return 0 }
func (f *fakeTrigger) AckInterrupt(uint32)      {}

const (
	balDescTable = 0x1000
	balAvail     = 0x2000
	balUsed      = 0x3000
	balData      = 0x4000
)

func newTestDevice(translate func(uint64) (uintptr, bool)) (*Device, *fakeTrigger, virtio.PlainMemory) {
	trig := &fakeTrigger{}
	d := NewDevice("test-balloon", translate, 0, trig, nil)
	d.Base.SetStatus(virtio.StatusAcknowledge|virtio.StatusDriver|virtio.StatusFeaturesOK|virtio.StatusDriverOK, d.Activate)
	mem := make(virtio.PlainMemory, 0x10000)
	for _, q := range d.Base.Queues() {
		q.DescTableAddr = balDescTable
		q.AvailAddr = balAvail
		q.UsedAddr = balUsed
	}
	return d, trig, mem
}

func putDesc(mem virtio.PlainMemory, idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	off := balDescTable + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem[off:], addr)
	binary.LittleEndian.PutUint32(mem[off+8:], length)
	binary.LittleEndian.PutUint16(mem[off+12:], flags)
	binary.LittleEndian.PutUint16(mem[off+14:], next)
}

func publish(mem virtio.PlainMemory, slot uint16, head uint16) {
	binary.LittleEndian.PutUint16(mem[balAvail+4+uint64(slot)*2:], head)
	cur := binary.LittleEndian.Uint16(mem[balAvail+2:])
	binary.LittleEndian.PutUint16(mem[balAvail+2:], cur+1)
}

func TestInflateQueueAdvisesTranslatedPages(t *testing.T) {
	var advised []uintptr
	translate := func(pfn uint64) (uintptr, bool) { advised = append(advised, uintptr(pfn)); return uintptr(pfn * pageSize), true }
	d, trig, mem := newTestDevice(translate)

	binary.LittleEndian.PutUint32(mem[balData:], 5)
	putDesc(mem, 0, balData, 4, 0, 0)
	publish(mem, 0, 0)

	d.ProcessInflateQueueEvent(mem)

	require.Equal(t, []uintptr{5}, advised)
	require.Equal(t, uint32(1), d.actualPages)
	require.Equal(t, 1, trig.triggered)
}

func TestDeflateQueueDecrementsActualPages(t *testing.T) {
	d, _, mem := newTestDevice(nil)
	d.actualPages = 3

	binary.LittleEndian.PutUint32(mem[balData:], 1)
	putDesc(mem, 0, balData, 4, 0, 0)
	publish(mem, 0, 0)

	d.ProcessDeflateQueueEvent(mem)
	require.Equal(t, uint32(2), d.actualPages)
}

func TestReadConfigReportsTargetAndActual(t *testing.T) {
	d, _, _ := newTestDevice(nil)
	d.targetPages = 10
	d.actualPages = 4

	buf := make([]byte, 8)
	d.ReadConfig(0, buf)
	require.Equal(t, uint32(10), binary.LittleEndian.Uint32(buf[0:4]))
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(buf[4:8]))
}

func TestWriteConfigSetsTargetPages(t *testing.T) {
	d, _, _ := newTestDevice(nil)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 42)
	d.WriteConfig(0, buf)
	require.Equal(t, uint32(42), d.TargetPages())
}

func TestStatsQueueDisabledWithZeroInterval(t *testing.T) {
	d, _, _ := newTestDevice(nil)
	require.Equal(t, -1, d.StatsTimerFD())
	require.Len(t, d.Base.Queues(), 2)
}

func TestSaveRestorePreservesTargetAndActualPages(t *testing.T) {
	d, trig, _ := newTestDevice(nil)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 100)
	d.WriteConfig(0, buf)
	d.actualPages = 64

	state := d.Save()
	require.Equal(t, uint32(100), state.TargetPages)
	require.Equal(t, uint32(64), state.ActualPages)

	restored := Restore(state, nil, 0, trig, nil)
	require.Equal(t, uint32(100), restored.TargetPages())
	require.Equal(t, uint32(64), restored.actualPages)
	require.Equal(t, -1, restored.StatsTimerFD(), "timerfd is not persisted, recreated on Activate")
	require.True(t, restored.IsActivated())
}
