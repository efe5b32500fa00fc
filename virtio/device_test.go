package virtio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTrigger struct {
	triggered []uint32
	status    uint32
	acked     uint32
}

func (f *fakeTrigger) Trigger(bit uint32) error {
	f.triggered = append(f.triggered, bit)
	f.status |= bit
	return nil
}
func (f *fakeTrigger) InterruptStatus() uint32 { return f.status }
func (f *fakeTrigger) AckInterrupt(bits uint32) {
	f.acked |= bits
	f.status &^= bits
}

func newTestBase() (*Base, *fakeTrigger) {
	trig := &fakeTrigger{}
	b := NewBase("test-dev", TypeBlock, 1<<9, []*Queue{NewQueue(4), NewQueue(4)}, trig)
	return &b, trig
}

func TestSetStatusDriverOKActivatesExactlyOnce(t *testing.T) {
	b, _ := newTestBase()
	calls := 0
	activate := func() error { calls++; return nil }

	b.SetStatus(StatusAcknowledge, activate)
	require.False(t, b.IsActivated())
	require.Equal(t, 0, calls)

	b.SetStatus(StatusAcknowledge|StatusDriver, activate)
	require.False(t, b.IsActivated())

	b.SetStatus(StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK, activate)
	require.True(t, b.IsActivated())
	require.Equal(t, 1, calls)
	for _, q := range b.Queues() {
		require.True(t, q.Ready)
	}

	// Writing the same DRIVER_OK-bearing value again must not re-activate.
	b.SetStatus(StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK, activate)
	require.Equal(t, 1, calls)
}

func TestSetStatusFailedActivationSetsFailedBit(t *testing.T) {
	b, _ := newTestBase()
	activate := func() error { return errors.New("backend unavailable") }

	b.SetStatus(StatusDriverOK, activate)
	require.False(t, b.IsActivated())
	require.NotEqual(t, uint32(0), b.Status()&StatusFailed)
}

func TestSetStatusZeroResetsDevice(t *testing.T) {
	b, _ := newTestBase()
	b.SetStatus(StatusDriverOK, func() error { return nil })
	require.True(t, b.IsActivated())

	b.SetStatus(0, nil)
	require.False(t, b.IsActivated())
	require.Equal(t, uint32(0), b.Status())
	for _, q := range b.Queues() {
		require.False(t, q.Ready)
	}
}

func TestSetStatusExplicitFailedBitNeverActivates(t *testing.T) {
	b, _ := newTestBase()
	calls := 0
	b.SetStatus(StatusDriverOK|StatusFailed, func() error { calls++; return nil })
	require.False(t, b.IsActivated())
	require.Equal(t, 0, calls)
}

func TestAckedFeaturesRoundTrip(t *testing.T) {
	b, _ := newTestBase()
	require.Equal(t, uint64(0), b.AckedFeatures())
	b.SetAckedFeatures(1 << 9)
	require.Equal(t, uint64(1<<9), b.AckedFeatures())
}

func TestInterruptTriggerForwardsToConcreteTrigger(t *testing.T) {
	b, trig := newTestBase()
	require.NoError(t, b.InterruptTrigger().Trigger(IntVRing))
	require.Equal(t, []uint32{IntVRing}, trig.triggered)
	require.Equal(t, IntVRing, b.InterruptTrigger().InterruptStatus())
}

func TestBaseSaveCapturesFeaturesStatusAndQueues(t *testing.T) {
	b, _ := newTestBase()
	b.SetAckedFeatures(1 << 9)
	b.Queues()[0].DescTableAddr = 0x1000
	b.SetStatus(StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK, func() error { return nil })

	state := b.Save()
	require.Equal(t, "test-dev", state.Id)
	require.Equal(t, TypeBlock, state.DeviceType)
	require.Equal(t, uint64(1<<9), state.AckedFeatures)
	require.Len(t, state.Queues, 2)
	require.Equal(t, uint64(0x1000), state.Queues[0].DescTableAddr)
	require.True(t, state.Queues[0].Ready)
}

func TestRestoreBaseReconstructsActivatedState(t *testing.T) {
	b, trig := newTestBase()
	b.SetStatus(StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK, func() error { return nil })
	state := b.Save()

	restored := RestoreBase(state, 1<<9, trig)
	require.True(t, restored.IsActivated())
	require.Equal(t, "test-dev", restored.Id())
	require.Equal(t, uint64(1<<9), restored.AvailFeatures())
	require.Len(t, restored.Queues(), 2)
	require.True(t, restored.Queues()[0].Ready)
}

func TestRestoreBaseFromFailedStatusIsInactive(t *testing.T) {
	b, trig := newTestBase()
	b.SetStatus(StatusDriverOK|StatusFailed, func() error { return nil })
	state := b.Save()

	restored := RestoreBase(state, 0, trig)
	require.False(t, restored.IsActivated())
}

func TestRestoreBaseDoesNotInvokeActivation(t *testing.T) {
	b, trig := newTestBase()
	b.SetStatus(StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK, func() error { return nil })
	state := b.Save()

	// RestoreBase takes no activate callback: reaching DRIVER_OK in the
	// saved state must not trigger any side effect on restore.
	restored := RestoreBase(state, 0, trig)
	require.True(t, restored.IsActivated())
	require.Empty(t, trig.triggered)
}
