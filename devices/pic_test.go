package devices

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func outByte(t *testing.T, p *PICDevice, port uint16, val byte) {
	t.Helper()
	require.NoError(t, p.HandleIO(port, IODirectionOut, 1, []byte{val}))
}

func inByte(t *testing.T, p *PICDevice, port uint16) byte {
	t.Helper()
	buf := []byte{0}
	require.NoError(t, p.HandleIO(port, IODirectionIn, 1, buf))
	return buf[0]
}

func initPIC(t *testing.T, p *PICDevice, cmdPort, dataPort uint16, offset byte) {
	outByte(t, p, cmdPort, PIC_ICW1_INIT|PIC_ICW1_IC4)
	outByte(t, p, dataPort, offset) // ICW2: vector offset
	outByte(t, p, dataPort, 0x04)   // ICW3: cascade line
	outByte(t, p, dataPort, 0x01)   // ICW4: 8086 mode
}

func TestPICDefaultsToAllMasked(t *testing.T) {
	p := NewPICDevice()
	require.Equal(t, byte(0xFF), inByte(t, p, PIC_MASTER_DATA_PORT))
	require.Equal(t, byte(0xFF), inByte(t, p, PIC_SLAVE_DATA_PORT))
}

func TestPICInitSequenceSetsVectorOffsetAndUnmasks(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p, PIC_MASTER_CMD_PORT, PIC_MASTER_DATA_PORT, 0x20)

	// ICW2 sets the vector offset; ICW1 cleared the IMR and no OCW1 followed.
	require.Equal(t, uint8(0x20), p.master.offset)
	require.Equal(t, byte(0), inByte(t, p, PIC_MASTER_DATA_PORT))
}

func TestRaiseIRQSetsIRRUnlessMasked(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p, PIC_MASTER_CMD_PORT, PIC_MASTER_DATA_PORT, 0x20)
	initPIC(t, p, PIC_SLAVE_CMD_PORT, PIC_SLAVE_DATA_PORT, 0x28)

	p.RaiseIRQ(1) // IRQ1, unmasked after init
	require.True(t, p.HasPendingInterrupts())

	outByte(t, p, PIC_MASTER_DATA_PORT, 0xFF) // mask everything
	require.False(t, p.HasPendingInterrupts())
}

func TestGetInterruptVectorAssignsOffsetPlusLine(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p, PIC_MASTER_CMD_PORT, PIC_MASTER_DATA_PORT, 0x20)
	initPIC(t, p, PIC_SLAVE_CMD_PORT, PIC_SLAVE_DATA_PORT, 0x28)

	p.RaiseIRQ(0)
	vector := p.GetInterruptVector()
	require.Equal(t, uint8(0x20), vector)
	require.False(t, p.HasPendingInterrupts(), "ISR now holds it, IRR cleared")
}

func TestNonSpecificEOIClearsHighestPriorityISRBit(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p, PIC_MASTER_CMD_PORT, PIC_MASTER_DATA_PORT, 0x20)
	initPIC(t, p, PIC_SLAVE_CMD_PORT, PIC_SLAVE_DATA_PORT, 0x28)

	p.RaiseIRQ(0)
	p.GetInterruptVector() // moves IRQ0 into ISR

	outByte(t, p, PIC_MASTER_CMD_PORT, PIC_OCW2_EOI_CMD) // non-specific EOI

	p.RaiseIRQ(0)
	require.True(t, p.HasPendingInterrupts(), "ISR cleared, a fresh request is now visible again")
}

func TestSlaveCascadeRaisesMasterIRQ2(t *testing.T) {
	p := NewPICDevice()
	initPIC(t, p, PIC_MASTER_CMD_PORT, PIC_MASTER_DATA_PORT, 0x20)
	initPIC(t, p, PIC_SLAVE_CMD_PORT, PIC_SLAVE_DATA_PORT, 0x28)

	p.RaiseIRQ(8) // first slave line
	require.True(t, p.HasPendingInterrupts())

	vector := p.GetInterruptVector()
	require.Equal(t, uint8(0x28), vector)
}

func TestHandleIORejectsMultiByteTransfers(t *testing.T) {
	p := NewPICDevice()
	err := p.HandleIO(PIC_MASTER_CMD_PORT, IODirectionOut, 2, []byte{0, 0})
	require.Error(t, err)
}

func TestHandleIORejectsUnknownPort(t *testing.T) {
	p := NewPICDevice()
	err := p.HandleIO(0x99, IODirectionOut, 1, []byte{0})
	require.Error(t, err)
}
