package vfio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func newConfigPortsFixture(t *testing.T) (*ConfigPorts, *DeviceBundle, int) {
	t.Helper()
	fd, cleanup := openConfigSpaceFixture(t, 4096)
	t.Cleanup(cleanup)

	bundle := &DeviceBundle{
		fd: fd,
		Bars: []BarInfo{
			{Index: 0, GPA: 0xE0000000, Size: 0x1000},
		},
		ExpansionRom: &ExpansionRomInfo{GPA: 0xE1000000, Size: 0x20000},
		// A capability register within legacy config space (0x00-0xFF), the
		// only range reachable through CONFIG_ADDRESS/CONFIG_DATA; real
		// extended-capability masks live at 0x100+ and are reached only
		// through MMCONFIG, not modeled here.
		Masks: []ConfigMask{
			{Offset: 0x40, Mask: 0xFFFF0000, Apply: 0},
		},
	}
	p := NewConfigPorts(bundle, RegionInfo{Offset: 0}, 0, 0x1f, 0)
	return p, bundle, fd
}

func selectRegister(p *ConfigPorts, reg uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], configAddrEnableBit|p.bdf<<8|reg)
	p.Write(0, buf[:])
}

func TestConfigPortsAddressRegisterRoundTrips(t *testing.T) {
	p, _, _ := newConfigPortsFixture(t)

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 0x8000CC10)
	p.Write(0, buf[:])

	var out [4]byte
	p.Read(0, out[:])
	require.Equal(t, buf, out)
}

func TestConfigPortsWrongBDFReadsAllOnes(t *testing.T) {
	p, _, _ := newConfigPortsFixture(t)

	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], configAddrEnableBit|uint32(0x00AB)<<8)
	p.Write(0, addr[:])

	var data [4]byte
	p.Read(4, data[:])
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, data[:])
}

func TestConfigPortsDisabledAddressReadsAllOnes(t *testing.T) {
	p, _, _ := newConfigPortsFixture(t)

	var addr [4]byte
	binary.LittleEndian.PutUint32(addr[:], p.bdf<<8) // enable bit clear
	p.Write(0, addr[:])

	var data [4]byte
	p.Read(4, data[:])
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, data[:])
}

func TestConfigPortsBarSizingProbeReturnsSizeMask(t *testing.T) {
	p, _, _ := newConfigPortsFixture(t)
	selectRegister(p, pciBarBase)

	var probe [4]byte
	binary.LittleEndian.PutUint32(probe[:], 0xFFFFFFFF)
	p.Write(4, probe[:])

	var data [4]byte
	p.Read(4, data[:])
	got := binary.LittleEndian.Uint32(data[:])
	require.Equal(t, barSizeMask(p.bundle.Bars[0], false), got)

	// The probe stays armed until the guest writes the real address back.
	var again [4]byte
	p.Read(4, again[:])
	require.Equal(t, data, again)
}

func TestConfigPortsBarNonProbeWritePassesThrough(t *testing.T) {
	p, _, _ := newConfigPortsFixture(t)
	selectRegister(p, pciBarBase)

	var val [4]byte
	binary.LittleEndian.PutUint32(val[:], 0xE0000000)
	p.Write(4, val[:])

	var data [4]byte
	p.Read(4, data[:])
	require.Equal(t, val, data)
}

func TestConfigPortsExpansionRomSizingProbe(t *testing.T) {
	p, _, _ := newConfigPortsFixture(t)
	selectRegister(p, pciExpansionRomReg)

	var probe [4]byte
	binary.LittleEndian.PutUint32(probe[:], 0xFFFFFFFE)
	p.Write(4, probe[:])

	var data [4]byte
	p.Read(4, data[:])
	got := binary.LittleEndian.Uint32(data[:])
	mask := ^(p.bundle.ExpansionRom.Size - 1) & 0xFFFFF800
	require.Equal(t, uint32(mask), got)
}

func TestConfigPortsAppliesMasksToOtherRegisters(t *testing.T) {
	p, bundle, fd := newConfigPortsFixture(t)
	cfg := configIO{fd: fd, base: 0}
	cfg.writeDword(0x40, 0xABCD1234)
	selectRegister(p, 0x40)

	var data [4]byte
	p.Read(4, data[:])
	got := binary.LittleEndian.Uint32(data[:])
	want := (uint32(0xABCD1234) & bundle.Masks[0].Mask) | bundle.Masks[0].Apply
	require.Equal(t, want, got)
}
