package vfio

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func openConfigSpaceFixture(t *testing.T, size int) (int, func()) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfgspace")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	return int(f.Fd()), func() { f.Close() }
}

func TestConfigIODwordRoundTrip(t *testing.T) {
	fd, cleanup := openConfigSpaceFixture(t, 256)
	defer cleanup()

	cfg := configIO{fd: fd, base: 0}
	cfg.writeDword(0x10, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), cfg.readDword(0x10))
}

func TestConfigIOWordRoundTrip(t *testing.T) {
	fd, cleanup := openConfigSpaceFixture(t, 256)
	defer cleanup()

	cfg := configIO{fd: fd, base: 0}
	cfg.writeDword(0x34, 0x0000ABCD)
	require.Equal(t, uint16(0xABCD), cfg.readWord(0x34))
}

// buildCapChain writes a standard PCI capability chain (capabilities
// pointer at 0x34, MSI-X capability, then PCI Express and Power Management
// markers) into a synthetic 256-byte config space.
func buildCapChain(cfg configIO) {
	const msixOff = 0x40
	const pcieOff = 0x50
	const pmOff = 0x58

	cfg.writeDword(pciCapabilitiesPointer, uint32(msixOff))

	// MSI-X capability: id | next<<8 at +0, control at +2, table/pba dwords.
	cfg.writeDword(msixOff, uint32(capIDMSIX)|uint32(pcieOff)<<8)
	cfg.writeDword(msixOff+2, uint32(1)) // MsgCtl: table size 2 entries
	cfg.writeDword(msixOff+4, 0x00001000|0) // table offset 0x1000, BIR 0
	cfg.writeDword(msixOff+8, 0x00002000|1) // pba offset 0x2000, BIR 1

	cfg.writeDword(pcieOff, uint32(capIDPCIExpress)|uint32(pmOff)<<8)
	cfg.writeDword(pmOff, uint32(capIDPowerManagement)) // next = 0, chain ends
}

func TestWalkPCICapabilitiesParsesMsixLocation(t *testing.T) {
	fd, cleanup := openConfigSpaceFixture(t, 256)
	defer cleanup()

	cfg := configIO{fd: fd, base: 0}
	buildCapChain(cfg)

	bundle := &DeviceBundle{}
	err := walkPCICapabilities(fd, RegionInfo{Offset: 0}, bundle)
	require.NoError(t, err)

	require.NotNil(t, bundle.MsixCap)
	require.Equal(t, uint32(0x1000), bundle.MsixCap.TableOffset)
	require.Equal(t, uint32(0), bundle.MsixCap.TableBIR)
	require.Equal(t, uint32(0x2000), bundle.MsixCap.PbaOffset)
	require.Equal(t, uint32(1), bundle.MsixCap.PbaBIR)
}

func TestWalkPCICapabilitiesMasksExtendedCapsWhenExpressAndPMPresent(t *testing.T) {
	fd, cleanup := openConfigSpaceFixture(t, 4096)
	defer cleanup()

	cfg := configIO{fd: fd, base: 0}
	buildCapChain(cfg)

	// Extended capability chain at 0x100: one ARI capability, then stop.
	cfg.writeDword(pciExtendedCapBase, uint32(extCapIDARI))

	bundle := &DeviceBundle{}
	err := walkPCICapabilities(fd, RegionInfo{Offset: 0}, bundle)
	require.NoError(t, err)

	require.Len(t, bundle.Masks, 1)
	require.Equal(t, uint32(pciExtendedCapBase), bundle.Masks[0].Offset)
}

func TestWalkPCICapabilitiesNoChainLeavesBundleEmpty(t *testing.T) {
	fd, cleanup := openConfigSpaceFixture(t, 256)
	defer cleanup()

	bundle := &DeviceBundle{}
	err := walkPCICapabilities(fd, RegionInfo{Offset: 0}, bundle)
	require.NoError(t, err)
	require.Nil(t, bundle.MsiCap)
	require.Nil(t, bundle.MsixCap)
	require.Nil(t, bundle.Masks)
}

type fakeBarAllocator struct {
	mmio32 uint64
	mmio64 uint64
}

func (a *fakeBarAllocator) AllocateMmio32(size, align uint64) (uint64, error) {
	gpa := a.mmio32
	a.mmio32 += size
	return gpa, nil
}

func (a *fakeBarAllocator) AllocateMmio64(size, align uint64) (uint64, error) {
	gpa := a.mmio64
	a.mmio64 += size
	return gpa, nil
}

func TestSizeBarsAndRomSizesA32BitBar(t *testing.T) {
	fd, cleanup := openConfigSpaceFixture(t, 256)
	defer cleanup()

	cfg := configIO{fd: fd, base: 0}
	cfg.writeDword(pciBarBase, 0) // BAR0: 32-bit, non-prefetchable

	alloc := &fakeBarAllocator{mmio32: 0x80000000}
	bundle := &DeviceBundle{}
	err := sizeBarsAndRom(fd, RegionInfo{Offset: 0}, bundle, alloc)
	require.NoError(t, err)

	// Backed by a plain file rather than real BAR hardware, the
	// write-0xFFFFFFFF/read-back trick sees its own write unchanged, so the
	// decoded size reflects only the low four flag bits being masked off;
	// every zeroed BAR dword in the fixture sizes the same way, so only
	// BAR0's own entry is checked here.
	require.NotEmpty(t, bundle.Bars)
	require.Equal(t, uint32(0), bundle.Bars[0].Index)
	require.Equal(t, uint64(0x10), bundle.Bars[0].Size)
	require.Equal(t, uint64(0x80000000), bundle.Bars[0].GPA)
	require.False(t, bundle.Bars[0].Is64Bit)
}

func TestSizeBarsAndRomSkipsIOBars(t *testing.T) {
	fd, cleanup := openConfigSpaceFixture(t, 256)
	defer cleanup()

	cfg := configIO{fd: fd, base: 0}
	cfg.writeDword(pciBarBase, barFlagIO)

	alloc := &fakeBarAllocator{}
	bundle := &DeviceBundle{}
	err := sizeBarsAndRom(fd, RegionInfo{Offset: 0}, bundle, alloc)
	require.NoError(t, err)

	for _, bar := range bundle.Bars {
		require.NotEqual(t, uint32(0), bar.Index, "an IO-space BAR must never be sized or placed")
	}
}
