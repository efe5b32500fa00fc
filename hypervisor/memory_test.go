package hypervisor

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func hostAddrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestOverlapsExistingDetectsEveryOverlapCase(t *testing.T) {
	m := &GuestMemory{vmFD: -1, regions: []*MemoryRegion{
		{GPA: 0x1000, Size: 0x1000},
	}}

	require.True(t, m.overlapsExisting(0x1000, 0x1000), "exact duplicate")
	require.True(t, m.overlapsExisting(0x1800, 0x100), "nested inside")
	require.True(t, m.overlapsExisting(0xF00, 0x200), "straddles the start")
	require.False(t, m.overlapsExisting(0x2000, 0x1000), "adjacent after")
	require.False(t, m.overlapsExisting(0x0, 0x1000), "adjacent before")
}

func TestTranslateFindsContainingRegion(t *testing.T) {
	buf := make([]byte, 4096)
	m := &GuestMemory{vmFD: -1, regions: []*MemoryRegion{
		{Kind: RegionDRAM, GPA: 0x10000, Size: uint64(len(buf)), HostAddr: hostAddrOf(buf)},
	}}

	data, ok := m.Translate(0x10100, 16)
	require.True(t, ok)
	require.Len(t, data, 16)

	_, ok = m.Translate(0x20000, 16)
	require.False(t, ok, "outside any region")

	_, ok = m.Translate(0x10000, uint64(len(buf)+1))
	require.False(t, ok, "length overruns the region")
}

func TestDRAMRegionsExcludesDeviceRegions(t *testing.T) {
	m := &GuestMemory{vmFD: -1, regions: []*MemoryRegion{
		{Kind: RegionDRAM, GPA: 0x0, Size: 0x1000},
		{Kind: RegionDevice, GPA: 0x100000, Size: 0x1000},
	}}

	dram := m.DRAMRegions()
	require.Len(t, dram, 1)
	require.Equal(t, RegionDRAM, dram[0].Kind)
}

func TestRegionsReturnsACopyNotTheInternalSlice(t *testing.T) {
	m := &GuestMemory{vmFD: -1, regions: []*MemoryRegion{{GPA: 0, Size: 1}}}
	out := m.Regions()
	out[0] = &MemoryRegion{GPA: 999}
	require.Equal(t, uint64(0), m.regions[0].GPA, "caller mutation must not leak back")
}

func TestAddRegionForwardsIoctlFailure(t *testing.T) {
	m := NewGuestMemory(-1)
	_, err := m.AddRegion(RegionDRAM, 0x1000, 0x1000, 0, 0)
	require.Error(t, err, "an invalid VM fd must surface as an error, not a panic")
}

func TestAddRegionRejectsOverlap(t *testing.T) {
	m := &GuestMemory{vmFD: -1, regions: []*MemoryRegion{{GPA: 0x1000, Size: 0x1000}}}
	_, err := m.AddRegion(RegionDRAM, 0x1000, 0x1000, 0, 1)
	require.Error(t, err)
}
