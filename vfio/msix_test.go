package vfio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMsixConfigSizesFromMessageControl(t *testing.T) {
	cfg := NewMsixConfig(&MsixCap{MsgCtl: 3})
	require.Len(t, cfg.Entries, 4)
	require.Len(t, cfg.Pending, 4)
}

func TestNewMsixConfigNilCapReturnsNil(t *testing.T) {
	require.Nil(t, NewMsixConfig(nil))
}

func TestMsixConfigWriteThenReadTableRoundTrip(t *testing.T) {
	cfg := NewMsixConfig(&MsixCap{MsgCtl: 1})

	buf := make([]byte, 4)
	putLE32(buf, 0xAABBCCDD)
	cfg.WriteTable(0, buf) // low address dword of entry 0

	putLE32(buf, 0x11223344)
	cfg.WriteTable(4, buf) // high address dword

	putLE32(buf, 0xdeadbeef)
	cfg.WriteTable(8, buf) // data dword

	putLE32(buf, 1)
	cfg.WriteTable(12, buf) // vector control, mask bit set

	e := cfg.Entries[0]
	require.Equal(t, uint64(0x11223344aabbccdd), e.Address)
	require.Equal(t, uint32(0xdeadbeef), e.Data)
	require.True(t, e.Masked)

	var out [4]byte
	cfg.ReadTable(0, out[:])
	require.Equal(t, uint32(0xaabbccdd), getLE32(out[:]))
	cfg.ReadTable(4, out[:])
	require.Equal(t, uint32(0x11223344), getLE32(out[:]))
	cfg.ReadTable(8, out[:])
	require.Equal(t, uint32(0xdeadbeef), getLE32(out[:]))
	cfg.ReadTable(12, out[:])
	require.Equal(t, uint32(1), getLE32(out[:]))
}

func TestMsixConfigWriteTableSecondEntryIndependent(t *testing.T) {
	cfg := NewMsixConfig(&MsixCap{MsgCtl: 1}) // two entries

	var buf [4]byte
	putLE32(buf[:], 42)
	cfg.WriteTable(16, buf[:]) // entry 1's low address dword

	require.Equal(t, uint64(0), cfg.Entries[0].Address)
	require.Equal(t, uint64(42), cfg.Entries[1].Address)
}

func TestMsixConfigReadTablePastSizeReturnsZero(t *testing.T) {
	cfg := NewMsixConfig(&MsixCap{MsgCtl: 0}) // single entry
	out := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	cfg.ReadTable(16, out) // entry index 1, out of range
	require.Equal(t, []byte{0, 0, 0, 0}, out)
}

func TestMsixConfigWriteTablePastSizeIsNoop(t *testing.T) {
	cfg := NewMsixConfig(&MsixCap{MsgCtl: 0})
	var buf [4]byte
	putLE32(buf[:], 7)
	require.NotPanics(t, func() { cfg.WriteTable(16, buf[:]) })
}

func TestMsixConfigReadPbaPacksPendingBitsAcrossWord(t *testing.T) {
	cfg := &MsixConfig{Pending: make([]bool, 40)}
	cfg.Pending[0] = true
	cfg.Pending[3] = true
	cfg.Pending[31] = true

	var out [4]byte
	cfg.ReadPba(0, out[:])
	require.Equal(t, uint32(1<<0|1<<3|1<<31), getLE32(out[:]))
}

func TestMsixConfigReadPbaSecondWordOffset(t *testing.T) {
	cfg := &MsixConfig{Pending: make([]bool, 40)}
	cfg.Pending[32] = true

	var out [4]byte
	cfg.ReadPba(4, out[:])
	require.Equal(t, uint32(1), getLE32(out[:]))
}

func TestPutLE32ZeroPadsShortDestination(t *testing.T) {
	buf := []byte{1, 2}
	putLE32(buf, 0xAABBCCDD)
	require.Equal(t, []byte{0xDD, 0xCC}, buf)
}

func TestGetLE32ZeroExtendsShortSource(t *testing.T) {
	require.Equal(t, uint32(0x02), getLE32([]byte{2}))
}
