package vfio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMsixTableDeviceDelegatesReadWriteToConfig(t *testing.T) {
	cfg := NewMsixConfig(&MsixCap{MsgCtl: 0})
	dev := &MsixTableDevice{Msix: cfg}

	var buf [4]byte
	putLE32(buf[:], 0xCAFEBABE)
	dev.Write(0, buf[:])

	require.Equal(t, uint64(0xCAFEBABE), cfg.Entries[0].Address)

	var out [4]byte
	dev.Read(0, out[:])
	require.Equal(t, uint32(0xCAFEBABE), getLE32(out[:]))
}

func TestMsixPbaDeviceReadReflectsPendingBitsWriteIsNoop(t *testing.T) {
	cfg := &MsixConfig{Pending: []bool{true, false, false, false}}
	dev := &MsixPbaDevice{Msix: cfg}

	var out [4]byte
	dev.Read(0, out[:])
	require.Equal(t, uint32(1), getLE32(out[:]))

	require.NotPanics(t, func() { dev.Write(0, []byte{0xFF, 0xFF, 0xFF, 0xFF}) })
}
