package devices

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingPortDevice struct {
	lastPort      uint16
	lastDirection uint8
	lastData      []byte
	err           error
}

func (d *recordingPortDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	d.lastPort = port
	d.lastDirection = direction
	d.lastData = append([]byte(nil), data...)
	if direction == IODirectionIn {
		data[0] = 0x42
	}
	return d.err
}

func TestBusBridgeTranslatesOffsetToAbsolutePort(t *testing.T) {
	dev := &recordingPortDevice{}
	bridge := NewBusBridge(0x60, dev, nil)

	buf := []byte{0}
	bridge.Read(4, buf)
	require.Equal(t, uint16(0x64), dev.lastPort)
	require.Equal(t, uint8(IODirectionIn), dev.lastDirection)
	require.Equal(t, byte(0x42), buf[0])

	bridge.Write(0, []byte{0x99})
	require.Equal(t, uint16(0x60), dev.lastPort)
	require.Equal(t, uint8(IODirectionOut), dev.lastDirection)
}

func TestBusBridgeSwallowsDeviceErrorsAfterLogging(t *testing.T) {
	dev := &recordingPortDevice{err: errors.New("boom")}
	bridge := NewBusBridge(0x20, dev, nil)

	require.NotPanics(t, func() {
		bridge.Read(0, []byte{0})
	})
}
