package devices

import (
	"fmt"
	"sync"
)

// i8042CommandResetPulse is the well-known keyboard-controller command that
// pulses the CPU reset line on a write to 0x64.
const i8042CommandResetPulse byte = 0xFE

// KeyboardDevice implements a very basic PS/2-style i8042 keyboard
// controller: status/data ports for guest input, plus the reset-pulse
// command on the status/command port.
type KeyboardDevice struct {
	lock   sync.Mutex
	buffer []byte

	// onReset is invoked (outside the lock) when the guest issues the
	// reset-pulse command. The VM orchestrator wires this to a VM-wide
	// reset/shutdown request.
	onReset func()
}

// NewKeyboardDevice creates a new KeyboardDevice pre-populated with 'V' and
// wires onReset to be called when the guest issues the 0xFE reset pulse.
// onReset may be nil, in which case the pulse is a no-op.
func NewKeyboardDevice(onReset func()) *KeyboardDevice {
	return &KeyboardDevice{
		buffer:  []byte{'V'},
		onReset: onReset,
	}
}

// HandleIO processes I/O operations for the keyboard device on ports
// 0x60 (data) and 0x64 (status/command).
func (k *KeyboardDevice) HandleIO(port uint16, direction uint8, size uint8, data []byte) error {
	if size != 1 {
		return fmt.Errorf("KeyboardDevice: I/O size %d not supported for port 0x%x. Only 1-byte supported", size, port)
	}

	if direction == IODirectionOut {
		return k.handleWrite(port, data[0])
	}
	return k.handleRead(port, data)
}

func (k *KeyboardDevice) handleWrite(port uint16, val byte) error {
	if port != KEYBOARD_PORT_STATUS {
		return fmt.Errorf("KeyboardDevice: write to port 0x%x not supported", port)
	}
	if val == i8042CommandResetPulse {
		reset := k.onReset
		if reset != nil {
			reset()
		}
		return nil
	}
	// Other controller commands (LED set, scan code set, ...) are accepted
	// and ignored by this model.
	return nil
}

func (k *KeyboardDevice) handleRead(port uint16, data []byte) error {
	k.lock.Lock()
	defer k.lock.Unlock()

	switch port {
	case KEYBOARD_PORT_STATUS:
		if len(k.buffer) > 0 {
			data[0] = 0x01 // OBF: data available at 0x60
		} else {
			data[0] = 0x00
		}
	case KEYBOARD_PORT_DATA:
		if len(k.buffer) > 0 {
			data[0] = k.buffer[0]
			k.buffer = k.buffer[1:]
		} else {
			data[0] = 0x00
		}
	default:
		return fmt.Errorf("KeyboardDevice: unhandled IN from port 0x%x", port)
	}
	return nil
}
