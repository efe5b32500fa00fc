// Package network provides the host-side backends for the virtio-net
// device: a Linux TAP interface today, with HostNetInterface left narrow
// enough for a vhost-net or MMDS-only backend to satisfy it later.
package network

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// HostNetInterface is the backend the virtio-net device drives: read one
// frame off the host side, write one frame to it, and release the fd when
// the device is torn down.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
	// FD exposes the underlying descriptor so the event loop can register
	// it for readability, per single epoll-driven event loop.
	FD() int
}

// TapDevice implements HostNetInterface using a Linux TUN/TAP device opened
// in non-blocking mode so ReadPacket never stalls the event loop.
type TapDevice struct {
	fd   int
	name string
	log  hclog.Logger
}

// NewTapDevice opens and configures a TAP interface of the given name,
// creating it if it does not already exist.
func NewTapDevice(name string, log hclog.Logger) (*TapDevice, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [22]byte // ifreq union padding, see linux/if.h
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, errno)
	}

	log.Info("tap device opened", "name", name, "fd", fd)
	return &TapDevice{fd: fd, name: name, log: log}, nil
}

// FD returns the tap file descriptor for event-loop registration.
func (t *TapDevice) FD() int { return t.fd }

// ReadPacket reads one Ethernet frame. It returns a nil slice and nil error
// when no frame is currently available (EAGAIN), which the net device's RX
// path treats as "nothing to do this tick" rather than an error.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, 65536)
	n, err := syscall.Read(t.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("read tap %s: %w", t.name, err)
	}
	return buf[:n], nil
}

// WritePacket writes one Ethernet frame to the host side.
func (t *TapDevice) WritePacket(packet []byte) error {
	_, err := syscall.Write(t.fd, packet)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil
		}
		return fmt.Errorf("write tap %s: %w", t.name, err)
	}
	return nil
}

// Close releases the tap file descriptor.
func (t *TapDevice) Close() error {
	t.log.Info("tap device closed", "name", t.name, "fd", t.fd)
	return syscall.Close(t.fd)
}

// ConfigureTapInterface would bring the host-side interface up and assign
// it an address (`ip link set ... up`, `ip addr add ...`). Host network
// provisioning is out of scope here: the VMM only owns the device's guest-
// facing half, so this stays a documented stub for the operator's own
// setup scripts to replace.
func ConfigureTapInterface(name string, ipAddress string, log hclog.Logger) error {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log.Warn("host-side tap provisioning is not implemented", "name", name, "address", ipAddress)
	return nil
}
