package virtio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix" // For TUNSETIFF ioctl
)

// HostNetInterface is the host-side packet source/sink a Net backend
// talks to.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// TapDevice implements HostNetInterface using a Linux TUN/TAP device.
type TapDevice struct {
	fd   int
	name string
}

// NewTapDevice creates and configures a new TAP device.
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio/tap: open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("virtio/tap: TUNSETIFF for %s: %w", name, errno)
	}
	return &TapDevice{fd: fd, name: name}, nil
}

func (t *TapDevice) ReadPacket() ([]byte, error) {
	buf := make([]byte, 2048)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("virtio/tap: read %s: %w", t.name, err)
	}
	return buf[:n], nil
}

func (t *TapDevice) WritePacket(packet []byte) error {
	_, err := unix.Write(t.fd, packet)
	if err != nil {
		return fmt.Errorf("virtio/tap: write %s: %w", t.name, err)
	}
	return nil
}

func (t *TapDevice) Close() error {
	if t.fd == 0 {
		return nil
	}
	return unix.Close(t.fd)
}
