//go:build linux

package capture

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const tunDevice = "/dev/net/tun"

// TunSource reads frames from a Linux TUN interface opened without packet info,
// so every read yields exactly one raw IP frame.
type TunSource struct {
	file *os.File
	name string
}

func NewTunSource(name string) (*TunSource, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", tunDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("invalid tun name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to attach to tun %s: %w", name, err)
	}

	// Non-blocking so the runtime poller owns the fd and Close interrupts Read.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set tun non-blocking: %w", err)
	}
	return &TunSource{file: os.NewFile(uintptr(fd), tunDevice), name: ifr.Name()}, nil
}

func (t *TunSource) Read(buf []byte) (int, error) {
	return t.file.Read(buf)
}

func (t *TunSource) Close() error {
	return t.file.Close()
}

// Name is the interface name the kernel assigned.
func (t *TunSource) Name() string { return t.name }
