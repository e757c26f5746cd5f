//go:build linux
// +build linux

package lib

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/Clouded-Sabre/Tun-TCP/filter"
	"golang.org/x/sys/unix"
)

// TunDevice is a tun interface opened with the packet information prefix.
// Reads return whole frames including the prefix, writes take bare IPv4
// datagrams and add it.
type TunDevice struct {
	name string
	file *os.File
	wbuf []byte
}

func OpenTun(name string) (*TunDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("invalid interface name %q: %w", name, err)
	}
	// no IFF_NO_PI, so every frame carries flags and ethertype in front
	ifr.SetUint16(unix.IFF_TUN)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, err)
	}
	// non-blocking descriptors go through the runtime poller, which gives
	// us read deadlines
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set %s non-blocking: %w", name, err)
	}

	return &TunDevice{
		name: ifr.Name(),
		file: os.NewFile(uintptr(fd), "/dev/net/tun"),
	}, nil
}

func (t *TunDevice) Name() string {
	return t.name
}

func (t *TunDevice) Read(b []byte) (int, error) {
	return t.file.Read(b)
}

func (t *TunDevice) Write(packet []byte) (int, error) {
	t.wbuf = filter.AppendTunFrame(t.wbuf[:0], packet)
	if _, err := t.file.Write(t.wbuf); err != nil {
		return 0, err
	}
	return len(packet), nil
}

func (t *TunDevice) SetReadDeadline(deadline time.Time) error {
	return t.file.SetReadDeadline(deadline)
}

func (t *TunDevice) Close() error {
	return t.file.Close()
}

// ConfigureTun assigns cidr to the interface and brings it up.
func ConfigureTun(name, cidr string, mtu int) error {
	commands := [][]string{
		{"ip", "link", "set", "dev", name, "mtu", strconv.Itoa(mtu)},
		{"ip", "link", "set", "dev", name, "up"},
	}
	if cidr != "" {
		commands = append([][]string{{"ip", "addr", "add", cidr, "dev", name}}, commands...)
	}
	for _, args := range commands {
		cmd := exec.Command(args[0], args[1:]...)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%v failed: %v\nOutput: %s", args, err, string(output))
		}
	}
	return nil
}
