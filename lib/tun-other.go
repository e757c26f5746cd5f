//go:build !linux
// +build !linux

package lib

import (
	"fmt"
	"runtime"
	"time"
)

var errTunUnsupported = fmt.Errorf("tun devices are not supported on %s", runtime.GOOS)

type TunDevice struct{}

func OpenTun(name string) (*TunDevice, error) {
	return nil, errTunUnsupported
}

func (t *TunDevice) Name() string { return "" }
func (t *TunDevice) Read(b []byte) (int, error) { return 0, errTunUnsupported }
func (t *TunDevice) Write(packet []byte) (int, error) { return 0, errTunUnsupported }
func (t *TunDevice) SetReadDeadline(time.Time) error { return errTunUnsupported }
func (t *TunDevice) Close() error { return nil }

func ConfigureTun(name, cidr string, mtu int) error {
	return errTunUnsupported
}
