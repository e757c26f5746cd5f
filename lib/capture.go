package lib

import (
	"io"
	"time"

	"github.com/Clouded-Sabre/Tun-TCP/filter"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"
)

// CaptureDevice copies every IPv4 datagram crossing the wrapped Device into
// a pcapng stream with raw IP link type.
type CaptureDevice struct {
	Device
	w   *pcapgo.NgWriter
	log *zap.SugaredLogger
}

func NewCaptureDevice(dev Device, w io.Writer, logger *zap.SugaredLogger) (*CaptureDevice, error) {
	ngw, err := pcapgo.NewNgWriter(w, layers.LinkTypeRaw)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CaptureDevice{Device: dev, w: ngw, log: logger}, nil
}

func (c *CaptureDevice) Read(b []byte) (int, error) {
	n, err := c.Device.Read(b)
	if n > 0 {
		if _, proto, packet, ok := filter.SplitTunFrame(b[:n]); ok && layers.EthernetType(proto) == layers.EthernetTypeIPv4 {
			c.capture(packet)
		}
	}
	return n, err
}

func (c *CaptureDevice) Write(packet []byte) (int, error) {
	n, err := c.Device.Write(packet)
	if err == nil {
		c.capture(packet)
	}
	return n, err
}

func (c *CaptureDevice) capture(packet []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(packet),
		Length:        len(packet),
	}
	if err := c.w.WritePacket(ci, packet); err != nil {
		c.log.Warnf("capture: %v", err)
	}
}

func (c *CaptureDevice) Close() error {
	if err := c.w.Flush(); err != nil {
		c.log.Warnf("capture flush: %v", err)
	}
	return c.Device.Close()
}
