package lib

import (
	"bytes"
	"io"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func TestCaptureDeviceRecordsBothDirections(t *testing.T) {
	c := qt.New(t)

	syn := rawSegment(t, peerISS, 0, peerWindow, SYNFlag, nil)
	dev := &fakeDevice{inbox: [][]byte{tunFrame(syn), {0, 0, 0x86, 0xdd, 0x60}}}
	var out bytes.Buffer
	capture, err := NewCaptureDevice(dev, &out, nil)
	c.Assert(err, qt.IsNil)

	conn, err := Accept(capture, mustParse(t, syn).IP, mustParse(t, syn).TCP, nil, testConnConfig(newTestClock()), nil)
	c.Assert(err, qt.IsNil)
	c.Assert(conn, qt.IsNotNil)

	buf := make([]byte, 100)
	for i := 0; i < 2; i++ {
		_, err := capture.Read(buf)
		c.Assert(err, qt.IsNil)
	}
	c.Assert(capture.Close(), qt.IsNil)
	c.Assert(dev.closed, qt.IsTrue)

	r, err := pcapgo.NewNgReader(&out, pcapgo.DefaultNgReaderOptions)
	c.Assert(err, qt.IsNil)
	c.Assert(r.LinkType(), qt.Equals, layers.LinkTypeRaw)

	var captured [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		c.Assert(err, qt.IsNil)
		captured = append(captured, data)
	}
	// the IPv6 frame read is not captured
	c.Assert(captured, qt.HasLen, 2)
	c.Assert(captured[0], qt.DeepEquals, dev.frames[0])
	c.Assert(captured[1], qt.DeepEquals, syn)
}

func mustParse(t *testing.T, datagram []byte) *TcpPacket {
	t.Helper()
	p, err := ParsePacket(datagram)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	return p
}
